package fence

import "context"

type ctxKey struct{}

// WithFence returns a context carrying f. Writes performed with the context
// register themselves on f.
func WithFence(ctx context.Context, f *Fence) context.Context {
	return context.WithValue(ctx, ctxKey{}, f)
}

// FromContext returns the fence carried by ctx, or nil.
func FromContext(ctx context.Context) *Fence {
	f, _ := ctx.Value(ctxKey{}).(*Fence)
	return f
}

// Begin starts a write on the fence carried by ctx. Without a fence it
// returns a nil *Write whose Committed is a no-op, so callers can always
//
//	w, err := fence.Begin(ctx)
//	if err != nil { ... }
//	defer w.Committed()
func Begin(ctx context.Context) (*Write, error) {
	f := FromContext(ctx)
	if f == nil {
		return nil, nil
	}
	return f.BeginWrite()
}
