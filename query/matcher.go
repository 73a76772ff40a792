package query

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/maxpert/livedata/document"
)

type docPredicate func(doc *document.Document) bool

// valuePredicate receives every value reachable at a path (empty when the
// path is missing).
type valuePredicate func(values []document.Value) bool

// Matcher decides whether a document satisfies a selector. Matchers are
// immutable after Compile and safe for concurrent use.
type Matcher struct {
	selector *document.Document
	root     docPredicate
	hasWhere bool
	hasGeo   bool
}

// Compile builds a matcher for selector. A nil or empty selector matches
// every document.
func Compile(selector *document.Document) (*Matcher, error) {
	m := &Matcher{selector: selector.Clone()}
	if m.selector == nil {
		m.selector = document.New()
	}
	root, err := m.compileDoc(m.selector)
	if err != nil {
		return nil, err
	}
	m.root = root
	return m, nil
}

// Matches reports whether doc satisfies the selector.
func (m *Matcher) Matches(doc *document.Document) bool {
	return m.root(doc)
}

// Selector returns the compiled selector. Callers must not mutate it.
func (m *Matcher) Selector() *document.Document {
	return m.selector
}

// HasWhere reports whether the selector contains a $where clause.
func (m *Matcher) HasWhere() bool {
	return m.hasWhere
}

// HasGeoQuery reports whether the selector contains a geo operator.
func (m *Matcher) HasGeoQuery() bool {
	return m.hasGeo
}

func (m *Matcher) compileDoc(sel *document.Document) (docPredicate, error) {
	var preds []docPredicate
	var err error
	sel.Range(func(key string, v document.Value) bool {
		var p docPredicate
		p, err = m.compileClause(key, v)
		if err != nil {
			return false
		}
		if p != nil {
			preds = append(preds, p)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return func(doc *document.Document) bool {
		for _, p := range preds {
			if !p(doc) {
				return false
			}
		}
		return true
	}, nil
}

func (m *Matcher) compileClause(key string, v document.Value) (docPredicate, error) {
	if !strings.HasPrefix(key, "$") {
		vp, err := m.compileValue(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", key, err)
		}
		return func(doc *document.Document) bool {
			return vp(doc.LookupAll(key))
		}, nil
	}

	switch key {
	case "$and", "$or", "$nor":
		subs, err := m.compileBranches(key, v)
		if err != nil {
			return nil, err
		}
		switch key {
		case "$and":
			return func(doc *document.Document) bool {
				for _, s := range subs {
					if !s(doc) {
						return false
					}
				}
				return true
			}, nil
		case "$or":
			return func(doc *document.Document) bool {
				for _, s := range subs {
					if s(doc) {
						return true
					}
				}
				return false
			}, nil
		default:
			return func(doc *document.Document) bool {
				for _, s := range subs {
					if s(doc) {
						return false
					}
				}
				return true
			}, nil
		}
	case "$where":
		m.hasWhere = true
		return compileWhere(v)
	case "$comment":
		return nil, nil
	}
	return nil, unsupported("unknown top-level operator %s", key)
}

func (m *Matcher) compileBranches(op string, v document.Value) ([]docPredicate, error) {
	arr, ok := v.(document.Array)
	if !ok || len(arr) == 0 {
		return nil, fmt.Errorf("%s must be a nonempty array", op)
	}
	subs := make([]docPredicate, 0, len(arr))
	for _, e := range arr {
		sub, ok := e.(*document.Document)
		if !ok {
			return nil, fmt.Errorf("%s entries must be objects", op)
		}
		p, err := m.compileDoc(sub)
		if err != nil {
			return nil, err
		}
		subs = append(subs, p)
	}
	return subs, nil
}

// isOperatorObject reports whether v is {$op: ...}. Mixing operators with
// plain fields is rejected.
func isOperatorObject(v document.Value) (bool, error) {
	doc, ok := v.(*document.Document)
	if !ok || doc.Len() == 0 {
		return false, nil
	}
	ops := 0
	for _, k := range doc.Keys() {
		if strings.HasPrefix(k, "$") {
			ops++
		}
	}
	if ops > 0 && ops != doc.Len() {
		return false, fmt.Errorf("inconsistent operator: %s", doc.String())
	}
	return ops > 0, nil
}

func (m *Matcher) compileValue(v document.Value) (valuePredicate, error) {
	isOps, err := isOperatorObject(v)
	if err != nil {
		return nil, err
	}
	if !isOps {
		return equalityPredicate(v), nil
	}

	ops := v.(*document.Document)
	var preds []valuePredicate
	for _, op := range ops.Keys() {
		operand, _ := ops.Get(op)
		if op == "$options" {
			if !ops.Has("$regex") {
				return nil, fmt.Errorf("$options needs a $regex")
			}
			continue
		}
		p, err := m.compileOperator(op, operand, ops)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	return func(values []document.Value) bool {
		for _, p := range preds {
			if !p(values) {
				return false
			}
		}
		return true
	}, nil
}

func (m *Matcher) compileOperator(op string, operand document.Value, siblings *document.Document) (valuePredicate, error) {
	switch op {
	case "$eq":
		return equalityPredicate(operand), nil
	case "$ne":
		eq := equalityPredicate(operand)
		return func(values []document.Value) bool { return !eq(values) }, nil
	case "$gt", "$gte", "$lt", "$lte":
		return rangePredicate(op, operand), nil
	case "$in", "$nin":
		arr, ok := operand.(document.Array)
		if !ok {
			return nil, fmt.Errorf("%s needs an array", op)
		}
		eqs := make([]valuePredicate, 0, len(arr))
		for _, e := range arr {
			eqs = append(eqs, equalityPredicate(e))
		}
		in := func(values []document.Value) bool {
			for _, eq := range eqs {
				if eq(values) {
					return true
				}
			}
			return false
		}
		if op == "$nin" {
			return func(values []document.Value) bool { return !in(values) }, nil
		}
		return in, nil
	case "$exists":
		want := truthy(operand)
		return func(values []document.Value) bool { return (len(values) > 0) == want }, nil
	case "$size":
		n, ok := document.ToFloat(operand)
		if !ok {
			return nil, fmt.Errorf("$size needs a number")
		}
		return func(values []document.Value) bool {
			for _, v := range values {
				if arr, ok := v.(document.Array); ok && float64(len(arr)) == n {
					return true
				}
			}
			return false
		}, nil
	case "$all":
		arr, ok := operand.(document.Array)
		if !ok {
			return nil, fmt.Errorf("$all needs an array")
		}
		eqs := make([]valuePredicate, 0, len(arr))
		for _, e := range arr {
			eqs = append(eqs, equalityPredicate(e))
		}
		return func(values []document.Value) bool {
			if len(eqs) == 0 {
				return false
			}
			for _, eq := range eqs {
				if !eq(values) {
					return false
				}
			}
			return true
		}, nil
	case "$regex":
		pattern, ok := operand.(document.String)
		if !ok {
			return nil, fmt.Errorf("$regex needs a string")
		}
		flags := ""
		if o, ok := siblings.Get("$options"); ok {
			s, _ := o.(document.String)
			for _, c := range string(s) {
				switch c {
				case 'i', 'm', 's':
					flags += string(c)
				default:
					return nil, unsupported("regex option %q", c)
				}
			}
		}
		expr := string(pattern)
		if flags != "" {
			expr = "(?" + flags + ")" + expr
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid $regex: %w", err)
		}
		return anyCandidate(func(v document.Value) bool {
			s, ok := v.(document.String)
			return ok && re.MatchString(string(s))
		}), nil
	case "$mod":
		arr, ok := operand.(document.Array)
		if !ok || len(arr) != 2 {
			return nil, fmt.Errorf("$mod needs [divisor, remainder]")
		}
		div, ok1 := document.ToFloat(arr[0])
		rem, ok2 := document.ToFloat(arr[1])
		if !ok1 || !ok2 || div == 0 {
			return nil, fmt.Errorf("$mod needs a nonzero numeric divisor and remainder")
		}
		return anyCandidate(func(v document.Value) bool {
			f, ok := document.ToFloat(v)
			return ok && math.Mod(math.Trunc(f), div) == rem
		}), nil
	case "$not":
		isOps, err := isOperatorObject(operand)
		if err != nil {
			return nil, err
		}
		if !isOps {
			return nil, fmt.Errorf("$not needs an operator object")
		}
		inner, err := m.compileValue(operand)
		if err != nil {
			return nil, err
		}
		return func(values []document.Value) bool { return !inner(values) }, nil
	case "$elemMatch":
		sub, ok := operand.(*document.Document)
		if !ok {
			return nil, fmt.Errorf("$elemMatch needs an object")
		}
		return m.compileElemMatch(sub)
	case "$geoWithin", "$within":
		m.hasGeo = true
		return compileGeoWithin(operand)
	case "$near", "$nearSphere", "$geoIntersects":
		m.hasGeo = true
		return nil, unsupported("%s is not supported", op)
	}
	return nil, unsupported("unknown operator %s", op)
}

func (m *Matcher) compileElemMatch(sub *document.Document) (valuePredicate, error) {
	isOps, err := isOperatorObject(sub)
	if err != nil {
		return nil, err
	}
	var elem func(document.Value) bool
	if isOps {
		vp, err := m.compileValue(sub)
		if err != nil {
			return nil, err
		}
		elem = func(v document.Value) bool { return vp([]document.Value{v}) }
	} else {
		dp, err := m.compileDoc(sub)
		if err != nil {
			return nil, err
		}
		elem = func(v document.Value) bool {
			d, ok := v.(*document.Document)
			return ok && dp(d)
		}
	}
	return func(values []document.Value) bool {
		for _, v := range values {
			arr, ok := v.(document.Array)
			if !ok {
				continue
			}
			for _, e := range arr {
				if elem(e) {
					return true
				}
			}
		}
		return false
	}, nil
}

// anyCandidate matches when fn holds for a value at the path or for an
// element of an array value.
func anyCandidate(fn func(document.Value) bool) valuePredicate {
	return func(values []document.Value) bool {
		for _, v := range values {
			if fn(v) {
				return true
			}
			if arr, ok := v.(document.Array); ok {
				for _, e := range arr {
					if fn(e) {
						return true
					}
				}
			}
		}
		return false
	}
}

func equalityPredicate(operand document.Value) valuePredicate {
	if _, isNull := operand.(document.Null); isNull || operand == nil {
		match := anyCandidate(func(v document.Value) bool {
			_, ok := v.(document.Null)
			return ok
		})
		return func(values []document.Value) bool {
			return len(values) == 0 || match(values)
		}
	}
	return anyCandidate(func(v document.Value) bool {
		return document.Equal(v, operand)
	})
}

func rangePredicate(op string, operand document.Value) valuePredicate {
	return anyCandidate(func(v document.Value) bool {
		if !document.SameKind(v, operand) {
			return false
		}
		c := document.Compare(v, operand)
		switch op {
		case "$gt":
			return c > 0
		case "$gte":
			return c >= 0
		case "$lt":
			return c < 0
		default:
			return c <= 0
		}
	})
}

func truthy(v document.Value) bool {
	switch t := v.(type) {
	case nil, document.Null:
		return false
	case document.Bool:
		return bool(t)
	case document.Int:
		return t != 0
	case document.Float:
		return t != 0
	case document.String:
		return t != ""
	}
	return true
}
