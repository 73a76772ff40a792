package crossbar

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/maxpert/livedata/encoding"
	"github.com/maxpert/livedata/telemetry"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// DefaultSubject is the NATS subject invalidations are exchanged on.
const DefaultSubject = "livedata.invalidations"

type envelope struct {
	Origin  string  `msgpack:"o"`
	Trigger Trigger `msgpack:"t"`
}

type natsConn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Bridge shares invalidations between processes that write to the same
// store. Local fires are published; messages from other origins are fired
// locally with a remote context so they are not published again.
type Bridge struct {
	crossbar *Crossbar
	conn     natsConn
	subject  string
	origin   string
	sub      *nats.Subscription
	unhook   func()
}

// Dial connects to a NATS server, retrying the first connection with
// exponential backoff for up to maxWait.
func Dial(url string, maxWait time.Duration) (*nats.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = maxWait

	var conn *nats.Conn
	err := backoff.RetryNotify(func() error {
		c, err := nats.Connect(url,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(time.Second),
		)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}, b, func(err error, wait time.Duration) {
		log.Warn().Err(err).Dur("retry_in", wait).Str("url", url).Msg("NATS connect failed")
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return conn, nil
}

// NewBridge attaches c to conn on subject. origin must be unique per
// process.
func NewBridge(c *Crossbar, conn *nats.Conn, subject, origin string) (*Bridge, error) {
	return newBridge(c, conn, subject, origin)
}

func newBridge(c *Crossbar, conn natsConn, subject, origin string) (*Bridge, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	b := &Bridge{crossbar: c, conn: conn, subject: subject, origin: origin}

	sub, err := conn.Subscribe(subject, func(m *nats.Msg) {
		b.receive(m.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	b.sub = sub
	b.unhook = c.OnFire(b.publish)
	return b, nil
}

func (b *Bridge) publish(ctx context.Context, n Trigger) {
	if IsRemote(ctx) {
		return
	}
	data, err := encoding.Marshal(&envelope{Origin: b.origin, Trigger: n})
	if err != nil {
		log.Error().Err(err).Str("trigger", n.String()).Msg("Unable to encode invalidation")
		return
	}
	if err := b.conn.Publish(b.subject, data); err != nil {
		log.Warn().Err(err).Str("trigger", n.String()).Msg("Unable to publish invalidation")
	}
}

func (b *Bridge) receive(data []byte) {
	var env envelope
	if err := encoding.Unmarshal(data, &env); err != nil {
		log.Warn().Err(err).Msg("Dropping malformed invalidation")
		return
	}
	if env.Origin == b.origin {
		return
	}
	log.Debug().Str("origin", env.Origin).Str("trigger", env.Trigger.String()).Msg("Remote invalidation")
	telemetry.CrossbarFiresTotal.With("remote").Inc()
	b.crossbar.Fire(WithRemote(context.Background()), env.Trigger)
}

// Close detaches the bridge. The NATS connection is left open.
func (b *Bridge) Close() error {
	b.unhook()
	if b.sub != nil {
		return b.sub.Unsubscribe()
	}
	return nil
}
