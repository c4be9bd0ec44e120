package bus

import (
	"context"
	"time"

	"github.com/holoforge/scenecast/internal/domain"
)

// Handler processes one decoded envelope delivered on a subject. Handlers
// must be idempotent: the bus delivers at-least-once and may redeliver the
// same envelope after a reconnect (spec §4.1).
type Handler func(ctx context.Context, env domain.Envelope)

// Bus is the capability surface the rest of the system depends on (spec
// §4.1). The NATS-backed implementation lives in client.go; tests use a
// fake that implements this interface directly rather than mocking the
// wire protocol.
type Bus interface {
	// Publish fire-and-forgets payload on subject, wrapped in an
	// Envelope. Returns an errs.Backpressure error if the outbound
	// buffer is full while disconnected.
	Publish(ctx context.Context, subject string, payload any) error

	// Subscribe starts a background consumer for subject. When
	// queueGroup is non-empty, exactly one subscriber per group receives
	// each message; with queueGroup empty, every subscriber on the
	// process receives every message. The subscription is
	// re-established automatically across reconnects using the same
	// handler.
	Subscribe(subject, queueGroup string, handler Handler) (Subscription, error)

	// Request sends payload on subject and waits for a single reply,
	// returning an errs.Timeout error if none arrives within timeout.
	Request(ctx context.Context, subject string, payload any, timeout time.Duration) (domain.Envelope, error)

	// Reconnects returns the lifetime count of reconnection events, for
	// the bus_reconnects_total metric.
	Reconnects() uint64

	Close() error
}

// Subscription is a handle to a running Subscribe call.
type Subscription interface {
	Unsubscribe() error
}
