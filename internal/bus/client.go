package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/propagation"

	"github.com/holoforge/scenecast/internal/domain"
	"github.com/holoforge/scenecast/internal/errs"
	"github.com/holoforge/scenecast/internal/telemetry"
)

// maxPendingBytes bounds the client's outbound reconnect buffer (spec §4.1:
// "publishes buffer up to 1 MiB then fail with Backpressure").
const maxPendingBytes = 1 * 1024 * 1024

// NATSClient wraps a core NATS connection: fire-and-forget publish,
// queue-grouped subscribe, and request/reply, all framed in the Envelope
// codec from domain.Envelope.
type NATSClient struct {
	conn       *nats.Conn
	tracing    *telemetry.Tracing
	logger     zerolog.Logger
	reconnects atomic.Uint64
}

// NewNATSClient connects to url with reconnect buffering capped at
// maxPendingBytes and unlimited reconnect attempts, matching the
// "reconnecting" failure model in spec §4.1. tracing may be nil, in which
// case envelopes carry no trace headers.
func NewNATSClient(url string, tracing *telemetry.Tracing, logger zerolog.Logger) (*NATSClient, error) {
	c := &NATSClient{tracing: tracing, logger: logger.With().Str("component", "bus").Logger()}

	opts := []nats.Option{
		nats.Name("scenecast"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectBufSize(maxPendingBytes),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				c.logger.Warn().Err(err).Msg("bus disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.reconnects.Add(1)
			c.logger.Info().Str("url", nc.ConnectedUrl()).Msg("bus reconnected")
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			c.logger.Warn().Msg("bus connection closed")
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, err, "bus: connect")
	}
	c.conn = nc
	return c, nil
}

func (c *NATSClient) Reconnects() uint64 { return c.reconnects.Load() }

// Publish wraps payload in an Envelope and fire-and-forgets it on subject.
func (c *NATSClient) Publish(ctx context.Context, subject string, payload any) error {
	if !IsKnownSubject(subject) {
		return errs.New(errs.InvalidRequest, fmt.Sprintf("bus: unknown subject %q", subject))
	}

	env, err := domain.NewEnvelope(subject, uuid.NewString(), time.Now(), payload)
	if err != nil {
		return errs.Wrap(errs.InvalidRequest, err, "bus: marshal envelope")
	}
	c.injectTrace(ctx, &env)

	data, err := json.Marshal(env)
	if err != nil {
		return errs.Wrap(errs.InvalidRequest, err, "bus: marshal envelope")
	}

	if err := c.conn.Publish(subject, data); err != nil {
		return classifyPublishErr(err)
	}
	return nil
}

// injectTrace stamps the active span context from ctx into env.Headers, so
// a subscriber on another process can continue the same trace (spec §4.8).
func (c *NATSClient) injectTrace(ctx context.Context, env *domain.Envelope) {
	if c.tracing == nil {
		return
	}
	env.Headers = make(map[string]string)
	c.tracing.Inject(ctx, propagation.MapCarrier(env.Headers))
}

func classifyPublishErr(err error) error {
	if err == nats.ErrReconnectBufExceeded || err == nats.ErrConnectionClosed {
		return errs.Wrap(errs.Backpressure, err, "bus: publish")
	}
	return errs.Wrap(errs.Transient, err, "bus: publish")
}

type natsSubscription struct{ sub *nats.Subscription }

func (s natsSubscription) Unsubscribe() error { return s.sub.Unsubscribe() }

// Subscribe starts a background consumer for subject. With queueGroup set,
// NATS load-balances deliveries across all subscribers sharing that group
// name (spec §4.1 "exactly one consumer per group"); NATS re-establishes
// subscriptions transparently across reconnects, so no extra bookkeeping
// is needed here.
func (c *NATSClient) Subscribe(subject, queueGroup string, handler Handler) (Subscription, error) {
	if !IsKnownSubject(subject) {
		return nil, errs.New(errs.InvalidRequest, fmt.Sprintf("bus: unknown subject %q", subject))
	}

	cb := func(msg *nats.Msg) {
		var env domain.Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			c.logger.Error().Err(err).Str("subject", subject).Msg("bus: decode envelope")
			return
		}
		if env.V != domain.EnvelopeVersion {
			c.logger.Error().Int("v", env.V).Str("subject", subject).Msg("bus: IncompatibleVersion")
			return
		}
		handler(c.extractTrace(env), env)
	}

	var (
		sub *nats.Subscription
		err error
	)
	if queueGroup != "" {
		sub, err = c.conn.QueueSubscribe(subject, queueGroup, cb)
	} else {
		sub, err = c.conn.Subscribe(subject, cb)
	}
	if err != nil {
		return nil, errs.Wrap(errs.Transient, err, "bus: subscribe")
	}
	return natsSubscription{sub: sub}, nil
}

// extractTrace restores the producer's span context from env.Headers, if
// tracing is enabled and the envelope carried one.
func (c *NATSClient) extractTrace(env domain.Envelope) context.Context {
	if c.tracing == nil || len(env.Headers) == 0 {
		return context.Background()
	}
	return c.tracing.Extract(context.Background(), propagation.MapCarrier(env.Headers))
}

// Request sends payload on subject via an ephemeral inbox and waits for a
// single reply.
func (c *NATSClient) Request(ctx context.Context, subject string, payload any, timeout time.Duration) (domain.Envelope, error) {
	env, err := domain.NewEnvelope(subject, uuid.NewString(), time.Now(), payload)
	if err != nil {
		return domain.Envelope{}, errs.Wrap(errs.InvalidRequest, err, "bus: marshal envelope")
	}
	c.injectTrace(ctx, &env)
	data, err := json.Marshal(env)
	if err != nil {
		return domain.Envelope{}, errs.Wrap(errs.InvalidRequest, err, "bus: marshal envelope")
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	msg, err := c.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		if err == nats.ErrTimeout || ctx.Err() != nil {
			return domain.Envelope{}, errs.Wrap(errs.Timeout, err, "bus: request timed out")
		}
		return domain.Envelope{}, errs.Wrap(errs.Transient, err, "bus: request")
	}

	var reply domain.Envelope
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return domain.Envelope{}, errs.Wrap(errs.InvalidRequest, err, "bus: decode reply")
	}
	if reply.V != domain.EnvelopeVersion {
		return domain.Envelope{}, errs.New(errs.InvalidRequest, fmt.Sprintf("bus: IncompatibleVersion %d", reply.V))
	}
	return reply, nil
}

func (c *NATSClient) Close() error {
	c.conn.Drain()
	return nil
}

var _ Bus = (*NATSClient)(nil)
