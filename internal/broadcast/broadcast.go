// Package broadcast implements the broadcast engine (C7): a single
// goroutine that owns the subscription table and fans frames out to
// connected sockets at a fixed tick rate, per spec §4.7. All subscription
// table mutations and frame delivery happen on one goroutine via a command
// channel, so no locking is needed around subscriber state.
package broadcast

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/holoforge/scenecast/internal/bus"
	"github.com/holoforge/scenecast/internal/domain"
	"github.com/holoforge/scenecast/internal/errs"
	"github.com/holoforge/scenecast/internal/telemetry"
)

// Drop reasons recorded against frame_drop_total.
const (
	DropQueueFull    = "queue_full"
	DropTCPBacklog   = "tcp_backlog"
	DropWriteTimeout = "write_timeout"
)

// hardBreachTicks is how many consecutive over-hard-threshold ticks a
// socket tolerates before the engine disconnects it (spec §4.7).
const hardBreachTicks = 3

// commandBuffer bounds the engine's inbox so a burst of (un)subscribes or
// inbound frames is absorbed without waiting on the loop. When it is full,
// inbound bus frames are dropped, while Subscribe and Unsubscribe block
// until there is room.
const commandBuffer = 256

// Socket is the capability the gateway's WebSocket connection exposes to
// the broadcast engine. Implementations must make Send safe to call from
// the engine's single goroutine only (no internal locking required) and
// must not block past the supplied context's deadline.
type Socket interface {
	ID() string
	Send(ctx context.Context, frame domain.Frame) error
	BufferedAmount() int64
	Close(reason string) error
}

// Config is the subset of top-level configuration the engine needs.
type Config struct {
	TickInterval time.Duration
	QueueCap     int
	SoftBacklog  int64
	HardBacklog  int64
	WriteTimeout time.Duration
}

type subscriber struct {
	socket   Socket
	tenantID string
	queue    []domain.Frame
	hardHits int
}

type command struct {
	kind     string // "subscribe", "unsubscribe", "frame"
	tenantID string
	socket   Socket
	frame    domain.Frame
}

// Engine runs the broadcast loop.
type Engine struct {
	bus     bus.Bus
	cfg     Config
	metrics *telemetry.Metrics
	tracing *telemetry.Tracing
	logger  zerolog.Logger

	cmds chan command
	stop chan struct{}
	done chan struct{}

	subsByTenant map[string]map[string]*subscriber
	tenantSub    map[string]bus.Subscription
	pending      map[string]domain.Frame
}

func New(b bus.Bus, cfg Config, m *telemetry.Metrics, tr *telemetry.Tracing, logger zerolog.Logger) *Engine {
	if cfg.QueueCap <= 0 {
		cfg.QueueCap = 16
	}
	return &Engine{
		bus: b, cfg: cfg, metrics: m, tracing: tr,
		logger:       logger.With().Str("component", "broadcast").Logger(),
		cmds:         make(chan command, commandBuffer),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		subsByTenant: make(map[string]map[string]*subscriber),
		tenantSub:    make(map[string]bus.Subscription),
		pending:      make(map[string]domain.Frame),
	}
}

// Run drives the tick loop until Stop is called or ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	defer close(e.done)
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case cmd := <-e.cmds:
			e.handle(cmd)
		case <-ticker.C:
			e.tick(ctx)
		case <-e.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop signals the loop to exit and waits for it to finish.
func (e *Engine) Stop(drain time.Duration) bool {
	close(e.stop)
	select {
	case <-e.done:
		return true
	case <-time.After(drain):
		return false
	}
}

// Subscribe attaches socket to tenantID's frame stream, establishing a bus
// subscription for that tenant on first interest.
func (e *Engine) Subscribe(tenantID string, socket Socket) {
	e.cmds <- command{kind: "subscribe", tenantID: tenantID, socket: socket}
}

// Unsubscribe detaches socketID from tenantID, tearing down the tenant's
// bus subscription once the last socket leaves.
func (e *Engine) Unsubscribe(tenantID, socketID string) {
	e.cmds <- command{kind: "unsubscribe", tenantID: tenantID, socket: idSocket(socketID)}
}

type idSocket string

func (s idSocket) ID() string                               { return string(s) }
func (s idSocket) Send(context.Context, domain.Frame) error { return nil }
func (s idSocket) BufferedAmount() int64                    { return 0 }
func (s idSocket) Close(string) error                       { return nil }

func (e *Engine) handle(cmd command) {
	switch cmd.kind {
	case "subscribe":
		e.doSubscribe(cmd.tenantID, cmd.socket)
	case "unsubscribe":
		e.doUnsubscribe(cmd.tenantID, cmd.socket.ID())
	case "frame":
		e.pending[cmd.tenantID] = cmd.frame
	}
}

func (e *Engine) doSubscribe(tenantID string, socket Socket) {
	if e.subsByTenant[tenantID] == nil {
		e.subsByTenant[tenantID] = make(map[string]*subscriber)
	}
	e.subsByTenant[tenantID][socket.ID()] = &subscriber{socket: socket, tenantID: tenantID}

	if _, ok := e.tenantSub[tenantID]; ok {
		return
	}
	subject := bus.FrameSubject(tenantID)
	sub, err := e.bus.Subscribe(subject, "", func(_ context.Context, env domain.Envelope) {
		var frame domain.Frame
		if err := json.Unmarshal(env.Body, &frame); err != nil {
			e.logger.Error().Err(err).Str("tenantID", tenantID).Msg("broadcast: decode frame")
			return
		}
		select {
		case e.cmds <- command{kind: "frame", tenantID: tenantID, frame: frame}:
		default:
			e.logger.Warn().Str("tenantID", tenantID).Msg("broadcast: command queue full, dropping inbound frame")
		}
	})
	if err != nil {
		e.logger.Error().Err(err).Str("tenantID", tenantID).Msg("broadcast: subscribe to frame subject")
		return
	}
	e.tenantSub[tenantID] = sub
}

func (e *Engine) doUnsubscribe(tenantID, socketID string) {
	subs := e.subsByTenant[tenantID]
	if subs == nil {
		return
	}
	delete(subs, socketID)
	if len(subs) > 0 {
		return
	}
	delete(e.subsByTenant, tenantID)
	delete(e.pending, tenantID)
	if sub, ok := e.tenantSub[tenantID]; ok {
		_ = sub.Unsubscribe()
		delete(e.tenantSub, tenantID)
	}
}

// tick delivers the latest coalesced frame per tenant to every subscriber
// of that tenant, then drains each subscriber's queue as far as its write
// budget and backlog allow.
func (e *Engine) tick(ctx context.Context) {
	totalQueued := 0
	var totalBacklog int64

	for tenantID, frame := range e.pending {
		subs := e.subsByTenant[tenantID]
		for _, sub := range subs {
			e.enqueue(sub, frame)
		}
	}
	e.pending = make(map[string]domain.Frame)

	for _, subs := range e.subsByTenant {
		for _, sub := range subs {
			totalBacklog += e.drain(ctx, sub)
			totalQueued += len(sub.queue)
		}
	}

	e.metrics.BroadcastQueueLen.Set(float64(totalQueued))
	e.metrics.BroadcastFPS.Set(1 / e.cfg.TickInterval.Seconds())
	e.metrics.WSBacklogBytes.Set(float64(totalBacklog))
}

// enqueue appends frame to sub's queue, dropping the oldest queued frame
// when at capacity (spec §4.7 drop-oldest policy).
func (e *Engine) enqueue(sub *subscriber, frame domain.Frame) {
	if len(sub.queue) >= e.cfg.QueueCap {
		sub.queue = sub.queue[1:]
		e.metrics.FrameDropTotal.WithLabelValues(DropQueueFull).Inc()
	}
	sub.queue = append(sub.queue, frame)
}

// drain attempts to flush sub's queue in FIFO order, respecting the
// backlog thresholds and write timeout from spec §4.7. It returns the
// sampled backlog so the caller can fold it into ws_backlog_bytes.
func (e *Engine) drain(ctx context.Context, sub *subscriber) int64 {
	backlog := sub.socket.BufferedAmount()
	if backlog >= e.cfg.HardBacklog {
		sub.hardHits++
		if sub.hardHits >= hardBreachTicks {
			e.metrics.FrameDropTotal.WithLabelValues(DropTCPBacklog).Inc()
			e.metrics.SubscriptionClosed.WithLabelValues(DropTCPBacklog).Inc()
			_ = sub.socket.Close("backlog exceeded hard threshold")
			e.doUnsubscribe(sub.tenantID, sub.socket.ID())
		}
		return backlog
	}
	sub.hardHits = 0
	if backlog >= e.cfg.SoftBacklog {
		// Soft threshold: stop sending this tick but keep the socket, so a
		// transient slowdown doesn't cost the connection.
		e.metrics.FrameDropTotal.WithLabelValues(DropTCPBacklog).Inc()
		return backlog
	}

	for len(sub.queue) > 0 {
		writeCtx, cancel := context.WithTimeout(ctx, e.cfg.WriteTimeout)
		writeCtx, span := e.tracing.StartSpan(writeCtx, telemetry.SpanBroadcastDeliver)
		err := sub.socket.Send(writeCtx, sub.queue[0])
		span.End()
		cancel()
		if err != nil {
			if errs.Is(err, errs.Timeout) {
				// The timed-out frame is discarded, not retried next tick.
				e.metrics.FrameDropTotal.WithLabelValues(DropWriteTimeout).Inc()
				sub.queue = sub.queue[1:]
			}
			break
		}
		sub.queue = sub.queue[1:]
	}
	return backlog
}
