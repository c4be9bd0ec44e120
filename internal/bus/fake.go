package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/holoforge/scenecast/internal/domain"
	"github.com/holoforge/scenecast/internal/errs"
)

// FakeBus is an in-process Bus used by tests. It reproduces queue-group
// load balancing (round-robin within a group) and request/reply without a
// real NATS server, grounded on the in-memory bus pattern used across the
// retrieved pub/sub examples.
type FakeBus struct {
	mu          sync.Mutex
	subsPlain   map[string][]Handler
	subsGrouped map[string]map[string][]Handler
	rrIndex     map[string]int
	replyWaiter map[string]chan domain.Envelope
	reconnects  atomic.Uint64
}

// NewFakeBus constructs an empty FakeBus.
func NewFakeBus() *FakeBus {
	return &FakeBus{
		subsPlain:   make(map[string][]Handler),
		subsGrouped: make(map[string]map[string][]Handler),
		rrIndex:     make(map[string]int),
		replyWaiter: make(map[string]chan domain.Envelope),
	}
}

func (f *FakeBus) Reconnects() uint64 { return f.reconnects.Load() }

// Publish delivers synchronously to every plain subscriber and to one
// handler per queue group, mirroring NATS fan-out semantics closely enough
// for deterministic tests.
func (f *FakeBus) Publish(ctx context.Context, subject string, payload any) error {
	env, err := domain.NewEnvelope(subject, uuid.NewString(), time.Now(), payload)
	if err != nil {
		return errs.Wrap(errs.InvalidRequest, err, "fakebus: marshal")
	}

	f.mu.Lock()
	plain := append([]Handler(nil), f.subsPlain[subject]...)
	groups := f.subsGrouped[subject]
	var picked []Handler
	for group, handlers := range groups {
		if len(handlers) == 0 {
			continue
		}
		idx := f.rrIndex[subject+"|"+group] % len(handlers)
		f.rrIndex[subject+"|"+group] = idx + 1
		picked = append(picked, handlers[idx])
	}
	f.mu.Unlock()

	for _, h := range plain {
		h(ctx, env)
	}
	for _, h := range picked {
		h(ctx, env)
	}
	return nil
}

func (f *FakeBus) Subscribe(subject, queueGroup string, handler Handler) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if queueGroup == "" {
		f.subsPlain[subject] = append(f.subsPlain[subject], handler)
		idx := len(f.subsPlain[subject]) - 1
		return fakeSub{unsub: func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			s := f.subsPlain[subject]
			f.subsPlain[subject] = append(s[:idx], s[idx+1:]...)
		}}, nil
	}

	if f.subsGrouped[subject] == nil {
		f.subsGrouped[subject] = make(map[string][]Handler)
	}
	f.subsGrouped[subject][queueGroup] = append(f.subsGrouped[subject][queueGroup], handler)
	idx := len(f.subsGrouped[subject][queueGroup]) - 1
	return fakeSub{unsub: func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		s := f.subsGrouped[subject][queueGroup]
		f.subsGrouped[subject][queueGroup] = append(s[:idx], s[idx+1:]...)
	}}, nil
}

// Request is implemented only for SubjectGenRequest-style request/reply
// tests: it publishes the request and waits for a caller to route a
// matching reply via DeliverReply.
func (f *FakeBus) Request(ctx context.Context, subject string, payload any, timeout time.Duration) (domain.Envelope, error) {
	env, err := domain.NewEnvelope(subject, uuid.NewString(), time.Now(), payload)
	if err != nil {
		return domain.Envelope{}, errs.Wrap(errs.InvalidRequest, err, "fakebus: marshal")
	}

	ch := make(chan domain.Envelope, 1)
	f.mu.Lock()
	f.replyWaiter[env.ID] = ch
	f.mu.Unlock()

	if err := f.Publish(ctx, subject, payload); err != nil {
		return domain.Envelope{}, err
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-time.After(timeout):
		return domain.Envelope{}, errs.New(errs.Timeout, "fakebus: request timed out")
	case <-ctx.Done():
		return domain.Envelope{}, errs.Wrap(errs.Timeout, ctx.Err(), "fakebus: request cancelled")
	}
}

// DeliverReply routes a reply envelope to one pending Request call; when
// several are pending, which one receives it is not defined.
// Test-only helper; real NATS handles this via inbox subjects.
func (f *FakeBus) DeliverReply(env domain.Envelope) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, ch := range f.replyWaiter {
		ch <- env
		delete(f.replyWaiter, id)
		return true
	}
	return false
}

func (f *FakeBus) Close() error { return nil }

// InjectReconnect increments the reconnect counter for tests that assert
// on bus_reconnects_total.
func (f *FakeBus) InjectReconnect() { f.reconnects.Add(1) }

type fakeSub struct{ unsub func() }

func (s fakeSub) Unsubscribe() error {
	s.unsub()
	return nil
}

var _ Bus = (*FakeBus)(nil)
