package broadcast

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holoforge/scenecast/internal/bus"
	"github.com/holoforge/scenecast/internal/domain"
	"github.com/holoforge/scenecast/internal/telemetry"
)

type fakeSocket struct {
	id          string
	mu          sync.Mutex
	sent        []domain.Frame
	backlog     int64
	closed      bool
	closeReason string
}

func (s *fakeSocket) ID() string { return s.id }

func (s *fakeSocket) Send(ctx context.Context, frame domain.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, frame)
	return nil
}

func (s *fakeSocket) BufferedAmount() int64 {
	return atomic.LoadInt64(&s.backlog)
}

func (s *fakeSocket) Close(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.closeReason = reason
	return nil
}

func (s *fakeSocket) sentFrames() []domain.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Frame(nil), s.sent...)
}

func newTestEngine(b bus.Bus) (*Engine, *telemetry.Metrics) {
	m := telemetry.New()
	tr, _ := telemetry.NewTracing(context.Background(), telemetry.TracingConfig{Enabled: false, ServiceName: "test"})
	cfg := Config{
		TickInterval: 10 * time.Millisecond,
		QueueCap:     2,
		SoftBacklog:  1 << 20,
		HardBacklog:  2 << 20,
		WriteTimeout: 50 * time.Millisecond,
	}
	return New(b, cfg, m, tr, zerolog.Nop()), m
}

func publishFrame(t *testing.T, b bus.Bus, tenantID string, seq uint64) {
	t.Helper()
	require.NoError(t, b.Publish(context.Background(), bus.FrameSubject(tenantID), domain.Frame{
		SceneID: "s1", TenantID: tenantID, Seq: seq, TS: time.Now(), Body: []byte(`{}`),
	}))
}

func TestEngine_DeliversFrameToSubscriber(t *testing.T) {
	b := bus.NewFakeBus()
	e, _ := newTestEngine(b)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)
	defer e.Stop(time.Second)

	sock := &fakeSocket{id: "sock-1"}
	e.Subscribe("tenant-a", sock)
	time.Sleep(5 * time.Millisecond)

	publishFrame(t, b, "tenant-a", 1)

	require.Eventually(t, func() bool {
		return len(sock.sentFrames()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestEngine_DropOldestWhenQueueFull(t *testing.T) {
	b := bus.NewFakeBus()
	e, m := newTestEngine(b)
	// Keep the tick loop from draining by never calling Run; call
	// doSubscribe and enqueue directly instead.
	sock := &fakeSocket{id: "sock-1"}
	e.doSubscribe("tenant-a", sock)

	e.enqueue(e.subsByTenant["tenant-a"]["sock-1"], domain.Frame{Seq: 1})
	e.enqueue(e.subsByTenant["tenant-a"]["sock-1"], domain.Frame{Seq: 2})
	e.enqueue(e.subsByTenant["tenant-a"]["sock-1"], domain.Frame{Seq: 3})

	sub := e.subsByTenant["tenant-a"]["sock-1"]
	require.Len(t, sub.queue, 2)
	assert.Equal(t, uint64(2), sub.queue[0].Seq)
	assert.Equal(t, uint64(3), sub.queue[1].Seq)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.FrameDropTotal.WithLabelValues(DropQueueFull)))
}

func TestEngine_HardBacklogDisconnectsAfterConsecutiveBreaches(t *testing.T) {
	b := bus.NewFakeBus()
	e, _ := newTestEngine(b)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)
	defer e.Stop(time.Second)

	sock := &fakeSocket{id: "sock-1", backlog: 3 << 20}
	e.Subscribe("tenant-a", sock)
	time.Sleep(5 * time.Millisecond)

	publishFrame(t, b, "tenant-a", 1)

	require.Eventually(t, func() bool {
		sock.mu.Lock()
		defer sock.mu.Unlock()
		return sock.closed
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, "backlog exceeded hard threshold", sock.closeReason)
}

func TestEngine_UnsubscribeTornDownAfterLastSocketLeaves(t *testing.T) {
	b := bus.NewFakeBus()
	e, _ := newTestEngine(b)
	sock := &fakeSocket{id: "sock-1"}
	e.doSubscribe("tenant-a", sock)
	require.Contains(t, e.tenantSub, "tenant-a")

	e.doUnsubscribe("tenant-a", "sock-1")
	assert.NotContains(t, e.tenantSub, "tenant-a")
	assert.NotContains(t, e.subsByTenant, "tenant-a")
}
