// Package worker implements the scene worker (C5): the state machine that
// turns a reality.gen.request envelope into a persisted SceneRecord and a
// reality.gen.result envelope, per spec §4.5.
package worker

import (
	"context"
	"encoding/json"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/holoforge/scenecast/internal/bus"
	"github.com/holoforge/scenecast/internal/domain"
	"github.com/holoforge/scenecast/internal/errs"
	"github.com/holoforge/scenecast/internal/generator"
	"github.com/holoforge/scenecast/internal/store"
	"github.com/holoforge/scenecast/internal/telemetry"
)

// queueGroup is the NATS queue group every worker process shares, so each
// reality.gen.request is handled by exactly one worker (spec §4.5).
const queueGroup = "scene-workers"

// inflightBuffer is how many accepted-but-not-yet-processed requests each
// Pool buffers ahead of its goroutines, absorbing bursts without the bus
// callback blocking.
const inflightBuffer = 64

// Pool runs Concurrency worker goroutines pulling from a shared queue fed
// by the bus subscription.
type Pool struct {
	bus          bus.Bus
	store        store.Store
	generator    generator.Generator
	metrics      *telemetry.Metrics
	tracing      *telemetry.Tracing
	logger       zerolog.Logger
	workerID     string
	concurrency  int
	generatorMax time.Duration
	dedup        *dedupCache

	queue chan domain.Envelope
	sub   bus.Subscription
	wg    sync.WaitGroup
	stop  chan struct{}

	seqMu sync.Mutex
	seq   map[string]uint64
}

// Config is the subset of top-level configuration the worker pool needs.
type Config struct {
	Concurrency  int
	GeneratorMax time.Duration
	DedupWindow  time.Duration
	WorkerID     string
}

func NewPool(cfg Config, b bus.Bus, st store.Store, gen generator.Generator, m *telemetry.Metrics, tr *telemetry.Tracing, logger zerolog.Logger) *Pool {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}
	return &Pool{
		bus: b, store: st, generator: gen, metrics: m, tracing: tr,
		logger:       logger.With().Str("component", "worker").Logger(),
		workerID:     cfg.WorkerID,
		concurrency:  concurrency,
		generatorMax: cfg.GeneratorMax,
		dedup:        newDedupCache(cfg.DedupWindow),
		queue:        make(chan domain.Envelope, inflightBuffer),
		stop:         make(chan struct{}),
		seq:          make(map[string]uint64),
	}
}

// Start subscribes to reality.gen.request under the shared queue group and
// launches the worker goroutines.
func (p *Pool) Start(ctx context.Context) error {
	sub, err := p.bus.Subscribe(bus.SubjectGenRequest, queueGroup, func(_ context.Context, env domain.Envelope) {
		select {
		case p.queue <- env:
		case <-p.stop:
		}
	})
	if err != nil {
		return errs.Wrap(errs.Fatal, err, "worker: subscribe")
	}
	p.sub = sub

	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.runLoop(ctx)
	}
	return nil
}

func (p *Pool) runLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case env := <-p.queue:
			p.process(ctx, env)
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop unsubscribes, stops accepting new work, and waits up to drain for
// in-flight requests to finish. Returns false if the drain budget expired
// with work still outstanding (spec §4.9: caller should force-exit).
func (p *Pool) Stop(drain time.Duration) bool {
	if p.sub != nil {
		_ = p.sub.Unsubscribe()
	}
	close(p.stop)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(drain):
		p.logger.Warn().Dur("drain", drain).Msg("worker: drain budget exceeded")
		return false
	}
}

// process runs one request through DECODE -> DEDUP -> CHECK_DEADLINE ->
// GENERATE -> PERSIST -> PUBLISH_RESULT, publishing a frame alongside the
// result on success. Every exit path publishes exactly one result, except
// when the request cannot even be decoded (no jobID to report against) or
// when ctx is cancelled while a redelivery waits on the original's slot.
func (p *Pool) process(ctx context.Context, env domain.Envelope) {
	start := time.Now()

	ctx, span := p.tracing.StartSpan(ctx, telemetry.SpanSceneGenerate)
	defer span.End()

	// DECODE
	var req domain.SceneRequest
	if err := json.Unmarshal(env.Body, &req); err != nil {
		p.logger.Error().Err(err).Str("envelopeID", env.ID).Msg("worker: decode request")
		return
	}
	log := p.logger.With().Str("jobID", req.JobID).Str("tenantID", req.TenantID).Logger()

	if err := req.Validate(); err != nil {
		p.publishFailure(ctx, req.JobID, domain.ResultErrorInvalid, err.Error(), start, log, nil)
		return
	}

	// DEDUP: a redelivered request (at-least-once bus semantics, spec
	// §4.1) joins the in-flight or cached outcome for this jobID instead
	// of running GENERATE/PERSIST again. The frame published on first
	// success is not republished for a joiner, so a live subscriber never
	// sees the same scene twice.
	slot, owner := p.dedup.claim(req.JobID)
	if !owner {
		select {
		case <-slot.ready:
			log.Debug().Bool("success", slot.result.Success).Msg("worker: dedup hit, replaying cached result")
			p.publishRaw(ctx, slot.result, log)
		case <-ctx.Done():
		}
		return
	}

	// CHECK_DEADLINE
	if !time.Now().Before(req.Deadline) {
		p.publishFailure(ctx, req.JobID, domain.ResultErrorExpired, "deadline already passed", start, log, slot)
		p.metrics.ObserveGeneration(false, time.Since(start).Milliseconds())
		return
	}

	genCtx, cancel := p.boundedContext(ctx, req.Deadline)
	defer cancel()

	// GENERATE
	scene, sceneID, err := p.generator.Generate(genCtx, req)
	if err != nil {
		kind := domain.ResultErrorGenFail
		if genCtx.Err() != nil {
			kind = domain.ResultErrorTimeout
		}
		p.publishFailure(ctx, req.JobID, kind, err.Error(), start, log, slot)
		p.metrics.ObserveGeneration(false, time.Since(start).Milliseconds())
		return
	}

	// PERSIST (idempotent: a redelivered request with the same sceneID is a
	// no-op write).
	rec := domain.SceneRecord{
		SceneID: sceneID, TenantID: req.TenantID, Scene: scene,
		CreatedAt: time.Now(), ProducedBy: p.workerID,
	}
	_, persistSpan := p.tracing.StartSpan(ctx, telemetry.SpanScenePersist)
	err = p.store.Put(ctx, rec)
	persistSpan.End()
	if err != nil {
		p.publishFailure(ctx, req.JobID, domain.ResultErrorGenFail, "persist: "+err.Error(), start, log, slot)
		p.metrics.ObserveGeneration(false, time.Since(start).Milliseconds())
		return
	}

	result := domain.SceneResult{
		JobID: req.JobID, Success: true, SceneID: sceneID, Scene: scene,
		ProducedAt: time.Now(), WorkerID: p.workerID,
		LatencyMs: time.Since(start).Milliseconds(),
	}
	p.publishResult(ctx, result, log, slot)
	p.publishFrame(ctx, req.TenantID, sceneID, scene, log)
	p.metrics.ObserveGeneration(true, result.LatencyMs)
}

// nextSeq hands out a monotonically increasing, per-tenant sequence number
// for frames this process produces. Frames carry no global cross-job
// ordering guarantee (spec §1 non-goal), so a process-local counter is
// enough.
func (p *Pool) nextSeq(tenantID string) uint64 {
	p.seqMu.Lock()
	defer p.seqMu.Unlock()
	p.seq[tenantID]++
	return p.seq[tenantID]
}

// publishFrame is the "C2 persist -> C7 enqueue frame" step from spec §2:
// a successful, persisted scene is republished on reality.frame.<tenant>
// so any socket already subscribed to that tenant's live stream receives
// it, independent of whether a caller is synchronously awaiting it via
// the correlator.
func (p *Pool) publishFrame(ctx context.Context, tenantID, sceneID string, scene json.RawMessage, log zerolog.Logger) {
	frame := domain.Frame{
		SceneID: sceneID, TenantID: tenantID, Seq: p.nextSeq(tenantID),
		TS: time.Now(), Body: scene,
	}
	if err := p.bus.Publish(ctx, bus.FrameSubject(tenantID), frame); err != nil {
		p.metrics.BusPublishErrors.Inc()
		log.Error().Err(err).Msg("worker: publish frame failed")
	}
}

// boundedContext caps generation at the configured ceiling or the
// request's own deadline, whichever comes first.
func (p *Pool) boundedContext(ctx context.Context, deadline time.Time) (context.Context, context.CancelFunc) {
	ceiling := time.Now().Add(p.generatorMax)
	if deadline.Before(ceiling) {
		return context.WithDeadline(ctx, deadline)
	}
	return context.WithDeadline(ctx, ceiling)
}

func (p *Pool) publishFailure(ctx context.Context, jobID string, kind domain.ResultErrorKind, msg string, start time.Time, log zerolog.Logger, slot *dedupSlot) {
	result := domain.SceneResult{
		JobID: jobID, Success: false, ErrorKind: kind, Error: msg,
		ProducedAt: time.Now(), WorkerID: p.workerID,
		LatencyMs: time.Since(start).Milliseconds(),
	}
	p.publishResult(ctx, result, log, slot)
}

// publishResult is the PUBLISH_RESULT / PUBLISH_ERROR step for the
// goroutine that owns slot (nil when the request never reached dedup
// claim, e.g. a request that failed Validate). It completes slot so any
// joiner waiting on the same jobID gets this exact outcome, then
// publishes it on the bus.
func (p *Pool) publishResult(ctx context.Context, result domain.SceneResult, log zerolog.Logger, slot *dedupSlot) {
	if slot != nil {
		p.dedup.complete(result.JobID, slot, result)
	}
	p.publishRaw(ctx, result, log)
}

// publishRaw publishes result on reality.gen.result without touching the
// dedup cache, used both by publishResult and by a dedup joiner replaying
// an already-completed slot's result.
func (p *Pool) publishRaw(ctx context.Context, result domain.SceneResult, log zerolog.Logger) {
	if err := p.bus.Publish(ctx, bus.SubjectGenResult, result); err != nil {
		p.metrics.BusPublishErrors.Inc()
		log.Error().Err(err).Bool("success", result.Success).Msg("worker: publish result failed")
		return
	}
	log.Debug().Bool("success", result.Success).Int64("latencyMs", result.LatencyMs).Msg("worker: result published")
}
