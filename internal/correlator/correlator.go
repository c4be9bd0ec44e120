// Package correlator implements the result correlator (C6): it matches
// asynchronous reality.gen.result envelopes back to the caller awaiting a
// specific jobID, so the gateway can offer a synchronous-feeling
// request/response API on top of the bus's fire-and-forget publish (spec
// §4.6).
package correlator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/holoforge/scenecast/internal/bus"
	"github.com/holoforge/scenecast/internal/domain"
	"github.com/holoforge/scenecast/internal/errs"
)

// DefaultExpiry is how long Await waits for a result before giving up,
// matching spec §4.6's 30s default.
const DefaultExpiry = 30 * time.Second

// Correlator maintains one shared subscription to reality.gen.result and
// fans results out to whichever goroutine is awaiting that jobID.
type Correlator struct {
	bus    bus.Bus
	logger zerolog.Logger
	expiry time.Duration

	mu      sync.Mutex
	waiters map[string]chan domain.SceneResult
	sub     bus.Subscription
}

func New(b bus.Bus, expiry time.Duration, logger zerolog.Logger) *Correlator {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	return &Correlator{
		bus: b, expiry: expiry,
		logger:  logger.With().Str("component", "correlator").Logger(),
		waiters: make(map[string]chan domain.SceneResult),
	}
}

// Start subscribes to reality.gen.result. Must be called once before any
// Await.
func (c *Correlator) Start() error {
	sub, err := c.bus.Subscribe(bus.SubjectGenResult, "", c.onResult)
	if err != nil {
		return errs.Wrap(errs.Fatal, err, "correlator: subscribe")
	}
	c.sub = sub
	return nil
}

func (c *Correlator) onResult(_ context.Context, env domain.Envelope) {
	var result domain.SceneResult
	if err := json.Unmarshal(env.Body, &result); err != nil {
		c.logger.Error().Err(err).Msg("correlator: decode result")
		return
	}

	c.mu.Lock()
	ch, ok := c.waiters[result.JobID]
	if ok {
		delete(c.waiters, result.JobID)
	}
	c.mu.Unlock()

	if !ok {
		// No one is waiting: either the caller already timed out, or this
		// process didn't submit the job. Neither is an error.
		return
	}
	ch <- result
}

// Await registers interest in jobID, submits req via submit, and blocks
// until a matching result arrives, ctx is cancelled, or the expiry clock
// fires, whichever comes first.
func (c *Correlator) Await(ctx context.Context, jobID string, submit func() error) (domain.SceneResult, error) {
	ch := make(chan domain.SceneResult, 1)

	c.mu.Lock()
	c.waiters[jobID] = ch
	c.mu.Unlock()

	cleanup := func() {
		c.mu.Lock()
		delete(c.waiters, jobID)
		c.mu.Unlock()
	}

	if err := submit(); err != nil {
		cleanup()
		return domain.SceneResult{}, err
	}

	timer := time.NewTimer(c.expiry)
	defer timer.Stop()

	select {
	case result := <-ch:
		return result, nil
	case <-timer.C:
		cleanup()
		return domain.SceneResult{}, errs.New(errs.Timeout, "correlator: result did not arrive before expiry")
	case <-ctx.Done():
		cleanup()
		return domain.SceneResult{}, errs.Wrap(errs.Timeout, ctx.Err(), "correlator: await cancelled")
	}
}

// Pending returns the number of jobs currently awaited, for diagnostics.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

func (c *Correlator) Close() error {
	if c.sub != nil {
		return c.sub.Unsubscribe()
	}
	return nil
}
