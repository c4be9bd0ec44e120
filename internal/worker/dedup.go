package worker

import (
	"sync"
	"time"

	"github.com/holoforge/scenecast/internal/domain"
)

// DefaultDedupWindow is how long a jobID's result is remembered so a
// redelivered reality.gen.request (at-least-once bus semantics, spec
// §4.1) is answered from cache instead of generated and persisted twice.
const DefaultDedupWindow = 5 * time.Minute

// dedupSlot is the single in-flight or completed outcome for one jobID.
// result is only safe to read once ready is observed closed: complete
// writes it before closing the channel, so the close establishes the
// happens-before edge every reader relies on.
type dedupSlot struct {
	ready  chan struct{}
	result domain.SceneResult
}

type dedupEntry struct {
	slot    *dedupSlot
	expires time.Time // meaningful only once slot.ready is closed
}

// dedupCache arbitrates jobID-level dedup within one worker process: the
// first goroutine to see a jobID claims it and runs GENERATE/PERSIST, and
// any concurrent or later redelivery of the same jobID within the window
// joins that slot instead of repeating the work (spec §3, §4.1). A
// redelivery the queue group routes to a different process falls back on
// the store's own idempotency-on-sceneID, since sceneID is now derived
// deterministically from jobID.
type dedupCache struct {
	window time.Duration

	mu      sync.Mutex
	entries map[string]*dedupEntry
}

func newDedupCache(window time.Duration) *dedupCache {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &dedupCache{window: window, entries: make(map[string]*dedupEntry)}
}

// claim returns the slot for jobID and whether the caller owns it. An
// owner must eventually call complete on the returned slot. A non-owner
// should wait on slot.ready and then read slot.result.
func (d *dedupCache) claim(jobID string) (*dedupSlot, bool) {
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if e, ok := d.entries[jobID]; ok {
		if !isClosed(e.slot.ready) {
			return e.slot, false // still in flight: join it
		}
		if now.Before(e.expires) {
			return e.slot, false // completed and still within the window
		}
		delete(d.entries, jobID) // expired: fall through to claim fresh
	}

	for id, e := range d.entries {
		if isClosed(e.slot.ready) && now.After(e.expires) {
			delete(d.entries, id)
		}
	}

	slot := &dedupSlot{ready: make(chan struct{})}
	d.entries[jobID] = &dedupEntry{slot: slot}
	return slot, true
}

// complete records result on slot and wakes anyone waiting on it.
func (d *dedupCache) complete(jobID string, slot *dedupSlot, result domain.SceneResult) {
	slot.result = result
	expires := time.Now().Add(d.window)

	d.mu.Lock()
	if e, ok := d.entries[jobID]; ok && e.slot == slot {
		e.expires = expires
	}
	d.mu.Unlock()

	close(slot.ready)
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
