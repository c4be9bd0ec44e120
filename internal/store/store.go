// Package store implements the scene store (C2): a pluggable backend for
// SceneRecord persistence, keyed by sceneID, with in-memory and relational
// implementations (spec §4.2).
package store

import (
	"context"

	"github.com/holoforge/scenecast/internal/domain"
)

// Store is the contract every backend satisfies. Get/Has return a nil
// record / false on miss — never an error. Put is idempotent on sceneID:
// a second Put for the same ID is a no-op that still returns success.
type Store interface {
	Get(ctx context.Context, sceneID string) (*domain.SceneRecord, error)
	Put(ctx context.Context, rec domain.SceneRecord) error
	Delete(ctx context.Context, sceneID string) error
	Has(ctx context.Context, sceneID string) (bool, error)
	All(ctx context.Context) (Iterator, error)
	Close() error
}

// Iterator yields SceneRecords in a stable but unspecified order. Callers
// must call Close when done, even after an error from Next.
type Iterator interface {
	Next(ctx context.Context) (domain.SceneRecord, bool, error)
	Close() error
}

// sliceIterator adapts an in-memory slice to the Iterator interface; both
// the memory and SQL backends build their result set eagerly (spec puts no
// streaming requirement on All) and hand it back through this adapter.
type sliceIterator struct {
	records []domain.SceneRecord
	pos     int
}

func newSliceIterator(records []domain.SceneRecord) *sliceIterator {
	return &sliceIterator{records: records}
}

func (it *sliceIterator) Next(ctx context.Context) (domain.SceneRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.SceneRecord{}, false, err
	}
	if it.pos >= len(it.records) {
		return domain.SceneRecord{}, false, nil
	}
	rec := it.records[it.pos]
	it.pos++
	return rec, true, nil
}

func (it *sliceIterator) Close() error { return nil }
