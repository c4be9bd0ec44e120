package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holoforge/scenecast/internal/domain"
)

func TestMemoryStore_PutGetHas(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	ok, err := s.Has(ctx, "scene-1")
	require.NoError(t, err)
	assert.False(t, ok)

	rec, err := s.Get(ctx, "scene-1")
	require.NoError(t, err)
	assert.Nil(t, rec)

	want := domain.SceneRecord{
		SceneID: "scene-1", TenantID: "tenant-a", Scene: []byte(`{"x":1}`),
		CreatedAt: time.Now(), ProducedBy: "worker-1",
	}
	require.NoError(t, s.Put(ctx, want))

	ok, err = s.Has(ctx, "scene-1")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.Get(ctx, "scene-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.SceneID, got.SceneID)
	assert.Equal(t, want.TenantID, got.TenantID)
}

func TestMemoryStore_PutIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	first := domain.SceneRecord{SceneID: "scene-1", TenantID: "t1", Scene: []byte(`{"v":1}`), ProducedBy: "w1"}
	second := domain.SceneRecord{SceneID: "scene-1", TenantID: "t1", Scene: []byte(`{"v":2}`), ProducedBy: "w2"}

	require.NoError(t, s.Put(ctx, first))
	require.NoError(t, s.Put(ctx, second))

	got, err := s.Get(ctx, "scene-1")
	require.NoError(t, err)
	assert.Equal(t, "w1", got.ProducedBy, "second Put must be a no-op")
}

func TestMemoryStore_Delete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Put(ctx, domain.SceneRecord{SceneID: "scene-1"}))
	require.NoError(t, s.Delete(ctx, "scene-1"))

	ok, err := s.Has(ctx, "scene-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_All(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Put(ctx, domain.SceneRecord{SceneID: "a"}))
	require.NoError(t, s.Put(ctx, domain.SceneRecord{SceneID: "b"}))

	it, err := s.All(ctx)
	require.NoError(t, err)
	defer it.Close()

	seen := map[string]bool{}
	for {
		rec, ok, err := it.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		seen[rec.SceneID] = true
	}
	assert.Equal(t, map[string]bool{"a": true, "b": true}, seen)
}

func TestMemoryStore_ConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	done := make(chan struct{})

	for i := 0; i < 20; i++ {
		go func(n int) {
			defer func() { done <- struct{}{} }()
			id := "scene"
			_ = s.Put(ctx, domain.SceneRecord{SceneID: id})
			_, _ = s.Has(ctx, id)
			_, _ = s.Get(ctx, id)
		}(i)
	}
	for i := 0; i < 20; i++ {
		<-done
	}
}
