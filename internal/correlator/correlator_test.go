package correlator

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holoforge/scenecast/internal/bus"
	"github.com/holoforge/scenecast/internal/domain"
	"github.com/holoforge/scenecast/internal/errs"
)

func TestCorrelator_AwaitResolvesOnMatchingResult(t *testing.T) {
	b := bus.NewFakeBus()
	c := New(b, 2*time.Second, zerolog.Nop())
	require.NoError(t, c.Start())
	defer c.Close()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = b.Publish(context.Background(), bus.SubjectGenResult, domain.SceneResult{
			JobID: "job-1", Success: true, SceneID: "scene-1", Scene: []byte(`{}`),
		})
	}()

	result, err := c.Await(context.Background(), "job-1", func() error { return nil })
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "scene-1", result.SceneID)
}

func TestCorrelator_AwaitTimesOutWithoutResult(t *testing.T) {
	b := bus.NewFakeBus()
	c := New(b, 30*time.Millisecond, zerolog.Nop())
	require.NoError(t, c.Start())
	defer c.Close()

	_, err := c.Await(context.Background(), "job-missing", func() error { return nil })
	assert.True(t, errs.Is(err, errs.Timeout))
	assert.Equal(t, 0, c.Pending())
}

func TestCorrelator_AwaitPropagatesSubmitError(t *testing.T) {
	b := bus.NewFakeBus()
	c := New(b, time.Second, zerolog.Nop())
	require.NoError(t, c.Start())
	defer c.Close()

	wantErr := errs.New(errs.Backpressure, "bus full")
	_, err := c.Await(context.Background(), "job-2", func() error { return wantErr })
	assert.True(t, errs.Is(err, errs.Backpressure))
	assert.Equal(t, 0, c.Pending())
}

func TestCorrelator_UnmatchedResultIsIgnored(t *testing.T) {
	b := bus.NewFakeBus()
	c := New(b, time.Second, zerolog.Nop())
	require.NoError(t, c.Start())
	defer c.Close()

	require.NoError(t, b.Publish(context.Background(), bus.SubjectGenResult, domain.SceneResult{
		JobID: "nobody-waiting", Success: true, SceneID: "x", Scene: []byte(`{}`),
	}))
	assert.Equal(t, 0, c.Pending())
}
