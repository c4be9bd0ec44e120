package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holoforge/scenecast/internal/errs"
)

func TestWithRetry_SucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := withRetry(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errs.New(errs.Transient, "temporary")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestWithRetry_NonTransientFailsImmediately(t *testing.T) {
	attempts := 0
	err := withRetry(context.Background(), func() error {
		attempts++
		return errs.New(errs.InvalidRequest, "bad")
	})
	assert.True(t, errs.Is(err, errs.InvalidRequest))
	assert.Equal(t, 1, attempts)
}

func TestWithRetry_GivesUpAfterMaxAttempts(t *testing.T) {
	attempts := 0
	err := withRetry(context.Background(), func() error {
		attempts++
		return errs.New(errs.Transient, "always down")
	})
	assert.True(t, errs.Is(err, errs.Transient))
	assert.Equal(t, retryMaxAttempt, attempts)
}
