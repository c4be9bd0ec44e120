package telemetry

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_ObserveGeneration(t *testing.T) {
	m := New()

	m.ObserveGeneration(true, 120)
	m.ObserveGeneration(false, 30)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.SceneGenTotal.WithLabelValues("true")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SceneGenTotal.WithLabelValues("false")))
}

func TestMetrics_HandlerServesExposition(t *testing.T) {
	m := New()
	m.FrameDropTotal.WithLabelValues("queue_full").Inc()

	h := m.Handler()
	require.NotNil(t, h)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `frame_drop_total{reason="queue_full"} 1`)
}
