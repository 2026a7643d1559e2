//go:build !integration && !e2e
// +build !integration,!e2e

package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveAttempt_IncrementsLabeledCounter(t *testing.T) {
	r := New()
	r.ObserveAttempt("success")
	r.ObserveAttempt("success")
	r.ObserveAttempt("timeout")

	metric := &dto.Metric{}
	require.NoError(t, r.UpstreamAttemptsTotal.WithLabelValues("success").Write(metric))
	assert.Equal(t, float64(2), metric.GetCounter().GetValue())
}

func TestObserveProbe_SkipsFailedSamples(t *testing.T) {
	r := New()
	r.ObserveProbe("api.openai.com", 42, true)

	metric := &dto.Metric{}
	require.NoError(t, r.KeyLatencyMs.WithLabelValues("api.openai.com").Write(metric))
	assert.Equal(t, float64(42), metric.GetGauge().GetValue())

	r.ObserveProbe("api.openai.com", 999, false)
	require.NoError(t, r.KeyLatencyMs.WithLabelValues("api.openai.com").Write(metric))
	assert.Equal(t, float64(42), metric.GetGauge().GetValue())
}

func TestObserveRotation_Increments(t *testing.T) {
	r := New()
	r.ObserveRotation()
	r.ObserveRotation()

	metric := &dto.Metric{}
	require.NoError(t, r.ProxyRotationsTotal.Write(metric))
	assert.Equal(t, float64(2), metric.GetCounter().GetValue())
}
