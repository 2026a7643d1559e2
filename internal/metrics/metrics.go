// Package metrics exposes the proxy's Prometheus instrumentation:
// upstream attempt outcomes, rotation counts, and per-credential latency.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry groups the proxy's collectors behind a dedicated
// prometheus.Registry, plus the standard process and Go runtime
// collectors operators expect on any /metrics endpoint.
type Registry struct {
	Registry *prometheus.Registry

	UpstreamAttemptsTotal *prometheus.CounterVec
	ProxyRotationsTotal   prometheus.Counter
	KeyLatencyMs          *prometheus.GaugeVec
}

// New builds a Registry with the proxy's collectors registered alongside
// the standard process and Go runtime collectors.
func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	reg.MustRegister(prometheus.NewGoCollector())

	factory := promauto.With(reg)

	return &Registry{
		Registry: reg,
		UpstreamAttemptsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "keycycle_upstream_attempts_total",
			Help: "Count of upstream forward attempts, labeled by outcome.",
		}, []string{"outcome"}),
		ProxyRotationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "keycycle_proxy_rotations_total",
			Help: "Count of credential rotations performed by the proxy engine.",
		}),
		KeyLatencyMs: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "keycycle_key_latency_ms",
			Help: "Most recent probe latency per credential, labeled by host.",
		}, []string{"host"}),
	}
}

// ObserveProbe records a credential probe outcome as a gauge sample. Only
// successful probes update the gauge; a failed probe leaves the previous
// sample in place, matching the pool's own "don't overwrite on failure"
// rule.
func (r *Registry) ObserveProbe(host string, latencyMs float64, ok bool) {
	if !ok {
		return
	}
	r.KeyLatencyMs.WithLabelValues(host).Set(latencyMs)
}

// ObserveAttempt increments the attempts counter for the given outcome
// label (e.g. "success", "rotated", "timeout", "upstream_failed").
func (r *Registry) ObserveAttempt(outcome string) {
	r.UpstreamAttemptsTotal.WithLabelValues(outcome).Inc()
}

// ObserveRotation increments the rotation counter by one.
func (r *Registry) ObserveRotation() {
	r.ProxyRotationsTotal.Inc()
}
