// Package keypool selects and tracks the upstream credentials a proxy
// request may be routed through.
package keypool

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// othersModel is the sentinel model name a credential can list to accept
// any model it is not explicitly configured for.
const othersModel = "others"

// RotationStrategy selects how KeyPool.SelectForModel chooses among the
// credentials that support a model. SelectNext ignores it.
type RotationStrategy int

const (
	// RoundRobin cycles through credentials using a shared atomic cursor.
	RoundRobin RotationStrategy = iota
	// RoundRobinHealthWeighted is reserved for a latency-weighted selection
	// scheme. It currently behaves identically to RoundRobin.
	RoundRobinHealthWeighted
	// LeastLatency picks the credential with the lowest recorded latency
	// sample. Credentials with no sample are passed over; if none has a
	// sample, the first matching credential is returned.
	LeastLatency
)

// ParseRotationStrategy maps a config string to a RotationStrategy.
// Unrecognized values degrade to RoundRobinHealthWeighted, matching the
// documented default.
func ParseRotationStrategy(s string) RotationStrategy {
	switch s {
	case "round_robin":
		return RoundRobin
	case "least_latency":
		return LeastLatency
	case "round_robin_health_weighted":
		return RoundRobinHealthWeighted
	default:
		return RoundRobinHealthWeighted
	}
}

func (s RotationStrategy) String() string {
	switch s {
	case RoundRobin:
		return "round_robin"
	case LeastLatency:
		return "least_latency"
	case RoundRobinHealthWeighted:
		return "round_robin_health_weighted"
	default:
		return "unknown"
	}
}

// Credential is one upstream API key: its token, base URL, and the models
// it may serve.
type Credential struct {
	Token   string
	BaseURL string
	Models  []string
}

// SupportsModel reports whether this credential may serve the given model.
// A credential listing "others" accepts any model.
func (c *Credential) SupportsModel(model string) bool {
	for _, m := range c.Models {
		if m == model || m == othersModel {
			return true
		}
	}
	return false
}

// Host returns a token-free label for logs and metrics.
func (c *Credential) Host() string {
	if c.BaseURL == "" {
		return "unknown"
	}
	return c.BaseURL
}

type latencyEntry struct {
	mu         sync.RWMutex
	sample     time.Duration
	measuredAt time.Time
	hasSample  bool
}

// ProbeSummary is a token-free snapshot of one credential's latest probe.
type ProbeSummary struct {
	Host       string
	HasSample  bool
	LatencyMs  float64
	MeasuredAt time.Time
}

// KeyPool holds a fixed set of credentials and a rotation strategy. The
// credential set is built once at construction and never mutated; only the
// per-credential latency samples change at runtime.
type KeyPool struct {
	credentials []*Credential
	strategy    RotationStrategy
	cursor      uint64
	latencies   []latencyEntry
	probeClient *http.Client
	logger      *zap.Logger
	onProbe     func(host string, sample time.Duration, ok bool)
}

// New builds a KeyPool from a fixed credential set.
func New(credentials []*Credential, strategy RotationStrategy, logger *zap.Logger) *KeyPool {
	return &KeyPool{
		credentials: credentials,
		strategy:    strategy,
		latencies:   make([]latencyEntry, len(credentials)),
		probeClient: &http.Client{Timeout: 5 * time.Second},
		logger:      logger,
	}
}

// SetProbeObserver registers a callback invoked after every probe attempt
// (success or failure) with the credential's host label and outcome. Used
// to feed the Prometheus latency gauge without keypool importing metrics.
func (p *KeyPool) SetProbeObserver(fn func(host string, sample time.Duration, ok bool)) {
	p.onProbe = fn
}

// Len returns the number of credentials in the pool.
func (p *KeyPool) Len() int {
	return len(p.credentials)
}

// SelectNext advances the shared round-robin cursor and returns the
// credential at the new position, independent of model and strategy. The
// proxy engine uses it to rotate to another credential on a retry.
func (p *KeyPool) SelectNext() *Credential {
	if len(p.credentials) == 0 {
		return nil
	}
	idx := atomic.AddUint64(&p.cursor, 1) - 1
	return p.credentials[idx%uint64(len(p.credentials))]
}

// SelectForModel picks a credential able to serve model, according to the
// pool's configured strategy. It returns nil if no credential supports the
// model.
func (p *KeyPool) SelectForModel(model string) *Credential {
	matching := p.matchingIndices(model)
	if len(matching) == 0 {
		return nil
	}
	if len(matching) == 1 {
		return p.credentials[matching[0]]
	}

	switch p.strategy {
	case LeastLatency:
		return p.credentials[p.leastLatencyAmong(matching)]
	default: // RoundRobin, RoundRobinHealthWeighted
		idx := atomic.AddUint64(&p.cursor, 1) - 1
		pos := matching[idx%uint64(len(matching))]
		return p.credentials[pos]
	}
}

func (p *KeyPool) matchingIndices(model string) []int {
	var out []int
	for i, c := range p.credentials {
		if c.SupportsModel(model) {
			out = append(out, i)
		}
	}
	return out
}

func (p *KeyPool) leastLatencyAmong(indices []int) int {
	best := indices[0]
	bestLatency := time.Duration(-1)
	for _, idx := range indices {
		e := &p.latencies[idx]
		e.mu.RLock()
		sample, has := e.sample, e.hasSample
		e.mu.RUnlock()
		if !has {
			continue
		}
		if bestLatency < 0 || sample < bestLatency {
			bestLatency = sample
			best = idx
		}
	}
	if bestLatency < 0 {
		// No credential among the candidates has a sample yet; fall back
		// to the first match to keep selection deterministic.
		return indices[0]
	}
	return best
}

// RecordLatency stores a new latency sample for the credential at index.
// Only the probe loop calls this; it is the single writer for each entry.
func (p *KeyPool) RecordLatency(index int, sample time.Duration) {
	if index < 0 || index >= len(p.latencies) {
		return
	}
	e := &p.latencies[index]
	e.mu.Lock()
	e.sample = sample
	e.measuredAt = time.Now()
	e.hasSample = true
	e.mu.Unlock()
}

// Snapshot returns a token-free view of every credential's latest probe,
// for the health endpoint.
func (p *KeyPool) Snapshot() []ProbeSummary {
	out := make([]ProbeSummary, len(p.credentials))
	for i, c := range p.credentials {
		e := &p.latencies[i]
		e.mu.RLock()
		sample, measuredAt, has := e.sample, e.measuredAt, e.hasSample
		e.mu.RUnlock()
		out[i] = ProbeSummary{
			Host:       c.Host(),
			HasSample:  has,
			LatencyMs:  float64(sample.Microseconds()) / 1000.0,
			MeasuredAt: measuredAt,
		}
	}
	return out
}

// ProbeAll issues one HEAD request per credential and records whichever
// latencies succeed. Failed probes leave the existing sample untouched.
func (p *KeyPool) ProbeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for i, c := range p.credentials {
		wg.Add(1)
		go func(index int, cred *Credential) {
			defer wg.Done()
			p.probeOne(ctx, index, cred)
		}(i, c)
	}
	wg.Wait()
	if p.logger != nil {
		probed := 0
		for i := range p.latencies {
			p.latencies[i].mu.RLock()
			if p.latencies[i].hasSample {
				probed++
			}
			p.latencies[i].mu.RUnlock()
		}
		p.logger.Info("credentials probed",
			zap.Int("credentials_probed", probed),
			zap.Int("credentials_total", len(p.credentials)))
	}
}

func (p *KeyPool) probeOne(ctx context.Context, index int, c *Credential) {
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodHead, c.BaseURL, nil)
	if err != nil {
		if p.logger != nil {
			p.logger.Warn("probe request build failed", zap.String("host", c.Host()), zap.Error(err))
		}
		return
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.Token))

	start := time.Now()
	resp, err := p.probeClient.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		if p.logger != nil {
			p.logger.Warn("probe failed", zap.String("host", c.Host()), zap.Error(err))
		}
		if p.onProbe != nil {
			p.onProbe(c.Host(), 0, false)
		}
		return
	}
	defer resp.Body.Close()

	p.RecordLatency(index, elapsed)
	if p.onProbe != nil {
		p.onProbe(c.Host(), elapsed, true)
	}
}

// StartProbeLoop runs ProbeAll immediately and then every interval until
// ctx is cancelled. Intended to be launched in its own goroutine.
func (p *KeyPool) StartProbeLoop(ctx context.Context, interval time.Duration) {
	p.ProbeAll(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ProbeAll(ctx)
		}
	}
}
