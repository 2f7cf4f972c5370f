package failover

import (
	"sync"
	"time"
)

// latencyAlpha weights the newest sample in the latency moving average.
const latencyAlpha = 0.2

// Provider is a snapshot of one provider's state.
type Provider struct {
	Name                 string            `json:"name"`
	IsAvailable          bool              `json:"is_available"`
	ConsecutiveSuccesses int               `json:"consecutive_successes"`
	ConsecutiveFailures  int               `json:"consecutive_failures"`
	LastLatency          time.Duration     `json:"last_latency"`
	Metadata             map[string]string `json:"metadata,omitempty"`
}

// ProviderMetrics summarises the requests a provider has served.
type ProviderMetrics struct {
	LatencyMs float64 `json:"latency_ms"`
	ErrorRate float64 `json:"error_rate"`
	Requests  int64   `json:"requests"`
}

type providerState struct {
	mu sync.Mutex

	name                 string
	available            bool
	consecutiveSuccesses int
	consecutiveFailures  int
	lastLatency          time.Duration
	metadata             map[string]string

	requests   int64
	failures   int64
	latencyEMA float64 // ms
}

func newProviderState(name string, metadata map[string]string) *providerState {
	return &providerState{
		name:      name,
		available: true,
		metadata:  metadata,
	}
}

// recordOutcome applies one execute outcome.
func (p *providerState) recordOutcome(success bool, latency time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.requests++
	p.lastLatency = latency
	if success {
		p.consecutiveSuccesses++
		p.consecutiveFailures = 0
		ms := float64(latency) / float64(time.Millisecond)
		if p.requests-p.failures == 1 {
			p.latencyEMA = ms
		} else {
			p.latencyEMA = latencyAlpha*ms + (1-latencyAlpha)*p.latencyEMA
		}
		return
	}
	p.failures++
	p.consecutiveFailures++
	p.consecutiveSuccesses = 0
}

// recordHealth applies one health check result.
func (p *providerState) recordHealth(healthy bool, latency time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.available = healthy
	p.lastLatency = latency
	if healthy {
		p.consecutiveSuccesses++
		p.consecutiveFailures = 0
	} else {
		p.consecutiveFailures++
		p.consecutiveSuccesses = 0
	}
}

func (p *providerState) isAvailable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available
}

func (p *providerState) successes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.consecutiveSuccesses
}

func (p *providerState) snapshot() Provider {
	p.mu.Lock()
	defer p.mu.Unlock()

	var md map[string]string
	if len(p.metadata) > 0 {
		md = make(map[string]string, len(p.metadata))
		for k, v := range p.metadata {
			md[k] = v
		}
	}
	return Provider{
		Name:                 p.name,
		IsAvailable:          p.available,
		ConsecutiveSuccesses: p.consecutiveSuccesses,
		ConsecutiveFailures:  p.consecutiveFailures,
		LastLatency:          p.lastLatency,
		Metadata:             md,
	}
}

func (p *providerState) metrics() ProviderMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	var rate float64
	if p.requests > 0 {
		rate = float64(p.failures) / float64(p.requests) * 100
	}
	return ProviderMetrics{
		LatencyMs: p.latencyEMA,
		ErrorRate: rate,
		Requests:  p.requests,
	}
}
