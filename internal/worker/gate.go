package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/andresmejia3/vigil/internal/metrics"
	"github.com/andresmejia3/vigil/internal/types"
)

// HealthChecker probes the inference endpoint.
type HealthChecker interface {
	Health(ctx context.Context) (types.Health, error)
}

// Gate holds workers back while the endpoint is not ready. In-flight calls are unaffected.
type Gate struct {
	mu   sync.Mutex
	open bool
	ch   chan struct{} // closed while the gate is open
	shut chan struct{} // closed while the gate is shut
}

// NewGate creates a gate in the given state.
func NewGate(open bool) *Gate {
	g := &Gate{ch: make(chan struct{}), shut: make(chan struct{})}
	if open {
		g.open = true
		close(g.ch)
	} else {
		close(g.shut)
	}
	return g
}

// Set opens or closes the gate and reports whether the state changed.
func (g *Gate) Set(open bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open == open {
		return false
	}
	g.open = open
	if open {
		close(g.ch)
		g.shut = make(chan struct{})
	} else {
		g.ch = make(chan struct{})
		close(g.shut)
	}
	return true
}

// IsOpen reports the current state.
func (g *Gate) IsOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}

// Opened returns a channel that is closed while the gate is open.
func (g *Gate) Opened() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ch
}

// Shut returns a channel that is closed while the gate is shut.
func (g *Gate) Shut() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.shut
}

// Wait blocks until the gate opens or ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	select {
	case <-g.Opened():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Watch probes the endpoint immediately and then every interval until ctx is done.
func (g *Gate) Watch(ctx context.Context, hc HealthChecker, interval time.Duration, m *metrics.Metrics, log zerolog.Logger) {
	probe := func() {
		h, err := hc.Health(ctx)
		if ctx.Err() != nil {
			return
		}
		ready := err == nil && h.Ready()
		m.SetEndpointReady(ready)
		if !g.Set(ready) {
			return
		}
		switch {
		case ready:
			log.Info().Msg("inference endpoint ready, resuming dispatch")
		case err != nil:
			log.Warn().Err(err).Msg("inference endpoint unreachable, pausing dispatch")
		default:
			log.Warn().Str("status", h.Status).Bool("model_loaded", h.ModelLoaded).Msg("inference endpoint not ready, pausing dispatch")
		}
	}

	probe()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probe()
		}
	}
}
