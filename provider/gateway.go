// Package provider implements the Provider Gateway: a uniform facade over
// per-vendor model.Client adapters, their middleware chains (rate limiting,
// telemetry), and periodic health probing consumed by the router's
// health-filtering step.
package provider

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/circuitbreaker/cb/cberr"
	"github.com/circuitbreaker/cb/model"
	"github.com/circuitbreaker/cb/telemetry"
)

type (
	// UnaryHandler processes a single completion request.
	UnaryHandler func(ctx context.Context, req *model.Request) (*model.Response, error)

	// StreamHandler processes a streaming completion request, invoking send
	// for every chunk produced.
	StreamHandler func(ctx context.Context, req *model.Request, send func(model.Chunk) error) error

	// UnaryMiddleware wraps a UnaryHandler with cross-cutting behavior.
	UnaryMiddleware func(next UnaryHandler) UnaryHandler

	// StreamMiddleware wraps a StreamHandler with cross-cutting behavior.
	StreamMiddleware func(next StreamHandler) StreamHandler

	// registeredProvider bundles a provider's underlying client with its
	// middleware-wrapped handlers and last-known health.
	registeredProvider struct {
		id     string
		client model.Client
		unary  UnaryHandler
		stream StreamHandler

		mu      sync.RWMutex
		health  model.HealthStatus
		catalog map[string]model.ModelInfo

		// call-outcome accounting feeding the health record between probes
		calls    uint64
		failures uint64
	}

	// Gateway is the uniform facade over every configured LLM provider.
	// Component D (the router) resolves a virtual model to a (providerID,
	// concrete model) pair and calls the gateway rather than talking to
	// vendor SDKs directly.
	Gateway struct {
		mu        sync.RWMutex
		providers map[string]*registeredProvider
		tel       telemetry.Handle
	}
)

// New constructs an empty Gateway. A zero telemetry.Handle is replaced with
// a no-op handle.
func New(tel telemetry.Handle) *Gateway {
	if tel.Log == nil {
		tel = telemetry.NewNoop()
	}
	return &Gateway{providers: map[string]*registeredProvider{}, tel: tel}
}

// Register adds a provider under id, composing its unary and stream
// middleware chains in registration order (first registered wraps
// outermost), mirroring the onion-composition convention used across the
// runtime's middleware-based components.
func (g *Gateway) Register(id string, client model.Client, unaryMW []UnaryMiddleware, streamMW []StreamMiddleware) {
	baseUnary := UnaryHandler(client.Complete)
	baseStream := func(ctx context.Context, req *model.Request, send func(model.Chunk) error) error {
		st, err := client.Stream(ctx, req)
		if err != nil {
			return err
		}
		defer st.Close()
		for {
			chunk, err := st.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
			if err := send(chunk); err != nil {
				return err
			}
			if chunk.FinishReason != "" {
				return nil
			}
		}
	}

	unary := baseUnary
	for i := len(unaryMW) - 1; i >= 0; i-- {
		unary = unaryMW[i](unary)
	}
	stream := baseStream
	for i := len(streamMW) - 1; i >= 0; i-- {
		stream = streamMW[i](stream)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.providers[id] = &registeredProvider{
		id:      id,
		client:  client,
		unary:   unary,
		stream:  stream,
		catalog: map[string]model.ModelInfo{},
		health:  model.HealthStatus{Healthy: true},
	}
}

// Complete dispatches a Complete call to providerID's middleware chain.
func (g *Gateway) Complete(ctx context.Context, providerID string, req *model.Request) (*model.Response, error) {
	p, err := g.lookup(providerID)
	if err != nil {
		return nil, err
	}
	return p.unary(ctx, req)
}

// Stream dispatches a Stream call to providerID's middleware chain.
func (g *Gateway) Stream(ctx context.Context, providerID string, req *model.Request, send func(model.Chunk) error) error {
	p, err := g.lookup(providerID)
	if err != nil {
		return err
	}
	return p.stream(ctx, req, send)
}

// ListModels returns the model catalogue advertised by providerID.
func (g *Gateway) ListModels(ctx context.Context, providerID string) ([]model.ModelInfo, error) {
	p, err := g.lookup(providerID)
	if err != nil {
		return nil, err
	}
	return p.client.ListModels(ctx)
}

// Health returns the current health snapshot for providerID: healthy at
// registration, then updated by ProbeHealth and by RecordCall.
func (g *Gateway) Health(providerID string) (model.HealthStatus, error) {
	p, err := g.lookup(providerID)
	if err != nil {
		return model.HealthStatus{}, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.health, nil
}

// ProbeHealth refreshes providerID's health snapshot by calling the
// underlying client's ProbeHealth.
func (g *Gateway) ProbeHealth(ctx context.Context, providerID string) (model.HealthStatus, error) {
	p, err := g.lookup(providerID)
	if err != nil {
		return model.HealthStatus{}, err
	}
	status, err := p.client.ProbeHealth(ctx)
	if err != nil {
		status = model.HealthStatus{Healthy: false, LastError: err.Error(), ConsecutiveFailures: 1}
	}
	p.mu.Lock()
	if !status.Healthy {
		status.ConsecutiveFailures = p.health.ConsecutiveFailures + 1
	}
	p.health = status
	p.mu.Unlock()
	g.tel.Log.Info(ctx, "provider health probed", "providerId", providerID, "healthy", status.Healthy)
	return status, nil
}

// RunHealthLoop probes every registered provider's health every interval
// until ctx is cancelled. Intended to run as a background goroutine per
// gateway instance.
func (g *Gateway) RunHealthLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.mu.RLock()
			ids := make([]string, 0, len(g.providers))
			for id := range g.providers {
				ids = append(ids, id)
			}
			g.mu.RUnlock()
			for _, id := range ids {
				_, _ = g.ProbeHealth(ctx, id)
			}
		}
	}
}

// RefreshCatalog re-fetches providerID's model list and caches it for
// ModelInfo lookups. The router consults the cached catalog on every
// routing decision, so deployments refresh periodically rather than
// per-request.
func (g *Gateway) RefreshCatalog(ctx context.Context, providerID string) error {
	p, err := g.lookup(providerID)
	if err != nil {
		return err
	}
	models, err := p.client.ListModels(ctx)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.catalog = make(map[string]model.ModelInfo, len(models))
	for _, m := range models {
		p.catalog[m.ID] = m
	}
	p.mu.Unlock()
	return nil
}

// SetModelInfo seeds or overrides a catalog entry, used for operator
// configuration of costs and quality ranks that providers do not report.
func (g *Gateway) SetModelInfo(providerID string, info model.ModelInfo) error {
	p, err := g.lookup(providerID)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.catalog[info.ID] = info
	p.mu.Unlock()
	return nil
}

// ModelInfo returns the cached catalog entry for (providerID, modelID).
func (g *Gateway) ModelInfo(providerID, modelID string) (model.ModelInfo, bool) {
	p, err := g.lookup(providerID)
	if err != nil {
		return model.ModelInfo{}, false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	info, ok := p.catalog[modelID]
	return info, ok
}

// RecordCall folds one call outcome into providerID's health record:
// consecutive failures, a running error rate, and an exponentially
// weighted latency average. Probes reset the consecutive-failure count;
// calls keep it current between probes.
func (g *Gateway) RecordCall(providerID string, latencyMs float64, success bool) {
	p, err := g.lookup(providerID)
	if err != nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if success {
		p.health.ConsecutiveFailures = 0
		p.health.Healthy = true
	} else {
		p.failures++
		p.health.ConsecutiveFailures++
		if p.health.ConsecutiveFailures >= 5 {
			p.health.Healthy = false
		}
	}
	p.health.ErrorRate = float64(p.failures) / float64(p.calls)
	if p.health.AvgLatencyMs == 0 {
		p.health.AvgLatencyMs = latencyMs
	} else {
		p.health.AvgLatencyMs = 0.8*p.health.AvgLatencyMs + 0.2*latencyMs
	}
}

// ProviderIDs returns every registered provider id.
func (g *Gateway) ProviderIDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.providers))
	for id := range g.providers {
		out = append(out, id)
	}
	return out
}

func (g *Gateway) lookup(providerID string) (*registeredProvider, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.providers[providerID]
	if !ok {
		return nil, cberr.New(cberr.KindNotFound, "ProviderNotFound", "provider gateway: unknown provider "+providerID)
	}
	return p, nil
}
