package router

import (
	"context"

	"github.com/circuitbreaker/cb/model"
	"github.com/circuitbreaker/cb/provider"
)

// GatewayDispatcher adapts a provider.Gateway to the router's Dispatcher
// interface.
type GatewayDispatcher struct {
	Gateway *provider.Gateway
}

var _ Dispatcher = (*GatewayDispatcher)(nil)

func (d *GatewayDispatcher) Complete(ctx context.Context, c Candidate, req *model.Request) (*model.Response, error) {
	return d.Gateway.Complete(ctx, c.ProviderID, req)
}

func (d *GatewayDispatcher) Stream(ctx context.Context, c Candidate, req *model.Request, send func(model.Chunk) error) error {
	return d.Gateway.Stream(ctx, c.ProviderID, req, send)
}

func (d *GatewayDispatcher) ModelInfo(c Candidate) (model.ModelInfo, bool) {
	return d.Gateway.ModelInfo(c.ProviderID, c.ModelID)
}

func (d *GatewayDispatcher) Health(providerID string) model.HealthStatus {
	h, err := d.Gateway.Health(providerID)
	if err != nil {
		return model.HealthStatus{}
	}
	return h
}

func (d *GatewayDispatcher) RecordCall(providerID string, latencyMs float64, success bool) {
	d.Gateway.RecordCall(providerID, latencyMs, success)
}
