package router

import (
	"context"
	"time"

	"github.com/circuitbreaker/cb/cberr"
	"github.com/circuitbreaker/cb/model"
)

// DefaultDeadline bounds non-streaming router calls that arrive without
// one of their own.
const DefaultDeadline = 60 * time.Second

// defaultExpectedOutputTokens is the completion-size assumption used for
// budget admission when the request does not cap MaxTokens.
const defaultExpectedOutputTokens = 256

// Result bundles a completed response with the routing decision that
// produced it, so callers can surface routing_info without a second
// lookup.
type Result struct {
	Response *model.Response
	Info     RoutingDecision
}

// ChatCompletion resolves, admits, and dispatches a non-streaming chat
// completion, failing over through the candidate list and retrying
// transient errors per candidate.
func (r *Router) ChatCompletion(ctx context.Context, tenantID string, req *model.Request) (*Result, error) {
	candidates, vm, err := r.ResolveVirtualModel(tenantID, req.Model)
	if err != nil {
		return nil, err
	}
	return r.completeCandidates(ctx, tenantID, vm, candidates, req)
}

// ChatCompletionWith routes using an inline virtual-model config instead
// of a registered one — the per-request routing overrides the REST
// surface's circuit_breaker extension carries.
func (r *Router) ChatCompletionWith(ctx context.Context, tenantID string, vm VirtualModel, req *model.Request) (*Result, error) {
	return r.completeCandidates(ctx, tenantID, vm, r.rankCandidates(vm), req)
}

func (r *Router) completeCandidates(ctx context.Context, tenantID string, vm VirtualModel, candidates []Candidate, req *model.Request) (*Result, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultDeadline)
		defer cancel()
	}

	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}

	est, err := r.admit(ctx, tenantID, req, candidates)
	if err != nil {
		return nil, err
	}
	// release returns the admission reservation when nothing was
	// delivered, so failed routing accrues no cost. The release runs on
	// a fresh context: the request's own may already be cancelled.
	release := func() {
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.budget.Accrue(rctx, tenantID, est, 0, model.TokenUsage{}); err != nil {
			r.tel.Log.Error(rctx, "reservation release failed", "tenantId", tenantID, "err", err)
		}
	}

	start := time.Now()
	attempts := 0
	var lastErr error
	for i, cand := range candidates {
		attemptReq := *req
		attemptReq.Model = cand.ModelID
		attemptReq.Stream = false

		for n := 0; n < r.policy.MaxAttempts; n++ {
			attempts++
			callStart := time.Now()
			resp, err := r.dispatch.Complete(ctx, cand, &attemptReq)
			callLatency := float64(time.Since(callStart).Milliseconds())
			if err == nil {
				r.dispatch.RecordCall(cand.ProviderID, callLatency, true)
				r.stat(cand).record(true)
				info := r.finish(ctx, tenantID, req.Model, vm, cand, est, resp.Usage, attempts, i > 0, time.Since(start))
				return &Result{Response: resp, Info: info}, nil
			}

			r.dispatch.RecordCall(cand.ProviderID, callLatency, false)
			r.stat(cand).record(false)
			lastErr = err
			r.tel.Log.Warn(ctx, "routing attempt failed",
				"tenantId", tenantID, "provider", cand.ProviderID, "model", cand.ModelID,
				"attempt", attempts, "err", err)

			if ctx.Err() != nil {
				release()
				return nil, cberr.Wrap(cberr.KindCancelled, "Cancelled", "router: request cancelled", ctx.Err())
			}
			if surfaceImmediately(err) {
				release()
				return nil, err
			}
			if !transient(err) {
				break // next candidate
			}
			if n+1 < r.policy.MaxAttempts {
				if err := sleep(ctx, r.policy.delay(n)); err != nil {
					release()
					return nil, err
				}
			}
		}
	}

	release()
	r.sink.Record(RoutingDecision{
		TenantID:       tenantID,
		RequestedModel: req.Model,
		Strategy:       vm.Strategy,
		Attempts:       attempts,
		LatencyMs:      time.Since(start).Milliseconds(),
		FallbackUsed:   len(candidates) > 1,
	})
	return nil, cberr.Wrap(cberr.KindProvider, "AllCandidatesFailed",
		"router: every candidate failed", lastErr)
}

// StreamChatCompletion dispatches a streaming chat completion. The router
// commits to one candidate before the first byte: failover applies only
// while no chunk has been emitted; once the client has seen output, an
// upstream failure surfaces as an error rather than a silent mid-stream
// switch that would corrupt the token sequence.
func (r *Router) StreamChatCompletion(ctx context.Context, tenantID string, req *model.Request, send func(model.Chunk) error) (RoutingDecision, error) {
	candidates, vm, err := r.ResolveVirtualModel(tenantID, req.Model)
	if err != nil {
		return RoutingDecision{}, err
	}
	return r.streamCandidates(ctx, tenantID, vm, candidates, req, send)
}

// StreamChatCompletionWith is the streaming counterpart of
// ChatCompletionWith.
func (r *Router) StreamChatCompletionWith(ctx context.Context, tenantID string, vm VirtualModel, req *model.Request, send func(model.Chunk) error) (RoutingDecision, error) {
	return r.streamCandidates(ctx, tenantID, vm, r.rankCandidates(vm), req, send)
}

func (r *Router) streamCandidates(ctx context.Context, tenantID string, vm VirtualModel, candidates []Candidate, req *model.Request, send func(model.Chunk) error) (RoutingDecision, error) {
	if len(candidates) == 0 {
		return RoutingDecision{}, ErrNoCandidates
	}

	est, err := r.admit(ctx, tenantID, req, candidates)
	if err != nil {
		return RoutingDecision{}, err
	}
	release := func() {
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.budget.Accrue(rctx, tenantID, est, 0, model.TokenUsage{}); err != nil {
			r.tel.Log.Error(rctx, "reservation release failed", "tenantId", tenantID, "err", err)
		}
	}

	start := time.Now()
	attempts := 0
	var lastErr error
	for i, cand := range candidates {
		attemptReq := *req
		attemptReq.Model = cand.ModelID
		attemptReq.Stream = true

		emitted := false
		var usage model.TokenUsage
		var contentBytes int
		wrapped := func(chunk model.Chunk) error {
			emitted = true
			contentBytes += len(chunk.Content)
			if chunk.UsageDelta != nil {
				usage = *chunk.UsageDelta
			}
			return send(chunk)
		}

		attempts++
		callStart := time.Now()
		err := r.dispatch.Stream(ctx, cand, &attemptReq, wrapped)
		callLatency := float64(time.Since(callStart).Milliseconds())
		if err == nil {
			r.dispatch.RecordCall(cand.ProviderID, callLatency, true)
			r.stat(cand).record(true)
			if usage.TotalTokens == 0 {
				// Provider did not report usage; estimate from observed
				// bytes so cost accrual still reflects delivered output.
				usage = model.TokenUsage{
					PromptTokens:     estimateTokens(req.Messages),
					CompletionTokens: contentBytes / charsPerToken,
				}
				usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
			}
			info := r.finish(ctx, tenantID, req.Model, vm, cand, est, usage, attempts, i > 0, time.Since(start))
			return info, nil
		}

		r.dispatch.RecordCall(cand.ProviderID, callLatency, false)
		r.stat(cand).record(false)
		lastErr = err

		if emitted {
			// Tokens already reached the client; charge for what was
			// delivered and surface the failure.
			if usage.TotalTokens == 0 {
				usage = model.TokenUsage{CompletionTokens: contentBytes / charsPerToken}
				usage.TotalTokens = usage.CompletionTokens
			}
			cost := r.cost(cand, usage)
			// Accrual runs on a fresh context: the stream error may be
			// the client disconnecting, and delivered tokens are still
			// charged.
			actx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := r.budget.Accrue(actx, tenantID, est, cost, usage); err != nil {
				r.tel.Log.Error(actx, "cost accrual failed after stream error", "tenantId", tenantID, "err", err)
			}
			cancel()
			return RoutingDecision{}, cberr.Wrap(cberr.KindProvider, "StreamInterrupted",
				"router: provider failed mid-stream", err)
		}
		if ctx.Err() != nil {
			release()
			return RoutingDecision{}, cberr.Wrap(cberr.KindCancelled, "Cancelled", "router: stream cancelled", ctx.Err())
		}
		if surfaceImmediately(err) {
			release()
			return RoutingDecision{}, err
		}
	}

	release()
	r.sink.Record(RoutingDecision{
		TenantID:       tenantID,
		RequestedModel: req.Model,
		Strategy:       vm.Strategy,
		Attempts:       attempts,
		LatencyMs:      time.Since(start).Milliseconds(),
		FallbackUsed:   len(candidates) > 1,
	})
	return RoutingDecision{}, cberr.Wrap(cberr.KindProvider, "AllCandidatesFailed",
		"router: every candidate failed before first chunk", lastErr)
}

// admit enforces the tenant budget against the cheapest candidate's
// estimated cost. If even the minimum-cost candidate cannot fit, the
// request is rejected before any provider call. The reserved estimate is
// returned so completion can settle it to actual cost.
func (r *Router) admit(ctx context.Context, tenantID string, req *model.Request, candidates []Candidate) (float64, error) {
	est := r.minEstimatedCost(req, candidates)
	if err := r.budget.Admit(ctx, tenantID, est); err != nil {
		return 0, err
	}
	return est, nil
}

func (r *Router) minEstimatedCost(req *model.Request, candidates []Candidate) float64 {
	inTokens := estimateTokens(req.Messages)
	outTokens := req.MaxTokens
	if outTokens == 0 {
		outTokens = defaultExpectedOutputTokens
	}
	min := -1.0
	for _, c := range candidates {
		info, ok := r.dispatch.ModelInfo(c)
		if !ok {
			continue
		}
		cost := float64(inTokens)*info.CostPerInputToken + float64(outTokens)*info.CostPerOutputToken
		if min < 0 || cost < min {
			min = cost
		}
	}
	if min < 0 {
		return 0
	}
	return min
}

// finish settles the admission reservation to actual cost and records the
// routing decision after a successful attempt.
func (r *Router) finish(ctx context.Context, tenantID, requestedModel string, vm VirtualModel, cand Candidate, est float64, usage model.TokenUsage, attempts int, fallback bool, elapsed time.Duration) RoutingDecision {
	cost := r.cost(cand, usage)
	if err := r.budget.Accrue(ctx, tenantID, est, cost, usage); err != nil {
		r.tel.Log.Error(ctx, "cost accrual failed", "tenantId", tenantID, "cost", cost, "err", err)
	}
	info := RoutingDecision{
		TenantID:         tenantID,
		RequestedModel:   requestedModel,
		Strategy:         vm.Strategy,
		SelectedProvider: cand.ProviderID,
		Model:            cand.ModelID,
		Attempts:         attempts,
		LatencyMs:        elapsed.Milliseconds(),
		FallbackUsed:     fallback,
		EstimatedCost:    cost,
	}
	r.sink.Record(info)
	r.tel.Metrics.IncCounter("router.completions", 1, "provider", cand.ProviderID)
	r.tel.Metrics.RecordTimer("router.latency", elapsed, "provider", cand.ProviderID)
	return info
}

// cost prices usage against the candidate's catalog entry.
func (r *Router) cost(cand Candidate, usage model.TokenUsage) float64 {
	info, ok := r.dispatch.ModelInfo(cand)
	if !ok {
		return 0
	}
	return float64(usage.PromptTokens)*info.CostPerInputToken +
		float64(usage.CompletionTokens)*info.CostPerOutputToken
}

// surfaceImmediately reports whether err must be returned to the caller
// without trying further candidates: validation, authentication,
// authorization, budget, and rate-limit rejections are request-level, not
// candidate-level.
func surfaceImmediately(err error) bool {
	switch cberr.KindOf(err) {
	case cberr.KindValidation, cberr.KindAuthentication, cberr.KindAuthorization,
		cberr.KindBudget, cberr.KindRateLimit:
		return true
	default:
		return false
	}
}

// charsPerToken is the crude character-count heuristic behind the router's
// token estimates; the agent session's history estimate uses the same
// ratio.
const charsPerToken = 4

func estimateTokens(messages []model.Message) int {
	chars := 0
	for _, m := range messages {
		chars += len(m.Content)
		for _, tc := range m.ToolCalls {
			chars += len(tc.Name) + len(tc.Arguments)
		}
	}
	if chars == 0 {
		return 1
	}
	return chars/charsPerToken + 1
}
