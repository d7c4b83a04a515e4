// Package middleware provides reusable provider.UnaryMiddleware and
// provider.StreamMiddleware implementations: adaptive rate limiting and
// structured request logging.
package middleware

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"

	"github.com/circuitbreaker/cb/cberr"
	"github.com/circuitbreaker/cb/model"
	"github.com/circuitbreaker/cb/provider"
	"github.com/circuitbreaker/cb/telemetry"
)

// AdaptiveRateLimiter applies an AIMD-style token bucket in front of a
// provider client: it estimates the token cost of each request, blocks
// callers until capacity is available, halves its effective tokens-per-
// minute budget on a provider rate-limit signal, and recovers linearly on
// successful calls.
type AdaptiveRateLimiter struct {
	mu sync.Mutex

	limiter *rate.Limiter

	currentTPM, minTPM, maxTPM, recoveryRate float64
}

// NewAdaptiveRateLimiter constructs a process-local adaptive limiter with
// an initial and maximum tokens-per-minute budget. initialTPM defaults to
// 60000 when non-positive; maxTPM is clamped to be at least initialTPM.
func NewAdaptiveRateLimiter(initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if initialTPM <= 0 {
		initialTPM = 60000
	}
	if maxTPM <= 0 || maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := initialTPM * 0.1
	if minTPM < 1 {
		minTPM = 1
	}
	recoveryRate := initialTPM * 0.05
	if recoveryRate < 1 {
		recoveryRate = 1
	}
	return &AdaptiveRateLimiter{
		limiter:      rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		currentTPM:   initialTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recoveryRate,
	}
}

// Unary returns a provider.UnaryMiddleware enforcing the limiter.
func (l *AdaptiveRateLimiter) Unary() provider.UnaryMiddleware {
	return func(next provider.UnaryHandler) provider.UnaryHandler {
		return func(ctx context.Context, req *model.Request) (*model.Response, error) {
			if err := l.wait(ctx, req); err != nil {
				return nil, err
			}
			resp, err := next(ctx, req)
			l.observe(err)
			return resp, err
		}
	}
}

// Stream returns a provider.StreamMiddleware enforcing the limiter.
func (l *AdaptiveRateLimiter) Stream() provider.StreamMiddleware {
	return func(next provider.StreamHandler) provider.StreamHandler {
		return func(ctx context.Context, req *model.Request, send func(model.Chunk) error) error {
			if err := l.wait(ctx, req); err != nil {
				return err
			}
			err := next(ctx, req, send)
			l.observe(err)
			return err
		}
	}
}

func (l *AdaptiveRateLimiter) wait(ctx context.Context, req *model.Request) error {
	tokens := estimateTokens(req)
	if err := l.limiter.WaitN(ctx, tokens); err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return cberr.Wrap(cberr.KindTimeout, "RateLimitWaitTimeout", "rate limiter wait exceeded deadline", err)
		case errors.Is(err, context.Canceled):
			return cberr.Wrap(cberr.KindCancelled, "RateLimitWaitCancelled", "rate limiter wait cancelled", err)
		default:
			return cberr.Wrap(cberr.KindRateLimit, "RateLimitWaitFailed", "rate limiter wait failed", err)
		}
	}
	return nil
}

func (l *AdaptiveRateLimiter) observe(err error) {
	if err == nil {
		l.probe()
		return
	}
	if e, ok := cberr.As(err); ok && (e.Kind() == cberr.KindRateLimit || (e.Kind() == cberr.KindProvider && e.Retryable())) {
		l.backoff()
	}
}

func (l *AdaptiveRateLimiter) backoff() {
	l.mu.Lock()
	defer l.mu.Unlock()
	newTPM := l.currentTPM * 0.5
	if newTPM < l.minTPM {
		newTPM = l.minTPM
	}
	l.setTPM(newTPM)
}

func (l *AdaptiveRateLimiter) probe() {
	l.mu.Lock()
	defer l.mu.Unlock()
	newTPM := l.currentTPM + l.recoveryRate
	if newTPM > l.maxTPM {
		newTPM = l.maxTPM
	}
	l.setTPM(newTPM)
}

// setTPM updates the limiter's effective budget. Callers must hold l.mu.
func (l *AdaptiveRateLimiter) setTPM(tpm float64) {
	if tpm == l.currentTPM {
		return
	}
	l.currentTPM = tpm
	l.limiter.SetLimit(rate.Limit(tpm / 60.0))
	l.limiter.SetBurst(int(tpm))
}

// estimateTokens is a cheap heuristic for the size of a request: roughly
// one token per three characters of message content, plus a fixed buffer
// for system prompts and provider framing overhead.
func estimateTokens(req *model.Request) int {
	charCount := 0
	for _, m := range req.Messages {
		charCount += len(m.Content)
	}
	if charCount <= 0 {
		return 500
	}
	tokens := charCount / 3
	if tokens < 1 {
		tokens = 1
	}
	return tokens + 500
}

// Logging returns a provider.UnaryMiddleware that logs request/response
// metadata at debug level, for development and troubleshooting.
func Logging(tel telemetry.Handle) provider.UnaryMiddleware {
	return func(next provider.UnaryHandler) provider.UnaryHandler {
		return func(ctx context.Context, req *model.Request) (*model.Response, error) {
			resp, err := next(ctx, req)
			if err != nil {
				tel.Log.Warn(ctx, "provider completion failed", "model", req.Model, "error", err.Error())
				return nil, err
			}
			tel.Log.Debug(ctx, "provider completion succeeded", "model", req.Model, "totalTokens", resp.Usage.TotalTokens)
			return resp, nil
		}
	}
}
