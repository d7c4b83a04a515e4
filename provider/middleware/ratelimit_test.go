package middleware

import (
	"context"
	"testing"

	"golang.org/x/time/rate"

	"github.com/circuitbreaker/cb/cberr"
	"github.com/circuitbreaker/cb/model"
	"github.com/circuitbreaker/cb/provider"
)

func fakeUnary(err error, calls *int) provider.UnaryHandler {
	return func(_ context.Context, _ *model.Request) (*model.Response, error) {
		*calls++
		if err != nil {
			return nil, err
		}
		return &model.Response{}, nil
	}
}

func TestAdaptiveRateLimiterBackoffOnRateLimited(t *testing.T) {
	limiter := NewAdaptiveRateLimiter(60000, 60000)
	initialTPM := limiter.currentTPM

	var calls int
	wrapped := limiter.Unary()(fakeUnary(cberr.New(cberr.KindRateLimit, "RateLimited", "rate limited"), &calls))

	req := &model.Request{Messages: []model.Message{{Role: model.RoleUser, Content: "hello"}}, MaxTokens: 10}
	_, err := wrapped(context.Background(), req)
	if err == nil || !cberr.Is(err, cberr.KindRateLimit) {
		t.Fatalf("expected rate limit error, got %v", err)
	}

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	if limiter.currentTPM >= initialTPM {
		t.Fatalf("expected TPM to decrease, got %f (initial %f)", limiter.currentTPM, initialTPM)
	}
}

func TestAdaptiveRateLimiterProbeOnSuccess(t *testing.T) {
	limiter := NewAdaptiveRateLimiter(60000, 120000)

	limiter.mu.Lock()
	initialTPM := limiter.currentTPM
	limiter.recoveryRate = 1000
	limiter.mu.Unlock()

	var calls int
	wrapped := limiter.Unary()(fakeUnary(nil, &calls))

	req := &model.Request{Messages: []model.Message{{Role: model.RoleUser, Content: "hello"}}, MaxTokens: 10}
	if _, err := wrapped(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	if limiter.currentTPM <= initialTPM {
		t.Fatalf("expected TPM to increase, got %f (initial %f)", limiter.currentTPM, initialTPM)
	}
}

func TestAdaptiveRateLimiterRejectsRequestOverCapacity(t *testing.T) {
	limiter := NewAdaptiveRateLimiter(60, 60)

	limiter.mu.Lock()
	limiter.currentTPM = 60
	// An impossible limiter so any non-zero token request fails immediately,
	// exercising the error path without relying on timing.
	limiter.limiter = rate.NewLimiter(0, 0)
	limiter.mu.Unlock()

	var calls int
	wrapped := limiter.Unary()(fakeUnary(nil, &calls))

	longText := make([]byte, 600)
	for i := range longText {
		longText[i] = 'a'
	}
	req := &model.Request{Messages: []model.Message{{Role: model.RoleUser, Content: string(longText)}}, MaxTokens: 10}

	_, err := wrapped(context.Background(), req)
	if err == nil {
		t.Fatal("expected limiter error")
	}
	if calls != 0 {
		t.Fatalf("expected underlying handler not to be called, got %d calls", calls)
	}
}

func TestAdaptiveRateLimiterCancelledContext(t *testing.T) {
	limiter := NewAdaptiveRateLimiter(60, 60)
	limiter.limiter = rate.NewLimiter(0, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls int
	wrapped := limiter.Unary()(fakeUnary(nil, &calls))
	req := &model.Request{Messages: []model.Message{{Role: model.RoleUser, Content: "hello"}}}
	_, err := wrapped(ctx, req)
	if err == nil {
		t.Fatal("expected error on cancelled context")
	}
	if calls != 0 {
		t.Fatalf("expected underlying handler not to be called, got %d calls", calls)
	}
}

func TestEstimateTokensMonotonic(t *testing.T) {
	small := estimateTokens(&model.Request{Messages: []model.Message{{Role: model.RoleUser, Content: "short"}}})
	big := estimateTokens(&model.Request{Messages: []model.Message{{Role: model.RoleUser, Content: "this is a much longer message"}}})

	if small <= 0 {
		t.Fatalf("expected positive token estimate for small request, got %d", small)
	}
	if big <= small {
		t.Fatalf("expected larger estimate for larger request, small=%d big=%d", small, big)
	}
}
