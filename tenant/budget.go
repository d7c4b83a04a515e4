// Package tenant implements per-tenant admission: budget headroom checks,
// token-bucket rate limiting, atomic cost accrual against the KV store,
// and window rotation. The enforcer runs inline on every router call.
package tenant

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/circuitbreaker/cb/cberr"
	"github.com/circuitbreaker/cb/eventlog"
	"github.com/circuitbreaker/cb/model"
	"github.com/circuitbreaker/cb/telemetry"
)

// Window scopes a budget's accrual period.
type Window string

const (
	WindowDaily    Window = "daily"
	WindowMonthly  Window = "monthly"
	WindowLifetime Window = "lifetime"
)

// Budget is the per-tenant spend record persisted in the budgets KV
// bucket. Consumed is only ever mutated through CAS so concurrent accruals
// cannot lose updates.
type Budget struct {
	TenantID string    `json:"tenant_id"`
	Currency string    `json:"currency"`
	Limit    float64   `json:"limit"`
	Consumed float64   `json:"consumed"`
	Window   Window    `json:"window"`
	ResetAt  time.Time `json:"reset_at"`
}

// casRetries bounds read-modify-write attempts before surfacing Conflict.
const casRetries = 5

// budgetKey is the fixed key within a tenant's budget bucket.
const budgetKey = "budget"

// Enforcer checks and charges tenant budgets and rate limits. Budget state
// lives in the KV store (bucket per tenant) so every runtime replica sees
// the same consumed figure; rate-limit buckets are per-process unless a
// shared limiter is installed.
type Enforcer struct {
	kv      eventlog.KV
	buckets eventlog.Buckets
	tel     telemetry.Handle
	limits  *rateLimiters
	shared  SharedLimiter
	now     func() time.Time
}

// SharedLimiter coordinates rate limiting across replicas. Nil means
// process-local limiting only.
type SharedLimiter interface {
	Allow(ctx context.Context, tenantID string, limit RateLimit) (bool, error)
}

// Option configures an Enforcer.
type Option func(*Enforcer)

// WithSharedLimiter installs a cross-replica rate limiter (see
// RedisLimiter).
func WithSharedLimiter(s SharedLimiter) Option {
	return func(e *Enforcer) { e.shared = s }
}

// WithClock overrides the time source, for window-rotation tests.
func WithClock(now func() time.Time) Option {
	return func(e *Enforcer) { e.now = now }
}

// NewEnforcer constructs an Enforcer over the KV store.
func NewEnforcer(kv eventlog.KV, tel telemetry.Handle, opts ...Option) *Enforcer {
	if tel.Log == nil {
		tel = telemetry.NewNoop()
	}
	e := &Enforcer{
		kv:     kv,
		tel:    tel,
		limits: newRateLimiters(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetBudget creates or replaces a tenant's budget record. A zero ResetAt is
// initialized to the next window boundary.
func (e *Enforcer) SetBudget(ctx context.Context, b Budget) error {
	if b.TenantID == "" {
		return cberr.New(cberr.KindValidation, "MissingTenant", "tenant: budget requires a tenant id")
	}
	if b.ResetAt.IsZero() {
		b.ResetAt = nextReset(e.now(), b.Window)
	}
	payload, err := json.Marshal(b)
	if err != nil {
		return err
	}
	_, err = e.kv.Put(ctx, e.buckets.Budgets(b.TenantID), budgetKey, payload, 0)
	return err
}

// GetBudget loads a tenant's budget record.
func (e *Enforcer) GetBudget(ctx context.Context, tenantID string) (Budget, uint64, error) {
	raw, rev, ok, err := e.kv.Get(ctx, e.buckets.Budgets(tenantID), budgetKey)
	if err != nil {
		return Budget{}, 0, err
	}
	if !ok {
		return Budget{}, 0, cberr.New(cberr.KindNotFound, "BudgetNotFound", "tenant: no budget configured for "+tenantID)
	}
	var b Budget
	if err := json.Unmarshal(raw, &b); err != nil {
		return Budget{}, 0, err
	}
	return b, rev, nil
}

// SetRateLimit configures tenantID's token bucket.
func (e *Enforcer) SetRateLimit(tenantID string, limit RateLimit) {
	e.limits.set(tenantID, limit)
}

// Admit checks the tenant's rate limit, then reserves estimatedCost
// against budget headroom in a single CAS loop. Reserving at admission
// (rather than checking headroom and charging later) is what keeps
// concurrent requests against near-exhausted headroom from all slipping
// through before any accrual lands. Tenants without a configured budget
// are admitted: budget enforcement is opt-in per tenant, rate limiting
// applies whenever a limit is configured.
func (e *Enforcer) Admit(ctx context.Context, tenantID string, estimatedCost float64) error {
	if limit, ok := e.limits.get(tenantID); ok {
		allowed := true
		if e.shared != nil {
			var err error
			allowed, err = e.shared.Allow(ctx, tenantID, limit)
			if err != nil {
				// A broken coordinator must not take down admission; fall
				// back to the local bucket.
				e.tel.Log.Warn(ctx, "shared rate limiter unavailable", "tenantId", tenantID, "err", err)
				allowed = e.limits.allow(tenantID)
			}
		} else {
			allowed = e.limits.allow(tenantID)
		}
		if !allowed {
			return cberr.New(cberr.KindRateLimit, "RateLimited", "tenant: rate limit exceeded for "+tenantID)
		}
	}

	for i := 0; i < casRetries; i++ {
		b, rev, err := e.GetBudget(ctx, tenantID)
		if err != nil {
			if cberr.Is(err, cberr.KindNotFound) {
				return nil
			}
			return err
		}
		if b.Consumed+estimatedCost > b.Limit {
			return cberr.New(cberr.KindBudget, "BudgetExceeded",
				fmt.Sprintf("tenant: %s consumed %.6f of %.6f %s; estimated %.6f does not fit",
					tenantID, b.Consumed, b.Limit, b.Currency, estimatedCost))
		}
		b.Consumed += estimatedCost
		payload, err := json.Marshal(b)
		if err != nil {
			return err
		}
		if _, err := e.kv.Put(ctx, e.buckets.Budgets(tenantID), budgetKey, payload, rev); err != nil {
			if cberr.Is(err, cberr.KindConflict) {
				continue
			}
			return err
		}
		return nil
	}
	return cberr.New(cberr.KindConflict, "Conflict", "tenant: admission lost CAS race repeatedly for "+tenantID)
}

// Accrue settles a prior reservation to the call's actual cost: the delta
// between actual and the reserved estimate is applied via CAS (negative
// when the estimate overshot). A zero-estimate accrual charges the full
// actual cost, covering callers that admitted without reserving.
func (e *Enforcer) Accrue(ctx context.Context, tenantID string, estimatedCost, actualCost float64, usage model.TokenUsage) error {
	delta := actualCost - estimatedCost
	if delta == 0 {
		return nil
	}
	for i := 0; i < casRetries; i++ {
		b, rev, err := e.GetBudget(ctx, tenantID)
		if err != nil {
			if cberr.Is(err, cberr.KindNotFound) {
				return nil
			}
			return err
		}
		b.Consumed += delta
		if b.Consumed < 0 {
			b.Consumed = 0
		}
		payload, err := json.Marshal(b)
		if err != nil {
			return err
		}
		if _, err := e.kv.Put(ctx, e.buckets.Budgets(tenantID), budgetKey, payload, rev); err != nil {
			if cberr.Is(err, cberr.KindConflict) {
				continue
			}
			return err
		}
		e.tel.Metrics.RecordGauge("tenant.budget.consumed", b.Consumed, "tenant", tenantID)
		return nil
	}
	return cberr.New(cberr.KindConflict, "Conflict", "tenant: accrual lost CAS race repeatedly for "+tenantID)
}

// RotateWindow resets consumed to zero when the window boundary has
// passed. Lifetime windows never rotate.
func (e *Enforcer) RotateWindow(ctx context.Context, tenantID string) error {
	for i := 0; i < casRetries; i++ {
		b, rev, err := e.GetBudget(ctx, tenantID)
		if err != nil {
			return err
		}
		if b.Window == WindowLifetime || e.now().Before(b.ResetAt) {
			return nil
		}
		b.Consumed = 0
		b.ResetAt = nextReset(e.now(), b.Window)
		payload, err := json.Marshal(b)
		if err != nil {
			return err
		}
		if _, err := e.kv.Put(ctx, e.buckets.Budgets(tenantID), budgetKey, payload, rev); err != nil {
			if cberr.Is(err, cberr.KindConflict) {
				continue
			}
			return err
		}
		e.tel.Log.Info(ctx, "budget window rotated", "tenantId", tenantID, "nextReset", b.ResetAt)
		return nil
	}
	return cberr.New(cberr.KindConflict, "Conflict", "tenant: rotation lost CAS race repeatedly for "+tenantID)
}

// RunRotationLoop rotates every listed tenant's window at interval until
// ctx is cancelled.
func (e *Enforcer) RunRotationLoop(ctx context.Context, tenantIDs func() []string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range tenantIDs() {
				if err := e.RotateWindow(ctx, id); err != nil && !cberr.Is(err, cberr.KindNotFound) {
					e.tel.Log.Warn(ctx, "window rotation failed", "tenantId", id, "err", err)
				}
			}
		}
	}
}

// nextReset returns the boundary following now for the window, aligned to
// midnight UTC for daily and to the first of the month for monthly.
func nextReset(now time.Time, w Window) time.Time {
	now = now.UTC()
	switch w {
	case WindowDaily:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	case WindowMonthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	default:
		// Lifetime budgets never reset; park the boundary far out.
		return now.AddDate(100, 0, 0)
	}
}
