// Package router implements the LLM Router: virtual-model resolution,
// per-strategy candidate scoring, health/capability filtering, budget
// enforcement, and the attempt/fallback/retry loop that sits between the
// tenant enforcer and the provider gateway.
package router

import (
	"context"
	"sync"

	"github.com/circuitbreaker/cb/cberr"
	"github.com/circuitbreaker/cb/model"
	"github.com/circuitbreaker/cb/telemetry"
)

// Strategy selects how candidates are scored and ordered.
type Strategy string

const (
	StrategyCostOptimized    Strategy = "cost_optimized"
	StrategyPerformanceFirst Strategy = "performance_first"
	StrategyLoadBalanced     Strategy = "load_balanced"
	StrategyQualityFirst     Strategy = "quality_first"
)

type (
	// Candidate is a (provider, model) pair a virtual model can resolve to.
	Candidate struct {
		ProviderID string
		ModelID    string
	}

	// Constraints bound which candidates are eligible and which must be
	// rejected outright regardless of score.
	Constraints struct {
		MaxCostPer1kTokens   float64
		MaxLatencyMs         int
		RequiredCapabilities []string
	}

	// VirtualModel maps a "cb:" prefixed logical name to an ordered set of
	// concrete candidates, a scoring strategy, and a fallback chain tried
	// when the primary candidate set is exhausted.
	VirtualModel struct {
		TenantID        string
		Name            string
		Strategy        Strategy
		CandidateModels []Candidate
		Constraints     Constraints
		FallbackChain   []Candidate
	}

	// RoutingDecision is appended to the analytics stream after every
	// successful (or exhausted) routing attempt.
	RoutingDecision struct {
		TenantID         string   `json:"tenant_id"`
		RequestedModel   string   `json:"requested_model"`
		Strategy         Strategy `json:"routing_strategy,omitempty"`
		SelectedProvider string   `json:"selected_provider"`
		Model            string   `json:"model"`
		Attempts         int      `json:"attempts"`
		LatencyMs        int64    `json:"latency_ms"`
		FallbackUsed     bool     `json:"fallback_used"`
		EstimatedCost    float64  `json:"estimated_cost"`
	}

	// BudgetEnforcer is the subset of the tenant budget service the router
	// depends on. Defined here rather than imported from the tenant package
	// so the router has no compile-time dependency on tenant internals
	// (budget admission, rate limiting, and window rotation are the tenant
	// package's concern; the router only needs to ask "can this tenant
	// afford this call" and "charge this tenant for that call").
	// Admit reserves the estimated cost against the tenant's headroom;
	// Accrue settles the reservation to the call's actual cost once usage
	// is known.
	BudgetEnforcer interface {
		Admit(ctx context.Context, tenantID string, estimatedCost float64) error
		Accrue(ctx context.Context, tenantID string, estimatedCost, actualCost float64, usage model.TokenUsage) error
	}

	// noopBudget admits and accrues unconditionally; used when a Router is
	// constructed without a BudgetEnforcer (tests, or a deployment that has
	// not wired tenant budgets).
	noopBudget struct{}
)

func (noopBudget) Admit(context.Context, string, float64) error { return nil }
func (noopBudget) Accrue(context.Context, string, float64, float64, model.TokenUsage) error {
	return nil
}

// ErrNoCandidates indicates a virtual model resolved to zero viable
// candidates after capability/health filtering.
var ErrNoCandidates = cberr.New(cberr.KindProvider, "NoHealthyCandidates", "router: no healthy candidate satisfies the request")

// Router is the central routing decision engine: it resolves virtual
// models, ranks candidates, enforces budgets, and drives the
// attempt/fallback loop.
type Router struct {
	mu            sync.RWMutex
	virtualModels map[string]map[string]VirtualModel // tenantID -> name -> VirtualModel
	lbStats       map[string]*loadBalanceStat         // "providerID/modelID" -> running stats

	dispatch Dispatcher
	budget   BudgetEnforcer
	sink     DecisionSink
	policy   RetryPolicy
	tel      telemetry.Handle
}

// Dispatcher issues a single attempt at a candidate. It is implemented by an
// adapter over provider.Gateway; kept as an interface so the router can be
// tested without a real gateway.
type Dispatcher interface {
	Complete(ctx context.Context, candidate Candidate, req *model.Request) (*model.Response, error)
	Stream(ctx context.Context, candidate Candidate, req *model.Request, send func(model.Chunk) error) error
	ModelInfo(candidate Candidate) (model.ModelInfo, bool)
	Health(providerID string) model.HealthStatus
	// RecordCall feeds the per-provider health record after every attempt
	// so the health filter and the performance_first strategy see call
	// outcomes, not just periodic probes.
	RecordCall(providerID string, latencyMs float64, success bool)
}

// DecisionSink receives a RoutingDecision after every completed routing
// attempt (successful or exhausted). Implemented by an adapter appending to
// the analytics stream (and, optionally, archiving to Mongo).
type DecisionSink interface {
	Record(d RoutingDecision)
}

type noopSink struct{}

func (noopSink) Record(RoutingDecision) {}

// Option configures a Router at construction time.
type Option func(*Router)

// WithBudgetEnforcer installs a BudgetEnforcer. Without one, the router
// admits and accrues unconditionally.
func WithBudgetEnforcer(b BudgetEnforcer) Option {
	return func(r *Router) { r.budget = b }
}

// WithDecisionSink installs a DecisionSink receiving every RoutingDecision.
func WithDecisionSink(s DecisionSink) Option {
	return func(r *Router) { r.sink = s }
}

// WithRetryPolicy overrides the default attempt/backoff policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(r *Router) { r.policy = p }
}

// WithTelemetry installs the logging/metrics/tracing handle.
func WithTelemetry(tel telemetry.Handle) Option {
	return func(r *Router) { r.tel = tel }
}

// New constructs a Router dispatching attempts through d.
func New(d Dispatcher, opts ...Option) *Router {
	r := &Router{
		virtualModels: map[string]map[string]VirtualModel{},
		lbStats:       map[string]*loadBalanceStat{},
		dispatch:      d,
		budget:        noopBudget{},
		tel:           telemetry.NewNoop(),
		sink:          noopSink{},
		policy:        DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterVirtualModel makes vm resolvable by (vm.TenantID, vm.Name).
func (r *Router) RegisterVirtualModel(vm VirtualModel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byName, ok := r.virtualModels[vm.TenantID]
	if !ok {
		byName = map[string]VirtualModel{}
		r.virtualModels[vm.TenantID] = byName
	}
	byName[vm.Name] = vm
}

// ResolveVirtualModel returns the ordered candidate list for name under
// tenantID: if name begins with "cb:" it is looked up as a registered
// VirtualModel and candidates are ranked per its strategy; otherwise name is
// treated as a direct "provider/model" pair forming a single-candidate list.
func (r *Router) ResolveVirtualModel(tenantID, name string) ([]Candidate, VirtualModel, error) {
	if !isVirtualName(name) {
		cand, err := parseDirectModel(name)
		if err != nil {
			return nil, VirtualModel{}, err
		}
		return []Candidate{cand}, VirtualModel{TenantID: tenantID, Name: name, CandidateModels: []Candidate{cand}}, nil
	}

	r.mu.RLock()
	vm, ok := r.virtualModels[tenantID][name]
	r.mu.RUnlock()
	if !ok {
		return nil, VirtualModel{}, cberr.New(cberr.KindNotFound, "VirtualModelNotFound", "router: unknown virtual model "+name)
	}

	ranked := r.rankCandidates(vm)
	return ranked, vm, nil
}
