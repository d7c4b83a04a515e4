package router

import (
	"sort"
	"strings"
	"sync"

	"github.com/circuitbreaker/cb/cberr"
)

// unhealthyThreshold is the number of consecutive failures after which a
// provider is excluded from candidate ranking until a probe succeeds.
const unhealthyThreshold = 5

// errorRateThreshold is the maximum error rate a candidate may carry under
// the performance_first strategy.
const errorRateThreshold = 0.1

// virtualPrefix marks logical model names resolved through a registered
// VirtualModel rather than dispatched directly.
const virtualPrefix = "cb:"

func isVirtualName(name string) bool { return strings.HasPrefix(name, virtualPrefix) }

// parseDirectModel splits a "provider/model" name into a Candidate. Model
// ids may themselves contain slashes (some registries namespace them), so
// only the first separator is significant.
func parseDirectModel(name string) (Candidate, error) {
	idx := strings.Index(name, "/")
	if idx <= 0 || idx == len(name)-1 {
		return Candidate{}, cberr.New(cberr.KindValidation, "InvalidModelName",
			"router: direct model names must be provider/model, got "+name)
	}
	return Candidate{ProviderID: name[:idx], ModelID: name[idx+1:]}, nil
}

// ParseCandidate parses a "provider/model" name into a Candidate, for
// callers assembling inline virtual-model configs.
func ParseCandidate(name string) (Candidate, error) { return parseDirectModel(name) }

// loadBalanceStat tracks recent outcomes per candidate for the
// load_balanced strategy's weighted round-robin and for health overlays.
type loadBalanceStat struct {
	mu       sync.Mutex
	success  uint64
	failure  uint64
	served   uint64
}

func (s *loadBalanceStat) record(success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if success {
		s.success++
	} else {
		s.failure++
	}
}

// successRate returns the candidate's recent success rate, optimistically 1
// when no calls have been observed yet so new candidates get traffic.
func (s *loadBalanceStat) successRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := s.success + s.failure
	if total == 0 {
		return 1
	}
	return float64(s.success) / float64(total)
}

// load returns the candidate's weighted load: served calls divided by
// success-rate weight. Lower is less loaded.
func (s *loadBalanceStat) load() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := s.success + s.failure
	rate := 1.0
	if total > 0 {
		rate = float64(s.success) / float64(total)
	}
	if rate <= 0 {
		rate = 0.01
	}
	return float64(s.served) / rate
}

func (s *loadBalanceStat) serve() {
	s.mu.Lock()
	s.served++
	s.mu.Unlock()
}

func (r *Router) stat(c Candidate) *loadBalanceStat {
	key := c.ProviderID + "/" + c.ModelID
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.lbStats[key]
	if !ok {
		st = &loadBalanceStat{}
		r.lbStats[key] = st
	}
	return st
}

// rankCandidates filters vm's candidates by health, capability, and cost
// constraints, orders the survivors per vm.Strategy, and appends the
// fallback chain (deduplicated, in declared order) after the ranked
// primary set.
func (r *Router) rankCandidates(vm VirtualModel) []Candidate {
	eligible := make([]Candidate, 0, len(vm.CandidateModels))
	for _, c := range vm.CandidateModels {
		if r.eligible(c, vm.Constraints) {
			eligible = append(eligible, c)
		}
	}

	switch vm.Strategy {
	case StrategyCostOptimized:
		sort.SliceStable(eligible, func(i, j int) bool {
			return r.costPer1k(eligible[i]) < r.costPer1k(eligible[j])
		})
	case StrategyPerformanceFirst:
		filtered := eligible[:0]
		for _, c := range eligible {
			if r.dispatch.Health(c.ProviderID).ErrorRate <= errorRateThreshold {
				filtered = append(filtered, c)
			}
		}
		eligible = filtered
		sort.SliceStable(eligible, func(i, j int) bool {
			return r.dispatch.Health(eligible[i].ProviderID).AvgLatencyMs <
				r.dispatch.Health(eligible[j].ProviderID).AvgLatencyMs
		})
	case StrategyLoadBalanced:
		sort.SliceStable(eligible, func(i, j int) bool {
			return r.stat(eligible[i]).load() < r.stat(eligible[j]).load()
		})
		if len(eligible) > 0 {
			r.stat(eligible[0]).serve()
		}
	case StrategyQualityFirst:
		sort.SliceStable(eligible, func(i, j int) bool {
			return r.qualityRank(eligible[i]) < r.qualityRank(eligible[j])
		})
	}

	seen := map[Candidate]bool{}
	out := make([]Candidate, 0, len(eligible)+len(vm.FallbackChain))
	for _, c := range eligible {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	for _, c := range vm.FallbackChain {
		if !seen[c] && r.eligible(c, vm.Constraints) {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}

// eligible reports whether a candidate survives the health and constraint
// filters: its provider must not be unhealthy, its model must advertise all
// required capabilities, and its blended per-1k-token cost must fit under
// MaxCostPer1kTokens when one is set.
func (r *Router) eligible(c Candidate, cons Constraints) bool {
	h := r.dispatch.Health(c.ProviderID)
	if c.ProviderID != "" && !h.Healthy && h.ConsecutiveFailures >= unhealthyThreshold {
		return false
	}
	info, ok := r.dispatch.ModelInfo(c)
	if !ok {
		// Unknown models stay eligible; the attempt itself surfaces the
		// error and records failure so repeated misses age the provider
		// out through the health filter.
		return len(cons.RequiredCapabilities) == 0
	}
	for _, req := range cons.RequiredCapabilities {
		if !hasCapability(info.Capabilities, req) {
			return false
		}
	}
	if cons.MaxCostPer1kTokens > 0 {
		if (info.CostPerInputToken+info.CostPerOutputToken)*1000 > cons.MaxCostPer1kTokens {
			return false
		}
	}
	return true
}

func hasCapability(caps []string, want string) bool {
	for _, c := range caps {
		if c == want {
			return true
		}
	}
	return false
}

// costPer1k returns the blended cost per 1k tokens for ordering under
// cost_optimized. Candidates without catalog info sort last.
func (r *Router) costPer1k(c Candidate) float64 {
	info, ok := r.dispatch.ModelInfo(c)
	if !ok {
		return 1e9
	}
	return (info.CostPerInputToken + info.CostPerOutputToken) * 1000
}

func (r *Router) qualityRank(c Candidate) int {
	info, ok := r.dispatch.ModelInfo(c)
	if !ok {
		return 1 << 30
	}
	return info.QualityRank
}
