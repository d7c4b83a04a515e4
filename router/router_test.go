package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/circuitbreaker/cb/cberr"
	"github.com/circuitbreaker/cb/model"
)

// fakeDispatcher scripts per-candidate behavior so routing decisions can be
// asserted without a real gateway.
type fakeDispatcher struct {
	mu        sync.Mutex
	models    map[Candidate]model.ModelInfo
	health    map[string]model.HealthStatus
	responses map[Candidate]*model.Response
	errs      map[Candidate][]error // popped per attempt; empty means success
	chunks    map[Candidate][]model.Chunk
	streamErr map[Candidate]error
	calls     []Candidate
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{
		models:    map[Candidate]model.ModelInfo{},
		health:    map[string]model.HealthStatus{},
		responses: map[Candidate]*model.Response{},
		errs:      map[Candidate][]error{},
		chunks:    map[Candidate][]model.Chunk{},
		streamErr: map[Candidate]error{},
	}
}

func (f *fakeDispatcher) Complete(ctx context.Context, c Candidate, req *model.Request) (*model.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	if errs := f.errs[c]; len(errs) > 0 {
		err := errs[0]
		f.errs[c] = errs[1:]
		return nil, err
	}
	if resp, ok := f.responses[c]; ok {
		return resp, nil
	}
	return nil, cberr.New(cberr.KindProvider, "NoScript", "unscripted candidate")
}

func (f *fakeDispatcher) Stream(ctx context.Context, c Candidate, req *model.Request, send func(model.Chunk) error) error {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	chunks := f.chunks[c]
	serr := f.streamErr[c]
	f.mu.Unlock()
	for _, ch := range chunks {
		if err := send(ch); err != nil {
			return err
		}
	}
	return serr
}

func (f *fakeDispatcher) ModelInfo(c Candidate) (model.ModelInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.models[c]
	return info, ok
}

func (f *fakeDispatcher) Health(providerID string) model.HealthStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.health[providerID]
	if !ok {
		return model.HealthStatus{Healthy: true}
	}
	return h
}

func (f *fakeDispatcher) RecordCall(providerID string, latencyMs float64, success bool) {}

type recordingSink struct {
	mu        sync.Mutex
	decisions []RoutingDecision
}

func (s *recordingSink) Record(d RoutingDecision) {
	s.mu.Lock()
	s.decisions = append(s.decisions, d)
	s.mu.Unlock()
}

type fakeBudget struct {
	mu       sync.Mutex
	limit    float64
	consumed float64
	admitted []float64
}

func (b *fakeBudget) Admit(ctx context.Context, tenantID string, est float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.admitted = append(b.admitted, est)
	if b.limit > 0 && b.consumed+est > b.limit {
		return cberr.New(cberr.KindBudget, "BudgetExceeded", "over budget")
	}
	b.consumed += est
	return nil
}

func (b *fakeBudget) Accrue(ctx context.Context, tenantID string, est, cost float64, usage model.TokenUsage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consumed += cost - est
	return nil
}

var (
	gpt4   = Candidate{ProviderID: "openai", ModelID: "gpt-4"}
	gpt35  = Candidate{ProviderID: "openai", ModelID: "gpt-3.5-turbo"}
	sonnet = Candidate{ProviderID: "anthropic", ModelID: "claude-3-sonnet"}
)

func costOptimalVM(tenantID string) VirtualModel {
	return VirtualModel{
		TenantID:        tenantID,
		Name:            "cb:cost-optimal",
		Strategy:        StrategyCostOptimized,
		CandidateModels: []Candidate{gpt4, gpt35},
	}
}

func seedCatalog(f *fakeDispatcher) {
	f.models[gpt4] = model.ModelInfo{ID: "gpt-4", CostPerInputToken: 0.00003, CostPerOutputToken: 0.00006, QualityRank: 1}
	f.models[gpt35] = model.ModelInfo{ID: "gpt-3.5-turbo", CostPerInputToken: 0.0000015, CostPerOutputToken: 0.000002, QualityRank: 2}
	f.models[sonnet] = model.ModelInfo{ID: "claude-3-sonnet", CostPerInputToken: 0.000003, CostPerOutputToken: 0.000015, QualityRank: 3}
}

func helloRequest(modelName string) *model.Request {
	return &model.Request{
		Model:    modelName,
		Messages: []model.Message{{Role: model.RoleUser, Content: "Hello"}},
	}
}

func TestCostOptimizedSelectsCheapestModel(t *testing.T) {
	f := newFakeDispatcher()
	seedCatalog(f)
	f.responses[gpt35] = &model.Response{
		Message:      model.Message{Role: model.RoleAssistant, Content: "Hi!"},
		Usage:        model.TokenUsage{PromptTokens: 5, CompletionTokens: 3, TotalTokens: 8},
		FinishReason: model.FinishStop,
	}
	sink := &recordingSink{}
	r := New(f, WithDecisionSink(sink))
	r.RegisterVirtualModel(costOptimalVM("t1"))

	res, err := r.ChatCompletion(context.Background(), "t1", helloRequest("cb:cost-optimal"))
	require.NoError(t, err)
	require.Equal(t, "openai", res.Info.SelectedProvider)
	require.Equal(t, "gpt-3.5-turbo", res.Info.Model)
	require.False(t, res.Info.FallbackUsed)
	require.LessOrEqual(t, res.Info.EstimatedCost, 0.001)
	require.Len(t, sink.decisions, 1)
}

func TestDirectModelBypassesVirtualResolution(t *testing.T) {
	f := newFakeDispatcher()
	seedCatalog(f)
	f.responses[sonnet] = &model.Response{
		Message:      model.Message{Role: model.RoleAssistant, Content: "ok"},
		FinishReason: model.FinishStop,
	}
	r := New(f)

	res, err := r.ChatCompletion(context.Background(), "t1", helloRequest("anthropic/claude-3-sonnet"))
	require.NoError(t, err)
	require.Equal(t, "anthropic", res.Info.SelectedProvider)
}

func TestUnknownVirtualModelIsNotFound(t *testing.T) {
	r := New(newFakeDispatcher())
	_, err := r.ChatCompletion(context.Background(), "t1", helloRequest("cb:nope"))
	require.Equal(t, cberr.KindNotFound, cberr.KindOf(err))
}

func TestFailoverOnUnhealthyProvider(t *testing.T) {
	f := newFakeDispatcher()
	seedCatalog(f)
	f.health["openai"] = model.HealthStatus{Healthy: false, ConsecutiveFailures: 5}
	f.responses[sonnet] = &model.Response{
		Message:      model.Message{Role: model.RoleAssistant, Content: "from claude"},
		Usage:        model.TokenUsage{PromptTokens: 5, CompletionTokens: 5, TotalTokens: 10},
		FinishReason: model.FinishStop,
	}
	r := New(f)
	r.RegisterVirtualModel(VirtualModel{
		TenantID:        "t1",
		Name:            "cb:smart-chat",
		Strategy:        StrategyQualityFirst,
		CandidateModels: []Candidate{gpt4},
		FallbackChain:   []Candidate{sonnet},
	})

	res, err := r.ChatCompletion(context.Background(), "t1", helloRequest("cb:smart-chat"))
	require.NoError(t, err)
	require.Equal(t, "anthropic", res.Info.SelectedProvider)
	// gpt-4's provider was filtered as unhealthy, so the fallback is the
	// only candidate dialed; no direct openai calls were made.
	for _, c := range f.calls {
		require.NotEqual(t, "openai", c.ProviderID)
	}
}

func TestRetriesTransientThenFailsOver(t *testing.T) {
	f := newFakeDispatcher()
	seedCatalog(f)
	transientErr := cberr.New(cberr.KindProvider, "Upstream503", "bad gateway")
	f.errs[gpt35] = []error{transientErr, transientErr, transientErr}
	f.responses[gpt4] = &model.Response{
		Message:      model.Message{Role: model.RoleAssistant, Content: "expensive answer"},
		Usage:        model.TokenUsage{PromptTokens: 5, CompletionTokens: 5, TotalTokens: 10},
		FinishReason: model.FinishStop,
	}
	r := New(f, WithRetryPolicy(RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond}))
	r.RegisterVirtualModel(costOptimalVM("t1"))

	res, err := r.ChatCompletion(context.Background(), "t1", helloRequest("cb:cost-optimal"))
	require.NoError(t, err)
	require.Equal(t, "gpt-4", res.Info.Model)
	require.True(t, res.Info.FallbackUsed)
	require.GreaterOrEqual(t, res.Info.Attempts, 4)
}

func TestNonRetryableErrorAdvancesWithoutRetry(t *testing.T) {
	f := newFakeDispatcher()
	seedCatalog(f)
	badReq := cberr.New(cberr.KindProvider, "Upstream400", "bad request").WithRetryable(false)
	f.errs[gpt35] = []error{badReq}
	f.responses[gpt4] = &model.Response{Message: model.Message{Role: model.RoleAssistant, Content: "ok"}, FinishReason: model.FinishStop}
	r := New(f, WithRetryPolicy(RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond}))
	r.RegisterVirtualModel(costOptimalVM("t1"))

	res, err := r.ChatCompletion(context.Background(), "t1", helloRequest("cb:cost-optimal"))
	require.NoError(t, err)
	require.Equal(t, 2, res.Info.Attempts)
}

func TestBudgetRejectionSurfacesImmediately(t *testing.T) {
	f := newFakeDispatcher()
	seedCatalog(f)
	r := New(f, WithBudgetEnforcer(&fakeBudget{limit: 0.0000001, consumed: 0.0000001}))
	r.RegisterVirtualModel(costOptimalVM("t1"))

	_, err := r.ChatCompletion(context.Background(), "t1", helloRequest("cb:cost-optimal"))
	require.Equal(t, cberr.KindBudget, cberr.KindOf(err))
	require.Empty(t, f.calls)
}

func TestAllCandidatesExhaustedReturnsProviderError(t *testing.T) {
	f := newFakeDispatcher()
	seedCatalog(f)
	boom := cberr.New(cberr.KindProvider, "Upstream500", "boom")
	f.errs[gpt35] = []error{boom, boom, boom}
	f.errs[gpt4] = []error{boom, boom, boom}
	budget := &fakeBudget{}
	r := New(f,
		WithRetryPolicy(RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond}),
		WithBudgetEnforcer(budget),
	)
	r.RegisterVirtualModel(costOptimalVM("t1"))

	_, err := r.ChatCompletion(context.Background(), "t1", helloRequest("cb:cost-optimal"))
	require.Equal(t, cberr.KindProvider, cberr.KindOf(err))
	require.Zero(t, budget.consumed)
}

func TestStreamFailoverOnlyBeforeFirstChunk(t *testing.T) {
	f := newFakeDispatcher()
	seedCatalog(f)
	f.streamErr[gpt35] = cberr.New(cberr.KindProvider, "Upstream503", "unavailable")
	f.chunks[gpt4] = []model.Chunk{
		{Role: "assistant", Content: "Hel"},
		{Content: "lo"},
		{FinishReason: model.FinishStop, UsageDelta: &model.TokenUsage{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7}},
	}
	r := New(f)
	r.RegisterVirtualModel(costOptimalVM("t1"))

	var got strings.Builder
	info, err := r.StreamChatCompletion(context.Background(), "t1", helloRequest("cb:cost-optimal"), func(c model.Chunk) error {
		got.WriteString(c.Content)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "Hello", got.String())
	require.Equal(t, "gpt-4", info.Model)
	require.True(t, info.FallbackUsed)
}

func TestStreamErrorAfterFirstChunkSurfaces(t *testing.T) {
	f := newFakeDispatcher()
	seedCatalog(f)
	f.chunks[gpt35] = []model.Chunk{{Role: "assistant", Content: "par"}}
	f.streamErr[gpt35] = cberr.New(cberr.KindProvider, "Upstream500", "mid-stream death")
	budget := &fakeBudget{}
	r := New(f, WithBudgetEnforcer(budget))
	r.RegisterVirtualModel(costOptimalVM("t1"))

	_, err := r.StreamChatCompletion(context.Background(), "t1", helloRequest("cb:cost-optimal"), func(model.Chunk) error { return nil })
	require.Error(t, err)
	e, ok := cberr.As(err)
	require.True(t, ok)
	require.Equal(t, "StreamInterrupted", e.Code())
	// Only gpt-3.5 was dialed; no silent switch to gpt-4 mid-stream.
	require.Len(t, f.calls, 1)
}

func TestLoadBalancedSpreadsAcrossCandidates(t *testing.T) {
	f := newFakeDispatcher()
	seedCatalog(f)
	ok := &model.Response{Message: model.Message{Role: model.RoleAssistant, Content: "ok"}, FinishReason: model.FinishStop}
	f.responses[gpt4] = ok
	f.responses[gpt35] = ok
	r := New(f)
	r.RegisterVirtualModel(VirtualModel{
		TenantID:        "t1",
		Name:            "cb:balanced",
		Strategy:        StrategyLoadBalanced,
		CandidateModels: []Candidate{gpt4, gpt35},
	})

	selected := map[string]int{}
	for i := 0; i < 10; i++ {
		res, err := r.ChatCompletion(context.Background(), "t1", helloRequest("cb:balanced"))
		require.NoError(t, err)
		selected[res.Info.Model]++
	}
	require.Len(t, selected, 2)
}

func TestRequiredCapabilitiesFilterCandidates(t *testing.T) {
	f := newFakeDispatcher()
	seedCatalog(f)
	info := f.models[gpt4]
	info.Capabilities = []string{"tools"}
	f.models[gpt4] = info
	f.responses[gpt4] = &model.Response{Message: model.Message{Role: model.RoleAssistant, Content: "ok"}, FinishReason: model.FinishStop}
	r := New(f)
	r.RegisterVirtualModel(VirtualModel{
		TenantID:        "t1",
		Name:            "cb:tools",
		Strategy:        StrategyCostOptimized,
		CandidateModels: []Candidate{gpt4, gpt35},
		Constraints:     Constraints{RequiredCapabilities: []string{"tools"}},
	})

	res, err := r.ChatCompletion(context.Background(), "t1", helloRequest("cb:tools"))
	require.NoError(t, err)
	require.Equal(t, "gpt-4", res.Info.Model)
}

func TestCancelledContextIsNotRetried(t *testing.T) {
	f := newFakeDispatcher()
	seedCatalog(f)
	ctx, cancel := context.WithCancel(context.Background())
	f.errs[gpt35] = []error{errors.New("dial interrupted")}
	f.errs[gpt4] = []error{errors.New("dial interrupted")}
	r := New(f)
	r.RegisterVirtualModel(costOptimalVM("t1"))
	cancel()

	_, err := r.ChatCompletion(ctx, "t1", helloRequest("cb:cost-optimal"))
	require.Equal(t, cberr.KindCancelled, cberr.KindOf(err))
}
