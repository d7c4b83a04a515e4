package agent

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/circuitbreaker/cb/cberr"
	"github.com/circuitbreaker/cb/eventlog"
	"github.com/circuitbreaker/cb/mcp"
	"github.com/circuitbreaker/cb/model"
	"github.com/circuitbreaker/cb/router"
	"github.com/circuitbreaker/cb/telemetry"
	"github.com/circuitbreaker/cb/workflow"
)

// scriptedRouter returns canned responses in order, recording requests.
type scriptedRouter struct {
	mu        sync.Mutex
	responses []*model.Response
	requests  []*model.Request
	err       error
}

func (r *scriptedRouter) next() (*model.Response, error) {
	if r.err != nil {
		return nil, r.err
	}
	if len(r.responses) == 0 {
		return &model.Response{
			Message:      model.Message{Role: model.RoleAssistant, Content: "default"},
			Usage:        model.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
			FinishReason: model.FinishStop,
		}, nil
	}
	resp := r.responses[0]
	r.responses = r.responses[1:]
	return resp, nil
}

func (r *scriptedRouter) ChatCompletion(ctx context.Context, tenantID string, req *model.Request) (*router.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *req
	r.requests = append(r.requests, &copied)
	resp, err := r.next()
	if err != nil {
		return nil, err
	}
	return &router.Result{
		Response: resp,
		Info:     router.RoutingDecision{SelectedProvider: "openai", Model: "gpt-4", EstimatedCost: 0.001},
	}, nil
}

func (r *scriptedRouter) StreamChatCompletion(ctx context.Context, tenantID string, req *model.Request, send func(model.Chunk) error) (router.RoutingDecision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *req
	r.requests = append(r.requests, &copied)
	resp, err := r.next()
	if err != nil {
		return router.RoutingDecision{}, err
	}
	for _, word := range strings.SplitAfter(resp.Message.Content, " ") {
		if err := send(model.Chunk{Content: word}); err != nil {
			return router.RoutingDecision{}, err
		}
	}
	if err := send(model.Chunk{FinishReason: resp.FinishReason, ToolCalls: resp.Message.ToolCalls, UsageDelta: &resp.Usage}); err != nil {
		return router.RoutingDecision{}, err
	}
	return router.RoutingDecision{SelectedProvider: "openai", Model: "gpt-4", EstimatedCost: 0.001}, nil
}

// fakeTools implements ToolInvoker with canned results per tool.
type fakeTools struct {
	mu      sync.Mutex
	results map[string]string
	errs    map[string]error
	calls   []string
	tools   []mcp.ToolDef
}

func (f *fakeTools) CallTool(ctx context.Context, tenantID, sessionID, serverID, toolName string, args json.RawMessage) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, toolName)
	if err, ok := f.errs[toolName]; ok {
		return nil, err
	}
	if res, ok := f.results[toolName]; ok {
		return json.RawMessage(res), nil
	}
	return json.RawMessage(`{}`), nil
}

func (f *fakeTools) ListTools(ctx context.Context, tenantID, serverID string) ([]mcp.ToolDef, error) {
	return f.tools, nil
}

func testEngine(t *testing.T, rc RouterClient, tools ToolInvoker) (*Engine, *Registry) {
	t.Helper()
	registry := NewRegistry()
	store := NewKVSessionStore(eventlog.NewMemory())
	return NewEngine(registry, store, rc, tools, eventlog.NewMemory(), telemetry.NewNoop()), registry
}

func chatAgent(t *testing.T, registry *Registry, mutate func(*Definition)) *Definition {
	t.Helper()
	def := Definition{
		TenantID:     "t1",
		Name:         "helper",
		SystemPrompt: "You are a helpful assistant.",
		VirtualModel: "cb:smart-chat",
		Sampling:     Sampling{Temperature: 0.7, MaxTokens: 256},
	}
	if mutate != nil {
		mutate(&def)
	}
	registered, err := registry.Register(def)
	require.NoError(t, err)
	return registered
}

func TestExecuteTurnCreatesSessionAndPersistsTurn(t *testing.T) {
	ctx := context.Background()
	rc := &scriptedRouter{}
	e, registry := testEngine(t, rc, &fakeTools{})
	def := chatAgent(t, registry, nil)

	out, err := e.ExecuteTurn(ctx, ExecuteInput{
		TenantID: "t1", AgentID: def.ID, UserMessage: "hello there",
	})
	require.NoError(t, err)
	require.Equal(t, "default", out.Turn.AssistantMessage)
	require.Equal(t, model.FinishStop, out.Turn.FinishReason)
	require.Equal(t, 15, out.Session.TotalTokens)
	require.InDelta(t, 0.001, out.Session.TotalCost, 1e-9)

	// Session round-trips through the store with invariants intact.
	loaded, err := e.GetSession(ctx, "t1", out.Session.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Turns, 1)
	require.Equal(t, loaded.TotalTokens, loaded.Turns[0].Usage.TotalTokens)
}

func TestSessionTotalsAreSumOfTurns(t *testing.T) {
	ctx := context.Background()
	rc := &scriptedRouter{}
	e, registry := testEngine(t, rc, &fakeTools{})
	def := chatAgent(t, registry, nil)

	var sessionID string
	for i := 0; i < 3; i++ {
		out, err := e.ExecuteTurn(ctx, ExecuteInput{
			TenantID: "t1", AgentID: def.ID, SessionID: sessionID, UserMessage: "msg",
		})
		require.NoError(t, err)
		sessionID = out.Session.ID
	}

	session, err := e.GetSession(ctx, "t1", sessionID)
	require.NoError(t, err)
	var tokens int
	var cost float64
	for _, turn := range session.Turns {
		tokens += turn.Usage.TotalTokens
		cost += turn.Cost
	}
	require.Equal(t, tokens, session.TotalTokens)
	require.InDelta(t, cost, session.TotalCost, 1e-9)
}

func TestTurnCapEndsSession(t *testing.T) {
	ctx := context.Background()
	rc := &scriptedRouter{}
	e, registry := testEngine(t, rc, &fakeTools{})
	def := chatAgent(t, registry, func(d *Definition) { d.Limits.MaxTurns = 1 })

	out, err := e.ExecuteTurn(ctx, ExecuteInput{TenantID: "t1", AgentID: def.ID, UserMessage: "one"})
	require.NoError(t, err)

	_, err = e.ExecuteTurn(ctx, ExecuteInput{
		TenantID: "t1", AgentID: def.ID, SessionID: out.Session.ID, UserMessage: "two",
	})
	e2, ok := cberr.As(err)
	require.True(t, ok)
	require.Equal(t, "TurnLimitExceeded", e2.Code())

	session, err := e.GetSession(ctx, "t1", out.Session.ID)
	require.NoError(t, err)
	require.Equal(t, StatusEnded, session.Status)
}

func TestModerationBlocksTurn(t *testing.T) {
	ctx := context.Background()
	rc := &scriptedRouter{}
	e, registry := testEngine(t, rc, &fakeTools{})
	def := chatAgent(t, registry, func(d *Definition) {
		d.Moderation.BlockedPatterns = []string{`(?i)forbidden`}
	})

	_, err := e.ExecuteTurn(ctx, ExecuteInput{TenantID: "t1", AgentID: def.ID, UserMessage: "say the FORBIDDEN word"})
	require.Equal(t, cberr.KindValidation, cberr.KindOf(err))
	require.Empty(t, rc.requests, "blocked turns must not reach the router")
}

func TestToolCallLoop(t *testing.T) {
	ctx := context.Background()
	toolCall := model.ToolCall{ID: "tc1", Name: "read_file", Arguments: json.RawMessage(`{"path":"/x"}`)}
	rc := &scriptedRouter{responses: []*model.Response{
		{
			Message:      model.Message{Role: model.RoleAssistant, ToolCalls: []model.ToolCall{toolCall}},
			Usage:        model.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
			FinishReason: model.FinishToolCalls,
		},
		{
			Message:      model.Message{Role: model.RoleAssistant, Content: "file says hi"},
			Usage:        model.TokenUsage{PromptTokens: 20, CompletionTokens: 5, TotalTokens: 25},
			FinishReason: model.FinishStop,
		},
	}}
	tools := &fakeTools{
		results: map[string]string{"read_file": `{"contents":"hi"}`},
		tools:   []mcp.ToolDef{{Name: "read_file"}},
	}
	e, registry := testEngine(t, rc, tools)
	def := chatAgent(t, registry, func(d *Definition) {
		d.Tools = []ToolBinding{{ServerID: "srv1", Name: "read_file"}}
		d.MCPSessionID = "mcps_1"
	})

	out, err := e.ExecuteTurn(ctx, ExecuteInput{TenantID: "t1", AgentID: def.ID, UserMessage: "read /x"})
	require.NoError(t, err)
	require.Equal(t, "file says hi", out.Turn.AssistantMessage)
	require.Equal(t, []string{"read_file"}, tools.calls)
	require.Len(t, out.Turn.ToolCalls, 1)
	require.Len(t, out.Turn.ToolResults, 1)
	require.Equal(t, 40, out.Turn.Usage.TotalTokens)

	// The follow-up request carried the tool result as a role=tool
	// message.
	second := rc.requests[1]
	last := second.Messages[len(second.Messages)-1]
	require.Equal(t, model.RoleTool, last.Role)
	require.Equal(t, "tc1", last.ToolCallID)
}

func TestToolFailureIsObservationNotError(t *testing.T) {
	ctx := context.Background()
	toolCall := model.ToolCall{ID: "tc1", Name: "broken", Arguments: json.RawMessage(`{}`)}
	rc := &scriptedRouter{responses: []*model.Response{
		{
			Message:      model.Message{Role: model.RoleAssistant, ToolCalls: []model.ToolCall{toolCall}},
			FinishReason: model.FinishToolCalls,
		},
		{
			Message:      model.Message{Role: model.RoleAssistant, Content: "the tool failed, sorry"},
			FinishReason: model.FinishStop,
		},
	}}
	tools := &fakeTools{errs: map[string]error{"broken": cberr.New(cberr.KindProvider, "ToolFailed", "exploded")}}
	e, registry := testEngine(t, rc, tools)
	def := chatAgent(t, registry, func(d *Definition) {
		d.Tools = []ToolBinding{{ServerID: "srv1", Name: "broken"}}
	})

	out, err := e.ExecuteTurn(ctx, ExecuteInput{TenantID: "t1", AgentID: def.ID, UserMessage: "go"})
	require.NoError(t, err)
	require.True(t, out.Turn.ToolResults[0].IsError)
	require.Contains(t, out.Turn.ToolResults[0].Result, "error")
}

func TestToolHopLimitSetsFinishReason(t *testing.T) {
	ctx := context.Background()
	toolCall := model.ToolCall{ID: "tc", Name: "loop", Arguments: json.RawMessage(`{}`)}
	loop := &model.Response{
		Message:      model.Message{Role: model.RoleAssistant, Content: "partial ", ToolCalls: []model.ToolCall{toolCall}},
		FinishReason: model.FinishToolCalls,
	}
	rc := &scriptedRouter{responses: []*model.Response{loop, loop, loop, loop, loop}}
	e, registry := testEngine(t, rc, &fakeTools{results: map[string]string{"loop": `{}`}})
	def := chatAgent(t, registry, func(d *Definition) {
		d.Tools = []ToolBinding{{ServerID: "srv1", Name: "loop"}}
		d.Limits.MaxToolHops = 2
	})

	out, err := e.ExecuteTurn(ctx, ExecuteInput{TenantID: "t1", AgentID: def.ID, UserMessage: "go"})
	require.NoError(t, err)
	require.Equal(t, model.FinishToolCallLimit, out.Turn.FinishReason)
	require.NotEmpty(t, out.Turn.AssistantMessage)
}

func TestStreamingForwardsChunksAndBuffersContent(t *testing.T) {
	ctx := context.Background()
	rc := &scriptedRouter{responses: []*model.Response{{
		Message:      model.Message{Role: model.RoleAssistant, Content: "hello streaming world"},
		Usage:        model.TokenUsage{PromptTokens: 5, CompletionTokens: 3, TotalTokens: 8},
		FinishReason: model.FinishStop,
	}}}
	e, registry := testEngine(t, rc, &fakeTools{})
	def := chatAgent(t, registry, nil)

	var streamed strings.Builder
	out, err := e.ExecuteTurn(ctx, ExecuteInput{
		TenantID: "t1", AgentID: def.ID, UserMessage: "hi",
		Stream: func(c model.Chunk) error {
			streamed.WriteString(c.Content)
			return nil
		},
	})
	require.NoError(t, err)
	require.Equal(t, "hello streaming world", out.Turn.AssistantMessage)
	require.Equal(t, out.Turn.AssistantMessage, streamed.String())
}

func TestSummarizationCompactsHistory(t *testing.T) {
	ctx := context.Background()
	rc := &scriptedRouter{}
	e, registry := testEngine(t, rc, &fakeTools{})
	def := chatAgent(t, registry, func(d *Definition) {
		d.Limits.ContextWindow = 300
		d.Sampling.MaxTokens = 128
	})

	big := strings.Repeat("lorem ipsum dolor sit amet ", 30)
	var sessionID string
	for i := 0; i < 4; i++ {
		rc.mu.Lock()
		rc.responses = append(rc.responses, &model.Response{
			Message:      model.Message{Role: model.RoleAssistant, Content: big},
			Usage:        model.TokenUsage{TotalTokens: 50},
			FinishReason: model.FinishStop,
		})
		rc.mu.Unlock()
		out, err := e.ExecuteTurn(ctx, ExecuteInput{
			TenantID: "t1", AgentID: def.ID, SessionID: sessionID, UserMessage: big,
		})
		require.NoError(t, err)
		sessionID = out.Session.ID
	}

	session, err := e.GetSession(ctx, "t1", sessionID)
	require.NoError(t, err)
	var summaries int
	for _, turn := range session.Turns {
		if turn.Summary {
			summaries++
		}
	}
	require.GreaterOrEqual(t, summaries, 1, "history should contain a synthesized summary turn")
}

func TestStateMachineAgentAdvancesState(t *testing.T) {
	ctx := context.Background()
	rc := &scriptedRouter{responses: []*model.Response{
		{Message: model.Message{Role: model.RoleAssistant, Content: "I still need your order number."}, FinishReason: model.FinishStop},
		{Message: model.Message{Role: model.RoleAssistant, Content: "RESOLVED: refund issued"}, FinishReason: model.FinishStop},
	}}
	e, registry := testEngine(t, rc, &fakeTools{})
	def := chatAgent(t, registry, func(d *Definition) {
		d.Kind = KindStateMachine
		d.States = &StateGraph{
			Initial: "triage",
			States: []StateNode{
				{Name: "triage"},
				{Name: "resolved", EntryPrompt: "The issue is resolved; only pleasantries remain."},
			},
			Transitions: []StateTransition{
				{From: "triage", To: "resolved", When: workflow.Contains("output", "RESOLVED")},
			},
		}
	})

	out, err := e.ExecuteTurn(ctx, ExecuteInput{TenantID: "t1", AgentID: def.ID, UserMessage: "my order broke"})
	require.NoError(t, err)
	require.Equal(t, "triage", out.Session.CurrentState)

	out, err = e.ExecuteTurn(ctx, ExecuteInput{
		TenantID: "t1", AgentID: def.ID, SessionID: out.Session.ID, UserMessage: "order 12345",
	})
	require.NoError(t, err)
	require.Equal(t, "resolved", out.Session.CurrentState)
}

func TestIdleSweepMarksAndReaps(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	rc := &scriptedRouter{}
	registry := NewRegistry()
	store := NewKVSessionStore(eventlog.NewMemory())
	e := NewEngine(registry, store, rc, &fakeTools{}, nil, telemetry.NewNoop(),
		WithEngineClock(func() time.Time { return now }))
	def := chatAgent(t, registry, func(d *Definition) { d.Limits.IdleTimeout = 10 * time.Minute })

	out, err := e.ExecuteTurn(ctx, ExecuteInput{TenantID: "t1", AgentID: def.ID, UserMessage: "hi"})
	require.NoError(t, err)

	now = now.Add(11 * time.Minute)
	require.NoError(t, e.SweepIdleSessions(ctx, "t1", time.Hour))
	session, err := e.GetSession(ctx, "t1", out.Session.ID)
	require.NoError(t, err)
	require.Equal(t, StatusIdle, session.Status)

	now = now.Add(2 * time.Hour)
	require.NoError(t, e.SweepIdleSessions(ctx, "t1", time.Hour))
	session, err = e.GetSession(ctx, "t1", out.Session.ID)
	require.NoError(t, err)
	require.Equal(t, StatusEnded, session.Status)
}

func TestUnboundToolSurfacesAsErrorResult(t *testing.T) {
	ctx := context.Background()
	toolCall := model.ToolCall{ID: "tc1", Name: "unbound", Arguments: json.RawMessage(`{}`)}
	rc := &scriptedRouter{responses: []*model.Response{
		{Message: model.Message{Role: model.RoleAssistant, ToolCalls: []model.ToolCall{toolCall}}, FinishReason: model.FinishToolCalls},
		{Message: model.Message{Role: model.RoleAssistant, Content: "done"}, FinishReason: model.FinishStop},
	}}
	tools := &fakeTools{}
	e, registry := testEngine(t, rc, tools)
	def := chatAgent(t, registry, nil)

	out, err := e.ExecuteTurn(ctx, ExecuteInput{TenantID: "t1", AgentID: def.ID, UserMessage: "go"})
	require.NoError(t, err)
	require.True(t, out.Turn.ToolResults[0].IsError)
	require.Empty(t, tools.calls, "unbound tools are never dispatched")
}
