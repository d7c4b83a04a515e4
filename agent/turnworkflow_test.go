package agent

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/circuitbreaker/cb/agent/durable/inmem"
	"github.com/circuitbreaker/cb/eventlog"
	"github.com/circuitbreaker/cb/mcp"
	"github.com/circuitbreaker/cb/model"
	"github.com/circuitbreaker/cb/telemetry"
)

func TestDurableTurnWorkflowRunsEndToEnd(t *testing.T) {
	ctx := context.Background()
	toolCall := model.ToolCall{ID: "tc1", Name: "lookup", Arguments: json.RawMessage(`{"q":"x"}`)}
	rc := &scriptedRouter{responses: []*model.Response{
		{
			Message:      model.Message{Role: model.RoleAssistant, ToolCalls: []model.ToolCall{toolCall}},
			Usage:        model.TokenUsage{TotalTokens: 15},
			FinishReason: model.FinishToolCalls,
		},
		{
			Message:      model.Message{Role: model.RoleAssistant, Content: "looked it up"},
			Usage:        model.TokenUsage{TotalTokens: 20},
			FinishReason: model.FinishStop,
		},
	}}
	tools := &fakeTools{
		results: map[string]string{"lookup": `{"answer":42}`},
		tools:   []mcp.ToolDef{{Name: "lookup"}},
	}
	e, registry := testEngine(t, rc, tools)
	def := chatAgent(t, registry, func(d *Definition) {
		d.Tools = []ToolBinding{{ServerID: "srv1", Name: "lookup"}}
	})

	eng := inmem.New(telemetry.NewNoop())
	require.NoError(t, e.RegisterTurnWorkflow(ctx, eng, "agents"))

	handle, err := e.StartDurableTurn(ctx, eng, ExecuteInput{
		TenantID: "t1", AgentID: def.ID, SessionID: "sess_durable", UserMessage: "look up x",
	})
	require.NoError(t, err)

	var out ExecuteOutput
	require.NoError(t, handle.Wait(ctx, &out))
	require.Equal(t, "looked it up", out.Turn.AssistantMessage)
	require.Equal(t, 35, out.Turn.Usage.TotalTokens)
	require.Equal(t, []string{"lookup"}, tools.calls)

	// The completed turn persisted through the session store.
	session, err := e.GetSession(ctx, "t1", "sess_durable")
	require.NoError(t, err)
	require.Len(t, session.Turns, 1)
	require.Equal(t, 35, session.TotalTokens)
}

func TestDurableTurnRejectsStreaming(t *testing.T) {
	e, registry := testEngine(t, &scriptedRouter{}, &fakeTools{})
	def := chatAgent(t, registry, nil)
	eng := inmem.New(telemetry.NewNoop())
	require.NoError(t, e.RegisterTurnWorkflow(context.Background(), eng, "agents"))

	_, err := e.StartDurableTurn(context.Background(), eng, ExecuteInput{
		TenantID: "t1", AgentID: def.ID, UserMessage: "hi",
		Stream: func(model.Chunk) error { return nil },
	})
	require.Error(t, err)
}

func TestKVSessionStoreCASConflict(t *testing.T) {
	ctx := context.Background()
	store := NewKVSessionStore(eventlog.NewMemory())

	session := &Session{ID: "s1", TenantID: "t1", AgentID: "a1", Status: StatusActive}
	require.NoError(t, store.Save(ctx, session))

	stale := &Session{ID: "s1", TenantID: "t1", AgentID: "a1", Status: StatusActive, Revision: 0}
	// Unconditional create-or-put succeeds on zero revision; a stale
	// non-zero revision conflicts.
	stale.Revision = 999
	err := store.Save(ctx, stale)
	require.Error(t, err)
}
