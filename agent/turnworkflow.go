package agent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/circuitbreaker/cb/agent/durable"
	"github.com/circuitbreaker/cb/cberr"
	"github.com/circuitbreaker/cb/model"
	"github.com/circuitbreaker/cb/router"
)

// TurnWorkflowName is the durable workflow executing one agent turn.
const TurnWorkflowName = "agent.turn"

// Activity names. Each activity owns one kind of side effect so the
// workflow replay stays deterministic: prepare (session load, moderation,
// compaction, prompt build), route (one router submission), call_tool
// (one MCP invocation), complete (persistence and events).
const (
	activityPrepareTurn  = "agent.prepare_turn"
	activityRoute        = "agent.route"
	activityCallTool     = "agent.call_tool"
	activityCompleteTurn = "agent.complete_turn"
)

type (
	// preparedTurn is the prepare activity's output: everything the
	// workflow needs to run the routing loop.
	preparedTurn struct {
		Session  *Session               `json:"session"`
		Messages []model.Message        `json:"messages"`
		Tools    []model.ToolDefinition `json:"tools,omitempty"`
		Limits   Limits                 `json:"limits"`
	}

	routeInput struct {
		TenantID string        `json:"tenant_id"`
		Request  model.Request `json:"request"`
	}

	routeOutput struct {
		Response *model.Response        `json:"response"`
		Info     router.RoutingDecision `json:"info"`
	}

	callToolInput struct {
		TenantID     string          `json:"tenant_id"`
		MCPSessionID string          `json:"mcp_session_id"`
		ServerID     string          `json:"server_id"`
		Name         string          `json:"name"`
		Args         json.RawMessage `json:"args,omitempty"`
	}

	callToolOutput struct {
		Result  string `json:"result"`
		IsError bool   `json:"is_error"`
	}

	completeTurnInput struct {
		AgentID string   `json:"agent_id"`
		Session *Session `json:"session"`
		Turn    Turn     `json:"turn"`
	}

	completeTurnOutput struct {
		Session *Session `json:"session"`
	}
)

// RegisterTurnWorkflow registers the turn workflow and its activities on
// eng. Durable turn execution covers non-streaming turns (async agent
// execution, retries across process restarts); streaming turns run the
// cooperative path in ExecuteTurn since chunks cannot replay.
func (e *Engine) RegisterTurnWorkflow(ctx context.Context, eng durable.Engine, taskQueue string) error {
	transientRetry := durable.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Second, BackoffCoefficient: 2}

	activities := []durable.ActivityDefinition{
		{Name: activityPrepareTurn, Handler: e.prepareTurnActivity, Options: durable.ActivityOptions{Timeout: 30 * time.Second}},
		{Name: activityRoute, Handler: e.routeActivity, Options: durable.ActivityOptions{Timeout: 2 * time.Minute, RetryPolicy: transientRetry}},
		{Name: activityCallTool, Handler: e.callToolActivity, Options: durable.ActivityOptions{Timeout: time.Minute}},
		{Name: activityCompleteTurn, Handler: e.completeTurnActivity, Options: durable.ActivityOptions{Timeout: 30 * time.Second, RetryPolicy: transientRetry}},
	}
	for _, act := range activities {
		if err := eng.RegisterActivity(ctx, act); err != nil {
			return err
		}
	}
	return eng.RegisterWorkflow(ctx, durable.WorkflowDefinition{
		Name:      TurnWorkflowName,
		TaskQueue: taskQueue,
		Handler:   e.turnWorkflow,
	})
}

// StartDurableTurn launches a turn as a durable workflow and returns a
// handle the caller can wait on.
func (e *Engine) StartDurableTurn(ctx context.Context, eng durable.Engine, in ExecuteInput) (durable.WorkflowHandle, error) {
	if in.Stream != nil {
		return nil, cberr.New(cberr.KindValidation, "StreamingNotDurable", "agent: streaming turns use the cooperative path")
	}
	return eng.StartWorkflow(ctx, durable.WorkflowStartRequest{
		ID:       "turn-" + in.TenantID + "-" + in.AgentID + "-" + in.SessionID,
		Workflow: TurnWorkflowName,
		Input:    in,
	})
}

// turnWorkflow sequences the turn's activities deterministically: one
// prepare, then route/tool rounds up to the hop limit, then completion.
func (e *Engine) turnWorkflow(wf durable.WorkflowContext, input []byte) ([]byte, error) {
	var in ExecuteInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, err
	}
	ctx := wf.Context()

	var prep preparedTurn
	if err := wf.ExecuteActivity(ctx, durable.ActivityRequest{Name: activityPrepareTurn, Input: in}, &prep); err != nil {
		return nil, err
	}

	def, err := e.registry.Get(in.TenantID, in.AgentID)
	if err != nil {
		return nil, err
	}

	start := wf.Now()
	turn := Turn{
		ID:          "turn_" + wf.WorkflowID() + "_" + wf.RunID(),
		Timestamp:   start,
		UserMessage: in.UserMessage,
	}

	var (
		messages = prep.Messages
		usage    model.TokenUsage
		cost     float64
		used     string
		content  string
		finish   model.FinishReason
	)

	for hop := 0; ; hop++ {
		var routed routeOutput
		err := wf.ExecuteActivity(ctx, durable.ActivityRequest{
			Name: activityRoute,
			Input: routeInput{
				TenantID: in.TenantID,
				Request: model.Request{
					Model:       def.VirtualModel,
					Messages:    messages,
					Temperature: def.Sampling.Temperature,
					TopP:        def.Sampling.TopP,
					MaxTokens:   def.Sampling.MaxTokens,
					Stop:        def.Sampling.Stop,
					Tools:       prep.Tools,
				},
			},
		}, &routed)
		if err != nil {
			return nil, err
		}
		usage = sumUsage(usage, routed.Response.Usage)
		cost += routed.Info.EstimatedCost
		used = routed.Info.Model
		content += routed.Response.Message.Content
		finish = routed.Response.FinishReason

		if finish != model.FinishToolCalls || len(routed.Response.Message.ToolCalls) == 0 {
			break
		}
		if hop+1 >= prep.Limits.MaxToolHops {
			finish = model.FinishToolCallLimit
			break
		}

		calls := routed.Response.Message.ToolCalls
		messages = append(messages, model.Message{
			Role:      model.RoleAssistant,
			Content:   routed.Response.Message.Content,
			ToolCalls: calls,
		})
		for _, call := range calls {
			serverID := e.serverFor(def, call.Name)
			turn.ToolCalls = append(turn.ToolCalls, ToolCallRecord{
				ID: call.ID, Name: call.Name, ServerID: serverID, Arguments: string(call.Arguments),
			})
			var result callToolOutput
			if serverID == "" {
				result = callToolOutput{Result: errorResult("tool is not bound to this agent: " + call.Name), IsError: true}
			} else if err := wf.ExecuteActivity(ctx, durable.ActivityRequest{
				Name: activityCallTool,
				Input: callToolInput{
					TenantID:     in.TenantID,
					MCPSessionID: def.MCPSessionID,
					ServerID:     serverID,
					Name:         call.Name,
					Args:         call.Arguments,
				},
			}, &result); err != nil {
				// Tool failures are observations for the model, not
				// workflow failures.
				result = callToolOutput{Result: errorResult(err.Error()), IsError: true}
			}
			turn.ToolResults = append(turn.ToolResults, ToolResultRecord{
				ToolCallID: call.ID, Result: result.Result, IsError: result.IsError,
			})
			messages = append(messages, model.Message{
				Role: model.RoleTool, Content: result.Result, ToolCallID: call.ID,
			})
		}
	}

	turn.AssistantMessage = content
	turn.Usage = usage
	turn.Cost = cost
	turn.Model = used
	turn.FinishReason = finish
	turn.LatencyMs = wf.Now().Sub(start).Milliseconds()

	var completed completeTurnOutput
	if err := wf.ExecuteActivity(ctx, durable.ActivityRequest{
		Name:  activityCompleteTurn,
		Input: completeTurnInput{AgentID: in.AgentID, Session: prep.Session, Turn: turn},
	}, &completed); err != nil {
		return nil, err
	}

	return json.Marshal(ExecuteOutput{Turn: turn, Session: completed.Session})
}

func (e *Engine) prepareTurnActivity(ctx context.Context, input []byte) ([]byte, error) {
	var in ExecuteInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, err
	}
	def, err := e.registry.Get(in.TenantID, in.AgentID)
	if err != nil {
		return nil, err
	}
	limits := def.Limits.WithDefaults()

	session, err := e.loadOrCreateSession(ctx, def, in)
	if err != nil {
		return nil, err
	}
	if session.Status == StatusEnded {
		return nil, cberr.New(cberr.KindInvalidTransition, "SessionEnded", "agent: session has ended")
	}
	if limits.MaxTurns > 0 && session.TurnCount() >= limits.MaxTurns {
		session.Status = StatusEnded
		if err := e.saveSession(ctx, session); err != nil {
			e.tel.Log.Warn(ctx, "failed to persist turn-capped session", "sessionId", session.ID, "err", err)
		}
		return nil, cberr.New(cberr.KindRateLimit, "TurnLimitExceeded", "agent: session reached its turn cap")
	}
	if err := e.mod.check(ctx, def, in.UserMessage); err != nil {
		return nil, err
	}
	if e.needsCompaction(def, session, limits) {
		if err := e.summarize(ctx, def, session); err != nil {
			e.tel.Log.Warn(ctx, "summarization failed, proceeding with full history",
				"sessionId", session.ID, "err", err)
		}
	}

	return json.Marshal(preparedTurn{
		Session:  session,
		Messages: e.buildPrompt(def, session, in.UserMessage),
		Tools:    e.toolDefinitions(ctx, def),
		Limits:   limits,
	})
}

func (e *Engine) routeActivity(ctx context.Context, input []byte) ([]byte, error) {
	var in routeInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, err
	}
	res, err := e.routerC.ChatCompletion(ctx, in.TenantID, &in.Request)
	if err != nil {
		return nil, err
	}
	return json.Marshal(routeOutput{Response: res.Response, Info: res.Info})
}

func (e *Engine) callToolActivity(ctx context.Context, input []byte) ([]byte, error) {
	var in callToolInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, err
	}
	payload, err := e.tools.CallTool(ctx, in.TenantID, in.MCPSessionID, in.ServerID, in.Name, in.Args)
	if err != nil {
		return json.Marshal(callToolOutput{Result: errorResult(err.Error()), IsError: true})
	}
	return json.Marshal(callToolOutput{Result: string(payload)})
}

func (e *Engine) completeTurnActivity(ctx context.Context, input []byte) ([]byte, error) {
	var in completeTurnInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, err
	}
	def, err := e.registry.Get(in.Session.TenantID, in.AgentID)
	if err != nil {
		return nil, err
	}
	session := in.Session
	turn := in.Turn
	if def.Kind == KindStateMachine {
		e.advanceState(ctx, def, session, &turn)
	}
	session.Status = StatusActive
	session.AppendTurn(turn)
	if err := e.saveSessionWithRetry(ctx, session, turn); err != nil {
		return nil, err
	}
	e.emitTurnCompleted(ctx, def, session, turn)
	return json.Marshal(completeTurnOutput{Session: session})
}
