package agent

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/circuitbreaker/cb/cberr"
	"github.com/circuitbreaker/cb/eventlog"
	"github.com/circuitbreaker/cb/mcp"
	"github.com/circuitbreaker/cb/model"
	"github.com/circuitbreaker/cb/router"
	"github.com/circuitbreaker/cb/telemetry"
)

type (
	// RouterClient is the slice of the LLM router the engine depends on.
	RouterClient interface {
		ChatCompletion(ctx context.Context, tenantID string, req *model.Request) (*router.Result, error)
		StreamChatCompletion(ctx context.Context, tenantID string, req *model.Request, send func(model.Chunk) error) (router.RoutingDecision, error)
	}

	// ToolInvoker is the slice of the MCP layer the engine depends on.
	ToolInvoker interface {
		CallTool(ctx context.Context, tenantID, sessionID, serverID, toolName string, args json.RawMessage) (json.RawMessage, error)
		ListTools(ctx context.Context, tenantID, serverID string) ([]mcp.ToolDef, error)
	}

	// ExecuteInput carries one turn request. It serializes onto the
	// durable workflow path, so everything but the stream callback is
	// plain data.
	ExecuteInput struct {
		TenantID    string `json:"tenant_id"`
		AgentID     string `json:"agent_id"`
		SessionID   string `json:"session_id,omitempty"`
		UserID      string `json:"user_id,omitempty"`
		UserMessage string `json:"user_message"`
		// Stream, when set, receives chunks as they arrive; the engine
		// still buffers the full assistant message for the session.
		// Streaming turns run the cooperative path only.
		Stream func(model.Chunk) error `json:"-"`
	}

	// ExecuteOutput is the completed turn plus the session state after it.
	ExecuteOutput struct {
		Turn    Turn
		Session *Session
	}

	// Engine runs agent turns: prompt assembly, context compaction,
	// router submission, the tool-call loop, and session persistence.
	Engine struct {
		registry *Registry
		store    SessionStore
		routerC  RouterClient
		tools    ToolInvoker
		log      eventlog.Log
		subjects eventlog.Subjects
		tel      telemetry.Handle
		mod      *moderator
		now      func() time.Time
	}

	// EngineOption configures an Engine.
	EngineOption func(*Engine)
)

// WithEngineClock overrides the time source for tests.
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine constructs an Engine. log may be nil when no event stream is
// wired (tests); everything else is required.
func NewEngine(registry *Registry, store SessionStore, rc RouterClient, tools ToolInvoker, log eventlog.Log, tel telemetry.Handle, opts ...EngineOption) *Engine {
	if tel.Log == nil {
		tel = telemetry.NewNoop()
	}
	e := &Engine{
		registry: registry,
		store:    store,
		routerC:  rc,
		tools:    tools,
		log:      log,
		tel:      tel,
		mod:      newModerator(tel),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecuteTurn runs one agent turn end to end. On cancellation mid-turn,
// partial assistant output is persisted as a truncated turn with a
// cancelled finish reason before the error is returned.
func (e *Engine) ExecuteTurn(ctx context.Context, in ExecuteInput) (*ExecuteOutput, error) {
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

	start := e.now()
	turn := Turn{
		ID:          "turn_" + uuid.NewString(),
		Timestamp:   start,
		UserMessage: in.UserMessage,
	}

	messages := e.buildPrompt(def, session, in.UserMessage)
	toolDefs := e.toolDefinitions(ctx, def)

	var (
		usage     model.TokenUsage
		cost      float64
		modelUsed string
		content   strings.Builder
		finish    model.FinishReason
		pending   []model.ToolCall
	)

	for hop := 0; ; hop++ {
		req := &model.Request{
			Model:       def.VirtualModel,
			Messages:    messages,
			Temperature: def.Sampling.Temperature,
			TopP:        def.Sampling.TopP,
			MaxTokens:   def.Sampling.MaxTokens,
			Stop:        def.Sampling.Stop,
			Tools:       toolDefs,
		}

		resp, info, err := e.submit(ctx, in, req)
		if err != nil {
			if cberr.Is(err, cberr.KindCancelled) || ctx.Err() != nil {
				e.persistCancelled(def, session, turn, content.String(), usage, cost, modelUsed, start)
			}
			return nil, err
		}
		usage = sumUsage(usage, resp.Usage)
		cost += info.EstimatedCost
		modelUsed = info.Model
		content.WriteString(resp.Message.Content)
		finish = resp.FinishReason

		if finish != model.FinishToolCalls || len(resp.Message.ToolCalls) == 0 {
			break
		}
		if hop+1 >= limits.MaxToolHops {
			finish = model.FinishToolCallLimit
			break
		}

		pending = resp.Message.ToolCalls
		messages = append(messages, model.Message{
			Role:      model.RoleAssistant,
			Content:   resp.Message.Content,
			ToolCalls: pending,
		})
		results := e.invokeTools(ctx, def, session, &turn, pending)
		messages = append(messages, results...)
		if ctx.Err() != nil {
			e.persistCancelled(def, session, turn, content.String(), usage, cost, modelUsed, start)
			return nil, cberr.Wrap(cberr.KindCancelled, "Cancelled", "agent: turn cancelled during tool calls", ctx.Err())
		}
	}

	turn.AssistantMessage = content.String()
	turn.Usage = usage
	turn.Cost = cost
	turn.Model = modelUsed
	turn.FinishReason = finish
	turn.LatencyMs = e.now().Sub(start).Milliseconds()

	if def.Kind == KindStateMachine {
		e.advanceState(ctx, def, session, &turn)
	}

	session.Status = StatusActive
	session.AppendTurn(turn)
	if err := e.saveSessionWithRetry(ctx, session, turn); err != nil {
		return nil, err
	}
	e.emitTurnCompleted(ctx, def, session, turn)

	return &ExecuteOutput{Turn: turn, Session: session}, nil
}

// submit routes one request, streaming when the caller asked for it. For
// streaming submissions the response is assembled from the buffered
// chunks so the tool loop and persistence see one uniform shape.
func (e *Engine) submit(ctx context.Context, in ExecuteInput, req *model.Request) (*model.Response, router.RoutingDecision, error) {
	if in.Stream == nil {
		res, err := e.routerC.ChatCompletion(ctx, in.TenantID, req)
		if err != nil {
			return nil, router.RoutingDecision{}, err
		}
		return res.Response, res.Info, nil
	}

	var (
		content   strings.Builder
		toolCalls []model.ToolCall
		role      string
		finish    model.FinishReason
		usage     model.TokenUsage
	)
	req.Stream = true
	info, err := e.routerC.StreamChatCompletion(ctx, in.TenantID, req, func(c model.Chunk) error {
		if c.Role != "" {
			role = c.Role
		}
		content.WriteString(c.Content)
		toolCalls = append(toolCalls, c.ToolCalls...)
		if c.FinishReason != "" {
			finish = c.FinishReason
		}
		if c.UsageDelta != nil {
			usage = *c.UsageDelta
		}
		return in.Stream(c)
	})
	if err != nil {
		return nil, router.RoutingDecision{}, err
	}
	if role == "" {
		role = string(model.RoleAssistant)
	}
	return &model.Response{
		Message:      model.Message{Role: model.Role(role), Content: content.String(), ToolCalls: toolCalls},
		Usage:        usage,
		FinishReason: finish,
	}, info, nil
}

// invokeTools executes each requested tool through the MCP layer and
// returns the role=tool messages to append. Failures become observations
// serialized into the result rather than aborting the turn.
func (e *Engine) invokeTools(ctx context.Context, def *Definition, session *Session, turn *Turn, calls []model.ToolCall) []model.Message {
	out := make([]model.Message, 0, len(calls))
	for _, call := range calls {
		turn.ToolCalls = append(turn.ToolCalls, ToolCallRecord{
			ID:        call.ID,
			Name:      call.Name,
			ServerID:  e.serverFor(def, call.Name),
			Arguments: string(call.Arguments),
		})

		var resultJSON string
		isErr := false
		serverID := e.serverFor(def, call.Name)
		if serverID == "" {
			resultJSON = errorResult("tool is not bound to this agent: " + call.Name)
			isErr = true
		} else {
			payload, err := e.tools.CallTool(ctx, def.TenantID, def.MCPSessionID, serverID, call.Name, call.Arguments)
			if err != nil {
				resultJSON = errorResult(err.Error())
				isErr = true
			} else {
				resultJSON = string(payload)
			}
		}

		turn.ToolResults = append(turn.ToolResults, ToolResultRecord{
			ToolCallID: call.ID,
			Result:     resultJSON,
			IsError:    isErr,
		})
		out = append(out, model.Message{
			Role:       model.RoleTool,
			Content:    resultJSON,
			ToolCallID: call.ID,
		})
	}
	return out
}

// serverFor resolves a tool name to the bound MCP server id, or "".
func (e *Engine) serverFor(def *Definition, toolName string) string {
	for _, b := range def.Tools {
		if b.Name == toolName {
			return b.ServerID
		}
	}
	return ""
}

// toolDefinitions assembles the model-facing tool declarations from the
// capability cache. Tools whose server cannot be reached are skipped with
// a log line; the turn proceeds without them.
func (e *Engine) toolDefinitions(ctx context.Context, def *Definition) []model.ToolDefinition {
	if len(def.Tools) == 0 || e.tools == nil {
		return nil
	}
	byServer := map[string][]string{}
	for _, b := range def.Tools {
		byServer[b.ServerID] = append(byServer[b.ServerID], b.Name)
	}
	var out []model.ToolDefinition
	for serverID, names := range byServer {
		available, err := e.tools.ListTools(ctx, def.TenantID, serverID)
		if err != nil {
			e.tel.Log.Warn(ctx, "tool listing failed", "serverId", serverID, "err", err)
			continue
		}
		wanted := map[string]bool{}
		for _, n := range names {
			wanted[n] = true
		}
		for _, t := range available {
			if !wanted[t.Name] {
				continue
			}
			var schema any
			if len(t.InputSchema) > 0 {
				_ = json.Unmarshal(t.InputSchema, &schema)
			}
			out = append(out, model.ToolDefinition{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: schema,
			})
		}
	}
	return out
}

// buildPrompt assembles the message list: system prompt (with
// personality, safety, and state-entry directives), the rolling summary
// if one exists, the trailing recent turns, and the templated new user
// message.
func (e *Engine) buildPrompt(def *Definition, session *Session, userMessage string) []model.Message {
	limits := def.Limits.WithDefaults()

	var sys strings.Builder
	sys.WriteString(def.SystemPrompt)
	if def.Personality != "" {
		sys.WriteString("\n\n")
		sys.WriteString(def.Personality)
	}
	if def.Safety != "" {
		sys.WriteString("\n\n")
		sys.WriteString(def.Safety)
	}
	if def.Kind == KindStateMachine && def.States != nil {
		for _, s := range def.States.States {
			if s.Name == session.CurrentState && s.EntryPrompt != "" {
				sys.WriteString("\n\n")
				sys.WriteString(s.EntryPrompt)
			}
		}
	}

	messages := []model.Message{{Role: model.RoleSystem, Content: sys.String()}}

	recent := make([]Turn, 0, limits.RecentTurns+1)
	for _, t := range session.Turns {
		if t.Summary {
			messages = append(messages, model.Message{
				Role:    model.RoleSystem,
				Content: "Summary of the earlier conversation:\n" + t.AssistantMessage,
			})
			continue
		}
		recent = append(recent, t)
	}
	if len(recent) > limits.RecentTurns {
		recent = recent[len(recent)-limits.RecentTurns:]
	}
	for _, t := range recent {
		messages = append(messages,
			model.Message{Role: model.RoleUser, Content: t.UserMessage},
			model.Message{Role: model.RoleAssistant, Content: t.AssistantMessage},
		)
	}

	if def.UserTemplate != "" {
		userMessage = strings.ReplaceAll(def.UserTemplate, "{{message}}", userMessage)
	}
	return append(messages, model.Message{Role: model.RoleUser, Content: userMessage})
}

func (e *Engine) loadOrCreateSession(ctx context.Context, def *Definition, in ExecuteInput) (*Session, error) {
	if in.SessionID != "" {
		session, err := e.store.Load(ctx, in.TenantID, in.SessionID)
		if err == nil {
			return session, nil
		}
		if !cberr.Is(err, cberr.KindNotFound) {
			return nil, err
		}
	}
	id := in.SessionID
	if id == "" {
		id = "sess_" + uuid.NewString()
	}
	session := &Session{
		ID:           id,
		AgentID:      def.ID,
		TenantID:     def.TenantID,
		UserID:       in.UserID,
		Status:       StatusActive,
		CreatedAt:    e.now(),
		LastActivity: e.now(),
	}
	if def.Kind == KindStateMachine && def.States != nil {
		session.CurrentState = def.States.Initial
	}
	return session, nil
}

func (e *Engine) saveSession(ctx context.Context, session *Session) error {
	return e.store.Save(ctx, session)
}

// saveSessionWithRetry retries CAS conflicts by reloading and re-applying
// the turn, bounded like every other read-modify-write in the system.
func (e *Engine) saveSessionWithRetry(ctx context.Context, session *Session, turn Turn) error {
	const retries = 5
	var err error
	for i := 0; i < retries; i++ {
		err = e.store.Save(ctx, session)
		if err == nil || !cberr.Is(err, cberr.KindConflict) {
			return err
		}
		reloaded, loadErr := e.store.Load(ctx, session.TenantID, session.ID)
		if loadErr != nil {
			return loadErr
		}
		reloaded.Status = session.Status
		reloaded.CurrentState = session.CurrentState
		reloaded.AppendTurn(turn)
		*session = *reloaded
	}
	return err
}

func (e *Engine) persistCancelled(def *Definition, session *Session, turn Turn, partial string, usage model.TokenUsage, cost float64, modelUsed string, start time.Time) {
	// The caller's context is already cancelled; persistence gets its own
	// short deadline so the truncated turn still lands.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	turn.AssistantMessage = partial
	turn.Usage = usage
	turn.Cost = cost
	turn.Model = modelUsed
	turn.FinishReason = model.FinishCancelled
	turn.LatencyMs = e.now().Sub(start).Milliseconds()
	session.AppendTurn(turn)
	if err := e.saveSessionWithRetry(ctx, session, turn); err != nil {
		e.tel.Log.Error(ctx, "failed to persist cancelled turn", "sessionId", session.ID, "err", err)
		return
	}
	e.emitTurnCompleted(ctx, def, session, turn)
}

func (e *Engine) emitTurnCompleted(ctx context.Context, def *Definition, session *Session, turn Turn) {
	if e.log == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"event":      "TurnCompleted",
		"tenant_id":  session.TenantID,
		"agent_id":   def.ID,
		"session_id": session.ID,
		"turn_id":    turn.ID,
		"finish":     turn.FinishReason,
		"usage":      turn.Usage,
		"cost":       turn.Cost,
	})
	if err != nil {
		return
	}
	subject := e.subjects.AgentExecute(session.TenantID, def.ID)
	headers := map[string]string{eventlog.IdempotencyHeader: turn.ID}
	if _, err := e.log.Append(ctx, subject, payload, headers); err != nil {
		e.tel.Log.Warn(ctx, "turn event append failed", "sessionId", session.ID, "err", err)
	}
}

func sumUsage(a, b model.TokenUsage) model.TokenUsage {
	return model.TokenUsage{
		PromptTokens:     a.PromptTokens + b.PromptTokens,
		CompletionTokens: a.CompletionTokens + b.CompletionTokens,
		TotalTokens:      a.TotalTokens + b.TotalTokens,
	}
}

func errorResult(msg string) string {
	raw, err := json.Marshal(map[string]string{"error": msg})
	if err != nil {
		return `{"error":"tool invocation failed"}`
	}
	return string(raw)
}
