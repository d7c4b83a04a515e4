package rest

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/circuitbreaker/cb/cberr"
	"github.com/circuitbreaker/cb/model"
	"github.com/circuitbreaker/cb/router"
	"github.com/circuitbreaker/cb/sse"
)

// OpenAI-compatible wire types for POST /v1/chat/completions.

type (
	wireMessage struct {
		Role       string         `json:"role"`
		Content    string         `json:"content"`
		Name       string         `json:"name,omitempty"`
		ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
		ToolCallID string         `json:"tool_call_id,omitempty"`
	}

	wireToolCall struct {
		ID       string           `json:"id"`
		Type     string           `json:"type"`
		Function wireToolFunction `json:"function"`
	}

	wireToolFunction struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	}

	wireTool struct {
		Type     string       `json:"type"`
		Function wireFunction `json:"function"`
	}

	wireFunction struct {
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
		Parameters  any    `json:"parameters,omitempty"`
	}

	// circuitBreakerExt is the vendor extension carrying per-request
	// routing overrides.
	circuitBreakerExt struct {
		RoutingStrategy   string   `json:"routing_strategy,omitempty"`
		MaxCostPer1k      float64  `json:"max_cost_per_1k_tokens,omitempty"`
		TaskType          string   `json:"task_type,omitempty"`
		FallbackModels    []string `json:"fallback_models,omitempty"`
		MaxLatencyMs      int      `json:"max_latency_ms,omitempty"`
		BudgetConstraint  float64  `json:"budget_constraint,omitempty"`
	}

	chatRequest struct {
		Model            string             `json:"model"`
		Messages         []wireMessage      `json:"messages"`
		Temperature      *float32           `json:"temperature,omitempty"`
		MaxTokens        int                `json:"max_tokens,omitempty"`
		TopP             float32            `json:"top_p,omitempty"`
		FrequencyPenalty float32            `json:"frequency_penalty,omitempty"`
		PresencePenalty  float32            `json:"presence_penalty,omitempty"`
		Stop             []string           `json:"stop,omitempty"`
		Stream           bool               `json:"stream,omitempty"`
		Tools            []wireTool         `json:"tools,omitempty"`
		ToolChoice       json.RawMessage    `json:"tool_choice,omitempty"`
		CircuitBreaker   *circuitBreakerExt `json:"circuit_breaker,omitempty"`
	}

	wireUsage struct {
		PromptTokens     int     `json:"prompt_tokens"`
		CompletionTokens int     `json:"completion_tokens"`
		TotalTokens      int     `json:"total_tokens"`
		EstimatedCost    float64 `json:"estimated_cost"`
	}

	wireRoutingInfo struct {
		SelectedProvider string `json:"selected_provider"`
		RoutingStrategy  string `json:"routing_strategy,omitempty"`
		LatencyMs        int64  `json:"latency_ms"`
		RetryCount       int    `json:"retry_count"`
		FallbackUsed     bool   `json:"fallback_used"`
	}

	chatChoice struct {
		Index        int         `json:"index"`
		Message      wireMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	}

	chatResponse struct {
		ID          string          `json:"id"`
		Object      string          `json:"object"`
		Created     int64           `json:"created"`
		Model       string          `json:"model"`
		Choices     []chatChoice    `json:"choices"`
		Usage       wireUsage       `json:"usage"`
		Provider    string          `json:"provider,omitempty"`
		RoutingInfo wireRoutingInfo `json:"routing_info"`
	}

	chunkDelta struct {
		Role      string         `json:"role,omitempty"`
		Content   string         `json:"content,omitempty"`
		ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
	}

	chunkChoice struct {
		Index        int        `json:"index"`
		Delta        chunkDelta `json:"delta"`
		FinishReason *string    `json:"finish_reason,omitempty"`
	}

	chatChunk struct {
		ID                string        `json:"id"`
		Object            string        `json:"object"`
		Created           int64         `json:"created"`
		Model             string        `json:"model"`
		Choices           []chunkChoice `json:"choices"`
		SystemFingerprint string        `json:"system_fingerprint,omitempty"`
	}
)

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFrom(r.Context())

	var wire chatRequest
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		writeError(w, cberr.Wrap(cberr.KindValidation, "MalformedBody", "request body is not valid JSON", err))
		return
	}
	req, vm, err := wire.toCanonical(tenantID)
	if err != nil {
		writeError(w, err)
		return
	}

	if wire.Stream {
		s.streamChat(w, r, tenantID, req, vm)
		return
	}

	var result *router.Result
	if vm != nil {
		result, err = s.chat.ChatCompletionWith(r.Context(), tenantID, *vm, req)
	} else {
		result, err = s.chat.ChatCompletion(r.Context(), tenantID, req)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   result.Info.Model,
		Choices: []chatChoice{{
			Index:        0,
			Message:      fromCanonicalMessage(result.Response.Message),
			FinishReason: string(result.Response.FinishReason),
		}},
		Usage: wireUsage{
			PromptTokens:     result.Response.Usage.PromptTokens,
			CompletionTokens: result.Response.Usage.CompletionTokens,
			TotalTokens:      result.Response.Usage.TotalTokens,
			EstimatedCost:    result.Info.EstimatedCost,
		},
		Provider: result.Info.SelectedProvider,
		RoutingInfo: wireRoutingInfo{
			SelectedProvider: result.Info.SelectedProvider,
			RoutingStrategy:  string(result.Info.Strategy),
			LatencyMs:        result.Info.LatencyMs,
			RetryCount:       result.Info.Attempts - 1,
			FallbackUsed:     result.Info.FallbackUsed,
		},
	})
}

// streamChat emits the SSE response through the streaming fabric's
// bounded pipe: the router produces into the pipe (suspending while the
// client drains), the emitter pumps events out with keepalive
// heartbeats. Errors after the first chunk are
// framed as a terminal error event before [DONE] rather than an abrupt
// close.
func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, tenantID string, req *model.Request, vm *router.VirtualModel) {
	sse.WriteHeaders(w)
	w.WriteHeader(http.StatusOK)
	em := sse.NewEmitter(w)

	id := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()
	pipe := sse.NewPipe(64)

	go func() {
		send := func(c model.Chunk) error {
			choice := chunkChoice{Delta: chunkDelta{
				Role:      c.Role,
				Content:   c.Content,
				ToolCalls: fromCanonicalToolCalls(c.ToolCalls),
			}}
			if c.FinishReason != "" {
				reason := string(c.FinishReason)
				choice.FinishReason = &reason
			}
			payload, err := json.Marshal(chatChunk{
				ID:      id,
				Object:  "chat.completion.chunk",
				Created: created,
				Model:   req.Model,
				Choices: []chunkChoice{choice},
			})
			if err != nil {
				return err
			}
			return pipe.Send(r.Context(), sse.Event{Data: string(payload)})
		}

		var err error
		if vm != nil {
			_, err = s.chat.StreamChatCompletionWith(r.Context(), tenantID, *vm, req, send)
		} else {
			_, err = s.chat.StreamChatCompletion(r.Context(), tenantID, req, send)
		}
		pipe.Close(err)
	}()

	if err := em.Pump(r.Context(), pipe.Events(), s.hbPeriod); err != nil {
		// Client went away; the producer unwinds via the request context.
		return
	}
	if err := pipe.Err(); err != nil {
		s.tel.Log.Warn(r.Context(), "stream ended with error", "tenantId", tenantID, "err", err)
		body := errorBody{Code: "StreamError", Message: err.Error()}
		if e, ok := cberr.As(err); ok {
			body = errorBody{Code: e.Code(), Message: e.Message(), Type: string(e.Kind())}
		}
		_ = em.WriteJSON(errorEnvelope{Error: body})
	}
	_ = em.WriteDone()
}

// toCanonical converts the wire request, returning an inline virtual
// model when the circuit_breaker extension asks for routing overrides.
func (c *chatRequest) toCanonical(tenantID string) (*model.Request, *router.VirtualModel, error) {
	if c.Model == "" {
		return nil, nil, cberr.New(cberr.KindValidation, "MissingModel", "model is required")
	}
	if len(c.Messages) == 0 {
		return nil, nil, cberr.New(cberr.KindValidation, "MissingMessages", "messages must not be empty")
	}

	req := &model.Request{
		Model:            c.Model,
		MaxTokens:        c.MaxTokens,
		TopP:             c.TopP,
		FrequencyPenalty: c.FrequencyPenalty,
		PresencePenalty:  c.PresencePenalty,
		Stop:             c.Stop,
		Stream:           c.Stream,
	}
	if c.Temperature != nil {
		req.Temperature = *c.Temperature
	}
	for _, m := range c.Messages {
		msg := model.Message{
			Role:       model.Role(m.Role),
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, model.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: json.RawMessage(tc.Function.Arguments),
			})
		}
		req.Messages = append(req.Messages, msg)
	}
	for _, t := range c.Tools {
		req.Tools = append(req.Tools, model.ToolDefinition{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}
	if len(c.ToolChoice) > 0 {
		req.ToolChoice = parseToolChoice(c.ToolChoice)
	}

	if c.CircuitBreaker == nil {
		return req, nil, nil
	}

	ext := c.CircuitBreaker
	vm := router.VirtualModel{
		TenantID: tenantID,
		Name:     c.Model,
		Strategy: router.Strategy(ext.RoutingStrategy),
		Constraints: router.Constraints{
			MaxCostPer1kTokens: ext.MaxCostPer1k,
			MaxLatencyMs:       ext.MaxLatencyMs,
		},
	}
	primary, err := router.ParseCandidate(c.Model)
	if err != nil {
		return nil, nil, err
	}
	vm.CandidateModels = []router.Candidate{primary}
	for _, name := range ext.FallbackModels {
		cand, err := router.ParseCandidate(name)
		if err != nil {
			return nil, nil, err
		}
		vm.FallbackChain = append(vm.FallbackChain, cand)
	}
	if vm.Strategy == "" {
		vm.Strategy = router.StrategyCostOptimized
	}
	return req, &vm, nil
}

func parseToolChoice(raw json.RawMessage) *model.ToolChoice {
	var mode string
	if err := json.Unmarshal(raw, &mode); err == nil {
		return &model.ToolChoice{Mode: model.ToolChoiceMode(mode)}
	}
	var named struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &named); err == nil && named.Function.Name != "" {
		return &model.ToolChoice{Mode: model.ToolChoiceTool, Name: named.Function.Name}
	}
	return nil
}

func fromCanonicalMessage(m model.Message) wireMessage {
	return wireMessage{
		Role:       string(m.Role),
		Content:    m.Content,
		Name:       m.Name,
		ToolCalls:  fromCanonicalToolCalls(m.ToolCalls),
		ToolCallID: m.ToolCallID,
	}
}

func fromCanonicalToolCalls(calls []model.ToolCall) []wireToolCall {
	out := make([]wireToolCall, 0, len(calls))
	for _, c := range calls {
		out = append(out, wireToolCall{
			ID:   c.ID,
			Type: "function",
			Function: wireToolFunction{
				Name:      c.Name,
				Arguments: string(c.Arguments),
			},
		})
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	type wireModel struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	var models []wireModel
	for _, providerID := range s.catalog.ProviderIDs() {
		infos, err := s.catalog.ListModels(r.Context(), providerID)
		if err != nil {
			s.tel.Log.Warn(r.Context(), "model listing failed", "provider", providerID, "err", err)
			continue
		}
		for _, info := range infos {
			models = append(models, wireModel{ID: providerID + "/" + info.ID, Object: "model", OwnedBy: providerID})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": models})
}

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	// Embeddings are part of the published surface but no provider
	// adapter exposes an embeddings client yet.
	writeJSON(w, http.StatusNotImplemented, errorEnvelope{Error: errorBody{
		Code:    "NotImplemented",
		Message: "embeddings are not available on this deployment",
	}})
}
