package rest

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/circuitbreaker/cb/agent"
	"github.com/circuitbreaker/cb/cberr"
	"github.com/circuitbreaker/cb/model"
	"github.com/circuitbreaker/cb/sse"
)

type (
	agentExecuteRequest struct {
		SessionID string `json:"session_id,omitempty"`
		UserID    string `json:"user_id,omitempty"`
		Message   string `json:"message"`
	}

	agentExecuteResponse struct {
		SessionID        string             `json:"session_id"`
		TurnID           string             `json:"turn_id"`
		AssistantMessage string             `json:"assistant_message"`
		FinishReason     string             `json:"finish_reason"`
		Model            string             `json:"model"`
		Usage            wireUsage          `json:"usage"`
		ToolCalls        []agent.ToolCallRecord   `json:"tool_calls,omitempty"`
		ToolResults      []agent.ToolResultRecord `json:"tool_results,omitempty"`
		CurrentState     string             `json:"current_state,omitempty"`
	}
)

func (s *Server) handleAgentExecute(w http.ResponseWriter, r *http.Request) {
	in, err := s.decodeAgentExecute(r)
	if err != nil {
		writeError(w, err)
		return
	}
	out, err := s.agents.ExecuteTurn(r.Context(), *in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agentExecuteResponseFrom(out))
}

func (s *Server) handleAgentExecuteStream(w http.ResponseWriter, r *http.Request) {
	in, err := s.decodeAgentExecute(r)
	if err != nil {
		writeError(w, err)
		return
	}

	sse.WriteHeaders(w)
	w.WriteHeader(http.StatusOK)
	em := sse.NewEmitter(w)

	in.Stream = func(c model.Chunk) error {
		payload := map[string]any{}
		if c.Content != "" {
			payload["delta"] = c.Content
		}
		if c.FinishReason != "" {
			payload["finish_reason"] = string(c.FinishReason)
		}
		if len(payload) == 0 {
			return nil
		}
		return em.WriteJSON(payload)
	}

	out, err := s.agents.ExecuteTurn(r.Context(), *in)
	if err != nil {
		body := errorBody{Code: "AgentError", Message: err.Error()}
		if e, ok := cberr.As(err); ok {
			body = errorBody{Code: e.Code(), Message: e.Message(), Type: string(e.Kind())}
		}
		_ = em.WriteJSON(errorEnvelope{Error: body})
		_ = em.WriteDone()
		return
	}
	_ = em.WriteJSON(agentExecuteResponseFrom(out))
	_ = em.WriteDone()
}

func (s *Server) decodeAgentExecute(r *http.Request) (*agent.ExecuteInput, error) {
	agentID := chi.URLParam(r, "agentID")
	if agentID == "" {
		return nil, cberr.New(cberr.KindValidation, "MissingAgent", "agent id is required")
	}
	var wire agentExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		return nil, cberr.Wrap(cberr.KindValidation, "MalformedBody", "request body is not valid JSON", err)
	}
	if wire.Message == "" {
		return nil, cberr.New(cberr.KindValidation, "MissingMessage", "message is required")
	}
	return &agent.ExecuteInput{
		TenantID:    tenantFrom(r.Context()),
		AgentID:     agentID,
		SessionID:   wire.SessionID,
		UserID:      wire.UserID,
		UserMessage: wire.Message,
	}, nil
}

func agentExecuteResponseFrom(out *agent.ExecuteOutput) agentExecuteResponse {
	return agentExecuteResponse{
		SessionID:        out.Session.ID,
		TurnID:           out.Turn.ID,
		AssistantMessage: out.Turn.AssistantMessage,
		FinishReason:     string(out.Turn.FinishReason),
		Model:            out.Turn.Model,
		Usage: wireUsage{
			PromptTokens:     out.Turn.Usage.PromptTokens,
			CompletionTokens: out.Turn.Usage.CompletionTokens,
			TotalTokens:      out.Turn.Usage.TotalTokens,
			EstimatedCost:    out.Turn.Cost,
		},
		ToolCalls:    out.Turn.ToolCalls,
		ToolResults:  out.Turn.ToolResults,
		CurrentState: out.Session.CurrentState,
	}
}
