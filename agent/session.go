package agent

import (
	"time"

	"github.com/circuitbreaker/cb/cberr"
	"github.com/circuitbreaker/cb/model"
)

// Status is an agent session's lifecycle state.
type Status string

const (
	StatusActive Status = "active"
	StatusIdle   Status = "idle"
	StatusEnded  Status = "ended"
)

type (
	// ToolCallRecord captures one tool invocation within a turn.
	ToolCallRecord struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		ServerID  string `json:"server_id,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	}

	// ToolResultRecord captures one tool result within a turn. Failures
	// are observations, not turn-level errors, so they serialize into the
	// result field.
	ToolResultRecord struct {
		ToolCallID string `json:"tool_call_id"`
		Result     string `json:"result"`
		IsError    bool   `json:"is_error,omitempty"`
	}

	// Turn is one immutable request/response cycle of a session.
	Turn struct {
		ID               string             `json:"id"`
		Timestamp        time.Time          `json:"timestamp"`
		UserMessage      string             `json:"user_message"`
		AssistantMessage string             `json:"assistant_message"`
		ToolCalls        []ToolCallRecord   `json:"tool_calls,omitempty"`
		ToolResults      []ToolResultRecord `json:"tool_results,omitempty"`
		Usage            model.TokenUsage   `json:"usage"`
		LatencyMs        int64              `json:"latency_ms"`
		Model            string             `json:"model"`
		Cost             float64            `json:"cost"`
		FinishReason     model.FinishReason `json:"finish_reason,omitempty"`
		// Summary marks synthesized summary turns produced by context
		// compaction; their UserMessage is empty and AssistantMessage
		// holds the summary text.
		Summary bool `json:"summary,omitempty"`
	}

	// Session is an agent's conversation bound to one user and tenant.
	// History is append-only; summarization replaces a prefix of turns
	// with a single summary turn while preserving the suffix.
	Session struct {
		ID           string    `json:"id"`
		AgentID      string    `json:"agent_id"`
		TenantID     string    `json:"tenant_id"`
		UserID       string    `json:"user_id,omitempty"`
		Turns        []Turn    `json:"turns"`
		TotalTokens  int       `json:"total_tokens"`
		TotalCost    float64   `json:"total_cost"`
		Status       Status    `json:"status"`
		CurrentState string    `json:"current_state,omitempty"`
		CreatedAt    time.Time `json:"created_at"`
		LastActivity time.Time `json:"last_activity"`

		// Revision is the KV CAS revision backing optimistic writes. It
		// rides along in serialized form so durable activities resume
		// with the revision they loaded, but it is not part of the
		// session's logical state.
		Revision uint64 `json:"revision,omitempty"`
	}
)

// AppendTurn appends an immutable turn and folds its usage into the
// session totals.
func (s *Session) AppendTurn(t Turn) {
	s.Turns = append(s.Turns, t)
	s.TotalTokens += t.Usage.TotalTokens
	s.TotalCost += t.Cost
	s.LastActivity = t.Timestamp
}

// TurnCount returns the number of non-summary turns.
func (s *Session) TurnCount() int {
	n := 0
	for _, t := range s.Turns {
		if !t.Summary {
			n++
		}
	}
	return n
}

// approxTokens estimates the prompt token footprint of the session's
// retained history plus the system prompt, using the same
// chars-per-token heuristic as the router's admission estimate.
func (s *Session) approxTokens(systemPrompt string) int {
	chars := len(systemPrompt)
	for _, t := range s.Turns {
		chars += len(t.UserMessage) + len(t.AssistantMessage)
		for _, tr := range t.ToolResults {
			chars += len(tr.Result)
		}
	}
	return chars / 4
}

func errMissing(what string) error {
	return cberr.New(cberr.KindValidation, "MissingField", "agent: missing "+what)
}

func errInvalid(msg string) error {
	return cberr.New(cberr.KindValidation, "InvalidDefinition", "agent: "+msg)
}
