// Package agent implements the Agent Execution Engine: configured LLM
// personas whose turns route through the LLM router, invoke MCP tools
// mid-turn, and persist their sessions on the event-sourced log.
package agent

import (
	"time"

	"github.com/circuitbreaker/cb/workflow"
)

// Kind discriminates agent behavior: conversational agents only chat;
// state-machine agents additionally advance a declarative state graph
// between turns.
type Kind string

const (
	KindConversational Kind = "conversational"
	KindStateMachine   Kind = "state_machine"
)

type (
	// Sampling bundles the model sampling parameters configured per agent.
	Sampling struct {
		Temperature float32  `json:"temperature"`
		TopP        float32  `json:"top_p,omitempty"`
		MaxTokens   int      `json:"max_tokens,omitempty"`
		Stop        []string `json:"stop,omitempty"`
	}

	// ToolBinding names an MCP tool the agent may call, resolved lazily
	// against the server's capability cache at call time.
	ToolBinding struct {
		ServerID string `json:"server_id"`
		Name     string `json:"name"`
	}

	// Moderation configures content filters evaluated before each turn.
	// Filter hits reject the turn; escalation hits are logged and let the
	// turn proceed.
	Moderation struct {
		BlockedPatterns    []string `json:"blocked_patterns,omitempty"`
		EscalationPatterns []string `json:"escalation_patterns,omitempty"`
	}

	// Limits bounds a session's resource consumption.
	Limits struct {
		// MaxTurns caps turns per session; 0 means unlimited.
		MaxTurns int `json:"max_turns,omitempty"`
		// MaxToolHops caps tool-call round trips within one turn.
		MaxToolHops int `json:"max_tool_hops,omitempty"`
		// RecentTurns is how many trailing turns enter the prompt.
		RecentTurns int `json:"recent_turns,omitempty"`
		// ContextWindow is the token budget the prompt must fit within
		// (alongside MaxTokens for the completion).
		ContextWindow int `json:"context_window,omitempty"`
		// IdleTimeout moves a session active -> idle when exceeded.
		IdleTimeout time.Duration `json:"idle_timeout,omitempty"`
	}

	// StateNode is one state in a state-machine agent's graph.
	StateNode struct {
		Name string `json:"name"`
		// EntryPrompt is appended to the system prompt while the session
		// is in this state.
		EntryPrompt string `json:"entry_prompt,omitempty"`
	}

	// StateTransition advances the session's state when its predicate
	// passes against the turn's output. Predicates reuse the workflow
	// guard language; the evaluation document exposes the turn under
	// "output" (assistant text), "state" (current state name), and
	// "toolCalls" (count).
	StateTransition struct {
		From string         `json:"from"`
		To   string         `json:"to"`
		When workflow.Guard `json:"when"`
	}

	// StateGraph is a state-machine agent's behavior graph.
	StateGraph struct {
		Initial     string            `json:"initial"`
		States      []StateNode       `json:"states"`
		Transitions []StateTransition `json:"transitions"`
	}

	// Definition is an immutable agent configuration; new versions get
	// new ids.
	Definition struct {
		ID           string      `json:"id"`
		TenantID     string      `json:"tenant_id"`
		Name         string      `json:"name"`
		Kind         Kind        `json:"kind"`
		SystemPrompt string      `json:"system_prompt"`
		// UserTemplate optionally wraps the raw user message; the
		// placeholder {{message}} is substituted.
		UserTemplate string      `json:"user_template,omitempty"`
		// Personality and Safety are appended to the system prompt.
		Personality string       `json:"personality,omitempty"`
		Safety      string       `json:"safety,omitempty"`
		VirtualModel string      `json:"virtual_model"`
		Sampling     Sampling    `json:"sampling"`
		Capabilities []string    `json:"capabilities,omitempty"`
		Tools        []ToolBinding `json:"tools,omitempty"`
		// MCPSessionID is the authenticated MCP session used for the
		// agent's tool calls.
		MCPSessionID string      `json:"mcp_session_id,omitempty"`
		Moderation   Moderation  `json:"moderation,omitempty"`
		Limits       Limits      `json:"limits,omitempty"`
		// States is required for state-machine agents, nil otherwise.
		States *StateGraph      `json:"states,omitempty"`
		CreatedAt time.Time     `json:"created_at"`
	}
)

// Defaults applied when a Definition leaves limits unset.
const (
	DefaultMaxToolHops   = 4
	DefaultRecentTurns   = 5
	DefaultContextWindow = 8192
	DefaultIdleTimeout   = 1800 * time.Second
)

// WithDefaults returns the limits with zero fields replaced by defaults.
func (l Limits) WithDefaults() Limits {
	if l.MaxToolHops == 0 {
		l.MaxToolHops = DefaultMaxToolHops
	}
	if l.RecentTurns == 0 {
		l.RecentTurns = DefaultRecentTurns
	}
	if l.ContextWindow == 0 {
		l.ContextWindow = DefaultContextWindow
	}
	if l.IdleTimeout == 0 {
		l.IdleTimeout = DefaultIdleTimeout
	}
	return l
}

// Validate checks the definition's structural invariants.
func (d *Definition) Validate() error {
	if d.TenantID == "" {
		return errMissing("tenant id")
	}
	if d.Name == "" {
		return errMissing("name")
	}
	if d.VirtualModel == "" {
		return errMissing("virtual model")
	}
	if d.Kind == KindStateMachine {
		if d.States == nil || len(d.States.States) == 0 {
			return errMissing("state graph for state-machine agent")
		}
		names := map[string]bool{}
		for _, s := range d.States.States {
			names[s.Name] = true
		}
		if !names[d.States.Initial] {
			return errInvalid("initial state is not in the state graph")
		}
		for _, tr := range d.States.Transitions {
			if !names[tr.From] || !names[tr.To] {
				return errInvalid("transition references unknown state")
			}
		}
	}
	return nil
}
