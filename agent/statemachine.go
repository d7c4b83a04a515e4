package agent

import (
	"context"

	"github.com/circuitbreaker/cb/workflow"
)

// advanceState evaluates the state graph's transition predicates against
// the completed turn and moves the session to the first matching
// transition's target state. Predicates see the turn under "output"
// (assistant text), "state" (current state name), and "toolCalls" (count
// of tool invocations this turn).
func (e *Engine) advanceState(ctx context.Context, def *Definition, session *Session, turn *Turn) {
	if def.States == nil {
		return
	}
	doc := map[string]any{
		"output":    turn.AssistantMessage,
		"state":     session.CurrentState,
		"toolCalls": len(turn.ToolCalls),
		"finish":    string(turn.FinishReason),
	}
	for _, tr := range def.States.Transitions {
		if tr.From != session.CurrentState {
			continue
		}
		res := workflow.Evaluate(ctx, tr.When, doc)
		if res.Passed {
			e.tel.Log.Info(ctx, "agent state transition",
				"sessionId", session.ID, "from", tr.From, "to", tr.To, "reason", res.Reason)
			session.CurrentState = tr.To
			return
		}
	}
}
