package agent

import (
	"context"
	"strings"

	"github.com/circuitbreaker/cb/model"
)

// summarizationPrompt instructs the dedicated sub-request that compacts
// old history. It runs through the same router as regular turns so
// summaries respect the agent's virtual-model routing.
const summarizationPrompt = "Summarize the following conversation concisely, " +
	"preserving facts, decisions, open questions, and the user's goals. " +
	"Respond with the summary only."

// needsCompaction reports whether the retained history plus the
// completion budget would overflow the context window.
func (e *Engine) needsCompaction(def *Definition, session *Session, limits Limits) bool {
	if len(session.Turns) < 2 {
		return false
	}
	return session.approxTokens(def.SystemPrompt) > limits.ContextWindow-def.Sampling.MaxTokens
}

// summarize replaces the oldest half of the session's turns with one
// synthesized summary turn, preserving the suffix. An existing summary
// turn is folded into the new one.
func (e *Engine) summarize(ctx context.Context, def *Definition, session *Session) error {
	half := len(session.Turns) / 2
	if half == 0 {
		return nil
	}
	oldest := session.Turns[:half]
	suffix := session.Turns[half:]

	var transcript strings.Builder
	for _, t := range oldest {
		if t.Summary {
			transcript.WriteString("Earlier summary: ")
			transcript.WriteString(t.AssistantMessage)
			transcript.WriteString("\n")
			continue
		}
		transcript.WriteString("User: ")
		transcript.WriteString(t.UserMessage)
		transcript.WriteString("\nAssistant: ")
		transcript.WriteString(t.AssistantMessage)
		transcript.WriteString("\n")
	}

	res, err := e.routerC.ChatCompletion(ctx, def.TenantID, &model.Request{
		Model: def.VirtualModel,
		Messages: []model.Message{
			{Role: model.RoleSystem, Content: summarizationPrompt},
			{Role: model.RoleUser, Content: transcript.String()},
		},
		Temperature: 0,
		MaxTokens:   512,
	})
	if err != nil {
		return err
	}

	summaryTurn := Turn{
		ID:               "turn_summary_" + session.ID,
		Timestamp:        e.now(),
		AssistantMessage: res.Response.Message.Content,
		Usage:            res.Response.Usage,
		Cost:             res.Info.EstimatedCost,
		Model:            res.Info.Model,
		Summary:          true,
	}
	session.TotalTokens += res.Response.Usage.TotalTokens
	session.TotalCost += res.Info.EstimatedCost

	compacted := make([]Turn, 0, len(suffix)+1)
	compacted = append(compacted, summaryTurn)
	compacted = append(compacted, suffix...)
	session.Turns = compacted
	return nil
}
