package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateEquals(t *testing.T) {
	data := map[string]any{"wordCount": float64(2100), "status": "draft"}

	r := Evaluate(context.Background(), Equals("data.wordCount", 2100), data)
	assert.True(t, r.Passed, r.Reason)

	r = Evaluate(context.Background(), Equals("data.wordCount", 500), data)
	assert.False(t, r.Passed)

	r = Evaluate(context.Background(), Equals("data.status", "draft"), data)
	assert.True(t, r.Passed)
}

func TestEvaluateContains(t *testing.T) {
	data := map[string]any{"title": "quarterly report draft"}
	assert.True(t, Evaluate(context.Background(), Contains("data.title", "report"), data).Passed)
	assert.False(t, Evaluate(context.Background(), Contains("data.title", "invoice"), data).Passed)
}

func TestEvaluateAndOrNot(t *testing.T) {
	data := map[string]any{"wordCount": float64(2100), "approved": false}

	ctx := context.Background()
	and := And(Equals("data.wordCount", 2100), Not(Equals("data.approved", true)))
	assert.True(t, Evaluate(ctx, and, data).Passed)

	or := Or(Equals("data.wordCount", 1), Equals("data.wordCount", 2100))
	assert.True(t, Evaluate(ctx, or, data).Passed)

	notPassed := Not(Equals("data.wordCount", 2100))
	assert.False(t, Evaluate(ctx, notPassed, data).Passed)
}

func TestEvaluateAndShortCircuitsReason(t *testing.T) {
	data := map[string]any{"a": float64(1)}
	r := Evaluate(context.Background(), And(Equals("data.a", 1), Equals("data.b", 2)), data)
	require.False(t, r.Passed)
	require.Len(t, r.SubResults, 2)
	assert.Contains(t, r.Reason, "short-circuited")
}

func TestEvaluateScript(t *testing.T) {
	data := map[string]any{"wordCount": float64(2100)}
	ctx := context.Background()

	r := Evaluate(ctx, Script(`data.wordCount == 2100`), data)
	assert.True(t, r.Passed, r.Reason)

	r = Evaluate(ctx, Script(`data.wordCount > 5000`), data)
	assert.False(t, r.Passed)
}

func TestEvaluateScriptRejectsNonBool(t *testing.T) {
	data := map[string]any{"wordCount": float64(2100)}
	r := Evaluate(context.Background(), Script(`data.wordCount`), data)
	assert.False(t, r.Passed)
	assert.Contains(t, r.Reason, "evaluation error")
}

func TestEvaluateScriptCompileError(t *testing.T) {
	r := Evaluate(context.Background(), Script(`data.wordCount ===`), map[string]any{})
	assert.False(t, r.Passed)
	assert.Contains(t, r.Reason, "compile error")
}
