package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/circuitbreaker/cb/cbtypes"
)

// GuardKind discriminates the recursive guard expression sum type.
type GuardKind string

const (
	GuardEquals   GuardKind = "equals"
	GuardContains GuardKind = "contains"
	GuardAnd      GuardKind = "and"
	GuardOr       GuardKind = "or"
	GuardNot      GuardKind = "not"
	GuardScript   GuardKind = "script"
)

// Guard is a node in the recursive guard expression tree. Exactly the
// fields relevant to Kind are populated; this mirrors a sum type in a
// single flattened struct, the common Go idiom for small closed unions.
type Guard struct {
	Kind GuardKind

	// equals / contains
	Field string
	Value any

	// and / or / not
	Children []Guard

	// script
	Expression string
}

// Equals constructs an equals(field, value) guard.
func Equals(field string, value any) Guard { return Guard{Kind: GuardEquals, Field: field, Value: value} }

// Contains constructs a contains(field, substring) guard.
func Contains(field, substring string) Guard {
	return Guard{Kind: GuardContains, Field: field, Value: substring}
}

// And constructs a short-circuiting conjunction over children.
func And(children ...Guard) Guard { return Guard{Kind: GuardAnd, Children: children} }

// Or constructs a short-circuiting disjunction over children.
func Or(children ...Guard) Guard { return Guard{Kind: GuardOr, Children: children} }

// Not constructs a negation of child.
func Not(child Guard) Guard { return Guard{Kind: GuardNot, Children: []Guard{child}} }

// Script constructs a guard evaluated by the CEL sandbox against the
// resource's data, exposed to the expression as the `data` variable.
func Script(expr string) Guard { return Guard{Kind: GuardScript, Expression: expr} }

// Result is the outcome of evaluating a Guard, with reasons that
// propagate upward through and/or/not for diagnostics.
type Result struct {
	Passed     bool
	Reason     string
	SubResults []Result
}

// scriptTimeout bounds a single `script` guard evaluation so a pathological
// expression cannot stall activity execution.
const scriptTimeout = 200 * time.Millisecond

// Evaluate walks the guard tree against data, a resource's opaque JSON
// payload flattened to map[string]any.
func Evaluate(ctx context.Context, g Guard, data map[string]any) Result {
	switch g.Kind {
	case GuardEquals:
		actual, ok := lookupPath(data, g.Field)
		passed := ok && valuesEqual(actual, g.Value)
		return Result{Passed: passed, Reason: fmt.Sprintf("equals(%s, %v) -> %v (actual=%v, found=%v)", g.Field, g.Value, passed, actual, ok)}

	case GuardContains:
		actual, ok := lookupPath(data, g.Field)
		str, isStr := actual.(string)
		sub, _ := g.Value.(string)
		passed := ok && isStr && strings.Contains(str, sub)
		return Result{Passed: passed, Reason: fmt.Sprintf("contains(%s, %q) -> %v", g.Field, sub, passed)}

	case GuardAnd:
		var subs []Result
		for _, c := range g.Children {
			r := Evaluate(ctx, c, data)
			subs = append(subs, r)
			if !r.Passed {
				return Result{Passed: false, Reason: "and: short-circuited on " + r.Reason, SubResults: subs}
			}
		}
		return Result{Passed: true, Reason: "and: all children passed", SubResults: subs}

	case GuardOr:
		var subs []Result
		for _, c := range g.Children {
			r := Evaluate(ctx, c, data)
			subs = append(subs, r)
			if r.Passed {
				return Result{Passed: true, Reason: "or: short-circuited on " + r.Reason, SubResults: subs}
			}
		}
		return Result{Passed: false, Reason: "or: no children passed", SubResults: subs}

	case GuardNot:
		if len(g.Children) != 1 {
			return Result{Passed: false, Reason: "not: requires exactly one child"}
		}
		r := Evaluate(ctx, g.Children[0], data)
		return Result{Passed: !r.Passed, Reason: "not: " + r.Reason, SubResults: []Result{r}}

	case GuardScript:
		return evaluateScript(ctx, g.Expression, data)

	default:
		return Result{Passed: false, Reason: fmt.Sprintf("unknown guard kind %q", g.Kind)}
	}
}

// evaluateScript runs expr through a CEL environment with read-only access
// to data via the `data` variable. CEL has no loops, assignment, or I/O, so
// this bounds evaluation to a pure, terminating function of the input.
func evaluateScript(ctx context.Context, expr string, data map[string]any) Result {
	cctx, cancel := context.WithTimeout(ctx, scriptTimeout)
	defer cancel()

	env, err := cel.NewEnv(cel.Variable("data", cel.DynType))
	if err != nil {
		return Result{Passed: false, Reason: fmt.Sprintf("script: environment setup failed: %v", err)}
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return Result{Passed: false, Reason: fmt.Sprintf("script: compile error: %v", issues.Err())}
	}
	prg, err := env.Program(ast, cel.EvalOptions(cel.OptOptimize))
	if err != nil {
		return Result{Passed: false, Reason: fmt.Sprintf("script: program construction failed: %v", err)}
	}

	type evalOut struct {
		passed bool
		err    error
	}
	done := make(chan evalOut, 1)
	go func() {
		out, _, err := prg.Eval(map[string]any{"data": data})
		if err != nil {
			done <- evalOut{err: err}
			return
		}
		b, ok := out.Value().(bool)
		if !ok {
			done <- evalOut{err: fmt.Errorf("script must evaluate to a bool, got %T", out.Value())}
			return
		}
		done <- evalOut{passed: b}
	}()

	select {
	case <-cctx.Done():
		return Result{Passed: false, Reason: "script: evaluation timed out"}
	case res := <-done:
		if res.err != nil {
			return Result{Passed: false, Reason: fmt.Sprintf("script: evaluation error: %v", res.err)}
		}
		return Result{Passed: res.passed, Reason: fmt.Sprintf("script(%q) -> %v", expr, res.passed)}
	}
}

// lookupPath resolves a dotted path against a nested map[string]any via
// cbtypes.Doc, mirroring JSON-pointer-like field access. Paths
// conventionally begin with a "data" segment naming the resource's data
// root (e.g. "data.wordCount"); that leading segment is stripped since
// the caller already passes the resource's data map as the root.
func lookupPath(data map[string]any, path string) (any, bool) {
	if segs := strings.SplitN(path, ".", 2); len(segs) == 2 && segs[0] == "data" {
		path = segs[1]
	}
	return cbtypes.NewDoc(data).Get(path)
}

func valuesEqual(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
