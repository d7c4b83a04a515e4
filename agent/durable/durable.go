// Package durable defines the workflow engine abstraction behind agent
// turn execution. Adapters translate these types into backend-specific
// primitives: Temporal for production, an in-memory engine for tests and
// single-process deployments. Workflow handlers must stay deterministic;
// all I/O happens in activities.
package durable

import (
	"context"
	"time"

	"github.com/circuitbreaker/cb/telemetry"
)

type (
	// Engine abstracts workflow registration and execution so adapters
	// can be swapped without touching the agent engine.
	Engine interface {
		// RegisterWorkflow registers a workflow definition. Called during
		// initialization before any StartWorkflow.
		RegisterWorkflow(ctx context.Context, def WorkflowDefinition) error

		// RegisterActivity registers an activity handler. Activities are
		// the only place side effects are allowed.
		RegisterActivity(ctx context.Context, def ActivityDefinition) error

		// StartWorkflow launches an execution and returns a handle.
		StartWorkflow(ctx context.Context, req WorkflowStartRequest) (WorkflowHandle, error)
	}

	// WorkflowDefinition binds a handler to a logical name and queue.
	WorkflowDefinition struct {
		Name      string
		TaskQueue string
		Handler   WorkflowFunc
	}

	// WorkflowFunc is a workflow entry point. It must be deterministic:
	// same input and activity results, same execution sequence.
	WorkflowFunc func(ctx WorkflowContext, input []byte) ([]byte, error)

	// WorkflowContext exposes engine operations to workflow handlers
	// inside the deterministic execution environment.
	WorkflowContext interface {
		// Context returns the replay-aware Go context for the workflow.
		Context() context.Context

		// WorkflowID returns the execution's unique identifier.
		WorkflowID() string

		// RunID returns the engine-assigned run identifier.
		RunID() string

		// ExecuteActivity schedules an activity and waits for its result,
		// decoding the activity's JSON output into result.
		ExecuteActivity(ctx context.Context, req ActivityRequest, result any) error

		// Logger returns a logger scoped to this execution.
		Logger() telemetry.Logger

		// Now returns the current workflow time, replay-safe.
		Now() time.Time
	}

	// ActivityDefinition registers an activity handler with defaults.
	ActivityDefinition struct {
		Name    string
		Handler ActivityFunc
		Options ActivityOptions
	}

	// ActivityFunc handles one activity invocation. Input and output are
	// JSON payloads so every engine serializes uniformly.
	ActivityFunc func(ctx context.Context, input []byte) ([]byte, error)

	// ActivityOptions configures retry and timeout behavior.
	ActivityOptions struct {
		Queue       string
		RetryPolicy RetryPolicy
		Timeout     time.Duration
	}

	// ActivityRequest schedules one activity from a workflow.
	ActivityRequest struct {
		Name        string
		Input       any
		RetryPolicy RetryPolicy
		Timeout     time.Duration
	}

	// WorkflowStartRequest launches a workflow execution.
	WorkflowStartRequest struct {
		ID        string
		Workflow  string
		TaskQueue string
		Input     any
	}

	// WorkflowHandle interacts with a running workflow.
	WorkflowHandle interface {
		// Wait blocks until completion, decoding the workflow result.
		Wait(ctx context.Context, result any) error

		// Cancel requests cancellation; in-flight activities observe it
		// through their contexts.
		Cancel(ctx context.Context) error
	}

	// RetryPolicy defines retry semantics shared by workflows and
	// activities. Zero-valued fields mean engine defaults.
	RetryPolicy struct {
		MaxAttempts        int
		InitialInterval    time.Duration
		BackoffCoefficient float64
	}
)
