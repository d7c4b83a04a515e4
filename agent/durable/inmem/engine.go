// Package inmem provides the in-process durable.Engine used by tests and
// single-node deployments. Workflows run on goroutines; activities run
// inline with per-request retry. There is no replay or persistence —
// durability is what the Temporal adapter is for.
package inmem

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/circuitbreaker/cb/agent/durable"
	"github.com/circuitbreaker/cb/telemetry"
)

// Engine implements durable.Engine in process.
type Engine struct {
	tel telemetry.Handle

	mu         sync.RWMutex
	workflows  map[string]durable.WorkflowDefinition
	activities map[string]durable.ActivityDefinition
}

// New constructs an empty in-memory engine.
func New(tel telemetry.Handle) *Engine {
	if tel.Log == nil {
		tel = telemetry.NewNoop()
	}
	return &Engine{
		tel:        tel,
		workflows:  map[string]durable.WorkflowDefinition{},
		activities: map[string]durable.ActivityDefinition{},
	}
}

// RegisterWorkflow implements durable.Engine.
func (e *Engine) RegisterWorkflow(_ context.Context, def durable.WorkflowDefinition) error {
	if def.Name == "" || def.Handler == nil {
		return fmt.Errorf("inmem engine: workflow requires name and handler")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.workflows[def.Name]; exists {
		return fmt.Errorf("inmem engine: workflow %q already registered", def.Name)
	}
	e.workflows[def.Name] = def
	return nil
}

// RegisterActivity implements durable.Engine.
func (e *Engine) RegisterActivity(_ context.Context, def durable.ActivityDefinition) error {
	if def.Name == "" || def.Handler == nil {
		return fmt.Errorf("inmem engine: activity requires name and handler")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.activities[def.Name] = def
	return nil
}

// StartWorkflow implements durable.Engine.
func (e *Engine) StartWorkflow(ctx context.Context, req durable.WorkflowStartRequest) (durable.WorkflowHandle, error) {
	e.mu.RLock()
	def, ok := e.workflows[req.Workflow]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("inmem engine: unknown workflow %q", req.Workflow)
	}
	input, err := json.Marshal(req.Input)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	h := &handle{done: make(chan struct{}), cancel: cancel}
	wfCtx := &workflowContext{
		engine:     e,
		ctx:        runCtx,
		workflowID: req.ID,
		runID:      uuid.NewString(),
		tel:        e.tel,
	}
	go func() {
		defer close(h.done)
		result, err := def.Handler(wfCtx, input)
		h.result = result
		h.err = err
	}()
	return h, nil
}

type handle struct {
	done   chan struct{}
	cancel context.CancelFunc
	result []byte
	err    error
}

func (h *handle) Wait(ctx context.Context, result any) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
	}
	if h.err != nil {
		return h.err
	}
	if result != nil && len(h.result) > 0 {
		return json.Unmarshal(h.result, result)
	}
	return nil
}

func (h *handle) Cancel(context.Context) error {
	h.cancel()
	return nil
}

type workflowContext struct {
	engine     *Engine
	ctx        context.Context
	workflowID string
	runID      string
	tel        telemetry.Handle
}

func (c *workflowContext) Context() context.Context  { return c.ctx }
func (c *workflowContext) WorkflowID() string        { return c.workflowID }
func (c *workflowContext) RunID() string             { return c.runID }
func (c *workflowContext) Logger() telemetry.Logger  { return c.tel.Log }
func (c *workflowContext) Now() time.Time            { return time.Now() }

// ExecuteActivity runs the activity inline with the request's retry
// policy, decoding its JSON output into result.
func (c *workflowContext) ExecuteActivity(ctx context.Context, req durable.ActivityRequest, result any) error {
	c.engine.mu.RLock()
	def, ok := c.engine.activities[req.Name]
	c.engine.mu.RUnlock()
	if !ok {
		return fmt.Errorf("inmem engine: unknown activity %q", req.Name)
	}

	input, err := json.Marshal(req.Input)
	if err != nil {
		return err
	}

	policy := req.RetryPolicy
	if policy.MaxAttempts == 0 {
		policy = def.Options.RetryPolicy
	}
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	timeout := req.Timeout
	if timeout == 0 {
		timeout = def.Options.Timeout
	}

	var lastErr error
	delay := policy.InitialInterval
	for i := 0; i < attempts; i++ {
		actCtx := c.ctx
		var cancel context.CancelFunc
		if timeout > 0 {
			actCtx, cancel = context.WithTimeout(actCtx, timeout)
		}
		out, err := def.Handler(actCtx, input)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			if result != nil && len(out) > 0 {
				return json.Unmarshal(out, result)
			}
			return nil
		}
		lastErr = err
		if c.ctx.Err() != nil {
			return c.ctx.Err()
		}
		if i+1 < attempts && delay > 0 {
			select {
			case <-c.ctx.Done():
				return c.ctx.Err()
			case <-time.After(delay):
			}
			if policy.BackoffCoefficient > 1 {
				delay = time.Duration(float64(delay) * policy.BackoffCoefficient)
			}
		}
	}
	return lastErr
}
