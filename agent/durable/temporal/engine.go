// Package temporal adapts durable.Engine onto the Temporal SDK: one
// worker per task queue, OTEL interceptors on the client, and JSON
// payloads end to end so workflow/activity inputs stay engine-agnostic.
package temporal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/interceptor"
	sdktemporal "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/circuitbreaker/cb/agent/durable"
	"github.com/circuitbreaker/cb/telemetry"
)

// Options configures the Temporal adapter. Either Client or ClientOptions
// must be set; TaskQueue is the default queue when definitions omit one.
type Options struct {
	Client         client.Client
	ClientOptions  *client.Options
	TaskQueue      string
	WorkerOptions  worker.Options
	DisableTracing bool
	Telemetry      telemetry.Handle
}

// Engine implements durable.Engine on Temporal.
type Engine struct {
	client       client.Client
	closeClient  bool
	defaultQueue string
	workerOpts   worker.Options
	tel          telemetry.Handle

	mu        sync.Mutex
	workers   map[string]worker.Worker
	started   bool
	workflows map[string]durable.WorkflowDefinition
}

// New constructs the adapter. When Client is nil a lazy client is built
// from ClientOptions with the OTEL tracing interceptor installed.
func New(opts Options) (*Engine, error) {
	if opts.TaskQueue == "" {
		return nil, fmt.Errorf("temporal engine: a default task queue is required")
	}
	tel := opts.Telemetry
	if tel.Log == nil {
		tel = telemetry.NewNoop()
	}

	cli := opts.Client
	closeClient := false
	if cli == nil {
		if opts.ClientOptions == nil {
			return nil, fmt.Errorf("temporal engine: client options are required when Client is nil")
		}
		clientOpts := *opts.ClientOptions
		if !opts.DisableTracing {
			tracer, err := temporalotel.NewTracingInterceptor(temporalotel.TracerOptions{})
			if err != nil {
				return nil, fmt.Errorf("temporal engine: tracing interceptor: %w", err)
			}
			clientOpts.Interceptors = append(clientOpts.Interceptors, interceptor.ClientInterceptor(tracer))
		}
		var err error
		cli, err = client.NewLazyClient(clientOpts)
		if err != nil {
			return nil, fmt.Errorf("temporal engine: create client: %w", err)
		}
		closeClient = true
	}

	return &Engine{
		client:       cli,
		closeClient:  closeClient,
		defaultQueue: opts.TaskQueue,
		workerOpts:   opts.WorkerOptions,
		tel:          tel,
		workers:      map[string]worker.Worker{},
		workflows:    map[string]durable.WorkflowDefinition{},
	}, nil
}

// RegisterWorkflow implements durable.Engine.
func (e *Engine) RegisterWorkflow(_ context.Context, def durable.WorkflowDefinition) error {
	if def.Name == "" || def.Handler == nil {
		return fmt.Errorf("temporal engine: workflow requires name and handler")
	}
	queue := def.TaskQueue
	if queue == "" {
		queue = e.defaultQueue
	}
	w, err := e.workerForQueue(queue)
	if err != nil {
		return err
	}
	handler := def.Handler
	w.RegisterWorkflowWithOptions(func(tctx workflow.Context, input []byte) ([]byte, error) {
		return handler(newWorkflowContext(tctx, e.tel), input)
	}, workflow.RegisterOptions{Name: def.Name})

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.workflows[def.Name]; exists {
		return fmt.Errorf("temporal engine: workflow %q already registered", def.Name)
	}
	e.workflows[def.Name] = def
	return nil
}

// RegisterActivity implements durable.Engine.
func (e *Engine) RegisterActivity(_ context.Context, def durable.ActivityDefinition) error {
	if def.Name == "" || def.Handler == nil {
		return fmt.Errorf("temporal engine: activity requires name and handler")
	}
	queue := def.Options.Queue
	if queue == "" {
		queue = e.defaultQueue
	}
	w, err := e.workerForQueue(queue)
	if err != nil {
		return err
	}
	handler := def.Handler
	w.RegisterActivityWithOptions(func(actx context.Context, input []byte) ([]byte, error) {
		return handler(actx, input)
	}, activityRegisterOptions(def.Name))
	return nil
}

// StartWorkflow implements durable.Engine.
func (e *Engine) StartWorkflow(ctx context.Context, req durable.WorkflowStartRequest) (durable.WorkflowHandle, error) {
	e.mu.Lock()
	def, ok := e.workflows[req.Workflow]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("temporal engine: unknown workflow %q", req.Workflow)
	}
	e.ensureWorkersStarted()

	queue := req.TaskQueue
	if queue == "" {
		queue = def.TaskQueue
	}
	if queue == "" {
		queue = e.defaultQueue
	}
	run, err := e.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        req.ID,
		TaskQueue: queue,
	}, def.Name, mustJSON(req.Input))
	if err != nil {
		return nil, fmt.Errorf("temporal engine: start workflow: %w", err)
	}
	return &runHandle{client: e.client, run: run}, nil
}

// Close stops all workers and, when this adapter created the client,
// closes it.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, w := range e.workers {
		w.Stop()
	}
	if e.closeClient {
		e.client.Close()
	}
}

func (e *Engine) workerForQueue(queue string) (worker.Worker, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if w, ok := e.workers[queue]; ok {
		return w, nil
	}
	w := worker.New(e.client, queue, e.workerOpts)
	e.workers[queue] = w
	if e.started {
		if err := w.Start(); err != nil {
			return nil, fmt.Errorf("temporal engine: start worker for %s: %w", queue, err)
		}
	}
	return w, nil
}

func (e *Engine) ensureWorkersStarted() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	for queue, w := range e.workers {
		if err := w.Start(); err != nil {
			e.tel.Log.Error(context.Background(), "temporal worker start failed", "queue", queue, "err", err)
		}
	}
	e.started = true
}

type runHandle struct {
	client client.Client
	run    client.WorkflowRun
}

func (h *runHandle) Wait(ctx context.Context, result any) error {
	var raw []byte
	if err := h.run.Get(ctx, &raw); err != nil {
		return err
	}
	if result != nil && len(raw) > 0 {
		return unmarshalJSON(raw, result)
	}
	return nil
}

func (h *runHandle) Cancel(ctx context.Context) error {
	return h.client.CancelWorkflow(ctx, h.run.GetID(), h.run.GetRunID())
}

// workflowContext adapts Temporal's workflow.Context to
// durable.WorkflowContext.
type workflowContext struct {
	tctx workflow.Context
	tel  telemetry.Handle
}

func newWorkflowContext(tctx workflow.Context, tel telemetry.Handle) *workflowContext {
	return &workflowContext{tctx: tctx, tel: tel}
}

func (c *workflowContext) Context() context.Context {
	// Temporal workflow contexts are not context.Contexts; expose a
	// cancellation-linked stand-in for code that only checks Done.
	ctx, cancel := context.WithCancel(context.Background())
	workflow.Go(c.tctx, func(wctx workflow.Context) {
		wctx.Done().Receive(wctx, nil)
		cancel()
	})
	return ctx
}

func (c *workflowContext) WorkflowID() string {
	return workflow.GetInfo(c.tctx).WorkflowExecution.ID
}

func (c *workflowContext) RunID() string {
	return workflow.GetInfo(c.tctx).WorkflowExecution.RunID
}

func (c *workflowContext) Logger() telemetry.Logger { return c.tel.Log }

func (c *workflowContext) Now() time.Time { return workflow.Now(c.tctx) }

// ExecuteActivity implements durable.WorkflowContext by scheduling the
// named activity with the request's retry/timeout mapped onto Temporal's
// options.
func (c *workflowContext) ExecuteActivity(_ context.Context, req durable.ActivityRequest, result any) error {
	opts := workflow.ActivityOptions{
		StartToCloseTimeout: req.Timeout,
	}
	if opts.StartToCloseTimeout == 0 {
		opts.StartToCloseTimeout = 5 * time.Minute
	}
	if req.RetryPolicy.MaxAttempts > 0 {
		opts.RetryPolicy = &sdktemporal.RetryPolicy{
			MaximumAttempts:    int32(req.RetryPolicy.MaxAttempts),
			InitialInterval:    req.RetryPolicy.InitialInterval,
			BackoffCoefficient: req.RetryPolicy.BackoffCoefficient,
		}
	}
	actx := workflow.WithActivityOptions(c.tctx, opts)

	var raw []byte
	if err := workflow.ExecuteActivity(actx, req.Name, mustJSON(req.Input)).Get(c.tctx, &raw); err != nil {
		return err
	}
	if result != nil && len(raw) > 0 {
		return unmarshalJSON(raw, result)
	}
	return nil
}
