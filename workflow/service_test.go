package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/circuitbreaker/cb/cberr"
	"github.com/circuitbreaker/cb/eventlog"
	"github.com/circuitbreaker/cb/telemetry"
)

func newTestService() *Service {
	return NewService(eventlog.NewMemory(), telemetry.NewNoop())
}

func draftWorkflow(tenantID string) Workflow {
	return Workflow{
		TenantID: tenantID,
		Name:     "article-review",
		States:   []string{"draft", "review", "approved"},
		InitialState: "draft",
		Activities: []Activity{
			{ID: "submit_for_review", FromStates: []string{"draft"}, ToState: "review"},
			{
				ID:         "approve",
				FromStates: []string{"review"},
				ToState:    "approved",
				Guard:      guardPtr(Equals("data.wordCount", 2100)),
			},
		},
	}
}

func guardPtr(g Guard) *Guard { return &g }

func TestCreateWorkflowValidatesAndPersists(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	wf, err := svc.CreateWorkflow(ctx, draftWorkflow("tenant-1"))
	require.NoError(t, err)
	require.NotEmpty(t, wf.ID)

	loaded, err := svc.GetWorkflow(ctx, "tenant-1", wf.ID)
	require.NoError(t, err)
	require.Equal(t, wf.Name, loaded.Name)
}

func TestCreateWorkflowRejectsInvalidDefinition(t *testing.T) {
	svc := newTestService()
	bad := draftWorkflow("tenant-1")
	bad.InitialState = "nonexistent"

	_, err := svc.CreateWorkflow(context.Background(), bad)
	require.Error(t, err)
	require.Equal(t, cberr.KindValidation, cberr.KindOf(err))
}

func TestCreateWorkflowIsIdempotentUnderIdenticalContent(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()
	def := draftWorkflow("tenant-1")

	a, err := svc.CreateWorkflow(ctx, def)
	require.NoError(t, err)
	b, err := svc.CreateWorkflow(ctx, def)
	require.NoError(t, err)
	require.Equal(t, a.ID, b.ID)
}

func TestExecuteActivityHappyPath(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	wf, err := svc.CreateWorkflow(ctx, draftWorkflow("tenant-1"))
	require.NoError(t, err)

	res, err := svc.CreateResource(ctx, "tenant-1", wf.ID, map[string]any{"wordCount": float64(2100)}, nil)
	require.NoError(t, err)
	require.Equal(t, "draft", res.CurrentState)

	res, err = svc.ExecuteActivity(ctx, "tenant-1", res.ID, "submit_for_review", nil, "user-1")
	require.NoError(t, err)
	require.Equal(t, "review", res.CurrentState)

	res, err = svc.ExecuteActivity(ctx, "tenant-1", res.ID, "approve", nil, "user-1")
	require.NoError(t, err)
	require.Equal(t, "approved", res.CurrentState)
	require.Len(t, res.History, 2)
}

// TestExecuteActivityGuardBlocksTransition exercises the guard-failure
// scenario: a resource whose data does not satisfy an activity's guard
// cannot transition, and its history is left unchanged.
func TestExecuteActivityGuardBlocksTransition(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	wf, err := svc.CreateWorkflow(ctx, draftWorkflow("tenant-1"))
	require.NoError(t, err)

	res, err := svc.CreateResource(ctx, "tenant-1", wf.ID, map[string]any{"wordCount": float64(500)}, nil)
	require.NoError(t, err)

	res, err = svc.ExecuteActivity(ctx, "tenant-1", res.ID, "submit_for_review", nil, "user-1")
	require.NoError(t, err)
	require.Equal(t, "review", res.CurrentState)

	_, err = svc.ExecuteActivity(ctx, "tenant-1", res.ID, "approve", nil, "user-1")
	require.Error(t, err)
	require.Equal(t, cberr.KindInvalidTransition, cberr.KindOf(err))

	acts, err := svc.ListAvailableActivities(ctx, "tenant-1", res.ID)
	require.NoError(t, err)
	for _, a := range acts {
		require.NotEqual(t, "approve", a.ID)
	}
}

func TestExecuteActivityRejectsUnavailableFromState(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	wf, err := svc.CreateWorkflow(ctx, draftWorkflow("tenant-1"))
	require.NoError(t, err)
	res, err := svc.CreateResource(ctx, "tenant-1", wf.ID, map[string]any{"wordCount": float64(2100)}, nil)
	require.NoError(t, err)

	_, err = svc.ExecuteActivity(ctx, "tenant-1", res.ID, "approve", nil, "user-1")
	require.Error(t, err)
	require.Equal(t, cberr.KindInvalidTransition, cberr.KindOf(err))
}

func TestListAvailableActivitiesFiltersByGuard(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	wf, err := svc.CreateWorkflow(ctx, draftWorkflow("tenant-1"))
	require.NoError(t, err)
	res, err := svc.CreateResource(ctx, "tenant-1", wf.ID, map[string]any{"wordCount": float64(2100)}, nil)
	require.NoError(t, err)
	res, err = svc.ExecuteActivity(ctx, "tenant-1", res.ID, "submit_for_review", nil, "user-1")
	require.NoError(t, err)

	acts, err := svc.ListAvailableActivities(ctx, "tenant-1", res.ID)
	require.NoError(t, err)
	require.Len(t, acts, 1)
	require.Equal(t, "approve", acts[0].ID)
}
