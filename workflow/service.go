package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/circuitbreaker/cb/cberr"
	"github.com/circuitbreaker/cb/eventlog"
	"github.com/circuitbreaker/cb/telemetry"
)

// Service implements the Resource State Machine operations against an
// eventlog.Store: workflow definitions live on a per-workflow subject,
// resource state is snapshotted in KV under optimistic-concurrency
// revisions, and every transition is durably appended before the
// snapshot is updated.
type Service struct {
	store eventlog.Store
	subj  eventlog.Subjects
	buck  eventlog.Buckets
	tel   telemetry.Handle
}

// NewService constructs a Service over store. A zero telemetry.Handle is
// replaced with a no-op handle.
func NewService(store eventlog.Store, tel telemetry.Handle) *Service {
	if tel.Log == nil {
		tel = telemetry.NewNoop()
	}
	return &Service{store: store, tel: tel}
}

type workflowEnvelope struct {
	Workflow Workflow `json:"workflow"`
}

type resourceSnapshot struct {
	Resource Resource `json:"resource"`
}

type activityExecutedEvent struct {
	ResourceID  string         `json:"resourceId"`
	FromState   string         `json:"fromState"`
	ToState     string         `json:"toState"`
	ActivityID  string         `json:"activityId"`
	Input       map[string]any `json:"input"`
	TriggeredBy string         `json:"triggeredBy"`
	Sequence    uint64         `json:"sequence"`
	Timestamp   time.Time      `json:"timestamp"`
}

// CreateWorkflow validates the definition, assigns it an id derived from
// its content hash (so resubmission of identical content is idempotent),
// and persists it on its definition subject.
func (s *Service) CreateWorkflow(ctx context.Context, def Workflow) (*Workflow, error) {
	if def.ID == "" {
		def.ID = contentID(def)
	}
	if err := def.Validate(); err != nil {
		return nil, cberr.Wrap(cberr.KindValidation, "InvalidWorkflow", "workflow definition failed validation", err)
	}
	def.CreatedAt = time.Now()

	payload, err := json.Marshal(workflowEnvelope{Workflow: def})
	if err != nil {
		return nil, cberr.Wrap(cberr.KindValidation, "EncodeWorkflow", "failed to encode workflow", err)
	}

	// Idempotent under identical content: if a definition already exists
	// under this id with identical bytes apart from its stored CreatedAt,
	// skip the append and return the stored definition.
	existing, _, ok, err := s.store.Get(ctx, s.buck.Resources(def.TenantID), "workflow:"+def.ID)
	if err == nil && ok {
		var prev workflowEnvelope
		if json.Unmarshal(existing, &prev) == nil {
			same := def
			same.CreatedAt = prev.Workflow.CreatedAt
			if again, err := json.Marshal(workflowEnvelope{Workflow: same}); err == nil && string(again) == string(existing) {
				s.tel.Log.Debug(ctx, "workflow create: idempotent no-op", "workflowId", def.ID)
				return &same, nil
			}
		}
	}

	if _, err := s.store.Append(ctx, s.subj.WorkflowDefinition(def.ID), payload, nil); err != nil {
		return nil, cberr.Wrap(cberr.KindTransport, "AppendWorkflow", "failed to append workflow definition", err)
	}
	if _, err := s.store.Put(ctx, s.buck.Resources(def.TenantID), "workflow:"+def.ID, payload, 0); err != nil {
		return nil, cberr.Wrap(cberr.KindTransport, "SnapshotWorkflow", "failed to snapshot workflow", err)
	}
	s.tel.Log.Info(ctx, "workflow created", "workflowId", def.ID, "tenantId", def.TenantID)
	return &def, nil
}

// GetWorkflow loads a previously created workflow by id.
func (s *Service) GetWorkflow(ctx context.Context, tenantID, workflowID string) (*Workflow, error) {
	raw, _, ok, err := s.store.Get(ctx, s.buck.Resources(tenantID), "workflow:"+workflowID)
	if err != nil {
		return nil, cberr.Wrap(cberr.KindTransport, "GetWorkflow", "failed to load workflow", err)
	}
	if !ok {
		return nil, cberr.New(cberr.KindNotFound, "WorkflowNotFound", fmt.Sprintf("workflow %q not found", workflowID))
	}
	var env workflowEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, cberr.Wrap(cberr.KindTransport, "DecodeWorkflow", "failed to decode workflow snapshot", err)
	}
	return &env.Workflow, nil
}

// CreateResource instantiates a resource in the workflow's initial state
// and snapshots it under CAS-protected revision 0 (create-only).
func (s *Service) CreateResource(ctx context.Context, tenantID, workflowID string, initialData map[string]any, metadata map[string]string) (*Resource, error) {
	wf, err := s.GetWorkflow(ctx, tenantID, workflowID)
	if err != nil {
		return nil, err
	}
	res := &Resource{
		ID:           uuid.NewString(),
		WorkflowID:   workflowID,
		TenantID:     tenantID,
		CurrentState: wf.InitialState,
		Data:         initialData,
		Metadata:     metadata,
	}
	if err := s.persistResource(ctx, res, 0); err != nil {
		return nil, err
	}
	s.tel.Metrics.IncCounter("workflow.resource.created", 1, "workflowId", workflowID)
	return res, nil
}

// ListAvailableActivities returns the activities executable from the
// resource's current state: FromStates contains the current state and the
// guard (if any) evaluates true against the resource's data.
func (s *Service) ListAvailableActivities(ctx context.Context, tenantID, resourceID string) ([]Activity, error) {
	res, wf, err := s.loadResourceAndWorkflow(ctx, tenantID, resourceID)
	if err != nil {
		return nil, err
	}
	var out []Activity
	for _, a := range wf.Activities {
		if !a.IsAvailableFrom(res.CurrentState) {
			continue
		}
		if a.Guard != nil {
			if r := Evaluate(ctx, *a.Guard, res.Data); !r.Passed {
				continue
			}
		}
		out = append(out, a)
	}
	return out, nil
}

// ExecuteActivity atomically transitions resourceID along activityID: it
// loads the resource and workflow, verifies the activity is available from
// the current state, evaluates its guard, appends an ActivityExecuted
// event, and updates the KV snapshot under CAS.
func (s *Service) ExecuteActivity(ctx context.Context, tenantID, resourceID, activityID string, input map[string]any, triggeredBy string) (*Resource, error) {
	res, wf, err := s.loadResourceAndWorkflow(ctx, tenantID, resourceID)
	if err != nil {
		return nil, err
	}

	act, ok := wf.ActivityByID(activityID)
	if !ok || !act.IsAvailableFrom(res.CurrentState) {
		return nil, cberr.New(cberr.KindInvalidTransition, "ActivityUnavailable",
			fmt.Sprintf("activity %q is not available from state %q", activityID, res.CurrentState))
	}
	if act.Guard != nil {
		r := Evaluate(ctx, *act.Guard, res.Data)
		if !r.Passed {
			return nil, cberr.New(cberr.KindInvalidTransition, "GuardFailed", "guard failed: "+r.Reason)
		}
	}

	fromState := res.CurrentState
	seq, err := s.store.Append(ctx, s.subj.WorkflowActivityEvents(wf.ID), mustJSON(activityExecutedEvent{
		ResourceID:  resourceID,
		FromState:   fromState,
		ToState:     act.ToState,
		ActivityID:  activityID,
		Input:       input,
		TriggeredBy: triggeredBy,
		Timestamp:   time.Now(),
	}), nil)
	if err != nil {
		return nil, cberr.Wrap(cberr.KindTransport, "AppendActivityEvent", "failed to append activity event", err)
	}

	res.CurrentState = act.ToState
	res.History = append(res.History, ActivityRecord{
		FromState:   fromState,
		ToState:     act.ToState,
		ActivityID:  activityID,
		Timestamp:   time.Now(),
		TriggeredBy: triggeredBy,
		LogSequence: seq,
		Input:       input,
	})

	if err := s.persistResource(ctx, res, res.Revision); err != nil {
		return nil, err
	}
	s.tel.Log.Info(ctx, "activity executed", "resourceId", resourceID, "activityId", activityID, "from", fromState, "to", act.ToState)
	return res, nil
}

func (s *Service) loadResourceAndWorkflow(ctx context.Context, tenantID, resourceID string) (*Resource, *Workflow, error) {
	raw, rev, ok, err := s.store.Get(ctx, s.buck.Resources(tenantID), "resource:"+resourceID)
	if err != nil {
		return nil, nil, cberr.Wrap(cberr.KindTransport, "GetResource", "failed to load resource", err)
	}
	if !ok {
		return nil, nil, cberr.New(cberr.KindNotFound, "ResourceNotFound", fmt.Sprintf("resource %q not found", resourceID))
	}
	var snap resourceSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, nil, cberr.Wrap(cberr.KindTransport, "DecodeResource", "failed to decode resource snapshot", err)
	}
	res := snap.Resource
	res.Revision = rev

	wf, err := s.GetWorkflow(ctx, tenantID, res.WorkflowID)
	if err != nil {
		return nil, nil, err
	}
	return &res, wf, nil
}

// persistResource writes res to its KV snapshot under a CAS check against
// expectedRevision; a concurrent writer's mismatched revision surfaces as
// cberr.KindConflict, matching the executeActivity contract.
func (s *Service) persistResource(ctx context.Context, res *Resource, expectedRevision uint64) error {
	payload, err := json.Marshal(resourceSnapshot{Resource: *res})
	if err != nil {
		return cberr.Wrap(cberr.KindValidation, "EncodeResource", "failed to encode resource", err)
	}
	rev, err := s.store.Put(ctx, s.buck.Resources(res.TenantID), "resource:"+res.ID, payload, expectedRevision)
	if err != nil {
		if cberr.Is(err, cberr.KindConflict) {
			return err
		}
		return cberr.Wrap(cberr.KindTransport, "PutResource", "failed to persist resource snapshot", err)
	}
	res.Revision = rev
	return nil
}

// contentID derives a stable, deterministic id for a workflow from its
// name, states, and activities, so re-submitting identical content is a
// no-op rather than creating a duplicate definition.
func contentID(def Workflow) string {
	states := append([]string(nil), def.States...)
	sort.Strings(states)
	h := sha256.New()
	fmt.Fprintf(h, "%s|%v", def.Name, states)
	for _, a := range def.Activities {
		fmt.Fprintf(h, "|%s>%s<-%v", a.ID, a.ToState, a.FromStates)
	}
	return "wf_" + hex.EncodeToString(h.Sum(nil))[:16]
}

func mustJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
