package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/avlonitis/ergon/internal/config"
	"github.com/avlonitis/ergon/internal/runtime"
	"github.com/avlonitis/ergon/internal/store"
	"github.com/avlonitis/ergon/internal/workflow"
)

type dispatcherFunc func(ctx context.Context, agentID string, job *store.Job) (*runtime.Result, error)

func (f dispatcherFunc) Dispatch(ctx context.Context, agentID string, job *store.Job) (*runtime.Result, error) {
	return f(ctx, agentID, job)
}

func newTestScheduler(t *testing.T) (*Scheduler, *store.Store) {
	t.Helper()

	st, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	table := workflow.NewCapabilityTable()
	table.Update("echo-1", "echo", "idle", 0, 2, nil, 0)

	orch := workflow.New(workflow.Options{
		Store: st,
		Table: table,
		Dispatcher: dispatcherFunc(func(ctx context.Context, agentID string, job *store.Job) (*runtime.Result, error) {
			return &runtime.Result{Success: true}, nil
		}),
		Definitions: map[string]*workflow.Definition{
			"ping": {ID: "ping", Steps: []workflow.StepDef{{ID: "step", AgentType: "echo"}}},
		},
	})

	return New(st, orch, config.SchedulerConfig{PollInterval: 20 * time.Millisecond}), st
}

func waitForTrigger(t *testing.T, st *store.Store, id string, pred func(*store.Trigger) bool) *store.Trigger {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		trigger, err := st.GetTrigger(id)
		if err != nil {
			t.Fatalf("get trigger: %v", err)
		}
		if trigger != nil && pred(trigger) {
			return trigger
		}
		if time.Now().After(deadline) {
			t.Fatalf("trigger never reached expected state: %+v", trigger)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSchedulerFiresDueTrigger(t *testing.T) {
	s, st := newTestScheduler(t)

	due := time.Now().Add(-time.Second)
	trigger := &store.Trigger{
		ID:         "t1",
		WorkflowID: "ping",
		Name:       "recurring",
		Schedule:   `{"kind":"interval","interval_ms":3600000}`,
		Status:     "active",
		NextRunAt:  &due,
	}
	if err := st.SaveTrigger(trigger); err != nil {
		t.Fatalf("save trigger: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Start(ctx)

	fired := waitForTrigger(t, st, "t1", func(tr *store.Trigger) bool {
		return tr.LastStatus == "submitted"
	})
	if fired.NextRunAt == nil || !fired.NextRunAt.After(time.Now()) {
		t.Errorf("interval trigger must be rescheduled, got %v", fired.NextRunAt)
	}
	if fired.Status != "active" {
		t.Errorf("interval trigger must stay active, got %s", fired.Status)
	}

	runs, err := st.ListWorkflowRuns(10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) == 0 {
		t.Error("expected a workflow run from the trigger")
	}
}

func TestSchedulerCompletesOneOff(t *testing.T) {
	s, st := newTestScheduler(t)

	due := time.Now().Add(-time.Minute)
	trigger := &store.Trigger{
		ID:         "t2",
		WorkflowID: "ping",
		Name:       "one-off",
		Schedule:   `{"kind":"once","at_ms":1}`,
		Status:     "active",
		NextRunAt:  &due,
	}
	if err := st.SaveTrigger(trigger); err != nil {
		t.Fatalf("save trigger: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Start(ctx)

	done := waitForTrigger(t, st, "t2", func(tr *store.Trigger) bool {
		return tr.Status == "completed"
	})
	if done.LastStatus != "submitted" {
		t.Errorf("expected one-off to submit before completing, got %q", done.LastStatus)
	}
}

func TestSchedulerSkipsPaused(t *testing.T) {
	s, st := newTestScheduler(t)

	due := time.Now().Add(-time.Second)
	trigger := &store.Trigger{
		ID:         "t3",
		WorkflowID: "ping",
		Schedule:   `{"kind":"interval","interval_ms":60000}`,
		Status:     "paused",
		NextRunAt:  &due,
	}
	if err := st.SaveTrigger(trigger); err != nil {
		t.Fatalf("save trigger: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Start(ctx)

	time.Sleep(100 * time.Millisecond)
	got, err := st.GetTrigger("t3")
	if err != nil {
		t.Fatalf("get trigger: %v", err)
	}
	if got.LastStatus != "" {
		t.Errorf("paused trigger must not fire, got last_status %q", got.LastStatus)
	}
}
