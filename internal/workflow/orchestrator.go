package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/avlonitis/ergon/internal/bus"
	"github.com/avlonitis/ergon/internal/runtime"
	"github.com/avlonitis/ergon/internal/store"
)

// Dispatcher hands a job to a specific agent and blocks until the agent's
// retry cycle finishes. Implemented by the agents manager.
type Dispatcher interface {
	Dispatch(ctx context.Context, agentID string, job *store.Job) (*runtime.Result, error)
}

type Options struct {
	Store       *store.Store
	Bus         *bus.Bus
	Table       *CapabilityTable
	Dispatcher  Dispatcher
	Secrets     SecretResolver
	Definitions map[string]*Definition
	Logger      *slog.Logger
}

// run is the in-flight state of one workflow invocation. It is owned by the
// goroutine executing it; Monitor reads go through the persisted snapshot.
type run struct {
	id         string
	def        *Definition
	params     map[string]any
	priority   string
	maxRetries *int
	outputs    map[string]any
	steps      []*StepSnapshot
	cancel     context.CancelFunc
}

// Orchestrator sequences workflow steps over registered agents, resolving
// dependencies and variables between steps.
type Orchestrator struct {
	store      *store.Store
	bus        *bus.Bus
	table      *CapabilityTable
	dispatcher Dispatcher
	secrets    SecretResolver
	defs       map[string]*Definition
	logger     *slog.Logger

	mu   sync.Mutex
	runs map[string]*run
}

func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	defs := opts.Definitions
	if defs == nil {
		defs = make(map[string]*Definition)
	}
	return &Orchestrator{
		store:      opts.Store,
		bus:        opts.Bus,
		table:      opts.Table,
		dispatcher: opts.Dispatcher,
		secrets:    opts.Secrets,
		defs:       defs,
		logger:     logger,
		runs:       make(map[string]*run),
	}
}

func (o *Orchestrator) Definitions() map[string]*Definition {
	return o.defs
}

// Orchestrate validates the request, persists a pending run and returns its
// id immediately; execution continues in the background.
func (o *Orchestrator) Orchestrate(workflowID string, params map[string]any, priority string, constraints *store.JobConstraints) (string, error) {
	def, ok := o.defs[workflowID]
	if !ok {
		return "", &runtime.UnknownWorkflowError{WorkflowID: workflowID}
	}
	if priority == "" {
		priority = store.PriorityNormal
	}

	r := &run{
		id:       uuid.NewString(),
		def:      def,
		params:   params,
		priority: priority,
		outputs:  make(map[string]any),
		steps:    make([]*StepSnapshot, len(def.Steps)),
	}
	if constraints != nil {
		r.maxRetries = constraints.MaxRetries
	}
	for i, step := range def.Steps {
		r.steps[i] = &StepSnapshot{ID: step.ID, Status: StepPending}
	}

	if err := o.persist(r, RunPending, nil, ""); err != nil {
		return "", err
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	o.mu.Lock()
	o.runs[r.id] = r
	o.mu.Unlock()

	o.publishEvent(r.id, "workflow_started", map[string]any{
		"workflow_id": workflowID,
		"steps":       len(def.Steps),
	})

	// The run outlives the submitting request.
	go o.execute(ctx, r)

	return r.id, nil
}

func (o *Orchestrator) execute(ctx context.Context, r *run) {
	defer func() {
		o.mu.Lock()
		delete(o.runs, r.id)
		o.mu.Unlock()
	}()

	o.logger.Info("workflow started", "run_id", r.id, "workflow_id", r.def.ID)
	if err := o.persist(r, RunRunning, nil, ""); err != nil {
		o.logger.Error("workflow persist failed", "run_id", r.id, "error", err)
	}

	completed := make(map[string]bool, len(r.def.Steps))
	for i := range r.def.Steps {
		step := &r.def.Steps[i]
		snap := r.steps[i]

		if ctx.Err() != nil {
			o.finish(r, RunCancelled, "cancelled")
			return
		}

		if unmet := firstUnmetDependency(step, completed); unmet != "" {
			if step.Optional {
				snap.Status = StepSkipped
				o.persistStep(r, snap, "step_skipped")
				continue
			}
			err := &runtime.DependencyNotMetError{StepID: step.ID, Dependency: unmet}
			snap.Status = StepFailed
			snap.Error = err.Error()
			o.persistStep(r, snap, "step_failed")
			o.finish(r, RunFailed, err.Error())
			return
		}

		ok := o.runStep(ctx, r, step, snap)
		if ok {
			completed[step.ID] = true
			continue
		}
		if step.Optional || r.def.ContinueOnError {
			continue
		}
		o.finish(r, RunFailed, fmt.Sprintf("step %s failed: %s", step.ID, snap.Error))
		return
	}

	// Every required step must have completed; with continueOnError a
	// required failure still fails the workflow at the end.
	for i, step := range r.def.Steps {
		if !step.Optional && r.steps[i].Status != StepCompleted {
			o.finish(r, RunFailed, fmt.Sprintf("step %s did not complete", step.ID))
			return
		}
	}
	o.finish(r, RunCompleted, "")
}

// runStep dispatches one step and records its outputs. Returns true on
// success.
func (o *Orchestrator) runStep(ctx context.Context, r *run, step *StepDef, snap *StepSnapshot) bool {
	now := time.Now()
	snap.Status = StepRunning
	snap.StartedAt = &now
	o.persistStep(r, snap, "step_started")

	fail := func(errMsg string) bool {
		done := time.Now()
		snap.Status = StepFailed
		snap.Error = errMsg
		snap.CompletedAt = &done
		o.persistStep(r, snap, "step_failed")
		return false
	}

	inputs, err := resolveInputs(step, r.params, r.outputs, o.secrets)
	if err != nil {
		return fail(err.Error())
	}

	agent := o.table.SelectBest(step.AgentType)
	if agent == nil {
		return fail(fmt.Sprintf("no available agent of type %s", step.AgentType))
	}
	snap.AgentID = agent.ID

	jobType := step.JobType
	if jobType == "" {
		jobType = step.AgentType
	}
	job := &store.Job{
		ID:       uuid.NewString(),
		Type:     jobType,
		Priority: r.priority,
		Payload:  inputs,
		Status:   store.JobRunning,
		Requirements: store.JobRequirements{
			AgentType: step.AgentType,
		},
		Constraints: store.JobConstraints{
			MaxExecutionTimeMs: step.Timeout.Milliseconds(),
			MaxRetries:         r.maxRetries,
		},
	}
	if err := o.store.UpsertJob(job); err != nil {
		o.logger.Warn("job persist failed", "run_id", r.id, "job_id", job.ID, "error", err)
	}

	res, err := o.dispatcher.Dispatch(ctx, agent.ID, job)
	done := time.Now()
	snap.CompletedAt = &done
	if res != nil {
		snap.ExecutionTimeMs = res.ExecutionTimeMs
	}

	if err != nil || res == nil || !res.Success {
		job.Status = store.JobFailed
		_ = o.store.UpsertJob(job)
		errMsg := "execution failed"
		if err != nil {
			errMsg = err.Error()
		} else if res != nil && res.Error != "" {
			errMsg = res.Error
		}
		snap.Status = StepFailed
		snap.Error = errMsg
		o.persistStep(r, snap, "step_failed")
		return false
	}

	job.Status = store.JobCompleted
	_ = o.store.UpsertJob(job)

	o.recordOutputs(r, step, res)
	snap.Status = StepCompleted
	o.persistStep(r, snap, "step_completed")
	return true
}

// recordOutputs stores result data under <stepId>.<outputName>. When the step
// declares no outputs, every data key is recorded.
func (o *Orchestrator) recordOutputs(r *run, step *StepDef, res *runtime.Result) {
	names := step.Outputs
	if len(names) == 0 {
		for name := range res.Data {
			names = append(names, name)
		}
	}
	for _, name := range names {
		r.outputs[step.ID+"."+name] = res.Data[name]
	}
}

func (o *Orchestrator) finish(r *run, status, errMsg string) {
	result := make(map[string]any, len(r.outputs))
	for k, v := range r.outputs {
		result[k] = v
	}
	if err := o.persist(r, status, result, errMsg); err != nil {
		o.logger.Error("workflow final persist failed", "run_id", r.id, "error", err)
	}

	event := "workflow_completed"
	if status != RunCompleted {
		event = "workflow_" + status
	}
	o.publishEvent(r.id, event, map[string]any{
		"workflow_id": r.def.ID,
		"error":       errMsg,
	})
	o.logger.Info("workflow finished", "run_id", r.id, "status", status, "error", errMsg)
}

// Monitor returns the persisted snapshot of a run; it survives restarts.
func (o *Orchestrator) Monitor(runID string) (*store.WorkflowRun, error) {
	wr, err := o.store.GetWorkflowRun(runID)
	if err != nil {
		return nil, err
	}
	if wr == nil {
		return nil, &runtime.UnknownWorkflowError{WorkflowID: runID}
	}
	return wr, nil
}

// ListRuns returns recent runs, newest first.
func (o *Orchestrator) ListRuns(limit int) ([]store.WorkflowRun, error) {
	return o.store.ListWorkflowRuns(limit)
}

// Cancel is advisory: it signals the run's context and in-flight attempts
// observe the cancellation; it does not kill non-cooperative executors.
func (o *Orchestrator) Cancel(runID string) error {
	o.mu.Lock()
	r, ok := o.runs[runID]
	o.mu.Unlock()
	if !ok {
		wr, err := o.store.GetWorkflowRun(runID)
		if err != nil {
			return err
		}
		if wr == nil {
			return &runtime.UnknownWorkflowError{WorkflowID: runID}
		}
		return fmt.Errorf("run %s is not active", runID)
	}
	r.cancel()
	return nil
}

func (o *Orchestrator) persist(r *run, status string, result map[string]any, errMsg string) error {
	steps, _ := json.Marshal(r.steps)
	if status == RunPending {
		params, _ := json.Marshal(r.params)
		return o.store.SaveWorkflowRun(&store.WorkflowRun{
			ID:         r.id,
			WorkflowID: r.def.ID,
			Status:     status,
			Parameters: params,
			Steps:      steps,
		})
	}

	var resultJSON json.RawMessage
	if result != nil {
		resultJSON, _ = json.Marshal(result)
	}
	return o.store.UpdateWorkflowRun(r.id, status, steps, resultJSON, errMsg)
}

func (o *Orchestrator) persistStep(r *run, snap *StepSnapshot, event string) {
	if err := o.persist(r, RunRunning, nil, ""); err != nil {
		o.logger.Warn("step persist failed", "run_id", r.id, "step", snap.ID, "error", err)
	}
	o.publishEvent(r.id, event, map[string]any{
		"step":     snap.ID,
		"status":   snap.Status,
		"agent_id": snap.AgentID,
		"error":    snap.Error,
	})
}

func (o *Orchestrator) publishEvent(runID, eventType string, data map[string]any) {
	if o.bus == nil {
		return
	}
	payload := map[string]any{"type": eventType, "run_id": runID}
	for k, v := range data {
		if v != "" && v != nil {
			payload[k] = v
		}
	}
	if _, err := o.bus.Publish(bus.TopicWorkflowEvents(runID), payload, bus.PublishOptions{
		Type: store.MessageBroadcast,
		From: "orchestrator",
	}); err != nil {
		o.logger.Warn("event publish failed", "run_id", runID, "event", eventType, "error", err)
	}
}

func firstUnmetDependency(step *StepDef, completed map[string]bool) string {
	for _, dep := range step.Dependencies {
		if !completed[dep] {
			return dep
		}
	}
	return ""
}
