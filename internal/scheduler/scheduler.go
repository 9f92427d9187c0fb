package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/avlonitis/ergon/internal/config"
	"github.com/avlonitis/ergon/internal/schedule"
	"github.com/avlonitis/ergon/internal/store"
	"github.com/avlonitis/ergon/internal/workflow"
)

// Scheduler polls for due triggers and submits their workflows.
type Scheduler struct {
	store        *store.Store
	orch         *workflow.Orchestrator
	pollInterval time.Duration
	reloadCh     chan struct{}
}

func New(s *store.Store, orch *workflow.Orchestrator, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		store:        s,
		orch:         orch,
		pollInterval: cfg.PollInterval,
		reloadCh:     make(chan struct{}, 1),
	}
}

// UpdateConfig changes the poll interval and resets the run loop's ticker.
func (s *Scheduler) UpdateConfig(pollInterval time.Duration) {
	s.pollInterval = pollInterval
	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	if s.pollInterval == 0 {
		s.pollInterval = 30 * time.Second
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	slog.Info("scheduler started", "poll_interval", s.pollInterval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-s.reloadCh:
			ticker.Reset(s.pollInterval)
			slog.Info("scheduler config reloaded", "poll_interval", s.pollInterval)
		case <-ticker.C:
			s.poll()
		}
	}
}

func (s *Scheduler) poll() {
	triggers, err := s.store.GetDueTriggers(time.Now())
	if err != nil {
		slog.Error("failed to get due triggers", "error", err)
		return
	}

	for _, trigger := range triggers {
		s.fire(trigger)
	}
}

func (s *Scheduler) fire(trigger store.Trigger) {
	slog.Info("firing trigger", "id", trigger.ID, "name", trigger.Name, "workflow", trigger.WorkflowID)

	var params map[string]any
	if len(trigger.Parameters) > 0 {
		if err := json.Unmarshal(trigger.Parameters, &params); err != nil {
			slog.Error("trigger has malformed parameters", "id", trigger.ID, "error", err)
		}
	}

	runID, err := s.orch.Orchestrate(trigger.WorkflowID, params, store.PriorityNormal, nil)

	var lastStatus, lastError string
	if err != nil {
		lastStatus = "error"
		lastError = err.Error()
		slog.Error("trigger submission failed", "id", trigger.ID, "error", err)
	} else {
		lastStatus = "submitted"
		slog.Info("trigger submitted workflow", "id", trigger.ID, "run_id", runID)
	}

	nextRun := schedule.NextRun(trigger.Schedule)
	if err := s.store.UpdateTriggerRun(trigger.ID, lastStatus, lastError, nextRun); err != nil {
		slog.Error("failed to update trigger run", "id", trigger.ID, "error", err)
	}

	// One-off triggers complete when nothing remains on the schedule.
	if nextRun == nil {
		slog.Info("no next run, completing trigger", "id", trigger.ID, "name", trigger.Name)
		if err := s.store.UpdateTriggerStatus(trigger.ID, "completed"); err != nil {
			slog.Error("failed to complete trigger", "id", trigger.ID, "error", err)
		}
	}
}
