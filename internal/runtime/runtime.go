package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/avlonitis/ergon/internal/bus"
	"github.com/avlonitis/ergon/internal/config"
	"github.com/avlonitis/ergon/internal/memory"
	"github.com/avlonitis/ergon/internal/store"
)

// Agent lifecycle statuses.
const (
	StatusInitializing = "initializing"
	StatusIdle         = "idle"
	StatusBusy         = "busy"
	StatusError        = "error"
	StatusStopped      = "stopped"
)

// Result is the outcome of one job. The final result returned by ProcessJob
// reflects the last attempt.
type Result struct {
	Success         bool           `json:"success"`
	Data            map[string]any `json:"data,omitempty"`
	Error           string         `json:"error,omitempty"`
	Warnings        []string       `json:"warnings,omitempty"`
	ExecutionTimeMs int64          `json:"execution_time_ms"`
	AgentID         string         `json:"agent_id"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Executor is the task function an agent wraps. Implementations should honor
// ctx cancellation; the runtime abandons attempts whose context expires.
type Executor interface {
	Execute(ctx context.Context, job *store.Job) (*Result, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, job *store.Job) (*Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, job *store.Job) (*Result, error) {
	return f(ctx, job)
}

// Metrics are running counters owned by one AgentRuntime. They are mutated
// only after an attempt cycle completes and persisted asynchronously.
type Metrics struct {
	TotalJobs            int64   `json:"total_jobs"`
	SuccessfulJobs       int64   `json:"successful_jobs"`
	FailedJobs           int64   `json:"failed_jobs"`
	AverageExecutionTime float64 `json:"average_execution_time_ms"`
	ErrorRate            float64 `json:"error_rate"`
	UptimeMs             int64   `json:"uptime_ms"`
}

type Options struct {
	ID           string
	Type         string
	Capabilities []string
	MaxLoad      int
	Executor     Executor
	Bus          *bus.Bus
	Store        *store.Store
	Memory       *memory.Cache
	Config       config.RuntimeConfig
	Logger       *slog.Logger
}

// AgentRuntime turns a fallible, potentially slow Executor into governed job
// execution with bounded retries, a hard per-attempt timeout, and status and
// metrics bookkeeping.
type AgentRuntime struct {
	id           string
	agentType    string
	capabilities []string
	maxLoad      int
	executor     Executor
	bus          *bus.Bus
	store        *store.Store
	memory       *memory.Cache
	cfg          config.RuntimeConfig
	logger       *slog.Logger
	backoff      *Backoff

	jobs     chan *store.Job
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	subIDs   []string

	mu        sync.Mutex
	status    string
	load      int
	metrics   Metrics
	startedAt time.Time
}

func New(opts Options) *AgentRuntime {
	maxLoad := opts.MaxLoad
	if maxLoad <= 0 {
		maxLoad = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &AgentRuntime{
		id:           opts.ID,
		agentType:    opts.Type,
		capabilities: opts.Capabilities,
		maxLoad:      maxLoad,
		executor:     opts.Executor,
		bus:          opts.Bus,
		store:        opts.Store,
		memory:       opts.Memory,
		cfg:          opts.Config,
		logger:       logger.With("agent_id", opts.ID),
		backoff:      NewBackoff(opts.Config.BackoffBase, opts.Config.BackoffMax),
		jobs:         make(chan *store.Job, 16),
		done:         make(chan struct{}),
		status:       StatusInitializing,
		startedAt:    time.Now(),
	}
}

func (r *AgentRuntime) ID() string             { return r.id }
func (r *AgentRuntime) Type() string           { return r.agentType }
func (r *AgentRuntime) Capabilities() []string { return r.capabilities }
func (r *AgentRuntime) MaxLoad() int           { return r.maxLoad }
func (r *AgentRuntime) Memory() *memory.Cache  { return r.memory }

// Start announces the agent, subscribes to its topics and launches the serial
// job worker.
func (r *AgentRuntime) Start(ctx context.Context) error {
	if r.executor == nil {
		r.setStatus(StatusError)
		return &ValidationError{Reason: "agent has no executor"}
	}

	if r.bus != nil {
		for _, topic := range []string{
			bus.TopicAgent(r.id),
			bus.TopicAgentType(r.agentType),
			bus.TopicBroadcast,
		} {
			id := r.bus.Subscribe(topic, r.handleMessage(ctx), bus.SubscribeOptions{})
			r.subIDs = append(r.subIDs, id)
		}
	}

	r.wg.Add(1)
	go r.worker(ctx)

	r.setStatus(StatusIdle)
	r.announce()
	r.logger.Info("agent started", "type", r.agentType, "capabilities", r.capabilities)
	return nil
}

// Stop is idempotent; repeated calls are no-ops.
func (r *AgentRuntime) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
		r.wg.Wait()
		if r.bus != nil {
			for _, id := range r.subIDs {
				r.bus.Unsubscribe(id)
			}
		}
		r.setStatus(StatusStopped)
	})
}

// handleMessage enqueues task messages addressed to this agent. The job
// payload carries either the full job or a job_id to load from the store.
func (r *AgentRuntime) handleMessage(ctx context.Context) bus.Handler {
	return func(msg *store.Message) error {
		if msg.Type != store.MessageTask {
			return nil
		}
		if msg.To != "" && msg.To != r.id {
			return nil
		}

		var ref struct {
			JobID string `json:"job_id"`
		}
		if err := json.Unmarshal(msg.Payload, &ref); err != nil || ref.JobID == "" {
			r.logger.Warn("task message without job_id", "message_id", msg.ID)
			return nil
		}
		job, err := r.store.GetJob(ref.JobID)
		if err != nil {
			return err
		}
		if job == nil {
			r.logger.Warn("task references unknown job", "job_id", ref.JobID)
			return nil
		}

		select {
		case r.jobs <- job:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *AgentRuntime) worker(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-r.done:
			return
		case <-ctx.Done():
			return
		case job := <-r.jobs:
			res := r.ProcessJob(ctx, job)
			r.publishResult(job, res)
		}
	}
}

// ProcessJob executes the job with up to maxRetries+1 attempts. Retryable
// errors wait an exponential backoff between attempts; anything else stops
// immediately. The agent always returns to Idle afterwards.
func (r *AgentRuntime) ProcessJob(ctx context.Context, job *store.Job) *Result {
	maxRetries := r.cfg.MaxRetries
	if job.Constraints.MaxRetries != nil {
		maxRetries = *job.Constraints.MaxRetries
	}

	r.mu.Lock()
	r.load++
	r.status = StatusBusy
	r.mu.Unlock()
	r.publishStatus()

	defer func() {
		r.mu.Lock()
		r.load--
		if r.load == 0 && r.status != StatusStopped {
			r.status = StatusIdle
		}
		r.mu.Unlock()
		r.publishStatus()
	}()

	var (
		res      *Result
		lastErr  error
		attempts int
	)
	start := time.Now()
retries:
	for attempt := 1; attempt <= maxRetries+1; attempt++ {
		attempts = attempt
		res, lastErr = r.executeWithTimeout(ctx, job)
		if lastErr == nil {
			break
		}
		r.logger.Warn("job attempt failed",
			"job_id", job.ID, "attempt", attempt, "error", lastErr)
		if attempt > maxRetries || !Retryable(lastErr) {
			break
		}

		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
			break retries
		case <-time.After(r.backoff.Delay(attempt)):
		}
	}
	elapsed := time.Since(start).Milliseconds()

	if lastErr == nil && res != nil {
		if res.ExecutionTimeMs == 0 {
			res.ExecutionTimeMs = elapsed
		}
		res.AgentID = r.id
		r.updateMetrics(res.Success, elapsed)
		return res
	}

	r.updateMetrics(false, elapsed)
	errMsg := "execution failed"
	if lastErr != nil {
		errMsg = lastErr.Error()
	}
	return &Result{
		Success:         false,
		Error:           errMsg,
		ExecutionTimeMs: elapsed,
		AgentID:         r.id,
		Metadata:        map[string]any{"retry_count": attempts - 1},
	}
}

// executeWithTimeout races the executor against the attempt budget. On expiry
// the attempt is abandoned; ctx propagation lets cooperative executors stop.
func (r *AgentRuntime) executeWithTimeout(ctx context.Context, job *store.Job) (*Result, error) {
	budget := r.cfg.MaxExecutionTime
	if d := job.Constraints.MaxExecutionTime(); d > 0 {
		budget = d
	}
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	type outcome struct {
		res *Result
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		res, err := r.executor.Execute(ctx, job)
		ch <- outcome{res, err}
	}()

	select {
	case out := <-ch:
		return out.res, out.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &TimeoutError{Budget: budget}
		}
		return nil, ctx.Err()
	}
}

func (r *AgentRuntime) updateMetrics(success bool, elapsedMs int64) {
	r.mu.Lock()
	r.metrics.TotalJobs++
	if success {
		r.metrics.SuccessfulJobs++
	} else {
		r.metrics.FailedJobs++
	}
	r.metrics.AverageExecutionTime +=
		(float64(elapsedMs) - r.metrics.AverageExecutionTime) / float64(r.metrics.TotalJobs)
	r.metrics.ErrorRate = float64(r.metrics.FailedJobs) / float64(r.metrics.TotalJobs)
	snapshot := r.metrics
	r.mu.Unlock()

	if r.store != nil {
		go r.persistMetrics(snapshot)
	}
}

// persistMetrics is best-effort: a storage failure never fails the job that
// produced the numbers.
func (r *AgentRuntime) persistMetrics(m Metrics) {
	for _, rec := range []struct {
		name  string
		value float64
		unit  string
	}{
		{"jobs_total", float64(m.TotalJobs), "count"},
		{"jobs_failed", float64(m.FailedJobs), "count"},
		{"avg_execution_time", m.AverageExecutionTime, "ms"},
		{"error_rate", m.ErrorRate, "ratio"},
	} {
		if err := r.store.RecordMetric(r.id, rec.name, rec.value, rec.unit); err != nil {
			serr := &StorageError{Op: "record metric", Err: err}
			r.logger.Warn("metrics persist failed", "metric", rec.name, "error", serr)
		}
	}
}

func (r *AgentRuntime) Status() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *AgentRuntime) Load() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load
}

func (r *AgentRuntime) Metrics() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.metrics
	m.UptimeMs = time.Since(r.startedAt).Milliseconds()
	return m
}

func (r *AgentRuntime) setStatus(status string) {
	r.mu.Lock()
	r.status = status
	r.mu.Unlock()
	r.publishStatus()
}

type statusUpdate struct {
	AgentID       string   `json:"agent_id"`
	AgentType     string   `json:"agent_type"`
	Status        string   `json:"status"`
	Load          int      `json:"load"`
	MaxLoad       int      `json:"max_load"`
	Capabilities  []string `json:"capabilities,omitempty"`
	AvgResponseMs float64  `json:"avg_response_ms"`
	Registration  bool     `json:"registration,omitempty"`
}

func (r *AgentRuntime) publishStatus() {
	if r.bus == nil {
		return
	}
	r.mu.Lock()
	upd := statusUpdate{
		AgentID:       r.id,
		AgentType:     r.agentType,
		Status:        r.status,
		Load:          r.load,
		MaxLoad:       r.maxLoad,
		AvgResponseMs: r.metrics.AverageExecutionTime,
	}
	r.mu.Unlock()

	_, err := r.bus.Publish(bus.TopicStatusUpdate, upd, bus.PublishOptions{
		Type: store.MessageBroadcast,
		From: r.id,
	})
	if err != nil {
		r.logger.Warn("status publish failed", "error", err)
	}
}

// announce registers the agent's capabilities with whoever tracks them.
func (r *AgentRuntime) announce() {
	if r.bus == nil {
		return
	}
	r.mu.Lock()
	upd := statusUpdate{
		AgentID:      r.id,
		AgentType:    r.agentType,
		Status:       r.status,
		Load:         r.load,
		MaxLoad:      r.maxLoad,
		Capabilities: r.capabilities,
		Registration: true,
	}
	r.mu.Unlock()

	_, err := r.bus.Publish(bus.TopicStatusUpdate, upd, bus.PublishOptions{
		Type: store.MessageBroadcast,
		From: r.id,
	})
	if err != nil {
		r.logger.Warn("registration publish failed", "error", err)
	}
}

func (r *AgentRuntime) publishResult(job *store.Job, res *Result) {
	if r.bus == nil {
		return
	}
	payload := map[string]any{"job_id": job.ID, "result": res}
	_, err := r.bus.Publish(bus.TopicAgent(r.id)+".results", payload, bus.PublishOptions{
		Type: store.MessageStatus,
		From: r.id,
	})
	if err != nil {
		r.logger.Warn("result publish failed", "job_id", job.ID, "error", err)
	}
}
