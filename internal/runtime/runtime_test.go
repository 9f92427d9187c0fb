package runtime

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/avlonitis/ergon/internal/config"
	"github.com/avlonitis/ergon/internal/store"
)

func testConfig() config.RuntimeConfig {
	return config.RuntimeConfig{
		MaxRetries:       3,
		MaxExecutionTime: time.Second,
		BackoffBase:      time.Millisecond,
		BackoffMax:       10 * time.Millisecond,
	}
}

func newTestRuntime(t *testing.T, exec Executor) *AgentRuntime {
	t.Helper()
	return New(Options{
		ID:       "agent-1",
		Type:     "scraper",
		Executor: exec,
		Config:   testConfig(),
	})
}

func TestProcessJobSuccess(t *testing.T) {
	r := newTestRuntime(t, ExecutorFunc(func(ctx context.Context, job *store.Job) (*Result, error) {
		return &Result{Success: true, Data: map[string]any{"html": "<html/>"}}, nil
	}))

	res := r.ProcessJob(context.Background(), &store.Job{ID: "job-1", Type: "scrape_page"})
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.AgentID != "agent-1" {
		t.Errorf("expected agent-1, got %s", res.AgentID)
	}

	m := r.Metrics()
	if m.TotalJobs != 1 || m.SuccessfulJobs != 1 || m.FailedJobs != 0 {
		t.Errorf("unexpected metrics: %+v", m)
	}
	if r.Status() != StatusIdle {
		t.Errorf("expected idle after job, got %s", r.Status())
	}
}

func TestProcessJobRetriesExhausted(t *testing.T) {
	calls := 0
	r := newTestRuntime(t, ExecutorFunc(func(ctx context.Context, job *store.Job) (*Result, error) {
		calls++
		return nil, &TransientError{Err: errors.New("connection refused")}
	}))

	maxRetries := 2
	job := &store.Job{
		ID:          "job-1",
		Type:        "scrape_page",
		Payload:     map[string]any{"shouldFail": true},
		Constraints: store.JobConstraints{MaxRetries: &maxRetries},
	}
	res := r.ProcessJob(context.Background(), job)

	if res.Success {
		t.Fatal("expected failure")
	}
	if calls != 3 {
		t.Errorf("expected maxRetries+1 = 3 attempts, got %d", calls)
	}
	if got := res.Metadata["retry_count"]; got != 2 {
		t.Errorf("expected retry_count 2, got %v", got)
	}

	m := r.Metrics()
	if m.FailedJobs != 1 {
		t.Errorf("expected 1 failed job, got %+v", m)
	}
	if r.Status() != StatusIdle {
		t.Errorf("agent must return to idle after failure, got %s", r.Status())
	}
}

func TestProcessJobNonRetryableStopsImmediately(t *testing.T) {
	calls := 0
	r := newTestRuntime(t, ExecutorFunc(func(ctx context.Context, job *store.Job) (*Result, error) {
		calls++
		return nil, &ValidationError{Reason: "missing url"}
	}))

	res := r.ProcessJob(context.Background(), &store.Job{ID: "job-1"})
	if res.Success {
		t.Fatal("expected failure")
	}
	if calls != 1 {
		t.Errorf("expected 1 attempt for a non-retryable error, got %d", calls)
	}
}

func TestProcessJobTimeout(t *testing.T) {
	r := newTestRuntime(t, ExecutorFunc(func(ctx context.Context, job *store.Job) (*Result, error) {
		select {
		case <-time.After(5 * time.Second):
			return &Result{Success: true}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))

	maxRetries := 0
	job := &store.Job{
		ID: "job-1",
		Constraints: store.JobConstraints{
			MaxExecutionTimeMs: 20,
			MaxRetries:         &maxRetries,
		},
	}

	start := time.Now()
	res := r.ProcessJob(context.Background(), job)
	if res.Success {
		t.Fatal("expected timeout failure")
	}
	if time.Since(start) > time.Second {
		t.Errorf("attempt was not abandoned at the budget")
	}

	if !strings.Contains(res.Error, "budget") {
		t.Errorf("expected timeout error message, got %q", res.Error)
	}
}

func TestProcessJobCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := newTestRuntime(t, ExecutorFunc(func(c context.Context, job *store.Job) (*Result, error) {
		cancel()
		return nil, &TransientError{Err: errors.New("flaky")}
	}))

	res := r.ProcessJob(ctx, &store.Job{ID: "job-1"})
	if res.Success {
		t.Fatal("expected failure after cancellation")
	}
	m := r.Metrics()
	if m.TotalJobs != 1 {
		t.Errorf("expected exactly one counted job, got %+v", m)
	}
}

func TestStopIdempotent(t *testing.T) {
	r := newTestRuntime(t, ExecutorFunc(func(ctx context.Context, job *store.Job) (*Result, error) {
		return &Result{Success: true}, nil
	}))
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	r.Stop()
	r.Stop()

	if r.Status() != StatusStopped {
		t.Errorf("expected stopped after Stop, got %s", r.Status())
	}
}

func TestBackoffMonotonicAndCapped(t *testing.T) {
	b := NewBackoff(time.Second, 30*time.Second)

	prev := time.Duration(0)
	for attempt := 1; attempt <= 12; attempt++ {
		d := b.Delay(attempt)
		if d < prev {
			t.Errorf("delay decreased at attempt %d: %v < %v", attempt, d, prev)
		}
		if d > 30*time.Second {
			t.Errorf("delay exceeds cap at attempt %d: %v", attempt, d)
		}
		prev = d
	}

	if d := b.Delay(20); d != 30*time.Second {
		t.Errorf("expected cap at high attempts, got %v", d)
	}
}

func TestBackoffJitterBelowBase(t *testing.T) {
	b := NewBackoff(time.Second, 30*time.Second)
	b.rnd = func() float64 { return 0.999 }

	if d := b.Delay(1); d >= 2*time.Second {
		t.Errorf("jitter must stay below base: %v", d)
	}
	b.rnd = func() float64 { return 0 }
	if d := b.Delay(1); d != time.Second {
		t.Errorf("expected bare base delay, got %v", d)
	}
	if d := b.Delay(3); d != 4*time.Second {
		t.Errorf("expected 4s at attempt 3, got %v", d)
	}
}

func TestRetryableClassification(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{&TransientError{Err: errors.New("boom")}, true},
		{&TimeoutError{Budget: time.Second}, true},
		{&ValidationError{Reason: "bad input"}, false},
		{&ClientError{Status: 404, Reason: "not found"}, false},
		{&UnknownWorkflowError{WorkflowID: "x"}, false},
		{&UnknownJobTypeError{JobType: "x"}, false},
		{&DependencyNotMetError{StepID: "a", Dependency: "b"}, false},
		{errors.New("connection refused"), true},
		{errors.New("HTTP 503 Service Unavailable"), true},
		{errors.New("rate limit exceeded"), true},
		{errors.New("invalid selector"), false},
		{nil, false},
	}
	for _, c := range cases {
		if got := Retryable(c.err); got != c.want {
			t.Errorf("Retryable(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestWrappedErrorClassification(t *testing.T) {
	err := &StorageError{Op: "metric", Err: errors.New("disk full")}
	var serr *StorageError
	if !errors.As(err, &serr) {
		t.Fatal("expected errors.As to match StorageError")
	}

	wrapped := &TransientError{Err: &ClientError{Status: 503, Reason: "unavailable"}}
	if !Retryable(wrapped) {
		t.Error("explicit TransientError wrapper must win")
	}
}
