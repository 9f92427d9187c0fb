package bus

import (
	"errors"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/avlonitis/ergon/internal/config"
	"github.com/avlonitis/ergon/internal/store"
)

func newTestBus(t *testing.T) (*Bus, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.New(config.StoreConfig{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	b := New(st, nil, config.BusConfig{
		PollInterval: 20 * time.Millisecond,
		BatchSize:    50,
		Retention:    time.Hour,
		CleanupEvery: time.Hour,
	}, slog.Default())
	if err := b.Start(); err != nil {
		t.Fatalf("failed to start bus: %v", err)
	}
	t.Cleanup(b.Stop)
	return b, st
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timeout waiting for condition")
}

func TestMatchTopic(t *testing.T) {
	cases := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"agent.scraper-1", "agent.scraper-1", true},
		{"agent.scraper-1", "agent.scraper-2", false},
		{"agent.*", "agent.scraper-1", true},
		{"agent.*", "agent.status.update", true}, // * spans multiple segments
		{"agent.*", "agent", false},
		{"agent.*", "workflow.run-1.events", false},
		{"workflow.*.events", "workflow.run-1.events", true},
		{"workflow.*.events", "workflow.run-1.status", false},
		{"*", "agent.broadcast", true},
	}
	for _, c := range cases {
		if got := MatchTopic(c.pattern, c.topic); got != c.want {
			t.Errorf("MatchTopic(%q, %q) = %v, want %v", c.pattern, c.topic, got, c.want)
		}
	}
}

func TestPublishAndDeliver(t *testing.T) {
	b, _ := newTestBus(t)

	received := make(chan *store.Message, 1)
	b.Subscribe("agent.scraper-1", func(msg *store.Message) error {
		received <- msg
		return nil
	}, SubscribeOptions{})

	id, err := b.Publish(TopicAgent("scraper-1"), map[string]string{"job_id": "job-1"}, PublishOptions{
		Type: store.MessageTask,
		From: "orchestrator",
		To:   "scraper-1",
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-received:
		if msg.ID != id {
			t.Errorf("expected message %s, got %s", id, msg.ID)
		}
		if string(msg.Payload) != `{"job_id":"job-1"}` {
			t.Errorf("unexpected payload: %s", msg.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestWildcardDelivery(t *testing.T) {
	b, _ := newTestBus(t)

	var count atomic.Int32
	b.Subscribe("agent.*", func(msg *store.Message) error {
		count.Add(1)
		return nil
	}, SubscribeOptions{})

	_, _ = b.Publish("agent.scraper-1", "a", PublishOptions{})
	_, _ = b.Publish("agent.status.update", "b", PublishOptions{})
	_, _ = b.Publish("workflow.run-1.events", "c", PublishOptions{})

	waitFor(t, 2*time.Second, func() bool { return count.Load() == 2 })
	time.Sleep(50 * time.Millisecond)
	if got := count.Load(); got != 2 {
		t.Errorf("expected 2 deliveries, got %d", got)
	}
}

func TestHandlerErrorNoRetries(t *testing.T) {
	b, st := newTestBus(t)

	var calls atomic.Int32
	b.Subscribe("agent.a", func(msg *store.Message) error {
		calls.Add(1)
		return errors.New("boom")
	}, SubscribeOptions{MaxRetries: 0})

	id, _ := b.Publish("agent.a", "x", PublishOptions{})

	waitFor(t, 2*time.Second, func() bool {
		msg, _ := st.GetMessage(id)
		return msg != nil && msg.Status == store.MessageFailed
	})
	if got := calls.Load(); got != 1 {
		t.Errorf("expected 1 call with maxRetries=0, got %d", got)
	}
}

func TestHandlerErrorRedelivery(t *testing.T) {
	b, st := newTestBus(t)

	var calls atomic.Int32
	b.Subscribe("agent.a", func(msg *store.Message) error {
		if calls.Add(1) < 3 {
			return errors.New("boom")
		}
		return nil
	}, SubscribeOptions{MaxRetries: 5})

	id, _ := b.Publish("agent.a", "x", PublishOptions{})

	waitFor(t, 2*time.Second, func() bool {
		msg, _ := st.GetMessage(id)
		return msg != nil && msg.Status == store.MessageProcessed
	})
	if got := calls.Load(); got != 3 {
		t.Errorf("expected 3 calls, got %d", got)
	}
}

func TestHandlerRetriesExhausted(t *testing.T) {
	b, st := newTestBus(t)

	var calls atomic.Int32
	b.Subscribe("agent.a", func(msg *store.Message) error {
		calls.Add(1)
		return errors.New("boom")
	}, SubscribeOptions{MaxRetries: 2})

	id, _ := b.Publish("agent.a", "x", PublishOptions{})

	waitFor(t, 2*time.Second, func() bool {
		msg, _ := st.GetMessage(id)
		return msg != nil && msg.Status == store.MessageFailed
	})
	if got := calls.Load(); got != 3 {
		t.Errorf("expected maxRetries+1 = 3 calls, got %d", got)
	}
}

func TestAllSubscribersReceiveDespiteFailure(t *testing.T) {
	b, st := newTestBus(t)

	var failing, healthy atomic.Int32
	b.Subscribe("agent.a", func(msg *store.Message) error {
		failing.Add(1)
		return errors.New("boom")
	}, SubscribeOptions{MaxRetries: 2})
	b.Subscribe("agent.a", func(msg *store.Message) error {
		healthy.Add(1)
		return nil
	}, SubscribeOptions{})

	id, _ := b.Publish("agent.a", "x", PublishOptions{})

	// The failing subscription exhausts its own budget; the message ends
	// failed but the healthy subscription must still have been invoked.
	waitFor(t, 2*time.Second, func() bool {
		msg, _ := st.GetMessage(id)
		return msg != nil && msg.Status == store.MessageFailed
	})
	if got := failing.Load(); got != 3 {
		t.Errorf("expected maxRetries+1 = 3 failing calls, got %d", got)
	}
	if got := healthy.Load(); got != 1 {
		t.Errorf("healthy subscriber must be invoked exactly once, got %d", got)
	}
}

func TestFailureDoesNotConsumeOtherBudgets(t *testing.T) {
	b, st := newTestBus(t)

	var first, second atomic.Int32
	b.Subscribe("agent.a", func(msg *store.Message) error {
		first.Add(1)
		return errors.New("boom")
	}, SubscribeOptions{MaxRetries: 0})
	b.Subscribe("agent.a", func(msg *store.Message) error {
		second.Add(1)
		return nil
	}, SubscribeOptions{})

	id, _ := b.Publish("agent.a", "x", PublishOptions{})

	waitFor(t, 2*time.Second, func() bool {
		msg, _ := st.GetMessage(id)
		return msg != nil && msg.Status == store.MessageFailed
	})
	if got := first.Load(); got != 1 {
		t.Errorf("expected 1 call with maxRetries=0, got %d", got)
	}
	if got := second.Load(); got != 1 {
		t.Errorf("second subscriber must receive the message once, got %d", got)
	}
}

func TestUnmatchedMessagesDoNotBlockBatch(t *testing.T) {
	dir := t.TempDir()
	st, err := store.New(config.StoreConfig{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer st.Close()

	// Batch smaller than the number of unmatched messages: if they stayed
	// unprocessed they would occupy every fetch and starve later messages.
	b := New(st, nil, config.BusConfig{
		PollInterval: 20 * time.Millisecond,
		BatchSize:    2,
		Retention:    time.Hour,
		CleanupEvery: time.Hour,
	}, slog.Default())
	if err := b.Start(); err != nil {
		t.Fatalf("failed to start bus: %v", err)
	}
	defer b.Stop()

	received := make(chan struct{}, 1)
	b.Subscribe("agent.status.update", func(msg *store.Message) error {
		received <- struct{}{}
		return nil
	}, SubscribeOptions{})

	var unmatched []string
	for i := 0; i < 5; i++ {
		id, _ := b.Publish("agent.nobody.results", i, PublishOptions{})
		unmatched = append(unmatched, id)
	}
	if _, err := b.Publish("agent.status.update", "alive", PublishOptions{}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("delivery starved by unmatched messages ahead in the batch")
	}

	for _, id := range unmatched {
		msg, _ := st.GetMessage(id)
		if msg == nil || msg.Status != store.MessageProcessed {
			t.Errorf("message %s without subscribers should be processed, got %+v", id, msg)
		}
	}
}

func TestExpiredMessageSkipped(t *testing.T) {
	b, st := newTestBus(t)

	var calls atomic.Int32
	b.Subscribe("agent.a", func(msg *store.Message) error {
		calls.Add(1)
		return nil
	}, SubscribeOptions{})

	past := time.Now().Add(-time.Minute)
	id, _ := b.Publish("agent.a", "stale", PublishOptions{ExpiresAt: &past})

	waitFor(t, 2*time.Second, func() bool {
		msg, _ := st.GetMessage(id)
		return msg != nil && msg.Status == store.MessageExpired
	})
	if calls.Load() != 0 {
		t.Error("expired message must not reach handlers")
	}
}

func TestUnsubscribe(t *testing.T) {
	b, st := newTestBus(t)

	var calls atomic.Int32
	subID := b.Subscribe("agent.a", func(msg *store.Message) error {
		calls.Add(1)
		return nil
	}, SubscribeOptions{})

	id, _ := b.Publish("agent.a", "1", PublishOptions{})
	waitFor(t, 2*time.Second, func() bool {
		msg, _ := st.GetMessage(id)
		return msg != nil && msg.Status == store.MessageProcessed
	})

	b.Unsubscribe(subID)
	_, _ = b.Publish("agent.a", "2", PublishOptions{})
	time.Sleep(100 * time.Millisecond)

	if got := calls.Load(); got != 1 {
		t.Errorf("expected 1 call after unsubscribe, got %d", got)
	}
}

func TestNotifierWakeup(t *testing.T) {
	dir := t.TempDir()
	st, err := store.New(config.StoreConfig{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer st.Close()

	notifier, err := NewNotifier(config.NATSConfig{
		Port:    -1, // random port
		DataDir: filepath.Join(dir, "nats"),
	})
	if err != nil {
		t.Fatalf("failed to create notifier: %v", err)
	}
	defer notifier.Close()

	// Long poll interval: delivery within the timeout proves the wakeup path.
	b := New(st, notifier, config.BusConfig{
		PollInterval: time.Minute,
		BatchSize:    50,
		Retention:    time.Hour,
		CleanupEvery: time.Hour,
	}, slog.Default())
	if err := b.Start(); err != nil {
		t.Fatalf("failed to start bus: %v", err)
	}
	defer b.Stop()

	received := make(chan struct{}, 1)
	b.Subscribe("agent.a", func(msg *store.Message) error {
		received <- struct{}{}
		return nil
	}, SubscribeOptions{})

	if _, err := b.Publish("agent.a", "hello", PublishOptions{}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("wakeup did not trigger delivery before the poll tick")
	}
}

func TestTopicNames(t *testing.T) {
	if got := TopicAgent("scraper-1"); got != "agent.scraper-1" {
		t.Errorf("expected agent.scraper-1, got %s", got)
	}
	if got := TopicWorkflowEvents("run-1"); got != "workflow.run-1.events" {
		t.Errorf("expected workflow.run-1.events, got %s", got)
	}
}
