package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/avlonitis/ergon/internal/config"
	"github.com/avlonitis/ergon/internal/store"
)

// Handler processes one delivered message. Returning an error keeps the
// message eligible for redelivery when the subscription allows retries.
type Handler func(msg *store.Message) error

type PublishOptions struct {
	Type      string
	Priority  string
	From      string
	To        string
	ExpiresAt *time.Time
}

type SubscribeOptions struct {
	// MaxRetries bounds redeliveries to this subscription after a handler
	// error. 0 means the subscription gives up on the first error. The
	// message is marked failed once every matching subscription has either
	// succeeded or given up, if any gave up.
	MaxRetries int
}

type subscription struct {
	id         string
	topic      string
	handler    Handler
	maxRetries int
}

// delivery tracks per-subscription progress for one undelivered message, so a
// handler error on one subscription neither skips the others nor consumes
// their retry budget. The state is in-memory only; after a restart every
// matching subscription is invoked again, which at-least-once allows.
type delivery struct {
	done     map[string]bool // subscription id → delivered or given up
	attempts map[string]int  // subscription id → failed attempts
	gaveUp   bool
}

// Bus is a durable topic-addressed pub/sub layer. Messages live in the store
// until delivered; the embedded NATS notifier only wakes the delivery loop
// early so latency is not bounded below by the poll interval.
type Bus struct {
	store    *store.Store
	notifier *Notifier
	cfg      config.BusConfig
	logger   *slog.Logger

	mu       sync.Mutex
	subs     []*subscription
	inflight map[string]*delivery

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a bus over the given store. notifier may be nil, in which case
// delivery relies on polling alone.
func New(st *store.Store, notifier *Notifier, cfg config.BusConfig, logger *slog.Logger) *Bus {
	return &Bus{
		store:    st,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		inflight: make(map[string]*delivery),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (b *Bus) Start() error {
	if b.notifier != nil {
		if err := b.notifier.Listen(b.wakeup); err != nil {
			return err
		}
	}
	b.wg.Add(2)
	go b.deliverLoop()
	go b.cleanupLoop()
	return nil
}

func (b *Bus) Stop() {
	close(b.done)
	b.wg.Wait()
}

// Publish stores the message and wakes the delivery loop. The returned id can
// be used to inspect the message row later.
func (b *Bus) Publish(topic string, payload any, opts PublishOptions) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msgType := opts.Type
	if msgType == "" {
		msgType = store.MessageDirect
	}
	priority := opts.Priority
	if priority == "" {
		priority = store.PriorityNormal
	}

	msg := &store.Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		From:      opts.From,
		To:        opts.To,
		Topic:     topic,
		Payload:   data,
		Priority:  priority,
		ExpiresAt: opts.ExpiresAt,
	}
	if err := b.store.InsertMessage(msg); err != nil {
		return "", err
	}

	if b.notifier != nil {
		b.notifier.Wake()
	} else {
		b.wakeup()
	}
	return msg.ID, nil
}

// Subscribe registers a handler for an exact or wildcard topic and returns the
// subscription id. Handlers for the same message run in registration order.
func (b *Bus) Subscribe(topic string, handler Handler, opts SubscribeOptions) string {
	sub := &subscription{
		id:         uuid.NewString(),
		topic:      topic,
		handler:    handler,
		maxRetries: opts.MaxRetries,
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub.id
}

func (b *Bus) Unsubscribe(subscriptionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub.id == subscriptionID {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// UnsubscribeAll removes every subscription registered for the exact pattern.
func (b *Bus) UnsubscribeAll(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.subs[:0]
	for _, sub := range b.subs {
		if sub.topic != topic {
			kept = append(kept, sub)
		}
	}
	b.subs = kept
}

func (b *Bus) wakeup() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Bus) deliverLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
		case <-b.wake:
		}
		b.deliverBatch()
	}
}

// deliverBatch drains one batch of unprocessed messages in creation order.
func (b *Bus) deliverBatch() {
	msgs, err := b.store.QueryUnprocessedMessages(b.cfg.BatchSize)
	if err != nil {
		b.logger.Error("bus: query unprocessed messages", "error", err)
		return
	}

	now := time.Now()
	for i := range msgs {
		msg := &msgs[i]
		if msg.ExpiresAt != nil && msg.ExpiresAt.Before(now) {
			b.finalize(msg.ID, store.MessageExpired)
			continue
		}
		b.deliver(msg)
	}
}

// deliver invokes every matching subscription, in registration order. A
// handler error affects only that subscription: it is retried on later batches
// up to its own MaxRetries while the others are not re-invoked.
func (b *Bus) deliver(msg *store.Message) {
	b.mu.Lock()
	matching := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if MatchTopic(sub.topic, msg.Topic) {
			matching = append(matching, sub)
		}
	}
	d := b.inflight[msg.ID]
	if d == nil {
		d = &delivery{done: make(map[string]bool), attempts: make(map[string]int)}
		b.inflight[msg.ID] = d
	}
	b.mu.Unlock()

	// No subscriber means delivered to everyone, vacuously. Leaving these
	// unprocessed would pin the fetch batch once enough of them accumulate.
	if len(matching) == 0 {
		b.finalize(msg.ID, store.MessageProcessed)
		return
	}

	retryLater := false
	for _, sub := range matching {
		if d.done[sub.id] {
			continue
		}
		err := b.invoke(sub, msg)
		if err == nil {
			d.done[sub.id] = true
			continue
		}
		b.logger.Warn("bus: handler error",
			"message_id", msg.ID, "topic", msg.Topic, "error", err)
		d.attempts[sub.id]++
		if d.attempts[sub.id] > sub.maxRetries {
			d.done[sub.id] = true
			d.gaveUp = true
		} else {
			retryLater = true
		}
	}

	if retryLater {
		if _, err := b.store.IncrementMessageAttempts(msg.ID); err != nil {
			b.logger.Error("bus: increment attempts", "message_id", msg.ID, "error", err)
		}
		return
	}

	status := store.MessageProcessed
	if d.gaveUp {
		status = store.MessageFailed
	}
	b.finalize(msg.ID, status)
}

// finalize writes the terminal status and drops the delivery state.
func (b *Bus) finalize(msgID, status string) {
	b.mu.Lock()
	delete(b.inflight, msgID)
	b.mu.Unlock()

	var err error
	switch status {
	case store.MessageProcessed:
		err = b.store.MarkMessageProcessed(msgID)
	case store.MessageFailed:
		err = b.store.MarkMessageFailed(msgID)
	case store.MessageExpired:
		err = b.store.MarkMessageExpired(msgID)
	}
	if err != nil {
		b.logger.Error("bus: mark message "+status, "message_id", msgID, "error", err)
	}
}

func (b *Bus) invoke(sub *subscription, msg *store.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return sub.handler(msg)
}

func (b *Bus) cleanupLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.CleanupEvery)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			n, err := b.store.DeleteExpiredMessages(b.cfg.Retention)
			if err != nil {
				b.logger.Error("bus: cleanup", "error", err)
				continue
			}
			if n > 0 {
				b.logger.Debug("bus: cleaned up messages", "count", n)
			}
		}
	}
}
