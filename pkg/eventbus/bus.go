package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Handler consumes one event. A non-nil error triggers redelivery; handlers
// must be idempotent under duplicates.
type Handler func(ctx context.Context, evt Event) error

// Publisher is the producer-side contract. Components that only emit events
// depend on this rather than the concrete bus.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Bus is the in-process event transport: at-least-once delivery, ordered
// per tenant. Events for the same tenant are dispatched sequentially from
// one goroutine; tenants share nothing, so a slow tenant never delays
// another.
type Bus struct {
	mu          sync.Mutex
	subs        map[string][]Handler
	queues      map[uuid.UUID]*tenantQueue
	closed      bool
	maxAttempts int
	redelivery  time.Duration

	wg     sync.WaitGroup
	logger *zap.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithMaxAttempts sets how many times a failing delivery is retried before
// the event is dropped with an error log.
func WithMaxAttempts(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.maxAttempts = n
		}
	}
}

// WithRedeliveryDelay sets the pause before a failed delivery is retried.
func WithRedeliveryDelay(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.redelivery = d
		}
	}
}

// New creates a Bus.
func New(logger *zap.Logger, opts ...Option) *Bus {
	b := &Bus{
		subs:        make(map[string][]Handler),
		queues:      make(map[uuid.UUID]*tenantQueue),
		maxAttempts: 5,
		redelivery:  100 * time.Millisecond,
		logger:      logger.Named("eventbus"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler for a topic. Registration is expected at
// startup, before traffic; handlers registered later only see events
// published after registration.
func (b *Bus) Subscribe(topic string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], h)
}

// Publish enqueues an event on its tenant's delivery queue and returns
// without waiting for handlers.
func (b *Bus) Publish(ctx context.Context, evt Event) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return context.Canceled
	}
	q, ok := b.queues[evt.TenantID]
	if !ok {
		q = newTenantQueue()
		b.queues[evt.TenantID] = q
		b.wg.Add(1)
		go b.drain(q)
	}
	b.mu.Unlock()

	q.push(evt)
	return nil
}

// Close stops accepting events and waits for in-flight deliveries.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, q := range b.queues {
		q.close()
	}
	b.mu.Unlock()
	b.wg.Wait()
}

// drain delivers one tenant's events in order. Each event goes to every
// subscriber of its topic; a failing subscriber gets the event again after
// the redelivery delay, without blocking subscribers that already
// succeeded.
func (b *Bus) drain(q *tenantQueue) {
	defer b.wg.Done()
	for {
		evt, ok := q.pop()
		if !ok {
			return
		}

		b.mu.Lock()
		handlers := append([]Handler(nil), b.subs[evt.Topic]...)
		b.mu.Unlock()

		for _, h := range handlers {
			b.deliver(h, evt)
		}
	}
}

func (b *Bus) deliver(h Handler, evt Event) {
	ctx := context.Background()
	for attempt := 1; attempt <= b.maxAttempts; attempt++ {
		if err := h(ctx, evt); err == nil {
			return
		} else if attempt < b.maxAttempts {
			b.logger.Warn("Event delivery failed, redelivering",
				zap.String("topic", evt.Topic),
				zap.String("tenant_id", evt.TenantID.String()),
				zap.String("entity", evt.EntityName),
				zap.Int("attempt", attempt),
				zap.Error(err))
			time.Sleep(b.redelivery)
		} else {
			b.logger.Error("Event dropped after redelivery attempts exhausted",
				zap.String("topic", evt.Topic),
				zap.String("tenant_id", evt.TenantID.String()),
				zap.String("entity", evt.EntityName),
				zap.Int("attempts", attempt),
				zap.Error(err))
		}
	}
}

// tenantQueue is an unbounded FIFO guarded by a condition variable.
type tenantQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	events []Event
	closed bool
}

func newTenantQueue() *tenantQueue {
	q := &tenantQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *tenantQueue) push(evt Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.events = append(q.events, evt)
	q.cond.Signal()
}

// pop blocks until an event is available or the queue is closed and empty.
func (q *tenantQueue) pop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.events) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.events) == 0 {
		return Event{}, false
	}
	evt := q.events[0]
	q.events = q.events[1:]
	return evt, true
}

func (q *tenantQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
