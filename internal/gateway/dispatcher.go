package gateway

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SubscriptionID identifies one registered subscriber.
type SubscriptionID string

// SubscriberFailure reports a handler that returned an error or panicked.
type SubscriberFailure struct {
	Subscription SubscriptionID
	Event        Event
	Err          error
	Panicked     bool
}

// Dispatcher fans events out to subscribers. Every subscriber has its own
// unbounded mailbox and worker goroutine, so a slow or failing handler never
// delays the publisher or the other subscribers.
type Dispatcher struct {
	mu     sync.Mutex
	subs   atomic.Pointer[[]*subscription]
	closed bool

	ctx      context.Context
	cancel   context.CancelFunc
	failures chan SubscriberFailure
	onFail   func(SubscriberFailure)
	log      zerolog.Logger
}

type subscription struct {
	id      SubscriptionID
	handler Subscriber
	box     *mailbox
	done    chan struct{}
}

func NewDispatcher(failureBuffer int, logger zerolog.Logger) *Dispatcher {
	if failureBuffer <= 0 {
		failureBuffer = DefaultConfig().FailureBuffer
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		ctx:      ctx,
		cancel:   cancel,
		failures: make(chan SubscriberFailure, failureBuffer),
		log:      logger,
	}
	empty := []*subscription{}
	d.subs.Store(&empty)
	return d
}

func (d *Dispatcher) Subscribe(sub Subscriber) (SubscriptionID, error) {
	if sub == nil {
		return "", fmt.Errorf("gateway: nil subscriber")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return "", ErrClosed
	}
	s := &subscription{
		id:      SubscriptionID(uuid.NewString()),
		handler: sub,
		box:     newMailbox(),
		done:    make(chan struct{}),
	}
	current := *d.subs.Load()
	next := make([]*subscription, 0, len(current)+1)
	next = append(next, current...)
	next = append(next, s)
	d.subs.Store(&next)
	go d.run(s)
	return s.id, nil
}

// Unsubscribe removes id. Events already queued for it are discarded; a
// handler call in progress is allowed to finish.
func (d *Dispatcher) Unsubscribe(id SubscriptionID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	current := *d.subs.Load()
	next := make([]*subscription, 0, len(current))
	var removed *subscription
	for _, s := range current {
		if s.id == id {
			removed = s
			continue
		}
		next = append(next, s)
	}
	if removed == nil {
		return false
	}
	d.subs.Store(&next)
	removed.box.close()
	return true
}

// Publish enqueues ev for every subscriber registered at call time.
func (d *Dispatcher) Publish(ev Event) {
	for _, s := range *d.subs.Load() {
		s.box.push(ev.clone())
	}
}

func (d *Dispatcher) Len() int {
	return len(*d.subs.Load())
}

// Failures delivers handler failures. Sends never block; when the buffer is
// full the failure is only logged.
func (d *Dispatcher) Failures() <-chan SubscriberFailure {
	return d.failures
}

// Close stops every worker and cancels the context handed to handlers. It
// does not wait for in-flight handlers.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	d.cancel()
	for _, s := range *d.subs.Load() {
		s.box.close()
	}
	empty := []*subscription{}
	d.subs.Store(&empty)
}

func (d *Dispatcher) run(s *subscription) {
	defer close(s.done)
	for {
		batch, ok := s.box.take()
		if !ok {
			return
		}
		for _, ev := range batch {
			if s.box.isClosed() {
				return
			}
			d.deliver(s, ev)
		}
	}
}

func (d *Dispatcher) deliver(s *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.fail(SubscriberFailure{
				Subscription: s.id,
				Event:        ev,
				Err:          fmt.Errorf("gateway: subscriber panic: %v", r),
				Panicked:     true,
			})
		}
	}()
	if err := s.handler.HandleEvent(d.ctx, ev); err != nil {
		d.fail(SubscriberFailure{Subscription: s.id, Event: ev, Err: err})
	}
}

func (d *Dispatcher) fail(f SubscriberFailure) {
	d.log.Warn().
		Str("subscription", string(f.Subscription)).
		Str("event", f.Event.Kind.String()).
		Uint64("seq", f.Event.Sequence).
		Bool("panic", f.Panicked).
		Err(f.Err).
		Msg("subscriber failed")
	if d.onFail != nil {
		d.onFail(f)
	}
	select {
	case d.failures <- f:
	default:
		d.log.Warn().Str("subscription", string(f.Subscription)).Msg("subscriber failure dropped")
	}
}

// mailbox is an unbounded FIFO with a single consumer.
type mailbox struct {
	mu     sync.Mutex
	items  []Event
	closed bool
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

func (b *mailbox) push(ev Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.items = append(b.items, ev)
	b.mu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// take blocks until events are queued or the mailbox is closed.
func (b *mailbox) take() ([]Event, bool) {
	for {
		b.mu.Lock()
		if b.closed {
			b.items = nil
			b.mu.Unlock()
			return nil, false
		}
		if len(b.items) > 0 {
			batch := b.items
			b.items = nil
			b.mu.Unlock()
			return batch, true
		}
		b.mu.Unlock()
		<-b.notify
	}
}

func (b *mailbox) close() {
	b.mu.Lock()
	b.closed = true
	b.items = nil
	b.mu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *mailbox) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
