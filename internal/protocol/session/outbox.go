package session

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrOutboundQueueFull = errors.New("session: outbound queue full")
	ErrOutboxClosed      = errors.New("session: outbox closed")
)

// SendFunc writes one frame to the wire.
type SendFunc func(ctx context.Context, payload []byte) error

// OutboundFrame is one queued frame. Result, when set, receives exactly one
// value: the write error or nil.
type OutboundFrame struct {
	Label   string
	Payload []byte
	Result  chan error
}

// Outbox serializes every outbound frame of one connection onto a single
// writer goroutine.
type Outbox struct {
	mu     sync.Mutex
	closed bool
	queue  chan OutboundFrame
	done   chan struct{}
}

func NewOutbox(size int) *Outbox {
	if size <= 0 {
		size = DefaultConfig().OutboundQueueSize
	}
	return &Outbox{
		queue: make(chan OutboundFrame, size),
		done:  make(chan struct{}),
	}
}

// Enqueue never blocks.
func (o *Outbox) Enqueue(item OutboundFrame) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrOutboxClosed
	}
	select {
	case o.queue <- item:
		return nil
	default:
		return ErrOutboundQueueFull
	}
}

// Run drains the queue in FIFO order until ctx is done. On exit every frame
// still queued is failed with ErrOutboxClosed.
func (o *Outbox) Run(ctx context.Context, send SendFunc) {
	defer close(o.done)
	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return
		case item := <-o.queue:
			if ctx.Err() != nil {
				deliver(item, ErrOutboxClosed)
				o.shutdown()
				return
			}
			err := send(ctx, item.Payload)
			deliver(item, err)
		}
	}
}

// Done is closed once Run has returned.
func (o *Outbox) Done() <-chan struct{} {
	return o.done
}

func (o *Outbox) Len() int {
	return len(o.queue)
}

func (o *Outbox) shutdown() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	for {
		select {
		case item := <-o.queue:
			deliver(item, ErrOutboxClosed)
		default:
			return
		}
	}
}

func deliver(item OutboundFrame, err error) {
	if item.Result == nil {
		return
	}
	select {
	case item.Result <- err:
	default:
	}
}
