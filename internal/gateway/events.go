package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/danmuck/edgegate/internal/transport"
)

// EventKind names what an Event reports.
type EventKind int

const (
	EventOpened EventKind = iota
	EventClosed
	EventError
	EventReady
	EventResumed
	EventDispatch
	EventSessionInvalidated
	EventFatal
)

var eventKindNames = map[EventKind]string{
	EventOpened:             "opened",
	EventClosed:             "closed",
	EventError:              "error",
	EventReady:              "ready",
	EventResumed:            "resumed",
	EventDispatch:           "dispatch",
	EventSessionInvalidated: "session_invalidated",
	EventFatal:              "fatal",
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return "invalid"
}

// Event is one notification handed to subscribers. Fields not relevant to
// Kind are zero.
type Event struct {
	Kind      EventKind
	At        time.Time
	SessionID string
	// Sequence is set for dispatch, ready and resumed events.
	Sequence uint64
	Name     string
	Payload  json.RawMessage
	// Resumable is set for session invalidation.
	Resumable bool
	Close     transport.CloseEvent
	Err       error
}

func (e Event) clone() Event {
	if e.Payload != nil {
		e.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	return e
}

// Subscriber receives events on its own goroutine, in publish order.
type Subscriber interface {
	HandleEvent(ctx context.Context, ev Event) error
}

type SubscriberFunc func(ctx context.Context, ev Event) error

func (f SubscriberFunc) HandleEvent(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// KindFilter wraps next so it only sees the listed kinds.
func KindFilter(next Subscriber, kinds ...EventKind) Subscriber {
	allowed := make(map[EventKind]bool, len(kinds))
	for _, k := range kinds {
		allowed[k] = true
	}
	return SubscriberFunc(func(ctx context.Context, ev Event) error {
		if !allowed[ev.Kind] {
			return nil
		}
		return next.HandleEvent(ctx, ev)
	})
}
