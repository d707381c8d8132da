package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/edgegate/internal/logging"
	"github.com/danmuck/edgegate/internal/observability"
	"github.com/danmuck/edgegate/internal/protocol"
	"github.com/danmuck/edgegate/internal/protocol/session"
	"github.com/danmuck/edgegate/internal/transport"
	"github.com/rs/zerolog"
)

// Status is a point-in-time copy of the session, safe to read from any
// goroutine.
type Status struct {
	State             State
	Running           bool
	Endpoint          string
	SessionID         string
	ResumeURL         string
	Sequence          uint64
	HasSequence       bool
	HeartbeatInterval time.Duration
	HeartbeatRunning  bool
	Heartbeat         session.HeartbeatRecord
	Backoff           session.BackoffState
	LastClose         *transport.CloseEvent
	Subscribers       int
	UpdatedAt         time.Time
}

type closeIntent int

const (
	intentNone closeIntent = iota
	intentStop
	intentReconnect
)

// connScope is the lifetime of one transport connection.
type connScope struct {
	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc
	outbox *session.Outbox
}

// Manager drives one gateway session over a Transport.
type Manager struct {
	cfg       Config
	transport transport.Transport
	log       zerolog.Logger
	rng       *rand.Rand
	now       func() time.Time
	metrics   bool

	dispatcher *Dispatcher
	inbox      chan any
	quit       chan struct{}
	done       chan struct{}
	closeOnce  sync.Once
	status     atomic.Pointer[Status]

	// Everything below is owned by the run goroutine.
	state          State
	running        bool
	endpoint       string
	gen            uint64
	conn           *connScope
	plan           session.Action
	fallback       bool
	dialAborted    bool
	intent         closeIntent
	closeCode      int
	closeReason    string
	lastClose      *transport.CloseEvent
	interval       time.Duration
	tracker        *session.Tracker
	heartbeat      *session.HeartbeatMonitor
	controller     *session.ReconnectController
	startReply     chan error
	stopReplies    []chan error
	reconnectTimer *time.Timer
	handshakeTimer *time.Timer
	identifyTimer  *time.Timer
	closeTimer     *time.Timer
}

func NewManager(t transport.Transport, cfg Config, opts ...Option) (*Manager, error) {
	if t == nil {
		return nil, fmt.Errorf("gateway: nil transport")
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		cfg:       cfg,
		transport: t,
		log:       logging.Component("gateway"),
		now:       time.Now,
		metrics:   true,
		inbox:     make(chan any, cfg.InboxSize),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		state:     StateDisconnected,
		plan:      session.ActionIdentify,
		tracker:   session.NewTracker(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.rng == nil {
		m.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	m.heartbeat = session.NewHeartbeatMonitor(cfg.Session.HeartbeatJitter, m.rng)
	m.controller = session.NewReconnectController(cfg.ClosePolicy, cfg.Session.Backoff, m.rng)
	m.dispatcher = NewDispatcher(cfg.FailureBuffer, m.log)
	if m.metrics {
		m.dispatcher.onFail = func(SubscriberFailure) { observability.RecordSubscriberFailure() }
	}

	t.SetListener(listener{m: m})
	m.publishStatus()
	go m.run()
	return m, nil
}

// Start connects to endpoint and begins the handshake. It returns once the
// connection is open; Ready is reported to subscribers. A failure of this
// first connect is returned and not retried.
func (m *Manager) Start(ctx context.Context, endpoint string) error {
	if endpoint == "" {
		return ErrMissingEndpoint
	}
	reply := make(chan error, 1)
	if err := m.postCtx(ctx, startCmd{ctx: ctx, endpoint: endpoint, reply: reply}); err != nil {
		return err
	}
	return m.await(ctx, reply)
}

// Stop closes the session with code and waits for the transport to confirm.
// Stored session state is discarded, so a later Start identifies afresh.
func (m *Manager) Stop(ctx context.Context, code int, reason string) error {
	if code == 0 {
		code = session.CloseNormal
	}
	reply := make(chan error, 1)
	if err := m.postCtx(ctx, stopCmd{code: code, reason: reason, reply: reply}); err != nil {
		return err
	}
	return m.await(ctx, reply)
}

// Send queues an application frame and waits until it is written. Frames
// are only accepted while Ready.
func (m *Manager) Send(ctx context.Context, frame protocol.Frame) error {
	switch frame.Op {
	case protocol.OpHeartbeat, protocol.OpIdentify, protocol.OpResume:
		return fmt.Errorf("%w: %s", ErrReservedOpcode, frame.Op)
	}
	payload, err := protocol.Encode(frame)
	if err != nil {
		return err
	}
	reply := make(chan error, 1)
	result := make(chan error, 1)
	if err := m.postCtx(ctx, sendCmd{label: frame.Op.String(), payload: payload, reply: reply, result: result}); err != nil {
		return err
	}
	if err := m.await(ctx, reply); err != nil {
		return err
	}
	return m.await(ctx, result)
}

// SendPayload marshals payload into a frame for op and sends it.
func (m *Manager) SendPayload(ctx context.Context, op protocol.Opcode, payload any) error {
	frame, err := protocol.NewFrame(op, payload)
	if err != nil {
		return err
	}
	return m.Send(ctx, frame)
}

func (m *Manager) Subscribe(sub Subscriber) (SubscriptionID, error) {
	return m.dispatcher.Subscribe(sub)
}

func (m *Manager) Unsubscribe(id SubscriptionID) bool {
	return m.dispatcher.Unsubscribe(id)
}

func (m *Manager) Failures() <-chan SubscriberFailure {
	return m.dispatcher.Failures()
}

func (m *Manager) Status() Status {
	st := *m.status.Load()
	st.Subscribers = m.dispatcher.Len()
	return st
}

func (m *Manager) State() State {
	return m.status.Load().State
}

// Done is closed once the manager goroutine has exited.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Close stops the session, shuts the manager down and releases subscribers.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*m.cfg.Session.CloseTimeout)
		defer cancel()
		err = m.Stop(ctx, session.CloseNormal, "client shutdown")
		if errors.Is(err, ErrClosed) {
			err = nil
		}
		close(m.quit)
		<-m.done
		m.dispatcher.Close()
	})
	return err
}

func (m *Manager) await(ctx context.Context, reply <-chan error) error {
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrClosed
		}
	}
}

func (m *Manager) post(msg any) bool {
	select {
	case m.inbox <- msg:
		return true
	case <-m.quit:
		return false
	}
}

func (m *Manager) postCtx(ctx context.Context, msg any) error {
	select {
	case <-m.quit:
		return ErrClosed
	default:
	}
	select {
	case m.inbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.quit:
		return ErrClosed
	}
}

func (m *Manager) run() {
	defer close(m.done)
	for {
		select {
		case <-m.quit:
			m.shutdown()
			return
		case msg := <-m.inbox:
			m.handle(msg)
			m.publishStatus()
		}
	}
}

func (m *Manager) shutdown() {
	m.stopTimers()
	m.heartbeat.Stop()
	m.closeConn()
	m.running = false
	m.setState(StateDisconnected)
	m.replyStart(ErrClosed)
	m.replyStops(ErrClosed)
	m.publishStatus()
}

func (m *Manager) publishStatus() {
	snap := m.tracker.Snapshot()
	st := &Status{
		State:             m.state,
		Running:           m.running,
		Endpoint:          m.endpoint,
		SessionID:         snap.SessionID,
		ResumeURL:         snap.ResumeURL,
		Sequence:          snap.Sequence,
		HasSequence:       snap.HasSequence,
		HeartbeatInterval: m.interval,
		HeartbeatRunning:  m.heartbeat.Running(),
		Heartbeat:         m.heartbeat.Record(),
		Backoff:           m.controller.State(),
		UpdatedAt:         m.now(),
	}
	if m.lastClose != nil {
		ev := *m.lastClose
		st.LastClose = &ev
	}
	m.status.Store(st)
}

func (m *Manager) publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = m.now()
	}
	m.dispatcher.Publish(ev)
}

// listener forwards transport notifications into the inbox.
type listener struct {
	m *Manager
}

func (l listener) OnOpened() { l.m.post(openedMsg{}) }

func (l listener) OnClosed(ev transport.CloseEvent) { l.m.post(closedMsg{ev: ev}) }

func (l listener) OnMessage(raw []byte) { l.m.post(inboundMsg{raw: raw}) }

func (l listener) OnError(err error) { l.m.post(transportErrMsg{err: err}) }
