// Package transporttest provides a scripted in-memory Transport.
package transporttest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/edgegate/internal/protocol"
	"github.com/danmuck/edgegate/internal/transport"
)

// SentFrame is one frame the client wrote.
type SentFrame struct {
	Op   protocol.Opcode
	Data json.RawMessage
	Raw  []byte
}

// Fake is a Transport whose server side is driven by the test. Notifications
// are delivered in order on a single goroutine, like a real socket reader.
type Fake struct {
	mu          sync.Mutex
	listener    transport.Listener
	connected   bool
	endpoints   []string
	sent        []SentFrame
	disconnects []transport.CloseEvent
	connectErrs []error

	// OnConnect runs on the delivery goroutine after OnOpened.
	OnConnect func(f *Fake, endpoint string)
	// OnSend runs synchronously inside Send.
	OnSend func(f *Fake, frame SentFrame)

	sentC  chan SentFrame
	events chan func()
	stop   chan struct{}
	once   sync.Once
}

var _ transport.Transport = (*Fake)(nil)

func NewFake() *Fake {
	f := &Fake{
		listener: transport.NopListener{},
		sentC:    make(chan SentFrame, 1024),
		events:   make(chan func(), 4096),
		stop:     make(chan struct{}),
	}
	go f.deliver()
	return f
}

func (f *Fake) deliver() {
	for {
		select {
		case fn := <-f.events:
			fn()
		case <-f.stop:
			return
		}
	}
}

// Close stops the delivery goroutine.
func (f *Fake) Close() {
	f.once.Do(func() { close(f.stop) })
}

func (f *Fake) enqueue(fn func()) {
	select {
	case f.events <- fn:
	case <-f.stop:
	}
}

func (f *Fake) currentListener() transport.Listener {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listener
}

func (f *Fake) SetListener(l transport.Listener) {
	if l == nil {
		l = transport.NopListener{}
	}
	f.mu.Lock()
	f.listener = l
	f.mu.Unlock()
}

func (f *Fake) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// FailNextConnect queues err for the next Connect call.
func (f *Fake) FailNextConnect(err error) {
	f.mu.Lock()
	f.connectErrs = append(f.connectErrs, err)
	f.mu.Unlock()
}

func (f *Fake) Connect(ctx context.Context, endpoint string) error {
	if err := ctx.Err(); err != nil {
		return &transport.ConnectionError{Endpoint: endpoint, Err: err}
	}
	f.mu.Lock()
	f.endpoints = append(f.endpoints, endpoint)
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		f.mu.Unlock()
		return &transport.ConnectionError{Endpoint: endpoint, Err: err}
	}
	if f.connected {
		f.mu.Unlock()
		return &transport.ConnectionError{Endpoint: endpoint, Err: transport.ErrAlreadyConnected}
	}
	f.connected = true
	hook := f.OnConnect
	f.mu.Unlock()

	f.enqueue(func() { f.currentListener().OnOpened() })
	if hook != nil {
		f.enqueue(func() { hook(f, endpoint) })
	}
	return nil
}

func (f *Fake) Disconnect(ctx context.Context, code int, reason string) error {
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return transport.ErrNotConnected
	}
	f.connected = false
	ev := transport.CloseEvent{Code: code, Reason: reason, WasClean: true}
	f.disconnects = append(f.disconnects, ev)
	f.mu.Unlock()
	f.enqueue(func() { f.currentListener().OnClosed(ev) })
	return nil
}

func (f *Fake) Send(ctx context.Context, frame []byte) error {
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return &transport.SendError{Err: transport.ErrNotConnected, Temporary: true}
	}
	var env struct {
		Op   protocol.Opcode `json:"op"`
		Data json.RawMessage `json:"d"`
	}
	if err := json.Unmarshal(frame, &env); err != nil {
		f.mu.Unlock()
		return &transport.SendError{Err: err}
	}
	sf := SentFrame{Op: env.Op, Data: env.Data, Raw: append([]byte(nil), frame...)}
	f.sent = append(f.sent, sf)
	hook := f.OnSend
	f.mu.Unlock()

	select {
	case f.sentC <- sf:
	default:
	}
	if hook != nil {
		hook(f, sf)
	}
	return nil
}

// Drop simulates a server-side closure.
func (f *Fake) Drop(code int, reason string) {
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return
	}
	f.connected = false
	f.mu.Unlock()
	ev := transport.CloseEvent{Code: code, Reason: reason, WasClean: true}
	f.enqueue(func() { f.currentListener().OnClosed(ev) })
}

// PushRaw delivers raw bytes as one inbound message.
func (f *Fake) PushRaw(raw []byte) {
	msg := append([]byte(nil), raw...)
	f.enqueue(func() { f.currentListener().OnMessage(msg) })
}

func (f *Fake) PushError(err error) {
	f.enqueue(func() { f.currentListener().OnError(err) })
}

func (f *Fake) PushFrame(op protocol.Opcode, data any, seq *uint64, name string) {
	raw, err := json.Marshal(data)
	if err != nil {
		panic(fmt.Sprintf("transporttest: marshal frame data: %v", err))
	}
	bs, err := json.Marshal(protocol.Frame{Op: op, Data: raw, Seq: seq, Type: name})
	if err != nil {
		panic(fmt.Sprintf("transporttest: marshal frame: %v", err))
	}
	f.PushRaw(bs)
}

func (f *Fake) PushHello(intervalMS uint64) {
	f.PushFrame(protocol.OpHello, protocol.Hello{HeartbeatIntervalMS: intervalMS}, nil, "")
}

func (f *Fake) PushReady(sessionID, resumeURL string, seq uint64) {
	f.PushFrame(protocol.OpDispatch, protocol.Ready{Version: 10, SessionID: sessionID, ResumeGatewayURL: resumeURL}, &seq, protocol.DispatchReady)
}

func (f *Fake) PushResumed(seq uint64) {
	f.PushFrame(protocol.OpDispatch, map[string]any{}, &seq, protocol.DispatchResumed)
}

func (f *Fake) PushDispatch(seq uint64, name string, data any) {
	f.PushFrame(protocol.OpDispatch, data, &seq, name)
}

func (f *Fake) PushHeartbeatAck() {
	f.PushFrame(protocol.OpHeartbeatAck, nil, nil, "")
}

func (f *Fake) PushHeartbeatRequest() {
	f.PushFrame(protocol.OpHeartbeat, nil, nil, "")
}

func (f *Fake) PushInvalidSession(resumable bool) {
	f.PushFrame(protocol.OpInvalidSession, resumable, nil, "")
}

func (f *Fake) PushReconnect() {
	f.PushFrame(protocol.OpReconnect, nil, nil, "")
}

func (f *Fake) Endpoints() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.endpoints...)
}

func (f *Fake) Sent() []SentFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SentFrame(nil), f.sent...)
}

// SentOps returns the opcodes written so far.
func (f *Fake) SentOps() []protocol.Opcode {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.Opcode, 0, len(f.sent))
	for _, s := range f.sent {
		out = append(out, s.Op)
	}
	return out
}

func (f *Fake) Disconnects() []transport.CloseEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.CloseEvent(nil), f.disconnects...)
}

// WaitSent blocks until a frame with op is written or timeout elapses.
// Frames with other opcodes are skipped.
func (f *Fake) WaitSent(t testing.TB, op protocol.Opcode, timeout time.Duration) SentFrame {
	t.Helper()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case sf := <-f.sentC:
			if sf.Op == op {
				return sf
			}
		case <-deadline.C:
			t.Fatalf("transporttest: no %s frame within %v (sent=%v)", op, timeout, f.SentOps())
			return SentFrame{}
		}
	}
}
