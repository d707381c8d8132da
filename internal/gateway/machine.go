package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/danmuck/edgegate/internal/observability"
	"github.com/danmuck/edgegate/internal/protocol"
	"github.com/danmuck/edgegate/internal/protocol/session"
	"github.com/danmuck/edgegate/internal/transport"
)

type startCmd struct {
	ctx      context.Context
	endpoint string
	reply    chan error
}

type stopCmd struct {
	code   int
	reason string
	reply  chan error
}

type sendCmd struct {
	label   string
	payload []byte
	reply   chan error
	result  chan error
}

type openedMsg struct{}

type closedMsg struct{ ev transport.CloseEvent }

type inboundMsg struct{ raw []byte }

type transportErrMsg struct{ err error }

type connectDone struct {
	gen uint64
	err error
}

type disconnectDone struct {
	gen    uint64
	code   int
	reason string
	err    error
}

// Timer messages carry the generation of the connection that armed them;
// a mismatch means the timer outlived its connection.
type (
	heartbeatTick    struct{ gen uint64 }
	reconnectDue     struct{ gen uint64 }
	identifyDue      struct{ gen uint64 }
	handshakeExpired struct{ gen uint64 }
	closeExpired     struct{ gen uint64 }
)

func (m *Manager) handle(msg any) {
	switch msg := msg.(type) {
	case startCmd:
		m.onStart(msg)
	case stopCmd:
		m.onStop(msg)
	case sendCmd:
		m.onSend(msg)
	case openedMsg:
		m.onOpened()
	case closedMsg:
		m.onClosed(msg)
	case inboundMsg:
		m.onMessage(msg.raw)
	case transportErrMsg:
		m.log.Warn().Err(msg.err).Str("state", m.state.String()).Msg("transport error")
		m.publish(Event{Kind: EventError, Err: msg.err})
	case connectDone:
		m.onConnectDone(msg)
	case disconnectDone:
		m.onDisconnectDone(msg)
	case heartbeatTick:
		m.onHeartbeatTick(msg.gen)
	case reconnectDue:
		m.onReconnectDue(msg.gen)
	case identifyDue:
		if msg.gen == m.gen && m.state == StateIdentifying {
			m.sendIdentify()
			m.armHandshake()
		}
	case handshakeExpired:
		if msg.gen == m.gen && m.state.handshaking() {
			m.log.Warn().Str("state", m.state.String()).Msg("handshake timed out")
			m.publish(Event{Kind: EventError, Err: ErrHandshakeTimeout})
			m.requestClose(session.CloseHandshakeTimeout, "handshake timeout", intentReconnect)
		}
	case closeExpired:
		if msg.gen == m.gen && m.state == StateClosing {
			m.log.Warn().Int("code", m.closeCode).Msg("close not confirmed, forcing disconnected")
			m.finishClose(transport.CloseEvent{Code: m.closeCode, Reason: m.closeReason})
		}
	default:
		m.log.Error().Str("type", fmt.Sprintf("%T", msg)).Msg("unhandled manager message")
	}
}

func (m *Manager) setState(next State) {
	if m.state == next {
		return
	}
	prev := m.state
	m.state = next
	m.log.Debug().Str("from", prev.String()).Str("to", next.String()).Msg("session state")
	if m.metrics {
		observability.RecordStateTransition(prev.String(), next.String())
	}
}

func (m *Manager) onStart(cmd startCmd) {
	if m.state == StateFatal {
		m.setState(StateDisconnected)
	}
	if m.running || m.state != StateDisconnected {
		cmd.reply <- ErrAlreadyStarted
		return
	}
	m.running = true
	m.endpoint = cmd.endpoint
	m.tracker.Reset()
	m.controller.Reset()
	m.plan = session.ActionIdentify
	m.fallback = false
	m.lastClose = nil
	m.startReply = cmd.reply
	m.log.Info().Str("endpoint", transport.RedactEndpoint(cmd.endpoint)).Msg("session starting")
	m.connect(cmd.ctx, cmd.endpoint)
}

func (m *Manager) onStop(cmd stopCmd) {
	switch {
	case m.state == StateClosing:
		m.intent = intentStop
		m.stopReplies = append(m.stopReplies, cmd.reply)
	case m.state == StateConnecting:
		m.stopReplies = append(m.stopReplies, cmd.reply)
		m.intent = intentStop
		m.closeCode = cmd.code
		m.closeReason = cmd.reason
		m.dialAborted = true
		m.setState(StateClosing)
		if m.conn != nil {
			m.conn.cancel()
		}
		m.armCloseTimer()
	case m.state.connected():
		m.stopReplies = append(m.stopReplies, cmd.reply)
		m.requestClose(cmd.code, cmd.reason, intentStop)
	default:
		m.stopReplies = append(m.stopReplies, cmd.reply)
		m.finishStop()
	}
}

func (m *Manager) onSend(cmd sendCmd) {
	if m.state != StateReady {
		cmd.reply <- &transport.SendError{Err: fmt.Errorf("%w: state=%s", ErrNotReady, m.state)}
		return
	}
	if err := m.enqueue(cmd.label, cmd.payload, cmd.result); err != nil {
		cmd.reply <- &transport.SendError{Err: err, Temporary: errors.Is(err, session.ErrOutboundQueueFull)}
		return
	}
	cmd.reply <- nil
}

// connect opens a new connection generation. ctx, when set, bounds the dial
// in addition to the connect timeout.
func (m *Manager) connect(ctx context.Context, endpoint string) {
	m.closeConn()
	m.gen++
	gen := m.gen
	scopeCtx, cancel := context.WithCancel(context.Background())
	m.conn = &connScope{
		gen:    gen,
		ctx:    scopeCtx,
		cancel: cancel,
		outbox: session.NewOutbox(m.cfg.Session.OutboundQueueSize),
	}
	m.intent = intentNone
	m.dialAborted = false
	m.setState(StateConnecting)

	dialCtx, dialCancel := context.WithTimeout(scopeCtx, m.cfg.Session.ConnectTimeout)
	var release func() bool
	if ctx != nil {
		release = context.AfterFunc(ctx, dialCancel)
	}
	go func() {
		err := m.transport.Connect(dialCtx, endpoint)
		if release != nil {
			release()
		}
		dialCancel()
		m.post(connectDone{gen: gen, err: err})
	}()
}

func (m *Manager) onConnectDone(msg connectDone) {
	if msg.gen != m.gen {
		return
	}
	if m.state == StateClosing && m.dialAborted {
		m.dialAborted = false
		if msg.err != nil {
			m.finishClose(transport.CloseEvent{Code: m.closeCode, Reason: m.closeReason})
			return
		}
		go m.disconnect(msg.gen, m.closeCode, m.closeReason)
		return
	}
	if m.state != StateConnecting || msg.err == nil {
		return
	}

	m.closeConn()
	m.log.Warn().Err(msg.err).Str("endpoint", transport.RedactEndpoint(m.endpoint)).Msg("connect failed")
	if m.startReply != nil {
		m.running = false
		m.setState(StateDisconnected)
		m.replyStart(msg.err)
		return
	}
	m.publish(Event{Kind: EventError, Err: msg.err})
	m.setState(StateDisconnected)
	m.schedule(m.controller.OnConnectFailure(m.tracker.CanResume()), 0)
}

func (m *Manager) onOpened() {
	if m.state != StateConnecting || m.conn == nil {
		m.log.Debug().Str("state", m.state.String()).Msg("ignoring opened notification")
		return
	}
	go m.conn.outbox.Run(m.conn.ctx, m.write)
	m.setState(StateAwaitingHello)
	m.armHandshake()
	m.replyStart(nil)
	m.publish(Event{Kind: EventOpened})
}

func (m *Manager) write(ctx context.Context, payload []byte) error {
	wctx, cancel := context.WithTimeout(ctx, m.cfg.Session.WriteTimeout)
	defer cancel()
	err := m.transport.Send(wctx, payload)
	if err != nil {
		m.log.Debug().Err(err).Msg("write failed")
	}
	return err
}

func (m *Manager) enqueue(label string, payload []byte, result chan error) error {
	if m.conn == nil {
		return transport.ErrNotConnected
	}
	return m.conn.outbox.Enqueue(session.OutboundFrame{Label: label, Payload: payload, Result: result})
}

func (m *Manager) onClosed(msg closedMsg) {
	switch {
	case m.state == StateClosing:
		m.finishClose(msg.ev)
	case m.state.connected():
		resuming := m.state == StateResuming
		m.log.Info().Int("code", msg.ev.Code).Str("reason", msg.ev.Reason).Str("state", m.state.String()).
			Msg("connection closed by peer")
		m.teardown(msg.ev)
		m.afterClose(msg.ev, resuming)
	default:
		m.log.Debug().Int("code", msg.ev.Code).Str("state", m.state.String()).Msg("ignoring closed notification")
	}
}

// teardown releases everything bound to the current connection and reports
// the closure.
func (m *Manager) teardown(ev transport.CloseEvent) {
	m.stopTimer(&m.closeTimer)
	m.stopTimer(&m.handshakeTimer)
	m.stopTimer(&m.identifyTimer)
	m.heartbeat.Stop()
	m.closeConn()
	m.lastClose = &ev
	m.publish(Event{Kind: EventClosed, Close: ev, SessionID: m.tracker.SessionID()})
}

func (m *Manager) finishClose(ev transport.CloseEvent) {
	m.teardown(ev)
	if m.intent == intentStop || !m.running {
		m.finishStop()
		return
	}
	m.intent = intentNone
	m.afterClose(ev, false)
}

func (m *Manager) finishStop() {
	m.stopTimers()
	m.heartbeat.Stop()
	m.closeConn()
	m.running = false
	m.tracker.Reset()
	m.controller.Reset()
	m.plan = session.ActionIdentify
	m.fallback = false
	m.intent = intentNone
	m.dialAborted = false
	m.setState(StateDisconnected)
	m.replyStart(ErrStopped)
	m.replyStops(nil)
}

// afterClose decides what follows an unplanned or reconnect-intended closure.
func (m *Manager) afterClose(ev transport.CloseEvent, wasResuming bool) {
	if wasResuming && m.fallback {
		switch m.controller.Policy().Classify(ev.Code) {
		case session.CloseResumable:
			// A transient drop is not a rejection; keep the one fallback pending.
			d := m.controller.OnClose(ev.Code, m.tracker.CanResume())
			d.Fallback = d.Action == session.ActionResume
			m.schedule(d, ev.Code)
			return
		case session.CloseUnknown:
			m.schedule(m.controller.OnResumeRejected(), ev.Code)
			return
		}
	}
	m.schedule(m.controller.OnClose(ev.Code, m.tracker.CanResume()), ev.Code)
}

// schedule applies a reconnect decision: halt, or wait and reconnect.
func (m *Manager) schedule(d session.Decision, code int) {
	if m.metrics {
		observability.RecordReconnectDecision(d.Class.String(), d.Action.String(), d.Delay)
	}
	if d.Action == session.ActionHalt {
		sentinel := ErrFatalClose
		if code == session.CloseAuthenticationFailed {
			sentinel = ErrAuthenticationRejected
		}
		m.fail(&FatalError{Code: code, Err: sentinel}, 0)
		return
	}
	if d.Invalidate && m.tracker.SessionID() != "" {
		m.tracker.Reset()
		m.publish(Event{Kind: EventSessionInvalidated, Resumable: false})
	}
	m.plan = d.Action
	m.fallback = d.Fallback
	m.setState(StateDisconnected)
	m.log.Info().
		Str("class", d.Class.String()).
		Str("action", d.Action.String()).
		Int("attempt", d.Attempt).
		Dur("delay", d.Delay).
		Msg("reconnect scheduled")

	gen := m.gen
	m.stopTimer(&m.reconnectTimer)
	m.reconnectTimer = time.AfterFunc(d.Delay, func() { m.post(reconnectDue{gen: gen}) })
}

func (m *Manager) onReconnectDue(gen uint64) {
	if gen != m.gen || !m.running || m.state != StateDisconnected {
		return
	}
	m.reconnectTimer = nil
	endpoint := m.endpoint
	if m.plan == session.ActionResume && m.tracker.CanResume() {
		endpoint = resumeEndpoint(m.endpoint, m.tracker.ResumeURL())
	}
	m.connect(nil, endpoint)
}

// fail moves to Fatal. disconnectCode, when non-zero, closes a still-open
// connection with that code.
func (m *Manager) fail(err *FatalError, disconnectCode int) {
	m.log.Error().Err(err).Str("state", m.state.String()).Msg("session failed")
	open := m.state.connected()
	gen := m.gen
	m.stopTimers()
	m.heartbeat.Stop()
	m.closeConn()
	m.tracker.Reset()
	m.controller.Reset()
	m.plan = session.ActionIdentify
	m.fallback = false
	m.intent = intentNone
	m.running = false
	m.setState(StateFatal)
	m.replyStart(err)
	m.replyStops(nil)
	m.publish(Event{Kind: EventFatal, Err: err})
	if open && disconnectCode != 0 {
		go m.disconnect(gen, disconnectCode, err.Err.Error())
	}
}

func (m *Manager) violation(cause error) {
	m.fail(&FatalError{Err: ErrProtocolViolation, Cause: cause}, session.CloseProtocolError)
}

// requestClose starts a client-initiated close on the current connection.
func (m *Manager) requestClose(code int, reason string, intent closeIntent) {
	m.heartbeat.Stop()
	m.stopTimer(&m.handshakeTimer)
	m.stopTimer(&m.identifyTimer)
	m.intent = intent
	m.closeCode = code
	m.closeReason = reason
	m.setState(StateClosing)
	go m.disconnect(m.gen, code, reason)
	m.armCloseTimer()
}

// disconnect must never run on the manager goroutine: transports may block
// until their read loop has delivered the closed notification.
func (m *Manager) disconnect(gen uint64, code int, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Session.CloseTimeout)
	defer cancel()
	err := m.transport.Disconnect(ctx, code, reason)
	m.post(disconnectDone{gen: gen, code: code, reason: reason, err: err})
}

func (m *Manager) onDisconnectDone(msg disconnectDone) {
	if msg.err == nil || msg.gen != m.gen || m.state != StateClosing {
		return
	}
	m.log.Debug().Err(msg.err).Msg("disconnect failed, treating connection as closed")
	m.finishClose(transport.CloseEvent{Code: msg.code, Reason: msg.reason})
}

func (m *Manager) onMessage(raw []byte) {
	if !m.state.connected() {
		m.log.Debug().Str("state", m.state.String()).Msg("dropping inbound frame")
		return
	}
	frame, err := protocol.Decode(raw)
	if err != nil {
		m.violation(err)
		return
	}
	switch frame.Op {
	case protocol.OpHello:
		m.onHello(frame)
	case protocol.OpDispatch:
		m.onDispatch(frame)
	case protocol.OpHeartbeat:
		if m.state == StateReady {
			m.heartbeat.ForceBeat(m.now())
		}
		m.sendHeartbeat()
	case protocol.OpHeartbeatAck:
		m.onHeartbeatAck()
	case protocol.OpReconnect:
		if m.state == StateAwaitingHello {
			m.violation(fmt.Errorf("%w: reconnect before hello", protocol.ErrUnexpectedOpcode))
			return
		}
		m.log.Info().Msg("service requested reconnect")
		m.requestClose(session.CloseReconnectRequested, "reconnect requested", intentReconnect)
	case protocol.OpInvalidSession:
		m.onInvalidSession(frame)
	default:
		m.violation(fmt.Errorf("%w: %s", protocol.ErrUnexpectedOpcode, frame.Op))
	}
}

func (m *Manager) onHello(frame protocol.Frame) {
	if m.state != StateAwaitingHello {
		m.violation(fmt.Errorf("%w: hello in state %s", protocol.ErrUnexpectedOpcode, m.state))
		return
	}
	hello, err := protocol.DecodeHello(frame)
	if err != nil {
		m.violation(err)
		return
	}
	m.interval = hello.Interval()
	if m.plan == session.ActionResume && m.tracker.CanResume() {
		m.sendResume()
		return
	}
	m.sendIdentify()
}

func (m *Manager) sendIdentify() {
	payload, err := protocol.EncodeIdentify(m.cfg.identify())
	if err != nil {
		m.fail(&FatalError{Err: ErrProtocolViolation, Cause: err}, session.CloseNormal)
		return
	}
	m.setState(StateIdentifying)
	if err := m.enqueue("identify", payload, nil); err != nil {
		m.log.Warn().Err(err).Msg("identify not queued")
	}
}

func (m *Manager) sendResume() {
	snap := m.tracker.Snapshot()
	payload, err := protocol.EncodeResume(protocol.Resume{
		Token:     m.cfg.Token,
		SessionID: snap.SessionID,
		Seq:       snap.Sequence,
	})
	if err != nil {
		m.fail(&FatalError{Err: ErrProtocolViolation, Cause: err}, session.CloseNormal)
		return
	}
	m.setState(StateResuming)
	if err := m.enqueue("resume", payload, nil); err != nil {
		m.log.Warn().Err(err).Msg("resume not queued")
	}
}

func (m *Manager) onDispatch(frame protocol.Frame) {
	if m.state == StateAwaitingHello {
		m.violation(fmt.Errorf("%w: dispatch before hello", protocol.ErrUnexpectedOpcode))
		return
	}
	seq, _ := frame.Sequence()

	switch frame.Type {
	case protocol.DispatchReady:
		if m.state != StateIdentifying {
			m.violation(fmt.Errorf("%w: READY in state %s", protocol.ErrUnexpectedOpcode, m.state))
			return
		}
		ready, err := protocol.DecodeReady(frame)
		if err != nil {
			m.violation(err)
			return
		}
		if !m.enterReady() {
			return
		}
		m.tracker.Observe(seq)
		m.tracker.Bind(ready.SessionID, ready.ResumeGatewayURL)
		m.log.Info().Str("session_id", ready.SessionID).Msg("session ready")
		m.publish(Event{Kind: EventReady, SessionID: ready.SessionID, Sequence: seq, Name: frame.Type, Payload: frame.Data})
	case protocol.DispatchResumed:
		if m.state != StateResuming {
			m.violation(fmt.Errorf("%w: RESUMED in state %s", protocol.ErrUnexpectedOpcode, m.state))
			return
		}
		if !m.enterReady() {
			return
		}
		m.tracker.Observe(seq)
		m.log.Info().Str("session_id", m.tracker.SessionID()).Uint64("seq", seq).Msg("session resumed")
		m.publish(Event{Kind: EventResumed, SessionID: m.tracker.SessionID(), Sequence: seq, Name: frame.Type, Payload: frame.Data})
	default:
		m.tracker.Observe(seq)
		if m.metrics {
			observability.RecordDispatch(frame.Type)
		}
		m.publish(Event{Kind: EventDispatch, SessionID: m.tracker.SessionID(), Sequence: seq, Name: frame.Type, Payload: frame.Data})
	}
}

// enterReady starts the heartbeat. A session without a usable interval has
// no liveness detection, so it is treated as a violation.
func (m *Manager) enterReady() bool {
	if m.interval <= 0 {
		m.violation(fmt.Errorf("%w: heartbeat interval %s", protocol.ErrInvalidHello, m.interval))
		return false
	}
	m.stopTimer(&m.handshakeTimer)
	m.stopTimer(&m.identifyTimer)
	m.controller.Reset()
	m.fallback = false
	m.setState(StateReady)
	gen := m.gen
	m.heartbeat.Start(m.conn.ctx, m.interval, func(ctx context.Context) {
		select {
		case m.inbox <- heartbeatTick{gen: gen}:
		case <-ctx.Done():
		case <-m.quit:
		}
	})
	return true
}

func (m *Manager) onHeartbeatTick(gen uint64) {
	if gen != m.gen || m.state != StateReady {
		return
	}
	verdict := m.heartbeat.Beat(m.now())
	if m.metrics {
		observability.RecordHeartbeat(verdict.String())
	}
	if verdict == session.HeartbeatMissed {
		m.log.Warn().Dur("interval", m.interval).Msg("heartbeat not acknowledged")
		m.publish(Event{Kind: EventError, Err: ErrLivenessTimeout})
		m.requestClose(session.CloseHeartbeatTimeout, "heartbeat ack timeout", intentReconnect)
		return
	}
	m.sendHeartbeat()
}

func (m *Manager) sendHeartbeat() {
	seq, ok := m.tracker.Sequence()
	payload, err := protocol.EncodeHeartbeat(seq, ok)
	if err != nil {
		m.log.Error().Err(err).Msg("encode heartbeat")
		return
	}
	if err := m.enqueue("heartbeat", payload, nil); err != nil {
		m.log.Warn().Err(err).Msg("heartbeat not queued")
	}
}

func (m *Manager) onHeartbeatAck() {
	pending := !m.heartbeat.Record().Acked
	m.heartbeat.Ack(m.now())
	if pending && m.metrics {
		observability.ObserveHeartbeatLatency(m.heartbeat.Record().Latency)
	}
}

func (m *Manager) onInvalidSession(frame protocol.Frame) {
	resumable, err := protocol.DecodeInvalidSession(frame)
	if err != nil {
		m.violation(err)
		return
	}
	m.log.Info().Bool("resumable", resumable).Str("state", m.state.String()).Msg("session invalidated")
	switch m.state {
	case StateAwaitingHello:
		m.violation(fmt.Errorf("%w: invalid session before hello", protocol.ErrUnexpectedOpcode))
	case StateResuming:
		m.reidentify(m.controller.OnResumeRejected())
	case StateIdentifying:
		m.reidentify(m.controller.OnInvalidSession(false, false))
	case StateReady:
		if resumable && m.tracker.CanResume() {
			m.publish(Event{Kind: EventSessionInvalidated, SessionID: m.tracker.SessionID(), Resumable: true})
			m.requestClose(session.CloseReconnectRequested, "session invalidated", intentReconnect)
			return
		}
		m.heartbeat.Stop()
		m.reidentify(m.controller.OnInvalidSession(false, false))
	}
}

// reidentify discards the session and identifies again on the same
// connection once d's delay has passed.
func (m *Manager) reidentify(d session.Decision) {
	if m.metrics {
		observability.RecordReconnectDecision(d.Class.String(), d.Action.String(), d.Delay)
	}
	m.tracker.Reset()
	m.publish(Event{Kind: EventSessionInvalidated, Resumable: false})
	m.plan = session.ActionIdentify
	m.fallback = false
	m.setState(StateIdentifying)
	m.stopTimer(&m.handshakeTimer)
	m.stopTimer(&m.identifyTimer)
	gen := m.gen
	m.identifyTimer = time.AfterFunc(d.Delay, func() { m.post(identifyDue{gen: gen}) })
}

func (m *Manager) armHandshake() {
	m.stopTimer(&m.handshakeTimer)
	gen := m.gen
	m.handshakeTimer = time.AfterFunc(m.cfg.Session.HandshakeTimeout, func() { m.post(handshakeExpired{gen: gen}) })
}

func (m *Manager) armCloseTimer() {
	m.stopTimer(&m.closeTimer)
	gen := m.gen
	m.closeTimer = time.AfterFunc(2*m.cfg.Session.CloseTimeout, func() { m.post(closeExpired{gen: gen}) })
}

func (m *Manager) stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (m *Manager) stopTimers() {
	m.stopTimer(&m.reconnectTimer)
	m.stopTimer(&m.handshakeTimer)
	m.stopTimer(&m.identifyTimer)
	m.stopTimer(&m.closeTimer)
}

func (m *Manager) closeConn() {
	if m.conn != nil {
		m.conn.cancel()
		m.conn = nil
	}
}

// Replies are sent after the status snapshot is refreshed so a caller that
// returns from Start or Stop observes the new state.
func (m *Manager) replyStart(err error) {
	if m.startReply != nil {
		m.publishStatus()
		m.startReply <- err
		m.startReply = nil
	}
}

func (m *Manager) replyStops(err error) {
	if len(m.stopReplies) > 0 {
		m.publishStatus()
	}
	for _, r := range m.stopReplies {
		r <- err
	}
	m.stopReplies = nil
}

// resumeEndpoint swaps in the resume URL the service handed out, keeping the
// query parameters of the original endpoint.
func resumeEndpoint(base, resume string) string {
	if resume == "" {
		return base
	}
	ru, err := url.Parse(resume)
	if err != nil || ru.Host == "" {
		return base
	}
	if bu, err := url.Parse(base); err == nil && ru.RawQuery == "" {
		ru.RawQuery = bu.RawQuery
	}
	return ru.String()
}
