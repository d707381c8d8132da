package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/edgegate/internal/protocol"
	"github.com/danmuck/edgegate/internal/protocol/session"
	"github.com/danmuck/edgegate/internal/testutil/testlog"
	"github.com/danmuck/edgegate/internal/transport"
	"github.com/danmuck/edgegate/internal/transport/transporttest"
)

const (
	testEndpoint = "wss://gateway.test/?v=10&encoding=json"
	waitTimeout  = 2 * time.Second
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Token = "token-a"
	cfg.Intents = 513
	cfg.Session.HeartbeatJitter = false
	cfg.Session.HandshakeTimeout = 2 * time.Second
	cfg.Session.CloseTimeout = 500 * time.Millisecond
	cfg.Session.Backoff = session.BackoffConfig{
		InitialDelay: 5 * time.Millisecond,
		Multiplier:   2,
		MaxDelay:     40 * time.Millisecond,
	}
	return cfg
}

// gatewayScript plays the service side of the handshake on a Fake.
type gatewayScript struct {
	mu             sync.Mutex
	intervalMS     uint64
	sessionID      string
	resumeURL      string
	connects       int
	ackFrom        int
	rejectResumes  int
	silentConnects int
	resumeSeq      uint64

	// dropResumes closes the connection with these codes in place of
	// answering the next resumes.
	dropResumes []int

	// readySeqs are dispatched right after READY.
	readySeqs []uint64
}

func (s *gatewayScript) install(f *transporttest.Fake) {
	f.OnConnect = func(f *transporttest.Fake, endpoint string) {
		s.mu.Lock()
		s.connects++
		silent := s.connects <= s.silentConnects
		interval := s.intervalMS
		s.mu.Unlock()
		if !silent {
			f.PushHello(interval)
		}
	}
	f.OnSend = func(f *transporttest.Fake, sf transporttest.SentFrame) {
		s.mu.Lock()
		defer s.mu.Unlock()
		switch sf.Op {
		case protocol.OpIdentify:
			f.PushReady(s.sessionID, s.resumeURL, 1)
			for _, seq := range s.readySeqs {
				f.PushDispatch(seq, "MESSAGE_CREATE", map[string]any{})
			}
		case protocol.OpResume:
			if len(s.dropResumes) > 0 {
				code := s.dropResumes[0]
				s.dropResumes = s.dropResumes[1:]
				f.Drop(code, "dropped during resume")
				return
			}
			if s.rejectResumes > 0 {
				s.rejectResumes--
				f.PushInvalidSession(false)
				return
			}
			f.PushResumed(s.resumeSeq)
		case protocol.OpHeartbeat:
			if s.ackFrom > 0 && s.connects >= s.ackFrom {
				f.PushHeartbeatAck()
			}
		}
	}
}

func newScript() *gatewayScript {
	return &gatewayScript{intervalMS: 45000, sessionID: "sess-1", ackFrom: 1}
}

type recorder struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan Event, 1024)}
}

func (r *recorder) HandleEvent(_ context.Context, ev Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	select {
	case r.ch <- ev:
	default:
	}
	return nil
}

func (r *recorder) wait(t *testing.T, kind EventKind) Event {
	t.Helper()
	deadline := time.NewTimer(waitTimeout)
	defer deadline.Stop()
	for {
		select {
		case ev := <-r.ch:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline.C:
			t.Fatalf("no %s event within %v", kind, waitTimeout)
			return Event{}
		}
	}
}

func (r *recorder) count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func newTestManager(t *testing.T, fake *transporttest.Fake, cfg Config) (*Manager, *recorder) {
	t.Helper()
	m, err := NewManager(fake, cfg, WithRand(rand.New(rand.NewSource(1))), WithMetrics(false))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	rec := newRecorder()
	if _, err := m.Subscribe(rec); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() {
		_ = m.Close()
		fake.Close()
	})
	return m, rec
}

func startReady(t *testing.T, m *Manager, rec *recorder) {
	t.Helper()
	if err := m.Start(context.Background(), testEndpoint); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec.wait(t, EventReady)
}

func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", m.State(), want)
}

func decodeResume(t *testing.T, sf transporttest.SentFrame) protocol.Resume {
	t.Helper()
	var r protocol.Resume
	if err := json.Unmarshal(sf.Data, &r); err != nil {
		t.Fatalf("decode resume: %v", err)
	}
	return r
}

func TestIdentifyReadyAndSequenceTracking(t *testing.T) {
	testlog.Start(t)
	fake := transporttest.NewFake()
	newScript().install(fake)
	m, rec := newTestManager(t, fake, testConfig())

	if err := m.Start(context.Background(), testEndpoint); err != nil {
		t.Fatalf("start: %v", err)
	}
	sent := fake.WaitSent(t, protocol.OpIdentify, waitTimeout)
	var id protocol.Identify
	if err := json.Unmarshal(sent.Data, &id); err != nil {
		t.Fatalf("decode identify: %v", err)
	}
	if id.Token != "token-a" || id.Intents != 513 {
		t.Fatalf("identify = %+v", id)
	}
	ready := rec.wait(t, EventReady)
	if ready.SessionID != "sess-1" {
		t.Fatalf("ready session = %q", ready.SessionID)
	}

	for _, seq := range []uint64{1, 2, 2, 5} {
		fake.PushDispatch(seq, "MESSAGE_CREATE", map[string]any{"seq": seq})
	}
	for i, want := range []uint64{1, 2, 2, 5} {
		ev := rec.wait(t, EventDispatch)
		if ev.Name != "MESSAGE_CREATE" {
			t.Fatalf("dispatch name = %q", ev.Name)
		}
		if ev.Sequence != want {
			t.Fatalf("dispatch %d sequence = %d, want %d", i, ev.Sequence, want)
		}
	}

	fake.PushHeartbeatRequest()
	hb := fake.WaitSent(t, protocol.OpHeartbeat, waitTimeout)
	if string(hb.Data) != "5" {
		t.Fatalf("heartbeat seq = %s, want 5", hb.Data)
	}
	st := m.Status()
	if st.State != StateReady || st.Sequence != 5 || st.SessionID != "sess-1" {
		t.Fatalf("status = %+v", st)
	}
	if got := rec.count(EventDispatch); got != 4 {
		t.Fatalf("dispatch events = %d, want 4", got)
	}
}

func TestMissedHeartbeatResumes(t *testing.T) {
	testlog.Start(t)
	fake := transporttest.NewFake()
	script := newScript()
	script.intervalMS = 20
	script.ackFrom = 2
	script.resumeSeq = 3
	script.readySeqs = []uint64{3}
	script.install(fake)
	m, rec := newTestManager(t, fake, testConfig())

	startReady(t, m, rec)

	sf := fake.WaitSent(t, protocol.OpResume, waitTimeout)
	resume := decodeResume(t, sf)
	if resume.SessionID != "sess-1" || resume.Seq != 3 {
		t.Fatalf("resume = %+v", resume)
	}
	rec.wait(t, EventResumed)

	disc := fake.Disconnects()
	if len(disc) == 0 || disc[0].Code != session.CloseHeartbeatTimeout {
		t.Fatalf("disconnects = %+v, want code %d", disc, session.CloseHeartbeatTimeout)
	}
	if rec.count(EventFatal) != 0 {
		t.Fatalf("unexpected fatal event")
	}
	waitState(t, m, StateReady)
}

func TestStopThenStartLeavesNoStaleHeartbeat(t *testing.T) {
	testlog.Start(t)
	fake := transporttest.NewFake()
	script := newScript()
	script.intervalMS = 20
	script.install(fake)
	m, rec := newTestManager(t, fake, testConfig())

	startReady(t, m, rec)
	fake.WaitSent(t, protocol.OpHeartbeat, waitTimeout)

	if err := m.Stop(context.Background(), session.CloseNormal, "bye"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	st := m.Status()
	if st.State != StateDisconnected || st.HeartbeatRunning || st.SessionID != "" {
		t.Fatalf("status after stop = %+v", st)
	}
	before := len(fake.Sent())
	time.Sleep(80 * time.Millisecond)
	if after := len(fake.Sent()); after != before {
		t.Fatalf("frames sent while stopped: %d -> %d", before, after)
	}

	startReady(t, m, rec)
	for _, op := range fake.SentOps() {
		if op == protocol.OpResume {
			t.Fatalf("restart resumed instead of identifying: %v", fake.SentOps())
		}
	}
	if got := rec.count(EventReady); got != 2 {
		t.Fatalf("ready events = %d, want 2", got)
	}
	if d := fake.Disconnects(); len(d) != 1 || d[0].Code != session.CloseNormal {
		t.Fatalf("disconnects = %+v", d)
	}
}

func TestNonResumableCloseReidentifies(t *testing.T) {
	testlog.Start(t)
	fake := transporttest.NewFake()
	newScript().install(fake)
	m, rec := newTestManager(t, fake, testConfig())
	startReady(t, m, rec)

	fake.Drop(session.CloseInvalidSeq, "invalid seq")
	inv := rec.wait(t, EventSessionInvalidated)
	if inv.Resumable {
		t.Fatalf("invalidation should not be resumable")
	}
	rec.wait(t, EventReady)
	for _, op := range fake.SentOps() {
		if op == protocol.OpResume {
			t.Fatalf("non-resumable close sent resume: %v", fake.SentOps())
		}
	}
	waitState(t, m, StateReady)
}

func TestResumableCloseResumes(t *testing.T) {
	testlog.Start(t)
	fake := transporttest.NewFake()
	script := newScript()
	script.resumeURL = "wss://resume.gateway.test"
	script.resumeSeq = 7
	script.install(fake)
	m, rec := newTestManager(t, fake, testConfig())
	startReady(t, m, rec)
	fake.PushDispatch(7, "GUILD_CREATE", map[string]any{})
	rec.wait(t, EventDispatch)

	fake.Drop(session.CloseGoingAway, "going away")
	resume := decodeResume(t, fake.WaitSent(t, protocol.OpResume, waitTimeout))
	if resume.SessionID != "sess-1" || resume.Seq != 7 || resume.Token != "token-a" {
		t.Fatalf("resume = %+v", resume)
	}
	ev := rec.wait(t, EventResumed)
	if ev.SessionID != "sess-1" {
		t.Fatalf("resumed session = %q", ev.SessionID)
	}
	endpoints := fake.Endpoints()
	if got := endpoints[len(endpoints)-1]; got != "wss://resume.gateway.test?v=10&encoding=json" {
		t.Fatalf("resume endpoint = %q", got)
	}
}

func TestUnknownCloseFallsBackToIdentify(t *testing.T) {
	testlog.Start(t)
	fake := transporttest.NewFake()
	script := newScript()
	script.rejectResumes = 1
	script.install(fake)
	m, rec := newTestManager(t, fake, testConfig())

	if err := m.Start(context.Background(), testEndpoint); err != nil {
		t.Fatalf("start: %v", err)
	}
	fake.WaitSent(t, protocol.OpIdentify, waitTimeout)
	rec.wait(t, EventReady)

	fake.Drop(session.CloseUnknownError, "unknown")
	fake.WaitSent(t, protocol.OpResume, waitTimeout)
	fake.WaitSent(t, protocol.OpIdentify, waitTimeout)
	rec.wait(t, EventReady)
	waitState(t, m, StateReady)
	if rec.count(EventFatal) != 0 {
		t.Fatalf("unexpected fatal event")
	}
	if rec.count(EventSessionInvalidated) == 0 {
		t.Fatalf("rejected resume did not invalidate the session")
	}
}

func TestResumableCloseDuringFallbackResumeKeepsSession(t *testing.T) {
	testlog.Start(t)
	fake := transporttest.NewFake()
	script := newScript()
	script.resumeSeq = 4
	script.dropResumes = []int{session.CloseAbnormal}
	script.install(fake)
	m, rec := newTestManager(t, fake, testConfig())
	startReady(t, m, rec)
	fake.PushDispatch(4, "MESSAGE_CREATE", map[string]any{})
	rec.wait(t, EventDispatch)

	fake.Drop(session.CloseUnknownError, "unknown")
	rec.wait(t, EventResumed)
	waitState(t, m, StateReady)

	var resumes []protocol.Resume
	identifies := 0
	for _, sf := range fake.Sent() {
		switch sf.Op {
		case protocol.OpResume:
			resumes = append(resumes, decodeResume(t, sf))
		case protocol.OpIdentify:
			identifies++
		}
	}
	if len(resumes) != 2 || identifies != 1 {
		t.Fatalf("ops = %v, want one identify and two resumes", fake.SentOps())
	}
	if last := resumes[1]; last.SessionID != "sess-1" || last.Seq != 4 {
		t.Fatalf("second resume = %+v", last)
	}
	if n := rec.count(EventSessionInvalidated); n != 0 {
		t.Fatalf("session invalidated %d times after a transient drop", n)
	}
}

func TestUnknownCloseDuringFallbackResumeReidentifies(t *testing.T) {
	testlog.Start(t)
	fake := transporttest.NewFake()
	script := newScript()
	script.dropResumes = []int{session.CloseUnknownError}
	script.install(fake)
	m, rec := newTestManager(t, fake, testConfig())
	startReady(t, m, rec)

	fake.Drop(session.CloseUnknownError, "unknown")
	rec.wait(t, EventSessionInvalidated)
	rec.wait(t, EventReady)
	waitState(t, m, StateReady)
	var got []protocol.Opcode
	for _, op := range fake.SentOps() {
		if op == protocol.OpIdentify || op == protocol.OpResume {
			got = append(got, op)
		}
	}
	want := []protocol.Opcode{protocol.OpIdentify, protocol.OpResume, protocol.OpIdentify}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] || got[2] != want[2] {
		t.Fatalf("handshake ops = %v, want %v", got, want)
	}
}

func TestOverflowingHelloIntervalIsFatal(t *testing.T) {
	testlog.Start(t)
	fake := transporttest.NewFake()
	script := newScript()
	script.intervalMS = 1 << 62
	script.install(fake)
	m, rec := newTestManager(t, fake, testConfig())

	if err := m.Start(context.Background(), testEndpoint); err != nil {
		t.Fatalf("start: %v", err)
	}
	ev := rec.wait(t, EventFatal)
	if !errors.Is(ev.Err, ErrProtocolViolation) || !errors.Is(ev.Err, protocol.ErrInvalidHello) {
		t.Fatalf("fatal err = %v", ev.Err)
	}
	waitState(t, m, StateFatal)
	if st := m.Status(); st.HeartbeatRunning {
		t.Fatalf("heartbeat running after rejected hello")
	}
	for _, op := range fake.SentOps() {
		if op == protocol.OpIdentify {
			t.Fatalf("identified after rejected hello: %v", fake.SentOps())
		}
	}
}

func TestRejectedReadyIsNotDelivered(t *testing.T) {
	testlog.Start(t)
	fake := transporttest.NewFake()
	newScript().install(fake)
	m, rec := newTestManager(t, fake, testConfig())
	startReady(t, m, rec)

	fake.PushReady("sess-2", "", 99)
	ev := rec.wait(t, EventFatal)
	if !errors.Is(ev.Err, ErrProtocolViolation) || !errors.Is(ev.Err, protocol.ErrUnexpectedOpcode) {
		t.Fatalf("fatal err = %v", ev.Err)
	}
	waitState(t, m, StateFatal)
	if st := m.Status(); st.HasSequence || st.SessionID != "" {
		t.Fatalf("status after rejected READY = %+v", st)
	}
	if n := rec.count(EventReady); n != 1 {
		t.Fatalf("ready events = %d, want 1", n)
	}
}

func TestFatalCloseHalts(t *testing.T) {
	testlog.Start(t)
	fake := transporttest.NewFake()
	newScript().install(fake)
	m, rec := newTestManager(t, fake, testConfig())
	startReady(t, m, rec)

	fake.Drop(session.CloseAuthenticationFailed, "authentication failed")
	ev := rec.wait(t, EventFatal)
	if !errors.Is(ev.Err, ErrAuthenticationRejected) {
		t.Fatalf("fatal err = %v", ev.Err)
	}
	var fe *FatalError
	if !errors.As(ev.Err, &fe) || fe.Code != session.CloseAuthenticationFailed {
		t.Fatalf("fatal error = %#v", ev.Err)
	}
	waitState(t, m, StateFatal)
	time.Sleep(50 * time.Millisecond)
	if n := len(fake.Endpoints()); n != 1 {
		t.Fatalf("reconnected after fatal close: %d connects", n)
	}
}

func TestProtocolViolationIsFatal(t *testing.T) {
	testlog.Start(t)
	fake := transporttest.NewFake()
	newScript().install(fake)
	m, rec := newTestManager(t, fake, testConfig())
	startReady(t, m, rec)

	fake.PushRaw([]byte("{not json"))
	ev := rec.wait(t, EventFatal)
	if !errors.Is(ev.Err, ErrProtocolViolation) || !errors.Is(ev.Err, protocol.ErrMalformedFrame) {
		t.Fatalf("fatal err = %v", ev.Err)
	}
	waitState(t, m, StateFatal)

	deadline := time.Now().Add(waitTimeout)
	for len(fake.Disconnects()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if d := fake.Disconnects(); len(d) != 1 || d[0].Code != session.CloseProtocolError {
		t.Fatalf("disconnects = %+v", d)
	}
}

func TestInitialConnectFailureReturnsConnectionError(t *testing.T) {
	testlog.Start(t)
	fake := transporttest.NewFake()
	newScript().install(fake)
	m, rec := newTestManager(t, fake, testConfig())

	fake.FailNextConnect(errors.New("connection refused"))
	err := m.Start(context.Background(), testEndpoint)
	var ce *transport.ConnectionError
	if !errors.As(err, &ce) {
		t.Fatalf("start err = %v, want ConnectionError", err)
	}
	if st := m.Status(); st.State != StateDisconnected || st.Running {
		t.Fatalf("status after failed start = %+v", st)
	}
	startReady(t, m, rec)
}

func TestStartTwiceReturnsAlreadyStarted(t *testing.T) {
	testlog.Start(t)
	fake := transporttest.NewFake()
	newScript().install(fake)
	m, rec := newTestManager(t, fake, testConfig())
	startReady(t, m, rec)

	if err := m.Start(context.Background(), testEndpoint); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second start err = %v", err)
	}
}

func TestSendRequiresReady(t *testing.T) {
	testlog.Start(t)
	fake := transporttest.NewFake()
	newScript().install(fake)
	m, rec := newTestManager(t, fake, testConfig())

	err := m.SendPayload(context.Background(), protocol.OpPresenceUpdate, map[string]any{"status": "online"})
	var se *transport.SendError
	if !errors.Is(err, ErrNotReady) || !errors.As(err, &se) {
		t.Fatalf("send before ready err = %v", err)
	}
	if err := m.Send(context.Background(), protocol.Frame{Op: protocol.OpIdentify}); !errors.Is(err, ErrReservedOpcode) {
		t.Fatalf("reserved opcode err = %v", err)
	}

	startReady(t, m, rec)
	if err := m.SendPayload(context.Background(), protocol.OpPresenceUpdate, map[string]any{"status": "online"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	fake.WaitSent(t, protocol.OpPresenceUpdate, waitTimeout)
}

func TestServerReconnectRequestResumes(t *testing.T) {
	testlog.Start(t)
	fake := transporttest.NewFake()
	newScript().install(fake)
	m, rec := newTestManager(t, fake, testConfig())
	startReady(t, m, rec)

	fake.PushReconnect()
	fake.WaitSent(t, protocol.OpResume, waitTimeout)
	rec.wait(t, EventResumed)
	if d := fake.Disconnects(); len(d) != 1 || d[0].Code != session.CloseReconnectRequested {
		t.Fatalf("disconnects = %+v", d)
	}
}

func TestResumableInvalidSessionInReadyResumes(t *testing.T) {
	testlog.Start(t)
	fake := transporttest.NewFake()
	newScript().install(fake)
	m, rec := newTestManager(t, fake, testConfig())
	startReady(t, m, rec)

	fake.PushInvalidSession(true)
	inv := rec.wait(t, EventSessionInvalidated)
	if !inv.Resumable {
		t.Fatalf("invalidation should be resumable")
	}
	fake.WaitSent(t, protocol.OpResume, waitTimeout)
	rec.wait(t, EventResumed)
}

func TestHandshakeTimeoutReconnects(t *testing.T) {
	testlog.Start(t)
	fake := transporttest.NewFake()
	script := newScript()
	script.silentConnects = 1
	script.install(fake)
	cfg := testConfig()
	cfg.Session.HandshakeTimeout = 50 * time.Millisecond
	m, rec := newTestManager(t, fake, cfg)

	startReady(t, m, rec)
	if d := fake.Disconnects(); len(d) != 1 || d[0].Code != session.CloseHandshakeTimeout {
		t.Fatalf("disconnects = %+v", d)
	}
	if n := len(fake.Endpoints()); n != 2 {
		t.Fatalf("connects = %d, want 2", n)
	}
}

func TestStopWhileBackingOffCancelsReconnect(t *testing.T) {
	testlog.Start(t)
	fake := transporttest.NewFake()
	newScript().install(fake)
	cfg := testConfig()
	cfg.Session.Backoff = session.BackoffConfig{InitialDelay: time.Second, Multiplier: 2, MaxDelay: 2 * time.Second}
	m, rec := newTestManager(t, fake, cfg)
	startReady(t, m, rec)

	fake.Drop(session.CloseGoingAway, "going away")
	rec.wait(t, EventClosed)
	waitState(t, m, StateDisconnected)
	if !m.Status().Running {
		t.Fatalf("manager should be waiting to reconnect")
	}
	if err := m.Stop(context.Background(), session.CloseNormal, "bye"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if st := m.Status(); st.Running || st.SessionID != "" {
		t.Fatalf("status after stop = %+v", st)
	}
}

func TestResumeEndpointKeepsQuery(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		base, resume, want string
	}{
		{testEndpoint, "", testEndpoint},
		{testEndpoint, "wss://r.test", "wss://r.test?v=10&encoding=json"},
		{testEndpoint, "wss://r.test/?v=9", "wss://r.test/?v=9"},
		{testEndpoint, "not a url", testEndpoint},
	}
	for _, tc := range cases {
		if got := resumeEndpoint(tc.base, tc.resume); got != tc.want {
			t.Fatalf("resumeEndpoint(%q, %q) = %q, want %q", tc.base, tc.resume, got, tc.want)
		}
	}
}

func TestNewManagerRequiresToken(t *testing.T) {
	testlog.Start(t)
	fake := transporttest.NewFake()
	defer fake.Close()
	if _, err := NewManager(fake, DefaultConfig()); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("new manager err = %v", err)
	}
}
