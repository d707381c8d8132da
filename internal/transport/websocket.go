package transport

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/edgegate/internal/logging"
	"github.com/danmuck/edgegate/internal/protocol"
	"github.com/danmuck/edgegate/internal/protocol/session"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// WebSocketOptions configures the gorilla/websocket transport.
type WebSocketOptions struct {
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	CloseTimeout      time.Duration
	ReadLimit         int64
	EnableCompression bool
	TLS               session.TLSConfig
	Logger            *zerolog.Logger

	// Headers seed the default handshake headers.
	Headers http.Header

	// Proxy selects the proxy for each dial. Nil uses the environment.
	Proxy func(*http.Request) (*url.URL, error)
}

func (o WebSocketOptions) withDefaults() WebSocketOptions {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 15 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = 5 * time.Second
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = protocol.MaxFrameSize
	}
	if o.Headers == nil {
		o.Headers = make(http.Header)
	}
	if o.Proxy == nil {
		o.Proxy = http.ProxyFromEnvironment
	}
	return o
}

// wsConn is one dialed connection and its read-loop bookkeeping.
type wsConn struct {
	conn *websocket.Conn
	done chan struct{}

	closeMu  sync.Mutex
	closeReq *CloseEvent
}

func (c *wsConn) requestClose(ev CloseEvent) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closeReq == nil {
		c.closeReq = &ev
	}
}

func (c *wsConn) requestedClose() *CloseEvent {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closeReq
}

// WebSocketTransport implements Transport over gorilla/websocket text frames.
type WebSocketTransport struct {
	opts WebSocketOptions
	log  zerolog.Logger

	mu       sync.Mutex
	current  *wsConn
	listener Listener

	headersMu sync.Mutex
	headers   http.Header

	// muW serializes writes; gorilla allows one concurrent writer.
	muW sync.Mutex
}

var _ Transport = (*WebSocketTransport)(nil)

func NewWebSocketTransport(opts WebSocketOptions) *WebSocketTransport {
	opts = opts.withDefaults()
	logger := logging.Component("transport.websocket")
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &WebSocketTransport{
		opts:     opts,
		log:      logger,
		listener: NopListener{},
		headers:  opts.Headers.Clone(),
	}
}

// The handshake sets these itself; gorilla rejects duplicates.
var reservedHeaders = map[string]bool{
	"Upgrade":                  true,
	"Connection":               true,
	"Sec-Websocket-Key":        true,
	"Sec-Websocket-Version":    true,
	"Sec-Websocket-Extensions": true,
}

// AddDefaultHeader adds a header sent on every later Connect. It reports
// false when name is empty, reserved by the handshake or already set.
func (t *WebSocketTransport) AddDefaultHeader(name, value string) bool {
	key := http.CanonicalHeaderKey(strings.TrimSpace(name))
	if key == "" || reservedHeaders[key] {
		return false
	}
	t.headersMu.Lock()
	defer t.headersMu.Unlock()
	if _, ok := t.headers[key]; ok {
		return false
	}
	t.headers.Set(key, value)
	return true
}

// RemoveDefaultHeader reports whether name was set.
func (t *WebSocketTransport) RemoveDefaultHeader(name string) bool {
	key := http.CanonicalHeaderKey(strings.TrimSpace(name))
	t.headersMu.Lock()
	defer t.headersMu.Unlock()
	if _, ok := t.headers[key]; !ok {
		return false
	}
	t.headers.Del(key)
	return true
}

// DefaultHeaders returns a copy of the headers sent on Connect.
func (t *WebSocketTransport) DefaultHeaders() http.Header {
	t.headersMu.Lock()
	defer t.headersMu.Unlock()
	return t.headers.Clone()
}

func (t *WebSocketTransport) SetListener(l Listener) {
	if l == nil {
		l = NopListener{}
	}
	t.mu.Lock()
	t.listener = l
	t.mu.Unlock()
}

func (t *WebSocketTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current != nil
}

func (t *WebSocketTransport) Connect(ctx context.Context, endpoint string) error {
	t.mu.Lock()
	if t.current != nil {
		t.mu.Unlock()
		return &ConnectionError{Endpoint: endpoint, Err: ErrAlreadyConnected}
	}
	t.mu.Unlock()

	tlsCfg, err := t.opts.TLS.ClientTLSConfig()
	if err != nil {
		return &ConnectionError{Endpoint: endpoint, Err: err}
	}
	dialer := websocket.Dialer{
		Proxy:             t.opts.Proxy,
		HandshakeTimeout:  t.opts.HandshakeTimeout,
		EnableCompression: t.opts.EnableCompression,
		TLSClientConfig:   tlsCfg,
	}
	conn, resp, err := dialer.DialContext(ctx, endpoint, t.DefaultHeaders())
	if err != nil {
		cerr := &ConnectionError{Endpoint: endpoint, Err: err}
		if resp != nil {
			cerr.StatusCode = resp.StatusCode
		}
		return cerr
	}
	conn.SetReadLimit(t.opts.ReadLimit)

	wc := &wsConn{conn: conn, done: make(chan struct{})}
	t.mu.Lock()
	if t.current != nil {
		t.mu.Unlock()
		_ = conn.Close()
		return &ConnectionError{Endpoint: endpoint, Err: ErrAlreadyConnected}
	}
	t.current = wc
	listener := t.listener
	t.mu.Unlock()

	t.log.Debug().Str("endpoint", RedactEndpoint(endpoint)).Msg("transport.WebSocket connected")
	listener.OnOpened()
	go t.readLoop(wc)
	return nil
}

func (t *WebSocketTransport) readLoop(wc *wsConn) {
	defer close(wc.done)
	for {
		_, msg, err := wc.conn.ReadMessage()
		if err != nil {
			ev := t.closeEventFor(wc, err)
			_ = wc.conn.Close()

			t.mu.Lock()
			if t.current == wc {
				t.current = nil
			}
			listener := t.listener
			t.mu.Unlock()

			if wc.requestedClose() == nil && !isCloseError(err) {
				listener.OnError(err)
			}
			t.log.Debug().Int("code", ev.Code).Str("reason", ev.Reason).Bool("clean", ev.WasClean).
				Msg("transport.WebSocket closed")
			listener.OnClosed(ev)
			return
		}
		t.mu.Lock()
		listener := t.listener
		t.mu.Unlock()
		listener.OnMessage(msg)
	}
}

func (t *WebSocketTransport) closeEventFor(wc *wsConn, err error) CloseEvent {
	var ce *websocket.CloseError
	isClose := errors.As(err, &ce)
	if req := wc.requestedClose(); req != nil {
		ev := *req
		ev.WasClean = isClose
		return ev
	}
	if isClose {
		return CloseEvent{Code: ce.Code, Reason: ce.Text, WasClean: true}
	}
	return CloseEvent{Code: websocket.CloseAbnormalClosure, Reason: err.Error(), WasClean: false}
}

// Disconnect sends a close frame carrying code and waits for the peer's
// echo; once ctx or the close timeout expires the socket is dropped.
func (t *WebSocketTransport) Disconnect(ctx context.Context, code int, reason string) error {
	t.mu.Lock()
	wc := t.current
	t.mu.Unlock()
	if wc == nil {
		return ErrNotConnected
	}
	wc.requestClose(CloseEvent{Code: code, Reason: reason, WasClean: true})

	t.muW.Lock()
	err := wc.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(t.opts.WriteTimeout),
	)
	t.muW.Unlock()
	if err != nil {
		_ = wc.conn.Close()
	}

	timer := time.NewTimer(t.opts.CloseTimeout)
	defer timer.Stop()
	select {
	case <-wc.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	_ = wc.conn.Close()
	<-wc.done
	return nil
}

func (t *WebSocketTransport) Send(ctx context.Context, frame []byte) error {
	t.mu.Lock()
	wc := t.current
	t.mu.Unlock()
	if wc == nil {
		return &SendError{Err: ErrNotConnected, Temporary: true}
	}

	t.muW.Lock()
	defer t.muW.Unlock()
	deadline := time.Now().Add(t.opts.WriteTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = wc.conn.SetWriteDeadline(deadline)
	if err := wc.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return &SendError{Err: err, Temporary: true}
	}
	return nil
}

func isCloseError(err error) bool {
	var ce *websocket.CloseError
	return errors.As(err, &ce)
}
