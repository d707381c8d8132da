package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
)

var (
	ErrNotConnected     = errors.New("transport: not connected")
	ErrAlreadyConnected = errors.New("transport: already connected")
)

// Transport is the pluggable connection capability.
type Transport interface {
	Connect(ctx context.Context, endpoint string) error
	Disconnect(ctx context.Context, code int, reason string) error
	Send(ctx context.Context, frame []byte) error
	SetListener(l Listener)
	IsConnected() bool
}

// Listener receives transport notifications.
type Listener interface {
	OnOpened()
	OnClosed(ev CloseEvent)
	OnMessage(payload []byte)
	OnError(err error)
}

// CloseEvent describes one connection closure.
type CloseEvent struct {
	Code     int
	Reason   string
	WasClean bool
}

func (e CloseEvent) String() string {
	return fmt.Sprintf("code=%d reason=%q clean=%v", e.Code, e.Reason, e.WasClean)
}

// ConnectionError reports a failed connect (DNS, TLS, refusal, bad handshake).
type ConnectionError struct {
	Endpoint   string
	StatusCode int
	Err        error
}

func (e *ConnectionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport connect %s failed status=%d: %v", RedactEndpoint(e.Endpoint), e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transport connect %s failed: %v", RedactEndpoint(e.Endpoint), e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// RedactEndpoint drops the query string and userinfo, either of which may
// carry credentials, so the endpoint is safe to log.
func RedactEndpoint(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "<invalid>"
	}
	u.RawQuery = ""
	u.User = nil
	return u.String()
}

// SendError reports a failed frame write.
type SendError struct {
	Err       error
	Temporary bool
}

func (e *SendError) Error() string {
	return fmt.Sprintf("transport send error: %v", e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// NopListener discards every notification.
type NopListener struct{}

func (NopListener) OnOpened() {}
func (NopListener) OnClosed(CloseEvent) {}
func (NopListener) OnMessage([]byte) {}
func (NopListener) OnError(error) {}
