package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MaxFrameSize bounds one inbound text message.
const MaxFrameSize = 4 << 20

// Decode parses one server frame and checks the opcode direction.
func Decode(raw []byte) (Frame, error) {
	if len(raw) > MaxFrameSize {
		return Frame{}, ErrFrameTooLarge
	}
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if !f.Op.Known() {
		return Frame{}, fmt.Errorf("%w: op=%d", ErrUnknownOpcode, f.Op)
	}
	if !f.Op.FromServer() {
		return Frame{}, fmt.Errorf("%w: op=%s is client-only", ErrUnexpectedOpcode, f.Op)
	}
	if f.Op == OpDispatch {
		if f.Seq == nil {
			return Frame{}, ErrMissingSequence
		}
		if strings.TrimSpace(f.Type) == "" {
			return Frame{}, ErrMissingDispatchKey
		}
	}
	return f, nil
}

func DecodeHello(f Frame) (Hello, error) {
	if f.Op != OpHello {
		return Hello{}, fmt.Errorf("%w: want hello got %s", ErrUnexpectedOpcode, f.Op)
	}
	var h Hello
	if err := json.Unmarshal(f.Data, &h); err != nil {
		return Hello{}, fmt.Errorf("%w: %v", ErrInvalidHello, err)
	}
	if h.HeartbeatIntervalMS == 0 {
		return Hello{}, fmt.Errorf("%w: missing heartbeat_interval", ErrInvalidHello)
	}
	if h.HeartbeatIntervalMS > uint64(MaxHeartbeatInterval/time.Millisecond) {
		return Hello{}, fmt.Errorf("%w: heartbeat_interval %dms exceeds %s", ErrInvalidHello, h.HeartbeatIntervalMS, MaxHeartbeatInterval)
	}
	return h, nil
}

func DecodeReady(f Frame) (Ready, error) {
	if f.Op != OpDispatch || f.Type != DispatchReady {
		return Ready{}, fmt.Errorf("%w: want READY dispatch", ErrUnexpectedOpcode)
	}
	var r Ready
	if err := json.Unmarshal(f.Data, &r); err != nil {
		return Ready{}, fmt.Errorf("%w: %v", ErrInvalidReady, err)
	}
	if strings.TrimSpace(r.SessionID) == "" {
		return Ready{}, fmt.Errorf("%w: missing session_id", ErrInvalidReady)
	}
	return r, nil
}

// DecodeInvalidSession returns whether the invalidated session may be resumed.
func DecodeInvalidSession(f Frame) (bool, error) {
	if f.Op != OpInvalidSession {
		return false, fmt.Errorf("%w: want invalid_session got %s", ErrUnexpectedOpcode, f.Op)
	}
	data := bytes.TrimSpace(f.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return false, nil
	}
	var resumable bool
	if err := json.Unmarshal(data, &resumable); err != nil {
		return false, fmt.Errorf("%w: invalid_session payload: %v", ErrMalformedFrame, err)
	}
	return resumable, nil
}
