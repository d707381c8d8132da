package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Encode serializes f as one text message. Only client opcodes are accepted.
func Encode(f Frame) ([]byte, error) {
	if !f.Op.Known() {
		return nil, fmt.Errorf("%w: op=%d", ErrUnknownOpcode, f.Op)
	}
	if !f.Op.FromClient() {
		return nil, fmt.Errorf("%w: op=%s is server-only", ErrUnexpectedOpcode, f.Op)
	}
	if len(f.Data) == 0 {
		f.Data = json.RawMessage("null")
	}
	return json.Marshal(f)
}

// NewFrame marshals payload into a frame for op.
func NewFrame(op Opcode, payload any) (Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Op: op, Data: data}, nil
}

// EncodeHeartbeat builds a heartbeat carrying the last sequence, or null.
func EncodeHeartbeat(seq uint64, ok bool) ([]byte, error) {
	if !ok {
		return Encode(Frame{Op: OpHeartbeat, Data: json.RawMessage("null")})
	}
	f, err := NewFrame(OpHeartbeat, seq)
	if err != nil {
		return nil, err
	}
	return Encode(f)
}

func EncodeIdentify(id Identify) ([]byte, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	f, err := NewFrame(OpIdentify, id)
	if err != nil {
		return nil, err
	}
	return Encode(f)
}

func EncodeResume(r Resume) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	f, err := NewFrame(OpResume, r)
	if err != nil {
		return nil, err
	}
	return Encode(f)
}

func (id Identify) Validate() error {
	if strings.TrimSpace(id.Token) == "" {
		return fmt.Errorf("%w: missing token", ErrInvalidIdentify)
	}
	if id.LargeThreshold < 0 || id.LargeThreshold > 250 {
		return fmt.Errorf("%w: large_threshold=%d", ErrInvalidIdentify, id.LargeThreshold)
	}
	if id.Shard != nil && (id.Shard[1] <= 0 || id.Shard[0] < 0 || id.Shard[0] >= id.Shard[1]) {
		return fmt.Errorf("%w: shard=%v", ErrInvalidIdentify, *id.Shard)
	}
	return nil
}

func (r Resume) Validate() error {
	if strings.TrimSpace(r.Token) == "" {
		return fmt.Errorf("%w: missing token", ErrInvalidResume)
	}
	if strings.TrimSpace(r.SessionID) == "" {
		return fmt.Errorf("%w: missing session_id", ErrInvalidResume)
	}
	return nil
}
