package protocol

import "errors"

var (
	ErrMalformedFrame     = errors.New("protocol: malformed frame")
	ErrUnknownOpcode      = errors.New("protocol: unknown opcode")
	ErrUnexpectedOpcode   = errors.New("protocol: unexpected opcode")
	ErrFrameTooLarge      = errors.New("protocol: frame too large")
	ErrInvalidHello       = errors.New("protocol: invalid hello")
	ErrInvalidIdentify    = errors.New("protocol: invalid identify")
	ErrInvalidResume      = errors.New("protocol: invalid resume")
	ErrInvalidReady       = errors.New("protocol: invalid ready")
	ErrMissingSequence    = errors.New("protocol: dispatch missing sequence")
	ErrMissingDispatchKey = errors.New("protocol: dispatch missing type")
)
