// Package protocol owns the gateway wire contract.
//
// Ownership boundary:
// - frame envelope {op, d, s, t}
// - opcode table and direction rules
// - control payload shapes (hello, identify, resume, ready, invalid session)
//
// Application dispatch payloads stay opaque json.RawMessage values;
// interpreting them into entities belongs to callers.
package protocol
