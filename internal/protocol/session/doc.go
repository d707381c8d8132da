// Package session owns the reliability primitives of one gateway session.
//
// Ownership boundary:
// - sequence/session-id tracking for resume
// - heartbeat scheduling and ack bookkeeping
// - close-code classification and reconnect backoff
// - serialized outbound queue
// - client transport security settings
//
// None of the types here are goroutine-safe orchestrators; the gateway
// manager owns them and serializes every mutation through its actor loop.
package session
