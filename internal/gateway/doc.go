// Package gateway runs one real-time gateway session: it owns the connection
// lifecycle, the identify/resume handshake, heartbeating and reconnects, and
// fans inbound events out to subscribers.
//
// All session state is owned by a single goroutine. Transport notifications,
// timer ticks and caller commands reach it as messages on one inbox, so no
// two transitions ever interleave.
package gateway
