// Package transport defines the duplex connection capability the gateway
// session manager runs on, plus a gorilla/websocket implementation.
//
// A Transport owns one logical connection at a time. Notifications are
// delivered to a single Listener in the order they occur, at most once per
// event: OnOpened, then any number of OnMessage/OnError, then OnClosed.
package transport
