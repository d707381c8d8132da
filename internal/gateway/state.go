package gateway

// State is the session lifecycle position.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingHello
	StateIdentifying
	StateResuming
	StateReady
	StateClosing
	StateFatal
)

var stateNames = map[State]string{
	StateDisconnected:  "disconnected",
	StateConnecting:    "connecting",
	StateAwaitingHello: "awaiting_hello",
	StateIdentifying:   "identifying",
	StateResuming:      "resuming",
	StateReady:         "ready",
	StateClosing:       "closing",
	StateFatal:         "fatal",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "invalid"
}

// handshaking reports whether a connection is open and the session is not
// yet acknowledged.
func (s State) handshaking() bool {
	return s == StateAwaitingHello || s == StateIdentifying || s == StateResuming
}

// connected reports whether a live connection backs the state.
func (s State) connected() bool {
	return s.handshaking() || s == StateReady
}
