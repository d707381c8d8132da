package session

import "sync"

// TrackerSnapshot is a copy of the resumable session identity.
type TrackerSnapshot struct {
	SessionID   string
	ResumeURL   string
	Sequence    uint64
	HasSequence bool
}

// Tracker holds the last-seen sequence and the current session id.
type Tracker struct {
	mu        sync.RWMutex
	sessionID string
	resumeURL string
	seq       uint64
	hasSeq    bool
}

func NewTracker() *Tracker {
	return &Tracker{}
}

// Observe applies sequence := max(sequence, seq) and reports whether it advanced.
func (t *Tracker) Observe(seq uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.hasSeq && seq <= t.seq {
		return false
	}
	t.seq = seq
	t.hasSeq = true
	return true
}

// Bind records the session created by a successful identify.
func (t *Tracker) Bind(sessionID, resumeURL string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessionID = sessionID
	t.resumeURL = resumeURL
}

func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessionID = ""
	t.resumeURL = ""
	t.seq = 0
	t.hasSeq = false
}

func (t *Tracker) CanResume() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessionID != "" && t.hasSeq
}

func (t *Tracker) Sequence() (uint64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.seq, t.hasSeq
}

func (t *Tracker) SessionID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessionID
}

func (t *Tracker) ResumeURL() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.resumeURL
}

func (t *Tracker) Snapshot() TrackerSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return TrackerSnapshot{
		SessionID:   t.sessionID,
		ResumeURL:   t.resumeURL,
		Sequence:    t.seq,
		HasSequence: t.hasSeq,
	}
}
