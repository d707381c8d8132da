package session

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"
)

// Standard websocket close codes.
const (
	CloseNormal         = 1000
	CloseGoingAway      = 1001
	CloseProtocolError  = 1002
	CloseAbnormal       = 1006
	CloseInternalError  = 1011
	CloseServiceRestart = 1012
	CloseTryAgainLater  = 1013
)

// Gateway close codes sent by the service.
const (
	CloseUnknownError         = 4000
	CloseUnknownOpcode        = 4001
	CloseDecodeError          = 4002
	CloseNotAuthenticated     = 4003
	CloseAuthenticationFailed = 4004
	CloseAlreadyAuthenticated = 4005
	CloseInvalidSeq           = 4007
	CloseRateLimited          = 4008
	CloseSessionTimedOut      = 4009
	CloseInvalidShard         = 4010
	CloseShardingRequired     = 4011
	CloseInvalidAPIVersion    = 4012
	CloseInvalidIntents       = 4013
	CloseDisallowedIntents    = 4014
)

// Close codes this client sends when it tears a connection down itself.
const (
	CloseHeartbeatTimeout   = 4900
	CloseReconnectRequested = 4901
	CloseHandshakeTimeout   = 4902
)

// CloseClass is the resumability of a closure.
type CloseClass int

const (
	// CloseUnknown attempts one resume, falling back to identify if rejected.
	CloseUnknown CloseClass = iota
	CloseResumable
	CloseNonResumable
	CloseFatal
)

var closeClassNames = map[CloseClass]string{
	CloseUnknown:      "unknown",
	CloseResumable:    "resumable",
	CloseNonResumable: "non_resumable",
	CloseFatal:        "fatal",
}

func (c CloseClass) String() string {
	if name, ok := closeClassNames[c]; ok {
		return name
	}
	return "invalid"
}

func ParseCloseClass(raw string) (CloseClass, error) {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.ReplaceAll(key, "-", "_")
	for class, name := range closeClassNames {
		if name == key {
			return class, nil
		}
	}
	return CloseUnknown, fmt.Errorf("session: invalid close class %q", raw)
}

// ClosePolicy maps close codes to classes. Codes without an entry are
// CloseUnknown.
type ClosePolicy struct {
	table map[int]CloseClass
}

func NewClosePolicy(entries map[int]CloseClass) ClosePolicy {
	table := make(map[int]CloseClass, len(entries))
	for code, class := range entries {
		table[code] = class
	}
	return ClosePolicy{table: table}
}

func DefaultClosePolicy() ClosePolicy {
	return NewClosePolicy(map[int]CloseClass{
		CloseGoingAway:            CloseResumable,
		CloseAbnormal:             CloseResumable,
		CloseInternalError:        CloseResumable,
		CloseServiceRestart:       CloseResumable,
		CloseTryAgainLater:        CloseResumable,
		CloseRateLimited:          CloseResumable,
		CloseHeartbeatTimeout:     CloseResumable,
		CloseReconnectRequested:   CloseResumable,
		CloseHandshakeTimeout:     CloseResumable,
		CloseNormal:               CloseNonResumable,
		CloseNotAuthenticated:     CloseNonResumable,
		CloseInvalidSeq:           CloseNonResumable,
		CloseSessionTimedOut:      CloseNonResumable,
		CloseAuthenticationFailed: CloseFatal,
		CloseInvalidShard:         CloseFatal,
		CloseShardingRequired:     CloseFatal,
		CloseInvalidAPIVersion:    CloseFatal,
		CloseInvalidIntents:       CloseFatal,
		CloseDisallowedIntents:    CloseFatal,
	})
}

func (p ClosePolicy) Classify(code int) CloseClass {
	if class, ok := p.table[code]; ok {
		return class
	}
	return CloseUnknown
}

// With returns a copy of p with code mapped to class.
func (p ClosePolicy) With(code int, class CloseClass) ClosePolicy {
	next := NewClosePolicy(p.table)
	next.table[code] = class
	return next
}

// Codes returns the explicitly classified codes in ascending order.
func (p ClosePolicy) Codes() []int {
	out := make([]int, 0, len(p.table))
	for code := range p.table {
		out = append(out, code)
	}
	sort.Ints(out)
	return out
}

// Action is what the session manager should attempt next.
type Action int

const (
	ActionResume Action = iota
	ActionIdentify
	ActionHalt
)

func (a Action) String() string {
	switch a {
	case ActionResume:
		return "resume"
	case ActionIdentify:
		return "identify"
	case ActionHalt:
		return "halt"
	default:
		return "invalid"
	}
}

// Decision is one retry verdict.
type Decision struct {
	Class   CloseClass
	Action  Action
	Delay   time.Duration
	Attempt int
	// Invalidate means the stored session must be cleared before retrying.
	Invalidate bool
	// Fallback means a rejected resume should fall back to identify.
	Fallback bool
}

// BackoffState is the consecutive-failure counter and the last delay handed out.
type BackoffState struct {
	Attempt   int
	NextDelay time.Duration
}

// ReconnectController turns closures into retry decisions. It never touches
// a transport.
type ReconnectController struct {
	policy  ClosePolicy
	backoff BackoffConfig
	rng     *rand.Rand
	state   BackoffState
}

func NewReconnectController(policy ClosePolicy, backoff BackoffConfig, rng *rand.Rand) *ReconnectController {
	if policy.table == nil {
		policy = DefaultClosePolicy()
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &ReconnectController{
		policy:  policy,
		backoff: backoff.WithDefaults(),
		rng:     rng,
	}
}

func (c *ReconnectController) Policy() ClosePolicy {
	return c.policy
}

// OnClose classifies an unsolicited closure. canResume reports whether a
// session id and sequence are stored.
func (c *ReconnectController) OnClose(code int, canResume bool) Decision {
	class := c.policy.Classify(code)
	switch class {
	case CloseFatal:
		return Decision{Class: class, Action: ActionHalt, Attempt: c.state.Attempt}
	case CloseNonResumable:
		return c.schedule(Decision{Class: class, Action: ActionIdentify, Invalidate: true})
	case CloseResumable:
		if canResume {
			return c.schedule(Decision{Class: class, Action: ActionResume})
		}
		return c.schedule(Decision{Class: class, Action: ActionIdentify})
	default:
		if canResume {
			return c.schedule(Decision{Class: class, Action: ActionResume, Fallback: true})
		}
		return c.schedule(Decision{Class: class, Action: ActionIdentify})
	}
}

// OnConnectFailure schedules another attempt after a dial failure.
func (c *ReconnectController) OnConnectFailure(canResume bool) Decision {
	if canResume {
		return c.schedule(Decision{Class: CloseResumable, Action: ActionResume})
	}
	return c.schedule(Decision{Class: CloseResumable, Action: ActionIdentify})
}

// OnInvalidSession handles a service-side invalidation of the session.
func (c *ReconnectController) OnInvalidSession(resumable, canResume bool) Decision {
	if resumable && canResume {
		return c.schedule(Decision{Class: CloseResumable, Action: ActionResume})
	}
	return c.schedule(Decision{Class: CloseNonResumable, Action: ActionIdentify, Invalidate: true})
}

// OnResumeRejected falls back to a fresh identify.
func (c *ReconnectController) OnResumeRejected() Decision {
	return c.schedule(Decision{Class: CloseNonResumable, Action: ActionIdentify, Invalidate: true})
}

// Reset is called on every transition into Ready.
func (c *ReconnectController) Reset() {
	c.state = BackoffState{}
}

func (c *ReconnectController) State() BackoffState {
	return c.state
}

func (c *ReconnectController) schedule(d Decision) Decision {
	delay := NextBackoffDelay(c.backoff, c.state.Attempt+1, c.rng)
	c.state.Attempt++
	c.state.NextDelay = delay
	d.Delay = delay
	d.Attempt = c.state.Attempt
	return d
}
