package gateway

import (
	"math/rand"
	"strings"
	"time"

	"github.com/danmuck/edgegate/internal/protocol"
	"github.com/danmuck/edgegate/internal/protocol/session"
	"github.com/rs/zerolog"
)

// Config is everything a Manager needs besides its transport.
type Config struct {
	Token          string
	Intents        uint64
	Properties     protocol.IdentifyProperties
	LargeThreshold int
	Shard          *[2]int

	Session     session.Config
	ClosePolicy session.ClosePolicy

	// FailureBuffer bounds the subscriber failure channel. Failures beyond it
	// are dropped.
	FailureBuffer int
	// InboxSize bounds the actor inbox.
	InboxSize int
}

func DefaultConfig() Config {
	return Config{
		Properties: protocol.IdentifyProperties{
			OS:      "linux",
			Browser: "edgegate",
			Device:  "edgegate",
		},
		Session:       session.DefaultConfig(),
		ClosePolicy:   session.DefaultClosePolicy(),
		FailureBuffer: 64,
		InboxSize:     256,
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.Properties == (protocol.IdentifyProperties{}) {
		c.Properties = def.Properties
	}
	c.Session = c.Session.WithDefaults()
	if len(c.ClosePolicy.Codes()) == 0 {
		c.ClosePolicy = def.ClosePolicy
	}
	if c.FailureBuffer <= 0 {
		c.FailureBuffer = def.FailureBuffer
	}
	if c.InboxSize <= 0 {
		c.InboxSize = def.InboxSize
	}
	return c
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Token) == "" {
		return ErrMissingToken
	}
	return c.identify().Validate()
}

func (c Config) identify() protocol.Identify {
	return protocol.Identify{
		Token:          c.Token,
		Properties:     c.Properties,
		Intents:        c.Intents,
		LargeThreshold: c.LargeThreshold,
		Shard:          c.Shard,
	}
}

// Option customizes a Manager.
type Option func(*Manager)

func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) {
		m.log = logger
	}
}

// WithRand seeds heartbeat and backoff jitter. rng is only used from the
// manager goroutine.
func WithRand(rng *rand.Rand) Option {
	return func(m *Manager) {
		if rng != nil {
			m.rng = rng
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithMetrics toggles the prometheus recorders. They are on by default.
func WithMetrics(enabled bool) Option {
	return func(m *Manager) {
		m.metrics = enabled
	}
}
