package session

import "time"

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	// Jitter is the upper bound of the random delay added to each step.
	Jitter time.Duration
}

// Config defines session reliability defaults.
type Config struct {
	ConnectTimeout    time.Duration
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	CloseTimeout      time.Duration
	HeartbeatJitter   bool
	OutboundQueueSize int
	Backoff           BackoffConfig
	SecurityMode      SecurityMode
	TLS               TLSConfig
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:    10 * time.Second,
		HandshakeTimeout:  15 * time.Second,
		WriteTimeout:      10 * time.Second,
		CloseTimeout:      5 * time.Second,
		HeartbeatJitter:   true,
		OutboundQueueSize: 128,
		Backoff: BackoffConfig{
			InitialDelay: time.Second,
			Multiplier:   2.0,
			MaxDelay:     60 * time.Second,
			Jitter:       500 * time.Millisecond,
		},
		SecurityMode: SecurityModeDevelopment,
	}
}

// WithDefaults fills zero fields from DefaultConfig and clamps backoff jitter
// so consecutive delays never decrease.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = def.CloseTimeout
	}
	if c.OutboundQueueSize <= 0 {
		c.OutboundQueueSize = def.OutboundQueueSize
	}
	c.Backoff = c.Backoff.WithDefaults()
	c.SecurityMode = NormalizeSecurityMode(c.SecurityMode)
	return c
}

func (b BackoffConfig) WithDefaults() BackoffConfig {
	def := DefaultConfig().Backoff
	if b.InitialDelay <= 0 {
		b.InitialDelay = def.InitialDelay
	}
	if b.Multiplier < 1.0 {
		b.Multiplier = def.Multiplier
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = def.MaxDelay
	}
	if b.MaxDelay < b.InitialDelay {
		b.MaxDelay = b.InitialDelay
	}
	if b.Jitter < 0 {
		b.Jitter = 0
	}
	if limit := time.Duration(float64(b.InitialDelay) * (b.Multiplier - 1)); b.Jitter > limit {
		b.Jitter = limit
	}
	return b
}
