package config

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/edgegate/internal/gateway"
	"github.com/danmuck/edgegate/internal/protocol/session"
)

// File is the on-disk TOML layout. Durations are Go duration strings.
type File struct {
	Gateway    GatewaySection    `toml:"gateway"`
	Session    SessionSection    `toml:"session"`
	CloseCodes map[string]string `toml:"close_codes"`
	Status     StatusSection     `toml:"status"`
	Log        LogSection        `toml:"log"`
}

type GatewaySection struct {
	Endpoint       string `toml:"endpoint"`
	Token          string `toml:"token"`
	Intents        uint64 `toml:"intents"`
	LargeThreshold int    `toml:"large_threshold"`
	Shard          []int  `toml:"shard,omitempty"`
	OS             string `toml:"os"`
	Browser        string `toml:"browser"`
	Device         string `toml:"device"`
}

type SessionSection struct {
	ConnectTimeout    string         `toml:"connect_timeout"`
	HandshakeTimeout  string         `toml:"handshake_timeout"`
	WriteTimeout      string         `toml:"write_timeout"`
	CloseTimeout      string         `toml:"close_timeout"`
	HeartbeatJitter   bool           `toml:"heartbeat_jitter"`
	OutboundQueueSize int            `toml:"outbound_queue_size"`
	SecurityMode      string         `toml:"security_mode"`
	Backoff           BackoffSection `toml:"backoff"`
	TLS               TLSSection     `toml:"tls"`
}

type BackoffSection struct {
	Initial    string  `toml:"initial"`
	Multiplier float64 `toml:"multiplier"`
	Max        string  `toml:"max"`
	Jitter     string  `toml:"jitter"`
}

type TLSSection struct {
	Enabled            bool   `toml:"enabled"`
	ServerName         string `toml:"server_name"`
	CAFile             string `toml:"ca_file"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

type StatusSection struct {
	Enabled     bool     `toml:"enabled"`
	Addr        string   `toml:"addr"`
	Node        string   `toml:"node"`
	CorsOrigins []string `toml:"cors_origins"`
}

type LogSection struct {
	Level string `toml:"level"`
}

// Status configures the HTTP status/metrics surface.
type Status struct {
	Enabled     bool
	Addr        string
	Node        string
	CorsOrigins []string
}

// Runtime is the resolved configuration of one gatewayctl process.
type Runtime struct {
	Endpoint string
	Gateway  gateway.Config
	Status   Status
	LogLevel string
}

func Default() Runtime {
	return Runtime{
		Gateway: gateway.DefaultConfig(),
		Status: Status{
			Enabled: true,
			Addr:    ":9400",
			Node:    "gatewayctl",
		},
		LogLevel: "info",
	}
}

// Load reads path over Default. Only keys present in the file override a
// default, so a zero value in the file is honored.
func Load(path string) (Runtime, error) {
	var raw File
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Runtime{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return Runtime{}, fmt.Errorf("config %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	cfg, err := apply(Default(), raw, meta)
	if err != nil {
		return Runtime{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func apply(cfg Runtime, raw File, meta toml.MetaData) (Runtime, error) {
	g := &cfg.Gateway
	s := &g.Session

	if meta.IsDefined("gateway", "endpoint") {
		cfg.Endpoint = strings.TrimSpace(raw.Gateway.Endpoint)
	}
	if meta.IsDefined("gateway", "token") {
		g.Token = strings.TrimSpace(raw.Gateway.Token)
	}
	if meta.IsDefined("gateway", "intents") {
		g.Intents = raw.Gateway.Intents
	}
	if meta.IsDefined("gateway", "large_threshold") {
		g.LargeThreshold = raw.Gateway.LargeThreshold
	}
	if meta.IsDefined("gateway", "shard") {
		if len(raw.Gateway.Shard) != 2 {
			return Runtime{}, fmt.Errorf("gateway.shard must be [id, count]")
		}
		g.Shard = &[2]int{raw.Gateway.Shard[0], raw.Gateway.Shard[1]}
	}
	if meta.IsDefined("gateway", "os") {
		g.Properties.OS = raw.Gateway.OS
	}
	if meta.IsDefined("gateway", "browser") {
		g.Properties.Browser = raw.Gateway.Browser
	}
	if meta.IsDefined("gateway", "device") {
		g.Properties.Device = raw.Gateway.Device
	}

	durations := []struct {
		key []string
		raw string
		dst *time.Duration
	}{
		{[]string{"session", "connect_timeout"}, raw.Session.ConnectTimeout, &s.ConnectTimeout},
		{[]string{"session", "handshake_timeout"}, raw.Session.HandshakeTimeout, &s.HandshakeTimeout},
		{[]string{"session", "write_timeout"}, raw.Session.WriteTimeout, &s.WriteTimeout},
		{[]string{"session", "close_timeout"}, raw.Session.CloseTimeout, &s.CloseTimeout},
		{[]string{"session", "backoff", "initial"}, raw.Session.Backoff.Initial, &s.Backoff.InitialDelay},
		{[]string{"session", "backoff", "max"}, raw.Session.Backoff.Max, &s.Backoff.MaxDelay},
		{[]string{"session", "backoff", "jitter"}, raw.Session.Backoff.Jitter, &s.Backoff.Jitter},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key...) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Runtime{}, fmt.Errorf("parse %s: %w", strings.Join(d.key, "."), err)
		}
		*d.dst = v
	}
	if meta.IsDefined("session", "heartbeat_jitter") {
		s.HeartbeatJitter = raw.Session.HeartbeatJitter
	}
	if meta.IsDefined("session", "outbound_queue_size") {
		s.OutboundQueueSize = raw.Session.OutboundQueueSize
	}
	if meta.IsDefined("session", "security_mode") {
		s.SecurityMode = session.SecurityMode(raw.Session.SecurityMode)
	}
	if meta.IsDefined("session", "backoff", "multiplier") {
		s.Backoff.Multiplier = raw.Session.Backoff.Multiplier
	}
	if meta.IsDefined("session", "tls") {
		t := raw.Session.TLS
		s.TLS = session.TLSConfig{
			Enabled:            t.Enabled,
			ServerName:         strings.TrimSpace(t.ServerName),
			CAFile:             strings.TrimSpace(t.CAFile),
			CertFile:           strings.TrimSpace(t.CertFile),
			KeyFile:            strings.TrimSpace(t.KeyFile),
			InsecureSkipVerify: t.InsecureSkipVerify,
		}
	}

	if len(raw.CloseCodes) > 0 {
		policy, err := closePolicy(g.ClosePolicy, raw.CloseCodes)
		if err != nil {
			return Runtime{}, err
		}
		g.ClosePolicy = policy
	}

	if meta.IsDefined("status", "enabled") {
		cfg.Status.Enabled = raw.Status.Enabled
	}
	if meta.IsDefined("status", "addr") {
		cfg.Status.Addr = strings.TrimSpace(raw.Status.Addr)
	}
	if meta.IsDefined("status", "node") {
		cfg.Status.Node = strings.TrimSpace(raw.Status.Node)
	}
	if meta.IsDefined("status", "cors_origins") {
		cfg.Status.CorsOrigins = normalizeOrigins(raw.Status.CorsOrigins)
	}
	if meta.IsDefined("log", "level") {
		cfg.LogLevel = strings.TrimSpace(raw.Log.Level)
	}
	return cfg, nil
}

// closePolicy overlays code = class entries on base.
func closePolicy(base session.ClosePolicy, entries map[string]string) (session.ClosePolicy, error) {
	codes := make([]string, 0, len(entries))
	for code := range entries {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	for _, raw := range codes {
		code, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || code < 1000 || code > 4999 {
			return session.ClosePolicy{}, fmt.Errorf("close_codes: invalid code %q", raw)
		}
		class, err := session.ParseCloseClass(entries[raw])
		if err != nil {
			return session.ClosePolicy{}, fmt.Errorf("close_codes.%s: %w", raw, err)
		}
		base = base.With(code, class)
	}
	return base, nil
}

// Validate checks the resolved runtime before anything is dialed.
func Validate(cfg Runtime) error {
	if cfg.Endpoint == "" {
		return fmt.Errorf("gateway.endpoint is required")
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return fmt.Errorf("gateway.endpoint: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("gateway.endpoint scheme must be ws or wss, got %q", u.Scheme)
	}
	if err := cfg.Gateway.Session.ValidateClientTransport(u.Scheme == "wss"); err != nil {
		return err
	}
	if err := cfg.Gateway.WithDefaults().Validate(); err != nil {
		return err
	}
	if cfg.Status.Enabled && cfg.Status.Addr == "" {
		return fmt.Errorf("status.addr is required when status is enabled")
	}
	return nil
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, origin := range in {
		if v := strings.TrimSpace(origin); v != "" {
			out = append(out, v)
		}
	}
	return out
}
