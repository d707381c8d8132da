package config

import (
	"strconv"

	"github.com/danmuck/edgegate/internal/protocol/session"
	"github.com/pelletier/go-toml/v2"
)

const redacted = "<redacted>"

// ToFile is the inverse of Load. The token is replaced unless showSecrets.
func ToFile(cfg Runtime, showSecrets bool) File {
	g := cfg.Gateway
	s := g.Session
	token := g.Token
	if token != "" && !showSecrets {
		token = redacted
	}
	f := File{
		Gateway: GatewaySection{
			Endpoint:       cfg.Endpoint,
			Token:          token,
			Intents:        g.Intents,
			LargeThreshold: g.LargeThreshold,
			OS:             g.Properties.OS,
			Browser:        g.Properties.Browser,
			Device:         g.Properties.Device,
		},
		Session: SessionSection{
			ConnectTimeout:    s.ConnectTimeout.String(),
			HandshakeTimeout:  s.HandshakeTimeout.String(),
			WriteTimeout:      s.WriteTimeout.String(),
			CloseTimeout:      s.CloseTimeout.String(),
			HeartbeatJitter:   s.HeartbeatJitter,
			OutboundQueueSize: s.OutboundQueueSize,
			SecurityMode:      string(session.NormalizeSecurityMode(s.SecurityMode)),
			Backoff: BackoffSection{
				Initial:    s.Backoff.InitialDelay.String(),
				Multiplier: s.Backoff.Multiplier,
				Max:        s.Backoff.MaxDelay.String(),
				Jitter:     s.Backoff.Jitter.String(),
			},
			TLS: TLSSection{
				Enabled:            s.TLS.Enabled,
				ServerName:         s.TLS.ServerName,
				CAFile:             s.TLS.CAFile,
				CertFile:           s.TLS.CertFile,
				KeyFile:            s.TLS.KeyFile,
				InsecureSkipVerify: s.TLS.InsecureSkipVerify,
			},
		},
		CloseCodes: map[string]string{},
		Status: StatusSection{
			Enabled:     cfg.Status.Enabled,
			Addr:        cfg.Status.Addr,
			Node:        cfg.Status.Node,
			CorsOrigins: cfg.Status.CorsOrigins,
		},
		Log: LogSection{Level: cfg.LogLevel},
	}
	if g.Shard != nil {
		f.Gateway.Shard = []int{g.Shard[0], g.Shard[1]}
	}
	for _, code := range g.ClosePolicy.Codes() {
		f.CloseCodes[strconv.Itoa(code)] = g.ClosePolicy.Classify(code).String()
	}
	return f
}

// Render serializes the effective configuration as TOML.
func Render(cfg Runtime, showSecrets bool) ([]byte, error) {
	return toml.Marshal(ToFile(cfg, showSecrets))
}
