package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/edgegate/internal/protocol/session"
	"github.com/danmuck/edgegate/internal/testutil/testlog"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gatewayctl.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadOverridesOnlyDefinedKeys(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
[gateway]
endpoint = "wss://gateway.test/?v=10"
token = "abc"
shard = [1, 4]

[session]
handshake_timeout = "3s"
heartbeat_jitter = false

[session.backoff]
initial = "250ms"

[close_codes]
"4000" = "non_resumable"

[status]
enabled = false
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	s := cfg.Gateway.Session
	if cfg.Endpoint != "wss://gateway.test/?v=10" || cfg.Gateway.Token != "abc" {
		t.Fatalf("gateway section = %+v", cfg)
	}
	if cfg.Gateway.Shard == nil || *cfg.Gateway.Shard != [2]int{1, 4} {
		t.Fatalf("shard = %v", cfg.Gateway.Shard)
	}
	if s.HandshakeTimeout != 3*time.Second || s.ConnectTimeout != 10*time.Second {
		t.Fatalf("timeouts = %v / %v", s.HandshakeTimeout, s.ConnectTimeout)
	}
	if s.HeartbeatJitter {
		t.Fatalf("heartbeat_jitter=false was not honored")
	}
	if s.Backoff.InitialDelay != 250*time.Millisecond || s.Backoff.MaxDelay != time.Minute {
		t.Fatalf("backoff = %+v", s.Backoff)
	}
	if got := cfg.Gateway.ClosePolicy.Classify(4000); got != session.CloseNonResumable {
		t.Fatalf("4000 class = %s", got)
	}
	if got := cfg.Gateway.ClosePolicy.Classify(session.CloseAuthenticationFailed); got != session.CloseFatal {
		t.Fatalf("4004 class = %s", got)
	}
	if cfg.Status.Enabled || cfg.Status.Addr != ":9400" {
		t.Fatalf("status = %+v", cfg.Status)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, "[gateway]\nendpiont = \"wss://x\"\n")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "gateway.endpiont") {
		t.Fatalf("load err = %v", err)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"duration":    "[session]\nconnect_timeout = \"soon\"\n",
		"shard":       "[gateway]\nshard = [1]\n",
		"close class": "[close_codes]\n\"4000\" = \"sometimes\"\n",
		"close code":  "[close_codes]\n\"abc\" = \"fatal\"\n",
	}
	for name, body := range cases {
		if _, err := Load(writeConfig(t, body)); err == nil {
			t.Fatalf("%s: expected load error", name)
		}
	}
}

func TestTemplateLoadsAndValidates(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "gatewayctl.toml")
	if err := WriteTemplate(path, false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	if err := WriteTemplate(path, false); err == nil {
		t.Fatalf("template overwrite without force should fail")
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load template: %v", err)
	}
	cfg.Gateway.Token = "token-a"
	if err := Validate(cfg); err != nil {
		t.Fatalf("validate template: %v", err)
	}
	if cfg.Gateway.Session.SecurityMode != session.SecurityModeProduction {
		t.Fatalf("security mode = %q", cfg.Gateway.Session.SecurityMode)
	}
}

func TestRenderRoundTrip(t *testing.T) {
	testlog.Start(t)
	cfg := Default()
	cfg.Endpoint = "wss://gateway.test/?v=10"
	cfg.Gateway.Token = "secret-token"
	cfg.Gateway.Session.CloseTimeout = 750 * time.Millisecond
	cfg.Gateway.ClosePolicy = cfg.Gateway.ClosePolicy.With(4000, session.CloseResumable)
	cfg.Status.CorsOrigins = []string{"http://localhost:3000"}

	hidden, err := Render(cfg, false)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if strings.Contains(string(hidden), "secret-token") {
		t.Fatalf("rendered config leaks token")
	}

	out, err := Render(cfg, true)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	loaded, err := Load(writeConfig(t, string(out)))
	if err != nil {
		t.Fatalf("load rendered: %v\n%s", err, out)
	}
	if loaded.Gateway.Token != "secret-token" || loaded.Endpoint != cfg.Endpoint {
		t.Fatalf("loaded gateway = %+v", loaded.Gateway)
	}
	if loaded.Gateway.Session.CloseTimeout != 750*time.Millisecond {
		t.Fatalf("close timeout = %v", loaded.Gateway.Session.CloseTimeout)
	}
	if loaded.Gateway.ClosePolicy.Classify(4000) != session.CloseResumable {
		t.Fatalf("close policy override lost")
	}
	if len(loaded.Status.CorsOrigins) != 1 {
		t.Fatalf("cors origins = %v", loaded.Status.CorsOrigins)
	}
}

func TestValidate(t *testing.T) {
	testlog.Start(t)
	base := Default()
	base.Gateway.Token = "token-a"

	missing := base
	if err := Validate(missing); err == nil {
		t.Fatalf("missing endpoint should fail")
	}

	httpScheme := base
	httpScheme.Endpoint = "https://gateway.test"
	if err := Validate(httpScheme); err == nil {
		t.Fatalf("https endpoint should fail")
	}

	plain := base
	plain.Endpoint = "ws://gateway.test"
	plain.Gateway.Session.SecurityMode = session.SecurityModeProduction
	if err := Validate(plain); !errors.Is(err, session.ErrTLSRequired) {
		t.Fatalf("production ws err = %v", err)
	}

	dev := base
	dev.Endpoint = "ws://localhost:8080"
	if err := Validate(dev); err != nil {
		t.Fatalf("development ws: %v", err)
	}
}
