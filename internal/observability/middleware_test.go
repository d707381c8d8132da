package observability

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/danmuck/edgegate/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func newRouter(buf *bytes.Buffer, state StateFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	logger := zerolog.New(buf).Level(zerolog.DebugLevel)
	r := gin.New()
	r.Use(RequestLogger(logger, state))
	r.Use(RequestMetrics("gateway-mw", state))
	r.GET("/session", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func serve(r http.Handler, path string) {
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
}

func lastLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	var entry map[string]any
	if err := json.Unmarshal(lines[len(lines)-1], &entry); err != nil {
		t.Fatalf("decode log line %q: %v", lines[len(lines)-1], err)
	}
	return entry
}

func TestRequestLoggerTagsSessionState(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	r := newRouter(&buf, func() string { return "resuming" })

	serve(r, "/session")
	entry := lastLine(t, &buf)
	if entry["session_state"] != "resuming" || entry["route"] != "/session" || entry["level"] != "info" {
		t.Fatalf("log entry = %v", entry)
	}

	serve(r, "/health")
	if entry := lastLine(t, &buf); entry["level"] != "debug" {
		t.Fatalf("probe route logged at %v", entry["level"])
	}

	serve(r, "/nope?token=x")
	entry = lastLine(t, &buf)
	if entry["route"] != "unmatched" || entry["path"] != "/nope" || entry["level"] != "warn" {
		t.Fatalf("unmatched log entry = %v", entry)
	}
}

func TestRequestMetricsLabelsRouteAndState(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	r := newRouter(&buf, nil)

	ready := httpRequests.WithLabelValues("gateway-mw", "GET", "/session", "unknown", "200")
	unmatched := httpRequests.WithLabelValues("gateway-mw", "GET", "unmatched", "unknown", "404")
	beforeReady := testutil.ToFloat64(ready)
	beforeUnmatched := testutil.ToFloat64(unmatched)

	serve(r, "/session")
	serve(r, "/a")
	serve(r, "/b")

	if d := testutil.ToFloat64(ready) - beforeReady; d != 1 {
		t.Fatalf("/session counter delta = %v, want 1", d)
	}
	if d := testutil.ToFloat64(unmatched) - beforeUnmatched; d != 2 {
		t.Fatalf("unmatched counter delta = %v, want 2", d)
	}
}
