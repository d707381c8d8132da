package observability

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// StateFunc reports the gateway session state a request was served under.
type StateFunc func() string

// Probe routes are polled by orchestrators and scrapers; successful hits
// are logged at debug.
var probeRoutes = map[string]bool{
	"/health":  true,
	"/ready":   true,
	"/metrics": true,
}

// routeLabel is the matched route, or "unmatched" so stray paths cannot
// grow metric cardinality.
func routeLabel(c *gin.Context) string {
	if path := c.FullPath(); path != "" {
		return path
	}
	return "unmatched"
}

func stateOf(state StateFunc) string {
	if state == nil {
		return "unknown"
	}
	return state()
}

// RequestLogger logs one line per status API request, tagged with the
// session state.
func RequestLogger(logger zerolog.Logger, state StateFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		route := routeLabel(c)

		var event *zerolog.Event
		switch {
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		case probeRoutes[route]:
			event = logger.Debug()
		default:
			event = logger.Info()
		}

		event.
			Str("method", c.Request.Method).
			Str("route", route).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Str("session_state", stateOf(state)).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("statusapi request")
	}
}

// RequestMetrics records request counts and latency per route, status and
// session state.
func RequestMetrics(node string, state StateFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		RecordHTTPRequest(node, c.Request.Method, routeLabel(c), stateOf(state), c.Writer.Status(), time.Since(start))
	}
}
