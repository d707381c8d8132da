package server

import (
	"net/http"
	"time"

	"github.com/danmuck/edgegate/internal/gateway"
	"github.com/danmuck/edgegate/internal/transport"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const version = "0.1.0"

type closeView struct {
	Code     int    `json:"code"`
	Reason   string `json:"reason,omitempty"`
	WasClean bool   `json:"was_clean"`
}

type sessionView struct {
	State             string     `json:"state"`
	Running           bool       `json:"running"`
	Endpoint          string     `json:"endpoint,omitempty"`
	SessionID         string     `json:"session_id,omitempty"`
	Sequence          *uint64    `json:"sequence,omitempty"`
	HeartbeatInterval string     `json:"heartbeat_interval,omitempty"`
	HeartbeatLatency  string     `json:"heartbeat_latency,omitempty"`
	HeartbeatsSent    uint64     `json:"heartbeats_sent"`
	LastHeartbeatAck  *time.Time `json:"last_heartbeat_ack,omitempty"`
	ReconnectAttempt  int        `json:"reconnect_attempt"`
	NextDelay         string     `json:"next_reconnect_delay,omitempty"`
	LastClose         *closeView `json:"last_close,omitempty"`
	Subscribers       int        `json:"subscribers"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

func newSessionView(st gateway.Status) sessionView {
	v := sessionView{
		State:            st.State.String(),
		Running:          st.Running,
		Endpoint:         transport.RedactEndpoint(st.Endpoint),
		SessionID:        st.SessionID,
		HeartbeatsSent:   st.Heartbeat.Sent,
		ReconnectAttempt: st.Backoff.Attempt,
		Subscribers:      st.Subscribers,
		UpdatedAt:        st.UpdatedAt,
	}
	if st.HasSequence {
		seq := st.Sequence
		v.Sequence = &seq
	}
	if st.HeartbeatInterval > 0 {
		v.HeartbeatInterval = st.HeartbeatInterval.String()
	}
	if st.Heartbeat.Latency > 0 {
		v.HeartbeatLatency = st.Heartbeat.Latency.String()
	}
	if !st.Heartbeat.LastAckAt.IsZero() {
		at := st.Heartbeat.LastAckAt
		v.LastHeartbeatAck = &at
	}
	if st.Backoff.NextDelay > 0 {
		v.NextDelay = st.Backoff.NextDelay.String()
	}
	if st.LastClose != nil {
		v.LastClose = &closeView{Code: st.LastClose.Code, Reason: st.LastClose.Reason, WasClean: st.LastClose.WasClean}
	}
	return v
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Started).String(),
			"node":    s.Node,
			"version": version,
		})
	})

	s.router.GET("/ready", func(c *gin.Context) {
		st := s.source.Status()
		ready := st.State == gateway.StateReady
		code := http.StatusOK
		if !ready {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"ready": ready,
			"state": st.State.String(),
			"node":  s.Node,
		})
	})

	s.router.GET("/session", func(c *gin.Context) {
		c.JSON(http.StatusOK, newSessionView(s.source.Status()))
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}
