// Package server exposes the gateway session over HTTP for health checks,
// inspection and prometheus scraping.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/danmuck/edgegate/internal/gateway"
	"github.com/danmuck/edgegate/internal/logging"
	"github.com/danmuck/edgegate/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// StatusSource is what the status API reads. *gateway.Manager satisfies it.
type StatusSource interface {
	Status() gateway.Status
}

type Server struct {
	Node    string
	Addr    string
	Started time.Time

	source StatusSource
	router *gin.Engine
	log    zerolog.Logger
}

func New(node, addr string, corsOrigins []string, source StatusSource) *Server {
	observability.RegisterMetrics()
	logger := logging.Component("statusapi")
	r := gin.New()
	r.Use(gin.Recovery())
	state := func() string { return source.Status().State.String() }
	r.Use(observability.RequestLogger(logger, state))
	r.Use(observability.RequestMetrics(node, state))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		Node:    node,
		Addr:    addr,
		Started: time.Now(),
		source:  source,
		router:  r,
		log:     logger,
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.log.Info().Str("addr", ln.Addr().String()).Msg("status api listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
