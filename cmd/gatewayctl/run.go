package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/edgegate/internal/config"
	"github.com/danmuck/edgegate/internal/gateway"
	"github.com/danmuck/edgegate/internal/logging"
	"github.com/danmuck/edgegate/internal/observability"
	"github.com/danmuck/edgegate/internal/protocol/session"
	"github.com/danmuck/edgegate/internal/server"
	"github.com/danmuck/edgegate/internal/transport"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
)

func runAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := resolveRuntime(cmd)
	if err != nil {
		return err
	}
	log := observability.InitLogger("gatewayctl")
	if lvl, ok := logging.ParseLevel(cfg.LogLevel); ok {
		zerolog.SetGlobalLevel(lvl)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := cfg.Gateway.Session
	wsLog := logging.Component("transport")
	t := transport.NewWebSocketTransport(transport.WebSocketOptions{
		HandshakeTimeout: s.HandshakeTimeout,
		WriteTimeout:     s.WriteTimeout,
		CloseTimeout:     s.CloseTimeout,
		TLS:              s.TLS,
		Logger:           &wsLog,
	})
	return runSession(ctx, cfg, t, log)
}

// runSession holds one gateway session until ctx is done or the session
// fails for good.
func runSession(ctx context.Context, cfg config.Runtime, t transport.Transport, log zerolog.Logger) error {
	ctx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	s := cfg.Gateway.Session
	mgr, err := gateway.NewManager(t, cfg.Gateway, gateway.WithLogger(logging.Component("gateway")))
	if err != nil {
		return err
	}
	defer func() {
		if err := mgr.Close(); err != nil {
			log.Warn().Err(err).Msg("session close")
		}
	}()

	if _, err := mgr.Subscribe(eventLogger(log)); err != nil {
		return err
	}
	fatal := make(chan error, 1)
	if _, err := mgr.Subscribe(gateway.KindFilter(gateway.SubscriberFunc(func(_ context.Context, ev gateway.Event) error {
		select {
		case fatal <- ev.Err:
		default:
		}
		return nil
	}), gateway.EventFatal)); err != nil {
		return err
	}
	go drainFailures(ctx, log, mgr.Failures())

	errCh := make(chan error, 1)
	if cfg.Status.Enabled {
		gin.SetMode(gin.ReleaseMode)
		srv := server.New(cfg.Status.Node, cfg.Status.Addr, cfg.Status.CorsOrigins, mgr)
		go func() {
			errCh <- srv.Run(ctx)
		}()
	}

	startCtx, cancel := context.WithTimeout(ctx, s.ConnectTimeout+s.HandshakeTimeout)
	err = mgr.Start(startCtx, cfg.Endpoint)
	cancel()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	log.Info().Str("endpoint", transport.RedactEndpoint(cfg.Endpoint)).Msg("session started")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-fatal:
		return fmt.Errorf("session failed: %w", err)
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("status api: %w", err)
		}
	case <-mgr.Done():
		return errors.New("session manager exited")
	}

	stopCtx, cancelStop := context.WithTimeout(context.Background(), 2*s.CloseTimeout)
	defer cancelStop()
	if err := mgr.Stop(stopCtx, session.CloseNormal, "client shutdown"); err != nil && !errors.Is(err, gateway.ErrClosed) {
		log.Warn().Err(err).Msg("session stop")
	}
	return nil
}

// resolveRuntime loads the config file and applies flag overrides. A missing
// config file is fine when the endpoint and token come from flags.
func resolveRuntime(cmd *cli.Command) (config.Runtime, error) {
	cfg := config.Default()
	path := cmd.String("config")
	if _, statErr := os.Stat(path); statErr == nil || cmd.IsSet("config") {
		loaded, err := config.Load(path)
		if err != nil {
			return config.Runtime{}, err
		}
		cfg = loaded
	}
	if v := cmd.String("token"); v != "" {
		cfg.Gateway.Token = v
	}
	if v := cmd.String("endpoint"); v != "" {
		cfg.Endpoint = v
	}
	if err := config.Validate(cfg); err != nil {
		return config.Runtime{}, err
	}
	return cfg, nil
}

func eventLogger(log zerolog.Logger) gateway.Subscriber {
	return gateway.KindFilter(gateway.SubscriberFunc(func(_ context.Context, ev gateway.Event) error {
		entry := log.Info()
		switch ev.Kind {
		case gateway.EventError, gateway.EventFatal:
			entry = log.Error().Err(ev.Err)
		case gateway.EventClosed, gateway.EventSessionInvalidated:
			entry = log.Warn()
		}
		entry = entry.Str("event", ev.Kind.String())
		if ev.SessionID != "" {
			entry = entry.Str("session_id", ev.SessionID)
		}
		if ev.Kind == gateway.EventClosed {
			entry = entry.Int("code", ev.Close.Code).Str("reason", ev.Close.Reason)
		}
		if ev.Kind == gateway.EventSessionInvalidated {
			entry = entry.Bool("resumable", ev.Resumable)
		}
		entry.Msg("session event")
		return nil
	}),
		gateway.EventOpened,
		gateway.EventClosed,
		gateway.EventError,
		gateway.EventReady,
		gateway.EventResumed,
		gateway.EventSessionInvalidated,
		gateway.EventFatal,
	)
}

func drainFailures(ctx context.Context, log zerolog.Logger, failures <-chan gateway.SubscriberFailure) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-failures:
			if !ok {
				return
			}
			log.Warn().
				Str("subscription", string(f.Subscription)).
				Str("event", f.Event.Kind.String()).
				Bool("panicked", f.Panicked).
				Err(f.Err).
				Dur("age", time.Since(f.Event.At)).
				Msg("subscriber failed")
		}
	}
}
