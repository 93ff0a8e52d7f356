// Command pubsubd runs the in-memory pub/sub broker: a WebSocket data
// plane for clients and an HTTP admin plane for operators. All state is
// in-memory; a restart starts empty.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"pubsubd/internal/admin"
	"pubsubd/internal/bridge"
	"pubsubd/internal/broker"
	"pubsubd/internal/config"
	"pubsubd/internal/logging"
	"pubsubd/internal/metrics"
	"pubsubd/internal/session"
	"pubsubd/internal/transport"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info().Str("addr", cfg.Addr).Str("admin_addr", cfg.AdminAddr).Msg("starting pubsubd")

	m := metrics.New()
	registry := broker.NewRegistry(broker.Options{
		HistoryCapacity: cfg.HistoryCapacity,
		QueueCapacity:   cfg.QueueCapacity,
		MaxTopics:       cfg.MaxTopics,
	}, logger, m)

	server := transport.NewServer(transport.Config{
		Addr:        cfg.Addr,
		MaxSessions: cfg.MaxSessions,
		Session: session.Config{
			MaxPayloadBytes:  cfg.MaxPayloadBytes,
			MaxSubscriptions: cfg.MaxSubscriptions,
			SendBuffer:       cfg.SessionBuffer,
			WriteTimeout:     cfg.WriteTimeout,
			IdleTimeout:      cfg.IdleTimeout,
			RateLimit:        cfg.RateLimit,
			RateBurst:        cfg.RateBurst,
		},
	}, registry, logger, m)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("data plane failed to start")
		return 1
	}

	adminHandler := admin.NewHandler(registry, m, logger, server.SessionCount)
	adminServer := &http.Server{
		Addr:         cfg.AdminAddr,
		Handler:      adminHandler.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	adminErrCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.AdminAddr).Msg("admin plane listening")
		adminErrCh <- adminServer.ListenAndServe()
	}()

	var natsBridge *bridge.Bridge
	if cfg.NATSURL != "" {
		natsBridge = bridge.New(registry, cfg.NATSSubjectPrefix, logger)
		if err := natsBridge.Start(cfg.NATSURL); err != nil {
			logger.Error().Err(err).Msg("ingest bridge failed to start")
			server.Stop(context.Background())
			return 1
		}
	}

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-adminErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("admin plane failed")
			exitCode = 1
		}
		stop()
	}

	if natsBridge != nil {
		natsBridge.Close()
	}

	graceCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	server.Stop(graceCtx)

	if err := adminServer.Shutdown(graceCtx); err != nil {
		logger.Warn().Err(err).Msg("admin plane shutdown error")
	}

	registry.Close()
	logger.Info().Msg("shutdown complete")
	return exitCode
}
