// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/absmach/fluxrelay/config"
	"github.com/absmach/fluxrelay/internal/wiring"
	"github.com/absmach/fluxrelay/lifecycle"
	"github.com/absmach/fluxrelay/relay"
	"github.com/absmach/fluxrelay/server/health"
	"github.com/absmach/fluxrelay/server/otel"
	"github.com/absmach/fluxrelay/session"
	"github.com/absmach/fluxrelay/webhook"
	"github.com/urfave/cli/v3"
	oteltrace "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

var version = "dev"

func main() {
	app := &cli.Command{
		Name:    "fluxrelay",
		Usage:   "Forward broker messages to an HTTP webhook and reply to the sender",
		Version: version,
		Flags:   flags(),
		Action:  run,
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		slog.Error("Relay failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, c *cli.Command) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	overlay(cfg, c)
	level, levelErr := resolveLevel(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := newLogger(os.Stdout, level, cfg.Log.Format)
	slog.SetDefault(logger)
	if levelErr != nil {
		logger.Warn("Falling back to info log level", slog.String("error", levelErr.Error()))
	}

	logger.Info("Starting relay",
		slog.String("version", version),
		slog.String("broker", cfg.Broker.Type),
		slog.String("topic", cfg.Broker.Topic),
		slog.String("target", wiring.Target(cfg.Target).URL()))

	var otelShutdown otel.ShutdownFunc
	var metrics *otel.Metrics
	var tracer trace.Tracer

	if cfg.Telemetry.Enabled {
		shutdown, err := otel.InitProvider(cfg.Telemetry, cfg.Broker.ClientName)
		if err != nil {
			return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
		}
		otelShutdown = shutdown
		logger.Info("OpenTelemetry initialized", slog.String("endpoint", cfg.Telemetry.Endpoint))

		if cfg.Telemetry.MetricsEnabled {
			m, err := otel.NewMetrics()
			if err != nil {
				return fmt.Errorf("failed to create metrics: %w", err)
			}
			metrics = m
		}
		if cfg.Telemetry.TracesEnabled {
			tracer = oteltrace.Tracer("fluxrelay")
		}
	}

	dialer, err := wiring.NewDialer(cfg.Broker, logger)
	if err != nil {
		return err
	}

	fwd, err := webhook.NewForwarder(cfg.Forwarder, webhook.NewHTTPSender(cfg.Forwarder.Timeout), logger,
		webhook.WithMetrics(metrics),
		webhook.WithTracer(tracer))
	if err != nil {
		return fmt.Errorf("failed to create forwarder: %w", err)
	}

	rl := relay.New(wiring.Target(cfg.Target), fwd, logger, relay.WithMetrics(metrics))
	sess := session.New(wiring.SessionConfig(cfg.Broker), dialer, rl.HandleMessage, logger,
		session.WithMetrics(metrics))
	ctrl := lifecycle.New(sess, logger, lifecycle.WithGrace(cfg.Lifecycle.ShutdownGrace))
	sess.Observe(ctrl.SessionChanged)

	srvCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if cfg.Health.Enabled {
		healthServer := health.New(health.Config{
			Address:         cfg.Health.Addr,
			ShutdownTimeout: cfg.Health.ShutdownTimeout,
		}, wiring.Status(ctrl, sess, fwd), logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("Starting health check server", slog.String("address", cfg.Health.Addr))
			if err := healthServer.Listen(srvCtx); err != nil {
				logger.Error("Health server failed", slog.String("error", err.Error()))
			}
		}()
	}

	if err := ctrl.Run(ctx); err != nil {
		return err
	}

	if err := fwd.Close(); err != nil {
		logger.Warn("Forwarder did not drain, in-flight requests cancelled", slog.String("error", err.Error()))
	}

	if otelShutdown != nil {
		otelCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := otelShutdown(otelCtx); err != nil {
			logger.Error("Failed to shutdown OpenTelemetry", slog.String("error", err.Error()))
		}
	}

	cancel()
	wg.Wait()
	logger.Info("Relay stopped")
	return nil
}
