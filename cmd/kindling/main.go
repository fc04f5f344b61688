package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ember-social/kindling/internal/kindling/archive"
	"github.com/ember-social/kindling/internal/kindling/feed"
	"github.com/ember-social/kindling/internal/kindling/metrics"
	"github.com/ember-social/kindling/internal/kindling/relay"
	"github.com/ember-social/kindling/internal/kindling/server"
	"github.com/ember-social/kindling/pkg/robusthttp"

	_ "go.uber.org/automaxprocs"

	_ "net/http/pprof"

	_ "github.com/joho/godotenv/autoload"

	"github.com/carlmjohnson/versioninfo"
	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	app := cli.App{
		Name:    "kindling",
		Usage:   "reddit content relay",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "reddit-client-id",
			Usage:   "Reddit API OAuth client ID",
			EnvVars: []string{"REDDIT_CLIENT_ID"},
		},
		&cli.StringFlag{
			Name:    "reddit-client-secret",
			Usage:   "Reddit API OAuth client secret",
			EnvVars: []string{"REDDIT_CLIENT_SECRET"},
		},
		&cli.StringFlag{
			Name:    "user-agent",
			Usage:   "User-Agent header for Reddit API requests",
			EnvVars: []string{"USER_AGENT"},
		},
		&cli.StringFlag{
			Name:    "archive-url",
			Usage:   "archival sink endpoint; empty disables archival",
			EnvVars: []string{"ARCHIVE_URL"},
		},
		&cli.StringFlag{
			Name:    "api-listen",
			Value:   ":8000",
			EnvVars: []string{"KINDLING_API_LISTEN"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Value:   ":8001",
			EnvVars: []string{"KINDLING_METRICS_LISTEN"},
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity level (debug, info, warn, error)",
			Value:   "info",
			EnvVars: []string{"KINDLING_LOG_LEVEL", "LOG_LEVEL"},
		},
		&cli.DurationFlag{
			Name:    "shutdown-timeout",
			Usage:   "max time to wait for graceful shutdown",
			Value:   30 * time.Second,
			EnvVars: []string{"KINDLING_SHUTDOWN_TIMEOUT"},
		},
	}

	app.Action = Kindling
	return app.Run(args)
}

func Kindling(cctx *cli.Context) error {
	logger := configLogger(cctx.String("log-level"))
	slog.SetDefault(logger)
	logger = logger.With("system", "kindling")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	// Enable OTLP HTTP exporter when configured. At a minimum, set
	// OTEL_EXPORTER_OTLP_ENDPOINT=http://localhost:4318
	if ep := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); ep != "" {
		logger.Info("setting up trace exporter", "endpoint", ep)
		exp, err := otlptracehttp.New(ctx)
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := exp.Shutdown(ctx); err != nil {
				logger.Error("failed to shutdown trace exporter", "err", err)
			}
		}()

		tp := tracesdk.NewTracerProvider(
			tracesdk.WithBatcher(exp),
			tracesdk.WithResource(resource.NewWithAttributes(
				semconv.SchemaURL,
				semconv.ServiceNameKey.String("kindling"),
				attribute.String("env", os.Getenv("ENVIRONMENT")),
				attribute.String("environment", os.Getenv("ENVIRONMENT")),
			)),
		)
		otel.SetTracerProvider(tp)
	}

	// Missing Reddit credentials are a fatal configuration error: the
	// process refuses to serve traffic at all.
	redditC, err := feed.NewClient(feed.ClientConfig{
		ClientID:     cctx.String("reddit-client-id"),
		ClientSecret: cctx.String("reddit-client-secret"),
		UserAgent:    cctx.String("user-agent"),
		Logger:       logger,
		HTTPClient:   robusthttp.NewClient(),
	})
	if err != nil {
		return err
	}

	var archiver relay.Archiver
	if u := cctx.String("archive-url"); u != "" {
		archiver = archive.NewClient(logger, u, robusthttp.NewClient())
		logger.Info("archival sink configured", "url", u)
	}

	srv, err := server.New(server.Config{
		Logger:   logger,
		Feed:     redditC,
		Archiver: archiver,
	})
	if err != nil {
		return err
	}

	svcErr := make(chan error, 2)

	metricsAddr := cctx.String("metrics-listen")
	go func() {
		if err := metrics.RunServer(ctx, cancel, metricsAddr); err != nil {
			logger.Error("metrics server failed", "err", err)
			svcErr <- err
		}
	}()

	apiAddr := cctx.String("api-listen")
	go func() {
		logger.Info("starting API server", "addr", apiAddr)
		if err := srv.Start(ctx, apiAddr); err != nil && err != http.ErrServerClosed {
			logger.Error("API server failed", "err", err)
			svcErr <- err
		}
	}()

	logger.Info("startup complete")

	select {
	case <-signals:
		logger.Info("received shutdown signal")
	case err := <-svcErr:
		if err != nil {
			logger.Error("error running kindling", "err", err)
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cctx.Duration("shutdown-timeout"))
	defer shutdownCancel()

	logger.Info("shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("error during shutdown", "err", err)
		return err
	}

	logger.Info("shutdown complete")
	return nil
}

func configLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
}
