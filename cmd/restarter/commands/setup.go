package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/cschleiden/instance-restarter/activity/httpactivity"
	"github.com/cschleiden/instance-restarter/backend"
	"github.com/cschleiden/instance-restarter/backend/memory"
	rbackend "github.com/cschleiden/instance-restarter/backend/redis"
	"github.com/cschleiden/instance-restarter/diag"
	"github.com/cschleiden/instance-restarter/internal/config"
	"github.com/cschleiden/instance-restarter/notifier"
	"github.com/cschleiden/instance-restarter/workflow"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	configFlag   = "config"
	logLevelFlag = "log-level"
)

// AddRootFlags adds the flags shared by all commands.
func AddRootFlags(rootCmd *cobra.Command) {
	rootCmd.PersistentFlags().StringP(configFlag, "c", "", "path to the YAML configuration file")
	rootCmd.PersistentFlags().String(logLevelFlag, "info", "log level (debug, info, warn, error)")
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString(configFlag)
	if path == "" {
		return config.Default(), nil
	}

	return config.Load(path)
}

func newLogger(cmd *cobra.Command) (*slog.Logger, error) {
	s, _ := cmd.Flags().GetString(logLevelFlag)

	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})), nil
}

type shutdownFunc func(context.Context) error

func newTracerProvider(ctx context.Context, tc config.Tracing) (trace.TracerProvider, shutdownFunc, error) {
	var (
		exp sdktrace.SpanExporter
		err error
	)

	switch strings.ToLower(tc.Exporter) {
	case config.ExporterStdout:
		exp, err = stdouttrace.New(stdouttrace.WithPrettyPrint(), stdouttrace.WithWriter(os.Stderr))

	case config.ExporterOTLP:
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(tc.Endpoint)}
		if tc.URLPath != "" {
			opts = append(opts, otlptracehttp.WithURLPath(tc.URLPath))
		}
		if tc.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}

		exp, err = otlptrace.New(ctx, otlptracehttp.NewClient(opts...))

	default:
		return noop.NewTracerProvider(), func(context.Context) error { return nil }, nil
	}

	if err != nil {
		return nil, nil, fmt.Errorf("creating trace exporter: %w", err)
	}

	r := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String("instance-restarter"),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(r),
	)

	otel.SetTracerProvider(tp)

	return tp, tp.Shutdown, nil
}

func newActivities(c *config.Config) (workflow.Activities, error) {
	h, err := httpactivity.New(c.Handlers)
	if err != nil {
		return nil, fmt.Errorf("configuring handlers: %w", err)
	}

	return h, nil
}

// newNotifier always logs failures and additionally publishes them to redis if configured. The returned
// func closes the redis client.
func newNotifier(c *config.Config, logger *slog.Logger) (workflow.Notifier, func() error) {
	logNotifier := notifier.NewLogNotifier(logger)

	rc := c.Notifier.Redis
	if rc == nil {
		return logNotifier, func() error { return nil }
	}

	rdb := newRedisClient(rc)

	return notifier.Multi(logNotifier, notifier.NewRedisNotifier(rdb, rc.Channel, logger)), rdb.Close
}

func newRedisClient(r *config.Redis) redis.UniversalClient {
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{r.Addr},
		Password: r.Password,
		DB:       r.DB,
	})
}

// newBackend returns the configured execution store. Closing the backend closes its redis client.
func newBackend(c *config.Config, opts ...backend.BackendOption) (diag.Backend, error) {
	opts = append(opts,
		backend.WithRetentionPeriod(c.Retention),
		backend.WithMaxPendingExecutions(c.Backend.MaxPendingExecutions),
	)

	switch strings.ToLower(c.Backend.Type) {
	case config.BackendRedis:
		b, err := rbackend.NewRedisBackend(newRedisClient(c.Backend.Redis),
			rbackend.WithKeyPrefix(c.Backend.KeyPrefix),
			rbackend.WithLockTimeout(c.Backend.LockTimeout),
			rbackend.WithBackendOptions(opts...),
		)
		if err != nil {
			return nil, fmt.Errorf("creating redis backend: %w", err)
		}

		return b, nil
	default:
		return memory.NewMemoryBackend(opts...), nil
	}
}
