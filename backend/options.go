package backend

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	mi "github.com/cschleiden/instance-restarter/internal/metrics"
	"github.com/cschleiden/instance-restarter/metrics"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

type Options struct {
	Logger *slog.Logger

	Metrics metrics.Client

	TracerProvider trace.TracerProvider

	Clock clock.Clock

	// RetentionPeriod is how long finished executions are kept. Zero keeps them until they are removed
	// explicitly.
	RetentionPeriod time.Duration

	// MaxPendingExecutions bounds the number of executions waiting for a worker. Zero means unbounded.
	MaxPendingExecutions int
}

var DefaultOptions Options = Options{
	RetentionPeriod: 24 * time.Hour,

	Logger:         slog.Default(),
	Metrics:        mi.NewNoopMetricsClient(),
	TracerProvider: noop.NewTracerProvider(),
	Clock:          clock.New(),
}

type BackendOption func(*Options)

func WithLogger(logger *slog.Logger) BackendOption {
	return func(o *Options) {
		o.Logger = logger
	}
}

func WithMetrics(client metrics.Client) BackendOption {
	return func(o *Options) {
		o.Metrics = client
	}
}

func WithTracerProvider(tp trace.TracerProvider) BackendOption {
	return func(o *Options) {
		o.TracerProvider = tp
	}
}

func WithClock(c clock.Clock) BackendOption {
	return func(o *Options) {
		o.Clock = c
	}
}

func WithRetentionPeriod(d time.Duration) BackendOption {
	return func(o *Options) {
		o.RetentionPeriod = d
	}
}

func WithMaxPendingExecutions(n int) BackendOption {
	return func(o *Options) {
		o.MaxPendingExecutions = n
	}
}

func ApplyOptions(opts ...BackendOption) Options {
	options := DefaultOptions

	for _, opt := range opts {
		opt(&options)
	}

	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	if options.Metrics == nil {
		options.Metrics = mi.NewNoopMetricsClient()
	}

	if options.TracerProvider == nil {
		options.TracerProvider = noop.NewTracerProvider()
	}

	if options.Clock == nil {
		options.Clock = clock.New()
	}

	return options
}
