package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cschleiden/instance-restarter/backend"
	"github.com/cschleiden/instance-restarter/core"
	"github.com/cschleiden/instance-restarter/diag"
	"github.com/cschleiden/instance-restarter/internal/metrickeys"
	"github.com/cschleiden/instance-restarter/metrics"
	"github.com/cschleiden/instance-restarter/workflow"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
)

var _ backend.Backend = (*redisBackend)(nil)

// NewRedisBackend returns a backend storing executions in redis. Multiple processes can share one
// database.
func NewRedisBackend(client redis.UniversalClient, opts ...RedisBackendOption) (*redisBackend, error) {
	// Default options
	options := &RedisOptions{
		Options:      backend.ApplyOptions(),
		BlockTimeout: time.Second * 2,
		LockTimeout:  time.Minute,
		KeyPrefix:    "restarter:",
	}

	for _, opt := range opts {
		opt(options)
	}

	ctx := context.Background()

	k := keys{prefix: options.KeyPrefix}

	queue, err := newTaskQueue(ctx, client, k.taskStream())
	if err != nil {
		return nil, err
	}

	rb := &redisBackend{
		rdb:     client,
		options: options,
		keys:    k,
		queue:   queue,
		metrics: options.Metrics.WithTags(metrics.Tags{metrickeys.Backend: "redis"}),
	}

	// Preload scripts here. Usually redis-go attempts to execute them first, and the if redis doesn't know
	// them, loads them. This doesn't work when using (transactional) pipelines, so eagerly load them on startup.
	for _, cmd := range []*redis.Script{createCmd, expireCmd, extendCmd} {
		if err := cmd.Load(ctx, rb.rdb).Err(); err != nil {
			return nil, fmt.Errorf("loading redis script: %w", err)
		}
	}

	return rb, nil
}

type redisBackend struct {
	rdb     redis.UniversalClient
	options *RedisOptions
	keys    keys
	queue   *taskQueue
	metrics metrics.Client
}

// executionState is the stored record of one execution.
type executionState struct {
	Execution   *core.Execution     `json:"execution"`
	Payload     workflow.Payload    `json:"payload"`
	Metadata    *backend.Metadata   `json:"metadata,omitempty"`
	State       core.ExecutionState `json:"state"`
	CreatedAt   time.Time           `json:"created_at"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
	Result      *workflow.Result    `json:"result,omitempty"`
}

func (s *executionState) ref() *diag.ExecutionRef {
	return &diag.ExecutionRef{
		Execution:   s.Execution,
		CreatedAt:   s.CreatedAt,
		CompletedAt: s.CompletedAt,
		State:       s.State,
		Result:      s.Result,
	}
}

func (rb *redisBackend) readExecution(ctx context.Context, executionID string) (*executionState, error) {
	v, err := rb.rdb.Get(ctx, rb.keys.execution(executionID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, backend.ErrExecutionNotFound
		}

		return nil, fmt.Errorf("reading execution: %w", err)
	}

	var s executionState
	if err := json.Unmarshal([]byte(v), &s); err != nil {
		return nil, fmt.Errorf("unmarshaling execution: %w", err)
	}

	return &s, nil
}

func (rb *redisBackend) Options() *backend.Options {
	return &rb.options.Options
}

func (rb *redisBackend) Logger() *slog.Logger {
	return rb.options.Logger
}

func (rb *redisBackend) Metrics() metrics.Client {
	return rb.metrics
}

func (rb *redisBackend) Tracer() trace.Tracer {
	return rb.options.TracerProvider.Tracer(backend.TracerName)
}

func (rb *redisBackend) Clock() clock.Clock {
	return rb.options.Clock
}

func (rb *redisBackend) Close() error {
	return rb.rdb.Close()
}
