package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/benbjohnson/clock"
	"github.com/cschleiden/instance-restarter/core"
	"github.com/cschleiden/instance-restarter/history"
	"github.com/cschleiden/instance-restarter/metrics"
	"github.com/cschleiden/instance-restarter/workflow"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrExecutionNotFound      = errors.New("execution not found")
	ErrExecutionAlreadyExists = errors.New("execution already exists")
	ErrExecutionNotFinished   = errors.New("execution is not finished")

	// ErrQueueFull is returned by CreateExecution when MaxPendingExecutions executions are queued
	ErrQueueFull = errors.New("too many pending executions")
)

type ErrNotSupported struct {
	Message string
}

func (e ErrNotSupported) Error() string {
	return fmt.Sprintf("not supported: %s", e.Message)
}

const TracerName = "restarter"

type Backend interface {
	// CreateExecution queues a new execution for the given payload
	CreateExecution(ctx context.Context, execution *core.Execution, payload workflow.Payload, metadata *Metadata) error

	// GetExecutionTask returns a pending execution or nil if there are none. The returned execution is
	// marked as running until CompleteExecutionTask is called for it.
	GetExecutionTask(ctx context.Context) (*ExecutionTask, error)

	// AppendHistory adds events recorded while the execution is running
	AppendHistory(ctx context.Context, execution *core.Execution, events ...*history.Event) error

	// ExtendExecutionTask renews the lock on a running execution. Backends shared by several processes
	// hand executions that were not extended within their lock timeout to another worker.
	ExtendExecutionTask(ctx context.Context, task *ExecutionTask) error

	// CompleteExecutionTask stores the result of an execution and marks it as finished
	CompleteExecutionTask(ctx context.Context, task *ExecutionTask, result *workflow.Result) error

	// GetExecutionState returns the state of the given execution
	GetExecutionState(ctx context.Context, execution *core.Execution) (core.ExecutionState, error)

	// GetExecutionResult returns the result of a finished execution
	GetExecutionResult(ctx context.Context, execution *core.Execution) (*workflow.Result, error)

	// GetExecutionHistory returns the history for the given execution. When lastSequenceID is given, only
	// events after that event are returned. Otherwise the full history is returned.
	GetExecutionHistory(ctx context.Context, execution *core.Execution, lastSequenceID *int64) ([]*history.Event, error)

	// RemoveExecutions removes finished executions
	RemoveExecutions(ctx context.Context, options ...RemovalOption) error

	// GetStats returns stats about the backend
	GetStats(ctx context.Context) (*Stats, error)

	// Tracer returns the configured trace provider for the backend
	Tracer() trace.Tracer

	// Metrics returns the configured metrics client for the backend
	Metrics() metrics.Client

	Logger() *slog.Logger

	Clock() clock.Clock

	// Options returns the configured options for the backend
	Options() *Options

	// Close closes any underlying resources
	Close() error
}
