package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/cschleiden/instance-restarter/backend"
	"github.com/cschleiden/instance-restarter/core"
	"github.com/cschleiden/instance-restarter/diag"
	"github.com/cschleiden/instance-restarter/history"
	"github.com/cschleiden/instance-restarter/internal/metrickeys"
	"github.com/cschleiden/instance-restarter/internal/tracing"
	"github.com/cschleiden/instance-restarter/log"
	"github.com/cschleiden/instance-restarter/metrics"
	"github.com/cschleiden/instance-restarter/workflow"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var ErrExecutionTimeout = errors.New("execution did not finish in specified timeout")

type Client struct {
	backend backend.Backend
	clock   clock.Clock
}

func New(backend backend.Backend) *Client {
	return &Client{
		backend: backend,
		clock:   clock.New(),
	}
}

// CreateExecution queues a restart of the instance named in the payload.
func (c *Client) CreateExecution(ctx context.Context, payload workflow.Payload) (*core.Execution, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}

	execution := core.NewExecution(payload.InstanceID, uuid.NewString())

	// Start new span for the execution
	ctx, span := c.backend.Tracer().Start(ctx, "CreateExecution", trace.WithAttributes(
		attribute.String(tracing.InstanceID, execution.InstanceID),
		attribute.String(tracing.ExecutionID, execution.ExecutionID),
	))
	defer span.End()

	metadata := &backend.Metadata{
		TraceContext: tracing.Inject(ctx),
	}

	if err := c.backend.CreateExecution(ctx, execution, payload, metadata); err != nil {
		return nil, tracing.WithSpanError(span, fmt.Errorf("creating execution: %w", err))
	}

	c.backend.Logger().Debug(
		"Created execution",
		log.InstanceIDKey, execution.InstanceID,
		log.ExecutionIDKey, execution.ExecutionID,
		log.AlarmNameKey, payload.AlarmName,
	)

	c.backend.Metrics().Counter(metrickeys.ExecutionCreated, metrics.Tags{}, 1)

	return execution, nil
}

// WaitForExecution waits for the given execution to finish or until the given timeout has expired.
func (c *Client) WaitForExecution(ctx context.Context, execution *core.Execution, timeout time.Duration) error {
	if timeout == 0 {
		timeout = time.Second * 20
	}

	ctx, span := c.backend.Tracer().Start(ctx, "WaitForExecution", trace.WithAttributes(
		attribute.String(tracing.ExecutionID, execution.ExecutionID),
	))
	defer span.End()

	b := backoff.ExponentialBackOff{
		InitialInterval:     time.Millisecond * 1,
		MaxInterval:         time.Second * 1,
		Multiplier:          1.5,
		RandomizationFactor: 0.5,
		MaxElapsedTime:      timeout,
		Stop:                backoff.Stop,
		Clock:               c.clock,
	}
	b.Reset()

	ticker := backoff.NewTicker(backoff.WithContext(&b, ctx))
	defer ticker.Stop()

	for range ticker.C {
		s, err := c.backend.GetExecutionState(ctx, execution)
		if err != nil {
			return fmt.Errorf("getting execution state: %w", err)
		}

		if s == core.ExecutionStateFinished {
			return nil
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	return ErrExecutionTimeout
}

// GetExecutionResult waits for the execution to finish or until the given timeout has expired and returns
// its result. A failed execution returns its result and no error, use Result.Err to inspect the failure.
func (c *Client) GetExecutionResult(ctx context.Context, execution *core.Execution, timeout time.Duration) (*workflow.Result, error) {
	ctx, span := c.backend.Tracer().Start(ctx, "GetExecutionResult", trace.WithAttributes(
		attribute.String(tracing.ExecutionID, execution.ExecutionID),
	))
	defer span.End()

	if err := c.WaitForExecution(ctx, execution, timeout); err != nil {
		return nil, fmt.Errorf("execution did not finish in time: %w", err)
	}

	r, err := c.backend.GetExecutionResult(ctx, execution)
	if err != nil {
		return nil, fmt.Errorf("getting execution result: %w", err)
	}

	return r, nil
}

// ListExecutions returns up to count executions, newest first, after the given execution id. Only
// backends implementing diag.Backend support listing.
func (c *Client) ListExecutions(ctx context.Context, afterExecutionID string, count int) ([]*diag.ExecutionRef, error) {
	db, ok := c.backend.(diag.Backend)
	if !ok {
		return nil, backend.ErrNotSupported{Message: "listing executions"}
	}

	return db.GetExecutions(ctx, afterExecutionID, count)
}

// GetExecutionHistory returns all events recorded for the execution so far.
func (c *Client) GetExecutionHistory(ctx context.Context, execution *core.Execution) ([]*history.Event, error) {
	events, err := c.backend.GetExecutionHistory(ctx, execution, nil)
	if err != nil {
		return nil, fmt.Errorf("getting execution history: %w", err)
	}

	return events, nil
}

// RemoveExecutions removes finished executions matching the given options.
func (c *Client) RemoveExecutions(ctx context.Context, options ...backend.RemovalOption) error {
	ctx, span := c.backend.Tracer().Start(ctx, "RemoveExecutions")
	defer span.End()

	return c.backend.RemoveExecutions(ctx, options...)
}
