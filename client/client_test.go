package client

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cschleiden/instance-restarter/backend"
	"github.com/cschleiden/instance-restarter/backend/memory"
	"github.com/cschleiden/instance-restarter/core"
	"github.com/cschleiden/instance-restarter/history"
	imetrics "github.com/cschleiden/instance-restarter/internal/metrics"
	"github.com/cschleiden/instance-restarter/workflow"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

func Test_Client_CreateExecution(t *testing.T) {
	ctx := context.Background()

	tp := sdktrace.NewTracerProvider()

	b := &backend.MockBackend{}
	b.On("Tracer").Return(tp.Tracer("test"))
	b.On("Logger").Return(slog.Default())
	b.On("Metrics").Return(imetrics.NewNoopMetricsClient())
	b.On("CreateExecution", mock.Anything, mock.MatchedBy(func(e *core.Execution) bool {
		return e.InstanceID == "i-0123" && e.ExecutionID != ""
	}), workflow.Payload{InstanceID: "i-0123", AlarmName: "alarm"}, mock.MatchedBy(func(m *backend.Metadata) bool {
		// Trace context of the CreateExecution span is passed to the worker
		return m.TraceContext.Get("traceparent") != ""
	})).Return(nil)

	c := New(b)

	e, err := c.CreateExecution(ctx, workflow.Payload{InstanceID: "i-0123", AlarmName: "alarm"})
	require.NoError(t, err)
	require.Equal(t, "i-0123", e.InstanceID)
	b.AssertExpectations(t)
}

func Test_Client_CreateExecution_InvalidPayload(t *testing.T) {
	b := &backend.MockBackend{}
	c := New(b)

	e, err := c.CreateExecution(context.Background(), workflow.Payload{})
	require.ErrorIs(t, err, workflow.ErrMissingInstanceID)
	require.Nil(t, e)
	b.AssertExpectations(t)
}

func Test_Client_CreateExecution_BackendError(t *testing.T) {
	b := &backend.MockBackend{}
	b.On("Tracer").Return(noop.NewTracerProvider().Tracer("test"))
	b.On("CreateExecution", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("full"))

	c := New(b)

	_, err := c.CreateExecution(context.Background(), workflow.Payload{InstanceID: "i-0123"})
	require.EqualError(t, err, "creating execution: full")
	b.AssertExpectations(t)
}

func Test_Client_GetExecutionResultTimeout(t *testing.T) {
	execution := core.NewExecution("i-0123", uuid.NewString())

	ctx := context.Background()

	b := &backend.MockBackend{}
	b.On("Tracer").Return(noop.NewTracerProvider().Tracer("test"))
	b.On("GetExecutionState", mock.Anything, execution).Return(core.ExecutionStateActive, nil)

	c := &Client{
		backend: b,
		clock:   clock.New(),
	}

	result, err := c.GetExecutionResult(ctx, execution, time.Microsecond*1)
	require.Nil(t, result)
	require.EqualError(t, err, "execution did not finish in time: execution did not finish in specified timeout")
	b.AssertExpectations(t)
}

func Test_Client_GetExecutionResultSuccess(t *testing.T) {
	execution := core.NewExecution("i-0123", uuid.NewString())

	ctx := context.Background()

	b := &backend.MockBackend{}
	b.On("Tracer").Return(noop.NewTracerProvider().Tracer("test"))
	b.On("GetExecutionState", mock.Anything, execution).Return(core.ExecutionStateActive, nil).Once()
	b.On("GetExecutionState", mock.Anything, execution).Return(core.ExecutionStateFinished, nil)
	b.On("GetExecutionResult", mock.Anything, execution).Return(&workflow.Result{
		Execution: execution,
		State:     workflow.StateSuccess,
	}, nil)

	c := &Client{
		backend: b,
		clock:   clock.New(),
	}

	result, err := c.GetExecutionResult(ctx, execution, 0)
	require.NoError(t, err)
	require.True(t, result.Succeeded())
	b.AssertExpectations(t)
}

func Test_Client_WaitForExecution_Canceled(t *testing.T) {
	execution := core.NewExecution("i-0123", uuid.NewString())

	b := &backend.MockBackend{}
	b.On("Tracer").Return(noop.NewTracerProvider().Tracer("test"))
	b.On("GetExecutionState", mock.Anything, execution).Return(core.ExecutionStateActive, nil).Maybe()

	c := New(b)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.WaitForExecution(ctx, execution, time.Minute)
	require.ErrorIs(t, err, context.Canceled)
}

func Test_Client_WaitForExecution_BackendError(t *testing.T) {
	execution := core.NewExecution("i-0123", uuid.NewString())

	b := &backend.MockBackend{}
	b.On("Tracer").Return(noop.NewTracerProvider().Tracer("test"))
	b.On("GetExecutionState", mock.Anything, execution).Return(core.ExecutionStateActive, backend.ErrExecutionNotFound)

	c := New(b)

	err := c.WaitForExecution(context.Background(), execution, time.Second)
	require.ErrorIs(t, err, backend.ErrExecutionNotFound)
}

func Test_Client_ListExecutions(t *testing.T) {
	b := memory.NewMemoryBackend()
	defer b.Close()

	c := New(b)
	ctx := context.Background()

	e1, err := c.CreateExecution(ctx, workflow.Payload{InstanceID: "i-1"})
	require.NoError(t, err)
	e2, err := c.CreateExecution(ctx, workflow.Payload{InstanceID: "i-2"})
	require.NoError(t, err)

	refs, err := c.ListExecutions(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, refs, 2)
	require.Equal(t, e2, refs[0].Execution)
	require.Equal(t, e1, refs[1].Execution)

	s, err := c.GetStats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), s.PendingExecutions)
}

func Test_Client_ListExecutions_NotSupported(t *testing.T) {
	c := New(&backend.MockBackend{})

	_, err := c.ListExecutions(context.Background(), "", 10)
	require.ErrorAs(t, err, &backend.ErrNotSupported{})
}

func Test_Client_GetExecutionHistory(t *testing.T) {
	b := memory.NewMemoryBackend()
	defer b.Close()

	c := New(b)
	ctx := context.Background()

	e, err := c.CreateExecution(ctx, workflow.Payload{InstanceID: "i-0123"})
	require.NoError(t, err)

	require.NoError(t, b.AppendHistory(ctx, e,
		history.NewHistoryEvent(1, time.Now(), history.EventType_ExecutionStarted, "StopInstance", &history.ExecutionStartedAttributes{InstanceID: "i-0123"}),
	))

	events, err := c.GetExecutionHistory(ctx, e)
	require.NoError(t, err)
	require.Len(t, events, 1)

	_, err = c.GetExecutionHistory(ctx, core.NewExecution("i-0123", uuid.NewString()))
	require.ErrorIs(t, err, backend.ErrExecutionNotFound)
}
