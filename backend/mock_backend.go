package backend

import (
	"context"
	"log/slog"

	"github.com/benbjohnson/clock"
	"github.com/cschleiden/instance-restarter/core"
	"github.com/cschleiden/instance-restarter/history"
	"github.com/cschleiden/instance-restarter/metrics"
	"github.com/cschleiden/instance-restarter/workflow"
	"github.com/stretchr/testify/mock"
	"go.opentelemetry.io/otel/trace"
)

// MockBackend is a testify mock of Backend.
type MockBackend struct {
	mock.Mock
}

var _ Backend = (*MockBackend)(nil)

func (m *MockBackend) CreateExecution(ctx context.Context, execution *core.Execution, payload workflow.Payload, metadata *Metadata) error {
	return m.Called(ctx, execution, payload, metadata).Error(0)
}

func (m *MockBackend) GetExecutionTask(ctx context.Context) (*ExecutionTask, error) {
	args := m.Called(ctx)

	t, _ := args.Get(0).(*ExecutionTask)
	return t, args.Error(1)
}

func (m *MockBackend) AppendHistory(ctx context.Context, execution *core.Execution, events ...*history.Event) error {
	return m.Called(ctx, execution, events).Error(0)
}

func (m *MockBackend) ExtendExecutionTask(ctx context.Context, task *ExecutionTask) error {
	return m.Called(ctx, task).Error(0)
}

func (m *MockBackend) CompleteExecutionTask(ctx context.Context, task *ExecutionTask, result *workflow.Result) error {
	return m.Called(ctx, task, result).Error(0)
}

func (m *MockBackend) GetExecutionState(ctx context.Context, execution *core.Execution) (core.ExecutionState, error) {
	args := m.Called(ctx, execution)
	return args.Get(0).(core.ExecutionState), args.Error(1)
}

func (m *MockBackend) GetExecutionResult(ctx context.Context, execution *core.Execution) (*workflow.Result, error) {
	args := m.Called(ctx, execution)

	r, _ := args.Get(0).(*workflow.Result)
	return r, args.Error(1)
}

func (m *MockBackend) GetExecutionHistory(ctx context.Context, execution *core.Execution, lastSequenceID *int64) ([]*history.Event, error) {
	args := m.Called(ctx, execution, lastSequenceID)

	h, _ := args.Get(0).([]*history.Event)
	return h, args.Error(1)
}

func (m *MockBackend) RemoveExecutions(ctx context.Context, options ...RemovalOption) error {
	return m.Called(ctx, options).Error(0)
}

func (m *MockBackend) GetStats(ctx context.Context) (*Stats, error) {
	args := m.Called(ctx)

	s, _ := args.Get(0).(*Stats)
	return s, args.Error(1)
}

func (m *MockBackend) Tracer() trace.Tracer {
	return m.Called().Get(0).(trace.Tracer)
}

func (m *MockBackend) Metrics() metrics.Client {
	return m.Called().Get(0).(metrics.Client)
}

func (m *MockBackend) Logger() *slog.Logger {
	return m.Called().Get(0).(*slog.Logger)
}

func (m *MockBackend) Clock() clock.Clock {
	return m.Called().Get(0).(clock.Clock)
}

func (m *MockBackend) Options() *Options {
	return m.Called().Get(0).(*Options)
}

func (m *MockBackend) Close() error {
	return m.Called().Error(0)
}
