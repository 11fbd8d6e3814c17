// Package test contains the conformance tests every backend implementation runs.
package test

import (
	"context"
	"testing"
	"time"

	"github.com/cschleiden/instance-restarter/backend"
	"github.com/cschleiden/instance-restarter/core"
	"github.com/cschleiden/instance-restarter/diag"
	"github.com/cschleiden/instance-restarter/history"
	"github.com/cschleiden/instance-restarter/workflow"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newExecution() *core.Execution {
	return core.NewExecution("i-"+uuid.NewString()[:8], uuid.NewString())
}

func create(t *testing.T, ctx context.Context, b backend.Backend) *core.Execution {
	t.Helper()

	e := newExecution()
	require.NoError(t, b.CreateExecution(ctx, e, workflow.Payload{InstanceID: e.InstanceID}, &backend.Metadata{}))

	return e
}

func getTask(t *testing.T, ctx context.Context, b backend.Backend) *backend.ExecutionTask {
	t.Helper()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	task, err := b.GetExecutionTask(ctx)
	require.NoError(t, err)
	require.NotNil(t, task)

	return task
}

func event(seq int64, eventType history.EventType, state workflow.State, attributes interface{}) *history.Event {
	return history.NewHistoryEvent(seq, time.Now(), eventType, string(state), attributes)
}

func succeeded(task *backend.ExecutionTask) *workflow.Result {
	return &workflow.Result{
		Execution:   task.Execution,
		Payload:     task.Payload,
		State:       workflow.StateSuccess,
		Invocations: map[string]int{workflow.TaskStopInstance: 1},
	}
}

// BackendTest runs the backend conformance tests. setup is called for every test and must return an
// empty backend.
func BackendTest(t *testing.T, setup func() backend.Backend, teardown func(b backend.Backend)) {
	tests := []struct {
		name string
		f    func(t *testing.T, ctx context.Context, b backend.Backend)
	}{
		{
			name: "GetExecutionTask_ReturnsNilWhenTimeout",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				ctx, cancel := context.WithTimeout(ctx, time.Millisecond)
				defer cancel()

				task, _ := b.GetExecutionTask(ctx)
				require.Nil(t, task)
			},
		},
		{
			name: "CreateExecution_SameExecutionIDErrors",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				e := create(t, ctx, b)

				err := b.CreateExecution(ctx, e, workflow.Payload{InstanceID: e.InstanceID}, &backend.Metadata{})
				require.ErrorIs(t, err, backend.ErrExecutionAlreadyExists)
			},
		},
		{
			name: "CreateExecution_DuplicateIsNotQueued",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				e := create(t, ctx, b)

				err := b.CreateExecution(ctx, e, workflow.Payload{InstanceID: e.InstanceID}, &backend.Metadata{})
				require.ErrorIs(t, err, backend.ErrExecutionAlreadyExists)

				s, err := b.GetStats(ctx)
				require.NoError(t, err)
				require.Equal(t, int64(1), s.PendingExecutions)

				getTask(t, ctx, b)

				ctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
				defer cancel()

				task, err := b.GetExecutionTask(ctx)
				require.NoError(t, err)
				require.Nil(t, task)
			},
		},
		{
			name: "GetExecutionTask_ReturnsTask",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				e := newExecution()
				metadata := &backend.Metadata{TraceContext: map[string]string{"traceparent": "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01"}}

				require.NoError(t, b.CreateExecution(ctx, e, workflow.Payload{InstanceID: e.InstanceID, AlarmName: "restarter-x"}, metadata))

				task := getTask(t, ctx, b)
				require.Equal(t, e, task.Execution)
				require.Equal(t, e.InstanceID, task.Payload.InstanceID)
				require.Equal(t, "restarter-x", task.Payload.AlarmName)
				require.Equal(t, metadata.TraceContext, task.Metadata.TraceContext)
				require.NotEmpty(t, task.ID)
			},
		},
		{
			name: "GetExecutionTask_ReturnsTaskOnce",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				create(t, ctx, b)
				getTask(t, ctx, b)

				ctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
				defer cancel()

				task, err := b.GetExecutionTask(ctx)
				require.NoError(t, err)
				require.Nil(t, task)
			},
		},
		{
			name: "GetExecutionTask_FIFO",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				first := create(t, ctx, b)
				second := create(t, ctx, b)

				require.Equal(t, first.ExecutionID, getTask(t, ctx, b).Execution.ExecutionID)
				require.Equal(t, second.ExecutionID, getTask(t, ctx, b).Execution.ExecutionID)
			},
		},
		{
			name: "GetExecutionState_NotFound",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				_, err := b.GetExecutionState(ctx, newExecution())
				require.ErrorIs(t, err, backend.ErrExecutionNotFound)

				_, err = b.GetExecutionResult(ctx, newExecution())
				require.ErrorIs(t, err, backend.ErrExecutionNotFound)

				_, err = b.GetExecutionHistory(ctx, newExecution(), nil)
				require.ErrorIs(t, err, backend.ErrExecutionNotFound)
			},
		},
		{
			name: "GetExecutionResult_NotFinished",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				e := create(t, ctx, b)

				s, err := b.GetExecutionState(ctx, e)
				require.NoError(t, err)
				require.Equal(t, core.ExecutionStateActive, s)

				_, err = b.GetExecutionResult(ctx, e)
				require.ErrorIs(t, err, backend.ErrExecutionNotFinished)
			},
		},
		{
			name: "AppendHistory_FiltersBySequenceID",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				create(t, ctx, b)
				task := getTask(t, ctx, b)

				require.NoError(t, b.AppendHistory(ctx, task.Execution,
					event(1, history.EventType_ExecutionStarted, workflow.StateStopInstance, &history.ExecutionStartedAttributes{InstanceID: task.Execution.InstanceID}),
					event(2, history.EventType_StateEntered, workflow.StateStopInstance, &history.StateEnteredAttributes{Type: "Task"}),
				))
				require.NoError(t, b.AppendHistory(ctx, task.Execution,
					event(3, history.EventType_TaskScheduled, workflow.StateStopInstance, &history.TaskScheduledAttributes{Task: workflow.TaskStopInstance, Attempt: 1}),
				))

				events, err := b.GetExecutionHistory(ctx, task.Execution, nil)
				require.NoError(t, err)
				require.Len(t, events, 3)
				require.IsType(t, &history.TaskScheduledAttributes{}, events[2].Attributes)

				last := int64(1)
				events, err = b.GetExecutionHistory(ctx, task.Execution, &last)
				require.NoError(t, err)
				require.Len(t, events, 2)
				require.Equal(t, int64(2), events[0].SequenceID)
			},
		},
		{
			name: "CompleteExecutionTask_StoresResult",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				create(t, ctx, b)
				task := getTask(t, ctx, b)

				require.NoError(t, b.CompleteExecutionTask(ctx, task, succeeded(task)))

				s, err := b.GetExecutionState(ctx, task.Execution)
				require.NoError(t, err)
				require.Equal(t, core.ExecutionStateFinished, s)

				r, err := b.GetExecutionResult(ctx, task.Execution)
				require.NoError(t, err)
				require.True(t, r.Succeeded())
				require.Equal(t, workflow.StateSuccess, r.State)
				require.Equal(t, 1, r.Invocations[workflow.TaskStopInstance])
			},
		},
		{
			name: "CompleteExecutionTask_KeepsFailure",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				create(t, ctx, b)
				task := getTask(t, ctx, b)

				result := &workflow.Result{
					Execution: task.Execution,
					Payload:   workflow.Payload{InstanceID: task.Execution.InstanceID, InstanceState: "terminated", AttemptCount: 1},
					State:     workflow.StateFail,
					Failure: &workflow.Failure{
						Kind:  workflow.FailureUnknownState,
						Cause: workflow.CauseUnknownState,
					},
				}
				require.NoError(t, b.CompleteExecutionTask(ctx, task, result))

				r, err := b.GetExecutionResult(ctx, task.Execution)
				require.NoError(t, err)
				require.Equal(t, workflow.FailureUnknownState, workflow.KindOf(r.Err()))
				require.Equal(t, workflow.InstanceStatus("terminated"), r.Payload.InstanceState)
			},
		},
		{
			name: "ExtendExecutionTask_RunningTask",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				create(t, ctx, b)
				task := getTask(t, ctx, b)

				require.NoError(t, b.ExtendExecutionTask(ctx, task))
				require.NoError(t, b.CompleteExecutionTask(ctx, task, succeeded(task)))
			},
		},
		{
			name: "ExtendExecutionTask_NotFound",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				task := &backend.ExecutionTask{ID: "1-0", Execution: newExecution()}

				require.ErrorIs(t, b.ExtendExecutionTask(ctx, task), backend.ErrExecutionNotFound)
			},
		},
		{
			name: "ExtendExecutionTask_FinishedTask",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				create(t, ctx, b)
				task := getTask(t, ctx, b)
				require.NoError(t, b.CompleteExecutionTask(ctx, task, succeeded(task)))

				require.Error(t, b.ExtendExecutionTask(ctx, task))
			},
		},
		{
			name: "CompleteExecutionTask_Twice",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				create(t, ctx, b)
				task := getTask(t, ctx, b)

				require.NoError(t, b.CompleteExecutionTask(ctx, task, succeeded(task)))
				require.Error(t, b.CompleteExecutionTask(ctx, task, succeeded(task)))
			},
		},
		{
			name: "CompleteExecutionTask_UsesResultHistory",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				create(t, ctx, b)
				task := getTask(t, ctx, b)

				result := succeeded(task)
				result.History = []*history.Event{
					event(1, history.EventType_ExecutionStarted, workflow.StateStopInstance, &history.ExecutionStartedAttributes{}),
					event(2, history.EventType_ExecutionSucceeded, workflow.StateSuccess, &history.ExecutionSucceededAttributes{InstanceStatus: "starting"}),
				}
				require.NoError(t, b.CompleteExecutionTask(ctx, task, result))

				events, err := b.GetExecutionHistory(ctx, task.Execution, nil)
				require.NoError(t, err)
				require.Len(t, events, 2)
			},
		},
		{
			name: "GetStats",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				create(t, ctx, b)
				create(t, ctx, b)
				create(t, ctx, b)

				done := getTask(t, ctx, b)
				require.NoError(t, b.CompleteExecutionTask(ctx, done, succeeded(done)))
				getTask(t, ctx, b)

				s, err := b.GetStats(ctx)
				require.NoError(t, err)
				require.Equal(t, &backend.Stats{ActiveExecutions: 1, PendingExecutions: 1, FinishedExecutions: 1}, s)
			},
		},
		{
			name: "RemoveExecutions_ForInstance",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				create(t, ctx, b)
				create(t, ctx, b)

				removed := getTask(t, ctx, b)
				require.NoError(t, b.CompleteExecutionTask(ctx, removed, succeeded(removed)))

				kept := getTask(t, ctx, b)
				require.NoError(t, b.CompleteExecutionTask(ctx, kept, succeeded(kept)))

				require.NoError(t, b.RemoveExecutions(ctx, backend.RemoveForInstance(removed.Execution.InstanceID)))

				require.Eventually(t, func() bool {
					_, err := b.GetExecutionState(ctx, removed.Execution)
					return err == backend.ErrExecutionNotFound
				}, time.Second, time.Millisecond*10)

				_, err := b.GetExecutionState(ctx, kept.Execution)
				require.NoError(t, err)
			},
		},
		{
			name: "RemoveExecutions_KeepsActive",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				e := create(t, ctx, b)

				require.NoError(t, b.RemoveExecutions(ctx))

				_, err := b.GetExecutionState(ctx, e)
				require.NoError(t, err)
			},
		},
		{
			name: "GetExecutions_Pages",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				db, ok := b.(diag.Backend)
				if !ok {
					t.Skip("backend does not support diagnostics")
				}

				var executions []*core.Execution
				for i := 0; i < 3; i++ {
					executions = append(executions, create(t, ctx, b))
					// Creation times order the listing
					time.Sleep(2 * time.Millisecond)
				}

				refs, err := db.GetExecutions(ctx, "", 2)
				require.NoError(t, err)
				require.Len(t, refs, 2)
				require.Equal(t, executions[2].ExecutionID, refs[0].Execution.ExecutionID)
				require.Equal(t, executions[1].ExecutionID, refs[1].Execution.ExecutionID)

				refs, err = db.GetExecutions(ctx, refs[1].Execution.ExecutionID, 2)
				require.NoError(t, err)
				require.Len(t, refs, 1)
				require.Equal(t, executions[0].ExecutionID, refs[0].Execution.ExecutionID)

				ref, err := db.GetExecution(ctx, executions[0].ExecutionID)
				require.NoError(t, err)
				require.Equal(t, core.ExecutionStateActive, ref.State)

				ref, err = db.GetExecution(ctx, uuid.NewString())
				require.NoError(t, err)
				require.Nil(t, ref)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := setup()
			ctx := context.Background()

			tt.f(t, ctx, b)

			if teardown != nil {
				teardown(b)
			}
		})
	}
}
