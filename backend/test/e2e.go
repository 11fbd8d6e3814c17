package test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cschleiden/instance-restarter/backend"
	"github.com/cschleiden/instance-restarter/client"
	"github.com/cschleiden/instance-restarter/history"
	"github.com/cschleiden/instance-restarter/worker"
	"github.com/cschleiden/instance-restarter/workflow"
	"github.com/stretchr/testify/require"
)

// handlers replays scripted statuses per instance
type handlers struct {
	mu       sync.Mutex
	statuses map[string][]workflow.InstanceStatus
	checkErr error

	stopped   int
	started   []string
	published []workflow.Payload
}

func (h *handlers) script(instanceID string, statuses ...workflow.InstanceStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.statuses[instanceID] = statuses
}

func (h *handlers) failChecks(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.checkErr = err
}

func (h *handlers) StopInstance(ctx context.Context, p workflow.Payload) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.stopped++
	return nil
}

func (h *handlers) CheckInstanceState(ctx context.Context, p workflow.Payload) (workflow.InstanceStatus, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.checkErr != nil {
		return "", h.checkErr
	}

	s := h.statuses[p.InstanceID]
	if len(s) == 0 {
		return "", workflow.NewPermanentError(errors.New("no scripted status"))
	}

	h.statuses[p.InstanceID] = s[1:]
	return s[0], nil
}

func (h *handlers) StartInstance(ctx context.Context, p workflow.Payload) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.started = append(h.started, p.InstanceID)
	return nil
}

func (h *handlers) Publish(ctx context.Context, p workflow.Payload) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.published = append(h.published, p)
	return nil
}

func (h *handlers) notifications() []workflow.Payload {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]workflow.Payload(nil), h.published...)
}

// EndToEndBackendTest runs executions through a worker and client using the backend returned by setup.
// Wait durations are shortened so the tests run on the real clock.
func EndToEndBackendTest(t *testing.T, setup func() backend.Backend, teardown func(b backend.Backend)) {
	tests := []struct {
		name string
		f    func(t *testing.T, ctx context.Context, c *client.Client, h *handlers)
	}{
		{
			name: "StoppedInstanceIsStarted",
			f: func(t *testing.T, ctx context.Context, c *client.Client, h *handlers) {
				h.script("i-0123", workflow.StatusStopping, workflow.StatusStopped)

				r := run(t, ctx, c, "i-0123")

				require.True(t, r.Succeeded())
				require.Equal(t, workflow.StateSuccess, r.State)
				h.mu.Lock()
				require.Equal(t, []string{"i-0123"}, h.started)
				h.mu.Unlock()
				require.Equal(t, 2, r.Invocations[workflow.TaskCheckInstanceState])
				require.Empty(t, h.notifications())
			},
		},
		{
			name: "RunningInstanceIsStoppedAgain",
			f: func(t *testing.T, ctx context.Context, c *client.Client, h *handlers) {
				h.script("i-0123", workflow.StatusRunning, workflow.StatusStarting)

				r := run(t, ctx, c, "i-0123")

				require.True(t, r.Succeeded())
				require.Equal(t, 2, r.Invocations[workflow.TaskStopInstance])
				h.mu.Lock()
				require.Empty(t, h.started)
				h.mu.Unlock()
			},
		},
		{
			name: "UnknownStateNotifies",
			f: func(t *testing.T, ctx context.Context, c *client.Client, h *handlers) {
				h.script("i-0123", "terminated")

				r := run(t, ctx, c, "i-0123")

				require.Equal(t, workflow.FailureUnknownState, workflow.KindOf(r.Err()))
				require.Equal(t, workflow.StateFail, r.State)
				require.Equal(t, workflow.CauseUnknownState, r.Failure.Cause)

				notifications := h.notifications()
				require.Len(t, notifications, 1)
				require.Equal(t, workflow.InstanceStatus("terminated"), notifications[0].InstanceState)
			},
		},
		{
			name: "RetryExhaustionDoesNotNotify",
			f: func(t *testing.T, ctx context.Context, c *client.Client, h *handlers) {
				h.failChecks(errors.New("throttled"))

				r := run(t, ctx, c, "i-0123")

				require.Equal(t, workflow.FailureRetryExhausted, workflow.KindOf(r.Err()))
				require.Equal(t, workflow.StateCheckState, r.State)
				require.Equal(t, workflow.DefaultRetryOptions.MaxRetries+1, r.Invocations[workflow.TaskCheckInstanceState])
				require.Empty(t, h.notifications())
			},
		},
		{
			name: "ConcurrentExecutions",
			f: func(t *testing.T, ctx context.Context, c *client.Client, h *handlers) {
				ids := []string{"i-0001", "i-0002", "i-0003"}
				for _, id := range ids {
					h.script(id, workflow.StatusStarting)
				}

				var wg sync.WaitGroup
				for _, id := range ids {
					wg.Add(1)
					go func(id string) {
						defer wg.Done()

						e, err := c.CreateExecution(ctx, workflow.Payload{InstanceID: id})
						if !assertNoError(t, err) {
							return
						}

						r, err := c.GetExecutionResult(ctx, e, 10*time.Second)
						if assertNoError(t, err) {
							assertNoError(t, r.Err())
						}
					}(id)
				}

				wg.Wait()
			},
		},
		{
			name: "HistoryIsRecorded",
			f: func(t *testing.T, ctx context.Context, c *client.Client, h *handlers) {
				h.script("i-0123", workflow.StatusStarting)

				e, err := c.CreateExecution(ctx, workflow.Payload{InstanceID: "i-0123"})
				require.NoError(t, err)

				_, err = c.GetExecutionResult(ctx, e, 10*time.Second)
				require.NoError(t, err)

				events, err := c.GetExecutionHistory(ctx, e)
				require.NoError(t, err)
				require.NotEmpty(t, events)
				require.Equal(t, history.EventType_ExecutionStarted, events[0].Type)
				require.Equal(t, history.EventType_ExecutionSucceeded, events[len(events)-1].Type)

				for i, e := range events {
					require.Equal(t, int64(i+1), e.SequenceID)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := setup()
			ctx, cancel := context.WithCancel(context.Background())

			h := &handlers{statuses: map[string][]workflow.InstanceStatus{}}

			w := worker.New(b, h, h, &worker.Options{
				Pollers:           2,
				PollingInterval:   10 * time.Millisecond,
				HeartbeatInterval: 5 * time.Millisecond,
				ExecutorOptions: []workflow.ExecutorOption{
					workflow.WithStopWait(time.Millisecond),
					workflow.WithRetryWait(time.Millisecond),
					workflow.WithCheckStateRetry(workflow.RetryOptions{
						MaxRetries:         workflow.DefaultRetryOptions.MaxRetries,
						FirstRetryInterval: time.Millisecond,
						BackoffCoefficient: workflow.DefaultRetryOptions.BackoffCoefficient,
					}),
				},
			})
			require.NoError(t, w.Start(ctx))

			tt.f(t, ctx, client.New(b), h)

			cancel()
			require.NoError(t, w.WaitForCompletion())

			if teardown != nil {
				teardown(b)
			}
		})
	}
}

func run(t *testing.T, ctx context.Context, c *client.Client, instanceID string) *workflow.Result {
	t.Helper()

	e, err := c.CreateExecution(ctx, workflow.Payload{InstanceID: instanceID})
	require.NoError(t, err)

	r, err := c.GetExecutionResult(ctx, e, 10*time.Second)
	require.NoError(t, err)
	require.NotNil(t, r)

	return r
}

// assertNoError can be used from goroutines other than the test's.
func assertNoError(t *testing.T, err error) bool {
	if err != nil {
		t.Errorf("unexpected error: %v", err)
		return false
	}

	return true
}
