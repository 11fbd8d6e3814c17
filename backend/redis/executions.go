package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/cschleiden/instance-restarter/backend"
	"github.com/cschleiden/instance-restarter/core"
	"github.com/cschleiden/instance-restarter/history"
	"github.com/cschleiden/instance-restarter/internal/metrickeys"
	"github.com/cschleiden/instance-restarter/log"
	"github.com/cschleiden/instance-restarter/metrics"
	"github.com/cschleiden/instance-restarter/workflow"
	redis "github.com/redis/go-redis/v9"
)

func (rb *redisBackend) CreateExecution(ctx context.Context, execution *core.Execution, payload workflow.Payload, metadata *backend.Metadata) error {
	now := rb.options.Clock.Now()

	data, err := json.Marshal(&executionState{
		Execution: execution,
		Payload:   payload,
		Metadata:  metadata,
		State:     core.ExecutionStateActive,
		CreatedAt: now,
	})
	if err != nil {
		return fmt.Errorf("marshaling execution: %w", err)
	}

	r, err := createCmd.Run(ctx, rb.rdb, []string{
		rb.keys.execution(execution.ExecutionID),
		rb.keys.byCreation(),
		rb.keys.taskStream(),
	},
		data,
		strconv.FormatInt(now.UnixMilli(), 10),
		execution.ExecutionID,
		rb.options.MaxPendingExecutions,
		rb.queue.groupName,
	).Int64()
	if err != nil {
		return fmt.Errorf("queueing execution: %w", err)
	}

	switch r {
	case createQueueFull:
		return backend.ErrQueueFull
	case createAlreadyExists:
		return backend.ErrExecutionAlreadyExists
	case createQueued:
	default:
		return fmt.Errorf("queueing execution: unexpected script result %d", r)
	}

	rb.updateActiveGauge(ctx)

	rb.Logger().DebugContext(ctx, "Queued execution",
		log.ExecutionIDKey, execution.ExecutionID,
		log.InstanceIDKey, execution.InstanceID,
	)

	return nil
}

// GetExecutionTask returns an execution abandoned by another worker, or waits up to the configured
// block timeout for a queued one. It returns nil if there is none or ctx is done.
func (rb *redisBackend) GetExecutionTask(ctx context.Context) (*backend.ExecutionTask, error) {
	item, err := rb.queue.dequeue(ctx, rb.options.LockTimeout, rb.options.BlockTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}

		return nil, err
	}

	if item == nil {
		return nil, nil
	}

	s, err := rb.readExecution(ctx, item.ID)
	if err != nil {
		if errors.Is(err, backend.ErrExecutionNotFound) {
			// Removed while queued
			if err := rb.queue.discard(ctx, item.TaskID); err != nil {
				return nil, fmt.Errorf("discarding task: %w", err)
			}

			return nil, nil
		}

		return nil, err
	}

	if item.Recovered {
		// The execution starts over, drop the history of the abandoned run
		rb.Logger().WarnContext(ctx, "Recovered abandoned execution",
			log.ExecutionIDKey, s.Execution.ExecutionID,
			log.InstanceIDKey, s.Execution.InstanceID,
		)

		if err := rb.rdb.Del(ctx, rb.keys.history(item.ID)).Err(); err != nil {
			return nil, fmt.Errorf("resetting history: %w", err)
		}
	}

	rb.metrics.Timing(metrickeys.ExecutionDelay, metrics.Tags{}, rb.options.Clock.Since(s.CreatedAt))

	return &backend.ExecutionTask{
		ID:        item.TaskID,
		Execution: s.Execution,
		Payload:   s.Payload,
		Metadata:  s.Metadata,
		CreatedAt: s.CreatedAt,
	}, nil
}

// ExtendExecutionTask renews the lock of the task, a task that is not extended within the lock timeout
// is handed to another worker.
func (rb *redisBackend) ExtendExecutionTask(ctx context.Context, task *backend.ExecutionTask) error {
	s, err := rb.readExecution(ctx, task.Execution.ExecutionID)
	if err != nil {
		return err
	}

	if s.State == core.ExecutionStateFinished {
		return fmt.Errorf("execution %s is already finished", task.Execution.ExecutionID)
	}

	return rb.queue.extend(ctx, task.ID)
}

func (rb *redisBackend) AppendHistory(ctx context.Context, execution *core.Execution, events ...*history.Event) error {
	s, err := rb.readExecution(ctx, execution.ExecutionID)
	if err != nil {
		return err
	}

	if s.State == core.ExecutionStateFinished {
		return fmt.Errorf("appending history to finished execution %s", execution.ExecutionID)
	}

	return rb.appendEvents(ctx, execution.ExecutionID, events)
}

func (rb *redisBackend) appendEvents(ctx context.Context, executionID string, events []*history.Event) error {
	if len(events) == 0 {
		return nil
	}

	values := make([]interface{}, 0, len(events))
	for _, e := range events {
		b, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshaling event: %w", err)
		}

		values = append(values, b)
	}

	if err := rb.rdb.RPush(ctx, rb.keys.history(executionID), values...).Err(); err != nil {
		return fmt.Errorf("appending history: %w", err)
	}

	return nil
}

func (rb *redisBackend) CompleteExecutionTask(ctx context.Context, task *backend.ExecutionTask, result *workflow.Result) error {
	id := task.Execution.ExecutionID

	s, err := rb.readExecution(ctx, id)
	if err != nil {
		return err
	}

	if s.State == core.ExecutionStateFinished {
		return fmt.Errorf("execution %s is already finished", id)
	}

	now := rb.options.Clock.Now()

	s.State = core.ExecutionStateFinished
	s.CompletedAt = &now
	s.Result = result

	// Executions running without a history listener do not stream their history
	if result != nil && len(result.History) > 0 {
		n, err := rb.rdb.LLen(ctx, rb.keys.history(id)).Result()
		if err != nil {
			return fmt.Errorf("reading history: %w", err)
		}

		if n == 0 {
			if err := rb.appendEvents(ctx, id, result.History); err != nil {
				return err
			}
		}
	}

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshaling execution: %w", err)
	}

	if _, err := rb.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, rb.keys.execution(id), data, redis.KeepTTL)
		rb.queue.complete(ctx, p, task.ID)
		p.ZAdd(ctx, rb.keys.finished(), redis.Z{
			Score:  float64(now.UnixMilli()),
			Member: id,
		})

		return nil
	}); err != nil {
		return fmt.Errorf("completing execution: %w", err)
	}

	if rb.options.RetentionPeriod > 0 {
		if err := rb.setExpiration(ctx, id); err != nil {
			return fmt.Errorf("setting execution expiration: %w", err)
		}
	}

	rb.updateActiveGauge(ctx)

	return nil
}

func (rb *redisBackend) GetExecutionState(ctx context.Context, execution *core.Execution) (core.ExecutionState, error) {
	s, err := rb.readExecution(ctx, execution.ExecutionID)
	if err != nil {
		return core.ExecutionStateActive, err
	}

	return s.State, nil
}

func (rb *redisBackend) GetExecutionResult(ctx context.Context, execution *core.Execution) (*workflow.Result, error) {
	s, err := rb.readExecution(ctx, execution.ExecutionID)
	if err != nil {
		return nil, err
	}

	if s.State != core.ExecutionStateFinished {
		return nil, backend.ErrExecutionNotFinished
	}

	return s.Result, nil
}

func (rb *redisBackend) GetExecutionHistory(ctx context.Context, execution *core.Execution, lastSequenceID *int64) ([]*history.Event, error) {
	if _, err := rb.readExecution(ctx, execution.ExecutionID); err != nil {
		return nil, err
	}

	values, err := rb.rdb.LRange(ctx, rb.keys.history(execution.ExecutionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading history: %w", err)
	}

	events := make([]*history.Event, 0, len(values))
	for _, v := range values {
		var e history.Event
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			return nil, fmt.Errorf("unmarshaling event: %w", err)
		}

		if lastSequenceID != nil && e.SequenceID <= *lastSequenceID {
			continue
		}

		events = append(events, &e)
	}

	return events, nil
}

func (rb *redisBackend) updateActiveGauge(ctx context.Context) {
	// The stream holds queued and running executions
	n, err := rb.rdb.XLen(ctx, rb.keys.taskStream()).Result()
	if err != nil {
		return
	}

	rb.metrics.Gauge(metrickeys.ExecutionsActive, metrics.Tags{}, n)
}
