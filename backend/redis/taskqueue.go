package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// taskQueue hands out queued execution ids through a stream consumer group. createCmd adds messages
// with an "id" field. Messages stay in the group's pending entries list until they are completed, a
// message that is not extended within the lock timeout is claimed by the next worker asking for a task.
type taskQueue struct {
	rdb        redis.UniversalClient
	groupName  string
	workerName string
	streamName string
}

type taskItem struct {
	// TaskID is the stream message id
	TaskID string

	// ID is the execution id
	ID string

	// Recovered is set when the message was claimed from an abandoned worker
	Recovered bool
}

func newTaskQueue(ctx context.Context, rdb redis.UniversalClient, streamName string) (*taskQueue, error) {
	tq := &taskQueue{
		rdb:        rdb,
		groupName:  "workers",
		workerName: uuid.NewString(),
		streamName: streamName,
	}

	// There is no upsert for consumer groups
	if err := rdb.XGroupCreateMkStream(ctx, streamName, tq.groupName, "0").Err(); err != nil {
		if !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return nil, fmt.Errorf("creating task queue: %w", err)
		}
	}

	return tq, nil
}

// dequeue returns an abandoned task, or waits up to timeout for a new one. It returns nil if there is
// none.
func (q *taskQueue) dequeue(ctx context.Context, lockTimeout, timeout time.Duration) (*taskItem, error) {
	task, err := q.recover(ctx, lockTimeout)
	if err != nil {
		return nil, fmt.Errorf("checking for abandoned tasks: %w", err)
	}

	if task != nil {
		return task, nil
	}

	streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Streams:  []string{q.streamName, ">"},
		Group:    q.groupName,
		Consumer: q.workerName,
		Count:    1,
		Block:    timeout,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}

		return nil, fmt.Errorf("dequeueing task: %w", err)
	}

	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, nil
	}

	return msgToTaskItem(&streams[0].Messages[0]), nil
}

// Reset the idle time of a message if it is still locked by the given consumer
// KEYS[1] - task stream key
// ARGV[1] - consumer group
// ARGV[2] - consumer
// ARGV[3] - message id
var extendCmd = redis.NewScript(
	`local owned = redis.call("XPENDING", KEYS[1], ARGV[1], ARGV[3], ARGV[3], 1, ARGV[2])
	if #owned == 0 then
		return 0
	end

	redis.call("XCLAIM", KEYS[1], ARGV[1], ARGV[2], 0, ARGV[3], "JUSTID")

	return 1
	`,
)

// extend resets the idle time of the message. It fails if another worker claimed the message or it
// was completed.
func (q *taskQueue) extend(ctx context.Context, taskID string) error {
	extended, err := extendCmd.Run(ctx, q.rdb, []string{q.streamName}, q.groupName, q.workerName, taskID).Int64()
	if err != nil {
		return fmt.Errorf("extending task lock: %w", err)
	}

	if extended == 0 {
		return fmt.Errorf("task %s is no longer locked by this worker", taskID)
	}

	return nil
}

// complete acknowledges and deletes the message, used within pipelines. Completed messages are
// removed so the stream only holds queued and running tasks.
func (q *taskQueue) complete(ctx context.Context, p redis.Pipeliner, taskID string) {
	p.XAck(ctx, q.streamName, q.groupName, taskID)
	p.XDel(ctx, q.streamName, taskID)
}

// discard removes a message whose execution no longer exists
func (q *taskQueue) discard(ctx context.Context, taskID string) error {
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		q.complete(ctx, p, taskID)
		return nil
	})

	return err
}

// counts returns the number of messages in the stream and how many of those are locked by a worker
func (q *taskQueue) counts(ctx context.Context) (total, locked int64, err error) {
	var length *redis.IntCmd
	var pending *redis.XPendingCmd

	if _, err := q.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		length = p.XLen(ctx, q.streamName)
		pending = p.XPending(ctx, q.streamName, q.groupName)

		return nil
	}); err != nil {
		return 0, 0, err
	}

	return length.Val(), pending.Val().Count, nil
}

func (q *taskQueue) recover(ctx context.Context, idleTimeout time.Duration) (*taskItem, error) {
	// Completed tasks are deleted, so the scan always starts at the beginning of the pending entries
	msgs, _, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.streamName,
		Group:    q.groupName,
		Consumer: q.workerName,
		MinIdle:  idleTimeout,
		Count:    1,
		Start:    "0",
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}

		return nil, err
	}

	if len(msgs) == 0 {
		return nil, nil
	}

	task := msgToTaskItem(&msgs[0])
	task.Recovered = true

	return task, nil
}

func msgToTaskItem(msg *redis.XMessage) *taskItem {
	id, _ := msg.Values["id"].(string)

	return &taskItem{
		TaskID: msg.ID,
		ID:     id,
	}
}
