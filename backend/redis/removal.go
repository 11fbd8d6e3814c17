package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/cschleiden/instance-restarter/backend"
	"github.com/cschleiden/instance-restarter/internal/metrickeys"
	"github.com/cschleiden/instance-restarter/metrics"
	redis "github.com/redis/go-redis/v9"
)

func (rb *redisBackend) RemoveExecutions(ctx context.Context, options ...backend.RemovalOption) error {
	ro := backend.ApplyRemovalOptions(options...)

	maxScore := "+inf"
	if !ro.FinishedBefore.IsZero() {
		maxScore = "(" + strconv.FormatInt(ro.FinishedBefore.UnixMilli(), 10)
	}

	ids, err := rb.rdb.ZRangeByScore(ctx, rb.keys.finished(), &redis.ZRangeBy{
		Min: "-inf",
		Max: maxScore,
	}).Result()
	if err != nil {
		return fmt.Errorf("reading finished executions: %w", err)
	}

	var removed int64
	for _, id := range ids {
		s, err := rb.readExecution(ctx, id)
		if err != nil {
			if errors.Is(err, backend.ErrExecutionNotFound) {
				// Expired, only the index entries are left
				rb.rdb.ZRem(ctx, rb.keys.finished(), id)
				continue
			}

			return err
		}

		if s.CompletedAt == nil || !ro.Matches(s.Execution.InstanceID, *s.CompletedAt) {
			continue
		}

		if err := rb.deleteExecution(ctx, id); err != nil {
			return err
		}

		removed++
	}

	if removed > 0 {
		rb.countEvictions("deleted", removed)
	}

	rb.Logger().DebugContext(ctx, "Removed executions", "count", removed)

	return nil
}

func (rb *redisBackend) deleteExecution(ctx context.Context, executionID string) error {
	_, err := rb.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, rb.keys.execution(executionID), rb.keys.history(executionID))
		p.ZRem(ctx, rb.keys.byCreation(), executionID)
		p.ZRem(ctx, rb.keys.finished(), executionID)
		p.ZRem(ctx, rb.keys.expiring(), executionID)

		return nil
	})
	if err != nil {
		return fmt.Errorf("deleting execution: %w", err)
	}

	return nil
}

func (rb *redisBackend) countEvictions(reason string, n int64) {
	rb.metrics.Counter(metrickeys.ExecutionRetentionEviction, metrics.Tags{metrickeys.EvictionReason: reason}, n)
}
