package redis

import (
	"context"
	"fmt"

	"github.com/cschleiden/instance-restarter/backend"
)

func (rb *redisBackend) GetStats(ctx context.Context) (*backend.Stats, error) {
	total, locked, err := rb.queue.counts(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading task queue: %w", err)
	}

	finished, err := rb.rdb.ZCard(ctx, rb.keys.finished()).Result()
	if err != nil {
		return nil, fmt.Errorf("reading stats: %w", err)
	}

	return &backend.Stats{
		ActiveExecutions:   locked,
		PendingExecutions:  total - locked,
		FinishedExecutions: finished,
	}, nil
}
