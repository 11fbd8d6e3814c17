package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cschleiden/instance-restarter/backend"
	"github.com/cschleiden/instance-restarter/diag"
	redis "github.com/redis/go-redis/v9"
)

var _ diag.Backend = (*redisBackend)(nil)

func (rb *redisBackend) GetExecution(ctx context.Context, executionID string) (*diag.ExecutionRef, error) {
	s, err := rb.readExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, backend.ErrExecutionNotFound) {
			return nil, nil
		}

		return nil, err
	}

	return s.ref(), nil
}

func (rb *redisBackend) GetExecutions(ctx context.Context, afterExecutionID string, count int) ([]*diag.ExecutionRef, error) {
	start := int64(0)
	if afterExecutionID != "" {
		rank, err := rb.rdb.ZRevRank(ctx, rb.keys.byCreation(), afterExecutionID).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				// Unknown cursors, e.g. for expired executions, return an empty page
				return []*diag.ExecutionRef{}, nil
			}

			return nil, fmt.Errorf("finding cursor: %w", err)
		}

		start = rank + 1
	}

	ids, err := rb.rdb.ZRevRange(ctx, rb.keys.byCreation(), start, start+int64(count)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}

	refs := make([]*diag.ExecutionRef, 0, len(ids))
	if len(ids) == 0 {
		return refs, nil
	}

	executionKeys := make([]string, 0, len(ids))
	for _, id := range ids {
		executionKeys = append(executionKeys, rb.keys.execution(id))
	}

	values, err := rb.rdb.MGet(ctx, executionKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("reading executions: %w", err)
	}

	states, err := decodeStates(values)
	if err != nil {
		return nil, err
	}

	for _, s := range states {
		refs = append(refs, s.ref())
	}

	return refs, nil
}

// decodeStates unmarshals MGET results, skipping keys that no longer exist.
func decodeStates(values []interface{}) ([]*executionState, error) {
	states := make([]*executionState, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}

		var s executionState
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return nil, fmt.Errorf("unmarshaling execution: %w", err)
		}

		states = append(states, &s)
	}

	return states, nil
}
