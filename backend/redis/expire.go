package redis

import (
	"context"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Set the given expiration time on all keys passed in
// KEYS[1] - executions-by-creation key
// KEYS[2] - executions-finished key
// KEYS[3] - executions-expiring key
// KEYS[4] - execution key
// KEYS[5] - history key
// ARGV[1] - current timestamp
// ARGV[2] - expiration time in seconds
// ARGV[3] - expiration timestamp in unix milliseconds
// ARGV[4] - execution id
var expireCmd = redis.NewScript(
	`-- Find executions which have already expired and remove them from the index sets
	local expired = redis.call("ZRANGE", KEYS[3], "-inf", ARGV[1], "BYSCORE")
	for i = 1, #expired do
		local id = expired[i]
		redis.call("ZREM", KEYS[1], id) -- creation index
		redis.call("ZREM", KEYS[2], id) -- finished set
		redis.call("ZREM", KEYS[3], id) -- expiration set
	end

	-- Add expiration time for future cleanup
	redis.call("ZADD", KEYS[3], ARGV[3], ARGV[4])

	-- Set expiration on all keys
	for i = 4, #KEYS do
		redis.call("EXPIRE", KEYS[i], ARGV[2])
	end

	return #expired
	`,
)

func (rb *redisBackend) setExpiration(ctx context.Context, executionID string) error {
	expiration := rb.options.RetentionPeriod
	now := rb.options.Clock.Now()

	seconds := int64(expiration / time.Second)
	if seconds < 1 {
		seconds = 1
	}

	expired, err := expireCmd.Run(ctx, rb.rdb, []string{
		rb.keys.byCreation(),
		rb.keys.finished(),
		rb.keys.expiring(),
		rb.keys.execution(executionID),
		rb.keys.history(executionID),
	},
		strconv.FormatInt(now.UnixMilli(), 10),
		seconds,
		strconv.FormatInt(now.Add(expiration).UnixMilli(), 10),
		executionID,
	).Int64()
	if err != nil {
		return err
	}

	if expired > 0 {
		rb.countEvictions("expired", expired)
	}

	return nil
}
