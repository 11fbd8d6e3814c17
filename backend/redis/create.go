package redis

import (
	redis "github.com/redis/go-redis/v9"
)

const (
	createQueueFull     = -1
	createAlreadyExists = 0
	createQueued        = 1
)

// Store a new execution and queue it
// KEYS[1] - execution key
// KEYS[2] - executions-by-creation key
// KEYS[3] - task stream key
// ARGV[1] - execution record
// ARGV[2] - creation timestamp in unix milliseconds
// ARGV[3] - execution id
// ARGV[4] - maximum number of queued executions, 0 for no limit
// ARGV[5] - consumer group of the task stream
var createCmd = redis.NewScript(
	`if redis.call("EXISTS", KEYS[1]) == 1 then
		return 0
	end

	local limit = tonumber(ARGV[4])
	if limit > 0 then
		-- Messages locked by a worker are running
		local queued = redis.call("XLEN", KEYS[3]) - redis.call("XPENDING", KEYS[3], ARGV[5])[1]
		if queued >= limit then
			return -1
		end
	end

	redis.call("SET", KEYS[1], ARGV[1])
	redis.call("ZADD", KEYS[2], ARGV[2], ARGV[3])
	redis.call("XADD", KEYS[3], "*", "id", ARGV[3])

	return 1
	`,
)
