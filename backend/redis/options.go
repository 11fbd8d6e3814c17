package redis

import (
	"time"

	"github.com/cschleiden/instance-restarter/backend"
)

type RedisOptions struct {
	backend.Options

	// BlockTimeout is how long GetExecutionTask waits for a queued execution.
	BlockTimeout time.Duration

	// LockTimeout is how long a running execution may go without being extended before another worker
	// picks it up. Workers have to heartbeat more often than this.
	LockTimeout time.Duration

	KeyPrefix string
}

type RedisBackendOption func(*RedisOptions)

func WithBlockTimeout(timeout time.Duration) RedisBackendOption {
	return func(o *RedisOptions) {
		o.BlockTimeout = timeout
	}
}

func WithLockTimeout(timeout time.Duration) RedisBackendOption {
	return func(o *RedisOptions) {
		o.LockTimeout = timeout
	}
}

func WithBackendOptions(opts ...backend.BackendOption) RedisBackendOption {
	return func(o *RedisOptions) {
		for _, opt := range opts {
			opt(&o.Options)
		}
	}
}

// WithKeyPrefix sets a prefix for all keys, e.g. to share a database between deployments.
func WithKeyPrefix(keyPrefix string) RedisBackendOption {
	return func(o *RedisOptions) {
		o.KeyPrefix = keyPrefix
	}
}
