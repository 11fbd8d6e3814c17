package backend

import (
	"time"
)

type RemovalOptions struct {
	FinishedBefore time.Time

	InstanceID string
}

type RemovalOption func(o *RemovalOptions)

func RemoveFinishedBefore(t time.Time) RemovalOption {
	return func(o *RemovalOptions) {
		o.FinishedBefore = t
	}
}

// RemoveForInstance restricts removal to executions for the given EC2 instance.
func RemoveForInstance(instanceID string) RemovalOption {
	return func(o *RemovalOptions) {
		o.InstanceID = instanceID
	}
}

func ApplyRemovalOptions(opts ...RemovalOption) RemovalOptions {
	var o RemovalOptions
	for _, opt := range opts {
		opt(&o)
	}

	return o
}

// Matches returns true if a finished execution should be removed.
func (o RemovalOptions) Matches(instanceID string, finishedAt time.Time) bool {
	if o.InstanceID != "" && o.InstanceID != instanceID {
		return false
	}

	if !o.FinishedBefore.IsZero() && !finishedAt.Before(o.FinishedBefore) {
		return false
	}

	return true
}
