package activitytester

import (
	"context"
	"log/slog"

	"github.com/cschleiden/instance-restarter/core"
	"github.com/cschleiden/instance-restarter/internal/activity"
	"github.com/google/uuid"
)

// WithActivityTestState returns a context with a handler invocation state attached that can be used
// for unit testing handlers.
func WithActivityTestState(ctx context.Context, task, instanceID string, attempt int, logger *slog.Logger) context.Context {
	if logger == nil {
		logger = slog.Default()
	}

	execution := core.NewExecution(instanceID, uuid.NewString())

	return activity.WithActivityState(ctx, activity.NewActivityState(task, attempt, execution, logger))
}
