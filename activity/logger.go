package activity

import (
	"context"
	"log/slog"

	"github.com/cschleiden/instance-restarter/internal/activity"
)

// Logger returns a logger with the execution and task the handler is invoked for set as default fields.
// Outside of a handler invocation it returns slog.Default().
func Logger(ctx context.Context) *slog.Logger {
	if as := activity.GetActivityState(ctx); as != nil {
		return as.Logger
	}

	return slog.Default()
}

// Attempt returns the 1-based attempt number of the current handler invocation.
func Attempt(ctx context.Context) int {
	if as := activity.GetActivityState(ctx); as != nil {
		return as.Attempt
	}

	return 0
}

// Task returns the name of the current handler invocation.
func Task(ctx context.Context) string {
	if as := activity.GetActivityState(ctx); as != nil {
		return as.Task
	}

	return ""
}
