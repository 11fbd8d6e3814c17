package backend

import (
	"time"

	"github.com/cschleiden/instance-restarter/core"
	"github.com/cschleiden/instance-restarter/internal/tracing"
	"github.com/cschleiden/instance-restarter/workflow"
)

// Metadata is passed from the creator of an execution to the worker running it.
type Metadata struct {
	TraceContext tracing.Context `json:"trace_context,omitempty"`
}

// ExecutionTask represents one queued execution.
type ExecutionTask struct {
	// ID is an identifier for this task. It's set by the backend
	ID string

	Execution *core.Execution

	Payload workflow.Payload

	Metadata *Metadata

	// CreatedAt is the time the execution was queued
	CreatedAt time.Time
}
