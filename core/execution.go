package core

// Execution identifies a single run of the restart workflow.
type Execution struct {
	// InstanceID is the ID of the EC2 instance the execution acts on.
	InstanceID string `json:"instance_id,omitempty"`

	// ExecutionID uniquely identifies this run. Several executions can exist for the same instance.
	ExecutionID string `json:"execution_id,omitempty"`
}

func NewExecution(instanceID, executionID string) *Execution {
	return &Execution{
		InstanceID:  instanceID,
		ExecutionID: executionID,
	}
}

type ExecutionState int

const (
	ExecutionStateActive ExecutionState = iota
	ExecutionStateFinished
)

func (s ExecutionState) String() string {
	switch s {
	case ExecutionStateActive:
		return "Active"
	case ExecutionStateFinished:
		return "Finished"
	default:
		return "Unknown"
	}
}
