// Package asl renders the restart workflow as an Amazon States Language document for AWS Step Functions.
package asl

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cschleiden/instance-restarter/workflow"
)

// SNSPublish is the optimized Step Functions integration used by the notification state.
const SNSPublish = "arn:aws:states:::sns:publish"

// StatusPath is the payload field the choice state inspects.
const StatusPath = "$.instanceState"

// PermanentError is the error name handlers raise for failures that must not be retried. The CheckState
// retrier never retries it.
const PermanentError = "PermanentError"

var ErrMissingResource = errors.New("missing resource")

// Resources are the ARNs the task states invoke.
type Resources struct {
	StopInstance       string
	CheckInstanceState string
	StartInstance      string

	// FailureTopicARN is the SNS topic NotifyFailure publishes the payload to.
	FailureTopicARN string
}

func (r Resources) resource(task string) (string, error) {
	var arn string

	switch task {
	case workflow.TaskStopInstance:
		arn = r.StopInstance
	case workflow.TaskCheckInstanceState:
		arn = r.CheckInstanceState
	case workflow.TaskStartInstance:
		arn = r.StartInstance
	case workflow.TaskPublishNotification:
		if r.FailureTopicARN == "" {
			return "", fmt.Errorf("%w: failure topic", ErrMissingResource)
		}
		return SNSPublish, nil
	default:
		return "", fmt.Errorf("no resource for task %q", task)
	}

	if arn == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingResource, task)
	}

	return arn, nil
}

type StateMachine struct {
	Comment string            `json:"Comment,omitempty"`
	StartAt string            `json:"StartAt"`
	States  map[string]*State `json:"States"`
}

type State struct {
	Type       string          `json:"Type"`
	Resource   string          `json:"Resource,omitempty"`
	Parameters map[string]any  `json:"Parameters,omitempty"`
	ResultPath json.RawMessage `json:"ResultPath,omitempty"`
	Retry      []Retrier       `json:"Retry,omitempty"`

	// Seconds is set for Wait states, zero included
	Seconds *int `json:"Seconds,omitempty"`

	Choices []Choice `json:"Choices,omitempty"`
	Default string   `json:"Default,omitempty"`

	Error string `json:"Error,omitempty"`
	Cause string `json:"Cause,omitempty"`

	Next string `json:"Next,omitempty"`
}

type Retrier struct {
	ErrorEquals     []string `json:"ErrorEquals"`
	IntervalSeconds int      `json:"IntervalSeconds"`
	MaxAttempts     int      `json:"MaxAttempts"`
	BackoffRate     float64  `json:"BackoffRate"`
	MaxDelaySeconds int      `json:"MaxDelaySeconds,omitempty"`
}

type Choice struct {
	Variable     string `json:"Variable"`
	StringEquals string `json:"StringEquals"`
	Next         string `json:"Next"`
}

// discard keeps the input of a task state as its output.
var discard = json.RawMessage("null")

// Build converts the definition into a state machine. The check handler returns the updated payload,
// all other tasks leave the payload unchanged.
func Build(def *workflow.MachineDefinition, resources Resources) (*StateMachine, error) {
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("invalid definition: %w", err)
	}

	sm := &StateMachine{
		Comment: def.Comment,
		StartAt: string(def.StartAt),
		States:  make(map[string]*State, len(def.States)),
	}

	for _, sd := range def.States {
		s := &State{Type: string(sd.Type)}

		switch sd.Type {
		case workflow.StateTypeTask:
			arn, err := resources.resource(sd.Task)
			if err != nil {
				return nil, fmt.Errorf("state %s: %w", sd.Name, err)
			}
			s.Resource = arn

			if sd.Task == workflow.TaskPublishNotification {
				s.Parameters = map[string]any{
					"TopicArn":  resources.FailureTopicARN,
					"Message.$": "$",
				}
			}

			if sd.Task != workflow.TaskCheckInstanceState {
				s.ResultPath = discard
			}

			if sd.Retry != nil {
				r, err := retrier(sd.Retry)
				if err != nil {
					return nil, fmt.Errorf("state %s: %w", sd.Name, err)
				}
				// Retriers are evaluated in order, States.ALL has to be last
				s.Retry = []Retrier{{ErrorEquals: []string{PermanentError}, MaxAttempts: 0, BackoffRate: 1, IntervalSeconds: 1}, r}
			}

		case workflow.StateTypeWait:
			secs := seconds(sd.Wait)
			s.Seconds = &secs

		case workflow.StateTypeChoice:
			for _, c := range sd.Choices {
				s.Choices = append(s.Choices, Choice{
					Variable:     StatusPath,
					StringEquals: string(c.Status),
					Next:         string(c.Next),
				})
			}
			s.Default = string(sd.Default)

		case workflow.StateTypeFail:
			s.Error = sd.Error
			s.Cause = sd.Cause
		}

		if sd.Type == workflow.StateTypeTask || sd.Type == workflow.StateTypeWait {
			s.Next = string(sd.Next)
		}

		sm.States[string(sd.Name)] = s
	}

	return sm, nil
}

func retrier(ro *workflow.RetryOptions) (Retrier, error) {
	if ro.MaxRetries < 0 {
		return Retrier{}, errors.New("unbounded retries cannot be expressed")
	}

	rate := ro.BackoffCoefficient
	if rate <= 0 {
		rate = 1
	}

	return Retrier{
		ErrorEquals:     []string{"States.ALL"},
		IntervalSeconds: int(math.Max(1, float64(seconds(ro.FirstRetryInterval)))),
		MaxAttempts:     ro.MaxRetries,
		BackoffRate:     rate,
		MaxDelaySeconds: seconds(ro.MaxRetryInterval),
	}, nil
}

func seconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}

// Render returns the JSON document of the state machine.
func Render(def *workflow.MachineDefinition, resources Resources) ([]byte, error) {
	sm, err := Build(def, resources)
	if err != nil {
		return nil, err
	}

	return json.MarshalIndent(sm, "", "  ")
}
