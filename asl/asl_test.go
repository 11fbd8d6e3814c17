package asl

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/cschleiden/instance-restarter/workflow"
	"github.com/stretchr/testify/require"
)

var resources = Resources{
	StopInstance:       "arn:aws:lambda:us-east-1:123456789012:function:stop-instance",
	CheckInstanceState: "arn:aws:lambda:us-east-1:123456789012:function:check-instance",
	StartInstance:      "arn:aws:lambda:us-east-1:123456789012:function:start-instance",
	FailureTopicARN:    "arn:aws:sns:us-east-1:123456789012:restarter-failures",
}

func render(t *testing.T, def *workflow.MachineDefinition) map[string]any {
	t.Helper()

	b, err := Render(def, resources)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(b, &doc))

	return doc
}

func state(t *testing.T, doc map[string]any, name workflow.State) map[string]any {
	t.Helper()

	states := doc["States"].(map[string]any)
	s, ok := states[string(name)].(map[string]any)
	require.True(t, ok, "state %s missing", name)

	return s
}

func Test_Render(t *testing.T) {
	doc := render(t, workflow.Definition(workflow.DefaultOptions))

	require.Equal(t, "StopInstance", doc["StartAt"])
	require.Len(t, doc["States"], 9)

	stop := state(t, doc, workflow.StateStopInstance)
	require.Equal(t, "Task", stop["Type"])
	require.Equal(t, resources.StopInstance, stop["Resource"])
	require.Equal(t, "Wait", stop["Next"])
	require.Contains(t, stop, "ResultPath")
	require.Nil(t, stop["ResultPath"])
	require.NotContains(t, stop, "Retry")

	wait := state(t, doc, workflow.StateWait)
	require.Equal(t, "Wait", wait["Type"])
	require.Equal(t, float64(180), wait["Seconds"])
	require.Equal(t, "CheckState", wait["Next"])

	retryWait := state(t, doc, workflow.StateWaitAndRetry)
	require.Equal(t, float64(60), retryWait["Seconds"])
	require.Equal(t, "CheckState", retryWait["Next"])

	start := state(t, doc, workflow.StateStartInstance)
	require.Equal(t, "Success", start["Next"])

	require.Equal(t, map[string]any{"Type": "Succeed"}, state(t, doc, workflow.StateSuccess))
	require.Equal(t, map[string]any{
		"Type":  "Fail",
		"Error": "UnknownInstanceState",
		"Cause": "Unknown instance state",
	}, state(t, doc, workflow.StateFail))
}

func Test_Render_CheckStateRetry(t *testing.T) {
	doc := render(t, workflow.Definition(workflow.DefaultOptions))

	check := state(t, doc, workflow.StateCheckState)
	require.Equal(t, resources.CheckInstanceState, check["Resource"])
	require.NotContains(t, check, "ResultPath")
	require.Equal(t, "ChooseBranch", check["Next"])

	require.Equal(t, []any{map[string]any{
		"ErrorEquals":     []any{PermanentError},
		"IntervalSeconds": float64(1),
		"MaxAttempts":     float64(0),
		"BackoffRate":     float64(1),
	}, map[string]any{
		"ErrorEquals":     []any{"States.ALL"},
		"IntervalSeconds": float64(30),
		"MaxAttempts":     float64(5),
		"BackoffRate":     float64(2),
	}}, check["Retry"])
}

func Test_Render_Choice(t *testing.T) {
	doc := render(t, workflow.Definition(workflow.DefaultOptions))

	choice := state(t, doc, workflow.StateChooseBranch)
	require.Equal(t, "Choice", choice["Type"])
	require.Equal(t, "NotifyFailure", choice["Default"])

	next := map[string]string{}
	for _, c := range choice["Choices"].([]any) {
		rule := c.(map[string]any)
		require.Equal(t, StatusPath, rule["Variable"])
		next[rule["StringEquals"].(string)] = rule["Next"].(string)
	}

	require.Equal(t, map[string]string{
		"stopping": "WaitAndRetry",
		"running":  "StopInstance",
		"starting": "Success",
		"stopped":  "StartInstance",
	}, next)
}

func Test_Render_NotifyFailure(t *testing.T) {
	doc := render(t, workflow.Definition(workflow.DefaultOptions))

	notify := state(t, doc, workflow.StateNotifyFailure)
	require.Equal(t, SNSPublish, notify["Resource"])
	require.Equal(t, "Fail", notify["Next"])
	require.Equal(t, map[string]any{
		"TopicArn":  resources.FailureTopicARN,
		"Message.$": "$",
	}, notify["Parameters"])
}

func Test_Render_Options(t *testing.T) {
	def := workflow.Definition(workflow.ApplyOptions(
		workflow.WithStopWait(90*time.Second),
		workflow.WithCheckStateRetry(workflow.RetryOptions{
			MaxRetries:         3,
			FirstRetryInterval: 10 * time.Second,
			MaxRetryInterval:   time.Minute,
			BackoffCoefficient: 1.5,
		}),
	))

	doc := render(t, def)
	require.Equal(t, float64(90), state(t, doc, workflow.StateWait)["Seconds"])

	retry := state(t, doc, workflow.StateCheckState)["Retry"].([]any)[1].(map[string]any)
	require.Equal(t, float64(3), retry["MaxAttempts"])
	require.Equal(t, float64(10), retry["IntervalSeconds"])
	require.Equal(t, 1.5, retry["BackoffRate"])
	require.Equal(t, float64(60), retry["MaxDelaySeconds"])
}

func Test_Render_ZeroWait(t *testing.T) {
	def := workflow.Definition(workflow.ApplyOptions(
		workflow.WithStopWait(0),
		workflow.WithRetryWait(0),
	))

	doc := render(t, def)

	// Seconds is required for Wait states
	require.Contains(t, state(t, doc, workflow.StateWait), "Seconds")
	require.Equal(t, float64(0), state(t, doc, workflow.StateWait)["Seconds"])
	require.Equal(t, float64(0), state(t, doc, workflow.StateWaitAndRetry)["Seconds"])

	require.NotContains(t, state(t, doc, workflow.StateStopInstance), "Seconds")
}

func Test_Render_Errors(t *testing.T) {
	def := workflow.Definition(workflow.DefaultOptions)

	_, err := Render(def, Resources{})
	require.ErrorIs(t, err, ErrMissingResource)

	r := resources
	r.FailureTopicARN = ""
	_, err = Render(def, r)
	require.ErrorIs(t, err, ErrMissingResource)

	def.StartAt = "Nope"
	_, err = Render(def, resources)
	require.ErrorContains(t, err, "invalid definition")

	def = workflow.Definition(workflow.ApplyOptions(workflow.WithCheckStateRetry(workflow.RetryOptions{MaxRetries: -1})))
	_, err = Render(def, resources)
	require.ErrorContains(t, err, "unbounded retries")
}

func Test_EventPattern(t *testing.T) {
	b, err := EventPattern("restarter-")
	require.NoError(t, err)

	require.JSONEq(t, `{
		"source": ["aws.cloudwatch"],
		"detail-type": ["CloudWatch Alarm State Change"],
		"detail": {
			"alarmName": [{"prefix": "restarter-"}],
			"state": {"value": ["ALARM"]}
		}
	}`, string(b))
}
