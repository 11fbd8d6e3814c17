package asl

import (
	"encoding/json"

	"github.com/cschleiden/instance-restarter/trigger"
)

// EventPattern returns the EventBridge pattern that matches alarms entering the ALARM state whose
// name starts with prefix.
func EventPattern(prefix string) ([]byte, error) {
	pattern := map[string]any{
		"source":      []string{trigger.AlarmSource},
		"detail-type": []string{trigger.AlarmStateChange},
		"detail": map[string]any{
			"alarmName": []map[string]string{{"prefix": prefix}},
			"state": map[string]any{
				"value": []string{trigger.StateAlarm},
			},
		},
	}

	return json.Marshal(pattern)
}
