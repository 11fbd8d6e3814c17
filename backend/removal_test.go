package backend

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRemovalOptions_Matches(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name       string
		opts       []RemovalOption
		instanceID string
		finishedAt time.Time
		want       bool
	}{
		{"no filter", nil, "i-1", now, true},
		{"finished before", []RemovalOption{RemoveFinishedBefore(now)}, "i-1", now.Add(-time.Second), true},
		{"finished at cutoff", []RemovalOption{RemoveFinishedBefore(now)}, "i-1", now, false},
		{"finished after", []RemovalOption{RemoveFinishedBefore(now)}, "i-1", now.Add(time.Second), false},
		{"instance", []RemovalOption{RemoveForInstance("i-1")}, "i-1", now, true},
		{"other instance", []RemovalOption{RemoveForInstance("i-1")}, "i-2", now, false},
		{
			"both",
			[]RemovalOption{RemoveForInstance("i-1"), RemoveFinishedBefore(now)},
			"i-1", now.Add(-time.Minute), true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ApplyRemovalOptions(tt.opts...).Matches(tt.instanceID, tt.finishedAt))
		})
	}
}
