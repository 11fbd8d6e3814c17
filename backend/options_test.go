package backend

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
)

func TestWithRetentionPeriod(t *testing.T) {
	opts := ApplyOptions(WithRetentionPeriod(5 * time.Minute))

	assert.Equal(t, 5*time.Minute, opts.RetentionPeriod)
}

func TestWithMaxPendingExecutions(t *testing.T) {
	opts := ApplyOptions(WithMaxPendingExecutions(10))

	assert.Equal(t, 10, opts.MaxPendingExecutions)
}

func TestDefaultValues(t *testing.T) {
	opts := ApplyOptions()

	// Verify default values are preserved when no options are provided
	assert.Equal(t, 24*time.Hour, opts.RetentionPeriod)
	assert.Equal(t, 0, opts.MaxPendingExecutions)
	assert.NotNil(t, opts.Logger)
	assert.NotNil(t, opts.Metrics)
	assert.NotNil(t, opts.TracerProvider)
	assert.NotNil(t, opts.Clock)
}

func TestNilOptionsFallBackToDefaults(t *testing.T) {
	opts := ApplyOptions(WithLogger(nil), WithMetrics(nil), WithTracerProvider(nil), WithClock(nil))

	assert.NotNil(t, opts.Logger)
	assert.NotNil(t, opts.Metrics)
	assert.NotNil(t, opts.TracerProvider)
	assert.NotNil(t, opts.Clock)
}

func TestIntegrationWithOtherOptions(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := clock.NewMock()

	opts := ApplyOptions(
		WithLogger(logger),
		WithClock(c),
		WithRetentionPeriod(time.Minute),
	)

	assert.Equal(t, logger, opts.Logger)
	assert.Equal(t, c, opts.Clock)
	assert.Equal(t, time.Minute, opts.RetentionPeriod)
}
