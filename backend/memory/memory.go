package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cschleiden/instance-restarter/backend"
	"github.com/cschleiden/instance-restarter/core"
	"github.com/cschleiden/instance-restarter/diag"
	"github.com/cschleiden/instance-restarter/history"
	"github.com/cschleiden/instance-restarter/internal/metrickeys"
	"github.com/cschleiden/instance-restarter/log"
	"github.com/cschleiden/instance-restarter/metrics"
	"github.com/cschleiden/instance-restarter/workflow"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"go.opentelemetry.io/otel/trace"
)

type executionRecord struct {
	execution *core.Execution
	payload   workflow.Payload
	metadata  *backend.Metadata

	state       core.ExecutionState
	running     bool
	createdAt   time.Time
	completedAt *time.Time

	history []*history.Event
	result  *workflow.Result
}

func (r *executionRecord) ref() *diag.ExecutionRef {
	return &diag.ExecutionRef{
		Execution:   r.execution,
		CreatedAt:   r.createdAt,
		CompletedAt: r.completedAt,
		State:       r.state,
		Result:      r.result,
	}
}

type memoryBackend struct {
	options *backend.Options
	tracer  trace.Tracer
	metrics metrics.Client

	mu         sync.Mutex
	executions map[string]*executionRecord
	order      []string
	pending    []string

	// signal is notified when an execution is queued
	signal chan struct{}

	// finished tracks retention of finished executions. Expired keys remove the execution record.
	finished *ttlcache.Cache[string, struct{}]

	closeOnce sync.Once
}

var _ diag.Backend = (*memoryBackend)(nil)

// NewMemoryBackend returns a backend keeping all executions in process memory. Executions do not
// survive the process.
func NewMemoryBackend(opts ...backend.BackendOption) *memoryBackend {
	options := backend.ApplyOptions(opts...)

	ttl := options.RetentionPeriod
	if ttl <= 0 {
		ttl = ttlcache.NoTTL
	}

	b := &memoryBackend{
		options:    &options,
		tracer:     options.TracerProvider.Tracer(backend.TracerName),
		metrics:    options.Metrics.WithTags(metrics.Tags{metrickeys.Backend: "memory"}),
		executions: map[string]*executionRecord{},
		signal:     make(chan struct{}, 1),
		finished: ttlcache.New(
			ttlcache.WithTTL[string, struct{}](ttl),
		),
	}

	b.finished.OnEviction(func(ctx context.Context, er ttlcache.EvictionReason, i *ttlcache.Item[string, struct{}]) {
		reason := "deleted"
		if er == ttlcache.EvictionReasonExpired {
			reason = "expired"
		}

		b.mu.Lock()
		b.remove(i.Key())
		b.mu.Unlock()

		b.metrics.Counter(metrickeys.ExecutionRetentionEviction, metrics.Tags{metrickeys.EvictionReason: reason}, 1)
	})

	go b.finished.Start()

	return b
}

func (b *memoryBackend) Options() *backend.Options {
	return b.options
}

func (b *memoryBackend) Logger() *slog.Logger {
	return b.options.Logger
}

func (b *memoryBackend) Tracer() trace.Tracer {
	return b.tracer
}

func (b *memoryBackend) Metrics() metrics.Client {
	return b.metrics
}

func (b *memoryBackend) Clock() clock.Clock {
	return b.options.Clock
}

func (b *memoryBackend) Close() error {
	b.closeOnce.Do(func() {
		b.finished.Stop()
	})

	return nil
}

func (b *memoryBackend) CreateExecution(ctx context.Context, execution *core.Execution, payload workflow.Payload, metadata *backend.Metadata) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.executions[execution.ExecutionID]; ok {
		return backend.ErrExecutionAlreadyExists
	}

	if limit := b.options.MaxPendingExecutions; limit > 0 && len(b.pending) >= limit {
		return backend.ErrQueueFull
	}

	b.executions[execution.ExecutionID] = &executionRecord{
		execution: execution,
		payload:   payload,
		metadata:  metadata,
		state:     core.ExecutionStateActive,
		createdAt: b.options.Clock.Now(),
	}
	b.order = append(b.order, execution.ExecutionID)
	b.pending = append(b.pending, execution.ExecutionID)

	b.metrics.Gauge(metrickeys.ExecutionsActive, metrics.Tags{}, int64(b.active()))

	select {
	case b.signal <- struct{}{}:
	default:
	}

	b.options.Logger.DebugContext(ctx, "Queued execution",
		log.ExecutionIDKey, execution.ExecutionID,
		log.InstanceIDKey, execution.InstanceID,
	)

	return nil
}

// GetExecutionTask waits until an execution is queued or ctx is done. It returns nil if ctx is done
// before an execution is available.
func (b *memoryBackend) GetExecutionTask(ctx context.Context) (*backend.ExecutionTask, error) {
	for {
		if t := b.dequeue(); t != nil {
			return t, nil
		}

		select {
		case <-ctx.Done():
			return nil, nil
		case <-b.signal:
		}
	}
}

func (b *memoryBackend) dequeue() *backend.ExecutionTask {
	b.mu.Lock()
	defer b.mu.Unlock()

	for len(b.pending) > 0 {
		id := b.pending[0]
		b.pending = b.pending[1:]

		r, ok := b.executions[id]
		if !ok {
			continue
		}

		r.running = true

		b.metrics.Timing(metrickeys.ExecutionDelay, metrics.Tags{}, b.options.Clock.Since(r.createdAt))

		return &backend.ExecutionTask{
			ID:        uuid.NewString(),
			Execution: r.execution,
			Payload:   r.payload,
			Metadata:  r.metadata,
			CreatedAt: r.createdAt,
		}
	}

	return nil
}

func (b *memoryBackend) AppendHistory(ctx context.Context, execution *core.Execution, events ...*history.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.executions[execution.ExecutionID]
	if !ok {
		return backend.ErrExecutionNotFound
	}

	if r.state == core.ExecutionStateFinished {
		return fmt.Errorf("appending history to finished execution %s", execution.ExecutionID)
	}

	r.history = append(r.history, events...)

	return nil
}

// ExtendExecutionTask only checks the execution, tasks of the memory backend cannot be abandoned
// by another process.
func (b *memoryBackend) ExtendExecutionTask(ctx context.Context, task *backend.ExecutionTask) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.executions[task.Execution.ExecutionID]
	if !ok {
		return backend.ErrExecutionNotFound
	}

	if r.state == core.ExecutionStateFinished {
		return fmt.Errorf("execution %s is already finished", task.Execution.ExecutionID)
	}

	return nil
}

func (b *memoryBackend) CompleteExecutionTask(ctx context.Context, task *backend.ExecutionTask, result *workflow.Result) error {
	id := task.Execution.ExecutionID

	b.mu.Lock()

	r, ok := b.executions[id]
	if !ok {
		b.mu.Unlock()
		return backend.ErrExecutionNotFound
	}

	if r.state == core.ExecutionStateFinished {
		b.mu.Unlock()
		return fmt.Errorf("execution %s is already finished", id)
	}

	now := b.options.Clock.Now()

	r.state = core.ExecutionStateFinished
	r.running = false
	r.completedAt = &now
	r.result = result

	// Executions running on another process than the one that created it do not stream their history
	if len(r.history) == 0 && result != nil {
		r.history = result.History
	}

	b.metrics.Gauge(metrickeys.ExecutionsActive, metrics.Tags{}, int64(b.active()))

	b.mu.Unlock()

	// Outside the lock, eviction callbacks take it
	b.finished.Set(id, struct{}{}, ttlcache.DefaultTTL)

	return nil
}

func (b *memoryBackend) GetExecutionState(ctx context.Context, execution *core.Execution) (core.ExecutionState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.executions[execution.ExecutionID]
	if !ok {
		return core.ExecutionStateActive, backend.ErrExecutionNotFound
	}

	return r.state, nil
}

func (b *memoryBackend) GetExecutionResult(ctx context.Context, execution *core.Execution) (*workflow.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.executions[execution.ExecutionID]
	if !ok {
		return nil, backend.ErrExecutionNotFound
	}

	if r.state != core.ExecutionStateFinished {
		return nil, backend.ErrExecutionNotFinished
	}

	return r.result, nil
}

func (b *memoryBackend) GetExecutionHistory(ctx context.Context, execution *core.Execution, lastSequenceID *int64) ([]*history.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.executions[execution.ExecutionID]
	if !ok {
		return nil, backend.ErrExecutionNotFound
	}

	events := make([]*history.Event, 0, len(r.history))
	for _, e := range r.history {
		if lastSequenceID != nil && e.SequenceID <= *lastSequenceID {
			continue
		}

		events = append(events, e)
	}

	return events, nil
}

func (b *memoryBackend) RemoveExecutions(ctx context.Context, options ...backend.RemovalOption) error {
	ro := backend.ApplyRemovalOptions(options...)

	b.mu.Lock()

	var ids []string
	for id, r := range b.executions {
		if r.state != core.ExecutionStateFinished {
			continue
		}

		if ro.Matches(r.execution.InstanceID, *r.completedAt) {
			ids = append(ids, id)
		}
	}

	b.mu.Unlock()

	for _, id := range ids {
		b.finished.Delete(id)
	}

	b.options.Logger.DebugContext(ctx, "Removed executions", "count", len(ids))

	return nil
}

func (b *memoryBackend) GetStats(ctx context.Context) (*backend.Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := &backend.Stats{}
	for _, r := range b.executions {
		switch {
		case r.state == core.ExecutionStateFinished:
			s.FinishedExecutions++
		case r.running:
			s.ActiveExecutions++
		default:
			s.PendingExecutions++
		}
	}

	return s, nil
}

func (b *memoryBackend) GetExecution(ctx context.Context, executionID string) (*diag.ExecutionRef, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.executions[executionID]
	if !ok {
		return nil, nil
	}

	return r.ref(), nil
}

func (b *memoryBackend) GetExecutions(ctx context.Context, afterExecutionID string, count int) ([]*diag.ExecutionRef, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Newest first
	ids := make([]string, len(b.order))
	for i, id := range b.order {
		ids[len(b.order)-1-i] = id
	}

	start := 0
	if afterExecutionID != "" {
		// Unknown cursors, e.g. for evicted executions, return an empty page
		start = len(ids)
		for i, id := range ids {
			if id == afterExecutionID {
				start = i + 1
				break
			}
		}
	}

	refs := make([]*diag.ExecutionRef, 0, count)
	for _, id := range ids[start:] {
		if len(refs) >= count {
			break
		}

		refs = append(refs, b.executions[id].ref())
	}

	return refs, nil
}

// remove deletes an execution record. b.mu must be held.
func (b *memoryBackend) remove(id string) {
	delete(b.executions, id)

	for i, oid := range b.order {
		if oid == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// active returns the number of unfinished executions. b.mu must be held.
func (b *memoryBackend) active() int {
	n := 0
	for _, r := range b.executions {
		if r.state == core.ExecutionStateActive {
			n++
		}
	}

	return n
}
