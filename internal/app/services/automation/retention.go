package automation

import (
	"context"
	"sync"
	"time"

	"github.com/r3e-network/area-engine/infrastructure/metrics"
	core "github.com/r3e-network/area-engine/internal/app/core/service"
	domain "github.com/r3e-network/area-engine/internal/app/domain/automation"
	"github.com/r3e-network/area-engine/internal/app/storage"
	"github.com/r3e-network/area-engine/internal/app/system"
	"github.com/r3e-network/area-engine/pkg/logger"
)

// Retention thresholds from §4.4: success executions survive 30 days,
// failed executions survive 90 days, pending/running are never touched.
const (
	successRetention = 30 * 24 * time.Hour
	failedRetention  = 90 * 24 * time.Hour

	defaultRetentionInterval = time.Hour
	defaultMetricsInterval   = time.Minute
)

// Ensure RetentionTask implements system.Service.
var _ system.Service = (*RetentionTask)(nil)

// RetentionTask runs the two periodic maintenance jobs of §4.4 on their own
// tickers: deleting aged completed Executions, and publishing rolling
// status-count/success-rate aggregates through the metrics sink.
type RetentionTask struct {
	executions storage.ExecutionStore
	metrics    *metrics.Metrics
	log        *logger.Logger

	retentionInterval time.Duration
	metricsInterval   time.Duration
	successRetention  time.Duration
	failedRetention   time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewRetentionTask builds the retention/metrics maintenance task. metrics
// may be nil, in which case aggregation still runs but nothing is emitted.
func NewRetentionTask(executions storage.ExecutionStore, m *metrics.Metrics, log *logger.Logger) *RetentionTask {
	if log == nil {
		log = logger.NewDefault("retention")
	}
	return &RetentionTask{
		executions:        executions,
		metrics:           m,
		log:               log,
		retentionInterval: defaultRetentionInterval,
		metricsInterval:   defaultMetricsInterval,
		successRetention:  successRetention,
		failedRetention:   failedRetention,
	}
}

// WithIntervals overrides the default ticker periods, mainly for tests.
func (t *RetentionTask) WithIntervals(retention, metricsInterval time.Duration) *RetentionTask {
	if retention > 0 {
		t.retentionInterval = retention
	}
	if metricsInterval > 0 {
		t.metricsInterval = metricsInterval
	}
	return t
}

// WithRetentionDays overrides how long success and failed Executions survive
// before the retention cycle deletes them.
func (t *RetentionTask) WithRetentionDays(successDays, failedDays int) *RetentionTask {
	if successDays > 0 {
		t.successRetention = time.Duration(successDays) * 24 * time.Hour
	}
	if failedDays > 0 {
		t.failedRetention = time.Duration(failedDays) * 24 * time.Hour
	}
	return t
}

// Name identifies the task for system wiring.
func (t *RetentionTask) Name() string { return "execution-retention" }

// Descriptor advertises the task's architectural placement.
func (t *RetentionTask) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         t.Name(),
		Domain:       "automation",
		Layer:        core.LayerAdapter,
		Capabilities: []string{"retention", "metrics"},
	}
}

// Start begins the retention and metrics ticker loops.
func (t *RetentionTask) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.running = true
	t.mu.Unlock()

	t.wg.Add(2)
	go t.loop(runCtx, t.retentionInterval, t.runRetentionCycle)
	go t.loop(runCtx, t.metricsInterval, t.runMetricsCycle)

	t.log.Info("retention and metrics task started")
	return nil
}

// Stop halts both ticker loops.
func (t *RetentionTask) Stop(ctx context.Context) error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	cancel := t.cancel
	t.running = false
	t.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	t.log.Info("retention and metrics task stopped")
	return nil
}

func (t *RetentionTask) loop(ctx context.Context, interval time.Duration, cycle func(context.Context)) {
	defer t.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cycle(ctx)
		}
	}
}

// runRetentionCycle implements §4.4's retention policy and §10.3 invariant
// 6: after it runs at time T, no success Execution older than 30 days and
// no failed Execution older than 90 days remains.
func (t *RetentionTask) runRetentionCycle(ctx context.Context) {
	now := time.Now().UTC()

	successDeleted, err := t.executions.DeleteCompletedBefore(ctx, domain.ExecutionSuccess, now.Add(-t.successRetention))
	if err != nil {
		t.log.WithError(err).Warn("retention: failed to delete aged success executions")
	} else if t.metrics != nil {
		t.metrics.RecordRetentionDeletes("automation", string(domain.ExecutionSuccess), successDeleted)
	}

	failedDeleted, err := t.executions.DeleteCompletedBefore(ctx, domain.ExecutionFailed, now.Add(-t.failedRetention))
	if err != nil {
		t.log.WithError(err).Warn("retention: failed to delete aged failed executions")
	} else if t.metrics != nil {
		t.metrics.RecordRetentionDeletes("automation", string(domain.ExecutionFailed), failedDeleted)
	}

	if successDeleted > 0 || failedDeleted > 0 {
		t.log.WithField("success_deleted", successDeleted).
			WithField("failed_deleted", failedDeleted).
			Info("retention cycle removed aged executions")
	}
}

// runMetricsCycle aggregates status counts for the last hour and last 24
// hours and publishes them, including the derived success rate.
func (t *RetentionTask) runMetricsCycle(ctx context.Context) {
	now := time.Now().UTC()
	windows := map[string]time.Time{
		"1h":  now.Add(-time.Hour),
		"24h": now.Add(-24 * time.Hour),
	}
	for window, since := range windows {
		counts, err := t.executions.CountByStatusSince(ctx, since)
		if err != nil {
			t.log.WithError(err).WithField("window", window).Warn("metrics: failed to aggregate execution status counts")
			continue
		}
		if t.metrics == nil {
			continue
		}
		stringCounts := make(map[string]int64, len(counts))
		for status, count := range counts {
			stringCounts[string(status)] = count
		}
		t.metrics.RecordExecutionWindow("automation", window, stringCounts)
	}
}
