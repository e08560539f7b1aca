package automation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	svcerrors "github.com/r3e-network/area-engine/infrastructure/errors"
	"github.com/r3e-network/area-engine/infrastructure/metrics"
	"github.com/r3e-network/area-engine/infrastructure/redaction"
	"github.com/r3e-network/area-engine/infrastructure/resilience"
	core "github.com/r3e-network/area-engine/internal/app/core/service"
	domain "github.com/r3e-network/area-engine/internal/app/domain/automation"
	"github.com/r3e-network/area-engine/internal/app/storage"
	"github.com/r3e-network/area-engine/internal/app/system"
	"github.com/r3e-network/area-engine/pkg/logger"
)

// Ensure Dispatcher implements system.Service.
var _ system.Service = (*Dispatcher)(nil)

const (
	defaultWorkerCount      = 4
	defaultQueueDepth       = 256
	defaultMaxAttempts      = 3
	defaultReclaimThreshold = 10 * time.Minute
	defaultReclaimInterval  = time.Minute
	reclaimBatchSize        = 100
)

// DeadLetterQueue receives Executions whose retry budget is exhausted. The
// default implementation only logs; alert integration is a pluggable hook.
type DeadLetterQueue interface {
	Push(ctx context.Context, exec domain.Execution, cause error)
}

// DeadLetterQueueFunc adapts a function to DeadLetterQueue.
type DeadLetterQueueFunc func(ctx context.Context, exec domain.Execution, cause error)

func (f DeadLetterQueueFunc) Push(ctx context.Context, exec domain.Execution, cause error) {
	if f != nil {
		f(ctx, exec, cause)
	}
}

// Dispatcher is the worker pool that executes admitted Executions. Workers
// consume execution ids from an in-process channel; a single Execution is
// processed by at most one worker at a time, but the channel may redeliver
// a requeued id, so the Execution row (not goroutine state) is the source
// of truth for what happens next (§4.3).
type Dispatcher struct {
	executions  storage.ExecutionStore
	automations storage.AutomationStore
	reactions   storage.ReactionStore
	services    storage.ServiceStore
	broker      *TokenBroker
	registry    *ReactionRegistry
	transformer TriggerTransformer
	dlq         DeadLetterQueue
	metrics     *metrics.Metrics
	log         *logger.Logger
	tracer      core.Tracer

	queue            chan string
	workers          int
	backoff          resilience.BackoffConfig
	maxAttempts      map[string]int
	defaultMax       int
	reclaimThreshold time.Duration
	reclaimInterval  time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewDispatcher creates a worker pool backed by the given stores and
// registry. dlq may be nil, in which case dead-lettered Executions are only
// logged.
func NewDispatcher(
	executions storage.ExecutionStore,
	automations storage.AutomationStore,
	reactions storage.ReactionStore,
	services storage.ServiceStore,
	broker *TokenBroker,
	registry *ReactionRegistry,
	dlq DeadLetterQueue,
	log *logger.Logger,
) *Dispatcher {
	if log == nil {
		log = logger.NewDefault("dispatcher")
	}
	return &Dispatcher{
		executions:  executions,
		automations: automations,
		reactions:   reactions,
		services:    services,
		broker:      broker,
		registry:    registry,
		dlq:         dlq,
		log:         log,
		tracer:      core.NoopTracer,
		queue:            make(chan string, defaultQueueDepth),
		workers:          defaultWorkerCount,
		backoff:          resilience.DefaultBackoffConfig(),
		maxAttempts:      make(map[string]int),
		defaultMax:       defaultMaxAttempts,
		reclaimThreshold: defaultReclaimThreshold,
		reclaimInterval:  defaultReclaimInterval,
	}
}

// WithWorkerCount overrides the number of worker goroutines.
func (d *Dispatcher) WithWorkerCount(n int) *Dispatcher {
	if n > 0 {
		d.workers = n
	}
	return d
}

// WithMaxAttemptsForService overrides the retry budget for a given service
// name (default 3 for every service).
func (d *Dispatcher) WithMaxAttemptsForService(serviceName string, n int) *Dispatcher {
	if n > 0 {
		d.maxAttempts[serviceName] = n
	}
	return d
}

// WithDefaultMaxAttempts overrides the fallback retry budget applied when no
// per-service override is set via WithMaxAttemptsForService.
func (d *Dispatcher) WithDefaultMaxAttempts(n int) *Dispatcher {
	if n > 0 {
		d.defaultMax = n
	}
	return d
}

// WithBackoff overrides the retry backoff policy (base delay and ceiling).
func (d *Dispatcher) WithBackoff(base, ceiling time.Duration) *Dispatcher {
	if base > 0 {
		d.backoff.InitialDelay = base
	}
	if ceiling > 0 {
		d.backoff.MaxDelay = ceiling
	}
	return d
}

// WithReclaimThreshold overrides how long an Execution may sit in "running"
// before the reclaim sweep requeues it to "pending" (§5).
func (d *Dispatcher) WithReclaimThreshold(threshold time.Duration) *Dispatcher {
	if threshold > 0 {
		d.reclaimThreshold = threshold
	}
	return d
}

// WithMetrics attaches a metrics sink.
func (d *Dispatcher) WithMetrics(m *metrics.Metrics) *Dispatcher {
	d.metrics = m
	return d
}

// WithTracer configures a tracer for per-execution spans.
func (d *Dispatcher) WithTracer(tracer core.Tracer) *Dispatcher {
	if tracer == nil {
		tracer = core.NoopTracer
	}
	d.tracer = tracer
	return d
}

// Enqueue implements DispatchQueue; it is what the Admitter calls to hand
// off a newly created Execution.
func (d *Dispatcher) Enqueue(ctx context.Context, executionID string) error {
	select {
	case d.queue <- executionID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Name returns the service identifier.
func (d *Dispatcher) Name() string { return "dispatcher" }

// Descriptor advertises the dispatcher's architectural placement.
func (d *Dispatcher) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "dispatcher",
		Domain:       "automation",
		Layer:        core.LayerEngine,
		Capabilities: []string{"dispatch", "retry"},
	}
}

// Start launches the worker pool.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true
	d.mu.Unlock()

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(runCtx)
	}
	d.wg.Add(1)
	go d.reclaimLoop(runCtx)
	d.log.WithField("workers", d.workers).Info("dispatcher started")
	return nil
}

// Stop halts the worker pool, waiting for in-flight executions to finish.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	cancel := d.cancel
	d.running = false
	d.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.wg.Wait()
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	d.log.Info("dispatcher stopped")
	return nil
}

// reclaimLoop periodically requeues Executions stuck in "running" past
// reclaimThreshold, per §5's reclaim-sweep behavior for workers that died
// mid-Execution without updating the row.
func (d *Dispatcher) reclaimLoop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.reclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.reclaimStaleRunning(ctx)
		}
	}
}

func (d *Dispatcher) reclaimStaleRunning(ctx context.Context) {
	stale, err := d.executions.ListStaleRunning(ctx, time.Now().UTC().Add(-d.reclaimThreshold), reclaimBatchSize)
	if err != nil {
		d.log.WithError(err).Warn("reclaim sweep failed to list stale running executions")
		return
	}
	for _, exec := range stale {
		exec.Status = domain.ExecutionPending
		if _, err := d.executions.UpdateExecution(ctx, exec); err != nil {
			d.log.WithError(err).WithField("execution_id", exec.ID).Warn("reclaim sweep failed to requeue stale execution")
			continue
		}
		select {
		case d.queue <- exec.ID:
		case <-ctx.Done():
			return
		}
	}
	if len(stale) > 0 {
		d.log.WithField("count", len(stale)).Info("reclaim sweep requeued stale running executions")
	}
}

func (d *Dispatcher) workerLoop(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-d.queue:
			d.process(ctx, id)
		}
	}
}

// process implements the worker loop per Execution (§4.3.1).
func (d *Dispatcher) process(ctx context.Context, executionID string) {
	spanCtx, finishSpan := d.tracer.StartSpan(ctx, "dispatcher.process", map[string]string{"execution_id": executionID})
	var outcome error
	defer finishSpan(outcome)

	exec, err := d.executions.GetExecution(spanCtx, executionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return
		}
		d.log.WithError(err).WithField("execution_id", executionID).Error("failed to load execution")
		return
	}
	if exec.IsTerminal() {
		// Already finished by a prior delivery of this same task.
		return
	}

	automation, err := d.automations.GetAutomation(spanCtx, exec.AutomationID)
	if err != nil {
		d.failPermanently(spanCtx, exec, err)
		return
	}
	reaction, err := d.reactions.GetReaction(spanCtx, automation.ReactionID)
	if err != nil {
		d.failPermanently(spanCtx, exec, err)
		return
	}
	service, err := d.services.GetService(spanCtx, reaction.ServiceID)
	if err != nil {
		d.failPermanently(spanCtx, exec, err)
		return
	}

	exec.Status = domain.ExecutionRunning
	exec.AttemptCount++
	if exec.StartedAt.IsZero() {
		exec.StartedAt = time.Now().UTC()
	}
	exec, err = d.executions.UpdateExecution(spanCtx, exec)
	if err != nil {
		d.log.WithError(err).WithField("execution_id", executionID).Error("failed to transition execution to running")
		return
	}

	handler, found := d.registry.Resolve(reaction.Name)
	if !found {
		d.succeed(spanCtx, exec, domain.Config{"note": "reaction '" + reaction.Name + "' not implemented"}, service.Name, reaction.Name)
		return
	}

	var owner OwnerIdentity
	owner.OwnerID = automation.OwnerID
	if d.broker != nil {
		token, tokErr := d.broker.GetValidToken(spanCtx, automation.OwnerID, service.ID, service.Name)
		if tokErr != nil {
			d.log.WithError(tokErr).WithField("execution_id", executionID).Warn("token broker lookup failed")
		} else if token.ID != "" {
			owner.Token = &token
		}
	}

	triggerData, transformErr := d.transformer.Transform(automation.ReactionConfig, exec.TriggerData)
	if transformErr != nil {
		outcome = transformErr
		d.handleFailure(spanCtx, exec, transformErr, service.Name, reaction.Name)
		return
	}

	result, handleErr := handler.Handle(spanCtx, automation.ReactionConfig, triggerData, owner)
	if handleErr == nil {
		d.succeed(spanCtx, exec, result, service.Name, reaction.Name)
		outcome = nil
		return
	}

	outcome = handleErr
	d.handleFailure(spanCtx, exec, handleErr, service.Name, reaction.Name)
}

func (d *Dispatcher) succeed(ctx context.Context, exec domain.Execution, result domain.Config, serviceName, reactionName string) {
	exec.Status = domain.ExecutionSuccess
	exec.ResultData = result
	exec.CompletedAt = time.Now().UTC()
	if _, err := d.executions.UpdateExecution(ctx, exec); err != nil {
		d.log.WithError(err).WithField("execution_id", exec.ID).Error("failed to persist successful execution")
	}
	d.recordMetrics(serviceName, reactionName, string(domain.ExecutionSuccess), exec)
}

// handleFailure classifies the error per §4.3.1 and either requeues with
// backoff, dead-letters, or marks the Execution permanently failed.
func (d *Dispatcher) handleFailure(ctx context.Context, exec domain.Execution, cause error, serviceName, reactionName string) {
	recoverable := svcerrors.IsTransient(cause) || svcerrors.IsUniquenessConflict(cause) || svcerrors.IsReactionAuthError(cause)
	if !recoverable {
		d.failPermanently(ctx, exec, cause)
		d.recordMetrics(serviceName, reactionName, string(domain.ExecutionFailed), exec)
		return
	}

	max := d.maxAttemptsFor(serviceName)
	if exec.AttemptCount > max {
		d.deadLetter(ctx, exec, cause)
		d.recordMetrics(serviceName, reactionName, string(domain.ExecutionFailed), exec)
		return
	}

	exec.ErrorMessage = redaction.RedactAll(cause.Error())
	if _, err := d.executions.UpdateExecution(ctx, exec); err != nil {
		d.log.WithError(err).WithField("execution_id", exec.ID).Error("failed to persist retry state")
	}
	delay := resilience.NextBackoffDelay(d.backoff, exec.AttemptCount)
	d.scheduleRequeue(exec.ID, delay)
	d.recordMetrics(serviceName, reactionName, "retry", exec)
}

func (d *Dispatcher) failPermanently(ctx context.Context, exec domain.Execution, cause error) {
	exec.Status = domain.ExecutionFailed
	exec.ErrorMessage = redaction.RedactAll(cause.Error())
	exec.CompletedAt = time.Now().UTC()
	if _, err := d.executions.UpdateExecution(ctx, exec); err != nil {
		d.log.WithError(err).WithField("execution_id", exec.ID).Error("failed to persist permanent failure")
	}
}

func (d *Dispatcher) deadLetter(ctx context.Context, exec domain.Execution, cause error) {
	exec.Status = domain.ExecutionFailed
	exec.ErrorMessage = fmt.Sprintf("Moved to dead letter queue after %d failed attempts: %s",
		exec.AttemptCount, redaction.RedactAll(cause.Error()))
	exec.CompletedAt = time.Now().UTC()
	if _, err := d.executions.UpdateExecution(ctx, exec); err != nil {
		d.log.WithError(err).WithField("execution_id", exec.ID).Error("failed to persist dead-lettered execution")
	}
	if d.dlq != nil {
		d.dlq.Push(ctx, exec, cause)
	} else {
		d.log.WithField("execution_id", exec.ID).WithError(cause).Warn("execution exhausted retry budget, no dead letter sink configured")
	}
}

func (d *Dispatcher) scheduleRequeue(executionID string, delay time.Duration) {
	time.AfterFunc(delay, func() {
		select {
		case d.queue <- executionID:
		default:
			d.log.WithField("execution_id", executionID).Warn("dispatch queue full, dropping requeue attempt")
		}
	})
}

func (d *Dispatcher) maxAttemptsFor(serviceName string) int {
	if n, ok := d.maxAttempts[serviceName]; ok {
		return n
	}
	return d.defaultMax
}

func (d *Dispatcher) recordMetrics(serviceName, reactionName, status string, exec domain.Execution) {
	if d.metrics == nil {
		return
	}
	var duration time.Duration
	if !exec.StartedAt.IsZero() {
		duration = time.Since(exec.StartedAt)
	}
	d.metrics.RecordExecution(serviceName, reactionName, status, duration)
}
