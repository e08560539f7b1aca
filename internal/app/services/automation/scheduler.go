package automation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	core "github.com/r3e-network/area-engine/internal/app/core/service"
	domain "github.com/r3e-network/area-engine/internal/app/domain/automation"
	"github.com/r3e-network/area-engine/internal/app/storage"
	"github.com/r3e-network/area-engine/internal/app/system"
	"github.com/r3e-network/area-engine/pkg/logger"
)

// Ensure Scheduler implements system.Service.
var _ system.Service = (*Scheduler)(nil)

const (
	timerDailyAction  = "timer_daily"
	timerWeeklyAction = "timer_weekly"
)

// Scheduler is the Timer Scheduler: once per minute boundary it evaluates
// every active timer_daily/timer_weekly automation against the current
// wall-clock minute in UTC and admits a TriggerEvent for each match. It is
// driven by robfig/cron as a once-a-minute tick source; the exact
// hour/minute(/weekday) match predicate is evaluated directly rather than
// through cron's own range/step expression matching, since the predicate
// compares a stored automation config against a single instant rather than
// a schedule expression.
type Scheduler struct {
	automations storage.AutomationStore
	admitter    *Admitter
	log         *logger.Logger
	tracer      core.Tracer

	mu      sync.Mutex
	cron    *cron.Cron
	entryID cron.EntryID
	running bool
}

// NewScheduler creates a lifecycle-managed Timer Scheduler.
func NewScheduler(automations storage.AutomationStore, admitter *Admitter, log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.NewDefault("timer-scheduler")
	}
	return &Scheduler{
		automations: automations,
		admitter:    admitter,
		log:         log,
		tracer:      core.NoopTracer,
	}
}

// WithTracer configures a tracer for per-tick spans.
func (s *Scheduler) WithTracer(tracer core.Tracer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tracer == nil {
		s.tracer = core.NoopTracer
	} else {
		s.tracer = tracer
	}
}

// Name returns the service identifier.
func (s *Scheduler) Name() string { return "timer-scheduler" }

// Descriptor advertises the scheduler's architectural placement for orchestration.
func (s *Scheduler) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "timer-scheduler",
		Domain:       "automation",
		Layer:        core.LayerEngine,
		Capabilities: []string{"schedule", "admit"},
	}
}

// Start begins the once-a-minute tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	c := cron.New()
	id, err := c.AddFunc("* * * * *", func() { s.tick(ctx, time.Now().UTC()) })
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.cron = c
	s.entryID = id
	s.running = true
	s.mu.Unlock()

	c.Start()
	s.log.Info("timer scheduler started")
	return nil
}

// Stop halts the tick loop, waiting for any in-flight tick to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	c := s.cron
	s.running = false
	s.mu.Unlock()

	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	s.log.Info("timer scheduler stopped")
	return nil
}

// tick evaluates every active timer_daily/timer_weekly automation against
// the minute T and admits a TriggerEvent for each match. A malformed
// config is logged and the automation skipped; it never aborts the tick.
func (s *Scheduler) tick(ctx context.Context, t time.Time) {
	tickCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	spanCtx, finishSpan := s.tracer.StartSpan(tickCtx, "scheduler.tick", map[string]string{
		"minute": t.Format("200601021504"),
	})
	var firstErr error
	defer finishSpan(firstErr)

	daily, err := s.automations.ListActiveByActionName(spanCtx, timerDailyAction)
	if err != nil {
		s.log.WithError(err).Warn("timer scheduler failed to list timer_daily automations")
		firstErr = err
	} else {
		s.evaluateDaily(spanCtx, daily, t)
	}

	weekly, err := s.automations.ListActiveByActionName(spanCtx, timerWeeklyAction)
	if err != nil {
		s.log.WithError(err).Warn("timer scheduler failed to list timer_weekly automations")
		if firstErr == nil {
			firstErr = err
		}
		return
	}
	s.evaluateWeekly(spanCtx, weekly, t)
}

func (s *Scheduler) evaluateDaily(ctx context.Context, automations []domain.Automation, t time.Time) {
	for _, a := range automations {
		hour, minute, ok := dailyFields(a.ActionConfig)
		if !ok {
			s.log.WithField("automation_id", a.ID).Warn("timer_daily automation has malformed config, skipping")
			continue
		}
		if hour == t.Hour() && minute == t.Minute() {
			s.admit(ctx, a, t)
		}
	}
}

func (s *Scheduler) evaluateWeekly(ctx context.Context, automations []domain.Automation, t time.Time) {
	weekday := mondayZeroWeekday(t)
	for _, a := range automations {
		dow, hour, minute, ok := weeklyFields(a.ActionConfig)
		if !ok {
			s.log.WithField("automation_id", a.ID).Warn("timer_weekly automation has malformed config, skipping")
			continue
		}
		if dow == weekday && hour == t.Hour() && minute == t.Minute() {
			s.admit(ctx, a, t)
		}
	}
}

func (s *Scheduler) admit(ctx context.Context, a domain.Automation, t time.Time) {
	event := domain.TriggerEvent{
		AutomationID:    a.ID,
		ExternalEventID: fmt.Sprintf("timer_%s_%s", a.ID, t.Format("200601021504")),
		TriggerData:     domain.Config{"fired_at": t.Format(time.RFC3339)},
	}
	if _, _, err := s.admitter.Admit(ctx, event); err != nil {
		s.log.WithError(err).
			WithField("automation_id", a.ID).
			Warn("timer scheduler failed to admit execution")
	}
}

// mondayZeroWeekday converts Go's Sunday=0 weekday numbering to the spec's
// Monday=0..Sunday=6 numbering.
func mondayZeroWeekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

func dailyFields(cfg domain.Config) (hour, minute int, ok bool) {
	hour, ok = configInt(cfg, "hour")
	if !ok || hour < 0 || hour > 23 {
		return 0, 0, false
	}
	minute, ok = configInt(cfg, "minute")
	if !ok || minute < 0 || minute > 59 {
		return 0, 0, false
	}
	return hour, minute, true
}

func weeklyFields(cfg domain.Config) (dow, hour, minute int, ok bool) {
	dow, ok = configInt(cfg, "day_of_week")
	if !ok || dow < 0 || dow > 6 {
		return 0, 0, 0, false
	}
	hour, minute, ok = dailyFields(cfg)
	return dow, hour, minute, ok
}

// configInt reads an integer-valued field out of a Config map, tolerating
// the numeric types a JSON round-trip or an in-process caller might produce.
func configInt(cfg domain.Config, key string) (int, bool) {
	v, exists := cfg[key]
	if !exists {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
