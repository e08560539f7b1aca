package automation

import (
	"context"
	"testing"
	"time"

	domain "github.com/r3e-network/area-engine/internal/app/domain/automation"
	"github.com/r3e-network/area-engine/internal/app/storage/memory"
)

func newTestScheduler(store *memory.Memory) *Scheduler {
	admitter := NewAdmitter(store, nil, nil)
	return NewScheduler(store, admitter, nil)
}

func TestScheduler_TickMatchesDailyAutomation(t *testing.T) {
	store := memory.New()
	svc := store.SeedService(domain.Service{Name: "time", Status: domain.ServiceActive})
	action := store.SeedAction(domain.Action{ServiceID: svc.ID, Name: timerDailyAction})
	reaction := store.SeedReaction(domain.Reaction{ServiceID: svc.ID, Name: "send_email"})
	a := store.SeedAutomation(domain.Automation{
		ActionID:       action.ID,
		ActionConfig:   domain.Config{"hour": 14, "minute": 30},
		ReactionID:     reaction.ID,
		ReactionConfig: domain.Config{},
		Status:         domain.AutomationActive,
	})

	s := newTestScheduler(store)
	tick := time.Date(2026, 7, 29, 14, 30, 0, 0, time.UTC)
	s.tick(context.Background(), tick)

	externalID := "timer_" + a.ID + "_" + tick.Format("200601021504")
	exec, err := store.GetExecution(context.Background(), mustFindExecutionID(t, store, a.ID, externalID))
	if err != nil {
		t.Fatalf("expected an admitted execution, got error: %v", err)
	}
	if exec.AutomationID != a.ID {
		t.Fatalf("expected automation id %s, got %s", a.ID, exec.AutomationID)
	}
}

func TestScheduler_TickSkipsNonMatchingMinute(t *testing.T) {
	store := memory.New()
	svc := store.SeedService(domain.Service{Name: "time", Status: domain.ServiceActive})
	action := store.SeedAction(domain.Action{ServiceID: svc.ID, Name: timerDailyAction})
	reaction := store.SeedReaction(domain.Reaction{ServiceID: svc.ID, Name: "send_email"})
	store.SeedAutomation(domain.Automation{
		ActionID:       action.ID,
		ActionConfig:   domain.Config{"hour": 14, "minute": 30},
		ReactionID:     reaction.ID,
		ReactionConfig: domain.Config{},
		Status:         domain.AutomationActive,
	})

	s := newTestScheduler(store)
	s.tick(context.Background(), time.Date(2026, 7, 29, 14, 31, 0, 0, time.UTC))

	counts, err := store.CountByStatusSince(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total := counts[domain.ExecutionPending]; total != 0 {
		t.Fatalf("expected no executions admitted, got %d", total)
	}
}

func TestScheduler_TickSkipsMalformedConfig(t *testing.T) {
	store := memory.New()
	svc := store.SeedService(domain.Service{Name: "time", Status: domain.ServiceActive})
	action := store.SeedAction(domain.Action{ServiceID: svc.ID, Name: timerDailyAction})
	reaction := store.SeedReaction(domain.Reaction{ServiceID: svc.ID, Name: "send_email"})
	store.SeedAutomation(domain.Automation{
		ActionID:       action.ID,
		ActionConfig:   domain.Config{"hour": 99, "minute": 30},
		ReactionID:     reaction.ID,
		ReactionConfig: domain.Config{},
		Status:         domain.AutomationActive,
	})

	s := newTestScheduler(store)
	s.tick(context.Background(), time.Date(2026, 7, 29, 14, 30, 0, 0, time.UTC))

	counts, err := store.CountByStatusSince(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total := counts[domain.ExecutionPending]; total != 0 {
		t.Fatalf("expected malformed config automation to be skipped, got %d executions", total)
	}
}

func TestScheduler_TickMatchesWeeklyAutomation(t *testing.T) {
	store := memory.New()
	svc := store.SeedService(domain.Service{Name: "time", Status: domain.ServiceActive})
	action := store.SeedAction(domain.Action{ServiceID: svc.ID, Name: timerWeeklyAction})
	reaction := store.SeedReaction(domain.Reaction{ServiceID: svc.ID, Name: "send_email"})
	a := store.SeedAutomation(domain.Automation{
		ActionID:       action.ID,
		ActionConfig:   domain.Config{"day_of_week": 2, "hour": 9, "minute": 0}, // Wednesday
		ReactionID:     reaction.ID,
		ReactionConfig: domain.Config{},
		Status:         domain.AutomationActive,
	})

	s := newTestScheduler(store)
	// 2026-07-29 is a Wednesday.
	tick := time.Date(2026, 7, 29, 9, 0, 0, 0, time.UTC)
	s.tick(context.Background(), tick)

	externalID := "timer_" + a.ID + "_" + tick.Format("200601021504")
	_, err := store.GetExecution(context.Background(), mustFindExecutionID(t, store, a.ID, externalID))
	if err != nil {
		t.Fatalf("expected an admitted execution, got error: %v", err)
	}
}

func mustFindExecutionID(t *testing.T, store *memory.Memory, automationID, externalEventID string) string {
	t.Helper()
	exec, _, err := store.AdmitExecution(context.Background(), automationID, externalEventID, nil)
	if err != nil {
		t.Fatalf("unexpected error looking up execution: %v", err)
	}
	return exec.ID
}
