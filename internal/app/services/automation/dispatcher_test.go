package automation

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	svcerrors "github.com/r3e-network/area-engine/infrastructure/errors"
	domain "github.com/r3e-network/area-engine/internal/app/domain/automation"
	"github.com/r3e-network/area-engine/internal/app/storage/memory"
)

func seedAutomationWithReaction(t *testing.T, store *memory.Memory, reactionName string) (domain.Automation, domain.Service) {
	t.Helper()
	svc := store.SeedService(domain.Service{Name: "slack", Status: domain.ServiceActive})
	action := store.SeedAction(domain.Action{ServiceID: svc.ID, Name: "new_issue"})
	reaction := store.SeedReaction(domain.Reaction{ServiceID: svc.ID, Name: reactionName})
	a := store.SeedAutomation(domain.Automation{
		OwnerID:        "owner-1",
		ActionID:       action.ID,
		ReactionID:     reaction.ID,
		ReactionConfig: domain.Config{"channel": "#general"},
		Status:         domain.AutomationActive,
	})
	return a, svc
}

func TestDispatcher_ProcessSucceeds(t *testing.T) {
	store := memory.New()
	a, _ := seedAutomationWithReaction(t, store, "post_message")
	exec, _, err := store.AdmitExecution(context.Background(), a.ID, "ext-1", domain.Config{"title": "bug"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	registry := NewReactionRegistry()
	registry.Register("post_message", ReactionHandlerFunc(func(_ context.Context, _, _ domain.Config, _ OwnerIdentity) (domain.Config, error) {
		return domain.Config{"posted": true}, nil
	}))

	d := NewDispatcher(store, store, store, store, NewTokenBroker(store, store, nil, nil), registry, nil, nil)
	d.process(context.Background(), exec.ID)

	got, err := store.GetExecution(context.Background(), exec.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != domain.ExecutionSuccess {
		t.Fatalf("expected success, got %s", got.Status)
	}
	if got.AttemptCount != 1 {
		t.Fatalf("expected attempt count 1, got %d", got.AttemptCount)
	}
}

func TestDispatcher_UnknownReactionYieldsSuccess(t *testing.T) {
	store := memory.New()
	a, _ := seedAutomationWithReaction(t, store, "nonexistent_reaction")
	exec, _, err := store.AdmitExecution(context.Background(), a.ID, "ext-1", domain.Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	d := NewDispatcher(store, store, store, store, NewTokenBroker(store, store, nil, nil), NewReactionRegistry(), nil, nil)
	d.process(context.Background(), exec.ID)

	got, err := store.GetExecution(context.Background(), exec.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != domain.ExecutionSuccess {
		t.Fatalf("expected success for unknown reaction, got %s", got.Status)
	}
	if note, _ := got.ResultData["note"].(string); note == "" {
		t.Fatal("expected a note explaining the missing handler")
	}
}

func TestDispatcher_PermanentFailureDoesNotRetry(t *testing.T) {
	store := memory.New()
	a, _ := seedAutomationWithReaction(t, store, "post_message")
	exec, _, err := store.AdmitExecution(context.Background(), a.ID, "ext-1", domain.Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	registry := NewReactionRegistry()
	registry.Register("post_message", ReactionHandlerFunc(func(_ context.Context, _, _ domain.Config, _ OwnerIdentity) (domain.Config, error) {
		return nil, svcerrors.InvalidConfig("missing channel")
	}))

	d := NewDispatcher(store, store, store, store, NewTokenBroker(store, store, nil, nil), registry, nil, nil)
	d.process(context.Background(), exec.ID)

	got, err := store.GetExecution(context.Background(), exec.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != domain.ExecutionFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.AttemptCount != 1 {
		t.Fatalf("expected no retries, got attempt count %d", got.AttemptCount)
	}
}

func TestDispatcher_TransientFailureRequeuesThenDeadLetters(t *testing.T) {
	store := memory.New()
	a, _ := seedAutomationWithReaction(t, store, "post_message")
	exec, _, err := store.AdmitExecution(context.Background(), a.ID, "ext-1", domain.Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	registry := NewReactionRegistry()
	registry.Register("post_message", ReactionHandlerFunc(func(_ context.Context, _, _ domain.Config, _ OwnerIdentity) (domain.Config, error) {
		return nil, svcerrors.TransientError("post", nil)
	}))

	var dlqCalls int
	var mu sync.Mutex
	dlq := DeadLetterQueueFunc(func(_ context.Context, _ domain.Execution, _ error) {
		mu.Lock()
		dlqCalls++
		mu.Unlock()
	})

	d := NewDispatcher(store, store, store, store, NewTokenBroker(store, store, nil, nil), registry, dlq, nil)
	d.backoff.InitialDelay = time.Millisecond
	d.backoff.MaxDelay = 2 * time.Millisecond
	d.backoff.Jitter = 0

	d.process(context.Background(), exec.ID)
	got, _ := store.GetExecution(context.Background(), exec.ID)
	if got.Status == domain.ExecutionFailed {
		t.Fatal("expected first transient failure to be recoverable, not immediately failed")
	}

	time.Sleep(10 * time.Millisecond)
	d.process(context.Background(), exec.ID)
	time.Sleep(10 * time.Millisecond)
	d.process(context.Background(), exec.ID)

	got, err = store.GetExecution(context.Background(), exec.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// defaultMaxAttempts is 3 retries, so the engine allows 4 total attempts
	// before dead-lettering: the 3rd process() call above is still a retry.
	if got.Status == domain.ExecutionFailed {
		t.Fatal("expected the 3rd attempt to still be within the retry budget")
	}

	time.Sleep(10 * time.Millisecond)
	d.process(context.Background(), exec.ID)

	got, err = store.GetExecution(context.Background(), exec.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != domain.ExecutionFailed {
		t.Fatalf("expected exhausted retries to land in failed, got %s", got.Status)
	}
	if got.AttemptCount != 4 {
		t.Fatalf("expected exactly 4 total attempts before dead-lettering, got %d", got.AttemptCount)
	}
	if !strings.Contains(got.ErrorMessage, "Moved to dead letter queue after 4 failed attempts") {
		t.Fatalf("expected dead-letter error message to report the attempt count, got %q", got.ErrorMessage)
	}

	mu.Lock()
	calls := dlqCalls
	mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected exactly one dead letter push, got %d", calls)
	}
}
