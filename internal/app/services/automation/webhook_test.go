package automation

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"testing"

	svcerrors "github.com/r3e-network/area-engine/infrastructure/errors"
	domain "github.com/r3e-network/area-engine/internal/app/domain/automation"
	"github.com/r3e-network/area-engine/internal/app/storage/memory"
)

func githubSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func seedGithubAutomation(t *testing.T, store *memory.Memory, actionConfig domain.Config) domain.Automation {
	t.Helper()
	svc := store.SeedService(domain.Service{Name: "github", Status: domain.ServiceActive})
	action := store.SeedAction(domain.Action{ServiceID: svc.ID, Name: "github_issue"})
	reaction := store.SeedReaction(domain.Reaction{ServiceID: svc.ID, Name: "post_message"})
	return store.SeedAutomation(domain.Automation{
		OwnerID:        "owner-1",
		ActionID:       action.ID,
		ActionConfig:   actionConfig,
		ReactionID:     reaction.ID,
		ReactionConfig: domain.Config{},
		Status:         domain.AutomationActive,
	})
}

func TestWebhookReceiver_RejectsMissingSecret(t *testing.T) {
	store := memory.New()
	seedGithubAutomation(t, store, nil)
	admitter := NewAdmitter(store, nil, nil)
	recv := NewWebhookReceiver(store, store, store, store, admitter, map[string]string{}, nil)

	body := []byte(`{"issue":{"id":"42"}}`)
	header := http.Header{"X-Hub-Signature-256": {githubSignature("whatever", body)}}

	_, err := recv.Handle(context.Background(), "github", body, header)
	if err == nil {
		t.Fatal("expected error for unconfigured secret")
	}
	se := svcerrors.GetServiceError(err)
	if se == nil || se.HTTPStatus != http.StatusInternalServerError {
		t.Fatalf("expected 500 fail-closed error, got %v", err)
	}
}

func TestWebhookReceiver_RejectsInvalidSignature(t *testing.T) {
	store := memory.New()
	seedGithubAutomation(t, store, nil)
	admitter := NewAdmitter(store, nil, nil)
	recv := NewWebhookReceiver(store, store, store, store, admitter, map[string]string{"github": "correct-secret"}, nil)

	body := []byte(`{"issue":{"id":"42"}}`)
	header := http.Header{
		"X-GitHub-Event":      {"issues"},
		"X-Hub-Signature-256": {githubSignature("wrong-secret", body)},
	}

	_, err := recv.Handle(context.Background(), "github", body, header)
	if !svcerrors.IsServiceError(err) {
		t.Fatalf("expected a service error, got %v", err)
	}
	if svcerrors.GetServiceError(err).HTTPStatus != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad signature, got %v", err)
	}
}

func TestWebhookReceiver_AdmitsMatchedAutomation(t *testing.T) {
	store := memory.New()
	seedGithubAutomation(t, store, nil)
	admitter := NewAdmitter(store, nil, nil)
	secret := "correct-secret"
	recv := NewWebhookReceiver(store, store, store, store, admitter, map[string]string{"github": secret}, nil)

	body := []byte(`{"issue":{"id":"42"},"repository":{"full_name":"acme/widgets"}}`)
	header := http.Header{
		"X-GitHub-Event":      {"issues"},
		"X-GitHub-Delivery":   {"delivery-1"},
		"X-Hub-Signature-256": {githubSignature(secret, body)},
	}

	result, err := recv.Handle(context.Background(), "github", body, header)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.MatchedAutomations != 1 || result.ExecutionsCreated != 1 {
		t.Fatalf("expected one matched automation and one execution, got %+v", result)
	}

	// Redelivery of the identical event is idempotent.
	result2, err := recv.Handle(context.Background(), "github", body, header)
	if err != nil {
		t.Fatalf("unexpected error on redelivery: %v", err)
	}
	if result2.ExecutionsCreated != 0 || result2.ExecutionsSkipped != 1 {
		t.Fatalf("expected redelivery to be deduplicated, got %+v", result2)
	}
}

func TestWebhookReceiver_ActionConfigFilterSkipsNonMatchingRepo(t *testing.T) {
	store := memory.New()
	seedGithubAutomation(t, store, domain.Config{"repo": "acme/other-repo"})
	admitter := NewAdmitter(store, nil, nil)
	secret := "correct-secret"
	recv := NewWebhookReceiver(store, store, store, store, admitter, map[string]string{"github": secret}, nil)

	body := []byte(`{"issue":{"id":"42"},"repository":{"full_name":"acme/widgets"}}`)
	header := http.Header{
		"X-GitHub-Event":      {"issues"},
		"X-GitHub-Delivery":   {"delivery-2"},
		"X-Hub-Signature-256": {githubSignature(secret, body)},
	}

	result, err := recv.Handle(context.Background(), "github", body, header)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.MatchedAutomations != 0 {
		t.Fatalf("expected the repo filter to exclude the automation, got %+v", result)
	}
}

func TestWebhookReceiver_UnknownServiceReturns404(t *testing.T) {
	store := memory.New()
	admitter := NewAdmitter(store, nil, nil)
	secret := "secret"
	recv := NewWebhookReceiver(store, store, store, store, admitter, map[string]string{"github": secret}, nil)

	// No "github" Service is registered in the store, but the signature and
	// adapter checks still need to pass to reach the service lookup.
	body := []byte(`{}`)
	header := http.Header{
		"X-GitHub-Event":      {"issues"},
		"X-Hub-Signature-256": {githubSignature(secret, body)},
	}

	_, err := recv.Handle(context.Background(), "github", body, header)
	se := svcerrors.GetServiceError(err)
	if se == nil || se.HTTPStatus != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown service, got %v", err)
	}
}

func TestWebhookReceiver_UnmappedEventTypeMatchesNothing(t *testing.T) {
	store := memory.New()
	seedGithubAutomation(t, store, nil)
	admitter := NewAdmitter(store, nil, nil)
	secret := "correct-secret"
	recv := NewWebhookReceiver(store, store, store, store, admitter, map[string]string{"github": secret}, nil)

	body := []byte(`{}`)
	header := http.Header{
		"X-GitHub-Event":      {"deployment"},
		"X-Hub-Signature-256": {githubSignature(secret, body)},
	}

	result, err := recv.Handle(context.Background(), "github", body, header)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.MatchedAutomations != 0 {
		t.Fatalf("expected zero matches for an unmapped event type, got %+v", result)
	}
}
