package automation

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/r3e-network/area-engine/internal/app/domain/automation"
	"github.com/r3e-network/area-engine/internal/app/storage/memory"
)

func TestTokenBroker_GetValidToken_NoTokenReturnsNilNoError(t *testing.T) {
	store := memory.New()
	broker := NewTokenBroker(store, store, nil, nil)

	token, err := broker.GetValidToken(context.Background(), "owner-1", "svc-1", "github")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token.ID != "" {
		t.Fatalf("expected zero-value token, got %+v", token)
	}
}

func TestTokenBroker_GetValidToken_FreshTokenNotRefreshed(t *testing.T) {
	store := memory.New()
	future := time.Now().UTC().Add(time.Hour)
	stored, err := store.UpdateServiceToken(context.Background(), domain.ServiceToken{
		OwnerID:      "owner-1",
		ServiceID:    "svc-1",
		AccessToken:  "original",
		RefreshToken: "refresh",
		ExpiresAt:    &future,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	refreshCalls := 0
	refresher := TokenRefresherFunc(func(_ context.Context, _ domain.ServiceToken) (RefreshedToken, error) {
		refreshCalls++
		return RefreshedToken{}, nil
	})
	broker := NewTokenBroker(store, store, map[string]TokenRefresher{"github": refresher}, nil)

	token, err := broker.GetValidToken(context.Background(), "owner-1", "svc-1", "github")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token.AccessToken != stored.AccessToken {
		t.Fatalf("expected unchanged access token, got %s", token.AccessToken)
	}
	if refreshCalls != 0 {
		t.Fatalf("expected no refresh calls, got %d", refreshCalls)
	}
}

func TestTokenBroker_GetValidToken_NearExpiryRefreshes(t *testing.T) {
	store := memory.New()
	soon := time.Now().UTC().Add(2 * time.Minute)
	_, err := store.UpdateServiceToken(context.Background(), domain.ServiceToken{
		OwnerID:      "owner-1",
		ServiceID:    "svc-1",
		AccessToken:  "stale",
		RefreshToken: "refresh",
		ExpiresAt:    &soon,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	newExpiry := time.Now().UTC().Add(time.Hour)
	refresher := TokenRefresherFunc(func(_ context.Context, _ domain.ServiceToken) (RefreshedToken, error) {
		return RefreshedToken{AccessToken: "fresh", ExpiresAt: &newExpiry}, nil
	})
	broker := NewTokenBroker(store, store, map[string]TokenRefresher{"github": refresher}, nil)

	token, err := broker.GetValidToken(context.Background(), "owner-1", "svc-1", "github")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token.AccessToken != "fresh" {
		t.Fatalf("expected refreshed access token, got %s", token.AccessToken)
	}
}

func TestTokenBroker_GetValidToken_RefreshFailureNotifiesAndReturnsNil(t *testing.T) {
	store := memory.New()
	soon := time.Now().UTC().Add(time.Minute)
	_, err := store.UpdateServiceToken(context.Background(), domain.ServiceToken{
		OwnerID:      "owner-1",
		ServiceID:    "svc-1",
		AccessToken:  "stale",
		RefreshToken: "refresh",
		ExpiresAt:    &soon,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	refreshErr := errors.New("provider rejected refresh token")
	refresher := TokenRefresherFunc(func(_ context.Context, _ domain.ServiceToken) (RefreshedToken, error) {
		return RefreshedToken{}, refreshErr
	})
	broker := NewTokenBroker(store, store, map[string]TokenRefresher{"github": refresher}, nil)

	token, err := broker.GetValidToken(context.Background(), "owner-1", "svc-1", "github")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token.ID != "" {
		t.Fatalf("expected nil token on refresh failure, got %+v", token)
	}

	_, created, err := store.CreateIfAbsent(context.Background(), domain.OAuthNotification{
		OwnerID:   "owner-1",
		ServiceID: "svc-1",
		Type:      domain.NotificationRefreshFailed,
		Message:   "duplicate check",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created {
		t.Fatal("expected the broker's failure to have already created an open notification")
	}
}

func TestTokenBroker_GetValidToken_NoRefresherReturnsTokenAsIs(t *testing.T) {
	store := memory.New()
	soon := time.Now().UTC().Add(time.Minute)
	_, err := store.UpdateServiceToken(context.Background(), domain.ServiceToken{
		OwnerID:     "owner-1",
		ServiceID:   "svc-1",
		AccessToken: "long-lived",
		ExpiresAt:   &soon,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	broker := NewTokenBroker(store, store, nil, nil)
	token, err := broker.GetValidToken(context.Background(), "owner-1", "svc-1", "notion")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token.AccessToken != "long-lived" {
		t.Fatalf("expected unchanged token, got %s", token.AccessToken)
	}
}
