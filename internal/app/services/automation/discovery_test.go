package automation

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	domain "github.com/r3e-network/area-engine/internal/app/domain/automation"
	"github.com/r3e-network/area-engine/internal/app/storage/memory"
)

func TestDiscoveryHandler_ListsActiveServicesAndCapabilities(t *testing.T) {
	store := memory.New()
	svc := store.SeedService(domain.Service{Name: "github", Status: domain.ServiceActive})
	store.SeedAction(domain.Action{ServiceID: svc.ID, Name: "github_issue", Description: "fires when an issue is opened"})
	store.SeedReaction(domain.Reaction{ServiceID: svc.ID, Name: "post_message", Description: "posts a chat message"})
	store.SeedService(domain.Service{Name: "retired", Status: domain.ServiceInactive})

	handler := NewDiscoveryHandler(store, store, store)

	req := httptest.NewRequest(http.MethodGet, "/about.json", nil)
	w := httptest.NewRecorder()
	handler.serveHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var body struct {
		Server struct {
			Services []struct {
				Name      string `json:"name"`
				Actions   []struct{ Name, Description string }
				Reactions []struct{ Name, Description string }
			} `json:"services"`
		} `json:"server"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if len(body.Server.Services) != 1 {
		t.Fatalf("expected only the active service to be listed, got %+v", body.Server.Services)
	}
	entry := body.Server.Services[0]
	if entry.Name != "github" || len(entry.Actions) != 1 || len(entry.Reactions) != 1 {
		t.Fatalf("unexpected discovery entry: %+v", entry)
	}
	if entry.Actions[0].Description != "fires when an issue is opened" {
		t.Fatalf("expected action description to survive, got %+v", entry.Actions[0])
	}
}
