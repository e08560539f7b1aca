package automation

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/r3e-network/area-engine/infrastructure/httputil"
	"github.com/r3e-network/area-engine/internal/app/storage"
	"github.com/r3e-network/area-engine/pkg/version"
)

// aboutAction is one action entry in the about.json response.
type aboutAction struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// aboutReaction is one reaction entry in the about.json response.
type aboutReaction struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// aboutServiceEntry describes one registered service and its capabilities.
type aboutServiceEntry struct {
	Name      string          `json:"name"`
	Actions   []aboutAction   `json:"actions"`
	Reactions []aboutReaction `json:"reactions"`
}

// DiscoveryHandler serves GET /about.json (§6.2): a snapshot of every
// active service and the actions/reactions it exposes, for client
// auto-configuration.
type DiscoveryHandler struct {
	services  storage.ServiceStore
	actions   storage.ActionStore
	reactions storage.ReactionStore
}

// NewDiscoveryHandler builds the about.json handler.
func NewDiscoveryHandler(services storage.ServiceStore, actions storage.ActionStore, reactions storage.ReactionStore) *DiscoveryHandler {
	return &DiscoveryHandler{services: services, actions: actions, reactions: reactions}
}

// Mount registers GET /about.json on router.
func (h *DiscoveryHandler) Mount(router chi.Router) {
	router.Get("/about.json", h.serveHTTP)
}

func (h *DiscoveryHandler) serveHTTP(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	services, err := h.services.ListActiveServices(ctx)
	if err != nil {
		httputil.InternalError(w, "failed to list services")
		return
	}

	entries := make([]aboutServiceEntry, 0, len(services))
	for _, svc := range services {
		entry := aboutServiceEntry{Name: svc.Name, Actions: []aboutAction{}, Reactions: []aboutReaction{}}

		actions, err := h.actions.ListActionsByService(ctx, svc.ID)
		if err != nil {
			httputil.InternalError(w, "failed to list actions")
			return
		}
		for _, a := range actions {
			entry.Actions = append(entry.Actions, aboutAction{Name: a.Name, Description: a.Description})
		}

		reactions, err := h.reactions.ListReactionsByService(ctx, svc.ID)
		if err != nil {
			httputil.InternalError(w, "failed to list reactions")
			return
		}
		for _, r := range reactions {
			entry.Reactions = append(entry.Reactions, aboutReaction{Name: r.Name, Description: r.Description})
		}

		entries = append(entries, entry)
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"client": map[string]any{
			"host": httputil.ClientIP(req),
		},
		"server": map[string]any{
			"current_time": time.Now().UTC().Unix(),
			"version":      version.FullVersion(),
			"services":     entries,
		},
	})
}
