package automation

import (
	"encoding/json"
	"net/http"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"

	svcerrors "github.com/r3e-network/area-engine/infrastructure/errors"
	"github.com/r3e-network/area-engine/infrastructure/httputil"
)

// maxWebhookBodyBytes bounds an inbound delivery's body, well above any
// service's documented payload size but far short of an unbounded read.
const maxWebhookBodyBytes = 1 << 20 // 1 MiB

// Mount registers the receiver's single endpoint per service,
// POST /webhooks/{service}, on router.
func (r *WebhookReceiver) Mount(router chi.Router) {
	router.Post("/webhooks/{service}", r.serveHTTP)
}

func (r *WebhookReceiver) serveHTTP(w http.ResponseWriter, req *http.Request) {
	serviceName := chi.URLParam(req, "service")

	body, err := httputil.ReadAllStrict(req.Body, maxWebhookBodyBytes)
	if err != nil {
		httputil.BadRequest(w, "request body too large")
		return
	}

	// Providers don't always send an accurate Content-Type header (some post
	// JSON as text/plain); sniff the body itself rather than trusting the
	// header, and reject anything that isn't textual/JSON-shaped outright.
	detected := mimetype.Detect(body)
	if !detected.Is("application/json") && !detected.Is("text/plain") {
		httputil.BadRequest(w, "unexpected content type: "+detected.String())
		return
	}
	if !json.Valid(body) {
		httputil.BadRequest(w, "malformed payload")
		return
	}

	result, err := r.Handle(req.Context(), serviceName, body, req.Header)
	if err != nil {
		writeWebhookError(w, req, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"status":              "success",
		"event_id":            result.ExternalEventID,
		"matched_automations": result.MatchedAutomations,
		"executions_created":  result.ExecutionsCreated,
		"executions_skipped":  result.ExecutionsSkipped,
	})
}

func writeWebhookError(w http.ResponseWriter, req *http.Request, err error) {
	if se := svcerrors.GetServiceError(err); se != nil {
		httputil.WriteErrorResponse(w, req, se.HTTPStatus, string(se.Code), se.Message, se.Details)
		return
	}
	httputil.InternalError(w, "webhook processing failed")
}
