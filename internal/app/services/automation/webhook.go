package automation

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	svcerrors "github.com/r3e-network/area-engine/infrastructure/errors"
	domain "github.com/r3e-network/area-engine/internal/app/domain/automation"
	"github.com/r3e-network/area-engine/internal/app/storage"
	"github.com/r3e-network/area-engine/pkg/logger"
)

// WebhookResult summarises one inbound delivery's outcome, mirroring the
// statistics the original handler returned to its caller for logging.
type WebhookResult struct {
	ExternalEventID    string
	MatchedAutomations int
	ExecutionsCreated  int
	ExecutionsSkipped  int
}

// WebhookReceiver is the single HTTP endpoint per service that accepts
// inbound push events (§4.1.3). Signature verification, event parsing and
// idempotency-key construction are delegated to a per-service WebhookAdapter;
// the receiver owns the action-matching and admission handoff that is
// identical across services.
type WebhookReceiver struct {
	services    storage.ServiceStore
	actions     storage.ActionStore
	automations storage.AutomationStore
	webhooks    storage.WebhookSubscriptionStore
	admitter    *Admitter
	adapters    map[string]WebhookAdapter
	secrets     map[string]string
	log         *logger.Logger
}

// NewWebhookReceiver builds a receiver serving the given secrets (one shared
// secret per service name, sourced from configuration). Adapters default to
// defaultWebhookAdapters when nil.
func NewWebhookReceiver(
	services storage.ServiceStore,
	actions storage.ActionStore,
	automations storage.AutomationStore,
	webhooks storage.WebhookSubscriptionStore,
	admitter *Admitter,
	secrets map[string]string,
	log *logger.Logger,
) *WebhookReceiver {
	if log == nil {
		log = logger.NewDefault("webhook-receiver")
	}
	return &WebhookReceiver{
		services:    services,
		actions:     actions,
		automations: automations,
		webhooks:    webhooks,
		admitter:    admitter,
		adapters:    defaultWebhookAdapters(),
		secrets:     secrets,
		log:         log,
	}
}

// Handle runs the full §4.1.3 pipeline for one inbound delivery: signature
// verification, event parsing, action matching, and Execution admission.
func (r *WebhookReceiver) Handle(ctx context.Context, serviceName string, body []byte, header http.Header) (WebhookResult, error) {
	adapter, ok := r.adapters[serviceName]
	if !ok {
		return WebhookResult{}, svcerrors.InvalidConfig(fmt.Sprintf("no webhook adapter registered for service %q", serviceName))
	}

	secret, ok := r.secrets[serviceName]
	if !ok || strings.TrimSpace(secret) == "" {
		// Fail-closed: an unconfigured secret is a deployment error, not a
		// caller error, so this is a 500 rather than a 401/422.
		return WebhookResult{}, svcerrors.Internal("webhook secret not configured", nil)
	}

	if !adapter.VerifySignature(body, header, secret) {
		r.log.WithField("service", serviceName).Warn("webhook signature verification failed")
		return WebhookResult{}, svcerrors.SignatureInvalid(serviceName)
	}

	svc, err := r.services.GetServiceByName(ctx, serviceName)
	if err != nil {
		return WebhookResult{}, svcerrors.NotFound("service", serviceName)
	}

	eventType := adapter.EventType(body, header)
	externalEventID := adapter.ExternalEventID(body, header)
	if externalEventID == "" {
		externalEventID = fallbackEventID(serviceName, body)
	}

	actionName := webhookEventToAction[serviceName][eventType]
	if actionName == "" {
		r.log.WithField("service", serviceName).WithField("event_type", eventType).Debug("no action mapping for webhook event")
		return WebhookResult{ExternalEventID: externalEventID}, nil
	}

	action, err := r.actions.GetActionByName(ctx, svc.ID, actionName)
	if err != nil {
		return WebhookResult{ExternalEventID: externalEventID}, nil
	}

	automations, err := r.automations.ListActiveByActionName(ctx, action.Name)
	if err != nil {
		return WebhookResult{}, svcerrors.TransientError("list_active_automations", err)
	}

	result := WebhookResult{ExternalEventID: externalEventID}
	triggerData := domain.Config{
		"service":     serviceName,
		"event_type":  eventType,
		"received_at": time.Now().UTC().Format(time.RFC3339),
	}

	for _, a := range automations {
		if a.ActionID != action.ID {
			continue
		}
		if !matchesActionConfig(serviceName, a.ActionConfig, body) {
			continue
		}
		result.MatchedAutomations++

		event := domain.TriggerEvent{
			AutomationID:    a.ID,
			ExternalEventID: externalEventID + "_automation_" + a.ID,
			TriggerData:     triggerData,
		}
		_, created, admitErr := r.admitter.Admit(ctx, event)
		if admitErr != nil {
			r.log.WithError(admitErr).WithField("automation_id", a.ID).Warn("webhook failed to admit execution")
			continue
		}
		if created {
			result.ExecutionsCreated++
		} else {
			result.ExecutionsSkipped++
		}
	}

	if r.webhooks != nil && result.MatchedAutomations > 0 {
		if err := r.recordDelivery(ctx, automations, svc.ID, eventType); err != nil {
			r.log.WithError(err).Warn("failed to record webhook delivery")
		}
	}

	return result, nil
}

// recordDelivery bumps event-count/last-event-at on every live subscription
// this delivery matched, per §12's webhook-delivery-counters supplement.
func (r *WebhookReceiver) recordDelivery(ctx context.Context, automations []domain.Automation, serviceID, eventType string) error {
	seen := map[string]struct{}{}
	now := time.Now().UTC()
	for _, a := range automations {
		sub, err := r.webhooks.GetWebhookSubscription(ctx, a.OwnerID, serviceID, eventType)
		if err != nil || sub.ID == "" {
			continue
		}
		if _, ok := seen[sub.ID]; ok {
			continue
		}
		seen[sub.ID] = struct{}{}
		if err := r.webhooks.RecordWebhookEvent(ctx, sub.ID, now); err != nil {
			return err
		}
	}
	return nil
}

// actionConfigFilterField names, per service, which action-config key
// constrains matching and the JSONPath in the payload it must equal.
var actionConfigFilterField = map[string]struct {
	configKey string
	path      string
}{
	"github": {configKey: "repo", path: "repository.full_name"},
	"slack":  {configKey: "channel", path: "event.channel"},
}

// matchesActionConfig applies the automation's action-config filter against
// the raw payload. An automation whose config omits the service's
// filterable dimension matches unconditionally; concrete per-service
// filtering (repo full-name, channel) is handled via JSONPath extraction.
func matchesActionConfig(serviceName string, cfg domain.Config, body []byte) bool {
	filter, ok := actionConfigFilterField[serviceName]
	if !ok {
		return true
	}
	want, _ := cfg[filter.configKey].(string)
	want = strings.TrimSpace(want)
	if want == "" {
		return true
	}
	got := gjson.GetBytes(body, filter.path).String()
	return strings.EqualFold(got, want)
}

// fallbackEventID builds the generic idempotency key used when a service
// adapter cannot extract a provider-native identity.
func fallbackEventID(serviceName string, body []byte) string {
	sum := sha256.Sum256(body)
	return fmt.Sprintf("%s_%s_%s", serviceName, time.Now().UTC().Format(time.RFC3339), hex.EncodeToString(sum[:])[:16])
}

// verifyHexHMACSHA256 checks a hex-encoded HMAC-SHA256 signature, optionally
// prefixed (GitHub's "sha256=", Slack's "v0="), in constant time.
func verifyHexHMACSHA256(message []byte, signatureHeader, prefix, secret string) bool {
	if signatureHeader == "" {
		return false
	}
	expectedHex := signatureHeader
	if prefix != "" {
		if !strings.HasPrefix(signatureHeader, prefix) {
			return false
		}
		expectedHex = strings.TrimPrefix(signatureHeader, prefix)
	}
	expected, err := hex.DecodeString(expectedHex)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(message)
	computed := mac.Sum(nil)
	return hmac.Equal(computed, expected)
}
