package automation

import (
	"net/http"

	"github.com/tidwall/gjson"
)

// webhookEventToAction centralises each service's event-type-to-action-name
// mapping, mirroring the action names the corresponding poller/action
// registration uses. A receiver rejects any event type absent from its
// service's map with zero matched automations rather than an error.
var webhookEventToAction = map[string]map[string]string{
	"github": {
		"issues":        "github_issue",
		"pull_request":  "github_pull_request",
		"push":          "github_push",
		"issue_comment": "github_issue_comment",
		"star":          "github_star",
	},
	"slack": {
		"message":               "slack_message",
		"app_mention":           "slack_app_mention",
		"member_joined_channel": "slack_member_joined",
	},
}

// WebhookAdapter is the per-service contract a webhook receiver delegates
// signature verification and event parsing to. One adapter exists per
// service that exposes a webhook, registered once at process start.
type WebhookAdapter interface {
	// VerifySignature reports whether the request's signature (however the
	// service transmits it) matches the raw body under secret. Must run in
	// constant time.
	VerifySignature(body []byte, header http.Header, secret string) bool
	// EventType extracts the service's event-type discriminator, from a
	// header or the payload itself.
	EventType(body []byte, header http.Header) string
	// ExternalEventID extracts the provider's own delivery or object
	// identity per the service's priority rules. An empty return falls
	// back to the receiver's generic hash-based id.
	ExternalEventID(body []byte, header http.Header) string
}

// githubAdapter implements WebhookAdapter for GitHub's X-Hub-Signature-256
// HMAC scheme and delivery-id-based idempotency.
type githubAdapter struct{}

func (githubAdapter) VerifySignature(body []byte, header http.Header, secret string) bool {
	return verifyHexHMACSHA256(body, header.Get("X-Hub-Signature-256"), "sha256=", secret)
}

func (githubAdapter) EventType(_ []byte, header http.Header) string {
	return header.Get("X-GitHub-Event")
}

func (githubAdapter) ExternalEventID(body []byte, header http.Header) string {
	if delivery := header.Get("X-GitHub-Delivery"); delivery != "" {
		return "github_delivery_" + delivery
	}
	parsed := gjson.ParseBytes(body)
	if sha := parsed.Get("commits.0.id").String(); sha != "" {
		return "github_push_" + sha
	}
	if id := parsed.Get("pull_request.id").String(); id != "" {
		return "github_pr_" + id
	}
	if id := parsed.Get("issue.id").String(); id != "" {
		return "github_issue_" + id
	}
	return ""
}

// slackAdapter implements WebhookAdapter for Slack's Events API, which
// signs with a v0 timestamp-prefixed HMAC scheme.
type slackAdapter struct{}

func (slackAdapter) VerifySignature(body []byte, header http.Header, secret string) bool {
	ts := header.Get("X-Slack-Request-Timestamp")
	sig := header.Get("X-Slack-Signature")
	if ts == "" || sig == "" {
		return false
	}
	message := append([]byte("v0:"+ts+":"), body...)
	return verifyHexHMACSHA256(message, sig, "v0=", secret)
}

func (slackAdapter) EventType(body []byte, _ http.Header) string {
	parsed := gjson.ParseBytes(body)
	if t := parsed.Get("event.type").String(); t != "" {
		return t
	}
	return parsed.Get("type").String()
}

func (slackAdapter) ExternalEventID(body []byte, _ http.Header) string {
	parsed := gjson.ParseBytes(body)
	if id := parsed.Get("event_id").String(); id != "" {
		return "slack_" + id
	}
	if ts := parsed.Get("event.event_ts").String(); ts != "" {
		return "slack_ts_" + ts
	}
	return ""
}

// defaultWebhookAdapters returns the built-in adapter set for the engine's
// concrete service roster.
func defaultWebhookAdapters() map[string]WebhookAdapter {
	return map[string]WebhookAdapter{
		"github": githubAdapter{},
		"slack":  slackAdapter{},
	}
}
