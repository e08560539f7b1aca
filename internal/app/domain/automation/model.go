// Package automation holds the entities shared by the trigger layer, the
// execution admitter, the dispatcher and the token broker.
package automation

import "time"

// ServiceStatus is the lifecycle state of a registered upstream Service.
type ServiceStatus string

const (
	ServiceActive   ServiceStatus = "active"
	ServiceInactive ServiceStatus = "inactive"
)

// Service is an upstream integration (GitHub, Slack, Notion, ...) that
// exposes one or more Actions and Reactions.
type Service struct {
	ID        string
	Name      string
	Status    ServiceStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ConfigField describes one recognised key of an Action or Reaction config
// schema: its scalar type and whether an Automation must supply it.
type ConfigField struct {
	Type     string // "string", "int", "bool", "list"
	Required bool
}

// ConfigSchema is a declarative description of the keys an action_config or
// reaction_config map must satisfy.
type ConfigSchema map[string]ConfigField

// Action is a triggerable capability a Service exposes (e.g. "new_issue",
// "timer_daily").
type Action struct {
	ID           string
	ServiceID    string
	Name         string
	Description  string
	ConfigSchema ConfigSchema
	CreatedAt    time.Time
}

// Reaction is an effect a Service can perform in response to a trigger
// (e.g. "post_message", "create_card").
type Reaction struct {
	ID           string
	ServiceID    string
	Name         string
	Description  string
	ConfigSchema ConfigSchema
	CreatedAt    time.Time
}

// AutomationStatus is the lifecycle state of a user-created Automation.
type AutomationStatus string

const (
	AutomationActive   AutomationStatus = "active"
	AutomationDisabled AutomationStatus = "disabled"
	AutomationPaused   AutomationStatus = "paused"
)

// Config is a free-form mapping of string keys to scalar or list values,
// used for both action_config and reaction_config.
type Config map[string]any

// Automation binds one Action to one Reaction for a single owner. The core
// only reads Automations; creation, update and deletion are an external
// management concern.
type Automation struct {
	ID             string
	OwnerID        string
	DisplayName    string
	ActionID       string
	ActionConfig   Config
	ReactionID     string
	ReactionConfig Config
	Status         AutomationStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ActionState is the poller's cursor into an Automation's upstream source.
// It is one-to-one with an Automation and owned exclusively by the poller
// that watches it.
type ActionState struct {
	AutomationID  string
	LastCheckedAt time.Time
	LastEventID   string
	Metadata      Config
	UpdatedAt     time.Time
}

// ExecutionStatus tracks an Execution through its monotonic lifecycle:
// pending -> running -> (success | failed); skipped is terminal and never
// transitions further.
type ExecutionStatus string

const (
	ExecutionPending ExecutionStatus = "pending"
	ExecutionRunning ExecutionStatus = "running"
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
	ExecutionSkipped ExecutionStatus = "skipped"
)

// Execution is one admitted trigger event, uniquely keyed by
// (AutomationID, ExternalEventID). That pair is the idempotency key the
// Execution Admitter enforces via a database constraint.
type Execution struct {
	ID              string
	AutomationID    string
	ExternalEventID string
	Status          ExecutionStatus
	TriggerData     Config
	ResultData      Config
	ErrorMessage    string
	AttemptCount    int
	CreatedAt       time.Time
	StartedAt       time.Time
	CompletedAt     time.Time
}

// IsTerminal reports whether the Execution has reached a status the
// dispatcher will never transition further.
func (e Execution) IsTerminal() bool {
	switch e.Status {
	case ExecutionSuccess, ExecutionFailed, ExecutionSkipped:
		return true
	default:
		return false
	}
}

// ServiceToken is an owner's OAuth credential for a Service. The Token
// Broker is the only component that refreshes it; (OwnerID, ServiceID) is
// unique.
type ServiceToken struct {
	ID           string
	OwnerID      string
	ServiceID    string
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
	Scopes       []string
	TokenType    string
	LastUsedAt   time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Expired reports whether the token is already past its expiry instant.
// A nil ExpiresAt means the provider mints non-expiring tokens.
func (t ServiceToken) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && !t.ExpiresAt.After(now)
}

// NearExpiry reports whether the token falls within the proactive refresh
// window measured from now.
func (t ServiceToken) NearExpiry(now time.Time, window time.Duration) bool {
	if t.ExpiresAt == nil {
		return false
	}
	return !t.ExpiresAt.After(now.Add(window))
}

// WebhookStatus is the lifecycle state of a WebhookSubscription.
type WebhookStatus string

const (
	WebhookActive  WebhookStatus = "active"
	WebhookRevoked WebhookStatus = "revoked"
	WebhookFailed  WebhookStatus = "failed"
)

// WebhookSubscription records a push channel the engine registered with an
// upstream service on an owner's behalf, so pollers can skip automations
// already covered by a live webhook.
type WebhookSubscription struct {
	ID                     string
	OwnerID                string
	ServiceID              string
	ExternalSubscriptionID string
	EventType              string
	Config                 Config
	Status                 WebhookStatus
	EventCount             int64
	LastEventAt            time.Time
	CreatedAt              time.Time
}

// NotificationType classifies an OAuthNotification.
type NotificationType string

const (
	NotificationTokenExpired  NotificationType = "token_expired"
	NotificationRefreshFailed NotificationType = "refresh_failed"
	NotificationAuthError     NotificationType = "auth_error"
)

// OAuthNotification surfaces a credential problem to the owner. Only one
// unresolved notification may exist per (OwnerID, ServiceID, Type) triple.
type OAuthNotification struct {
	ID         string
	OwnerID    string
	ServiceID  string
	Type       NotificationType
	Message    string
	IsRead     bool
	IsResolved bool
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// TriggerEvent is the uniform internal event every trigger producer (timer
// scheduler, poller, webhook receiver) constructs before handing off to the
// Execution Admitter.
type TriggerEvent struct {
	AutomationID    string
	ExternalEventID string
	TriggerData     Config
}
