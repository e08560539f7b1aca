// Package storage defines the one-interface-per-entity persistence contracts
// the engine's components depend on. Concrete implementations live in
// storage/postgres (production) and storage/memory (tests and local runs).
package storage

import (
	"context"
	"time"

	"github.com/r3e-network/area-engine/internal/app/domain/automation"
)

// ServiceStore persists registered upstream integrations.
type ServiceStore interface {
	GetService(ctx context.Context, id string) (automation.Service, error)
	GetServiceByName(ctx context.Context, name string) (automation.Service, error)
	ListActiveServices(ctx context.Context) ([]automation.Service, error)
}

// ActionStore persists the actions a Service exposes.
type ActionStore interface {
	GetAction(ctx context.Context, id string) (automation.Action, error)
	GetActionByName(ctx context.Context, serviceID, name string) (automation.Action, error)
	// ListActionsByService returns every action a service exposes, for the
	// about.json service discovery endpoint (§6.2).
	ListActionsByService(ctx context.Context, serviceID string) ([]automation.Action, error)
}

// ReactionStore persists the reactions a Service exposes.
type ReactionStore interface {
	GetReaction(ctx context.Context, id string) (automation.Reaction, error)
	GetReactionByName(ctx context.Context, serviceID, name string) (automation.Reaction, error)
	// ListReactionsByService returns every reaction a service exposes, for
	// the about.json service discovery endpoint (§6.2).
	ListReactionsByService(ctx context.Context, serviceID string) ([]automation.Reaction, error)
}

// AutomationStore persists user-created Automations. The core only reads
// them; creation, update and deletion are an external management surface.
type AutomationStore interface {
	GetAutomation(ctx context.Context, id string) (automation.Automation, error)
	// ListActiveByActionName returns every active automation whose action
	// matches actionName, regardless of which service owns that action.
	// Used by the Timer Scheduler (timer_daily/timer_weekly) and by
	// pollers selecting the automations for their service.
	ListActiveByActionName(ctx context.Context, actionName string) ([]automation.Automation, error)
	ListActiveByServiceName(ctx context.Context, serviceName string) ([]automation.Automation, error)
}

// ActionStateStore persists each automation's poller cursor.
type ActionStateStore interface {
	GetActionState(ctx context.Context, automationID string) (automation.ActionState, error)
	UpsertActionState(ctx context.Context, state automation.ActionState) (automation.ActionState, error)
}

// ExecutionStore persists Executions and backs the admitter's idempotency
// guarantee and the dispatcher's worker loop.
type ExecutionStore interface {
	// AdmitExecution atomically inserts a pending Execution for
	// (automationID, externalEventID). If a row with that key already
	// exists, it is returned unchanged with created=false.
	AdmitExecution(ctx context.Context, automationID, externalEventID string, triggerData automation.Config) (exec automation.Execution, created bool, err error)
	GetExecution(ctx context.Context, id string) (automation.Execution, error)
	UpdateExecution(ctx context.Context, exec automation.Execution) (automation.Execution, error)
	// ListStaleRunning returns executions stuck in "running" since before
	// the given instant, for requeueing after a worker crash.
	ListStaleRunning(ctx context.Context, before time.Time, limit int) ([]automation.Execution, error)
	CountByStatusSince(ctx context.Context, since time.Time) (map[automation.ExecutionStatus]int64, error)
	DeleteCompletedBefore(ctx context.Context, status automation.ExecutionStatus, before time.Time) (int64, error)
}

// ServiceTokenStore persists OAuth credentials the Token Broker manages.
type ServiceTokenStore interface {
	GetServiceToken(ctx context.Context, ownerID, serviceID string) (automation.ServiceToken, error)
	UpdateServiceToken(ctx context.Context, token automation.ServiceToken) (automation.ServiceToken, error)
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
	ListExpiringBefore(ctx context.Context, before time.Time, limit int) ([]automation.ServiceToken, error)
}

// WebhookSubscriptionStore persists registered push channels.
type WebhookSubscriptionStore interface {
	GetWebhookSubscription(ctx context.Context, ownerID, serviceID, eventType string) (automation.WebhookSubscription, error)
	ListActiveByOwnerAndService(ctx context.Context, ownerID, serviceID string) ([]automation.WebhookSubscription, error)
	UpsertWebhookSubscription(ctx context.Context, sub automation.WebhookSubscription) (automation.WebhookSubscription, error)
	RecordWebhookEvent(ctx context.Context, id string, at time.Time) error
}

// OAuthNotificationStore persists owner-visible credential notifications,
// deduplicated on the unresolved (owner, service, type) triple.
type OAuthNotificationStore interface {
	// CreateIfAbsent inserts a notification unless an unresolved one
	// already exists for the same (owner, service, type); created=false
	// when deduplicated.
	CreateIfAbsent(ctx context.Context, n automation.OAuthNotification) (notification automation.OAuthNotification, created bool, err error)
	ResolveOpen(ctx context.Context, ownerID, serviceID string, notifType automation.NotificationType, at time.Time) error
}
