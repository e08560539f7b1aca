// Package memory implements the storage interfaces over plain in-memory
// maps. It is intended for tests and local runs without a Postgres
// instance, and deliberately keeps the implementation simple.
package memory

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-network/area-engine/internal/app/domain/automation"
	"github.com/r3e-network/area-engine/internal/app/storage"
)

// Memory is a thread-safe in-memory store implementing every storage
// interface this engine depends on.
type Memory struct {
	mu sync.RWMutex

	services     map[string]automation.Service
	actions      map[string]automation.Action
	reactions    map[string]automation.Reaction
	automations  map[string]automation.Automation
	actionStates map[string]automation.ActionState
	executions   map[string]automation.Execution
	tokens       map[string]automation.ServiceToken // keyed by owner+service
	webhooks     map[string]automation.WebhookSubscription
	notifs       map[string]automation.OAuthNotification
}

// New creates an empty in-memory store.
func New() *Memory {
	return &Memory{
		services:     make(map[string]automation.Service),
		actions:      make(map[string]automation.Action),
		reactions:    make(map[string]automation.Reaction),
		automations:  make(map[string]automation.Automation),
		actionStates: make(map[string]automation.ActionState),
		executions:   make(map[string]automation.Execution),
		tokens:       make(map[string]automation.ServiceToken),
		webhooks:     make(map[string]automation.WebhookSubscription),
		notifs:       make(map[string]automation.OAuthNotification),
	}
}

var (
	_ storage.ServiceStore             = (*Memory)(nil)
	_ storage.ActionStore              = (*Memory)(nil)
	_ storage.ReactionStore            = (*Memory)(nil)
	_ storage.AutomationStore          = (*Memory)(nil)
	_ storage.ActionStateStore         = (*Memory)(nil)
	_ storage.ExecutionStore           = (*Memory)(nil)
	_ storage.ServiceTokenStore        = (*Memory)(nil)
	_ storage.WebhookSubscriptionStore = (*Memory)(nil)
	_ storage.OAuthNotificationStore   = (*Memory)(nil)
)

func tokenKey(ownerID, serviceID string) string { return ownerID + "|" + serviceID }

func webhookKey(ownerID, serviceID, eventType string) string {
	return ownerID + "|" + serviceID + "|" + eventType
}

func notifKey(ownerID, serviceID string, t automation.NotificationType) string {
	return ownerID + "|" + serviceID + "|" + string(t)
}

// --- seeding helpers (used by tests and local bootstrapping) ---------------

// SeedService registers a service directly, bypassing provisioning flow.
func (m *Memory) SeedService(svc automation.Service) automation.Service {
	m.mu.Lock()
	defer m.mu.Unlock()
	if svc.ID == "" {
		svc.ID = uuid.NewString()
	}
	if svc.Status == "" {
		svc.Status = automation.ServiceActive
	}
	now := time.Now().UTC()
	svc.CreatedAt, svc.UpdatedAt = now, now
	m.services[svc.ID] = svc
	return svc
}

// SeedAction registers an action directly.
func (m *Memory) SeedAction(a automation.Action) automation.Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.CreatedAt = time.Now().UTC()
	m.actions[a.ID] = a
	return a
}

// SeedReaction registers a reaction directly.
func (m *Memory) SeedReaction(r automation.Reaction) automation.Reaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.CreatedAt = time.Now().UTC()
	m.reactions[r.ID] = r
	return r
}

// SeedAutomation registers an automation directly.
func (m *Memory) SeedAutomation(a automation.Automation) automation.Automation {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = automation.AutomationActive
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	m.automations[a.ID] = a
	return a
}

// --- ServiceStore ------------------------------------------------------------

func (m *Memory) GetService(_ context.Context, id string) (automation.Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	svc, ok := m.services[id]
	if !ok {
		return automation.Service{}, sql.ErrNoRows
	}
	return svc, nil
}

func (m *Memory) GetServiceByName(_ context.Context, name string) (automation.Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, svc := range m.services {
		if svc.Name == name {
			return svc, nil
		}
	}
	return automation.Service{}, sql.ErrNoRows
}

func (m *Memory) ListActiveServices(_ context.Context) ([]automation.Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []automation.Service
	for _, svc := range m.services {
		if svc.Status == automation.ServiceActive {
			out = append(out, svc)
		}
	}
	sortServices(out)
	return out, nil
}

func sortServices(svcs []automation.Service) {
	sort.Slice(svcs, func(i, j int) bool { return svcs[i].Name < svcs[j].Name })
}

// --- ActionStore / ReactionStore ---------------------------------------------

func (m *Memory) GetAction(_ context.Context, id string) (automation.Action, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.actions[id]
	if !ok {
		return automation.Action{}, sql.ErrNoRows
	}
	return a, nil
}

func (m *Memory) GetActionByName(_ context.Context, serviceID, name string) (automation.Action, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.actions {
		if a.Name == name && (serviceID == "" || a.ServiceID == serviceID) {
			return a, nil
		}
	}
	return automation.Action{}, sql.ErrNoRows
}

func (m *Memory) GetReaction(_ context.Context, id string) (automation.Reaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reactions[id]
	if !ok {
		return automation.Reaction{}, sql.ErrNoRows
	}
	return r, nil
}

func (m *Memory) GetReactionByName(_ context.Context, serviceID, name string) (automation.Reaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.reactions {
		if r.Name == name && r.ServiceID == serviceID {
			return r, nil
		}
	}
	return automation.Reaction{}, sql.ErrNoRows
}

func (m *Memory) ListActionsByService(_ context.Context, serviceID string) ([]automation.Action, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []automation.Action
	for _, a := range m.actions {
		if a.ServiceID == serviceID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) ListReactionsByService(_ context.Context, serviceID string) ([]automation.Reaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []automation.Reaction
	for _, r := range m.reactions {
		if r.ServiceID == serviceID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// --- AutomationStore ----------------------------------------------------------

func (m *Memory) GetAutomation(_ context.Context, id string) (automation.Automation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.automations[id]
	if !ok {
		return automation.Automation{}, sql.ErrNoRows
	}
	return a, nil
}

func (m *Memory) ListActiveByActionName(_ context.Context, actionName string) ([]automation.Automation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []automation.Automation
	for _, a := range m.automations {
		if a.Status != automation.AutomationActive {
			continue
		}
		action, ok := m.actions[a.ActionID]
		if !ok || action.Name != actionName {
			continue
		}
		out = append(out, a)
	}
	sortAutomations(out)
	return out, nil
}

func (m *Memory) ListActiveByServiceName(_ context.Context, serviceName string) ([]automation.Automation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []automation.Automation
	for _, a := range m.automations {
		if a.Status != automation.AutomationActive {
			continue
		}
		action, ok := m.actions[a.ActionID]
		if !ok {
			continue
		}
		svc, ok := m.services[action.ServiceID]
		if !ok || svc.Name != serviceName {
			continue
		}
		out = append(out, a)
	}
	sortAutomations(out)
	return out, nil
}

func sortAutomations(automations []automation.Automation) {
	sort.Slice(automations, func(i, j int) bool { return automations[i].CreatedAt.Before(automations[j].CreatedAt) })
}

// --- ActionStateStore ----------------------------------------------------------

func (m *Memory) GetActionState(_ context.Context, automationID string) (automation.ActionState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.actionStates[automationID]
	if !ok {
		return automation.ActionState{}, sql.ErrNoRows
	}
	return state, nil
}

func (m *Memory) UpsertActionState(_ context.Context, state automation.ActionState) (automation.ActionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state.UpdatedAt = time.Now().UTC()
	m.actionStates[state.AutomationID] = state
	return state, nil
}

// --- ExecutionStore ----------------------------------------------------------

func (m *Memory) AdmitExecution(_ context.Context, automationID, externalEventID string, triggerData automation.Config) (automation.Execution, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, exec := range m.executions {
		if exec.AutomationID == automationID && exec.ExternalEventID == externalEventID {
			return exec, false, nil
		}
	}
	exec := automation.Execution{
		ID:              uuid.NewString(),
		AutomationID:    automationID,
		ExternalEventID: externalEventID,
		Status:          automation.ExecutionPending,
		TriggerData:     triggerData,
		CreatedAt:       time.Now().UTC(),
	}
	m.executions[exec.ID] = exec
	return exec, true, nil
}

func (m *Memory) GetExecution(_ context.Context, id string) (automation.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exec, ok := m.executions[id]
	if !ok {
		return automation.Execution{}, sql.ErrNoRows
	}
	return exec, nil
}

func (m *Memory) UpdateExecution(_ context.Context, exec automation.Execution) (automation.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[exec.ID]; !ok {
		return automation.Execution{}, sql.ErrNoRows
	}
	m.executions[exec.ID] = exec
	return exec, nil
}

func (m *Memory) ListStaleRunning(_ context.Context, before time.Time, limit int) ([]automation.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []automation.Execution
	for _, exec := range m.executions {
		if exec.Status == automation.ExecutionRunning && exec.StartedAt.Before(before) {
			out = append(out, exec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CountByStatusSince(_ context.Context, since time.Time) (map[automation.ExecutionStatus]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[automation.ExecutionStatus]int64)
	for _, exec := range m.executions {
		if exec.CreatedAt.Before(since) {
			continue
		}
		counts[exec.Status]++
	}
	return counts, nil
}

func (m *Memory) DeleteCompletedBefore(_ context.Context, status automation.ExecutionStatus, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for id, exec := range m.executions {
		if exec.Status == status && exec.CompletedAt.Before(before) {
			delete(m.executions, id)
			removed++
		}
	}
	return removed, nil
}

// --- ServiceTokenStore ----------------------------------------------------------

func (m *Memory) GetServiceToken(_ context.Context, ownerID, serviceID string) (automation.ServiceToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	token, ok := m.tokens[tokenKey(ownerID, serviceID)]
	if !ok {
		return automation.ServiceToken{}, sql.ErrNoRows
	}
	return token, nil
}

func (m *Memory) UpdateServiceToken(_ context.Context, token automation.ServiceToken) (automation.ServiceToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if token.ID == "" {
		token.ID = uuid.NewString()
	}
	token.UpdatedAt = time.Now().UTC()
	m.tokens[tokenKey(token.OwnerID, token.ServiceID)] = token
	return token, nil
}

func (m *Memory) TouchLastUsed(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, token := range m.tokens {
		if token.ID == id {
			token.LastUsedAt = at
			m.tokens[key] = token
			return nil
		}
	}
	return sql.ErrNoRows
}

func (m *Memory) ListExpiringBefore(_ context.Context, before time.Time, limit int) ([]automation.ServiceToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []automation.ServiceToken
	for _, token := range m.tokens {
		if token.ExpiresAt != nil && token.ExpiresAt.Before(before) {
			out = append(out, token)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- WebhookSubscriptionStore ----------------------------------------------------------

func (m *Memory) GetWebhookSubscription(_ context.Context, ownerID, serviceID, eventType string) (automation.WebhookSubscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.webhooks[webhookKey(ownerID, serviceID, eventType)]
	if !ok {
		return automation.WebhookSubscription{}, sql.ErrNoRows
	}
	return sub, nil
}

func (m *Memory) ListActiveByOwnerAndService(_ context.Context, ownerID, serviceID string) ([]automation.WebhookSubscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []automation.WebhookSubscription
	for _, sub := range m.webhooks {
		if sub.OwnerID == ownerID && sub.ServiceID == serviceID && sub.Status == automation.WebhookActive {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (m *Memory) UpsertWebhookSubscription(_ context.Context, sub automation.WebhookSubscription) (automation.WebhookSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	m.webhooks[webhookKey(sub.OwnerID, sub.ServiceID, sub.EventType)] = sub
	return sub, nil
}

func (m *Memory) RecordWebhookEvent(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, sub := range m.webhooks {
		if sub.ID == id {
			sub.EventCount++
			sub.LastEventAt = at
			m.webhooks[key] = sub
			return nil
		}
	}
	return sql.ErrNoRows
}

// --- OAuthNotificationStore ----------------------------------------------------------

func (m *Memory) CreateIfAbsent(_ context.Context, n automation.OAuthNotification) (automation.OAuthNotification, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := notifKey(n.OwnerID, n.ServiceID, n.Type)
	if existing, ok := m.notifs[key]; ok && !existing.IsResolved {
		return existing, false, nil
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	n.CreatedAt = time.Now().UTC()
	m.notifs[key] = n
	return n, true, nil
}

func (m *Memory) ResolveOpen(_ context.Context, ownerID, serviceID string, notifType automation.NotificationType, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := notifKey(ownerID, serviceID, notifType)
	n, ok := m.notifs[key]
	if !ok || n.IsResolved {
		return nil
	}
	n.IsResolved = true
	resolvedAt := at
	n.ResolvedAt = &resolvedAt
	m.notifs[key] = n
	return nil
}
