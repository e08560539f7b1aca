package automation

import (
	"context"
	"fmt"
	"sync"
	"time"

	svcerrors "github.com/r3e-network/area-engine/infrastructure/errors"
	"github.com/r3e-network/area-engine/infrastructure/resilience"
	core "github.com/r3e-network/area-engine/internal/app/core/service"
	domain "github.com/r3e-network/area-engine/internal/app/domain/automation"
	"github.com/r3e-network/area-engine/internal/app/storage"
	"github.com/r3e-network/area-engine/internal/app/system"
	"github.com/r3e-network/area-engine/pkg/logger"
)

// Ensure Poller implements system.Service.
var _ system.Service = (*Poller)(nil)

// PollItem is one upstream item a PollFetcher discovers, already filtered
// to the automation's action-config before it is returned.
type PollItem struct {
	// StableID is the upstream's own opaque identifier (issue id, message
	// id, commit SHA, ...), used to build external_event_id and detect the
	// previously-seen cursor.
	StableID string
	// TriggerData is materialised from the item's salient fields.
	TriggerData domain.Config
}

// PollFetcher queries one service's upstream API on behalf of a single
// automation, applying the automation's action-config filter itself and
// returning only new items (newer than the cursor in state). Implementations
// are registered per service name.
type PollFetcher interface {
	Fetch(ctx context.Context, a domain.Automation, state domain.ActionState, token domain.ServiceToken) ([]PollItem, error)
}

// PollFetcherFunc adapts a function to the PollFetcher interface.
type PollFetcherFunc func(ctx context.Context, a domain.Automation, state domain.ActionState, token domain.ServiceToken) ([]PollItem, error)

func (f PollFetcherFunc) Fetch(ctx context.Context, a domain.Automation, state domain.ActionState, token domain.ServiceToken) ([]PollItem, error) {
	return f(ctx, a, state, token)
}

// Poller is a per-service trigger producer for upstreams that lack webhook
// support, or for users who haven't configured one. It is stateless across
// invocations: all cursor state lives in ActionState.
type Poller struct {
	serviceName string
	serviceID   string

	automations storage.AutomationStore
	actionState storage.ActionStateStore
	webhooks    storage.WebhookSubscriptionStore
	tokens      storage.ServiceTokenStore
	notify      storage.OAuthNotificationStore
	broker      *TokenBroker
	admitter    *Admitter
	fetcher     PollFetcher
	log         *logger.Logger

	interval time.Duration
	retry    resilience.RetryConfig

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewPoller creates a lifecycle-managed poller for one service.
func NewPoller(
	serviceName, serviceID string,
	automations storage.AutomationStore,
	actionState storage.ActionStateStore,
	webhooks storage.WebhookSubscriptionStore,
	tokens storage.ServiceTokenStore,
	notify storage.OAuthNotificationStore,
	broker *TokenBroker,
	admitter *Admitter,
	fetcher PollFetcher,
	interval time.Duration,
	log *logger.Logger,
) *Poller {
	if log == nil {
		log = logger.NewDefault("poller-" + serviceName)
	}
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Poller{
		serviceName: serviceName,
		serviceID:   serviceID,
		automations: automations,
		actionState: actionState,
		webhooks:    webhooks,
		tokens:      tokens,
		notify:      notify,
		broker:      broker,
		admitter:    admitter,
		fetcher:     fetcher,
		interval:    interval,
		retry:       resilience.RetryConfig{MaxAttempts: 3, InitialDelay: time.Second, MaxDelay: 30 * time.Second, Multiplier: 2, Jitter: 0.2},
		log:         log,
	}
}

// Name returns the service identifier.
func (p *Poller) Name() string { return "poller-" + p.serviceName }

// Descriptor advertises the poller's architectural placement.
func (p *Poller) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         p.Name(),
		Domain:       "automation",
		Layer:        core.LayerAdapter,
		Capabilities: []string{"poll", "admit"},
	}
}

// Start begins the per-service polling loop.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				p.runCycle(runCtx)
			}
		}
	}()
	p.log.WithField("interval", p.interval).Info("poller started")
	return nil
}

// Stop halts the polling loop.
func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	cancel := p.cancel
	p.running = false
	p.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.wg.Wait()
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.log.Info("poller stopped")
	return nil
}

// runCycle is one invocation of the per-service poll contract (§4.1.2).
func (p *Poller) runCycle(ctx context.Context) {
	automations, err := p.automations.ListActiveByServiceName(ctx, p.serviceName)
	if err != nil {
		p.log.WithError(err).Warn("poller failed to list active automations")
		return
	}
	for _, a := range automations {
		p.pollOne(ctx, a)
	}
}

func (p *Poller) pollOne(ctx context.Context, a domain.Automation) {
	if p.smartSkip(ctx, a) {
		return
	}

	token, err := p.broker.GetValidToken(ctx, a.OwnerID, p.serviceID, p.serviceName)
	if err != nil {
		p.log.WithError(err).WithField("automation_id", a.ID).Warn("poller failed to resolve token")
		return
	}
	if token.ID == "" {
		// No credential for this owner/service; nothing to poll with.
		return
	}

	state, err := p.actionState.GetActionState(ctx, a.ID)
	if err != nil && !isNotFound(err) {
		p.log.WithError(err).WithField("automation_id", a.ID).Warn("poller failed to load action state")
		return
	}
	if state.AutomationID == "" {
		state = domain.ActionState{AutomationID: a.ID, Metadata: domain.Config{}}
	}

	var items []PollItem
	retryErr := resilience.Retry(ctx, p.retry, func() error {
		fetched, fetchErr := p.fetcher.Fetch(ctx, a, state, token)
		if fetchErr != nil {
			return fetchErr
		}
		items = fetched
		return nil
	})
	if retryErr != nil {
		p.handlePollError(ctx, a, retryErr)
		return
	}

	newest := state.LastEventID
	for _, item := range items {
		event := domain.TriggerEvent{
			AutomationID:    a.ID,
			ExternalEventID: fmt.Sprintf("%s_%s", p.serviceName, item.StableID),
			TriggerData:     item.TriggerData,
		}
		if _, _, admitErr := p.admitter.Admit(ctx, event); admitErr != nil {
			p.log.WithError(admitErr).WithField("automation_id", a.ID).Warn("poller failed to admit execution")
			continue
		}
		newest = item.StableID
	}

	state.LastCheckedAt = time.Now().UTC()
	state.LastEventID = newest
	if _, err := p.actionState.UpsertActionState(ctx, state); err != nil {
		p.log.WithError(err).WithField("automation_id", a.ID).Warn("poller failed to persist action state")
	}
}

// smartSkip reports whether a live WebhookSubscription already covers this
// automation's action, in which case the poller defers to webhook delivery.
func (p *Poller) smartSkip(ctx context.Context, a domain.Automation) bool {
	subs, err := p.webhooks.ListActiveByOwnerAndService(ctx, a.OwnerID, p.serviceID)
	if err != nil {
		p.log.WithError(err).WithField("automation_id", a.ID).Warn("poller failed to check webhook subscriptions")
		return false
	}
	return len(subs) > 0
}

func (p *Poller) handlePollError(ctx context.Context, a domain.Automation, err error) {
	if svcerrors.IsReactionAuthError(err) {
		if _, _, notifyErr := p.notify.CreateIfAbsent(ctx, domain.OAuthNotification{
			OwnerID:   a.OwnerID,
			ServiceID: p.serviceID,
			Type:      domain.NotificationAuthError,
			Message:   err.Error(),
		}); notifyErr != nil {
			p.log.WithError(notifyErr).WithField("automation_id", a.ID).Warn("failed to record auth_error notification")
		}
		return
	}
	p.log.WithError(err).WithField("automation_id", a.ID).Warn("poller cycle failed for automation, skipping")
}
