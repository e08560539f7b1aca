// Package app wires the automation engine's components into a single
// lifecycle-managed unit: storage, the trigger producers (timer scheduler,
// pollers, webhook receiver), the admitter/dispatcher core, the token
// broker, and the inbound HTTP surface.
package app

import (
	"context"
	"database/sql"

	"github.com/go-redis/redis/v8"

	"github.com/r3e-network/area-engine/infrastructure/metrics"
	core "github.com/r3e-network/area-engine/internal/app/core/service"
	"github.com/r3e-network/area-engine/internal/app/httpapi"
	automationsvc "github.com/r3e-network/area-engine/internal/app/services/automation"
	"github.com/r3e-network/area-engine/internal/app/storage"
	"github.com/r3e-network/area-engine/internal/app/storage/memory"
	"github.com/r3e-network/area-engine/internal/app/system"
	"github.com/r3e-network/area-engine/pkg/config"
	"github.com/r3e-network/area-engine/pkg/logger"
	"github.com/r3e-network/area-engine/pkg/tracing"
)

// Stores is the full set of storage interfaces the engine depends on. A
// single backing implementation (postgres.Store, memory.Memory) typically
// satisfies all of them; the split exists so components only depend on the
// entities they actually touch.
type Stores struct {
	Services     storage.ServiceStore
	Actions      storage.ActionStore
	Reactions    storage.ReactionStore
	Automations  storage.AutomationStore
	ActionStates storage.ActionStateStore
	Executions   storage.ExecutionStore
	Tokens       storage.ServiceTokenStore
	Webhooks     storage.WebhookSubscriptionStore
	Notify       storage.OAuthNotificationStore
}

// applyDefaults fills any unset store with an in-memory implementation, so
// a caller that only cares about a handful of entities (tests, a connector
// dry-run) doesn't have to stand up a full set.
func (s *Stores) applyDefaults(mem *memory.Memory) {
	if s.Services == nil {
		s.Services = mem
	}
	if s.Actions == nil {
		s.Actions = mem
	}
	if s.Reactions == nil {
		s.Reactions = mem
	}
	if s.Automations == nil {
		s.Automations = mem
	}
	if s.ActionStates == nil {
		s.ActionStates = mem
	}
	if s.Executions == nil {
		s.Executions = mem
	}
	if s.Tokens == nil {
		s.Tokens = mem
	}
	if s.Webhooks == nil {
		s.Webhooks = mem
	}
	if s.Notify == nil {
		s.Notify = mem
	}
}

// Connectors holds the per-service plumbing that is specific to a
// deployment rather than to the engine core: reaction handlers, OAuth token
// refreshers, and poller upstream fetchers. None are required; unregistered
// reactions take the success-path fallback the dispatcher already defines,
// unregistered token refreshers simply mean that service's tokens are never
// proactively refreshed, and a service with no poller and no webhook secret
// configured produces no trigger events at all.
type Connectors struct {
	Reactions  map[string]automationsvc.ReactionHandler
	Refreshers map[string]automationsvc.TokenRefresher
	// Pollers maps a service name to the fetcher that knows how to query
	// that service's upstream API. A service present here gets its own
	// lifecycle-managed Poller; a service absent here relies solely on
	// webhooks (or Automations for it simply never fire).
	Pollers map[string]automationsvc.PollFetcher
	// DB is the raw database handle backing Stores, used only so the HTTP
	// /health endpoint can ping it. Leave nil for an in-memory deployment.
	DB *sql.DB
}

// Application is the composition root: every long-running component plus
// the manager that starts and stops them together.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Admitter   *automationsvc.Admitter
	Scheduler  *automationsvc.Scheduler
	Broker     *automationsvc.TokenBroker
	Registry   *automationsvc.ReactionRegistry
	Dispatcher *automationsvc.Dispatcher
	Webhooks   *automationsvc.WebhookReceiver
	Discovery  *automationsvc.DiscoveryHandler
	Retention  *automationsvc.RetentionTask
	Pollers    []*automationsvc.Poller
	HTTP       *httpapi.Service
}

// New constructs every component from stores and cfg and registers them
// with an internal system.Manager in the dependency order the engine
// requires: the dispatcher (and through it the admitter's queue) must exist
// before any trigger producer that feeds it.
func New(stores Stores, cfg *config.Config, connectors Connectors, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("area-engine")
	}
	if cfg == nil {
		cfg = config.New()
	}
	stores.applyDefaults(memory.New())

	m := metrics.New("area_engine")

	registry := automationsvc.NewReactionRegistry()
	for name, handler := range connectors.Reactions {
		registry.Register(name, handler)
	}

	broker := automationsvc.NewTokenBroker(stores.Tokens, stores.Notify, connectors.Refreshers, log).
		WithRefreshWindow(cfg.Runtime.TokenRefreshWindow())
	if cfg.Runtime.RedisURL != "" {
		if opt, err := redis.ParseURL(cfg.Runtime.RedisURL); err != nil {
			log.WithError(err).Warn("invalid RUNTIME_REDIS_URL, refresh coalescing stays process-local")
		} else {
			broker = broker.WithDistributedLock(redis.NewClient(opt))
		}
	}

	tracer := tracing.NewGlobalTracer("area-engine")

	dispatcher := automationsvc.NewDispatcher(stores.Executions, stores.Automations, stores.Reactions, stores.Services, broker, registry, nil, log).
		WithWorkerCount(cfg.Runtime.WorkerCount).
		WithDefaultMaxAttempts(cfg.Runtime.DefaultRetryMax).
		WithBackoff(cfg.Runtime.RetryBase(), cfg.Runtime.RetryCap()).
		WithReclaimThreshold(cfg.Runtime.ReclaimRunningAfter()).
		WithMetrics(m).
		WithTracer(tracer)

	admitter := automationsvc.NewAdmitter(stores.Executions, dispatcher, log).
		WithSchemaValidation(stores.Automations, stores.Actions, stores.Reactions)
	scheduler := automationsvc.NewScheduler(stores.Automations, admitter, log)
	scheduler.WithTracer(tracer)
	webhooks := automationsvc.NewWebhookReceiver(stores.Services, stores.Actions, stores.Automations, stores.Webhooks, admitter, cfg.Runtime.WebhookSecrets, log)
	discovery := automationsvc.NewDiscoveryHandler(stores.Services, stores.Actions, stores.Reactions)
	retention := automationsvc.NewRetentionTask(stores.Executions, m, log).
		WithRetentionDays(cfg.Runtime.RetentionSuccessDays, cfg.Runtime.RetentionFailedDays)

	var pollers []*automationsvc.Poller
	for serviceName, fetcher := range connectors.Pollers {
		svc, err := stores.Services.GetServiceByName(context.Background(), serviceName)
		if err != nil {
			continue
		}
		pollers = append(pollers, automationsvc.NewPoller(
			serviceName, svc.ID,
			stores.Automations, stores.ActionStates, stores.Webhooks, stores.Tokens, stores.Notify,
			broker, admitter, fetcher,
			cfg.Runtime.PollInterval(), log,
		))
	}

	stats := func() map[string]any {
		return map[string]any{
			"worker_count":   cfg.Runtime.WorkerCount,
			"poller_count":   len(pollers),
			"reaction_count": registry.Len(),
		}
	}
	httpSvc := httpapi.NewService(cfg.Server.Addr(), connectors.DB, webhooks, discovery, stats, log)

	a := &Application{
		manager:    system.NewManager(),
		log:        log,
		Admitter:   admitter,
		Scheduler:  scheduler,
		Broker:     broker,
		Registry:   registry,
		Dispatcher: dispatcher,
		Webhooks:   webhooks,
		Discovery:  discovery,
		Retention:  retention,
		Pollers:    pollers,
		HTTP:       httpSvc,
	}

	for _, svc := range a.services() {
		if err := a.manager.Register(svc); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// services lists every component in the order it must start: the
// dispatcher first (so Executions admitted by a producer always have a
// worker pool ready to pick them up), then the trigger producers, then
// retention, then the HTTP surface last so it only starts accepting
// webhook traffic once everything behind it is running.
func (a *Application) services() []system.Service {
	out := []system.Service{a.Dispatcher, a.Scheduler, a.Retention}
	for _, p := range a.Pollers {
		out = append(out, p)
	}
	out = append(out, a.HTTP)
	return out
}

// Descriptors advertises every component's architectural placement, for a
// diagnostics/introspection endpoint to surface if one is ever added.
func (a *Application) Descriptors() []core.Descriptor {
	out := []core.Descriptor{a.Dispatcher.Descriptor(), a.Scheduler.Descriptor(), a.Retention.Descriptor()}
	for _, p := range a.Pollers {
		out = append(out, p.Descriptor())
	}
	return out
}

// Start brings up every registered component in order, rolling back
// whatever already started if one fails.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop tears down every component in reverse start order, collecting
// errors rather than aborting at the first one.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
