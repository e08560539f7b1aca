// Package httpapi exposes the engine's inbound HTTP surface (§6.2):
// webhook ingestion, service discovery, and operational probes, mounted on
// a single chi router and run as a lifecycle-managed system.Service.
package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	infralogging "github.com/r3e-network/area-engine/infrastructure/logging"
	infraMiddleware "github.com/r3e-network/area-engine/infrastructure/middleware"
	infraservice "github.com/r3e-network/area-engine/infrastructure/service"
	automationsvc "github.com/r3e-network/area-engine/internal/app/services/automation"
	"github.com/r3e-network/area-engine/internal/app/system"
	"github.com/r3e-network/area-engine/pkg/logger"
	"github.com/r3e-network/area-engine/pkg/version"
)

// requestsPerSecond and burst bound inbound webhook delivery volume per
// remote address; well above what any single legitimate webhook sender
// produces, but enough to blunt an accidental retry storm.
const (
	requestsPerSecond = 20
	burst             = 40

	startupGrace = 20 * time.Second
)

// Service serves the engine's inbound HTTP routes and fits the system
// manager lifecycle, mirroring the Dispatcher/Poller/RetentionTask
// Start/Stop shape used elsewhere in the engine.
type Service struct {
	addr    string
	server  *http.Server
	handler http.Handler
	log     *logger.Logger
	probes  *infraservice.ProbeManager
}

// StatsFunc reports a snapshot of runtime counters for the /info endpoint
// (worker counts, poller names, and the like); nil is treated as "no extra
// statistics to report".
type StatsFunc func() map[string]any

// NewService builds the HTTP service. webhooks and discovery may be used
// independently of each other; both are optional (a nil receiver simply
// isn't mounted), which keeps tests that only need one endpoint light.
func NewService(addr string, db *sql.DB, webhooks *automationsvc.WebhookReceiver, discovery *automationsvc.DiscoveryHandler, stats StatsFunc, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("http")
	}
	traceLog := infralogging.NewFromEnv("http")
	limiter := infraMiddleware.NewRateLimiter(requestsPerSecond, burst, traceLog)
	bodyLimit := infraMiddleware.NewBodyLimitMiddleware(0)
	timeoutMW := infraMiddleware.NewTimeoutMiddleware(0)
	securityHeaders := infraMiddleware.NewSecurityHeadersMiddleware(nil)
	cors := infraMiddleware.NewCORSMiddleware(nil)

	probes := infraservice.NewProbeManager(startupGrace)

	base := infraservice.NewBase(&infraservice.BaseConfig{
		ID:      "area-engine",
		Name:    "area-engine",
		Version: version.FullVersion(),
		DB:      db,
	})
	if stats != nil {
		base.WithStats(func() map[string]any { return stats() })
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(middleware.RequestID)
	router.Use(infraMiddleware.LoggingMiddleware(traceLog))
	router.Use(securityHeaders.Handler)
	router.Use(cors.Handler)
	router.Use(bodyLimit.Handler)
	router.Use(timeoutMW.Handler)
	router.Use(limiter.Handler)

	router.Get("/healthz", probes.LivenessHandler())
	router.Get("/readyz", probes.ReadinessHandler())
	router.Get("/startupz", probes.StartupHandler())
	router.Get("/health", infraservice.HealthHandler(base))
	router.Get("/info", infraservice.InfoHandler(base))

	if webhooks != nil {
		webhooks.Mount(router)
	}
	if discovery != nil {
		discovery.Mount(router)
	}

	probes.SetReady(true)

	return &Service{addr: addr, handler: router, log: log, probes: probes}
}

var _ system.Service = (*Service)(nil)

// Name identifies the service for system wiring.
func (s *Service) Name() string { return "http" }

// Start begins serving HTTP traffic in the background.
func (s *Service) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("http server error")
		}
	}()
	return nil
}

// Stop marks the service not-ready so readiness probes fail fast during
// drain, then gracefully shuts down in-flight requests.
func (s *Service) Stop(ctx context.Context) error {
	if s.probes != nil {
		s.probes.SetReady(false)
	}
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
