// Package service provides common service infrastructure for engine components.
package service

import (
	"context"

	"github.com/go-chi/chi/v5"
)

// =============================================================================
// Core Service Interfaces
// =============================================================================

// Runner is the interface every long-running engine component (poller,
// webhook server, dispatcher, token broker) must implement. This ensures
// consistent lifecycle management and HTTP exposure across all of them.
type Runner interface {
	// Identity
	ID() string
	Name() string
	Version() string

	// Lifecycle
	Start(ctx context.Context) error
	Stop() error

	// HTTP
	Router() chi.Router
}

// =============================================================================
// Optional Capability Interfaces
// =============================================================================

// StatisticsProvider provides runtime statistics for the /info endpoint.
// Services implementing this interface will have their statistics included
// in the standard info response.
type StatisticsProvider interface {
	// Statistics returns service-specific runtime statistics.
	// The returned map will be included in the /info response under "statistics".
	Statistics() map[string]any
}

// Hydratable services can reload state from persistence on startup.
// This is called during Start() after the base service is initialized
// but before background workers are started.
type Hydratable interface {
	// Hydrate loads persistent state into memory.
	// Called once during service startup.
	Hydrate(ctx context.Context) error
}

// =============================================================================
// Health Check Interface
// =============================================================================

// HealthChecker provides custom health check logic.
// Services implementing this can provide detailed health status.
type HealthChecker interface {
	// HealthStatus returns the current health status.
	// Returns "healthy", "degraded", or "unhealthy".
	HealthStatus() string

	// HealthDetails returns detailed health information.
	HealthDetails() map[string]any
}
