package app

import (
	"context"
	"testing"
	"time"

	"github.com/r3e-network/area-engine/internal/app/storage/memory"
	"github.com/r3e-network/area-engine/pkg/config"
)

// TestApplication_StartStop exercises the full composition root with a
// single Application instance: New constructs every component (applying
// store defaults for the entities left unset), Start brings them all up
// (including the HTTP listener on an ephemeral port), and Stop tears them
// back down cleanly. A second Application in the same test binary would
// panic on Prometheus' default registry via a duplicate metric
// registration, so this stays one test rather than two.
func TestApplication_StartStop(t *testing.T) {
	store := memory.New()

	cfg := config.New()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Runtime.WorkerCount = 1

	application, err := New(Stores{
		Services:    store,
		Actions:     store,
		Reactions:   store,
		Automations: store,
	}, cfg, Connectors{}, nil)
	if err != nil {
		t.Fatalf("unexpected error constructing application: %v", err)
	}
	if application.Dispatcher == nil || application.Scheduler == nil || application.HTTP == nil {
		t.Fatal("expected every core component to be constructed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := application.Start(ctx); err != nil {
		t.Fatalf("unexpected error starting application: %v", err)
	}

	descriptors := application.Descriptors()
	if len(descriptors) == 0 {
		t.Fatal("expected at least one component descriptor")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	if err := application.Stop(stopCtx); err != nil {
		t.Fatalf("unexpected error stopping application: %v", err)
	}
}
