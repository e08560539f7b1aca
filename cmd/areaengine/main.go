// Command areaengine runs the action-reaction automation engine: it wires
// storage (PostgreSQL when a DSN is supplied, in-memory otherwise), applies
// embedded migrations, starts the trigger producers and dispatcher, and
// serves the webhook/discovery HTTP surface until signalled to stop.
package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	infraconfig "github.com/r3e-network/area-engine/infrastructure/config"
	app "github.com/r3e-network/area-engine/internal/app"
	"github.com/r3e-network/area-engine/internal/app/connectors"
	automationsvc "github.com/r3e-network/area-engine/internal/app/services/automation"
	"github.com/r3e-network/area-engine/internal/app/storage/postgres"
	"github.com/r3e-network/area-engine/internal/platform/database"
	"github.com/r3e-network/area-engine/internal/platform/migrations"
	"github.com/r3e-network/area-engine/pkg/config"
	"github.com/r3e-network/area-engine/pkg/logger"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address (defaults to config or :8080)")
	dsn := flag.String("dsn", "", "PostgreSQL DSN (overrides config/env; in-memory storage when empty)")
	configPath := flag.String("config", "", "path to a YAML configuration file")
	runMigrations := flag.Bool("migrate", true, "apply embedded database migrations on startup (ignored for in-memory)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if addrVal := strings.TrimSpace(*addr); addrVal != "" {
		cfg.Server.Host, cfg.Server.Port = splitAddr(addrVal, cfg.Server.Host, cfg.Server.Port)
	}

	appLog := logger.New(cfg.Logging)

	stores := app.Stores{}

	rootCtx := context.Background()

	dsnVal := strings.TrimSpace(*dsn)
	if dsnVal == "" {
		dsnVal = cfg.Database.DSN
	}

	var db *sql.DB
	if dsnVal != "" {
		db, err = database.Open(rootCtx, dsnVal)
		if err != nil {
			log.Fatalf("connect to postgres: %v", err)
		}
		configurePool(db, cfg)
		if *runMigrations {
			if err := migrations.Apply(rootCtx, db); err != nil {
				log.Fatalf("apply migrations: %v", err)
			}
		}
		store := postgres.New(db)
		if secretKey, err := infraconfig.EnvBytes("SECRET_ENCRYPTION_KEY"); err == nil {
			store.WithSecretKey(secretKey)
		}
		stores = app.Stores{
			Services:     store,
			Actions:      store,
			Reactions:    store,
			Automations:  store,
			ActionStates: store,
			Executions:   store,
			Tokens:       store,
			Webhooks:     store,
			Notify:       store,
		}
	}
	if db != nil {
		defer db.Close()
	}

	// Reaction handlers and token refreshers remain a per-deployment concern
	// left for a fuller composition root; the built-in weather and Slack
	// pollers are wired here since both ship with the engine itself.
	application, err := app.New(stores, cfg, app.Connectors{
		DB: db,
		Pollers: map[string]automationsvc.PollFetcher{
			"weather": connectors.NewWeatherFetcher(),
			"slack":   connectors.NewSlackFetcher(),
		},
	}, appLog)
	if err != nil {
		log.Fatalf("initialise application: %v", err)
	}

	if err := application.Start(rootCtx); err != nil {
		log.Fatalf("start application: %v", err)
	}
	log.Printf("area engine listening on %s", cfg.Server.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := application.Stop(shutdownCtx); err != nil {
		log.Fatalf("shutdown: %v", err)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if trimmed := strings.TrimSpace(path); trimmed != "" {
		return config.LoadFile(trimmed)
	}
	return config.Load()
}

func splitAddr(addr, defaultHost string, defaultPort int) (string, int) {
	host, port, ok := strings.Cut(addr, ":")
	if !ok {
		return defaultHost, defaultPort
	}
	if host == "" {
		host = defaultHost
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return host, defaultPort
	}
	return host, portNum
}

func configurePool(db *sql.DB, cfg *config.Config) {
	if cfg.Database.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Second)
	}
}
