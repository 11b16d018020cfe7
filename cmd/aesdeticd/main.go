// Aesdetic Core - WLED fleet controller
//
// This is the main entry point for the Aesdetic Core daemon. It keeps a
// canonical model of every WLED fixture on the local network consistent
// across user commands, device pushes, and liveness polls, and serves it to
// mobile and web controllers over REST and WebSocket.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/aesdetic/aesdetic-core/migrations"

	"github.com/aesdetic/aesdetic-core/internal/api"
	"github.com/aesdetic/aesdetic-core/internal/device"
	"github.com/aesdetic/aesdetic-core/internal/discovery"
	"github.com/aesdetic/aesdetic-core/internal/engine"
	"github.com/aesdetic/aesdetic-core/internal/infrastructure/config"
	"github.com/aesdetic/aesdetic-core/internal/infrastructure/database"
	"github.com/aesdetic/aesdetic-core/internal/infrastructure/logging"
	"github.com/aesdetic/aesdetic-core/internal/push"
	"github.com/aesdetic/aesdetic-core/internal/wled"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Aesdetic Core", "version", version, "commit", commit)

	cfg, err := loadConfig(log)
	if err != nil {
		return err
	}

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised", "level", cfg.Logging.Level, "format", cfg.Logging.Format)

	// Open database
	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Wire up the device pipeline: repository, WLED client, push transport,
	// reachability gate, reconciliation engine.
	repo := device.NewSQLiteRepository(db.DB)
	client := wled.NewHTTPClient()

	pushManager := push.NewManager(cfg.Push, log)
	defer func() {
		log.Info("closing push transport")
		pushManager.Close()
	}()

	gate := discovery.NewSubnetGate()
	eng := engine.New(cfg.Engine, log, repo, client, pushManager, gate)

	// Discovery feeds adoption candidates into the engine.
	disc := discovery.New(cfg.Discovery, log)

	// The API server registers its engine subscriptions in New, so it must
	// be constructed before the engine starts.
	server, err := api.New(api.Deps{
		Config:    cfg.API,
		WS:        cfg.WebSocket,
		Logger:    log,
		Engine:    eng,
		Discovery: disc,
		Version:   version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	if startErr := eng.Start(ctx); startErr != nil {
		return fmt.Errorf("starting engine: %w", startErr)
	}
	defer func() {
		log.Info("stopping engine")
		eng.Stop()
	}()

	if startErr := server.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		log.Info("stopping API server")
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	disc.Start(ctx)
	defer disc.Stop()
	go adoptLoop(ctx, disc, eng, log)

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	return nil
}

// adoptLoop consumes discovery candidates and adopts the new ones. Known
// addresses are quietly skipped; discovery keeps re-announcing them.
func adoptLoop(ctx context.Context, disc *discovery.Service, eng *engine.Engine, log *logging.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case found := <-disc.Found():
			dev, err := eng.Adopt(ctx, found.Name, found.IP)
			if err != nil {
				if errors.Is(err, device.ErrDeviceExists) {
					continue
				}
				log.Debug("adoption failed", "ip", found.IP, "source", found.Source, "error", err)
				continue
			}
			log.Info("device discovered and adopted",
				"device_id", dev.ID, "name", dev.Name, "ip", dev.IPAddress, "source", found.Source)
		}
	}
}

// loadConfig reads the configuration file, falling back to built-in defaults
// when no file is present (first run, container without a mounted config).
func loadConfig(log *logging.Logger) (*config.Config, error) {
	path := getConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Warn("config file not found, using defaults", "path", path)
			return config.Default(), nil
		}
		return nil, fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", path)
	return cfg, nil
}

// getConfigPath returns the configuration file path.
// Uses AESDETIC_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("AESDETIC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
