// Package main is the stock watcher entry point. It loads the config, opens
// storage and the event bus, runs the estimation pipeline and serves the
// HTTP API until SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Spatial-NVR/stockwatch/internal/api"
	"github.com/Spatial-NVR/stockwatch/internal/config"
	"github.com/Spatial-NVR/stockwatch/internal/core"
	"github.com/Spatial-NVR/stockwatch/internal/database"
	"github.com/Spatial-NVR/stockwatch/internal/detection"
	"github.com/Spatial-NVR/stockwatch/internal/logging"
	"github.com/Spatial-NVR/stockwatch/internal/pipeline"
	"github.com/Spatial-NVR/stockwatch/internal/reporting"
	"github.com/Spatial-NVR/stockwatch/internal/snapshots"
)

const defaultDataPath = "/data"

func main() {
	if err := run(); err != nil {
		slog.Error("Stock watcher failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	dataPath := getEnv("DATA_PATH", defaultDataPath)
	configPath := findConfigFile(dataPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", configPath, err)
	}
	cfg.SetPath(configPath)
	if os.Getenv("DATA_PATH") != "" {
		cfg.System.DataPath = dataPath
	}

	logger := logging.Setup(os.Stdout, getEnv("LOG_LEVEL", cfg.System.Logging.Level), cfg.System.Logging.Format)
	logger.Info("Starting stock watcher",
		"version", api.Version,
		"config_path", configPath,
		"data_path", cfg.System.DataPath,
		"cameras", len(cfg.Cameras),
		"shelves", len(cfg.Shelves),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage
	dbCfg := database.DefaultConfig(cfg.System.DataPath)
	if cfg.System.Database.Path != "" {
		dbCfg.Path = cfg.System.Database.Path
	}
	db, err := database.Open(dbCfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.NewMigrator(db).Run(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	repo := snapshots.NewRepository(db)

	// Event bus
	storeDir := cfg.Events.StoreDir
	if cfg.Events.JetStream && storeDir == "" {
		storeDir = filepath.Join(cfg.System.DataPath, "nats")
	}
	bus, err := core.NewEventBus(core.EventBusConfig{
		Host:            cfg.Events.Host,
		Port:            cfg.Events.Port,
		StoreDir:        storeDir,
		EnableJetStream: cfg.Events.JetStream,
	}, logger)
	if err != nil {
		return err
	}
	defer bus.Stop()

	// Detection
	detectorAddr := cfg.Detector.Address
	if cfg.Detector.Embedded {
		embedded, err := startEmbeddedDetector(ctx, cfg.Detector.Fixture, logger)
		if err != nil {
			return err
		}
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer stopCancel()
			_ = embedded.Stop(stopCtx)
		}()
		detectorAddr = embedded.Address()
	}

	detector, err := detection.NewClient(detection.ClientConfig{
		Address: detectorAddr,
		Timeout: cfg.Detector.Timeout,
	})
	if err != nil {
		return err
	}

	// Pipeline
	threshold := cfg.Threshold()
	controller := pipeline.NewController(pipeline.Config{
		FrameBufferSize:     cfg.Pipeline.FrameBufferSize,
		ResultBufferSize:    cfg.Pipeline.ResultBufferSize,
		ConfidenceThreshold: &threshold,
	}, detector, cfg.OpenSource)

	shelves, err := cfg.ShelfMap()
	if err != nil {
		return err
	}
	if err := controller.SetShelves(shelves); err != nil {
		return err
	}

	hub := api.NewHub(cfg.API.AllowedOrigins...)
	go hub.Run(ctx)

	controller.OnLifecycle(func(ev pipeline.LifecycleEvent) {
		if err := bus.PublishLifecycle(ev); err != nil {
			logger.Warn("Failed to publish pipeline event", "error", err)
		}
		hub.BroadcastPipelineState(ev)
	})

	// Shelf edits apply to the next run; a running pipeline keeps its map
	cfg.OnChange(func(c *config.Config) {
		m, err := c.ShelfMap()
		if err != nil {
			logger.Error("Ignoring invalid shelf map", "error", err)
			return
		}
		if err := controller.SetShelves(m); err != nil {
			if errors.Is(err, pipeline.ErrAlreadyRunning) {
				logger.Info("Shelf map changed, restart the pipeline to apply it")
			} else {
				logger.Error("Failed to apply shelf map", "error", err)
			}
			return
		}
		logger.Info("Shelf map updated", "shelves", m.Len())
	})
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	if err := cfg.Watch(stopWatch); err != nil {
		logger.Warn("Config hot reload disabled", "error", err)
	}

	reporter := reporting.New(controller, reporting.Config{
		PollInterval: cfg.Pipeline.PollInterval,
		Minimums:     cfg.MinStock,
		Retention:    cfg.System.Database.Retention,
		Pruner:       repo,
	},
		reporting.StoreSink(repo),
		reporting.BusSink(bus),
		reporting.HubSink(hub),
	)
	reporterDone := make(chan struct{})
	go func() {
		reporter.Run(ctx)
		close(reporterDone)
	}()

	if cfg.AutostartEnabled() {
		if ids := cfg.EnabledCameraIDs(); len(ids) > 0 {
			if err := controller.Start(ids); err != nil {
				logger.Error("Failed to start pipeline", "error", err)
			}
		} else {
			logger.Warn("No enabled cameras, pipeline not started")
		}
	}

	// HTTP API
	router := api.NewRouter(api.Deps{
		Pipeline:  api.NewPipelineHandler(controller, cfg, reporter),
		Snapshots: api.NewSnapshotHandler(repo),
		Hub:       hub,
		Logs:      logging.GetLogBuffer(),
		Checks: map[string]api.HealthChecker{
			"database": db,
			"eventbus": api.HealthFunc(bus.HealthCheck),
			"detector": api.HealthFunc(func(ctx context.Context) error {
				status, err := detector.GetStatus(ctx)
				if err != nil {
					return err
				}
				if !status.Connected {
					return fmt.Errorf("detection service unreachable at %s", detectorAddr)
				}
				return nil
			}),
		},
		AllowedOrigins: cfg.API.AllowedOrigins,
	})

	server := &http.Server{
		Addr:        cfg.API.Address,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "address", cfg.API.Address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Shutting down", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("Server error", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}

	// Stop producing, then let the reporter flush what is buffered
	controller.Stop()
	cancel()
	<-reporterDone

	logger.Info("Stock watcher stopped")
	return nil
}

// startEmbeddedDetector serves fixture detections in-process. Without a
// fixture every frame reports no objects.
func startEmbeddedDetector(ctx context.Context, fixturePath string, logger *slog.Logger) (*detection.EmbeddedServer, error) {
	var backend detection.Detector
	if fixturePath != "" {
		fixture, err := detection.LoadFixture(fixturePath)
		if err != nil {
			return nil, err
		}
		backend = fixture
	}

	server := detection.NewEmbeddedServer(detection.EmbeddedServerConfig{
		Backend: backend,
		Logger:  logger,
	})
	if err := server.Start(ctx); err != nil {
		return nil, err
	}
	logger.Info("Using embedded detector", "address", server.Address(), "fixture", fixturePath)
	return server, nil
}

// findConfigFile returns CONFIG_PATH when it exists, otherwise the first
// config.yaml found in the usual locations
func findConfigFile(dataPath string) string {
	if configPath := os.Getenv("CONFIG_PATH"); configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
	}

	locations := []string{
		filepath.Join(dataPath, "config.yaml"),
		"./config/config.yaml",
		"/config/config.yaml",
	}
	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}

	return filepath.Join(dataPath, "config.yaml")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
