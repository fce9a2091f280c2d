package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/storyloom/storyloom-agent/internal/api"
	"github.com/storyloom/storyloom-agent/internal/batch"
	"github.com/storyloom/storyloom-agent/internal/config"
	"github.com/storyloom/storyloom-agent/internal/db"
	"github.com/storyloom/storyloom-agent/internal/generate"
	"github.com/storyloom/storyloom-agent/internal/logging"
	"github.com/storyloom/storyloom-agent/internal/project"
	"github.com/storyloom/storyloom-agent/internal/session"
	"github.com/storyloom/storyloom-agent/internal/triggers"
	"github.com/storyloom/storyloom-agent/internal/ui"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("fatal error: %v", err)
	}
}

func run() error {
	startTime := time.Now()

	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir(), 0755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel())
	logger.Info("starting storyloom agent", "version", config.Version, "data_dir", cfg.DataDir())

	database, err := db.New(cfg.DBPath(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	store := project.NewStore(database.Conn(), cfg.BlobQuotaBytes(), logger)

	deviceID, err := ensureDeviceID(store)
	if err != nil {
		return fmt.Errorf("failed to ensure device ID: %w", err)
	}

	authToken, err := ensureAuthToken(store)
	if err != nil {
		return fmt.Errorf("failed to ensure auth token: %w", err)
	}

	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════╗")
	fmt.Println("║                   STORYLOOM AGENT v" + config.Version + "                   ║")
	fmt.Println("╠═══════════════════════════════════════════════════════════╣")
	fmt.Printf("║  API URL:    http://127.0.0.1:%-27d ║\n", cfg.Port())
	fmt.Printf("║  Auth Token: %-45s ║\n", authToken)
	fmt.Printf("║  Device ID:  %-45s ║\n", deviceID[:16]+"...")
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Println()

	current, err := store.LoadProject(context.Background())
	if err != nil {
		logger.Warn("failed to load project, starting fresh", "error", err)
	}
	if current == nil {
		p := project.New("Untitled Story")
		store.SaveProject(context.Background(), p)
		current = &p
		logger.Info("created new project", "project_id", p.ID)
	} else {
		logger.Info("loaded project",
			"project_id", current.ID,
			"title", current.Title,
			"scenes", len(current.Scenes),
		)
	}

	var gen generate.Service
	if cfg.WorkerURL() != "" {
		gen = generate.NewHTTPService(cfg.WorkerURL(), cfg.WorkerKey(), cfg.WorkerTimeout(), logger)
		logger.Info("generation worker configured", "url", cfg.WorkerURL())
	} else {
		gen = generate.NewStubService(logger)
		logger.Warn("no generation worker configured, using stub service")
	}

	queue := batch.NewBlobStore(store)
	engine := triggers.NewEngine(triggers.DefaultLibrary(), logger)
	mgr := session.NewManager(*current, store, queue, engine, logger)
	runner := batch.NewRunner(mgr, gen, queue, cfg.Batch(), logger)

	hub := api.NewHub(logger)
	mgr.Subscribe(func(p project.Project) {
		hub.Broadcast(api.Event{Type: "project_updated", Payload: map[string]interface{}{
			"project_id": p.ID,
			"version":    p.Version,
			"scenes":     len(p.Scenes),
			"complete":   p.CompleteCount(),
			"errors":     p.ErrorCount(),
		}})
	})

	if offer, err := runner.ResumeOffer(context.Background()); err == nil && offer != nil {
		logger.Info("interrupted batch found",
			"pending", len(offer.Pending),
			"completed", len(offer.Completed),
		)
	}

	apiServer := api.NewServer(api.ServerConfig{
		Port:      cfg.Port(),
		Session:   mgr,
		Runner:    runner,
		Store:     store,
		Hub:       hub,
		Logger:    logger,
		StartTime: startTime,
		DeviceID:  deviceID,
	})

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	quitCh := make(chan struct{})

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig)
			close(quitCh)
		case <-quitCh:
		}
	}()

	if cfg.Headless() {
		logger.Info("running in headless mode (no system tray)")
		runner.SetProgressFunc(func(p batch.Progress) {
			hub.Broadcast(api.Event{Type: "batch_progress", Payload: p})
		})
	} else {
		tray := ui.NewTray(ui.TrayConfig{
			Session: mgr,
			Runner:  runner,
			Logger:  logger,
			OnQuit: func() {
				close(quitCh)
			},
		})
		runner.SetProgressFunc(func(p batch.Progress) {
			hub.Broadcast(api.Event{Type: "batch_progress", Payload: p})
			tray.OnProgress(p)
		})
		go tray.Run()
	}

	<-quitCh

	logger.Info("initiating graceful shutdown")
	runner.Cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}
	hub.Close()

	logger.Info("shutdown complete")
	return nil
}

func ensureDeviceID(store *project.Store) (string, error) {
	ctx := context.Background()

	existing, err := store.GetConfig(ctx, "device_id")
	if err == nil && existing != "" {
		return existing, nil
	}

	idBytes := make([]byte, 16)
	if _, err := rand.Read(idBytes); err != nil {
		return "", err
	}
	deviceID := hex.EncodeToString(idBytes)

	if err := store.SetConfig(ctx, "device_id", deviceID); err != nil {
		return "", err
	}

	return deviceID, nil
}

func ensureAuthToken(store *project.Store) (string, error) {
	ctx := context.Background()

	existing, err := store.GetConfig(ctx, "auth_token")
	if err == nil && existing != "" {
		return existing, nil
	}

	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", err
	}
	token := hex.EncodeToString(tokenBytes)

	if err := store.SetConfig(ctx, "auth_token", token); err != nil {
		return "", err
	}

	return token, nil
}
