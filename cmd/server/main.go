package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/openmeet/session-engine/internal/api"
	"github.com/openmeet/session-engine/internal/config"
	"github.com/openmeet/session-engine/internal/session"
	"github.com/openmeet/session-engine/internal/storage/sqlite"
	"github.com/openmeet/session-engine/internal/summary"
	"github.com/openmeet/session-engine/internal/websocket"
	"github.com/openmeet/session-engine/pkg/logger"
)

var (
	// Version is injected at build time
	Version = "dev"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file (optional - will search in configs/ and root directory)")
	flag.Parse()

	// Load configuration with fallback logic
	cfg, err := config.LoadWithFallback(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Create logger
	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting session engine",
		logger.String("version", Version),
		logger.String("config_path", *configPath),
	)

	// Generate today's database filename
	today := time.Now().Format("2006-01-02")
	dbFilename := fmt.Sprintf("sessions-%s.db", today)
	dbPath := filepath.Join(cfg.Storage.SQLiteBasePath, dbFilename)

	// Ensure the directory exists
	if err := os.MkdirAll(cfg.Storage.SQLiteBasePath, 0755); err != nil {
		log.Error("Failed to create database directory", logger.Error(err), logger.String("path", cfg.Storage.SQLiteBasePath))
		os.Exit(1)
	}

	log.Info("Using daily database", logger.String("path", dbPath))

	// Create SQLite storage
	storage, err := sqlite.NewStorage(dbPath, log)
	if err != nil {
		log.Error("Failed to create SQLite storage", logger.Error(err))
		os.Exit(1)
	}
	defer storage.Close()

	// Create the async durable store writer
	writer := sqlite.NewWriter(storage, sqlite.WriterConfig{
		QueueSize:      cfg.Persistence.QueueSize,
		RetryBaseDelay: time.Duration(cfg.Persistence.RetryBaseDelayMs) * time.Millisecond,
		RetryMaxDelay:  time.Duration(cfg.Persistence.RetryMaxDelayMs) * time.Millisecond,
		MaxRetries:     cfg.Persistence.MaxRetries,
	}, log)

	// Create the session registry
	registry := session.NewRegistry(writer, storage, session.Tunables{
		EvictionGrace:      cfg.Session.EvictionGrace(),
		SpeakingQuiet:      cfg.Presence.SpeakingQuietInterval(),
		ViewerBufferSize:   cfg.Broadcast.ViewerBufferSize,
		NonceRetention:     cfg.Bookmarks.NonceRetention(),
		MaxInterimRetained: cfg.Session.MaxInterimRetained,
	}, cfg.Session.AttachTimeout(), log)

	// Create summary service (nil when disabled)
	summaryService := summary.NewService(cfg.Summary, storage, log)
	summaryService.Start()
	registry.SetCompletionHook(summaryService.Enqueue)

	// Create WebSocket server for viewer streams
	wsServer := websocket.NewServer(registry, cfg.Broadcast.DrainTimeout(), log)

	// Create API handler and router
	handler := api.NewHandler(registry, storage, writer, wsServer, log)
	router := api.NewRouter(handler)

	// --- Setup for multiple HTTP servers ---
	var servers []*http.Server
	allPorts := []int{cfg.Server.Port}
	if len(cfg.Server.AdditionalPorts) > 0 {
		allPorts = append(allPorts, cfg.Server.AdditionalPorts...)
	}

	log.Info("Configured listener ports", logger.Any("ports", allPorts))

	for _, port := range allPorts {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, port)
		server := &http.Server{
			Addr:         addr,
			Handler:      router,
			ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSecs) * time.Second,
			WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSecs) * time.Second,
			IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSecs) * time.Second,
		}
		servers = append(servers, server)

		go func(s *http.Server) {
			log.Info("Starting HTTP server", logger.String("addr", s.Addr))
			if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("HTTP server error on startup", logger.String("addr", s.Addr), logger.Error(err))
			}
		}(server)
	}

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down server...")

	// Shutdown all HTTP servers first so no new work arrives
	log.Info("Shutting down HTTP servers...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	var wg sync.WaitGroup
	for _, s := range servers {
		wg.Add(1)
		go func(srv *http.Server) {
			defer wg.Done()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error("HTTP server shutdown error", logger.String("addr", srv.Addr), logger.Error(err))
			} else {
				log.Info("HTTP server shutdown complete", logger.String("addr", srv.Addr))
			}
		}(s)
	}
	wg.Wait()

	// Stop session workers, then drain pending writes
	log.Info("Stopping session registry...")
	registry.Shutdown()
	log.Info("Session registry stopped.")

	log.Info("Stopping summary service...")
	summaryService.Stop()
	log.Info("Summary service stopped.")

	log.Info("Draining durable store writer...")
	writer.Close()
	log.Info("Durable store writer stopped.")

	log.Info("Server fully stopped")
}
