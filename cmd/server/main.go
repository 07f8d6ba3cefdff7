package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbazus/qub-drive-sub000/internal/api"
	"github.com/benbazus/qub-drive-sub000/internal/collab"
	"github.com/benbazus/qub-drive-sub000/internal/config"
	"github.com/benbazus/qub-drive-sub000/internal/db"
	"github.com/benbazus/qub-drive-sub000/internal/repository"
	"github.com/benbazus/qub-drive-sub000/internal/services"
	"github.com/benbazus/qub-drive-sub000/internal/telemetry"
)

func main() {
	log.Println("🚀 Starting collaboration server...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	// Tracing comes up first so every later operation is traced.
	jaegerShutdown, err := telemetry.InitJaeger("qub-collab", cfg.JaegerEndpoint)
	if err != nil {
		log.Printf("⚠️  Failed to initialize Jaeger: %v (continuing without tracing)", err)
		jaegerShutdown = func(ctx context.Context) error { return nil }
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := jaegerShutdown(ctx); err != nil {
			log.Printf("⚠️  Failed to shutdown Jaeger: %v", err)
		}
	}()

	database, err := db.NewGorm(cfg)
	if err != nil {
		log.Fatalf("❌ Failed to connect to database: %v", err)
	}
	defer database.Close()

	opRepo := repository.NewOperationRepository(database.DB)
	conflictRepo := repository.NewConflictRepository(database.DB)
	historyRepo := repository.NewHistoryRepository(database.DB)
	snapshotRepo := repository.NewSnapshotRepository(database.DB)

	persister := services.NewPersisterService(
		opRepo,
		conflictRepo,
		historyRepo,
		snapshotRepo,
		cfg.PersistWorkers,
		cfg.PersistQueueSize,
	)
	persister.Start()

	registry := collab.NewRegistry(collab.Config{
		LockTimeout:          cfg.LockTimeout,
		CursorThrottle:       cfg.CursorThrottle,
		MaxHistoryEntries:    cfg.MaxHistoryEntries,
		AutoResolveConflicts: cfg.AutoResolveConflicts,
	}, snapshotRepo, opRepo, persister)

	wsHandler := collab.NewWebSocketHandler(registry, nil, cfg.HeartbeatInterval)

	handler := api.NewHandler(registry, conflictRepo, historyRepo, wsHandler)
	router := api.SetupRoutes(handler)

	addr := fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("🌐 Server listening on http://%s", addr)
		log.Printf("📚 Endpoints:")
		log.Printf("   GET    /api/sessions/:id                        - Session state")
		log.Printf("   GET    /api/sessions/:id/conflicts              - Pending conflicts")
		log.Printf("   POST   /api/sessions/:id/conflicts/:cid/resolve - Resolve conflict")
		log.Printf("   GET    /api/sessions/:id/history                - Change history")
		log.Printf("   WS     /ws/document/:id                         - Document session")
		log.Printf("   WS     /ws/spreadsheet/:id                      - Spreadsheet session")
		log.Println()

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("\n🛑 Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("⚠️  Server forced to shutdown: %v", err)
	}

	// Sessions stop first so their final snapshots land in the persistence
	// queue before it drains.
	registry.Shutdown()
	persister.Shutdown()

	log.Println("✓ Server shutdown complete")
}
