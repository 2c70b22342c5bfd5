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

	"github.com/kylephillipsau/nosdesk-collab/internal/api"
	"github.com/kylephillipsau/nosdesk-collab/internal/config"
	"github.com/kylephillipsau/nosdesk-collab/internal/db"
	"github.com/kylephillipsau/nosdesk-collab/internal/hub"
	"github.com/kylephillipsau/nosdesk-collab/internal/repository"
	"github.com/kylephillipsau/nosdesk-collab/internal/telemetry"
)

func main() {
	log.Println("🚀 Starting nosdesk collaboration server...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	// Tracing first so everything below runs instrumented.
	jaegerShutdown, err := telemetry.InitJaeger("nosdesk-collab", cfg.JaegerEndpoint)
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

	updateRepo := repository.NewUpdateRepository(database.DB)
	revisionRepo := repository.NewRevisionRepository(database.DB)

	h := hub.New(updateRepo)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	// Optional multi-node fan-out over redis.
	if cfg.RedisURL != "" {
		fanout, err := hub.NewFanout(cfg.RedisURL)
		if err != nil {
			log.Fatalf("❌ Failed to connect to redis: %v", err)
		}
		defer fanout.Close()
		h.SetPublisher(fanout)
		go fanout.Run(runCtx, h)
	}

	h.Start()

	go pruneLoop(runCtx, updateRepo, h, cfg.UpdateRetention)

	handler := api.NewHandler(revisionRepo, updateRepo)
	router := api.SetupRoutes(handler, hub.NewHandler(h, cfg.AuthToken))

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
		log.Printf("   WS     /ws/document/:id                 - Document collaboration room")
		log.Printf("   GET    /api/documents/:id/revisions     - List revision snapshots")
		log.Printf("   POST   /api/documents/:id/revisions     - Create revision snapshot")
		log.Printf("   GET    /api/documents/:id/revisions/:n  - Fetch one snapshot")
		log.Printf("   GET    /api/documents/:id/stats         - Update log stats")
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

	h.Shutdown()

	log.Println("✓ Server shutdown complete")
}

// pruneLoop periodically trims each active document's update log to the
// retention cap.
func pruneLoop(ctx context.Context, repo *repository.UpdateRepository, h *hub.Hub, keep int) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, documentID := range h.ActiveDocuments() {
				if err := repo.PruneUpdates(ctx, documentID, keep); err != nil {
					log.Printf("⚠️  Prune failed for %s: %v", documentID, err)
				}
			}
		}
	}
}
