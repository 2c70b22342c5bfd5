package main

import (
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/kylephillipsau/nosdesk-collab/internal/config"
	"github.com/kylephillipsau/nosdesk-collab/internal/models"
	"github.com/kylephillipsau/nosdesk-collab/internal/session"
)

// logSurface is a headless rendering surface: instead of driving an editor
// it logs what a UI would display.
type logSurface struct {
	mu   sync.Mutex
	view *session.View
}

func (s *logSurface) Create(v session.View) error {
	s.mu.Lock()
	s.view = &v
	s.mu.Unlock()
	log.Printf("📄 Surface bound (read-only: %v)", v.ReadOnly)
	return nil
}

func (s *logSurface) UpdateState(v session.View) {
	s.mu.Lock()
	s.view = &v
	s.mu.Unlock()
	log.Printf("📄 Surface swapped (read-only: %v)", v.ReadOnly)
}

func (s *logSurface) State() (session.View, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.view == nil {
		return session.View{}, false
	}
	return *s.view, true
}

func (s *logSurface) Destroy() {
	s.mu.Lock()
	s.view = nil
	s.mu.Unlock()
	log.Println("📄 Surface destroyed")
}

func main() {
	log.Println("🚀 Starting collaboration agent...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}
	if cfg.DocumentID == "" {
		log.Fatal("❌ COLLAB_DOCUMENT_ID is required")
	}

	identity := models.UserInfo{
		ID:   cfg.UserID,
		Name: cfg.DisplayName,
	}
	if identity.ID == "" {
		identity.ID = uuid.NewString()
	}
	if identity.Name == "" {
		identity.Name = "Agent"
	}

	surface := &logSurface{}
	controller := session.NewController(identity, surface, session.Options{
		ServerURL:         cfg.ServerURL,
		Token:             cfg.AuthToken,
		MaxReconnects:     cfg.MaxReconnects,
		ReconnectCooldown: cfg.ReconnectCooldown,
		KeepaliveInterval: cfg.KeepaliveInterval,
		SuspendGrace:      cfg.SuspendGrace,
		OpenRetries:       cfg.OpenRetries,
		OpenRetryDelay:    cfg.OpenRetryDelay,
		SettleDelay:       cfg.SettleDelay,
	})

	if err := controller.Open(cfg.DocumentID); err != nil {
		log.Fatalf("❌ Failed to open document %s: %v", cfg.DocumentID, err)
	}
	log.Printf("✓ Joined document %s as %s", cfg.DocumentID, identity.Name)

	// Periodically report what the agent sees: document length and who else
	// is in the room.
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-ticker.C:
			s := controller.Current()
			if s == nil {
				continue
			}
			doc := s.Doc()
			if doc == nil {
				continue
			}
			participants := s.Participants()
			names := make([]string, 0, len(participants))
			for _, p := range participants {
				names = append(names, p.User.Name)
			}
			log.Printf("  state=%s conn=%s chars=%d peers=%v",
				s.State(), s.ConnStatus(), len(doc.Text()), names)

		case <-quit:
			log.Println("\n🛑 Shutting down agent...")
			if err := controller.Close(); err != nil {
				log.Printf("⚠️  Close: %v", err)
			}
			log.Println("✓ Agent shutdown complete")
			return
		}
	}
}
