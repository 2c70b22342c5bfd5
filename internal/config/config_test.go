package config

import (
	"testing"
	"time"
)

func TestLoadRequiresAuthToken(t *testing.T) {
	t.Setenv("COLLAB_AUTH_TOKEN", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error when COLLAB_AUTH_TOKEN is empty")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("COLLAB_AUTH_TOKEN", "test-token")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.MaxReconnects != 5 {
		t.Errorf("MaxReconnects = %d, want 5", cfg.MaxReconnects)
	}
	if cfg.SuspendGrace != 30*time.Second {
		t.Errorf("SuspendGrace = %v, want 30s", cfg.SuspendGrace)
	}
	if cfg.OpenRetries != 5 {
		t.Errorf("OpenRetries = %d, want 5", cfg.OpenRetries)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("COLLAB_AUTH_TOKEN", "test-token")
	t.Setenv("COLLAB_MAX_RECONNECTS", "9")
	t.Setenv("COLLAB_RECONNECT_COOLDOWN", "500ms")
	t.Setenv("UPDATE_RETENTION", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.MaxReconnects != 9 {
		t.Errorf("MaxReconnects = %d, want 9", cfg.MaxReconnects)
	}
	if cfg.ReconnectCooldown != 500*time.Millisecond {
		t.Errorf("ReconnectCooldown = %v, want 500ms", cfg.ReconnectCooldown)
	}
	// Malformed ints fall back to the default.
	if cfg.UpdateRetention != 5000 {
		t.Errorf("UpdateRetention = %d, want default 5000", cfg.UpdateRetention)
	}
}

func TestDatabaseURL(t *testing.T) {
	cfg := &Config{
		DBHost: "db", DBPort: "5433", DBUser: "u",
		DBPassword: "p", DBName: "n", DBSSLMode: "require",
	}
	want := "host=db port=5433 user=u password=p dbname=n sslmode=require"
	if got := cfg.DatabaseURL(); got != want {
		t.Errorf("DatabaseURL() = %q, want %q", got, want)
	}
}
