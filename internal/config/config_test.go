package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"RIDESYNC_BASE_URL", "RIDESYNC_CACHE_DSN", "RIDESYNC_CACHE_NAMESPACE", "RIDESYNC_OUTBOX_DSN",
		"RIDESYNC_OUTBOX_CAPACITY", "RIDESYNC_SESSION_FILE", "RIDESYNC_EMAIL", "RIDESYNC_PASSWORD",
		"RIDESYNC_PROFILE_INTERVAL", "RIDESYNC_EVENTS_INTERVAL", "RIDESYNC_SYNC_JITTER",
		"RIDESYNC_TICK_TIMEOUT", "RIDESYNC_REALTIME", "RIDESYNC_STATUS_ADDR", "RIDESYNC_STORAGE_PROFILE",
		"RIDESYNC_DATA_DIR", "RIDESYNC_POSTGRES_DSN", "RIDESYNC_REDIS_URL",
		"RIDESYNC_DEV_ADDR", "RIDESYNC_DEV_JWT_SECRET", "RIDESYNC_DEV_TOKEN_TTL",
		"RIDESYNC_DEV_RATE_LIMIT_MAX", "RIDESYNC_DEV_RATE_LIMIT_WINDOW", "RIDESYNC_DEV_SEED",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.BaseURL != "http://127.0.0.1:8787" {
		t.Fatalf("unexpected base url %q", cfg.BaseURL)
	}
	if cfg.Cache.DSN != "memory://" || cfg.Outbox.DSN != "memory://" {
		t.Fatalf("expected in-memory storage by default, got cache=%q outbox=%q", cfg.Cache.DSN, cfg.Outbox.DSN)
	}
	if cfg.Sync.ProfileInterval != 5*time.Minute || cfg.Sync.EventsInterval != 10*time.Minute {
		t.Fatalf("unexpected intervals %s / %s", cfg.Sync.ProfileInterval, cfg.Sync.EventsInterval)
	}
	if cfg.RealtimeEnabled {
		t.Fatalf("expected realtime off by default")
	}
}

func TestLoadReadsOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("RIDESYNC_BASE_URL", "https://api.example.com")
	t.Setenv("RIDESYNC_CACHE_DSN", "redis://localhost:6379/0")
	t.Setenv("RIDESYNC_EMAIL", "rider@example.com")
	t.Setenv("RIDESYNC_PASSWORD", "secret")
	t.Setenv("RIDESYNC_PROFILE_INTERVAL", "30s")
	t.Setenv("RIDESYNC_SYNC_JITTER", "0.25")
	t.Setenv("RIDESYNC_REALTIME", "yes")
	t.Setenv("RIDESYNC_STATUS_ADDR", ":9090")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Cache.DSN != "redis://localhost:6379/0" {
		t.Fatalf("unexpected cache dsn %q", cfg.Cache.DSN)
	}
	if cfg.Session.Email != "rider@example.com" || cfg.Session.Password != "secret" {
		t.Fatalf("unexpected credentials %+v", cfg.Session)
	}
	if cfg.Sync.ProfileInterval != 30*time.Second || cfg.Sync.Jitter != 0.25 {
		t.Fatalf("unexpected sync config %+v", cfg.Sync)
	}
	if !cfg.RealtimeEnabled || cfg.StatusAddr != ":9090" {
		t.Fatalf("expected realtime and status server, got %+v", cfg)
	}
}

func TestLoadDurableLocalProfile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	t.Setenv("RIDESYNC_STORAGE_PROFILE", "durable-local")
	t.Setenv("RIDESYNC_DATA_DIR", dir)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Cache.DSN != "file://"+filepath.Join(dir, "cache.json") {
		t.Fatalf("unexpected cache dsn %q", cfg.Cache.DSN)
	}
	if cfg.Outbox.DSN != "file://"+filepath.Join(dir, "outbox.json") {
		t.Fatalf("unexpected outbox dsn %q", cfg.Outbox.DSN)
	}
}

func TestLoadProductionProfileRequiresDSN(t *testing.T) {
	clearEnv(t)
	t.Setenv("RIDESYNC_STORAGE_PROFILE", "production")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "RIDESYNC_POSTGRES_DSN") {
		t.Fatalf("expected missing dsn error, got %v", err)
	}

	t.Setenv("RIDESYNC_POSTGRES_DSN", "postgres://localhost/ridesync?sslmode=disable")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Cache.DSN != "postgres://localhost/ridesync?sslmode=disable" {
		t.Fatalf("unexpected cache dsn %q", cfg.Cache.DSN)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]map[string]string{
		"bad scheme":       {"RIDESYNC_BASE_URL": "ftp://example.com"},
		"password only":    {"RIDESYNC_PASSWORD": "secret"},
		"jitter too large": {"RIDESYNC_SYNC_JITTER": "1.5"},
		"zero interval":    {"RIDESYNC_EVENTS_INTERVAL": "0s"},
		"unknown profile":  {"RIDESYNC_STORAGE_PROFILE": "cloud"},
		"zero capacity":    {"RIDESYNC_OUTBOX_CAPACITY": "0"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			for key, value := range env {
				t.Setenv(key, value)
			}
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %v", env)
			}
		})
	}
}

func TestInvalidNumbersFallBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("RIDESYNC_PROFILE_INTERVAL", "soon")
	t.Setenv("RIDESYNC_OUTBOX_CAPACITY", "lots")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Sync.ProfileInterval != 5*time.Minute {
		t.Fatalf("expected fallback interval, got %s", cfg.Sync.ProfileInterval)
	}
	if cfg.Outbox.Capacity != 256 {
		t.Fatalf("expected fallback capacity, got %d", cfg.Outbox.Capacity)
	}
}

func TestLoadDev(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadDev()
	if err != nil {
		t.Fatalf("load dev failed: %v", err)
	}
	if cfg.Addr != ":8787" || cfg.JWTSecret == "" || cfg.TokenTTL != time.Hour || !cfg.SeedDemo {
		t.Fatalf("unexpected dev defaults %+v", cfg)
	}

	t.Setenv("RIDESYNC_DEV_JWT_SECRET", "short")
	if _, err := LoadDev(); err == nil {
		t.Fatalf("expected short secret to be rejected")
	}

	t.Setenv("RIDESYNC_DEV_JWT_SECRET", strings.Repeat("k", 32))
	t.Setenv("RIDESYNC_DEV_RATE_LIMIT_MAX", "5")
	t.Setenv("RIDESYNC_DEV_RATE_LIMIT_WINDOW", "10s")
	cfg, err = LoadDev()
	if err != nil {
		t.Fatalf("load dev failed: %v", err)
	}
	if cfg.RateLimitMax != 5 || cfg.RateLimitWindow != 10*time.Second {
		t.Fatalf("unexpected rate limit %d/%s", cfg.RateLimitMax, cfg.RateLimitWindow)
	}
}
