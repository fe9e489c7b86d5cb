package config

import (
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const devFallbackSecret = "ridesync-dev-secret-not-for-production"

type Config struct {
	BaseURL string

	Cache struct {
		DSN       string
		Namespace string
	}

	Outbox struct {
		DSN      string
		Capacity int
	}

	Session struct {
		File     string
		Email    string
		Password string
	}

	Sync struct {
		ProfileInterval time.Duration
		EventsInterval  time.Duration
		Jitter          float64
		TickTimeout     time.Duration
	}

	RealtimeEnabled bool
	StatusAddr      string
}

type DevConfig struct {
	Addr            string
	JWTSecret       string
	TokenTTL        time.Duration
	RateLimitMax    int
	RateLimitWindow time.Duration
	SeedDemo        bool
}

func Load() (*Config, error) {
	cfg := &Config{}

	profileCacheDSN, profileOutboxDSN, err := storageProfileDefaults()
	if err != nil {
		return nil, err
	}

	cfg.BaseURL = getenvDefault("RIDESYNC_BASE_URL", "http://127.0.0.1:8787")
	cfg.Cache.DSN = getenvDefault("RIDESYNC_CACHE_DSN", profileCacheDSN)
	cfg.Cache.Namespace = getenvDefault("RIDESYNC_CACHE_NAMESPACE", "ridesync")
	cfg.Outbox.DSN = getenvDefault("RIDESYNC_OUTBOX_DSN", profileOutboxDSN)
	cfg.Outbox.Capacity = getenvInt("RIDESYNC_OUTBOX_CAPACITY", 256)
	cfg.Session.File = strings.TrimSpace(os.Getenv("RIDESYNC_SESSION_FILE"))
	cfg.Session.Email = strings.TrimSpace(os.Getenv("RIDESYNC_EMAIL"))
	cfg.Session.Password = os.Getenv("RIDESYNC_PASSWORD")
	cfg.Sync.ProfileInterval = getenvDuration("RIDESYNC_PROFILE_INTERVAL", 5*time.Minute)
	cfg.Sync.EventsInterval = getenvDuration("RIDESYNC_EVENTS_INTERVAL", 10*time.Minute)
	cfg.Sync.Jitter = getenvFloat("RIDESYNC_SYNC_JITTER", 0.1)
	cfg.Sync.TickTimeout = getenvDuration("RIDESYNC_TICK_TIMEOUT", 30*time.Second)
	cfg.RealtimeEnabled = getenvBool("RIDESYNC_REALTIME", false)
	cfg.StatusAddr = strings.TrimSpace(os.Getenv("RIDESYNC_STATUS_ADDR"))

	if err := validateBaseURL(cfg.BaseURL); err != nil {
		return nil, err
	}
	if cfg.Session.Password != "" && cfg.Session.Email == "" {
		return nil, errors.New("RIDESYNC_EMAIL is required when RIDESYNC_PASSWORD is set")
	}
	if cfg.Sync.ProfileInterval <= 0 || cfg.Sync.EventsInterval <= 0 {
		return nil, errors.New("RIDESYNC_PROFILE_INTERVAL and RIDESYNC_EVENTS_INTERVAL must be positive")
	}
	if cfg.Sync.Jitter < 0 || cfg.Sync.Jitter > 1 {
		return nil, fmt.Errorf("RIDESYNC_SYNC_JITTER must be between 0 and 1 (got %g)", cfg.Sync.Jitter)
	}
	if cfg.Outbox.Capacity <= 0 {
		return nil, fmt.Errorf("RIDESYNC_OUTBOX_CAPACITY must be positive (got %d)", cfg.Outbox.Capacity)
	}

	return cfg, nil
}

func LoadDev() (*DevConfig, error) {
	cfg := &DevConfig{}

	cfg.Addr = getenvDefault("RIDESYNC_DEV_ADDR", ":8787")
	cfg.JWTSecret = os.Getenv("RIDESYNC_DEV_JWT_SECRET")
	cfg.TokenTTL = getenvDuration("RIDESYNC_DEV_TOKEN_TTL", time.Hour)
	cfg.RateLimitMax = getenvInt("RIDESYNC_DEV_RATE_LIMIT_MAX", 0)
	cfg.RateLimitWindow = getenvDuration("RIDESYNC_DEV_RATE_LIMIT_WINDOW", time.Minute)
	cfg.SeedDemo = getenvBool("RIDESYNC_DEV_SEED", true)

	if cfg.JWTSecret == "" {
		log.Printf("WARNING: RIDESYNC_DEV_JWT_SECRET is not set, using a built-in development secret")
		cfg.JWTSecret = devFallbackSecret
	}
	if len(cfg.JWTSecret) < 32 {
		return nil, fmt.Errorf("RIDESYNC_DEV_JWT_SECRET must be at least 32 characters long (got %d)", len(cfg.JWTSecret))
	}
	if cfg.TokenTTL <= 0 {
		return nil, errors.New("RIDESYNC_DEV_TOKEN_TTL must be positive")
	}
	if cfg.RateLimitMax < 0 {
		return nil, fmt.Errorf("RIDESYNC_DEV_RATE_LIMIT_MAX must not be negative (got %d)", cfg.RateLimitMax)
	}

	return cfg, nil
}

// storageProfileDefaults maps RIDESYNC_STORAGE_PROFILE onto cache and outbox DSNs. Explicit
// RIDESYNC_CACHE_DSN / RIDESYNC_OUTBOX_DSN values win over the profile.
func storageProfileDefaults() (cacheDSN, outboxDSN string, err error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("RIDESYNC_STORAGE_PROFILE")))
	dataDir := getenvDefault("RIDESYNC_DATA_DIR", ".ridesync")
	switch profile {
	case "", "memory", "inmemory":
		return "memory://", "memory://", nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "cache.json"),
			"file://" + filepath.Join(dataDir, "outbox.json"),
			nil
	case "production", "prod":
		shared := strings.TrimSpace(os.Getenv("RIDESYNC_POSTGRES_DSN"))
		if shared == "" {
			shared = strings.TrimSpace(os.Getenv("RIDESYNC_REDIS_URL"))
		}
		if shared == "" {
			return "", "", fmt.Errorf("RIDESYNC_POSTGRES_DSN or RIDESYNC_REDIS_URL is required when RIDESYNC_STORAGE_PROFILE=%s", profile)
		}
		return shared, "file://" + filepath.Join(dataDir, "outbox.json"), nil
	default:
		return "", "", fmt.Errorf("unsupported RIDESYNC_STORAGE_PROFILE: %s", profile)
	}
}

func validateBaseURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid RIDESYNC_BASE_URL %q: %w", raw, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("RIDESYNC_BASE_URL must be http or https (got %q)", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("RIDESYNC_BASE_URL has no host: %q", raw)
	}
	return nil
}

func getenvDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return def
}

func getenvInt(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", key, raw, def)
		return def
	}
	return value
}

func getenvFloat(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", key, raw, def)
		return def
	}
	return value
}

func getenvDuration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", key, raw, def.String())
		return def
	}
	return value
}
