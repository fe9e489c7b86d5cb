package main

import (
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/ultraride/ridesync/internal/config"
	"github.com/ultraride/ridesync/internal/devserver"
)

func main() {
	cfg, err := config.LoadDev()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	server, err := newServer(cfg)
	if err != nil {
		log.Fatalf("failed to initialize dev server: %v", err)
	}
	defer server.Close()

	log.Printf("ridesync dev server listening on %s", cfg.Addr)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := httpServer.ListenAndServe(); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func newServer(cfg *config.DevConfig) (*devserver.Server, error) {
	server := devserver.New(devserver.Config{
		JWTSecret:       cfg.JWTSecret,
		TokenTTL:        cfg.TokenTTL,
		RefreshTTL:      durationEnv("RIDESYNC_DEV_REFRESH_TTL", 0),
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
		MaxBodyBytes:    int64Env("RIDESYNC_DEV_MAX_BODY_BYTES", 0),
		PasswordCost:    intEnv("RIDESYNC_DEV_PASSWORD_COST", 0),
		Logger:          log.Default(),
	})
	if cfg.SeedDemo {
		if err := server.Apply(devserver.DemoSeed()); err != nil {
			server.Close()
			return nil, err
		}
		log.Printf("seeded demo riders and events")
	}
	return server, nil
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
