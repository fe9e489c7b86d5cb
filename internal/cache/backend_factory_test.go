package cache

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestBuildBackendFromDSNMemory(t *testing.T) {
	backend, err := BuildBackendFromDSN("memory://")
	if err != nil {
		t.Fatalf("build memory backend failed: %v", err)
	}
	if _, ok := backend.(*MemoryBackend); !ok {
		t.Fatalf("expected *MemoryBackend, got %T", backend)
	}
	empty, err := BuildBackendFromDSN("  ")
	if err != nil {
		t.Fatalf("build default backend failed: %v", err)
	}
	if _, ok := empty.(*MemoryBackend); !ok {
		t.Fatalf("expected empty dsn to default to memory, got %T", empty)
	}
}

func TestBuildBackendFromDSNFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	backend, err := BuildBackendFromDSN("file://" + path)
	if err != nil {
		t.Fatalf("build file backend failed: %v", err)
	}
	if err := backend.Put("k", []byte("v")); err != nil {
		t.Fatalf("file backend put failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected cache file at %s: %v", path, err)
	}
}

func TestBuildBackendFromDSNDatabases(t *testing.T) {
	pg, err := BuildBackendFromDSN("postgres://localhost/ridesync?sslmode=disable")
	if err != nil {
		t.Fatalf("expected postgres backend to be available, got %v", err)
	}
	if _, ok := pg.(*PostgresBackend); !ok {
		t.Fatalf("expected *PostgresBackend, got %T", pg)
	}
	rd, err := BuildBackendFromDSN("redis://localhost:6379/0")
	if err != nil {
		t.Fatalf("expected redis backend to be available, got %v", err)
	}
	if _, ok := rd.(*RedisBackend); !ok {
		t.Fatalf("expected *RedisBackend, got %T", rd)
	}
	_ = CloseBackend(rd)
}

func TestBuildBackendFromDSNUnsupported(t *testing.T) {
	if _, err := BuildBackendFromDSN("mysql://localhost/ridesync"); !errors.Is(err, ErrUnsupportedScheme) {
		t.Fatalf("expected unsupported scheme error, got %v", err)
	}
}

func TestRegisterBackendFactoryOverridesScheme(t *testing.T) {
	custom := NewMemoryBackend()
	RegisterBackendFactory("Custom-Test", func(string) (Backend, error) {
		return custom, nil
	})
	backend, err := BuildBackendFromDSN("custom-test://anything")
	if err != nil {
		t.Fatalf("build custom backend failed: %v", err)
	}
	if backend != custom {
		t.Fatalf("expected registered backend instance")
	}
}

func TestPostgresBackendIntegration(t *testing.T) {
	dsn := os.Getenv("RIDESYNC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("RIDESYNC_TEST_POSTGRES_DSN not set")
	}
	backend, err := NewPostgresBackend(dsn)
	if err != nil {
		t.Fatalf("new postgres backend: %v", err)
	}
	backend.tableName = "ridesync_cache_it_" + time.Now().UTC().Format("20060102150405")
	t.Cleanup(func() {
		if backend.db != nil {
			_, _ = backend.db.Exec("DROP TABLE IF EXISTS " + postgresQuoteIdentifier(backend.tableName))
		}
		_ = backend.Close()
	})
	exerciseBackend(t, backend)
}

func TestRedisBackendIntegration(t *testing.T) {
	url := os.Getenv("RIDESYNC_TEST_REDIS_URL")
	if url == "" {
		t.Skip("RIDESYNC_TEST_REDIS_URL not set")
	}
	backend, err := NewRedisBackend(url)
	if err != nil {
		t.Fatalf("new redis backend: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })
	exerciseBackend(t, backend)
}

func exerciseBackend(t *testing.T, backend Backend) {
	t.Helper()
	prefix := "ridesync-it:" + time.Now().UTC().Format("150405.000000") + ":"
	c := New(backend, Options{Namespace: prefix})
	c.Set("alpha", "one", time.Minute)
	c.Set("beta", "two", time.Minute)
	var got string
	if !c.Get("alpha", &got) || got != "one" {
		t.Fatalf("expected alpha=one, got %q", got)
	}
	if keys := c.Keys(""); len(keys) != 2 {
		t.Fatalf("expected two keys under namespace, got %v", keys)
	}
	c.Clear()
	if c.Get("beta", &got) {
		t.Fatalf("expected clear to remove beta")
	}
}
