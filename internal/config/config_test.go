package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != "127.0.0.1:8080" {
		t.Fatalf("expected default addr, got %q", cfg.HTTPAddr)
	}
	if cfg.Store != StoreWAL {
		t.Fatalf("expected wal store, got %q", cfg.Store)
	}
	if cfg.BlockInterval != 6*time.Second {
		t.Fatalf("expected 6s block interval, got %s", cfg.BlockInterval)
	}
	if cfg.CommitLog.BufferBytes != 4<<20 {
		t.Fatalf("expected 4MiB buffer, got %d", cfg.CommitLog.BufferBytes)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("KV_HTTP_ADDR", "0.0.0.0:9000")
	t.Setenv("KV_STORE", "sqlite")
	t.Setenv("KV_DATA_DIR", "/var/lib/claims")
	t.Setenv("KV_COMMITLOG_FLUSH_INTERVAL", "250ms")
	t.Setenv("KV_COMMITLOG_SYNC", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != "0.0.0.0:9000" || cfg.Store != StoreSQLite {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.CommitLog.FlushInterval != 250*time.Millisecond || !cfg.CommitLog.SyncOnAppend {
		t.Fatalf("commit log overrides not applied: %+v", cfg.CommitLog)
	}
	if cfg.SQLitePath() != filepath.Join("/var/lib/claims", "claims.db") {
		t.Fatalf("unexpected sqlite path %q", cfg.SQLitePath())
	}
}

func TestLoadParseError(t *testing.T) {
	t.Setenv("KV_BLOCK_INTERVAL", "soon")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	t.Setenv("KV_STORE", "redis")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "unknown store") {
		t.Fatalf("expected unknown store error, got %v", err)
	}

	t.Setenv("KV_STORE", "memory")
	t.Setenv("KV_BLOCK_INTERVAL", "0s")
	if _, err := Load(); err == nil {
		t.Fatal("expected block interval error")
	}
}
