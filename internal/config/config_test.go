package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_AllVarsSet(t *testing.T) {
	t.Setenv("JOBSTREAM_API_KEYS", "alice:key1, bob:key2")
	t.Setenv("JOBSTREAM_LISTEN_ADDR", ":9090")
	t.Setenv("JOBSTREAM_CONCURRENCY", "8")
	t.Setenv("JOBSTREAM_DB_PATH", "/tmp/test.db")
	t.Setenv("JOBSTREAM_QUEUE_SIZE", "500")
	t.Setenv("JOBSTREAM_BUS", "redis")
	t.Setenv("JOBSTREAM_REORDER_WAIT", "250ms")
	t.Setenv("JOBSTREAM_STALE_AFTER", "30m")
	t.Setenv("JOBSTREAM_AUTO_RESUME", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9090")
	}
	if len(cfg.APIKeys) != 2 || cfg.APIKeys[0] != "alice:key1" || cfg.APIKeys[1] != "bob:key2" {
		t.Errorf("APIKeys = %v, want [alice:key1 bob:key2]", cfg.APIKeys)
	}
	if cfg.Concurrency != 8 {
		t.Errorf("Concurrency = %d, want 8", cfg.Concurrency)
	}
	if cfg.DBPath != "/tmp/test.db" {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, "/tmp/test.db")
	}
	if cfg.QueueSize != 500 {
		t.Errorf("QueueSize = %d, want 500", cfg.QueueSize)
	}
	if cfg.Bus != "redis" {
		t.Errorf("Bus = %q, want %q", cfg.Bus, "redis")
	}
	if cfg.ReorderWait != 250*time.Millisecond {
		t.Errorf("ReorderWait = %v, want 250ms", cfg.ReorderWait)
	}
	if cfg.StaleAfter != 30*time.Minute {
		t.Errorf("StaleAfter = %v, want 30m", cfg.StaleAfter)
	}
	if !cfg.AutoResume {
		t.Error("AutoResume = false, want true")
	}
}

func TestLoad_MissingCredentials(t *testing.T) {
	t.Setenv("JOBSTREAM_API_KEYS", "")
	t.Setenv("JOBSTREAM_JWT_SECRET", "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when no API keys and no JWT secret, got nil")
	}
}

func TestLoad_JWTOnly(t *testing.T) {
	t.Setenv("JOBSTREAM_API_KEYS", "")
	t.Setenv("JOBSTREAM_JWT_SECRET", "s3cret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.JWTSecret != "s3cret" {
		t.Errorf("JWTSecret = %q, want %q", cfg.JWTSecret, "s3cret")
	}
}

func TestLoad_InvalidBus(t *testing.T) {
	t.Setenv("JOBSTREAM_API_KEYS", "somekey")
	t.Setenv("JOBSTREAM_BUS", "kafka")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for invalid bus, got nil")
	}
}

func TestLoad_InvalidAPIKeyPair(t *testing.T) {
	t.Setenv("JOBSTREAM_API_KEYS", "alice:")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for empty key in owner:key pair, got nil")
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("JOBSTREAM_API_KEYS", "defaultkey")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error with defaults, got: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("default ListenAddr = %q, want %q", cfg.ListenAddr, ":8080")
	}
	if cfg.Bus != "memory" {
		t.Errorf("default Bus = %q, want %q", cfg.Bus, "memory")
	}
	if cfg.CheckpointInterval != 10 {
		t.Errorf("default CheckpointInterval = %d, want 10", cfg.CheckpointInterval)
	}
	if cfg.BacklogCapacity != 200 {
		t.Errorf("default BacklogCapacity = %d, want 200", cfg.BacklogCapacity)
	}
	if cfg.ReplayLimit != 20 {
		t.Errorf("default ReplayLimit = %d, want 20", cfg.ReplayLimit)
	}
	if cfg.ReorderWait != 500*time.Millisecond {
		t.Errorf("default ReorderWait = %v, want 500ms", cfg.ReorderWait)
	}
	if cfg.SweepInterval != 5*time.Minute {
		t.Errorf("default SweepInterval = %v, want 5m", cfg.SweepInterval)
	}
	if cfg.StaleAfter != time.Hour {
		t.Errorf("default StaleAfter = %v, want 1h", cfg.StaleAfter)
	}
	if cfg.Retention != 24*time.Hour {
		t.Errorf("default Retention = %v, want 24h", cfg.Retention)
	}
	if !cfg.RecoverOnStart {
		t.Error("default RecoverOnStart = false, want true")
	}
	if cfg.JWTTTL != 24*time.Hour {
		t.Errorf("default JWTTTL = %v, want 24h", cfg.JWTTTL)
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobstream.yaml")
	data := "api_keys:\n  - alice:k1\n  - bob:k2\nconcurrency: 2\nbus: amqp\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("JOBSTREAM_CONFIG", path)
	t.Setenv("JOBSTREAM_CONCURRENCY", "3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if len(cfg.APIKeys) != 2 {
		t.Errorf("APIKeys = %v, want 2 entries", cfg.APIKeys)
	}
	if cfg.Bus != "amqp" {
		t.Errorf("Bus = %q, want %q", cfg.Bus, "amqp")
	}
	if cfg.Concurrency != 3 {
		t.Errorf("Concurrency = %d, want 3 (env overrides file)", cfg.Concurrency)
	}
}
