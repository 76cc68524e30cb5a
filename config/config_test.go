package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.Port != 8701 {
		t.Errorf("expected default port 8701, got %d", cfg.Port)
	}
	if cfg.StorageDir != "./var" {
		t.Errorf("expected default storage dir ./var, got %q", cfg.StorageDir)
	}
	if cfg.HistoryDepth != 20 {
		t.Errorf("expected default history depth 20, got %d", cfg.HistoryDepth)
	}
	if cfg.DefaultMaxAllocations != 1_000_000 {
		t.Errorf("expected default max allocations 1000000, got %d", cfg.DefaultMaxAllocations)
	}
	if cfg.DefaultMaxMemory != 256*1024*1024 {
		t.Errorf("expected default max memory 256MiB, got %d", cfg.DefaultMaxMemory)
	}
	if cfg.DefaultGCInterval != 0 {
		t.Errorf("expected default GC interval disabled (0), got %v", cfg.DefaultGCInterval)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("OUROS_PORT", "9999")
	t.Setenv("OUROS_STORAGE_DIR", "/tmp/ouros-sessions")
	t.Setenv("OUROS_DEFAULT_MAX_RECURSION_DEPTH", "42")
	t.Setenv("OUROS_DEFAULT_GC_INTERVAL", "5")

	cfg := Load()

	if cfg.Port != 9999 {
		t.Errorf("expected port overridden to 9999, got %d", cfg.Port)
	}
	if cfg.StorageDir != "/tmp/ouros-sessions" {
		t.Errorf("expected storage dir overridden, got %q", cfg.StorageDir)
	}
	if cfg.DefaultMaxRecursionDepth != 42 {
		t.Errorf("expected recursion depth overridden to 42, got %d", cfg.DefaultMaxRecursionDepth)
	}
	if cfg.DefaultGCInterval != 5*time.Second {
		t.Errorf("expected GC interval overridden to 5s, got %v", cfg.DefaultGCInterval)
	}
}

func TestSessionFilePath(t *testing.T) {
	cfg := &Config{StorageDir: "/var/ouros"}
	got := cfg.SessionFilePath("abc")
	want := "/var/ouros/abc.ouros"
	if got != want {
		t.Errorf("SessionFilePath() = %q, want %q", got, want)
	}
}

func TestApplyLimitsFileMissing(t *testing.T) {
	cfg := Load()
	orig := cfg.DefaultMaxAllocations
	if err := cfg.ApplyLimitsFile(filepath.Join(t.TempDir(), "does-not-exist.yaml")); err != nil {
		t.Fatalf("ApplyLimitsFile on a missing file should not error, got %v", err)
	}
	if cfg.DefaultMaxAllocations != orig {
		t.Errorf("missing limits file should leave defaults untouched")
	}
}

func TestApplyLimitsFileOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "limits.yaml")
	yamlDoc := "max_allocations: 500\nmax_duration_secs: 2.5\ngc_interval_secs: 10\n"
	if err := os.WriteFile(path, []byte(yamlDoc), 0o644); err != nil {
		t.Fatalf("writing test limits file: %v", err)
	}

	cfg := Load()
	cfg.DefaultMaxRecursionDepth = 777 // should survive, since the file doesn't set it
	if err := cfg.ApplyLimitsFile(path); err != nil {
		t.Fatalf("ApplyLimitsFile: %v", err)
	}

	if cfg.DefaultMaxAllocations != 500 {
		t.Errorf("expected max_allocations overlaid to 500, got %d", cfg.DefaultMaxAllocations)
	}
	if cfg.DefaultMaxDurationSecs != 2.5 {
		t.Errorf("expected max_duration_secs overlaid to 2.5, got %v", cfg.DefaultMaxDurationSecs)
	}
	if cfg.DefaultGCInterval != 10*time.Second {
		t.Errorf("expected gc_interval_secs overlaid to 10s, got %v", cfg.DefaultGCInterval)
	}
	if cfg.DefaultMaxRecursionDepth != 777 {
		t.Errorf("expected recursion depth left untouched by partial overlay, got %d", cfg.DefaultMaxRecursionDepth)
	}
}
