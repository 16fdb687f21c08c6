package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWithNoPath(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RecoveryPolicy != "warn" {
		t.Fatalf("expected default recovery policy warn, got %s", cfg.RecoveryPolicy)
	}
	if cfg.PollInterval != 5*time.Second {
		t.Fatalf("expected default poll interval 5s, got %s", cfg.PollInterval)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mergequeue.yaml")
	contents := "recoveryPolicy: strict\ngateBinary: custom-moon\nstaleThreshold: 2m\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RecoveryPolicy != "strict" {
		t.Fatalf("expected recovery policy strict, got %s", cfg.RecoveryPolicy)
	}
	if cfg.GateBinary != "custom-moon" {
		t.Fatalf("expected gate binary custom-moon, got %s", cfg.GateBinary)
	}
	if cfg.StaleThreshold != 2*time.Minute {
		t.Fatalf("expected stale threshold 2m, got %s", cfg.StaleThreshold)
	}
	// Unset fields keep Default()'s values.
	if cfg.VCSBinary != "jj" {
		t.Fatalf("expected default vcs binary jj, got %s", cfg.VCSBinary)
	}
}

func TestLoadMissingFileIsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("MERGEQUEUE_RECOVERY_POLICY", "silent")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RecoveryPolicy != "silent" {
		t.Fatalf("expected env override silent, got %s", cfg.RecoveryPolicy)
	}
}

func TestValidateRejectsUnknownPolicy(t *testing.T) {
	cfg := Default()
	cfg.RecoveryPolicy = "bogus"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for unknown recovery policy")
	}
}
