package cliconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.LockTTL != 8*time.Hour {
		t.Fatalf("lock ttl = %v, want 8h", cfg.LockTTL)
	}
	if cfg.HeartbeatInterval != 15*time.Minute {
		t.Fatalf("heartbeat = %v, want 15m", cfg.HeartbeatInterval)
	}
	if cfg.DebounceWindow != 45*time.Second {
		t.Fatalf("debounce = %v, want 45s", cfg.DebounceWindow)
	}
	if cfg.HistoryLimit != 10000 {
		t.Fatalf("history limit = %d, want 10000", cfg.HistoryLimit)
	}
}

func TestValidateRejectsBadTimings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = cfg.LockTTL
	if err := cfg.Validate(); err == nil {
		t.Fatal("heartbeat >= ttl must be rejected")
	}

	cfg = DefaultConfig()
	cfg.RetryMax = cfg.RetryBase / 2
	if err := cfg.Validate(); err == nil {
		t.Fatal("retry max below base must be rejected")
	}

	cfg = DefaultConfig()
	cfg.Projects = []Project{{ID: "a", Dir: "/x"}, {ID: "a", Dir: "/y"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("duplicate project id must be rejected")
	}
}

func TestApplyFileConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
remote_addr = "ledger.example.com:22"
state_dir = "/var/lib/studiolock"
lock_ttl = "4h"
debounce_window = "30s"
cas_retries = 5
log_level = "debug"

[[projects]]
id = "album-mix"
dir = "/projects/album-mix"

[[projects]]
id = "film-cut"
dir = "/projects/film-cut"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	fc, err := LoadFileConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg := DefaultConfig()
	if err := ApplyFileConfig(&cfg, fc, nil); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if cfg.RemoteAddr != "ledger.example.com:22" {
		t.Fatalf("remote addr = %q", cfg.RemoteAddr)
	}
	if cfg.LockTTL != 4*time.Hour {
		t.Fatalf("lock ttl = %v, want 4h", cfg.LockTTL)
	}
	if cfg.DebounceWindow != 30*time.Second {
		t.Fatalf("debounce = %v, want 30s", cfg.DebounceWindow)
	}
	if cfg.CASRetries != 5 {
		t.Fatalf("cas retries = %d, want 5", cfg.CASRetries)
	}
	// Untouched fields keep defaults.
	if cfg.HeartbeatInterval != 15*time.Minute {
		t.Fatalf("heartbeat = %v, want default 15m", cfg.HeartbeatInterval)
	}
	if len(cfg.Projects) != 2 || cfg.Projects[0].ID != "album-mix" {
		t.Fatalf("projects = %+v", cfg.Projects)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestApplyFileConfigRespectsChangedFlags(t *testing.T) {
	fc := FileConfig{LockTTL: "4h", StateDir: "/from/file"}
	cfg := DefaultConfig()
	cfg.LockTTL = 2 * time.Hour
	changed := map[string]bool{"lock-ttl": true}

	if err := ApplyFileConfig(&cfg, fc, changed); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if cfg.LockTTL != 2*time.Hour {
		t.Fatalf("lock ttl = %v, explicit flag must win over file", cfg.LockTTL)
	}
	if cfg.StateDir != "/from/file" {
		t.Fatalf("state dir = %q, want file value", cfg.StateDir)
	}
}

func TestApplyEnvConfig(t *testing.T) {
	t.Setenv("STUDIOLOCK_LOCK_TTL", "6h")
	t.Setenv("STUDIOLOCK_CAS_RETRIES", "7")
	t.Setenv("STUDIOLOCK_STATE_DIR", "/from/env")

	cfg := DefaultConfig()
	if err := ApplyEnvConfig(&cfg, nil); err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if cfg.LockTTL != 6*time.Hour {
		t.Fatalf("lock ttl = %v, want 6h", cfg.LockTTL)
	}
	if cfg.CASRetries != 7 {
		t.Fatalf("cas retries = %d, want 7", cfg.CASRetries)
	}
	if cfg.StateDir != "/from/env" {
		t.Fatalf("state dir = %q", cfg.StateDir)
	}
}

func TestApplyEnvConfigInvalidDuration(t *testing.T) {
	t.Setenv("STUDIOLOCK_LOCK_TTL", "not-a-duration")
	cfg := DefaultConfig()
	if err := ApplyEnvConfig(&cfg, nil); err == nil {
		t.Fatal("invalid duration must be rejected")
	}
}

func TestApplyEnvConfigRespectsChangedFlags(t *testing.T) {
	t.Setenv("STUDIOLOCK_STATE_DIR", "/from/env")
	cfg := DefaultConfig()
	cfg.StateDir = "/from/flag"
	changed := map[string]bool{"state-dir": true}

	if err := ApplyEnvConfig(&cfg, changed); err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if cfg.StateDir != "/from/flag" {
		t.Fatalf("state dir = %q, explicit flag must win over env", cfg.StateDir)
	}
}
