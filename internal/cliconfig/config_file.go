package cliconfig

import (
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
)

// FileConfig mirrors Config but uses strings for durations to make TOML
// friendly.
type FileConfig struct {
	RemoteAddr          string `toml:"remote_addr"`
	StateDir            string `toml:"state_dir"`
	LockTTL             string `toml:"lock_ttl"`
	HeartbeatInterval   string `toml:"heartbeat_interval"`
	StaleThreshold      string `toml:"stale_threshold"`
	ExpiryWarnThreshold string `toml:"expiry_warn_threshold"`
	CASRetries          int    `toml:"cas_retries"`
	DebounceWindow      string `toml:"debounce_window"`
	EmergencyDeadline   string `toml:"emergency_deadline"`
	MaxRetries          int    `toml:"max_retries"`
	RetryBase           string `toml:"retry_base"`
	RetryMax            string `toml:"retry_max"`
	DrainInterval       string `toml:"drain_interval"`
	HistoryLimit        int    `toml:"history_limit"`
	ProbeTimeout        string `toml:"probe_timeout"`
	LogLevel            string `toml:"log_level"`

	Projects []FileProject `toml:"projects"`
}

// FileProject is one watched project in the config file.
type FileProject struct {
	ID  string `toml:"id"`
	Dir string `toml:"dir"`
}

// LoadFileConfig reads and parses a TOML config file from the given path.
func LoadFileConfig(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	if err := toml.Unmarshal(b, &fc); err != nil {
		return fc, err
	}
	return fc, nil
}

// DefaultConfigPath returns ~/.studiolock/config.toml if the user home
// directory is accessible.
func DefaultConfigPath() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".studiolock", "config.toml")
	}
	return ""
}

// ApplyFileConfig applies configuration from a file to the Config,
// respecting flags that have been explicitly set (changed map).
func ApplyFileConfig(cfg *Config, fc FileConfig, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("remote-addr", fc.RemoteAddr, &cfg.RemoteAddr)
	s.setString("state-dir", fc.StateDir, &cfg.StateDir)
	s.setString("log-level", fc.LogLevel, &cfg.LogLevel)

	if err := s.setDuration("lock-ttl", fc.LockTTL, &cfg.LockTTL); err != nil {
		return err
	}
	if err := s.setDuration("heartbeat-interval", fc.HeartbeatInterval, &cfg.HeartbeatInterval); err != nil {
		return err
	}
	if err := s.setDuration("stale-threshold", fc.StaleThreshold, &cfg.StaleThreshold); err != nil {
		return err
	}
	if err := s.setDuration("expiry-warn-threshold", fc.ExpiryWarnThreshold, &cfg.ExpiryWarnThreshold); err != nil {
		return err
	}
	if err := s.setDuration("debounce-window", fc.DebounceWindow, &cfg.DebounceWindow); err != nil {
		return err
	}
	if err := s.setDuration("emergency-deadline", fc.EmergencyDeadline, &cfg.EmergencyDeadline); err != nil {
		return err
	}
	if err := s.setDuration("retry-base", fc.RetryBase, &cfg.RetryBase); err != nil {
		return err
	}
	if err := s.setDuration("retry-max", fc.RetryMax, &cfg.RetryMax); err != nil {
		return err
	}
	if err := s.setDuration("drain-interval", fc.DrainInterval, &cfg.DrainInterval); err != nil {
		return err
	}
	if err := s.setDuration("probe-timeout", fc.ProbeTimeout, &cfg.ProbeTimeout); err != nil {
		return err
	}

	s.setInt("cas-retries", fc.CASRetries, &cfg.CASRetries)
	s.setInt("max-retries", fc.MaxRetries, &cfg.MaxRetries)
	s.setInt("history-limit", fc.HistoryLimit, &cfg.HistoryLimit)

	// Projects come only from the file; flags and env cannot express the
	// list.
	for _, p := range fc.Projects {
		cfg.Projects = append(cfg.Projects, Project{ID: p.ID, Dir: p.Dir})
	}
	return nil
}

// FileExists checks if a file exists at the given path.
func FileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
