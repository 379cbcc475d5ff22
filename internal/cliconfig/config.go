// Package cliconfig loads daemon and CLI configuration with the
// precedence flags > environment > config file > defaults.
package cliconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/studiolock/studiolock/internal/history"
	"github.com/studiolock/studiolock/internal/lock"
	"github.com/studiolock/studiolock/internal/orchestrator"
	"github.com/studiolock/studiolock/internal/resilience"
)

// Project is one watched project directory.
type Project struct {
	ID  string
	Dir string
}

// Config holds the full configuration surface. Every coordination
// parameter is tunable; the defaults match studio workflows where a
// project is held for a working session.
type Config struct {
	// RemoteAddr is the ledger remote endpoint as host:port, used by the
	// connectivity probe.
	RemoteAddr string

	// StateDir holds the durable queue and audit database.
	StateDir string

	// Projects are the directories to watch.
	Projects []Project

	LockTTL             time.Duration
	HeartbeatInterval   time.Duration
	StaleThreshold      time.Duration
	ExpiryWarnThreshold time.Duration
	CASRetries          int

	DebounceWindow    time.Duration
	EmergencyDeadline time.Duration

	MaxRetries    int
	RetryBase     time.Duration
	RetryMax      time.Duration
	DrainInterval time.Duration

	HistoryLimit int
	ProbeTimeout time.Duration

	LogLevel string
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		StateDir:            defaultStateDir(),
		LockTTL:             lock.DefaultTTL,
		HeartbeatInterval:   lock.DefaultHeartbeatInterval,
		StaleThreshold:      lock.DefaultStaleThreshold,
		ExpiryWarnThreshold: lock.DefaultExpiryWarnThreshold,
		CASRetries:          lock.DefaultCASRetries,
		DebounceWindow:      orchestrator.DefaultDebounceWindow,
		EmergencyDeadline:   orchestrator.DefaultEmergencyDeadline,
		MaxRetries:          resilience.DefaultMaxRetries,
		RetryBase:           resilience.DefaultBaseDelay,
		RetryMax:            resilience.DefaultMaxDelay,
		DrainInterval:       resilience.DefaultDrainInterval,
		HistoryLimit:        history.DefaultLimit,
		ProbeTimeout:        5 * time.Second,
		LogLevel:            "info",
	}
}

func defaultStateDir() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".studiolock")
	}
	return ".studiolock"
}

// Validate checks the configuration and sets derived defaults.
func (c *Config) Validate() error {
	if c.StateDir == "" {
		c.StateDir = defaultStateDir()
	}
	if c.HeartbeatInterval >= c.LockTTL {
		return fmt.Errorf("heartbeat interval %s must be shorter than lock ttl %s", c.HeartbeatInterval, c.LockTTL)
	}
	if c.CASRetries <= 0 {
		return fmt.Errorf("cas retries must be positive")
	}
	if c.DebounceWindow <= 0 {
		return fmt.Errorf("debounce window must be positive")
	}
	if c.EmergencyDeadline <= 0 {
		return fmt.Errorf("emergency deadline must be positive")
	}
	if c.RetryBase <= 0 || c.RetryMax < c.RetryBase {
		return fmt.Errorf("retry delays must satisfy 0 < base <= max")
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("history limit must be positive")
	}
	seen := make(map[string]bool, len(c.Projects))
	for _, p := range c.Projects {
		if p.ID == "" || p.Dir == "" {
			return fmt.Errorf("project entries need both id and dir")
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate project id %q", p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}

// RetryPolicy builds the shared inline retry policy.
func (c *Config) RetryPolicy() resilience.RetryPolicy {
	return resilience.RetryPolicy{
		MaxRetries: c.MaxRetries,
		BaseDelay:  c.RetryBase,
		MaxDelay:   c.RetryMax,
	}
}

// LockConfig builds the lock coordinator configuration.
func (c *Config) LockConfig() lock.Config {
	return lock.Config{
		TTL:                 c.LockTTL,
		HeartbeatInterval:   c.HeartbeatInterval,
		StaleThreshold:      c.StaleThreshold,
		ExpiryWarnThreshold: c.ExpiryWarnThreshold,
		CASRetries:          c.CASRetries,
	}
}

// OrchestratorConfig builds the commit orchestrator configuration.
func (c *Config) OrchestratorConfig() orchestrator.Config {
	return orchestrator.Config{
		DebounceWindow:    c.DebounceWindow,
		EmergencyDeadline: c.EmergencyDeadline,
	}
}

// DatabasePath is the durable state database location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.StateDir, "state.db")
}

// configSetter helps apply configuration values while respecting flag
// precedence. It only applies values if the corresponding flag hasn't
// been explicitly set.
type configSetter struct {
	changed map[string]bool
}

func newConfigSetter(changed map[string]bool) *configSetter {
	return &configSetter{changed: changed}
}

// setString sets a string value if not empty and flag not changed.
func (s *configSetter) setString(flag, value string, dst *string) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value
}

// setInt sets an int value if positive and flag not changed.
func (s *configSetter) setInt(flag string, value int, dst *int) {
	if value <= 0 || s.changed[flag] {
		return
	}
	*dst = value
}

// setDuration parses and sets a duration from string if valid and flag
// not changed.
func (s *configSetter) setDuration(flag, value string, dst *time.Duration) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = d
	return nil
}

// setIntFromString parses a string to int and sets the destination if
// valid. Used for environment variables.
func (s *configSetter) setIntFromString(flag, value string, dst *int) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	if i <= 0 {
		return nil
	}
	*dst = i
	return nil
}
