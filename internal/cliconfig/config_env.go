package cliconfig

import "os"

// ApplyEnvConfig applies configuration from STUDIOLOCK_* environment
// variables, respecting flags that have been explicitly set (changed
// map). Returns an error if any variable has an invalid format.
func ApplyEnvConfig(cfg *Config, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("remote-addr", os.Getenv("STUDIOLOCK_REMOTE_ADDR"), &cfg.RemoteAddr)
	s.setString("state-dir", os.Getenv("STUDIOLOCK_STATE_DIR"), &cfg.StateDir)
	s.setString("log-level", os.Getenv("STUDIOLOCK_LOG_LEVEL"), &cfg.LogLevel)

	if err := s.setDuration("lock-ttl", os.Getenv("STUDIOLOCK_LOCK_TTL"), &cfg.LockTTL); err != nil {
		return err
	}
	if err := s.setDuration("heartbeat-interval", os.Getenv("STUDIOLOCK_HEARTBEAT_INTERVAL"), &cfg.HeartbeatInterval); err != nil {
		return err
	}
	if err := s.setDuration("stale-threshold", os.Getenv("STUDIOLOCK_STALE_THRESHOLD"), &cfg.StaleThreshold); err != nil {
		return err
	}
	if err := s.setDuration("expiry-warn-threshold", os.Getenv("STUDIOLOCK_EXPIRY_WARN_THRESHOLD"), &cfg.ExpiryWarnThreshold); err != nil {
		return err
	}
	if err := s.setDuration("debounce-window", os.Getenv("STUDIOLOCK_DEBOUNCE_WINDOW"), &cfg.DebounceWindow); err != nil {
		return err
	}
	if err := s.setDuration("emergency-deadline", os.Getenv("STUDIOLOCK_EMERGENCY_DEADLINE"), &cfg.EmergencyDeadline); err != nil {
		return err
	}
	if err := s.setDuration("retry-base", os.Getenv("STUDIOLOCK_RETRY_BASE"), &cfg.RetryBase); err != nil {
		return err
	}
	if err := s.setDuration("retry-max", os.Getenv("STUDIOLOCK_RETRY_MAX"), &cfg.RetryMax); err != nil {
		return err
	}
	if err := s.setDuration("drain-interval", os.Getenv("STUDIOLOCK_DRAIN_INTERVAL"), &cfg.DrainInterval); err != nil {
		return err
	}
	if err := s.setDuration("probe-timeout", os.Getenv("STUDIOLOCK_PROBE_TIMEOUT"), &cfg.ProbeTimeout); err != nil {
		return err
	}

	if err := s.setIntFromString("cas-retries", os.Getenv("STUDIOLOCK_CAS_RETRIES"), &cfg.CASRetries); err != nil {
		return err
	}
	if err := s.setIntFromString("max-retries", os.Getenv("STUDIOLOCK_MAX_RETRIES"), &cfg.MaxRetries); err != nil {
		return err
	}
	if err := s.setIntFromString("history-limit", os.Getenv("STUDIOLOCK_HISTORY_LIMIT"), &cfg.HistoryLimit); err != nil {
		return err
	}
	return nil
}
