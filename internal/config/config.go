// Package config loads the control plane's environment-driven
// configuration: a flat struct plus a mutex-protected subset of fields
// that change at runtime.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Config holds all control-plane configuration from environment
// variables. maintenanceSweepInterval is the one field mutated at
// runtime (by an admin endpoint adjusting sweep cadence without a
// restart) and is protected by mu via the getter/setter pair below.
type Config struct {
	Issuer                   string
	SigningKey               string
	TokenTTLSeconds          int
	TokenClockSkewSeconds    int
	OutageGraceWindowSeconds int
	EnrollmentCodeTTLSeconds int

	DBPath  string
	LogJSON bool

	MetricsEnabled bool

	// MetricsTextfilePath, if set, is written with a node_exporter
	// textfile-collector snapshot of authctl_ metrics after every
	// maintenance sweep pass. Empty disables the snapshot.
	MetricsTextfilePath string

	// MaintenanceSchedule is an optional extended cron expression
	// (seconds field allowed); empty disables cron-driven scheduling
	// and the sweeper falls back to maintenanceSweepInterval.
	MaintenanceSchedule string

	mu                       sync.RWMutex
	maintenanceSweepInterval time.Duration
}

// NewTestConfig returns a Config with deterministic values suitable for
// tests, bypassing environment lookups entirely.
func NewTestConfig() *Config {
	return &Config{
		Issuer:                   "rezilient-auth-control-plane",
		SigningKey:               "test-signing-key-at-least-32-characters-long",
		TokenTTLSeconds:          300,
		TokenClockSkewSeconds:    30,
		OutageGraceWindowSeconds: 420,
		EnrollmentCodeTTLSeconds: 900,
		DBPath:                   ":memory:",
		LogJSON:                  false,
		MetricsEnabled:           false,
		maintenanceSweepInterval: 5 * time.Minute,
	}
}

// Load reads configuration from the environment with defaults.
func Load() *Config {
	return &Config{
		Issuer:                   envStr("AUTHCTL_ISSUER", "rezilient-auth-control-plane"),
		SigningKey:               envStr("AUTHCTL_SIGNING_KEY", ""),
		TokenTTLSeconds:          envInt("AUTHCTL_TOKEN_TTL_SECONDS", 300),
		TokenClockSkewSeconds:    envInt("AUTHCTL_TOKEN_CLOCK_SKEW_SECONDS", 30),
		OutageGraceWindowSeconds: envInt("AUTHCTL_OUTAGE_GRACE_WINDOW_SECONDS", 420),
		EnrollmentCodeTTLSeconds: envInt("AUTHCTL_ENROLLMENT_CODE_TTL_SECONDS", 900),
		DBPath:                   envStr("AUTHCTL_DB_PATH", "/data/authctl.db"),
		LogJSON:                  envBool("AUTHCTL_LOG_JSON", true),
		MetricsEnabled:           envBool("AUTHCTL_METRICS", false),
		MetricsTextfilePath:      envStr("AUTHCTL_METRICS_TEXTFILE_PATH", ""),
		MaintenanceSchedule:      envStr("AUTHCTL_MAINTENANCE_SCHEDULE", ""),
		maintenanceSweepInterval: envDuration("AUTHCTL_MAINTENANCE_SWEEP_INTERVAL", 5*time.Minute),
	}
}

// Validate checks configuration for invalid values, matching the
// Token precondition in §4.6 (signing key minimum length) and
// validating any configured maintenance cron expression up front so a
// typo surfaces at startup rather than at the first missed sweep.
func (c *Config) Validate() error {
	var errs []error
	if len(c.SigningKey) < 32 {
		errs = append(errs, fmt.Errorf("AUTHCTL_SIGNING_KEY must be at least 32 characters, got %d", len(c.SigningKey)))
	}
	if c.TokenTTLSeconds <= 0 {
		errs = append(errs, fmt.Errorf("AUTHCTL_TOKEN_TTL_SECONDS must be > 0, got %d", c.TokenTTLSeconds))
	}
	if c.TokenClockSkewSeconds < 0 {
		errs = append(errs, fmt.Errorf("AUTHCTL_TOKEN_CLOCK_SKEW_SECONDS must be >= 0, got %d", c.TokenClockSkewSeconds))
	}
	if c.OutageGraceWindowSeconds < 0 {
		errs = append(errs, fmt.Errorf("AUTHCTL_OUTAGE_GRACE_WINDOW_SECONDS must be >= 0, got %d", c.OutageGraceWindowSeconds))
	}
	if c.MaintenanceSchedule != "" {
		if _, err := cron.ParseStandard(c.MaintenanceSchedule); err != nil {
			errs = append(errs, fmt.Errorf("AUTHCTL_MAINTENANCE_SCHEDULE invalid: %w", err))
		}
	}
	if c.MaintenanceSweepInterval() <= 0 {
		errs = append(errs, fmt.Errorf("AUTHCTL_MAINTENANCE_SWEEP_INTERVAL must be > 0"))
	}
	return errors.Join(errs...)
}

// Values returns all configuration as a string map for display,
// redacting the signing key.
func (c *Config) Values() map[string]string {
	return map[string]string{
		"AUTHCTL_ISSUER":                       c.Issuer,
		"AUTHCTL_SIGNING_KEY":                  redactSecret(c.SigningKey),
		"AUTHCTL_TOKEN_TTL_SECONDS":             strconv.Itoa(c.TokenTTLSeconds),
		"AUTHCTL_TOKEN_CLOCK_SKEW_SECONDS":      strconv.Itoa(c.TokenClockSkewSeconds),
		"AUTHCTL_OUTAGE_GRACE_WINDOW_SECONDS":   strconv.Itoa(c.OutageGraceWindowSeconds),
		"AUTHCTL_ENROLLMENT_CODE_TTL_SECONDS":   strconv.Itoa(c.EnrollmentCodeTTLSeconds),
		"AUTHCTL_DB_PATH":                       c.DBPath,
		"AUTHCTL_LOG_JSON":                      fmt.Sprintf("%t", c.LogJSON),
		"AUTHCTL_METRICS":                       fmt.Sprintf("%t", c.MetricsEnabled),
		"AUTHCTL_METRICS_TEXTFILE_PATH":         c.MetricsTextfilePath,
		"AUTHCTL_MAINTENANCE_SCHEDULE":          c.MaintenanceSchedule,
		"AUTHCTL_MAINTENANCE_SWEEP_INTERVAL":    c.MaintenanceSweepInterval().String(),
	}
}

// MaintenanceSweepInterval returns the current sweep tick interval
// (thread-safe).
func (c *Config) MaintenanceSweepInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.maintenanceSweepInterval
}

// SetMaintenanceSweepInterval updates the sweep tick interval at
// runtime (thread-safe).
func (c *Config) SetMaintenanceSweepInterval(d time.Duration) {
	c.mu.Lock()
	c.maintenanceSweepInterval = d
	c.mu.Unlock()
}

func redactSecret(s string) string {
	if s != "" {
		return "(set)"
	}
	return ""
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
