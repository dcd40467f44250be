// Package aggconfig provides configuration management for the bandwidth aggregator.
package aggconfig

import (
	"fmt"
	"time"
)

// Config holds the operational knobs for one aggregator invocation.
type Config struct {
	// ControlAddress is the host:port of the Tor control port used to fetch
	// the live consensus.
	ControlAddress string `yaml:"control_address"`

	// CookieAuthFile is the path to the control port's cookie-auth file.
	// When empty, the aggregator falls back to a null AUTHENTICATE.
	CookieAuthFile string `yaml:"cookie_auth_file"`

	// MaxAge is the staleness threshold for a scanner's own liveness: if its
	// newest surviving measurement is older than this, the scanner is
	// assumed dead and a warning is logged.
	MaxAge time.Duration `yaml:"max_age"`

	// MaxScanAge is the maximum age of a scanner result file before it is
	// ignored (and its on-disk sql sibling removed) during ingestion.
	MaxScanAge time.Duration `yaml:"max_scan_age"`

	// GuardSampleRate is a guard-sampling cadence that is validated and
	// round-tripped through the settings file. The PID step does not read
	// it: it takes its guard-sampling cadence from the consensus parameters
	// (bwauthguardrate, or the built-in default when absent).
	GuardSampleRate time.Duration `yaml:"guard_sample_rate"`

	// IgnoreGuards omits pure Guard relays (Guard flag without Exit) from
	// the published vote.
	IgnoreGuards bool `yaml:"ignore_guards"`

	// MinReport is the minimum percentage of the network that must carry a
	// fresh measurement before the round is allowed to emit a vote.
	MinReport float64 `yaml:"min_report"`

	// NodeCap is the fraction of total network bandwidth a single relay may
	// be assigned, expressed as a fraction of 1 (0.05 == 5%).
	NodeCap float64 `yaml:"node_cap"`

	// LogLevel selects the verbosity of the structured logger.
	LogLevel string `yaml:"log_level"`

	// MetricsPath is the textfile-collector path the round writes its
	// Prometheus metrics to. Empty disables metrics output.
	MetricsPath string `yaml:"metrics_path"`
}

// Default returns a configuration with the same defaults the original
// implementation falls back to when the consensus carries no bwauth* params.
func Default() *Config {
	return &Config{
		ControlAddress:  "127.0.0.1:9051",
		CookieAuthFile:  "",
		MaxAge:          36 * time.Hour,
		MaxScanAge:      28 * 24 * time.Hour,
		GuardSampleRate: 14 * 24 * time.Hour,
		IgnoreGuards:    false,
		MinReport:       60,
		NodeCap:         0.05,
		LogLevel:        "info",
		MetricsPath:     "",
	}
}

// Validate checks that the configuration is usable, mirroring the
// validate-after-parse discipline of the teacher's Config.Validate.
func (c *Config) Validate() error {
	if c.ControlAddress == "" {
		return fmt.Errorf("control_address is required")
	}
	if c.MaxAge <= 0 {
		return fmt.Errorf("max_age must be positive")
	}
	if c.MaxScanAge <= 0 {
		return fmt.Errorf("max_scan_age must be positive")
	}
	if c.GuardSampleRate <= 0 {
		return fmt.Errorf("guard_sample_rate must be positive")
	}
	if c.MinReport < 0 || c.MinReport > 100 {
		return fmt.Errorf("min_report must be between 0 and 100: %f", c.MinReport)
	}
	if c.NodeCap <= 0 || c.NodeCap > 1 {
		return fmt.Errorf("node_cap must be in (0, 1]: %f", c.NodeCap)
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}
