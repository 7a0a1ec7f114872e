package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
	"silent":  true,
}

// maxDevicesCeiling bounds per-client device records.
const maxDevicesCeiling = 1024

// Validate checks the config for invalid values and returns all errors found.
// Dangerous values are clamped to safe defaults; the remaining errors are
// logged as warnings but do not prevent startup.
func (c *Config) Validate() []error {
	var errs []error

	if c.SocketPath == "" {
		errs = append(errs, fmt.Errorf("socket_path is empty, using %s", DefaultSocketPath))
		c.SocketPath = DefaultSocketPath
	} else if !filepath.IsAbs(c.SocketPath) {
		errs = append(errs, fmt.Errorf("socket_path %q is not absolute", c.SocketPath))
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error, silent)", c.LogLevel))
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	if c.MaxDevicesPerClient < 1 {
		errs = append(errs, fmt.Errorf("max_devices_per_client %d is below minimum 1, clamping", c.MaxDevicesPerClient))
		c.MaxDevicesPerClient = 1
	} else if c.MaxDevicesPerClient > maxDevicesCeiling {
		errs = append(errs, fmt.Errorf("max_devices_per_client %d exceeds maximum %d, clamping", c.MaxDevicesPerClient, maxDevicesCeiling))
		c.MaxDevicesPerClient = maxDevicesCeiling
	}

	if c.RateLimitAttempts < 0 {
		errs = append(errs, fmt.Errorf("rate_limit_attempts %d is negative, disabling rate limiting", c.RateLimitAttempts))
		c.RateLimitAttempts = 0
	}
	if c.RateLimitAttempts > 0 && c.RateLimitWindowSeconds < 1 {
		errs = append(errs, fmt.Errorf("rate_limit_window_seconds %d is below minimum 1, clamping", c.RateLimitWindowSeconds))
		c.RateLimitWindowSeconds = 1
	} else if c.RateLimitWindowSeconds > 3600 {
		errs = append(errs, fmt.Errorf("rate_limit_window_seconds %d exceeds maximum 3600, clamping", c.RateLimitWindowSeconds))
		c.RateLimitWindowSeconds = 3600
	}

	if c.AuditFile != "" && !filepath.IsAbs(c.AuditFile) {
		errs = append(errs, fmt.Errorf("audit_file %q is not absolute", c.AuditFile))
	}

	for _, err := range errs {
		slog.Warn("config validation", "error", err)
	}

	return errs
}
