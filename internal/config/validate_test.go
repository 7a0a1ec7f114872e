package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if errs := cfg.Validate(); len(errs) != 0 {
		t.Fatalf("default config should validate cleanly, got %v", errs)
	}
}

func TestValidateClampsMaxDevices(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, 1},
		{-5, 1},
		{64, 64},
		{5000, maxDevicesCeiling},
	}
	for _, tt := range tests {
		cfg := Default()
		cfg.MaxDevicesPerClient = tt.in
		cfg.Validate()
		if cfg.MaxDevicesPerClient != tt.want {
			t.Errorf("MaxDevicesPerClient %d clamped to %d, want %d", tt.in, cfg.MaxDevicesPerClient, tt.want)
		}
	}
}

func TestValidateEmptySocketPathFallsBack(t *testing.T) {
	cfg := Default()
	cfg.SocketPath = ""
	errs := cfg.Validate()
	if len(errs) != 1 {
		t.Fatalf("expected one error, got %v", errs)
	}
	if cfg.SocketPath != DefaultSocketPath {
		t.Fatalf("SocketPath = %q, want %q", cfg.SocketPath, DefaultSocketPath)
	}
}

func TestValidateRejectsUnknownLogSettings(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "loud"
	cfg.LogFormat = "xml"
	errs := cfg.Validate()
	if len(errs) != 2 {
		t.Fatalf("expected two errors, got %v", errs)
	}
	if !strings.Contains(errs[0].Error(), "log_level") || !strings.Contains(errs[1].Error(), "log_format") {
		t.Fatalf("unexpected errors: %v", errs)
	}
}

func TestValidateRateLimit(t *testing.T) {
	cfg := Default()
	cfg.RateLimitAttempts = -1
	cfg.Validate()
	if cfg.RateLimitAttempts != 0 {
		t.Fatalf("negative attempts should disable limiting, got %d", cfg.RateLimitAttempts)
	}

	cfg = Default()
	cfg.RateLimitWindowSeconds = 0
	cfg.Validate()
	if cfg.RateLimitWindowSeconds != 1 {
		t.Fatalf("window clamped to %d, want 1", cfg.RateLimitWindowSeconds)
	}
}

func TestLoadFileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seatd.yaml")
	body := "socket_path: /tmp/test-seatd.sock\nlog_level: debug\nmax_devices_per_client: 16\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("SEATD_VTBOUND", "0")
	t.Setenv("SEATD_LOGLEVEL", "error")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SocketPath != "/tmp/test-seatd.sock" {
		t.Errorf("SocketPath = %q", cfg.SocketPath)
	}
	if cfg.VTBound {
		t.Error("SEATD_VTBOUND=0 should disable VT binding")
	}
	if cfg.LogLevel != "error" {
		t.Errorf("LogLevel = %q, environment should win over file", cfg.LogLevel)
	}
	if cfg.MaxDevicesPerClient != 16 {
		t.Errorf("MaxDevicesPerClient = %d, want 16", cfg.MaxDevicesPerClient)
	}
	if cfg.RateLimitAttempts != Default().RateLimitAttempts {
		t.Errorf("unset keys should keep defaults, RateLimitAttempts = %d", cfg.RateLimitAttempts)
	}
}

func TestLoadSocketFromEnvironment(t *testing.T) {
	t.Setenv("SEATD_SOCK", "/tmp/env.sock")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("explicit missing config file should be an error")
	}

	cfg, err = Load("")
	if err != nil {
		t.Fatalf("Load without file: %v", err)
	}
	if cfg.SocketPath != "/tmp/env.sock" {
		t.Fatalf("SocketPath = %q, want /tmp/env.sock", cfg.SocketPath)
	}
}

func TestYAMLRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.SocketGroup = "seat"
	path := filepath.Join(t.TempDir(), "out", "seatd.yaml")
	if err := cfg.SaveTo(path); err != nil {
		t.Fatalf("SaveTo: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.SocketGroup != "seat" || loaded.SocketPath != cfg.SocketPath || loaded.VTBound != cfg.VTBound {
		t.Fatalf("loaded config %+v does not match saved %+v", loaded, cfg)
	}
}
