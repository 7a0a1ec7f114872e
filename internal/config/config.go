package config

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// DefaultSocketPath is where seatd listens unless configured otherwise.
const DefaultSocketPath = "/run/seatd.sock"

// DefaultConfigDir holds seatd.yaml.
const DefaultConfigDir = "/etc/seatd"

type Config struct {
	SocketPath  string `mapstructure:"socket_path" yaml:"socket_path"`
	SocketUser  string `mapstructure:"socket_user" yaml:"socket_user,omitempty"`
	SocketGroup string `mapstructure:"socket_group" yaml:"socket_group,omitempty"`

	// VTBound ties seat activation to the foreground virtual terminal.
	// Disable for headless and test setups.
	VTBound bool `mapstructure:"vtbound" yaml:"vtbound"`

	LogLevel      string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat     string `mapstructure:"log_format" yaml:"log_format"`
	LogFile       string `mapstructure:"log_file" yaml:"log_file,omitempty"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb" yaml:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups" yaml:"log_max_backups"`

	AuditFile       string `mapstructure:"audit_file" yaml:"audit_file,omitempty"`
	AuditMaxSizeMB  int    `mapstructure:"audit_max_size_mb" yaml:"audit_max_size_mb"`
	AuditMaxBackups int    `mapstructure:"audit_max_backups" yaml:"audit_max_backups"`

	MaxDevicesPerClient    int `mapstructure:"max_devices_per_client" yaml:"max_devices_per_client"`
	RateLimitAttempts      int `mapstructure:"rate_limit_attempts" yaml:"rate_limit_attempts"`
	RateLimitWindowSeconds int `mapstructure:"rate_limit_window_seconds" yaml:"rate_limit_window_seconds"`
}

func Default() *Config {
	return &Config{
		SocketPath:             DefaultSocketPath,
		VTBound:                true,
		LogLevel:               "info",
		LogFormat:              "text",
		LogMaxSizeMB:           10,
		LogMaxBackups:          3,
		AuditMaxSizeMB:         10,
		AuditMaxBackups:        3,
		MaxDevicesPerClient:    128,
		RateLimitAttempts:      30,
		RateLimitWindowSeconds: 60,
	}
}

// Load reads cfgFile (or seatd.yaml from the default locations) and
// overlays SEATD_* environment variables. A missing file is not an error.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()
	v := viper.New()
	setDefaults(v, cfg)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("seatd")
		v.SetConfigType("yaml")
		v.AddConfigPath(DefaultConfigDir)
	}

	v.SetEnvPrefix("SEATD")
	v.AutomaticEnv()
	// Historical variable names predate the config file.
	v.BindEnv("socket_path", "SEATD_SOCK")
	v.BindEnv("log_level", "SEATD_LOGLEVEL")
	v.BindEnv("vtbound", "SEATD_VTBOUND")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !(cfgFile == "" && os.IsNotExist(err)) {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("socket_path", cfg.SocketPath)
	v.SetDefault("socket_user", cfg.SocketUser)
	v.SetDefault("socket_group", cfg.SocketGroup)
	v.SetDefault("vtbound", cfg.VTBound)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_format", cfg.LogFormat)
	v.SetDefault("log_file", cfg.LogFile)
	v.SetDefault("log_max_size_mb", cfg.LogMaxSizeMB)
	v.SetDefault("log_max_backups", cfg.LogMaxBackups)
	v.SetDefault("audit_file", cfg.AuditFile)
	v.SetDefault("audit_max_size_mb", cfg.AuditMaxSizeMB)
	v.SetDefault("audit_max_backups", cfg.AuditMaxBackups)
	v.SetDefault("max_devices_per_client", cfg.MaxDevicesPerClient)
	v.SetDefault("rate_limit_attempts", cfg.RateLimitAttempts)
	v.SetDefault("rate_limit_window_seconds", cfg.RateLimitWindowSeconds)
}

// YAML renders the effective configuration.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// SaveTo writes the configuration as YAML, creating the parent directory.
func (c *Config) SaveTo(path string) error {
	if path == "" {
		path = filepath.Join(DefaultConfigDir, "seatd.yaml")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := c.YAML()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
