package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	DefaultTCPPort               = 4403
	DefaultRefreshIntervalSec    = 30
	DefaultActiveThresholdHours  = 2
	DefaultBatteryAlertThreshold = 15
	DefaultBatteryAlertMargin    = 5
	DefaultDialTimeoutSec        = 5
	DefaultFetchTimeoutSec       = 10
	DefaultDataDir               = "data"
)

// EnvConfigPath overrides the --config flag when set.
const EnvConfigPath = "MESHMON_CONFIG"

// Config holds all monitor settings.
type Config struct {
	TCPHost               string `yaml:"tcp_host"`
	TCPPort               int    `yaml:"tcp_port"`
	SerialPort            string `yaml:"serial_port,omitempty"`
	RefreshIntervalSec    int    `yaml:"refresh_interval_sec"`
	ActiveThresholdHours  int    `yaml:"active_threshold_hours"`
	BatteryAlertThreshold int    `yaml:"battery_alert_threshold"`
	BatteryAlertMargin    int    `yaml:"battery_alert_margin"`
	DialTimeoutSec        int    `yaml:"dial_timeout_sec"`
	FetchTimeoutSec       int    `yaml:"fetch_timeout_sec"`
	DataDir               string `yaml:"data_dir"`
}

// Load reads and parses a YAML config file. A missing file yields the
// defaults so the CLI works with flags alone.
func Load(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyDefaults(&cfg)
			return cfg, nil
		}
		return Config{}, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks threshold and interval sanity. These are the only
// fatal errors in the monitor; everything past config load is retried.
func Validate(cfg Config) error {
	if cfg.TCPHost == "" && cfg.SerialPort == "" {
		return fmt.Errorf("tcp_host or serial_port is required")
	}
	if cfg.TCPPort <= 0 || cfg.TCPPort > 65535 {
		return fmt.Errorf("tcp_port %d out of range", cfg.TCPPort)
	}
	if cfg.RefreshIntervalSec <= 0 {
		return fmt.Errorf("refresh_interval_sec must be positive")
	}
	if cfg.ActiveThresholdHours <= 0 {
		return fmt.Errorf("active_threshold_hours must be positive")
	}
	if cfg.BatteryAlertThreshold < 0 || cfg.BatteryAlertThreshold > 100 {
		return fmt.Errorf("battery_alert_threshold %d out of range", cfg.BatteryAlertThreshold)
	}
	if cfg.BatteryAlertMargin < 0 || cfg.BatteryAlertThreshold+cfg.BatteryAlertMargin > 100 {
		return fmt.Errorf("battery_alert_margin %d out of range", cfg.BatteryAlertMargin)
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.TCPPort == 0 {
		cfg.TCPPort = DefaultTCPPort
	}
	if cfg.RefreshIntervalSec == 0 {
		cfg.RefreshIntervalSec = DefaultRefreshIntervalSec
	}
	if cfg.ActiveThresholdHours == 0 {
		cfg.ActiveThresholdHours = DefaultActiveThresholdHours
	}
	if cfg.BatteryAlertThreshold == 0 {
		cfg.BatteryAlertThreshold = DefaultBatteryAlertThreshold
	}
	if cfg.BatteryAlertMargin == 0 {
		cfg.BatteryAlertMargin = DefaultBatteryAlertMargin
	}
	if cfg.DialTimeoutSec == 0 {
		cfg.DialTimeoutSec = DefaultDialTimeoutSec
	}
	if cfg.FetchTimeoutSec == 0 {
		cfg.FetchTimeoutSec = DefaultFetchTimeoutSec
	}
	if cfg.DataDir == "" {
		cfg.DataDir = DefaultDataDir
	}
}

// HistoryPath returns the sample database location under DataDir.
func HistoryPath(cfg Config) string {
	return filepath.Join(cfg.DataDir, "history.db")
}
