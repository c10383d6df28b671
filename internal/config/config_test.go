package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingFile_YieldsDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TCPPort != DefaultTCPPort {
		t.Fatalf("tcp_port=%d", cfg.TCPPort)
	}
	if cfg.RefreshIntervalSec != DefaultRefreshIntervalSec {
		t.Fatalf("refresh_interval_sec=%d", cfg.RefreshIntervalSec)
	}
	if cfg.BatteryAlertThreshold != DefaultBatteryAlertThreshold {
		t.Fatalf("battery_alert_threshold=%d", cfg.BatteryAlertThreshold)
	}
	if cfg.DataDir != DefaultDataDir {
		t.Fatalf("data_dir=%q", cfg.DataDir)
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "meshmon.yaml")
	in := Config{
		TCPHost:    "192.168.0.114",
		SerialPort: "/dev/ttyACM0",
		DataDir:    "/var/lib/meshmon",
	}
	if err := Save(path, in); err != nil {
		t.Fatalf("Save: %v", err)
	}

	out, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if out.TCPHost != "192.168.0.114" || out.SerialPort != "/dev/ttyACM0" {
		t.Fatalf("cfg=%+v", out)
	}
	// Defaults were filled in on save.
	if out.TCPPort != DefaultTCPPort || out.FetchTimeoutSec != DefaultFetchTimeoutSec {
		t.Fatalf("cfg=%+v", out)
	}
}

func TestLoad_ParsesYAML(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "meshmon.yaml")
	body := "tcp_host: gw.local\nbattery_alert_threshold: 20\nactive_threshold_hours: 6\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TCPHost != "gw.local" || cfg.BatteryAlertThreshold != 20 || cfg.ActiveThresholdHours != 6 {
		t.Fatalf("cfg=%+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base := Config{TCPHost: "gw"}
	ApplyDefaults(&base)
	if err := Validate(base); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no endpoint", func(c *Config) { c.TCPHost = ""; c.SerialPort = "" }},
		{"bad port", func(c *Config) { c.TCPPort = 70000 }},
		{"zero interval", func(c *Config) { c.RefreshIntervalSec = -1 }},
		{"battery threshold", func(c *Config) { c.BatteryAlertThreshold = 150 }},
		{"margin overflow", func(c *Config) { c.BatteryAlertThreshold = 98; c.BatteryAlertMargin = 10 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tc.mutate(&cfg)
			if err := Validate(cfg); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
