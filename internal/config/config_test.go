package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("mi:\n  host: pbx.example.net\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.MI.Host != "pbx.example.net" {
		t.Fatalf("MI.Host = %q", cfg.MI.Host)
	}
	if cfg.MI.Port != 5038 {
		t.Fatalf("MI.Port = %d, want default 5038", cfg.MI.Port)
	}
	if cfg.MI.RequestTimeout.Std() != 5*time.Second {
		t.Fatalf("MI.RequestTimeout = %v", cfg.MI.RequestTimeout)
	}
	if cfg.MI.MonitorInterval.Std() != 2500*time.Millisecond {
		t.Fatalf("MI.MonitorInterval = %v", cfg.MI.MonitorInterval)
	}
	if cfg.MQTT.Configured() {
		t.Fatal("MQTT should be unconfigured when broker is empty")
	}
	if cfg.Websocket.Configured() {
		t.Fatal("Websocket monitor should be unconfigured when listen is empty")
	}
}

func TestLoadParsesDurationStringsAndBareSeconds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	raw := "mi:\n  request_timeout: 250ms\n  aggregate_timeout: 10\n"
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MI.RequestTimeout.Std() != 250*time.Millisecond {
		t.Fatalf("RequestTimeout = %v", cfg.MI.RequestTimeout.Std())
	}
	if cfg.MI.AggregateTimeout.Std() != 10*time.Second {
		t.Fatalf("AggregateTimeout = %v", cfg.MI.AggregateTimeout.Std())
	}
}

func TestLoadRejectsMalformedDuration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("mi:\n  request_timeout: soonish\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed duration")
	}
}

func TestLoadRejectsInvalidPort(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("mi:\n  port: 99999\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for out-of-range port")
	}
}

func TestLoadRejectsUnknownLogLevel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("log_level: supertrace\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for unknown log level")
	}
}

func TestFindConfigExplicitMustExist(t *testing.T) {
	if _, err := FindConfig("/nonexistent/config.yaml"); err == nil {
		t.Fatal("expected error for missing explicit config path")
	}
}

func TestMQTTConfiguredRequiresBroker(t *testing.T) {
	cfg := MQTTConfig{Broker: "tcp://localhost:1883"}
	if !cfg.Configured() {
		t.Fatal("expected Configured() true when broker is set")
	}
}

func TestDefaultIsUsable(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default() failed Validate: %v", err)
	}
}
