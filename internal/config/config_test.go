package config

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewConfig(t *testing.T) {
	cfg := NewConfig("https://layouts.example.com/v1/layout", "/var/lib/beaconkit")

	if cfg.Layout.URL != "https://layouts.example.com/v1/layout" {
		t.Errorf("Layout.URL = %q", cfg.Layout.URL)
	}
	if cfg.BaseDir != "/var/lib/beaconkit" {
		t.Errorf("BaseDir = %q", cfg.BaseDir)
	}
	if cfg.LogDir != filepath.Join("/var/lib/beaconkit", "log") {
		t.Errorf("LogDir = %q", cfg.LogDir)
	}
	if cfg.Database.Type != "sqlite" {
		t.Errorf("Database.Type = %q", cfg.Database.Type)
	}
	if cfg.Resolver.MaxRetries != 3 {
		t.Errorf("Resolver.MaxRetries = %d", cfg.Resolver.MaxRetries)
	}
	if cfg.Resolver.ExitTimeoutMillis != 30000 {
		t.Errorf("Resolver.ExitTimeoutMillis = %d", cfg.Resolver.ExitTimeoutMillis)
	}
	if cfg.Encryption.Type != "none" {
		t.Errorf("Encryption.Type = %q", cfg.Encryption.Type)
	}
}

func TestManager_ReadWrite(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		m := &Manager{}
		cfg := NewConfig("https://layouts.example.com/v1/layout", "/tmp/bk")
		cfg.Sighting.Broker = "tcp://broker:1883"
		cfg.Resolver.Async = false

		var buf bytes.Buffer
		if err := m.Write(&buf, cfg); err != nil {
			t.Fatalf("Write() error = %v", err)
		}

		got, err := m.Read(&buf)
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}

		if got.Layout.URL != cfg.Layout.URL {
			t.Errorf("Layout.URL = %q, want %q", got.Layout.URL, cfg.Layout.URL)
		}
		if got.Sighting.Broker != "tcp://broker:1883" {
			t.Errorf("Sighting.Broker = %q", got.Sighting.Broker)
		}
		if got.Resolver.Async {
			t.Error("Resolver.Async = true, want false")
		}
	})

	t.Run("malformed toml is an error", func(t *testing.T) {
		m := &Manager{}
		if _, err := m.Read(strings.NewReader("[layout\nurl=")); err == nil {
			t.Error("Read() expected error")
		}
	})
}

func TestInit(t *testing.T) {
	t.Run("creates the file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "beaconkit.toml")
		cfg := NewConfig("https://layouts.example.com", "/tmp/bk")

		if err := Init(path, cfg); err != nil {
			t.Fatalf("Init() error = %v", err)
		}

		got, err := ReadFromFile(path)
		if err != nil {
			t.Fatalf("ReadFromFile() error = %v", err)
		}
		if got.Layout.URL != cfg.Layout.URL {
			t.Errorf("Layout.URL = %q", got.Layout.URL)
		}
	})

	t.Run("refuses to overwrite", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "beaconkit.toml")
		cfg := NewConfig("https://layouts.example.com", "/tmp/bk")

		if err := Init(path, cfg); err != nil {
			t.Fatalf("Init() error = %v", err)
		}
		if err := Init(path, cfg); err == nil {
			t.Error("second Init() should refuse to overwrite")
		}
	})
}

func TestReadFromFile_Missing(t *testing.T) {
	if _, err := ReadFromFile(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Error("ReadFromFile() expected error for missing file")
	}
}
