package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for beaconkit.
type Config struct {
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	Layout     LayoutConfig     `toml:"layout"`
	Database   DatabaseConfig   `toml:"database"`
	Sighting   SightingConfig   `toml:"sighting"`
	Resolver   ResolverConfig   `toml:"resolver"`
	Encryption EncryptionConfig `toml:"encryption"`
}

// LayoutConfig holds the layout backend endpoints and local cache settings.
type LayoutConfig struct {
	URL              string `toml:"url"`
	HistoryURL       string `toml:"history_url"`
	APIKey           string `toml:"api_key"`
	CachePath        string `toml:"cache_path"`
	MinContentLength int    `toml:"min_content_length,omitempty"`
}

// DatabaseConfig represents configuration for the persistent store.
// This uses a tagged union pattern - the Type field determines which other
// fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// SightingConfig represents configuration for the sighting source.
// This uses a tagged union pattern - the Type field determines which other
// fields are relevant.
type SightingConfig struct {
	Type     string `toml:"type"`                // "mqtt" or "none"
	Broker   string `toml:"broker,omitempty"`    // only used for type=mqtt
	Topic    string `toml:"topic,omitempty"`     // only used for type=mqtt
	ClientID string `toml:"client_id,omitempty"` // only used for type=mqtt
}

// ResolverConfig tunes the resolution pipeline timings.
type ResolverConfig struct {
	MaxRetries            int  `toml:"max_retries"`
	ExitTimeoutMillis     int  `toml:"exit_timeout_ms"`
	SweepIntervalMillis   int  `toml:"sweep_interval_ms"`
	DelayedLookaheadSecs  int  `toml:"delayed_lookahead_s"`
	FlushIntervalSecs     int  `toml:"flush_interval_s"`
	RefreshIntervalSecs   int  `toml:"layout_refresh_interval_s"`
	HistoryRetentionHours int  `toml:"history_retention_h"`
	Async                 bool `toml:"async"`
}

// EncryptionConfig holds paths to the age key pair used for at-rest
// encryption of the layout cache and history exports.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "none" (default), "age", or "test"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// NewConfig creates a new Config with the provided layout URL and default
// paths under baseDir.
func NewConfig(layoutURL, baseDir string) *Config {
	return &Config{
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Layout: LayoutConfig{
			URL:       layoutURL,
			CachePath: filepath.Join(baseDir, "cache", "layout.cache"),
		},
		Database: DatabaseConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "data"),
		},
		Sighting: SightingConfig{
			Type:   "mqtt",
			Broker: "tcp://localhost:1883",
			Topic:  "beacons/+/sightings",
		},
		Resolver: ResolverConfig{
			MaxRetries:            3,
			ExitTimeoutMillis:     30000,
			SweepIntervalMillis:   1000,
			DelayedLookaheadSecs:  2,
			FlushIntervalSecs:     60,
			RefreshIntervalSecs:   300,
			HistoryRetentionHours: 24,
			Async:                 true,
		},
		Encryption: EncryptionConfig{
			Type:           "none",
			PublicKeyPath:  filepath.Join(baseDir, "keys", "beaconkit.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "beaconkit.key"),
		},
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the
// provided Config. Refuses to overwrite an existing file.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
