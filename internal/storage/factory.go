package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"beaconkit/internal/config"
)

// DatabaseFileName is the name of the sqlite database file inside the
// configured data directory.
const DatabaseFileName = "beaconkit.db"

// NewStoreFromConfig creates a store based on the database configuration.
//
// For type=sqlite, the database lives under the configured data directory.
// If the file exists but cannot be brought to the current schema (corrupt
// file, failed migration, schema from a newer binary), the file is removed
// and recreated from scratch: the store only holds reproducible operational
// state, so a clean slate beats refusing to start.
func NewStoreFromConfig(cfg *config.Config) (*SQLiteStore, error) {
	switch cfg.Database.Type {
	case "memory":
		store, err := NewSQLiteStore(":memory:")
		if err != nil {
			return nil, err
		}
		if err := store.MigrateUp(); err != nil {
			store.Close()
			return nil, fmt.Errorf("migrating in-memory database: %w", err)
		}
		return store, nil
	case "sqlite", "":
		if cfg.Database.DataDir == "" {
			return nil, fmt.Errorf("database data_dir is not configured")
		}
		if err := os.MkdirAll(cfg.Database.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		path := filepath.Join(cfg.Database.DataDir, DatabaseFileName)
		return openOrReset(path)
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Database.Type)
	}
}

func openOrReset(path string) (*SQLiteStore, error) {
	store, err := openAndMigrate(path)
	if err == nil {
		return store, nil
	}

	// Unusable database file. Remove it and start over.
	if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
		return nil, fmt.Errorf("resetting database (open failed with %v): %w", err, removeErr)
	}

	store, retryErr := openAndMigrate(path)
	if retryErr != nil {
		return nil, fmt.Errorf("reopening database after reset: %w", retryErr)
	}
	return store, nil
}

func openAndMigrate(path string) (*SQLiteStore, error) {
	store, err := NewSQLiteStore(path)
	if err != nil {
		return nil, err
	}
	if err := store.MigrateUp(); err != nil {
		store.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}
	return store, nil
}
