package fetch

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"beaconkit/internal/engine"
	"beaconkit/internal/layout"
)

// FileLocalCache persists the last-known-good layout document to a single
// file so a relaunched background task can serve matches without a network
// round trip. When an encryptor is configured the file is encrypted at
// rest; the server-provided ruleset never sits on disk in the clear.
type FileLocalCache struct {
	path      string
	encryptor engine.Encryptor
	decrypt   engine.DecryptionContext
}

var _ layout.LocalCache = (*FileLocalCache)(nil)

// NewFileLocalCache creates a cache at path. encryptor and decrypt may both
// be nil for plaintext storage; decrypt is required to Load when encryptor
// is set.
func NewFileLocalCache(path string, encryptor engine.Encryptor, decrypt engine.DecryptionContext) *FileLocalCache {
	return &FileLocalCache{path: path, encryptor: encryptor, decrypt: decrypt}
}

type cacheEnvelope struct {
	CacheControl string    `json:"cacheControl"`
	Body         []byte    `json:"body"`
	RetrievedAt  time.Time `json:"retrievedAt"`
}

// Load returns the cached document, or (nil, nil) when nothing is cached.
func (c *FileLocalCache) Load() (*layout.CachedDocument, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading layout cache: %w", err)
	}

	if c.encryptor != nil {
		if c.decrypt == nil {
			return nil, errors.New("layout cache is encrypted but no decryption context is available")
		}
		data, err = c.decrypt.Decrypt(data)
		if err != nil {
			return nil, fmt.Errorf("decrypting layout cache: %w", err)
		}
	}

	var env cacheEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding layout cache: %w", err)
	}

	return &layout.CachedDocument{
		Document:    layout.Document{CacheControl: env.CacheControl, Body: env.Body},
		RetrievedAt: env.RetrievedAt,
	}, nil
}

// Store writes the document atomically (temp file + rename) so a crash
// mid-write never corrupts the last-known-good copy.
func (c *FileLocalCache) Store(doc *layout.Document, retrievedAt time.Time) error {
	data, err := json.Marshal(cacheEnvelope{
		CacheControl: doc.CacheControl,
		Body:         doc.Body,
		RetrievedAt:  retrievedAt,
	})
	if err != nil {
		return fmt.Errorf("encoding layout cache: %w", err)
	}

	if c.encryptor != nil {
		data, err = c.encryptor.Encrypt(data)
		if err != nil {
			return fmt.Errorf("encrypting layout cache: %w", err)
		}
	}

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating layout cache directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "layout-*.tmp")
	if err != nil {
		return fmt.Errorf("creating layout cache temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing layout cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing layout cache temp file: %w", err)
	}

	if err := os.Rename(tmpPath, c.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("installing layout cache: %w", err)
	}
	return nil
}

// Invalidate removes the cached document. Missing files are fine.
func (c *FileLocalCache) Invalidate() error {
	if err := os.Remove(c.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing layout cache: %w", err)
	}
	return nil
}
