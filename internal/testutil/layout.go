package testutil

import (
	"context"
	"sync"
	"time"

	"beaconkit/internal/layout"
)

// StubFetcher serves a scripted sequence of layout documents. Once the
// sequence runs out, the last entry repeats. A nil document entry simulates
// a fetch failure.
type StubFetcher struct {
	mu      sync.Mutex
	docs    []*layout.Document
	errs    []error
	fetches int
}

// NewStubFetcher creates a StubFetcher serving the given document forever.
func NewStubFetcher(doc *layout.Document) *StubFetcher {
	f := &StubFetcher{}
	f.Queue(doc, nil)
	return f
}

// Queue appends one fetch outcome to the script.
func (f *StubFetcher) Queue(doc *layout.Document, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs = append(f.docs, doc)
	f.errs = append(f.errs, err)
}

// Fetches returns how many times Fetch was called.
func (f *StubFetcher) Fetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func (f *StubFetcher) Fetch(_ context.Context) (*layout.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	idx := f.fetches
	if idx >= len(f.docs) {
		idx = len(f.docs) - 1
	}
	f.fetches++
	return f.docs[idx], f.errs[idx]
}

// MemoryLocalCache is an in-memory layout.LocalCache.
type MemoryLocalCache struct {
	mu     sync.Mutex
	cached *layout.CachedDocument
}

func NewMemoryLocalCache() *MemoryLocalCache {
	return &MemoryLocalCache{}
}

func (c *MemoryLocalCache) Load() (*layout.CachedDocument, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cached, nil
}

func (c *MemoryLocalCache) Store(doc *layout.Document, retrievedAt time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cached = &layout.CachedDocument{Document: *doc, RetrievedAt: retrievedAt}
	return nil
}

func (c *MemoryLocalCache) Invalidate() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cached = nil
	return nil
}
