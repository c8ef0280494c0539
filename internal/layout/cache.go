package layout

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"beaconkit/internal/beacon"
)

// Document is a raw layout payload plus the cache-control header text that
// determines its validity window.
type Document struct {
	CacheControl string
	Body         []byte
}

// CachedDocument is a Document recovered from the local cache, along with
// when it was originally retrieved from the network.
type CachedDocument struct {
	Document
	RetrievedAt time.Time
}

// Fetcher retrieves a fresh layout document from the network.
type Fetcher interface {
	Fetch(ctx context.Context) (*Document, error)
}

// LocalCache persists the last-known-good layout document across process
// restarts. Load returns (nil, nil) when nothing is cached.
type LocalCache interface {
	Load() (*CachedDocument, error)
	Store(doc *Document, retrievedAt time.Time) error
	Invalidate() error
}

// Clock abstracts time retrieval so validity logic is deterministic in tests.
type Clock interface {
	Now() time.Time
}

// Logger is the subset of structured logging the cache needs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// DefaultMinContentLength rejects truncated layout payloads. A real layout
// document is never this small.
const DefaultMinContentLength = 10

// Cache owns the current Layout: it tracks validity, refreshes from a
// network + local-cache fallback chain, and notifies observers on validity
// transitions. Readers never block on a refresh in progress; they observe
// the previous layout until the swap completes.
type Cache struct {
	fetcher          Fetcher
	local            LocalCache
	clock            Clock
	logger           Logger
	minContentLength int

	mu     sync.RWMutex
	layout *Layout
	valid  bool

	obsMu     sync.Mutex
	observers map[int]func(bool)
	nextObs   int

	// serializes refresh I/O so concurrent EnsureValid calls do not stack
	// network fetches; data access stays on mu.
	fetchMu sync.Mutex
}

// NewCache creates a Cache. local may be nil when no persistent layout
// cache is configured.
func NewCache(fetcher Fetcher, local LocalCache, clock Clock, logger Logger) *Cache {
	return &Cache{
		fetcher:          fetcher,
		local:            local,
		clock:            clock,
		logger:           logger,
		minContentLength: DefaultMinContentLength,
		observers:        make(map[int]func(bool)),
	}
}

// SetMinContentLength overrides the truncation guard threshold.
func (c *Cache) SetMinContentLength(n int) { c.minContentLength = n }

// OnValidityChanged registers an observer fired on every 0→1 or 1→0
// validity transition. The returned id can be passed to RemoveObserver;
// removal during the observer's own callback is safe.
func (c *Cache) OnValidityChanged(fn func(valid bool)) int {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = fn
	return id
}

// RemoveObserver deregisters a validity observer.
func (c *Cache) RemoveObserver(id int) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	delete(c.observers, id)
}

// EnsureValid makes the cache usable if at all possible and returns the
// final usability state. Without force, a still-valid in-memory layout is
// used as-is and the local cache is consulted before the network. Fetch
// failures of any kind fall back silently to the existing in-memory layout;
// only the returned flag and validity observers expose them.
func (c *Cache) EnsureValid(ctx context.Context, force bool) bool {
	now := c.clock.Now()

	if !force {
		if l := c.Snapshot(); l != nil && l.Valid(now) {
			c.setValid(true)
			return true
		}
		if c.loadLocal(now) {
			return true
		}
	}

	if c.refresh(ctx, now) {
		return true
	}

	// Stale-but-usable: keep serving the previous layout.
	usable := c.Snapshot() != nil
	c.setValid(usable)
	return usable
}

// Match returns the rules applying to pid/ev from the current layout, or
// nothing when no layout is loaded. Pure read; never triggers a refresh.
func (c *Cache) Match(pid string, ev beacon.EventType) []Rule {
	return c.Snapshot().Match(pid, ev)
}

// Fingerprint returns the stable fingerprint of the current ID1 allowlist,
// or "" when no layout is loaded.
func (c *Cache) Fingerprint() string {
	l := c.Snapshot()
	if l == nil {
		return ""
	}
	return Fingerprint(l.AllowedID1s)
}

// Snapshot returns the current layout reference. Layouts are immutable, so
// the caller may read it freely.
func (c *Cache) Snapshot() *Layout {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.layout
}

// loadLocal tries to restore a still-valid layout from the local cache.
func (c *Cache) loadLocal(now time.Time) bool {
	if c.local == nil {
		return false
	}
	cached, err := c.local.Load()
	if err != nil {
		c.logger.Warn("loading cached layout failed", "error", err)
		return false
	}
	if cached == nil {
		return false
	}

	validUntil := ParseMaxAge(cached.CacheControl, cached.RetrievedAt)
	l, dropped, err := Parse(cached.Body, validUntil)
	if err != nil {
		c.logger.Warn("cached layout unparseable, discarding", "error", err)
		c.local.Invalidate()
		return false
	}
	if !l.Valid(now) {
		return false
	}
	c.logDropped(dropped)
	c.swap(l)
	return true
}

// refresh fetches a fresh layout from the network. All I/O happens outside
// the data lock. Returns true only when a fresh layout was installed.
func (c *Cache) refresh(ctx context.Context, now time.Time) bool {
	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()

	doc, err := c.fetcher.Fetch(ctx)
	if err != nil {
		c.logger.Warn("layout fetch failed", "error", err)
		return false
	}
	if len(doc.Body) < c.minContentLength {
		c.logger.Warn("layout payload too short", "length", len(doc.Body))
		return false
	}

	validUntil := ParseMaxAge(doc.CacheControl, now)
	l, dropped, err := Parse(doc.Body, validUntil)
	if err != nil {
		// Previous layout is retained; the bad fetch is discarded.
		c.logger.Error("layout parse failed, keeping previous layout", "error", err)
		return false
	}
	c.logDropped(dropped)

	if c.local != nil {
		if err := c.local.Store(doc, now); err != nil {
			c.logger.Warn("storing layout to local cache failed", "error", err)
		}
	}

	c.swap(l)
	return true
}

func (c *Cache) logDropped(dropped []string) {
	for _, d := range dropped {
		c.logger.Warn("layout rule dropped", "reason", d)
	}
}

func (c *Cache) swap(l *Layout) {
	c.mu.Lock()
	c.layout = l
	c.mu.Unlock()
	c.setValid(true)
}

// setValid updates the validity flag and fires observers only on
// transitions. Observers run outside all locks on a snapshot of the
// registration map.
func (c *Cache) setValid(valid bool) {
	c.mu.Lock()
	changed := c.valid != valid
	c.valid = valid
	c.mu.Unlock()
	if !changed {
		return
	}

	c.obsMu.Lock()
	snapshot := make([]func(bool), 0, len(c.observers))
	for _, fn := range c.observers {
		snapshot = append(snapshot, fn)
	}
	c.obsMu.Unlock()

	for _, fn := range snapshot {
		fn(valid)
	}
}

// IsValid returns the current validity flag without triggering a refresh.
func (c *Cache) IsValid() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.valid
}

// ParseMaxAge derives a validity deadline from cache-control header text.
// A missing or malformed max-age directive means valid forever (zero time).
func ParseMaxAge(cacheControl string, retrievedAt time.Time) time.Time {
	for _, part := range strings.Split(cacheControl, ",") {
		part = strings.TrimSpace(strings.ToLower(part))
		if !strings.HasPrefix(part, "max-age=") {
			continue
		}
		secs, err := strconv.Atoi(strings.TrimPrefix(part, "max-age="))
		if err != nil || secs < 0 {
			return time.Time{}
		}
		return retrievedAt.Add(time.Duration(secs) * time.Second)
	}
	return time.Time{}
}
