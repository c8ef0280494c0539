package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"beaconkit/internal/beacon"
	"beaconkit/internal/config"
	"beaconkit/internal/encryption"
	"beaconkit/internal/engine"
	"beaconkit/internal/fetch"
	"beaconkit/internal/layout"
	"beaconkit/internal/model"
	"beaconkit/internal/presence"
	"beaconkit/internal/sighting"
	"beaconkit/internal/storage"
)

// KV keys for operational state that must survive process restarts.
const (
	kvFingerprintKey = "layout_fingerprint"
	kvLastPurgeKey   = "last_purge_at"
)

// purgeInterval rate-limits ledger purges; a tick that runs every minute
// should not scan the history tables every time.
const purgeInterval = time.Hour

// Options selects how the App is assembled for a given CLI command.
type Options struct {
	// Operation identifies the CLI command being run (e.g. "Tick", "Run").
	Operation string
	// Parameters is recorded verbatim in the operation log.
	Parameters string
	// Foreground selects the async engine and a live sighting source.
	// Background commands get the sync engine and no source.
	Foreground bool
	// Passphrase unlocks the private key when at-rest encryption is
	// configured. May be empty for commands that only write.
	Passphrase string
}

// App is the application layer between the CLI and the resolution engine.
// It constructs all dependencies from config, exposes high-level operations,
// and manages the store lifecycle on Close.
type App struct {
	cfg       *config.Config
	store     *storage.SQLiteStore
	encryptor engine.Encryptor
	cache     *layout.Cache
	engine    *engine.Engine
	tracker   *presence.Tracker
	uploader  *fetch.Uploader
	source    sighting.Source
	op        *Operation
	logger    *slogAdapter
	logFile   *os.File

	deinitialized bool
}

// NewApp creates a fully wired App from the given config.
// The caller must call Close when done.
func NewApp(cfg *config.Config, opts Options) (*App, error) {
	opID := time.Now().UTC().Format("20060102T150405Z")
	slogger, logFile, err := newLogger(cfg.LogDir, opID)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: slogger}

	store, err := storage.NewStoreFromConfig(cfg)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("creating store: %w", err)
	}

	encryptor, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		store.Close()
		logFile.Close()
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}

	var decrypt engine.DecryptionContext
	if encryptor != nil && encryptor.IsConfigured() {
		if opts.Passphrase != "" {
			decrypt, err = encryptor.Unlock(opts.Passphrase)
			if err != nil {
				store.Close()
				logFile.Close()
				return nil, fmt.Errorf("unlocking private key: %w", err)
			}
		} else {
			logger.Warn("encryption configured but no passphrase given; cached layout will be refetched")
		}
	}

	fetcher := fetch.NewHTTPFetcher(cfg.Layout.URL, cfg.Layout.APIKey)

	var local layout.LocalCache
	if cfg.Layout.CachePath != "" {
		local = fetch.NewFileLocalCache(cfg.Layout.CachePath, encryptor, decrypt)
	}

	cache := layout.NewCache(fetcher, local, engine.RealClock{}, logger)
	if cfg.Layout.MinContentLength > 0 {
		cache.SetMinContentLength(cfg.Layout.MinContentLength)
	}

	mode := engine.ModeSync
	if opts.Foreground && cfg.Resolver.Async {
		mode = engine.ModeAsync
	}
	eng := engine.New(cache, store, logger, engine.RealClock{}, engine.UUIDGenerator{}, engine.Options{
		Mode:       mode,
		MaxRetries: cfg.Resolver.MaxRetries,
	})

	tracker := presence.NewTracker(
		time.Duration(cfg.Resolver.ExitTimeoutMillis)*time.Millisecond,
		engine.RealClock{},
	)

	var uploader *fetch.Uploader
	if cfg.Layout.HistoryURL != "" {
		uploader = fetch.NewUploader(cfg.Layout.HistoryURL, cfg.Layout.APIKey)
	}

	var source sighting.Source
	if opts.Foreground && cfg.Sighting.Type == "mqtt" {
		source = sighting.NewMQTTSource(&cfg.Sighting, logger)
	}

	return &App{
		cfg:       cfg,
		store:     store,
		encryptor: encryptor,
		cache:     cache,
		engine:    eng,
		tracker:   tracker,
		uploader:  uploader,
		source:    source,
		op:        NewOperation(opts.Operation, opts.Parameters),
		logger:    logger,
		logFile:   logFile,
	}, nil
}

// Engine exposes the resolution engine, mainly so callers can register
// action sinks.
func (a *App) Engine() *engine.Engine { return a.engine }

// persistOperation saves the operation to the database, giving it an
// auto-increment ID. Called only by DB-mutating commands.
func (a *App) persistOperation() error {
	if a.op.Persisted() {
		return nil // already persisted
	}
	dbOp, err := a.store.CreateOperation(a.op.Operation, a.op.Parameters, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("persisting operation: %w", err)
	}
	a.op.ID = dbOp.ID
	return nil
}

// Fail marks the operation record as failed. The status is written when the
// App closes.
func (a *App) Fail() {
	a.op.Status = "error"
}

// HandleSighting feeds one raw sighting through presence tracking and, on an
// enter transition, into the resolution engine.
func (a *App) HandleSighting(b beacon.Beacon) {
	ev := a.tracker.ResolveState(b)
	if ev != beacon.EventEnter {
		a.logger.Debug("sighting refreshed presence", "pid", b.PID())
		return
	}
	if _, err := a.engine.Submit(b, beacon.EventEnter); err != nil {
		a.logger.Error("submitting enter event failed", "pid", b.PID(), "error", err)
	}
}

// sweepExits submits an exit event for every beacon whose presence timed out.
func (a *App) sweepExits() {
	for _, b := range a.tracker.SweepExpired() {
		if _, err := a.engine.Submit(b, beacon.EventExit); err != nil {
			a.logger.Error("submitting exit event failed", "pid", b.PID(), "error", err)
		}
	}
}

// RunForeground starts the sighting source and runs the periodic work loops
// until ctx is cancelled: presence sweeps, history flushes, and layout
// refreshes. Blocks until shutdown completes.
func (a *App) RunForeground(ctx context.Context) error {
	if err := a.persistOperation(); err != nil {
		return err
	}

	a.cache.EnsureValid(ctx, false)
	a.recordFingerprint()

	if err := a.engine.Scheduler().ProcessDue(engine.DefaultDelayedLookahead); err != nil {
		a.logger.Warn("initial delayed-action pass failed", "error", err)
	}

	if a.source != nil {
		if err := a.source.Start(a.HandleSighting); err != nil {
			return fmt.Errorf("starting sighting source: %w", err)
		}
	}

	sweep := time.NewTicker(time.Duration(a.cfg.Resolver.SweepIntervalMillis) * time.Millisecond)
	defer sweep.Stop()
	flush := time.NewTicker(time.Duration(a.cfg.Resolver.FlushIntervalSecs) * time.Second)
	defer flush.Stop()
	refresh := time.NewTicker(time.Duration(a.cfg.Resolver.RefreshIntervalSecs) * time.Second)
	defer refresh.Stop()

	a.logger.Info("foreground loop started",
		"sweep_ms", a.cfg.Resolver.SweepIntervalMillis,
		"flush_s", a.cfg.Resolver.FlushIntervalSecs,
		"refresh_s", a.cfg.Resolver.RefreshIntervalSecs)

	for {
		select {
		case <-ctx.Done():
			a.shutdown()
			return nil
		case <-sweep.C:
			a.sweepExits()
		case <-flush.C:
			if err := a.FlushHistory(ctx); err != nil {
				a.logger.Warn("history flush failed", "error", err)
			}
			a.purgeIfDue()
		case <-refresh.C:
			a.cache.EnsureValid(ctx, false)
			a.recordFingerprint()
		}
	}
}

func (a *App) shutdown() {
	a.logger.Info("shutting down")
	if a.source != nil {
		a.source.Stop()
	}
	a.engine.Deinitialize()
	a.deinitialized = true
}

// Tick runs one background pass: validate the layout, fire due delayed
// actions, sweep exits, flush history, and purge old ledger rows. Designed
// for a host that launches the process briefly and kills it again.
func (a *App) Tick(ctx context.Context) error {
	if err := a.persistOperation(); err != nil {
		return err
	}

	a.cache.EnsureValid(ctx, false)
	a.recordFingerprint()

	a.sweepExits()

	lookahead := time.Duration(a.cfg.Resolver.DelayedLookaheadSecs) * time.Second
	if lookahead <= 0 {
		lookahead = engine.DefaultDelayedLookahead
	}
	if err := a.engine.Scheduler().ProcessDue(lookahead); err != nil {
		a.logger.Warn("delayed-action pass failed", "error", err)
	}

	if err := a.FlushHistory(ctx); err != nil {
		a.logger.Warn("history flush failed", "error", err)
	}
	a.purgeIfDue()

	// One pass only: stop the wake timer so the process can exit cleanly.
	a.engine.Deinitialize()
	a.deinitialized = true
	return nil
}

// FlushHistory uploads all undelivered ledger rows and marks them delivered
// on acknowledgment. A nil uploader (no history URL configured) is a no-op.
func (a *App) FlushHistory(ctx context.Context) error {
	if a.uploader == nil {
		return nil
	}

	events, actions, err := a.engine.Ledger().FlushUndelivered()
	if err != nil {
		return err
	}
	if len(events) == 0 && len(actions) == 0 {
		return nil
	}

	if err := a.uploader.Upload(ctx, events, actions); err != nil {
		return fmt.Errorf("uploading history: %w", err)
	}
	if err := a.engine.Ledger().MarkDelivered(events, actions); err != nil {
		return err
	}
	a.logger.Info("history flushed", "events", len(events), "actions", len(actions))
	return nil
}

// RefreshLayout forces a network refresh of the layout, bypassing both the
// in-memory layout and the local cache. Returns whether the cache is usable
// afterward.
func (a *App) RefreshLayout(ctx context.Context) (bool, error) {
	if err := a.persistOperation(); err != nil {
		return false, err
	}
	ok := a.cache.EnsureValid(ctx, true)
	a.recordFingerprint()
	return ok, nil
}

// LayoutSnapshot returns the current layout (nil when none is loaded) and
// its region fingerprint.
func (a *App) LayoutSnapshot(ctx context.Context) (*layout.Layout, string) {
	a.cache.EnsureValid(ctx, false)
	return a.cache.Snapshot(), a.cache.Fingerprint()
}

// ListHistory returns all ledger rows not yet delivered to the backend.
func (a *App) ListHistory() ([]*model.HistoryEvent, []*model.HistoryAction, error) {
	return a.engine.Ledger().FlushUndelivered()
}

// historyExport is the JSON document written by ExportHistory.
type historyExport struct {
	ExportedAt time.Time              `json:"exportedAt"`
	Events     []*model.HistoryEvent  `json:"events"`
	Actions    []*model.HistoryAction `json:"actions"`
}

// ExportHistory writes the undelivered ledger rows to path as JSON. When
// at-rest encryption is configured the file is encrypted with the public key.
func (a *App) ExportHistory(path string) error {
	events, actions, err := a.engine.Ledger().FlushUndelivered()
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(historyExport{
		ExportedAt: time.Now().UTC(),
		Events:     events,
		Actions:    actions,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding history export: %w", err)
	}

	if a.encryptor != nil && a.encryptor.IsConfigured() {
		data, err = a.encryptor.Encrypt(data)
		if err != nil {
			return fmt.Errorf("encrypting history export: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing history export: %w", err)
	}
	return nil
}

// PurgeHistory deletes delivered ledger rows older than the configured
// retention window.
func (a *App) PurgeHistory() error {
	if err := a.persistOperation(); err != nil {
		return err
	}
	retention := time.Duration(a.cfg.Resolver.HistoryRetentionHours) * time.Hour
	if retention <= 0 {
		retention = engine.DefaultHistoryRetention
	}
	if err := a.engine.Ledger().Purge(retention); err != nil {
		return err
	}
	return a.store.SetValue(kvLastPurgeKey, time.Now().UTC().Format(time.RFC3339))
}

// ListOperations returns the most recent operation records, newest first.
func (a *App) ListOperations(limit int) ([]*model.Operation, error) {
	return a.store.ListOperations(limit)
}

// purgeIfDue purges the ledger at most once per purgeInterval, using the KV
// table to remember the last run across process restarts.
func (a *App) purgeIfDue() {
	last, err := a.store.GetValue(kvLastPurgeKey)
	if err != nil {
		a.logger.Warn("reading last purge time failed", "error", err)
		return
	}
	if last != "" {
		at, err := time.Parse(time.RFC3339, last)
		if err == nil && time.Since(at) < purgeInterval {
			return
		}
	}

	retention := time.Duration(a.cfg.Resolver.HistoryRetentionHours) * time.Hour
	if retention <= 0 {
		retention = engine.DefaultHistoryRetention
	}
	if err := a.engine.Ledger().Purge(retention); err != nil {
		a.logger.Warn("ledger purge failed", "error", err)
		return
	}
	if err := a.store.SetValue(kvLastPurgeKey, time.Now().UTC().Format(time.RFC3339)); err != nil {
		a.logger.Warn("recording purge time failed", "error", err)
	}
}

// recordFingerprint persists the current region fingerprint and logs when
// the monitored beacon set changes.
func (a *App) recordFingerprint() {
	fp := a.cache.Fingerprint()
	if fp == "" {
		return
	}
	prev, err := a.store.GetValue(kvFingerprintKey)
	if err != nil {
		a.logger.Warn("reading layout fingerprint failed", "error", err)
		return
	}
	if prev == fp {
		return
	}
	if err := a.store.SetValue(kvFingerprintKey, fp); err != nil {
		a.logger.Warn("storing layout fingerprint failed", "error", err)
		return
	}
	a.logger.Info("monitored beacon set changed", "fingerprint", fp)
}

// Close finalizes the operation record and closes all resources. Safe to
// call after Tick or RunForeground have already torn the engine down.
func (a *App) Close() error {
	var firstErr error

	if !a.deinitialized {
		a.engine.Deinitialize()
		a.deinitialized = true
	}

	if a.op.Persisted() {
		if err := a.store.FinishOperation(a.op.ID, a.op.Status, time.Now().UTC()); err != nil {
			firstErr = fmt.Errorf("finishing operation: %w", err)
		}
	}

	if err := a.store.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing store: %w", err)
	}

	if a.logFile != nil {
		a.logFile.Close()
	}

	return firstErr
}
