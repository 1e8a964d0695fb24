// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package audit provides the embedded store backing the truth service's
// append-only records: the snapshot ledger, retrieval records, context
// issuances, output bindings, and violation events.
//
// BadgerDB gives low-latency local persistence with transactional writes.
// Every table in this service is append-only; nothing here supports
// update or delete of a committed row.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Config holds configuration for the audit database.
type Config struct {
	// Path is the directory for database files.
	// Required for persistent databases. Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	// Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	// Audit rows are evidence; production deployments keep this on.
	SyncWrites bool

	// Logger is the logger for database operations.
	// If nil, BadgerDB's internal logging is disabled.
	Logger *slog.Logger

	// GCInterval is how often to run value log garbage collection.
	// Default: 5 minutes. Set to 0 to disable.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum ratio of discardable data before GC.
	// Default: 0.5.
	GCDiscardRatio float64
}

// DefaultConfig returns production defaults: durable writes, periodic GC.
func DefaultConfig() Config {
	return Config{
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns configuration for tests: no disk I/O, no GC.
func InMemoryConfig() Config {
	return Config{
		InMemory:   true,
		SyncWrites: false,
	}
}

// dbLogger adapts slog.Logger to BadgerDB's Logger interface.
type dbLogger struct {
	logger *slog.Logger
}

func (l *dbLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *dbLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *dbLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *dbLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// DB wraps a BadgerDB instance with lifecycle management.
type DB struct {
	*badger.DB
	gcRunner *gcRunner
	path     string
	inMemory bool
}

// Open opens the audit database with the given configuration.
//
// Description:
//
//	Opens BadgerDB at the configured path, or in memory if InMemory is
//	true, and starts a GC runner when GCInterval is set. Creates the
//	directory if it doesn't exist.
//
// Inputs:
//
//	cfg - Database configuration. Path is required unless InMemory is true.
//
// Outputs:
//
//	*DB - The managed database. Caller must call Close() when done.
//	error - Non-nil if path is invalid or the database cannot be opened.
//
// Thread Safety: The returned *DB is safe for concurrent use.
func Open(cfg Config) (*DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&dbLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}

	wrapped := &DB{
		DB:       db,
		path:     cfg.Path,
		inMemory: cfg.InMemory,
	}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		wrapped.gcRunner = newGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
		wrapped.gcRunner.Start()
	}

	return wrapped, nil
}

// OpenInMemory opens an in-memory database for testing.
func OpenInMemory() (*DB, error) {
	return Open(InMemoryConfig())
}

// Close stops the GC runner and closes the database.
func (d *DB) Close() error {
	if d.gcRunner != nil {
		d.gcRunner.Stop()
	}
	return d.DB.Close()
}

// Path returns the database path, or empty string for in-memory databases.
func (d *DB) Path() string { return d.path }

// InMemory returns true if this is an in-memory database.
func (d *DB) InMemory() bool { return d.inMemory }

// WithTxn executes a function within a read-write transaction.
//
// Description:
//
//	Opens a read-write transaction, executes the function, and commits
//	if the function returns nil. Discards on error.
//
// Inputs:
//
//	ctx - Context for cancellation (checked before starting).
//	fn - Function to execute within the transaction.
//
// Outputs:
//
//	error - Non-nil if the transaction fails or fn returns an error.
//
// Thread Safety: Safe for concurrent use.
func (d *DB) WithTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	txn := d.DB.NewTransaction(true)
	defer txn.Discard()

	if err := fn(txn); err != nil {
		return err
	}

	return txn.Commit()
}

// WithReadTxn executes a function within a read-only transaction.
//
// Thread Safety: Safe for concurrent use.
func (d *DB) WithReadTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	txn := d.DB.NewTransaction(false)
	defer txn.Discard()

	return fn(txn)
}

// gcRunner runs periodic value log garbage collection.
type gcRunner struct {
	db       *badger.DB
	interval time.Duration
	ratio    float64
	stopCh   chan struct{}
	doneCh   chan struct{}
	logger   *slog.Logger
}

func newGCRunner(db *badger.DB, interval time.Duration, ratio float64, logger *slog.Logger) *gcRunner {
	return &gcRunner{
		db:       db,
		interval: interval,
		ratio:    ratio,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		logger:   logger,
	}
}

func (r *gcRunner) Start() {
	go r.run()
}

func (r *gcRunner) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *gcRunner) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.runGC()
		}
	}
}

func (r *gcRunner) runGC() {
	// RunValueLogGC returns nil if GC was triggered, ErrNoRewrite if not needed.
	err := r.db.RunValueLogGC(r.ratio)
	if err == nil {
		if r.logger != nil {
			r.logger.Debug("audit db value log GC completed")
		}
	} else if !errors.Is(err, badger.ErrNoRewrite) {
		if r.logger != nil {
			r.logger.Warn("audit db value log GC error", slog.String("error", err.Error()))
		}
	}
}
