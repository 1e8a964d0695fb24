// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianTruth/services/truth/state"
	"github.com/AleutianAI/AleutianTruth/services/truth/telemetry"
)

// Default assembler tuning.
const (
	// DefaultMaxReadRetries bounds the read-verify-retry loop when a
	// provider mutates mid-assembly.
	DefaultMaxReadRetries = 5

	// DefaultMaxSequenceRetries bounds retries after losing an append
	// race to another assembler.
	DefaultMaxSequenceRetries = 3
)

// ErrAssemblerHalted is returned once an integrity violation has been
// observed. The assembler refuses all further commits until an operator
// calls Reset.
var ErrAssemblerHalted = errors.New("assembler halted on integrity violation")

// ErrAssemblyContention is returned when the read-verify or sequence
// retry budget is exhausted. The caller retries on the next tick.
var ErrAssemblyContention = errors.New("assembly retry budget exhausted")

// AssemblerConfig configures the snapshot assembler.
type AssemblerConfig struct {
	// MaxReadRetries bounds re-reads after a mid-assembly mutation.
	MaxReadRetries int

	// MaxSequenceRetries bounds retries after a lost append race.
	MaxSequenceRetries int

	// Clock overrides time.Now for tests.
	Clock func() time.Time

	// Logger is optional.
	Logger *slog.Logger
}

// Assembler reads the canonical component set and commits snapshots.
//
// Description:
//
//	The assembler is the ledger's single writer within a process. It
//	behaves as if it held a consistent read across all providers: after
//	computing the composite hash it re-reads every component and aborts
//	the attempt if anything changed mid-assembly, so a torn snapshot is
//	never committed. Commits serialize on an internal mutex; a lost
//	race against another process appending to the same ledger is
//	retried with the next sequence number.
//
// Thread Safety: Safe for concurrent use.
type Assembler struct {
	registry *state.Registry
	store    Store
	cfg      AssemblerConfig
	logger   *slog.Logger

	mu     sync.Mutex
	halted atomic.Bool
}

// NewAssembler creates an assembler over a registry and a ledger.
//
// Inputs:
//
//	registry - The canonical component registry. Must not be nil.
//	store - The snapshot ledger. Must not be nil.
//	cfg - Tuning; zero values take defaults.
//
// Outputs:
//
//	*Assembler - Ready to use.
//	error - Non-nil on invalid inputs.
func NewAssembler(registry *state.Registry, store Store, cfg AssemblerConfig) (*Assembler, error) {
	if registry == nil {
		return nil, errors.New("registry must not be nil")
	}
	if store == nil {
		return nil, errors.New("store must not be nil")
	}
	if cfg.MaxReadRetries <= 0 {
		cfg.MaxReadRetries = DefaultMaxReadRetries
	}
	if cfg.MaxSequenceRetries <= 0 {
		cfg.MaxSequenceRetries = DefaultMaxSequenceRetries
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{
		registry: registry,
		store:    store,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// Halted reports whether the assembler has stopped on an integrity
// violation.
func (a *Assembler) Halted() bool {
	return a.halted.Load()
}

// Reset clears the halted state after operator intervention.
//
// The ledger itself is not repaired here; an operator must resolve the
// corruption out of band before resetting.
func (a *Assembler) Reset() {
	a.halted.Store(false)
}

// Assemble reads all canonical components and commits one snapshot.
//
// Description:
//
//	One assembly per call. Failure modes:
//	  - *state.SchemaError: required component missing or malformed;
//	    no snapshot is emitted, caller retries next tick.
//	  - *IntegrityError: fatal; the assembler halts until Reset.
//	  - ErrAssemblyContention: retry budget exhausted under provider
//	    churn or append races; caller retries next tick.
//
// Inputs:
//
//	ctx - Context for cancellation and timeout.
//
// Outputs:
//
//	*Snapshot - The committed snapshot.
//	error - See above; also the context error on cancellation.
//
// Thread Safety: Safe for concurrent use. Only one assembly commits per
// sequence number.
func (a *Assembler) Assemble(ctx context.Context) (*Snapshot, error) {
	if a.halted.Load() {
		return nil, ErrAssemblerHalted
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// Re-check under the lock: another assembly may have halted us.
	if a.halted.Load() {
		return nil, ErrAssemblerHalted
	}

	for seqAttempt := 0; seqAttempt < a.cfg.MaxSequenceRetries; seqAttempt++ {
		snap, err := a.assembleOnce(ctx)
		if err == nil {
			telemetry.RecordAssembly(ctx, telemetry.OutcomeOK)
			a.logger.Debug("snapshot committed",
				slog.Uint64("sequence", snap.SequenceNumber),
				slog.String("composite_hash", snap.CompositeHash))
			return snap, nil
		}

		var integrity *IntegrityError
		switch {
		case errors.Is(err, ErrSequenceConflict):
			telemetry.RecordAssembly(ctx, telemetry.OutcomeConflict)
			a.logger.Debug("lost append race, retrying with next sequence")
			continue
		case errors.As(err, &integrity):
			a.halted.Store(true)
			telemetry.RecordAssembly(ctx, telemetry.OutcomeIntegrity)
			a.logger.Error("assembler halted on integrity violation",
				slog.String("error", err.Error()))
			return nil, err
		default:
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: sequence retries", ErrAssemblyContention)
}

// assembleOnce performs a single read-verify-append attempt.
func (a *Assembler) assembleOnce(ctx context.Context) (*Snapshot, error) {
	components, err := a.registry.ReadAll(ctx)
	if err != nil {
		var schema *state.SchemaError
		if errors.As(err, &schema) {
			telemetry.RecordAssembly(ctx, telemetry.OutcomeSchema)
		}
		return nil, err
	}

	last, _, err := a.store.LastSequence(ctx)
	if err != nil {
		return nil, fmt.Errorf("read last sequence: %w", err)
	}
	seq := last + 1

	for readAttempt := 0; readAttempt < a.cfg.MaxReadRetries; readAttempt++ {
		snap, err := New(seq, components, a.cfg.Clock())
		if err != nil {
			return nil, err
		}

		// Optimistic verify: re-read all sources after hashing and
		// abort the attempt if anything moved mid-assembly.
		verify, err := a.registry.ReadAll(ctx)
		if err != nil {
			return nil, err
		}
		if !componentsEqual(components, verify) {
			telemetry.RecordAssembly(ctx, telemetry.OutcomeTornRetry)
			a.logger.Debug("component changed mid-assembly, retrying read",
				slog.Int("attempt", readAttempt+1))
			components = verify
			continue
		}

		if err := a.store.Append(ctx, snap); err != nil {
			return nil, err
		}
		return snap, nil
	}
	return nil, fmt.Errorf("%w: read retries", ErrAssemblyContention)
}

func componentsEqual(a, b []state.Component) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

// Runner drives periodic, retrieval-independent assembly.
//
// Assembly cadence is a deployment choice; the runner ticks at a fixed
// interval and logs (but does not propagate) per-tick failures, except
// that an integrity halt stops the loop.
type Runner struct {
	assembler *Assembler
	interval  time.Duration
	logger    *slog.Logger
	stopCh    chan struct{}
	doneCh    chan struct{}
	started   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewRunner creates a periodic assembly runner.
func NewRunner(assembler *Assembler, interval time.Duration, logger *slog.Logger) (*Runner, error) {
	if assembler == nil {
		return nil, errors.New("assembler must not be nil")
	}
	if interval <= 0 {
		return nil, errors.New("interval must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		assembler: assembler,
		interval:  interval,
		logger:    logger,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}, nil
}

// Start begins the assembly loop. Safe to call once.
func (r *Runner) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		r.started.Store(true)
		go r.run(ctx)
	})
}

// Stop halts the loop and waits for it to finish. A no-op if the
// runner was never started.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
	if r.started.Load() {
		<-r.doneCh
	}
}

func (r *Runner) run(ctx context.Context) {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.assembler.Assemble(ctx); err != nil {
				if errors.Is(err, ErrAssemblerHalted) {
					r.logger.Error("assembly loop stopped: assembler halted")
					return
				}
				r.logger.Warn("assembly tick failed", slog.String("error", err.Error()))
			}
		}
	}
}
