// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package violation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianTruth/services/truth/audit"
	"github.com/AleutianAI/AleutianTruth/services/truth/snapshot"
	"github.com/AleutianAI/AleutianTruth/services/truth/telemetry"
)

// Subscription is a live feed of raised events. Cancel detaches it.
type Subscription struct {
	id     uint64
	cancel func()
	once   sync.Once
}

// Cancel detaches the subscription. Safe to call multiple times,
// including concurrently.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
			s.cancel = nil
		}
	})
}

// Monitor raises, stores, and fans out violation events.
//
// Thread Safety: Safe for concurrent use.
type Monitor struct {
	journal  audit.Appender
	escalate EscalationFunc
	clock    func() time.Time
	logger   *slog.Logger

	mu     sync.RWMutex
	events map[string]*Event
	seen   map[string]struct{}
	subs   map[uint64]func(Event)
	nextID uint64
}

// Config configures the monitor.
type Config struct {
	// Journal persists every raised event. Must not be nil.
	Journal audit.Appender

	// Escalate is the external escalation callback. Optional.
	Escalate EscalationFunc

	// Clock overrides time.Now for tests.
	Clock func() time.Time

	// Logger is optional.
	Logger *slog.Logger
}

// NewMonitor creates a monitor.
func NewMonitor(cfg Config) (*Monitor, error) {
	if cfg.Journal == nil {
		return nil, errors.New("journal must not be nil")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		journal:  cfg.Journal,
		escalate: cfg.Escalate,
		clock:    cfg.Clock,
		logger:   logger,
		events:   make(map[string]*Event),
		seen:     make(map[string]struct{}),
		subs:     make(map[uint64]func(Event)),
	}, nil
}

// Raise records a violation and notifies subscribers and the escalation
// callback.
//
// Inputs:
//
//	ctx - Context for journal persistence.
//	t - The violation type.
//	agentID - The implicated agent, may be empty.
//	detail - Diagnostic context.
//
// Outputs:
//
//	Event - The recorded event (with ID and level assigned).
//
// Thread Safety: Safe for concurrent use.
func (m *Monitor) Raise(ctx context.Context, t Type, agentID, detail string) Event {
	ev := Event{
		ID:         uuid.NewString(),
		Type:       t,
		AgentID:    agentID,
		Detail:     detail,
		DetectedAt: m.clock(),
		Level:      levelFor(t),
	}

	m.mu.Lock()
	m.events[ev.ID] = &ev
	subs := make([]func(Event), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := m.journal.Append(logCtx, ev); err != nil {
		m.logger.Error("failed to journal violation event",
			slog.String("type", string(t)),
			slog.String("error", err.Error()))
	}

	telemetry.RecordViolation(ctx, string(t))
	m.logger.Warn("violation raised",
		slog.String("id", ev.ID),
		slog.String("type", string(t)),
		slog.String("level", ev.Level.String()),
		slog.String("agent_id", agentID),
		slog.String("detail", detail))

	for _, fn := range subs {
		fn(ev)
	}
	if m.escalate != nil {
		m.escalate(ev)
	}
	return ev
}

// Subscribe registers a callback for every subsequently raised event.
//
// The callback runs synchronously on the raising goroutine and must not
// block.
func (m *Monitor) Subscribe(fn func(Event)) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	return &Subscription{
		id: id,
		cancel: func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		},
	}
}

// Acknowledge marks an event handled. It stays in the journal forever
// but no longer counts as active.
func (m *Monitor) Acknowledge(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok {
		return fmt.Errorf("unknown violation event %s", id)
	}
	ev.Acknowledged = true
	return nil
}

// Active returns all unacknowledged events.
func (m *Monitor) Active() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Event, 0, len(m.events))
	for _, ev := range m.events {
		if !ev.Acknowledged {
			out = append(out, *ev)
		}
	}
	return out
}

// =============================================================================
// Sweeper
// =============================================================================

// Sources are the audit surfaces the sweeper inspects. All readers are
// append-only journals owned by other packages; the sweeper decodes rows
// through their stable JSON wire form.
type Sources struct {
	// Snapshots is the ledger.
	Snapshots snapshot.Store

	// Retrievals is the retrieval record journal.
	Retrievals audit.Reader

	// Bindings is the output binding journal.
	Bindings audit.Reader

	// Dispatches is the hydration trace journal.
	Dispatches audit.Reader

	// MaxStaleness is the validator's threshold, for STALE_READ checks.
	MaxStaleness time.Duration
}

// Wire mirrors of the journaled rows. Field sets are intentionally
// partial; only what detection needs.
type retrievalRow struct {
	AgentID          string    `json:"agent_id"`
	SnapshotSequence *uint64   `json:"snapshot_sequence,omitempty"`
	SnapshotHash     string    `json:"snapshot_hash,omitempty"`
	Outcome          string    `json:"outcome"`
	ValidatedAt      time.Time `json:"validated_at"`
	Timestamp        time.Time `json:"timestamp"`
}

type bindingRow struct {
	ArtifactID   string `json:"artifact_id"`
	SnapshotHash string `json:"snapshot_hash"`
	ContextHash  string `json:"context_hash,omitempty"`
	AgentID      string `json:"agent_id"`
}

type dispatchRow struct {
	AgentID     string `json:"agent_id"`
	ArtifactID  string `json:"artifact_id,omitempty"`
	ContextHash string `json:"context_hash"`
	Outcome     string `json:"outcome"`
}

// raiseOnce raises a detection only the first time its dedupe key is
// seen, so repeated sweeps over the same journals do not multiply
// events.
func (m *Monitor) raiseOnce(ctx context.Context, t Type, agentID, detail, key string) (Event, bool) {
	m.mu.Lock()
	if _, dup := m.seen[key]; dup {
		m.mu.Unlock()
		return Event{}, false
	}
	m.seen[key] = struct{}{}
	m.mu.Unlock()
	return m.Raise(ctx, t, agentID, detail), true
}

// Sweep runs all detections once over the audit surfaces.
//
// Description:
//
//	Detects TORN_READ (unknown snapshot hash, or one artifact bound to
//	two sequence numbers), STALE_READ (a successful retrieval that was
//	already past the threshold when served), MISSING_BINDING (a
//	dispatched artifact with no binding), and CACHE_USE (a context
//	hash dispatched more than once). Each detection raises one event.
//
// Outputs:
//
//	[]Event - The events raised by this pass.
//	error - Non-nil on journal read failure; detections raised before
//	        the failure are kept.
//
// Thread Safety: Safe for concurrent use.
func (m *Monitor) Sweep(ctx context.Context, src Sources) ([]Event, error) {
	var raised []Event

	// TORN_READ + artifact/sequence consistency over bindings.
	artifactSnapshot := make(map[string]string)
	if src.Bindings != nil && src.Snapshots != nil {
		var rows []*bindingRow
		if err := src.Bindings.Each(ctx,
			func() any { return &bindingRow{} },
			func(row any) bool {
				rows = append(rows, row.(*bindingRow))
				return true
			}); err != nil {
			return raised, fmt.Errorf("scan bindings: %w", err)
		}
		for _, row := range rows {
			if _, err := src.Snapshots.GetByHash(ctx, row.SnapshotHash); err != nil {
				if errors.Is(err, snapshot.ErrNotFound) {
					if ev, ok := m.raiseOnce(ctx, TornRead, row.AgentID,
						fmt.Sprintf("binding for artifact %s references unknown snapshot hash %s", row.ArtifactID, row.SnapshotHash),
						"torn/unknown/"+row.ArtifactID+"/"+row.SnapshotHash); ok {
						raised = append(raised, ev)
					}
					continue
				}
				return raised, fmt.Errorf("resolve binding snapshot: %w", err)
			}
			if prev, ok := artifactSnapshot[row.ArtifactID]; ok && prev != row.SnapshotHash {
				if ev, ok := m.raiseOnce(ctx, TornRead, row.AgentID,
					fmt.Sprintf("artifact %s bound to two snapshots: %s and %s", row.ArtifactID, prev, row.SnapshotHash),
					"torn/split/"+row.ArtifactID); ok {
					raised = append(raised, ev)
				}
				continue
			}
			artifactSnapshot[row.ArtifactID] = row.SnapshotHash
		}
	}

	// STALE_READ over successful retrievals.
	if src.Retrievals != nil && src.Snapshots != nil && src.MaxStaleness > 0 {
		var rows []*retrievalRow
		if err := src.Retrievals.Each(ctx,
			func() any { return &retrievalRow{} },
			func(row any) bool {
				rows = append(rows, row.(*retrievalRow))
				return true
			}); err != nil {
			return raised, fmt.Errorf("scan retrievals: %w", err)
		}
		for _, row := range rows {
			if row.Outcome != "OK" || row.SnapshotSequence == nil {
				continue
			}
			snap, err := src.Snapshots.Get(ctx, *row.SnapshotSequence)
			if err != nil {
				if errors.Is(err, snapshot.ErrNotFound) {
					if ev, ok := m.raiseOnce(ctx, TornRead, row.AgentID,
						fmt.Sprintf("retrieval served unknown sequence %d", *row.SnapshotSequence),
						fmt.Sprintf("torn/seq/%s/%d", row.AgentID, *row.SnapshotSequence)); ok {
						raised = append(raised, ev)
					}
					continue
				}
				return raised, fmt.Errorf("resolve retrieval snapshot: %w", err)
			}
			// Age is judged at the instant the validator checked it.
			// The record timestamp lands after validation and can
			// drift past the threshold on its own.
			checked := row.ValidatedAt
			if checked.IsZero() {
				checked = row.Timestamp
			}
			if age := checked.Sub(snap.CreatedAt); age > src.MaxStaleness {
				if ev, ok := m.raiseOnce(ctx, StaleRead, row.AgentID,
					fmt.Sprintf("retrieval served snapshot %d at age %s past threshold %s",
						snap.SequenceNumber, age.Round(time.Second), src.MaxStaleness),
					fmt.Sprintf("stale/%s/%d/%s", row.AgentID, snap.SequenceNumber, row.Timestamp.UTC().Format(time.RFC3339Nano))); ok {
					raised = append(raised, ev)
				}
			}
		}
	}

	// MISSING_BINDING + CACHE_USE over dispatch traces.
	if src.Dispatches != nil {
		seenHash := make(map[string]int)
		var rows []*dispatchRow
		if err := src.Dispatches.Each(ctx,
			func() any { return &dispatchRow{} },
			func(row any) bool {
				rows = append(rows, row.(*dispatchRow))
				return true
			}); err != nil {
			return raised, fmt.Errorf("scan dispatches: %w", err)
		}
		for _, row := range rows {
			if row.Outcome != "OK" {
				continue
			}
			seenHash[row.ContextHash]++
			if seenHash[row.ContextHash] == 2 {
				if ev, ok := m.raiseOnce(ctx, CacheUse, row.AgentID,
					fmt.Sprintf("context hash %s dispatched more than once", row.ContextHash),
					"cache/"+row.ContextHash); ok {
					raised = append(raised, ev)
				}
			}
			if row.ArtifactID != "" {
				if _, bound := artifactSnapshot[row.ArtifactID]; !bound {
					if ev, ok := m.raiseOnce(ctx, MissingBinding, row.AgentID,
						fmt.Sprintf("dispatched artifact %s has no output binding", row.ArtifactID),
						"missing/"+row.ArtifactID); ok {
						raised = append(raised, ev)
					}
				}
			}
		}
	}

	return raised, nil
}

// SweepRunner drives periodic sweeps.
type SweepRunner struct {
	monitor   *Monitor
	src       Sources
	interval  time.Duration
	logger    *slog.Logger
	stopCh    chan struct{}
	doneCh    chan struct{}
	started   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewSweepRunner creates a periodic sweep runner.
func NewSweepRunner(monitor *Monitor, src Sources, interval time.Duration, logger *slog.Logger) (*SweepRunner, error) {
	if monitor == nil {
		return nil, errors.New("monitor must not be nil")
	}
	if interval <= 0 {
		return nil, errors.New("interval must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SweepRunner{
		monitor:  monitor,
		src:      src,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins the sweep loop. Safe to call once.
func (r *SweepRunner) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		r.started.Store(true)
		go r.run(ctx)
	})
}

// Stop halts the loop and waits for it to finish. A no-op if the
// runner was never started.
func (r *SweepRunner) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
	if r.started.Load() {
		<-r.doneCh
	}
}

func (r *SweepRunner) run(ctx context.Context) {
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
			if _, err := r.monitor.Sweep(ctx, r.src); err != nil {
				r.logger.Warn("violation sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}
