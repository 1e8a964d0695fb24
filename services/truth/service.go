// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package truth wires the snapshot assembler, retrieval validator,
// truth gateway, hydration layer, output binder, and violation monitor
// into one service and exposes them over HTTP.
package truth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/AleutianTruth/services/truth/audit"
	"github.com/AleutianAI/AleutianTruth/services/truth/binding"
	"github.com/AleutianAI/AleutianTruth/services/truth/config"
	"github.com/AleutianAI/AleutianTruth/services/truth/gateway"
	"github.com/AleutianAI/AleutianTruth/services/truth/hydrate"
	"github.com/AleutianAI/AleutianTruth/services/truth/retrieval"
	"github.com/AleutianAI/AleutianTruth/services/truth/snapshot"
	"github.com/AleutianAI/AleutianTruth/services/truth/state"
	"github.com/AleutianAI/AleutianTruth/services/truth/violation"
)

// ServiceVersion is the truth service version.
const ServiceVersion = "0.1.0"

// Journal prefixes inside the shared badger database.
const (
	prefixRetrievals = "journal/retrievals"
	prefixIssues     = "journal/issues"
	prefixBindings   = "journal/bindings"
	prefixDispatches = "journal/dispatches"
	prefixViolations = "journal/violations"
)

// Service owns every component of the truth pipeline and their
// background runners.
//
// Thread Safety: Safe for concurrent use after NewService returns.
type Service struct {
	cfg    *config.Config
	logger *slog.Logger

	db       *audit.DB
	registry *state.Registry
	store    snapshot.Store

	assembler *snapshot.Assembler
	runner    *snapshot.Runner

	validator *retrieval.Validator
	gateway   *gateway.Gateway
	binder    *binding.Binder
	hydrator  *hydrate.Hydrator
	monitor   *violation.Monitor
	sweeper   *violation.SweepRunner

	retrievals audit.Log
	bindings   audit.Log
	dispatches audit.Log
}

// Options carries the injected collaborators NewService cannot derive
// from configuration alone.
type Options struct {
	// DB is the opened badger database. Must not be nil.
	DB *audit.DB

	// Providers are the authoritative component sources. Every name
	// in the configured required set must have one.
	Providers []state.Provider

	// Signer signs issued context packages. Must not be nil.
	Signer *gateway.Signer

	// Escalate is the external violation escalation callback.
	// Optional.
	Escalate violation.EscalationFunc

	// Logger is optional.
	Logger *slog.Logger
}

// NewService builds the full pipeline.
//
// Description:
//
//	Construction is fail-closed: any wiring error aborts rather than
//	producing a partially functional service. The ledger and all
//	journals share one badger database under distinct key prefixes.
//
// Inputs:
//
//	cfg - Validated configuration. Must not be nil.
//	opts - Injected collaborators.
//
// Outputs:
//
//	*Service - The wired service. Runners are not yet started.
//	error - Any construction failure.
func NewService(cfg *config.Config, opts Options) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("cfg must not be nil")
	}
	if opts.DB == nil {
		return nil, errors.New("db must not be nil")
	}
	if opts.Signer == nil {
		return nil, errors.New("signer must not be nil")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	registry, err := state.NewRegistry(cfg.Snapshot.Required)
	if err != nil {
		return nil, fmt.Errorf("create registry: %w", err)
	}
	for _, p := range opts.Providers {
		if err := registry.Register(p); err != nil {
			return nil, fmt.Errorf("register provider: %w", err)
		}
	}

	store, err := snapshot.NewBadgerStore(opts.DB)
	if err != nil {
		return nil, fmt.Errorf("create snapshot store: %w", err)
	}

	assembler, err := snapshot.NewAssembler(registry, store, snapshot.AssemblerConfig{Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("create assembler: %w", err)
	}

	retrievalJournal, err := audit.NewJournal(opts.DB, prefixRetrievals)
	if err != nil {
		return nil, fmt.Errorf("create retrieval journal: %w", err)
	}
	issueJournal, err := audit.NewJournal(opts.DB, prefixIssues)
	if err != nil {
		return nil, fmt.Errorf("create issue journal: %w", err)
	}
	bindingJournal, err := audit.NewJournal(opts.DB, prefixBindings)
	if err != nil {
		return nil, fmt.Errorf("create binding journal: %w", err)
	}
	dispatchJournal, err := audit.NewJournal(opts.DB, prefixDispatches)
	if err != nil {
		return nil, fmt.Errorf("create dispatch journal: %w", err)
	}
	violationJournal, err := audit.NewJournal(opts.DB, prefixViolations)
	if err != nil {
		return nil, fmt.Errorf("create violation journal: %w", err)
	}

	validator, err := retrieval.NewValidator(store, retrievalJournal, retrieval.Config{
		MaxStaleness: cfg.Snapshot.MaxStaleness,
		Tiers:        cfg.TierPolicy(),
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create validator: %w", err)
	}

	roles, err := gateway.NewAuthorityMap(cfg.Roles)
	if err != nil {
		return nil, fmt.Errorf("create authority map: %w", err)
	}

	gw, err := gateway.NewGateway(validator, opts.Signer, roles, issueJournal, gateway.Config{Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("create gateway: %w", err)
	}

	monitor, err := violation.NewMonitor(violation.Config{
		Journal:  violationJournal,
		Escalate: opts.Escalate,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create monitor: %w", err)
	}

	binder, err := binding.NewBinder(store, gw, bindingJournal, binding.Config{Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("create binder: %w", err)
	}

	hydrator, err := hydrate.NewHydrator(gw, binder, monitor, dispatchJournal, hydrate.Config{Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("create hydrator: %w", err)
	}

	svc := &Service{
		cfg:        cfg,
		logger:     logger,
		db:         opts.DB,
		registry:   registry,
		store:      store,
		assembler:  assembler,
		validator:  validator,
		gateway:    gw,
		binder:     binder,
		hydrator:   hydrator,
		monitor:    monitor,
		retrievals: retrievalJournal,
		bindings:   bindingJournal,
		dispatches: dispatchJournal,
	}

	if cfg.Snapshot.AssemblyInterval > 0 {
		runner, err := snapshot.NewRunner(assembler, cfg.Snapshot.AssemblyInterval, logger)
		if err != nil {
			return nil, fmt.Errorf("create assembly runner: %w", err)
		}
		svc.runner = runner
	}
	if cfg.Snapshot.SweepInterval > 0 {
		sweeper, err := violation.NewSweepRunner(monitor, svc.sweepSources(), cfg.Snapshot.SweepInterval, logger)
		if err != nil {
			return nil, fmt.Errorf("create sweep runner: %w", err)
		}
		svc.sweeper = sweeper
	}

	return svc, nil
}

func (s *Service) sweepSources() violation.Sources {
	return violation.Sources{
		Snapshots:    s.store,
		Retrievals:   s.retrievals,
		Bindings:     s.bindings,
		Dispatches:   s.dispatches,
		MaxStaleness: s.cfg.Snapshot.MaxStaleness,
	}
}

// Start launches the background runners.
func (s *Service) Start(ctx context.Context) {
	if s.runner != nil {
		s.runner.Start(ctx)
	}
	if s.sweeper != nil {
		s.sweeper.Start(ctx)
	}
	s.logger.Info("truth service started",
		slog.Uint64("assembly_interval_ms", uint64(s.cfg.Snapshot.AssemblyInterval.Milliseconds())),
		slog.Uint64("sweep_interval_ms", uint64(s.cfg.Snapshot.SweepInterval.Milliseconds())))
}

// Stop halts the background runners. The database is owned by the
// caller and is not closed here.
func (s *Service) Stop() {
	if s.runner != nil {
		s.runner.Stop()
	}
	if s.sweeper != nil {
		s.sweeper.Stop()
	}
	s.logger.Info("truth service stopped")
}

// Assembler returns the snapshot assembler, for on-demand assembly.
func (s *Service) Assembler() *snapshot.Assembler { return s.assembler }

// Gateway returns the truth gateway.
func (s *Service) Gateway() *gateway.Gateway { return s.gateway }

// Hydrator returns the context hydration layer for embedding callers
// that dispatch in-process consumer functions.
func (s *Service) Hydrator() *hydrate.Hydrator { return s.hydrator }

// Monitor returns the violation monitor.
func (s *Service) Monitor() *violation.Monitor { return s.monitor }

// Sweep runs one violation detection pass over the journals.
func (s *Service) Sweep(ctx context.Context) ([]violation.Event, error) {
	return s.monitor.Sweep(ctx, s.sweepSources())
}
