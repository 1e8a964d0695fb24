// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the truthd service configuration
// from a YAML file, with environment variable overrides for the small
// set of values that differ between deployments.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianTruth/services/truth/gateway"
)

// Defaults.
const (
	DefaultListenAddr       = ":8440"
	DefaultMetricsAddr      = ":9440"
	DefaultMaxStaleness     = 5 * time.Minute
	DefaultAssemblyInterval = 10 * time.Second
	DefaultSweepInterval    = 30 * time.Second
	DefaultStoragePath      = "/var/lib/truthd"
)

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	ListenAddr  string `yaml:"listen_addr" validate:"required"`
	MetricsAddr string `yaml:"metrics_addr" validate:"required"`
}

// StorageConfig configures the embedded ledger and journal store.
type StorageConfig struct {
	// Path is the on-disk database directory. Ignored when InMemory
	// is set.
	Path     string `yaml:"path"`
	InMemory bool   `yaml:"in_memory"`
}

// SnapshotConfig configures assembly and staleness.
type SnapshotConfig struct {
	// Required lists the component names a snapshot must carry.
	Required []string `yaml:"required" validate:"required,min=1,dive,required"`

	// MaxStaleness is the retrieval staleness threshold.
	MaxStaleness time.Duration `yaml:"max_staleness" validate:"gt=0"`

	// AssemblyInterval is the periodic assembly cadence. Zero
	// disables the background assembler.
	AssemblyInterval time.Duration `yaml:"assembly_interval" validate:"gte=0"`

	// SweepInterval is the violation sweep cadence. Zero disables
	// the background sweep.
	SweepInterval time.Duration `yaml:"sweep_interval" validate:"gte=0"`
}

// TierConfig names the component set an access tier may read. A nil
// Components list grants the full required set.
type TierConfig struct {
	Components []string `yaml:"components"`
}

// ProviderConfig points at the read endpoint of one external authority.
type ProviderConfig struct {
	URL string `yaml:"url" validate:"required,url"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	LogDir string `yaml:"log_dir"`
	JSON   bool   `yaml:"json"`
}

// Config is the full truthd configuration.
type Config struct {
	Server   ServerConfig             `yaml:"server" validate:"required"`
	Storage  StorageConfig            `yaml:"storage"`
	Snapshot SnapshotConfig           `yaml:"snapshot" validate:"required"`
	Tiers    map[string]TierConfig    `yaml:"tiers" validate:"required,min=1"`
	Roles    map[string]gateway.Grant `yaml:"roles" validate:"required,min=1"`
	Logging  LoggingConfig            `yaml:"logging"`

	// Providers maps component names to the external authority read
	// endpoints truthd pulls from. Components without an entry must be
	// supplied programmatically by an embedding caller.
	Providers map[string]ProviderConfig `yaml:"providers" validate:"omitempty,dive"`

	// SigningSeedFile points at a file holding the 32-byte Ed25519
	// signing seed. Empty means generate an ephemeral key at startup.
	SigningSeedFile string `yaml:"signing_seed_file"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Default returns a configuration with all defaults applied and no
// components, tiers, or roles. Callers must fill those in.
func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:  DefaultListenAddr,
			MetricsAddr: DefaultMetricsAddr,
		},
		Storage: StorageConfig{Path: DefaultStoragePath},
		Snapshot: SnapshotConfig{
			MaxStaleness:     DefaultMaxStaleness,
			AssemblyInterval: DefaultAssemblyInterval,
			SweepInterval:    DefaultSweepInterval,
		},
		Logging: LoggingConfig{Level: "info", JSON: true},
	}
}

// Load reads, merges, and validates a YAML configuration file.
//
// Description:
//
//	Starts from Default(), overlays the file contents, applies
//	TRUTHD_LISTEN_ADDR and TRUTHD_STORAGE_PATH environment overrides,
//	then validates. Validation failure is fatal to startup; the
//	service never runs on a partially understood configuration.
//
// Inputs:
//
//	path - The YAML file path. Must not be empty.
//
// Outputs:
//
//	*Config - The validated configuration.
//	error - Read, parse, or validation failure.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("TRUTHD_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("TRUTHD_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
}

// Validate checks structural and cross-field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if !c.Storage.InMemory && c.Storage.Path == "" {
		return fmt.Errorf("invalid config: storage.path required unless storage.in_memory is set")
	}

	required := make(map[string]struct{}, len(c.Snapshot.Required))
	for _, name := range c.Snapshot.Required {
		required[name] = struct{}{}
	}
	for tier, tc := range c.Tiers {
		for _, name := range tc.Components {
			if _, ok := required[name]; !ok {
				return fmt.Errorf("invalid config: tier %q references unknown component %q", tier, name)
			}
		}
	}
	for name := range c.Providers {
		if _, ok := required[name]; !ok {
			return fmt.Errorf("invalid config: provider %q is not in the required component set", name)
		}
	}
	for role, grant := range c.Roles {
		if grant.Tier == "" {
			return fmt.Errorf("invalid config: role %q has no tier", role)
		}
		if _, ok := c.Tiers[grant.Tier]; !ok {
			return fmt.Errorf("invalid config: role %q references unknown tier %q", role, grant.Tier)
		}
		for _, name := range grant.Components {
			if _, ok := required[name]; !ok {
				return fmt.Errorf("invalid config: role %q references unknown component %q", role, name)
			}
		}
	}
	return nil
}

// TierPolicy converts the tier table to the retrieval validator's
// policy map form.
func (c *Config) TierPolicy() map[string][]string {
	policy := make(map[string][]string, len(c.Tiers))
	for tier, tc := range c.Tiers {
		policy[tier] = tc.Components
	}
	return policy
}
