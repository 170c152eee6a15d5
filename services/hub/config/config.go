// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the hub's YAML configuration.
//
// Configuration is explicit: the loaded Config is passed into the
// components at construction, there is no process-global state. The
// declared sources and builds are the complete universe the scheduler
// will accept triggers for.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianHub/pkg/validation"
	"github.com/AleutianAI/AleutianHub/services/hub/build"
	"github.com/AleutianAI/AleutianHub/services/hub/scheduler"
	"github.com/AleutianAI/AleutianHub/services/hub/source"
)

var validate = validator.New()

// BackendKind selects the serving backend implementation.
type BackendKind string

const (
	// BackendMemory serves from process memory. Single node only.
	BackendMemory BackendKind = "memory"

	// BackendWeaviate serves from a Weaviate instance.
	BackendWeaviate BackendKind = "weaviate"
)

// Backend configures the serving backend.
type Backend struct {
	// Kind is memory or weaviate. Defaults to memory.
	Kind BackendKind `yaml:"kind"`

	// URL is the backend server URL. Required for weaviate.
	URL string `yaml:"url,omitempty"`

	// KeepReleases is how many releases (and their backend targets)
	// are retained per build name for rollback. Defaults to 3.
	KeepReleases int `yaml:"keep_releases,omitempty"`

	// PublishTimeout bounds one publish attempt. Defaults to 10m.
	PublishTimeout time.Duration `yaml:"publish_timeout,omitempty"`
}

// Scheduler configures concurrency limits and retry policy.
type Scheduler struct {
	MaxUploads      int           `yaml:"max_uploads,omitempty"`
	MaxBuilds       int           `yaml:"max_builds,omitempty"`
	MaxAttempts     int           `yaml:"max_attempts,omitempty"`
	RetryBackoff    time.Duration `yaml:"retry_backoff,omitempty"`
	MaxRetryBackoff time.Duration `yaml:"max_retry_backoff,omitempty"`
	RetryJitter     float64       `yaml:"retry_jitter,omitempty"`
	TriggerRate     float64       `yaml:"trigger_rate,omitempty"`
	TriggerBurst    int           `yaml:"trigger_burst,omitempty"`
	PipelineEvery   time.Duration `yaml:"pipeline_every,omitempty"`
}

// Limits converts the scheduler section to scheduler.Limits. Zero
// values fall back to the scheduler's defaults.
func (s Scheduler) Limits() scheduler.Limits {
	return scheduler.Limits{
		MaxUploads:      s.MaxUploads,
		MaxBuilds:       s.MaxBuilds,
		MaxAttempts:     s.MaxAttempts,
		RetryBackoff:    s.RetryBackoff,
		MaxRetryBackoff: s.MaxRetryBackoff,
		RetryJitter:     s.RetryJitter,
		TriggerRate:     s.TriggerRate,
		TriggerBurst:    s.TriggerBurst,
		PipelineEvery:   s.PipelineEvery,
	}
}

// Config is the hub's full configuration.
type Config struct {
	// DataDir is where the badger database lives.
	DataDir string `yaml:"data_dir" validate:"required"`

	// ListenAddr is the trigger API's bind address. Defaults to
	// ":8085".
	ListenAddr string `yaml:"listen_addr,omitempty"`

	// UploadTimeout bounds one upload attempt. Defaults to 15m.
	UploadTimeout time.Duration `yaml:"upload_timeout,omitempty"`

	Backend   Backend   `yaml:"backend"`
	Scheduler Scheduler `yaml:"scheduler"`

	// Sources declares every upstream the hub may ingest.
	Sources []source.Config `yaml:"sources" validate:"required,min=1,dive"`

	// Builds declares every build the hub may merge and publish.
	Builds []build.Spec `yaml:"builds" validate:"required,min=1"`
}

// Load reads, defaults, and validates a config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates raw YAML config.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8085"
	}
	if c.Backend.Kind == "" {
		c.Backend.Kind = BackendMemory
	}
}

// Validate checks structural tags and the cross-references: every build
// source must be declared, names must be unique, and a weaviate backend
// needs a URL.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	switch c.Backend.Kind {
	case BackendMemory:
	case BackendWeaviate:
		if c.Backend.URL == "" {
			return errors.New("config: backend.url is required for the weaviate backend")
		}
	default:
		return fmt.Errorf("config: unknown backend kind %q", c.Backend.Kind)
	}

	sources := make(map[string]bool, len(c.Sources))
	for _, src := range c.Sources {
		if err := validation.ValidateName(src.Name); err != nil {
			return fmt.Errorf("config: source name: %w", err)
		}
		if sources[src.Name] {
			return fmt.Errorf("config: source %q declared twice", src.Name)
		}
		sources[src.Name] = true
	}

	builds := make(map[string]bool, len(c.Builds))
	for _, spec := range c.Builds {
		if err := validation.ValidateName(spec.Name); err != nil {
			return fmt.Errorf("config: build name: %w", err)
		}
		if err := spec.Validate(); err != nil {
			return fmt.Errorf("config: %w", err)
		}
		if builds[spec.Name] {
			return fmt.Errorf("config: build %q declared twice", spec.Name)
		}
		builds[spec.Name] = true
		for _, src := range spec.Sources {
			if !sources[src] {
				return fmt.Errorf("config: build %q requires undeclared source %q", spec.Name, src)
			}
		}
	}
	return nil
}
