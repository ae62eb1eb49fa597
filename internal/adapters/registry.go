// Package adapters maps adapter kinds from the deployment file onto their
// implementations.
package adapters

import (
	"fmt"

	"github.com/yourorg/yield-adapters/internal/adapters/amm"
	"github.com/yourorg/yield-adapters/internal/adapters/base"
	"github.com/yourorg/yield-adapters/internal/adapters/lending"
	"github.com/yourorg/yield-adapters/internal/adapters/staking"
	"github.com/yourorg/yield-adapters/internal/adapters/vault"
	"github.com/yourorg/yield-adapters/internal/config"
	"github.com/yourorg/yield-adapters/internal/pipeline"
)

// Constructor builds an adapter from its configuration
type Constructor func(cfg config.AdapterConfig, deps base.Deps) (pipeline.Adapter, error)

var constructors = map[string]Constructor{
	config.KindLending: func(cfg config.AdapterConfig, deps base.Deps) (pipeline.Adapter, error) {
		return lending.New(cfg, deps)
	},
	config.KindVault: func(cfg config.AdapterConfig, deps base.Deps) (pipeline.Adapter, error) {
		return vault.New(cfg, deps)
	},
	config.KindAMM: func(cfg config.AdapterConfig, deps base.Deps) (pipeline.Adapter, error) {
		return amm.New(cfg, deps)
	},
	config.KindStaking: func(cfg config.AdapterConfig, deps base.Deps) (pipeline.Adapter, error) {
		return staking.New(cfg, deps)
	},
}

// Build constructs the adapter for one configured integration
func Build(cfg config.AdapterConfig, deps base.Deps) (pipeline.Adapter, error) {
	ctor, ok := constructors[cfg.Kind]
	if !ok {
		return nil, fmt.Errorf("project %s: unknown adapter kind %q", cfg.Project, cfg.Kind)
	}
	a, err := ctor(cfg, deps)
	if err != nil {
		return nil, fmt.Errorf("project %s: %w", cfg.Project, err)
	}
	return a, nil
}

// BuildAll constructs every adapter in file, keyed by project. The first
// failure aborts.
func BuildAll(file *config.AdaptersFile, deps base.Deps) (map[string]pipeline.Adapter, error) {
	out := make(map[string]pipeline.Adapter, len(file.Adapters))
	for _, cfg := range file.Adapters {
		a, err := Build(cfg, deps)
		if err != nil {
			return nil, err
		}
		out[cfg.Project] = a
	}
	return out, nil
}
