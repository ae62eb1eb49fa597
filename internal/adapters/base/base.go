// Package base holds what every adapter shares: deployment lookup, record
// skeletons, pool-id derivation and collaborator wiring.
package base

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/yield-adapters/internal/aggregate"
	"github.com/yourorg/yield-adapters/internal/config"
	"github.com/yourorg/yield-adapters/internal/fetch"
	"github.com/yourorg/yield-adapters/internal/model"
	"github.com/yourorg/yield-adapters/internal/sampler"
	"github.com/yourorg/yield-adapters/internal/tvl"
	"github.com/yourorg/yield-adapters/internal/types"
)

// GraphQuerier runs GraphQL queries against a subgraph endpoint
type GraphQuerier interface {
	Query(ctx context.Context, endpoint, query string, vars map[string]any, out any) error
}

// JSONGetter fetches and decodes JSON documents
type JSONGetter interface {
	GetJSON(ctx context.Context, url string, out any) error
}

// Deps are the collaborators adapters read from. Each adapter kind uses a
// subset and its constructor checks the ones it needs.
type Deps struct {
	Caller fetch.ContractCaller
	Blocks sampler.BlockResolver
	Prices fetch.PriceSource
	Graph  GraphQuerier
	API    JSONGetter
	Policy aggregate.Policy

	// PoolConcurrency bounds per-pool work within one chain
	PoolConcurrency int
}

// Base implements the identity half of pipeline.Adapter from configuration
type Base struct {
	project     string
	url         string
	rewards     bool
	chains      []types.SupportedChain
	deployments map[types.SupportedChain]config.ChainDeployment
}

// New builds a Base from an adapter entry of the deployment file
func New(cfg config.AdapterConfig) Base {
	b := Base{
		project:     cfg.Project,
		url:         cfg.URL,
		rewards:     cfg.Rewards,
		deployments: make(map[types.SupportedChain]config.ChainDeployment, len(cfg.Chains)),
	}
	for _, c := range cfg.Chains {
		b.chains = append(b.chains, c.Slug)
		b.deployments[c.Slug] = c
	}
	return b
}

// Project returns the integration namespace
func (b Base) Project() string { return b.project }

// Chains returns the configured chains in file order
func (b Base) Chains() []types.SupportedChain {
	return append([]types.SupportedChain(nil), b.chains...)
}

// Deployment returns the configuration for chain
func (b Base) Deployment(chain types.SupportedChain) (config.ChainDeployment, error) {
	d, ok := b.deployments[chain]
	if !ok {
		return config.ChainDeployment{}, fmt.Errorf("%s is not deployed on %s", b.project, chain)
	}
	return d, nil
}

// RewardKey opts the pool into registry lookups by contract address when the
// integration enables rewards
func (b Base) RewardKey(r model.PoolRecord) string {
	if !b.rewards {
		return ""
	}
	return r.ContractAddress
}

// Record returns a record skeleton for a pool: identity, chain, project and
// symbol filled in, yields and TVL left for the adapter.
func (b Base) Record(d config.ChainDeployment, address, symbol string, format model.SourceFormat) model.PoolRecord {
	info := types.MustLookup(string(d.Slug))
	addr := strings.ToLower(address)
	return model.PoolRecord{
		PoolID:          model.LegacyPoolID(d.LegacyIDs[addr], addr, d.Slug),
		Chain:           info.DisplayName,
		Project:         b.project,
		Symbol:          model.NormalizeSymbol(symbol),
		URL:             b.url,
		RewardTokens:    []string{},
		ContractAddress: addr,
		ChainSlug:       d.Slug,
		Format:          format,
	}
}

// PricedTVL sums legs at prices. An unpriced leg resolves the TVL to 0 with an
// error wrapping model.ErrUnresolvedPrice.
func PricedTVL(chain types.SupportedChain, pool string, legs []tvl.Leg, prices map[string]float64) (float64, error) {
	v, err := tvl.Sum(legs, prices)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"chain":  chain,
			"pool":   pool,
			"reason": model.Reason(err),
		}).Warnf("TVL set to 0: %v", err)
		return 0, err
	}
	return v, nil
}

// SourceError wraps err as a source failure unless it already is one
func SourceError(upstream string, err error) error {
	if model.IsSourceFailure(err) {
		return err
	}
	return fmt.Errorf("%s: %w: %v", upstream, model.ErrSourceUnavailable, err)
}
