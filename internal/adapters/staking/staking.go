// Package staking reads staking pools from a protocol REST API.
package staking

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/yourorg/yield-adapters/internal/adapters/base"
	"github.com/yourorg/yield-adapters/internal/config"
	"github.com/yourorg/yield-adapters/internal/fetch"
	"github.com/yourorg/yield-adapters/internal/model"
	"github.com/yourorg/yield-adapters/internal/pipeline"
	"github.com/yourorg/yield-adapters/internal/tvl"
	"github.com/yourorg/yield-adapters/internal/types"
	"github.com/yourorg/yield-adapters/internal/units"
)

const upstream = "staking-api"

type poolsResponse struct {
	Pools []stakingPool `json:"pools"`
}

// stakingPool is one entry of the API listing. Rates are in basis points and
// totalStaked is a raw integer balance of the staking token.
type stakingPool struct {
	Address      string   `json:"address"`
	Symbol       string   `json:"symbol"`
	StakingToken string   `json:"stakingToken"`
	TotalStaked  string   `json:"totalStaked"`
	Decimals     *int     `json:"decimals"`
	AprBps       *float64 `json:"aprBps"`
	RewardAprBps *float64 `json:"rewardAprBps"`
	RewardTokens []string `json:"rewardTokens"`
}

// Adapter emits one record per staking pool listed by the API
type Adapter struct {
	base.Base
	api         base.JSONGetter
	assembler   *tvl.Assembler
	concurrency int
}

// New creates a staking adapter
func New(cfg config.AdapterConfig, deps base.Deps) (*Adapter, error) {
	if deps.API == nil || deps.Prices == nil {
		return nil, fmt.Errorf("staking adapter %s needs an API client and a price source", cfg.Project)
	}
	return &Adapter{
		Base:        base.New(cfg),
		api:         deps.API,
		assembler:   tvl.NewAssembler(deps.Prices),
		concurrency: deps.PoolConcurrency,
	}, nil
}

// FetchChain implements pipeline.Adapter
func (a *Adapter) FetchChain(ctx context.Context, chain types.SupportedChain) ([]model.PoolRecord, error) {
	d, err := a.Deployment(chain)
	if err != nil {
		return nil, err
	}
	var resp poolsResponse
	if err := a.api.GetJSON(ctx, d.API, &resp); err != nil {
		return nil, base.SourceError(upstream, err)
	}

	tokens := make([]string, 0, len(resp.Pools))
	for _, p := range resp.Pools {
		tokens = append(tokens, p.StakingToken)
	}
	prices, err := a.assembler.Prices(ctx, chain, model.NormalizeAddresses(tokens))
	if err != nil {
		return nil, err
	}

	return pipeline.ForEachPool(ctx, resp.Pools, a.concurrency,
		func(p stakingPool) string { return strings.ToLower(p.Address) },
		func(_ context.Context, p stakingPool) (model.PoolRecord, error) {
			return a.build(d, p, prices)
		}), nil
}

func (a *Adapter) build(d config.ChainDeployment, p stakingPool, prices map[string]float64) (model.PoolRecord, error) {
	switch {
	case !common.IsHexAddress(p.Address):
		return model.PoolRecord{}, fetch.Malformed(upstream, "pool address %q", p.Address)
	case !common.IsHexAddress(p.StakingToken):
		return model.PoolRecord{}, fetch.Malformed(upstream, "pool %s staking token %q", p.Address, p.StakingToken)
	case p.Decimals == nil || *p.Decimals < 0:
		return model.PoolRecord{}, fetch.Malformed(upstream, "pool %s has no token decimals", p.Address)
	case p.AprBps == nil:
		return model.PoolRecord{}, fetch.Malformed(upstream, "pool %s has no aprBps", p.Address)
	}
	staked, err := units.ParseRaw(p.TotalStaked)
	if err != nil {
		return model.PoolRecord{}, fetch.Malformed(upstream, "pool %s totalStaked: %v", p.Address, err)
	}

	rec := a.Record(d, p.Address, p.Symbol, model.FormatAPI)
	value, err := base.PricedTVL(d.Slug, rec.PoolID, []tvl.Leg{tvl.RawLeg(p.StakingToken, staked, *p.Decimals)}, prices)
	if err != nil {
		return model.PoolRecord{}, err
	}
	rec.TVLUSD = value
	rec.APYBase = model.Float(units.BasisPointsToPercent(*p.AprBps))
	rec.UnderlyingTokens = []string{strings.ToLower(p.StakingToken)}
	if p.RewardAprBps != nil && *p.RewardAprBps > 0 {
		rec = rec.WithReward(units.BasisPointsToPercent(*p.RewardAprBps), p.RewardTokens)
	}
	return rec, nil
}
