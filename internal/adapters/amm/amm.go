// Package amm derives fee yields for concentrated-liquidity pools indexed by a
// subgraph.
package amm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yourorg/yield-adapters/internal/adapters/base"
	"github.com/yourorg/yield-adapters/internal/annualize"
	"github.com/yourorg/yield-adapters/internal/config"
	"github.com/yourorg/yield-adapters/internal/fetch"
	"github.com/yourorg/yield-adapters/internal/model"
	"github.com/yourorg/yield-adapters/internal/pipeline"
	"github.com/yourorg/yield-adapters/internal/tvl"
	"github.com/yourorg/yield-adapters/internal/types"
	"github.com/yourorg/yield-adapters/internal/units"
)

const (
	pageSize = 1000
	maxPages = 5
	// pools below this subgraph-reported TVL are not worth pricing
	minSubgraphTVL = "10000"
)

const poolsQuery = `query pools($first: Int!, $skip: Int!, $minTvl: BigDecimal!) {
  pools(first: $first, skip: $skip, orderBy: totalValueLockedUSD, orderDirection: desc,
        where: {totalValueLockedUSD_gt: $minTvl}) {
    id
    feeTier
    token0 { id symbol decimals }
    token1 { id symbol decimals }
    totalValueLockedToken0
    totalValueLockedToken1
    poolDayData(first: 2, orderBy: date, orderDirection: desc) { date feesUSD }
  }
}`

type token struct {
	ID       string `json:"id"`
	Symbol   string `json:"symbol"`
	Decimals string `json:"decimals"`
}

type pool struct {
	ID                     string   `json:"id"`
	FeeTier                string   `json:"feeTier"`
	Token0                 *token   `json:"token0"`
	Token1                 *token   `json:"token1"`
	TotalValueLockedToken0 string   `json:"totalValueLockedToken0"`
	TotalValueLockedToken1 string   `json:"totalValueLockedToken1"`
	PoolDayData            []dayFee `json:"poolDayData"`
}

type dayFee struct {
	Date    int64  `json:"date"`
	FeesUSD string `json:"feesUSD"`
}

// Adapter emits one record per subgraph pool
type Adapter struct {
	base.Base
	graph       base.GraphQuerier
	assembler   *tvl.Assembler
	concurrency int
	now         func() time.Time
}

// New creates an AMM adapter
func New(cfg config.AdapterConfig, deps base.Deps) (*Adapter, error) {
	if deps.Graph == nil || deps.Prices == nil {
		return nil, fmt.Errorf("amm adapter %s needs a subgraph client and a price source", cfg.Project)
	}
	return &Adapter{
		Base:        base.New(cfg),
		graph:       deps.Graph,
		assembler:   tvl.NewAssembler(deps.Prices),
		concurrency: deps.PoolConcurrency,
		now:         time.Now,
	}, nil
}

// FetchChain implements pipeline.Adapter
func (a *Adapter) FetchChain(ctx context.Context, chain types.SupportedChain) ([]model.PoolRecord, error) {
	d, err := a.Deployment(chain)
	if err != nil {
		return nil, err
	}
	pools, err := a.listPools(ctx, d.Subgraph)
	if err != nil {
		return nil, err
	}

	var tokens []string
	for _, p := range pools {
		if p.Token0 != nil && p.Token1 != nil {
			tokens = append(tokens, p.Token0.ID, p.Token1.ID)
		}
	}
	prices, err := a.assembler.Prices(ctx, chain, model.NormalizeAddresses(tokens))
	if err != nil {
		return nil, err
	}

	today := a.now().UTC().Truncate(24 * time.Hour).Unix()
	return pipeline.ForEachPool(ctx, pools, a.concurrency,
		func(p pool) string { return strings.ToLower(p.ID) },
		func(_ context.Context, p pool) (model.PoolRecord, error) {
			return a.build(d, p, prices, today)
		}), nil
}

func (a *Adapter) listPools(ctx context.Context, endpoint string) ([]pool, error) {
	var all []pool
	for page := 0; page < maxPages; page++ {
		var resp struct {
			Pools []pool `json:"pools"`
		}
		vars := map[string]any{"first": pageSize, "skip": page * pageSize, "minTvl": minSubgraphTVL}
		if err := a.graph.Query(ctx, endpoint, poolsQuery, vars, &resp); err != nil {
			return nil, base.SourceError("subgraph", err)
		}
		all = append(all, resp.Pools...)
		if len(resp.Pools) < pageSize {
			break
		}
	}
	return all, nil
}

func (a *Adapter) build(d config.ChainDeployment, p pool, prices map[string]float64, today int64) (model.PoolRecord, error) {
	if p.ID == "" || p.Token0 == nil || p.Token1 == nil {
		return model.PoolRecord{}, fetch.Malformed("subgraph", "pool %q missing id or tokens", p.ID)
	}
	rec := a.Record(d, p.ID, p.Token0.Symbol+"-"+p.Token1.Symbol, model.FormatSubgraph)

	leg0, err := tvl.AmountLeg(p.Token0.ID, p.TotalValueLockedToken0)
	if err != nil {
		return model.PoolRecord{}, fetch.Malformed("subgraph", "pool %s token0 balance: %v", p.ID, err)
	}
	leg1, err := tvl.AmountLeg(p.Token1.ID, p.TotalValueLockedToken1)
	if err != nil {
		return model.PoolRecord{}, fetch.Malformed("subgraph", "pool %s token1 balance: %v", p.ID, err)
	}
	value, err := base.PricedTVL(d.Slug, rec.PoolID, []tvl.Leg{leg0, leg1}, prices)
	if err != nil {
		return model.PoolRecord{}, err
	}

	fees, ok := lastFullDay(p.PoolDayData, today)
	if !ok {
		return model.PoolRecord{}, fmt.Errorf("%w: pool %s has no completed day of fees", model.ErrInsufficientHistory, p.ID)
	}
	feesUSD, err := units.ParseAmount(fees.FeesUSD)
	if err != nil {
		return model.PoolRecord{}, fetch.Malformed("subgraph", "pool %s feesUSD: %v", p.ID, err)
	}

	rec.TVLUSD = value
	rec.APYBase = model.Float(annualize.FeeYield(feesUSD.InexactFloat64(), value, 1))
	rec.UnderlyingTokens = model.NormalizeAddresses([]string{p.Token0.ID, p.Token1.ID})
	rec.PoolMeta = feeTierMeta(p.FeeTier)
	return rec, nil
}

// lastFullDay picks the most recent day bucket that closed before today
func lastFullDay(days []dayFee, today int64) (dayFee, bool) {
	var best dayFee
	found := false
	for _, d := range days {
		if d.Date < today && (!found || d.Date > best.Date) {
			best, found = d, true
		}
	}
	return best, found
}

// feeTierMeta renders a fee tier in hundredths of a bip, e.g. 3000 as "0.3%"
func feeTierMeta(tier string) string {
	v, err := decimal.NewFromString(strings.TrimSpace(tier))
	if err != nil || v.Sign() <= 0 {
		return ""
	}
	return v.Div(decimal.NewFromInt(10000)).String() + "%"
}
