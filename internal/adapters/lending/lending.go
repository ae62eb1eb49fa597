// Package lending reads reserve rates and balances from an Aave v3 style
// protocol data provider.
package lending

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/yield-adapters/internal/adapters/base"
	"github.com/yourorg/yield-adapters/internal/config"
	"github.com/yourorg/yield-adapters/internal/fetch"
	"github.com/yourorg/yield-adapters/internal/model"
	"github.com/yourorg/yield-adapters/internal/pipeline"
	"github.com/yourorg/yield-adapters/internal/tvl"
	"github.com/yourorg/yield-adapters/internal/types"
	"github.com/yourorg/yield-adapters/internal/units"
)

const upstream = "data provider"

type reserveToken struct {
	Symbol       string
	TokenAddress common.Address
}

type reserveData struct {
	Unbacked                *big.Int
	AccruedToTreasuryScaled *big.Int
	TotalAToken             *big.Int
	TotalStableDebt         *big.Int
	TotalVariableDebt       *big.Int
	LiquidityRate           *big.Int
	VariableBorrowRate      *big.Int
	StableBorrowRate        *big.Int
	AverageStableBorrowRate *big.Int
	LiquidityIndex          *big.Int
	VariableBorrowIndex     *big.Int
	LastUpdateTimestamp     *big.Int
}

type reserveTokens struct {
	ATokenAddress            common.Address
	StableDebtTokenAddress   common.Address
	VariableDebtTokenAddress common.Address
}

type reserveConfig struct {
	Decimals                 *big.Int
	Ltv                      *big.Int
	LiquidationThreshold     *big.Int
	LiquidationBonus         *big.Int
	ReserveFactor            *big.Int
	UsageAsCollateralEnabled bool
	BorrowingEnabled         bool
	StableBorrowRateEnabled  bool
	IsActive                 bool
	IsFrozen                 bool
}

type reserveState struct {
	token  reserveToken
	data   reserveData
	tokens reserveTokens
	conf   reserveConfig
	err    error
}

// Adapter emits one record per active reserve, keyed by its aToken
type Adapter struct {
	base.Base
	caller      fetch.ContractCaller
	assembler   *tvl.Assembler
	concurrency int
}

// New creates a lending adapter
func New(cfg config.AdapterConfig, deps base.Deps) (*Adapter, error) {
	if deps.Caller == nil || deps.Prices == nil {
		return nil, fmt.Errorf("lending adapter %s needs a contract caller and a price source", cfg.Project)
	}
	return &Adapter{
		Base:        base.New(cfg),
		caller:      deps.Caller,
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
	provider := common.HexToAddress(d.DataProvider)

	reserves, err := a.listReserves(ctx, chain, provider, d.Reserves)
	if err != nil {
		return nil, err
	}
	states, err := a.readReserves(ctx, chain, provider, reserves)
	if err != nil {
		return nil, err
	}

	assets := make([]string, 0, len(states))
	active := states[:0]
	for _, s := range states {
		if s.err == nil && !s.conf.IsActive {
			logrus.WithFields(logrus.Fields{"chain": chain, "reserve": s.token.Symbol}).Debug("Skipping inactive reserve")
			continue
		}
		active = append(active, s)
		assets = append(assets, strings.ToLower(s.token.TokenAddress.Hex()))
	}

	prices, err := a.assembler.Prices(ctx, chain, assets)
	if err != nil {
		return nil, err
	}

	return pipeline.ForEachPool(ctx, active, a.concurrency,
		func(s reserveState) string { return strings.ToLower(s.token.TokenAddress.Hex()) },
		func(_ context.Context, s reserveState) (model.PoolRecord, error) {
			return a.build(d, s, prices)
		}), nil
}

func (a *Adapter) listReserves(ctx context.Context, chain types.SupportedChain, provider common.Address, only []string) ([]reserveToken, error) {
	data, err := providerABI.Pack("getAllReservesTokens")
	if err != nil {
		return nil, err
	}
	raw, err := a.caller.Call(ctx, chain, fetch.Call{Target: provider, Data: data}, nil)
	if err != nil {
		return nil, base.SourceError(upstream, err)
	}
	out, err := providerABI.Unpack("getAllReservesTokens", raw)
	if err != nil || len(out) != 1 {
		return nil, fetch.Malformed(upstream, "decode getAllReservesTokens: %v", err)
	}
	all := *abi.ConvertType(out[0], new([]reserveToken)).(*[]reserveToken)
	if len(only) == 0 {
		return all, nil
	}

	want := make(map[string]bool, len(only))
	for _, r := range only {
		want[r] = true
	}
	var picked []reserveToken
	for _, t := range all {
		addr := strings.ToLower(t.TokenAddress.Hex())
		if want[addr] {
			picked = append(picked, t)
			delete(want, addr)
		}
	}
	for missing := range want {
		logrus.WithFields(logrus.Fields{"chain": chain, "reserve": missing}).Warn("Configured reserve not listed by data provider")
	}
	return picked, nil
}

// readReserves batches data, token and configuration reads for every reserve
func (a *Adapter) readReserves(ctx context.Context, chain types.SupportedChain, provider common.Address, reserves []reserveToken) ([]reserveState, error) {
	methods := []string{"getReserveData", "getReserveTokensAddresses", "getReserveConfigurationData"}
	calls := make([]fetch.Call, 0, len(reserves)*len(methods))
	for _, r := range reserves {
		for _, m := range methods {
			data, err := providerABI.Pack(m, r.TokenAddress)
			if err != nil {
				return nil, err
			}
			calls = append(calls, fetch.Call{Target: provider, Data: data})
		}
	}
	if len(calls) == 0 {
		return nil, nil
	}
	results, err := a.caller.MultiCall(ctx, chain, calls, nil)
	if err != nil {
		return nil, base.SourceError(upstream, err)
	}
	if len(results) != len(calls) {
		return nil, fetch.Malformed(upstream, "expected %d results, got %d", len(calls), len(results))
	}

	states := make([]reserveState, len(reserves))
	for i, r := range reserves {
		s := reserveState{token: r}
		targets := []any{&s.data, &s.tokens, &s.conf}
		for j, m := range methods {
			res := results[i*len(methods)+j]
			if res.Err != nil {
				s.err = base.SourceError(upstream, res.Err)
				break
			}
			if err := providerABI.UnpackIntoInterface(targets[j], m, res.Data); err != nil {
				s.err = fetch.Malformed(upstream, "decode %s for %s: %v", m, r.Symbol, err)
				break
			}
		}
		states[i] = s
	}
	return states, nil
}

func (a *Adapter) build(d config.ChainDeployment, s reserveState, prices map[string]float64) (model.PoolRecord, error) {
	if s.err != nil {
		return model.PoolRecord{}, s.err
	}
	asset := strings.ToLower(s.token.TokenAddress.Hex())
	rec := a.Record(d, s.tokens.ATokenAddress.Hex(), s.token.Symbol, model.FormatOnChain)
	decimals := int(s.conf.Decimals.Int64())

	price := map[string]float64{}
	if p, ok := prices[asset]; ok {
		price[asset] = p
	}
	supplyUSD, err := base.PricedTVL(d.Slug, rec.PoolID, []tvl.Leg{tvl.RawLeg(asset, s.data.TotalAToken, decimals)}, price)
	if err != nil {
		return model.PoolRecord{}, err
	}
	debt := new(big.Int).Add(s.data.TotalStableDebt, s.data.TotalVariableDebt)
	borrowUSD, err := tvl.Sum([]tvl.Leg{tvl.RawLeg(asset, debt, decimals)}, price)
	if err != nil {
		return model.PoolRecord{}, err
	}

	// TVL is what can still be withdrawn: supplied minus borrowed
	rec.TVLUSD = supplyUSD - borrowUSD
	if rec.TVLUSD < 0 {
		rec.TVLUSD = 0
	}
	rec.TotalSupplyUSD = model.Float(supplyUSD)
	rec.TotalBorrowUSD = model.Float(borrowUSD)
	rec.APYBase = model.Float(units.RayToPercent(s.data.LiquidityRate))
	if s.conf.BorrowingEnabled {
		rec.APYBaseBorrow = model.Float(units.RayToPercent(s.data.VariableBorrowRate))
	}
	rec.UnderlyingTokens = []string{asset}
	if s.conf.IsFrozen {
		rec.PoolMeta = "frozen"
	}
	return rec, nil
}
