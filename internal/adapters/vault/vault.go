// Package vault derives yields for ERC-4626 vaults from the growth of their
// share price.
package vault

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/yield-adapters/internal/adapters/base"
	"github.com/yourorg/yield-adapters/internal/aggregate"
	"github.com/yourorg/yield-adapters/internal/annualize"
	"github.com/yourorg/yield-adapters/internal/config"
	"github.com/yourorg/yield-adapters/internal/fetch"
	"github.com/yourorg/yield-adapters/internal/model"
	"github.com/yourorg/yield-adapters/internal/pipeline"
	"github.com/yourorg/yield-adapters/internal/sampler"
	"github.com/yourorg/yield-adapters/internal/tvl"
	"github.com/yourorg/yield-adapters/internal/types"
)

const upstream = "vault"

const erc4626ABI = `[
  {"type":"function","name":"asset","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
  {"type":"function","name":"symbol","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
  {"type":"function","name":"totalSupply","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"totalAssets","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"convertToAssets","stateMutability":"view","inputs":[{"name":"shares","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]}
]`

var vaultABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(erc4626ABI))
	if err != nil {
		panic(err)
	}
	return parsed
}()

// Windows sampled for every vault
var windows = []sampler.Window{sampler.Window1d, sampler.Window7d}

type vaultState struct {
	cfg           config.VaultConfig
	address       common.Address
	asset         common.Address
	symbol        string
	decimals      uint8
	assetDecimals uint8
	totalSupply   *big.Int

	// nil when totalAssets reverted; TVL then comes from supply and share price
	totalAssets *big.Int
	err         error
}

// Adapter emits one record per configured vault
type Adapter struct {
	base.Base
	caller      fetch.ContractCaller
	sampler     *sampler.Sampler
	assembler   *tvl.Assembler
	policy      aggregate.Policy
	concurrency int
}

// New creates a vault adapter
func New(cfg config.AdapterConfig, deps base.Deps) (*Adapter, error) {
	if deps.Caller == nil || deps.Blocks == nil || deps.Prices == nil {
		return nil, fmt.Errorf("vault adapter %s needs a contract caller, a block resolver and a price source", cfg.Project)
	}
	return &Adapter{
		Base:        base.New(cfg),
		caller:      deps.Caller,
		sampler:     sampler.New(deps.Blocks),
		assembler:   tvl.NewAssembler(deps.Prices),
		policy:      deps.Policy,
		concurrency: deps.PoolConcurrency,
	}, nil
}

// FetchChain implements pipeline.Adapter
func (a *Adapter) FetchChain(ctx context.Context, chain types.SupportedChain) ([]model.PoolRecord, error) {
	d, err := a.Deployment(chain)
	if err != nil {
		return nil, err
	}
	states, err := a.readVaults(ctx, chain, d.Vaults)
	if err != nil {
		return nil, err
	}

	assets := make([]string, 0, len(states))
	for _, s := range states {
		if s.err == nil {
			assets = append(assets, strings.ToLower(s.asset.Hex()))
		}
	}
	prices, err := a.assembler.Prices(ctx, chain, assets)
	if err != nil {
		return nil, err
	}

	return pipeline.ForEachPool(ctx, states, a.concurrency,
		func(s vaultState) string { return strings.ToLower(s.address.Hex()) },
		func(ctx context.Context, s vaultState) (model.PoolRecord, error) {
			return a.build(ctx, d, s, prices)
		}), nil
}

// readVaults batches the static reads for every vault, then the decimals of
// each underlying asset
func (a *Adapter) readVaults(ctx context.Context, chain types.SupportedChain, vaults []config.VaultConfig) ([]vaultState, error) {
	methods := []string{"asset", "decimals", "symbol", "totalSupply", "totalAssets"}
	calls := make([]fetch.Call, 0, len(vaults)*len(methods))
	for _, v := range vaults {
		for _, m := range methods {
			data, err := vaultABI.Pack(m)
			if err != nil {
				return nil, err
			}
			calls = append(calls, fetch.Call{Target: common.HexToAddress(v.Address), Data: data})
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

	states := make([]vaultState, len(vaults))
	for i, v := range vaults {
		s := vaultState{cfg: v, address: common.HexToAddress(v.Address)}
		outs := make([]interface{}, len(methods))
		for j, m := range methods {
			res := results[i*len(methods)+j]
			if m == "totalAssets" && res.Err != nil {
				logrus.WithFields(logrus.Fields{
					"vault": v.Address,
					"chain": chain,
				}).Debugf("totalAssets reverted, valuing shares instead: %v", res.Err)
				continue
			}
			if res.Err != nil {
				s.err = base.SourceError(upstream, res.Err)
				break
			}
			out, err := vaultABI.Unpack(m, res.Data)
			if err != nil || len(out) != 1 {
				s.err = fetch.Malformed(upstream, "decode %s for %s: %v", m, v.Address, err)
				break
			}
			outs[j] = out[0]
		}
		if s.err == nil {
			s.asset = *abi.ConvertType(outs[0], new(common.Address)).(*common.Address)
			s.decimals = *abi.ConvertType(outs[1], new(uint8)).(*uint8)
			s.symbol = *abi.ConvertType(outs[2], new(string)).(*string)
			s.totalSupply = *abi.ConvertType(outs[3], new(*big.Int)).(**big.Int)
			if outs[4] != nil {
				s.totalAssets = *abi.ConvertType(outs[4], new(*big.Int)).(**big.Int)
			}
		}
		states[i] = s
	}

	// underlying decimals, second batch
	decCall, err := vaultABI.Pack("decimals")
	if err != nil {
		return nil, err
	}
	var idx []int
	var assetCalls []fetch.Call
	for i, s := range states {
		if s.err == nil {
			idx = append(idx, i)
			assetCalls = append(assetCalls, fetch.Call{Target: s.asset, Data: decCall})
		}
	}
	if len(assetCalls) == 0 {
		return states, nil
	}
	results, err = a.caller.MultiCall(ctx, chain, assetCalls, nil)
	if err != nil {
		return nil, base.SourceError(upstream, err)
	}
	if len(results) != len(assetCalls) {
		return nil, fetch.Malformed(upstream, "expected %d results, got %d", len(assetCalls), len(results))
	}
	for k, i := range idx {
		if results[k].Err != nil {
			states[i].err = base.SourceError(upstream, results[k].Err)
			continue
		}
		out, err := vaultABI.Unpack("decimals", results[k].Data)
		if err != nil || len(out) != 1 {
			states[i].err = fetch.Malformed(upstream, "decode asset decimals: %v", err)
			continue
		}
		states[i].assetDecimals = *abi.ConvertType(out[0], new(uint8)).(*uint8)
	}
	return states, nil
}

// sharePrice reads convertToAssets(one share) at block
func (a *Adapter) sharePrice(chain types.SupportedChain, s vaultState) sampler.MetricFunc {
	oneShare := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(s.decimals)), nil)
	return func(ctx context.Context, block *big.Int) (*big.Int, error) {
		data, err := vaultABI.Pack("convertToAssets", oneShare)
		if err != nil {
			return nil, err
		}
		raw, err := a.caller.Call(ctx, chain, fetch.Call{Target: s.address, Data: data}, block)
		if err != nil {
			return nil, base.SourceError(upstream, err)
		}
		out, err := vaultABI.Unpack("convertToAssets", raw)
		if err != nil || len(out) != 1 {
			return nil, fetch.Malformed(upstream, "decode convertToAssets: %v", err)
		}
		return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
	}
}

// sharesTVL values a vault from its share supply and the current share price
func (a *Adapter) sharesTVL(ctx context.Context, chain types.SupportedChain, s vaultState, prices map[string]float64) (float64, error) {
	asset := strings.ToLower(s.asset.Hex())
	price, ok := prices[asset]
	if !ok || price <= 0 {
		return 0, fmt.Errorf("%w: %s", model.ErrUnresolvedPrice, asset)
	}
	rate, err := a.sampler.Point(ctx, a.sharePrice(chain, s), int(s.assetDecimals))
	if err != nil {
		return 0, err
	}
	return tvl.FromShares(s.totalSupply, int(s.decimals), rate.Value(), price), nil
}

func (a *Adapter) build(ctx context.Context, d config.ChainDeployment, s vaultState, prices map[string]float64) (model.PoolRecord, error) {
	if s.err != nil {
		return model.PoolRecord{}, s.err
	}
	rec := a.Record(d, s.address.Hex(), s.symbol, model.FormatOnChain)
	asset := strings.ToLower(s.asset.Hex())

	var value float64
	var err error
	if s.totalAssets != nil {
		value, err = base.PricedTVL(d.Slug, rec.PoolID, []tvl.Leg{tvl.RawLeg(asset, s.totalAssets, int(s.assetDecimals))}, prices)
	} else {
		value, err = a.sharesTVL(ctx, d.Slug, s, prices)
	}
	if err != nil {
		return model.PoolRecord{}, err
	}

	samples, err := a.sampler.Sample(ctx, d.Slug, a.sharePrice(d.Slug, s), int(s.assetDecimals), windows...)
	if err != nil {
		return model.PoolRecord{}, err
	}
	var apys []aggregate.WindowAPY
	var firstErr error
	for _, w := range windows {
		past, err := samples.Past(w)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		apy := annualize.FromObservations(s.cfg.Parsed, samples.Now, past)
		apys = append(apys, aggregate.WindowAPY{Days: w.Days(), APY: apy})
		if w == sampler.Window7d {
			rec.APYBase7d = model.Float(apy)
		}
	}
	apyBase, ok := a.policy.Apply(apys, value)
	if !ok {
		if firstErr == nil {
			firstErr = fmt.Errorf("%w: no usable window", model.ErrInsufficientHistory)
		}
		return model.PoolRecord{}, firstErr
	}

	rec.TVLUSD = value
	rec.APYBase = model.Float(apyBase)
	rec.UnderlyingTokens = []string{asset}
	rec.PoolMeta = s.cfg.Meta
	return rec, nil
}
