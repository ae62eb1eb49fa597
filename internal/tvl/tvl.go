// Package tvl turns token balances into a USD total value locked.
package tvl

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/yield-adapters/internal/fetch"
	"github.com/yourorg/yield-adapters/internal/model"
	"github.com/yourorg/yield-adapters/internal/types"
	"github.com/yourorg/yield-adapters/internal/units"
)

// Leg is one asset's decimal-adjusted balance inside a pool
type Leg struct {
	Token  string
	Amount decimal.Decimal
}

// RawLeg builds a leg from a fixed-point on-chain balance
func RawLeg(token string, raw *big.Int, decimals int) Leg {
	return Leg{Token: strings.ToLower(token), Amount: units.ToDecimal(raw, decimals)}
}

// AmountLeg builds a leg from an already decimal-adjusted amount string, as
// subgraphs and REST APIs report them.
func AmountLeg(token, amount string) (Leg, error) {
	d, err := units.ParseAmount(amount)
	if err != nil {
		return Leg{}, err
	}
	return Leg{Token: strings.ToLower(token), Amount: d}, nil
}

// Sum prices every leg. Any unpriced leg makes the whole sum unresolved.
func Sum(legs []Leg, prices map[string]float64) (float64, error) {
	total := decimal.Zero
	var missing []string
	for _, l := range legs {
		p, ok := prices[strings.ToLower(l.Token)]
		if !ok || p <= 0 || !model.IsFinite(p) {
			missing = append(missing, l.Token)
			continue
		}
		total = total.Add(l.Amount.Mul(decimal.NewFromFloat(p)))
	}
	if len(missing) > 0 {
		return 0, fmt.Errorf("%w: %s", model.ErrUnresolvedPrice, strings.Join(missing, ","))
	}
	f, _ := total.Float64()
	return f, nil
}

// FromShares values a share-based vault as totalSupply * exchangeRate * price.
func FromShares(totalSupply *big.Int, decimals int, exchangeRate, price float64) float64 {
	if !model.IsFinite(price) || !model.IsFinite(exchangeRate) || price <= 0 || exchangeRate <= 0 {
		return 0
	}
	v, _ := units.ToDecimal(totalSupply, decimals).
		Mul(decimal.NewFromFloat(exchangeRate)).
		Mul(decimal.NewFromFloat(price)).
		Float64()
	return v
}

// Assembler prices legs through a price source
type Assembler struct {
	prices fetch.PriceSource
}

// NewAssembler creates an assembler backed by prices
func NewAssembler(prices fetch.PriceSource) *Assembler {
	return &Assembler{prices: prices}
}

// Assemble returns the USD TVL of legs on chain. When any leg cannot be priced
// the pool's TVL is 0 and the error wraps model.ErrUnresolvedPrice, so the
// pool is dropped downstream rather than reported with one leg missing.
func (a *Assembler) Assemble(ctx context.Context, chain types.SupportedChain, legs []Leg) (float64, error) {
	prices, err := a.Prices(ctx, chain, tokens(legs))
	if err != nil {
		return 0, err
	}
	v, err := Sum(legs, prices)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"chain":  chain,
			"reason": model.Reason(err),
		}).Warnf("TVL set to 0: %v", err)
		return 0, err
	}
	return v, nil
}

// Prices resolves USD prices for addresses on chain, keyed by lower-cased address
func (a *Assembler) Prices(ctx context.Context, chain types.SupportedChain, addresses []string) (map[string]float64, error) {
	if len(addresses) == 0 {
		return map[string]float64{}, nil
	}
	quotes, err := a.prices.Prices(ctx, chain, addresses)
	if err != nil {
		return nil, fmt.Errorf("price lookup: %w", err)
	}
	out := make(map[string]float64, len(quotes))
	for addr, q := range quotes {
		out[strings.ToLower(addr)] = q.Price
	}
	return out, nil
}

func tokens(legs []Leg) []string {
	seen := make(map[string]bool, len(legs))
	out := make([]string, 0, len(legs))
	for _, l := range legs {
		if !seen[l.Token] {
			seen[l.Token] = true
			out = append(out, l.Token)
		}
	}
	return out
}
