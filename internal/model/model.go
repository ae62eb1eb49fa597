// Package model defines the core data structures for the yield adapters.
package model

import (
	"math"
	"strings"

	"github.com/yourorg/yield-adapters/internal/types"
)

// SourceFormat tags which upstream shape a record was derived from
type SourceFormat int

// Upstream shapes
const (
	FormatOnChain SourceFormat = iota
	FormatSubgraph
	FormatAPI
)

func (f SourceFormat) String() string {
	switch f {
	case FormatOnChain:
		return "onchain"
	case FormatSubgraph:
		return "subgraph"
	case FormatAPI:
		return "api"
	default:
		return "unknown"
	}
}

// PoolRecord is the canonical output unit, one per yield-bearing position.
// This is the core data structure that flows through the entire application.
type PoolRecord struct {
	// PoolID is the stable identity of the pool. Never reassigned once published.
	PoolID string `json:"poolId"`

	// Chain is the display name from the chain table, e.g. "Ethereum"
	Chain string `json:"chain"`

	// Project must equal the integration's own namespace
	Project string `json:"project"`

	Symbol string  `json:"symbol"`
	TVLUSD float64 `json:"tvlUsd"`

	// Yield fields are percentages (5.0 means 5%)
	APYBase         *float64 `json:"apyBase"`
	APYReward       *float64 `json:"apyReward"`
	APY             *float64 `json:"apy,omitempty"`
	APYBase7d       *float64 `json:"apyBase7d,omitempty"`
	APYBaseBorrow   *float64 `json:"apyBaseBorrow,omitempty"`
	APYRewardBorrow *float64 `json:"apyRewardBorrow,omitempty"`

	// Lending breakdown
	TotalSupplyUSD *float64 `json:"totalSupplyUsd,omitempty"`
	TotalBorrowUSD *float64 `json:"totalBorrowUsd,omitempty"`

	RewardTokens     []string `json:"rewardTokens"`
	UnderlyingTokens []string `json:"underlyingTokens,omitempty"`
	PoolMeta         string   `json:"poolMeta,omitempty"`
	URL              string   `json:"url,omitempty"`

	// ContractAddress and ChainSlug identify the pool for ledger and registry lookups
	ContractAddress string               `json:"-"`
	ChainSlug       types.SupportedChain `json:"-"`
	Format          SourceFormat         `json:"-"`
}

// Float returns a pointer to v, for optional record fields
func Float(v float64) *float64 {
	return &v
}

// Value dereferences an optional field, treating nil as zero
func Value(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

// PoolID derives the default pool identity: lower-cased contract address and chain slug.
func PoolID(address string, chain types.SupportedChain) string {
	return strings.ToLower(strings.TrimSpace(address)) + "-" + string(chain)
}

// LegacyPoolID returns the live legacy id verbatim when one is configured,
// falling back to the default derivation.
func LegacyPoolID(legacy, address string, chain types.SupportedChain) string {
	if legacy != "" {
		return legacy
	}
	return PoolID(address, chain)
}

var symbolSeparators = strings.NewReplacer("/", "-", "_", "-", " ", "-", "+", "-")

// NormalizeSymbol upper-cases a display symbol and unifies separators to "-"
func NormalizeSymbol(symbol string) string {
	s := symbolSeparators.Replace(strings.ToUpper(strings.TrimSpace(symbol)))
	for strings.Contains(s, "--") {
		s = strings.ReplaceAll(s, "--", "-")
	}
	return strings.Trim(s, "-")
}

// NormalizeAddresses lower-cases addresses and removes empties and duplicates,
// keeping insertion order
func NormalizeAddresses(addrs []string) []string {
	seen := make(map[string]struct{}, len(addrs))
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == "" {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}

// HasNativeReward reports whether the adapter populated its own reward data
func (r PoolRecord) HasNativeReward() bool {
	return r.APYReward != nil && *r.APYReward > 0
}

// WithReward returns a copy of r carrying the given reward APY and tokens.
// The receiver is left untouched.
func (r PoolRecord) WithReward(apy float64, tokens []string) PoolRecord {
	out := r
	out.APYReward = Float(apy)
	out.RewardTokens = NormalizeAddresses(tokens)
	out.UnderlyingTokens = append([]string(nil), r.UnderlyingTokens...)
	return out
}

// NumericFields lists the keys of Numerics in JSON field order
var NumericFields = []string{
	"tvlUsd", "apyBase", "apyReward", "apy", "apyBase7d",
	"apyBaseBorrow", "apyRewardBorrow", "totalSupplyUsd", "totalBorrowUsd",
}

// Numerics returns every numeric field by JSON name, skipping absent optionals
func (r PoolRecord) Numerics() map[string]float64 {
	out := map[string]float64{"tvlUsd": r.TVLUSD}
	opt := map[string]*float64{
		"apyBase":         r.APYBase,
		"apyReward":       r.APYReward,
		"apy":             r.APY,
		"apyBase7d":       r.APYBase7d,
		"apyBaseBorrow":   r.APYBaseBorrow,
		"apyRewardBorrow": r.APYRewardBorrow,
		"totalSupplyUsd":  r.TotalSupplyUSD,
		"totalBorrowUsd":  r.TotalBorrowUSD,
	}
	for k, v := range opt {
		if v != nil {
			out[k] = *v
		}
	}
	return out
}

// IsFinite reports whether v is neither NaN nor ±Inf
func IsFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
