// Package units converts raw upstream numeric encodings (fixed-point decimals, RAY, WAD,
// basis points, per-block and per-second rates) into ratios and percentages.
package units

import (
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/yourorg/yield-adapters/internal/types"
)

// Fixed-point scales used by lending protocols
const (
	RayDecimals = 27
	WadDecimals = 18
)

// Format names a raw numeric encoding
type Format int

// Recognized encodings
const (
	FormatDecimals Format = iota
	FormatRay
	FormatBasisPoints
	FormatPerSecond
	FormatPerBlock
)

// FromDecimals converts a fixed-point integer to its decimal value: raw / 10^d.
func FromDecimals(raw *big.Int, d int) float64 {
	if raw == nil {
		return 0
	}
	f, _ := decimal.NewFromBigInt(raw, int32(-d)).Float64()
	return f
}

// ToDecimal is FromDecimals without the float conversion, for exact arithmetic
func ToDecimal(raw *big.Int, d int) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, int32(-d))
}

// RayToPercent converts an already-annualized RAY rate to a percentage: raw / 1e27 * 100.
func RayToPercent(raw *big.Int) float64 {
	return FromDecimals(raw, RayDecimals) * 100
}

// WadToRatio converts an 18-decimal fixed-point value to a ratio
func WadToRatio(raw *big.Int) float64 {
	return FromDecimals(raw, WadDecimals)
}

// BasisPointsToPercent converts basis points to a percentage: 250 bps is 2.5%.
func BasisPointsToPercent(bps float64) float64 {
	return bps / 100
}

// RatioToPercent converts a dimensionless ratio to a percentage
func RatioToPercent(ratio float64) float64 {
	return ratio * 100
}

// PerSecondToAPY compounds a per-second rate over a 365-day year and returns a percentage
func PerSecondToAPY(ratePerSecond float64) float64 {
	return compound(ratePerSecond, types.SecondsPerYear)
}

// PerSecondToAPR extrapolates a per-second rate linearly over a 365-day year
func PerSecondToAPR(ratePerSecond float64) float64 {
	return ratePerSecond * types.SecondsPerYear * 100
}

// PerBlockToAPY compounds a per-block rate over the chain's blocks per year
func PerBlockToAPY(ratePerBlock float64, chain types.ChainInfo) float64 {
	return compound(ratePerBlock, chain.BlocksPerYear())
}

func compound(rate, periods float64) float64 {
	if periods <= 0 || !finite(rate) {
		return 0
	}
	apy := (math.Pow(1+rate, periods) - 1) * 100
	if !finite(apy) {
		return 0
	}
	return apy
}

// SafeDiv returns n/d, or 0 when d is zero or the result is not finite
func SafeDiv(n, d float64) float64 {
	if d == 0 || !finite(n) || !finite(d) {
		return 0
	}
	q := n / d
	if !finite(q) {
		return 0
	}
	return q
}

// Normalize converts a raw value in the given format to a percentage. Decimals
// formats take the scale as their decimal count; rate formats take the scale of the
// raw fixed-point rate.
func Normalize(raw *big.Int, format Format, scale int, chain types.ChainInfo) (float64, error) {
	switch format {
	case FormatDecimals:
		return RatioToPercent(FromDecimals(raw, scale)), nil
	case FormatRay:
		return RayToPercent(raw), nil
	case FormatBasisPoints:
		return BasisPointsToPercent(FromDecimals(raw, scale)), nil
	case FormatPerSecond:
		return PerSecondToAPY(FromDecimals(raw, scale)), nil
	case FormatPerBlock:
		return PerBlockToAPY(FromDecimals(raw, scale), chain), nil
	default:
		return 0, fmt.Errorf("unknown unit format %d", format)
	}
}

// ParseAmount parses a decimal string as returned by subgraphs and REST APIs
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("empty amount")
	}
	return decimal.NewFromString(s)
}

// ParseRaw parses a base-10 integer string into a big.Int
func ParseRaw(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", s)
	}
	return v, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
