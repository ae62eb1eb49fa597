// Package annualize converts a rate of change observed over an interval into an
// annualized percentage.
package annualize

import (
	"fmt"
	"math"
	"strings"

	"github.com/yourorg/yield-adapters/internal/sampler"
)

// Year lengths in days
const (
	DaysPerYear = 365.0
	JulianYear  = 365.25
)

// Model selects how growth over the observed interval is extrapolated to a year
type Model int

// Compounding models
const (
	// ModelLinear extrapolates the interval return linearly
	ModelLinear Model = iota
	// ModelCompound compounds the interval return geometrically
	ModelCompound
)

// ParseModel reads a model name from configuration
func ParseModel(s string) (Model, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "linear":
		return ModelLinear, nil
	case "compound", "exponential", "geometric":
		return ModelCompound, nil
	default:
		return ModelLinear, fmt.Errorf("unknown compounding model %q", s)
	}
}

func (m Model) String() string {
	if m == ModelCompound {
		return "compound"
	}
	return "linear"
}

// Linear returns ((now - past) / past) * (365 / days) * 100.
func Linear(now, past, days float64) float64 {
	if !usable(now, past, days) {
		return 0
	}
	return guard((now - past) / past * (DaysPerYear / days) * 100)
}

// Compound returns ((now / past) ^ (365 / days) - 1) * 100.
func Compound(now, past, days float64) float64 {
	return CompoundWithYear(now, past, days, DaysPerYear)
}

// CompoundWithYear is Compound with an explicit year length, e.g. JulianYear.
func CompoundWithYear(now, past, days, daysPerYear float64) float64 {
	if !usable(now, past, days) || daysPerYear <= 0 {
		return 0
	}
	ratio := now / past
	if ratio < 0 {
		return 0
	}
	return guard((math.Pow(ratio, daysPerYear/days) - 1) * 100)
}

// Annualize applies the given model to two same-unit values taken days apart
func Annualize(m Model, now, past, days float64) float64 {
	if m == ModelCompound {
		return CompoundWithYear(now, past, days, JulianYear)
	}
	return Linear(now, past, days)
}

// FeeYield annualizes a fee flow earned over days against the liquidity that earned it:
// fees / tvl * (365 / days) * 100.
func FeeYield(feesUSD, tvlUSD, days float64) float64 {
	if tvlUSD <= 0 || days <= 0 || !finite(feesUSD) || !finite(tvlUSD) {
		return 0
	}
	return guard(feesUSD / tvlUSD * (DaysPerYear / days) * 100)
}

func usable(now, past, days float64) bool {
	return past != 0 && days > 0 && finite(now) && finite(past) && finite(days)
}

func guard(v float64) float64 {
	if !finite(v) {
		return 0
	}
	return v
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// FromObservations annualizes the growth between two observations of the same
// metric, using the time between them as the interval.
func FromObservations(m Model, now, past sampler.Observation) float64 {
	days := now.Timestamp.Sub(past.Timestamp).Hours() / 24
	return Annualize(m, now.Value(), past.Value(), days)
}
