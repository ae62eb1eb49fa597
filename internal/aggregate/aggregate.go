// Package aggregate combines yield figures: damping noisy short-window APYs
// and summarizing a project's pools.
package aggregate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/yourorg/yield-adapters/internal/model"
)

// Mode selects how multiple window APYs collapse into one figure
type Mode int

// Smoothing modes
const (
	// ModeNone keeps the shortest window unchanged
	ModeNone Mode = iota
	// ModeMean averages every available window
	ModeMean
	// ModeMedian takes the median of every available window
	ModeMedian
	// ModeWeighted averages windows weighted by their length in days
	ModeWeighted
)

// ParseMode reads a smoothing mode from configuration
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return ModeNone, nil
	case "mean", "average":
		return ModeMean, nil
	case "median":
		return ModeMedian, nil
	case "weighted":
		return ModeWeighted, nil
	default:
		return ModeNone, fmt.Errorf("unknown smoothing mode %q", s)
	}
}

func (m Mode) String() string {
	switch m {
	case ModeMean:
		return "mean"
	case ModeMedian:
		return "median"
	case ModeWeighted:
		return "weighted"
	default:
		return "none"
	}
}

// WindowAPY is an annualized figure observed over a lookback of Days
type WindowAPY struct {
	Days float64
	APY  float64
}

// Policy decides which APY to report when several windows are available
type Policy struct {
	Mode Mode
	// MinTVLUSD gates short windows: below it the longest window is used
	MinTVLUSD float64
}

// Apply collapses windows into one APY. The second result is false when no
// finite window was supplied.
func (p Policy) Apply(windows []WindowAPY, tvl float64) (float64, bool) {
	ws := make([]WindowAPY, 0, len(windows))
	for _, w := range windows {
		if w.Days > 0 && model.IsFinite(w.APY) {
			ws = append(ws, w)
		}
	}
	if len(ws) == 0 {
		return 0, false
	}
	sort.SliceStable(ws, func(i, j int) bool { return ws[i].Days < ws[j].Days })

	if p.MinTVLUSD > 0 && tvl < p.MinTVLUSD {
		return ws[len(ws)-1].APY, true
	}

	switch p.Mode {
	case ModeMean:
		values := make([]float64, len(ws))
		for i, w := range ws {
			values[i] = w.APY
		}
		return mean(values), true
	case ModeMedian:
		values := make([]float64, len(ws))
		for i, w := range ws {
			values[i] = w.APY
		}
		return median(values), true
	case ModeWeighted:
		var sum, weight float64
		for _, w := range ws {
			sum += w.APY * w.Days
			weight += w.Days
		}
		return sum / weight, true
	default:
		return ws[0].APY, true
	}
}

// Summary describes one project's emitted pools
type Summary struct {
	Pools       int     `json:"pools"`
	TVLUSD      float64 `json:"tvlUsd"`
	WeightedAPY float64 `json:"weightedApy"`
	MedianAPY   float64 `json:"medianApy"`
}

// Summarize computes the TVL-weighted and median total APY across records
func Summarize(records []model.PoolRecord) Summary {
	s := Summary{Pools: len(records)}
	if len(records) == 0 {
		return s
	}

	var weighted float64
	apys := make([]float64, 0, len(records))
	for _, r := range records {
		apy := TotalAPY(r)
		if !model.IsFinite(apy) || !model.IsFinite(r.TVLUSD) || r.TVLUSD <= 0 {
			continue
		}
		s.TVLUSD += r.TVLUSD
		weighted += apy * r.TVLUSD
		apys = append(apys, apy)
	}
	if s.TVLUSD > 0 {
		s.WeightedAPY = weighted / s.TVLUSD
	}
	s.MedianAPY = median(apys)
	return s
}

// TotalAPY is apy when the source reported one, else apyBase + apyReward
func TotalAPY(r model.PoolRecord) float64 {
	if r.APY != nil {
		return *r.APY
	}
	return model.Value(r.APYBase) + model.Value(r.APYReward)
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// median returns the median of values without reordering the input
func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}
