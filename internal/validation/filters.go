// Package validation applies the output checks every pool record must pass
// before it is emitted.
package validation

import (
	"fmt"
	"math"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/yield-adapters/internal/model"
)

// Options holds configuration for the validation process
type Options struct {
	// Project is the integration namespace every record must carry
	Project string

	// MinTVL is the inclusive lower TVL bound. Zero keeps any strictly positive TVL.
	MinTVL float64

	// MaxAPY drops records whose total APY exceeds it. Zero disables the check.
	MaxAPY float64

	// EnableOutlierDetection enables IQR outlier detection on total APY
	EnableOutlierDetection bool

	// OutlierIQRMultiplier defines sensitivity for outlier detection (1.5 is standard)
	OutlierIQRMultiplier float64
}

// DefaultOptions returns the defaults for a project
func DefaultOptions(project string) Options {
	return Options{
		Project:              project,
		OutlierIQRMultiplier: 1.5,
	}
}

// Drop records why a pool was excluded
type Drop struct {
	PoolID string
	Err    error
}

// Reason returns the stable label for the drop
func (d Drop) Reason() string { return model.Reason(d.Err) }

// FilterInvalid removes records that break an output invariant. It never fails;
// every exclusion is logged and returned as a Drop. The first record with a
// given pool id wins.
func FilterInvalid(records []model.PoolRecord, opts Options) ([]model.PoolRecord, []Drop) {
	valid := make([]model.PoolRecord, 0, len(records))
	var drops []Drop
	seen := make(map[string]bool, len(records))

	for _, r := range records {
		err := check(r, opts)
		if err == nil && seen[r.PoolID] {
			err = fmt.Errorf("%w: duplicate pool id", model.ErrInvariantViolation)
		}
		if err != nil {
			drops = append(drops, drop(r, err))
			continue
		}
		seen[r.PoolID] = true
		valid = append(valid, r)
	}

	if opts.EnableOutlierDetection && len(valid) > 3 {
		var outliers []Drop
		valid, outliers = filterOutliers(valid, opts.OutlierIQRMultiplier)
		drops = append(drops, outliers...)
	}
	return valid, drops
}

// check applies, in order: required fields, reward consistency, finiteness,
// TVL bounds and project namespace.
func check(r model.PoolRecord, opts Options) error {
	switch {
	case r.PoolID == "":
		return violation("missing poolId")
	case r.Chain == "":
		return violation("missing chain")
	case r.Project == "":
		return violation("missing project")
	case r.Symbol == "":
		return violation("missing symbol")
	case r.APYBase == nil && r.APYReward == nil && r.APY == nil:
		return violation("no yield field present")
	}

	if r.HasNativeReward() && len(r.RewardTokens) == 0 {
		return violation("apyReward without rewardTokens")
	}

	nums := r.Numerics()
	for _, name := range model.NumericFields {
		if v, ok := nums[name]; ok && !model.IsFinite(v) {
			return violation(fmt.Sprintf("%s is not finite", name))
		}
	}

	if r.TVLUSD < 0 {
		return violation("negative tvlUsd")
	}
	if opts.MinTVL > 0 {
		if r.TVLUSD < opts.MinTVL {
			return violation(fmt.Sprintf("tvlUsd %.2f below minimum %.2f", r.TVLUSD, opts.MinTVL))
		}
	} else if r.TVLUSD <= 0 {
		return violation("zero tvlUsd")
	}

	if opts.MaxAPY > 0 && totalAPY(r) > opts.MaxAPY {
		return violation(fmt.Sprintf("apy %.2f above maximum %.2f", totalAPY(r), opts.MaxAPY))
	}

	if opts.Project != "" && r.Project != opts.Project {
		return violation(fmt.Sprintf("project %q outside namespace %q", r.Project, opts.Project))
	}
	return nil
}

func violation(msg string) error {
	return fmt.Errorf("%w: %s", model.ErrInvariantViolation, msg)
}

func drop(r model.PoolRecord, err error) Drop {
	logrus.WithFields(logrus.Fields{
		"pool":    r.PoolID,
		"project": r.Project,
		"chain":   r.Chain,
		"tvl":     r.TVLUSD,
		"reason":  model.Reason(err),
	}).Debugf("Filtered invalid record: %v", err)
	return Drop{PoolID: r.PoolID, Err: err}
}

func totalAPY(r model.PoolRecord) float64 {
	if r.APY != nil {
		return *r.APY
	}
	return model.Value(r.APYBase) + model.Value(r.APYReward)
}

// filterOutliers removes statistical outliers in total APY using the IQR method
func filterOutliers(records []model.PoolRecord, iqrMultiplier float64) ([]model.PoolRecord, []Drop) {
	if iqrMultiplier <= 0 {
		iqrMultiplier = 1.5
	}
	apys := make([]float64, len(records))
	for i, r := range records {
		apys[i] = totalAPY(r)
	}

	sort.Float64s(apys)
	q1 := apys[len(apys)/4]
	q3 := apys[len(apys)*3/4]
	iqr := q3 - q1

	lowerBound := q1 - iqrMultiplier*iqr
	upperBound := q3 + iqrMultiplier*iqr

	// Very small range: widen to a ratio band around the median. Ordered with
	// min/max so an all-negative batch keeps a valid band.
	if upperBound-lowerBound < 0.5 {
		mid := apys[len(apys)/2]
		lo, hi := math.Min(mid*0.5, mid*2), math.Max(mid*0.5, mid*2)
		if hi-lo > upperBound-lowerBound {
			lowerBound, upperBound = lo, hi
		}
	}

	valid := make([]model.PoolRecord, 0, len(records))
	var drops []Drop
	for _, r := range records {
		apy := totalAPY(r)
		if apy >= lowerBound && apy <= upperBound {
			valid = append(valid, r)
			continue
		}
		drops = append(drops, drop(r, violation(fmt.Sprintf("apy %.2f outside [%.2f, %.2f]", apy, lowerBound, upperBound))))
	}
	return valid, drops
}

// Summarize groups drops by reason, for logs
func Summarize(drops []Drop) map[string]int {
	out := make(map[string]int)
	for _, d := range drops {
		out[d.Reason()]++
	}
	return out
}
