package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/yourorg/yield-adapters/internal/model"
)

// ErrBatchRejected is returned when a project's batch fails a guard check
var ErrBatchRejected = errors.New("batch rejected by guard")

// Thresholds defines the limits a project's batch must respect before it is served
type Thresholds struct {
	// Maximum allowed total APY in percent for any single pool
	MaxAPY float64 `json:"max_apy"`

	// Maximum allowed change in summed TVL between consecutive runs (0.5 for 50%)
	MaxTVLChange float64 `json:"max_tvl_change"`

	// Minimum number of pools a non-empty previous run requires
	MinPools int `json:"min_pools"`
}

// Guard keeps the last accepted batch per project and rejects batches that
// move implausibly far from it.
type Guard struct {
	thresholds Thresholds

	mu       sync.RWMutex
	lastGood map[string][]model.PoolRecord
	onTrip   func(project, reason string)
}

// NewGuard creates a guard with the provided thresholds
func NewGuard(t Thresholds) *Guard {
	return &Guard{thresholds: t, lastGood: make(map[string][]model.PoolRecord)}
}

// WithTripCallback sets a callback function that is called when a batch is rejected
func (g *Guard) WithTripCallback(fn func(project, reason string)) *Guard {
	g.onTrip = fn
	return g
}

// Check evaluates a batch and records it as last-good when it passes
func (g *Guard) Check(project string, records []model.PoolRecord) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	prev, hasPrev := g.lastGood[project]

	if hasPrev && len(prev) > 0 && g.thresholds.MinPools > 0 && len(records) < g.thresholds.MinPools {
		return g.reject(project, fmt.Sprintf("insufficient pool count: got %d, need %d",
			len(records), g.thresholds.MinPools))
	}

	if g.thresholds.MaxAPY > 0 {
		for _, r := range records {
			total := model.Value(r.APYBase) + model.Value(r.APYReward)
			if total > g.thresholds.MaxAPY {
				return g.reject(project, fmt.Sprintf("APY exceeds maximum threshold for %s: %f > %f",
					r.PoolID, total, g.thresholds.MaxAPY))
			}
		}
	}

	if hasPrev && g.thresholds.MaxTVLChange > 0 {
		last := totalTVL(prev)
		// Only check if we have substantial TVL
		if last > 1.0 {
			change := (totalTVL(records) - last) / last
			if change < 0 {
				change = -change
			}
			if change > g.thresholds.MaxTVLChange {
				return g.reject(project, fmt.Sprintf("TVL change too drastic: %.2f%% (threshold: %.2f%%)",
					change*100, g.thresholds.MaxTVLChange*100))
			}
		}
	}

	batch := make([]model.PoolRecord, len(records))
	copy(batch, records)
	g.lastGood[project] = batch
	return nil
}

// LastGood returns a copy of the most recent accepted batch for project
func (g *Guard) LastGood(project string) ([]model.PoolRecord, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	prev, ok := g.lastGood[project]
	if !ok {
		return nil, false
	}
	out := make([]model.PoolRecord, len(prev))
	copy(out, prev)
	return out, true
}

// Reset forgets the history for project
func (g *Guard) Reset(project string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.lastGood, project)
}

func (g *Guard) reject(project, reason string) error {
	logrus.WithField("project", project).Warnf("Batch guard tripped: %s", reason)
	if g.onTrip != nil {
		go g.onTrip(project, reason)
	}
	return fmt.Errorf("%w: %s", ErrBatchRejected, reason)
}

func totalTVL(records []model.PoolRecord) float64 {
	var sum float64
	for _, r := range records {
		sum += r.TVLUSD
	}
	return sum
}
