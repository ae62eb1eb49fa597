// Package rewards merges third-party incentive programs into pool records.
package rewards

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/yourorg/yield-adapters/internal/fetch"
	"github.com/yourorg/yield-adapters/internal/model"
	"github.com/yourorg/yield-adapters/internal/otel"
	"github.com/yourorg/yield-adapters/internal/types"
)

// DefaultBatchSize bounds concurrent registry lookups
const DefaultBatchSize = 5

// Registry lists live incentive programs for a pool address
type Registry interface {
	Opportunities(ctx context.Context, chainID int64, address string) ([]fetch.Opportunity, error)
}

// KeyFunc returns the address the registry knows a record by. An empty
// string skips the lookup.
type KeyFunc func(r model.PoolRecord) string

// ContractKey keys a record by its contract address
func ContractKey(r model.PoolRecord) string { return r.ContractAddress }

// Options tunes registry access
type Options struct {
	BatchSize int
	// RequestsPerSecond caps the lookup rate; zero means unlimited
	RequestsPerSecond float64
}

// Stats counts what one Merge call did
type Stats struct {
	Looked  int
	Merged  int
	Failed  int
	Skipped int
}

// Merger looks pools up in a registry with bounded concurrency
type Merger struct {
	registry  Registry
	batchSize int
	limiter   *rate.Limiter
}

// NewMerger creates a merger over registry
func NewMerger(registry Registry, opts Options) *Merger {
	m := &Merger{registry: registry, batchSize: opts.BatchSize}
	if m.batchSize <= 0 {
		m.batchSize = DefaultBatchSize
	}
	if opts.RequestsPerSecond > 0 {
		burst := m.batchSize
		m.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return m
}

// Merge returns a copy of records with registry rewards folded in. Records that
// already carry adapter-native reward data are left untouched, and a failed
// lookup only means that pool gets no registry reward.
func (m *Merger) Merge(ctx context.Context, records []model.PoolRecord, key KeyFunc) ([]model.PoolRecord, Stats) {
	out := make([]model.PoolRecord, len(records))
	copy(out, records)
	if len(records) == 0 {
		return out, Stats{}
	}
	ctx, span := otel.Start(ctx, "rewards.merge", records[0].Project, "")
	defer span.End()

	var stats Stats
	type outcome struct {
		merged, failed bool
	}
	outcomes := make([]outcome, len(records))

	var g errgroup.Group
	g.SetLimit(m.batchSize)
	for i, rec := range records {
		if hasNative(rec) {
			stats.Skipped++
			continue
		}
		addr := key(rec)
		if addr == "" {
			stats.Skipped++
			continue
		}
		info, err := types.Lookup(string(rec.ChainSlug))
		if err != nil {
			stats.Skipped++
			continue
		}
		stats.Looked++

		i, rec := i, rec
		g.Go(func() error {
			if m.limiter != nil {
				if err := m.limiter.Wait(ctx); err != nil {
					outcomes[i].failed = true
					return nil
				}
			}
			opps, err := m.registry.Opportunities(ctx, info.ChainID, addr)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"pool":   rec.PoolID,
					"chain":  rec.ChainSlug,
					"reason": model.Reason(err),
				}).Debugf("Reward lookup failed, continuing without registry rewards: %v", err)
				outcomes[i].failed = true
				return nil
			}
			apr, tokens := combine(opps)
			if apr > 0 && len(tokens) > 0 {
				out[i] = rec.WithReward(apr, tokens)
				outcomes[i].merged = true
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range outcomes {
		if o.merged {
			stats.Merged++
		}
		if o.failed {
			stats.Failed++
		}
	}
	return out, stats
}

func hasNative(r model.PoolRecord) bool {
	return r.HasNativeReward() || len(r.RewardTokens) > 0
}

// combine sums concurrent programs on the same pool and unions their tokens
func combine(opps []fetch.Opportunity) (float64, []string) {
	var apr float64
	var tokens []string
	seen := map[string]bool{}
	for _, o := range opps {
		if o.APR <= 0 || len(o.RewardTokens) == 0 {
			continue
		}
		apr += o.APR
		for _, t := range o.RewardTokens {
			t = strings.ToLower(t)
			if !seen[t] {
				seen[t] = true
				tokens = append(tokens, t)
			}
		}
	}
	return apr, tokens
}
