// Package pipeline drives one integration end to end: per-chain fetches,
// registry rewards, output checks, identity stability and ordering.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/yourorg/yield-adapters/internal/aggregate"
	"github.com/yourorg/yield-adapters/internal/circuitbreaker"
	"github.com/yourorg/yield-adapters/internal/metrics"
	"github.com/yourorg/yield-adapters/internal/model"
	"github.com/yourorg/yield-adapters/internal/otel"
	"github.com/yourorg/yield-adapters/internal/rewards"
	"github.com/yourorg/yield-adapters/internal/store"
	"github.com/yourorg/yield-adapters/internal/types"
	"github.com/yourorg/yield-adapters/internal/validation"
)

// ErrNoChains is returned when every chain of an integration failed
var ErrNoChains = errors.New("no chain produced records")

// Adapter is one protocol integration
type Adapter interface {
	Project() string
	Chains() []types.SupportedChain
	// FetchChain builds the records for one chain. Per-pool failures should be
	// localized with ForEachPool; an error means the whole chain is skipped.
	FetchChain(ctx context.Context, chain types.SupportedChain) ([]model.PoolRecord, error)
}

// RewardKeyer is implemented by adapters that want incentive registry rewards.
// RewardKey returns the address the registry knows the pool by, or "" to skip.
type RewardKeyer interface {
	RewardKey(r model.PoolRecord) string
}

// Options tunes a Runner
type Options struct {
	ChainConcurrency int
	ChainTimeout     time.Duration
	Validation       validation.Options
}

// DefaultOptions returns the runner defaults
func DefaultOptions() Options {
	return Options{
		ChainConcurrency: 4,
		Validation:       validation.Options{OutlierIQRMultiplier: 1.5},
	}
}

// ChainError records a chain skipped within a run
type ChainError struct {
	Chain types.SupportedChain
	Err   error
}

// Result is the outcome of one run
type Result struct {
	Project     string
	Records     []model.PoolRecord
	Dropped     []validation.Drop
	ChainErrors []ChainError
	Rewards     rewards.Stats
	Summary     aggregate.Summary
}

// Runner executes integrations. It holds no per-run state and is safe for
// concurrent use.
type Runner struct {
	opts     Options
	merger   *rewards.Merger
	ledger   store.Ledger
	metrics  *metrics.Metrics
	breakers *circuitbreaker.Set
}

// NewRunner creates a runner with the given options
func NewRunner(opts Options) *Runner {
	if opts.ChainConcurrency <= 0 {
		opts.ChainConcurrency = 4
	}
	return &Runner{opts: opts}
}

// Options returns the options the runner was built with
func (r *Runner) Options() Options { return r.opts }

// WithMerger enables registry reward lookups
func (r *Runner) WithMerger(m *rewards.Merger) *Runner {
	r.merger = m
	return r
}

// WithLedger enables pool identity checks against published ids
func (r *Runner) WithLedger(l store.Ledger) *Runner {
	r.ledger = l
	return r
}

// WithMetrics enables Prometheus instrumentation
func (r *Runner) WithMetrics(m *metrics.Metrics) *Runner {
	r.metrics = m
	return r
}

// WithBreakers gives every run a fresh fork of set on its context, so an
// upstream tripped in one run is not failed fast in the next. Final states
// are recorded back into set for reporting.
func (r *Runner) WithBreakers(set *circuitbreaker.Set) *Runner {
	r.breakers = set
	return r
}

// Run executes the integration once. Failures of single pools or chains only
// remove those pools from the result; an error is returned only when the
// context ends or no chain produced anything.
func (r *Runner) Run(ctx context.Context, a Adapter) (Result, error) {
	started := time.Now()
	project := a.Project()
	ctx, span := otel.Start(ctx, "pipeline.run", project, "")
	defer span.End()

	log := logrus.WithField("project", project)
	res := Result{Project: project}

	sink := &dropSink{}
	ctx = withSink(ctx, sink)
	if r.breakers != nil {
		runBreakers := r.breakers.Fork()
		ctx = circuitbreaker.NewContext(ctx, runBreakers)
		defer r.breakers.Record(runBreakers)
	}

	records, chainErrs := r.fetchChains(ctx, a)
	res.ChainErrors = chainErrs
	if err := ctx.Err(); err != nil {
		otel.RecordError(ctx, err)
		r.metrics.ObserveRun(project, started, 0, 0, err)
		return res, err
	}
	if len(records) == 0 && len(chainErrs) > 0 && len(chainErrs) == len(a.Chains()) {
		err := fmt.Errorf("%w: %s: %w", ErrNoChains, project, errors.Join(chainErrorList(chainErrs)...))
		otel.RecordError(ctx, err)
		r.metrics.ObserveRun(project, started, 0, 0, err)
		return res, err
	}

	if keyer, ok := a.(RewardKeyer); ok && r.merger != nil {
		var stats rewards.Stats
		records, stats = r.merger.Merge(ctx, records, keyer.RewardKey)
		res.Rewards = stats
		r.metrics.Rewards(project, stats.Merged, stats.Failed, stats.Skipped)
	}

	vopts := r.opts.Validation
	vopts.Project = project
	records, drops := validation.FilterInvalid(records, vopts)
	res.Dropped = append(sink.drain(), drops...)

	records, idDrops, err := validation.CheckIdentity(ctx, r.ledger, project, records)
	res.Dropped = append(res.Dropped, idDrops...)
	if err != nil {
		log.WithError(err).Warn("Identity ledger unavailable, emitting unchecked pool ids")
	}

	if records == nil {
		records = []model.PoolRecord{}
	}
	SortRecords(records)
	res.Records = records
	res.Summary = aggregate.Summarize(records)

	byReason := validation.Summarize(res.Dropped)
	r.metrics.Dropped(project, byReason)
	r.metrics.ObserveRun(project, started, len(records), res.Summary.TVLUSD, nil)

	log.WithFields(logrus.Fields{
		"pools":    len(records),
		"dropped":  len(res.Dropped),
		"chains":   len(a.Chains()) - len(chainErrs),
		"tvl":      res.Summary.TVLUSD,
		"duration": time.Since(started).Round(time.Millisecond),
	}).Info("Pipeline run complete")
	if len(byReason) > 0 {
		log.WithField("reasons", byReason).Info("Dropped pools")
	}
	return res, nil
}

func (r *Runner) fetchChains(ctx context.Context, a Adapter) ([]model.PoolRecord, []ChainError) {
	chains := a.Chains()
	perChain := make([][]model.PoolRecord, len(chains))
	errs := make([]error, len(chains))

	var g errgroup.Group
	g.SetLimit(r.opts.ChainConcurrency)
	for i, chain := range chains {
		i, chain := i, chain
		g.Go(func() error {
			cctx, span := otel.Start(ctx, "pipeline.chain", a.Project(), string(chain))
			defer span.End()
			if r.opts.ChainTimeout > 0 {
				var cancel context.CancelFunc
				cctx, cancel = context.WithTimeout(cctx, r.opts.ChainTimeout)
				defer cancel()
			}

			recs, err := a.FetchChain(cctx, chain)
			if err != nil {
				otel.RecordError(cctx, err)
				errs[i] = err
				return nil
			}
			perChain[i] = recs
			return nil
		})
	}
	_ = g.Wait()

	var (
		out      []model.PoolRecord
		failures []ChainError
	)
	for i, chain := range chains {
		if errs[i] != nil {
			reason := model.Reason(errs[i])
			logrus.WithFields(logrus.Fields{
				"project": a.Project(),
				"chain":   chain,
				"reason":  reason,
			}).Warnf("Chain skipped: %v", errs[i])
			r.metrics.ChainFailed(a.Project(), string(chain), reason)
			failures = append(failures, ChainError{Chain: chain, Err: errs[i]})
			continue
		}
		out = append(out, perChain[i]...)
	}
	return out, failures
}

// SortRecords orders records by TVL descending, then pool id
func SortRecords(records []model.PoolRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].TVLUSD != records[j].TVLUSD {
			return records[i].TVLUSD > records[j].TVLUSD
		}
		return records[i].PoolID < records[j].PoolID
	})
}

func chainErrorList(errs []ChainError) []error {
	out := make([]error, len(errs))
	for i, e := range errs {
		out[i] = fmt.Errorf("%s: %w", e.Chain, e.Err)
	}
	return out
}

// ForEachPool builds one record per item with bounded concurrency. A failing
// item is logged and dropped; it never aborts its siblings. Output keeps input
// order. Drops are reported to the enclosing run.
func ForEachPool[T any](ctx context.Context, items []T, limit int, name func(T) string, build func(ctx context.Context, item T) (model.PoolRecord, error)) []model.PoolRecord {
	if limit <= 0 {
		limit = 8
	}
	built := make([]*model.PoolRecord, len(items))
	var drops []validation.Drop
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(limit)
	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			rec, err := build(ctx, item)
			if err != nil {
				id := name(item)
				logPoolFailure(id, err)
				mu.Lock()
				drops = append(drops, validation.Drop{PoolID: id, Err: err})
				mu.Unlock()
				return nil
			}
			built[i] = &rec
			return nil
		})
	}
	_ = g.Wait()

	out := make([]model.PoolRecord, 0, len(items))
	for _, rec := range built {
		if rec != nil {
			out = append(out, *rec)
		}
	}
	if sink := sinkFrom(ctx); sink != nil {
		sink.add(drops...)
	}
	return out
}

func logPoolFailure(id string, err error) {
	entry := logrus.WithFields(logrus.Fields{
		"pool":   id,
		"reason": model.Reason(err),
	})
	if model.IsSourceFailure(err) || errors.Is(err, model.ErrUnresolvedPrice) {
		entry.Warnf("Pool skipped: %v", err)
		return
	}
	entry.Debugf("Pool skipped: %v", err)
}

type sinkKey struct{}

// dropSink collects per-pool drops reported while a run's chains are fetched
type dropSink struct {
	mu    sync.Mutex
	drops []validation.Drop
}

func (s *dropSink) add(d ...validation.Drop) {
	s.mu.Lock()
	s.drops = append(s.drops, d...)
	s.mu.Unlock()
}

func (s *dropSink) drain() []validation.Drop {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.drops
	s.drops = nil
	return out
}

func withSink(ctx context.Context, s *dropSink) context.Context {
	return context.WithValue(ctx, sinkKey{}, s)
}

func sinkFrom(ctx context.Context) *dropSink {
	s, _ := ctx.Value(sinkKey{}).(*dropSink)
	return s
}
