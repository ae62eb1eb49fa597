// Package sampler reads the same on-chain metric at "now" and at historical
// reference points so interval yields can be annualized.
package sampler

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/yourorg/yield-adapters/internal/model"
	"github.com/yourorg/yield-adapters/internal/types"
	"github.com/yourorg/yield-adapters/internal/units"
)

// Window is a lookback distance in whole days
type Window int

// Standard lookback windows
const (
	Window1d  Window = 1
	Window7d  Window = 7
	Window30d Window = 30
)

// Days returns the window length in days
func (w Window) Days() float64 { return float64(w) }

// Duration returns the window length
func (w Window) Duration() time.Duration { return time.Duration(w) * 24 * time.Hour }

func (w Window) String() string { return fmt.Sprintf("%dd", int(w)) }

// Observation is one reading of a metric at a point in time. Block is nil for
// readings taken at the chain head.
type Observation struct {
	Timestamp time.Time
	Block     *big.Int
	Raw       *big.Int
	Scale     int
}

// Value returns the reading as a decimal-adjusted float
func (o Observation) Value() float64 {
	return units.FromDecimals(o.Raw, o.Scale)
}

// BlockResolver maps a wall-clock time to a block height on a chain
type BlockResolver interface {
	LookupBlock(ctx context.Context, chain types.SupportedChain, ts time.Time) (*big.Int, error)
}

// MetricFunc reads a metric at block; a nil block means latest
type MetricFunc func(ctx context.Context, block *big.Int) (*big.Int, error)

// Samples is the joined result of one Sample call
type Samples struct {
	Now  Observation
	past map[Window]Observation
	errs map[Window]error
}

// Past returns the observation for w, or an error wrapping
// model.ErrInsufficientHistory when it could not be obtained.
func (s Samples) Past(w Window) (Observation, error) {
	if err, ok := s.errs[w]; ok {
		return Observation{}, err
	}
	obs, ok := s.past[w]
	if !ok {
		return Observation{}, fmt.Errorf("%w: window %s not sampled", model.ErrInsufficientHistory, w)
	}
	return obs, nil
}

// Windows lists the windows that resolved, shortest first
func (s Samples) Windows() []Window {
	out := make([]Window, 0, len(s.past))
	for _, w := range []Window{Window1d, Window7d, Window30d} {
		if _, ok := s.past[w]; ok {
			out = append(out, w)
		}
	}
	for w := range s.past {
		if w != Window1d && w != Window7d && w != Window30d {
			out = append(out, w)
		}
	}
	return out
}

// Sampler issues the "now" read and every historical read concurrently
type Sampler struct {
	blocks BlockResolver
	now    func() time.Time
}

// New creates a sampler backed by the given block resolver
func New(blocks BlockResolver) *Sampler {
	return &Sampler{blocks: blocks, now: time.Now}
}

// Point reads the metric once at the chain head, for sources that already
// report an annualized rate.
func (s *Sampler) Point(ctx context.Context, metric MetricFunc, scale int) (Observation, error) {
	raw, err := metric(ctx, nil)
	if err != nil {
		return Observation{}, err
	}
	return Observation{Timestamp: s.now(), Raw: raw, Scale: scale}, nil
}

// Sample reads metric now and at each window. A failed "now" read fails the
// whole call; a failed window is recorded and reported by Samples.Past.
func (s *Sampler) Sample(ctx context.Context, chain types.SupportedChain, metric MetricFunc, scale int, windows ...Window) (Samples, error) {
	at := s.now()
	out := Samples{
		past: make(map[Window]Observation, len(windows)),
		errs: make(map[Window]error),
	}

	type result struct {
		obs Observation
		err error
	}
	results := make([]result, len(windows))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		raw, err := metric(gctx, nil)
		if err != nil {
			return fmt.Errorf("read current value: %w", err)
		}
		out.Now = Observation{Timestamp: at, Raw: raw, Scale: scale}
		return nil
	})
	for i, w := range windows {
		i, w := i, w
		g.Go(func() error {
			obs, err := s.past(gctx, chain, metric, scale, at.Add(-w.Duration()))
			results[i] = result{obs: obs, err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Samples{}, err
	}

	for i, w := range windows {
		r := results[i]
		if r.err != nil {
			logrus.WithFields(logrus.Fields{
				"chain":  chain,
				"window": w.String(),
			}).Debugf("Historical sample unavailable: %v", r.err)
			out.errs[w] = fmt.Errorf("%w: window %s: %v", model.ErrInsufficientHistory, w, r.err)
			continue
		}
		out.past[w] = r.obs
	}
	return out, nil
}

func (s *Sampler) past(ctx context.Context, chain types.SupportedChain, metric MetricFunc, scale int, ts time.Time) (Observation, error) {
	if s.blocks == nil {
		return Observation{}, fmt.Errorf("no block resolver configured")
	}
	block, err := s.blocks.LookupBlock(ctx, chain, ts)
	if err != nil {
		return Observation{}, fmt.Errorf("lookup block: %w", err)
	}
	if block == nil || block.Sign() <= 0 {
		return Observation{}, fmt.Errorf("no block at %s", ts.UTC().Format(time.RFC3339))
	}
	raw, err := metric(ctx, block)
	if err != nil {
		return Observation{}, fmt.Errorf("read at block %s: %w", block, err)
	}
	return Observation{Timestamp: ts, Block: block, Raw: raw, Scale: scale}, nil
}
