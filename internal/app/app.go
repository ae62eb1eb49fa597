// Package app wires the configured collaborators, adapters and pipeline runner
// together for the command-line entry points.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/yield-adapters/internal/adapters"
	"github.com/yourorg/yield-adapters/internal/adapters/base"
	"github.com/yourorg/yield-adapters/internal/aggregate"
	"github.com/yourorg/yield-adapters/internal/cache"
	"github.com/yourorg/yield-adapters/internal/circuitbreaker"
	"github.com/yourorg/yield-adapters/internal/config"
	"github.com/yourorg/yield-adapters/internal/export"
	"github.com/yourorg/yield-adapters/internal/fetch"
	"github.com/yourorg/yield-adapters/internal/metrics"
	"github.com/yourorg/yield-adapters/internal/pipeline"
	"github.com/yourorg/yield-adapters/internal/retry"
	"github.com/yourorg/yield-adapters/internal/rewards"
	"github.com/yourorg/yield-adapters/internal/sampler"
	"github.com/yourorg/yield-adapters/internal/security"
	"github.com/yourorg/yield-adapters/internal/store"
)

// ErrUnknownProject is returned for a project missing from the adapters file
var ErrUnknownProject = errors.New("unknown project")

// App holds everything a run needs
type App struct {
	Config   config.Config
	Adapters map[string]pipeline.Adapter
	Runner   *pipeline.Runner
	// Breakers is forked for every run and reports the last run's states
	Breakers *circuitbreaker.Set
	Guard    *circuitbreaker.Guard
	Metrics  *metrics.Metrics
	Sealer   *security.Sealer
	Exporter *export.Publisher

	closers []func()
}

// SetupLogging configures the global logger from level and format names
func SetupLogging(level, format string) {
	switch strings.ToLower(format) {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	logrus.SetOutput(os.Stderr)

	switch strings.ToLower(level) {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "warn", "warning":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}
}

// New builds the application from cfg and the adapters file. Prometheus
// collectors are registered with reg; a nil reg disables metrics.
func New(ctx context.Context, cfg config.Config, file *config.AdaptersFile, reg prometheus.Registerer) (*App, error) {
	a := &App{Config: cfg}
	if reg != nil {
		a.Metrics = metrics.New(reg)
	}

	mode, err := aggregate.ParseMode(cfg.APYSmoothing)
	if err != nil {
		return nil, err
	}

	a.Breakers = circuitbreaker.NewSet(func(name string) *circuitbreaker.Breaker {
		return circuitbreaker.New(name).
			WithFailureThreshold(cfg.BreakerFailures).
			WithResetDelay(cfg.CircuitResetDelay).
			WithStateChange(func(name string, from, to circuitbreaker.State) {
				logrus.WithFields(logrus.Fields{
					"upstream": name,
					"from":     from,
					"to":       to,
				}).Warn("Circuit breaker state changed")
			})
	})
	api := fetch.NewAPIClient(fetch.HTTPOptions{
		Timeout:      cfg.RequestTimeout,
		RetryMax:     cfg.RetryMax,
		RetryWaitMin: cfg.RetryWaitMin,
		RetryWaitMax: cfg.RetryWaitMax,
		UserAgent:    "yield-adapters/1.0",
	})

	reader := fetch.NewMultiChainReader(cfg.RPCEndpoints, retry.Policy{
		MaxAttempts: cfg.RetryMax + 1,
		WaitMin:     cfg.RetryWaitMin,
		WaitMax:     cfg.RetryWaitMax,
	})
	a.closers = append(a.closers, reader.Close)

	var blocks sampler.BlockResolver
	if cfg.BlocksURL != "" {
		blocks = fetch.NewLlamaBlockResolver(api, cfg.BlocksURL)
	} else {
		blocks = fetch.NewHeaderBlockResolver(reader)
	}

	var prices fetch.PriceSource = fetch.NewLlamaPrices(api, cfg.PricesURL)
	if cfg.RedisURL != "" {
		rdb, err := cache.Dial(ctx, cfg.RedisURL)
		if err != nil {
			logrus.WithError(err).Warn("Price cache disabled")
		} else {
			prices = cache.NewPriceCache(rdb, prices, cfg.PriceCacheTTL)
			a.closers = append(a.closers, func() { _ = rdb.Close() })
		}
	}

	deps := base.Deps{
		Caller: reader,
		Blocks: blocks,
		Prices: prices,
		Graph:  fetch.NewSubgraphClient(api),
		API:    api,
		Policy: aggregate.Policy{Mode: mode, MinTVLUSD: cfg.SmoothingMinTVLUSD},
	}
	a.Adapters, err = adapters.BuildAll(file, deps)
	if err != nil {
		a.Close()
		return nil, err
	}

	ledger, err := openLedger(ctx, cfg.DatabaseURL)
	if err != nil {
		a.Close()
		return nil, err
	}
	if pg, ok := ledger.(*store.PostgresLedger); ok {
		a.closers = append(a.closers, pg.Close)
	}

	opts := pipeline.DefaultOptions()
	opts.Validation.MinTVL = cfg.MinTVLUSD
	opts.Validation.EnableOutlierDetection = cfg.OutlierDetection
	opts.Validation.OutlierIQRMultiplier = cfg.OutlierIQRMultiplier
	merger := rewards.NewMerger(fetch.NewMerklRegistry(api, cfg.MerklURL), rewards.Options{
		BatchSize:         cfg.RewardBatchSize,
		RequestsPerSecond: cfg.RewardRPS,
	})
	a.Runner = pipeline.NewRunner(opts).
		WithMerger(merger).
		WithLedger(ledger).
		WithMetrics(a.Metrics).
		WithBreakers(a.Breakers)

	a.Guard = circuitbreaker.NewGuard(circuitbreaker.Thresholds{
		MaxAPY:       cfg.MaxAPY,
		MaxTVLChange: cfg.MaxTVLChange,
		MinPools:     cfg.MinPools,
	}).WithTripCallback(func(project, _ string) {
		a.Metrics.GuardTripped(project)
	})

	a.Sealer, err = security.NewSealer(cfg.SigningKey)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Exporter = export.NewPublisher(export.Config{
		URL:    cfg.WebhookURL,
		APIKey: cfg.WebhookAPIKey,
		HTTP:   fetch.DefaultHTTPOptions(),
	})

	logrus.WithFields(logrus.Fields{
		"adapters":  len(a.Adapters),
		"chains":    len(cfg.RPCEndpoints),
		"smoothing": mode,
		"ledger":    fmt.Sprintf("%T", ledger),
	}).Info("Application initialized")
	return a, nil
}

func openLedger(ctx context.Context, databaseURL string) (store.Ledger, error) {
	if databaseURL == "" {
		logrus.Info("DATABASE_URL not set, pool identities are tracked in memory")
		return store.NewMemoryLedger(), nil
	}
	pg, err := store.NewPostgresLedger(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open identity ledger: %w", err)
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, fmt.Errorf("migrate identity ledger: %w", err)
	}
	return pg, nil
}

// Run executes one project's pipeline
func (a *App) Run(ctx context.Context, project string) (pipeline.Result, error) {
	adapter, ok := a.Adapters[project]
	if !ok {
		return pipeline.Result{}, fmt.Errorf("%w: %s", ErrUnknownProject, project)
	}
	return a.Runner.Run(ctx, adapter)
}

// Publish seals a run's records and hands them to the webhook exporter when
// one is configured
func (a *App) Publish(ctx context.Context, res pipeline.Result) (security.Envelope, error) {
	env, err := a.Sealer.Seal(res.Project, res.Records)
	if err != nil {
		return security.Envelope{}, err
	}
	if a.Exporter.Enabled() {
		if err := a.Exporter.Publish(ctx, env); err != nil {
			return env, err
		}
	}
	return env, nil
}

// Close releases connections in reverse order of acquisition
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
