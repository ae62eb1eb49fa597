// Package main serves the yield pipelines over HTTP: on-demand runs per
// project, guarded by a batch sanity check, plus health, status and metrics.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/yourorg/yield-adapters/internal/app"
	"github.com/yourorg/yield-adapters/internal/config"
	"github.com/yourorg/yield-adapters/internal/otel"
	"github.com/yourorg/yield-adapters/internal/pipeline"
)

const version = "1.0.0"

// runTimeout bounds one on-demand pipeline run
const runTimeout = 2 * time.Minute

// startTime records when the service was initialized for uptime reporting
var startTime = time.Now()

// Server exposes an App over HTTP
type Server struct {
	app      *app.App
	limiter  *rate.Limiter
	gatherer prometheus.Gatherer
	server   *http.Server

	mu       sync.RWMutex
	lastRuns map[string]runInfo
}

// runInfo summarizes the latest run of a project for /status
type runInfo struct {
	At       string  `json:"at"`
	Pools    int     `json:"pools"`
	Dropped  int     `json:"dropped"`
	TVLUSD   float64 `json:"tvl_usd"`
	LastGood bool    `json:"served_last_good"`
	Error    string  `json:"error,omitempty"`
}

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	app.SetupLogging(cfg.LogLevel, cfg.LogFormat)

	file, err := config.LoadAdapters(cfg.AdaptersFile)
	if err != nil {
		logrus.Fatalf("Failed to load adapters: %v", err)
	}

	shutdownTracer := otel.InitTracer(cfg.OtelEndpoint)
	defer shutdownTracer()

	a, err := app.New(context.Background(), cfg, file, prometheus.DefaultRegisterer)
	if err != nil {
		logrus.Fatalf("Failed to initialize: %v", err)
	}
	defer a.Close()

	NewServer(a, prometheus.DefaultGatherer).Start()
}

// NewServer creates a server around a
func NewServer(a *app.App, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		app:      a,
		gatherer: gatherer,
		lastRuns: make(map[string]runInfo),
	}
	if a.Config.RateLimitRPS > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(a.Config.RateLimitRPS), a.Config.RateLimitBurst)
	}
	return s
}

// Routes builds the HTTP router
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.instrument)

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/adapters", s.handleAdapters)
	r.Get("/pools/{project}", s.handlePools)
	r.Post("/guard/{project}/reset", s.handleGuardReset)
	return r
}

// Start begins the HTTP server and sets up graceful shutdown
func (s *Server) Start() {
	s.server = &http.Server{
		Addr:         ":" + s.app.Config.Port,
		Handler:      s.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: runTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logrus.Infof("Server starting on port %s", s.app.Config.Port)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatalf("Error starting server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		logrus.Errorf("Server shutdown failed: %v", err)
	}
	logrus.Info("Server stopped")
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "OK",
		"version":   version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.app.Metrics.SetBreakerStates(s.app.Breakers.States())
	promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	states := s.app.Breakers.States()
	s.app.Metrics.SetBreakerStates(states)
	breakers := make(map[string]string, len(states))
	for host, st := range states {
		breakers[host] = st.String()
	}

	s.mu.RLock()
	runs := make(map[string]runInfo, len(s.lastRuns))
	for k, v := range s.lastRuns {
		runs[k] = v
	}
	s.mu.RUnlock()

	cfg := s.app.Config
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "operational",
		"uptime":   time.Since(startTime).Round(time.Second).String(),
		"version":  version,
		"adapters": len(s.app.Adapters),
		"configuration": map[string]interface{}{
			"apy_smoothing":  cfg.APYSmoothing,
			"min_tvl_usd":    cfg.MinTVLUSD,
			"max_apy":        cfg.MaxAPY,
			"max_tvl_change": cfg.MaxTVLChange,
			"chains":         len(cfg.RPCEndpoints),
		},
		"breakers": breakers,
		"exporter": s.app.Exporter.Status(),
		"signer":   s.app.Sealer.Address().Hex(),
		"runs":     runs,
	})
}

type adapterInfo struct {
	Project string   `json:"project"`
	Chains  []string `json:"chains"`
}

func (s *Server) handleAdapters(w http.ResponseWriter, _ *http.Request) {
	out := make([]adapterInfo, 0, len(s.app.Adapters))
	for project, a := range s.app.Adapters {
		info := adapterInfo{Project: project}
		for _, c := range a.Chains() {
			info.Chains = append(info.Chains, string(c))
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Project < out[j].Project })
	writeJSON(w, http.StatusOK, out)
}

// handlePools runs a project's pipeline and serves its records. A batch the
// guard rejects is replaced by the last accepted one when there is one.
func (s *Server) handlePools(w http.ResponseWriter, r *http.Request) {
	project := chi.URLParam(r, "project")
	if s.limiter != nil && !s.limiter.Allow() {
		errorResponse(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	if _, ok := s.app.Adapters[project]; !ok {
		errorResponse(w, http.StatusNotFound, "unknown project "+project)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), runTimeout)
	defer cancel()

	res, err := s.app.Run(ctx, project)
	if err != nil {
		s.recordRun(project, pipeline.Result{}, false, err)
		status := http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		errorResponse(w, status, err.Error())
		return
	}

	servedLastGood := false
	if err := s.app.Guard.Check(project, res.Records); err != nil {
		last, ok := s.app.Guard.LastGood(project)
		if !ok {
			s.recordRun(project, res, false, err)
			errorResponse(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		logrus.WithField("project", project).Info("Serving last accepted batch")
		res.Records = last
		servedLastGood = true
		w.Header().Set("X-Served-From", "last-good")
	}
	s.recordRun(project, res, servedLastGood, nil)

	if !servedLastGood && s.app.Exporter.Enabled() {
		if _, err := s.app.Publish(ctx, res); err != nil {
			logrus.WithField("project", project).Warnf("Export failed: %v", err)
		}
	}

	if r.URL.Query().Get("sealed") == "true" {
		env, err := s.app.Sealer.Seal(project, res.Records)
		if err != nil {
			errorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, env)
		return
	}
	writeJSON(w, http.StatusOK, res.Records)
}

func (s *Server) handleGuardReset(w http.ResponseWriter, r *http.Request) {
	project := chi.URLParam(r, "project")
	s.app.Guard.Reset(project)
	writeJSON(w, http.StatusOK, map[string]string{"message": "guard reset", "project": project})
}

func (s *Server) recordRun(project string, res pipeline.Result, lastGood bool, err error) {
	info := runInfo{
		At:       time.Now().UTC().Format(time.RFC3339),
		Pools:    len(res.Records),
		Dropped:  len(res.Dropped),
		TVLUSD:   res.Summary.TVLUSD,
		LastGood: lastGood,
	}
	if err != nil {
		info.Error = err.Error()
	}
	s.mu.Lock()
	s.lastRuns[project] = info
	s.mu.Unlock()
}
