package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/yield-adapters/internal/circuitbreaker"
	"github.com/yourorg/yield-adapters/internal/config"
	"github.com/yourorg/yield-adapters/internal/export"
	"github.com/yourorg/yield-adapters/internal/pipeline"
	"github.com/yourorg/yield-adapters/internal/security"
)

const (
	testKey = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"
	token   = "0x5a98fcbea516cf06857215779fd812ca3bef1b32"
)

func upstream(t *testing.T, hooks *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/pools", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `{"pools":[{"address":"0x1111111111111111111111111111111111111111","symbol":"LDO",
			"stakingToken":"%s","totalStaked":"1000000000000000000000","decimals":18,"aprBps":500}]}`, token)
	})
	mux.HandleFunc("/prices/current/", func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "ethereum:"+token)
		fmt.Fprintf(w, `{"coins":{"ethereum:%s":{"price":2,"decimals":18,"symbol":"LDO"}}}`, token)
	})
	mux.HandleFunc("/hook", func(w http.ResponseWriter, r *http.Request) {
		var batch export.Batch
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&batch))
		assert.Equal(t, 1, batch.Count)
		hooks.Add(1)
	})
	return httptest.NewServer(mux)
}

func testConfig(base string) config.Config {
	return config.Config{
		PricesURL:         base,
		BlocksURL:         base,
		MerklURL:          base,
		RequestTimeout:    5 * time.Second,
		RetryWaitMin:      time.Millisecond,
		RetryWaitMax:      time.Millisecond,
		BreakerFailures:   5,
		CircuitResetDelay: time.Second,
		APYSmoothing:      "none",
		MaxAPY:            1000,
		MaxTVLChange:      0.5,
		MinPools:          1,
		WebhookURL:        base + "/hook",
		SigningKey:        testKey,
	}
}

func adaptersFile(t *testing.T, api string) *config.AdaptersFile {
	t.Helper()
	f, err := config.LoadAdaptersFromReader(strings.NewReader(fmt.Sprintf(`
adapters:
  - project: acme-staking
    kind: staking
    chains:
      - chain: ethereum
        api: %s/pools
`, api)))
	require.NoError(t, err)
	return f
}

func TestRunAndPublish(t *testing.T) {
	var hooks atomic.Int32
	srv := upstream(t, &hooks)
	defer srv.Close()

	a, err := New(context.Background(), testConfig(srv.URL), adaptersFile(t, srv.URL), prometheus.NewRegistry())
	require.NoError(t, err)
	defer a.Close()

	res, err := a.Run(context.Background(), "acme-staking")
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.InDelta(t, 2000, res.Records[0].TVLUSD, 1e-9)
	assert.InDelta(t, 5, *res.Records[0].APYBase, 1e-9)

	env, err := a.Publish(context.Background(), res)
	require.NoError(t, err)
	assert.NoError(t, security.VerifyFrom(env, a.Sealer.Address()))
	assert.Equal(t, int32(1), hooks.Load())
}

func TestRun_UnknownProject(t *testing.T) {
	srv := upstream(t, new(atomic.Int32))
	defer srv.Close()

	a, err := New(context.Background(), testConfig(srv.URL), adaptersFile(t, srv.URL), nil)
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Run(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownProject)
}

func TestNew_RejectsUnknownSmoothing(t *testing.T) {
	cfg := testConfig("http://unused")
	cfg.APYSmoothing = "ewma"
	_, err := New(context.Background(), cfg, adaptersFile(t, "http://unused"), nil)
	assert.Error(t, err)
}

func TestRun_TrippedUpstreamDoesNotLeakIntoNextRun(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	cfg := testConfig(srv.URL)
	cfg.BreakerFailures = 1
	cfg.CircuitResetDelay = time.Hour
	a, err := New(context.Background(), cfg, adaptersFile(t, srv.URL), nil)
	require.NoError(t, err)
	defer a.Close()

	for run := int32(1); run <= 2; run++ {
		_, err := a.Run(context.Background(), "acme-staking")
		require.ErrorIs(t, err, pipeline.ErrNoChains)
		assert.Equal(t, run, hits.Load(), "run %d reached the upstream", run)
	}
	assert.Equal(t, circuitbreaker.StateOpen, a.Breakers.States()[u.Host])
}

func TestNew_WiresOutlierDetection(t *testing.T) {
	tests := []struct {
		name       string
		detection  bool
		multiplier float64
	}{
		{"disabled", false, 1.5},
		{"enabled", true, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig("http://unused")
			cfg.OutlierDetection = tt.detection
			cfg.OutlierIQRMultiplier = tt.multiplier
			a, err := New(context.Background(), cfg, adaptersFile(t, "http://unused"), nil)
			require.NoError(t, err)
			defer a.Close()

			v := a.Runner.Options().Validation
			assert.Equal(t, tt.detection, v.EnableOutlierDetection)
			assert.Equal(t, tt.multiplier, v.OutlierIQRMultiplier)
		})
	}
}
