package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/yield-adapters/internal/circuitbreaker"
	"github.com/yourorg/yield-adapters/internal/model"
)

func testAPIClient(breakers *circuitbreaker.Set) *APIClient {
	opts := DefaultHTTPOptions()
	opts.RetryMax = 2
	opts.RetryWaitMin = time.Millisecond
	opts.RetryWaitMax = 2 * time.Millisecond
	opts.Breakers = breakers
	return NewAPIClient(opts)
}

func TestClassifyHTTPStatus(t *testing.T) {
	tests := []struct {
		status    int
		wantType  ErrorType
		retryable bool
	}{
		{http.StatusTooManyRequests, ErrorTypeRateLimit, true},
		{http.StatusBadGateway, ErrorTypeServer, true},
		{http.StatusRequestTimeout, ErrorTypeTimeout, true},
		{http.StatusNotFound, ErrorTypeClient, false},
		{http.StatusBadRequest, ErrorTypeClient, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			fe := ClassifyHTTPStatus("api.example.com", tt.status, "")
			assert.Equal(t, tt.wantType, fe.Type)
			assert.Equal(t, tt.retryable, fe.Retryable)
			assert.ErrorIs(t, fe, model.ErrSourceUnavailable)
		})
	}
}

func TestMalformedUnwrapsToMalformedUpstream(t *testing.T) {
	err := Malformed("subgraph", "missing %s", "pools")
	assert.ErrorIs(t, err, model.ErrMalformedUpstream)
	assert.NotErrorIs(t, err, model.ErrSourceUnavailable)
	assert.True(t, model.IsSourceFailure(err))
}

func TestGetJSON_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		_, _ = w.Write([]byte(`{"value": 42}`))
	}))
	defer srv.Close()

	var out struct {
		Value int `json:"value"`
	}
	err := testAPIClient(nil).GetJSON(context.Background(), srv.URL, &out)
	require.NoError(t, err)
	assert.Equal(t, 42, out.Value)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGetJSON_ExhaustedBudget(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := testAPIClient(nil).GetJSON(context.Background(), srv.URL, &struct{}{})
	require.Error(t, err)
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, ErrorTypeServer, fe.Type)
	assert.Equal(t, http.StatusBadGateway, fe.StatusCode)
	assert.Contains(t, fe.Message, "upstream down")
	// initial attempt + RetryMax
	assert.Equal(t, int32(3), calls.Load())
}

func TestGetJSON_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	err := testAPIClient(nil).GetJSON(context.Background(), srv.URL, &struct{}{})
	assert.False(t, IsRetryable(err))
	assert.ErrorIs(t, err, model.ErrSourceUnavailable)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGetJSON_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"value": "not-a-number"`))
	}))
	defer srv.Close()

	var out struct {
		Value int `json:"value"`
	}
	err := testAPIClient(nil).GetJSON(context.Background(), srv.URL, &out)
	assert.ErrorIs(t, err, model.ErrMalformedUpstream)
}

func TestGetJSON_BreakerFailsFast(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	breakers := circuitbreaker.NewSet(func(name string) *circuitbreaker.Breaker {
		return circuitbreaker.New(name).WithFailureThreshold(1).WithResetDelay(time.Hour)
	})
	client := testAPIClient(breakers)

	_ = client.GetJSON(context.Background(), srv.URL, &struct{}{})
	before := calls.Load()

	err := client.GetJSON(context.Background(), srv.URL, &struct{}{})
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, ErrorTypeCircuitOpen, fe.Type)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.ErrorIs(t, err, model.ErrSourceUnavailable)
	assert.Equal(t, before, calls.Load())
}

func TestGetJSON_ContextBreakersWinOverClient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	factory := func(name string) *circuitbreaker.Breaker {
		return circuitbreaker.New(name).WithFailureThreshold(1).WithResetDelay(time.Hour)
	}
	shared := circuitbreaker.NewSet(factory)
	client := testAPIClient(shared)

	tests := []struct {
		name string
		ctx  context.Context
	}{
		{"first run", circuitbreaker.NewContext(context.Background(), shared.Fork())},
		{"second run", circuitbreaker.NewContext(context.Background(), shared.Fork())},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := calls.Load()
			err := client.GetJSON(tt.ctx, srv.URL, &struct{}{})
			var fe *FetchError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, ErrorTypeServer, fe.Type)
			assert.Greater(t, calls.Load(), before, "request reached the upstream")

			err = client.GetJSON(tt.ctx, srv.URL, &struct{}{})
			assert.ErrorIs(t, err, circuitbreaker.ErrOpen, "tripped within the same run")
		})
	}
	assert.Empty(t, shared.States(), "client breakers untouched")
}

func TestWithHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	base := testAPIClient(nil)
	keyed := base.WithHeader("X-Api-Key", "secret")
	require.NoError(t, keyed.GetJSON(context.Background(), srv.URL, &struct{}{}))
	assert.Empty(t, base.headers)
}
