package fetch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/yield-adapters/internal/model"
	"github.com/yourorg/yield-adapters/internal/types"
)

func TestLlamaBlockResolver(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/block/avax/1700000000":
			_, _ = w.Write([]byte(`{"height": 38000000, "timestamp": 1699999998}`))
		case "/block/ethereum/1700000000":
			_, _ = w.Write([]byte(`{"height": 0}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	res := NewLlamaBlockResolver(testAPIClient(nil), srv.URL+"/")
	ts := time.Unix(1_700_000_000, 0)

	h, err := res.LookupBlock(context.Background(), types.ChainAvalanche, ts)
	require.NoError(t, err)
	assert.Equal(t, int64(38_000_000), h.Int64())

	_, err = res.LookupBlock(context.Background(), types.ChainEthereum, ts)
	assert.ErrorIs(t, err, model.ErrMalformedUpstream)

	_, err = res.LookupBlock(context.Background(), types.ChainBase, ts)
	assert.ErrorIs(t, err, model.ErrSourceUnavailable)
}

func TestPriceKey(t *testing.T) {
	assert.Equal(t, "ethereum:0xa0b8", PriceKey(types.ChainEthereum, "0xA0B8"))
	assert.Equal(t, "avax:0xabc", PriceKey(types.ChainAvalanche, "0xABC"))
}

func TestLlamaPrices(t *testing.T) {
	const usdc = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
	const weth = "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasPrefix(r.URL.Path, "/prices/current/"))
		keys := strings.Split(strings.TrimPrefix(r.URL.Path, "/prices/current/"), ",")
		assert.Len(t, keys, 3, "duplicates are collapsed")
		_, _ = w.Write([]byte(`{"coins": {
			"ethereum:0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48": {"price": 1.0, "decimals": 6, "symbol": "USDC"},
			"ethereum:0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2": {"price": 3500.5, "decimals": 18, "symbol": "WETH"}
		}}`))
	}))
	defer srv.Close()

	p := NewLlamaPrices(testAPIClient(nil), srv.URL)
	got, err := p.Prices(context.Background(), types.ChainEthereum, []string{usdc, weth, strings.ToLower(usdc), "0x0000000000000000000000000000000000000001"})
	require.NoError(t, err)

	assert.Len(t, got, 2)
	assert.Equal(t, 1.0, got[strings.ToLower(usdc)].Price)
	assert.Equal(t, 6, got[strings.ToLower(usdc)].Decimals)
	assert.Equal(t, 3500.5, got[strings.ToLower(weth)].Price)
	_, ok := got["0x0000000000000000000000000000000000000001"]
	assert.False(t, ok, "unpriced tokens are absent, never zero")
}

func TestLlamaPrices_MissingCoins(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := NewLlamaPrices(testAPIClient(nil), srv.URL).Prices(context.Background(), types.ChainEthereum, []string{"0x1"})
	assert.ErrorIs(t, err, model.ErrMalformedUpstream)
}

func TestSubgraphClient_Query(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr error
	}{
		{name: "data", body: `{"data": {"pools": [{"id": "0xabc"}]}}`},
		{name: "graphql errors", body: `{"errors": [{"message": "indexing error"}]}`, wantErr: model.ErrMalformedUpstream},
		{name: "null data", body: `{"data": null}`, wantErr: model.ErrMalformedUpstream},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				var req map[string]any
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				assert.Contains(t, req["query"], "pools")
				assert.Equal(t, map[string]any{"first": float64(10)}, req["variables"])
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			var out struct {
				Pools []struct {
					ID string `json:"id"`
				} `json:"pools"`
			}
			err := NewSubgraphClient(testAPIClient(nil)).Query(context.Background(), srv.URL,
				`query($first: Int!) { pools(first: $first) { id } }`, map[string]any{"first": 10}, &out)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Len(t, out.Pools, 1)
			assert.Equal(t, "0xabc", out.Pools[0].ID)
		})
	}
}

func TestMerklRegistry_Opportunities(t *testing.T) {
	const pool = "0x4d5F47FA6A74757f35C14fD3a6Ef8E3C9BC514E8"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v4/opportunities", r.URL.Path)
		assert.Equal(t, "LIVE", r.URL.Query().Get("status"))
		assert.Equal(t, "1", r.URL.Query().Get("chainId"))
		assert.Equal(t, pool, r.URL.Query().Get("identifier"))
		_, _ = w.Write([]byte(`[
			{"id": "1", "apr": 4.2, "status": "LIVE", "chainId": 1, "identifier": "0x4d5f47fa6a74757f35c14fd3a6ef8e3c9bc514e8",
			 "rewardsRecord": {"breakdowns": [{"token": {"address": "0xABC0000000000000000000000000000000000001", "symbol": "ABC"}}]}},
			{"id": "2", "apr": 9.9, "status": "PAST", "chainId": 1, "identifier": "0x4d5f47fa6a74757f35c14fd3a6ef8e3c9bc514e8"},
			{"id": "3", "apr": 1.0, "status": "LIVE", "chainId": 1, "identifier": "0x0000000000000000000000000000000000000002"}
		]`))
	}))
	defer srv.Close()

	reg := NewMerklRegistry(testAPIClient(nil), srv.URL)
	opps, err := reg.Opportunities(context.Background(), 1, pool)
	require.NoError(t, err)
	require.Len(t, opps, 1)
	assert.Equal(t, 4.2, opps[0].APR)
	assert.Equal(t, []string{"0xabc0000000000000000000000000000000000001"}, opps[0].RewardTokens)
}
