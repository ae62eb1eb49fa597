package fetch

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/yourorg/yield-adapters/internal/types"
)

// DefaultPricesURL is the public USD price service
const DefaultPricesURL = "https://coins.llama.fi"

// maxCoinsPerRequest keeps price request URLs under common length limits
const maxCoinsPerRequest = 100

// Price is one USD quote
type Price struct {
	Price    float64 `json:"price"`
	Decimals int     `json:"decimals"`
	Symbol   string  `json:"symbol"`
}

// PriceSource resolves USD prices for token addresses on a chain. The returned
// map is keyed by lower-cased address; unpriced tokens are absent.
type PriceSource interface {
	Prices(ctx context.Context, chain types.SupportedChain, addresses []string) (map[string]Price, error)
}

// PriceKey returns the "chain:address" key used by the price service
func PriceKey(chain types.SupportedChain, address string) string {
	prefix := string(chain)
	if info, err := types.Lookup(string(chain)); err == nil && info.PriceKey != "" {
		prefix = info.PriceKey
	}
	return prefix + ":" + strings.ToLower(address)
}

// LlamaPrices reads current prices from the coins.llama.fi API
type LlamaPrices struct {
	api     *APIClient
	baseURL string
}

// NewLlamaPrices creates a price source against baseURL (DefaultPricesURL when empty)
func NewLlamaPrices(api *APIClient, baseURL string) *LlamaPrices {
	if baseURL == "" {
		baseURL = DefaultPricesURL
	}
	return &LlamaPrices{api: api, baseURL: strings.TrimRight(baseURL, "/")}
}

// Prices implements PriceSource
func (p *LlamaPrices) Prices(ctx context.Context, chain types.SupportedChain, addresses []string) (map[string]Price, error) {
	out := make(map[string]Price, len(addresses))
	keys := make([]string, 0, len(addresses))
	byKey := make(map[string]string, len(addresses))
	for _, a := range addresses {
		k := PriceKey(chain, a)
		if _, dup := byKey[k]; dup {
			continue
		}
		byKey[k] = strings.ToLower(a)
		keys = append(keys, k)
	}

	for start := 0; start < len(keys); start += maxCoinsPerRequest {
		end := start + maxCoinsPerRequest
		if end > len(keys) {
			end = len(keys)
		}
		var resp struct {
			Coins map[string]Price `json:"coins"`
		}
		endpoint := fmt.Sprintf("%s/prices/current/%s", p.baseURL, url.PathEscape(strings.Join(keys[start:end], ",")))
		if err := p.api.GetJSON(ctx, endpoint, &resp); err != nil {
			return nil, err
		}
		if resp.Coins == nil {
			return nil, Malformed("prices", "response has no coins object")
		}
		for k, v := range resp.Coins {
			addr, ok := byKey[strings.ToLower(k)]
			if !ok || v.Price <= 0 {
				continue
			}
			out[addr] = v
		}
	}
	return out, nil
}
