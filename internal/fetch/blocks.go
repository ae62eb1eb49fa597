package fetch

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/yourorg/yield-adapters/internal/types"
)

// DefaultBlocksURL is the public timestamp-to-block service
const DefaultBlocksURL = "https://coins.llama.fi"

// LlamaBlockResolver maps timestamps to heights through the coins.llama.fi block endpoint
type LlamaBlockResolver struct {
	api     *APIClient
	baseURL string
}

// NewLlamaBlockResolver creates a resolver against baseURL (DefaultBlocksURL when empty)
func NewLlamaBlockResolver(api *APIClient, baseURL string) *LlamaBlockResolver {
	if baseURL == "" {
		baseURL = DefaultBlocksURL
	}
	return &LlamaBlockResolver{api: api, baseURL: strings.TrimRight(baseURL, "/")}
}

// LookupBlock returns the last block at or before ts
func (r *LlamaBlockResolver) LookupBlock(ctx context.Context, chain types.SupportedChain, ts time.Time) (*big.Int, error) {
	info, err := types.Lookup(string(chain))
	if err != nil {
		return nil, err
	}
	var resp struct {
		Height    int64 `json:"height"`
		Timestamp int64 `json:"timestamp"`
	}
	endpoint := fmt.Sprintf("%s/block/%s/%d", r.baseURL, info.PriceKey, ts.Unix())
	if err := r.api.GetJSON(ctx, endpoint, &resp); err != nil {
		return nil, err
	}
	if resp.Height <= 0 {
		return nil, Malformed("blocks", "no height for %s at %d", chain, ts.Unix())
	}
	return big.NewInt(resp.Height), nil
}

// HeaderSource is the subset of a chain reader a header search needs
type HeaderSource interface {
	LatestBlock(ctx context.Context, chain types.SupportedChain) (*big.Int, error)
	BlockTime(ctx context.Context, chain types.SupportedChain, height *big.Int) (time.Time, error)
}

// HeaderBlockResolver finds the block for a timestamp by binary search over
// block headers. It needs no service beyond the chain's own RPC.
type HeaderBlockResolver struct {
	headers HeaderSource
}

// NewHeaderBlockResolver creates a resolver backed by headers
func NewHeaderBlockResolver(headers HeaderSource) *HeaderBlockResolver {
	return &HeaderBlockResolver{headers: headers}
}

// LookupBlock returns the last block whose timestamp is at or before ts
func (r *HeaderBlockResolver) LookupBlock(ctx context.Context, chain types.SupportedChain, ts time.Time) (*big.Int, error) {
	head, err := r.headers.LatestBlock(ctx, chain)
	if err != nil {
		return nil, err
	}
	headTime, err := r.headers.BlockTime(ctx, chain, head)
	if err != nil {
		return nil, err
	}
	if !ts.Before(headTime) {
		return head, nil
	}

	lo, hi := int64(1), head.Int64()
	// invariant: time(hi) > ts
	firstTime, err := r.headers.BlockTime(ctx, chain, big.NewInt(lo))
	if err != nil {
		return nil, err
	}
	if firstTime.After(ts) {
		return nil, fmt.Errorf("timestamp %d predates chain %s", ts.Unix(), chain)
	}
	for hi-lo > 1 {
		mid := lo + (hi-lo)/2
		t, err := r.headers.BlockTime(ctx, chain, big.NewInt(mid))
		if err != nil {
			return nil, err
		}
		if t.After(ts) {
			hi = mid
		} else {
			lo = mid
		}
	}
	return big.NewInt(lo), nil
}
