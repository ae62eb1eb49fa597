package fetch

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/yield-adapters/internal/model"
	"github.com/yourorg/yield-adapters/internal/retry"
	"github.com/yourorg/yield-adapters/internal/types"
)

// defaultBatchSize caps the number of eth_call elements sent in one JSON-RPC batch
const defaultBatchSize = 100

// Call is one read-only contract call
type Call struct {
	Target common.Address
	Data   []byte
}

// CallResult is the outcome of one element of a batched call
type CallResult struct {
	Data []byte
	Err  error
}

// ContractCaller reads contract state on a chain, at head (nil block) or at a
// historical height.
type ContractCaller interface {
	Call(ctx context.Context, chain types.SupportedChain, call Call, block *big.Int) ([]byte, error)
	// MultiCall sends calls as JSON-RPC batches. Element failures are reported
	// per result; the returned error covers transport failures only.
	MultiCall(ctx context.Context, chain types.SupportedChain, calls []Call, block *big.Int) ([]CallResult, error)
}

// MultiChainReader holds one JSON-RPC connection per configured chain
type MultiChainReader struct {
	endpoints map[types.SupportedChain]string
	policy    retry.Policy
	batchSize int

	mutex   sync.Mutex
	clients map[types.SupportedChain]*rpc.Client
}

// NewMultiChainReader creates a reader for the given RPC endpoints. Connections
// are dialed lazily on first use.
func NewMultiChainReader(endpoints map[types.SupportedChain]string, policy retry.Policy) *MultiChainReader {
	eps := make(map[types.SupportedChain]string, len(endpoints))
	for k, v := range endpoints {
		eps[k] = v
	}
	return &MultiChainReader{
		endpoints: eps,
		policy:    policy,
		batchSize: defaultBatchSize,
		clients:   make(map[types.SupportedChain]*rpc.Client),
	}
}

// WithBatchSize overrides the JSON-RPC batch size
func (r *MultiChainReader) WithBatchSize(n int) *MultiChainReader {
	if n > 0 {
		r.batchSize = n
	}
	return r
}

// Chains returns the chains that have an endpoint configured
func (r *MultiChainReader) Chains() []types.SupportedChain {
	out := make([]types.SupportedChain, 0, len(r.endpoints))
	for c := range r.endpoints {
		out = append(out, c)
	}
	return out
}

func (r *MultiChainReader) rpcClient(ctx context.Context, chain types.SupportedChain) (*rpc.Client, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if c, ok := r.clients[chain]; ok {
		return c, nil
	}
	endpoint, ok := r.endpoints[chain]
	if !ok || endpoint == "" {
		return nil, fmt.Errorf("%w: no RPC endpoint configured for chain %s", model.ErrSourceUnavailable, chain)
	}
	c, err := rpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", model.ErrSourceUnavailable, chain, err)
	}
	r.clients[chain] = c
	logrus.WithField("chain", chain).Debug("Connected to RPC endpoint")
	return c, nil
}

// Call performs a single eth_call
func (r *MultiChainReader) Call(ctx context.Context, chain types.SupportedChain, call Call, block *big.Int) ([]byte, error) {
	rc, err := r.rpcClient(ctx, chain)
	if err != nil {
		return nil, err
	}
	ec := ethclient.NewClient(rc)
	to := call.Target
	msg := ethereum.CallMsg{To: &to, Data: call.Data}

	out, err := retry.DoValue(ctx, r.policy, "eth_call", func(ctx context.Context) ([]byte, error) {
		out, err := ec.CallContract(ctx, msg, block)
		if err != nil && isRPCError(err) {
			return nil, retry.Permanent(err)
		}
		return out, err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: eth_call %s on %s: %v", model.ErrSourceUnavailable, call.Target.Hex(), chain, err)
	}
	return out, nil
}

// MultiCall performs many eth_calls in JSON-RPC batches
func (r *MultiChainReader) MultiCall(ctx context.Context, chain types.SupportedChain, calls []Call, block *big.Int) ([]CallResult, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	rc, err := r.rpcClient(ctx, chain)
	if err != nil {
		return nil, err
	}

	tag := "latest"
	if block != nil {
		tag = hexutil.EncodeBig(block)
	}

	results := make([]CallResult, len(calls))
	for start := 0; start < len(calls); start += r.batchSize {
		end := start + r.batchSize
		if end > len(calls) {
			end = len(calls)
		}
		chunk := calls[start:end]
		out := make([]hexutil.Bytes, len(chunk))
		elems := make([]rpc.BatchElem, len(chunk))

		err := retry.Do(ctx, r.policy, "eth_call batch", func(ctx context.Context) error {
			for i, c := range chunk {
				out[i] = nil
				elems[i] = rpc.BatchElem{
					Method: "eth_call",
					Args:   []any{map[string]any{"to": c.Target, "data": hexutil.Bytes(c.Data)}, tag},
					Result: &out[i],
				}
			}
			return rc.BatchCallContext(ctx, elems)
		})
		if err != nil {
			return nil, fmt.Errorf("%w: eth_call batch on %s: %v", model.ErrSourceUnavailable, chain, err)
		}
		for i := range chunk {
			if elems[i].Error != nil {
				results[start+i] = CallResult{Err: fmt.Errorf("%w: %v", model.ErrSourceUnavailable, elems[i].Error)}
				continue
			}
			results[start+i] = CallResult{Data: out[i]}
		}
	}
	return results, nil
}

// LatestBlock returns the chain head height
func (r *MultiChainReader) LatestBlock(ctx context.Context, chain types.SupportedChain) (*big.Int, error) {
	rc, err := r.rpcClient(ctx, chain)
	if err != nil {
		return nil, err
	}
	ec := ethclient.NewClient(rc)
	n, err := retry.DoValue(ctx, r.policy, "eth_blockNumber", func(ctx context.Context) (uint64, error) {
		return ec.BlockNumber(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: eth_blockNumber on %s: %v", model.ErrSourceUnavailable, chain, err)
	}
	return new(big.Int).SetUint64(n), nil
}

// BlockTime returns the timestamp of the block at height
func (r *MultiChainReader) BlockTime(ctx context.Context, chain types.SupportedChain, height *big.Int) (time.Time, error) {
	rc, err := r.rpcClient(ctx, chain)
	if err != nil {
		return time.Time{}, err
	}
	var head struct {
		Number    *hexutil.Big   `json:"number"`
		Timestamp hexutil.Uint64 `json:"timestamp"`
	}
	err = retry.Do(ctx, r.policy, "eth_getBlockByNumber", func(ctx context.Context) error {
		return rc.CallContext(ctx, &head, "eth_getBlockByNumber", hexutil.EncodeBig(height), false)
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: eth_getBlockByNumber %s on %s: %v", model.ErrSourceUnavailable, height, chain, err)
	}
	if head.Number == nil {
		return time.Time{}, fmt.Errorf("%w: block %s not found on %s", model.ErrMalformedUpstream, height, chain)
	}
	return time.Unix(int64(head.Timestamp), 0).UTC(), nil
}

// Close releases every RPC connection
func (r *MultiChainReader) Close() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	for chain, c := range r.clients {
		c.Close()
		delete(r.clients, chain)
	}
}

func isRPCError(err error) bool {
	var rpcErr rpc.Error
	return errors.As(err, &rpcErr)
}
