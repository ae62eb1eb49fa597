package fetch

import (
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var revertTarget = common.HexToAddress("0x000000000000000000000000000000000000dEaD")

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result"`
	Error   *rpcErrorBody   `json:"error,omitempty"`
}

type rpcErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// fakeChain is a JSON-RPC node with head block 1000 and one block every 12s
// starting at unix time genesisTime. eth_call answers with the queried block
// height as a 32-byte word, so tests can see which height a read used.
type fakeChain struct {
	head     int64
	requests atomic.Int64
	batches  atomic.Int64
}

const genesisTime = 1_700_000_000

func newFakeChain(t *testing.T) (*fakeChain, *httptest.Server) {
	t.Helper()
	fc := &fakeChain{head: 1000}
	srv := httptest.NewServer(http.HandlerFunc(fc.serve))
	t.Cleanup(srv.Close)
	return fc, srv
}

func (fc *fakeChain) serve(w http.ResponseWriter, r *http.Request) {
	fc.requests.Add(1)
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if strings.HasPrefix(strings.TrimSpace(string(raw)), "[") {
		fc.batches.Add(1)
		var reqs []rpcRequest
		_ = json.Unmarshal(raw, &reqs)
		out := make([]rpcResponse, len(reqs))
		for i, req := range reqs {
			out[i] = fc.handle(req)
		}
		_ = json.NewEncoder(w).Encode(out)
		return
	}
	var req rpcRequest
	_ = json.Unmarshal(raw, &req)
	_ = json.NewEncoder(w).Encode(fc.handle(req))
}

func (fc *fakeChain) handle(req rpcRequest) rpcResponse {
	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
	switch req.Method {
	case "eth_blockNumber":
		resp.Result = hexutil.EncodeUint64(uint64(fc.head))
	case "eth_getBlockByNumber":
		var tag string
		_ = json.Unmarshal(req.Params[0], &tag)
		n, err := hexutil.DecodeBig(tag)
		if err != nil || n.Int64() > fc.head || n.Sign() <= 0 {
			resp.Result = nil
			return resp
		}
		resp.Result = map[string]string{
			"number":    tag,
			"timestamp": hexutil.EncodeUint64(uint64(genesisTime + 12*n.Int64())),
		}
	case "eth_call":
		var msg map[string]string
		_ = json.Unmarshal(req.Params[0], &msg)
		if common.HexToAddress(msg["to"]) == revertTarget {
			resp.Error = &rpcErrorBody{Code: 3, Message: "execution reverted"}
			return resp
		}
		var tag string
		_ = json.Unmarshal(req.Params[1], &tag)
		height := big.NewInt(fc.head)
		if tag != "latest" {
			height, _ = hexutil.DecodeBig(tag)
		}
		resp.Result = hexutil.Encode(common.LeftPadBytes(height.Bytes(), 32))
	default:
		resp.Error = &rpcErrorBody{Code: -32601, Message: "method not found"}
	}
	return resp
}
