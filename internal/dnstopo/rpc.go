package dnstopo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xfeldman/arca/internal/runtime"
)

// rpcRequest/rpcResponse mirror internal/network/rpc.go's JSON-RPC 2.0
// envelope; kept as its own small copy since network's envelope types and
// call helper are unexported.
type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      int         `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      int             `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func call(ctx context.Context, ch runtime.ControlChannel, method string, params, result interface{}) error {
	req := rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: 1}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}
	if err := ch.Send(ctx, data); err != nil {
		return fmt.Errorf("send %s request: %w", method, err)
	}

	raw, err := ch.Recv(ctx)
	if err != nil {
		return fmt.Errorf("recv %s response: %w", method, err)
	}
	var resp rpcResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if resp.Error != nil {
		return fmt.Errorf("%s: rpc error %d: %s", method, resp.Error.Code, resp.Error.Message)
	}
	if result != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}
