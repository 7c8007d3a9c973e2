package chain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// RPCError is a JSON-RPC level failure from a node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

var (
	// ErrAllEndpointsFailed is returned when no endpoint produced a response.
	ErrAllEndpointsFailed = errors.New("all rpc endpoints failed")
	// ErrRateLimited marks an HTTP 429 from a node.
	ErrRateLimited = errors.New("rpc endpoint rate limited")
)

// Retryable reports whether a send failure is worth another attempt with the
// same signed bytes. Deterministic rejections are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrAllEndpointsFailed) {
		return true
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		msg := strings.ToLower(rpcErr.Message)
		switch {
		case strings.Contains(msg, "blockhash not found"),
			strings.Contains(msg, "blockhash expired"),
			strings.Contains(msg, "insufficient funds"),
			strings.Contains(msg, "already been processed"),
			strings.Contains(msg, "invalid transaction"),
			strings.Contains(msg, "signature verification failure"):
			return false
		case strings.Contains(msg, "node is behind"),
			strings.Contains(msg, "rate limit"),
			strings.Contains(msg, "too many requests"):
			return true
		}
		// Unknown node errors are treated as deterministic.
		return false
	}
	// Transport errors (timeouts, resets, refused connections).
	return true
}

// BlockhashStale reports whether an error means the transaction's blockhash
// fell out of the validity window.
func BlockhashStale(err error) bool {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		msg := strings.ToLower(rpcErr.Message)
		return strings.Contains(msg, "blockhash not found") || strings.Contains(msg, "blockhash expired")
	}
	return false
}

// AlreadyProcessed reports whether the node saw these exact bytes before.
func AlreadyProcessed(err error) bool {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return strings.Contains(strings.ToLower(rpcErr.Message), "already been processed")
	}
	return false
}
