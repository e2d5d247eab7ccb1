package rpc

import (
	"context"
	"errors"
	"net"
	"strings"

	gethrpc "github.com/ethereum/go-ethereum/rpc"

	sharederrors "github.com/soyaya/metagauge/shared/errors"
)

// overflowMarkers are the provider phrasings of "result set too large".
// Matched case-insensitively against the JSON-RPC error message.
var overflowMarkers = []string{
	"query returned more than",
	"too many results",
	"response size exceeded",
	"log response size exceeded",
	"result set too large",
	"block range is too wide",
}

// Classify maps a raw transport error onto the indexing taxonomy.
//
//   - overflow responses      -> ChunkOverflow (not retried here; the chunk
//     manager splits)
//   - network errors, timeouts, HTTP 429/5xx -> TransientRpc
//   - other HTTP 4xx, JSON-RPC errors        -> PermanentRpc
//   - context cancellation                   -> Cancelled
func Classify(err error) *sharederrors.Error {
	if err == nil {
		return nil
	}

	var typed *sharederrors.Error
	if errors.As(err, &typed) {
		return typed
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return sharederrors.Cancelled("rpc call cancelled").WithCause(err)
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range overflowMarkers {
		if strings.Contains(msg, marker) {
			return sharederrors.New(sharederrors.CodeChunkOverflow, "provider rejected log query size").WithCause(err)
		}
	}

	var httpErr gethrpc.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode == 429 || httpErr.StatusCode >= 500 {
			return sharederrors.TransientRpc("http error from endpoint", err).
				WithDetails("status", httpErr.StatusCode)
		}
		return sharederrors.PermanentRpc("http error from endpoint", err).
			WithDetails("status", httpErr.StatusCode)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return sharederrors.TransientRpc("network error", err)
	}

	if strings.Contains(msg, "timeout") || strings.Contains(msg, "etimedout") ||
		strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests") {
		return sharederrors.TransientRpc("transient endpoint error", err)
	}

	var rpcErr gethrpc.Error
	if errors.As(err, &rpcErr) {
		return sharederrors.PermanentRpc("json-rpc error", err).
			WithDetails("rpc_code", rpcErr.ErrorCode())
	}

	return sharederrors.PermanentRpc("malformed or unexpected response", err)
}
