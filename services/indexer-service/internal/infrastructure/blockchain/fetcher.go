package blockchain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/soyaya/metagauge/services/indexer-service/internal/domain"
	"github.com/soyaya/metagauge/services/indexer-service/internal/infrastructure/rpc"
)

// Caller issues JSON-RPC calls through the endpoint pool
type Caller interface {
	Call(ctx context.Context, chain domain.ChainID, result interface{}, method string, params []interface{}, opts ...rpc.CallOption) error
}

const defaultCallTimeout = 60 * time.Second

// Fetcher maps the chain-agnostic fetch operations onto per-chain RPC
// methods. EVM chains answer eth_* calls directly; Starknet events are
// paginated and drained before returning.
type Fetcher struct {
	caller Caller
}

// NewFetcher creates a fetcher over the given pool
func NewFetcher(caller Caller) *Fetcher {
	return &Fetcher{caller: caller}
}

// Head returns the highest known block number of the chain
func (f *Fetcher) Head(ctx context.Context, chain domain.ChainID) (uint64, error) {
	if chain == domain.ChainStarknet {
		var head uint64
		if err := f.caller.Call(ctx, chain, &head, "starknet_blockNumber", nil, rpc.WithTimeout(defaultCallTimeout)); err != nil {
			return 0, err
		}
		return head, nil
	}

	var head hexutil.Uint64
	if err := f.caller.Call(ctx, chain, &head, "eth_blockNumber", nil, rpc.WithTimeout(defaultCallTimeout)); err != nil {
		return 0, err
	}
	return uint64(head), nil
}

// Logs returns the contract's logs in [fromBlock, toBlock], normalized
func (f *Fetcher) Logs(ctx context.Context, chain domain.ChainID, address string, fromBlock, toBlock uint64) ([]domain.Log, error) {
	if chain == domain.ChainStarknet {
		return f.starknetEvents(ctx, address, fromBlock, toBlock)
	}
	return f.evmLogs(ctx, chain, address, fromBlock, toBlock)
}

// CodeAt returns the contract code at the given block, empty when absent
func (f *Fetcher) CodeAt(ctx context.Context, chain domain.ChainID, address string, block uint64) ([]byte, error) {
	if chain == domain.ChainStarknet {
		return f.starknetCodeAt(ctx, address, block)
	}

	var code hexutil.Bytes
	err := f.caller.Call(ctx, chain, &code, "eth_getCode",
		[]interface{}{address, hexutil.EncodeUint64(block)},
		rpc.WithTimeout(defaultCallTimeout))
	if err != nil {
		return nil, err
	}
	return code, nil
}

type evmLog struct {
	Address     string         `json:"address"`
	Topics      []string       `json:"topics"`
	Data        string         `json:"data"`
	BlockNumber hexutil.Uint64 `json:"blockNumber"`
	TxHash      string         `json:"transactionHash"`
	LogIndex    hexutil.Uint   `json:"logIndex"`
}

func (f *Fetcher) evmLogs(ctx context.Context, chain domain.ChainID, address string, fromBlock, toBlock uint64) ([]domain.Log, error) {
	filter := map[string]interface{}{
		"address":   address,
		"fromBlock": hexutil.EncodeUint64(fromBlock),
		"toBlock":   hexutil.EncodeUint64(toBlock),
	}

	var raw []evmLog
	err := f.caller.Call(ctx, chain, &raw, "eth_getLogs", []interface{}{filter}, rpc.WithTimeout(defaultCallTimeout))
	if err != nil {
		return nil, err
	}

	logs := make([]domain.Log, len(raw))
	for i, l := range raw {
		logs[i] = domain.Log{
			BlockNumber: uint64(l.BlockNumber),
			TxHash:      l.TxHash,
			LogIndex:    uint(l.LogIndex),
			Topics:      l.Topics,
			Data:        l.Data,
			Address:     l.Address,
		}
	}
	return logs, nil
}
