package service

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soyaya/metagauge/services/indexer-service/internal/domain"
	sharederrors "github.com/soyaya/metagauge/shared/errors"
	"github.com/soyaya/metagauge/shared/logging"
)

func testLogger() *logging.Logger {
	return logging.NewLogger(&logging.Config{Level: logging.LevelError, Service: "test"})
}

// fakeFetcher scripts Head/Logs/CodeAt behaviour per test
type fakeFetcher struct {
	mu       sync.Mutex
	head     uint64
	code     map[uint64][]byte
	logsFn   func(from, to uint64) ([]domain.Log, error)
	logCalls int
}

func (f *fakeFetcher) Head(ctx context.Context, chain domain.ChainID) (uint64, error) {
	return f.head, nil
}

func (f *fakeFetcher) Logs(ctx context.Context, chain domain.ChainID, address string, fromBlock, toBlock uint64) ([]domain.Log, error) {
	f.mu.Lock()
	f.logCalls++
	f.mu.Unlock()
	return f.logsFn(fromBlock, toBlock)
}

func (f *fakeFetcher) CodeAt(ctx context.Context, chain domain.ChainID, address string, block uint64) ([]byte, error) {
	if f.code == nil {
		return []byte{0x60}, nil
	}
	return f.code[block], nil
}

// overflowBelow returns a logs func that rejects any span with to-from at or
// above the threshold and synthesises span/10 logs below it
func overflowBelow(threshold uint64) func(from, to uint64) ([]domain.Log, error) {
	return func(from, to uint64) ([]domain.Log, error) {
		if to-from >= threshold {
			return nil, sharederrors.New(sharederrors.CodeChunkOverflow, "query returned more than 10000 results")
		}
		span := to - from + 1
		logs := make([]domain.Log, 0, span/10)
		for i := uint64(0); i < span/10; i++ {
			block := from + i*10
			logs = append(logs, domain.Log{
				BlockNumber: block,
				TxHash:      fmt.Sprintf("0xtx%d", block),
				LogIndex:    0,
				Topics:      []string{"0xdead"},
				Data:        "0x",
				Address:     "0xcontract",
			})
		}
		return logs, nil
	}
}

func TestPlanPartition(t *testing.T) {
	manager := NewChunkManager(&fakeFetcher{}, testLogger(), 0, 0)

	tests := []struct {
		name   string
		window domain.BlockWindow
		chunks int
		sizes  []uint64
	}{
		{
			name:   "lisk free window",
			window: domain.BlockWindow{StartBlock: 28_784_000, EndBlock: 29_000_000, TotalBlocks: 216_001},
			chunks: 2,
			sizes:  []uint64{200_000, 16_001},
		},
		{
			name:   "ethereum pro window",
			window: domain.BlockWindow{StartBlock: 17_372_000, EndBlock: 20_000_000, TotalBlocks: 2_628_001},
			chunks: 14,
		},
		{
			name:   "single block",
			window: domain.BlockWindow{StartBlock: 5, EndBlock: 5, TotalBlocks: 1},
			chunks: 1,
			sizes:  []uint64{1},
		},
		{
			name:   "exact multiple",
			window: domain.BlockWindow{StartBlock: 0, EndBlock: 399_999, TotalBlocks: 400_000},
			chunks: 2,
			sizes:  []uint64{200_000, 200_000},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			plan := manager.Plan(tc.window)
			require.Len(t, plan, tc.chunks)

			// Contiguous, non-overlapping, exact union
			assert.Equal(t, tc.window.StartBlock, plan[0].FromBlock)
			assert.Equal(t, tc.window.EndBlock, plan[len(plan)-1].ToBlock)
			var covered uint64
			for i, chunk := range plan {
				assert.Equal(t, i, chunk.Index)
				assert.Equal(t, domain.ChunkPending, chunk.State)
				if i > 0 {
					assert.Equal(t, plan[i-1].ToBlock+1, chunk.FromBlock)
				}
				if i < len(plan)-1 {
					assert.Equal(t, uint64(200_000), chunk.Blocks(), "internal chunk %d not full-size", i)
				}
				covered += chunk.Blocks()
			}
			assert.Equal(t, tc.window.TotalBlocks, covered)

			if tc.sizes != nil {
				for i, size := range tc.sizes {
					assert.Equal(t, size, plan[i].Blocks())
				}
			}
		})
	}
}

func TestPlanDeterministic(t *testing.T) {
	manager := NewChunkManager(&fakeFetcher{}, testLogger(), 0, 0)
	window := domain.BlockWindow{StartBlock: 123, EndBlock: 987_654, TotalBlocks: 987_532}

	first := manager.Plan(window)
	second := manager.Plan(window)
	assert.Equal(t, first, second)
}

func TestExecuteSplitsOnOverflow(t *testing.T) {
	fetcher := &fakeFetcher{logsFn: overflowBelow(50_000)}
	manager := NewChunkManager(fetcher, testLogger(), 200_000, 1_000)

	chunk := &domain.Chunk{Index: 0, FromBlock: 0, ToBlock: 199_999}
	result, err := manager.Execute(context.Background(), domain.ChainEthereum, "0xcontract", chunk)
	require.NoError(t, err)

	// 200k splits to 100k halves, each to 50k leaves: 3 splits, 4 leaves,
	// 5000 logs each
	assert.Equal(t, uint64(20_000), result.LogCount)
	assert.Len(t, result.Logs, 20_000)
	assert.Equal(t, uint64(3), result.Splits)
	assert.Equal(t, 7, fetcher.logCalls)
	assert.Equal(t, uint64(7), result.Calls, "every fetch counts, rejected parents included")

	// Full union: every leaf contributed its blocks
	seen := make(map[uint64]bool, len(result.Logs))
	for _, log := range result.Logs {
		require.False(t, seen[log.BlockNumber], "block %d fetched twice", log.BlockNumber)
		seen[log.BlockNumber] = true
	}
	assert.NotNil(t, result.FirstLog)
	assert.NotNil(t, result.LastLog)
	assert.Equal(t, uint64(0), result.FirstLog.BlockNumber)
	assert.Equal(t, uint64(199_990), result.LastLog.BlockNumber)
}

func TestExecuteOverflowAtFloorIsFatal(t *testing.T) {
	fetcher := &fakeFetcher{logsFn: func(from, to uint64) ([]domain.Log, error) {
		return nil, sharederrors.New(sharederrors.CodeChunkOverflow, "too many results")
	}}
	manager := NewChunkManager(fetcher, testLogger(), 200_000, 1_000)

	chunk := &domain.Chunk{Index: 0, FromBlock: 0, ToBlock: 199_999}
	_, err := manager.Execute(context.Background(), domain.ChainEthereum, "0xcontract", chunk)
	require.Error(t, err)
	assert.True(t, sharederrors.IsCode(err, sharederrors.CodeOverflowUnrecoverable))
	assert.False(t, sharederrors.IsRetryable(err))
}

func TestExecutePropagatesOtherErrors(t *testing.T) {
	fetcher := &fakeFetcher{logsFn: func(from, to uint64) ([]domain.Log, error) {
		return nil, sharederrors.TransientRpc("connection refused", nil)
	}}
	manager := NewChunkManager(fetcher, testLogger(), 200_000, 1_000)

	chunk := &domain.Chunk{Index: 0, FromBlock: 0, ToBlock: 999}
	_, err := manager.Execute(context.Background(), domain.ChainEthereum, "0xcontract", chunk)
	require.Error(t, err)
	assert.True(t, sharederrors.IsCode(err, sharederrors.CodeTransientRpc))
	assert.Equal(t, 1, fetcher.logCalls)
}

func TestChunkResultAccountsFromTransferTopics(t *testing.T) {
	transfer := func(block uint64, from, to string) domain.Log {
		pad := func(addr string) string {
			return "0x000000000000000000000000" + addr[2:]
		}
		return domain.Log{
			BlockNumber: block,
			TxHash:      fmt.Sprintf("0xtx%d", block),
			Topics:      []string{erc20TransferTopic, pad(from), pad(to)},
			Address:     "0xcontract",
		}
	}

	fetcher := &fakeFetcher{logsFn: func(from, to uint64) ([]domain.Log, error) {
		return []domain.Log{
			transfer(1, "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"),
			transfer(2, "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", "0xcccccccccccccccccccccccccccccccccccccccc"),
			// Non-transfer event: participants not counted
			{BlockNumber: 3, TxHash: "0xtx3", Topics: []string{"0xother"}},
		}, nil
	}}
	manager := NewChunkManager(fetcher, testLogger(), 200_000, 1_000)

	chunk := &domain.Chunk{Index: 0, FromBlock: 0, ToBlock: 10}
	result, err := manager.Execute(context.Background(), domain.ChainEthereum, "0xcontract", chunk)
	require.NoError(t, err)

	assert.Len(t, result.Accounts, 3)
	assert.Contains(t, result.Accounts, "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	assert.Contains(t, result.Accounts, "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	assert.Contains(t, result.Accounts, "0xcccccccccccccccccccccccccccccccccccccccc")
	assert.Len(t, result.Blocks, 3)
	assert.Len(t, result.TxHashes, 3)
}

func TestChunkResultMerge(t *testing.T) {
	a := &ChunkResult{
		LogCount: 2,
		BytesIn:  10,
		Splits:   1,
		Calls:    3,
		FirstLog: &domain.LogRef{BlockNumber: 5},
		LastLog:  &domain.LogRef{BlockNumber: 20},
		Accounts: map[string]struct{}{"0xa": {}},
		Blocks:   map[uint64]struct{}{5: {}, 20: {}},
		TxHashes: map[string]struct{}{"0x1": {}},
	}
	b := &ChunkResult{
		LogCount: 1,
		BytesIn:  4,
		Calls:    1,
		FirstLog: &domain.LogRef{BlockNumber: 2},
		LastLog:  &domain.LogRef{BlockNumber: 8},
		Accounts: map[string]struct{}{"0xa": {}, "0xb": {}},
		Blocks:   map[uint64]struct{}{2: {}},
		TxHashes: map[string]struct{}{"0x2": {}},
	}

	a.Merge(b)
	assert.Equal(t, uint64(3), a.LogCount)
	assert.Equal(t, uint64(14), a.BytesIn)
	assert.Equal(t, uint64(4), a.Calls)
	assert.Equal(t, uint64(2), a.FirstLog.BlockNumber)
	assert.Equal(t, uint64(20), a.LastLog.BlockNumber)
	assert.Len(t, a.Accounts, 2)
	assert.Len(t, a.Blocks, 3)
	assert.Len(t, a.TxHashes, 2)
}
