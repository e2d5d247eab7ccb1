package service

import (
	"context"
	"strings"

	"github.com/soyaya/metagauge/services/indexer-service/internal/domain"
	sharederrors "github.com/soyaya/metagauge/shared/errors"
	"github.com/soyaya/metagauge/shared/logging"
)

const (
	// DefaultChunkSize is the planned span of one chunk in blocks
	DefaultChunkSize uint64 = 200_000

	// ChunkFloor is the smallest range an overflow split may produce. A range
	// at or below the floor that still overflows is unrecoverable.
	ChunkFloor uint64 = 1_000

	// erc20TransferTopic is keccak256("Transfer(address,address,uint256)")
	erc20TransferTopic = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"
)

// ChunkResult is everything one executed chunk contributes to the session:
// the normalized logs plus the partial aggregates that roll up into the
// session metrics.
type ChunkResult struct {
	Logs     []domain.Log
	LogCount uint64
	FirstLog *domain.LogRef
	LastLog  *domain.LogRef

	Accounts map[string]struct{}
	Blocks   map[uint64]struct{}
	TxHashes map[string]struct{}

	BytesIn uint64
	Splits  uint64
	Calls   uint64 // range fetches issued, including overflow-rejected ones
}

// ChunkManager plans the block windows of a session into chunks and executes
// them against the fetcher, splitting recursively when an endpoint refuses a
// range as too large.
type ChunkManager struct {
	fetcher   domain.ContractFetcher
	logger    *logging.Logger
	chunkSize uint64
	floor     uint64
}

// NewChunkManager creates a manager; chunkSize and floor of 0 take defaults
func NewChunkManager(fetcher domain.ContractFetcher, logger *logging.Logger, chunkSize, floor uint64) *ChunkManager {
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	if floor == 0 {
		floor = ChunkFloor
	}
	return &ChunkManager{
		fetcher:   fetcher,
		logger:    logger,
		chunkSize: chunkSize,
		floor:     floor,
	}
}

// Plan partitions the window into contiguous fixed-size chunks. The partition
// is exact: chunk i covers [start+i*size, min(start+(i+1)*size-1, end)], every
// block appears in exactly one chunk, and the last chunk absorbs the
// remainder. Deterministic for a fixed window.
func (m *ChunkManager) Plan(window domain.BlockWindow) []domain.Chunk {
	if window.EndBlock < window.StartBlock {
		return nil
	}

	var chunks []domain.Chunk
	for from := window.StartBlock; ; {
		to := from + m.chunkSize - 1
		if to > window.EndBlock || to < from { // overflow guard near MaxUint64
			to = window.EndBlock
		}
		chunks = append(chunks, domain.Chunk{
			Index:     len(chunks),
			FromBlock: from,
			ToBlock:   to,
			State:     domain.ChunkPending,
		})
		if to == window.EndBlock {
			break
		}
		from = to + 1
	}
	return chunks
}

// Execute fetches every log of the chunk's range. On an overflow rejection
// the range is halved and both halves retried recursively, down to the floor;
// a floor-sized range that still overflows fails the chunk permanently. All
// other errors propagate unchanged for the session's retry policy to handle.
func (m *ChunkManager) Execute(ctx context.Context, chain domain.ChainID, address string, chunk *domain.Chunk) (*ChunkResult, error) {
	result := &ChunkResult{
		Accounts: make(map[string]struct{}),
		Blocks:   make(map[uint64]struct{}),
		TxHashes: make(map[string]struct{}),
	}
	if err := m.fetchRange(ctx, chain, address, chunk.FromBlock, chunk.ToBlock, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (m *ChunkManager) fetchRange(ctx context.Context, chain domain.ChainID, address string, from, to uint64, result *ChunkResult) error {
	result.Calls++
	logs, err := m.fetcher.Logs(ctx, chain, address, from, to)
	if err == nil {
		result.absorb(logs)
		return nil
	}
	if !sharederrors.IsCode(err, sharederrors.CodeChunkOverflow) {
		return err
	}

	span := to - from + 1
	if span <= m.floor {
		return sharederrors.Newf(sharederrors.CodeOverflowUnrecoverable,
			"range [%d,%d] still overflows at the %d-block floor", from, to, m.floor).
			WithDetails("from_block", from).
			WithDetails("to_block", to).
			WithCause(err)
	}

	mid := from + span/2 - 1
	result.Splits++
	m.logger.WithFields(map[string]interface{}{
		"chain": chain, "from": from, "to": to, "mid": mid,
	}).Debug("splitting overflowed range")

	if err := m.fetchRange(ctx, chain, address, from, mid, result); err != nil {
		return err
	}
	return m.fetchRange(ctx, chain, address, mid+1, to, result)
}

func (r *ChunkResult) absorb(logs []domain.Log) {
	for i := range logs {
		log := &logs[i]
		r.Logs = append(r.Logs, *log)
		r.LogCount++

		ref := domain.LogRef{BlockNumber: log.BlockNumber, TxHash: log.TxHash, LogIndex: log.LogIndex}
		if r.FirstLog == nil || lessRef(ref, *r.FirstLog) {
			first := ref
			r.FirstLog = &first
		}
		if r.LastLog == nil || lessRef(*r.LastLog, ref) {
			last := ref
			r.LastLog = &last
		}

		r.Blocks[log.BlockNumber] = struct{}{}
		r.TxHashes[log.TxHash] = struct{}{}
		r.BytesIn += uint64(len(log.Data))
		for _, topic := range log.Topics {
			r.BytesIn += uint64(len(topic))
		}

		// Unique accounts come from ERC-20 Transfer participants only:
		// indexed from/to in topics 1 and 2
		if len(log.Topics) >= 3 && strings.EqualFold(log.Topics[0], erc20TransferTopic) {
			if addr, ok := topicAddress(log.Topics[1]); ok {
				r.Accounts[addr] = struct{}{}
			}
			if addr, ok := topicAddress(log.Topics[2]); ok {
				r.Accounts[addr] = struct{}{}
			}
		}
	}
}

// Merge folds another result into this one, unioning the identity sets
func (r *ChunkResult) Merge(other *ChunkResult) {
	r.LogCount += other.LogCount
	r.BytesIn += other.BytesIn
	r.Splits += other.Splits
	r.Calls += other.Calls
	if other.FirstLog != nil && (r.FirstLog == nil || lessRef(*other.FirstLog, *r.FirstLog)) {
		r.FirstLog = other.FirstLog
	}
	if other.LastLog != nil && (r.LastLog == nil || lessRef(*r.LastLog, *other.LastLog)) {
		r.LastLog = other.LastLog
	}
	for k := range other.Accounts {
		r.Accounts[k] = struct{}{}
	}
	for k := range other.Blocks {
		r.Blocks[k] = struct{}{}
	}
	for k := range other.TxHashes {
		r.TxHashes[k] = struct{}{}
	}
}

func lessRef(a, b domain.LogRef) bool {
	if a.BlockNumber != b.BlockNumber {
		return a.BlockNumber < b.BlockNumber
	}
	return a.LogIndex < b.LogIndex
}

// topicAddress extracts the address from a 32-byte indexed topic: the last
// 20 bytes, re-prefixed
func topicAddress(topic string) (string, bool) {
	hex := strings.TrimPrefix(strings.ToLower(topic), "0x")
	if len(hex) != 64 {
		return "", false
	}
	return "0x" + hex[24:], true
}
