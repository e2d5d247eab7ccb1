package service

import (
	"sort"

	"github.com/soyaya/metagauge/services/indexer-service/internal/domain"
	sharederrors "github.com/soyaya/metagauge/shared/errors"
)

// ValidateCoverage checks that the completed chunks tile the window exactly:
// ordered by index, strictly increasing ranges, no gap and no overlap, first
// chunk starting at the window start and last chunk ending at the window end.
// Chunks that observed logs must also report them inside their own range,
// first before last. All violations are collected, not just the first.
func ValidateCoverage(window domain.BlockWindow, chunks []domain.Chunk) []*sharederrors.Error {
	var violations []*sharederrors.Error

	if len(chunks) == 0 {
		if window.TotalBlocks > 0 {
			violations = append(violations, sharederrors.Newf(sharederrors.CodeValidationGap,
				"no chunks cover window [%d,%d]", window.StartBlock, window.EndBlock).
				WithDetails("missing_from", window.StartBlock).
				WithDetails("missing_to", window.EndBlock))
		}
		return violations
	}

	ordered := append([]domain.Chunk(nil), chunks...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	for i := 1; i < len(ordered); i++ {
		prev, cur := &ordered[i-1], &ordered[i]
		if cur.FromBlock <= prev.FromBlock {
			violations = append(violations, sharederrors.Newf(sharederrors.CodeValidationOutOfOrder,
				"chunk %d starts at %d, not after chunk %d start %d",
				cur.Index, cur.FromBlock, prev.Index, prev.FromBlock).
				WithDetails("chunk_index", cur.Index).
				WithDetails("previous_index", prev.Index))
			continue
		}
		switch {
		case cur.FromBlock > prev.ToBlock+1:
			violations = append(violations, sharederrors.Newf(sharederrors.CodeValidationGap,
				"blocks [%d,%d] missing between chunks %d and %d",
				prev.ToBlock+1, cur.FromBlock-1, prev.Index, cur.Index).
				WithDetails("after_chunk", prev.Index).
				WithDetails("missing_from", prev.ToBlock+1).
				WithDetails("missing_to", cur.FromBlock-1))
		case cur.FromBlock <= prev.ToBlock:
			violations = append(violations, sharederrors.Newf(sharederrors.CodeValidationOverlap,
				"chunks %d and %d both cover blocks [%d,%d]",
				prev.Index, cur.Index, cur.FromBlock, minUint64(prev.ToBlock, cur.ToBlock)).
				WithDetails("first_index", prev.Index).
				WithDetails("second_index", cur.Index).
				WithDetails("overlap_from", cur.FromBlock).
				WithDetails("overlap_to", minUint64(prev.ToBlock, cur.ToBlock)))
		}
	}

	if first := &ordered[0]; first.FromBlock != window.StartBlock {
		if first.FromBlock > window.StartBlock {
			violations = append(violations, sharederrors.Newf(sharederrors.CodeValidationGap,
				"blocks [%d,%d] before the first chunk are uncovered",
				window.StartBlock, first.FromBlock-1).
				WithDetails("missing_from", window.StartBlock).
				WithDetails("missing_to", first.FromBlock-1))
		} else {
			violations = append(violations, sharederrors.Newf(sharederrors.CodeValidationOverlap,
				"first chunk starts at %d, before the window start %d",
				first.FromBlock, window.StartBlock).
				WithDetails("first_index", first.Index))
		}
	}
	if last := &ordered[len(ordered)-1]; last.ToBlock != window.EndBlock {
		if last.ToBlock < window.EndBlock {
			violations = append(violations, sharederrors.Newf(sharederrors.CodeValidationGap,
				"blocks [%d,%d] after the last chunk are uncovered",
				last.ToBlock+1, window.EndBlock).
				WithDetails("after_chunk", last.Index).
				WithDetails("missing_from", last.ToBlock+1).
				WithDetails("missing_to", window.EndBlock))
		} else {
			violations = append(violations, sharederrors.Newf(sharederrors.CodeValidationOverlap,
				"last chunk ends at %d, beyond the window end %d",
				last.ToBlock, window.EndBlock).
				WithDetails("first_index", last.Index))
		}
	}

	for i := range ordered {
		violations = append(violations, validateLogRefs(&ordered[i])...)
	}

	return violations
}

// validateLogRefs checks a chunk's observed logs against its own range: both
// endpoints inside [FromBlock, ToBlock], and the first log not after the last
func validateLogRefs(chunk *domain.Chunk) []*sharederrors.Error {
	if chunk.LogCount == 0 {
		return nil
	}

	var violations []*sharederrors.Error
	for _, ref := range []*domain.LogRef{chunk.FirstLog, chunk.LastLog} {
		if ref == nil {
			continue
		}
		if ref.BlockNumber < chunk.FromBlock || ref.BlockNumber > chunk.ToBlock {
			violations = append(violations, sharederrors.Newf(sharederrors.CodeValidationOverlap,
				"chunk %d observed a log at block %d outside its range [%d,%d]",
				chunk.Index, ref.BlockNumber, chunk.FromBlock, chunk.ToBlock).
				WithDetails("chunk_index", chunk.Index).
				WithDetails("log_block", ref.BlockNumber))
		}
	}
	if chunk.FirstLog != nil && chunk.LastLog != nil &&
		chunk.FirstLog.BlockNumber > chunk.LastLog.BlockNumber {
		violations = append(violations, sharederrors.Newf(sharederrors.CodeValidationOutOfOrder,
			"chunk %d reports its first log at block %d after its last at %d",
			chunk.Index, chunk.FirstLog.BlockNumber, chunk.LastLog.BlockNumber).
			WithDetails("chunk_index", chunk.Index))
	}
	return violations
}

func minUint64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
