package service

import (
	"github.com/soyaya/metagauge/services/indexer-service/internal/domain"
	sharederrors "github.com/soyaya/metagauge/shared/errors"
)

// CalculateWindow maps a subscription tier onto the block range a session
// indexes. Pure: no I/O, deterministic for fixed inputs.
//
// startBlock = max(deploymentBlock, head - historicalDays*blocksPerDay);
// historicalDays of -1 (Enterprise "from deployment") starts at the
// deployment block itself.
func CalculateWindow(chain domain.ChainConfig, head uint64, tier domain.Tier, deploymentBlock uint64) (domain.BlockWindow, error) {
	if deploymentBlock > head {
		return domain.BlockWindow{}, sharederrors.Newf(sharederrors.CodeInternal,
			"deployment block %d is beyond head %d", deploymentBlock, head)
	}

	start := deploymentBlock
	if tier.HistoricalDays >= 0 {
		span := uint64(tier.HistoricalDays) * chain.BlocksPerDay
		if span < head {
			if cutoff := head - span; cutoff > start {
				start = cutoff
			}
		}
	}

	return domain.BlockWindow{
		StartBlock:      start,
		EndBlock:        head,
		DeploymentBlock: deploymentBlock,
		TotalBlocks:     head - start + 1,
	}, nil
}
