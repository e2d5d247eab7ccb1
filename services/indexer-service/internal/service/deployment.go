package service

import (
	"context"
	"sync/atomic"

	"github.com/soyaya/metagauge/services/indexer-service/internal/domain"
	sharederrors "github.com/soyaya/metagauge/shared/errors"
	"github.com/soyaya/metagauge/shared/logging"
)

// DeploymentCache remembers resolved deployment blocks
type DeploymentCache interface {
	Get(ctx context.Context, chain domain.ChainID, address string) (uint64, bool)
	Set(ctx context.Context, chain domain.ChainID, address string, block uint64)
}

// DeploymentFinder locates the block at which a contract first held code,
// by binary search over getCode: O(log head) RPC calls per cold lookup.
type DeploymentFinder struct {
	fetcher domain.ContractFetcher
	cache   DeploymentCache
	logger  *logging.Logger

	hits    atomic.Uint64
	lookups atomic.Uint64
}

// NewDeploymentFinder creates a finder; cache may be nil
func NewDeploymentFinder(fetcher domain.ContractFetcher, cache DeploymentCache, logger *logging.Logger) *DeploymentFinder {
	return &DeploymentFinder{
		fetcher: fetcher,
		cache:   cache,
		logger:  logger,
	}
}

// FindDeploymentBlock returns the first block where the address holds code.
// NotAContract when the address has no code at head.
func (f *DeploymentFinder) FindDeploymentBlock(ctx context.Context, chain domain.ChainID, address string) (uint64, error) {
	f.lookups.Add(1)
	if f.cache != nil {
		if block, ok := f.cache.Get(ctx, chain, address); ok {
			f.hits.Add(1)
			return block, nil
		}
	}

	head, err := f.fetcher.Head(ctx, chain)
	if err != nil {
		return 0, err
	}

	code, err := f.fetcher.CodeAt(ctx, chain, address, head)
	if err != nil {
		return 0, err
	}
	if len(code) == 0 {
		return 0, sharederrors.NotAContract(string(chain), address)
	}

	// Invariant: code(hi) is non-empty; search the lowest such block
	lo, hi := uint64(0), head
	for lo < hi {
		mid := lo + (hi-lo)/2
		code, err := f.fetcher.CodeAt(ctx, chain, address, mid)
		if err != nil {
			return 0, err
		}
		if len(code) > 0 {
			hi = mid
		} else {
			lo = mid + 1
		}
	}

	if f.cache != nil {
		f.cache.Set(ctx, chain, address, lo)
	}
	f.logger.WithFields(map[string]interface{}{
		"chain": chain, "address": address, "block": lo,
	}).Debug("resolved deployment block")
	return lo, nil
}

// CacheHitRate reports the fraction of lookups served from cache
func (f *DeploymentFinder) CacheHitRate() float64 {
	lookups := f.lookups.Load()
	if lookups == 0 {
		return 0
	}
	return float64(f.hits.Load()) / float64(lookups)
}
