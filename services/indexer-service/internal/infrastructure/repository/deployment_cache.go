package repository

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/soyaya/metagauge/services/indexer-service/internal/domain"
	sharedredis "github.com/soyaya/metagauge/shared/redis"
)

const deploymentKeyTTL = 30 * 24 * time.Hour

// DeploymentCache remembers deployment blocks per (chain, address). Backed by
// Redis when available, always write-through to a process-local map so cache
// outages only cost re-lookups.
type DeploymentCache struct {
	redis *sharedredis.Redis

	mu    sync.RWMutex
	local map[string]uint64
}

// NewDeploymentCache creates a cache; redis may be nil
func NewDeploymentCache(redis *sharedredis.Redis) *DeploymentCache {
	return &DeploymentCache{
		redis: redis,
		local: make(map[string]uint64),
	}
}

func deploymentKey(chain domain.ChainID, address string) string {
	return fmt.Sprintf("deploy:%s:%s", chain, address)
}

// Get returns the cached deployment block, if known
func (c *DeploymentCache) Get(ctx context.Context, chain domain.ChainID, address string) (uint64, bool) {
	key := deploymentKey(chain, address)

	c.mu.RLock()
	block, ok := c.local[key]
	c.mu.RUnlock()
	if ok {
		return block, true
	}

	if c.redis == nil {
		return 0, false
	}
	value, err := c.redis.Get(ctx, key)
	if err != nil {
		return 0, false
	}
	block, parseErr := strconv.ParseUint(value, 10, 64)
	if parseErr != nil {
		return 0, false
	}

	c.mu.Lock()
	c.local[key] = block
	c.mu.Unlock()
	return block, true
}

// Set stores the deployment block
func (c *DeploymentCache) Set(ctx context.Context, chain domain.ChainID, address string, block uint64) {
	key := deploymentKey(chain, address)

	c.mu.Lock()
	c.local[key] = block
	c.mu.Unlock()

	if c.redis != nil {
		// Best effort; the local map already has it
		_ = c.redis.Set(ctx, key, strconv.FormatUint(block, 10), deploymentKeyTTL)
	}
}
