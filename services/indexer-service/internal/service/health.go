package service

import (
	"context"
	"sync"
	"time"

	"github.com/soyaya/metagauge/services/indexer-service/internal/domain"
	"github.com/soyaya/metagauge/shared/logging"
)

// HealthStatus is the aggregate condition of the service
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// PoolView is the slice of the RPC pool the monitor reads
type PoolView interface {
	Snapshot() map[domain.ChainID][]domain.EndpointStatus
	HealthyCount(chain domain.ChainID) int
}

// SessionCensus is the slice of the session manager the monitor reads
type SessionCensus interface {
	SessionsByState() map[domain.SessionState]int
	ActiveSessions(chain domain.ChainID) int
}

// Pinger is a storage dependency that can be liveness-checked
type Pinger interface {
	HealthCheck(ctx context.Context) error
}

// HealthSnapshot is one observation of the whole service
type HealthSnapshot struct {
	Status                 HealthStatus                            `json:"status"`
	Chains                 map[domain.ChainID][]domain.EndpointStatus `json:"chains"`
	Sessions               map[domain.SessionState]int             `json:"sessions"`
	Storage                map[string]string                       `json:"storage"`
	DeploymentCacheHitRate float64                                 `json:"deployment_cache_hit_rate"`
	GeneratedAt            time.Time                               `json:"generated_at"`
}

// HealthMonitor aggregates pool, session, and storage condition into one
// snapshot and logs status transitions
type HealthMonitor struct {
	pool    PoolView
	census  SessionCensus
	finder  *DeploymentFinder
	storage map[string]Pinger
	logger  *logging.Logger

	mu   sync.Mutex
	last HealthStatus
}

// NewHealthMonitor creates a monitor; storage entries may be nil-valued and
// are skipped
func NewHealthMonitor(pool PoolView, census SessionCensus, finder *DeploymentFinder, storage map[string]Pinger, logger *logging.Logger) *HealthMonitor {
	return &HealthMonitor{
		pool:    pool,
		census:  census,
		finder:  finder,
		storage: storage,
		logger:  logger,
		last:    StatusHealthy,
	}
}

// Snapshot observes the service. Unhealthy when any chain with live sessions
// has no endpoint left in service; degraded when endpoints are out of
// service or a storage dependency fails its check.
func (h *HealthMonitor) Snapshot(ctx context.Context) *HealthSnapshot {
	snapshot := &HealthSnapshot{
		Chains:      h.pool.Snapshot(),
		Sessions:    h.census.SessionsByState(),
		Storage:     make(map[string]string),
		GeneratedAt: time.Now().UTC(),
	}
	if h.finder != nil {
		snapshot.DeploymentCacheHitRate = h.finder.CacheHitRate()
	}

	status := StatusHealthy
	for chain, endpoints := range snapshot.Chains {
		healthy := h.pool.HealthyCount(chain)
		if healthy == 0 && h.census.ActiveSessions(chain) > 0 {
			status = StatusUnhealthy
			break
		}
		if healthy < len(endpoints) {
			status = StatusDegraded
		}
	}

	for name, pinger := range h.storage {
		if pinger == nil {
			continue
		}
		checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := pinger.HealthCheck(checkCtx)
		cancel()
		if err != nil {
			snapshot.Storage[name] = err.Error()
			if status == StatusHealthy {
				status = StatusDegraded
			}
			continue
		}
		snapshot.Storage[name] = "ok"
	}

	snapshot.Status = status
	h.recordTransition(status)
	return snapshot
}

func (h *HealthMonitor) recordTransition(status HealthStatus) {
	h.mu.Lock()
	prev := h.last
	h.last = status
	h.mu.Unlock()

	if prev == status {
		return
	}
	entry := h.logger.WithFields(map[string]interface{}{
		"from": string(prev), "to": string(status),
	})
	if status == StatusUnhealthy {
		entry.Error("health status changed")
		return
	}
	entry.Warn("health status changed")
}
