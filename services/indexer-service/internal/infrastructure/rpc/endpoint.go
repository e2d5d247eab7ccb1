package rpc

import (
	"context"
	"sync"
	"time"

	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"

	"github.com/soyaya/metagauge/services/indexer-service/internal/domain"
	"github.com/soyaya/metagauge/shared/resilience"
)

// Transport is the JSON-RPC client behind one endpoint URL. Satisfied by
// *gethrpc.Client; tests substitute fakes.
type Transport interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
	Close()
}

// DialFunc opens a transport for an endpoint URL
type DialFunc func(ctx context.Context, url string) (Transport, error)

// GethDial dials with the go-ethereum JSON-RPC client
func GethDial(ctx context.Context, url string) (Transport, error) {
	return gethrpc.DialContext(ctx, url)
}

const ewmaAlpha = 0.2

// endpoint is one RPC URL of a chain with its pool-side bookkeeping
type endpoint struct {
	url      string
	chain    domain.ChainID
	priority int
	breaker  *resilience.CircuitBreaker
	limiter  *rate.Limiter

	mu                  sync.Mutex
	transport           Transport
	consecutiveFailures int
	lastProbeAt         time.Time
	latencyEwma         time.Duration
	dial                DialFunc
}

// client returns the lazily dialed transport
func (e *endpoint) client(ctx context.Context) (Transport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.transport != nil {
		return e.transport, nil
	}
	t, err := e.dial(ctx, e.url)
	if err != nil {
		return nil, err
	}
	e.transport = t
	return t, nil
}

func (e *endpoint) recordSuccess(latency time.Duration) {
	e.breaker.RecordSuccess()
	e.mu.Lock()
	e.consecutiveFailures = 0
	if e.latencyEwma == 0 {
		e.latencyEwma = latency
	} else {
		e.latencyEwma = time.Duration((1-ewmaAlpha)*float64(e.latencyEwma) + ewmaAlpha*float64(latency))
	}
	e.mu.Unlock()
}

func (e *endpoint) recordFailure() {
	e.breaker.RecordFailure()
	e.mu.Lock()
	e.consecutiveFailures++
	e.mu.Unlock()
}

func (e *endpoint) markProbed() {
	e.mu.Lock()
	e.lastProbeAt = time.Now()
	e.mu.Unlock()
}

// state derives the reported endpoint state from the breaker
func (e *endpoint) state() domain.EndpointState {
	switch e.breaker.GetState() {
	case resilience.StateOpen:
		return domain.EndpointOpenCircuit
	case resilience.StateHalfOpen:
		return domain.EndpointDegraded
	default:
		return domain.EndpointHealthy
	}
}

func (e *endpoint) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.transport != nil {
		e.transport.Close()
		e.transport = nil
	}
}

func (e *endpoint) status() domain.EndpointStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return domain.EndpointStatus{
		URL:                 e.url,
		Chain:               e.chain,
		Priority:            e.priority,
		State:               e.state(),
		ConsecutiveFailures: e.consecutiveFailures,
		LastProbeAt:         e.lastProbeAt,
		LatencyEwmaMs:       float64(e.latencyEwma) / float64(time.Millisecond),
	}
}
