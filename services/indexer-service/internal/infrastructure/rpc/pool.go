package rpc

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/soyaya/metagauge/services/indexer-service/internal/domain"
	sharederrors "github.com/soyaya/metagauge/shared/errors"
	"github.com/soyaya/metagauge/shared/logging"
	"github.com/soyaya/metagauge/shared/metrics"
	"github.com/soyaya/metagauge/shared/resilience"
)

// PoolConfig tunes the endpoint pool
type PoolConfig struct {
	MaxRetries              int
	BaseDelay               time.Duration
	MaxDelay                time.Duration
	CircuitFailureThreshold int
	CircuitCooldown         time.Duration
	CircuitMaxCooldown      time.Duration
	HealthProbeInterval     time.Duration
	MaxConcurrentPerChain   int
	Dial                    DialFunc
}

// DefaultPoolConfig returns the documented defaults
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxRetries:              3,
		BaseDelay:               2 * time.Second,
		MaxDelay:                30 * time.Second,
		CircuitFailureThreshold: 5,
		CircuitCooldown:         30 * time.Second,
		CircuitMaxCooldown:      10 * time.Minute,
		HealthProbeInterval:     30 * time.Second,
		MaxConcurrentPerChain:   64,
		Dial:                    GethDial,
	}
}

// CallOption adjusts a single call
type CallOption func(*callOptions)

type callOptions struct {
	timeout time.Duration
}

// WithTimeout bounds one call with its own deadline
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// StateListener is notified when an endpoint leaves or re-enters service
type StateListener func(chain domain.ChainID, endpointURL string, state domain.EndpointState)

// Pool is the multi-URL RPC client pool. Per chain it holds an ordered
// endpoint list and routes each call to the best available one, with
// per-endpoint retry, rate limiting and circuit breaking. Chains initialise
// lazily on first use; health probes start with the first call for a chain.
type Pool struct {
	cfg     PoolConfig
	logger  *logging.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	chains    map[domain.ChainID]*chainPool
	listener  StateListener
	rootCtx   context.Context
	rootStop  context.CancelFunc
	closeOnce sync.Once
}

type chainPool struct {
	chain     domain.ChainID
	endpoints []*endpoint
	sem       chan struct{}
	headFn    string
	probeOnce sync.Once
}

// NewPool creates a pool over the configured chains. Endpoints are not
// dialed and probes are not running until a chain is first used.
func NewPool(cfg PoolConfig, chains map[domain.ChainID]domain.ChainConfig, logger *logging.Logger, m *metrics.Metrics) *Pool {
	if cfg.Dial == nil {
		cfg.Dial = GethDial
	}
	rootCtx, rootStop := context.WithCancel(context.Background())

	p := &Pool{
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		chains:   make(map[domain.ChainID]*chainPool),
		rootCtx:  rootCtx,
		rootStop: rootStop,
	}

	for id, chainCfg := range chains {
		p.chains[id] = p.buildChain(id, chainCfg)
	}
	return p
}

func (p *Pool) buildChain(id domain.ChainID, cfg domain.ChainConfig) *chainPool {
	cp := &chainPool{
		chain:  id,
		sem:    make(chan struct{}, p.cfg.MaxConcurrentPerChain),
		headFn: headMethod(id),
	}

	ordered := append([]domain.EndpointConfig(nil), cfg.Endpoints...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Priority < ordered[j].Priority })

	for _, epCfg := range ordered {
		qps := epCfg.QPS
		if qps <= 0 {
			qps = 10
		}
		url := epCfg.URL
		ep := &endpoint{
			url:      url,
			chain:    id,
			priority: epCfg.Priority,
			dial:     p.cfg.Dial,
			limiter:  rate.NewLimiter(rate.Limit(qps), qps),
			breaker: resilience.NewCircuitBreaker(&resilience.CircuitBreakerConfig{
				Name:        string(id) + ":" + url,
				MaxFailures: uint32(p.cfg.CircuitFailureThreshold),
				Cooldown:    p.cfg.CircuitCooldown,
				MaxCooldown: p.cfg.CircuitMaxCooldown,
				OnStateChange: func(name string, from, to resilience.State) {
					p.onBreakerChange(id, url, to)
				},
			}),
		}
		cp.endpoints = append(cp.endpoints, ep)
	}
	return cp
}

func headMethod(chain domain.ChainID) string {
	if chain == domain.ChainStarknet {
		return "starknet_blockNumber"
	}
	return "eth_blockNumber"
}

// SetStateListener registers the endpoint state change callback
func (p *Pool) SetStateListener(listener StateListener) {
	p.mu.Lock()
	p.listener = listener
	p.mu.Unlock()
}

func (p *Pool) onBreakerChange(chain domain.ChainID, url string, to resilience.State) {
	state := domain.EndpointHealthy
	gauge := 0.0
	switch to {
	case resilience.StateOpen:
		state = domain.EndpointOpenCircuit
		gauge = 1
	case resilience.StateHalfOpen:
		state = domain.EndpointDegraded
		gauge = 2
	}
	if p.metrics != nil {
		p.metrics.CircuitState.WithLabelValues(string(chain), url).Set(gauge)
	}
	if p.logger != nil {
		p.logger.WithFields(map[string]interface{}{
			"chain": chain, "endpoint": url, "state": state,
		}).Warn("endpoint state changed")
	}

	p.mu.Lock()
	listener := p.listener
	p.mu.Unlock()
	if listener != nil {
		listener(chain, url, state)
	}
}

// Call issues one JSON-RPC call on the named chain. It walks the endpoint
// list in priority order, skipping open circuits; per endpoint it retries
// transient failures with exponential backoff before advancing to the next.
// A cancelled context returns Cancelled without flipping breaker counters.
func (p *Pool) Call(ctx context.Context, chain domain.ChainID, result interface{}, method string, params []interface{}, opts ...CallOption) error {
	options := callOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if options.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, options.timeout)
		defer cancel()
	}

	cp, err := p.chainFor(chain)
	if err != nil {
		return err
	}
	cp.probeOnce.Do(func() { go p.probeLoop(cp) })

	// Chain-level concurrency cap
	select {
	case cp.sem <- struct{}{}:
		defer func() { <-cp.sem }()
	case <-ctx.Done():
		return sharederrors.Cancelled("rpc call cancelled while queued").WithCause(ctx.Err())
	}

	var lastErr *sharederrors.Error
	attempted := false

	for _, ep := range cp.endpoints {
		if !ep.breaker.Allow() {
			continue
		}
		attempted = true

		callErr := p.callEndpoint(ctx, cp, ep, result, method, params)
		if callErr == nil {
			return nil
		}
		if callErr.Code == sharederrors.CodeCancelled {
			return callErr
		}
		lastErr = callErr
		if callErr.Code == sharederrors.CodePermanentRpc || callErr.Code == sharederrors.CodeChunkOverflow {
			// Not an endpoint problem worth failing over for
			return callErr
		}
		// Transient after all endpoint-level retries: advance to the next endpoint
	}

	if !attempted {
		return sharederrors.NoHealthyEndpoint(string(chain))
	}
	return lastErr
}

// callEndpoint runs the per-endpoint retry loop
func (p *Pool) callEndpoint(ctx context.Context, cp *chainPool, ep *endpoint, result interface{}, method string, params []interface{}) *sharederrors.Error {
	var classified *sharederrors.Error

	for attempt := 0; attempt < p.cfg.MaxRetries; attempt++ {
		if err := ep.limiter.Wait(ctx); err != nil {
			return sharederrors.Cancelled("rpc call cancelled waiting for rate limit").WithCause(err)
		}

		client, err := ep.client(ctx)
		if err != nil {
			classified = Classify(err)
		} else {
			if p.metrics != nil {
				p.metrics.RPCCalls.WithLabelValues(string(cp.chain), ep.url).Inc()
			}
			start := time.Now()
			err = client.CallContext(ctx, result, method, params...)
			latency := time.Since(start)
			if p.metrics != nil {
				p.metrics.RPCLatency.WithLabelValues(string(cp.chain), ep.url).Observe(latency.Seconds())
			}
			if err == nil {
				ep.recordSuccess(latency)
				return nil
			}
			classified = Classify(err)
		}

		if classified.Code == sharederrors.CodeCancelled {
			// Cancellation consumes neither a retry attempt nor breaker counters
			return classified
		}
		if p.metrics != nil {
			p.metrics.RPCFailures.WithLabelValues(string(cp.chain), ep.url).Inc()
		}
		if classified.Code != sharederrors.CodeTransientRpc {
			if classified.Code == sharederrors.CodePermanentRpc || classified.Code == sharederrors.CodeChunkOverflow {
				// The endpoint answered; the request itself was at fault
				ep.breaker.RecordSuccess()
			}
			return classified
		}

		ep.recordFailure()
		if ep.breaker.GetState() != resilience.StateClosed {
			return classified
		}
		if attempt == p.cfg.MaxRetries-1 {
			break
		}

		backoff := resilience.Backoff(attempt, &resilience.RetryConfig{
			BaseDelay: p.cfg.BaseDelay,
			MaxDelay:  p.cfg.MaxDelay,
			JitterMax: time.Second,
		})
		select {
		case <-ctx.Done():
			return sharederrors.Cancelled("rpc call cancelled during backoff").WithCause(ctx.Err())
		case <-time.After(backoff):
		}
	}

	return classified
}

func (p *Pool) chainFor(chain domain.ChainID) (*chainPool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp, ok := p.chains[chain]
	if !ok || len(cp.endpoints) == 0 {
		return nil, sharederrors.Newf(sharederrors.CodeInternal, "no endpoints configured for chain %s", chain)
	}
	return cp, nil
}

// probeLoop issues a cheap head probe to every endpoint of the chain
func (p *Pool) probeLoop(cp *chainPool) {
	interval := p.cfg.HealthProbeInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.rootCtx.Done():
			return
		case <-ticker.C:
			p.probeChain(cp)
		}
	}
}

func (p *Pool) probeChain(cp *chainPool) {
	healthy := 0
	for _, ep := range cp.endpoints {
		ep.markProbed()
		if !ep.breaker.Allow() {
			continue
		}
		ctx, cancel := context.WithTimeout(p.rootCtx, 10*time.Second)
		var head string
		start := time.Now()
		client, err := ep.client(ctx)
		if err == nil {
			err = client.CallContext(ctx, &head, cp.headFn)
		}
		cancel()

		if err != nil {
			if Classify(err).Code == sharederrors.CodeTransientRpc {
				ep.recordFailure()
			}
			continue
		}
		ep.recordSuccess(time.Since(start))
		healthy++
	}
	if p.metrics != nil {
		p.metrics.HealthyEndpoints.WithLabelValues(string(cp.chain)).Set(float64(healthy))
	}
}

// Snapshot returns the current status of every endpoint, per chain
func (p *Pool) Snapshot() map[domain.ChainID][]domain.EndpointStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[domain.ChainID][]domain.EndpointStatus, len(p.chains))
	for id, cp := range p.chains {
		statuses := make([]domain.EndpointStatus, 0, len(cp.endpoints))
		for _, ep := range cp.endpoints {
			statuses = append(statuses, ep.status())
		}
		out[id] = statuses
	}
	return out
}

// HealthyCount returns how many endpoints of the chain are not open-circuited
func (p *Pool) HealthyCount(chain domain.ChainID) int {
	p.mu.Lock()
	cp, ok := p.chains[chain]
	p.mu.Unlock()
	if !ok {
		return 0
	}
	n := 0
	for _, ep := range cp.endpoints {
		if ep.state() != domain.EndpointOpenCircuit {
			n++
		}
	}
	return n
}

// Close stops probes and closes every dialed transport
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.rootStop()
		p.mu.Lock()
		defer p.mu.Unlock()
		for _, cp := range p.chains {
			for _, ep := range cp.endpoints {
				ep.close()
			}
		}
	})
}
