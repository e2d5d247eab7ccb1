package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soyaya/metagauge/services/indexer-service/internal/domain"
	sharederrors "github.com/soyaya/metagauge/shared/errors"
)

// memRepo is an in-memory AnalysisRepository
type memRepo struct {
	mu      sync.Mutex
	records map[string]*domain.Analysis
}

func newMemRepo() *memRepo {
	return &memRepo{records: make(map[string]*domain.Analysis)}
}

func (r *memRepo) Create(ctx context.Context, record *domain.Analysis) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *record
	r.records[record.SessionID] = &clone
	return nil
}

func (r *memRepo) Update(ctx context.Context, sessionID string, patch domain.AnalysisPatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.records[sessionID]
	if !ok {
		return fmt.Errorf("analysis %s not found", sessionID)
	}
	if patch.State != nil {
		record.State = *patch.State
	}
	if patch.Progress != nil {
		record.Progress = *patch.Progress
	}
	if patch.Window != nil {
		record.Window = *patch.Window
	}
	if patch.Metrics != nil {
		record.Metrics = *patch.Metrics
	}
	if patch.Error != nil {
		record.Error = patch.Error
	}
	record.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *memRepo) FindByID(ctx context.Context, sessionID string) (*domain.Analysis, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.records[sessionID]
	if !ok {
		return nil, fmt.Errorf("analysis %s not found", sessionID)
	}
	clone := *record
	return &clone, nil
}

func (r *memRepo) FindByUser(ctx context.Context, userID string, filter domain.AnalysisFilter) ([]*domain.Analysis, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Analysis
	for _, record := range r.records {
		if record.UserID != userID {
			continue
		}
		if filter.Chain != "" && record.Chain != filter.Chain {
			continue
		}
		if len(filter.States) > 0 {
			match := false
			for _, s := range filter.States {
				if record.State == s {
					match = true
				}
			}
			if !match {
				continue
			}
		}
		clone := *record
		out = append(out, &clone)
	}
	return out, nil
}

func (r *memRepo) FindActive(ctx context.Context) ([]*domain.Analysis, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Analysis
	for _, record := range r.records {
		if !record.State.IsTerminal() {
			clone := *record
			out = append(out, &clone)
		}
	}
	return out, nil
}

// memLogStore records StoreChunkLogs calls
type memLogStore struct {
	mu     sync.Mutex
	chunks map[string]int // "session:index" -> log count
}

func newMemLogStore() *memLogStore {
	return &memLogStore{chunks: make(map[string]int)}
}

func (s *memLogStore) StoreChunkLogs(ctx context.Context, sessionID string, chain domain.ChainID, chunkIndex int, logs []domain.Log) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks[fmt.Sprintf("%s:%d", sessionID, chunkIndex)] = len(logs)
	return nil
}

// captureSink collects every published event and signals the terminal one
type captureSink struct {
	mu       sync.Mutex
	events   []*domain.ProgressEvent
	terminal chan *domain.ProgressEvent
}

func newCaptureSink() *captureSink {
	return &captureSink{terminal: make(chan *domain.ProgressEvent, 1)}
}

func (s *captureSink) PublishProgress(event *domain.ProgressEvent) {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
}

func (s *captureSink) PublishTerminal(event *domain.ProgressEvent) {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
	s.terminal <- event
}

func (s *captureSink) all() []*domain.ProgressEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*domain.ProgressEvent(nil), s.events...)
}

// gatedFetcher blocks Head until released, for deterministic concurrency
// tests
type gatedFetcher struct {
	*fakeFetcher
	gate chan struct{}
}

func (f *gatedFetcher) Head(ctx context.Context, chain domain.ChainID) (uint64, error) {
	select {
	case <-f.gate:
		return f.fakeFetcher.Head(ctx, chain)
	case <-ctx.Done():
		if cause := context.Cause(ctx); cause != nil {
			return 0, cause
		}
		return 0, ctx.Err()
	}
}

func testChains() map[domain.ChainID]domain.ChainConfig {
	return map[domain.ChainID]domain.ChainConfig{
		domain.ChainLisk:     liskChain(),
		domain.ChainEthereum: ethereumChain(),
	}
}

func quickSessionConfig() SessionConfig {
	cfg := DefaultSessionConfig()
	cfg.ChunkSize = 100
	cfg.MaxChunkAttempts = 2
	cfg.Retry.BaseDelay = 5 * time.Millisecond
	cfg.Retry.MaxDelay = 20 * time.Millisecond
	cfg.Retry.JitterMax = time.Millisecond
	return cfg
}

type managerFixture struct {
	repo    *memRepo
	logs    *memLogStore
	sink    *captureSink
	manager *Manager
}

func newManagerFixture(t *testing.T, fetcher domain.ContractFetcher, subs domain.SubscriptionSource) *managerFixture {
	t.Helper()

	repo := newMemRepo()
	logs := newMemLogStore()
	sink := newCaptureSink()
	finder := NewDeploymentFinder(fetcher, nil, testLogger())
	chunks := NewChunkManager(fetcher, testLogger(), 100, 10)

	manager, err := NewManager(context.Background(), testChains(), quickSessionConfig(), ManagerDeps{
		Repo:          repo,
		Logs:          logs,
		Fetcher:       fetcher,
		Finder:        finder,
		Chunks:        chunks,
		Subscriptions: subs,
		Sinks:         func(domain.ChainID) domain.ProgressSink { return sink },
		Logger:        testLogger(),
	})
	require.NoError(t, err)
	return &managerFixture{repo: repo, logs: logs, sink: sink, manager: manager}
}

func waitTerminal(t *testing.T, sink *captureSink) *domain.ProgressEvent {
	t.Helper()
	select {
	case event := <-sink.terminal:
		return event
	case <-time.After(5 * time.Second):
		t.Fatal("no terminal event within deadline")
		return nil
	}
}

func TestSessionCompletesAndReportsMonotonicProgress(t *testing.T) {
	fetcher := &fakeFetcher{head: 999, logsFn: overflowBelow(1_000_000)}
	fx := newManagerFixture(t, fetcher, nil)

	sessionID, err := fx.manager.Start(context.Background(), "user-1", "0xcontract", domain.ChainLisk)
	require.NoError(t, err)

	terminal := waitTerminal(t, fx.sink)
	assert.Equal(t, domain.EventSessionCompleted, terminal.Kind)
	assert.Equal(t, float64(100), terminal.Progress)

	// Durable record agrees
	record, err := fx.repo.FindByID(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, record.State)
	assert.Equal(t, float64(100), record.Progress)
	// Free tier window clamps to deployment 0: [0,999], 10 chunks of 100
	assert.Equal(t, uint64(0), record.Window.StartBlock)
	assert.Equal(t, uint64(999), record.Window.EndBlock)
	assert.Equal(t, uint64(100), record.Metrics.LogCount) // 10 per chunk

	fx.logs.mu.Lock()
	persistedChunks := len(fx.logs.chunks)
	fx.logs.mu.Unlock()
	assert.Equal(t, 10, persistedChunks)
	// One range fetch per chunk, no splits, no failed attempts
	assert.Equal(t, uint64(10), record.Metrics.RPCCalls)

	// Progress never decreases, exactly one terminal event, and it is last
	events := fx.sink.all()
	var last float64
	terminals := 0
	for i, event := range events {
		if event.Kind.IsTerminal() {
			terminals++
			assert.Equal(t, len(events)-1, i, "terminal event is not last")
		}
		if event.Kind == domain.EventProgress || event.Kind == domain.EventChunkCompleted {
			assert.GreaterOrEqual(t, event.Progress, last)
			last = event.Progress
		}
	}
	assert.Equal(t, 1, terminals)
}

func TestConcurrentStartSingleSession(t *testing.T) {
	fetcher := &gatedFetcher{
		fakeFetcher: &fakeFetcher{head: 999, logsFn: overflowBelow(1_000_000)},
		gate:        make(chan struct{}),
	}
	fx := newManagerFixture(t, fetcher, nil)

	type outcome struct {
		id  string
		err error
	}
	results := make(chan outcome, 2)
	for i := 0; i < 2; i++ {
		go func() {
			id, err := fx.manager.Start(context.Background(), "user-1", "0xAE", domain.ChainLisk)
			results <- outcome{id: id, err: err}
		}()
	}

	var ids []string
	var already *sharederrors.Error
	for i := 0; i < 2; i++ {
		out := <-results
		if out.err == nil {
			ids = append(ids, out.id)
			continue
		}
		require.True(t, sharederrors.IsCode(out.err, sharederrors.CodeAlreadyRunning))
		already = out.err.(*sharederrors.Error)
	}
	require.Len(t, ids, 1, "exactly one start must win")
	require.NotNil(t, already)
	assert.Equal(t, ids[0], already.Details["session_id"])

	// A different contract for the same user still starts
	_, err := fx.manager.Start(context.Background(), "user-1", "0xOTHER", domain.ChainLisk)
	require.Error(t, err, "free tier allows a single concurrent contract")

	close(fetcher.gate)
	waitTerminal(t, fx.sink)
}

func TestStopIsIdempotent(t *testing.T) {
	fetcher := &gatedFetcher{
		fakeFetcher: &fakeFetcher{head: 999, logsFn: overflowBelow(1_000_000)},
		gate:        make(chan struct{}),
	}
	fx := newManagerFixture(t, fetcher, nil)

	sessionID, err := fx.manager.Start(context.Background(), "user-1", "0xcontract", domain.ChainLisk)
	require.NoError(t, err)

	require.NoError(t, fx.manager.Stop(context.Background(), sessionID))

	terminal := waitTerminal(t, fx.sink)
	assert.Equal(t, domain.EventSessionCancelled, terminal.Kind)

	// Stopping again, now terminal, still succeeds
	require.NoError(t, fx.manager.Stop(context.Background(), sessionID))

	// Unknown sessions are an error
	assert.Error(t, fx.manager.Stop(context.Background(), "no-such-session"))

	record, err := fx.repo.FindByID(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCancelled, record.State)

	// The slot frees up for a new start
	require.Eventually(t, func() bool {
		_, err := fx.manager.Start(context.Background(), "user-1", "0xcontract", domain.ChainLisk)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStaleRecoveryAtStartup(t *testing.T) {
	repo := newMemRepo()
	staleID := "stale-session"
	stalePendingID := "stale-pending-session"
	freshID := "fresh-session"
	repo.records[staleID] = &domain.Analysis{
		SessionID: staleID, UserID: "user-1", ContractAddress: "0xcontract",
		Chain: domain.ChainLisk, State: domain.SessionRunning,
		UpdatedAt: time.Now().UTC().Add(-10 * time.Minute),
	}
	// A crash between insert and first transition leaves a Pending record
	repo.records[stalePendingID] = &domain.Analysis{
		SessionID: stalePendingID, UserID: "user-3", ContractAddress: "0xpending",
		Chain: domain.ChainLisk, State: domain.SessionPending,
		UpdatedAt: time.Now().UTC().Add(-10 * time.Minute),
	}
	repo.records[freshID] = &domain.Analysis{
		SessionID: freshID, UserID: "user-2", ContractAddress: "0xother",
		Chain: domain.ChainLisk, State: domain.SessionRunning,
		UpdatedAt: time.Now().UTC(),
	}

	fetcher := &fakeFetcher{head: 999, logsFn: overflowBelow(1_000_000)}
	finder := NewDeploymentFinder(fetcher, nil, testLogger())
	chunks := NewChunkManager(fetcher, testLogger(), 100, 10)
	sink := newCaptureSink()

	manager, err := NewManager(context.Background(), testChains(), quickSessionConfig(), ManagerDeps{
		Repo:    repo,
		Logs:    newMemLogStore(),
		Fetcher: fetcher,
		Finder:  finder,
		Chunks:  chunks,
		Sinks:   func(domain.ChainID) domain.ProgressSink { return sink },
		Logger:  testLogger(),
	})
	require.NoError(t, err)

	stale, err := repo.FindByID(context.Background(), staleID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionFailed, stale.State)
	require.NotNil(t, stale.Error)
	assert.Equal(t, sharederrors.CodeStale, stale.Error.Code)

	pending, err := repo.FindByID(context.Background(), stalePendingID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionFailed, pending.State)
	require.NotNil(t, pending.Error)
	assert.Equal(t, sharederrors.CodeStale, pending.Error.Code)

	fresh, err := repo.FindByID(context.Background(), freshID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionRunning, fresh.State, "recent heartbeat must survive recovery")

	// The pair is free again, and the new record points back at the stale run
	newID, err := manager.Start(context.Background(), "user-1", "0xcontract", domain.ChainLisk)
	require.NoError(t, err)
	record, err := repo.FindByID(context.Background(), newID)
	require.NoError(t, err)
	assert.Equal(t, staleID, record.ResumedFrom)
	waitTerminal(t, sink)
}

func sessionFixture(t *testing.T, fetcher domain.ContractFetcher, sink *captureSink) *Session {
	t.Helper()

	repo := newMemRepo()
	require.NoError(t, repo.Create(context.Background(), &domain.Analysis{
		SessionID: "sess-1", UserID: "user-1", ContractAddress: "0xcontract",
		Chain: domain.ChainLisk, State: domain.SessionPending,
	}))

	return NewSession("sess-1", "user-1", "0xcontract", liskChain(), domain.TierFree, SessionDeps{
		Repo:    repo,
		Logs:    newMemLogStore(),
		Fetcher: fetcher,
		Finder:  NewDeploymentFinder(fetcher, nil, testLogger()),
		Chunks:  NewChunkManager(fetcher, testLogger(), 100, 10),
		Sink:    sink,
		Logger:  testLogger(),
	}, quickSessionConfig())
}

func TestRunReturnsAfterAllChunksPersist(t *testing.T) {
	// Run must unwind its worker pool and return once every chunk is
	// persisted, not just emit the terminal event
	fetcher := &fakeFetcher{head: 999, logsFn: overflowBelow(1_000_000)}
	sink := newCaptureSink()
	session := sessionFixture(t, fetcher, sink)

	go session.Run(context.Background())

	select {
	case <-session.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after the last chunk persisted")
	}
	assert.Equal(t, domain.SessionCompleted, session.State())
	terminal := waitTerminal(t, sink)
	assert.Equal(t, domain.EventSessionCompleted, terminal.Kind)
}

func TestCancelBeforeRunIsHonoured(t *testing.T) {
	// A stop can land between Start returning and the run goroutine being
	// scheduled; it must still cancel the session
	fetcher := &fakeFetcher{head: 999, logsFn: overflowBelow(1_000_000)}
	sink := newCaptureSink()
	session := sessionFixture(t, fetcher, sink)

	session.Cancel("stopped by user")
	go session.Run(context.Background())

	terminal := waitTerminal(t, sink)
	assert.Equal(t, domain.EventSessionCancelled, terminal.Kind)
	assert.Equal(t, domain.SessionCancelled, session.State())

	// The session never reached the chain
	fetcher.mu.Lock()
	calls := fetcher.logCalls
	fetcher.mu.Unlock()
	assert.Equal(t, 0, calls)
}

type failingSubs struct{}

func (failingSubs) Resolve(ctx context.Context, walletAddress string) (*domain.TierInfo, error) {
	return nil, fmt.Errorf("subscription service unreachable")
}

func TestSubscriptionFallbackToFree(t *testing.T) {
	fetcher := &fakeFetcher{head: 999, logsFn: overflowBelow(1_000_000)}
	fx := newManagerFixture(t, fetcher, failingSubs{})

	sessionID, err := fx.manager.Start(context.Background(), "user-1", "0xcontract", domain.ChainLisk)
	require.NoError(t, err)

	record, err := fx.repo.FindByID(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.TierFree.Name, record.Tier)
	assert.True(t, record.TierFallback)
	waitTerminal(t, fx.sink)
}

func TestSessionHardDeadlineTimesOut(t *testing.T) {
	fetcher := &gatedFetcher{
		fakeFetcher: &fakeFetcher{head: 999, logsFn: overflowBelow(1_000_000)},
		gate:        make(chan struct{}), // never released
	}
	repo := newMemRepo()
	sink := newCaptureSink()
	finder := NewDeploymentFinder(fetcher, nil, testLogger())
	chunks := NewChunkManager(fetcher, testLogger(), 100, 10)

	cfg := quickSessionConfig()
	cfg.HardDeadline = 50 * time.Millisecond

	manager, err := NewManager(context.Background(), testChains(), cfg, ManagerDeps{
		Repo:    repo,
		Logs:    newMemLogStore(),
		Fetcher: fetcher,
		Finder:  finder,
		Chunks:  chunks,
		Sinks:   func(domain.ChainID) domain.ProgressSink { return sink },
		Logger:  testLogger(),
	})
	require.NoError(t, err)

	sessionID, err := manager.Start(context.Background(), "user-1", "0xcontract", domain.ChainLisk)
	require.NoError(t, err)

	terminal := waitTerminal(t, sink)
	assert.Equal(t, domain.EventSessionFailed, terminal.Kind)
	require.NotNil(t, terminal.Error)
	assert.Equal(t, sharederrors.CodeTimeout, terminal.Error.Code)

	record, err := repo.FindByID(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionFailed, record.State)
}

func TestChunkRetryThenAbandon(t *testing.T) {
	// Every Logs call fails transiently: chunks retry up to the attempt cap
	// and then fail the session
	fetcher := &fakeFetcher{head: 99, logsFn: func(from, to uint64) ([]domain.Log, error) {
		return nil, sharederrors.TransientRpc("flaky upstream", nil)
	}}
	fx := newManagerFixture(t, fetcher, nil)

	_, err := fx.manager.Start(context.Background(), "user-1", "0xcontract", domain.ChainLisk)
	require.NoError(t, err)

	terminal := waitTerminal(t, fx.sink)
	assert.Equal(t, domain.EventSessionFailed, terminal.Kind)
	require.NotNil(t, terminal.Error)
	assert.Equal(t, sharederrors.CodeTransientRpc, terminal.Error.Code)

	// chunk-failed frames were published on the way down
	failures := 0
	for _, event := range fx.sink.all() {
		if event.Kind == domain.EventChunkFailed {
			failures++
		}
	}
	assert.GreaterOrEqual(t, failures, 2, "expected at least one retry before abandoning")
}
