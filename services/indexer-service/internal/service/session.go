package service

import (
	"context"
	"sync"
	"time"

	"github.com/soyaya/metagauge/services/indexer-service/internal/domain"
	sharederrors "github.com/soyaya/metagauge/shared/errors"
	"github.com/soyaya/metagauge/shared/logging"
	"github.com/soyaya/metagauge/shared/metrics"
	"github.com/soyaya/metagauge/shared/resilience"
)

const (
	// progressInterval throttles pure progress frames
	progressInterval = 500 * time.Millisecond

	// nominalChunkTime seeds the soft-deadline runtime estimate
	nominalChunkTime = 10 * time.Second
)

// SessionConfig carries the tunables a session inherits from service config
type SessionConfig struct {
	ChunkSize        uint64
	ChunkFloor       uint64
	MaxChunkAttempts int
	HardDeadline     time.Duration // Free/Starter; Pro/Enterprise get 6x
	SoftDeadlineMin  time.Duration
	Retry            *resilience.RetryConfig
}

// DefaultSessionConfig returns the stock tunables
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		ChunkSize:        DefaultChunkSize,
		ChunkFloor:       ChunkFloor,
		MaxChunkAttempts: 5,
		HardDeadline:     time.Hour,
		SoftDeadlineMin:  3 * time.Minute,
		Retry:            resilience.DefaultRetryConfig(),
	}
}

// SessionDeps bundles the collaborators a session drives
type SessionDeps struct {
	Repo    domain.AnalysisRepository
	Logs    domain.LogStore
	Fetcher domain.ContractFetcher
	Finder  *DeploymentFinder
	Chunks  *ChunkManager
	Sink    domain.ProgressSink
	Metrics *metrics.Metrics
	Logger  *logging.Logger
}

// Session drives one contract through the indexing state machine:
// Pending, Planning, Running, Validating, then Completed, with Failed and
// Cancelled reachable from any non-terminal state.
type Session struct {
	ID              string
	UserID          string
	ContractAddress string
	Chain           domain.ChainConfig
	Tier            domain.Tier
	TierFallback    bool
	ResumedFrom     string

	deps SessionDeps
	cfg  SessionConfig

	mu              sync.RWMutex
	state           domain.SessionState
	progress        float64
	window          domain.BlockWindow
	chunks          []domain.Chunk
	agg             domain.Metrics
	accounts        map[string]struct{}
	blocks          map[uint64]struct{}
	txHashes        map[string]struct{}
	persistedBlocks uint64
	headBlock       uint64
	errVal          *sharederrors.Error
	createdAt       time.Time
	updatedAt       time.Time
	lastEmit        time.Time

	cancel    context.CancelCauseFunc
	stopCause *sharederrors.Error // set by Cancel, possibly before Run
	done      chan struct{}
}

// NewSession builds a Pending session; Run starts it
func NewSession(id, userID, address string, chain domain.ChainConfig, tier domain.Tier, deps SessionDeps, cfg SessionConfig) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:              id,
		UserID:          userID,
		ContractAddress: address,
		Chain:           chain,
		Tier:            tier,
		deps:            deps,
		cfg:             cfg,
		state:           domain.SessionPending,
		accounts:        make(map[string]struct{}),
		blocks:          make(map[uint64]struct{}),
		txHashes:        make(map[string]struct{}),
		createdAt:       now,
		updatedAt:       now,
		done:            make(chan struct{}),
	}
}

// Done closes when the session reaches a terminal state
func (s *Session) Done() <-chan struct{} { return s.done }

// Cancel asks the session to stop; idempotent, terminal sessions ignore it.
// A cancel landing before Run has started is remembered and honoured when it
// does.
func (s *Session) Cancel(reason string) {
	s.mu.Lock()
	if s.stopCause == nil {
		s.stopCause = sharederrors.Cancelled(reason)
	}
	cause := s.stopCause
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel(cause)
	}
}

// Run executes the session to a terminal state. It blocks; callers run it in
// its own goroutine and watch Done.
func (s *Session) Run(parent context.Context) {
	defer close(s.done)

	hard := s.cfg.HardDeadline
	if s.Tier.Number >= domain.TierPro.Number {
		hard *= 6
	}
	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)
	ctx, timeoutStop := context.WithTimeoutCause(ctx, hard,
		sharederrors.Timeout("session hard deadline exceeded"))
	defer timeoutStop()

	s.mu.Lock()
	s.cancel = cancel
	pending := s.stopCause
	s.mu.Unlock()
	if pending != nil {
		cancel(pending)
	}

	if err := s.run(ctx); err != nil {
		s.finishWithError(ctx, err)
		return
	}
	s.finishCompleted()
}

func (s *Session) run(ctx context.Context) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}

	s.transition(domain.SessionPlanning)

	head, err := s.deps.Fetcher.Head(ctx, s.Chain.ID)
	if err != nil {
		return err
	}
	deployment, err := s.deps.Finder.FindDeploymentBlock(ctx, s.Chain.ID, s.ContractAddress)
	if err != nil {
		return err
	}
	window, err := CalculateWindow(s.Chain, head, s.Tier, deployment)
	if err != nil {
		return err
	}
	plan := s.deps.Chunks.Plan(window)

	s.mu.Lock()
	s.window = window
	s.headBlock = head
	s.chunks = plan
	s.mu.Unlock()
	s.persistPatch(domain.AnalysisPatch{Window: &window})

	s.deps.Logger.WithFields(map[string]interface{}{
		"session_id": s.ID, "chain": s.Chain.ID,
		"start": window.StartBlock, "end": window.EndBlock, "chunks": len(plan),
	}).Info("session planned")

	s.transition(domain.SessionRunning)

	softStop := s.armSoftDeadline(len(plan))
	defer softStop()

	if err := s.runChunks(ctx); err != nil {
		return err
	}

	s.transition(domain.SessionValidating)
	s.mu.RLock()
	chunks := append([]domain.Chunk(nil), s.chunks...)
	s.mu.RUnlock()
	if violations := ValidateCoverage(window, chunks); len(violations) > 0 {
		first := violations[0].WithDetails("violations", len(violations))
		return first
	}
	return nil
}

type chunkOutcome struct {
	index  int
	result *ChunkResult
	err    error
}

// runChunks executes the plan on a bounded worker pool. Retryable chunk
// failures are re-enqueued with backoff up to MaxChunkAttempts; anything else
// fails the whole session.
func (s *Session) runChunks(ctx context.Context) error {
	s.mu.RLock()
	total := len(s.chunks)
	s.mu.RUnlock()
	if total == 0 {
		return nil
	}

	workers := s.Tier.ChunkConcurrency
	if workers < 1 {
		workers = 1
	}

	queue := make(chan int, total*s.cfg.MaxChunkAttempts)
	outcomes := make(chan chunkOutcome, workers)
	workCtx, stopWorkers := context.WithCancel(ctx)

	// Workers block on the queue; they must be released before the wait or
	// the session never returns
	var wg sync.WaitGroup
	defer func() {
		stopWorkers()
		wg.Wait()
	}()

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-workCtx.Done():
					return
				case idx := <-queue:
					result, err := s.executeChunk(workCtx, idx)
					select {
					case outcomes <- chunkOutcome{index: idx, result: result, err: err}:
					case <-workCtx.Done():
						return
					}
				}
			}
		}()
	}

	for i := 0; i < total; i++ {
		queue <- i
	}

	persisted := 0
	for persisted < total {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case out := <-outcomes:
			if out.err != nil {
				retry, ferr := s.handleChunkFailure(ctx, out.index, out.err, queue)
				if ferr != nil {
					return ferr
				}
				if !retry {
					return out.err
				}
				continue
			}
			s.absorbChunk(out.index, out.result)
			persisted++
		}
	}
	return nil
}

// executeChunk fetches one chunk and persists its logs
func (s *Session) executeChunk(ctx context.Context, idx int) (*ChunkResult, error) {
	s.mu.Lock()
	chunk := s.chunks[idx]
	chunk.State = domain.ChunkInFlight
	chunk.Attempts++
	chunk.StartedAt = time.Now().UTC()
	s.chunks[idx] = chunk
	s.mu.Unlock()

	started := time.Now()
	result, err := s.deps.Chunks.Execute(ctx, s.Chain.ID, s.ContractAddress, &chunk)
	if err != nil {
		return nil, err
	}
	if err := s.deps.Logs.StoreChunkLogs(ctx, s.ID, s.Chain.ID, chunk.Index, result.Logs); err != nil {
		if s.deps.Metrics != nil {
			s.deps.Metrics.StorageWriteFailures.Inc()
		}
		return nil, sharederrors.StorageUnavailable(err)
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.ChunkDuration.Observe(time.Since(started).Seconds())
	}
	return result, nil
}

// handleChunkFailure decides between re-enqueue and session failure. The
// second return value is a fatal error overriding the chunk's own.
func (s *Session) handleChunkFailure(ctx context.Context, idx int, err error, queue chan<- int) (retry bool, fatal error) {
	if cause := context.Cause(ctx); cause != nil {
		return false, cause
	}

	s.mu.Lock()
	chunk := s.chunks[idx]
	attempts := chunk.Attempts
	exhausted := attempts >= s.cfg.MaxChunkAttempts
	retryable := sharederrors.IsRetryable(err) &&
		!sharederrors.IsCode(err, sharederrors.CodeChunkOverflow) // splits happen inside Execute
	if retryable && !exhausted {
		chunk.State = domain.ChunkFailed
		s.agg.Retries++
	} else {
		chunk.State = domain.ChunkAbandoned
	}
	// The failed attempt issued at least one call; splits inside a failed
	// Execute are not recoverable here
	s.agg.RPCCalls++
	s.agg.RPCFailures++
	if e, ok := err.(*sharederrors.Error); ok {
		chunk.Err = e
	} else {
		chunk.Err = sharederrors.Internal(err.Error()).WithCause(err)
	}
	s.chunks[idx] = chunk
	s.mu.Unlock()

	if s.deps.Metrics != nil {
		s.deps.Metrics.ChunksFailed.Inc()
	}

	event := domain.NewProgressEvent(domain.EventChunkFailed, s.ID)
	chunkIdx := idx
	event.ChunkIndex = &chunkIdx
	event.Error = chunk.Err
	s.deps.Sink.PublishProgress(event)

	if !retryable || exhausted {
		s.deps.Logger.WithError(err).WithFields(map[string]interface{}{
			"session_id": s.ID, "chunk": idx, "attempts": attempts,
		}).Error("chunk abandoned")
		return false, nil
	}

	delay := resilience.Backoff(attempts-1, s.cfg.Retry)
	s.deps.Logger.WithError(err).WithFields(map[string]interface{}{
		"session_id": s.ID, "chunk": idx, "attempt": attempts, "retry_in": delay.String(),
	}).Warn("chunk failed, retrying")

	time.AfterFunc(delay, func() {
		select {
		case queue <- idx:
		case <-ctx.Done():
		}
	})
	return true, nil
}

// absorbChunk folds a finished chunk into the session aggregates and emits
// progress
func (s *Session) absorbChunk(idx int, result *ChunkResult) {
	now := time.Now().UTC()

	s.mu.Lock()
	chunk := s.chunks[idx]
	chunk.State = domain.ChunkPersisted
	chunk.CompletedAt = now
	chunk.LogCount = result.LogCount
	chunk.FirstLog = result.FirstLog
	chunk.LastLog = result.LastLog
	chunk.Err = nil
	s.chunks[idx] = chunk

	for k := range result.Accounts {
		s.accounts[k] = struct{}{}
	}
	for k := range result.Blocks {
		s.blocks[k] = struct{}{}
	}
	for k := range result.TxHashes {
		s.txHashes[k] = struct{}{}
	}
	s.agg.LogCount += result.LogCount
	s.agg.BytesIn += result.BytesIn
	s.agg.RPCCalls += result.Calls
	s.agg.TxCount = uint64(len(s.txHashes))
	s.agg.UniqueAccounts = uint64(len(s.accounts))
	s.agg.UniqueBlocks = uint64(len(s.blocks))

	s.persistedBlocks += chunk.Blocks()
	if s.window.TotalBlocks > 0 {
		s.progress = 100 * float64(s.persistedBlocks) / float64(s.window.TotalBlocks)
	}
	progress := s.progress
	metricsCopy := s.agg
	emit := now.Sub(s.lastEmit) >= progressInterval || s.persistedBlocks == s.window.TotalBlocks
	if emit {
		s.lastEmit = now
	}
	s.updatedAt = now
	s.mu.Unlock()

	if s.deps.Metrics != nil {
		s.deps.Metrics.ChunksCompleted.Inc()
		if result.Splits > 0 {
			s.deps.Metrics.ChunkSplits.Add(float64(result.Splits))
		}
	}

	event := domain.NewProgressEvent(domain.EventChunkCompleted, s.ID)
	chunkIdx := idx
	event.ChunkIndex = &chunkIdx
	event.Progress = progress
	event.Metrics = &metricsCopy
	s.deps.Sink.PublishProgress(event)

	if emit {
		progressEvent := domain.NewProgressEvent(domain.EventProgress, s.ID)
		progressEvent.Progress = progress
		progressEvent.Metrics = &metricsCopy
		s.deps.Sink.PublishProgress(progressEvent)

		s.persistPatch(domain.AnalysisPatch{Progress: &progress, Metrics: &metricsCopy})
	}
}

// armSoftDeadline emits a single slow event if the session outlives its
// estimate. Returns the disarm func.
func (s *Session) armSoftDeadline(chunkCount int) func() {
	workers := s.Tier.ChunkConcurrency
	if workers < 1 {
		workers = 1
	}
	batches := (chunkCount + workers - 1) / workers
	estimate := time.Duration(batches) * nominalChunkTime
	soft := 3 * estimate
	if soft < s.cfg.SoftDeadlineMin {
		soft = s.cfg.SoftDeadlineMin
	}

	timer := time.AfterFunc(soft, func() {
		s.mu.RLock()
		progress := s.progress
		metricsCopy := s.agg
		s.mu.RUnlock()

		event := domain.NewProgressEvent(domain.EventMetric, s.ID)
		event.Slow = true
		event.Progress = progress
		event.Metrics = &metricsCopy
		s.deps.Sink.PublishProgress(event)
		s.deps.Logger.WithFields(map[string]interface{}{
			"session_id": s.ID, "soft_deadline": soft.String(),
		}).Warn("session running past its estimate")
	})
	return func() { timer.Stop() }
}

func (s *Session) finishCompleted() {
	s.mu.Lock()
	s.progress = 100
	s.mu.Unlock()
	s.transition(domain.SessionCompleted)

	s.mu.RLock()
	progress := s.progress
	metricsCopy := s.agg
	head := s.headBlock
	s.mu.RUnlock()

	s.persistPatch(domain.AnalysisPatch{Progress: &progress, Metrics: &metricsCopy})
	if s.deps.Metrics != nil {
		s.deps.Metrics.SessionsCompleted.Inc()
	}

	// Continuous-sync tiers get a final head marker so follow-up scheduling
	// knows where this run stopped. Emitted before the terminal frame, which
	// must close the stream.
	if s.Tier.ContinuousSync {
		marker := domain.NewProgressEvent(domain.EventMetric, s.ID)
		marker.Progress = progress
		marker.Metrics = &metricsCopy
		marker.HeadBlock = head
		s.deps.Sink.PublishProgress(marker)
	}

	terminal := domain.NewProgressEvent(domain.EventSessionCompleted, s.ID)
	terminal.Progress = progress
	terminal.Metrics = &metricsCopy
	s.deps.Sink.PublishTerminal(terminal)

	s.deps.Logger.WithFields(map[string]interface{}{
		"session_id": s.ID, "logs": metricsCopy.LogCount, "accounts": metricsCopy.UniqueAccounts,
	}).Info("session completed")
}

func (s *Session) finishWithError(ctx context.Context, err error) {
	// The context cause is authoritative for timeout vs user cancellation;
	// worker errors racing a deadline would otherwise misreport it
	var typed *sharederrors.Error
	if cause := context.Cause(ctx); cause != nil {
		if c, ok := cause.(*sharederrors.Error); ok {
			typed = c
		}
	}
	if typed == nil {
		if c, ok := err.(*sharederrors.Error); ok {
			typed = c
		} else {
			typed = sharederrors.Internal(err.Error()).WithCause(err)
		}
	}

	cancelled := typed.Code == sharederrors.CodeCancelled
	next := domain.SessionFailed
	kind := domain.EventSessionFailed
	if cancelled {
		next = domain.SessionCancelled
		kind = domain.EventSessionCancelled
	}

	s.mu.Lock()
	s.errVal = typed
	progress := s.progress
	metricsCopy := s.agg
	s.mu.Unlock()
	s.transition(next)

	patch := domain.AnalysisPatch{Progress: &progress, Metrics: &metricsCopy, Error: typed}
	s.persistPatch(patch)
	if s.deps.Metrics != nil && !cancelled {
		s.deps.Metrics.SessionsFailed.WithLabelValues(string(typed.Code)).Inc()
	}

	terminal := domain.NewProgressEvent(kind, s.ID)
	terminal.Progress = progress
	terminal.Metrics = &metricsCopy
	if !cancelled {
		terminal.Error = typed
	}
	s.deps.Sink.PublishTerminal(terminal)

	s.deps.Logger.WithError(typed).WithFields(map[string]interface{}{
		"session_id": s.ID, "state": string(next),
	}).Info("session finished")
}

// transition moves the state machine forward and records it durably
func (s *Session) transition(next domain.SessionState) {
	s.mu.Lock()
	prev := s.state
	if prev.IsTerminal() {
		s.mu.Unlock()
		return
	}
	s.state = next
	s.updatedAt = time.Now().UTC()
	s.mu.Unlock()

	if s.deps.Metrics != nil {
		s.deps.Metrics.SessionsByState.WithLabelValues(string(prev)).Dec()
		if !next.IsTerminal() {
			s.deps.Metrics.SessionsByState.WithLabelValues(string(next)).Inc()
		}
	}
	s.persistPatch(domain.AnalysisPatch{State: &next})
}

// persistPatch is best-effort for intermediate writes; the terminal patch of
// a failed storage layer still surfaces through session failure earlier
func (s *Session) persistPatch(patch domain.AnalysisPatch) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	started := time.Now()
	err := s.deps.Repo.Update(ctx, s.ID, patch)
	if s.deps.Metrics != nil {
		s.deps.Metrics.StorageWriteDuration.Observe(time.Since(started).Seconds())
	}
	if err != nil {
		if s.deps.Metrics != nil {
			s.deps.Metrics.StorageWriteFailures.Inc()
		}
		s.deps.Logger.WithError(err).WithField("session_id", s.ID).
			Warn("failed to persist session patch")
	}
}

// View returns a read-only snapshot of the session
func (s *Session) View() *domain.SessionView {
	s.mu.RLock()
	defer s.mu.RUnlock()

	view := &domain.SessionView{
		SessionID:       s.ID,
		UserID:          s.UserID,
		ContractAddress: s.ContractAddress,
		Chain:           s.Chain.ID,
		Tier:            s.Tier.Name,
		State:           s.state,
		Progress:        s.progress,
		Window:          s.window,
		Chunks:          append([]domain.Chunk(nil), s.chunks...),
		Metrics:         s.agg,
		CreatedAt:       s.createdAt,
		UpdatedAt:       s.updatedAt,
		Error:           s.errVal,
	}
	return view
}

// State returns the current state
func (s *Session) State() domain.SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}
