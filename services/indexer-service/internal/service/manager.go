package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/soyaya/metagauge/services/indexer-service/internal/domain"
	sharederrors "github.com/soyaya/metagauge/shared/errors"
	"github.com/soyaya/metagauge/shared/logging"
	"github.com/soyaya/metagauge/shared/metrics"
)

// staleAfter is how long an active record may go without a heartbeat before
// a new process declares it abandoned
const staleAfter = 5 * time.Minute

// SinkFactory builds the progress sink for a session's chain
type SinkFactory func(chain domain.ChainID) domain.ProgressSink

// ManagerDeps bundles the manager's collaborators
type ManagerDeps struct {
	Repo          domain.AnalysisRepository
	Logs          domain.LogStore
	Fetcher       domain.ContractFetcher
	Finder        *DeploymentFinder
	Chunks        *ChunkManager
	Subscriptions domain.SubscriptionSource
	Sinks         SinkFactory
	Metrics       *metrics.Metrics
	Logger        *logging.Logger
}

// Manager owns the session registry and enforces the single-session
// invariant: at most one non-terminal session per (user, contract) pair.
type Manager struct {
	chains     map[domain.ChainID]domain.ChainConfig
	sessionCfg SessionConfig
	deps       ManagerDeps

	mu       sync.Mutex
	sessions map[string]*Session // by session id
	active   map[string]string   // (user,contract) key -> session id

	rootCtx context.Context
	wg      sync.WaitGroup
}

// NewManager creates a manager and recovers sessions a previous process
// abandoned. rootCtx bounds every session it starts.
func NewManager(rootCtx context.Context, chains map[domain.ChainID]domain.ChainConfig, sessionCfg SessionConfig, deps ManagerDeps) (*Manager, error) {
	m := &Manager{
		chains:     chains,
		sessionCfg: sessionCfg,
		deps:       deps,
		sessions:   make(map[string]*Session),
		active:     make(map[string]string),
		rootCtx:    rootCtx,
	}
	if err := m.recoverStale(rootCtx); err != nil {
		return nil, err
	}
	return m, nil
}

// recoverStale fails over records left non-terminal by a crashed process.
// Only records without a heartbeat for staleAfter are touched; anything
// fresher may belong to a process still draining. Pending records are
// included: a crash between the insert and the first transition would
// otherwise leave them non-terminal forever.
func (m *Manager) recoverStale(ctx context.Context) error {
	records, err := m.deps.Repo.FindActive(ctx)
	if err != nil {
		return fmt.Errorf("stale recovery scan failed: %w", err)
	}

	cutoff := time.Now().UTC().Add(-staleAfter)
	for _, record := range records {
		if record.UpdatedAt.After(cutoff) {
			continue
		}
		failed := domain.SessionFailed
		staleErr := sharederrors.Stale(record.SessionID)
		err := m.deps.Repo.Update(ctx, record.SessionID, domain.AnalysisPatch{
			State: &failed,
			Error: staleErr,
		})
		if err != nil {
			return fmt.Errorf("failed to mark session %s stale: %w", record.SessionID, err)
		}
		m.deps.Logger.WithFields(map[string]interface{}{
			"session_id": record.SessionID, "last_update": record.UpdatedAt,
		}).Warn("recovered stale session")
	}
	return nil
}

func activeKey(userID, address string) string {
	return strings.ToLower(userID) + "|" + strings.ToLower(address)
}

// Start begins indexing a contract for a user. Returns the new session id,
// or AlreadyRunning carrying the existing session id when one is live for
// the same (user, contract).
func (m *Manager) Start(ctx context.Context, userID, contractAddress string, chain domain.ChainID) (string, error) {
	if !chain.IsSupported() {
		return "", sharederrors.Newf(sharederrors.CodePermanentRpc, "unsupported chain %q", chain)
	}
	chainCfg, ok := m.chains[chain]
	if !ok {
		return "", sharederrors.Newf(sharederrors.CodePermanentRpc, "chain %q not configured", chain)
	}
	if contractAddress == "" {
		return "", sharederrors.Internal("contract address is required")
	}

	tier, fallback := m.resolveTier(ctx, userID)

	key := activeKey(userID, contractAddress)
	sessionID := uuid.NewString()

	m.mu.Lock()
	if existing, running := m.active[key]; running {
		m.mu.Unlock()
		return "", sharederrors.AlreadyRunning(existing)
	}
	if live := m.liveContracts(userID); live >= tier.MaxContracts {
		m.mu.Unlock()
		return "", sharederrors.Newf(sharederrors.CodeAlreadyRunning,
			"tier %s allows at most %d concurrently indexed contracts", tier.Name, tier.MaxContracts).
			WithDetails("max_contracts", tier.MaxContracts)
	}
	// Reserve the slot before the repository write so a concurrent start of
	// the same pair loses deterministically
	m.active[key] = sessionID
	m.mu.Unlock()

	resumedFrom := m.findResumable(ctx, userID, contractAddress)

	now := time.Now().UTC()
	record := &domain.Analysis{
		SessionID:       sessionID,
		UserID:          userID,
		ContractAddress: contractAddress,
		Chain:           chain,
		Tier:            tier.Name,
		TierFallback:    fallback,
		ResumedFrom:     resumedFrom,
		State:           domain.SessionPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := m.deps.Repo.Create(ctx, record); err != nil {
		m.mu.Lock()
		delete(m.active, key)
		m.mu.Unlock()
		return "", err
	}

	session := NewSession(sessionID, userID, contractAddress, chainCfg, tier, SessionDeps{
		Repo:    m.deps.Repo,
		Logs:    m.deps.Logs,
		Fetcher: m.deps.Fetcher,
		Finder:  m.deps.Finder,
		Chunks:  m.deps.Chunks,
		Sink:    m.deps.Sinks(chain),
		Metrics: m.deps.Metrics,
		Logger:  m.deps.Logger,
	}, m.sessionCfg)
	session.TierFallback = fallback
	session.ResumedFrom = resumedFrom

	m.mu.Lock()
	m.sessions[sessionID] = session
	m.mu.Unlock()

	if m.deps.Metrics != nil {
		m.deps.Metrics.SessionsStarted.Inc()
		m.deps.Metrics.SessionsByState.WithLabelValues(string(domain.SessionPending)).Inc()
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		session.Run(m.rootCtx)

		// The durable record serves status from here on
		m.mu.Lock()
		if m.active[key] == sessionID {
			delete(m.active, key)
		}
		delete(m.sessions, sessionID)
		m.mu.Unlock()
	}()

	m.deps.Logger.WithFields(map[string]interface{}{
		"session_id": sessionID, "user_id": userID,
		"contract": contractAddress, "chain": chain, "tier": tier.Name,
	}).Info("session started")
	return sessionID, nil
}

// resolveTier consults the subscription source; any failure degrades the
// session to Free and flags the record
func (m *Manager) resolveTier(ctx context.Context, userID string) (domain.Tier, bool) {
	if m.deps.Subscriptions == nil {
		return domain.TierFree, false
	}
	info, err := m.deps.Subscriptions.Resolve(ctx, userID)
	if err != nil {
		m.deps.Logger.WithError(err).WithField("user_id", userID).
			Warn("subscription lookup failed, running as free tier")
		return domain.TierFree, true
	}
	if !info.ExpiresAt.IsZero() && info.ExpiresAt.Before(time.Now().UTC()) {
		return domain.TierFree, false
	}
	return domain.TierByNumber(info.TierNumber), false
}

// findResumable returns the most recent stale-failed session for the pair,
// so the new record can note what it picks up after
func (m *Manager) findResumable(ctx context.Context, userID, contractAddress string) string {
	records, err := m.deps.Repo.FindByUser(ctx, userID, domain.AnalysisFilter{
		States: []domain.SessionState{domain.SessionFailed},
		Limit:  20,
	})
	if err != nil {
		return ""
	}
	for _, record := range records {
		if !strings.EqualFold(record.ContractAddress, contractAddress) {
			continue
		}
		if record.Error != nil && record.Error.Code == sharederrors.CodeStale {
			return record.SessionID
		}
	}
	return ""
}

// liveContracts counts the user's non-terminal sessions; callers hold m.mu
func (m *Manager) liveContracts(userID string) int {
	prefix := strings.ToLower(userID) + "|"
	count := 0
	for key := range m.active {
		if strings.HasPrefix(key, prefix) {
			count++
		}
	}
	return count
}

// Stop cancels a session. Idempotent: it succeeds for any known session,
// running or already terminal.
func (m *Manager) Stop(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	m.mu.Unlock()

	if ok {
		session.Cancel("stopped by user")
		return nil
	}

	// Not in memory: known to the repository is still a valid stop target
	if _, err := m.deps.Repo.FindByID(ctx, sessionID); err != nil {
		return err
	}
	return nil
}

// Status returns the live view when the session runs in this process, the
// durable record otherwise
func (m *Manager) Status(ctx context.Context, sessionID string) (*domain.SessionView, error) {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if ok {
		return session.View(), nil
	}

	record, err := m.deps.Repo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return viewFromRecord(record), nil
}

// ListByUser returns the user's sessions, live views taking precedence over
// their durable records
func (m *Manager) ListByUser(ctx context.Context, userID string, filter domain.AnalysisFilter) ([]*domain.SessionView, error) {
	records, err := m.deps.Repo.FindByUser(ctx, userID, filter)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	live := make(map[string]*Session, len(m.sessions))
	for id, s := range m.sessions {
		live[id] = s
	}
	m.mu.Unlock()

	views := make([]*domain.SessionView, 0, len(records))
	for _, record := range records {
		if session, ok := live[record.SessionID]; ok {
			views = append(views, session.View())
			continue
		}
		views = append(views, viewFromRecord(record))
	}
	return views, nil
}

// NotifyEndpointState is wired as the pool's state listener; an endpoint
// dropping out of service is broadcast to the chain's live sessions
func (m *Manager) NotifyEndpointState(chain domain.ChainID, endpointURL string, state domain.EndpointState) {
	if state != domain.EndpointOpenCircuit {
		return
	}

	m.mu.Lock()
	var affected []*Session
	for _, session := range m.sessions {
		if session.Chain.ID == chain && !session.State().IsTerminal() {
			affected = append(affected, session)
		}
	}
	m.mu.Unlock()

	for _, session := range affected {
		event := domain.NewProgressEvent(domain.EventRpcDegraded, session.ID)
		event.Error = sharederrors.Newf(sharederrors.CodeTransientRpc,
			"endpoint %s on %s is out of service", endpointURL, chain).
			WithDetails("endpoint", endpointURL).
			WithDetails("chain", string(chain))
		session.deps.Sink.PublishProgress(event)
	}
}

// SessionsByState counts live sessions per state, for the health snapshot
func (m *Manager) SessionsByState() map[domain.SessionState]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[domain.SessionState]int)
	for _, session := range m.sessions {
		counts[session.State()]++
	}
	return counts
}

// ActiveSessions reports whether any session of the chain is non-terminal
func (m *Manager) ActiveSessions(chain domain.ChainID) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, session := range m.sessions {
		if session.Chain.ID == chain && !session.State().IsTerminal() {
			count++
		}
	}
	return count
}

// Shutdown cancels every live session and waits for them to finish, bounded
// by the context
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	var live []*Session
	for _, session := range m.sessions {
		if !session.State().IsTerminal() {
			live = append(live, session)
		}
	}
	m.mu.Unlock()

	for _, session := range live {
		session.Cancel("service shutting down")
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.deps.Logger.Warn("shutdown deadline reached with sessions still draining")
	}
}

func viewFromRecord(record *domain.Analysis) *domain.SessionView {
	return &domain.SessionView{
		SessionID:       record.SessionID,
		UserID:          record.UserID,
		ContractAddress: record.ContractAddress,
		Chain:           record.Chain,
		Tier:            record.Tier,
		State:           record.State,
		Progress:        record.Progress,
		Window:          record.Window,
		Metrics:         record.Metrics,
		CreatedAt:       record.CreatedAt,
		UpdatedAt:       record.UpdatedAt,
		Error:           record.Error,
	}
}
