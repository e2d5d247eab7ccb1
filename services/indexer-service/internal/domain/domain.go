package domain

import (
	"context"
	"time"

	"github.com/soyaya/metagauge/shared/errors"
)

// ChainID identifies a supported chain
type ChainID string

const (
	ChainEthereum ChainID = "ethereum"
	ChainLisk     ChainID = "lisk"
	ChainStarknet ChainID = "starknet"
)

// SupportedChains lists the closed set of chains the indexer serves
var SupportedChains = []ChainID{ChainEthereum, ChainLisk, ChainStarknet}

// IsSupported reports whether the chain is in the closed set
func (c ChainID) IsSupported() bool {
	switch c {
	case ChainEthereum, ChainLisk, ChainStarknet:
		return true
	}
	return false
}

// EndpointConfig describes one RPC endpoint of a chain
type EndpointConfig struct {
	URL      string
	Priority int
	QPS      int
}

// ChainConfig holds the static parameters of a chain
type ChainConfig struct {
	ID           ChainID
	BlockTime    time.Duration
	BlocksPerDay uint64
	ChunkSize    uint64
	Endpoints    []EndpointConfig
}

// EndpointState is the pool's view of an endpoint
type EndpointState string

const (
	EndpointHealthy     EndpointState = "healthy"
	EndpointDegraded    EndpointState = "degraded"
	EndpointOpenCircuit EndpointState = "open-circuit"
)

// EndpointStatus is the pool's externally visible view of one endpoint
type EndpointStatus struct {
	URL                 string        `json:"url"`
	Chain               ChainID       `json:"chain"`
	Priority            int           `json:"priority"`
	State               EndpointState `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastProbeAt         time.Time     `json:"last_probe_at,omitempty"`
	LatencyEwmaMs       float64       `json:"latency_ewma_ms"`
}

// BlockWindow is the block range a session indexes
type BlockWindow struct {
	StartBlock      uint64 `json:"start_block"`
	EndBlock        uint64 `json:"end_block"`
	DeploymentBlock uint64 `json:"deployment_block"`
	TotalBlocks     uint64 `json:"total_blocks"`
}

// ChunkState tracks one chunk through its lifecycle
type ChunkState string

const (
	ChunkPending   ChunkState = "pending"
	ChunkInFlight  ChunkState = "in-flight"
	ChunkValidated ChunkState = "validated"
	ChunkPersisted ChunkState = "persisted"
	ChunkFailed    ChunkState = "failed"
	ChunkAbandoned ChunkState = "abandoned"
)

// LogRef points at one observed log
type LogRef struct {
	BlockNumber uint64 `json:"block_number"`
	TxHash      string `json:"tx_hash"`
	LogIndex    uint   `json:"log_index"`
}

// Chunk is a contiguous block range processed as one unit of work
type Chunk struct {
	Index       int           `json:"index"`
	FromBlock   uint64        `json:"from_block"`
	ToBlock     uint64        `json:"to_block"`
	State       ChunkState    `json:"state"`
	Attempts    int           `json:"attempts"`
	FirstLog    *LogRef       `json:"first_log,omitempty"`
	LastLog     *LogRef       `json:"last_log,omitempty"`
	LogCount    uint64        `json:"log_count"`
	StartedAt   time.Time     `json:"started_at,omitempty"`
	CompletedAt time.Time     `json:"completed_at,omitempty"`
	Err         *errors.Error `json:"error,omitempty"`
}

// Blocks returns the number of blocks the chunk covers
func (c *Chunk) Blocks() uint64 {
	return c.ToBlock - c.FromBlock + 1
}

// Log is the chain-agnostic shape of one event log
type Log struct {
	BlockNumber uint64   `json:"block_number" bson:"block_number"`
	TxHash      string   `json:"tx_hash" bson:"tx_hash"`
	LogIndex    uint     `json:"log_index" bson:"log_index"`
	Topics      []string `json:"topics" bson:"topics"`
	Data        string   `json:"data" bson:"data"`
	Address     string   `json:"address" bson:"address"`
}

// Metrics are the monotonic per-session counters
type Metrics struct {
	TxCount        uint64 `json:"tx_count"`
	LogCount       uint64 `json:"log_count"`
	UniqueAccounts uint64 `json:"unique_accounts"`
	UniqueBlocks   uint64 `json:"unique_blocks"`
	BytesIn        uint64 `json:"bytes_in"`
	RPCCalls       uint64 `json:"rpc_calls"`
	RPCFailures    uint64 `json:"rpc_failures"`
	Retries        uint64 `json:"retries"`
}

// SessionState is one state of the session machine
type SessionState string

const (
	SessionPending    SessionState = "pending"
	SessionPlanning   SessionState = "planning"
	SessionRunning    SessionState = "running"
	SessionValidating SessionState = "validating"
	SessionCompleted  SessionState = "completed"
	SessionFailed     SessionState = "failed"
	SessionCancelled  SessionState = "cancelled"
)

// IsTerminal reports whether the state admits no further transitions
func (s SessionState) IsTerminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionCancelled:
		return true
	}
	return false
}

// SessionView is the read-only snapshot exposed by the status endpoint
type SessionView struct {
	SessionID       string        `json:"session_id"`
	UserID          string        `json:"user_id"`
	ContractAddress string        `json:"contract_address"`
	Chain           ChainID       `json:"chain"`
	Tier            string        `json:"tier"`
	State           SessionState  `json:"state"`
	Progress        float64       `json:"progress"`
	Window          BlockWindow   `json:"window"`
	Chunks          []Chunk       `json:"chunks,omitempty"`
	Metrics         Metrics       `json:"metrics"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	Error           *errors.Error `json:"error,omitempty"`
}

// Analysis is the durable per-session record held by the repository
type Analysis struct {
	SessionID       string        `json:"session_id"`
	UserID          string        `json:"user_id"`
	ContractAddress string        `json:"contract_address"`
	Chain           ChainID       `json:"chain"`
	Tier            string        `json:"tier"`
	TierFallback    bool          `json:"tier_fallback"`
	ResumedFrom     string        `json:"resumed_from,omitempty"`
	State           SessionState  `json:"state"`
	Progress        float64       `json:"progress"`
	Window          BlockWindow   `json:"window"`
	Metrics         Metrics       `json:"metrics"`
	Error           *errors.Error `json:"error,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// AnalysisPatch is a partial update to an analysis record
type AnalysisPatch struct {
	State    *SessionState
	Progress *float64
	Window   *BlockWindow
	Metrics  *Metrics
	Error    *errors.Error
}

// AnalysisFilter narrows FindByUser queries
type AnalysisFilter struct {
	Chain  ChainID
	States []SessionState
	Limit  int
}

// TierInfo is what the subscription source resolves for a wallet
type TierInfo struct {
	TierNumber int
	TierName   string
	ExpiresAt  time.Time
}

// AnalysisRepository is the durable store the core writes through. The core
// never reads back except for stale recovery and resume.
type AnalysisRepository interface {
	Create(ctx context.Context, record *Analysis) error
	Update(ctx context.Context, sessionID string, patch AnalysisPatch) error
	FindByID(ctx context.Context, sessionID string) (*Analysis, error)
	FindByUser(ctx context.Context, userID string, filter AnalysisFilter) ([]*Analysis, error)

	// FindActive returns non-terminal records, used for crash recovery
	FindActive(ctx context.Context) ([]*Analysis, error)
}

// LogStore persists the normalized logs of a completed chunk
type LogStore interface {
	StoreChunkLogs(ctx context.Context, sessionID string, chain ChainID, chunkIndex int, logs []Log) error
}

// SubscriptionSource resolves the authoritative tier of a wallet
type SubscriptionSource interface {
	Resolve(ctx context.Context, walletAddress string) (*TierInfo, error)
}

// ContractFetcher is the per-chain adapter over the RPC pool
type ContractFetcher interface {
	Head(ctx context.Context, chain ChainID) (uint64, error)
	Logs(ctx context.Context, chain ChainID, address string, fromBlock, toBlock uint64) ([]Log, error)
	CodeAt(ctx context.Context, chain ChainID, address string, block uint64) ([]byte, error)
}

// ProgressSink is the capability set a session publishes through
type ProgressSink interface {
	PublishProgress(event *ProgressEvent)
	PublishTerminal(event *ProgressEvent)
}
