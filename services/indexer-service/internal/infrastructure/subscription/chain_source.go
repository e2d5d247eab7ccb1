package subscription

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/soyaya/metagauge/services/indexer-service/internal/domain"
	"github.com/soyaya/metagauge/services/indexer-service/internal/infrastructure/rpc"
	"github.com/soyaya/metagauge/shared/logging"
	sharedredis "github.com/soyaya/metagauge/shared/redis"
)

// subscriptionABI covers the single view the indexer needs from the plan
// contract
const subscriptionABI = `[{"name":"getSubscription","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"tier","type":"uint8"},{"name":"expiresAt","type":"uint256"}]}]`

const (
	tierCacheTTL = 10 * time.Minute
	callTimeout  = 15 * time.Second
)

// Caller issues JSON-RPC calls; satisfied by the RPC pool
type Caller interface {
	Call(ctx context.Context, chain domain.ChainID, result interface{}, method string, params []interface{}, opts ...rpc.CallOption) error
}

// ChainSource resolves subscription tiers from the on-chain plan registry
// via eth_call, with a short-lived Redis cache in front.
type ChainSource struct {
	caller   Caller
	chain    domain.ChainID
	contract common.Address
	parsed   abi.ABI
	redis    *sharedredis.Redis
	logger   *logging.Logger
}

// NewChainSource creates a source reading the plan contract at address on
// the given chain; redis may be nil
func NewChainSource(caller Caller, chain domain.ChainID, contractAddress string, redis *sharedredis.Redis, logger *logging.Logger) (*ChainSource, error) {
	if !common.IsHexAddress(contractAddress) {
		return nil, fmt.Errorf("invalid subscription contract address %q", contractAddress)
	}
	parsed, err := abi.JSON(strings.NewReader(subscriptionABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse subscription ABI: %w", err)
	}
	return &ChainSource{
		caller:   caller,
		chain:    chain,
		contract: common.HexToAddress(contractAddress),
		parsed:   parsed,
		redis:    redis,
		logger:   logger,
	}, nil
}

// Resolve returns the wallet's tier from the plan contract. Wallets without
// an entry resolve to tier 0.
func (s *ChainSource) Resolve(ctx context.Context, walletAddress string) (*domain.TierInfo, error) {
	if !common.IsHexAddress(walletAddress) {
		return nil, fmt.Errorf("invalid wallet address %q", walletAddress)
	}
	wallet := common.HexToAddress(walletAddress)
	cacheKey := "tier:" + strings.ToLower(wallet.Hex())

	if info, ok := s.cached(ctx, cacheKey); ok {
		return info, nil
	}

	data, err := s.parsed.Pack("getSubscription", wallet)
	if err != nil {
		return nil, fmt.Errorf("failed to pack subscription call: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	var raw hexutil.Bytes
	err = s.caller.Call(ctx, s.chain, &raw, "eth_call", []interface{}{
		map[string]interface{}{
			"to":   s.contract.Hex(),
			"data": hexutil.Encode(data),
		},
		"latest",
	})
	if err != nil {
		return nil, err
	}

	values, err := s.parsed.Unpack("getSubscription", raw)
	if err != nil || len(values) != 2 {
		return nil, fmt.Errorf("failed to decode subscription response: %w", err)
	}
	tierNumber, ok := values[0].(uint8)
	if !ok {
		return nil, fmt.Errorf("unexpected tier type %T", values[0])
	}
	expiry, ok := values[1].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected expiry type %T", values[1])
	}

	info := &domain.TierInfo{
		TierNumber: int(tierNumber),
		TierName:   domain.TierByNumber(int(tierNumber)).Name,
	}
	if expiry.Sign() > 0 && expiry.IsInt64() {
		info.ExpiresAt = time.Unix(expiry.Int64(), 0).UTC()
	}

	s.store(ctx, cacheKey, info)
	return info, nil
}

func (s *ChainSource) cached(ctx context.Context, key string) (*domain.TierInfo, bool) {
	if s.redis == nil {
		return nil, false
	}
	value, err := s.redis.Get(ctx, key)
	if err != nil {
		return nil, false
	}
	var tierNumber int
	var expiresUnix int64
	if _, err := fmt.Sscanf(value, "%d:%d", &tierNumber, &expiresUnix); err != nil {
		return nil, false
	}
	info := &domain.TierInfo{
		TierNumber: tierNumber,
		TierName:   domain.TierByNumber(tierNumber).Name,
	}
	if expiresUnix > 0 {
		info.ExpiresAt = time.Unix(expiresUnix, 0).UTC()
	}
	return info, true
}

func (s *ChainSource) store(ctx context.Context, key string, info *domain.TierInfo) {
	if s.redis == nil {
		return
	}
	var expiresUnix int64
	if !info.ExpiresAt.IsZero() {
		expiresUnix = info.ExpiresAt.Unix()
	}
	err := s.redis.Set(ctx, key, fmt.Sprintf("%d:%d", info.TierNumber, expiresUnix), tierCacheTTL)
	if err != nil {
		s.logger.WithError(err).Debug("failed to cache subscription tier")
	}
}
