package domain

// Tier is a quantised bundle of quotas tied to a subscription. The table
// ships with the binary and mirrors the on-chain plan table bit-for-bit.
type Tier struct {
	Name             string `json:"name"`
	Number           int    `json:"number"`
	HistoricalDays   int    `json:"historical_days"` // -1 means "from deployment"
	ContinuousSync   bool   `json:"continuous_sync"`
	MaxContracts     int    `json:"max_contracts"`
	APIQuota         int    `json:"api_quota"`
	ChunkConcurrency int    `json:"chunk_concurrency"`
	RPCConcurrency   int    `json:"rpc_concurrency"`
}

var (
	TierFree = Tier{
		Name:             "free",
		Number:           0,
		HistoricalDays:   30,
		ContinuousSync:   false,
		MaxContracts:     1,
		APIQuota:         1_000,
		ChunkConcurrency: 4,
		RPCConcurrency:   16,
	}
	TierStarter = Tier{
		Name:             "starter",
		Number:           1,
		HistoricalDays:   90,
		ContinuousSync:   true,
		MaxContracts:     3,
		APIQuota:         10_000,
		ChunkConcurrency: 4,
		RPCConcurrency:   16,
	}
	TierPro = Tier{
		Name:             "pro",
		Number:           2,
		HistoricalDays:   365,
		ContinuousSync:   true,
		MaxContracts:     5,
		APIQuota:         100_000,
		ChunkConcurrency: 4,
		RPCConcurrency:   32,
	}
	TierEnterprise = Tier{
		Name:             "enterprise",
		Number:           3,
		HistoricalDays:   730,
		ContinuousSync:   true,
		MaxContracts:     10,
		APIQuota:         1_000_000,
		ChunkConcurrency: 8,
		RPCConcurrency:   64,
	}
)

// Tiers is the plan table indexed by tier number
var Tiers = []Tier{TierFree, TierStarter, TierPro, TierEnterprise}

// TierByNumber returns the tier for a plan number, Free for anything unknown
func TierByNumber(number int) Tier {
	if number < 0 || number >= len(Tiers) {
		return TierFree
	}
	return Tiers[number]
}

// TierByName returns the tier for a plan name, Free for anything unknown
func TierByName(name string) Tier {
	for _, t := range Tiers {
		if t.Name == name {
			return t
		}
	}
	return TierFree
}
