package compensation

import (
	"github.com/shopspring/decimal"
)

// MaxDepthLevels bounds the depth-bonus table.
const MaxDepthLevels = 20

var hundred = decimal.NewFromInt(100)

// Reentry describes the automatic re-activation after a cycle.
type Reentry struct {
	Automatic bool `json:"automatic"`
	// EveryCycles triggers the re-entry debit on every n-th cycle of the consultant.
	EveryCycles int `json:"every_cycles"`
	// Cost in minor units; zero means the activation value.
	Cost int64 `json:"cost"`
}

// MatrixConfig is the versioned configuration of one matrix type. All money
// fields are minor units and all percentages are in [0, 100].
type MatrixConfig struct {
	MatrixID        string `json:"matrix_id"`
	Version         int    `json:"version"`
	ActivationValue int64  `json:"activation_value"`
	RequiredDirects int    `json:"required_directs"`
	MinConsumption  int64  `json:"min_consumption"`

	// PointsPercentage of the activation value forms the depth-bonus pool.
	PointsPercentage decimal.Decimal   `json:"points_percentage"`
	DepthLevels      []decimal.Decimal `json:"depth_levels"`
	// CycleBonusPercent of the activation value goes to the consultant who cycled.
	CycleBonusPercent decimal.Decimal `json:"cycle_bonus_percent"`
	Reentry           Reentry         `json:"reentry"`

	LoyaltyPoolPercent decimal.Decimal   `json:"loyalty_pool_percent"`
	TopPoolPercent     decimal.Decimal   `json:"top_pool_percent"`
	TopRankShares      []decimal.Decimal `json:"top_rank_shares"`
}

// Validate rejects configurations the calculator must never see.
func (c *MatrixConfig) Validate() error {
	var p problems
	if c.MatrixID == "" {
		p.addf("matrix_id is required")
	}
	if c.ActivationValue <= 0 {
		p.addf("activation_value must be positive, got %d", c.ActivationValue)
	}
	if c.RequiredDirects < 0 {
		p.addf("required_directs must not be negative")
	}
	if c.MinConsumption < 0 {
		p.addf("min_consumption must not be negative")
	}
	if !c.PointsPercentage.IsPositive() || c.PointsPercentage.GreaterThan(hundred) {
		p.addf("points_percentage must be in (0, 100], got %s", c.PointsPercentage)
	}
	if len(c.DepthLevels) == 0 {
		p.addf("depth_levels must not be empty")
	}
	if len(c.DepthLevels) > MaxDepthLevels {
		p.addf("depth_levels has %d rows, at most %d allowed", len(c.DepthLevels), MaxDepthLevels)
	}
	checkPercentList(&p, "depth_levels", c.DepthLevels)
	checkPercent(&p, "cycle_bonus_percent", c.CycleBonusPercent)
	checkPercent(&p, "loyalty_pool_percent", c.LoyaltyPoolPercent)
	checkPercent(&p, "top_pool_percent", c.TopPoolPercent)
	checkPercentList(&p, "top_rank_shares", c.TopRankShares)
	if c.TopPoolPercent.IsPositive() && len(c.TopRankShares) == 0 {
		p.addf("top_rank_shares required when top_pool_percent is set")
	}
	if c.Reentry.Automatic && c.Reentry.EveryCycles < 1 {
		p.addf("reentry.every_cycles must be at least 1")
	}
	if c.Reentry.Cost < 0 {
		p.addf("reentry.cost must not be negative")
	}
	return p.err()
}

// DepthPool is the amount shared among the qualified uplines for base.
func (c *MatrixConfig) DepthPool(base int64) int64 {
	return PercentOf(base, c.PointsPercentage)
}

// ReentryCost is the debit charged on automatic re-entry.
func (c *MatrixConfig) ReentryCost() int64 {
	if c.Reentry.Cost > 0 {
		return c.Reentry.Cost
	}
	return c.ActivationValue
}

// ReentryDue reports whether cycle number n triggers the automatic re-entry.
func (c *MatrixConfig) ReentryDue(n int) bool {
	return c.Reentry.Automatic && c.Reentry.EveryCycles > 0 && n > 0 && n%c.Reentry.EveryCycles == 0
}

// PercentOf returns floor(base * pct / 100) in minor units.
func PercentOf(base int64, pct decimal.Decimal) int64 {
	return decimal.NewFromInt(base).Mul(pct).Div(hundred).Floor().IntPart()
}

func checkPercent(p *problems, field string, v decimal.Decimal) {
	if v.IsNegative() || v.GreaterThan(hundred) {
		p.addf("%s must be in [0, 100], got %s", field, v)
	}
}

func checkPercentList(p *problems, field string, list []decimal.Decimal) {
	sum := decimal.Zero
	for i, v := range list {
		if v.IsNegative() {
			p.addf("%s[%d] must not be negative, got %s", field, i, v)
		}
		sum = sum.Add(v)
	}
	if sum.GreaterThan(hundred) {
		p.addf("%s sum to %s%%, more than 100%%", field, sum)
	}
}
