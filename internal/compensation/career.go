package compensation

import (
	"strconv"
	"time"

	"mlmledger/internal/model"

	"github.com/shopspring/decimal"
)

// CareerTier is one PIN rank. MaxLinePercent caps how much of the total a
// single line may contribute (zero disables the cap).
type CareerTier struct {
	Rank           int             `json:"rank"`
	Code           string          `json:"code"`
	Name           string          `json:"name"`
	MinCycles      int64           `json:"min_cycles"`
	MinLines       int             `json:"min_lines"`
	MaxLinePercent decimal.Decimal `json:"max_line_percent"`
	Reward         int64           `json:"reward"`
}

// CareerPlan is the ordered, versioned list of tiers.
type CareerPlan struct {
	Version int          `json:"version"`
	Tiers   []CareerTier `json:"tiers"`
}

func (p *CareerPlan) Validate() error {
	var pr problems
	if len(p.Tiers) == 0 {
		pr.addf("tiers must not be empty")
	}
	codes := make(map[string]struct{}, len(p.Tiers))
	for i, t := range p.Tiers {
		if t.Code == "" {
			pr.addf("tiers[%d].code is required", i)
		} else if _, dup := codes[t.Code]; dup {
			pr.addf("tiers[%d].code %q is duplicated", i, t.Code)
		}
		codes[t.Code] = struct{}{}
		if t.MinCycles <= 0 {
			pr.addf("tiers[%d].min_cycles must be positive", i)
		}
		if t.MinLines < 0 {
			pr.addf("tiers[%d].min_lines must not be negative", i)
		}
		if t.Reward < 0 {
			pr.addf("tiers[%d].reward must not be negative", i)
		}
		checkPercent(&pr, "tiers["+strconv.Itoa(i)+"].max_line_percent", t.MaxLinePercent)
		if i == 0 {
			if t.Rank < 1 {
				pr.addf("tiers[0].rank must be at least 1")
			}
			continue
		}
		prev := p.Tiers[i-1]
		if t.Rank <= prev.Rank {
			pr.addf("tiers[%d].rank must be greater than tiers[%d].rank", i, i-1)
		}
		if t.MinCycles <= prev.MinCycles {
			pr.addf("tiers[%d].min_cycles must be greater than tiers[%d].min_cycles", i, i-1)
		}
	}
	return pr.err()
}

// Tier returns the tier with the given rank.
func (p *CareerPlan) Tier(rank int) (CareerTier, bool) {
	for _, t := range p.Tiers {
		if t.Rank == rank {
			return t, true
		}
	}
	return CareerTier{}, false
}

// LineCycles is the cumulative cycle count of one frontline.
type LineCycles struct {
	LineID int64
	Cycles int64
}

// ValidCycles applies the per-line cap of tier to lines. Lines under the
// tier's minimum count yield zero.
func ValidCycles(lines []LineCycles, tier CareerTier) int64 {
	var total int64
	active := 0
	for _, l := range lines {
		if l.Cycles > 0 {
			total += l.Cycles
			active++
		}
	}
	if active < tier.MinLines {
		return 0
	}
	if !tier.MaxLinePercent.IsPositive() || tier.MaxLinePercent.Equal(hundred) {
		return total
	}
	limit := PercentOf(total, tier.MaxLinePercent)
	var valid int64
	for _, l := range lines {
		if l.Cycles <= 0 {
			continue
		}
		if l.Cycles > limit {
			valid += limit
		} else {
			valid += l.Cycles
		}
	}
	return valid
}

// Evaluation is the outcome of one career check.
type Evaluation struct {
	CurrentRank int
	ReachedRank int
	Promotions  []CareerTier
}

// EvaluateCareer finds the highest tier met by lines. Every tier above
// currentRank up to it is a promotion. The reached rank is never below
// currentRank.
func EvaluateCareer(plan *CareerPlan, currentRank int, lines []LineCycles) Evaluation {
	ev := Evaluation{CurrentRank: currentRank, ReachedRank: currentRank}
	highest := 0
	for _, t := range plan.Tiers {
		if ValidCycles(lines, t) >= t.MinCycles {
			highest = t.Rank
		}
	}
	if highest <= currentRank {
		return ev
	}
	for _, t := range plan.Tiers {
		if t.Rank > currentRank && t.Rank <= highest {
			ev.Promotions = append(ev.Promotions, t)
		}
	}
	ev.ReachedRank = highest
	return ev
}

func PromotionRefID(consultantID int64, rank int) string {
	return "PIN-" + strconv.FormatInt(consultantID, 10) + "-" + strconv.Itoa(rank)
}

// PromotionBatch is the one-time reward of a promotion.
func PromotionBatch(consultantID, accountID int64, tier CareerTier, planVersion int, period string, at time.Time) *Batch {
	batch := &Batch{
		RefID:      PromotionRefID(consultantID, tier.Rank),
		Source:     SourcePromotion,
		OccurredAt: at,
	}
	if tier.Reward > 0 {
		batch.Entries = append(batch.Entries, model.EntryDraft{
			AccountID: accountID,
			Type:      model.EntryTypeBonus,
			Amount:    tier.Reward,
			State:     model.EntryStateCompleted,
			Detail: map[string]string{
				"kind":         "career_reward",
				"rank":         strconv.Itoa(tier.Rank),
				"rank_code":    tier.Code,
				"plan_version": strconv.Itoa(planVersion),
				"period":       period,
			},
		})
	}
	return batch
}
