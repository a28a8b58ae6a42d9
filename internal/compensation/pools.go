package compensation

import (
	"sort"
	"strconv"
	"time"

	"mlmledger/internal/model"
)

// PoolParticipant is one consultant's activity in a matrix during a period.
type PoolParticipant struct {
	ConsultantID int64
	AccountID    int64
	Cycles       int64
	Reentries    int64
	Qualified    bool
}

// PoolInput is the monthly aggregate the pools are computed from.
type PoolInput struct {
	Period       string
	TotalCycles  int64
	Participants []PoolParticipant
	ClosedAt     time.Time
}

func LoyaltyPoolRefID(matrixID, period string) string {
	return "POOL-LOY-" + matrixID + "-" + period
}

func TopPoolRefID(matrixID, period string) string {
	return "POOL-TOP-" + matrixID + "-" + period
}

// PoolBatches computes the loyalty and top-rank pool batches of one matrix for
// one period. Pools are funded by TotalCycles x activation value.
//
// Loyalty is shared among qualified consultants that re-entered, in
// proportion to their cycles. Top-rank pays TopRankShares[i] of its pool to
// the i-th consultant by cycles (ties broken by consultant id).
// Remainders from flooring are not paid.
func PoolBatches(cfg *MatrixConfig, in *PoolInput) []*Batch {
	var out []*Batch
	funding := in.TotalCycles * cfg.ActivationValue

	participants := make([]PoolParticipant, 0, len(in.Participants))
	for _, p := range in.Participants {
		if p.Qualified && p.Cycles > 0 && p.AccountID != 0 {
			participants = append(participants, p)
		}
	}

	if loyaltyPool := PercentOf(funding, cfg.LoyaltyPoolPercent); loyaltyPool > 0 {
		var eligible []PoolParticipant
		var weight int64
		for _, p := range participants {
			if p.Reentries > 0 {
				eligible = append(eligible, p)
				weight += p.Cycles
			}
		}
		sort.Slice(eligible, func(i, j int) bool { return eligible[i].ConsultantID < eligible[j].ConsultantID })
		batch := &Batch{RefID: LoyaltyPoolRefID(cfg.MatrixID, in.Period), Source: SourcePool, OccurredAt: in.ClosedAt}
		for _, p := range eligible {
			amount := loyaltyPool * p.Cycles / weight
			if amount <= 0 {
				continue
			}
			batch.Entries = append(batch.Entries, poolEntry(cfg, in.Period, "loyalty_pool", p, amount, ""))
		}
		if len(batch.Entries) > 0 {
			out = append(out, batch)
		}
	}

	if topPool := PercentOf(funding, cfg.TopPoolPercent); topPool > 0 && len(cfg.TopRankShares) > 0 {
		ranked := append([]PoolParticipant(nil), participants...)
		sort.Slice(ranked, func(i, j int) bool {
			if ranked[i].Cycles != ranked[j].Cycles {
				return ranked[i].Cycles > ranked[j].Cycles
			}
			return ranked[i].ConsultantID < ranked[j].ConsultantID
		})
		batch := &Batch{RefID: TopPoolRefID(cfg.MatrixID, in.Period), Source: SourcePool, OccurredAt: in.ClosedAt}
		for i := 0; i < len(ranked) && i < len(cfg.TopRankShares); i++ {
			amount := PercentOf(topPool, cfg.TopRankShares[i])
			if amount <= 0 {
				continue
			}
			batch.Entries = append(batch.Entries, poolEntry(cfg, in.Period, "top_pool", ranked[i], amount, strconv.Itoa(i+1)))
		}
		if len(batch.Entries) > 0 {
			out = append(out, batch)
		}
	}

	return out
}

func poolEntry(cfg *MatrixConfig, period, kind string, p PoolParticipant, amount int64, position string) model.EntryDraft {
	detail := map[string]string{
		"kind":           kind,
		"matrix_id":      cfg.MatrixID,
		"config_version": strconv.Itoa(cfg.Version),
		"period":         period,
		"cycles":         strconv.FormatInt(p.Cycles, 10),
	}
	if position != "" {
		detail["position"] = position
	}
	return model.EntryDraft{
		AccountID: p.AccountID,
		Type:      model.EntryTypeBonus,
		Amount:    amount,
		State:     model.EntryStateCompleted,
		Detail:    detail,
	}
}
