package compensation

import (
	"strconv"
	"time"

	"mlmledger/internal/model"
)

// ============================================================================
// Inputs
// ============================================================================

// Member is a consultant as seen by one calculation.
type Member struct {
	ConsultantID int64
	AccountID    int64
	Active       bool
	Directs      int
	Consumption  int64
}

// Snapshot is the sponsorship and qualification state a calculation reads.
// Uplines is the materialized ancestor list, nearest sponsor first.
type Snapshot struct {
	Trigger Member
	Uplines []Member
}

// Qualified reports whether m can receive depth payouts under cfg.
func (c *MatrixConfig) Qualified(m Member) bool {
	return m.Active && m.Consumption >= c.MinConsumption && m.Directs >= c.RequiredDirects
}

// ============================================================================
// Output
// ============================================================================

// Batch is the set of entries one source event produces; all of them share
// RefID and are applied atomically.
type Batch struct {
	RefID      string
	Source     string
	OccurredAt time.Time
	Entries    []model.EntryDraft
}

// Credits sums the positive amounts of the batch.
func (b *Batch) Credits() int64 {
	var total int64
	for _, e := range b.Entries {
		if e.Amount > 0 {
			total += e.Amount
		}
	}
	return total
}

const (
	SourceCycle     = "cycle"
	SourcePool      = "pool"
	SourcePromotion = "promotion"
)

// CycleRefID is the idempotency key of the batch produced for event id.
func CycleRefID(eventID string) string {
	return "CYC-" + eventID
}

// ============================================================================
// Calculation
// ============================================================================

// Calculate turns one cycle event into its payout batch. It reads nothing but
// its arguments, so the same inputs always give the same batch.
//
// Uplines are walked nearest first. Unqualified members are skipped and the
// level table is applied to the sequence of qualified recipients; whatever
// the chain cannot absorb stays unpaid.
func Calculate(event *model.CycleEvent, cfg *MatrixConfig, snap *Snapshot) (*Batch, error) {
	if err := checkChain(snap); err != nil {
		return nil, err
	}

	batch := &Batch{
		RefID:      CycleRefID(event.ID),
		Source:     SourceCycle,
		OccurredAt: event.OccurredAt,
	}

	base := cfg.ActivationValue
	if event.Source != model.CycleSourceMatrix && event.Value > 0 {
		base = event.Value
	}
	pool := cfg.DepthPool(base)
	entryType := event.EntryType()

	level := 0
	for i := 0; i < len(snap.Uplines) && level < len(cfg.DepthLevels); i++ {
		up := snap.Uplines[i]
		if !cfg.Qualified(up) {
			continue
		}
		pct := cfg.DepthLevels[level]
		level++
		amount := PercentOf(pool, pct)
		if amount <= 0 {
			continue
		}
		batch.Entries = append(batch.Entries, model.EntryDraft{
			AccountID: up.AccountID,
			Type:      entryType,
			Amount:    amount,
			State:     model.EntryStateCompleted,
			Detail: map[string]string{
				"kind":           "depth_bonus",
				"event_id":       event.ID,
				"matrix_id":      cfg.MatrixID,
				"config_version": strconv.Itoa(cfg.Version),
				"level":          strconv.Itoa(level),
				"depth":          strconv.Itoa(i + 1),
				"percent":        pct.String(),
				"source":         strconv.FormatInt(snap.Trigger.ConsultantID, 10),
			},
		})
	}

	if event.Source == model.CycleSourceMatrix {
		if bonus := PercentOf(cfg.ActivationValue, cfg.CycleBonusPercent); bonus > 0 {
			batch.Entries = append(batch.Entries, model.EntryDraft{
				AccountID: snap.Trigger.AccountID,
				Type:      model.EntryTypeBonus,
				Amount:    bonus,
				State:     model.EntryStateCompleted,
				Detail: map[string]string{
					"kind":           "cycle_bonus",
					"event_id":       event.ID,
					"matrix_id":      cfg.MatrixID,
					"config_version": strconv.Itoa(cfg.Version),
					"cycle_number":   strconv.Itoa(event.CycleNumber),
				},
			})
		}
		if cfg.ReentryDue(event.CycleNumber) {
			batch.Entries = append(batch.Entries, model.EntryDraft{
				AccountID: snap.Trigger.AccountID,
				Type:      model.EntryTypePurchase,
				Amount:    -cfg.ReentryCost(),
				State:     model.EntryStateCompleted,
				Detail: map[string]string{
					"kind":           "reentry",
					"event_id":       event.ID,
					"matrix_id":      cfg.MatrixID,
					"config_version": strconv.Itoa(cfg.Version),
					"cycle_number":   strconv.Itoa(event.CycleNumber),
				},
			})
		}
	}

	return batch, nil
}

// checkChain fails before any entry is built if the chain repeats a
// consultant or references one without an account.
func checkChain(snap *Snapshot) error {
	if snap.Trigger.AccountID == 0 {
		return &TreeIntegrityError{ConsultantID: snap.Trigger.ConsultantID, Reason: "no account"}
	}
	seen := make(map[int64]struct{}, len(snap.Uplines)+1)
	seen[snap.Trigger.ConsultantID] = struct{}{}
	for _, up := range snap.Uplines {
		if _, dup := seen[up.ConsultantID]; dup {
			return &TreeIntegrityError{ConsultantID: up.ConsultantID, Reason: "cycle in sponsorship chain"}
		}
		seen[up.ConsultantID] = struct{}{}
		if up.AccountID == 0 {
			return &TreeIntegrityError{ConsultantID: up.ConsultantID, Reason: "no account"}
		}
	}
	return nil
}
