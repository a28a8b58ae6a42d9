package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"mlmledger/internal/config"
	"mlmledger/internal/infrastructure/lock"
	"mlmledger/internal/infrastructure/metrics"
	"mlmledger/internal/model"
	"mlmledger/internal/repository"
	"mlmledger/pkg/idgen"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const (
	SourceReversal   = "reversal"
	SourceAdjustment = "adjustment"
	SourceWithdrawal = "withdrawal"

	reversalPrefix = "REV-"
)

type LedgerService struct {
	db          *gorm.DB
	cfg         *config.Config
	locker      lock.Locker
	retry       retryPolicy
	accountRepo *repository.AccountRepository
	ledgerRepo  *repository.LedgerRepository
	outboxRepo  *repository.OutboxRepository
	holdRepo    *repository.WithdrawalRepository
}

func NewLedgerService(db *gorm.DB, locker lock.Locker, cfg *config.Config) *LedgerService {
	return &LedgerService{
		db:          db,
		cfg:         cfg,
		locker:      locker,
		retry:       newRetryPolicy(cfg.Business.MaxRetryCount, cfg.Business.RetryInitial),
		accountRepo: repository.NewAccountRepository(db),
		ledgerRepo:  repository.NewLedgerRepository(db),
		outboxRepo:  repository.NewOutboxRepository(db),
		holdRepo:    repository.NewWithdrawalRepository(db),
	}
}

// AppendRequest is one atomic batch. AfterApply, when set, runs inside the
// ledger transaction once the entries are written and only on first apply.
// EarmarkRelease names, per account, the part of the pending withdrawal hold
// that this batch settles; it is not counted against the batch's own debits.
type AppendRequest struct {
	RefID          string
	Source         string
	OccurredAt     time.Time
	Entries        []model.EntryDraft
	EarmarkRelease map[int64]int64
	AfterApply     func(ctx context.Context, tx *gorm.DB) error
}

// AccountRange is the seq span a batch occupied on one account.
type AccountRange struct {
	AccountID int64 `json:"account_id"`
	FirstSeq  int64 `json:"first_seq"`
	LastSeq   int64 `json:"last_seq"`
	Balance   int64 `json:"balance"`
}

type AppendResult struct {
	RefID    string               `json:"ref_id"`
	Replayed bool                 `json:"replayed"`
	Credits  int64                `json:"credits"`
	Entries  []*model.LedgerEntry `json:"entries"`
	Ranges   []AccountRange       `json:"ranges"`
}

var errReplay = errors.New("batch already applied")

// Append writes all entries of req or none of them. A refId that was already
// applied returns the stored entries with Replayed set.
func (s *LedgerService) Append(ctx context.Context, req *AppendRequest) (*AppendResult, error) {
	if err := validateAppend(req); err != nil {
		return nil, err
	}

	existing, err := s.ledgerRepo.GetBatch(ctx, nil, req.RefID)
	if err != nil {
		return nil, fmt.Errorf("load batch %s: %w", req.RefID, err)
	}
	if existing != nil {
		metrics.LedgerBatches.WithLabelValues(req.Source, "replayed").Inc()
		return s.replay(ctx, req.RefID)
	}

	start := time.Now()
	result, err := retry(ctx, s.retry, func() (*AppendResult, error) {
		return s.appendOnce(ctx, req)
	})
	if errors.Is(err, errReplay) {
		metrics.LedgerBatches.WithLabelValues(req.Source, "replayed").Inc()
		return s.replay(ctx, req.RefID)
	}
	if err != nil {
		metrics.LedgerBatches.WithLabelValues(req.Source, "rejected").Inc()
		return nil, err
	}
	metrics.LedgerBatches.WithLabelValues(req.Source, "applied").Inc()
	metrics.LedgerAppendDuration.WithLabelValues(req.Source).Observe(time.Since(start).Seconds())

	log.Debug().
		Str("section", "ledger").
		Str("ref_id", req.RefID).
		Str("source", req.Source).
		Int("entries", len(result.Entries)).
		Msg("batch applied")
	return result, nil
}

func (s *LedgerService) appendOnce(ctx context.Context, req *AppendRequest) (*AppendResult, error) {
	accountIDs := draftAccounts(req.Entries)

	lockCtx, cancel := context.WithTimeout(ctx, s.cfg.Lock.WaitTimeout)
	release, err := s.locker.Acquire(lockCtx, lock.AccountKeys(accountIDs))
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrAccountBusy, err)
	}
	defer release()

	result := &AppendResult{RefID: req.RefID}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.ledgerRepo.GetBatch(ctx, tx, req.RefID)
		if err != nil {
			return err
		}
		if existing != nil {
			return errReplay
		}

		accounts := map[int64]*model.Account{}
		if len(accountIDs) > 0 {
			accounts, err = s.accountRepo.LockByIDs(ctx, tx, accountIDs)
			if err != nil {
				return err
			}
		}

		balances := make(map[int64]int64, len(accounts))
		seqs := make(map[int64]int64, len(accounts))
		for id, a := range accounts {
			balances[id] = a.Balance
			seqs[id] = a.LastSeq
		}
		held, err := s.heldFunds(ctx, tx, req)
		if err != nil {
			return err
		}

		batch := &model.LedgerBatch{
			RefID:      req.RefID,
			Source:     req.Source,
			EntryCount: len(req.Entries),
			Status:     model.BatchStatusApplied,
		}
		entries := make([]*model.LedgerEntry, 0, len(req.Entries))
		for _, d := range req.Entries {
			before := balances[d.AccountID]
			after := before + d.Amount
			if d.Amount < 0 && !d.Exempt && after-held[d.AccountID] < 0 {
				return &InsufficientBalanceError{AccountID: d.AccountID, Available: before - held[d.AccountID], Required: -d.Amount}
			}
			balances[d.AccountID] = after
			seqs[d.AccountID]++

			if d.Amount > 0 {
				batch.TotalCredit += d.Amount
			} else {
				batch.TotalDebit += -d.Amount
			}
			state := d.State
			if state == "" {
				state = model.EntryStateCompleted
			}
			entries = append(entries, &model.LedgerEntry{
				AccountID:     d.AccountID,
				Seq:           seqs[d.AccountID],
				RefID:         req.RefID,
				Type:          d.Type,
				Amount:        d.Amount,
				Fee:           d.Fee,
				State:         state,
				BalanceAfter:  after,
				BalanceExempt: d.Exempt,
				OccurredAt:    req.OccurredAt,
				Detail:        encodeDetail(d.Detail),
			})
		}

		if err := s.ledgerRepo.CreateBatch(ctx, tx, batch, entries); err != nil {
			if repository.IsDuplicateKey(err) {
				return errReplay
			}
			return err
		}

		ids := make([]int64, 0, len(accounts))
		for id := range accounts {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			a := accounts[id]
			first := a.LastSeq + 1
			if err := s.accountRepo.Advance(ctx, tx, a, balances[id], seqs[id]); err != nil {
				return err
			}
			result.Ranges = append(result.Ranges, AccountRange{
				AccountID: id,
				FirstSeq:  first,
				LastSeq:   seqs[id],
				Balance:   balances[id],
			})
		}

		if req.AfterApply != nil {
			if err := req.AfterApply(ctx, tx); err != nil {
				return err
			}
		}

		msg, err := model.NewOutboxMessage(s.cfg.Kafka.Topic.Ledger, model.EventLedgerBatchApplied, req.RefID, map[string]interface{}{
			"ref_id":       req.RefID,
			"source":       req.Source,
			"entry_count":  batch.EntryCount,
			"total_credit": batch.TotalCredit,
			"total_debit":  batch.TotalDebit,
			"ranges":       result.Ranges,
			"occurred_at":  req.OccurredAt.Format(time.RFC3339),
		})
		if err != nil {
			return err
		}
		if err := s.outboxRepo.Create(ctx, tx, msg); err != nil {
			return err
		}

		result.Entries = entries
		result.Credits = batch.TotalCredit
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// heldFunds loads the withdrawal earmarks of every account the batch debits
// under the balance check. Runs after the account rows are locked.
func (s *LedgerService) heldFunds(ctx context.Context, tx *gorm.DB, req *AppendRequest) (map[int64]int64, error) {
	held := make(map[int64]int64)
	for _, d := range req.Entries {
		if d.Amount >= 0 || d.Exempt {
			continue
		}
		if _, ok := held[d.AccountID]; ok {
			continue
		}
		total, err := s.holdRepo.PendingTotal(ctx, tx, d.AccountID)
		if err != nil {
			return nil, fmt.Errorf("load earmarks of account %d: %w", d.AccountID, err)
		}
		total -= req.EarmarkRelease[d.AccountID]
		if total < 0 {
			total = 0
		}
		held[d.AccountID] = total
	}
	return held, nil
}

func (s *LedgerService) replay(ctx context.Context, refID string) (*AppendResult, error) {
	entries, err := s.ledgerRepo.ListByRefID(ctx, nil, refID)
	if err != nil {
		return nil, err
	}
	result := &AppendResult{RefID: refID, Replayed: true, Entries: entries}
	byAccount := make(map[int64]*AccountRange)
	var order []int64
	for _, e := range entries {
		if e.Amount > 0 {
			result.Credits += e.Amount
		}
		r, ok := byAccount[e.AccountID]
		if !ok {
			r = &AccountRange{AccountID: e.AccountID, FirstSeq: e.Seq}
			byAccount[e.AccountID] = r
			order = append(order, e.AccountID)
		}
		r.LastSeq = e.Seq
		r.Balance = e.BalanceAfter
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	for _, id := range order {
		result.Ranges = append(result.Ranges, *byAccount[id])
	}
	return result, nil
}

func validateAppend(req *AppendRequest) error {
	if req == nil || strings.TrimSpace(req.RefID) == "" {
		return fmt.Errorf("%w: ref id is required", ErrInvalidEntry)
	}
	if req.OccurredAt.IsZero() {
		req.OccurredAt = time.Now()
	}
	for i, d := range req.Entries {
		switch {
		case d.AccountID <= 0:
			return fmt.Errorf("%w: entry %d has no account", ErrInvalidEntry, i)
		case !model.IsEntryType(d.Type):
			return fmt.Errorf("%w: entry %d has unknown type %q", ErrInvalidEntry, i, d.Type)
		case d.Amount == 0:
			return fmt.Errorf("%w: entry %d has zero amount", ErrInvalidEntry, i)
		case d.Fee < 0:
			return fmt.Errorf("%w: entry %d has negative fee", ErrInvalidEntry, i)
		case d.State != "" && d.State != model.EntryStateCompleted && d.State != model.EntryStatePending:
			return fmt.Errorf("%w: entry %d has state %q", ErrInvalidEntry, i, d.State)
		}
	}
	return nil
}

func draftAccounts(drafts []model.EntryDraft) []int64 {
	seen := make(map[int64]struct{}, len(drafts))
	ids := make([]int64, 0, len(drafts))
	for _, d := range drafts {
		if _, ok := seen[d.AccountID]; ok {
			continue
		}
		seen[d.AccountID] = struct{}{}
		ids = append(ids, d.AccountID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func encodeDetail(detail map[string]string) string {
	if len(detail) == 0 {
		return ""
	}
	b, _ := json.Marshal(detail)
	return string(b)
}

func decodeDetail(raw string) map[string]string {
	out := map[string]string{}
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

// ============================================================================
// Reversal
// ============================================================================

// Reverse posts compensating chargebacks for every entry of refID under the
// refId REV-<refID>. A batch can be reversed once.
func (s *LedgerService) Reverse(ctx context.Context, refID, reason, actor string) (*AppendResult, error) {
	if strings.HasPrefix(refID, reversalPrefix) {
		return nil, fmt.Errorf("%w: %s is itself a reversal", ErrInvalidEntry, refID)
	}
	batch, err := s.ledgerRepo.GetBatch(ctx, nil, refID)
	if err != nil {
		return nil, err
	}
	if batch == nil {
		return nil, ErrBatchNotFound
	}
	reversalRef := reversalPrefix + refID
	if batch.Status == model.BatchStatusReversed {
		if batch.ReversedBy == reversalRef {
			return s.replay(ctx, reversalRef)
		}
		return nil, ErrAlreadyReversed
	}

	entries, err := s.ledgerRepo.ListByRefID(ctx, nil, refID)
	if err != nil {
		return nil, err
	}
	drafts := make([]model.EntryDraft, 0, len(entries))
	for _, e := range entries {
		drafts = append(drafts, model.EntryDraft{
			AccountID: e.AccountID,
			Type:      model.EntryTypeChargeback,
			Amount:    -e.Amount,
			Exempt:    true,
			Detail: map[string]string{
				"reversed_ref":  refID,
				"original_seq":  strconv.FormatInt(e.Seq, 10),
				"original_type": e.Type,
				"reason":        reason,
				"actor":         actor,
			},
		})
	}

	result, err := s.Append(ctx, &AppendRequest{
		RefID:      reversalRef,
		Source:     SourceReversal,
		OccurredAt: time.Now(),
		Entries:    drafts,
		AfterApply: func(ctx context.Context, tx *gorm.DB) error {
			if err := s.ledgerRepo.MarkReversed(ctx, tx, refID, reversalRef); err != nil {
				if errors.Is(err, repository.ErrStatusConflict) {
					return ErrAlreadyReversed
				}
				return err
			}
			msg, err := model.NewOutboxMessage(s.cfg.Kafka.Topic.Ledger, model.EventLedgerBatchReversed, refID, map[string]interface{}{
				"ref_id":      refID,
				"reversed_by": reversalRef,
				"reason":      reason,
				"actor":       actor,
			})
			if err != nil {
				return err
			}
			return s.outboxRepo.Create(ctx, tx, msg)
		},
	})
	if err != nil {
		return nil, err
	}

	log.Warn().
		Str("section", "ledger").
		Str("ref_id", refID).
		Str("actor", actor).
		Str("reason", reason).
		Msg("batch reversed")
	return result, nil
}

// ============================================================================
// Queries
// ============================================================================

type StatementEntry struct {
	*model.LedgerEntry
	Details map[string]string `json:"details,omitempty"`
}

type Statement struct {
	AccountID int64             `json:"account_id"`
	Total     int64             `json:"total"`
	Page      int               `json:"page"`
	PageSize  int               `json:"page_size"`
	Entries   []*StatementEntry `json:"entries"`
}

// List pages an account's entries in seq order. Entries of reversed batches
// are reported with state REVERSED; the stored rows never change.
func (s *LedgerService) List(ctx context.Context, accountID int64, f repository.LedgerFilter) (*Statement, error) {
	if _, err := s.accountRepo.GetByID(ctx, nil, accountID); err != nil {
		return nil, err
	}
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 || f.PageSize > 500 {
		f.PageSize = 50
	}
	entries, total, err := s.ledgerRepo.ListByAccount(ctx, accountID, f)
	if err != nil {
		return nil, err
	}

	refs := make([]string, 0, len(entries))
	for _, e := range entries {
		refs = append(refs, e.RefID)
	}
	reversed, err := s.ledgerRepo.ReversedRefIDs(ctx, refs)
	if err != nil {
		return nil, err
	}

	out := &Statement{AccountID: accountID, Total: total, Page: f.Page, PageSize: f.PageSize}
	for _, e := range entries {
		if reversed[e.RefID] {
			e.State = model.EntryStateReversed
		}
		out.Entries = append(out.Entries, &StatementEntry{LedgerEntry: e, Details: decodeDetail(e.Detail)})
	}
	return out, nil
}

type PayoutLine struct {
	AccountID int64  `json:"account_id"`
	Type      string `json:"type"`
	Kind      string `json:"kind"`
	Level     int    `json:"level,omitempty"`
	Amount    int64  `json:"amount"`
}

type PayoutSummary struct {
	RefID      string       `json:"ref_id"`
	Source     string       `json:"source"`
	Status     string       `json:"status"`
	TotalPaid  int64        `json:"total_paid"`
	LevelsPaid int          `json:"levels_paid"`
	Lines      []PayoutLine `json:"lines"`
}

// PayoutSummary describes what a refId paid out.
func (s *LedgerService) PayoutSummary(ctx context.Context, refID string) (*PayoutSummary, error) {
	batch, err := s.ledgerRepo.GetBatch(ctx, nil, refID)
	if err != nil {
		return nil, err
	}
	if batch == nil {
		return nil, ErrBatchNotFound
	}
	entries, err := s.ledgerRepo.ListByRefID(ctx, nil, refID)
	if err != nil {
		return nil, err
	}

	out := &PayoutSummary{RefID: refID, Source: batch.Source, Status: batch.Status, TotalPaid: batch.TotalCredit}
	for _, e := range entries {
		detail := decodeDetail(e.Detail)
		line := PayoutLine{AccountID: e.AccountID, Type: e.Type, Kind: detail["kind"], Amount: e.Amount}
		if lvl, err := strconv.Atoi(detail["level"]); err == nil {
			line.Level = lvl
			out.LevelsPaid++
		}
		out.Lines = append(out.Lines, line)
	}
	return out, nil
}

// ============================================================================
// Manual adjustments
// ============================================================================

const (
	DirectionCredit = "credit"
	DirectionDebit  = "debit"
)

type AdjustmentRequest struct {
	RequestID   string `json:"request_id"`
	AccountID   int64  `json:"account_id" binding:"required"`
	Direction   string `json:"direction" binding:"required,oneof=credit debit"`
	Amount      int64  `json:"amount" binding:"required,gt=0"`
	Type        string `json:"type" binding:"omitempty,oneof=adjustment fee transfer"`
	Description string `json:"description" binding:"required"`
	Exempt      bool   `json:"exempt"`
	Actor       string `json:"-"`
}

// adjustmentTypes are the entry types an operator may post by hand.
var adjustmentTypes = map[string]struct{}{
	model.EntryTypeAdjustment: {},
	model.EntryTypeFee:        {},
	model.EntryTypeTransfer:   {},
}

// Adjust posts an administrative credit or debit. Debits are balance checked
// unless Exempt is set, which needs business.allow_exempt_adjustments and is
// recorded on the entry as an operator override.
func (s *LedgerService) Adjust(ctx context.Context, req *AdjustmentRequest) (*AppendResult, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	entryType := req.Type
	if entryType == "" {
		entryType = model.EntryTypeAdjustment
	}
	if _, ok := adjustmentTypes[entryType]; !ok {
		return nil, fmt.Errorf("%w: type %q cannot be adjusted by hand", ErrInvalidEntry, entryType)
	}
	if req.Exempt && !s.cfg.Business.AllowExemptAdjustments {
		return nil, fmt.Errorf("%w: balance exempt adjustments are disabled", ErrInvalidEntry)
	}
	amount := req.Amount
	switch req.Direction {
	case DirectionCredit:
	case DirectionDebit:
		amount = -amount
	default:
		return nil, fmt.Errorf("%w: direction %q", ErrInvalidEntry, req.Direction)
	}

	refID := "ADJ-" + req.RequestID
	if req.RequestID == "" {
		refID = idgen.GenerateAdjustmentNo()
	}
	detail := map[string]string{
		"kind":        "manual_adjustment",
		"description": req.Description,
		"actor":       req.Actor,
	}
	if req.Exempt {
		detail["override"] = "balance_exempt"
		detail["override_by"] = req.Actor
	}

	result, err := s.Append(ctx, &AppendRequest{
		RefID:      refID,
		Source:     SourceAdjustment,
		OccurredAt: time.Now(),
		Entries: []model.EntryDraft{{
			AccountID: req.AccountID,
			Type:      entryType,
			Amount:    amount,
			Exempt:    req.Exempt,
			Detail:    detail,
		}},
	})
	if err != nil {
		return nil, err
	}
	if !result.Replayed {
		log.Info().
			Str("section", "ledger").
			Str("ref_id", refID).
			Int64("account_id", req.AccountID).
			Int64("amount", amount).
			Str("actor", req.Actor).
			Bool("exempt", req.Exempt).
			Msg("manual adjustment")
	}
	return result, nil
}
