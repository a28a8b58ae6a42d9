package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"mlmledger/internal/compensation"
	"mlmledger/internal/config"
	"mlmledger/internal/infrastructure/lock"
	"mlmledger/internal/infrastructure/metrics"
	"mlmledger/internal/model"
	"mlmledger/internal/repository"
	"mlmledger/pkg/idgen"
	"mlmledger/pkg/period"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// ============================================================================
// Closing runs
// ============================================================================
//
//   SCHEDULED -> RUNNING -> COMPLETED
//                   |
//                   +----> FAILED -> RUNNING (manual retry)
//
// One run per (period, category) may be live. A run applies every unapplied
// cycle event of its months on a bounded worker pool, then the category step:
// monthly pools or the quarterly career graduation. Event failures are
// isolated; the run ends FAILED with their ids and a retry only touches what
// is still unapplied.
//
// ============================================================================

type ClosingService struct {
	db          *gorm.DB
	cfg         *config.Config
	locker      lock.Locker
	ledger      *LedgerService
	payout      *PayoutService
	career      *CareerService
	network     *NetworkService
	configs     *ConfigService
	closingRepo *repository.ClosingRepository
	eventRepo   *repository.CycleEventRepository
	careerRepo  *repository.CareerRepository
	outboxRepo  *repository.OutboxRepository

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

func NewClosingService(db *gorm.DB, locker lock.Locker, cfg *config.Config, ledger *LedgerService, payout *PayoutService, career *CareerService, network *NetworkService, configs *ConfigService) *ClosingService {
	return &ClosingService{
		db:          db,
		cfg:         cfg,
		locker:      locker,
		ledger:      ledger,
		payout:      payout,
		career:      career,
		network:     network,
		configs:     configs,
		closingRepo: repository.NewClosingRepository(db),
		eventRepo:   repository.NewCycleEventRepository(db),
		careerRepo:  repository.NewCareerRepository(db),
		outboxRepo:  repository.NewOutboxRepository(db),
		running:     make(map[string]context.CancelFunc),
	}
}

type counts struct {
	total      int
	applied    int
	skipped    int
	promotions int
	paid       int64
}

// tally collects the outcome of one execution; workers update it concurrently.
// saved is what has already been written to the run row.
type tally struct {
	mu sync.Mutex
	counts
	saved  counts
	failed []string
}

func (t *tally) success(result *AppendResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if result.Replayed {
		t.skipped++
		return
	}
	t.applied++
	t.paid += result.Credits
}

func (t *tally) fail(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failed = append(t.failed, id)
}

func (t *tally) failedIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := append([]string(nil), t.failed...)
	sort.Strings(out)
	return out
}

func (t *tally) dispatched() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total++
}

// unsaved returns the counters gathered since the last save as column
// increments, and a func that marks them saved.
func (t *tally) unsaved() (map[string]interface{}, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.counts
	d := counts{
		total:      now.total - t.saved.total,
		applied:    now.applied - t.saved.applied,
		skipped:    now.skipped - t.saved.skipped,
		promotions: now.promotions - t.saved.promotions,
		paid:       now.paid - t.saved.paid,
	}
	updates := map[string]interface{}{
		"events_total":   gorm.Expr("events_total + ?", d.total),
		"events_applied": gorm.Expr("events_applied + ?", d.applied),
		"events_skipped": gorm.Expr("events_skipped + ?", d.skipped),
		"promotions":     gorm.Expr("promotions + ?", d.promotions),
		"total_paid":     gorm.Expr("total_paid + ?", d.paid),
	}
	return updates, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.saved = now
	}
}

func runKey(periodKey, category string) string {
	return periodKey + "|" + category
}

// Close runs the closing of (periodKey, category). A completed run is
// returned as is. A failed run is retried. A run already executing elsewhere
// yields ErrClosingInProgress.
func (s *ClosingService) Close(ctx context.Context, periodKey, category, triggeredBy string) (*model.ClosingRun, error) {
	p, err := period.Parse(periodKey)
	if err != nil {
		return nil, err
	}
	switch {
	case category == model.ClosingMonthly && p.Kind == period.Month:
	case category == model.ClosingQuarterly && p.Kind == period.Quarter:
	default:
		return nil, fmt.Errorf("%w: %s %s", ErrInvalidCategory, category, periodKey)
	}
	periodKey = p.String()

	release, ok, err := s.locker.TryAcquire(ctx, lock.ClosingKey(periodKey, category))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrClosingInProgress
	}
	defer release()

	run, done, err := s.claim(ctx, periodKey, category, triggeredBy)
	if err != nil {
		return nil, err
	}
	if done {
		return run, nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	key := runKey(periodKey, category)
	s.mu.Lock()
	s.running[key] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, key)
		s.mu.Unlock()
		cancel()
	}()

	log.Info().
		Str("section", "closing").
		Str("run_no", run.RunNo).
		Str("period", periodKey).
		Str("category", category).
		Int("attempt", run.Attempt).
		Str("triggered_by", triggeredBy).
		Msg("closing started")

	return s.execute(runCtx, run, p)
}

// Cancel stops the dispatch of new events of a run executing in this
// process. Events already dispatched finish within their own timeout.
func (s *ClosingService) Cancel(periodKey, category string) bool {
	if p, err := period.Parse(periodKey); err == nil {
		periodKey = p.String()
	}
	s.mu.Lock()
	cancel, ok := s.running[runKey(periodKey, category)]
	s.mu.Unlock()
	if ok {
		cancel()
		log.Warn().Str("section", "closing").Str("period", periodKey).Str("category", category).Msg("closing cancel requested")
	}
	return ok
}

func (s *ClosingService) claim(ctx context.Context, periodKey, category, triggeredBy string) (*model.ClosingRun, bool, error) {
	run, err := s.closingRepo.GetLive(ctx, periodKey, category)
	if err != nil {
		return nil, false, err
	}
	if run != nil {
		switch run.State {
		case model.ClosingCompleted:
			return run, true, nil
		case model.ClosingRunning:
			// we hold the closing lock, so whoever left it RUNNING is gone
			log.Warn().Str("section", "closing").Str("run_no", run.RunNo).Msg("resuming orphaned run")
			return run, false, nil
		case model.ClosingScheduled:
			if err := s.closingRepo.Transition(ctx, run, model.ClosingRunning, nil); err != nil {
				return nil, false, err
			}
			return run, false, nil
		}
	}

	failed, err := s.closingRepo.LatestFailed(ctx, periodKey, category)
	if err != nil {
		return nil, false, err
	}
	if failed != nil {
		err := s.closingRepo.Transition(ctx, failed, model.ClosingRunning, map[string]interface{}{
			"triggered_by": triggeredBy,
			"error":        "",
		})
		if errors.Is(err, repository.ErrDuplicate) || errors.Is(err, repository.ErrStatusConflict) {
			return nil, false, ErrClosingInProgress
		}
		if err != nil {
			return nil, false, err
		}
		return failed, false, nil
	}

	run = &model.ClosingRun{
		RunNo:       idgen.GenerateRunNo(),
		Period:      periodKey,
		Category:    category,
		State:       model.ClosingScheduled,
		TriggeredBy: triggeredBy,
	}
	if err := s.closingRepo.Create(ctx, run); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, false, ErrClosingInProgress
		}
		return nil, false, err
	}
	if err := s.closingRepo.Transition(ctx, run, model.ClosingRunning, nil); err != nil {
		return nil, false, err
	}
	return run, false, nil
}

func (s *ClosingService) execute(ctx context.Context, run *model.ClosingRun, p period.Period) (*model.ClosingRun, error) {
	// bookkeeping must survive the cancellation of ctx
	bg := context.WithoutCancel(ctx)
	t := &tally{}

	matrices, runErr := s.configs.Matrices(bg)
	cancelled := false
	if runErr == nil {
		cancelled, runErr = s.applyEvents(ctx, run, p, matrices, t)
	}

	if runErr == nil && !cancelled && len(t.failedIDs()) == 0 {
		switch run.Category {
		case model.ClosingMonthly:
			runErr = s.runPools(bg, p, matrices, t)
		case model.ClosingQuarterly:
			runErr = s.runGraduation(bg, p, t)
		}
	}

	return s.finish(bg, run, t, cancelled, runErr)
}

// applyEvents pages through unapplied events and dispatches them to a
// bounded pool. It stops dispatching when ctx is cancelled.
func (s *ClosingService) applyEvents(ctx context.Context, run *model.ClosingRun, p period.Period, matrices map[string]*compensation.MatrixConfig, t *tally) (bool, error) {
	months := make([]string, 0, 3)
	for _, m := range p.Months() {
		months = append(months, m.String())
	}

	workers := s.cfg.Closing.Workers
	if workers < 1 {
		workers = 1
	}
	pageSize := s.cfg.Closing.PageSize
	if pageSize < 1 {
		pageSize = 500
	}

	var g errgroup.Group
	g.SetLimit(workers)
	seen := make(map[string]struct{})
	bg := context.WithoutCancel(ctx)
	cancelled := false
	var listErr error
	after := ""

dispatch:
	for {
		if ctx.Err() != nil {
			cancelled = true
			break
		}
		events, err := s.eventRepo.ListUnapplied(bg, months, after, pageSize)
		if err != nil {
			listErr = err
			break
		}
		for _, ev := range events {
			after = ev.ID
			if _, dup := seen[ev.ID]; dup {
				continue
			}
			seen[ev.ID] = struct{}{}
			if ctx.Err() != nil {
				cancelled = true
				break dispatch
			}
			g.Go(func() error {
				// a slot freed after Cancel; leave the event to the next run
				if ctx.Err() != nil {
					return nil
				}
				t.dispatched()
				s.applyEvent(bg, run, ev, matrices, t)
				return nil
			})
		}
		s.saveProgress(bg, run, t)
		if len(events) < pageSize {
			break
		}
	}
	_ = g.Wait()
	if ctx.Err() != nil {
		cancelled = true
	}
	return cancelled, listErr
}

// saveProgress writes the counters of finished events to the running run so
// Status reflects a long run page by page.
func (s *ClosingService) saveProgress(ctx context.Context, run *model.ClosingRun, t *tally) {
	updates, saved := t.unsaved()
	if err := s.closingRepo.SaveProgress(ctx, run, updates); err != nil {
		log.Warn().Err(err).Str("section", "closing").Str("run_no", run.RunNo).Msg("progress not saved")
		return
	}
	saved()
}

func (s *ClosingService) applyEvent(ctx context.Context, run *model.ClosingRun, ev *model.CycleEvent, matrices map[string]*compensation.MatrixConfig, t *tally) {
	evCtx, cancel := context.WithTimeout(ctx, s.cfg.Closing.EventTimeout)
	defer cancel()

	var result *AppendResult
	cfg, ok := matrices[ev.MatrixID]
	err := fmt.Errorf("%w: no configuration for matrix %s", ErrConfigurationInvalid, ev.MatrixID)
	if ok {
		result, err = s.payout.Apply(evCtx, ev, cfg)
	}
	if err != nil {
		t.fail(ev.ID)
		metrics.ClosingEvents.WithLabelValues(run.Category, "failed").Inc()
		if markErr := s.eventRepo.MarkFailed(ctx, ev.ID, err); markErr != nil {
			log.Error().Err(markErr).Str("section", "closing").Str("event_id", ev.ID).Msg("mark event failed")
		}
		log.Warn().
			Err(err).
			Str("section", "closing").
			Str("run_no", run.RunNo).
			Str("event_id", ev.ID).
			Msg("event failed")
		return
	}
	t.success(result)
	outcome := "applied"
	if result.Replayed {
		outcome = "skipped"
	}
	metrics.ClosingEvents.WithLabelValues(run.Category, outcome).Inc()
}

// runPools pays the loyalty and top-rank pools of every matrix from the
// cycles applied in month p.
func (s *ClosingService) runPools(ctx context.Context, p period.Period, matrices map[string]*compensation.MatrixConfig, t *tally) error {
	events, err := s.eventRepo.AppliedMatrixCycles(ctx, p.String())
	if err != nil {
		return err
	}
	byMatrix := make(map[string][]*model.CycleEvent)
	for _, ev := range events {
		byMatrix[ev.MatrixID] = append(byMatrix[ev.MatrixID], ev)
	}
	matrixIDs := make([]string, 0, len(byMatrix))
	for id := range byMatrix {
		matrixIDs = append(matrixIDs, id)
	}
	sort.Strings(matrixIDs)

	_, end := p.Bounds(s.cfg.Closing.Location())
	closedAt := end.Add(-time.Second)

	for _, matrixID := range matrixIDs {
		cfg, ok := matrices[matrixID]
		if !ok || (!cfg.LoyaltyPoolPercent.IsPositive() && !cfg.TopPoolPercent.IsPositive()) {
			continue
		}
		in, err := s.poolInput(ctx, cfg, p, byMatrix[matrixID], closedAt)
		if err != nil {
			return err
		}
		for _, batch := range compensation.PoolBatches(cfg, in) {
			result, err := s.ledger.Append(ctx, &AppendRequest{
				RefID:      batch.RefID,
				Source:     batch.Source,
				OccurredAt: batch.OccurredAt,
				Entries:    batch.Entries,
			})
			if err != nil {
				log.Warn().Err(err).Str("section", "closing").Str("ref_id", batch.RefID).Msg("pool batch failed")
				t.fail(batch.RefID)
				continue
			}
			if !result.Replayed {
				t.mu.Lock()
				t.paid += result.Credits
				t.mu.Unlock()
			}
		}
	}
	return nil
}

func (s *ClosingService) poolInput(ctx context.Context, cfg *compensation.MatrixConfig, p period.Period, events []*model.CycleEvent, closedAt time.Time) (*compensation.PoolInput, error) {
	cycles := make(map[int64]int64)
	reentries := make(map[int64]int64)
	for _, ev := range events {
		cycles[ev.ConsultantID]++
		if cfg.ReentryDue(ev.CycleNumber) {
			reentries[ev.ConsultantID]++
		}
	}
	ids := make([]int64, 0, len(cycles))
	for id := range cycles {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	members, err := s.network.Members(ctx, ids, p.String())
	if err != nil {
		return nil, err
	}
	in := &compensation.PoolInput{Period: p.String(), TotalCycles: int64(len(events)), ClosedAt: closedAt}
	for _, id := range ids {
		m := members[id]
		in.Participants = append(in.Participants, compensation.PoolParticipant{
			ConsultantID: id,
			AccountID:    m.AccountID,
			Cycles:       cycles[id],
			Reentries:    reentries[id],
			Qualified:    m.AccountID != 0 && cfg.Qualified(m),
		})
	}
	return in, nil
}

// runGraduation evaluates the career of every consultant with activity in
// the quarter.
func (s *ClosingService) runGraduation(ctx context.Context, p period.Period, t *tally) error {
	plan, err := s.configs.Career(ctx)
	if err != nil {
		return fmt.Errorf("load career plan: %w", err)
	}
	months := make([]string, 0, 3)
	for _, m := range p.Months() {
		months = append(months, m.String())
	}
	ids, err := s.careerRepo.ConsultantsWithCounters(ctx, months)
	if err != nil {
		return err
	}

	workers := s.cfg.Closing.Workers
	if workers < 1 {
		workers = 1
	}
	var g errgroup.Group
	g.SetLimit(workers)
	for _, id := range ids {
		g.Go(func() error {
			evCtx, cancel := context.WithTimeout(ctx, s.cfg.Closing.EventTimeout)
			defer cancel()
			result, err := s.career.Evaluate(evCtx, id, p.String(), plan)
			if err != nil {
				log.Warn().Err(err).Str("section", "closing").Int64("consultant_id", id).Msg("career evaluation failed")
				t.fail("PIN-" + strconv.FormatInt(id, 10))
				return nil
			}
			t.mu.Lock()
			t.promotions += len(result.Promotions)
			for _, promo := range result.Promotions {
				t.paid += promo.Reward
			}
			t.mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

func (s *ClosingService) finish(ctx context.Context, run *model.ClosingRun, t *tally, cancelled bool, runErr error) (*model.ClosingRun, error) {
	failed := t.failedIDs()
	failedJSON, _ := json.Marshal(failed)

	state := model.ClosingCompleted
	message := ""
	switch {
	case runErr != nil:
		state = model.ClosingFailed
		message = runErr.Error()
	case cancelled:
		state = model.ClosingFailed
		message = ErrClosingCancelled.Error()
	case len(failed) > 0:
		state = model.ClosingFailed
		message = fmt.Sprintf("%d failed", len(failed))
	}
	if len(message) > 500 {
		message = message[:500]
	}

	updates, _ := t.unsaved()
	updates["events_failed"] = len(failed)
	updates["failed_event_ids"] = string(failedJSON)
	updates["error"] = message

	if err := s.closingRepo.Transition(ctx, run, state, updates); err != nil {
		return nil, fmt.Errorf("finish run %s: %w", run.RunNo, err)
	}
	metrics.ClosingRuns.WithLabelValues(run.Category, state).Inc()

	msg, err := model.NewOutboxMessage(s.cfg.Kafka.Topic.Closing, model.EventClosingFinished, run.RunNo, run)
	if err == nil {
		err = s.outboxRepo.Create(ctx, nil, msg)
	}
	if err != nil {
		log.Error().Err(err).Str("section", "closing").Str("run_no", run.RunNo).Msg("closing event not recorded")
	}

	log.Info().
		Str("section", "closing").
		Str("run_no", run.RunNo).
		Str("state", state).
		Int("applied", run.EventsApplied).
		Int("skipped", run.EventsSkipped).
		Int("failed", run.EventsFailed).
		Int64("total_paid", run.TotalPaid).
		Msg("closing finished")

	switch {
	case runErr != nil:
		return run, runErr
	case cancelled:
		return run, ErrClosingCancelled
	case len(failed) > 0:
		return run, &PartialBatchFailure{RunNo: run.RunNo, FailedEventIDs: failed}
	}
	return run, nil
}

// Status returns the live run of (periodKey, category), or its latest failed
// one, or nil.
func (s *ClosingService) Status(ctx context.Context, periodKey, category string) (*model.ClosingRun, error) {
	p, err := period.Parse(periodKey)
	if err != nil {
		return nil, err
	}
	run, err := s.closingRepo.GetLive(ctx, p.String(), category)
	if err != nil || run != nil {
		return run, err
	}
	return s.closingRepo.LatestFailed(ctx, p.String(), category)
}

type ClosingPage struct {
	Total int64               `json:"total"`
	Runs  []*model.ClosingRun `json:"runs"`
}

func (s *ClosingService) History(ctx context.Context, page, pageSize int) (*ClosingPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	runs, total, err := s.closingRepo.List(ctx, page, pageSize)
	if err != nil {
		return nil, err
	}
	return &ClosingPage{Total: total, Runs: runs}, nil
}
