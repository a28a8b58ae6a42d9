package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"mlmledger/internal/compensation"
	"mlmledger/internal/config"
	"mlmledger/internal/model"
	"mlmledger/internal/repository"
	"mlmledger/pkg/period"

	"github.com/nyaruka/phonenumbers"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// maxTreeDepth bounds the acyclicity walk when a sponsor edge is written.
const maxTreeDepth = 100000

type NetworkService struct {
	db             *gorm.DB
	cfg            *config.Config
	consultantRepo *repository.ConsultantRepository
	accountRepo    *repository.AccountRepository
}

func NewNetworkService(db *gorm.DB, cfg *config.Config) *NetworkService {
	return &NetworkService{
		db:             db,
		cfg:            cfg,
		consultantRepo: repository.NewConsultantRepository(db),
		accountRepo:    repository.NewAccountRepository(db),
	}
}

type ConsultantInput struct {
	ID        int64  `json:"id" binding:"required,gt=0"`
	Name      string `json:"name" binding:"required"`
	SponsorID *int64 `json:"sponsor_id"`
	CPF       string `json:"cpf"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
	Active    bool   `json:"active"`
}

type ConsultantView struct {
	*model.Consultant
	AccountID int64 `json:"account_id"`
}

// Upsert writes a consultant and its sponsor edge and opens its account.
// An edge that would close a cycle is rejected.
func (s *NetworkService) Upsert(ctx context.Context, in *ConsultantInput) (*ConsultantView, error) {
	c := &model.Consultant{
		ID:        in.ID,
		Name:      strings.TrimSpace(in.Name),
		SponsorID: in.SponsorID,
		CPF:       digitsOnly(in.CPF),
		Email:     strings.TrimSpace(in.Email),
		Phone:     s.normalizePhone(in.Phone),
		Active:    in.Active,
	}

	var account *model.Account
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if c.SponsorID != nil {
			if err := s.checkEdge(ctx, tx, c.ID, *c.SponsorID); err != nil {
				return err
			}
		}
		if err := s.consultantRepo.Save(ctx, tx, c); err != nil {
			return err
		}
		var err error
		account, err = s.accountRepo.GetOrCreate(ctx, tx, c.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	saved, err := s.consultantRepo.Get(ctx, nil, c.ID)
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("section", "network").
		Int64("consultant_id", c.ID).
		Interface("sponsor_id", c.SponsorID).
		Msg("consultant saved")
	return &ConsultantView{Consultant: saved, AccountID: account.ID}, nil
}

func (s *NetworkService) checkEdge(ctx context.Context, tx *gorm.DB, id, sponsorID int64) error {
	if sponsorID == id {
		return &compensation.TreeIntegrityError{ConsultantID: id, Reason: "consultant cannot sponsor itself"}
	}
	if _, err := s.consultantRepo.Get(ctx, tx, sponsorID); err != nil {
		if errors.Is(err, repository.ErrConsultantNotFound) {
			return &compensation.TreeIntegrityError{ConsultantID: id, Reason: fmt.Sprintf("sponsor %d does not exist", sponsorID)}
		}
		return err
	}
	chain, err := s.consultantRepo.Ancestors(ctx, tx, sponsorID, maxTreeDepth)
	if err != nil && !errors.Is(err, repository.ErrSponsorCycle) {
		return err
	}
	for _, a := range chain {
		if a.ID == id {
			return &compensation.TreeIntegrityError{ConsultantID: id, Reason: fmt.Sprintf("sponsor %d is a descendant", sponsorID)}
		}
	}
	return nil
}

func (s *NetworkService) Get(ctx context.Context, id int64) (*ConsultantView, error) {
	c, err := s.consultantRepo.Get(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	view := &ConsultantView{Consultant: c}
	if account, err := s.accountRepo.GetByConsultantID(ctx, nil, id); err == nil {
		view.AccountID = account.ID
	}
	return view, nil
}

type ConsumptionInput struct {
	ConsultantID int64  `json:"consultant_id" binding:"required,gt=0"`
	Period       string `json:"period" binding:"required"`
	Amount       int64  `json:"amount" binding:"gte=0"`
}

// RecordConsumption sets the qualifying consumption of a monthly period.
func (s *NetworkService) RecordConsumption(ctx context.Context, in *ConsumptionInput) error {
	p, err := period.Parse(in.Period)
	if err != nil {
		return err
	}
	if p.Kind != period.Month {
		return fmt.Errorf("%w: consumption is recorded per month", period.ErrInvalidPeriod)
	}
	if _, err := s.consultantRepo.Get(ctx, nil, in.ConsultantID); err != nil {
		return err
	}
	return s.consultantRepo.SetConsumption(ctx, nil, in.ConsultantID, p.String(), in.Amount)
}

// Snapshot materializes the ancestor list of the event's consultant up to the
// root, with qualification data for the monthly period month. A chain longer
// than business.max_upline_depth is refused, never cut. Cycles, missing
// sponsors and members without account are tree integrity errors as well.
func (s *NetworkService) Snapshot(ctx context.Context, consultantID int64, month string) (*compensation.Snapshot, error) {
	trigger, err := s.consultantRepo.Get(ctx, nil, consultantID)
	if err != nil {
		return nil, err
	}

	depth := s.cfg.Business.MaxUplineDepth
	if depth <= 0 {
		depth = maxTreeDepth
	}
	chain, err := s.consultantRepo.Ancestors(ctx, nil, consultantID, depth+1)
	if err == nil && len(chain) > depth {
		return nil, &compensation.TreeIntegrityError{ConsultantID: consultantID, Reason: fmt.Sprintf("sponsor chain deeper than %d", depth)}
	}
	switch {
	case errors.Is(err, repository.ErrSponsorCycle):
		return nil, &compensation.TreeIntegrityError{ConsultantID: consultantID, Reason: "sponsor chain contains a cycle"}
	case errors.Is(err, repository.ErrConsultantNotFound):
		return nil, &compensation.TreeIntegrityError{ConsultantID: consultantID, Reason: "sponsor chain references a missing consultant"}
	case err != nil:
		return nil, err
	}

	all := append([]*model.Consultant{trigger}, chain...)
	members, err := s.members(ctx, all, month)
	if err != nil {
		return nil, err
	}
	return &compensation.Snapshot{Trigger: members[0], Uplines: members[1:]}, nil
}

// Members resolves qualification data of the given consultants for month.
func (s *NetworkService) Members(ctx context.Context, ids []int64, month string) (map[int64]compensation.Member, error) {
	consultants, err := s.consultantRepo.GetMany(ctx, nil, ids)
	if err != nil {
		return nil, err
	}
	list := make([]*model.Consultant, 0, len(consultants))
	for _, id := range ids {
		if c, ok := consultants[id]; ok {
			list = append(list, c)
		}
	}
	members, err := s.members(ctx, list, month)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]compensation.Member, len(members))
	for _, m := range members {
		out[m.ConsultantID] = m
	}
	return out, nil
}

func (s *NetworkService) members(ctx context.Context, list []*model.Consultant, month string) ([]compensation.Member, error) {
	ids := make([]int64, 0, len(list))
	for _, c := range list {
		ids = append(ids, c.ID)
	}
	accounts, err := s.accountRepo.AccountIDsByConsultant(ctx, nil, ids)
	if err != nil {
		return nil, err
	}
	directs, err := s.consultantRepo.CountDirects(ctx, nil, ids)
	if err != nil {
		return nil, err
	}
	consumption, err := s.consultantRepo.Consumption(ctx, nil, ids, month)
	if err != nil {
		return nil, err
	}

	out := make([]compensation.Member, 0, len(list))
	for _, c := range list {
		out = append(out, compensation.Member{
			ConsultantID: c.ID,
			AccountID:    accounts[c.ID],
			Active:       c.Active,
			Directs:      directs[c.ID],
			Consumption:  consumption[c.ID],
		})
	}
	return out, nil
}

func (s *NetworkService) normalizePhone(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	num, err := phonenumbers.Parse(raw, s.cfg.Withdrawal.DefaultRegion)
	if err != nil {
		return raw
	}
	return phonenumbers.Format(num, phonenumbers.E164)
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
