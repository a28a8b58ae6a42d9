package handler

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"mlmledger/internal/compensation"
	"mlmledger/internal/repository"
	"mlmledger/internal/service"
	"mlmledger/pkg/period"
	"mlmledger/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Handler exposes the ledger services over HTTP.
type Handler struct {
	ledger     *service.LedgerService
	balance    *service.BalanceService
	network    *service.NetworkService
	configs    *service.ConfigService
	payout     *service.PayoutService
	career     *service.CareerService
	withdrawal *service.WithdrawalService
	closing    *service.ClosingService
}

func NewHandler(svc *service.Services) *Handler {
	return &Handler{
		ledger:     svc.Ledger,
		balance:    svc.Balance,
		network:    svc.Network,
		configs:    svc.Configs,
		payout:     svc.Payout,
		career:     svc.Career,
		withdrawal: svc.Withdrawal,
		closing:    svc.Closing,
	}
}

// errorCode maps a service error onto a business code.
func errorCode(err error) int {
	switch {
	case errors.Is(err, service.ErrPartialBatchFailure):
		return response.CodePartialBatchFailure
	case errors.Is(err, service.ErrInsufficientBalance):
		return response.CodeInsufficientBalance
	case errors.Is(err, compensation.ErrConfigurationInvalid):
		return response.CodeConfigInvalid
	case errors.Is(err, service.ErrPayoutKeyMismatch):
		return response.CodePayoutKeyMismatch
	case errors.Is(err, compensation.ErrTreeIntegrity), errors.Is(err, repository.ErrSponsorCycle):
		return response.CodeTreeIntegrity
	case errors.Is(err, service.ErrWithdrawalDecided):
		return response.CodeWithdrawalDecided
	case errors.Is(err, service.ErrClosingInProgress):
		return response.CodeClosingInProgress
	case errors.Is(err, service.ErrAlreadyReversed):
		return response.CodeAlreadyReversed
	case errors.Is(err, service.ErrAccountBusy), errors.Is(err, repository.ErrStatusConflict):
		return response.CodeBusy
	case errors.Is(err, service.ErrClosingCancelled):
		return response.CodeBusinessError
	case errors.Is(err, repository.ErrAccountNotFound):
		return response.CodeAccountNotFound
	case errors.Is(err, repository.ErrConsultantNotFound),
		errors.Is(err, repository.ErrEventNotFound),
		errors.Is(err, repository.ErrWithdrawalNotFound),
		errors.Is(err, repository.ErrConfigNotFound),
		errors.Is(err, service.ErrBatchNotFound):
		return response.CodeNotFound
	case errors.Is(err, service.ErrInvalidEntry),
		errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, service.ErrBelowMinimum),
		errors.Is(err, service.ErrInvalidCategory),
		errors.Is(err, service.ErrInvalidKeyType),
		errors.Is(err, service.ErrInvalidRank),
		errors.Is(err, repository.ErrInvalidTransition),
		errors.Is(err, period.ErrInvalidPeriod):
		return response.CodeParamError
	}
	return response.CodeServerError
}

func writeError(c *gin.Context, err error) {
	var partial *service.PartialBatchFailure
	if errors.As(err, &partial) {
		response.ErrorWithData(c, response.CodePartialBatchFailure, err.Error(), gin.H{
			"run_no":           partial.RunNo,
			"failed_event_ids": partial.FailedEventIDs,
		})
		return
	}
	code := errorCode(err)
	if code == response.CodeServerError {
		log.Error().Err(err).Str("section", "http").Str("path", c.FullPath()).Str("request_id", c.GetString(requestIDKey)).Msg("request failed")
		response.ServerError(c, "internal error")
		return
	}
	response.Error(c, code, err.Error())
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		response.ParamError(c, name+" must be a positive integer")
		return 0, false
	}
	return id, true
}

func pageParams(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	return page, pageSize
}

// ============================================================
// Accounts
// ============================================================

// GET /api/v1/accounts/:id/balance
func (h *Handler) GetBalance(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	b, err := h.balance.Balance(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, b)
}

// GET /api/v1/accounts/:id/ledger?type=&from=&to=&ref_id=&page=&page_size=
func (h *Handler) ListLedger(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	f := repository.LedgerFilter{RefID: c.Query("ref_id")}
	for _, t := range c.QueryArray("type") {
		for _, part := range strings.Split(t, ",") {
			if part = strings.TrimSpace(part); part != "" {
				f.Types = append(f.Types, part)
			}
		}
	}
	var err error
	if from := c.Query("from"); from != "" {
		if f.From, err = time.Parse(time.RFC3339, from); err != nil {
			response.ParamError(c, "from must be RFC3339")
			return
		}
	}
	if to := c.Query("to"); to != "" {
		if f.To, err = time.Parse(time.RFC3339, to); err != nil {
			response.ParamError(c, "to must be RFC3339")
			return
		}
	}
	f.Page, f.PageSize = pageParams(c)

	statement, err := h.ledger.List(c.Request.Context(), id, f)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, statement)
}

// GET /api/v1/accounts/:id/replay?repair=true
func (h *Handler) ReplayAccount(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var (
		report *service.ReplayReport
		err    error
	)
	if c.Query("repair") == "true" {
		report, err = h.balance.Rebuild(c.Request.Context(), id)
	} else {
		report, err = h.balance.Replay(c.Request.Context(), id)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, report)
}

// GET /api/v1/payouts/:refId
func (h *Handler) GetPayout(c *gin.Context) {
	summary, err := h.ledger.PayoutSummary(c.Request.Context(), c.Param("refId"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, summary)
}

// ============================================================
// Cycle events
// ============================================================

// POST /api/v1/cycle-events
func (h *Handler) IngestCycleEvent(c *gin.Context) {
	var req service.CycleEventInput
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}
	result, err := h.payout.Ingest(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, result)
}

// ============================================================
// Withdrawals
// ============================================================

// POST /api/v1/withdrawals
func (h *Handler) RequestWithdrawal(c *gin.Context) {
	var req service.WithdrawalInput
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}
	w, err := h.withdrawal.Request(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, w)
}

// GET /api/v1/withdrawals?account_id=&status=&page=&page_size=
func (h *Handler) ListWithdrawals(c *gin.Context) {
	accountID, err := strconv.ParseInt(c.Query("account_id"), 10, 64)
	if err != nil || accountID <= 0 {
		response.ParamError(c, "account_id must be a positive integer")
		return
	}
	page, pageSize := pageParams(c)
	result, err := h.withdrawal.List(c.Request.Context(), accountID, c.Query("status"), page, pageSize)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, result)
}

// ============================================================
// Network and career
// ============================================================

// PUT /api/v1/network/consultants
func (h *Handler) UpsertConsultant(c *gin.Context) {
	var req service.ConsultantInput
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}
	view, err := h.network.Upsert(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, view)
}

// GET /api/v1/network/consultants/:id
func (h *Handler) GetConsultant(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	view, err := h.network.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, view)
}

// POST /api/v1/network/consumption
func (h *Handler) RecordConsumption(c *gin.Context) {
	var req service.ConsumptionInput
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}
	if err := h.network.RecordConsumption(c.Request.Context(), &req); err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, req)
}

// POST /api/v1/career/:consultantId/evaluate
func (h *Handler) EvaluateCareer(c *gin.Context) {
	id, ok := pathID(c, "consultantId")
	if !ok {
		return
	}
	var req struct {
		Period string `json:"period" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}
	result, err := h.career.Evaluate(c.Request.Context(), id, req.Period, nil)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, result)
}

// GET /api/v1/career/:consultantId/promotions
func (h *Handler) ListPromotions(c *gin.Context) {
	id, ok := pathID(c, "consultantId")
	if !ok {
		return
	}
	promos, err := h.career.Promotions(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"list": promos})
}
