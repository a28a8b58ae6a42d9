package handler

import (
	"context"

	"mlmledger/internal/compensation"
	"mlmledger/internal/service"
	"mlmledger/pkg/response"

	"github.com/gin-gonic/gin"
)

// ============================================================
// Ledger administration
// ============================================================

// POST /api/v1/admin/adjustments
func (h *Handler) Adjust(c *gin.Context) {
	var req service.AdjustmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}
	req.Actor = adminUser(c)
	result, err := h.ledger.Adjust(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, result)
}

// POST /api/v1/admin/ledger/:refId/reverse
func (h *Handler) Reverse(c *gin.Context) {
	var req struct {
		Reason string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}
	result, err := h.ledger.Reverse(c.Request.Context(), c.Param("refId"), req.Reason, adminUser(c))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, result)
}

// POST /api/v1/admin/withdrawals/:id/decide
func (h *Handler) DecideWithdrawal(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req service.DecisionInput
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}
	req.ID = id
	req.DecidedBy = adminUser(c)
	w, err := h.withdrawal.Decide(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, w)
}

// ============================================================
// Closing
// ============================================================

type closingRequest struct {
	Period   string `json:"period" binding:"required"`
	Category string `json:"category" binding:"required,oneof=MONTHLY QUARTERLY"`
}

// POST /api/v1/admin/closing
//
// The run outlives the HTTP request: a client disconnect must not cancel it.
func (h *Handler) Close(c *gin.Context) {
	var req closingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}
	ctx := context.WithoutCancel(c.Request.Context())
	run, err := h.closing.Close(ctx, req.Period, req.Category, adminUser(c))
	if err != nil {
		if run != nil {
			response.ErrorWithData(c, errorCode(err), err.Error(), run)
			return
		}
		writeError(c, err)
		return
	}
	response.Success(c, run)
}

// POST /api/v1/admin/closing/cancel
func (h *Handler) CancelClosing(c *gin.Context) {
	var req closingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}
	response.Success(c, gin.H{"cancelled": h.closing.Cancel(req.Period, req.Category)})
}

// GET /api/v1/admin/closing?page=&page_size=
func (h *Handler) ClosingHistory(c *gin.Context) {
	page, pageSize := pageParams(c)
	result, err := h.closing.History(c.Request.Context(), page, pageSize)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, result)
}

// GET /api/v1/admin/closing/status?period=&category=
func (h *Handler) ClosingStatus(c *gin.Context) {
	run, err := h.closing.Status(c.Request.Context(), c.Query("period"), c.Query("category"))
	if err != nil {
		writeError(c, err)
		return
	}
	if run == nil {
		response.NotFound(c, "no closing run for "+c.Query("period"))
		return
	}
	response.Success(c, run)
}

// ============================================================
// Configuration
// ============================================================

// PUT /api/v1/admin/config/matrix/:matrixId
func (h *Handler) PutMatrix(c *gin.Context) {
	var cfg compensation.MatrixConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}
	cfg.MatrixID = c.Param("matrixId")
	stored, err := h.configs.PutMatrix(c.Request.Context(), &cfg, adminUser(c))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, stored)
}

// GET /api/v1/admin/config/matrix/:matrixId
func (h *Handler) GetMatrix(c *gin.Context) {
	cfg, err := h.configs.Matrix(c.Request.Context(), c.Param("matrixId"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, cfg)
}

// PUT /api/v1/admin/config/career
func (h *Handler) PutCareer(c *gin.Context) {
	var plan compensation.CareerPlan
	if err := c.ShouldBindJSON(&plan); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}
	stored, err := h.configs.PutCareer(c.Request.Context(), &plan, adminUser(c))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, stored)
}

// GET /api/v1/admin/config/career
func (h *Handler) GetCareer(c *gin.Context) {
	plan, err := h.configs.Career(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, plan)
}

// PUT /api/v1/admin/career/:consultantId/rank
func (h *Handler) SetRank(c *gin.Context) {
	id, ok := pathID(c, "consultantId")
	if !ok {
		return
	}
	var req struct {
		Rank *int `json:"rank" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}
	consultant, err := h.career.SetRank(c.Request.Context(), id, *req.Rank, adminUser(c))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, consultant)
}
