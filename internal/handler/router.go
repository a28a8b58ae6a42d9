package handler

import (
	"net/http"

	"mlmledger/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRouter wires every API route onto a fresh engine.
func SetupRouter(svc *service.Services) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	r.Use(RecoveryMiddleware())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	h := NewHandler(svc)

	api := r.Group("/api/v1")
	{
		accounts := api.Group("/accounts")
		{
			accounts.GET("/:id/balance", h.GetBalance)
			accounts.GET("/:id/ledger", h.ListLedger)
			accounts.GET("/:id/replay", h.ReplayAccount)
		}

		api.GET("/payouts/:refId", h.GetPayout)
		api.POST("/cycle-events", h.IngestCycleEvent)

		withdrawals := api.Group("/withdrawals")
		{
			withdrawals.POST("", h.RequestWithdrawal)
			withdrawals.GET("", h.ListWithdrawals)
		}

		network := api.Group("/network")
		{
			network.PUT("/consultants", h.UpsertConsultant)
			network.GET("/consultants/:id", h.GetConsultant)
			network.POST("/consumption", h.RecordConsumption)
		}

		career := api.Group("/career")
		{
			career.POST("/:consultantId/evaluate", h.EvaluateCareer)
			career.GET("/:consultantId/promotions", h.ListPromotions)
		}

		admin := api.Group("/admin", AdminMiddleware())
		{
			admin.POST("/adjustments", h.Adjust)
			admin.POST("/ledger/:refId/reverse", h.Reverse)
			admin.POST("/withdrawals/:id/decide", h.DecideWithdrawal)

			admin.POST("/closing", h.Close)
			admin.POST("/closing/cancel", h.CancelClosing)
			admin.GET("/closing", h.ClosingHistory)
			admin.GET("/closing/status", h.ClosingStatus)

			admin.PUT("/config/matrix/:matrixId", h.PutMatrix)
			admin.GET("/config/matrix/:matrixId", h.GetMatrix)
			admin.PUT("/config/career", h.PutCareer)
			admin.GET("/config/career", h.GetCareer)

			admin.PUT("/career/:consultantId/rank", h.SetRank)
		}
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}
