package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRouter 配置路由
func SetupRouter(h *Handler, gatherer prometheus.Gatherer, mode string) *gin.Engine {
	if mode == "" {
		mode = gin.ReleaseMode
	}
	gin.SetMode(mode)

	r := gin.New()

	// 注册中间件
	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	api := r.Group("/api/v1")
	{
		// 交易相关
		txns := api.Group("/transactions")
		{
			txns.POST("/collection", h.CreateCollection)
			txns.POST("/payout", h.CreatePayout)
			txns.GET("/:reference", h.GetTransaction)
		}

		api.POST("/transfers", h.CreateTransfer)
		api.POST("/webhooks/payment", h.PaymentWebhook)
		api.GET("/webhooks/logs", h.WebhookLogs)

		// 账户相关
		accounts := api.Group("/accounts/:id")
		{
			accounts.GET("/balance", h.GetBalance)
			accounts.GET("/summary", h.GetSummary)
			accounts.POST("/topup", h.TopUp)
			accounts.GET("/transactions", h.ListTransactions)
		}

		api.GET("/commissions/total", h.CommissionTotal)
	}

	r.GET("/health", h.Health)
	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	return r
}
