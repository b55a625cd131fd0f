package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"mobilepay/internal/gateway"
	"mobilepay/internal/model"
	"mobilepay/internal/repository"
	"mobilepay/internal/service"
	"mobilepay/pkg/logger"
	"mobilepay/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	services *service.Services
	store    repository.Store
	gateway  gateway.Client
}

// NewHandler 创建处理器实例
func NewHandler(services *service.Services, store repository.Store, gw gateway.Client) *Handler {
	return &Handler{services: services, store: store, gateway: gw}
}

// fail 按错误类型映射 HTTP 状态码
func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case model.IsValidationError(err):
		response.ParamError(c, err.Error())
	case errors.Is(err, model.ErrInsufficientBalance):
		response.BusinessError(c, response.CodeBalanceNotEnough, err.Error())
	case errors.Is(err, model.ErrNotFound):
		response.NotFound(c, err.Error())
	case gateway.IsGatewayError(err):
		response.GatewayError(c, err.Error())
	case errors.Is(err, model.ErrInvalidTransition):
		logger.Error("[HTTP] 状态机异常", "path", c.FullPath(), "error", err)
		response.Error(c, http.StatusInternalServerError, response.CodeStateMachineError, err.Error())
	default:
		logger.Error("[HTTP] 请求处理失败", "path", c.FullPath(), "error", err)
		response.ServerError(c, "服务器内部错误")
	}
}

func principalParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		response.ParamError(c, "账户ID参数错误")
		return 0, false
	}
	return id, true
}

// ============================================================
// 交易相关接口
// ============================================================

// PaymentRequest 收款 / 付款请求
type PaymentRequest struct {
	PrincipalID int64           `json:"principalId" binding:"required"`
	Phone       string          `json:"phone" binding:"required"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
}

func (r *PaymentRequest) toService() service.PaymentRequest {
	return service.PaymentRequest{
		PrincipalID: r.PrincipalID,
		Phone:       r.Phone,
		Amount:      r.Amount,
		Description: r.Description,
	}
}

// CreateCollection 发起收款（STK Push）
// POST /api/v1/transactions/collection
func (h *Handler) CreateCollection(c *gin.Context) {
	var req PaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	txn, err := h.services.Payment.InitiateCollection(c.Request.Context(), req.toService())
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, gin.H{
		"reference":         txn.Reference,
		"externalReference": txn.ExternalReference,
		"commission":        txn.Commission,
		"netAmount":         txn.NetAmount,
		"status":            txn.Status,
	})
}

// CreatePayout 发起付款（B2C），余额不足返回 422
// POST /api/v1/transactions/payout
func (h *Handler) CreatePayout(c *gin.Context) {
	var req PaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	txn, err := h.services.Payment.InitiatePayout(c.Request.Context(), req.toService())
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, gin.H{
		"reference":         txn.Reference,
		"externalReference": txn.ExternalReference,
		"status":            txn.Status,
	})
}

// GetTransaction 查询交易
// GET /api/v1/transactions/:reference
func (h *Handler) GetTransaction(c *gin.Context) {
	txn, err := h.services.Ledger.Get(c.Request.Context(), c.Param("reference"))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, txn)
}

// TransferRequest 内部转账请求
type TransferRequest struct {
	SenderID    int64           `json:"senderId" binding:"required"`
	RecipientID int64           `json:"recipientId" binding:"required"`
	Amount      decimal.Decimal `json:"amount"`
	Note        string          `json:"note"`
}

// CreateTransfer 钱包内部转账
// POST /api/v1/transfers
//
// 【关键点】扣款、入账、交易记录在同一个存储事务中，失败不会产生部分结果
func (h *Handler) CreateTransfer(c *gin.Context) {
	var req TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	txn, err := h.services.Transfer.Transfer(c.Request.Context(), req.SenderID, req.RecipientID, req.Amount, req.Note)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, gin.H{
		"reference": txn.Reference,
		"status":    txn.Status,
	})
}

// ============================================================
// 网关回调
// ============================================================

// PaymentWebhook 网关回调
// POST /api/v1/webhooks/payment
//
// 【关键点】无论处理结果如何都返回 202，处理失败的交易由轮询兜底
func (h *Handler) PaymentWebhook(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		logger.Warn("[Webhook] 读取回调报文失败", "error", err)
		response.Accepted(c, nil)
		return
	}

	// 网关提前断开连接不能打断对账
	outcome, err := h.services.Webhook.Receive(context.WithoutCancel(c.Request.Context()), raw)
	if err != nil || outcome == nil {
		response.Accepted(c, nil)
		return
	}

	response.Accepted(c, gin.H{
		"reference": outcome.Transaction.Reference,
		"status":    outcome.Transaction.Status,
		"redirect":  outcome.Redirect,
	})
}

// WebhookLogs 最近的回调原文
// GET /api/v1/webhooks/logs?limit=20
func (h *Handler) WebhookLogs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	logs, err := h.services.Webhook.RecentLogs(c.Request.Context(), limit)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, gin.H{
		"list":  logs,
		"total": len(logs),
	})
}

// ============================================================
// 账户相关接口
// ============================================================

// GetBalance 查询余额
// GET /api/v1/accounts/:id/balance
func (h *Handler) GetBalance(c *gin.Context) {
	id, ok := principalParam(c)
	if !ok {
		return
	}

	balance, err := h.services.Wallet.Balance(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, gin.H{
		"principalId": id,
		"balance":     balance,
	})
}

// GetSummary 账户概览
// GET /api/v1/accounts/:id/summary
func (h *Handler) GetSummary(c *gin.Context) {
	id, ok := principalParam(c)
	if !ok {
		return
	}

	summary, err := h.services.Wallet.Summary(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, summary)
}

// TopUpRequest 调账充值请求
type TopUpRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
}

// TopUp 后台调账充值
// POST /api/v1/accounts/:id/topup
func (h *Handler) TopUp(c *gin.Context) {
	id, ok := principalParam(c)
	if !ok {
		return
	}

	var req TopUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	txn, err := h.services.Wallet.TopUp(c.Request.Context(), id, req.Amount, req.Description)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, gin.H{
		"reference": txn.Reference,
		"status":    txn.Status,
	})
}

// ListTransactions 账户最近交易
// GET /api/v1/accounts/:id/transactions?limit=20
func (h *Handler) ListTransactions(c *gin.Context) {
	id, ok := principalParam(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	list, err := h.services.Ledger.ListRecent(c.Request.Context(), id, limit)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, gin.H{
		"list":  list,
		"total": len(list),
	})
}

// CommissionTotal 手续费合计
// GET /api/v1/commissions/total?principalId=xxx
func (h *Handler) CommissionTotal(c *gin.Context) {
	var principalID *int64
	if raw := c.Query("principalId"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			response.ParamError(c, "principalId 参数错误")
			return
		}
		principalID = &id
	}

	total, err := h.services.Commission.Total(c.Request.Context(), principalID)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, gin.H{
		"principalId": principalID,
		"total":       total,
	})
}

// ============================================================
// 健康检查
// ============================================================

// Health 存储和网关连通性，任何一项失败都只降级为 degraded
// GET /health
func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	status := "ok"
	checks := gin.H{"storage": "ok", "gateway": "ok"}

	if err := h.store.Ping(ctx); err != nil {
		status = "degraded"
		checks["storage"] = err.Error()
	}
	if h.gateway != nil {
		if err := h.gateway.Health(ctx); err != nil {
			status = "degraded"
			checks["gateway"] = err.Error()
		}
	}

	response.Success(c, gin.H{
		"status": status,
		"checks": checks,
	})
}
