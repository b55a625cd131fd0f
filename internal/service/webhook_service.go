package service

import (
	"context"
	"encoding/json"
	"strings"

	"mobilepay/internal/metrics"
	"mobilepay/internal/model"
	"mobilepay/internal/repository"
	"mobilepay/pkg/logger"
)

var (
	webhookReferenceKeys = []string{"external_reference", "externalReference", "ExternalReference", "CheckoutRequestID", "reference", "Reference"}
	webhookStatusKeys    = []string{"status", "Status"}
)

// WebhookEvent 回调解析结果
type WebhookEvent struct {
	Key    string
	Status string
}

// ParseWebhook 从回调报文中取出流水号和状态
// 兼容顶层字段和 PayHero 的 {"response": {...}} 嵌套格式
func ParseWebhook(raw []byte) (*WebhookEvent, error) {
	var body map[string]interface{}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, model.NewValidationError("body", "不是合法的 JSON")
	}
	if nested, ok := body["response"].(map[string]interface{}); ok {
		for k, v := range nested {
			if _, exists := body[k]; !exists {
				body[k] = v
			}
		}
	}

	event := &WebhookEvent{
		Key:    firstString(body, webhookReferenceKeys),
		Status: firstString(body, webhookStatusKeys),
	}
	if event.Key == "" {
		return nil, model.NewValidationError("externalReference", "缺少交易流水号")
	}
	if event.Status == "" {
		return nil, model.NewValidationError("status", "缺少交易状态")
	}
	return event, nil
}

func firstString(body map[string]interface{}, keys []string) string {
	for _, k := range keys {
		if v, ok := body[k].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// WebhookService 网关回调入口
//
// 【关键点】原文先写日志和 webhook_log 表再处理；
// 处理失败只记录，不影响对网关的应答，交易保持原状态等待轮询兜底
type WebhookService struct {
	store     repository.Store
	reconcile *ReconcileService
	metrics   *metrics.Metrics
}

func NewWebhookService(store repository.Store, reconcile *ReconcileService, m *metrics.Metrics) *WebhookService {
	return &WebhookService{store: store, reconcile: reconcile, metrics: m}
}

func (s *WebhookService) Receive(ctx context.Context, raw []byte) (*Outcome, error) {
	logger.Info("[Webhook] 收到回调", "payload", string(raw))

	event, parseErr := ParseWebhook(raw)

	entry := &model.WebhookLog{Payload: string(raw)}
	if event != nil {
		entry.ExternalReference = event.Key
		entry.ReportedStatus = event.Status
	}
	if err := s.store.WebhookLogs().Insert(ctx, entry); err != nil {
		logger.Error("[Webhook] 回调原文落库失败", "error", err)
	}

	if parseErr != nil {
		s.metrics.Webhook("invalid")
		logger.Warn("[Webhook] 回调报文无法解析", "error", parseErr)
		return nil, parseErr
	}

	outcome, err := s.reconcile.OnExternalEvent(ctx, event.Key, event.Status)
	if err != nil {
		s.metrics.Webhook("error")
		logger.Error("[Webhook] 回调处理失败", "key", event.Key, "status", event.Status, "error", err)
		return nil, err
	}

	s.metrics.Webhook("ok")
	return outcome, nil
}

// RecentLogs 最近的回调原文，用于排查和重放
func (s *WebhookService) RecentLogs(ctx context.Context, limit int) ([]*model.WebhookLog, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.store.WebhookLogs().ListRecent(ctx, limit)
}
