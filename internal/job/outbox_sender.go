package job

import (
	"context"
	"time"

	"mobilepay/internal/metrics"
	"mobilepay/internal/model"
	"mobilepay/internal/repository"
	"mobilepay/pkg/logger"
)

// MessageSender 消息投递，生产环境为 Kafka producer
type MessageSender interface {
	SendMessage(topic, key, value string) error
}

// OutboxSender 把 outbox 表中的交易事件投递到 Kafka
//
// 【关键点】事件与业务数据同事务写入，这里只负责至少一次投递：
// 发送成功标记 SENT，失败累加重试次数，超过上限标记 FAILED
type OutboxSender struct {
	outbox        repository.OutboxRepository
	sender        MessageSender
	metrics       *metrics.Metrics
	maxRetryCount int
	stopCh        chan struct{}
	interval      time.Duration
	batchSize     int
}

func NewOutboxSender(outbox repository.OutboxRepository, sender MessageSender, maxRetryCount int, m *metrics.Metrics) *OutboxSender {
	return &OutboxSender{
		outbox:        outbox,
		sender:        sender,
		metrics:       m,
		maxRetryCount: maxRetryCount,
		stopCh:        make(chan struct{}),
		interval:      100 * time.Millisecond,
		batchSize:     100,
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	logger.Info("[OutboxSender] 消息发送任务启动")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("[OutboxSender] 收到停止信号，任务退出")
			return
		case <-s.stopCh:
			logger.Info("[OutboxSender] 任务停止")
			return
		case <-ticker.C:
			s.processPendingMessages(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

func (s *OutboxSender) processPendingMessages(ctx context.Context) {
	messages, err := s.outbox.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		logger.Error("[OutboxSender] 查询消息失败", "error", err)
		return
	}

	for _, msg := range messages {
		s.sendMessage(ctx, msg)
	}
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) {
	err := s.sender.SendMessage(msg.Topic, msg.MessageKey, msg.Payload)
	s.metrics.OutboxPublished(err)

	if err == nil {
		if updateErr := s.outbox.UpdateStatus(ctx, msg.ID, model.OutboxStatusSent); updateErr != nil {
			logger.Error("[OutboxSender] 更新消息状态失败", "id", msg.ID, "error", updateErr)
		} else {
			logger.Debug("[OutboxSender] 消息发送成功", "id", msg.ID, "topic", msg.Topic, "key", msg.MessageKey)
		}
		return
	}

	logger.Warn("[OutboxSender] 消息发送失败", "id", msg.ID, "error", err)

	if err := s.outbox.IncrementRetryCount(ctx, msg.ID); err != nil {
		logger.Error("[OutboxSender] 增加重试次数失败", "id", msg.ID, "error", err)
	}

	if msg.RetryCount+1 >= s.maxRetryCount {
		if err := s.outbox.MarkAsFailed(ctx, msg.ID); err != nil {
			logger.Error("[OutboxSender] 标记消息失败状态失败", "id", msg.ID, "error", err)
		} else {
			logger.Warn("[OutboxSender] 消息超过最大重试次数，标记为失败", "id", msg.ID)
		}
	}
}
