package service

import (
	"context"
	"encoding/json"
	"time"

	"mobilepay/internal/model"
	"mobilepay/internal/repository"
)

// eventWriter 交易结果事件写入 outbox 表，与业务数据在同一个存储事务中提交，
// 由 OutboxSender 异步投递到 Kafka
type eventWriter struct {
	store repository.Store
	topic string
}

func newEventWriter(store repository.Store, topic string) *eventWriter {
	return &eventWriter{store: store, topic: topic}
}

type transactionEvent struct {
	Reference         string `json:"reference"`
	ExternalReference string `json:"external_reference,omitempty"`
	Kind              string `json:"kind"`
	PrincipalID       int64  `json:"principal_id"`
	CounterpartyID    *int64 `json:"counterparty_id,omitempty"`
	Amount            string `json:"amount"`
	Commission        string `json:"commission"`
	NetAmount         string `json:"net_amount"`
	Status            string `json:"status"`
	OccurredAt        string `json:"occurred_at"`
}

// write topic 为空（未启用 Kafka）时不写
func (w *eventWriter) write(ctx context.Context, txn *model.Transaction) error {
	if w == nil || w.topic == "" {
		return nil
	}

	payload, err := json.Marshal(transactionEvent{
		Reference:         txn.Reference,
		ExternalReference: txn.ExternalReference,
		Kind:              txn.Kind,
		PrincipalID:       txn.PrincipalID,
		CounterpartyID:    txn.CounterpartyID,
		Amount:            txn.Amount.String(),
		Commission:        txn.Commission.String(),
		NetAmount:         txn.NetAmount.String(),
		Status:            txn.Status,
		OccurredAt:        time.Now().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	return w.store.Outbox().Insert(ctx, &model.OutboxMessage{
		MessageKey: txn.Reference,
		Topic:      w.topic,
		Payload:    string(payload),
		Status:     model.OutboxStatusPending,
	})
}
