package kvrepo

import (
	"context"
	"encoding/json"
	"time"

	"mobilepay/internal/model"
	"mobilepay/pkg/idgen"

	"github.com/dgraph-io/badger/v3"
)

type OutboxRepository struct {
	store *Store
}

func (r *OutboxRepository) Insert(ctx context.Context, msg *model.OutboxMessage) error {
	now := time.Now()
	if msg.ID == 0 {
		msg.ID = idgen.NextID()
	}
	if msg.Status == "" {
		msg.Status = model.OutboxStatusPending
	}
	msg.CreatedAt = now
	msg.UpdatedAt = now
	return r.store.update(ctx, func(bt *badger.Txn) error {
		return setJSON(bt, outboxKey(msg.ID), msg)
	})
}

// GetPendingMessages ID 由雪花算法生成，key 顺序即写入顺序
func (r *OutboxRepository) GetPendingMessages(ctx context.Context, limit int) ([]*model.OutboxMessage, error) {
	var messages []*model.OutboxMessage
	err := r.store.view(ctx, func(bt *badger.Txn) error {
		return scan(bt, []byte(prefixOutbox), false, func(_, val []byte) (bool, error) {
			var msg model.OutboxMessage
			if err := json.Unmarshal(val, &msg); err != nil {
				return false, err
			}
			if msg.Status == model.OutboxStatusPending {
				messages = append(messages, &msg)
			}
			return len(messages) < limit, nil
		})
	})
	return messages, err
}

func (r *OutboxRepository) UpdateStatus(ctx context.Context, id int64, status string) error {
	return r.modify(ctx, id, func(msg *model.OutboxMessage) {
		msg.Status = status
	})
}

func (r *OutboxRepository) IncrementRetryCount(ctx context.Context, id int64) error {
	return r.modify(ctx, id, func(msg *model.OutboxMessage) {
		msg.RetryCount++
	})
}

func (r *OutboxRepository) MarkAsFailed(ctx context.Context, id int64) error {
	return r.UpdateStatus(ctx, id, model.OutboxStatusFailed)
}

func (r *OutboxRepository) modify(ctx context.Context, id int64, fn func(msg *model.OutboxMessage)) error {
	return r.store.update(ctx, func(bt *badger.Txn) error {
		var msg model.OutboxMessage
		if err := getJSON(bt, outboxKey(id), &msg); err != nil {
			return err
		}
		fn(&msg)
		msg.UpdatedAt = time.Now()
		return setJSON(bt, outboxKey(id), &msg)
	})
}
