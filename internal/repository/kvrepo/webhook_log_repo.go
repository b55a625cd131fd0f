package kvrepo

import (
	"context"
	"encoding/json"
	"time"

	"mobilepay/internal/model"
	"mobilepay/pkg/idgen"

	"github.com/dgraph-io/badger/v3"
)

type WebhookLogRepository struct {
	store *Store
}

func (r *WebhookLogRepository) Insert(ctx context.Context, log *model.WebhookLog) error {
	if log.ID == 0 {
		log.ID = idgen.NextID()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now()
	}
	return r.store.update(ctx, func(bt *badger.Txn) error {
		return setJSON(bt, webhookLogKey(log.ID), log)
	})
}

func (r *WebhookLogRepository) ListRecent(ctx context.Context, limit int) ([]*model.WebhookLog, error) {
	var logs []*model.WebhookLog
	err := r.store.view(ctx, func(bt *badger.Txn) error {
		return scan(bt, []byte(prefixWebhookLog), true, func(_, val []byte) (bool, error) {
			var log model.WebhookLog
			if err := json.Unmarshal(val, &log); err != nil {
				return false, err
			}
			logs = append(logs, &log)
			return len(logs) < limit, nil
		})
	})
	return logs, err
}
