package sqlrepo

import (
	"context"

	"mobilepay/internal/model"
)

type WebhookLogRepository struct {
	store *Store
}

func (r *WebhookLogRepository) Insert(ctx context.Context, log *model.WebhookLog) error {
	return r.store.conn(ctx).Create(log).Error
}

func (r *WebhookLogRepository) ListRecent(ctx context.Context, limit int) ([]*model.WebhookLog, error) {
	var logs []*model.WebhookLog
	err := r.store.conn(ctx).
		Order("id DESC").
		Limit(limit).
		Find(&logs).Error
	return logs, err
}
