package sqlrepo

import (
	"context"
	"errors"
	"time"

	"mobilepay/internal/model"
	"mobilepay/internal/repository"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type TransactionRepository struct {
	store *Store
}

func (r *TransactionRepository) FindOne(ctx context.Context, filter repository.TransactionFilter) (*model.Transaction, error) {
	query := r.store.conn(ctx)
	if filter.ForUpdate && r.store.inTransaction(ctx) {
		query = forUpdate(query)
	}

	switch {
	case filter.Reference != "":
		query = query.Where("reference = ?", filter.Reference)
	case filter.ExternalReference != "":
		query = query.Where("external_reference = ?", filter.ExternalReference)
	default:
		return nil, model.ErrNotFound
	}

	var txn model.Transaction
	if err := query.First(&txn).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	return &txn, nil
}

func (r *TransactionRepository) Insert(ctx context.Context, txn *model.Transaction) error {
	err := r.store.conn(ctx).Create(txn).Error
	if isDuplicateKey(err) {
		return model.ErrDuplicateReference
	}
	return err
}

// UpdateStatus CAS 更新状态
//
// 【关键点】WHERE reference = ? AND status = ?
// 两个请求同时把同一笔交易从 PENDING 推进到终态时，只有一个能更新成功，
// 另一个 RowsAffected = 0，由上层决定按"已是终态"处理
func (r *TransactionRepository) UpdateStatus(ctx context.Context, reference, from, to string, fields repository.StatusUpdate) error {
	updatedAt := fields.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	updates := map[string]interface{}{
		"status":     to,
		"updated_at": updatedAt,
	}
	if fields.ExternalReference != "" {
		updates["external_reference"] = fields.ExternalReference
	}

	result := r.store.conn(ctx).
		Model(&model.Transaction{}).
		Where("reference = ? AND status = ?", reference, from).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return model.ErrStatusConflict
	}
	return nil
}

func (r *TransactionRepository) ListRecent(ctx context.Context, principalID int64, limit int) ([]*model.Transaction, error) {
	var txns []*model.Transaction
	err := r.store.conn(ctx).
		Where("principal_id = ? OR counterparty_id = ?", principalID, principalID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&txns).Error
	return txns, err
}

func (r *TransactionRepository) ListStale(ctx context.Context, statuses []string, before time.Time, limit int) ([]*model.Transaction, error) {
	var txns []*model.Transaction
	err := r.store.conn(ctx).
		Where("status IN ? AND created_at < ?", statuses, before).
		Order("created_at ASC").
		Limit(limit).
		Find(&txns).Error
	return txns, err
}

func (r *TransactionRepository) Stats(ctx context.Context, principalID int64) (*repository.TransactionStats, error) {
	stats := &repository.TransactionStats{CompletedVolume: decimal.Zero}
	db := r.store.conn(ctx)

	if err := db.Model(&model.Transaction{}).
		Where("principal_id = ?", principalID).
		Count(&stats.Total).Error; err != nil {
		return nil, err
	}

	// 成功金额逐行累加，理由同 CommissionRepository.Total
	var amounts []decimal.Decimal
	if err := db.Model(&model.Transaction{}).
		Where("principal_id = ? AND status = ?", principalID, model.TxStatusCompleted).
		Pluck("amount", &amounts).Error; err != nil {
		return nil, err
	}
	stats.Completed = int64(len(amounts))
	stats.CompletedVolume = decimal.Sum(decimal.Zero, amounts...)
	return stats, nil
}
