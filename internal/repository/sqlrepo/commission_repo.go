package sqlrepo

import (
	"context"
	"errors"

	"mobilepay/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type CommissionRepository struct {
	store *Store
}

func (r *CommissionRepository) Insert(ctx context.Context, record *model.CommissionRecord) error {
	err := r.store.conn(ctx).Create(record).Error
	if isDuplicateKey(err) {
		return model.ErrDuplicateReference
	}
	return err
}

func (r *CommissionRepository) GetByReference(ctx context.Context, reference string) (*model.CommissionRecord, error) {
	var record model.CommissionRecord
	err := r.store.conn(ctx).Where("transaction_reference = ?", reference).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	return &record, nil
}

func (r *CommissionRepository) Count(ctx context.Context, reference string) (int64, error) {
	var count int64
	err := r.store.conn(ctx).
		Model(&model.CommissionRecord{}).
		Where("transaction_reference = ?", reference).
		Count(&count).Error
	return count, err
}

func (r *CommissionRepository) Total(ctx context.Context, principalID *int64) (decimal.Decimal, error) {
	query := r.store.conn(ctx).Model(&model.CommissionRecord{})
	if principalID != nil {
		query = query.Where("principal_id = ?", *principalID)
	}

	// 逐行累加而不是 SUM：SQLite 的 SUM 走浮点运算，会丢失小数精度
	var amounts []decimal.Decimal
	if err := query.Pluck("commission_amount", &amounts).Error; err != nil {
		return decimal.Zero, err
	}
	return decimal.Sum(decimal.Zero, amounts...), nil
}
