package kvrepo

import (
	"context"
	"encoding/json"
	"time"

	"mobilepay/internal/model"
	"mobilepay/pkg/idgen"

	"github.com/dgraph-io/badger/v3"
	"github.com/shopspring/decimal"
)

type CommissionRepository struct {
	store *Store
}

func (r *CommissionRepository) Insert(ctx context.Context, record *model.CommissionRecord) error {
	return r.store.update(ctx, func(bt *badger.Txn) error {
		found, err := exists(bt, commissionKey(record.TransactionReference))
		if err != nil {
			return err
		}
		if found {
			return model.ErrDuplicateReference
		}
		if record.ID == 0 {
			record.ID = idgen.NextID()
		}
		if record.CreatedAt.IsZero() {
			record.CreatedAt = time.Now()
		}
		return setJSON(bt, commissionKey(record.TransactionReference), record)
	})
}

func (r *CommissionRepository) GetByReference(ctx context.Context, reference string) (*model.CommissionRecord, error) {
	var record model.CommissionRecord
	err := r.store.view(ctx, func(bt *badger.Txn) error {
		return getJSON(bt, commissionKey(reference), &record)
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *CommissionRepository) Count(ctx context.Context, reference string) (int64, error) {
	var count int64
	err := r.store.view(ctx, func(bt *badger.Txn) error {
		found, err := exists(bt, commissionKey(reference))
		if found {
			count = 1
		}
		return err
	})
	return count, err
}

func (r *CommissionRepository) Total(ctx context.Context, principalID *int64) (decimal.Decimal, error) {
	total := decimal.Zero
	err := r.store.view(ctx, func(bt *badger.Txn) error {
		return scan(bt, []byte(prefixCommission), false, func(_, val []byte) (bool, error) {
			var record model.CommissionRecord
			if err := json.Unmarshal(val, &record); err != nil {
				return false, err
			}
			if principalID == nil || record.PrincipalID == *principalID {
				total = total.Add(record.CommissionAmount)
			}
			return true, nil
		})
	})
	return total, err
}
