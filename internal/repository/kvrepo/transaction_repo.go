package kvrepo

import (
	"context"
	"errors"
	"sort"
	"time"

	"mobilepay/internal/model"
	"mobilepay/internal/repository"
	"mobilepay/pkg/idgen"

	"github.com/dgraph-io/badger/v3"
	"github.com/shopspring/decimal"
)

type TransactionRepository struct {
	store *Store
}

func (r *TransactionRepository) FindOne(ctx context.Context, filter repository.TransactionFilter) (*model.Transaction, error) {
	var txn model.Transaction
	err := r.store.view(ctx, func(bt *badger.Txn) error {
		reference := filter.Reference
		if reference == "" {
			if filter.ExternalReference == "" {
				return model.ErrNotFound
			}
			ref, err := getString(bt, txnExternalKey(filter.ExternalReference))
			if err != nil {
				return err
			}
			reference = ref
		}
		// 读写事务中的读会进入冲突检测集合，效果等同行锁
		return getJSON(bt, txnKey(reference), &txn)
	})
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

func (r *TransactionRepository) Insert(ctx context.Context, txn *model.Transaction) error {
	return r.store.update(ctx, func(bt *badger.Txn) error {
		found, err := exists(bt, txnKey(txn.Reference))
		if err != nil {
			return err
		}
		if found {
			return model.ErrDuplicateReference
		}

		now := time.Now()
		if txn.ID == 0 {
			txn.ID = idgen.NextID()
		}
		if txn.CreatedAt.IsZero() {
			txn.CreatedAt = now
		}
		txn.UpdatedAt = now

		if err := setJSON(bt, txnKey(txn.Reference), txn); err != nil {
			return err
		}
		return r.writeIndexes(bt, txn)
	})
}

func (r *TransactionRepository) writeIndexes(bt *badger.Txn, txn *model.Transaction) error {
	ref := []byte(txn.Reference)
	if txn.ExternalReference != "" {
		if err := bt.Set(txnExternalKey(txn.ExternalReference), ref); err != nil {
			return err
		}
	}
	if err := bt.Set(txnPrincipalKey(txn.PrincipalID, txn.CreatedAt, txn.Reference), ref); err != nil {
		return err
	}
	if txn.CounterpartyID != nil {
		if err := bt.Set(txnPrincipalKey(*txn.CounterpartyID, txn.CreatedAt, txn.Reference), ref); err != nil {
			return err
		}
	}
	return bt.Set(txnStatusKey(txn.Status, txn.CreatedAt, txn.Reference), ref)
}

func (r *TransactionRepository) UpdateStatus(ctx context.Context, reference, from, to string, fields repository.StatusUpdate) error {
	return r.store.update(ctx, func(bt *badger.Txn) error {
		var txn model.Transaction
		if err := getJSON(bt, txnKey(reference), &txn); err != nil {
			if errors.Is(err, model.ErrNotFound) {
				return model.ErrStatusConflict
			}
			return err
		}
		if txn.Status != from {
			return model.ErrStatusConflict
		}

		if err := bt.Delete(txnStatusKey(txn.Status, txn.CreatedAt, txn.Reference)); err != nil {
			return err
		}
		txn.Status = to
		txn.UpdatedAt = fields.UpdatedAt
		if txn.UpdatedAt.IsZero() {
			txn.UpdatedAt = time.Now()
		}
		if fields.ExternalReference != "" {
			txn.ExternalReference = fields.ExternalReference
			if err := bt.Set(txnExternalKey(fields.ExternalReference), []byte(reference)); err != nil {
				return err
			}
		}
		if err := bt.Set(txnStatusKey(to, txn.CreatedAt, txn.Reference), []byte(reference)); err != nil {
			return err
		}
		return setJSON(bt, txnKey(reference), &txn)
	})
}

func (r *TransactionRepository) ListRecent(ctx context.Context, principalID int64, limit int) ([]*model.Transaction, error) {
	var txns []*model.Transaction
	err := r.store.view(ctx, func(bt *badger.Txn) error {
		var refs []string
		err := scan(bt, txnPrincipalPrefix(principalID), true, func(_, val []byte) (bool, error) {
			refs = append(refs, string(val))
			return len(refs) < limit, nil
		})
		if err != nil {
			return err
		}
		return r.load(bt, refs, &txns)
	})
	return txns, err
}

func (r *TransactionRepository) ListStale(ctx context.Context, statuses []string, before time.Time, limit int) ([]*model.Transaction, error) {
	var txns []*model.Transaction
	err := r.store.view(ctx, func(bt *badger.Txn) error {
		var refs []string
		for _, status := range statuses {
			prefix := txnStatusPrefix(status)
			count := 0
			err := scan(bt, prefix, false, func(key, _ []byte) (bool, error) {
				nanos, ref, err := parseIndexKey(key, prefix)
				if err != nil {
					return false, err
				}
				if nanos >= before.UnixNano() {
					return false, nil
				}
				refs = append(refs, ref)
				count++
				return count < limit, nil
			})
			if err != nil {
				return err
			}
		}
		return r.load(bt, refs, &txns)
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(txns, func(i, j int) bool {
		return txns[i].CreatedAt.Before(txns[j].CreatedAt)
	})
	if len(txns) > limit {
		txns = txns[:limit]
	}
	return txns, nil
}

func (r *TransactionRepository) load(bt *badger.Txn, refs []string, out *[]*model.Transaction) error {
	for _, ref := range refs {
		var txn model.Transaction
		if err := getJSON(bt, txnKey(ref), &txn); err != nil {
			return err
		}
		*out = append(*out, &txn)
	}
	return nil
}

// Stats 扫描账户索引；索引同时收录对手方，只统计 PrincipalID 匹配的交易
func (r *TransactionRepository) Stats(ctx context.Context, principalID int64) (*repository.TransactionStats, error) {
	stats := &repository.TransactionStats{CompletedVolume: decimal.Zero}
	err := r.store.view(ctx, func(bt *badger.Txn) error {
		var refs []string
		err := scan(bt, txnPrincipalPrefix(principalID), false, func(_, val []byte) (bool, error) {
			refs = append(refs, string(val))
			return true, nil
		})
		if err != nil {
			return err
		}

		var txns []*model.Transaction
		if err := r.load(bt, refs, &txns); err != nil {
			return err
		}
		for _, txn := range txns {
			if txn.PrincipalID != principalID {
				continue
			}
			stats.Total++
			if txn.Status == model.TxStatusCompleted {
				stats.Completed++
				stats.CompletedVolume = stats.CompletedVolume.Add(txn.Amount)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}
