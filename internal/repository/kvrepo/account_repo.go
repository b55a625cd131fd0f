package kvrepo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"mobilepay/internal/model"
	"mobilepay/pkg/idgen"

	"github.com/dgraph-io/badger/v3"
	"github.com/shopspring/decimal"
)

type AccountRepository struct {
	store *Store
}

func (r *AccountRepository) Get(ctx context.Context, principalID int64) (*model.Account, error) {
	var account model.Account
	err := r.store.view(ctx, func(bt *badger.Txn) error {
		return getJSON(bt, accountKey(principalID), &account)
	})
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *AccountRepository) Credit(ctx context.Context, principalID int64, amount decimal.Decimal) error {
	return r.store.update(ctx, func(bt *badger.Txn) error {
		account, err := r.getOrNew(bt, principalID)
		if err != nil {
			return err
		}
		account.Balance = account.Balance.Add(amount)
		return r.save(bt, account)
	})
}

// Debit 读取-校验-写入在同一个 badger 读写事务中完成，
// 并发扣款时后提交的一方会因读集合冲突而重试，重试时读到的是新余额
func (r *AccountRepository) Debit(ctx context.Context, principalID int64, amount decimal.Decimal) error {
	return r.store.update(ctx, func(bt *badger.Txn) error {
		account, err := r.getOrNew(bt, principalID)
		if err != nil {
			return err
		}
		if account.Balance.LessThan(amount) {
			return model.ErrInsufficientBalance
		}
		account.Balance = account.Balance.Sub(amount)
		return r.save(bt, account)
	})
}

// Lock 把账户读入当前读写事务的冲突检测集合
// badger 是乐观事务，不会互相等待，并发转账由提交时的冲突重试串行化
func (r *AccountRepository) Lock(ctx context.Context, principalIDs ...int64) error {
	return r.store.update(ctx, func(bt *badger.Txn) error {
		for _, id := range principalIDs {
			if _, err := r.getOrNew(bt, id); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *AccountRepository) TotalBalance(ctx context.Context) (decimal.Decimal, error) {
	total := decimal.Zero
	err := r.store.view(ctx, func(bt *badger.Txn) error {
		return scan(bt, []byte(prefixAccount), false, func(_, val []byte) (bool, error) {
			var account model.Account
			if err := json.Unmarshal(val, &account); err != nil {
				return false, err
			}
			total = total.Add(account.Balance)
			return true, nil
		})
	})
	return total, err
}

func (r *AccountRepository) getOrNew(bt *badger.Txn, principalID int64) (*model.Account, error) {
	var account model.Account
	err := getJSON(bt, accountKey(principalID), &account)
	if errors.Is(err, model.ErrNotFound) {
		now := time.Now()
		return &model.Account{
			ID:          idgen.NextID(),
			PrincipalID: principalID,
			Balance:     decimal.Zero,
			CreatedAt:   now,
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *AccountRepository) save(bt *badger.Txn, account *model.Account) error {
	account.Version++
	account.UpdatedAt = time.Now()
	return setJSON(bt, accountKey(account.PrincipalID), account)
}
