package sqlrepo

import (
	"context"
	"errors"
	"sort"

	"mobilepay/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxVersionRetries = 5

type AccountRepository struct {
	store *Store
}

func (r *AccountRepository) Get(ctx context.Context, principalID int64) (*model.Account, error) {
	var account model.Account
	err := r.store.conn(ctx).Where("principal_id = ?", principalID).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	return &account, nil
}

// Debit 扣款
//
// 【关键点】余额校验和扣减在同一个事务里完成：
//
//	SELECT ... FROM account WHERE principal_id = ? FOR UPDATE
//	UPDATE account SET balance = ?, version = version + 1 WHERE principal_id = ? AND version = ?
//
// 新余额在 Go 里用 decimal 计算，不交给数据库做算术（SQLite 会按浮点计算）。
// 行锁挡住并发扣款，version 条件兜住不支持行锁的方言
func (r *AccountRepository) Debit(ctx context.Context, principalID int64, amount decimal.Decimal) error {
	err := r.adjust(ctx, principalID, func(balance decimal.Decimal) (decimal.Decimal, error) {
		if balance.LessThan(amount) {
			return decimal.Zero, model.ErrInsufficientBalance
		}
		return balance.Sub(amount), nil
	})
	// 账户不存在等同于余额为 0
	if errors.Is(err, model.ErrNotFound) {
		return model.ErrInsufficientBalance
	}
	return err
}

func (r *AccountRepository) Credit(ctx context.Context, principalID int64, amount decimal.Decimal) error {
	if err := r.ensure(ctx, principalID); err != nil {
		return err
	}
	return r.adjust(ctx, principalID, func(balance decimal.Decimal) (decimal.Decimal, error) {
		return balance.Add(amount), nil
	})
}

// Lock 按 principal_id 升序锁定账户行，不存在的账户先开户
// 转账前调用，保证两个方向相反的并发转账以相同顺序加锁
func (r *AccountRepository) Lock(ctx context.Context, principalIDs ...int64) error {
	ids := append([]int64(nil), principalIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return r.store.WithinTransaction(ctx, func(ctx context.Context) error {
		for i, id := range ids {
			if i > 0 && id == ids[i-1] {
				continue
			}
			if err := r.ensure(ctx, id); err != nil {
				return err
			}
			var account model.Account
			if err := forUpdate(r.store.conn(ctx)).Where("principal_id = ?", id).First(&account).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// adjust 读取账户（事务内加行锁），由 apply 算出新余额后按 version 条件写回
// version 不匹配说明读到写之间余额被改过，重新读取再算
func (r *AccountRepository) adjust(ctx context.Context, principalID int64, apply func(balance decimal.Decimal) (decimal.Decimal, error)) error {
	return r.store.WithinTransaction(ctx, func(ctx context.Context) error {
		for attempt := 0; attempt < maxVersionRetries; attempt++ {
			var account model.Account
			err := forUpdate(r.store.conn(ctx)).Where("principal_id = ?", principalID).First(&account).Error
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return model.ErrNotFound
				}
				return err
			}

			next, err := apply(account.Balance)
			if err != nil {
				return err
			}

			result := r.store.conn(ctx).
				Model(&model.Account{}).
				Where("principal_id = ? AND version = ?", principalID, account.Version).
				Updates(map[string]interface{}{
					"balance": next,
					"version": account.Version + 1,
				})
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 1 {
				return nil
			}
		}
		return model.ErrBalanceConflict
	})
}

func (r *AccountRepository) TotalBalance(ctx context.Context) (decimal.Decimal, error) {
	var balances []decimal.Decimal
	if err := r.store.conn(ctx).Model(&model.Account{}).Pluck("balance", &balances).Error; err != nil {
		return decimal.Zero, err
	}
	return decimal.Sum(decimal.Zero, balances...), nil
}

// ensure 账户不存在时开户，并发开户靠唯一索引 + ON CONFLICT DO NOTHING 兜底
func (r *AccountRepository) ensure(ctx context.Context, principalID int64) error {
	return r.store.conn(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "principal_id"}},
			DoNothing: true,
		}).
		Create(&model.Account{PrincipalID: principalID, Balance: decimal.Zero}).Error
}
