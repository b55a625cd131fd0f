// Package kvrepo 基于 badger 的嵌入式 KV 存储实现
//
// 值统一 JSON 编码，按 key 前缀区分实体；二级索引（网关流水号、账户、状态）
// 以独立 key 存储，值为交易流水号。所有写操作在 badger 读写事务中完成，
// 提交时读集合被并发修改会返回 badger.ErrConflict，整个事务函数重新执行。
package kvrepo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"mobilepay/internal/model"
	"mobilepay/internal/repository"

	"github.com/dgraph-io/badger/v3"
)

const maxConflictRetries = 64

type txnContextKey struct{}

type Store struct {
	db          *badger.DB
	txns        *TransactionRepository
	accounts    *AccountRepository
	commissions *CommissionRepository
	webhookLogs *WebhookLogRepository
	outbox      *OutboxRepository
}

var _ repository.Store = (*Store)(nil)

func New(db *badger.DB) *Store {
	s := &Store{db: db}
	s.txns = &TransactionRepository{store: s}
	s.accounts = &AccountRepository{store: s}
	s.commissions = &CommissionRepository{store: s}
	s.webhookLogs = &WebhookLogRepository{store: s}
	s.outbox = &OutboxRepository{store: s}
	return s
}

func txnFrom(ctx context.Context) (*badger.Txn, bool) {
	txn, ok := ctx.Value(txnContextKey{}).(*badger.Txn)
	return txn, ok
}

func (s *Store) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := txnFrom(ctx); ok {
		return fn(ctx)
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		return fn(context.WithValue(ctx, txnContextKey{}, txn))
	})
}

// update 在读写事务中执行 fn，冲突时重试；已处于事务中则直接复用
func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if txn, ok := txnFrom(ctx); ok {
		return fn(txn)
	}

	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		time.Sleep(time.Duration(attempt%8) * time.Millisecond)
	}
	return err
}

func (s *Store) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if txn, ok := txnFrom(ctx); ok {
		return fn(txn)
	}
	return s.db.View(fn)
}

func (s *Store) Transactions() repository.TransactionRepository { return s.txns }
func (s *Store) Accounts() repository.AccountRepository         { return s.accounts }
func (s *Store) Commissions() repository.CommissionRepository   { return s.commissions }
func (s *Store) WebhookLogs() repository.WebhookLogRepository   { return s.webhookLogs }
func (s *Store) Outbox() repository.OutboxRepository            { return s.outbox }

func (s *Store) Ping(ctx context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger 已关闭")
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// ============================================================================
// 编解码辅助
// ============================================================================

func getJSON(txn *badger.Txn, key []byte, v interface{}) error {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return model.ErrNotFound
		}
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func getString(txn *badger.Txn, key []byte) (string, error) {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return "", model.ErrNotFound
		}
		return "", err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return "", err
	}
	return string(val), nil
}

func exists(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return false, err
}

// scan 遍历前缀下的 key/value，visit 返回 false 时停止
func scan(txn *badger.Txn, prefix []byte, reverse bool, visit func(key, val []byte) (bool, error)) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.Reverse = reverse

	it := txn.NewIterator(opts)
	defer it.Close()

	seek := prefix
	if reverse {
		seek = append(append([]byte{}, prefix...), 0xFF)
	}

	for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		more, err := visit(item.KeyCopy(nil), val)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}
