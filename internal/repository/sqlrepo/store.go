// Package sqlrepo 基于 gorm 的关系型存储实现（MySQL / PostgreSQL / SQLite）
package sqlrepo

import (
	"context"
	"errors"

	"mobilepay/internal/model"
	"mobilepay/internal/repository"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type txContextKey struct{}

type Store struct {
	db          *gorm.DB
	txns        *TransactionRepository
	accounts    *AccountRepository
	commissions *CommissionRepository
	webhookLogs *WebhookLogRepository
	outbox      *OutboxRepository
}

var _ repository.Store = (*Store)(nil)

func New(db *gorm.DB) *Store {
	s := &Store{db: db}
	s.txns = &TransactionRepository{store: s}
	s.accounts = &AccountRepository{store: s}
	s.commissions = &CommissionRepository{store: s}
	s.webhookLogs = &WebhookLogRepository{store: s}
	s.outbox = &OutboxRepository{store: s}
	return s
}

// Migrate 自动迁移表结构
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.Account{},
		&model.Transaction{},
		&model.CommissionRecord{},
		&model.WebhookLog{},
		&model.OutboxMessage{},
	)
}

func (s *Store) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txContextKey{}).(*gorm.DB); ok {
		return fn(ctx)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txContextKey{}, tx))
	})
}

// conn 事务内返回事务句柄，否则返回普通连接
func (s *Store) conn(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txContextKey{}).(*gorm.DB); ok {
		return tx
	}
	return s.db.WithContext(ctx)
}

func (s *Store) inTransaction(ctx context.Context) bool {
	_, ok := ctx.Value(txContextKey{}).(*gorm.DB)
	return ok
}

func (s *Store) Transactions() repository.TransactionRepository { return s.txns }
func (s *Store) Accounts() repository.AccountRepository         { return s.accounts }
func (s *Store) Commissions() repository.CommissionRepository   { return s.commissions }
func (s *Store) WebhookLogs() repository.WebhookLogRepository   { return s.webhookLogs }
func (s *Store) Outbox() repository.OutboxRepository            { return s.outbox }

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// forUpdate 事务内加行锁；SQLite 方言会忽略该子句
func forUpdate(db *gorm.DB) *gorm.DB {
	return db.Clauses(clause.Locking{Strength: "UPDATE"})
}

func isDuplicateKey(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}
