// Package repository 定义存储接口
//
// 业务层只依赖这里的接口，关系型（sqlrepo, gorm）和 KV（kvrepo, badger）
// 两种后端各自实现。事务通过 context 传递：WithinTransaction 回调里拿到的
// ctx 传给任意仓储方法，即参与同一个事务。
package repository

import (
	"context"
	"time"

	"mobilepay/internal/model"

	"github.com/shopspring/decimal"
)

type Store interface {
	// WithinTransaction 在一个存储事务中执行 fn，fn 返回错误则整体回滚
	// 嵌套调用时复用外层事务
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error

	Transactions() TransactionRepository
	Accounts() AccountRepository
	Commissions() CommissionRepository
	WebhookLogs() WebhookLogRepository
	Outbox() OutboxRepository

	Ping(ctx context.Context) error
	Close() error
}

// TransactionFilter FindOne 的查询条件，Reference 和 ExternalReference 二选一
type TransactionFilter struct {
	Reference         string
	ExternalReference string
	// ForUpdate 在事务内加行锁（关系型后端为 SELECT ... FOR UPDATE）
	ForUpdate bool
}

// StatusUpdate 状态变更时随同写入的字段
type StatusUpdate struct {
	ExternalReference string
	// UpdatedAt 为零值时取当前时间
	UpdatedAt         time.Time
}

type TransactionRepository interface {
	FindOne(ctx context.Context, filter TransactionFilter) (*model.Transaction, error)
	// Insert 流水号已存在时返回 model.ErrDuplicateReference
	Insert(ctx context.Context, txn *model.Transaction) error
	// UpdateStatus 仅当当前状态等于 from 时才更新为 to，否则返回 model.ErrStatusConflict
	UpdateStatus(ctx context.Context, reference, from, to string, fields StatusUpdate) error
	ListRecent(ctx context.Context, principalID int64, limit int) ([]*model.Transaction, error)
	// ListStale 按创建时间升序返回 statuses 中、创建早于 before 的交易
	ListStale(ctx context.Context, statuses []string, before time.Time, limit int) ([]*model.Transaction, error)
	// Stats 统计主体发起的交易总笔数、成功笔数和成功金额
	Stats(ctx context.Context, principalID int64) (*TransactionStats, error)
}

// TransactionStats 账户维度的交易统计
type TransactionStats struct {
	Total           int64
	Completed       int64
	CompletedVolume decimal.Decimal
}

type AccountRepository interface {
	Get(ctx context.Context, principalID int64) (*model.Account, error)
	// Credit 账户不存在时自动开户
	Credit(ctx context.Context, principalID int64, amount decimal.Decimal) error
	// Debit 余额检查与扣减在同一个原子操作中完成，不足时返回 model.ErrInsufficientBalance
	Debit(ctx context.Context, principalID int64, amount decimal.Decimal) error
	// Lock 在事务内按固定顺序锁定多个账户，多账户变动前调用以避免死锁
	Lock(ctx context.Context, principalIDs ...int64) error
	// TotalBalance 所有账户余额之和（对账用）
	TotalBalance(ctx context.Context) (decimal.Decimal, error)
}

type CommissionRepository interface {
	// Insert 同一交易重复写入时返回 model.ErrDuplicateReference
	Insert(ctx context.Context, record *model.CommissionRecord) error
	GetByReference(ctx context.Context, reference string) (*model.CommissionRecord, error)
	Count(ctx context.Context, reference string) (int64, error)
	// Total principalID 为 nil 时统计全部
	Total(ctx context.Context, principalID *int64) (decimal.Decimal, error)
}

type WebhookLogRepository interface {
	Insert(ctx context.Context, log *model.WebhookLog) error
	ListRecent(ctx context.Context, limit int) ([]*model.WebhookLog, error)
}

type OutboxRepository interface {
	Insert(ctx context.Context, msg *model.OutboxMessage) error
	GetPendingMessages(ctx context.Context, limit int) ([]*model.OutboxMessage, error)
	UpdateStatus(ctx context.Context, id int64, status string) error
	IncrementRetryCount(ctx context.Context, id int64) error
	MarkAsFailed(ctx context.Context, id int64) error
}
