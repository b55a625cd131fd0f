package service

import (
	"context"
	"errors"
	"fmt"

	"mobilepay/internal/metrics"
	"mobilepay/internal/model"
	"mobilepay/internal/repository"
	"mobilepay/pkg/logger"

	"github.com/shopspring/decimal"
)

// WalletService 钱包余额
//
// 【关键点】扣款的余额检查和扣减在存储层同一个原子操作里完成
// （行锁读取 + decimal 计算 + 按 version 条件写回），
// 不依赖调用方事先读出的余额，并发扣款不会把余额扣成负数
type WalletService struct {
	store   repository.Store
	ledger  *LedgerService
	events  *eventWriter
	metrics *metrics.Metrics
}

func NewWalletService(store repository.Store, ledger *LedgerService, events *eventWriter, m *metrics.Metrics) *WalletService {
	return &WalletService{store: store, ledger: ledger, events: events, metrics: m}
}

// Credit 入账，账户不存在时自动开户
func (s *WalletService) Credit(ctx context.Context, principalID int64, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return model.NewValidationError("amount", "必须大于0")
	}
	err := s.store.Accounts().Credit(ctx, principalID, amount)
	s.metrics.WalletOp("credit", err)
	return err
}

// Debit 扣款，余额不足返回 model.ErrInsufficientBalance
func (s *WalletService) Debit(ctx context.Context, principalID int64, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return model.NewValidationError("amount", "必须大于0")
	}
	err := s.store.Accounts().Debit(ctx, principalID, amount)
	s.metrics.WalletOp("debit", err)
	return err
}

// Balance 查询余额，未开户视为 0
func (s *WalletService) Balance(ctx context.Context, principalID int64) (decimal.Decimal, error) {
	account, err := s.store.Accounts().Get(ctx, principalID)
	if errors.Is(err, model.ErrNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return account.Balance, nil
}

// summaryRecentLimit 账户概览中最近交易的条数
const summaryRecentLimit = 10

// AccountSummary 账户概览
type AccountSummary struct {
	PrincipalID           int64                `json:"principalId"`
	Balance               decimal.Decimal      `json:"balance"`
	TotalTransactions     int64                `json:"totalTransactions"`
	CompletedTransactions int64                `json:"completedTransactions"`
	CompletedVolume       decimal.Decimal      `json:"completedVolume"`
	Recent                []*model.Transaction `json:"recentTransactions"`
}

// Summary 余额、交易笔数、成功笔数、成功金额和最近交易
func (s *WalletService) Summary(ctx context.Context, principalID int64) (*AccountSummary, error) {
	if err := validatePrincipal("principalId", principalID); err != nil {
		return nil, err
	}

	balance, err := s.Balance(ctx, principalID)
	if err != nil {
		return nil, err
	}
	stats, err := s.store.Transactions().Stats(ctx, principalID)
	if err != nil {
		return nil, err
	}
	recent, err := s.ledger.ListRecent(ctx, principalID, summaryRecentLimit)
	if err != nil {
		return nil, err
	}

	return &AccountSummary{
		PrincipalID:           principalID,
		Balance:               balance,
		TotalTransactions:     stats.Total,
		CompletedTransactions: stats.Completed,
		CompletedVolume:       stats.CompletedVolume,
		Recent:                recent,
	}, nil
}

// TopUp 后台调账充值：入账 + ADJUSTMENT 交易 + 事件，在同一个存储事务中完成
func (s *WalletService) TopUp(ctx context.Context, principalID int64, amount decimal.Decimal, description string) (*model.Transaction, error) {
	if err := validatePrincipal("principalId", principalID); err != nil {
		return nil, err
	}
	if err := ValidateMoney("amount", amount); err != nil {
		return nil, err
	}

	var txn *model.Transaction
	err := withFreshReference(func() error {
		return s.store.WithinTransaction(ctx, func(ctx context.Context) error {
			if err := s.Credit(ctx, principalID, amount); err != nil {
				return fmt.Errorf("入账失败: %w", err)
			}
			var err error
			txn, err = s.ledger.Record(ctx, CreateParams{
				Kind:        model.TxKindAdjustment,
				PrincipalID: principalID,
				Amount:      amount,
				Description: description,
			})
			if err != nil {
				return err
			}
			return s.events.write(ctx, txn)
		})
	})
	if err != nil {
		return nil, err
	}

	logger.Info("[Wallet] 调账充值成功", "principal_id", principalID, "amount", amount.String(), "reference", txn.Reference)
	return txn, nil
}

// withFreshReference 流水号碰撞时整体重试，每次重试都会生成新流水号
func withFreshReference(fn func() error) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		err = fn()
		if !errors.Is(err, model.ErrDuplicateReference) {
			return err
		}
		logger.Warn("[Ledger] 流水号碰撞，重新生成", "attempt", attempt+1)
	}
	return err
}
