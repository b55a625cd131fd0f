package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mobilepay/internal/commission"
	"mobilepay/internal/model"
	"mobilepay/internal/repository"
	"mobilepay/pkg/idgen"
	"mobilepay/pkg/logger"

	"github.com/shopspring/decimal"
)

// LedgerService 交易台账：交易记录的创建、查询和状态推进
//
// 【关键点】状态推进全部走 CAS（WHERE reference = ? AND status = ?），
// 终态交易不会被再次修改
type LedgerService struct {
	store  repository.Store
	refGen func() string
}

func NewLedgerService(store repository.Store) *LedgerService {
	return &LedgerService{
		store:  store,
		refGen: idgen.GenerateReference,
	}
}

// CreateParams 创建交易的参数
type CreateParams struct {
	Kind           string
	PrincipalID    int64
	CounterpartyID *int64
	Phone          string
	Amount         decimal.Decimal
	Description    string
}

// TransitionResult TransitionTerminal 的结果
// AlreadyFinalized 为 true 表示交易此前已是终态，本次调用没有任何修改
type TransitionResult struct {
	Transaction      *model.Transaction
	AlreadyFinalized bool
}

// newTransaction 生成新流水号并计算手续费，只有收款交易收取手续费
func (s *LedgerService) newTransaction(p CreateParams, status string) *model.Transaction {
	fee, net := decimal.Zero, p.Amount
	if p.Kind == model.TxKindCollection {
		fee, net = commission.Split(p.Amount)
	}
	return &model.Transaction{
		Reference:      s.refGen(),
		Kind:           p.Kind,
		PrincipalID:    p.PrincipalID,
		CounterpartyID: p.CounterpartyID,
		Phone:          p.Phone,
		Amount:         p.Amount,
		Commission:     fee,
		NetAmount:      net,
		Status:         status,
		Description:    p.Description,
	}
}

// Create 创建 CREATED 状态的交易
// 流水号碰撞时返回 model.ErrDuplicateReference，调用方换新流水号重试
func (s *LedgerService) Create(ctx context.Context, p CreateParams) (*model.Transaction, error) {
	txn := s.newTransaction(p, model.TxStatusCreated)
	if err := s.store.Transactions().Insert(ctx, txn); err != nil {
		return nil, err
	}
	logger.Debug("[Ledger] 交易已创建", "reference", txn.Reference, "kind", txn.Kind, "amount", txn.Amount.String())
	return txn, nil
}

// Record 直接写入一条 COMPLETED 交易（内部转账、调账），不经过网关
func (s *LedgerService) Record(ctx context.Context, p CreateParams) (*model.Transaction, error) {
	txn := s.newTransaction(p, model.TxStatusCompleted)
	if err := s.store.Transactions().Insert(ctx, txn); err != nil {
		return nil, err
	}
	return txn, nil
}

// MarkInitiated CREATED -> INITIATED，并记录网关流水号
func (s *LedgerService) MarkInitiated(ctx context.Context, reference, externalReference string) (*model.Transaction, error) {
	return s.advance(ctx, reference, model.TxStatusCreated, model.TxStatusInitiated,
		repository.StatusUpdate{ExternalReference: externalReference})
}

// MarkPending INITIATED -> PENDING，网关已受理但尚未给出结果
func (s *LedgerService) MarkPending(ctx context.Context, reference string) (*model.Transaction, error) {
	return s.advance(ctx, reference, model.TxStatusInitiated, model.TxStatusPending, repository.StatusUpdate{})
}

// MarkInitiationFailed CREATED -> FAILED，发起阶段失败，交易不能停留在 CREATED
func (s *LedgerService) MarkInitiationFailed(ctx context.Context, reference string) (*model.Transaction, error) {
	return s.advance(ctx, reference, model.TxStatusCreated, model.TxStatusFailed, repository.StatusUpdate{})
}

// advance 要求当前状态恰好是 from，否则返回 model.ErrInvalidTransition
func (s *LedgerService) advance(ctx context.Context, reference, from, to string, fields repository.StatusUpdate) (*model.Transaction, error) {
	if !model.CanTransitionTo(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, from, to)
	}

	txn, err := s.Get(ctx, reference)
	if err != nil {
		return nil, err
	}
	if txn.Status != from {
		return nil, fmt.Errorf("%w: reference=%s 当前状态 %s，期望 %s", model.ErrInvalidTransition, reference, txn.Status, from)
	}

	fields.UpdatedAt = time.Now()
	err = s.store.Transactions().UpdateStatus(ctx, reference, from, to, fields)
	if errors.Is(err, model.ErrStatusConflict) {
		return nil, fmt.Errorf("%w: reference=%s 状态已被并发修改", model.ErrInvalidTransition, reference)
	}
	if err != nil {
		return nil, err
	}

	txn.Status = to
	txn.UpdatedAt = fields.UpdatedAt
	if fields.ExternalReference != "" {
		txn.ExternalReference = fields.ExternalReference
	}
	return txn, nil
}

// TransitionTerminal INITIATED | PENDING -> COMPLETED | FAILED | TIMED_OUT
//
// 【关键点】幂等：交易已是终态时原样返回并标记 AlreadyFinalized，
// 调用方据此跳过资金副作用。CAS 失败说明被并发推进，重新加载后按同样规则判断
func (s *LedgerService) TransitionTerminal(ctx context.Context, reference, to string) (*TransitionResult, error) {
	if !model.IsTerminal(to) {
		return nil, fmt.Errorf("%w: %s 不是终态", model.ErrInvalidTransition, to)
	}

	for attempt := 0; attempt < 3; attempt++ {
		txn, err := s.Get(ctx, reference)
		if err != nil {
			return nil, err
		}
		if txn.IsTerminal() {
			return &TransitionResult{Transaction: txn, AlreadyFinalized: true}, nil
		}
		if txn.Status != model.TxStatusInitiated && txn.Status != model.TxStatusPending {
			return nil, fmt.Errorf("%w: reference=%s %s -> %s", model.ErrInvalidTransition, reference, txn.Status, to)
		}

		now := time.Now()
		err = s.store.Transactions().UpdateStatus(ctx, reference, txn.Status, to, repository.StatusUpdate{UpdatedAt: now})
		if errors.Is(err, model.ErrStatusConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}

		txn.Status = to
		txn.UpdatedAt = now
		return &TransitionResult{Transaction: txn}, nil
	}
	return nil, fmt.Errorf("%w: reference=%s", model.ErrStatusConflict, reference)
}

// Get 按本地流水号查询，不存在返回 model.ErrNotFound
func (s *LedgerService) Get(ctx context.Context, reference string) (*model.Transaction, error) {
	return s.store.Transactions().FindOne(ctx, repository.TransactionFilter{Reference: reference})
}

func (s *LedgerService) GetByExternalReference(ctx context.Context, externalReference string) (*model.Transaction, error) {
	return s.store.Transactions().FindOne(ctx, repository.TransactionFilter{ExternalReference: externalReference})
}

// ListRecent 主体最近的交易（作为发起方或对手方）
func (s *LedgerService) ListRecent(ctx context.Context, principalID int64, limit int) ([]*model.Transaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.store.Transactions().ListRecent(ctx, principalID, limit)
}
