package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"mobilepay/internal/infrastructure/lock"
	"mobilepay/internal/metrics"
	"mobilepay/internal/model"
	"mobilepay/internal/repository"
	"mobilepay/pkg/logger"
)

// 状态信号来源
const (
	SourceWebhook    = "webhook"
	SourcePoll       = "poll"
	SourceCompensate = "compensate"
	SourceInitiation = "initiation"
)

// ClassifyStatus 把网关上报的原始状态归类为本地终态
// 返回空字符串表示非终态（继续等待）
func ClassifyStatus(reported string) string {
	switch strings.ToLower(strings.TrimSpace(reported)) {
	case "success", "successful", "completed":
		return model.TxStatusCompleted
	case "failed", "cancelled", "canceled":
		return model.TxStatusFailed
	}
	return ""
}

// Outcome 一次对账的结果
type Outcome struct {
	Transaction *model.Transaction
	// Applied 本次调用完成了终态推进并执行了资金副作用
	Applied bool
	// AlreadyFinalized 交易此前已是终态，本次为空操作
	AlreadyFinalized bool
	// Redirect 前端结果页跳转地址，只作为数据返回
	Redirect string
}

// Terminal 交易当前是否已是终态
func (o *Outcome) Terminal() bool {
	return o != nil && o.Transaction != nil && o.Transaction.IsTerminal()
}

// ReconcileService 对账引擎
//
// webhook 和轮询两条路径都汇入同一个状态推进函数。
// 【关键点】资金副作用最多执行一次：
// 1. 按流水号加互斥锁，同一笔交易的回调和轮询串行执行
// 2. 存储事务内加行锁重新读取交易，已是终态直接返回
// 3. 状态 CAS 更新与入账、手续费记录、事件写入在同一个事务中提交
type ReconcileService struct {
	store        repository.Store
	ledger       *LedgerService
	wallet       *WalletService
	locker       lock.Locker
	events       *eventWriter
	metrics      *metrics.Metrics
	redirectBase string
}

func NewReconcileService(store repository.Store, ledger *LedgerService, wallet *WalletService, locker lock.Locker,
	events *eventWriter, m *metrics.Metrics, redirectBase string) *ReconcileService {
	return &ReconcileService{
		store:        store,
		ledger:       ledger,
		wallet:       wallet,
		locker:       locker,
		events:       events,
		metrics:      m,
		redirectBase: redirectBase,
	}
}

// OnExternalEvent 处理网关回调，key 优先按网关流水号解析，找不到再按本地流水号
func (s *ReconcileService) OnExternalEvent(ctx context.Context, key, reportedStatus string) (*Outcome, error) {
	txn, err := s.ledger.GetByExternalReference(ctx, key)
	if errors.Is(err, model.ErrNotFound) {
		txn, err = s.ledger.Get(ctx, key)
	}
	if err != nil {
		s.metrics.Reconcile(SourceWebhook, "error")
		return nil, err
	}
	return s.apply(ctx, SourceWebhook, txn.Reference, ClassifyStatus(reportedStatus))
}

// OnPollResult 处理一次状态查询结果
func (s *ReconcileService) OnPollResult(ctx context.Context, reference, reportedStatus string) (*Outcome, error) {
	return s.apply(ctx, SourcePoll, reference, ClassifyStatus(reportedStatus))
}

// Expire 轮询次数用尽仍无终态结果，标记为 TIMED_OUT，需人工核对
func (s *ReconcileService) Expire(ctx context.Context, reference string) (*Outcome, error) {
	return s.apply(ctx, SourceCompensate, reference, model.TxStatusTimedOut)
}

// FailInitiation 发起阶段失败（网关报错或进程在发起前中断），CREATED -> FAILED，
// 付款交易同时释放发起时预扣的金额
func (s *ReconcileService) FailInitiation(ctx context.Context, reference string) (*Outcome, error) {
	return s.guarded(ctx, SourceInitiation, reference, func(ctx context.Context, txn *model.Transaction) (*Outcome, error) {
		if txn.Status != model.TxStatusCreated {
			return nil, fmt.Errorf("%w: reference=%s 当前状态 %s，无法标记发起失败", model.ErrInvalidTransition, reference, txn.Status)
		}
		failed, err := s.ledger.MarkInitiationFailed(ctx, reference)
		if err != nil {
			return nil, err
		}
		if err := s.settle(ctx, failed); err != nil {
			return nil, err
		}
		return &Outcome{Transaction: failed, Applied: true}, nil
	})
}

// Get 查询交易当前状态
func (s *ReconcileService) Get(ctx context.Context, reference string) (*model.Transaction, error) {
	return s.ledger.Get(ctx, reference)
}

// apply target 为空表示非终态信号
func (s *ReconcileService) apply(ctx context.Context, source, reference, target string) (*Outcome, error) {
	return s.guarded(ctx, source, reference, func(ctx context.Context, txn *model.Transaction) (*Outcome, error) {
		if txn.Status == model.TxStatusCreated {
			// 发起结果尚未落库，等待下一次信号
			logger.Warn("[Reconcile] 交易尚未发起完成，忽略本次信号", "reference", reference, "source", source)
			return &Outcome{Transaction: txn}, nil
		}

		if target == "" {
			if txn.Status == model.TxStatusInitiated {
				pending, err := s.ledger.MarkPending(ctx, reference)
				if err != nil {
					return nil, err
				}
				txn = pending
			}
			return &Outcome{Transaction: txn}, nil
		}

		res, err := s.ledger.TransitionTerminal(ctx, reference, target)
		if err != nil {
			return nil, err
		}
		if res.AlreadyFinalized {
			return &Outcome{Transaction: res.Transaction, AlreadyFinalized: true}, nil
		}
		if err := s.settle(ctx, res.Transaction); err != nil {
			return nil, err
		}
		return &Outcome{Transaction: res.Transaction, Applied: true}, nil
	})
}

// guarded 加锁、开事务、行锁读取交易，终态交易直接短路
func (s *ReconcileService) guarded(ctx context.Context, source, reference string,
	fn func(ctx context.Context, txn *model.Transaction) (*Outcome, error)) (*Outcome, error) {
	unlock, err := s.locker.Acquire(ctx, lock.ReconcileKey(reference))
	if err != nil {
		s.metrics.Reconcile(source, "lock_error")
		return nil, fmt.Errorf("获取对账锁失败: %w", err)
	}
	defer unlock()

	var outcome *Outcome
	err = s.store.WithinTransaction(ctx, func(ctx context.Context) error {
		txn, err := s.store.Transactions().FindOne(ctx, repository.TransactionFilter{Reference: reference, ForUpdate: true})
		if err != nil {
			return err
		}
		if txn.IsTerminal() {
			outcome = &Outcome{Transaction: txn, AlreadyFinalized: true}
			return nil
		}
		outcome, err = fn(ctx, txn)
		return err
	})
	if err != nil {
		if errors.Is(err, model.ErrInvalidTransition) {
			logger.Error("[Reconcile] 状态机异常", "reference", reference, "source", source, "error", err)
		}
		s.metrics.Reconcile(source, "error")
		return nil, err
	}

	outcome.Redirect = s.redirectFor(outcome.Transaction)
	switch {
	case outcome.Applied:
		s.metrics.Reconcile(source, "applied")
		logger.Info("[Reconcile] 交易进入终态", "reference", reference, "status", outcome.Transaction.Status,
			"kind", outcome.Transaction.Kind, "source", source)
	case outcome.AlreadyFinalized:
		s.metrics.Reconcile(source, "duplicate")
		logger.Debug("[Reconcile] 交易已是终态，忽略重复信号", "reference", reference, "status", outcome.Transaction.Status, "source", source)
	default:
		s.metrics.Reconcile(source, "pending")
	}
	return outcome, nil
}

// settle 终态资金副作用，与状态更新在同一个事务中执行
//
// COMPLETED 收款：入账 net_amount，写一条手续费记录
// FAILED / TIMED_OUT 付款：退回发起时预扣的金额
func (s *ReconcileService) settle(ctx context.Context, txn *model.Transaction) error {
	switch {
	case txn.Status == model.TxStatusCompleted && txn.Kind == model.TxKindCollection:
		if err := s.wallet.Credit(ctx, txn.PrincipalID, txn.NetAmount); err != nil {
			return fmt.Errorf("收款入账失败: %w", err)
		}
		if err := s.store.Commissions().Insert(ctx, &model.CommissionRecord{
			TransactionReference: txn.Reference,
			GrossAmount:          txn.Amount,
			NetAmount:            txn.NetAmount,
			CommissionAmount:     txn.Commission,
			PrincipalID:          txn.PrincipalID,
		}); err != nil {
			return fmt.Errorf("写入手续费记录失败: %w", err)
		}

	case txn.Kind == model.TxKindPayout &&
		(txn.Status == model.TxStatusFailed || txn.Status == model.TxStatusTimedOut):
		if err := s.wallet.Credit(ctx, txn.PrincipalID, txn.Amount); err != nil {
			return fmt.Errorf("退回付款预扣金额失败: %w", err)
		}
	}

	return s.events.write(ctx, txn)
}

func (s *ReconcileService) redirectFor(txn *model.Transaction) string {
	if s.redirectBase == "" || txn == nil {
		return ""
	}
	q := url.Values{}
	q.Set("status", strings.ToLower(txn.Status))
	q.Set("reference", txn.Reference)
	return s.redirectBase + "?" + q.Encode()
}
