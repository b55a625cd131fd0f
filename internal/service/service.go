// Package service 业务层：交易台账、钱包、转账、对账引擎、支付发起和回调处理
package service

import (
	"context"

	"mobilepay/internal/gateway"
	"mobilepay/internal/infrastructure/lock"
	"mobilepay/internal/metrics"
	"mobilepay/internal/model"
	"mobilepay/internal/repository"

	"github.com/shopspring/decimal"
)

// Options 业务层依赖，由 main 显式构造后注入
type Options struct {
	Store   repository.Store
	Gateway gateway.Client
	Locker  lock.Locker
	Metrics *metrics.Metrics

	// EventTopic 交易事件的 Kafka topic，为空时不写 outbox
	EventTopic   string
	Policy       AmountPolicy
	RedirectBase string
}

// Services 业务层各服务
type Services struct {
	Ledger     *LedgerService
	Wallet     *WalletService
	Transfer   *TransferService
	Reconcile  *ReconcileService
	Payment    *PaymentService
	Webhook    *WebhookService
	Commission *CommissionService
}

func New(opts Options) *Services {
	locker := opts.Locker
	if locker == nil {
		locker = lock.NewLocalLocker()
	}

	events := newEventWriter(opts.Store, opts.EventTopic)
	ledger := NewLedgerService(opts.Store)
	wallet := NewWalletService(opts.Store, ledger, events, opts.Metrics)
	reconcile := NewReconcileService(opts.Store, ledger, wallet, locker, events, opts.Metrics, opts.RedirectBase)

	return &Services{
		Ledger:     ledger,
		Wallet:     wallet,
		Transfer:   NewTransferService(opts.Store, wallet, ledger, events),
		Reconcile:  reconcile,
		Payment:    NewPaymentService(opts.Store, ledger, wallet, reconcile, opts.Gateway, opts.Policy, opts.Metrics),
		Webhook:    NewWebhookService(opts.Store, reconcile, opts.Metrics),
		Commission: &CommissionService{store: opts.Store},
	}
}

// CommissionService 手续费记录查询
type CommissionService struct {
	store repository.Store
}

// Total principalID 为 nil 时统计全部主体
func (s *CommissionService) Total(ctx context.Context, principalID *int64) (decimal.Decimal, error) {
	return s.store.Commissions().Total(ctx, principalID)
}

func (s *CommissionService) GetByReference(ctx context.Context, reference string) (*model.CommissionRecord, error) {
	return s.store.Commissions().GetByReference(ctx, reference)
}
