package service

import (
	"context"
	"fmt"

	"mobilepay/internal/commission"
	"mobilepay/internal/gateway"
	"mobilepay/internal/metrics"
	"mobilepay/internal/model"
	"mobilepay/internal/repository"
	"mobilepay/pkg/logger"

	"github.com/shopspring/decimal"
)

// Tracker 发起成功后接管交易的状态轮询
type Tracker interface {
	Track(reference string)
}

// PaymentRequest 收款 / 付款请求
type PaymentRequest struct {
	PrincipalID int64
	Phone       string
	Amount      decimal.Decimal
	Description string
}

// PaymentService 外部渠道交易的发起
//
// 流程：参数校验 -> 创建交易（付款同事务预扣余额）-> 调网关 -> 标记 INITIATED -> 交给轮询器
// 网关失败时交易标记为 FAILED（付款退回预扣），不会停留在 CREATED
type PaymentService struct {
	store     repository.Store
	ledger    *LedgerService
	wallet    *WalletService
	reconcile *ReconcileService
	gateway   gateway.Client
	tracker   Tracker
	policy    AmountPolicy
	metrics   *metrics.Metrics
}

func NewPaymentService(store repository.Store, ledger *LedgerService, wallet *WalletService, reconcile *ReconcileService,
	gw gateway.Client, policy AmountPolicy, m *metrics.Metrics) *PaymentService {
	return &PaymentService{
		store:     store,
		ledger:    ledger,
		wallet:    wallet,
		reconcile: reconcile,
		gateway:   gw,
		policy:    policy,
		metrics:   m,
	}
}

// SetTracker 注入轮询器；未注入时只依赖 webhook 和补偿任务
func (s *PaymentService) SetTracker(t Tracker) {
	s.tracker = t
}

// InitiateCollection 发起收款（STK Push）
func (s *PaymentService) InitiateCollection(ctx context.Context, req PaymentRequest) (*model.Transaction, error) {
	txn, err := s.initiate(ctx, model.TxKindCollection, req)
	s.metrics.Initiated(model.TxKindCollection, err)
	return txn, err
}

// InitiatePayout 发起付款（B2C），余额在创建交易的同一事务内预扣
func (s *PaymentService) InitiatePayout(ctx context.Context, req PaymentRequest) (*model.Transaction, error) {
	txn, err := s.initiate(ctx, model.TxKindPayout, req)
	s.metrics.Initiated(model.TxKindPayout, err)
	return txn, err
}

func (s *PaymentService) validate(kind string, req *PaymentRequest) error {
	if err := validatePrincipal("principalId", req.PrincipalID); err != nil {
		return err
	}
	phone, err := NormalizePhone(req.Phone)
	if err != nil {
		return err
	}
	req.Phone = phone

	if err := s.policy.Check(req.Amount); err != nil {
		return err
	}
	if kind == model.TxKindCollection && req.Amount.LessThanOrEqual(commission.Calculate(req.Amount)) {
		return model.NewValidationError("amount", "金额不足以支付手续费")
	}
	return nil
}

func (s *PaymentService) initiate(ctx context.Context, kind string, req PaymentRequest) (*model.Transaction, error) {
	if err := s.validate(kind, &req); err != nil {
		return nil, err
	}

	var txn *model.Transaction
	err := withFreshReference(func() error {
		return s.store.WithinTransaction(ctx, func(ctx context.Context) error {
			created, err := s.ledger.Create(ctx, CreateParams{
				Kind:        kind,
				PrincipalID: req.PrincipalID,
				Phone:       req.Phone,
				Amount:      req.Amount,
				Description: req.Description,
			})
			if err != nil {
				return err
			}
			if kind == model.TxKindPayout {
				if err := s.wallet.Debit(ctx, req.PrincipalID, req.Amount); err != nil {
					return err
				}
			}
			txn = created
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	// 交易已落库，网关调用和后续状态更新不再受请求取消影响
	callCtx := context.WithoutCancel(ctx)

	var res *gateway.InitiateResult
	if kind == model.TxKindCollection {
		res, err = s.gateway.InitiatePush(callCtx, req.Phone, req.Amount, txn.Reference)
	} else {
		res, err = s.gateway.InitiatePayout(callCtx, req.Phone, req.Amount, txn.Reference)
	}
	if err != nil {
		logger.Warn("[Payment] 网关发起失败", "reference", txn.Reference, "kind", kind, "error", err)
		if _, ferr := s.reconcile.FailInitiation(callCtx, txn.Reference); ferr != nil {
			logger.Error("[Payment] 标记发起失败出错", "reference", txn.Reference, "error", ferr)
		}
		if !gateway.IsGatewayError(err) {
			err = gateway.NewError(gatewayOp(kind), err.Error())
		}
		return nil, err
	}

	initiated, err := s.ledger.MarkInitiated(callCtx, txn.Reference, res.ExternalReference)
	if err != nil {
		logger.Error("[Payment] 标记已发起失败", "reference", txn.Reference, "error", err)
		return nil, fmt.Errorf("更新交易状态失败: %w", err)
	}

	if s.tracker != nil {
		s.tracker.Track(initiated.Reference)
	}

	logger.Info("[Payment] 交易已发起", "reference", initiated.Reference, "external_reference", initiated.ExternalReference,
		"kind", kind, "principal_id", req.PrincipalID, "amount", req.Amount.String())
	return initiated, nil
}

func gatewayOp(kind string) string {
	if kind == model.TxKindPayout {
		return gateway.OpPayout
	}
	return gateway.OpPush
}
