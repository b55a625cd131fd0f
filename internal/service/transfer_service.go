package service

import (
	"context"
	"fmt"

	"mobilepay/internal/model"
	"mobilepay/internal/repository"
	"mobilepay/pkg/logger"

	"github.com/shopspring/decimal"
)

// TransferService 钱包内部转账（B2B）
type TransferService struct {
	store  repository.Store
	wallet *WalletService
	ledger *LedgerService
	events *eventWriter

	// afterDebit 扣款成功、入账之前的钩子，测试用于注入故障
	afterDebit func(ctx context.Context) error
}

func NewTransferService(store repository.Store, wallet *WalletService, ledger *LedgerService, events *eventWriter) *TransferService {
	return &TransferService{store: store, wallet: wallet, ledger: ledger, events: events}
}

// Transfer 从 sender 转账到 recipient
//
// 【关键点】扣款、入账、写交易记录、写事件在同一个存储事务中：
// 1. 余额是否充足由扣款语句本身判断，不做事前读取
// 2. 任一步失败整体回滚，不会出现只扣不入
// 3. 先按 principal_id 升序锁住双方账户，A->B 与 B->A 并发时加锁顺序一致
func (s *TransferService) Transfer(ctx context.Context, senderID, recipientID int64, amount decimal.Decimal, note string) (*model.Transaction, error) {
	if err := validatePrincipal("senderId", senderID); err != nil {
		return nil, err
	}
	if err := validatePrincipal("recipientId", recipientID); err != nil {
		return nil, err
	}
	if senderID == recipientID {
		return nil, model.NewValidationError("recipientId", "不能向自己转账")
	}
	if err := ValidateMoney("amount", amount); err != nil {
		return nil, err
	}

	var txn *model.Transaction
	err := withFreshReference(func() error {
		return s.store.WithinTransaction(ctx, func(ctx context.Context) error {
			if err := s.store.Accounts().Lock(ctx, senderID, recipientID); err != nil {
				return err
			}
			if err := s.wallet.Debit(ctx, senderID, amount); err != nil {
				return err
			}
			if s.afterDebit != nil {
				if err := s.afterDebit(ctx); err != nil {
					return err
				}
			}
			if err := s.wallet.Credit(ctx, recipientID, amount); err != nil {
				return fmt.Errorf("收款方入账失败: %w", err)
			}

			recipient := recipientID
			var err error
			txn, err = s.ledger.Record(ctx, CreateParams{
				Kind:           model.TxKindInternalTransfer,
				PrincipalID:    senderID,
				CounterpartyID: &recipient,
				Amount:         amount,
				Description:    note,
			})
			if err != nil {
				return err
			}
			return s.events.write(ctx, txn)
		})
	})
	if err != nil {
		logger.Warn("[Transfer] 转账失败", "sender_id", senderID, "recipient_id", recipientID, "amount", amount.String(), "error", err)
		return nil, err
	}

	logger.Info("[Transfer] 转账成功", "reference", txn.Reference, "sender_id", senderID, "recipient_id", recipientID, "amount", amount.String())
	return txn, nil
}
