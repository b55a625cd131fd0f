package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================================
// 交易类型 / 状态常量
// ============================================================================

const (
	TxKindCollection       = "COLLECTION"        // C2B 收款
	TxKindPayout           = "PAYOUT"            // B2C 付款
	TxKindInternalTransfer = "INTERNAL_TRANSFER" // B2B 钱包内部转账
	TxKindAdjustment       = "ADJUSTMENT"        // 后台调账（充值）
)

const (
	TxStatusCreated   = "CREATED"
	TxStatusInitiated = "INITIATED"
	TxStatusPending   = "PENDING"
	TxStatusCompleted = "COMPLETED"
	TxStatusFailed    = "FAILED"
	TxStatusTimedOut  = "TIMED_OUT"
)

// ValidStatusTransitions 交易状态机
//
// 【关键点】终态（COMPLETED / FAILED / TIMED_OUT）不在 key 中，
// 进入终态后任何流转都会被拒绝，迟到的重复回调只能是空操作
var ValidStatusTransitions = map[string][]string{
	TxStatusCreated:   {TxStatusInitiated, TxStatusFailed},
	TxStatusInitiated: {TxStatusPending, TxStatusCompleted, TxStatusFailed, TxStatusTimedOut},
	TxStatusPending:   {TxStatusCompleted, TxStatusFailed, TxStatusTimedOut},
}

func CanTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidStatusTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// IsTerminal 是否为终态
func IsTerminal(status string) bool {
	switch status {
	case TxStatusCompleted, TxStatusFailed, TxStatusTimedOut:
		return true
	}
	return false
}

// ============================================================================
// 交易实体
// ============================================================================

// Transaction 交易表
// 所有资金变动（收款、付款、转账、调账）都对应一条交易记录
//
// 【重要】设计原则：
// 1. reference 是本地生成的全局唯一流水号，也是对账时的幂等键
// 2. commission / net_amount 创建时一次性计算，此后不再修改
// 3. 交易类型由 kind 字段显式表达，不从流水号格式推断
type Transaction struct {
	ID                int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	Reference         string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"reference"`        // 本地流水号
	ExternalReference string          `gorm:"type:varchar(128);index" json:"external_reference,omitempty"`   // 网关流水号，发起成功后才有
	Kind              string          `gorm:"type:varchar(32);not null" json:"kind"`                         // 交易类型
	PrincipalID       int64           `gorm:"index;not null" json:"principal_id"`                            // 所属账户
	CounterpartyID    *int64          `json:"counterparty_id,omitempty"`                                     // 对手方账户（仅内部转账）
	Phone             string          `gorm:"type:varchar(20)" json:"phone,omitempty"`                       // 手机号（本地格式）
	Amount            decimal.Decimal `gorm:"type:decimal(18,4);not null" json:"amount"`                     // 交易金额
	Commission        decimal.Decimal `gorm:"type:decimal(18,4);not null;default:0" json:"commission"`       // 手续费
	NetAmount         decimal.Decimal `gorm:"type:decimal(18,4);not null" json:"net_amount"`                 // 到账金额 = amount - commission
	Status            string          `gorm:"type:varchar(20);index:idx_status_created;not null" json:"status"`
	Description       string          `gorm:"type:varchar(256)" json:"description,omitempty"`
	CreatedAt         time.Time       `gorm:"autoCreateTime;index:idx_status_created" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Transaction) TableName() string {
	return "payment_transaction"
}

func (t *Transaction) IsTerminal() bool {
	return IsTerminal(t.Status)
}
