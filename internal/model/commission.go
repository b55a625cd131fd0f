package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// CommissionRecord 手续费记录表
// 只追加不修改，每笔收款交易第一次进入 COMPLETED 时写入且仅写入一次
type CommissionRecord struct {
	ID                   int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionReference string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_reference"`
	GrossAmount          decimal.Decimal `gorm:"type:decimal(18,4);not null" json:"gross_amount"`
	NetAmount            decimal.Decimal `gorm:"type:decimal(18,4);not null" json:"net_amount"`
	CommissionAmount     decimal.Decimal `gorm:"type:decimal(18,4);not null" json:"commission_amount"`
	PrincipalID          int64           `gorm:"index;not null" json:"principal_id"`
	CreatedAt            time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

func (CommissionRecord) TableName() string {
	return "commission_record"
}
