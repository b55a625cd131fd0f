package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account 钱包账户表
// 每个主体一个余额，余额在任何可观测时刻都不能为负
type Account struct {
	ID          int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	PrincipalID int64           `gorm:"uniqueIndex;not null" json:"principal_id"`                // 账户主体ID
	Balance     decimal.Decimal `gorm:"type:decimal(18,4);not null;default:0" json:"balance"` // 可用余额
	Version     int             `gorm:"not null;default:0" json:"version"`                    // 每次变动 +1
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Account) TableName() string {
	return "account"
}
