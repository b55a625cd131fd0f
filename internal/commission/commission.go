// Package commission 收款手续费计算
//
// 阶梯费率：
//
//	amount <= 100          -> 6
//	100 < amount <= 500    -> 24
//	500 < amount <= 1000   -> 48
//	amount > 1000          -> amount * 5%
//
// 计算使用精确十进制，不做舍入，结果原样落库（decimal(18,4)），
// 入参金额在校验层已限制为最多两位小数。
package commission

import "github.com/shopspring/decimal"

type tier struct {
	upTo decimal.Decimal
	fee  decimal.Decimal
}

var (
	tiers = []tier{
		{upTo: decimal.NewFromInt(100), fee: decimal.NewFromInt(6)},
		{upTo: decimal.NewFromInt(500), fee: decimal.NewFromInt(24)},
		{upTo: decimal.NewFromInt(1000), fee: decimal.NewFromInt(48)},
	}
	overflowRate = decimal.RequireFromString("0.05")
)

// Calculate 返回 amount 对应的手续费
func Calculate(amount decimal.Decimal) decimal.Decimal {
	for _, t := range tiers {
		if amount.LessThanOrEqual(t.upTo) {
			return t.fee
		}
	}
	return amount.Mul(overflowRate)
}

// Split 返回手续费和到账金额，net = amount - commission
func Split(amount decimal.Decimal) (commission, net decimal.Decimal) {
	commission = Calculate(amount)
	return commission, amount.Sub(commission)
}
