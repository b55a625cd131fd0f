package service

import (
	"regexp"
	"strings"

	"mobilepay/internal/model"

	"github.com/shopspring/decimal"
)

// 本地号码格式：07XXXXXXXX / 01XXXXXXXX
var phonePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^254([17]\d{8})$`),
	regexp.MustCompile(`^0([17]\d{8})$`),
	regexp.MustCompile(`^([17]\d{8})$`),
}

// NormalizePhone 归一化手机号
// 支持 07.. / 01.. / 7.. / 1.. / 2547.. / +2547..，允许空格和连字符
func NormalizePhone(raw string) (string, error) {
	cleaned := strings.NewReplacer(" ", "", "-", "", "+", "").Replace(strings.TrimSpace(raw))
	for _, p := range phonePatterns {
		if m := p.FindStringSubmatch(cleaned); m != nil {
			return "0" + m[1], nil
		}
	}
	return "", model.NewValidationError("phone", "手机号格式不正确")
}

// AmountPolicy 金额校验规则
type AmountPolicy struct {
	Min decimal.Decimal
	Max decimal.Decimal // 0 表示不限
}

// ValidateMoney 金额必须大于0，且最多两位小数
func ValidateMoney(field string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return model.NewValidationError(field, "必须大于0")
	}
	if !amount.Equal(amount.Truncate(2)) {
		return model.NewValidationError(field, "最多保留两位小数")
	}
	return nil
}

// Check 外部渠道交易（收款/付款）的金额校验
func (p AmountPolicy) Check(amount decimal.Decimal) error {
	if err := ValidateMoney("amount", amount); err != nil {
		return err
	}
	if p.Min.IsPositive() && amount.LessThan(p.Min) {
		return model.NewValidationError("amount", "低于单笔最小金额 "+p.Min.String())
	}
	if p.Max.IsPositive() && amount.GreaterThan(p.Max) {
		return model.NewValidationError("amount", "超过单笔最大金额 "+p.Max.String())
	}
	return nil
}

func validatePrincipal(field string, id int64) error {
	if id <= 0 {
		return model.NewValidationError(field, "必须为正整数")
	}
	return nil
}
