// Package gateway 外部支付网关（收款 STK Push、B2C 付款、状态查询）
package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

const (
	OpPush   = "push"
	OpPayout = "payout"
	OpQuery  = "query"
	OpHealth = "health"
)

// InitiateResult 发起成功后网关返回的受理结果
type InitiateResult struct {
	ExternalReference string
	Status            string
	Raw               string
}

// StatusResult 状态查询结果，Status 为网关原始状态字符串，由对账引擎归类
type StatusResult struct {
	ExternalReference string
	Status            string
	Raw               string
}

// Client 网关客户端，网络不可靠、结果最终一致
type Client interface {
	InitiatePush(ctx context.Context, phone string, amount decimal.Decimal, reference string) (*InitiateResult, error)
	InitiatePayout(ctx context.Context, phone string, amount decimal.Decimal, reference string) (*InitiateResult, error)
	// QueryStatus 参数可以是网关流水号或本地流水号
	QueryStatus(ctx context.Context, reference string) (*StatusResult, error)
	Health(ctx context.Context) error
}

// Error 网关调用失败
type Error struct {
	Op      string
	Message string
	cause   error
}

func NewError(op, message string) *Error {
	return &Error{Op: op, Message: message}
}

func (e *Error) Error() string {
	return fmt.Sprintf("网关请求失败(%s): %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

func IsGatewayError(err error) bool {
	var ge *Error
	return errors.As(err, &ge)
}
