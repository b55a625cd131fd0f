package model

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("记录不存在")
	ErrInsufficientBalance = errors.New("余额不足")
	ErrDuplicateReference  = errors.New("交易流水号重复")
	ErrAlreadyFinalized    = errors.New("交易已是终态")
	ErrInvalidTransition   = errors.New("非法的交易状态流转")
	ErrStatusConflict      = errors.New("交易状态已被并发修改")
	ErrBalanceConflict     = errors.New("账户余额并发修改冲突")
)

// ValidationError 参数校验错误，同步拒绝，不产生任何副作用
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("参数错误: %s %s", e.Field, e.Message)
}

func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
