// Package gatewaytest 提供 gateway.Client 的内存实现，供测试使用
package gatewaytest

import (
	"context"
	"sync"

	"mobilepay/internal/gateway"

	"github.com/shopspring/decimal"
)

// Fake 记录所有调用，状态查询按预设序列依次返回
type Fake struct {
	mu sync.Mutex

	PushErr   error
	PayoutErr error
	QueryErr  error
	HealthErr error

	// Statuses 按流水号预设的查询结果序列，最后一个值会被重复返回
	Statuses map[string][]string
	// DefaultStatus 未预设时的查询结果
	DefaultStatus string

	pushes  []string
	payouts []string
	queries map[string]int
}

var _ gateway.Client = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		Statuses:      make(map[string][]string),
		DefaultStatus: "QUEUED",
		queries:       make(map[string]int),
	}
}

// ExternalReference Fake 为本地流水号分配的网关流水号
func ExternalReference(reference string) string {
	return "EXT-" + reference
}

func (f *Fake) InitiatePush(ctx context.Context, phone string, amount decimal.Decimal, reference string) (*gateway.InitiateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, reference)
	if f.PushErr != nil {
		return nil, f.PushErr
	}
	return &gateway.InitiateResult{ExternalReference: ExternalReference(reference), Status: "QUEUED"}, nil
}

func (f *Fake) InitiatePayout(ctx context.Context, phone string, amount decimal.Decimal, reference string) (*gateway.InitiateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payouts = append(f.payouts, reference)
	if f.PayoutErr != nil {
		return nil, f.PayoutErr
	}
	return &gateway.InitiateResult{ExternalReference: ExternalReference(reference), Status: "QUEUED"}, nil
}

func (f *Fake) QueryStatus(ctx context.Context, reference string) (*gateway.StatusResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.queries[reference]
	f.queries[reference] = n + 1
	if f.QueryErr != nil {
		return nil, f.QueryErr
	}

	status := f.DefaultStatus
	if seq := f.Statuses[reference]; len(seq) > 0 {
		if n >= len(seq) {
			n = len(seq) - 1
		}
		status = seq[n]
	}
	return &gateway.StatusResult{ExternalReference: ExternalReference(reference), Status: status}, nil
}

func (f *Fake) Health(ctx context.Context) error {
	return f.HealthErr
}

// SetStatuses 设置查询结果序列
func (f *Fake) SetStatuses(reference string, statuses ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Statuses[reference] = statuses
}

// InitiateCalls 收款和付款发起的总次数
func (f *Fake) InitiateCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushes) + len(f.payouts)
}

// Queries 某笔交易被查询的次数
func (f *Fake) Queries(reference string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries[reference]
}
