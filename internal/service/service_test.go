package service

import (
	"context"
	"testing"

	"mobilepay/internal/config"
	"mobilepay/internal/gateway/gatewaytest"
	"mobilepay/internal/infrastructure/database"
	"mobilepay/internal/repository"
	"mobilepay/internal/repository/repotest"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const testTopic = "transaction_result"

type testEnv struct {
	ctx   context.Context
	store repository.Store
	gw    *gatewaytest.Fake
	svc   *Services
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvOn(t, config.DriverSQLite)
}

// forEachBackend 在 SQLite 和 badger 上各跑一遍
// SQLite 只有一个连接，事务天然串行；badger 是真正并发提交的乐观事务
func forEachBackend(t *testing.T, fn func(t *testing.T, env *testEnv)) {
	for _, driver := range []string{config.DriverSQLite, config.DriverBadger} {
		t.Run(driver, func(t *testing.T) {
			fn(t, newTestEnvOn(t, driver))
		})
	}
}

func newTestEnvOn(t *testing.T, driver string) *testEnv {
	t.Helper()

	store, err := database.NewStore(&config.DatabaseConfig{Driver: driver, Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	gw := gatewaytest.New()
	svc := New(Options{
		Store:        store,
		Gateway:      gw,
		EventTopic:   testTopic,
		Policy:       AmountPolicy{Min: dec("1"), Max: dec("150000")},
		RedirectBase: "/payment/result",
	})
	return &testEnv{ctx: context.Background(), store: store, gw: gw, svc: svc}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func (e *testEnv) balance(t *testing.T, principalID int64) decimal.Decimal {
	t.Helper()
	b, err := e.svc.Wallet.Balance(e.ctx, principalID)
	require.NoError(t, err)
	return b
}

func (e *testEnv) assertBalance(t *testing.T, principalID int64, want string) {
	t.Helper()
	repotest.AssertDecimal(t, want, e.balance(t, principalID), "principal %d", principalID)
}

func (e *testEnv) commissionCount(t *testing.T, reference string) int64 {
	t.Helper()
	n, err := e.store.Commissions().Count(e.ctx, reference)
	require.NoError(t, err)
	return n
}

func (e *testEnv) topUp(t *testing.T, principalID int64, amount string) {
	t.Helper()
	_, err := e.svc.Wallet.TopUp(e.ctx, principalID, dec(amount), "test")
	require.NoError(t, err)
}
