package service

import (
	"sync"
	"testing"

	"mobilepay/internal/model"
	"mobilepay/internal/repository/repotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWallet_BalanceOfUnknownAccount(t *testing.T) {
	env := newTestEnv(t)
	env.assertBalance(t, 404, "0")
}

func TestWallet_CreditDebit(t *testing.T) {
	env := newTestEnv(t)

	require.NoError(t, env.svc.Wallet.Credit(env.ctx, 1, dec("20")))
	require.NoError(t, env.svc.Wallet.Debit(env.ctx, 1, dec("7.25")))
	env.assertBalance(t, 1, "12.75")

	assert.ErrorIs(t, env.svc.Wallet.Debit(env.ctx, 1, dec("12.76")), model.ErrInsufficientBalance)
	env.assertBalance(t, 1, "12.75")

	assert.True(t, model.IsValidationError(env.svc.Wallet.Credit(env.ctx, 1, dec("0"))))
	assert.True(t, model.IsValidationError(env.svc.Wallet.Debit(env.ctx, 1, dec("-1"))))
}

func TestWallet_ConcurrentDebitsNeverNegative(t *testing.T) {
	forEachBackend(t, func(t *testing.T, env *testEnv) {
		require.NoError(t, env.svc.Wallet.Credit(env.ctx, 1, dec("50")))

		var (
			wg sync.WaitGroup
			mu sync.Mutex
			ok int
		)
		for i := 0; i < 12; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := env.svc.Wallet.Debit(env.ctx, 1, dec("9")); err == nil {
					mu.Lock()
					ok++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 5, ok)
		env.assertBalance(t, 1, "5")
	})
}

func TestWallet_TopUp(t *testing.T) {
	env := newTestEnv(t)

	txn, err := env.svc.Wallet.TopUp(env.ctx, 3, dec("125.50"), "opening balance")
	require.NoError(t, err)
	assert.Equal(t, model.TxKindAdjustment, txn.Kind)
	assert.Equal(t, model.TxStatusCompleted, txn.Status)
	assert.Equal(t, "opening balance", txn.Description)
	repotest.AssertDecimal(t, "125.5", txn.NetAmount)
	env.assertBalance(t, 3, "125.5")

	msgs, err := env.store.Outbox().GetPendingMessages(env.ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, txn.Reference, msgs[0].MessageKey)
	assert.Contains(t, msgs[0].Payload, `"kind":"ADJUSTMENT"`)

	_, err = env.svc.Wallet.TopUp(env.ctx, 3, dec("1.234"), "")
	assert.True(t, model.IsValidationError(err))
	_, err = env.svc.Wallet.TopUp(env.ctx, -1, dec("1"), "")
	assert.True(t, model.IsValidationError(err))
}

func TestCommission_Total(t *testing.T) {
	env := newTestEnv(t)

	a := env.collect(t, 1, "250")
	b := env.collect(t, 1, "1000.01")
	c := env.collect(t, 2, "80")
	for _, txn := range []*model.Transaction{a, b, c} {
		env.webhook(t, txn.ExternalReference, "success")
	}

	total, err := env.svc.Commission.Total(env.ctx, nil)
	require.NoError(t, err)
	repotest.AssertDecimal(t, "80.0005", total)

	one := int64(1)
	perPrincipal, err := env.svc.Commission.Total(env.ctx, &one)
	require.NoError(t, err)
	repotest.AssertDecimal(t, "74.0005", perPrincipal)
}

func TestWallet_FractionalTopUpsStayExact(t *testing.T) {
	forEachBackend(t, func(t *testing.T, env *testEnv) {
		env.topUp(t, 6, "0.1")
		env.topUp(t, 6, "0.2")
		env.assertBalance(t, 6, "0.3")

		require.NoError(t, env.svc.Wallet.Debit(env.ctx, 6, dec("0.3")))
		assert.True(t, env.balance(t, 6).IsZero(), "got %s", env.balance(t, 6))

		env.topUp(t, 7, "0.7")
		env.topUp(t, 7, "0.1")
		require.NoError(t, env.svc.Wallet.Debit(env.ctx, 7, dec("0.8")))
		assert.ErrorIs(t, env.svc.Wallet.Debit(env.ctx, 7, dec("0.01")), model.ErrInsufficientBalance)
	})
}

func TestWallet_Summary(t *testing.T) {
	forEachBackend(t, func(t *testing.T, env *testEnv) {
		done := env.collect(t, 5, "250")
		env.webhook(t, done.ExternalReference, "success")
		failed := env.collect(t, 5, "100")
		env.webhook(t, failed.ExternalReference, "failed")
		env.topUp(t, 5, "10.5")

		summary, err := env.svc.Wallet.Summary(env.ctx, 5)
		require.NoError(t, err)
		assert.Equal(t, int64(5), summary.PrincipalID)
		repotest.AssertDecimal(t, "236.5", summary.Balance)
		assert.Equal(t, int64(3), summary.TotalTransactions)
		assert.Equal(t, int64(2), summary.CompletedTransactions)
		repotest.AssertDecimal(t, "260.5", summary.CompletedVolume)
		assert.Len(t, summary.Recent, 3)

		empty, err := env.svc.Wallet.Summary(env.ctx, 404)
		require.NoError(t, err)
		assert.True(t, empty.Balance.IsZero())
		assert.Equal(t, int64(0), empty.TotalTransactions)
		assert.Empty(t, empty.Recent)

		_, err = env.svc.Wallet.Summary(env.ctx, 0)
		assert.True(t, model.IsValidationError(err))
	})
}
