package service

import (
	"testing"
	"time"

	"mobilepay/internal/model"
	"mobilepay/internal/repository/repotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedger_CreateCollection(t *testing.T) {
	env := newTestEnv(t)

	txn, err := env.svc.Ledger.Create(env.ctx, CreateParams{
		Kind:        model.TxKindCollection,
		PrincipalID: 1,
		Phone:       "0712345678",
		Amount:      dec("250"),
	})
	require.NoError(t, err)

	assert.NotEmpty(t, txn.Reference)
	assert.Equal(t, model.TxStatusCreated, txn.Status)
	repotest.AssertDecimal(t, "24", txn.Commission)
	repotest.AssertDecimal(t, "226", txn.NetAmount)

	loaded, err := env.svc.Ledger.Get(env.ctx, txn.Reference)
	require.NoError(t, err)
	repotest.AssertDecimal(t, "226", loaded.NetAmount)
	assert.True(t, loaded.NetAmount.Equal(loaded.Amount.Sub(loaded.Commission)))
}

func TestLedger_NoCommissionOutsideCollection(t *testing.T) {
	env := newTestEnv(t)

	for _, kind := range []string{model.TxKindPayout, model.TxKindInternalTransfer, model.TxKindAdjustment} {
		txn, err := env.svc.Ledger.Create(env.ctx, CreateParams{Kind: kind, PrincipalID: 1, Amount: dec("250")})
		require.NoError(t, err)
		assert.True(t, txn.Commission.IsZero(), kind)
		repotest.AssertDecimal(t, "250", txn.NetAmount, kind)
	}
}

func TestLedger_DuplicateReference(t *testing.T) {
	env := newTestEnv(t)
	env.svc.Ledger.refGen = func() string { return "BERA-FIXED" }

	_, err := env.svc.Ledger.Create(env.ctx, CreateParams{Kind: model.TxKindPayout, PrincipalID: 1, Amount: dec("10")})
	require.NoError(t, err)

	_, err = env.svc.Ledger.Create(env.ctx, CreateParams{Kind: model.TxKindPayout, PrincipalID: 1, Amount: dec("10")})
	assert.ErrorIs(t, err, model.ErrDuplicateReference)
}

func TestLedger_MarkInitiated(t *testing.T) {
	env := newTestEnv(t)
	txn, err := env.svc.Ledger.Create(env.ctx, CreateParams{Kind: model.TxKindCollection, PrincipalID: 1, Amount: dec("50")})
	require.NoError(t, err)

	initiated, err := env.svc.Ledger.MarkInitiated(env.ctx, txn.Reference, "EXT-9")
	require.NoError(t, err)
	assert.Equal(t, model.TxStatusInitiated, initiated.Status)
	assert.Equal(t, "EXT-9", initiated.ExternalReference)

	byExt, err := env.svc.Ledger.GetByExternalReference(env.ctx, "EXT-9")
	require.NoError(t, err)
	assert.Equal(t, txn.Reference, byExt.Reference)

	_, err = env.svc.Ledger.MarkInitiated(env.ctx, txn.Reference, "EXT-10")
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
}

func TestLedger_TransitionTerminal(t *testing.T) {
	env := newTestEnv(t)
	txn, err := env.svc.Ledger.Create(env.ctx, CreateParams{Kind: model.TxKindCollection, PrincipalID: 1, Amount: dec("50")})
	require.NoError(t, err)

	// CREATED 不能直接进入终态
	_, err = env.svc.Ledger.TransitionTerminal(env.ctx, txn.Reference, model.TxStatusCompleted)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	_, err = env.svc.Ledger.MarkInitiated(env.ctx, txn.Reference, "EXT-1")
	require.NoError(t, err)
	_, err = env.svc.Ledger.MarkPending(env.ctx, txn.Reference)
	require.NoError(t, err)

	res, err := env.svc.Ledger.TransitionTerminal(env.ctx, txn.Reference, model.TxStatusCompleted)
	require.NoError(t, err)
	assert.False(t, res.AlreadyFinalized)
	assert.Equal(t, model.TxStatusCompleted, res.Transaction.Status)

	again, err := env.svc.Ledger.TransitionTerminal(env.ctx, txn.Reference, model.TxStatusFailed)
	require.NoError(t, err)
	assert.True(t, again.AlreadyFinalized)
	assert.Equal(t, model.TxStatusCompleted, again.Transaction.Status)

	_, err = env.svc.Ledger.TransitionTerminal(env.ctx, txn.Reference, model.TxStatusPending)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
}

func TestLedger_ReturnedRecordMatchesStored(t *testing.T) {
	env := newTestEnv(t)
	txn, err := env.svc.Ledger.Create(env.ctx, CreateParams{Kind: model.TxKindCollection, PrincipalID: 1, Amount: dec("50")})
	require.NoError(t, err)

	before := time.Now()
	initiated, err := env.svc.Ledger.MarkInitiated(env.ctx, txn.Reference, "EXT-U")
	require.NoError(t, err)
	assert.False(t, initiated.UpdatedAt.Before(before))

	res, err := env.svc.Ledger.TransitionTerminal(env.ctx, txn.Reference, model.TxStatusCompleted)
	require.NoError(t, err)
	assert.False(t, res.Transaction.UpdatedAt.Before(initiated.UpdatedAt))

	loaded, err := env.svc.Ledger.Get(env.ctx, txn.Reference)
	require.NoError(t, err)
	assert.WithinDuration(t, loaded.UpdatedAt, res.Transaction.UpdatedAt, time.Millisecond)
}

func TestLedger_GetNotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.Ledger.Get(env.ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestLedger_ListRecent(t *testing.T) {
	env := newTestEnv(t)
	env.topUp(t, 1, "100")
	env.topUp(t, 1, "50")
	env.topUp(t, 2, "10")

	list, err := env.svc.Ledger.ListRecent(env.ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	for _, txn := range list {
		assert.Equal(t, model.TxKindAdjustment, txn.Kind)
		assert.Equal(t, model.TxStatusCompleted, txn.Status)
	}
}
