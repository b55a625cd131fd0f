// Package repotest 存储接口的公共契约测试，sqlrepo 和 kvrepo 共用
package repotest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mobilepay/internal/model"
	"mobilepay/internal/repository"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type StoreFactory func(t *testing.T) repository.Store

func RunStoreSuite(t *testing.T, newStore StoreFactory) {
	t.Run("TransactionInsertAndFind", func(t *testing.T) { testTransactionInsertAndFind(t, newStore(t)) })
	t.Run("TransactionUpdateStatus", func(t *testing.T) { testTransactionUpdateStatus(t, newStore(t)) })
	t.Run("TransactionListRecent", func(t *testing.T) { testTransactionListRecent(t, newStore(t)) })
	t.Run("TransactionListStale", func(t *testing.T) { testTransactionListStale(t, newStore(t)) })
	t.Run("TransactionStats", func(t *testing.T) { testTransactionStats(t, newStore(t)) })
	t.Run("AccountCreditDebit", func(t *testing.T) { testAccountCreditDebit(t, newStore(t)) })
	t.Run("AccountFractionalAmounts", func(t *testing.T) { testAccountFractionalAmounts(t, newStore(t)) })
	t.Run("AccountConcurrentDebit", func(t *testing.T) { testAccountConcurrentDebit(t, newStore(t)) })
	t.Run("AccountOppositeTransfers", func(t *testing.T) { testAccountOppositeTransfers(t, newStore(t)) })
	t.Run("WithinTransactionRollback", func(t *testing.T) { testWithinTransactionRollback(t, newStore(t)) })
	t.Run("Commission", func(t *testing.T) { testCommission(t, newStore(t)) })
	t.Run("WebhookLog", func(t *testing.T) { testWebhookLog(t, newStore(t)) })
	t.Run("Outbox", func(t *testing.T) { testOutbox(t, newStore(t)) })
}

func Dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func AssertDecimal(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	assert.True(t, Dec(want).Equal(got), append([]interface{}{fmt.Sprintf("want %s, got %s", want, got)}, msgAndArgs...)...)
}

func newTxn(ref string, principalID int64, status string, createdAt time.Time) *model.Transaction {
	return &model.Transaction{
		Reference:   ref,
		Kind:        model.TxKindCollection,
		PrincipalID: principalID,
		Phone:       "0712345678",
		Amount:      Dec("250"),
		Commission:  Dec("24"),
		NetAmount:   Dec("226"),
		Status:      status,
		CreatedAt:   createdAt,
	}
}

func testTransactionInsertAndFind(t *testing.T, store repository.Store) {
	ctx := context.Background()
	repo := store.Transactions()

	txn := newTxn("BERA-1", 1, model.TxStatusCreated, time.Time{})
	require.NoError(t, repo.Insert(ctx, txn))

	got, err := repo.FindOne(ctx, repository.TransactionFilter{Reference: "BERA-1"})
	require.NoError(t, err)
	assert.Equal(t, model.TxKindCollection, got.Kind)
	assert.Equal(t, model.TxStatusCreated, got.Status)
	AssertDecimal(t, "226", got.NetAmount)
	AssertDecimal(t, "24", got.Commission)
	assert.False(t, got.CreatedAt.IsZero())

	err = repo.Insert(ctx, newTxn("BERA-1", 2, model.TxStatusCreated, time.Time{}))
	assert.ErrorIs(t, err, model.ErrDuplicateReference)

	_, err = repo.FindOne(ctx, repository.TransactionFilter{Reference: "missing"})
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = repo.FindOne(ctx, repository.TransactionFilter{})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func testTransactionUpdateStatus(t *testing.T, store repository.Store) {
	ctx := context.Background()
	repo := store.Transactions()
	require.NoError(t, repo.Insert(ctx, newTxn("BERA-2", 1, model.TxStatusCreated, time.Time{})))

	err := repo.UpdateStatus(ctx, "BERA-2", model.TxStatusCreated, model.TxStatusInitiated,
		repository.StatusUpdate{ExternalReference: "EXT-2"})
	require.NoError(t, err)

	got, err := repo.FindOne(ctx, repository.TransactionFilter{ExternalReference: "EXT-2"})
	require.NoError(t, err)
	assert.Equal(t, "BERA-2", got.Reference)
	assert.Equal(t, model.TxStatusInitiated, got.Status)

	// 当前状态已不是 CREATED，CAS 失败
	err = repo.UpdateStatus(ctx, "BERA-2", model.TxStatusCreated, model.TxStatusFailed, repository.StatusUpdate{})
	assert.ErrorIs(t, err, model.ErrStatusConflict)

	err = repo.UpdateStatus(ctx, "missing", model.TxStatusCreated, model.TxStatusFailed, repository.StatusUpdate{})
	assert.ErrorIs(t, err, model.ErrStatusConflict)

	require.NoError(t, repo.UpdateStatus(ctx, "BERA-2", model.TxStatusInitiated, model.TxStatusCompleted, repository.StatusUpdate{}))
	got, err = repo.FindOne(ctx, repository.TransactionFilter{Reference: "BERA-2"})
	require.NoError(t, err)
	assert.Equal(t, model.TxStatusCompleted, got.Status)
	assert.Equal(t, "EXT-2", got.ExternalReference)
}

func testTransactionListRecent(t *testing.T, store repository.Store) {
	ctx := context.Background()
	repo := store.Transactions()
	base := time.Now().Add(-time.Hour)

	for i := 0; i < 5; i++ {
		require.NoError(t, repo.Insert(ctx, newTxn(fmt.Sprintf("BERA-R%d", i), 7, model.TxStatusCreated, base.Add(time.Duration(i)*time.Minute))))
	}
	require.NoError(t, repo.Insert(ctx, newTxn("BERA-OTHER", 8, model.TxStatusCreated, base)))

	counterparty := int64(7)
	transfer := newTxn("BERA-T", 9, model.TxStatusCompleted, base.Add(10*time.Minute))
	transfer.Kind = model.TxKindInternalTransfer
	transfer.CounterpartyID = &counterparty
	require.NoError(t, repo.Insert(ctx, transfer))

	list, err := repo.ListRecent(ctx, 7, 3)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "BERA-T", list[0].Reference)
	assert.Equal(t, "BERA-R4", list[1].Reference)
	assert.Equal(t, "BERA-R3", list[2].Reference)

	list, err = repo.ListRecent(ctx, 8, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "BERA-OTHER", list[0].Reference)
}

func testTransactionListStale(t *testing.T, store repository.Store) {
	ctx := context.Background()
	repo := store.Transactions()
	now := time.Now()

	require.NoError(t, repo.Insert(ctx, newTxn("OLD-CREATED", 1, model.TxStatusCreated, now.Add(-2*time.Hour))))
	require.NoError(t, repo.Insert(ctx, newTxn("OLD-PENDING", 1, model.TxStatusPending, now.Add(-90*time.Minute))))
	require.NoError(t, repo.Insert(ctx, newTxn("OLD-DONE", 1, model.TxStatusCompleted, now.Add(-3*time.Hour))))
	require.NoError(t, repo.Insert(ctx, newTxn("NEW-PENDING", 1, model.TxStatusPending, now)))

	list, err := repo.ListStale(ctx, []string{model.TxStatusCreated, model.TxStatusPending}, now.Add(-30*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "OLD-CREATED", list[0].Reference)
	assert.Equal(t, "OLD-PENDING", list[1].Reference)

	list, err = repo.ListStale(ctx, []string{model.TxStatusPending}, now.Add(time.Minute), 1)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "OLD-PENDING", list[0].Reference)
}

func testTransactionStats(t *testing.T, store repository.Store) {
	ctx := context.Background()
	repo := store.Transactions()
	now := time.Now()

	done := newTxn("S-1", 3, model.TxStatusCompleted, now)
	done.Amount = Dec("100.25")
	require.NoError(t, repo.Insert(ctx, done))
	require.NoError(t, repo.Insert(ctx, newTxn("S-2", 3, model.TxStatusCompleted, now.Add(time.Second))))
	require.NoError(t, repo.Insert(ctx, newTxn("S-3", 3, model.TxStatusFailed, now.Add(2*time.Second))))
	require.NoError(t, repo.Insert(ctx, newTxn("S-4", 4, model.TxStatusCompleted, now)))

	// 作为对手方收到的转账不计入
	counterparty := int64(3)
	transfer := newTxn("S-5", 4, model.TxStatusCompleted, now)
	transfer.Kind = model.TxKindInternalTransfer
	transfer.CounterpartyID = &counterparty
	require.NoError(t, repo.Insert(ctx, transfer))

	stats, err := repo.Stats(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(2), stats.Completed)
	AssertDecimal(t, "350.25", stats.CompletedVolume)

	stats, err = repo.Stats(ctx, 99)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Total)
	assert.True(t, stats.CompletedVolume.IsZero())
}

func testAccountCreditDebit(t *testing.T, store repository.Store) {
	ctx := context.Background()
	repo := store.Accounts()

	_, err := repo.Get(ctx, 1)
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.ErrorIs(t, repo.Debit(ctx, 1, Dec("5")), model.ErrInsufficientBalance)

	require.NoError(t, repo.Credit(ctx, 1, Dec("100")))
	require.NoError(t, repo.Debit(ctx, 1, Dec("30.5")))
	assert.ErrorIs(t, repo.Debit(ctx, 1, Dec("80")), model.ErrInsufficientBalance)

	account, err := repo.Get(ctx, 1)
	require.NoError(t, err)
	AssertDecimal(t, "69.5", account.Balance)
	assert.Equal(t, int64(1), account.PrincipalID)

	require.NoError(t, repo.Credit(ctx, 2, Dec("0.5")))
	total, err := repo.TotalBalance(ctx)
	require.NoError(t, err)
	AssertDecimal(t, "70", total)

	// 刚好扣到 0
	require.NoError(t, repo.Debit(ctx, 2, Dec("0.5")))
	account, err = repo.Get(ctx, 2)
	require.NoError(t, err)
	assert.True(t, account.Balance.IsZero())
}

// 余额运算必须是精确小数，0.1 + 0.2 不能变成 0.30000000000000004
func testAccountFractionalAmounts(t *testing.T, store repository.Store) {
	ctx := context.Background()
	repo := store.Accounts()

	require.NoError(t, repo.Credit(ctx, 11, Dec("0.1")))
	require.NoError(t, repo.Credit(ctx, 11, Dec("0.2")))
	account, err := repo.Get(ctx, 11)
	require.NoError(t, err)
	AssertDecimal(t, "0.3", account.Balance)

	require.NoError(t, repo.Debit(ctx, 11, Dec("0.3")))
	account, err = repo.Get(ctx, 11)
	require.NoError(t, err)
	assert.True(t, account.Balance.IsZero(), "got %s", account.Balance)

	require.NoError(t, repo.Credit(ctx, 12, Dec("0.7")))
	require.NoError(t, repo.Credit(ctx, 12, Dec("0.1")))
	require.NoError(t, repo.Debit(ctx, 12, Dec("0.8")))
	assert.ErrorIs(t, repo.Debit(ctx, 12, Dec("0.01")), model.ErrInsufficientBalance)
}

func testAccountConcurrentDebit(t *testing.T, store repository.Store) {
	ctx := context.Background()
	repo := store.Accounts()
	require.NoError(t, repo.Credit(ctx, 42, Dec("100")))

	const workers = 20
	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		failed    atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := repo.Debit(ctx, 42, Dec("7"))
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, model.ErrInsufficientBalance):
				failed.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	// 100 / 7 = 14 笔成功，剩余 2
	assert.Equal(t, int32(14), succeeded.Load())
	assert.Equal(t, int32(workers-14), failed.Load())

	account, err := repo.Get(ctx, 42)
	require.NoError(t, err)
	AssertDecimal(t, "2", account.Balance)
}

// 方向相反的并发转账，先 Lock 再扣款入账，总额不变且不报错
func testAccountOppositeTransfers(t *testing.T, store repository.Store) {
	ctx := context.Background()
	repo := store.Accounts()
	require.NoError(t, repo.Credit(ctx, 21, Dec("50")))
	require.NoError(t, repo.Credit(ctx, 22, Dec("50")))

	move := func(from, to int64) error {
		return store.WithinTransaction(ctx, func(ctx context.Context) error {
			if err := repo.Lock(ctx, from, to); err != nil {
				return err
			}
			if err := repo.Debit(ctx, from, Dec("1")); err != nil {
				return err
			}
			return repo.Credit(ctx, to, Dec("1"))
		})
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, move(21, 22))
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, move(22, 21))
		}()
	}
	wg.Wait()

	a, err := repo.Get(ctx, 21)
	require.NoError(t, err)
	b, err := repo.Get(ctx, 22)
	require.NoError(t, err)
	AssertDecimal(t, "50", a.Balance)
	AssertDecimal(t, "50", b.Balance)
}

func testWithinTransactionRollback(t *testing.T, store repository.Store) {
	ctx := context.Background()
	require.NoError(t, store.Accounts().Credit(ctx, 5, Dec("10")))

	boom := errors.New("boom")
	err := store.WithinTransaction(ctx, func(ctx context.Context) error {
		if err := store.Accounts().Debit(ctx, 5, Dec("10")); err != nil {
			return err
		}
		if err := store.Accounts().Credit(ctx, 6, Dec("10")); err != nil {
			return err
		}
		if err := store.Transactions().Insert(ctx, newTxn("ROLLBACK", 5, model.TxStatusCompleted, time.Time{})); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	account, err := store.Accounts().Get(ctx, 5)
	require.NoError(t, err)
	AssertDecimal(t, "10", account.Balance)

	_, err = store.Accounts().Get(ctx, 6)
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = store.Transactions().FindOne(ctx, repository.TransactionFilter{Reference: "ROLLBACK"})
	assert.ErrorIs(t, err, model.ErrNotFound)

	// 提交路径
	err = store.WithinTransaction(ctx, func(ctx context.Context) error {
		if err := store.Accounts().Debit(ctx, 5, Dec("4")); err != nil {
			return err
		}
		return store.Accounts().Credit(ctx, 6, Dec("4"))
	})
	require.NoError(t, err)
	total, err := store.Accounts().TotalBalance(ctx)
	require.NoError(t, err)
	AssertDecimal(t, "10", total)
}

func testCommission(t *testing.T, store repository.Store) {
	ctx := context.Background()
	repo := store.Commissions()

	record := &model.CommissionRecord{
		TransactionReference: "BERA-C1",
		GrossAmount:          Dec("250"),
		NetAmount:            Dec("226"),
		CommissionAmount:     Dec("24"),
		PrincipalID:          1,
	}
	require.NoError(t, repo.Insert(ctx, record))
	assert.ErrorIs(t, repo.Insert(ctx, &model.CommissionRecord{
		TransactionReference: "BERA-C1",
		GrossAmount:          Dec("250"),
		NetAmount:            Dec("226"),
		CommissionAmount:     Dec("24"),
		PrincipalID:          1,
	}), model.ErrDuplicateReference)

	require.NoError(t, repo.Insert(ctx, &model.CommissionRecord{
		TransactionReference: "BERA-C2",
		GrossAmount:          Dec("1000.01"),
		NetAmount:            Dec("950.0095"),
		CommissionAmount:     Dec("50.0005"),
		PrincipalID:          2,
	}))

	count, err := repo.Count(ctx, "BERA-C1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	count, err = repo.Count(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	got, err := repo.GetByReference(ctx, "BERA-C2")
	require.NoError(t, err)
	AssertDecimal(t, "50.0005", got.CommissionAmount)

	total, err := repo.Total(ctx, nil)
	require.NoError(t, err)
	AssertDecimal(t, "74.0005", total)

	principal := int64(1)
	total, err = repo.Total(ctx, &principal)
	require.NoError(t, err)
	AssertDecimal(t, "24", total)

	nobody := int64(99)
	total, err = repo.Total(ctx, &nobody)
	require.NoError(t, err)
	assert.True(t, total.IsZero())
}

func testWebhookLog(t *testing.T, store repository.Store) {
	ctx := context.Background()
	repo := store.WebhookLogs()

	require.NoError(t, repo.Insert(ctx, &model.WebhookLog{Payload: `{"status":"success"}`, ExternalReference: "EXT-1"}))
	require.NoError(t, repo.Insert(ctx, &model.WebhookLog{Payload: `{"status":"failed"}`, ExternalReference: "EXT-2"}))

	logs, err := repo.ListRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "EXT-2", logs[0].ExternalReference)
	assert.Equal(t, `{"status":"success"}`, logs[1].Payload)
}

func testOutbox(t *testing.T, store repository.Store) {
	ctx := context.Background()
	repo := store.Outbox()

	first := &model.OutboxMessage{MessageKey: "A", Topic: "t", Payload: "{}", Status: model.OutboxStatusPending}
	second := &model.OutboxMessage{MessageKey: "B", Topic: "t", Payload: "{}", Status: model.OutboxStatusPending}
	require.NoError(t, repo.Insert(ctx, first))
	require.NoError(t, repo.Insert(ctx, second))

	pending, err := repo.GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "A", pending[0].MessageKey)

	require.NoError(t, repo.UpdateStatus(ctx, first.ID, model.OutboxStatusSent))
	require.NoError(t, repo.IncrementRetryCount(ctx, second.ID))
	require.NoError(t, repo.IncrementRetryCount(ctx, second.ID))

	pending, err = repo.GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "B", pending[0].MessageKey)
	assert.Equal(t, 2, pending[0].RetryCount)

	require.NoError(t, repo.MarkAsFailed(ctx, second.ID))
	pending, err = repo.GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
