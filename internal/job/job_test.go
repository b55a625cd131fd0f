package job

import (
	"context"
	"errors"
	"testing"
	"time"

	"mobilepay/internal/config"
	"mobilepay/internal/gateway/gatewaytest"
	"mobilepay/internal/infrastructure/database"
	"mobilepay/internal/infrastructure/mq"
	"mobilepay/internal/model"
	"mobilepay/internal/repository"
	"mobilepay/internal/repository/repotest"
	"mobilepay/internal/service"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type jobEnv struct {
	ctx   context.Context
	store repository.Store
	gw    *gatewaytest.Fake
	svc   *service.Services
}

func newJobEnv(t *testing.T) *jobEnv {
	t.Helper()
	store, err := database.NewStore(&config.DatabaseConfig{Driver: config.DriverSQLite, Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	gw := gatewaytest.New()
	svc := service.New(service.Options{
		Store:      store,
		Gateway:    gw,
		EventTopic: "transaction_result",
		Policy:     service.AmountPolicy{Min: repotest.Dec("1")},
	})
	return &jobEnv{ctx: context.Background(), store: store, gw: gw, svc: svc}
}

func (e *jobEnv) collect(t *testing.T, principalID int64, amount string) *model.Transaction {
	t.Helper()
	txn, err := e.svc.Payment.InitiateCollection(e.ctx, service.PaymentRequest{
		PrincipalID: principalID,
		Phone:       "0712345678",
		Amount:      repotest.Dec(amount),
	})
	require.NoError(t, err)
	return txn
}

func (e *jobEnv) status(t *testing.T, reference string) string {
	t.Helper()
	txn, err := e.svc.Ledger.Get(e.ctx, reference)
	require.NoError(t, err)
	return txn.Status
}

func (e *jobEnv) assertBalance(t *testing.T, principalID int64, want string) {
	t.Helper()
	b, err := e.svc.Wallet.Balance(e.ctx, principalID)
	require.NoError(t, err)
	repotest.AssertDecimal(t, want, b)
}

// insertStale 直接写入一笔一小时前创建的交易
func (e *jobEnv) insertStale(t *testing.T, ref, kind, status string, principalID int64, amount string) {
	t.Helper()
	txn := &model.Transaction{
		Reference:   ref,
		Kind:        kind,
		PrincipalID: principalID,
		Phone:       "0712345678",
		Amount:      repotest.Dec(amount),
		NetAmount:   repotest.Dec(amount),
		Status:      status,
		CreatedAt:   time.Now().Add(-time.Hour),
	}
	if kind == model.TxKindCollection {
		txn.Commission = repotest.Dec("6")
		txn.NetAmount = txn.Amount.Sub(txn.Commission)
	}
	if status != model.TxStatusCreated {
		txn.ExternalReference = gatewaytest.ExternalReference(ref)
	}
	require.NoError(t, e.store.Transactions().Insert(e.ctx, txn))
}

var fastPolling = PollerConfig{InitialDelay: time.Millisecond, Interval: time.Millisecond, MaxAttempts: 3}

// ============================================================================
// StatusPoller
// ============================================================================

func TestScenario_PollerExhaustsAttempts(t *testing.T) {
	env := newJobEnv(t)
	txn := env.collect(t, 1, "250")

	poller := NewStatusPoller(env.gw, env.svc.Reconcile, fastPolling, nil)
	defer poller.Stop()

	out, err := poller.Poll(env.ctx, txn.Reference)
	require.NoError(t, err)
	assert.Equal(t, model.TxStatusTimedOut, out.Transaction.Status)
	assert.Equal(t, 3, env.gw.Queries(txn.Reference))
	env.assertBalance(t, 1, "0")
}

func TestPoller_StopsOnTerminalStatus(t *testing.T) {
	env := newJobEnv(t)
	txn := env.collect(t, 1, "250")
	env.gw.SetStatuses(txn.Reference, "QUEUED", "Success")

	poller := NewStatusPoller(env.gw, env.svc.Reconcile, fastPolling, nil)
	defer poller.Stop()

	out, err := poller.Poll(env.ctx, txn.Reference)
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.Equal(t, model.TxStatusCompleted, out.Transaction.Status)
	assert.Equal(t, 2, env.gw.Queries(txn.Reference))
	env.assertBalance(t, 1, "226")
}

func TestPoller_StopsAfterWebhookFinalized(t *testing.T) {
	env := newJobEnv(t)
	txn := env.collect(t, 1, "250")

	_, err := env.svc.Reconcile.OnExternalEvent(env.ctx, txn.ExternalReference, "success")
	require.NoError(t, err)

	poller := NewStatusPoller(env.gw, env.svc.Reconcile, fastPolling, nil)
	defer poller.Stop()

	out, err := poller.Poll(env.ctx, txn.Reference)
	require.NoError(t, err)
	assert.True(t, out.AlreadyFinalized)
	assert.Equal(t, 1, env.gw.Queries(txn.Reference))
	env.assertBalance(t, 1, "226")
}

func TestPoller_GatewayErrorsCountAsAttempts(t *testing.T) {
	env := newJobEnv(t)
	txn := env.collect(t, 1, "250")
	env.gw.QueryErr = errors.New("timeout")

	poller := NewStatusPoller(env.gw, env.svc.Reconcile, fastPolling, nil)
	defer poller.Stop()

	out, err := poller.Poll(env.ctx, txn.Reference)
	require.NoError(t, err)
	assert.Equal(t, model.TxStatusTimedOut, out.Transaction.Status)
}

func TestPoller_TrackRunsInBackground(t *testing.T) {
	env := newJobEnv(t)
	poller := NewStatusPoller(env.gw, env.svc.Reconcile, fastPolling, nil)
	defer poller.Stop()
	env.svc.Payment.SetTracker(poller)

	env.gw.DefaultStatus = "success"
	txn := env.collect(t, 2, "100")

	assert.Eventually(t, func() bool {
		return env.status(t, txn.Reference) == model.TxStatusCompleted && !poller.IsTracking(txn.Reference)
	}, 2*time.Second, 5*time.Millisecond)
	env.assertBalance(t, 2, "94")
}

func TestPoller_StopCancelsInFlightPolls(t *testing.T) {
	env := newJobEnv(t)
	txn := env.collect(t, 1, "250")

	poller := NewStatusPoller(env.gw, env.svc.Reconcile, PollerConfig{InitialDelay: time.Hour, Interval: time.Hour, MaxAttempts: 3}, nil)
	poller.Track(txn.Reference)
	assert.True(t, poller.IsTracking(txn.Reference))

	poller.Stop()
	assert.False(t, poller.IsTracking(txn.Reference))
	assert.Equal(t, model.TxStatusInitiated, env.status(t, txn.Reference))

	// 停止后不再接受新任务
	poller.Track(txn.Reference)
	assert.False(t, poller.IsTracking(txn.Reference))
}

// ============================================================================
// 补偿任务
// ============================================================================

func TestStaleCreatedJob_FailsAndReleasesPayout(t *testing.T) {
	env := newJobEnv(t)
	_, err := env.svc.Wallet.TopUp(env.ctx, 5, repotest.Dec("100"), "")
	require.NoError(t, err)
	require.NoError(t, env.svc.Wallet.Debit(env.ctx, 5, repotest.Dec("40")))
	env.insertStale(t, "BERA-STALE-PAYOUT", model.TxKindPayout, model.TxStatusCreated, 5, "40")
	env.insertStale(t, "BERA-STALE-COLLECT", model.TxKindCollection, model.TxStatusCreated, 6, "250")

	// 刚创建的交易不在处理范围内
	fresh, err := env.svc.Ledger.Create(env.ctx, service.CreateParams{Kind: model.TxKindCollection, PrincipalID: 6, Amount: repotest.Dec("250")})
	require.NoError(t, err)

	job := NewStaleCreatedJob(env.store, env.svc.Reconcile, 5*time.Minute)
	assert.Equal(t, 2, job.RunOnce(env.ctx))

	assert.Equal(t, model.TxStatusFailed, env.status(t, "BERA-STALE-PAYOUT"))
	assert.Equal(t, model.TxStatusFailed, env.status(t, "BERA-STALE-COLLECT"))
	assert.Equal(t, model.TxStatusCreated, env.status(t, fresh.Reference))
	env.assertBalance(t, 5, "100")

	assert.Equal(t, 0, job.RunOnce(env.ctx))
	env.assertBalance(t, 5, "100")
}

type fakeTracking map[string]bool

func (f fakeTracking) IsTracking(reference string) bool { return f[reference] }

func TestPendingCompensateJob(t *testing.T) {
	env := newJobEnv(t)
	env.insertStale(t, "BERA-DONE", model.TxKindCollection, model.TxStatusPending, 1, "250")
	env.insertStale(t, "BERA-LOST", model.TxKindCollection, model.TxStatusInitiated, 1, "250")
	env.insertStale(t, "BERA-LIVE", model.TxKindCollection, model.TxStatusPending, 1, "250")
	env.gw.SetStatuses("BERA-DONE", "success")

	job := NewPendingCompensateJob(env.store, env.gw, env.svc.Reconcile, fakeTracking{"BERA-LIVE": true}, 15*time.Minute)
	assert.Equal(t, 2, job.RunOnce(env.ctx))

	assert.Equal(t, model.TxStatusCompleted, env.status(t, "BERA-DONE"))
	assert.Equal(t, model.TxStatusTimedOut, env.status(t, "BERA-LOST"))
	assert.Equal(t, model.TxStatusPending, env.status(t, "BERA-LIVE"))
	assert.Equal(t, 0, env.gw.Queries("BERA-LIVE"))
	env.assertBalance(t, 1, "244")
}

func TestPendingCompensateJob_GatewayDownSkips(t *testing.T) {
	env := newJobEnv(t)
	env.insertStale(t, "BERA-WAIT", model.TxKindPayout, model.TxStatusPending, 1, "30")
	env.gw.QueryErr = errors.New("unreachable")

	job := NewPendingCompensateJob(env.store, env.gw, env.svc.Reconcile, nil, 15*time.Minute)
	assert.Equal(t, 0, job.RunOnce(env.ctx))
	assert.Equal(t, model.TxStatusPending, env.status(t, "BERA-WAIT"))
	env.assertBalance(t, 1, "0")
}

func TestJobs_StopExitsLoop(t *testing.T) {
	env := newJobEnv(t)
	job := NewStaleCreatedJob(env.store, env.svc.Reconcile, time.Minute)

	done := make(chan struct{})
	go func() {
		job.Start(env.ctx)
		close(done)
	}()
	job.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job did not stop")
	}
}

// ============================================================================
// OutboxSender
// ============================================================================

func TestOutboxSender_PublishesAndRetries(t *testing.T) {
	env := newJobEnv(t)
	repo := env.store.Outbox()

	ok := &model.OutboxMessage{MessageKey: "BERA1", Topic: "transaction_result", Payload: `{"reference":"BERA1"}`, Status: model.OutboxStatusPending}
	bad := &model.OutboxMessage{MessageKey: "BERA2", Topic: "transaction_result", Payload: `{"reference":"BERA2"}`, Status: model.OutboxStatusPending}
	require.NoError(t, repo.Insert(env.ctx, ok))
	require.NoError(t, repo.Insert(env.ctx, bad))

	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageAndSucceed()
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	sender := NewOutboxSender(repo, mq.NewProducerWith(sp), 2, nil)

	sender.processPendingMessages(env.ctx)
	pending, err := repo.GetPendingMessages(env.ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "BERA2", pending[0].MessageKey)
	assert.Equal(t, 1, pending[0].RetryCount)

	// 第二次失败达到上限，标记为 FAILED
	sender.processPendingMessages(env.ctx)
	pending, err = repo.GetPendingMessages(env.ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	require.NoError(t, sp.Close())
}
