package service

import (
	"testing"

	"mobilepay/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhook_LogsRawPayloadBeforeProcessing(t *testing.T) {
	env := newTestEnv(t)
	txn := env.collect(t, 1, "250")

	raw := `{"external_reference":"` + txn.ExternalReference + `","status":"success","extra":{"a":1}}`
	out, err := env.svc.Webhook.Receive(env.ctx, []byte(raw))
	require.NoError(t, err)
	assert.True(t, out.Applied)

	logs, err := env.svc.Webhook.RecentLogs(env.ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, raw, logs[0].Payload)
	assert.Equal(t, txn.ExternalReference, logs[0].ExternalReference)
	assert.Equal(t, "success", logs[0].ReportedStatus)
}

func TestWebhook_InvalidPayloadStillLogged(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Webhook.Receive(env.ctx, []byte(`garbage`))
	assert.True(t, model.IsValidationError(err))

	logs, err := env.svc.Webhook.RecentLogs(env.ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "garbage", logs[0].Payload)
}

func TestWebhook_UnknownTransactionLeavesStateUntouched(t *testing.T) {
	env := newTestEnv(t)
	txn := env.collect(t, 1, "250")

	_, err := env.svc.Webhook.Receive(env.ctx, []byte(`{"external_reference":"EXT-unknown","status":"success"}`))
	assert.ErrorIs(t, err, model.ErrNotFound)

	loaded, err := env.svc.Ledger.Get(env.ctx, txn.Reference)
	require.NoError(t, err)
	assert.Equal(t, model.TxStatusInitiated, loaded.Status)
	env.assertBalance(t, 1, "0")
}

func TestWebhook_PayHeroEnvelope(t *testing.T) {
	env := newTestEnv(t)
	txn := env.collect(t, 1, "250")

	raw := `{"status":true,"response":{"ExternalReference":"` + txn.Reference + `","Status":"Success","ResultCode":0}}`
	out, err := env.svc.Webhook.Receive(env.ctx, []byte(raw))
	require.NoError(t, err)
	assert.Equal(t, model.TxStatusCompleted, out.Transaction.Status)
	env.assertBalance(t, 1, "226")
}
