package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.Reconcile("webhook", "applied")
	m.Reconcile("webhook", "applied")
	m.Reconcile("poll", "already_finalized")
	m.WalletOp("debit", errors.New("insufficient"))
	m.GatewayRequest("push", time.Now(), nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.reconcileTotal.WithLabelValues("webhook", "applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconcileTotal.WithLabelValues("poll", "already_finalized")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.walletOpsTotal.WithLabelValues("debit", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.gatewayRequestsTotal.WithLabelValues("push", "ok")))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Reconcile("poll", "applied")
		m.Webhook("ok")
		m.PollAttempt("ok")
		m.WalletOp("credit", nil)
		m.GatewayRequest("payout", time.Now(), nil)
		m.OutboxPublished(nil)
		m.Initiated("COLLECTION", nil)
	})
}
