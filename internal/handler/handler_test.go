package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"mobilepay/internal/config"
	"mobilepay/internal/gateway"
	"mobilepay/internal/gateway/gatewaytest"
	"mobilepay/internal/infrastructure/database"
	"mobilepay/internal/metrics"
	"mobilepay/internal/repository/repotest"
	"mobilepay/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func setupRouter(t *testing.T) (*gin.Engine, *gatewaytest.Fake) {
	t.Helper()

	store, err := database.NewStore(&config.DatabaseConfig{Driver: config.DriverSQLite, Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	gw := gatewaytest.New()
	svc := service.New(service.Options{
		Store:        store,
		Gateway:      gw,
		Metrics:      m,
		Policy:       service.AmountPolicy{Min: repotest.Dec("1"), Max: repotest.Dec("150000")},
		RedirectBase: "/payment/result",
	})

	return SetupRouter(NewHandler(svc, store, gw), reg, gin.TestMode), gw
}

func doJSON(t *testing.T, r http.Handler, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var env envelope
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	}
	return w, env
}

func decodeData(t *testing.T, env envelope) map[string]interface{} {
	t.Helper()
	var data map[string]interface{}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	return data
}

func TestCollectionFlow(t *testing.T) {
	r, _ := setupRouter(t)

	w, env := doJSON(t, r, http.MethodPost, "/api/v1/transactions/collection",
		`{"principalId":7,"phone":"+254712345678","amount":250}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	data := decodeData(t, env)
	assert.Equal(t, "24", data["commission"])
	assert.Equal(t, "226", data["netAmount"])
	assert.Equal(t, "INITIATED", data["status"])
	ref := data["reference"].(string)
	ext := data["externalReference"].(string)

	w, env = doJSON(t, r, http.MethodPost, "/api/v1/webhooks/payment",
		`{"externalReference":"`+ext+`","status":"success"}`)
	assert.Equal(t, http.StatusAccepted, w.Code)
	data = decodeData(t, env)
	assert.Equal(t, "COMPLETED", data["status"])
	assert.Contains(t, data["redirect"], "/payment/result?")

	w, env = doJSON(t, r, http.MethodGet, "/api/v1/transactions/"+ref, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "COMPLETED", decodeData(t, env)["status"])

	w, env = doJSON(t, r, http.MethodGet, "/api/v1/accounts/7/balance", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "226", decodeData(t, env)["balance"])

	w, env = doJSON(t, r, http.MethodGet, "/api/v1/commissions/total?principalId=7", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "24", decodeData(t, env)["total"])
}

func TestWebhookAlwaysAccepted(t *testing.T) {
	r, _ := setupRouter(t)

	for _, body := range []string{`not json`, `{"status":"success"}`, `{"externalReference":"unknown","status":"success"}`} {
		w, _ := doJSON(t, r, http.MethodPost, "/api/v1/webhooks/payment", body)
		assert.Equal(t, http.StatusAccepted, w.Code, body)
	}
}

func TestPayoutInsufficientBalance(t *testing.T) {
	r, gw := setupRouter(t)

	w, env := doJSON(t, r, http.MethodPost, "/api/v1/transactions/payout",
		`{"principalId":5,"phone":"0712345678","amount":"5"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, 1003, env.Code)
	assert.Equal(t, 0, gw.InitiateCalls())
}

func TestPayoutAfterTopUp(t *testing.T) {
	r, _ := setupRouter(t)

	w, _ := doJSON(t, r, http.MethodPost, "/api/v1/accounts/5/topup", `{"amount":"100","description":"seed"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w, env := doJSON(t, r, http.MethodPost, "/api/v1/transactions/payout",
		`{"principalId":5,"phone":"0712345678","amount":"30"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "INITIATED", decodeData(t, env)["status"])

	_, env = doJSON(t, r, http.MethodGet, "/api/v1/accounts/5/balance", "")
	assert.Equal(t, "70", decodeData(t, env)["balance"])

	_, env = doJSON(t, r, http.MethodGet, "/api/v1/accounts/5/transactions?limit=10", "")
	assert.EqualValues(t, 2, decodeData(t, env)["total"])
}

func TestValidationErrors(t *testing.T) {
	r, _ := setupRouter(t)

	cases := []struct {
		path string
		body string
	}{
		{"/api/v1/transactions/collection", `{"principalId":1,"phone":"123","amount":100}`},
		{"/api/v1/transactions/collection", `{"principalId":1,"phone":"0712345678","amount":-1}`},
		{"/api/v1/transactions/collection", `{"phone":"0712345678","amount":100}`},
		{"/api/v1/transactions/collection", `{`},
		{"/api/v1/transfers", `{"senderId":1,"recipientId":1,"amount":10}`},
		{"/api/v1/accounts/abc/topup", `{"amount":10}`},
	}
	for _, tc := range cases {
		w, env := doJSON(t, r, http.MethodPost, tc.path, tc.body)
		assert.Equal(t, http.StatusBadRequest, w.Code, tc.body)
		assert.Equal(t, 400, env.Code, tc.body)
	}
}

func TestTransfer(t *testing.T) {
	r, _ := setupRouter(t)
	doJSON(t, r, http.MethodPost, "/api/v1/accounts/1/topup", `{"amount":50}`)

	w, env := doJSON(t, r, http.MethodPost, "/api/v1/transfers", `{"senderId":1,"recipientId":2,"amount":"20"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "COMPLETED", decodeData(t, env)["status"])

	w, env = doJSON(t, r, http.MethodPost, "/api/v1/transfers", `{"senderId":1,"recipientId":2,"amount":"31"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, 1003, env.Code)

	_, env = doJSON(t, r, http.MethodGet, "/api/v1/accounts/2/balance", "")
	assert.Equal(t, "20", decodeData(t, env)["balance"])
}

func TestGatewayErrorMapsTo502(t *testing.T) {
	r, gw := setupRouter(t)
	gw.PushErr = gateway.NewError(gateway.OpPush, "channel offline")

	w, env := doJSON(t, r, http.MethodPost, "/api/v1/transactions/collection",
		`{"principalId":1,"phone":"0712345678","amount":100}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, env.Message, "channel offline")
}

func TestGetTransactionNotFound(t *testing.T) {
	r, _ := setupRouter(t)
	w, _ := doJSON(t, r, http.MethodGet, "/api/v1/transactions/BERA404", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealth(t *testing.T) {
	r, gw := setupRouter(t)

	_, env := doJSON(t, r, http.MethodGet, "/health", "")
	assert.Equal(t, "ok", decodeData(t, env)["status"])

	gw.HealthErr = gateway.NewError(gateway.OpHealth, "down")
	w, env := doJSON(t, r, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "degraded", decodeData(t, env)["status"])
}

func TestMetricsAndRequestID(t *testing.T) {
	r, _ := setupRouter(t)
	doJSON(t, r, http.MethodPost, "/api/v1/webhooks/payment", `{"externalReference":"x","status":"success"}`)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("X-Request-ID", "req-42")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "req-42", w.Header().Get("X-Request-ID"))
	assert.Contains(t, w.Body.String(), "mobilepay_webhook_deliveries_total")
}

func TestCORSPreflight(t *testing.T) {
	r, _ := setupRouter(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/transfers", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestAccountSummary(t *testing.T) {
	r, _ := setupRouter(t)

	_, env := doJSON(t, r, http.MethodPost, "/api/v1/transactions/collection",
		`{"principalId":8,"phone":"0712345678","amount":"250"}`)
	ext := decodeData(t, env)["externalReference"].(string)
	doJSON(t, r, http.MethodPost, "/api/v1/webhooks/payment", `{"externalReference":"`+ext+`","status":"success"}`)
	doJSON(t, r, http.MethodPost, "/api/v1/accounts/8/topup", `{"amount":"0.5"}`)

	w, env := doJSON(t, r, http.MethodGet, "/api/v1/accounts/8/summary", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	data := decodeData(t, env)
	assert.Equal(t, "226.5", data["balance"])
	assert.EqualValues(t, 2, data["totalTransactions"])
	assert.EqualValues(t, 2, data["completedTransactions"])
	assert.Equal(t, "250.5", data["completedVolume"])
	assert.Len(t, data["recentTransactions"], 2)

	w, _ = doJSON(t, r, http.MethodGet, "/api/v1/accounts/abc/summary", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookLogs(t *testing.T) {
	r, _ := setupRouter(t)

	doJSON(t, r, http.MethodPost, "/api/v1/webhooks/payment", `{"externalReference":"EXT-A","status":"success"}`)
	doJSON(t, r, http.MethodPost, "/api/v1/webhooks/payment", `not json`)

	w, env := doJSON(t, r, http.MethodGet, "/api/v1/webhooks/logs?limit=10", "")
	require.Equal(t, http.StatusOK, w.Code)
	data := decodeData(t, env)
	assert.EqualValues(t, 2, data["total"])
	list := data["list"].([]interface{})
	assert.Equal(t, "not json", list[0].(map[string]interface{})["payload"])
}

// 网关在收到响应前断开连接，对账仍然完成
func TestWebhookSurvivesClientDisconnect(t *testing.T) {
	r, _ := setupRouter(t)

	_, env := doJSON(t, r, http.MethodPost, "/api/v1/transactions/collection",
		`{"principalId":9,"phone":"0712345678","amount":"250"}`)
	data := decodeData(t, env)
	ref := data["reference"].(string)
	ext := data["externalReference"].(string)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payment",
		strings.NewReader(`{"externalReference":"`+ext+`","status":"success"}`)).WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusAccepted, w.Code)

	_, env = doJSON(t, r, http.MethodGet, "/api/v1/transactions/"+ref, "")
	assert.Equal(t, "COMPLETED", decodeData(t, env)["status"])
	_, env = doJSON(t, r, http.MethodGet, "/api/v1/accounts/9/balance", "")
	assert.Equal(t, "226", decodeData(t, env)["balance"])
}
