package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"mobilepay/internal/config"
	"mobilepay/internal/metrics"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/valyala/fasthttp"
)

const defaultDescription = "Payment via Bera Pay"

// PayHeroClient PayHero 网关 HTTP 客户端
type PayHeroClient struct {
	client    *fasthttp.Client
	baseURL   string
	authToken string
	channelID string
	provider  string
	timeout   time.Duration
	metrics   *metrics.Metrics
}

var _ Client = (*PayHeroClient)(nil)

func NewPayHeroClient(cfg *config.GatewayConfig, m *metrics.Metrics) *PayHeroClient {
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &PayHeroClient{
		client: &fasthttp.Client{
			Name:                "mobilepay",
			MaxConnsPerHost:     64,
			ReadTimeout:         timeout,
			WriteTimeout:        timeout,
			MaxIdleConnDuration: time.Minute,
		},
		baseURL:   cfg.BaseURL,
		authToken: cfg.AuthToken,
		channelID: cfg.ChannelID,
		provider:  cfg.Provider,
		timeout:   timeout,
		metrics:   m,
	}
}

type payHeroRequest struct {
	PhoneNumber string      `json:"phone_number"`
	Amount      json.Number `json:"amount"`
	Reference   string      `json:"reference"`
	Description string      `json:"description"`
	Provider    string      `json:"provider"`
}

type payHeroResponse struct {
	Success           bool   `json:"success"`
	Status            string `json:"status"`
	Reference         string `json:"reference"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
	Message           string `json:"message"`
	ErrorMessage      string `json:"error_message"`
}

func (r *payHeroResponse) externalReference() string {
	if r.Reference != "" {
		return r.Reference
	}
	return r.CheckoutRequestID
}

func (r *payHeroResponse) errorMessage(status int) string {
	switch {
	case r.Message != "":
		return r.Message
	case r.ErrorMessage != "":
		return r.ErrorMessage
	default:
		return fmt.Sprintf("HTTP %d", status)
	}
}

func (c *PayHeroClient) InitiatePush(ctx context.Context, phone string, amount decimal.Decimal, reference string) (*InitiateResult, error) {
	return c.initiate(ctx, OpPush, "/v1/stk/push", phone, amount, reference)
}

func (c *PayHeroClient) InitiatePayout(ctx context.Context, phone string, amount decimal.Decimal, reference string) (*InitiateResult, error) {
	return c.initiate(ctx, OpPayout, "/v1/b2c/payout", phone, amount, reference)
}

func (c *PayHeroClient) initiate(ctx context.Context, op, path, phone string, amount decimal.Decimal, reference string) (res *InitiateResult, err error) {
	started := time.Now()
	defer func() { c.metrics.GatewayRequest(op, started, err) }()

	body, err := json.Marshal(payHeroRequest{
		PhoneNumber: phone,
		Amount:      json.Number(amount.String()),
		Reference:   reference,
		Description: defaultDescription,
		Provider:    c.provider,
	})
	if err != nil {
		return nil, err
	}

	status, raw, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, &Error{Op: op, Message: err.Error(), cause: err}
	}

	var parsed payHeroResponse
	_ = json.Unmarshal(raw, &parsed)

	if status < 200 || status >= 300 {
		return nil, NewError(op, parsed.errorMessage(status))
	}
	ext := parsed.externalReference()
	if ext == "" {
		return nil, NewError(op, "网关未返回交易流水号")
	}

	return &InitiateResult{
		ExternalReference: ext,
		Status:            parsed.Status,
		Raw:               string(raw),
	}, nil
}

func (c *PayHeroClient) QueryStatus(ctx context.Context, reference string) (res *StatusResult, err error) {
	started := time.Now()
	defer func() { c.metrics.GatewayRequest(OpQuery, started, err) }()

	status, raw, err := c.do(ctx, http.MethodGet, "/v1/transaction-status?reference="+url.QueryEscape(reference), nil)
	if err != nil {
		return nil, &Error{Op: OpQuery, Message: err.Error(), cause: err}
	}

	var parsed payHeroResponse
	if jsonErr := json.Unmarshal(raw, &parsed); jsonErr != nil && status >= 200 && status < 300 {
		return nil, &Error{Op: OpQuery, Message: "响应解析失败", cause: jsonErr}
	}
	if status < 200 || status >= 300 {
		return nil, NewError(OpQuery, parsed.errorMessage(status))
	}

	return &StatusResult{
		ExternalReference: parsed.externalReference(),
		Status:            parsed.Status,
		Raw:               string(raw),
	}, nil
}

func (c *PayHeroClient) Health(ctx context.Context) (err error) {
	started := time.Now()
	defer func() { c.metrics.GatewayRequest(OpHealth, started, err) }()

	status, _, err := c.do(ctx, http.MethodGet, "/v1/health", nil)
	if err != nil {
		return &Error{Op: OpHealth, Message: err.Error(), cause: err}
	}
	if status < 200 || status >= 300 {
		return NewError(OpHealth, fmt.Sprintf("HTTP %d", status))
	}
	return nil
}

// do 发送请求；截止时间取 ctx 截止时间与客户端超时中较早者
func (c *PayHeroClient) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + path)
	req.Header.SetMethod(method)
	req.Header.Set("Authorization", c.authToken)
	req.Header.Set("Channel-ID", c.channelID)
	if body != nil {
		req.Header.SetContentType("application/json")
		req.SetBody(body)
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := c.client.DoDeadline(req, resp, deadline); err != nil {
		return 0, nil, errors.Wrapf(err, "payhero %s %s", method, path)
	}

	raw := make([]byte, len(resp.Body()))
	copy(raw, resp.Body())
	return resp.StatusCode(), raw, nil
}
