package payment

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mcclellann/loandesk/pkg/metrics"
	"github.com/mcclellann/loandesk/pkg/models"
	"github.com/shopspring/decimal"
)

const (
	CashfreeSandboxURL    = "https://sandbox.cashfree.com/pg"
	CashfreeProductionURL = "https://api.cashfree.com/pg"
	cashfreeAPIVersion    = "2023-08-01"
)

// CashfreeConfig configures a CashfreeClient.
type CashfreeConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	APIVersion   string
	ReturnURL    string
	NotifyURL    string
	MaxRetries   int
	RetryBackoff time.Duration
	HTTPClient   *http.Client
}

// CashfreeClient talks to the Cashfree Payment Gateway orders API.
type CashfreeClient struct {
	cfg  CashfreeConfig
	http *http.Client
}

// NewCashfreeClient returns a client for cfg, defaulting to the sandbox endpoint.
func NewCashfreeClient(cfg CashfreeConfig) *CashfreeClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = CashfreeSandboxURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.APIVersion == "" {
		cfg.APIVersion = cashfreeAPIVersion
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &CashfreeClient{cfg: cfg, http: client}
}

type cashfreeCustomer struct {
	CustomerID    string `json:"customer_id"`
	CustomerEmail string `json:"customer_email,omitempty"`
	CustomerPhone string `json:"customer_phone"`
}

type cashfreeOrderMeta struct {
	ReturnURL string `json:"return_url,omitempty"`
	NotifyURL string `json:"notify_url,omitempty"`
}

type cashfreeCreateOrder struct {
	OrderID         string             `json:"order_id"`
	OrderAmount     json.Number        `json:"order_amount"`
	OrderCurrency   string             `json:"order_currency"`
	CustomerDetails cashfreeCustomer   `json:"customer_details"`
	OrderMeta       *cashfreeOrderMeta `json:"order_meta,omitempty"`
	OrderNote       string             `json:"order_note,omitempty"`
}

type cashfreeOrder struct {
	CfOrderID        json.Number     `json:"cf_order_id"`
	OrderID          string          `json:"order_id"`
	OrderAmount      decimal.Decimal `json:"order_amount"`
	OrderStatus      string          `json:"order_status"`
	PaymentSessionID string          `json:"payment_session_id"`
}

type cashfreePayment struct {
	CfPaymentID    json.Number     `json:"cf_payment_id"`
	OrderID        string          `json:"order_id"`
	PaymentAmount  decimal.Decimal `json:"payment_amount"`
	PaymentStatus  string          `json:"payment_status"`
	PaymentMessage string          `json:"payment_message"`
	BankReference  string          `json:"bank_reference"`
}

type cashfreeError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Type    string `json:"type"`
}

// CreateOrder opens an order whose id is our transaction id.
func (c *CashfreeClient) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	body := cashfreeCreateOrder{
		OrderID:       req.OrderID,
		OrderAmount:   json.Number(req.Amount.StringFixed(2)),
		OrderCurrency: req.Currency,
		CustomerDetails: cashfreeCustomer{
			CustomerID:    req.Customer.ID,
			CustomerEmail: req.Customer.Email,
			CustomerPhone: req.Customer.Phone,
		},
		OrderNote: req.Note,
	}
	if c.cfg.ReturnURL != "" || c.cfg.NotifyURL != "" {
		body.OrderMeta = &cashfreeOrderMeta{ReturnURL: c.cfg.ReturnURL, NotifyURL: c.cfg.NotifyURL}
	}

	var out cashfreeOrder
	if err := c.do(ctx, "create_order", http.MethodPost, "/orders", body, &out); err != nil {
		return nil, err
	}
	return &Order{
		OrderID:          out.OrderID,
		GatewayOrderID:   out.CfOrderID.String(),
		PaymentSessionID: out.PaymentSessionID,
	}, nil
}

// FetchOrderStatus derives the order outcome from its payment attempts, falling back to
// the order status when nothing has been attempted.
func (c *CashfreeClient) FetchOrderStatus(ctx context.Context, orderID string) (*OrderStatus, error) {
	path := "/orders/" + url.PathEscape(orderID)

	var payments []cashfreePayment
	if err := c.do(ctx, "fetch_payments", http.MethodGet, path+"/payments", nil, &payments); err != nil {
		return nil, err
	}
	if len(payments) > 0 {
		return paymentsOutcome(orderID, payments), nil
	}

	var order cashfreeOrder
	if err := c.do(ctx, "fetch_order", http.MethodGet, path, nil, &order); err != nil {
		return nil, err
	}
	status := models.TransactionStatusPending
	switch order.OrderStatus {
	case "PAID":
		status = models.TransactionStatusCompleted
	case "EXPIRED", "TERMINATED":
		status = models.TransactionStatusFailed
	}
	return &OrderStatus{
		OrderID:  orderID,
		Status:   status,
		Amount:   order.OrderAmount,
		Response: models.GatewayResponse{TransactionID: order.CfOrderID.String(), ResponseCode: order.OrderStatus},
	}, nil
}

// paymentsOutcome: any success wins, then any attempt still in flight, otherwise failed.
func paymentsOutcome(orderID string, payments []cashfreePayment) *OrderStatus {
	var pending, last *cashfreePayment
	for i := range payments {
		p := &payments[i]
		switch mapPaymentStatus(p.PaymentStatus) {
		case models.TransactionStatusCompleted:
			return &OrderStatus{OrderID: orderID, Status: models.TransactionStatusCompleted, Amount: p.PaymentAmount, Response: p.response()}
		case models.TransactionStatusPending:
			pending = p
		}
		last = p
	}
	if pending != nil {
		return &OrderStatus{OrderID: orderID, Status: models.TransactionStatusPending, Amount: pending.PaymentAmount, Response: pending.response()}
	}
	return &OrderStatus{OrderID: orderID, Status: models.TransactionStatusFailed, Amount: last.PaymentAmount, Response: last.response()}
}

func mapPaymentStatus(status string) models.TransactionStatus {
	switch strings.ToUpper(status) {
	case "SUCCESS":
		return models.TransactionStatusCompleted
	case "FAILED", "USER_DROPPED", "CANCELLED", "VOID":
		return models.TransactionStatusFailed
	default:
		// PENDING, NOT_ATTEMPTED, FLAGGED
		return models.TransactionStatusPending
	}
}

func (p *cashfreePayment) response() models.GatewayResponse {
	return models.GatewayResponse{
		TransactionID:   p.CfPaymentID.String(),
		ResponseCode:    p.PaymentStatus,
		ResponseMessage: p.PaymentMessage,
		BankReference:   p.BankReference,
	}
}

type cashfreeWebhook struct {
	Type string `json:"type"`
	Data struct {
		Order struct {
			OrderID     string          `json:"order_id"`
			OrderAmount decimal.Decimal `json:"order_amount"`
		} `json:"order"`
		Payment cashfreePayment `json:"payment"`
	} `json:"data"`
}

// ParseWebhook verifies x-webhook-signature, which is
// base64(HMAC-SHA256(x-webhook-timestamp + raw body, client secret)).
func (c *CashfreeClient) ParseWebhook(body []byte, header http.Header) (*OrderStatus, error) {
	signature := header.Get("x-webhook-signature")
	timestamp := header.Get("x-webhook-timestamp")
	if signature == "" || timestamp == "" {
		return nil, fmt.Errorf("%w: missing webhook signature", models.ErrUnauthorized)
	}
	expected := SignWebhook(c.cfg.ClientSecret, timestamp, body)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return nil, fmt.Errorf("%w: webhook signature mismatch", models.ErrUnauthorized)
	}

	var event cashfreeWebhook
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("%w: invalid webhook payload: %v", models.ErrValidation, err)
	}
	if event.Data.Order.OrderID == "" {
		return nil, fmt.Errorf("%w: webhook without order id", models.ErrValidation)
	}

	status := models.TransactionStatusPending
	switch event.Type {
	case "PAYMENT_SUCCESS_WEBHOOK":
		status = models.TransactionStatusCompleted
	case "PAYMENT_FAILED_WEBHOOK", "PAYMENT_USER_DROPPED_WEBHOOK":
		status = models.TransactionStatusFailed
	}
	return &OrderStatus{
		OrderID:  event.Data.Order.OrderID,
		Status:   status,
		Amount:   event.Data.Order.OrderAmount,
		Response: event.Data.Payment.response(),
	}, nil
}

// SignWebhook computes the Cashfree webhook signature for a payload.
func SignWebhook(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// errTransient marks failures worth another attempt.
var errTransient = errors.New("transient gateway failure")

func (c *CashfreeClient) do(ctx context.Context, op, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", op, err)
		}
	}

	var lastErr error
	backoff := c.cfg.RetryBackoff
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: cashfree %s: %v (last error: %v)", models.ErrExternalService, op, ctx.Err(), lastErr)
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		start := time.Now()
		lastErr = c.attempt(ctx, method, path, payload, out)
		result := "ok"
		if lastErr != nil {
			result = "error"
		}
		metrics.GatewayRequestDuration.WithLabelValues(op, result).Observe(time.Since(start).Seconds())

		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, errTransient) {
			break
		}
	}
	return fmt.Errorf("%w: cashfree %s: %w", models.ErrExternalService, op, lastErr)
}

func (c *CashfreeClient) attempt(ctx context.Context, method, path string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("x-client-id", c.cfg.ClientID)
	req.Header.Set("x-client-secret", c.cfg.ClientSecret)
	req.Header.Set("x-api-version", c.cfg.APIVersion)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return fmt.Errorf("%w: %v", errTransient, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", errTransient, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return fmt.Errorf("%w: HTTP %d: %s", errTransient, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if resp.StatusCode >= 400 {
		rejected := ErrGatewayRejected
		if resp.StatusCode == http.StatusNotFound {
			rejected = fmt.Errorf("%w: %w", ErrGatewayRejected, ErrOrderNotFound)
		}
		var apiErr cashfreeError
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("%w: HTTP %d %s: %s", rejected, resp.StatusCode, apiErr.Code, apiErr.Message)
		}
		return fmt.Errorf("%w: HTTP %d: %s", rejected, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
