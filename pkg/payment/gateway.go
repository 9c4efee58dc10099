// Package payment collects EMI payments through an external gateway and reconciles the
// gateway's outcome back onto pending ledger entries.
package payment

import (
	"context"
	"errors"
	"net/http"

	"github.com/mcclellann/loandesk/pkg/models"
	"github.com/shopspring/decimal"
)

// Customer is the contact information a gateway needs to open an order.
type Customer struct {
	ID    string
	Email string
	Phone string
}

var (
	// ErrGatewayRejected marks a definitive refusal: the gateway answered and did not act on
	// the request. Any other failure leaves open whether an order was created.
	ErrGatewayRejected = errors.New("rejected by gateway")
	// ErrOrderNotFound is returned when the gateway has no order with the requested id.
	ErrOrderNotFound = errors.New("order not found at gateway")
)

// OrderRequest opens a gateway order for one ledger transaction.
type OrderRequest struct {
	OrderID  string
	Amount   decimal.Decimal
	Currency string
	Customer Customer
	Note     string
}

// Order is the gateway's handle on an opened order.
type Order struct {
	OrderID          string `json:"orderId"`
	GatewayOrderID   string `json:"gatewayOrderId,omitempty"`
	PaymentSessionID string `json:"paymentSessionId"`
}

// OrderStatus is a gateway outcome mapped onto ledger statuses. Amount is zero when the
// gateway did not report one.
type OrderStatus struct {
	OrderID  string
	Status   models.TransactionStatus
	Amount   decimal.Decimal
	Response models.GatewayResponse
}

// Gateway is the external payment provider.
type Gateway interface {
	CreateOrder(ctx context.Context, req OrderRequest) (*Order, error)
	FetchOrderStatus(ctx context.Context, orderID string) (*OrderStatus, error)
	// ParseWebhook verifies the notification signature and decodes its status.
	ParseWebhook(body []byte, header http.Header) (*OrderStatus, error)
}
