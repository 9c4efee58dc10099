package payment

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loandesk/pkg/ledger"
	"github.com/mcclellann/loandesk/pkg/metrics"
	"github.com/mcclellann/loandesk/pkg/models"
	"github.com/shopspring/decimal"
)

// Service initiates EMI payments and reconciles their outcome.
type Service struct {
	ledger         *ledger.Ledger
	gateway        Gateway
	currency       string
	gatewayTimeout time.Duration
	now            func() time.Time
}

// Gateway response codes stored on transactions whose order could not be opened.
const (
	codeOrderCreateFailed      = "ORDER_CREATE_FAILED"
	codeOrderCreateUnconfirmed = "ORDER_CREATE_UNCONFIRMED"
	codeOrderNotFound          = "ORDER_NOT_FOUND"
)

// Options tunes a Service.
type Options struct {
	Currency       string
	GatewayTimeout time.Duration
}

// NewService returns a Service settling payments for l through g.
func NewService(l *ledger.Ledger, g Gateway, opts Options) *Service {
	if opts.Currency == "" {
		opts.Currency = "INR"
	}
	if opts.GatewayTimeout <= 0 {
		opts.GatewayTimeout = 15 * time.Second
	}
	return &Service{
		ledger:         l,
		gateway:        g,
		currency:       opts.Currency,
		gatewayTimeout: opts.GatewayTimeout,
		now:            time.Now,
	}
}

// PaymentRequest asks to pay one installment of a loan. Amount may be left zero to pay the EMI.
type PaymentRequest struct {
	LoanID        uuid.UUID            `json:"loan"`
	Amount        decimal.Decimal      `json:"amount"`
	PaymentMethod models.PaymentMethod `json:"paymentMethod"`
}

// Initiated is a pending EMI payment plus what the client needs to complete it at the gateway.
type Initiated struct {
	Transaction *models.Transaction `json:"transaction"`
	Order       *Order              `json:"order"`
}

// InitiatePayment records a pending emi_payment for the actor's active loan and opens a
// gateway order for it.
func (s *Service) InitiatePayment(ctx context.Context, actor models.Principal, req PaymentRequest) (*Initiated, error) {
	loan, err := s.ledger.GetLoan(ctx, actor, req.LoanID)
	if err != nil {
		return nil, err
	}
	// Admins can read any loan but only the borrower pays it.
	if loan.UserID != actor.UserID {
		return nil, fmt.Errorf("%w: loan %s", models.ErrNotFound, req.LoanID)
	}
	if loan.Status != models.LoanStatusActive {
		return nil, fmt.Errorf("%w: loan %s is %s, payments require an active loan", models.ErrValidation, loan.AccountNumber, loan.Status)
	}
	amount := req.Amount
	if amount.IsZero() {
		amount = loan.EMI
	}
	if !amount.Equal(loan.EMI) {
		return nil, fmt.Errorf("%w: payment amount %s must equal the EMI %s", models.ErrValidation, amount.StringFixed(2), loan.EMI.StringFixed(2))
	}
	if req.PaymentMethod == "" {
		req.PaymentMethod = models.PaymentMethodUPI
	}

	loanID := loan.ID
	txn, err := s.ledger.RecordTransaction(ctx, ledger.NewTransaction{
		UserID:        actor.UserID,
		LoanID:        &loanID,
		Amount:        amount,
		Type:          models.TransactionTypeEMIPayment,
		PaymentMethod: req.PaymentMethod,
		Status:        models.TransactionStatusPending,
		Description:   fmt.Sprintf("EMI payment for loan %s", loan.AccountNumber),
	})
	if err != nil {
		return nil, err
	}

	gctx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	defer cancel()
	order, err := s.gateway.CreateOrder(gctx, OrderRequest{
		OrderID:  txn.TransactionID,
		Amount:   amount,
		Currency: s.currency,
		Customer: Customer{ID: actor.UserID, Email: actor.Email, Phone: actor.Phone},
		Note:     txn.Description,
	})
	if err != nil {
		s.recordCreateFailure(ctx, txn.TransactionID, err)
		if !errors.Is(err, models.ErrExternalService) {
			err = fmt.Errorf("%w: %w", models.ErrExternalService, err)
		}
		return nil, err
	}

	return &Initiated{Transaction: txn, Order: order}, nil
}

// recordCreateFailure settles the transaction failed when the gateway refused the order.
// Otherwise the order may exist, so the transaction stays pending for a webhook or the sweep.
func (s *Service) recordCreateFailure(ctx context.Context, transactionID string, cause error) {
	if errors.Is(cause, ErrGatewayRejected) {
		if _, _, err := s.ledger.SettleTransaction(ctx, transactionID, models.TransactionStatusFailed, &models.GatewayResponse{
			ResponseCode:    codeOrderCreateFailed,
			ResponseMessage: cause.Error(),
		}); err != nil {
			log.Printf("Error marking transaction %s failed: %v", transactionID, err)
		}
		return
	}
	log.Printf("Order for transaction %s unconfirmed, leaving it pending: %v", transactionID, cause)
	if _, err := s.ledger.NoteGatewayResponse(ctx, transactionID, &models.GatewayResponse{
		ResponseCode:    codeOrderCreateUnconfirmed,
		ResponseMessage: cause.Error(),
	}); err != nil {
		log.Printf("Error annotating transaction %s: %v", transactionID, err)
	}
}

// Reconcile asks the gateway for the outcome of orderID and applies it. Terminal
// transactions are returned unchanged.
func (s *Service) Reconcile(ctx context.Context, actor models.Principal, orderID string) (*models.Transaction, error) {
	txn, err := s.ledger.GetTransaction(ctx, actor, orderID)
	if err != nil {
		return nil, err
	}
	return s.reconcile(ctx, txn, "poll")
}

func (s *Service) reconcile(ctx context.Context, txn *models.Transaction, source string) (*models.Transaction, error) {
	if txn.Status.Terminal() {
		metrics.Reconciliations.WithLabelValues(source, "noop").Inc()
		return txn, nil
	}

	gctx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	defer cancel()
	status, err := s.gateway.FetchOrderStatus(gctx, txn.TransactionID)
	if errors.Is(err, ErrOrderNotFound) && unconfirmed(txn) {
		// The create call that timed out never reached the gateway.
		return s.apply(ctx, &OrderStatus{
			OrderID:  txn.TransactionID,
			Status:   models.TransactionStatusFailed,
			Response: models.GatewayResponse{ResponseCode: codeOrderNotFound, ResponseMessage: err.Error()},
		}, source)
	}
	if err != nil {
		metrics.Reconciliations.WithLabelValues(source, "error").Inc()
		if !errors.Is(err, models.ErrExternalService) {
			err = fmt.Errorf("%w: %w", models.ErrExternalService, err)
		}
		return nil, err
	}
	return s.apply(ctx, status, source)
}

func unconfirmed(txn *models.Transaction) bool {
	return txn.GatewayResponse != nil && txn.GatewayResponse.ResponseCode == codeOrderCreateUnconfirmed
}

// checkOrder rejects gateway outcomes that do not describe txn.
func checkOrder(txn *models.Transaction, status *OrderStatus) error {
	if txn.Type != models.TransactionTypeEMIPayment {
		return fmt.Errorf("%w: transaction %s is a %s, not a gateway payment", models.ErrValidation, txn.TransactionID, txn.Type)
	}
	if !status.Amount.IsZero() && !status.Amount.Equal(txn.Amount) {
		return fmt.Errorf("%w: gateway amount %s for order %s does not match %s",
			models.ErrValidation, status.Amount.StringFixed(2), txn.TransactionID, txn.Amount.StringFixed(2))
	}
	return nil
}

// apply is the single settlement path shared by polling and webhooks.
func (s *Service) apply(ctx context.Context, status *OrderStatus, source string) (*models.Transaction, error) {
	current, err := s.ledger.LookupTransaction(ctx, status.OrderID)
	if err != nil {
		metrics.Reconciliations.WithLabelValues(source, "error").Inc()
		return nil, err
	}
	if err := checkOrder(current, status); err != nil {
		metrics.Reconciliations.WithLabelValues(source, "mismatch").Inc()
		log.Printf("Ignoring %s result for %s: %v", source, status.OrderID, err)
		return nil, err
	}
	if !status.Status.Terminal() {
		metrics.Reconciliations.WithLabelValues(source, "pending").Inc()
		return current, nil
	}
	resp := status.Response
	txn, applied, err := s.ledger.SettleTransaction(ctx, status.OrderID, status.Status, &resp)
	if err != nil {
		metrics.Reconciliations.WithLabelValues(source, "error").Inc()
		return nil, err
	}
	outcome := "noop"
	if applied {
		outcome = string(status.Status)
	}
	metrics.Reconciliations.WithLabelValues(source, outcome).Inc()
	return txn, nil
}

// HandleWebhook applies a gateway notification.
func (s *Service) HandleWebhook(ctx context.Context, body []byte, header http.Header) (*models.Transaction, error) {
	status, err := s.gateway.ParseWebhook(body, header)
	if err != nil {
		metrics.Reconciliations.WithLabelValues("webhook", "rejected").Inc()
		return nil, err
	}
	return s.apply(ctx, status, "webhook")
}

// ReconcilePending reconciles every pending EMI payment created before now-olderThan.
// Failures are logged and left for the next sweep. It returns how many were settled.
func (s *Service) ReconcilePending(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.now().Add(-olderThan)
	pending, err := s.ledger.PendingPayments(ctx, models.TransactionFilter{CreatedBefore: &cutoff})
	if err != nil {
		return 0, fmt.Errorf("failed to list pending payments: %w", err)
	}

	settled := 0
	for _, txn := range pending {
		if ctx.Err() != nil {
			return settled, ctx.Err()
		}
		out, err := s.reconcile(ctx, txn, "sweep")
		if err != nil {
			log.Printf("Error reconciling transaction %s: %v", txn.TransactionID, err)
			continue
		}
		if out.Status.Terminal() {
			settled++
			log.Printf("Reconciled transaction %s as %s", out.TransactionID, out.Status)
		}
	}
	return settled, nil
}
