package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/mcclellann/loandesk/pkg/metrics"
	"github.com/mcclellann/loandesk/pkg/models"
	"github.com/shopspring/decimal"
)

// NewTransaction describes a ledger entry to record.
type NewTransaction struct {
	UserID        string                   `json:"user"`
	LoanID        *uuid.UUID               `json:"loan,omitempty"`
	Amount        decimal.Decimal          `json:"amount"`
	Type          models.TransactionType   `json:"type"`
	PaymentMethod models.PaymentMethod     `json:"paymentMethod"`
	Status        models.TransactionStatus `json:"status"`
	Description   string                   `json:"description"`
}

func (n NewTransaction) validate() error {
	var problems []string
	if n.UserID == "" {
		problems = append(problems, "user is required")
	}
	if !n.Amount.IsPositive() {
		problems = append(problems, fmt.Sprintf("amount must be positive, got %s", n.Amount))
	}
	if !n.Type.Valid() {
		problems = append(problems, fmt.Sprintf("unknown type %q", n.Type))
	}
	if !n.PaymentMethod.Valid() {
		problems = append(problems, fmt.Sprintf("unknown payment method %q", n.PaymentMethod))
	}
	if !n.Status.Valid() {
		problems = append(problems, fmt.Sprintf("unknown status %q", n.Status))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", models.ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}

// RecordTransaction appends an entry to the ledger under a freshly generated transaction id
// and returns it as stored, joined with the loan's account number.
func (l *Ledger) RecordTransaction(ctx context.Context, n NewTransaction) (*models.Transaction, error) {
	if err := n.validate(); err != nil {
		return nil, err
	}
	if n.LoanID != nil {
		loan, err := l.storage.GetLoan(ctx, *n.LoanID)
		if err != nil {
			return nil, err
		}
		if loan.UserID != n.UserID {
			return nil, fmt.Errorf("%w: loan %s does not belong to user %s", models.ErrValidation, loan.AccountNumber, n.UserID)
		}
	}

	now := l.now()
	t := &models.Transaction{
		ID:            uuid.New(),
		UserID:        n.UserID,
		LoanID:        n.LoanID,
		Amount:        n.Amount,
		Type:          n.Type,
		Status:        n.Status,
		PaymentMethod: n.PaymentMethod,
		Description:   strings.TrimSpace(n.Description),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	var err error
	for attempt := 1; ; attempt++ {
		t.TransactionID = l.ids.transactionID(now)
		err = l.storage.CreateTransaction(ctx, t)
		if err == nil {
			break
		}
		if !errors.Is(err, models.ErrDuplicateKey) || attempt == maxIDAttempts {
			return nil, fmt.Errorf("failed to store transaction: %w", err)
		}
	}
	metrics.TransactionsRecorded.WithLabelValues(string(t.Type), string(t.Status)).Inc()

	return l.storage.GetTransaction(ctx, t.TransactionID)
}

// RecordAdjustment lets an admin post a penalty or refund entry.
func (l *Ledger) RecordAdjustment(ctx context.Context, actor models.Principal, n NewTransaction) (*models.Transaction, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	if n.Type != models.TransactionTypePenalty && n.Type != models.TransactionTypeRefund {
		return nil, fmt.Errorf("%w: adjustments must be penalty or refund, got %q", models.ErrValidation, n.Type)
	}
	if n.Status == "" {
		n.Status = models.TransactionStatusCompleted
	}
	return l.RecordTransaction(ctx, n)
}

// GetTransaction returns a transaction visible to actor.
func (l *Ledger) GetTransaction(ctx context.Context, actor models.Principal, transactionID string) (*models.Transaction, error) {
	t, err := l.storage.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && t.UserID != actor.UserID {
		return nil, fmt.Errorf("%w: transaction %s", models.ErrNotFound, transactionID)
	}
	return t, nil
}

// LookupTransaction fetches a transaction without an ownership check. It is meant for
// system callers such as gateway reconciliation.
func (l *Ledger) LookupTransaction(ctx context.Context, transactionID string) (*models.Transaction, error) {
	return l.storage.GetTransaction(ctx, transactionID)
}

func validateFilter(filter models.TransactionFilter) error {
	if filter.Status != "" && !filter.Status.Valid() {
		return fmt.Errorf("%w: unknown transaction status %q", models.ErrValidation, filter.Status)
	}
	if filter.Type != "" && !filter.Type.Valid() {
		return fmt.Errorf("%w: unknown transaction type %q", models.ErrValidation, filter.Type)
	}
	if filter.PaymentMethod != "" && !filter.PaymentMethod.Valid() {
		return fmt.Errorf("%w: unknown payment method %q", models.ErrValidation, filter.PaymentMethod)
	}
	return nil
}

// ListTransactions returns ledger entries matching filter. Non-admin callers only see their own.
func (l *Ledger) ListTransactions(ctx context.Context, actor models.Principal, filter models.TransactionFilter) ([]*models.Transaction, error) {
	if err := validateFilter(filter); err != nil {
		return nil, err
	}
	if !actor.IsAdmin() {
		filter.UserID = actor.UserID
	}
	return l.storage.ListTransactions(ctx, filter)
}

// Bucket is the count and total amount of a group of transactions.
type Bucket struct {
	Count  int             `json:"count"`
	Amount decimal.Decimal `json:"amount"`
}

func (b Bucket) add(amount decimal.Decimal) Bucket {
	return Bucket{Count: b.Count + 1, Amount: b.Amount.Add(amount)}
}

// Summary aggregates a set of transactions along several dimensions. Every transaction
// falls into exactly one bucket of each map.
type Summary struct {
	Total           Bucket            `json:"total"`
	ByStatus        map[string]Bucket `json:"byStatus"`
	ByType          map[string]Bucket `json:"byType"`
	ByPaymentMethod map[string]Bucket `json:"byPaymentMethod"`
	ByMonth         map[string]Bucket `json:"byMonth"` // YYYY-MM, UTC
}

// Summarize groups the transactions matching filter by status, type, payment method and month.
func (l *Ledger) Summarize(ctx context.Context, actor models.Principal, filter models.TransactionFilter) (*Summary, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	if err := validateFilter(filter); err != nil {
		return nil, err
	}
	transactions, err := l.storage.ListTransactions(ctx, filter)
	if err != nil {
		return nil, err
	}
	return summarize(transactions), nil
}

func summarize(transactions []*models.Transaction) *Summary {
	s := &Summary{
		Total:           Bucket{Amount: decimal.Zero},
		ByStatus:        map[string]Bucket{},
		ByType:          map[string]Bucket{},
		ByPaymentMethod: map[string]Bucket{},
		ByMonth:         map[string]Bucket{},
	}
	for _, t := range transactions {
		s.Total = s.Total.add(t.Amount)
		s.ByStatus[string(t.Status)] = s.ByStatus[string(t.Status)].add(t.Amount)
		s.ByType[string(t.Type)] = s.ByType[string(t.Type)].add(t.Amount)
		s.ByPaymentMethod[string(t.PaymentMethod)] = s.ByPaymentMethod[string(t.PaymentMethod)].add(t.Amount)
		month := t.CreatedAt.UTC().Format("2006-01")
		s.ByMonth[month] = s.ByMonth[month].add(t.Amount)
	}
	return s
}

// UpdateTransactionStatus is the admin override for settling a pending transaction by hand.
// Terminal transactions cannot be changed.
func (l *Ledger) UpdateTransactionStatus(ctx context.Context, actor models.Principal, transactionID string, status models.TransactionStatus) (*models.Transaction, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	t, applied, err := l.SettleTransaction(ctx, transactionID, status, nil)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, fmt.Errorf("%w: transaction %s is already %s", models.ErrConflict, transactionID, t.Status)
	}
	return t, nil
}

// SettleTransaction moves a pending transaction to completed or failed. It returns the
// transaction as stored and whether this call changed it; settling an already terminal
// transaction is a no-op.
func (l *Ledger) SettleTransaction(ctx context.Context, transactionID string, status models.TransactionStatus, resp *models.GatewayResponse) (*models.Transaction, bool, error) {
	if !status.Terminal() {
		return nil, false, fmt.Errorf("%w: cannot settle a transaction as %q", models.ErrValidation, status)
	}
	applied, err := l.storage.SettleTransaction(ctx, transactionID, status, resp, l.now())
	if err != nil {
		return nil, false, err
	}
	t, err := l.storage.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, false, err
	}
	if !applied {
		return t, false, nil
	}

	metrics.TransactionsSettled.WithLabelValues(string(status)).Inc()
	if t.Status == models.TransactionStatusCompleted && t.Type == models.TransactionTypeEMIPayment && t.LoanID != nil {
		if err := l.completeIfRepaid(ctx, *t.LoanID); err != nil {
			// The payment itself is settled; the next settlement retries the check.
			log.Printf("Error checking repayment of loan %s after %s: %v", t.LoanID, t.TransactionID, err)
		}
	}
	return t, true, nil
}

// NoteGatewayResponse stores resp on a transaction that is still pending without settling it.
// A terminal transaction is returned unchanged.
func (l *Ledger) NoteGatewayResponse(ctx context.Context, transactionID string, resp *models.GatewayResponse) (*models.Transaction, error) {
	if _, err := l.storage.SettleTransaction(ctx, transactionID, models.TransactionStatusPending, resp, l.now()); err != nil {
		return nil, err
	}
	return l.storage.GetTransaction(ctx, transactionID)
}

// PendingPayments lists EMI payments still waiting on the gateway.
func (l *Ledger) PendingPayments(ctx context.Context, filter models.TransactionFilter) ([]*models.Transaction, error) {
	filter.Status = models.TransactionStatusPending
	filter.Type = models.TransactionTypeEMIPayment
	return l.storage.ListTransactions(ctx, filter)
}
