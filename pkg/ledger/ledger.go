package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loandesk/pkg/metrics"
	"github.com/mcclellann/loandesk/pkg/models"
	"github.com/mcclellann/loandesk/pkg/store"
	"github.com/shopspring/decimal"
)

// Ledger handles the business logic for loans and transactions.
type Ledger struct {
	storage store.Storage
	ids     *idGenerator
	now     func() time.Time
}

// NewLedger creates a new Ledger with a given Storage implementation.
func NewLedger(s store.Storage) *Ledger {
	return &Ledger{
		storage: s,
		ids:     newIDGenerator(rand.NewSource(time.Now().UnixNano())),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// LoanApplication is what a borrower submits when applying for a loan.
type LoanApplication struct {
	Amount       decimal.Decimal `json:"amount"`
	InterestRate decimal.Decimal `json:"interestRate"`
	TenureMonths int             `json:"tenure"`
	Purpose      string          `json:"purpose"`
}

// loanSources maps each reachable status to the one status it may be entered from.
var loanSources = map[models.LoanStatus]models.LoanStatus{
	models.LoanStatusApproved:  models.LoanStatusPending,
	models.LoanStatusRejected:  models.LoanStatusPending,
	models.LoanStatusActive:    models.LoanStatusApproved,
	models.LoanStatusCompleted: models.LoanStatusActive,
}

// loanStage orders statuses along the lifecycle. approved and rejected share a stage.
var loanStage = map[models.LoanStatus]int{
	models.LoanStatusPending:   0,
	models.LoanStatusApproved:  1,
	models.LoanStatusRejected:  1,
	models.LoanStatusActive:    2,
	models.LoanStatusCompleted: 3,
}

// checkTransition reports whether loan may move to status `to`. Repeating a step the loan
// has already taken is a conflict; any other move off the graph is a validation error.
func checkTransition(loan *models.Loan, to models.LoanStatus) error {
	from, ok := loanSources[to]
	if !ok {
		return fmt.Errorf("%w: a loan cannot be moved to %q", models.ErrValidation, to)
	}
	if loan.Status == from {
		return nil
	}
	if loan.Status == to ||
		(loan.Status != models.LoanStatusRejected && to != models.LoanStatusRejected && loanStage[loan.Status] >= loanStage[to]) {
		return fmt.Errorf("%w: loan %s is already %s", models.ErrConflict, loan.AccountNumber, loan.Status)
	}
	return fmt.Errorf("%w: loan %s cannot move from %s to %s", models.ErrValidation, loan.AccountNumber, loan.Status, to)
}

func requireAdmin(actor models.Principal) error {
	if !actor.IsAdmin() {
		return fmt.Errorf("%w: admin role required", models.ErrUnauthorized)
	}
	return nil
}

// ApplyForLoan creates a pending loan for the acting user. The EMI is computed here and
// stored; it is never recomputed afterwards.
func (l *Ledger) ApplyForLoan(ctx context.Context, actor models.Principal, app LoanApplication) (*models.Loan, error) {
	if actor.UserID == "" {
		return nil, fmt.Errorf("%w: missing user", models.ErrUnauthorized)
	}
	emi, err := CalculateEMI(app.Amount, app.InterestRate, app.TenureMonths)
	if err != nil {
		return nil, err
	}

	now := l.now()
	loan := &models.Loan{
		ID:           uuid.New(),
		UserID:       actor.UserID,
		Amount:       app.Amount,
		InterestRate: app.InterestRate,
		TenureMonths: app.TenureMonths,
		EMI:          emi,
		Status:       models.LoanStatusPending,
		Purpose:      strings.TrimSpace(app.Purpose),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	for attempt := 1; ; attempt++ {
		loan.AccountNumber = l.ids.accountNumber(now)
		err = l.storage.CreateLoan(ctx, loan)
		if err == nil {
			break
		}
		if !errors.Is(err, models.ErrDuplicateKey) || attempt == maxIDAttempts {
			return nil, fmt.Errorf("failed to store loan: %w", err)
		}
	}

	metrics.LoanApplications.Inc()
	return loan, nil
}

// GetLoan returns a loan visible to actor. Other users' loans read as not found.
func (l *Ledger) GetLoan(ctx context.Context, actor models.Principal, id uuid.UUID) (*models.Loan, error) {
	loan, err := l.storage.GetLoan(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && loan.UserID != actor.UserID {
		return nil, fmt.Errorf("%w: loan %s", models.ErrNotFound, id)
	}
	return loan, nil
}

// ListLoans returns the loans matching filter. Non-admin callers only see their own.
func (l *Ledger) ListLoans(ctx context.Context, actor models.Principal, filter models.LoanFilter) ([]*models.Loan, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown loan status %q", models.ErrValidation, filter.Status)
	}
	if !actor.IsAdmin() {
		filter.UserID = actor.UserID
	}
	return l.storage.ListLoans(ctx, filter)
}

// ApproveLoan moves a pending loan to approved.
func (l *Ledger) ApproveLoan(ctx context.Context, actor models.Principal, id uuid.UUID) (*models.Loan, error) {
	return l.transition(ctx, actor, id, models.LoanStatusApproved)
}

// RejectLoan moves a pending loan to rejected. Rejected loans never move again.
func (l *Ledger) RejectLoan(ctx context.Context, actor models.Principal, id uuid.UUID) (*models.Loan, error) {
	return l.transition(ctx, actor, id, models.LoanStatusRejected)
}

func (l *Ledger) transition(ctx context.Context, actor models.Principal, id uuid.UUID, to models.LoanStatus) (*models.Loan, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	loan, err := l.storage.GetLoan(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(loan, to); err != nil {
		return nil, err
	}
	if err := l.storage.TransitionLoan(ctx, id, loan.Status, to, l.now()); err != nil {
		return nil, err
	}
	metrics.LoanTransitions.WithLabelValues(string(to)).Inc()
	return l.storage.GetLoan(ctx, id)
}

// DisburseLoan activates an approved loan and records exactly one completed
// loan_disbursement transaction for the full principal. Both writes commit together.
func (l *Ledger) DisburseLoan(ctx context.Context, actor models.Principal, id uuid.UUID) (*models.Loan, *models.Transaction, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, nil, err
	}
	loan, err := l.storage.GetLoan(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if err := checkTransition(loan, models.LoanStatusActive); err != nil {
		return nil, nil, err
	}

	now := l.now()
	loanID := loan.ID
	disbursement := &models.Transaction{
		ID:            uuid.New(),
		UserID:        loan.UserID,
		LoanID:        &loanID,
		Amount:        loan.Amount,
		Type:          models.TransactionTypeDisbursement,
		Status:        models.TransactionStatusCompleted,
		PaymentMethod: models.PaymentMethodBankTransfer,
		Description:   fmt.Sprintf("Disbursement of loan %s", loan.AccountNumber),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	for attempt := 1; ; attempt++ {
		disbursement.TransactionID = l.ids.transactionID(now)
		err = l.storage.ActivateLoan(ctx, id, now, disbursement)
		if err == nil {
			break
		}
		if !errors.Is(err, models.ErrDuplicateKey) || attempt == maxIDAttempts {
			return nil, nil, err
		}
	}

	metrics.LoanTransitions.WithLabelValues(string(models.LoanStatusActive)).Inc()
	metrics.TransactionsRecorded.WithLabelValues(string(disbursement.Type), string(disbursement.Status)).Inc()

	loan, err = l.storage.GetLoan(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	disbursement, err = l.storage.GetTransaction(ctx, disbursement.TransactionID)
	if err != nil {
		return nil, nil, err
	}
	return loan, disbursement, nil
}

// completeIfRepaid closes an active loan once its completed EMI payments cover every installment.
func (l *Ledger) completeIfRepaid(ctx context.Context, loanID uuid.UUID) error {
	loan, err := l.storage.GetLoan(ctx, loanID)
	if err != nil {
		return err
	}
	if loan.Status != models.LoanStatusActive {
		return nil
	}

	payments, err := l.storage.ListTransactions(ctx, models.TransactionFilter{
		LoanID: &loanID,
		Status: models.TransactionStatusCompleted,
		Type:   models.TransactionTypeEMIPayment,
	})
	if err != nil {
		return err
	}
	paid := decimal.Zero
	for _, p := range payments {
		paid = paid.Add(p.Amount)
	}
	if paid.LessThan(loan.TotalRepayable()) {
		return nil
	}

	err = l.storage.TransitionLoan(ctx, loanID, models.LoanStatusActive, models.LoanStatusCompleted, l.now())
	if errors.Is(err, models.ErrConflict) {
		// Another settlement closed it first.
		return nil
	}
	if err != nil {
		return err
	}
	metrics.LoanTransitions.WithLabelValues(string(models.LoanStatusCompleted)).Inc()
	return nil
}
