package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loandesk/pkg/models"
)

// Storage defines the interface for database operations related to loans and transactions.
//
// Implementations report missing rows as models.ErrNotFound, unique violations as
// models.ErrDuplicateKey and failed conditional updates as models.ErrConflict.
type Storage interface {
	CreateLoan(ctx context.Context, loan *models.Loan) error
	GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error)
	ListLoans(ctx context.Context, filter models.LoanFilter) ([]*models.Loan, error)

	// TransitionLoan moves a loan from one status to another only if it is currently in `from`.
	// Moving to completed also stamps completed_at.
	TransitionLoan(ctx context.Context, id uuid.UUID, from, to models.LoanStatus, at time.Time) error

	// ActivateLoan moves an approved loan to active, stamps disbursed_at and inserts the
	// disbursement transaction, all in one database transaction.
	ActivateLoan(ctx context.Context, id uuid.UUID, at time.Time, disbursement *models.Transaction) error

	CreateTransaction(ctx context.Context, transaction *models.Transaction) error
	GetTransaction(ctx context.Context, transactionID string) (*models.Transaction, error)
	ListTransactions(ctx context.Context, filter models.TransactionFilter) ([]*models.Transaction, error)

	// SettleTransaction moves a pending transaction to status and stores resp. It reports
	// false without error when the transaction was no longer pending. Passing pending only
	// records resp.
	SettleTransaction(ctx context.Context, transactionID string, status models.TransactionStatus, resp *models.GatewayResponse, at time.Time) (bool, error)

	Close() error
}
