package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mcclellann/loandesk/pkg/models"
)

// PostgresStore implements Storage on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to PostgreSQL and initializes the schema.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("could not create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	log.Println("Database connection established and schema initialized.")
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS loans (
			id TEXT PRIMARY KEY,
			account_number TEXT NOT NULL UNIQUE,
			user_id TEXT NOT NULL,
			amount NUMERIC(20, 2) NOT NULL,
			interest_rate NUMERIC(9, 4) NOT NULL,
			tenure_months INTEGER NOT NULL,
			emi NUMERIC(20, 2) NOT NULL,
			status TEXT NOT NULL,
			purpose TEXT NOT NULL DEFAULT '',
			disbursed_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_loans_user ON loans(user_id)`,
		`CREATE TABLE IF NOT EXISTS transactions (
			id TEXT PRIMARY KEY,
			transaction_id TEXT NOT NULL UNIQUE,
			user_id TEXT NOT NULL,
			loan_id TEXT REFERENCES loans(id),
			amount NUMERIC(20, 2) NOT NULL,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			payment_method TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			gateway_transaction_id TEXT,
			gateway_response_code TEXT,
			gateway_response_message TEXT,
			gateway_bank_reference TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_loan ON transactions(loan_id)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions(status, type)`,
		// Upgrades databases created before these columns existed.
		`ALTER TABLE loans ADD COLUMN IF NOT EXISTS completed_at TIMESTAMPTZ`,
		`ALTER TABLE transactions ADD COLUMN IF NOT EXISTS gateway_bank_reference TEXT`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const pgLoanColumns = `id, account_number, user_id, amount::text, interest_rate::text, tenure_months, emi::text, status, purpose, disbursed_at, completed_at, created_at, updated_at`

// CreateLoan inserts a new loan into the database.
func (s *PostgresStore) CreateLoan(ctx context.Context, loan *models.Loan) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO loans (`+loanColumns+`)
		VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6, $7::numeric, $8, $9, $10, $11, $12, $13)`,
		loan.ID.String(), loan.AccountNumber, loan.UserID, loan.Amount.String(), loan.InterestRate.String(), loan.TenureMonths, loan.EMI.String(), string(loan.Status), loan.Purpose, loan.DisbursedAt, loan.CompletedAt, loan.CreatedAt, loan.UpdatedAt,
	)
	if err != nil {
		if isPgUniqueViolation(err) {
			return fmt.Errorf("%w: loan %s", models.ErrDuplicateKey, loan.AccountNumber)
		}
		return fmt.Errorf("failed to create loan: %w", err)
	}
	return nil
}

// GetLoan retrieves a loan by its ID.
func (s *PostgresStore) GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	loan, err := scanLoan(s.pool.QueryRow(ctx, `SELECT `+pgLoanColumns+` FROM loans WHERE id = $1`, id.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: loan %s", models.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get loan: %w", err)
	}
	return loan, nil
}

// ListLoans retrieves loans matching the filter, newest first.
func (s *PostgresStore) ListLoans(ctx context.Context, filter models.LoanFilter) ([]*models.Loan, error) {
	where, args := loanWhere(filter, dollar)
	rows, err := s.pool.Query(ctx, `SELECT `+pgLoanColumns+` FROM loans`+where+` ORDER BY created_at DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list loans: %w", err)
	}
	defer rows.Close()

	var loans []*models.Loan
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan loan row: %w", err)
		}
		loans = append(loans, loan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return loans, nil
}

type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) transitionMiss(ctx context.Context, q pgQuerier, id uuid.UUID, from models.LoanStatus) error {
	var current string
	err := q.QueryRow(ctx, `SELECT status FROM loans WHERE id = $1`, id.String()).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: loan %s", models.ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to read loan status: %w", err)
	}
	return fmt.Errorf("%w: loan %s is %s, expected %s", models.ErrConflict, id, current, from)
}

// TransitionLoan applies a conditional status change.
func (s *PostgresStore) TransitionLoan(ctx context.Context, id uuid.UUID, from, to models.LoanStatus, at time.Time) error {
	var completedAt *time.Time
	if to == models.LoanStatusCompleted {
		completedAt = &at
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE loans SET status = $1, updated_at = $2, completed_at = COALESCE($3, completed_at) WHERE id = $4 AND status = $5`,
		string(to), at, completedAt, id.String(), string(from),
	)
	if err != nil {
		return fmt.Errorf("failed to update loan status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionMiss(ctx, s.pool, id, from)
	}
	return nil
}

// ActivateLoan marks an approved loan active and records its disbursement in one pgx transaction.
func (s *PostgresStore) ActivateLoan(ctx context.Context, id uuid.UUID, at time.Time, disbursement *models.Transaction) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE loans SET status = $1, disbursed_at = $2, updated_at = $2 WHERE id = $3 AND status = $4`,
			string(models.LoanStatusActive), at, id.String(), string(models.LoanStatusApproved),
		)
		if err != nil {
			return fmt.Errorf("failed to activate loan: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return s.transitionMiss(ctx, tx, id, models.LoanStatusApproved)
		}
		return pgInsertTransaction(ctx, tx, disbursement)
	})
}

type pgExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func pgInsertTransaction(ctx context.Context, e pgExecer, t *models.Transaction) error {
	args := []any{t.ID.String(), t.TransactionID, t.UserID, loanIDArg(t.LoanID), t.Amount.String(), string(t.Type), string(t.Status), string(t.PaymentMethod), t.Description}
	args = append(args, gatewayArgs(t.GatewayResponse)...)
	args = append(args, t.CreatedAt, t.UpdatedAt)
	_, err := e.Exec(ctx,
		`INSERT INTO transactions (id, transaction_id, user_id, loan_id, amount, type, status, payment_method, description,
			gateway_transaction_id, gateway_response_code, gateway_response_message, gateway_bank_reference, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		args...,
	)
	if err != nil {
		if isPgUniqueViolation(err) {
			return fmt.Errorf("%w: transaction %s", models.ErrDuplicateKey, t.TransactionID)
		}
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

// CreateTransaction inserts a new transaction into the database.
func (s *PostgresStore) CreateTransaction(ctx context.Context, transaction *models.Transaction) error {
	return pgInsertTransaction(ctx, s.pool, transaction)
}

const pgTransactionSelect = `SELECT t.id, t.transaction_id, t.user_id, t.loan_id, COALESCE(l.account_number, ''), t.amount::text, t.type, t.status, t.payment_method, t.description,
	t.gateway_transaction_id, t.gateway_response_code, t.gateway_response_message, t.gateway_bank_reference, t.created_at, t.updated_at
	FROM transactions t LEFT JOIN loans l ON l.id = t.loan_id`

// GetTransaction retrieves a transaction by its public transaction id.
func (s *PostgresStore) GetTransaction(ctx context.Context, transactionID string) (*models.Transaction, error) {
	t, err := scanTransaction(s.pool.QueryRow(ctx, pgTransactionSelect+` WHERE t.transaction_id = $1`, transactionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: transaction %s", models.ErrNotFound, transactionID)
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return t, nil
}

// ListTransactions retrieves transactions matching the filter in creation order.
func (s *PostgresStore) ListTransactions(ctx context.Context, filter models.TransactionFilter) ([]*models.Transaction, error) {
	where, args := transactionWhere(filter, dollar)
	rows, err := s.pool.Query(ctx, pgTransactionSelect+where+` ORDER BY t.created_at ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var transactions []*models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction row: %w", err)
		}
		transactions = append(transactions, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for transactions: %w", err)
	}
	return transactions, nil
}

// SettleTransaction updates a transaction that is still pending.
func (s *PostgresStore) SettleTransaction(ctx context.Context, transactionID string, status models.TransactionStatus, resp *models.GatewayResponse, at time.Time) (bool, error) {
	args := []any{string(status), at}
	args = append(args, gatewayArgs(resp)...)
	args = append(args, transactionID, string(models.TransactionStatusPending))
	tag, err := s.pool.Exec(ctx,
		`UPDATE transactions SET status = $1, updated_at = $2,
			gateway_transaction_id = COALESCE($3, gateway_transaction_id),
			gateway_response_code = COALESCE($4, gateway_response_code),
			gateway_response_message = COALESCE($5, gateway_response_message),
			gateway_bank_reference = COALESCE($6, gateway_bank_reference)
		WHERE transaction_id = $7 AND status = $8`,
		args...,
	)
	if err != nil {
		return false, fmt.Errorf("failed to settle transaction: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	var exists int
	err = s.pool.QueryRow(ctx, `SELECT 1 FROM transactions WHERE transaction_id = $1`, transactionID).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("%w: transaction %s", models.ErrNotFound, transactionID)
	}
	if err != nil {
		return false, fmt.Errorf("failed to read transaction: %w", err)
	}
	return false, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
