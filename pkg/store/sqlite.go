package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/mcclellann/loandesk/pkg/models"
)

// SQLiteStore manages the database connection and operations for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLiteStore and initializes the database.
func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}
	// SQLite has a single writer; one connection keeps conditional updates serialized.
	db.SetMaxOpenConns(1)

	// Manually enable foreign keys and WAL mode
	_, err = db.Exec("PRAGMA foreign_keys = ON;")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	_, err = db.Exec("PRAGMA journal_mode = WAL;")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	log.Println("Database connection established and schema initialized.")
	return s, nil
}

// initSchema creates the database tables if they don't already exist and adds columns missing from older files.
// We use TEXT for decimal fields in SQLite to ensure no precision is lost.
func (s *SQLiteStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS loans (
		id TEXT PRIMARY KEY,
		account_number TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		interest_rate TEXT NOT NULL,
		tenure_months INTEGER NOT NULL,
		emi TEXT NOT NULL,
		status TEXT NOT NULL,
		purpose TEXT NOT NULL DEFAULT '',
		disbursed_at DATETIME,
		completed_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_loans_user ON loans(user_id);
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		transaction_id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		loan_id TEXT,
		amount TEXT NOT NULL,
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		payment_method TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		gateway_transaction_id TEXT,
		gateway_response_code TEXT,
		gateway_response_message TEXT,
		gateway_bank_reference TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY(loan_id) REFERENCES loans(id)
	);
	CREATE INDEX IF NOT EXISTS idx_transactions_loan ON transactions(loan_id);
	CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(user_id);
	CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions(status, type);
	`
	_, err := s.db.Exec(schema)
	if err != nil {
		return err
	}

	// Upgrades databases created before these columns existed.
	migrations := []struct{ table, column, definition string }{
		{"loans", "completed_at", "DATETIME"},
		{"transactions", "gateway_bank_reference", "TEXT"},
	}

	for _, m := range migrations {
		exists, err := s.hasColumn(m.table, m.column)
		if err != nil {
			return fmt.Errorf("failed to inspect %s: %w", m.table, err)
		}
		if exists {
			continue
		}
		_, err = s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.table, m.column, m.definition))
		if err != nil {
			return fmt.Errorf("failed to add column %s.%s: %w", m.table, m.column, err)
		}
		log.Printf("Added column %s.%s", m.table, m.column)
	}

	return nil
}

func (s *SQLiteStore) hasColumn(table, column string) (bool, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&count)
	return count > 0, err
}

func isSQLiteUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// CreateLoan inserts a new loan into the database.
func (s *SQLiteStore) CreateLoan(ctx context.Context, loan *models.Loan) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO loans (`+loanColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		loan.ID.String(), loan.AccountNumber, loan.UserID, loan.Amount, loan.InterestRate, loan.TenureMonths, loan.EMI, string(loan.Status), loan.Purpose, loan.DisbursedAt, loan.CompletedAt, loan.CreatedAt, loan.UpdatedAt,
	)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return fmt.Errorf("%w: loan %s", models.ErrDuplicateKey, loan.AccountNumber)
		}
		return fmt.Errorf("failed to create loan: %w", err)
	}
	return nil
}

// GetLoan retrieves a loan by its ID.
func (s *SQLiteStore) GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = ?`, id.String())
	loan, err := scanLoan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: loan %s", models.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get loan: %w", err)
	}
	return loan, nil
}

// ListLoans retrieves loans matching the filter, newest first.
func (s *SQLiteStore) ListLoans(ctx context.Context, filter models.LoanFilter) ([]*models.Loan, error) {
	where, args := loanWhere(filter, questionMark)
	rows, err := s.db.QueryContext(ctx, `SELECT `+loanColumns+` FROM loans`+where+` ORDER BY created_at DESC`, args...)
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

// TransitionLoan applies a conditional status change.
func (s *SQLiteStore) TransitionLoan(ctx context.Context, id uuid.UUID, from, to models.LoanStatus, at time.Time) error {
	var completedAt *time.Time
	if to == models.LoanStatusCompleted {
		completedAt = &at
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE loans SET status = ?, updated_at = ?, completed_at = COALESCE(?, completed_at) WHERE id = ? AND status = ?`,
		string(to), at, completedAt, id.String(), string(from),
	)
	if err != nil {
		return fmt.Errorf("failed to update loan status: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return s.transitionMiss(ctx, s.db, id, from)
	}
	return nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// transitionMiss explains why a conditional loan update matched no row.
func (s *SQLiteStore) transitionMiss(ctx context.Context, q queryRower, id uuid.UUID, from models.LoanStatus) error {
	var current string
	err := q.QueryRowContext(ctx, `SELECT status FROM loans WHERE id = ?`, id.String()).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: loan %s", models.ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to read loan status: %w", err)
	}
	return fmt.Errorf("%w: loan %s is %s, expected %s", models.ErrConflict, id, current, from)
}

// ActivateLoan marks an approved loan active and records its disbursement within a transaction.
func (s *SQLiteStore) ActivateLoan(ctx context.Context, id uuid.UUID, at time.Time, disbursement *models.Transaction) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE loans SET status = ?, disbursed_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(models.LoanStatusActive), at, at, id.String(), string(models.LoanStatusApproved),
	)
	if err != nil {
		return fmt.Errorf("failed to activate loan: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return s.transitionMiss(ctx, tx, id, models.LoanStatusApproved)
	}

	if err := insertTransaction(ctx, tx, disbursement); err != nil {
		return err
	}

	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertTransaction(ctx context.Context, e execer, t *models.Transaction) error {
	args := []any{t.ID.String(), t.TransactionID, t.UserID, loanIDArg(t.LoanID), t.Amount, string(t.Type), string(t.Status), string(t.PaymentMethod), t.Description}
	args = append(args, gatewayArgs(t.GatewayResponse)...)
	args = append(args, t.CreatedAt, t.UpdatedAt)
	_, err := e.ExecContext(ctx,
		`INSERT INTO transactions (id, transaction_id, user_id, loan_id, amount, type, status, payment_method, description,
			gateway_transaction_id, gateway_response_code, gateway_response_message, gateway_bank_reference, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args...,
	)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return fmt.Errorf("%w: transaction %s", models.ErrDuplicateKey, t.TransactionID)
		}
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

// CreateTransaction inserts a new transaction into the database.
func (s *SQLiteStore) CreateTransaction(ctx context.Context, transaction *models.Transaction) error {
	return insertTransaction(ctx, s.db, transaction)
}

const sqliteTransactionSelect = `SELECT t.id, t.transaction_id, t.user_id, t.loan_id, COALESCE(l.account_number, ''), t.amount, t.type, t.status, t.payment_method, t.description,
	t.gateway_transaction_id, t.gateway_response_code, t.gateway_response_message, t.gateway_bank_reference, t.created_at, t.updated_at
	FROM transactions t LEFT JOIN loans l ON l.id = t.loan_id`

// GetTransaction retrieves a transaction by its public transaction id.
func (s *SQLiteStore) GetTransaction(ctx context.Context, transactionID string) (*models.Transaction, error) {
	row := s.db.QueryRowContext(ctx, sqliteTransactionSelect+` WHERE t.transaction_id = ?`, transactionID)
	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: transaction %s", models.ErrNotFound, transactionID)
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return t, nil
}

// ListTransactions retrieves transactions matching the filter in creation order.
func (s *SQLiteStore) ListTransactions(ctx context.Context, filter models.TransactionFilter) ([]*models.Transaction, error) {
	where, args := transactionWhere(filter, questionMark)
	rows, err := s.db.QueryContext(ctx, sqliteTransactionSelect+where+` ORDER BY t.created_at ASC`, args...)
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
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for transactions: %w", err)
	}
	return transactions, nil
}

// SettleTransaction updates a transaction that is still pending.
func (s *SQLiteStore) SettleTransaction(ctx context.Context, transactionID string, status models.TransactionStatus, resp *models.GatewayResponse, at time.Time) (bool, error) {
	args := []any{string(status), at}
	args = append(args, gatewayArgs(resp)...)
	args = append(args, transactionID, string(models.TransactionStatusPending))
	result, err := s.db.ExecContext(ctx,
		`UPDATE transactions SET status = ?, updated_at = ?,
			gateway_transaction_id = COALESCE(?, gateway_transaction_id),
			gateway_response_code = COALESCE(?, gateway_response_code),
			gateway_response_message = COALESCE(?, gateway_response_message),
			gateway_bank_reference = COALESCE(?, gateway_bank_reference)
		WHERE transaction_id = ? AND status = ?`,
		args...,
	)
	if err != nil {
		return false, fmt.Errorf("failed to settle transaction: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return true, nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM transactions WHERE transaction_id = ?`, transactionID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: transaction %s", models.ErrNotFound, transactionID)
	}
	if err != nil {
		return false, fmt.Errorf("failed to read transaction: %w", err)
	}
	return false, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
