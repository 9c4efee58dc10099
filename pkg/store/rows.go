package store

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/mcclellann/loandesk/pkg/models"
)

// rowScanner is satisfied by *sql.Row, *sql.Rows, pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const loanColumns = `id, account_number, user_id, amount, interest_rate, tenure_months, emi, status, purpose, disbursed_at, completed_at, created_at, updated_at`

func scanLoan(row rowScanner) (*models.Loan, error) {
	var loan models.Loan
	var idStr, status string
	var disbursedAt, completedAt sql.NullTime
	if err := row.Scan(&idStr, &loan.AccountNumber, &loan.UserID, &loan.Amount, &loan.InterestRate, &loan.TenureMonths, &loan.EMI, &status, &loan.Purpose, &disbursedAt, &completedAt, &loan.CreatedAt, &loan.UpdatedAt); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("invalid loan id %q: %w", idStr, err)
	}
	loan.ID = id
	loan.Status = models.LoanStatus(status)
	if disbursedAt.Valid {
		t := disbursedAt.Time
		loan.DisbursedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		loan.CompletedAt = &t
	}
	return &loan, nil
}

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	var tx models.Transaction
	var idStr, txType, status, method string
	var loanID sql.NullString
	var gwID, gwCode, gwMessage, gwBankRef sql.NullString
	if err := row.Scan(&idStr, &tx.TransactionID, &tx.UserID, &loanID, &tx.LoanAccountNumber, &tx.Amount, &txType, &status, &method, &tx.Description, &gwID, &gwCode, &gwMessage, &gwBankRef, &tx.CreatedAt, &tx.UpdatedAt); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("invalid transaction id %q: %w", idStr, err)
	}
	tx.ID = id
	if loanID.Valid && loanID.String != "" {
		lid, err := uuid.Parse(loanID.String)
		if err != nil {
			return nil, fmt.Errorf("invalid loan id %q on transaction %s: %w", loanID.String, tx.TransactionID, err)
		}
		tx.LoanID = &lid
	}
	tx.Type = models.TransactionType(txType)
	tx.Status = models.TransactionStatus(status)
	tx.PaymentMethod = models.PaymentMethod(method)
	if gwID.Valid || gwCode.Valid || gwMessage.Valid || gwBankRef.Valid {
		tx.GatewayResponse = &models.GatewayResponse{
			TransactionID:   gwID.String,
			ResponseCode:    gwCode.String,
			ResponseMessage: gwMessage.String,
			BankReference:   gwBankRef.String,
		}
	}
	return &tx, nil
}

// gatewayArgs flattens a gateway response into four nullable columns.
func gatewayArgs(resp *models.GatewayResponse) []any {
	if resp == nil {
		return []any{sql.NullString{}, sql.NullString{}, sql.NullString{}, sql.NullString{}}
	}
	return []any{
		sql.NullString{String: resp.TransactionID, Valid: true},
		sql.NullString{String: resp.ResponseCode, Valid: true},
		sql.NullString{String: resp.ResponseMessage, Valid: true},
		sql.NullString{String: resp.BankReference, Valid: true},
	}
}

func loanIDArg(id *uuid.UUID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: id.String(), Valid: true}
}
