package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loandesk/pkg/models"
	"github.com/shopspring/decimal"
)

// The tests in this file run against every Storage implementation. Each test works under
// its own user id so they can share one database.

var testSeq struct {
	sync.Mutex
	n int
}

func uniqueSuffix() string {
	testSeq.Lock()
	defer testSeq.Unlock()
	testSeq.n++
	return fmt.Sprintf("%06d%06d", time.Now().UnixNano()%1000000, testSeq.n)
}

func newLoan(userID string, status models.LoanStatus) *models.Loan {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &models.Loan{
		ID:            uuid.New(),
		AccountNumber: "LN" + uniqueSuffix(),
		UserID:        userID,
		Amount:        decimal.RequireFromString("50000"),
		InterestRate:  decimal.RequireFromString("10.5"),
		TenureMonths:  12,
		EMI:           decimal.RequireFromString("4407.46"),
		Status:        status,
		Purpose:       "education",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func newTransaction(loan *models.Loan, txType models.TransactionType, status models.TransactionStatus) *models.Transaction {
	now := time.Now().UTC().Truncate(time.Millisecond)
	id := loan.ID
	return &models.Transaction{
		ID:            uuid.New(),
		TransactionID: "TXN" + uniqueSuffix(),
		UserID:        loan.UserID,
		LoanID:        &id,
		Amount:        loan.EMI,
		Type:          txType,
		Status:        status,
		PaymentMethod: models.PaymentMethodUPI,
		Description:   "test entry",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func testLoanRoundTrip(t *testing.T, s Storage) {
	ctx := context.Background()
	loan := newLoan(uuid.NewString(), models.LoanStatusPending)

	if err := s.CreateLoan(ctx, loan); err != nil {
		t.Fatalf("Failed to create loan: %v", err)
	}

	fetched, err := s.GetLoan(ctx, loan.ID)
	if err != nil {
		t.Fatalf("Failed to get loan: %v", err)
	}
	if fetched.AccountNumber != loan.AccountNumber {
		t.Errorf("Expected account number %s, got %s", loan.AccountNumber, fetched.AccountNumber)
	}
	if !fetched.Amount.Equal(loan.Amount) || !fetched.EMI.Equal(loan.EMI) || !fetched.InterestRate.Equal(loan.InterestRate) {
		t.Errorf("Decimal fields changed: got amount %s emi %s rate %s", fetched.Amount, fetched.EMI, fetched.InterestRate)
	}
	if fetched.TenureMonths != 12 || fetched.Status != models.LoanStatusPending || fetched.Purpose != "education" {
		t.Errorf("Unexpected loan fields: %+v", fetched)
	}
	if fetched.DisbursedAt != nil || fetched.CompletedAt != nil {
		t.Error("Expected no disbursed or completed date on a new loan")
	}
	if !fetched.CreatedAt.Equal(loan.CreatedAt) {
		t.Errorf("Expected created at %s, got %s", loan.CreatedAt, fetched.CreatedAt)
	}

	if _, err := s.GetLoan(ctx, uuid.New()); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func testDuplicateAccountNumber(t *testing.T, s Storage) {
	ctx := context.Background()
	loan := newLoan(uuid.NewString(), models.LoanStatusPending)
	if err := s.CreateLoan(ctx, loan); err != nil {
		t.Fatalf("Failed to create loan: %v", err)
	}

	dup := newLoan(loan.UserID, models.LoanStatusPending)
	dup.AccountNumber = loan.AccountNumber
	if err := s.CreateLoan(ctx, dup); !errors.Is(err, models.ErrDuplicateKey) {
		t.Errorf("Expected ErrDuplicateKey, got %v", err)
	}
}

func testListLoans(t *testing.T, s Storage) {
	ctx := context.Background()
	user := uuid.NewString()
	for _, status := range []models.LoanStatus{models.LoanStatusPending, models.LoanStatusApproved, models.LoanStatusPending} {
		if err := s.CreateLoan(ctx, newLoan(user, status)); err != nil {
			t.Fatalf("Failed to create loan: %v", err)
		}
	}

	all, err := s.ListLoans(ctx, models.LoanFilter{UserID: user})
	if err != nil {
		t.Fatalf("Failed to list loans: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("Expected 3 loans, got %d", len(all))
	}

	pending, err := s.ListLoans(ctx, models.LoanFilter{UserID: user, Status: models.LoanStatusPending})
	if err != nil {
		t.Fatalf("Failed to list loans: %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("Expected 2 pending loans, got %d", len(pending))
	}
}

func testTransitionLoan(t *testing.T, s Storage) {
	ctx := context.Background()
	loan := newLoan(uuid.NewString(), models.LoanStatusActive)
	if err := s.CreateLoan(ctx, loan); err != nil {
		t.Fatalf("Failed to create loan: %v", err)
	}

	if err := s.TransitionLoan(ctx, loan.ID, models.LoanStatusApproved, models.LoanStatusActive, time.Now().UTC()); !errors.Is(err, models.ErrConflict) {
		t.Errorf("Expected ErrConflict for a stale source status, got %v", err)
	}
	if err := s.TransitionLoan(ctx, uuid.New(), models.LoanStatusActive, models.LoanStatusCompleted, time.Now().UTC()); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	if err := s.TransitionLoan(ctx, loan.ID, models.LoanStatusActive, models.LoanStatusCompleted, time.Now().UTC()); err != nil {
		t.Fatalf("Failed to complete loan: %v", err)
	}
	fetched, _ := s.GetLoan(ctx, loan.ID)
	if fetched.Status != models.LoanStatusCompleted {
		t.Errorf("Expected completed, got %s", fetched.Status)
	}
	if fetched.CompletedAt == nil {
		t.Error("Expected completed date to be set")
	}

	if err := s.TransitionLoan(ctx, loan.ID, models.LoanStatusActive, models.LoanStatusCompleted, time.Now().UTC()); !errors.Is(err, models.ErrConflict) {
		t.Errorf("Expected ErrConflict on repeat, got %v", err)
	}
}

func testActivateLoan(t *testing.T, s Storage) {
	ctx := context.Background()
	loan := newLoan(uuid.NewString(), models.LoanStatusApproved)
	if err := s.CreateLoan(ctx, loan); err != nil {
		t.Fatalf("Failed to create loan: %v", err)
	}

	disbursement := newTransaction(loan, models.TransactionTypeDisbursement, models.TransactionStatusCompleted)
	disbursement.Amount = loan.Amount
	disbursement.PaymentMethod = models.PaymentMethodBankTransfer
	at := time.Now().UTC()

	if err := s.ActivateLoan(ctx, loan.ID, at, disbursement); err != nil {
		t.Fatalf("Failed to activate loan: %v", err)
	}

	fetched, _ := s.GetLoan(ctx, loan.ID)
	if fetched.Status != models.LoanStatusActive || fetched.DisbursedAt == nil {
		t.Errorf("Expected active loan with disbursed date, got %s / %v", fetched.Status, fetched.DisbursedAt)
	}

	second := newTransaction(loan, models.TransactionTypeDisbursement, models.TransactionStatusCompleted)
	if err := s.ActivateLoan(ctx, loan.ID, at, second); !errors.Is(err, models.ErrConflict) {
		t.Errorf("Expected ErrConflict on second activation, got %v", err)
	}

	txs, err := s.ListTransactions(ctx, models.TransactionFilter{LoanID: &loan.ID})
	if err != nil {
		t.Fatalf("Failed to list transactions: %v", err)
	}
	if len(txs) != 1 {
		t.Fatalf("Expected exactly 1 disbursement, got %d", len(txs))
	}
	if !txs[0].Amount.Equal(loan.Amount) || txs[0].LoanAccountNumber != loan.AccountNumber {
		t.Errorf("Unexpected disbursement: amount %s account %q", txs[0].Amount, txs[0].LoanAccountNumber)
	}
}

func testActivateLoanRollsBack(t *testing.T, s Storage) {
	ctx := context.Background()
	loan := newLoan(uuid.NewString(), models.LoanStatusApproved)
	if err := s.CreateLoan(ctx, loan); err != nil {
		t.Fatalf("Failed to create loan: %v", err)
	}
	existing := newTransaction(loan, models.TransactionTypePenalty, models.TransactionStatusCompleted)
	if err := s.CreateTransaction(ctx, existing); err != nil {
		t.Fatalf("Failed to create transaction: %v", err)
	}

	// The disbursement reuses a taken transaction id, so the insert fails after the update.
	disbursement := newTransaction(loan, models.TransactionTypeDisbursement, models.TransactionStatusCompleted)
	disbursement.TransactionID = existing.TransactionID
	if err := s.ActivateLoan(ctx, loan.ID, time.Now().UTC(), disbursement); !errors.Is(err, models.ErrDuplicateKey) {
		t.Fatalf("Expected ErrDuplicateKey, got %v", err)
	}

	fetched, _ := s.GetLoan(ctx, loan.ID)
	if fetched.Status != models.LoanStatusApproved || fetched.DisbursedAt != nil {
		t.Errorf("Expected the loan update to roll back, got %s / %v", fetched.Status, fetched.DisbursedAt)
	}
}

func testConcurrentActivation(t *testing.T, s Storage) {
	ctx := context.Background()
	loan := newLoan(uuid.NewString(), models.LoanStatusApproved)
	if err := s.CreateLoan(ctx, loan); err != nil {
		t.Fatalf("Failed to create loan: %v", err)
	}

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		disbursement := newTransaction(loan, models.TransactionTypeDisbursement, models.TransactionStatusCompleted)
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.ActivateLoan(ctx, loan.ID, time.Now().UTC(), disbursement)
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		case !errors.Is(err, models.ErrConflict):
			t.Errorf("Unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Errorf("Expected exactly 1 activation, got %d", succeeded)
	}

	txs, _ := s.ListTransactions(ctx, models.TransactionFilter{LoanID: &loan.ID})
	if len(txs) != 1 {
		t.Errorf("Expected exactly 1 disbursement, got %d", len(txs))
	}
}

func testTransactions(t *testing.T, s Storage) {
	ctx := context.Background()
	loan := newLoan(uuid.NewString(), models.LoanStatusActive)
	if err := s.CreateLoan(ctx, loan); err != nil {
		t.Fatalf("Failed to create loan: %v", err)
	}

	payment := newTransaction(loan, models.TransactionTypeEMIPayment, models.TransactionStatusPending)
	if err := s.CreateTransaction(ctx, payment); err != nil {
		t.Fatalf("Failed to create transaction: %v", err)
	}
	refund := newTransaction(loan, models.TransactionTypeRefund, models.TransactionStatusCompleted)
	refund.LoanID = nil
	refund.PaymentMethod = models.PaymentMethodBankTransfer
	refund.CreatedAt = payment.CreatedAt.Add(time.Hour)
	if err := s.CreateTransaction(ctx, refund); err != nil {
		t.Fatalf("Failed to create transaction: %v", err)
	}

	dup := newTransaction(loan, models.TransactionTypeEMIPayment, models.TransactionStatusPending)
	dup.TransactionID = payment.TransactionID
	if err := s.CreateTransaction(ctx, dup); !errors.Is(err, models.ErrDuplicateKey) {
		t.Errorf("Expected ErrDuplicateKey, got %v", err)
	}

	fetched, err := s.GetTransaction(ctx, payment.TransactionID)
	if err != nil {
		t.Fatalf("Failed to get transaction: %v", err)
	}
	if fetched.LoanAccountNumber != loan.AccountNumber {
		t.Errorf("Expected joined account number %s, got %q", loan.AccountNumber, fetched.LoanAccountNumber)
	}
	if !fetched.Amount.Equal(payment.Amount) || fetched.GatewayResponse != nil {
		t.Errorf("Unexpected transaction: amount %s gateway %+v", fetched.Amount, fetched.GatewayResponse)
	}
	if _, err := s.GetTransaction(ctx, "TXN-missing"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	user := loan.UserID
	tests := []struct {
		name   string
		filter models.TransactionFilter
		want   int
	}{
		{"by user", models.TransactionFilter{UserID: user}, 2},
		{"by loan", models.TransactionFilter{UserID: user, LoanID: &loan.ID}, 1},
		{"by status", models.TransactionFilter{UserID: user, Status: models.TransactionStatusPending}, 1},
		{"by type", models.TransactionFilter{UserID: user, Type: models.TransactionTypeRefund}, 1},
		{"by method", models.TransactionFilter{UserID: user, PaymentMethod: models.PaymentMethodBankTransfer}, 1},
		{"created after", models.TransactionFilter{UserID: user, CreatedAfter: timePtr(payment.CreatedAt.Add(time.Minute))}, 1},
		{"created before", models.TransactionFilter{UserID: user, CreatedBefore: timePtr(payment.CreatedAt.Add(time.Minute))}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			txs, err := s.ListTransactions(ctx, tt.filter)
			if err != nil {
				t.Fatalf("Failed to list transactions: %v", err)
			}
			if len(txs) != tt.want {
				t.Errorf("Expected %d transactions, got %d", tt.want, len(txs))
			}
		})
	}
}

func testSettleTransaction(t *testing.T, s Storage) {
	ctx := context.Background()
	loan := newLoan(uuid.NewString(), models.LoanStatusActive)
	if err := s.CreateLoan(ctx, loan); err != nil {
		t.Fatalf("Failed to create loan: %v", err)
	}
	payment := newTransaction(loan, models.TransactionTypeEMIPayment, models.TransactionStatusPending)
	if err := s.CreateTransaction(ctx, payment); err != nil {
		t.Fatalf("Failed to create transaction: %v", err)
	}

	// Settling as pending only records the gateway response.
	note := &models.GatewayResponse{ResponseCode: "ORDER_CREATE_UNCONFIRMED", ResponseMessage: "context deadline exceeded"}
	applied, err := s.SettleTransaction(ctx, payment.TransactionID, models.TransactionStatusPending, note, time.Now().UTC())
	if err != nil || !applied {
		t.Fatalf("Expected the note to apply, got applied=%v err=%v", applied, err)
	}
	noted, _ := s.GetTransaction(ctx, payment.TransactionID)
	if noted.Status != models.TransactionStatusPending || noted.GatewayResponse == nil || noted.GatewayResponse.ResponseCode != note.ResponseCode {
		t.Errorf("Expected a pending transaction carrying %+v, got %s %+v", note, noted.Status, noted.GatewayResponse)
	}

	resp := &models.GatewayResponse{TransactionID: "cf_pay_1", ResponseCode: "SUCCESS", ResponseMessage: "Transaction successful", BankReference: "BR123"}
	applied, err = s.SettleTransaction(ctx, payment.TransactionID, models.TransactionStatusCompleted, resp, time.Now().UTC())
	if err != nil || !applied {
		t.Fatalf("Expected settlement to apply, got applied=%v err=%v", applied, err)
	}

	applied, err = s.SettleTransaction(ctx, payment.TransactionID, models.TransactionStatusFailed, nil, time.Now().UTC())
	if err != nil {
		t.Fatalf("Second settlement failed: %v", err)
	}
	if applied {
		t.Error("Expected second settlement to be a no-op")
	}

	fetched, _ := s.GetTransaction(ctx, payment.TransactionID)
	if fetched.Status != models.TransactionStatusCompleted {
		t.Errorf("Expected completed, got %s", fetched.Status)
	}
	if fetched.GatewayResponse == nil || *fetched.GatewayResponse != *resp {
		t.Errorf("Expected gateway response %+v, got %+v", resp, fetched.GatewayResponse)
	}

	if _, err := s.SettleTransaction(ctx, "TXN-missing", models.TransactionStatusCompleted, nil, time.Now().UTC()); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func timePtr(t time.Time) *time.Time {
	return &t
}

// runStorageTests runs the shared suite against the Storage returned by open.
func runStorageTests(t *testing.T, open func(t *testing.T) Storage) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s Storage)
	}{
		{"LoanRoundTrip", testLoanRoundTrip},
		{"DuplicateAccountNumber", testDuplicateAccountNumber},
		{"ListLoans", testListLoans},
		{"TransitionLoan", testTransitionLoan},
		{"ActivateLoan", testActivateLoan},
		{"ActivateLoanRollsBack", testActivateLoanRollsBack},
		{"ConcurrentActivation", testConcurrentActivation},
		{"Transactions", testTransactions},
		{"SettleTransaction", testSettleTransaction},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, open(t))
		})
	}
}
