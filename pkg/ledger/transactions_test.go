package ledger

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/mcclellann/loandesk/pkg/models"
	"github.com/shopspring/decimal"
)

var transactionIDPattern = regexp.MustCompile(`^TXN\d{13}\d{6}$`)

func emiPayment(loan *models.Loan, status models.TransactionStatus) NewTransaction {
	id := loan.ID
	return NewTransaction{
		UserID:        loan.UserID,
		LoanID:        &id,
		Amount:        loan.EMI,
		Type:          models.TransactionTypeEMIPayment,
		PaymentMethod: models.PaymentMethodUPI,
		Status:        status,
		Description:   "EMI payment",
	}
}

func TestRecordTransaction(t *testing.T) {
	l, _ := newTestLedger(t)
	loan := activeLoan(t, l, "12000", "12", 2)

	txn, err := l.RecordTransaction(context.Background(), emiPayment(loan, models.TransactionStatusPending))
	if err != nil {
		t.Fatalf("RecordTransaction failed: %v", err)
	}
	if !transactionIDPattern.MatchString(txn.TransactionID) {
		t.Errorf("Transaction id %q does not match TXN + millis + 6 digits", txn.TransactionID)
	}
	if txn.LoanAccountNumber != loan.AccountNumber {
		t.Errorf("Expected account number %s, got %q", loan.AccountNumber, txn.LoanAccountNumber)
	}
	if txn.Status != models.TransactionStatusPending {
		t.Errorf("Expected pending, got %s", txn.Status)
	}
	if !txn.Amount.Equal(decimal.RequireFromString("6090.15")) {
		t.Errorf("Expected amount 6090.15, got %s", txn.Amount)
	}
}

func TestRecordTransaction_Invalid(t *testing.T) {
	l, store := newTestLedger(t)
	loan := activeLoan(t, l, "12000", "12", 2)
	before := len(store.transactions)

	tests := []struct {
		name   string
		mutate func(n *NewTransaction)
	}{
		{"zero amount", func(n *NewTransaction) { n.Amount = decimal.Zero }},
		{"negative amount", func(n *NewTransaction) { n.Amount = decimal.NewFromInt(-5) }},
		{"unknown type", func(n *NewTransaction) { n.Type = "cashback" }},
		{"unknown method", func(n *NewTransaction) { n.PaymentMethod = "cheque" }},
		{"unknown status", func(n *NewTransaction) { n.Status = "refunded" }},
		{"missing user", func(n *NewTransaction) { n.UserID = "" }},
		{"loan of another user", func(n *NewTransaction) { n.UserID = stranger.UserID }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := emiPayment(loan, models.TransactionStatusPending)
			tt.mutate(&n)
			if _, err := l.RecordTransaction(context.Background(), n); !errors.Is(err, models.ErrValidation) {
				t.Errorf("Expected ErrValidation, got %v", err)
			}
		})
	}

	if len(store.transactions) != before {
		t.Errorf("Invalid transactions were stored: %d -> %d", before, len(store.transactions))
	}
}

func TestRecordAdjustment(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	loan := activeLoan(t, l, "12000", "12", 2)
	id := loan.ID

	penalty := NewTransaction{
		UserID:        loan.UserID,
		LoanID:        &id,
		Amount:        decimal.NewFromInt(250),
		Type:          models.TransactionTypePenalty,
		PaymentMethod: models.PaymentMethodBankTransfer,
		Description:   "Late fee",
	}

	if _, err := l.RecordAdjustment(ctx, borrower, penalty); !errors.Is(err, models.ErrUnauthorized) {
		t.Errorf("Expected ErrUnauthorized for a user, got %v", err)
	}

	txn, err := l.RecordAdjustment(ctx, admin, penalty)
	if err != nil {
		t.Fatalf("RecordAdjustment failed: %v", err)
	}
	if txn.Status != models.TransactionStatusCompleted {
		t.Errorf("Expected adjustments to default to completed, got %s", txn.Status)
	}

	payment := emiPayment(loan, models.TransactionStatusCompleted)
	if _, err := l.RecordAdjustment(ctx, admin, payment); !errors.Is(err, models.ErrValidation) {
		t.Errorf("Expected ErrValidation for an emi_payment adjustment, got %v", err)
	}
}

func TestListTransactions_Scoping(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	loan := activeLoan(t, l, "12000", "12", 2)

	if _, err := l.RecordTransaction(ctx, emiPayment(loan, models.TransactionStatusPending)); err != nil {
		t.Fatalf("RecordTransaction failed: %v", err)
	}

	mine, err := l.ListTransactions(ctx, borrower, models.TransactionFilter{})
	if err != nil {
		t.Fatalf("ListTransactions failed: %v", err)
	}
	if len(mine) != 2 {
		t.Errorf("Expected disbursement and payment, got %d", len(mine))
	}

	theirs, _ := l.ListTransactions(ctx, stranger, models.TransactionFilter{UserID: borrower.UserID})
	if len(theirs) != 0 {
		t.Errorf("Expected another user to see nothing, got %d", len(theirs))
	}

	pending, _ := l.ListTransactions(ctx, admin, models.TransactionFilter{Status: models.TransactionStatusPending})
	if len(pending) != 1 {
		t.Errorf("Expected 1 pending transaction, got %d", len(pending))
	}

	if _, err := l.GetTransaction(ctx, stranger, pending[0].TransactionID); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for another user's transaction, got %v", err)
	}

	if _, err := l.ListTransactions(ctx, admin, models.TransactionFilter{Type: "cashback"}); !errors.Is(err, models.ErrValidation) {
		t.Errorf("Expected ErrValidation for unknown type, got %v", err)
	}
}

func TestSummarize(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	loan := activeLoan(t, l, "12000", "12", 2)

	if _, err := l.RecordTransaction(ctx, emiPayment(loan, models.TransactionStatusPending)); err != nil {
		t.Fatalf("RecordTransaction failed: %v", err)
	}
	failed := emiPayment(loan, models.TransactionStatusFailed)
	failed.PaymentMethod = models.PaymentMethodCard
	if _, err := l.RecordTransaction(ctx, failed); err != nil {
		t.Fatalf("RecordTransaction failed: %v", err)
	}

	if _, err := l.Summarize(ctx, borrower, models.TransactionFilter{}); !errors.Is(err, models.ErrUnauthorized) {
		t.Errorf("Expected ErrUnauthorized for a user, got %v", err)
	}

	summary, err := l.Summarize(ctx, admin, models.TransactionFilter{})
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}

	wantTotal := decimal.RequireFromString("12000").Add(decimal.RequireFromString("6090.15").Mul(decimal.NewFromInt(2)))
	if summary.Total.Count != 3 || !summary.Total.Amount.Equal(wantTotal) {
		t.Errorf("Expected total 3 / %s, got %d / %s", wantTotal, summary.Total.Count, summary.Total.Amount)
	}
	if b := summary.ByType[string(models.TransactionTypeEMIPayment)]; b.Count != 2 {
		t.Errorf("Expected 2 emi payments, got %d", b.Count)
	}
	if b := summary.ByStatus[string(models.TransactionStatusCompleted)]; b.Count != 1 || !b.Amount.Equal(decimal.NewFromInt(12000)) {
		t.Errorf("Expected one completed disbursement of 12000, got %d / %s", b.Count, b.Amount)
	}
	if b := summary.ByPaymentMethod[string(models.PaymentMethodCard)]; b.Count != 1 {
		t.Errorf("Expected 1 card transaction, got %d", b.Count)
	}

	for name, buckets := range map[string]map[string]Bucket{
		"status": summary.ByStatus,
		"type":   summary.ByType,
		"method": summary.ByPaymentMethod,
		"month":  summary.ByMonth,
	} {
		count := 0
		amount := decimal.Zero
		for _, b := range buckets {
			count += b.Count
			amount = amount.Add(b.Amount)
		}
		if count != summary.Total.Count || !amount.Equal(summary.Total.Amount) {
			t.Errorf("Buckets by %s add up to %d / %s, want %d / %s", name, count, amount, summary.Total.Count, summary.Total.Amount)
		}
	}
}

func TestSummarize_GroupsByUTCMonth(t *testing.T) {
	ist := time.FixedZone("IST", 5*3600+1800)
	txs := []*models.Transaction{
		{Amount: decimal.NewFromInt(10), CreatedAt: time.Date(2024, 1, 31, 23, 0, 0, 0, time.UTC)},
		// 1 Feb 02:00 IST is still 31 Jan in UTC.
		{Amount: decimal.NewFromInt(20), CreatedAt: time.Date(2024, 2, 1, 2, 0, 0, 0, ist)},
		{Amount: decimal.NewFromInt(30), CreatedAt: time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC)},
	}

	s := summarize(txs)

	if b := s.ByMonth["2024-01"]; b.Count != 2 || !b.Amount.Equal(decimal.NewFromInt(30)) {
		t.Errorf("Expected 2024-01 to hold 2 / 30, got %d / %s", b.Count, b.Amount)
	}
	if b := s.ByMonth["2024-02"]; b.Count != 1 {
		t.Errorf("Expected 2024-02 to hold 1, got %d", b.Count)
	}
}

func TestSettleTransaction_Idempotent(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	loan := activeLoan(t, l, "12000", "12", 2)

	txn, err := l.RecordTransaction(ctx, emiPayment(loan, models.TransactionStatusPending))
	if err != nil {
		t.Fatalf("RecordTransaction failed: %v", err)
	}

	resp := &models.GatewayResponse{TransactionID: "cf_1", ResponseCode: "SUCCESS", BankReference: "BR1"}
	settled, applied, err := l.SettleTransaction(ctx, txn.TransactionID, models.TransactionStatusCompleted, resp)
	if err != nil || !applied {
		t.Fatalf("Expected first settlement to apply, got applied=%v err=%v", applied, err)
	}
	if settled.GatewayResponse == nil || settled.GatewayResponse.BankReference != "BR1" {
		t.Errorf("Expected gateway response to be stored, got %+v", settled.GatewayResponse)
	}

	again, applied, err := l.SettleTransaction(ctx, txn.TransactionID, models.TransactionStatusFailed, nil)
	if err != nil {
		t.Fatalf("Second settlement failed: %v", err)
	}
	if applied {
		t.Error("Expected second settlement to be a no-op")
	}
	if again.Status != models.TransactionStatusCompleted {
		t.Errorf("Terminal status changed to %s", again.Status)
	}

	if _, _, err := l.SettleTransaction(ctx, txn.TransactionID, models.TransactionStatusPending, nil); !errors.Is(err, models.ErrValidation) {
		t.Errorf("Expected ErrValidation for a non-terminal status, got %v", err)
	}
	if _, _, err := l.SettleTransaction(ctx, "TXN-missing", models.TransactionStatusCompleted, nil); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestNoteGatewayResponse(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	loan := activeLoan(t, l, "12000", "12", 2)

	txn, err := l.RecordTransaction(ctx, emiPayment(loan, models.TransactionStatusPending))
	if err != nil {
		t.Fatalf("RecordTransaction failed: %v", err)
	}

	noted, err := l.NoteGatewayResponse(ctx, txn.TransactionID, &models.GatewayResponse{ResponseCode: "ORDER_CREATE_UNCONFIRMED"})
	if err != nil {
		t.Fatalf("NoteGatewayResponse failed: %v", err)
	}
	if noted.Status != models.TransactionStatusPending {
		t.Errorf("Expected the transaction to stay pending, got %s", noted.Status)
	}
	if noted.GatewayResponse == nil || noted.GatewayResponse.ResponseCode != "ORDER_CREATE_UNCONFIRMED" {
		t.Errorf("Expected the response to be stored, got %+v", noted.GatewayResponse)
	}

	if _, _, err := l.SettleTransaction(ctx, txn.TransactionID, models.TransactionStatusCompleted, &models.GatewayResponse{ResponseCode: "SUCCESS"}); err != nil {
		t.Fatalf("SettleTransaction failed: %v", err)
	}
	noted, err = l.NoteGatewayResponse(ctx, txn.TransactionID, &models.GatewayResponse{ResponseCode: "LATE"})
	if err != nil {
		t.Fatalf("NoteGatewayResponse failed: %v", err)
	}
	if noted.Status != models.TransactionStatusCompleted || noted.GatewayResponse.ResponseCode != "SUCCESS" {
		t.Errorf("Expected a settled transaction to be left alone, got %s %+v", noted.Status, noted.GatewayResponse)
	}
}

func TestUpdateTransactionStatus(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	loan := activeLoan(t, l, "12000", "12", 2)

	txn, err := l.RecordTransaction(ctx, emiPayment(loan, models.TransactionStatusPending))
	if err != nil {
		t.Fatalf("RecordTransaction failed: %v", err)
	}

	if _, err := l.UpdateTransactionStatus(ctx, borrower, txn.TransactionID, models.TransactionStatusCompleted); !errors.Is(err, models.ErrUnauthorized) {
		t.Errorf("Expected ErrUnauthorized for a user, got %v", err)
	}

	updated, err := l.UpdateTransactionStatus(ctx, admin, txn.TransactionID, models.TransactionStatusFailed)
	if err != nil {
		t.Fatalf("UpdateTransactionStatus failed: %v", err)
	}
	if updated.Status != models.TransactionStatusFailed {
		t.Errorf("Expected failed, got %s", updated.Status)
	}

	if _, err := l.UpdateTransactionStatus(ctx, admin, txn.TransactionID, models.TransactionStatusCompleted); !errors.Is(err, models.ErrConflict) {
		t.Errorf("Expected ErrConflict when changing a terminal transaction, got %v", err)
	}
}

func TestLoanCompletesWhenRepaid(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	// 50000 at 10% over 12 months.
	loan := activeLoan(t, l, "50000", "10", 12)
	if !loan.EMI.Equal(decimal.RequireFromString("4395.79")) {
		t.Fatalf("Expected EMI 4395.79, got %s", loan.EMI)
	}

	for i := 1; i <= loan.TenureMonths; i++ {
		txn, err := l.RecordTransaction(ctx, emiPayment(loan, models.TransactionStatusPending))
		if err != nil {
			t.Fatalf("RecordTransaction %d failed: %v", i, err)
		}
		if _, _, err := l.SettleTransaction(ctx, txn.TransactionID, models.TransactionStatusCompleted, nil); err != nil {
			t.Fatalf("SettleTransaction %d failed: %v", i, err)
		}

		current, _ := l.GetLoan(ctx, borrower, loan.ID)
		if i < loan.TenureMonths && current.Status != models.LoanStatusActive {
			t.Fatalf("Loan closed early after %d payments: %s", i, current.Status)
		}
		if i == loan.TenureMonths {
			if current.Status != models.LoanStatusCompleted {
				t.Fatalf("Expected completed after %d payments, got %s", i, current.Status)
			}
			if current.CompletedAt == nil {
				t.Error("Expected completed date to be set")
			}
		}
	}

	payments, _ := l.ListTransactions(ctx, borrower, models.TransactionFilter{
		Type:   models.TransactionTypeEMIPayment,
		Status: models.TransactionStatusCompleted,
	})
	paid := decimal.Zero
	for _, p := range payments {
		paid = paid.Add(p.Amount)
	}
	if !paid.Equal(decimal.RequireFromString("52749.48")) {
		t.Errorf("Expected total repaid 52749.48, got %s", paid)
	}
}

func TestLoanNotCompletedByFailedPayments(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	loan := activeLoan(t, l, "1000", "12", 1)

	txn, err := l.RecordTransaction(ctx, emiPayment(loan, models.TransactionStatusPending))
	if err != nil {
		t.Fatalf("RecordTransaction failed: %v", err)
	}
	if _, _, err := l.SettleTransaction(ctx, txn.TransactionID, models.TransactionStatusFailed, nil); err != nil {
		t.Fatalf("SettleTransaction failed: %v", err)
	}

	current, _ := l.GetLoan(ctx, admin, loan.ID)
	if current.Status != models.LoanStatusActive {
		t.Errorf("Expected loan to stay active after a failed payment, got %s", current.Status)
	}
}
