package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Principal is the authenticated caller as supplied by the auth layer.
type Principal struct {
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
	Email  string `json:"email,omitempty"`
	Phone  string `json:"phone,omitempty"`
}

func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

type LoanStatus string

const (
	LoanStatusPending   LoanStatus = "pending"
	LoanStatusApproved  LoanStatus = "approved"
	LoanStatusRejected  LoanStatus = "rejected"
	LoanStatusActive    LoanStatus = "active"
	LoanStatusCompleted LoanStatus = "completed"
)

func (s LoanStatus) Valid() bool {
	switch s {
	case LoanStatusPending, LoanStatusApproved, LoanStatusRejected, LoanStatusActive, LoanStatusCompleted:
		return true
	}
	return false
}

type Loan struct {
	ID            uuid.UUID       `json:"id"`
	AccountNumber string          `json:"accountNumber"` // Unique, never changes after creation
	UserID        string          `json:"user"`
	Amount        decimal.Decimal `json:"amount"`
	InterestRate  decimal.Decimal `json:"interestRate"` // Annual, in percent
	TenureMonths  int             `json:"tenure"`
	EMI           decimal.Decimal `json:"emi"` // Computed once at application time
	Status        LoanStatus      `json:"status"`
	Purpose       string          `json:"purpose"`
	DisbursedAt   *time.Time      `json:"disbursedDate,omitempty"`
	CompletedAt   *time.Time      `json:"completedDate,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// TotalRepayable is the sum of all scheduled installments.
func (l *Loan) TotalRepayable() decimal.Decimal {
	return l.EMI.Mul(decimal.NewFromInt(int64(l.TenureMonths)))
}

type TransactionType string

const (
	TransactionTypeEMIPayment   TransactionType = "emi_payment"
	TransactionTypeDisbursement TransactionType = "loan_disbursement"
	TransactionTypePenalty      TransactionType = "penalty"
	TransactionTypeRefund       TransactionType = "refund"
)

func (t TransactionType) Valid() bool {
	switch t {
	case TransactionTypeEMIPayment, TransactionTypeDisbursement, TransactionTypePenalty, TransactionTypeRefund:
		return true
	}
	return false
}

type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusFailed    TransactionStatus = "failed"
)

func (s TransactionStatus) Valid() bool {
	switch s {
	case TransactionStatusPending, TransactionStatusCompleted, TransactionStatusFailed:
		return true
	}
	return false
}

func (s TransactionStatus) Terminal() bool {
	return s == TransactionStatusCompleted || s == TransactionStatusFailed
}

type PaymentMethod string

const (
	PaymentMethodUPI          PaymentMethod = "upi"
	PaymentMethodCard         PaymentMethod = "card"
	PaymentMethodNetbanking   PaymentMethod = "netbanking"
	PaymentMethodWallet       PaymentMethod = "wallet"
	PaymentMethodBankTransfer PaymentMethod = "bank_transfer"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodUPI, PaymentMethodCard, PaymentMethodNetbanking, PaymentMethodWallet, PaymentMethodBankTransfer:
		return true
	}
	return false
}

// GatewayResponse is the metadata reported by the payment gateway for a transaction.
type GatewayResponse struct {
	TransactionID   string `json:"transactionId,omitempty"`
	ResponseCode    string `json:"responseCode,omitempty"`
	ResponseMessage string `json:"responseMessage,omitempty"`
	BankReference   string `json:"bankReference,omitempty"`
}

type Transaction struct {
	ID                uuid.UUID         `json:"id"`
	TransactionID     string            `json:"transactionId"`
	UserID            string            `json:"user"`
	LoanID            *uuid.UUID        `json:"loan,omitempty"`
	LoanAccountNumber string            `json:"loanAccountNumber,omitempty"` // Joined from loans, read only
	Amount            decimal.Decimal   `json:"amount"`
	Type              TransactionType   `json:"type"`
	Status            TransactionStatus `json:"status"`
	PaymentMethod     PaymentMethod     `json:"paymentMethod"`
	Description       string            `json:"description,omitempty"`
	GatewayResponse   *GatewayResponse  `json:"gatewayResponse,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

type LoanFilter struct {
	UserID string
	Status LoanStatus
}

type TransactionFilter struct {
	UserID        string
	LoanID        *uuid.UUID
	Status        TransactionStatus
	Type          TransactionType
	PaymentMethod PaymentMethod
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
}
