package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/mcclellann/loandesk/pkg/auth"
	"github.com/mcclellann/loandesk/pkg/ledger"
	"github.com/mcclellann/loandesk/pkg/models"
	"github.com/mcclellann/loandesk/pkg/payment"
	"github.com/mcclellann/loandesk/pkg/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

const maxWebhookBody = 1 << 20

// Server holds the ledger, the payment service and the storage behind them.
type Server struct {
	ledger   *ledger.Ledger
	payments *payment.Service
	auth     *auth.Authenticator
	storage  store.Storage // Keep a reference to the storage to close it
}

// NewServer wires the ledger and payment service over s.
func NewServer(s store.Storage, g payment.Gateway, a *auth.Authenticator, opts payment.Options) *Server {
	l := ledger.NewLedger(s)
	return &Server{
		ledger:   l,
		payments: payment.NewService(l, g, opts),
		auth:     a,
		storage:  s,
	}
}

// Router wires every route. withMetrics exposes /metrics.
func (s *Server) Router(withMetrics bool) *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", s.healthHandler).Methods("GET")
	router.HandleFunc("/emi", s.emiHandler).Methods("GET")
	router.HandleFunc("/payments/webhook", s.webhookHandler).Methods("POST")
	if withMetrics {
		router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	}

	api := router.NewRoute().Subrouter()
	api.Use(s.auth.Middleware)

	api.HandleFunc("/loans", s.listLoansHandler).Methods("GET")
	api.HandleFunc("/loans", s.applyHandler).Methods("POST")
	api.HandleFunc("/loans/{id}", s.getLoanHandler).Methods("GET")
	api.HandleFunc("/loans/{id}/approve", s.approveHandler).Methods("POST")
	api.HandleFunc("/loans/{id}/reject", s.rejectHandler).Methods("POST")
	api.HandleFunc("/loans/{id}/disburse", s.disburseHandler).Methods("POST")
	api.HandleFunc("/loans/{id}/payments", s.initiatePaymentHandler).Methods("POST")

	api.HandleFunc("/transactions", s.listTransactionsHandler).Methods("GET")
	api.HandleFunc("/transactions", s.recordAdjustmentHandler).Methods("POST")
	api.HandleFunc("/transactions/summary", s.summaryHandler).Methods("GET")
	api.HandleFunc("/transactions/{transactionId}", s.getTransactionHandler).Methods("GET")
	api.HandleFunc("/transactions/{transactionId}/status", s.updateTransactionStatusHandler).Methods("PATCH")

	api.HandleFunc("/payments/{orderId}/reconcile", s.reconcileHandler).Methods("POST")

	return router
}

type response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(response{Success: status < 400, Message: message, Data: data}); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrConflict), errors.Is(err, models.ErrDuplicateKey):
		return http.StatusConflict
	case errors.Is(err, models.ErrExternalService):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		log.Printf("Error handling %s %s: %v", r.Method, r.URL.Path, err)
		message = "internal server error"
	}
	writeJSON(w, status, message, nil)
}

// decodeBody reads a JSON body into dst. An empty body leaves dst untouched.
func decodeBody(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: invalid request body: %v", models.ErrValidation, err)
	}
	return nil
}

func principal(r *http.Request) models.Principal {
	p, _ := auth.PrincipalFrom(r.Context())
	return p
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(r)[name])
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid %s", models.ErrValidation, name)
	}
	return id, nil
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, "ok", map[string]string{"time": time.Now().UTC().Format(time.RFC3339)})
}

func (s *Server) emiHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	amount, err := decimal.NewFromString(q.Get("amount"))
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: invalid amount", models.ErrValidation))
		return
	}
	rate, err := decimal.NewFromString(q.Get("interestRate"))
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: invalid interestRate", models.ErrValidation))
		return
	}
	tenure, err := strconv.Atoi(q.Get("tenure"))
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: invalid tenure", models.ErrValidation))
		return
	}
	emi, err := ledger.CalculateEMI(amount, rate, tenure)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, "", map[string]any{
		"amount":         amount,
		"interestRate":   rate,
		"tenure":         tenure,
		"emi":            emi,
		"totalRepayable": emi.Mul(decimal.NewFromInt(int64(tenure))),
	})
}

func (s *Server) applyHandler(w http.ResponseWriter, r *http.Request) {
	var app ledger.LoanApplication
	if err := decodeBody(r, &app); err != nil {
		writeError(w, r, err)
		return
	}
	loan, err := s.ledger.ApplyForLoan(r.Context(), principal(r), app)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, "Loan application submitted", loan)
}

func (s *Server) listLoansHandler(w http.ResponseWriter, r *http.Request) {
	filter := models.LoanFilter{
		UserID: r.URL.Query().Get("user"),
		Status: models.LoanStatus(r.URL.Query().Get("status")),
	}
	loans, err := s.ledger.ListLoans(r.Context(), principal(r), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if loans == nil {
		loans = []*models.Loan{}
	}
	writeJSON(w, http.StatusOK, "", loans)
}

func (s *Server) getLoanHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	loan, err := s.ledger.GetLoan(r.Context(), principal(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, "", loan)
}

func (s *Server) approveHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	loan, err := s.ledger.ApproveLoan(r.Context(), principal(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, "Loan approved", loan)
}

func (s *Server) rejectHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	loan, err := s.ledger.RejectLoan(r.Context(), principal(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, "Loan rejected", loan)
}

func (s *Server) disburseHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	loan, txn, err := s.ledger.DisburseLoan(r.Context(), principal(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, "Loan disbursed", map[string]any{
		"loan":        loan,
		"transaction": txn,
	})
}

func (s *Server) initiatePaymentHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req payment.PaymentRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.LoanID = id
	initiated, err := s.payments.InitiatePayment(r.Context(), principal(r), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, "Payment initiated", initiated)
}

// parseTime accepts RFC 3339 timestamps or plain dates.
func parseTime(value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", value)
}

func transactionFilter(r *http.Request) (models.TransactionFilter, error) {
	q := r.URL.Query()
	filter := models.TransactionFilter{
		UserID:        q.Get("user"),
		Status:        models.TransactionStatus(q.Get("status")),
		Type:          models.TransactionType(q.Get("type")),
		PaymentMethod: models.PaymentMethod(q.Get("paymentMethod")),
	}
	if v := q.Get("loan"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return filter, fmt.Errorf("%w: invalid loan", models.ErrValidation)
		}
		filter.LoanID = &id
	}
	if v := q.Get("from"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			return filter, fmt.Errorf("%w: invalid from", models.ErrValidation)
		}
		filter.CreatedAfter = &t
	}
	if v := q.Get("to"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			return filter, fmt.Errorf("%w: invalid to", models.ErrValidation)
		}
		filter.CreatedBefore = &t
	}
	return filter, nil
}

func (s *Server) listTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	filter, err := transactionFilter(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	txs, err := s.ledger.ListTransactions(r.Context(), principal(r), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if txs == nil {
		txs = []*models.Transaction{}
	}
	writeJSON(w, http.StatusOK, "", txs)
}

func (s *Server) recordAdjustmentHandler(w http.ResponseWriter, r *http.Request) {
	var n ledger.NewTransaction
	if err := decodeBody(r, &n); err != nil {
		writeError(w, r, err)
		return
	}
	txn, err := s.ledger.RecordAdjustment(r.Context(), principal(r), n)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, "Transaction recorded", txn)
}

func (s *Server) summaryHandler(w http.ResponseWriter, r *http.Request) {
	filter, err := transactionFilter(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	summary, err := s.ledger.Summarize(r.Context(), principal(r), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, "", summary)
}

func (s *Server) getTransactionHandler(w http.ResponseWriter, r *http.Request) {
	txn, err := s.ledger.GetTransaction(r.Context(), principal(r), mux.Vars(r)["transactionId"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, "", txn)
}

func (s *Server) updateTransactionStatusHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status models.TransactionStatus `json:"status"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	txn, err := s.ledger.UpdateTransactionStatus(r.Context(), principal(r), mux.Vars(r)["transactionId"], req.Status)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, "Transaction status updated", txn)
}

func (s *Server) reconcileHandler(w http.ResponseWriter, r *http.Request) {
	txn, err := s.payments.Reconcile(r.Context(), principal(r), mux.Vars(r)["orderId"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, "", txn)
}

// webhookHandler answers non-2xx on any failure so the gateway redelivers.
func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: unreadable webhook body", models.ErrValidation))
		return
	}
	txn, err := s.payments.HandleWebhook(r.Context(), body, r.Header)
	if err != nil {
		if errors.Is(err, models.ErrUnauthorized) {
			writeJSON(w, http.StatusUnauthorized, "invalid webhook signature", nil)
			return
		}
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, "", txn)
}
