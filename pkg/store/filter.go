package store

import (
	"fmt"
	"strings"

	"github.com/mcclellann/loandesk/pkg/models"
)

// placeholder renders the n-th (1-based) bind parameter for a driver.
type placeholder func(n int) string

func questionMark(int) string { return "?" }

func dollar(n int) string { return fmt.Sprintf("$%d", n) }

type whereBuilder struct {
	ph    placeholder
	conds []string
	args  []any
}

func (b *whereBuilder) add(cond string, arg any) {
	b.args = append(b.args, arg)
	b.conds = append(b.conds, strings.ReplaceAll(cond, "?", b.ph(len(b.args))))
}

func (b *whereBuilder) String() string {
	if len(b.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(b.conds, " AND ")
}

func loanWhere(filter models.LoanFilter, ph placeholder) (string, []any) {
	b := &whereBuilder{ph: ph}
	if filter.UserID != "" {
		b.add("user_id = ?", filter.UserID)
	}
	if filter.Status != "" {
		b.add("status = ?", string(filter.Status))
	}
	return b.String(), b.args
}

// transactionWhere expects the transactions table aliased as t.
func transactionWhere(filter models.TransactionFilter, ph placeholder) (string, []any) {
	b := &whereBuilder{ph: ph}
	if filter.UserID != "" {
		b.add("t.user_id = ?", filter.UserID)
	}
	if filter.LoanID != nil {
		b.add("t.loan_id = ?", filter.LoanID.String())
	}
	if filter.Status != "" {
		b.add("t.status = ?", string(filter.Status))
	}
	if filter.Type != "" {
		b.add("t.type = ?", string(filter.Type))
	}
	if filter.PaymentMethod != "" {
		b.add("t.payment_method = ?", string(filter.PaymentMethod))
	}
	if filter.CreatedAfter != nil {
		b.add("t.created_at >= ?", filter.CreatedAfter.UTC())
	}
	if filter.CreatedBefore != nil {
		b.add("t.created_at < ?", filter.CreatedBefore.UTC())
	}
	return b.String(), b.args
}
