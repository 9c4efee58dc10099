package ledger

import (
	"fmt"

	"github.com/mcclellann/loandesk/pkg/models"
	"github.com/shopspring/decimal"
)

var (
	one          = decimal.NewFromInt(1)
	monthsInYear = decimal.NewFromInt(12)
	hundred      = decimal.NewFromInt(100)
)

// CalculateEMI returns the fixed monthly installment that amortizes principal over
// tenureMonths at annualRatePercent, rounded to two decimal places:
//
//	r   = annualRatePercent / 12 / 100
//	emi = P * r * (1+r)^n / ((1+r)^n - 1)
//
// A zero rate splits the principal evenly. With interest, an installment that would round
// down below repaying the principal is rounded up to the next paisa instead.
func CalculateEMI(principal, annualRatePercent decimal.Decimal, tenureMonths int) (decimal.Decimal, error) {
	if !principal.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: principal must be positive, got %s", models.ErrValidation, principal)
	}
	if annualRatePercent.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: interest rate must not be negative, got %s", models.ErrValidation, annualRatePercent)
	}
	if tenureMonths < 1 {
		return decimal.Zero, fmt.Errorf("%w: tenure must be at least 1 month, got %d", models.ErrValidation, tenureMonths)
	}

	n := decimal.NewFromInt(int64(tenureMonths))
	monthlyRate := annualRatePercent.Div(monthsInYear).Div(hundred)
	if monthlyRate.IsZero() {
		return principal.Div(n).Round(2), nil
	}

	factor := one.Add(monthlyRate).Pow(n)
	emi := principal.Mul(monthlyRate).Mul(factor).Div(factor.Sub(one))
	if rounded := emi.Round(2); !rounded.Mul(n).LessThan(principal) {
		return rounded, nil
	}
	return emi.RoundUp(2), nil
}
