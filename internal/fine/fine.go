// Package fine computes overdue fines.
//
// Fines are charged per started day past the due date and rounded to cents
// half-up. Arithmetic is decimal throughout; no float64 touches an amount.
package fine

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	day = 24 * time.Hour

	// Places is the number of decimal places an amount is rounded to
	Places = 2
)

// DaysLate returns the number of started days between due and evaluatedAt.
// Zero when evaluatedAt is not after due.
func DaysLate(due, evaluatedAt time.Time) int64 {
	if !evaluatedAt.After(due) {
		return 0
	}
	late := evaluatedAt.Sub(due)
	days := int64(late / day)
	if late%day != 0 {
		days++
	}
	return days
}

// Calculate returns the fine owed for a loan due at due and evaluated at
// evaluatedAt with the given daily rate. Negative rates are treated as zero.
func Calculate(due, evaluatedAt time.Time, dailyRate decimal.Decimal) decimal.Decimal {
	days := DaysLate(due, evaluatedAt)
	if days == 0 || dailyRate.Sign() <= 0 {
		return decimal.Zero.Round(Places)
	}
	return dailyRate.Mul(decimal.NewFromInt(days)).Round(Places)
}
