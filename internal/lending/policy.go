package lending

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/bookstore/services/circulation/internal/db"
)

var (
	minDailyFine = decimal.Zero
	maxDailyFine = decimal.NewFromInt(100)

	validate = validator.New()
)

// Policy holds the circulation parameters. Deadlines are computed from the
// policy in effect when a loan changes state.
type Policy struct {
	PickupWindowDays int             `json:"pickup_window_days" validate:"min=1,max=14"`
	StandardLoanDays int             `json:"standard_loan_days" validate:"min=1,max=120"`
	DailyFineAmount  decimal.Decimal `json:"daily_fine_amount" validate:"-"`
}

// Validate checks every field against its allowed range
func (p Policy) Validate() error {
	var problems []string

	if err := validate.Struct(p); err != nil {
		validationErrors, ok := err.(validator.ValidationErrors)
		if !ok {
			return fmt.Errorf("%w: %v", ErrPolicyViolation, err)
		}
		for _, fe := range validationErrors {
			problems = append(problems, fmt.Sprintf("%s must be %s %s", fe.Field(), boundName(fe.Tag()), fe.Param()))
		}
	}

	if p.DailyFineAmount.LessThan(minDailyFine) || p.DailyFineAmount.GreaterThan(maxDailyFine) {
		problems = append(problems, fmt.Sprintf("DailyFineAmount must be between %s and %s", minDailyFine, maxDailyFine))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrPolicyViolation, strings.Join(problems, "; "))
	}
	return nil
}

func boundName(tag string) string {
	switch tag {
	case "min":
		return "at least"
	case "max":
		return "at most"
	default:
		return tag
	}
}

// PickupWindow is the time a reservation waits for pickup
func (p Policy) PickupWindow() time.Duration {
	return days(p.PickupWindowDays)
}

// LoanPeriod is the time from pickup to due date
func (p Policy) LoanPeriod() time.Duration {
	return days(p.StandardLoanDays)
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

func policyFromRecord(record *db.Policy) Policy {
	return Policy{
		PickupWindowDays: record.PickupWindowDays,
		StandardLoanDays: record.StandardLoanDays,
		DailyFineAmount:  record.DailyFineAmount,
	}
}

func (p Policy) record() *db.Policy {
	return &db.Policy{
		ID:               db.PolicyRowID,
		PickupWindowDays: p.PickupWindowDays,
		StandardLoanDays: p.StandardLoanDays,
		DailyFineAmount:  p.DailyFineAmount,
	}
}
