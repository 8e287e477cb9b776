package httpapi

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/bookstore/services/circulation/internal/db"
	"github.com/bookstore/services/circulation/internal/fine"
	"github.com/bookstore/services/circulation/internal/lending"
)

// LoanRequest is the body of reserve and assign
type LoanRequest struct {
	BookID string `json:"book_id" validate:"required,max=50"`
	UserID string `json:"user_id" validate:"required,max=64"`
}

// PolicyRequest is the body of PUT /api/settings. Every field is required
// so a partial body cannot silently zero a setting.
type PolicyRequest struct {
	PickupWindowDays *int             `json:"pickup_window_days" validate:"required"`
	StandardLoanDays *int             `json:"standard_loan_days" validate:"required"`
	DailyFineAmount  *decimal.Decimal `json:"daily_fine_amount" validate:"required"`
}

func (r PolicyRequest) policy() lending.Policy {
	return lending.Policy{
		PickupWindowDays: *r.PickupWindowDays,
		StandardLoanDays: *r.StandardLoanDays,
		DailyFineAmount:  *r.DailyFineAmount,
	}
}

// CapacityRequest is the body of PUT /api/books/:id/availability
type CapacityRequest struct {
	TotalCopies *int `json:"total_copies" validate:"required,min=0"`
}

// LoanResponse is the API view of a loan
type LoanResponse struct {
	ID              string     `json:"id"`
	BookID          string     `json:"book_id"`
	UserID          string     `json:"user_id"`
	Status          string     `json:"status"`
	ReservationDate time.Time  `json:"reservation_date"`
	PickupDeadline  *time.Time `json:"pickup_deadline,omitempty"`
	StartDate       *time.Time `json:"start_date,omitempty"`
	DueDate         *time.Time `json:"due_date,omitempty"`
	ReturnedAt      *time.Time `json:"returned_at,omitempty"`
	CanceledAt      *time.Time `json:"canceled_at,omitempty"`
	CancelReason    string     `json:"cancel_reason,omitempty"`
	FineAmount      string     `json:"fine_amount"`
}

func toLoanResponse(loan *db.Loan) LoanResponse {
	return LoanResponse{
		ID:              loan.ID,
		BookID:          loan.BookID,
		UserID:          loan.UserID,
		Status:          loan.Status.String(),
		ReservationDate: loan.ReservationDate.UTC(),
		PickupDeadline:  utc(loan.PickupDeadline),
		StartDate:       utc(loan.StartDate),
		DueDate:         utc(loan.DueDate),
		ReturnedAt:      utc(loan.ReturnedAt),
		CanceledAt:      utc(loan.CanceledAt),
		CancelReason:    loan.CancelReason,
		FineAmount:      loan.FineAmount.StringFixed(fine.Places),
	}
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// PolicyResponse is the API view of the policy
type PolicyResponse struct {
	PickupWindowDays int    `json:"pickup_window_days"`
	StandardLoanDays int    `json:"standard_loan_days"`
	DailyFineAmount  string `json:"daily_fine_amount"`
}

func toPolicyResponse(p lending.Policy) PolicyResponse {
	return PolicyResponse{
		PickupWindowDays: p.PickupWindowDays,
		StandardLoanDays: p.StandardLoanDays,
		DailyFineAmount:  p.DailyFineAmount.StringFixed(fine.Places),
	}
}

// AvailabilityResponse is the API view of a book's copy counts
type AvailabilityResponse struct {
	BookID          string `json:"book_id"`
	TotalCopies     int    `json:"total_copies"`
	AvailableCopies int    `json:"available_copies"`
}

func toAvailabilityResponse(book *db.BookAvailability) AvailabilityResponse {
	return AvailabilityResponse{
		BookID:          book.BookID,
		TotalCopies:     book.TotalCopies,
		AvailableCopies: book.AvailableCopies,
	}
}

// FineEstimateResponse is the body of the fine-estimate endpoint
type FineEstimateResponse struct {
	LoanID string    `json:"loan_id"`
	AsOf   time.Time `json:"as_of"`
	Amount string    `json:"amount"`
}

// Pagination describes one page of a list
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
	HasPrev    bool  `json:"has_prev"`
}

func buildPagination(total int64, page, pageSize int) Pagination {
	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	if totalPages == 0 {
		totalPages = 1
	}
	return Pagination{
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
		HasPrev:    page > 1,
	}
}
