package db

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/bookstore/services/circulation/internal/loanstate"
)

// Cancellation reasons stored on cancelled loans
const (
	CancelReasonMember  = "member"
	CancelReasonExpired = "expired"
)

// BookAvailability tracks copies of one catalog title
type BookAvailability struct {
	BookID          string    `gorm:"primaryKey;type:varchar(50)" json:"book_id"`
	TotalCopies     int       `gorm:"not null;check:chk_book_availability_total,total_copies >= 0" json:"total_copies"`
	AvailableCopies int       `gorm:"not null;check:chk_book_availability_available,available_copies >= 0 AND available_copies <= total_copies" json:"available_copies"`
	CreatedAt       time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time `gorm:"not null" json:"updated_at"`
}

// TableName specifies the table name for BookAvailability model
func (BookAvailability) TableName() string {
	return "book_availability"
}

// Loan is one reservation/loan of a copy. Rows are never deleted.
type Loan struct {
	ID              string           `gorm:"primaryKey;type:varchar(36)" json:"id"`
	BookID          string           `gorm:"type:varchar(50);not null;index:idx_loans_book_id" json:"book_id"`
	UserID          string           `gorm:"type:varchar(64);not null;index:idx_loans_user_id" json:"user_id"`
	Status          loanstate.Status `gorm:"type:varchar(16);not null;index:idx_loans_status" json:"status"`
	ReservationDate time.Time        `gorm:"not null" json:"reservation_date"`
	PickupDeadline  *time.Time       `gorm:"index:idx_loans_pickup_deadline" json:"pickup_deadline,omitempty"`
	StartDate       *time.Time       `json:"start_date,omitempty"`
	DueDate         *time.Time       `gorm:"index:idx_loans_due_date" json:"due_date,omitempty"`
	ReturnedAt      *time.Time       `json:"returned_at,omitempty"`
	CanceledAt      *time.Time       `json:"canceled_at,omitempty"`
	CancelReason    string           `gorm:"type:varchar(16)" json:"cancel_reason,omitempty"`
	FineAmount      decimal.Decimal  `gorm:"type:numeric(10,2);not null;default:0" json:"fine_amount"`
	CreatedAt       time.Time        `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time        `gorm:"not null" json:"updated_at"`
}

// TableName specifies the table name for Loan model
func (Loan) TableName() string {
	return "loans"
}

// BeforeCreate hook to set timestamps
func (l *Loan) BeforeCreate(tx *gorm.DB) error {
	now := time.Now().UTC()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	if l.UpdatedAt.IsZero() {
		l.UpdatedAt = now
	}
	return nil
}

// Policy is the single circulation policy row
type Policy struct {
	ID               uint            `gorm:"primaryKey" json:"-"`
	PickupWindowDays int             `gorm:"not null" json:"pickup_window_days"`
	StandardLoanDays int             `gorm:"not null" json:"standard_loan_days"`
	DailyFineAmount  decimal.Decimal `gorm:"type:numeric(10,2);not null" json:"daily_fine_amount"`
	UpdatedAt        time.Time       `gorm:"not null" json:"updated_at"`
}

// TableName specifies the table name for Policy model
func (Policy) TableName() string {
	return "circulation_policies"
}

// PolicyRowID is the primary key of the one policy row
const PolicyRowID = 1
