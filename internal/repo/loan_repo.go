package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/bookstore/services/circulation/internal/db"
	"github.com/bookstore/services/circulation/internal/loanstate"
)

// LoanFilter narrows ListLoans. Zero values mean "any".
type LoanFilter struct {
	UserID   string
	BookID   string
	Statuses []loanstate.Status
	Page     int
	PageSize int
}

// StatusChange describes a conditional status update of one loan. The update
// applies only while the loan is still in one of From and every Guard holds.
type StatusChange struct {
	LoanID string
	From   []loanstate.Status
	To     loanstate.Status
	Set    map[string]interface{}
	Guards []func(*gorm.DB) *gorm.DB
}

// LoanRepository handles loan records. Loans are inserted and then only
// ever moved forward through conditional status updates.
type LoanRepository struct {
	db  *db.DB
	log *zap.Logger
}

// NewLoanRepository creates a new loan repository
func NewLoanRepository(database *db.DB, logger *zap.Logger) *LoanRepository {
	return &LoanRepository{
		db:  database,
		log: logger,
	}
}

// Create inserts a new loan
func (r *LoanRepository) Create(tx *gorm.DB, loan *db.Loan) error {
	if err := tx.Create(loan).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateOpenLoan
		}
		r.log.Error("Failed to create loan",
			zap.String("book_id", loan.BookID),
			zap.String("user_id", loan.UserID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// Get retrieves a loan by id inside tx
func (r *LoanRepository) Get(tx *gorm.DB, id string) (*db.Loan, error) {
	var loan db.Loan
	err := tx.Where("id = ?", id).First(&loan).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLoanNotFound
		}
		r.log.Error("Failed to get loan", zap.String("loan_id", id), zap.Error(err))
		return nil, err
	}
	return &loan, nil
}

// GetLoan retrieves a loan by id
func (r *LoanRepository) GetLoan(ctx context.Context, id string) (*db.Loan, error) {
	return r.Get(r.db.WithContext(ctx), id)
}

// HasOpenLoan reports whether userID holds an open loan for bookID
func (r *LoanRepository) HasOpenLoan(tx *gorm.DB, bookID, userID string) (bool, error) {
	var count int64
	err := tx.Model(&db.Loan{}).
		Where("book_id = ? AND user_id = ? AND status IN ?", bookID, userID, loanstate.Open()).
		Count(&count).Error
	if err != nil {
		r.log.Error("Failed to check open loans", zap.String("book_id", bookID), zap.String("user_id", userID), zap.Error(err))
		return false, err
	}
	return count > 0, nil
}

// CancelledByMemberSince reports whether userID cancelled a reservation of
// bookID at or after since
func (r *LoanRepository) CancelledByMemberSince(tx *gorm.DB, bookID, userID string, since time.Time) (bool, error) {
	var count int64
	err := tx.Model(&db.Loan{}).
		Where("book_id = ? AND user_id = ? AND status = ? AND cancel_reason = ? AND canceled_at >= ?",
			bookID, userID, loanstate.Cancelled, db.CancelReasonMember, since).
		Count(&count).Error
	if err != nil {
		r.log.Error("Failed to check recent cancellations", zap.String("book_id", bookID), zap.String("user_id", userID), zap.Error(err))
		return false, err
	}
	return count > 0, nil
}

// ChangeStatus applies change and reports whether this call won the update.
// False means the loan had already left every From state, or a guard failed.
func (r *LoanRepository) ChangeStatus(tx *gorm.DB, change StatusChange) (bool, error) {
	for _, from := range change.From {
		if err := loanstate.Check(from, change.To); err != nil {
			return false, err
		}
	}

	updates := map[string]interface{}{"status": change.To}
	for column, value := range change.Set {
		updates[column] = value
	}

	result := tx.Model(&db.Loan{}).
		Scopes(change.Guards...).
		Where("id = ? AND status IN ?", change.LoanID, change.From).
		Updates(updates)
	if result.Error != nil {
		r.log.Error("Failed to change loan status",
			zap.String("loan_id", change.LoanID),
			zap.String("to", change.To.String()),
			zap.Error(result.Error),
		)
		return false, result.Error
	}

	return result.RowsAffected == 1, nil
}

// PickupDeadlineNotPassed guards an update on pickup_deadline >= now
func PickupDeadlineNotPassed(now time.Time) func(*gorm.DB) *gorm.DB {
	return func(tx *gorm.DB) *gorm.DB {
		return tx.Where("pickup_deadline >= ?", now)
	}
}

// PickupDeadlinePassed guards an update on pickup_deadline < now
func PickupDeadlinePassed(now time.Time) func(*gorm.DB) *gorm.DB {
	return func(tx *gorm.DB) *gorm.DB {
		return tx.Where("pickup_deadline < ?", now)
	}
}

// DueDatePassed guards an update on due_date < now
func DueDatePassed(now time.Time) func(*gorm.DB) *gorm.DB {
	return func(tx *gorm.DB) *gorm.DB {
		return tx.Where("due_date < ?", now)
	}
}

// ExpiredReservations returns ids of reserved loans whose pickup deadline is
// before now, oldest deadline first
func (r *LoanRepository) ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&db.Loan{}).
		Where("status = ? AND pickup_deadline < ?", loanstate.Reserved, now).
		Order("pickup_deadline ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		r.log.Error("Failed to list expired reservations", zap.Error(err))
		return nil, err
	}
	return ids, nil
}

// MarkOverdue moves every active loan due before now to overdue. With a
// loan id it touches only that loan.
func (r *LoanRepository) MarkOverdue(tx *gorm.DB, now time.Time, loanIDs ...string) (int64, error) {
	query := tx.Model(&db.Loan{}).
		Where("status = ? AND due_date < ?", loanstate.Active, now)
	if len(loanIDs) > 0 {
		query = query.Where("id IN ?", loanIDs)
	}

	result := query.Update("status", loanstate.Overdue)
	if result.Error != nil {
		r.log.Error("Failed to mark overdue loans", zap.Error(result.Error))
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// ListLoans returns a page of loans, newest reservation first, and the total
// matching count
func (r *LoanRepository) ListLoans(ctx context.Context, filter LoanFilter) ([]*db.Loan, int64, error) {
	query := r.db.WithContext(ctx).Model(&db.Loan{})

	if filter.UserID != "" {
		query = query.Where("user_id = ?", filter.UserID)
	}
	if filter.BookID != "" {
		query = query.Where("book_id = ?", filter.BookID)
	}
	if len(filter.Statuses) > 0 {
		query = query.Where("status IN ?", filter.Statuses)
	}

	query = query.Session(&gorm.Session{})

	var total int64
	if err := query.Count(&total).Error; err != nil {
		r.log.Error("Failed to count loans", zap.Error(err))
		return nil, 0, fmt.Errorf("failed to count loans: %w", err)
	}

	page, pageSize := filter.Page, filter.PageSize
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	var loans []*db.Loan
	err := query.Order("reservation_date DESC").Order("id").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&loans).Error
	if err != nil {
		r.log.Error("Failed to list loans", zap.Error(err))
		return nil, 0, fmt.Errorf("failed to list loans: %w", err)
	}

	return loans, total, nil
}
