package repo

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/bookstore/services/circulation/internal/db"
	"github.com/bookstore/services/circulation/internal/loanstate"
	"github.com/bookstore/services/circulation/pkg/logger"
)

var base = time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)

func newLoan(bookID, userID string, status loanstate.Status, reservedAt time.Time) *db.Loan {
	deadline := reservedAt.Add(48 * time.Hour)
	return &db.Loan{
		ID:              uuid.NewString(),
		BookID:          bookID,
		UserID:          userID,
		Status:          status,
		ReservationDate: reservedAt,
		PickupDeadline:  &deadline,
		FineAmount:      decimal.Zero,
	}
}

func TestCreateRejectsSecondOpenLoan(t *testing.T) {
	database := setupTestDB(t)
	loans := NewLoanRepository(database, logger.NewNop())

	require.NoError(t, loans.Create(database.DB, newLoan("BOOK-001", "alice", loanstate.Reserved, base)))

	err := loans.Create(database.DB, newLoan("BOOK-001", "alice", loanstate.Reserved, base))
	assert.ErrorIs(t, err, ErrDuplicateOpenLoan)

	// Closed loans do not count
	require.NoError(t, loans.Create(database.DB, newLoan("BOOK-001", "bob", loanstate.Cancelled, base)))
	require.NoError(t, loans.Create(database.DB, newLoan("BOOK-001", "bob", loanstate.Reserved, base)))
}

func TestHasOpenLoan(t *testing.T) {
	database := setupTestDB(t)
	loans := NewLoanRepository(database, logger.NewNop())

	open, err := loans.HasOpenLoan(database.DB, "BOOK-001", "alice")
	require.NoError(t, err)
	assert.False(t, open)

	require.NoError(t, loans.Create(database.DB, newLoan("BOOK-001", "alice", loanstate.Active, base)))

	open, err = loans.HasOpenLoan(database.DB, "BOOK-001", "alice")
	require.NoError(t, err)
	assert.True(t, open)
}

func TestChangeStatusIsConditional(t *testing.T) {
	database := setupTestDB(t)
	loans := NewLoanRepository(database, logger.NewNop())

	loan := newLoan("BOOK-001", "alice", loanstate.Reserved, base)
	require.NoError(t, loans.Create(database.DB, loan))

	change := StatusChange{
		LoanID: loan.ID,
		From:   []loanstate.Status{loanstate.Reserved},
		To:     loanstate.Cancelled,
		Set:    map[string]interface{}{"cancel_reason": db.CancelReasonMember},
	}

	won, err := loans.ChangeStatus(database.DB, change)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = loans.ChangeStatus(database.DB, change)
	require.NoError(t, err)
	assert.False(t, won)

	got, err := loans.GetLoan(context.Background(), loan.ID)
	require.NoError(t, err)
	assert.Equal(t, loanstate.Cancelled, got.Status)
	assert.Equal(t, db.CancelReasonMember, got.CancelReason)
}

func TestChangeStatusRejectsIllegalTransition(t *testing.T) {
	database := setupTestDB(t)
	loans := NewLoanRepository(database, logger.NewNop())

	_, err := loans.ChangeStatus(database.DB, StatusChange{
		LoanID: "x",
		From:   []loanstate.Status{loanstate.Returned},
		To:     loanstate.Reserved,
	})
	assert.ErrorIs(t, err, loanstate.ErrIllegalTransition)
}

func TestChangeStatusGuard(t *testing.T) {
	database := setupTestDB(t)
	loans := NewLoanRepository(database, logger.NewNop())

	loan := newLoan("BOOK-001", "alice", loanstate.Reserved, base)
	require.NoError(t, loans.Create(database.DB, loan))

	afterDeadline := base.Add(72 * time.Hour)
	won, err := loans.ChangeStatus(database.DB, StatusChange{
		LoanID: loan.ID,
		From:   []loanstate.Status{loanstate.Reserved},
		To:     loanstate.Active,
		Guards: []func(*gorm.DB) *gorm.DB{PickupDeadlineNotPassed(afterDeadline)},
	})
	require.NoError(t, err)
	assert.False(t, won)

	ids, err := loans.ExpiredReservations(context.Background(), afterDeadline, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{loan.ID}, ids)
}

func TestMarkOverdue(t *testing.T) {
	database := setupTestDB(t)
	loans := NewLoanRepository(database, logger.NewNop())

	due := base.Add(24 * time.Hour)
	late := newLoan("BOOK-001", "alice", loanstate.Active, base)
	late.DueDate = &due
	onTime := newLoan("BOOK-002", "alice", loanstate.Active, base)
	later := base.Add(30 * 24 * time.Hour)
	onTime.DueDate = &later
	require.NoError(t, loans.Create(database.DB, late))
	require.NoError(t, loans.Create(database.DB, onTime))

	n, err := loans.MarkOverdue(database.DB, base.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := loans.GetLoan(context.Background(), late.ID)
	require.NoError(t, err)
	assert.Equal(t, loanstate.Overdue, got.Status)

	n, err = loans.MarkOverdue(database.DB, base.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestListLoans(t *testing.T) {
	database := setupTestDB(t)
	loans := NewLoanRepository(database, logger.NewNop())
	ctx := context.Background()

	require.NoError(t, loans.Create(database.DB, newLoan("BOOK-001", "alice", loanstate.Reserved, base)))
	require.NoError(t, loans.Create(database.DB, newLoan("BOOK-002", "alice", loanstate.Returned, base.Add(time.Hour))))
	require.NoError(t, loans.Create(database.DB, newLoan("BOOK-001", "bob", loanstate.Active, base.Add(2*time.Hour))))

	result, total, err := loans.ListLoans(ctx, LoanFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, result, 3)
	assert.Equal(t, "bob", result[0].UserID)

	result, total, err = loans.ListLoans(ctx, LoanFilter{UserID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, result, 2)

	result, total, err = loans.ListLoans(ctx, LoanFilter{BookID: "BOOK-001", Statuses: loanstate.Open()})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, result, 2)

	result, total, err = loans.ListLoans(ctx, LoanFilter{Page: 2, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, result, 1)
}

func TestGetLoanNotFound(t *testing.T) {
	database := setupTestDB(t)
	loans := NewLoanRepository(database, logger.NewNop())

	_, err := loans.GetLoan(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrLoanNotFound)
}
