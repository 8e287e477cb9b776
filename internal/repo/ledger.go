package repo

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/bookstore/services/circulation/internal/db"
)

// AvailabilityLedger owns the available-copies counter of every book.
//
// TryClaim and Release are single conditional UPDATE statements, so the
// counter is never read and written in separate steps. Both take the
// caller's transaction: the counter change commits or rolls back together
// with the loan write it pays for.
type AvailabilityLedger struct {
	db  *db.DB
	log *zap.Logger

	// OnViolation, when set, is called with the book id on every detected
	// invariant violation
	OnViolation func(bookID string)
}

// NewAvailabilityLedger creates a new availability ledger
func NewAvailabilityLedger(database *db.DB, logger *zap.Logger) *AvailabilityLedger {
	return &AvailabilityLedger{
		db:  database,
		log: logger,
	}
}

// TryClaim takes one available copy of bookID. It reports false when none is
// left and ErrBookNotFound when the book is unknown.
func (l *AvailabilityLedger) TryClaim(tx *gorm.DB, bookID string) (bool, error) {
	result := tx.Model(&db.BookAvailability{}).
		Where("book_id = ? AND available_copies > 0", bookID).
		Update("available_copies", gorm.Expr("available_copies - 1"))
	if result.Error != nil {
		l.log.Error("Failed to claim copy", zap.String("book_id", bookID), zap.Error(result.Error))
		return false, result.Error
	}

	if result.RowsAffected == 1 {
		return true, nil
	}

	if _, err := l.get(tx, bookID); err != nil {
		return false, err
	}
	return false, nil
}

// Release returns one copy of bookID. Releasing a book that already has all
// copies available is reported as ErrLedgerInvariantViolation.
func (l *AvailabilityLedger) Release(tx *gorm.DB, bookID string) error {
	result := tx.Model(&db.BookAvailability{}).
		Where("book_id = ? AND available_copies < total_copies", bookID).
		Update("available_copies", gorm.Expr("available_copies + 1"))
	if result.Error != nil {
		l.log.Error("Failed to release copy", zap.String("book_id", bookID), zap.Error(result.Error))
		return result.Error
	}

	if result.RowsAffected == 1 {
		return nil
	}

	var violation error
	book, err := l.get(tx, bookID)
	switch {
	case errors.Is(err, ErrBookNotFound):
		violation = fmt.Errorf("%w: release of unknown book %s", ErrLedgerInvariantViolation, bookID)
	case err != nil:
		return err
	default:
		violation = fmt.Errorf("%w: release of book %s would exceed %d total copies",
			ErrLedgerInvariantViolation, bookID, book.TotalCopies)
	}

	l.log.Error("Availability ledger invariant violated",
		zap.String("book_id", bookID),
		zap.Error(violation),
	)
	if l.OnViolation != nil {
		l.OnViolation(bookID)
	}
	return violation
}

// Get returns the availability of bookID
func (l *AvailabilityLedger) Get(ctx context.Context, bookID string) (*db.BookAvailability, error) {
	return l.get(l.db.WithContext(ctx), bookID)
}

// SetTotalCopies registers bookID with total copies, or resizes it when it
// is already known. Open loans keep their claim across a resize.
func (l *AvailabilityLedger) SetTotalCopies(ctx context.Context, bookID string, total int) (*db.BookAvailability, error) {
	if total < 0 {
		return nil, ErrInvalidCapacity
	}

	var book *db.BookAvailability
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		created, err := l.register(tx, bookID, total)
		if err != nil {
			return err
		}
		if !created {
			if err := l.resize(tx, bookID, total); err != nil {
				return err
			}
		}
		book, err = l.get(tx, bookID)
		return err
	})
	if err != nil {
		return nil, err
	}

	l.log.Info("Book capacity set",
		zap.String("book_id", bookID),
		zap.Int("total_copies", book.TotalCopies),
		zap.Int("available_copies", book.AvailableCopies),
	)
	return book, nil
}

// Register creates the availability record for bookID with all copies
// available. An existing record is left untouched.
func (l *AvailabilityLedger) Register(ctx context.Context, bookID string, total int) (bool, error) {
	if total < 0 {
		return false, ErrInvalidCapacity
	}
	return l.register(l.db.WithContext(ctx), bookID, total)
}

func (l *AvailabilityLedger) register(tx *gorm.DB, bookID string, total int) (bool, error) {
	book := db.BookAvailability{
		BookID:          bookID,
		TotalCopies:     total,
		AvailableCopies: total,
	}
	result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&book)
	if result.Error != nil {
		l.log.Error("Failed to register book", zap.String("book_id", bookID), zap.Error(result.Error))
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// resize moves total_copies to total and shifts available_copies by the
// same delta in one statement. SET expressions see the old row, so
// total_copies on the right-hand side is the previous total.
func (l *AvailabilityLedger) resize(tx *gorm.DB, bookID string, total int) error {
	result := tx.Model(&db.BookAvailability{}).
		Where("book_id = ? AND available_copies + (? - total_copies) >= 0", bookID, total).
		Updates(map[string]interface{}{
			"available_copies": gorm.Expr("available_copies + (? - total_copies)", total),
			"total_copies":     total,
		})
	if result.Error != nil {
		l.log.Error("Failed to resize book", zap.String("book_id", bookID), zap.Error(result.Error))
		return result.Error
	}
	if result.RowsAffected == 1 {
		return nil
	}

	if _, err := l.get(tx, bookID); err != nil {
		return err
	}
	return ErrCapacityBelowOpenLoans
}

func (l *AvailabilityLedger) get(tx *gorm.DB, bookID string) (*db.BookAvailability, error) {
	var book db.BookAvailability
	err := tx.Where("book_id = ?", bookID).First(&book).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBookNotFound
		}
		l.log.Error("Failed to get book availability", zap.String("book_id", bookID), zap.Error(err))
		return nil, err
	}
	return &book, nil
}
