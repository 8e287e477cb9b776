package repo

import "errors"

var (
	// ErrBookNotFound is returned when a book has no availability record
	ErrBookNotFound = errors.New("book not found")

	// ErrLoanNotFound is returned when a loan does not exist
	ErrLoanNotFound = errors.New("loan not found")

	// ErrDuplicateOpenLoan is returned when a member already holds an open
	// loan for the same book
	ErrDuplicateOpenLoan = errors.New("member already holds an open loan for this book")

	// ErrLedgerInvariantViolation is returned when a ledger primitive would
	// push available copies outside [0, total]. It signals a bookkeeping
	// bug and is never repaired in place.
	ErrLedgerInvariantViolation = errors.New("availability ledger invariant violated")

	// ErrCapacityBelowOpenLoans is returned when a resize would leave fewer
	// copies than open loans
	ErrCapacityBelowOpenLoans = errors.New("total copies below open loans")

	// ErrInvalidCapacity is returned for a negative copy count
	ErrInvalidCapacity = errors.New("total copies must not be negative")
)
