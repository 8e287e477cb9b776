package lending

import (
	"errors"

	"github.com/bookstore/services/circulation/internal/repo"
)

var (
	// ErrNoCopiesAvailable is returned when every copy of a book is claimed
	ErrNoCopiesAvailable = errors.New("no copies available")

	// ErrDuplicateReservation is returned when the member already holds an
	// open loan for the book
	ErrDuplicateReservation = errors.New("member already holds an open loan for this book")

	// ErrInvalidState is returned when a loan is not in a state the
	// operation accepts
	ErrInvalidState = errors.New("invalid loan state")

	// ErrAlreadyExpired is returned when a reservation's pickup deadline has
	// passed
	ErrAlreadyExpired = errors.New("reservation already expired")

	// ErrPolicyViolation is returned for out-of-range policy values
	ErrPolicyViolation = errors.New("policy violation")

	// ErrCooldownActive is returned when the member cancelled a reservation
	// of the same book too recently
	ErrCooldownActive = errors.New("reservation cooldown active")

	// ErrInvalidArgument is returned for missing identifiers
	ErrInvalidArgument = errors.New("invalid argument")

	ErrLoanNotFound             = repo.ErrLoanNotFound
	ErrBookNotFound             = repo.ErrBookNotFound
	ErrLedgerInvariantViolation = repo.ErrLedgerInvariantViolation
	ErrCapacityBelowOpenLoans   = repo.ErrCapacityBelowOpenLoans
	ErrInvalidCapacity          = repo.ErrInvalidCapacity
)

// Code returns a stable snake_case name for err, used as a metrics label
// and in API error bodies
func Code(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNoCopiesAvailable):
		return "no_copies_available"
	case errors.Is(err, ErrDuplicateReservation):
		return "duplicate_reservation"
	case errors.Is(err, ErrCooldownActive):
		return "cooldown_active"
	case errors.Is(err, ErrAlreadyExpired):
		return "already_expired"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrPolicyViolation):
		return "policy_violation"
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrInvalidCapacity):
		return "invalid_argument"
	case errors.Is(err, ErrLoanNotFound):
		return "loan_not_found"
	case errors.Is(err, ErrBookNotFound):
		return "book_not_found"
	case errors.Is(err, ErrCapacityBelowOpenLoans):
		return "capacity_below_open_loans"
	case errors.Is(err, ErrLedgerInvariantViolation):
		return "ledger_invariant_violation"
	default:
		return "internal"
	}
}
