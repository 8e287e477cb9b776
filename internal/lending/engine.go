// Package lending implements the loan lifecycle: reservations, pickups,
// cancellations, returns and the expiry of unclaimed reservations.
//
// Every operation that moves a copy in or out of the availability ledger
// runs in one database transaction together with the loan write, and every
// loan write is conditioned on the status the operation expects. Two
// transitions racing on the same loan therefore resolve to exactly one
// winner; the loser observes the new state and reports it.
package lending

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/bookstore/services/circulation/internal/clock"
	"github.com/bookstore/services/circulation/internal/db"
	"github.com/bookstore/services/circulation/internal/events"
	"github.com/bookstore/services/circulation/internal/fine"
	"github.com/bookstore/services/circulation/internal/loanstate"
	"github.com/bookstore/services/circulation/internal/metrics"
	"github.com/bookstore/services/circulation/internal/repo"
)

const (
	defaultSweepBatch = 100
	publishTimeout    = 10 * time.Second
)

// EventPublisher delivers loan events after a transition commits
type EventPublisher interface {
	PublishLoanEvent(ctx context.Context, eventType string, loan db.Loan) error
}

// Options configures optional engine collaborators
type Options struct {
	Clock               clock.Clock
	Publisher           EventPublisher
	Metrics             *metrics.Metrics
	ReservationCooldown time.Duration
	SweepBatchSize      int
}

// LoanFilter narrows ListLoans
type LoanFilter = repo.LoanFilter

// Engine runs loan lifecycle transitions
type Engine struct {
	db        *db.DB
	loans     *repo.LoanRepository
	ledger    *repo.AvailabilityLedger
	policies  *repo.PolicyRepository
	clock     clock.Clock
	publisher EventPublisher
	metrics   *metrics.Metrics
	log       *zap.Logger

	cooldown   time.Duration
	sweepBatch int
}

// NewEngine creates a lifecycle engine
func NewEngine(
	database *db.DB,
	loans *repo.LoanRepository,
	ledger *repo.AvailabilityLedger,
	policies *repo.PolicyRepository,
	logger *zap.Logger,
	opts Options,
) *Engine {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.SweepBatchSize <= 0 {
		opts.SweepBatchSize = defaultSweepBatch
	}

	return &Engine{
		db:         database,
		loans:      loans,
		ledger:     ledger,
		policies:   policies,
		clock:      opts.Clock,
		publisher:  opts.Publisher,
		metrics:    opts.Metrics,
		log:        logger,
		cooldown:   opts.ReservationCooldown,
		sweepBatch: opts.SweepBatchSize,
	}
}

// Reserve holds one copy of bookID for userID until the pickup deadline
func (e *Engine) Reserve(ctx context.Context, bookID, userID string) (*db.Loan, error) {
	loan, err := e.open(ctx, bookID, userID, loanstate.Reserved)
	e.observe("reserve", err)
	if err != nil {
		return nil, err
	}

	e.log.Info("Reservation created",
		zap.String("loan_id", loan.ID),
		zap.String("book_id", bookID),
		zap.String("user_id", userID),
		zap.Time("pickup_deadline", *loan.PickupDeadline),
	)
	e.publish(ctx, events.EventTypeLoanReserved, loan)
	return loan, nil
}

// Assign checks a copy of bookID out to userID directly, skipping the
// reservation step
func (e *Engine) Assign(ctx context.Context, bookID, userID string) (*db.Loan, error) {
	loan, err := e.open(ctx, bookID, userID, loanstate.Active)
	e.observe("assign", err)
	if err != nil {
		return nil, err
	}

	e.log.Info("Loan assigned",
		zap.String("loan_id", loan.ID),
		zap.String("book_id", bookID),
		zap.String("user_id", userID),
		zap.Time("due_date", *loan.DueDate),
	)
	e.publish(ctx, events.EventTypeLoanAssigned, loan)
	return loan, nil
}

func (e *Engine) open(ctx context.Context, bookID, userID string, status loanstate.Status) (*db.Loan, error) {
	if bookID == "" || userID == "" {
		return nil, fmt.Errorf("%w: book id and user id are required", ErrInvalidArgument)
	}

	now := e.clock.Now()
	var loan *db.Loan

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := e.policies.Get(tx)
		if err != nil {
			return err
		}
		policy := policyFromRecord(record)

		open, err := e.loans.HasOpenLoan(tx, bookID, userID)
		if err != nil {
			return err
		}
		if open {
			return fmt.Errorf("%w: user %s, book %s", ErrDuplicateReservation, userID, bookID)
		}

		if status == loanstate.Reserved && e.cooldown > 0 {
			recent, err := e.loans.CancelledByMemberSince(tx, bookID, userID, now.Add(-e.cooldown))
			if err != nil {
				return err
			}
			if recent {
				return fmt.Errorf("%w: user %s cancelled book %s within %s", ErrCooldownActive, userID, bookID, e.cooldown)
			}
		}

		claimed, err := e.ledger.TryClaim(tx, bookID)
		if err != nil {
			return err
		}
		if !claimed {
			return fmt.Errorf("%w: book %s", ErrNoCopiesAvailable, bookID)
		}

		loan = &db.Loan{
			ID:              uuid.New().String(),
			BookID:          bookID,
			UserID:          userID,
			Status:          status,
			ReservationDate: now,
			FineAmount:      decimal.Zero,
		}
		if status == loanstate.Reserved {
			deadline := now.Add(policy.PickupWindow())
			loan.PickupDeadline = &deadline
		} else {
			due := now.Add(policy.LoanPeriod())
			loan.StartDate = &now
			loan.DueDate = &due
		}

		if err := e.loans.Create(tx, loan); err != nil {
			if errors.Is(err, repo.ErrDuplicateOpenLoan) {
				return fmt.Errorf("%w: user %s, book %s", ErrDuplicateReservation, userID, bookID)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return loan, nil
}

// ConfirmPickup turns a reservation into an active loan. A reservation
// whose deadline has passed is expired on the spot and ErrAlreadyExpired
// is returned.
func (e *Engine) ConfirmPickup(ctx context.Context, loanID string) (*db.Loan, error) {
	now := e.clock.Now()
	var (
		loan    *db.Loan
		expired *db.Loan
	)

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := e.loans.Get(tx, loanID)
		if err != nil {
			return err
		}
		if current.Status != loanstate.Reserved {
			return stateError(current, "pickup")
		}

		if current.PickupDeadline != nil && now.After(*current.PickupDeadline) {
			won, err := e.expire(tx, current, now)
			if err != nil {
				return err
			}
			if !won {
				return e.lostRace(tx, loanID, "pickup")
			}
			expired, err = e.loans.Get(tx, loanID)
			return err
		}

		record, err := e.policies.Get(tx)
		if err != nil {
			return err
		}
		due := now.Add(policyFromRecord(record).LoanPeriod())

		won, err := e.loans.ChangeStatus(tx, repo.StatusChange{
			LoanID: loanID,
			From:   []loanstate.Status{loanstate.Reserved},
			To:     loanstate.Active,
			Set: map[string]interface{}{
				"start_date": now,
				"due_date":   due,
			},
			Guards: []func(*gorm.DB) *gorm.DB{repo.PickupDeadlineNotPassed(now)},
		})
		if err != nil {
			return err
		}
		if !won {
			return e.lostRace(tx, loanID, "pickup")
		}

		loan, err = e.loans.Get(tx, loanID)
		return err
	})

	if err == nil && expired != nil {
		e.metrics.ReservationsExpired(1)
		e.log.Info("Reservation expired at pickup",
			zap.String("loan_id", loanID),
			zap.String("book_id", expired.BookID),
		)
		e.publish(ctx, events.EventTypeLoanExpired, expired)
		err = fmt.Errorf("%w: loan %s passed its pickup deadline %s", ErrAlreadyExpired, loanID, expired.PickupDeadline.Format(time.RFC3339))
	}

	e.observe("pickup", err)
	if err != nil {
		return nil, err
	}

	e.log.Info("Loan picked up",
		zap.String("loan_id", loanID),
		zap.Time("due_date", *loan.DueDate),
	)
	e.publish(ctx, events.EventTypeLoanPickedUp, loan)
	return loan, nil
}

// Cancel withdraws a reservation and frees its copy
func (e *Engine) Cancel(ctx context.Context, loanID string) (*db.Loan, error) {
	now := e.clock.Now()
	var loan *db.Loan

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := e.loans.Get(tx, loanID)
		if err != nil {
			return err
		}
		if current.Status != loanstate.Reserved {
			return invalidState(current, "cancel")
		}

		won, err := e.loans.ChangeStatus(tx, repo.StatusChange{
			LoanID: loanID,
			From:   []loanstate.Status{loanstate.Reserved},
			To:     loanstate.Cancelled,
			Set: map[string]interface{}{
				"canceled_at":   now,
				"cancel_reason": db.CancelReasonMember,
			},
		})
		if err != nil {
			return err
		}
		if !won {
			reloaded, err := e.loans.Get(tx, loanID)
			if err != nil {
				return err
			}
			return invalidState(reloaded, "cancel")
		}

		if err := e.ledger.Release(tx, current.BookID); err != nil {
			return err
		}

		loan, err = e.loans.Get(tx, loanID)
		return err
	})

	e.observe("cancel", err)
	if err != nil {
		return nil, err
	}

	e.log.Info("Reservation cancelled",
		zap.String("loan_id", loanID),
		zap.String("book_id", loan.BookID),
	)
	e.publish(ctx, events.EventTypeLoanCancelled, loan)
	return loan, nil
}

// Return closes an active or overdue loan, finalizes its fine and frees
// the copy
func (e *Engine) Return(ctx context.Context, loanID string) (*db.Loan, error) {
	now := e.clock.Now()
	var loan *db.Loan

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := e.loans.Get(tx, loanID)
		if err != nil {
			return err
		}
		if !current.Status.CanTransitionTo(loanstate.Returned) {
			return invalidState(current, "return")
		}

		record, err := e.policies.Get(tx)
		if err != nil {
			return err
		}

		amount := decimal.Zero
		if current.DueDate != nil {
			amount = fine.Calculate(*current.DueDate, now, record.DailyFineAmount)
		}

		won, err := e.loans.ChangeStatus(tx, repo.StatusChange{
			LoanID: loanID,
			From:   loanstate.Sources(loanstate.Returned),
			To:     loanstate.Returned,
			Set: map[string]interface{}{
				"returned_at": now,
				"fine_amount": amount,
			},
		})
		if err != nil {
			return err
		}
		if !won {
			reloaded, err := e.loans.Get(tx, loanID)
			if err != nil {
				return err
			}
			return invalidState(reloaded, "return")
		}

		if err := e.ledger.Release(tx, current.BookID); err != nil {
			return err
		}

		loan, err = e.loans.Get(tx, loanID)
		return err
	})

	e.observe("return", err)
	if err != nil {
		return nil, err
	}

	e.metrics.FineCharged(loan.FineAmount)
	e.log.Info("Loan returned",
		zap.String("loan_id", loanID),
		zap.String("book_id", loan.BookID),
		zap.String("fine_amount", loan.FineAmount.StringFixed(fine.Places)),
	)
	e.publish(ctx, events.EventTypeLoanReturned, loan)
	return loan, nil
}

// SweepExpired cancels every reservation whose pickup deadline has passed
// and frees its copy. Each loan commits on its own; a failure on one loan
// does not stop the others and is reported in the returned error.
func (e *Engine) SweepExpired(ctx context.Context) (int, error) {
	now := e.clock.Now()
	var (
		count int
		errs  []error
	)

	for {
		ids, err := e.loans.ExpiredReservations(ctx, now, e.sweepBatch)
		if err != nil {
			errs = append(errs, err)
			break
		}

		progress := 0
		for _, id := range ids {
			if ctx.Err() != nil {
				errs = append(errs, ctx.Err())
				break
			}

			loan, err := e.expireOne(ctx, id, now)
			if err != nil {
				e.log.Error("Failed to expire reservation", zap.String("loan_id", id), zap.Error(err))
				errs = append(errs, fmt.Errorf("expire loan %s: %w", id, err))
				continue
			}
			if loan == nil {
				continue
			}

			progress++
			e.publish(ctx, events.EventTypeLoanExpired, loan)
		}
		count += progress

		if len(ids) < e.sweepBatch || progress == 0 || ctx.Err() != nil {
			break
		}
	}

	e.metrics.ReservationsExpired(count)
	if count > 0 {
		e.log.Info("Expired reservations swept", zap.Int("count", count))
	}
	return count, errors.Join(errs...)
}

func (e *Engine) expireOne(ctx context.Context, loanID string, now time.Time) (*db.Loan, error) {
	var loan *db.Loan
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := e.loans.Get(tx, loanID)
		if err != nil {
			return err
		}
		won, err := e.expire(tx, current, now)
		if err != nil || !won {
			return err
		}
		loan, err = e.loans.Get(tx, loanID)
		return err
	})
	return loan, err
}

// expire cancels a reserved loan past its deadline and releases its copy.
// False means the loan was no longer expirable.
func (e *Engine) expire(tx *gorm.DB, loan *db.Loan, now time.Time) (bool, error) {
	won, err := e.loans.ChangeStatus(tx, repo.StatusChange{
		LoanID: loan.ID,
		From:   []loanstate.Status{loanstate.Reserved},
		To:     loanstate.Cancelled,
		Set: map[string]interface{}{
			"canceled_at":   now,
			"cancel_reason": db.CancelReasonExpired,
		},
		Guards: []func(*gorm.DB) *gorm.DB{repo.PickupDeadlinePassed(now)},
	})
	if err != nil || !won {
		return false, err
	}

	if err := e.ledger.Release(tx, loan.BookID); err != nil {
		return false, err
	}
	return true, nil
}

// MarkOverdue moves every active loan past its due date to overdue
func (e *Engine) MarkOverdue(ctx context.Context) (int64, error) {
	n, err := e.loans.MarkOverdue(e.db.WithContext(ctx), e.clock.Now())
	if err != nil {
		return 0, err
	}

	e.metrics.LoansMarkedOverdue(n)
	if n > 0 {
		e.log.Info("Loans marked overdue", zap.Int64("count", n))
	}
	return n, nil
}

// EstimateFine computes what the loan would owe if returned at asOf, using
// the current policy rate. A zero asOf means now. Returned loans report
// their final fine.
func (e *Engine) EstimateFine(ctx context.Context, loanID string, asOf time.Time) (decimal.Decimal, error) {
	loan, err := e.loans.GetLoan(ctx, loanID)
	if err != nil {
		return decimal.Zero, err
	}

	switch {
	case loan.Status == loanstate.Returned:
		return loan.FineAmount, nil
	case loan.DueDate == nil:
		return decimal.Zero, nil
	}

	if asOf.IsZero() {
		asOf = e.clock.Now()
	}

	record, err := e.policies.GetPolicy(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return fine.Calculate(*loan.DueDate, asOf, record.DailyFineAmount), nil
}

// GetLoan returns a loan, marking it overdue first when it is past due
func (e *Engine) GetLoan(ctx context.Context, loanID string) (*db.Loan, error) {
	n, err := e.loans.MarkOverdue(e.db.WithContext(ctx), e.clock.Now(), loanID)
	if err != nil {
		return nil, err
	}
	e.metrics.LoansMarkedOverdue(n)

	return e.loans.GetLoan(ctx, loanID)
}

// ListLoans returns a page of loans and the total count matching filter.
// Overdue marking runs first so listed statuses are current.
func (e *Engine) ListLoans(ctx context.Context, filter LoanFilter) ([]*db.Loan, int64, error) {
	if _, err := e.MarkOverdue(ctx); err != nil {
		return nil, 0, err
	}
	return e.loans.ListLoans(ctx, filter)
}

// Availability returns the copy counts of a book
func (e *Engine) Availability(ctx context.Context, bookID string) (*db.BookAvailability, error) {
	return e.ledger.Get(ctx, bookID)
}

// SetTotalCopies registers or resizes a book
func (e *Engine) SetTotalCopies(ctx context.Context, bookID string, total int) (*db.BookAvailability, error) {
	if bookID == "" {
		return nil, fmt.Errorf("%w: book id is required", ErrInvalidArgument)
	}
	return e.ledger.SetTotalCopies(ctx, bookID, total)
}

// Policy returns the policy in effect
func (e *Engine) Policy(ctx context.Context) (Policy, error) {
	record, err := e.policies.GetPolicy(ctx)
	if err != nil {
		return Policy{}, err
	}
	return policyFromRecord(record), nil
}

// UpdatePolicy validates and stores p. Existing loans keep the deadlines
// and rates they were given.
func (e *Engine) UpdatePolicy(ctx context.Context, p Policy) (Policy, error) {
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}

	p.DailyFineAmount = p.DailyFineAmount.Round(fine.Places)
	if err := e.policies.Save(ctx, p.record()); err != nil {
		return Policy{}, err
	}
	return e.Policy(ctx)
}

// lostRace reports the state a concurrent transition left the loan in
func (e *Engine) lostRace(tx *gorm.DB, loanID, operation string) error {
	loan, err := e.loans.Get(tx, loanID)
	if err != nil {
		return err
	}
	return stateError(loan, operation)
}

// stateError distinguishes an expired reservation from any other
// unexpected state
func stateError(loan *db.Loan, operation string) error {
	if loan.Status == loanstate.Cancelled && loan.CancelReason == db.CancelReasonExpired {
		return fmt.Errorf("%w: loan %s", ErrAlreadyExpired, loan.ID)
	}
	return invalidState(loan, operation)
}

func invalidState(loan *db.Loan, operation string) error {
	return fmt.Errorf("%w: cannot %s loan %s in status %s", ErrInvalidState, operation, loan.ID, loan.Status)
}

func (e *Engine) observe(operation string, err error) {
	e.metrics.ObserveOperation(operation, Code(err))
}

// publish hands a copy of loan to the publisher without blocking the caller
func (e *Engine) publish(ctx context.Context, eventType string, loan *db.Loan) {
	if e.publisher == nil || loan == nil {
		return
	}

	snapshot := *loan
	correlationID := events.CorrelationID(ctx)

	go func() {
		pubCtx, cancel := context.WithTimeout(
			events.WithCorrelationID(context.Background(), correlationID),
			publishTimeout,
		)
		defer cancel()

		err := e.publisher.PublishLoanEvent(pubCtx, eventType, snapshot)
		e.metrics.EventPublished(eventType, err)
		if err != nil {
			e.log.Warn("Failed to publish loan event",
				zap.String("event_type", eventType),
				zap.String("loan_id", snapshot.ID),
				zap.Error(err),
			)
		}
	}()
}
