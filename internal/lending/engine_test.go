package lending

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bookstore/services/circulation/internal/clock"
	"github.com/bookstore/services/circulation/internal/db"
	"github.com/bookstore/services/circulation/internal/events"
	"github.com/bookstore/services/circulation/internal/loanstate"
	"github.com/bookstore/services/circulation/internal/repo"
	"github.com/bookstore/services/circulation/pkg/logger"
)

var start = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) PublishLoanEvent(ctx context.Context, eventType string, loan db.Loan) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventType+":"+loan.ID)
	return nil
}

func (p *recordingPublisher) has(eventType, loanID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.events {
		if e == eventType+":"+loanID {
			return true
		}
	}
	return false
}

type fixture struct {
	engine    *Engine
	ledger    *repo.AvailabilityLedger
	database  *db.DB
	clock     *clock.Manual
	publisher *recordingPublisher
}

func setup(t *testing.T, cooldown time.Duration) *fixture {
	database, err := db.OpenSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.RunMigrations(database))
	t.Cleanup(func() { _ = database.Close() })

	log := logger.NewNop()
	ledger := repo.NewAvailabilityLedger(database, log)
	policies := repo.NewPolicyRepository(database, log, db.Policy{
		PickupWindowDays: 2,
		StandardLoanDays: 30,
		DailyFineAmount:  decimal.RequireFromString("0.10"),
	})

	f := &fixture{
		ledger:    ledger,
		database:  database,
		clock:     clock.NewManual(start),
		publisher: &recordingPublisher{},
	}
	f.engine = NewEngine(database, repo.NewLoanRepository(database, log), ledger, policies, log, Options{
		Clock:               f.clock,
		Publisher:           f.publisher,
		ReservationCooldown: cooldown,
	})
	return f
}

func (f *fixture) addBook(t *testing.T, bookID string, copies int) {
	_, err := f.ledger.SetTotalCopies(context.Background(), bookID, copies)
	require.NoError(t, err)
}

func (f *fixture) available(t *testing.T, bookID string) int {
	book, err := f.ledger.Get(context.Background(), bookID)
	require.NoError(t, err)
	return book.AvailableCopies
}

func TestReservePickupReturn(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()
	f.addBook(t, "BOOK-001", 2)

	loan, err := f.engine.Reserve(ctx, "BOOK-001", "alice")
	require.NoError(t, err)
	assert.Equal(t, loanstate.Reserved, loan.Status)
	assert.Equal(t, start.Add(48*time.Hour), loan.PickupDeadline.UTC())
	assert.Equal(t, 1, f.available(t, "BOOK-001"))

	f.clock.Advance(24 * time.Hour)
	loan, err = f.engine.ConfirmPickup(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, loanstate.Active, loan.Status)
	assert.Equal(t, start.Add(24*time.Hour), loan.StartDate.UTC())
	assert.Equal(t, start.Add(31*24*time.Hour), loan.DueDate.UTC())
	assert.Equal(t, 1, f.available(t, "BOOK-001"))

	f.clock.Advance(10 * 24 * time.Hour)
	loan, err = f.engine.Return(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, loanstate.Returned, loan.Status)
	assert.True(t, loan.FineAmount.IsZero())
	assert.NotNil(t, loan.ReturnedAt)
	assert.Equal(t, 2, f.available(t, "BOOK-001"))

	assert.Eventually(t, func() bool {
		return f.publisher.has(events.EventTypeLoanReserved, loan.ID) &&
			f.publisher.has(events.EventTypeLoanPickedUp, loan.ID) &&
			f.publisher.has(events.EventTypeLoanReturned, loan.ID)
	}, time.Second, 10*time.Millisecond)
}

func TestReserveErrors(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()
	f.addBook(t, "BOOK-001", 1)

	_, err := f.engine.Reserve(ctx, "BOOK-001", "alice")
	require.NoError(t, err)

	_, err = f.engine.Reserve(ctx, "BOOK-001", "alice")
	assert.ErrorIs(t, err, ErrDuplicateReservation)

	_, err = f.engine.Reserve(ctx, "BOOK-001", "bob")
	assert.ErrorIs(t, err, ErrNoCopiesAvailable)

	_, err = f.engine.Reserve(ctx, "NOPE", "bob")
	assert.ErrorIs(t, err, ErrBookNotFound)

	_, err = f.engine.Reserve(ctx, "", "bob")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	assert.Equal(t, 0, f.available(t, "BOOK-001"))
}

func TestConcurrentReservesNeverOvercommit(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()

	const copies, members = 3, 10
	f.addBook(t, "BOOK-001", copies)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		noCopies  int
	)
	for i := 0; i < members; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.engine.Reserve(ctx, "BOOK-001", fmt.Sprintf("member-%d", i))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrNoCopiesAvailable):
				noCopies++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, copies, succeeded)
	assert.Equal(t, members-copies, noCopies)
	assert.Equal(t, 0, f.available(t, "BOOK-001"))
}

func TestConcurrentDuplicateReserve(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()
	f.addBook(t, "BOOK-001", 5)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Reserve(ctx, "BOOK-001", "alice")
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrDuplicateReservation)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 4, f.available(t, "BOOK-001"))
}

func TestReserveThenCancelRestoresAvailability(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()
	f.addBook(t, "BOOK-001", 3)

	loan, err := f.engine.Reserve(ctx, "BOOK-001", "alice")
	require.NoError(t, err)

	loan, err = f.engine.Cancel(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, loanstate.Cancelled, loan.Status)
	assert.Equal(t, db.CancelReasonMember, loan.CancelReason)
	assert.Equal(t, 3, f.available(t, "BOOK-001"))

	_, err = f.engine.Cancel(ctx, loan.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, 3, f.available(t, "BOOK-001"))
}

func TestCancelActiveLoanIsInvalid(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()
	f.addBook(t, "BOOK-001", 1)

	loan, err := f.engine.Assign(ctx, "BOOK-001", "alice")
	require.NoError(t, err)
	assert.Equal(t, loanstate.Active, loan.Status)
	assert.Nil(t, loan.PickupDeadline)

	_, err = f.engine.Cancel(ctx, loan.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, 0, f.available(t, "BOOK-001"))
}

func TestReturnIsNotRepeatable(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()
	f.addBook(t, "BOOK-001", 2)

	loan, err := f.engine.Assign(ctx, "BOOK-001", "alice")
	require.NoError(t, err)

	_, err = f.engine.Return(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, f.available(t, "BOOK-001"))

	_, err = f.engine.Return(ctx, loan.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, 2, f.available(t, "BOOK-001"))

	_, err = f.engine.Return(ctx, "missing")
	assert.ErrorIs(t, err, ErrLoanNotFound)
}

func TestConcurrentReturnsReleaseOnce(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()
	f.addBook(t, "BOOK-001", 2)

	loan, err := f.engine.Assign(ctx, "BOOK-001", "alice")
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Return(ctx, loan.ID)
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrInvalidState)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 2, f.available(t, "BOOK-001"))
}

func TestReturnChargesFine(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()
	f.addBook(t, "BOOK-001", 1)

	loan, err := f.engine.Assign(ctx, "BOOK-001", "alice")
	require.NoError(t, err)

	// Two and a half days late rounds up to three days
	f.clock.Advance(30*24*time.Hour + 60*time.Hour)

	n, err := f.engine.MarkOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	estimate, err := f.engine.EstimateFine(ctx, loan.ID, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, "0.30", estimate.StringFixed(2))

	loan, err = f.engine.Return(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, "0.30", loan.FineAmount.StringFixed(2))

	// The persisted fine no longer moves
	f.clock.Advance(10 * 24 * time.Hour)
	estimate, err = f.engine.EstimateFine(ctx, loan.ID, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, "0.30", estimate.StringFixed(2))
}

func TestEstimateFineAsOf(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()
	f.addBook(t, "BOOK-001", 1)

	reserved, err := f.engine.Reserve(ctx, "BOOK-001", "alice")
	require.NoError(t, err)

	estimate, err := f.engine.EstimateFine(ctx, reserved.ID, start.Add(365*24*time.Hour))
	require.NoError(t, err)
	assert.True(t, estimate.IsZero(), "a loan without a due date owes nothing")

	loan, err := f.engine.ConfirmPickup(ctx, reserved.ID)
	require.NoError(t, err)

	estimate, err = f.engine.EstimateFine(ctx, loan.ID, loan.DueDate.Add(5*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "0.50", estimate.StringFixed(2))

	estimate, err = f.engine.EstimateFine(ctx, loan.ID, *loan.DueDate)
	require.NoError(t, err)
	assert.True(t, estimate.IsZero())
}

func TestPickupAtDeadlineSucceeds(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()
	f.addBook(t, "BOOK-001", 1)

	loan, err := f.engine.Reserve(ctx, "BOOK-001", "alice")
	require.NoError(t, err)

	f.clock.Set(*loan.PickupDeadline)

	swept, err := f.engine.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, swept)

	loan, err = f.engine.ConfirmPickup(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, loanstate.Active, loan.Status)
}

func TestPickupAfterDeadlineExpires(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()
	f.addBook(t, "BOOK-001", 1)

	loan, err := f.engine.Reserve(ctx, "BOOK-001", "alice")
	require.NoError(t, err)

	f.clock.Set(loan.PickupDeadline.Add(time.Second))

	_, err = f.engine.ConfirmPickup(ctx, loan.ID)
	assert.ErrorIs(t, err, ErrAlreadyExpired)
	assert.Equal(t, 1, f.available(t, "BOOK-001"))

	got, err := f.engine.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, loanstate.Cancelled, got.Status)
	assert.Equal(t, db.CancelReasonExpired, got.CancelReason)

	// The sweeper finds nothing left to do
	swept, err := f.engine.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, swept)

	_, err = f.engine.ConfirmPickup(ctx, loan.ID)
	assert.ErrorIs(t, err, ErrAlreadyExpired)

	_, err = f.engine.Cancel(ctx, loan.ID)
	assert.ErrorIs(t, err, ErrInvalidState)

	assert.Eventually(t, func() bool {
		return f.publisher.has(events.EventTypeLoanExpired, loan.ID)
	}, time.Second, 10*time.Millisecond)
}

func TestPickupRacesSweep(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()
	f.addBook(t, "BOOK-001", 1)

	loan, err := f.engine.Reserve(ctx, "BOOK-001", "alice")
	require.NoError(t, err)

	f.clock.Set(loan.PickupDeadline.Add(time.Minute))

	var (
		wg        sync.WaitGroup
		pickupErr error
		swept     int
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, pickupErr = f.engine.ConfirmPickup(ctx, loan.ID)
	}()
	go func() {
		defer wg.Done()
		var err error
		swept, err = f.engine.SweepExpired(ctx)
		assert.NoError(t, err)
	}()
	wg.Wait()

	assert.ErrorIs(t, pickupErr, ErrAlreadyExpired)
	assert.LessOrEqual(t, swept, 1)
	assert.Equal(t, 1, f.available(t, "BOOK-001"))

	got, err := f.engine.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, loanstate.Cancelled, got.Status)
	assert.Equal(t, db.CancelReasonExpired, got.CancelReason)
}

func TestSweepExpired(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()
	f.addBook(t, "BOOK-001", 5)

	f.engine.sweepBatch = 2

	var ids []string
	for i := 0; i < 5; i++ {
		loan, err := f.engine.Reserve(ctx, "BOOK-001", fmt.Sprintf("member-%d", i))
		require.NoError(t, err)
		ids = append(ids, loan.ID)
	}
	_, err := f.engine.ConfirmPickup(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, 0, f.available(t, "BOOK-001"))

	f.clock.Advance(49 * time.Hour)

	swept, err := f.engine.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, swept)
	assert.Equal(t, 4, f.available(t, "BOOK-001"))

	swept, err = f.engine.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, swept)
}

// Two members, one copy: A reserves and cancels, B reserves, A is turned
// away, B picks up and returns, A reserves again.
func TestOneCopyTwoMembers(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()
	f.addBook(t, "BOOK-001", 1)

	a, err := f.engine.Reserve(ctx, "BOOK-001", "A")
	require.NoError(t, err)
	_, err = f.engine.Cancel(ctx, a.ID)
	require.NoError(t, err)

	b, err := f.engine.Reserve(ctx, "BOOK-001", "B")
	require.NoError(t, err)

	_, err = f.engine.Reserve(ctx, "BOOK-001", "A")
	assert.ErrorIs(t, err, ErrNoCopiesAvailable)

	_, err = f.engine.ConfirmPickup(ctx, b.ID)
	require.NoError(t, err)
	_, err = f.engine.Return(ctx, b.ID)
	require.NoError(t, err)

	_, err = f.engine.Reserve(ctx, "BOOK-001", "A")
	require.NoError(t, err)
	assert.Equal(t, 0, f.available(t, "BOOK-001"))
}

func TestReservationCooldown(t *testing.T) {
	f := setup(t, 24*time.Hour)
	ctx := context.Background()
	f.addBook(t, "BOOK-001", 2)

	loan, err := f.engine.Reserve(ctx, "BOOK-001", "alice")
	require.NoError(t, err)
	_, err = f.engine.Cancel(ctx, loan.ID)
	require.NoError(t, err)

	_, err = f.engine.Reserve(ctx, "BOOK-001", "alice")
	assert.ErrorIs(t, err, ErrCooldownActive)
	assert.Equal(t, 2, f.available(t, "BOOK-001"))

	// Other members and staff checkouts are unaffected
	_, err = f.engine.Reserve(ctx, "BOOK-001", "bob")
	require.NoError(t, err)

	f.clock.Advance(25 * time.Hour)
	_, err = f.engine.Reserve(ctx, "BOOK-001", "alice")
	require.NoError(t, err)
}

func TestCooldownIgnoresExpiry(t *testing.T) {
	f := setup(t, 24*time.Hour)
	ctx := context.Background()
	f.addBook(t, "BOOK-001", 1)

	_, err := f.engine.Reserve(ctx, "BOOK-001", "alice")
	require.NoError(t, err)

	f.clock.Advance(49 * time.Hour)
	swept, err := f.engine.SweepExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, swept)

	_, err = f.engine.Reserve(ctx, "BOOK-001", "alice")
	require.NoError(t, err)
}

func TestPolicyChangeKeepsExistingDeadlines(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()
	f.addBook(t, "BOOK-001", 2)

	before, err := f.engine.Reserve(ctx, "BOOK-001", "alice")
	require.NoError(t, err)

	updated, err := f.engine.UpdatePolicy(ctx, Policy{
		PickupWindowDays: 5,
		StandardLoanDays: 14,
		DailyFineAmount:  decimal.RequireFromString("0.25"),
	})
	require.NoError(t, err)
	assert.Equal(t, 5, updated.PickupWindowDays)

	after, err := f.engine.Reserve(ctx, "BOOK-001", "bob")
	require.NoError(t, err)
	assert.Equal(t, start.Add(5*24*time.Hour), after.PickupDeadline.UTC())

	got, err := f.engine.GetLoan(ctx, before.ID)
	require.NoError(t, err)
	assert.Equal(t, start.Add(48*time.Hour), got.PickupDeadline.UTC())

	loan, err := f.engine.ConfirmPickup(ctx, before.ID)
	require.NoError(t, err)
	assert.Equal(t, start.Add(14*24*time.Hour), loan.DueDate.UTC())
}

func TestUpdatePolicyRejectsOutOfRange(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()

	tests := []struct {
		name   string
		policy Policy
	}{
		{"pickup window too short", Policy{PickupWindowDays: 0, StandardLoanDays: 30, DailyFineAmount: decimal.Zero}},
		{"pickup window too long", Policy{PickupWindowDays: 15, StandardLoanDays: 30, DailyFineAmount: decimal.Zero}},
		{"loan too long", Policy{PickupWindowDays: 2, StandardLoanDays: 121, DailyFineAmount: decimal.Zero}},
		{"negative fine", Policy{PickupWindowDays: 2, StandardLoanDays: 30, DailyFineAmount: decimal.RequireFromString("-0.01")}},
		{"fine too high", Policy{PickupWindowDays: 2, StandardLoanDays: 30, DailyFineAmount: decimal.RequireFromString("100.01")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.UpdatePolicy(ctx, tt.policy)
			assert.ErrorIs(t, err, ErrPolicyViolation)
		})
	}

	current, err := f.engine.Policy(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, current.PickupWindowDays)
	assert.Equal(t, 30, current.StandardLoanDays)
	assert.Equal(t, "0.10", current.DailyFineAmount.StringFixed(2))
}

func TestGetLoanFoldsOverdue(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()
	f.addBook(t, "BOOK-001", 1)

	loan, err := f.engine.Assign(ctx, "BOOK-001", "alice")
	require.NoError(t, err)

	f.clock.Advance(31 * 24 * time.Hour)

	got, err := f.engine.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, loanstate.Overdue, got.Status)

	loans, total, err := f.engine.ListLoans(ctx, LoanFilter{Statuses: []loanstate.Status{loanstate.Overdue}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, loans, 1)
	assert.Equal(t, loan.ID, loans[0].ID)
}

func TestReleaseViolationRollsBack(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()
	f.addBook(t, "BOOK-001", 1)

	loan, err := f.engine.Reserve(ctx, "BOOK-001", "alice")
	require.NoError(t, err)

	// Corrupt the counter behind the engine's back
	require.NoError(t, f.database.Model(&db.BookAvailability{}).
		Where("book_id = ?", "BOOK-001").
		Update("available_copies", 1).Error)

	_, err = f.engine.Cancel(ctx, loan.ID)
	assert.ErrorIs(t, err, ErrLedgerInvariantViolation)

	got, err := f.engine.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, loanstate.Reserved, got.Status, "the loan write must roll back with the failed release")
}

func TestRandomOperationsKeepLedgerConsistent(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()

	books := map[string]int{"BOOK-A": 1, "BOOK-B": 2, "BOOK-C": 3}
	for id, copies := range books {
		f.addBook(t, id, copies)
	}
	bookIDs := []string{"BOOK-A", "BOOK-B", "BOOK-C"}
	members := []string{"m1", "m2", "m3", "m4"}

	var (
		mu    sync.Mutex
		loans []string
	)
	remember := func(id string) {
		mu.Lock()
		loans = append(loans, id)
		mu.Unlock()
	}
	pick := func(rng *rand.Rand) string {
		mu.Lock()
		defer mu.Unlock()
		if len(loans) == 0 {
			return ""
		}
		return loans[rng.Intn(len(loans))]
	}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 60; i++ {
				book := bookIDs[rng.Intn(len(bookIDs))]
				member := members[rng.Intn(len(members))]
				switch rng.Intn(6) {
				case 0:
					if loan, err := f.engine.Reserve(ctx, book, member); err == nil {
						remember(loan.ID)
					}
				case 1:
					if loan, err := f.engine.Assign(ctx, book, member); err == nil {
						remember(loan.ID)
					}
				case 2:
					if id := pick(rng); id != "" {
						_, _ = f.engine.ConfirmPickup(ctx, id)
					}
				case 3:
					if id := pick(rng); id != "" {
						_, _ = f.engine.Cancel(ctx, id)
					}
				case 4:
					if id := pick(rng); id != "" {
						_, _ = f.engine.Return(ctx, id)
					}
				case 5:
					_, err := f.engine.SweepExpired(ctx)
					assert.NoError(t, err)
				}
			}
		}(int64(w + 1))
	}

	// Let some reservations lapse while the workers run
	for i := 0; i < 5; i++ {
		f.clock.Advance(20 * time.Hour)
		time.Sleep(5 * time.Millisecond)
	}
	wg.Wait()

	for id, copies := range books {
		var open int64
		require.NoError(t, f.database.Model(&db.Loan{}).
			Where("book_id = ? AND status IN ?", id, loanstate.Open()).
			Count(&open).Error)

		available := f.available(t, id)
		assert.Equal(t, copies-int(open), available, "book %s", id)
		assert.GreaterOrEqual(t, available, 0)
		assert.LessOrEqual(t, available, copies)
	}
}
