package repo

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/bookstore/services/circulation/internal/db"
)

// PolicyRepository stores the single circulation policy row
type PolicyRepository struct {
	db       *db.DB
	log      *zap.Logger
	defaults db.Policy
}

// NewPolicyRepository creates a policy repository. defaults seeds the row
// the first time it is read.
func NewPolicyRepository(database *db.DB, logger *zap.Logger, defaults db.Policy) *PolicyRepository {
	defaults.ID = db.PolicyRowID
	return &PolicyRepository{
		db:       database,
		log:      logger,
		defaults: defaults,
	}
}

// Get reads the policy inside tx, seeding it from defaults when absent
func (r *PolicyRepository) Get(tx *gorm.DB) (*db.Policy, error) {
	var policy db.Policy
	err := tx.Where("id = ?", db.PolicyRowID).First(&policy).Error
	if err == nil {
		return &policy, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		r.log.Error("Failed to get policy", zap.Error(err))
		return nil, err
	}

	seed := r.defaults
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		r.log.Error("Failed to seed policy", zap.Error(err))
		return nil, err
	}
	if err := tx.Where("id = ?", db.PolicyRowID).First(&policy).Error; err != nil {
		r.log.Error("Failed to read seeded policy", zap.Error(err))
		return nil, err
	}

	r.log.Info("Policy seeded with defaults",
		zap.Int("pickup_window_days", policy.PickupWindowDays),
		zap.Int("standard_loan_days", policy.StandardLoanDays),
		zap.String("daily_fine_amount", policy.DailyFineAmount.String()),
	)
	return &policy, nil
}

// GetPolicy reads the current policy
func (r *PolicyRepository) GetPolicy(ctx context.Context) (*db.Policy, error) {
	return r.Get(r.db.WithContext(ctx))
}

// Save overwrites the policy row. Values must already be validated.
func (r *PolicyRepository) Save(ctx context.Context, policy *db.Policy) error {
	policy.ID = db.PolicyRowID
	policy.UpdatedAt = time.Time{}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"pickup_window_days", "standard_loan_days", "daily_fine_amount", "updated_at"}),
	}).Create(policy).Error
	if err != nil {
		r.log.Error("Failed to save policy", zap.Error(err))
		return err
	}

	r.log.Info("Policy updated",
		zap.Int("pickup_window_days", policy.PickupWindowDays),
		zap.Int("standard_loan_days", policy.StandardLoanDays),
		zap.String("daily_fine_amount", policy.DailyFineAmount.String()),
	)
	return nil
}
