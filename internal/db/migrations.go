package db

import (
	"gorm.io/gorm"
)

// RunMigrations runs all database migrations
func RunMigrations(db *DB) error {
	if err := db.AutoMigrate(&BookAvailability{}, &Loan{}, &Policy{}); err != nil {
		return err
	}

	if err := createIndexes(db.DB); err != nil {
		return err
	}

	return nil
}

func createIndexes(db *gorm.DB) error {
	// Partial indexes; the syntax is shared by PostgreSQL and SQLite
	indexes := []string{
		// At most one open loan per member and title
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_loans_open_book_user ON loans(book_id, user_id) WHERE status IN ('reserved', 'active', 'overdue')`,

		// Sweeper scans
		`CREATE INDEX IF NOT EXISTS idx_loans_reserved_deadline ON loans(pickup_deadline) WHERE status = 'reserved'`,
		`CREATE INDEX IF NOT EXISTS idx_loans_active_due ON loans(due_date) WHERE status = 'active'`,
	}

	for _, indexSQL := range indexes {
		if err := db.Exec(indexSQL).Error; err != nil {
			return err
		}
	}

	return nil
}
