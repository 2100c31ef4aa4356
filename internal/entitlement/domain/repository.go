package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// UsableStatuses are the statuses that may spend credits.
var UsableStatuses = []Status{StatusActive, StatusTrial}

type Repository interface {
	// FindByUserID returns nil, nil when the user has no row.
	FindByUserID(ctx context.Context, db *gorm.DB, userID string) (*Entitlement, error)
	// Upsert inserts or replaces the row for e.UserID. An existing row keeps
	// its ID and CreatedAt.
	Upsert(ctx context.Context, db *gorm.DB, e *Entitlement) error
	// UpdateStatus sets the status of the row for userID. A non-nil eventAt
	// also advances LastEventAt. It reports whether a row changed.
	UpdateStatus(ctx context.Context, db *gorm.DB, userID string, status Status, at time.Time, eventAt *time.Time) (bool, error)
	// ConsumeCredits spends amount only if the row is usable and has enough
	// remaining credits. It reports whether a row changed.
	ConsumeCredits(ctx context.Context, db *gorm.DB, userID string, amount int64, at time.Time) (bool, error)
	// RecordEvent stores e unless its EventID is already present. It reports
	// whether e was newly recorded.
	RecordEvent(ctx context.Context, db *gorm.DB, e *ProcessedEvent) (bool, error)
}
