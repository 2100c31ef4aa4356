package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/entitlements/internal/entitlement/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindByUserID(ctx context.Context, db *gorm.DB, userID string) (*domain.Entitlement, error) {
	var ent domain.Entitlement
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, plan, status, credits, tokens_used, cancel_at_period_end,
		 expiration_date, metadata, last_event_at, created_at, updated_at
		 FROM entitlements WHERE user_id = ?`,
		userID,
	).Scan(&ent).Error
	if err != nil {
		return nil, err
	}
	if ent.ID == 0 {
		return nil, nil
	}
	return &ent, nil
}

func (r *repo) Upsert(ctx context.Context, db *gorm.DB, e *domain.Entitlement) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"plan",
			"status",
			"credits",
			"tokens_used",
			"cancel_at_period_end",
			"expiration_date",
			"metadata",
			"last_event_at",
			"updated_at",
		}),
	}).Create(e).Error
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, userID string, status domain.Status, at time.Time, eventAt *time.Time) (bool, error) {
	var res *gorm.DB
	if eventAt != nil {
		res = db.WithContext(ctx).Exec(
			`UPDATE entitlements SET status = ?, updated_at = ?, last_event_at = ? WHERE user_id = ?`,
			status,
			at,
			eventAt.UTC(),
			userID,
		)
	} else {
		res = db.WithContext(ctx).Exec(
			`UPDATE entitlements SET status = ?, updated_at = ? WHERE user_id = ?`,
			status,
			at,
			userID,
		)
	}
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ConsumeCredits(ctx context.Context, db *gorm.DB, userID string, amount int64, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE entitlements
		 SET tokens_used = tokens_used + ?, updated_at = ?
		 WHERE user_id = ?
		   AND status IN ?
		   AND credits - tokens_used >= ?`,
		amount,
		at,
		userID,
		domain.UsableStatuses,
		amount,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) RecordEvent(ctx context.Context, db *gorm.DB, e *domain.ProcessedEvent) (bool, error) {
	res := db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(e)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
