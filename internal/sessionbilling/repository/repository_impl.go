package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/sessionbill/internal/sessionbilling/domain"
	"github.com/smallbiznis/sessionbill/pkg/db/pagination"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, record *domain.Record) error {
	return db.WithContext(ctx).Create(record).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Record, error) {
	return r.first(db.WithContext(ctx).Where("id = ?", id))
}

func (r *repo) FindActiveBySession(ctx context.Context, db *gorm.DB, sessionID string) (*domain.Record, error) {
	return r.first(db.WithContext(ctx).Where("session_id = ? AND status = ?", sessionID, domain.StatusActive))
}

func (r *repo) FindLatestBySession(ctx context.Context, db *gorm.DB, sessionID string) (*domain.Record, error) {
	return r.first(db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at desc, id desc"))
}

func (r *repo) first(stmt *gorm.DB) (*domain.Record, error) {
	var records []domain.Record
	if err := stmt.Limit(1).Find(&records).Error; err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

func (r *repo) ListActive(ctx context.Context, db *gorm.DB, afterID snowflake.ID, limit int) ([]domain.Record, error) {
	var records []domain.Record
	err := db.WithContext(ctx).
		Where("status = ? AND id > ?", domain.StatusActive, afterID).
		Order("id asc").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *repo) ListByAccount(ctx context.Context, db *gorm.DB, accountID string, before *pagination.Cursor, limit int) ([]domain.Record, error) {
	stmt := db.WithContext(ctx).Where("account_id = ?", accountID)
	if before != nil {
		beforeID, err := snowflake.ParseString(before.ID)
		if err != nil {
			return nil, pagination.ErrInvalidPageToken
		}
		stmt = stmt.Where("(created_at < ? OR (created_at = ? AND id < ?))", before.CreatedAt, before.CreatedAt, beforeID)
	}

	var records []domain.Record
	err := stmt.
		Order("created_at desc, id desc").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *repo) TouchActivity(ctx context.Context, db *gorm.DB, sessionID string, now time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE session_billing_records SET last_activity_time = ?, updated_at = ?
		 WHERE session_id = ? AND status = ?`,
		now,
		now,
		sessionID,
		domain.StatusActive,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) Close(ctx context.Context, db *gorm.DB, params domain.CloseParams, now time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE session_billing_records SET
			status = ?, open_session_id = NULL, end_time = ?, final_cost = ?, charged_amount = ?,
			shortfall = ?, transaction_id = ?,
			termination_reason = CASE WHEN termination_reason = '' THEN ? ELSE termination_reason END,
			anomaly = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		params.Status,
		params.EndTime,
		params.FinalCost,
		params.ChargedAmount,
		params.Shortfall,
		params.TransactionID,
		params.TerminationReason,
		params.Anomaly,
		now,
		params.ID,
		domain.StatusActive,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) MarkTerminationRequested(ctx context.Context, db *gorm.DB, id snowflake.ID, reason domain.TerminationReason, now time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE session_billing_records SET
			termination_reason = CASE WHEN termination_reason = '' THEN ? ELSE termination_reason END,
			terminate_requested_at = COALESCE(terminate_requested_at, ?),
			provider_attempts = provider_attempts + 1,
			updated_at = ?
		 WHERE id = ? AND status = ?`,
		reason,
		now,
		now,
		id,
		domain.StatusActive,
	)
	return result.RowsAffected, result.Error
}
