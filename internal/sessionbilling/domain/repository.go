package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/sessionbill/pkg/db/pagination"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, record *Record) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Record, error)
	FindActiveBySession(ctx context.Context, db *gorm.DB, sessionID string) (*Record, error)
	FindLatestBySession(ctx context.Context, db *gorm.DB, sessionID string) (*Record, error)
	ListActive(ctx context.Context, db *gorm.DB, afterID snowflake.ID, limit int) ([]Record, error)
	// ListByAccount returns up to limit records ordered by (created_at, id) descending, strictly
	// before the cursor when one is given.
	ListByAccount(ctx context.Context, db *gorm.DB, accountID string, before *pagination.Cursor, limit int) ([]Record, error)

	TouchActivity(ctx context.Context, db *gorm.DB, sessionID string, now time.Time) (int64, error)
	// Close moves an ACTIVE record to a terminal status; zero rows means it was no longer ACTIVE.
	Close(ctx context.Context, db *gorm.DB, params CloseParams, now time.Time) (int64, error)
	MarkTerminationRequested(ctx context.Context, db *gorm.DB, id snowflake.ID, reason TerminationReason, now time.Time) (int64, error)
}
