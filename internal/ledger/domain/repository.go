package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/sessionbill/pkg/db/pagination"
	"gorm.io/gorm"
)

type Repository interface {
	InsertAccount(ctx context.Context, db *gorm.DB, account *Account) error
	FindAccount(ctx context.Context, db *gorm.DB, accountID string) (*Account, error)
	// UpdateBalance writes balance only when the stored version equals expectedVersion.
	UpdateBalance(ctx context.Context, db *gorm.DB, accountID string, expectedVersion int64, balance decimal.Decimal, now time.Time) (int64, error)
	UpdateStatus(ctx context.Context, db *gorm.DB, accountID string, status AccountStatus, now time.Time) (int64, error)

	InsertTransaction(ctx context.Context, db *gorm.DB, txn *Transaction) error
	FindTransaction(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Transaction, error)
	FindTransactionByIdempotencyKey(ctx context.Context, db *gorm.DB, accountID, key string) (*Transaction, error)
	// ListTransactions returns up to limit rows ordered by (created_at, id) strictly after the cursor.
	ListTransactions(ctx context.Context, db *gorm.DB, accountID string, since *time.Time, after *pagination.Cursor, limit int) ([]Transaction, error)
}
