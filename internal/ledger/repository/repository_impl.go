package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/sessionbill/internal/ledger/domain"
	"github.com/smallbiznis/sessionbill/pkg/db/pagination"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const transactionColumns = `id, account_id, amount, kind, related_session_id, idempotency_key,
	balance_after, description, metadata, created_at`

func (r *repo) InsertAccount(ctx context.Context, db *gorm.DB, account *domain.Account) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO accounts (id, balance, user_class, status, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		account.ID,
		account.Balance,
		account.UserClass,
		account.Status,
		account.Version,
		account.CreatedAt,
		account.UpdatedAt,
	).Error
}

func (r *repo) FindAccount(ctx context.Context, db *gorm.DB, accountID string) (*domain.Account, error) {
	var account domain.Account
	err := db.WithContext(ctx).Raw(
		`SELECT id, balance, user_class, status, version, created_at, updated_at
		 FROM accounts WHERE id = ?`,
		accountID,
	).Scan(&account).Error
	if err != nil {
		return nil, err
	}
	if account.ID == "" {
		return nil, nil
	}
	return &account, nil
}

func (r *repo) UpdateBalance(ctx context.Context, db *gorm.DB, accountID string, expectedVersion int64, balance decimal.Decimal, now time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE accounts SET balance = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		balance,
		now,
		accountID,
		expectedVersion,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, accountID string, status domain.AccountStatus, now time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE accounts SET status = ?, version = version + 1, updated_at = ? WHERE id = ?`,
		status,
		now,
		accountID,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) InsertTransaction(ctx context.Context, db *gorm.DB, txn *domain.Transaction) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO transactions (`+transactionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.ID,
		txn.AccountID,
		txn.Amount,
		txn.Kind,
		txn.RelatedSessionID,
		txn.IdempotencyKey,
		txn.BalanceAfter,
		txn.Description,
		txn.Metadata,
		txn.CreatedAt,
	).Error
}

func (r *repo) FindTransaction(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Transaction, error) {
	return r.findOne(ctx, db, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
}

func (r *repo) FindTransactionByIdempotencyKey(ctx context.Context, db *gorm.DB, accountID, key string) (*domain.Transaction, error) {
	return r.findOne(ctx, db,
		`SELECT `+transactionColumns+` FROM transactions WHERE account_id = ? AND idempotency_key = ?`,
		accountID, key,
	)
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, query string, args ...any) (*domain.Transaction, error) {
	var txn domain.Transaction
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&txn).Error; err != nil {
		return nil, err
	}
	if txn.ID == 0 {
		return nil, nil
	}
	return &txn, nil
}

func (r *repo) ListTransactions(ctx context.Context, db *gorm.DB, accountID string, since *time.Time, after *pagination.Cursor, limit int) ([]domain.Transaction, error) {
	stmt := db.WithContext(ctx).
		Model(&domain.Transaction{}).
		Where("account_id = ?", accountID)
	if since != nil {
		stmt = stmt.Where("created_at >= ?", since.UTC())
	}
	if after != nil {
		afterID, err := snowflake.ParseString(after.ID)
		if err != nil {
			return nil, pagination.ErrInvalidPageToken
		}
		stmt = stmt.Where("(created_at > ? OR (created_at = ? AND id > ?))", after.CreatedAt, after.CreatedAt, afterID)
	}

	var txns []domain.Transaction
	err := stmt.
		Order("created_at asc, id asc").
		Limit(limit).
		Find(&txns).Error
	if err != nil {
		return nil, err
	}
	return txns, nil
}
