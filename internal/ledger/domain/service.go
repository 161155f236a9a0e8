package domain

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/sessionbill/pkg/db/pagination"
	"gorm.io/datatypes"
)

type CreateAccountRequest struct {
	AccountID string
	UserClass UserClass
}

// ApplyRequest describes one balance mutation. ExpectedBalance and ExpectedVersion are the values
// the caller read; the write only lands if the account still has that version.
type ApplyRequest struct {
	AccountID        string
	ExpectedVersion  int64
	ExpectedBalance  decimal.Decimal
	Amount           decimal.Decimal
	Kind             TransactionKind
	RelatedSessionID *string
	IdempotencyKey   *string
	Description      string
	Metadata         datatypes.JSONMap
	Within           WithinFunc
}

// Store is the durable record of accounts and their transactions.
type Store interface {
	GetAccount(ctx context.Context, accountID string) (*Account, error)
	CreateAccount(ctx context.Context, req CreateAccountRequest) (*Account, error)
	DeactivateAccount(ctx context.Context, accountID string) error

	ApplyTransaction(ctx context.Context, req ApplyRequest) (*Transaction, error)
	GetTransaction(ctx context.Context, id snowflake.ID) (*Transaction, error)
	// FindByIdempotencyKey looks a key up within one account; keys are scoped per account.
	FindByIdempotencyKey(ctx context.Context, accountID, key string) (*Transaction, error)
	ListTransactions(ctx context.Context, accountID string, since *time.Time) iter.Seq2[Transaction, error]
	ListTransactionsPage(ctx context.Context, accountID string, page pagination.Pagination) ([]Transaction, pagination.PageInfo, error)
	Replay(ctx context.Context, accountID string) (ReplayResult, error)
}

var (
	ErrNotFound             = errors.New("not_found")
	ErrAccountExists        = errors.New("account_exists")
	ErrInvalidAccountID     = errors.New("invalid_account_id")
	ErrInvalidUserClass     = errors.New("invalid_user_class")
	ErrInvalidKind          = errors.New("invalid_transaction_kind")
	ErrVersionConflict      = errors.New("version_conflict")
	ErrNegativeBalance      = errors.New("negative_balance")
	ErrDuplicateTransaction = errors.New("duplicate_transaction")
)
