package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// UserClass selects the rate table and the resource tiers an account may use.
type UserClass string

const (
	UserClassFree       UserClass = "FREE"
	UserClassPro        UserClass = "PRO"
	UserClassEnterprise UserClass = "ENTERPRISE"
	UserClassAdmin      UserClass = "ADMIN"
)

// ParseUserClass normalizes a user class name.
func ParseUserClass(value string) (UserClass, error) {
	switch UserClass(strings.ToUpper(strings.TrimSpace(value))) {
	case UserClassFree:
		return UserClassFree, nil
	case UserClassPro:
		return UserClassPro, nil
	case UserClassEnterprise:
		return UserClassEnterprise, nil
	case UserClassAdmin:
		return UserClassAdmin, nil
	default:
		return "", ErrInvalidUserClass
	}
}

type AccountStatus string

const (
	AccountStatusActive   AccountStatus = "active"
	AccountStatusInactive AccountStatus = "inactive"
)

type TransactionKind string

const (
	KindCreditPurchase TransactionKind = "CREDIT_PURCHASE"
	KindSessionRuntime TransactionKind = "SESSION_RUNTIME"
	KindStorageCost    TransactionKind = "STORAGE_COST"
	KindAdjustment     TransactionKind = "ADJUSTMENT"
)

// Valid reports whether k is one of the known ledger kinds.
func (k TransactionKind) Valid() bool {
	switch k {
	case KindCreditPurchase, KindSessionRuntime, KindStorageCost, KindAdjustment:
		return true
	default:
		return false
	}
}

// Account holds the credit balance. Version increases on every balance write and guards
// concurrent writers.
type Account struct {
	ID        string          `gorm:"primaryKey;type:varchar(64)" json:"account_id"`
	Balance   decimal.Decimal `gorm:"type:numeric(20,4);not null;default:0" json:"credit_balance"`
	UserClass UserClass       `gorm:"type:varchar(16);not null" json:"user_class"`
	Status    AccountStatus   `gorm:"type:varchar(16);not null;default:'active'" json:"status"`
	Version   int64           `gorm:"not null;default:0" json:"version"`
	CreatedAt time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time       `gorm:"not null" json:"updated_at"`
}

func (Account) TableName() string { return "accounts" }

func (a *Account) Active() bool { return a != nil && a.Status == AccountStatusActive }

// Transaction is an immutable ledger entry. Amount is signed: positive adds credit.
type Transaction struct {
	ID               snowflake.ID      `gorm:"primaryKey" json:"transaction_id"`
	AccountID        string            `gorm:"type:varchar(64);not null;index:ix_transactions_account_created,priority:1;uniqueIndex:ux_transactions_account_idempotency_key,priority:1" json:"account_id"`
	Amount           decimal.Decimal   `gorm:"type:numeric(20,4);not null" json:"amount"`
	Kind             TransactionKind   `gorm:"type:varchar(32);not null" json:"kind"`
	RelatedSessionID *string           `gorm:"type:varchar(128);index" json:"related_session_id,omitempty"`
	IdempotencyKey   *string           `gorm:"type:varchar(191);uniqueIndex:ux_transactions_account_idempotency_key,priority:2" json:"idempotency_key,omitempty"`
	BalanceAfter     decimal.Decimal   `gorm:"type:numeric(20,4);not null" json:"balance_after"`
	Description      string            `gorm:"type:text;not null;default:''" json:"description,omitempty"`
	Metadata         datatypes.JSONMap `gorm:"type:json" json:"metadata,omitempty"`
	CreatedAt        time.Time         `gorm:"not null;index:ix_transactions_account_created,priority:2" json:"created_at"`
}

func (Transaction) TableName() string { return "transactions" }

// WithinFunc runs inside the ledger write unit after the transaction row is inserted.
// Returning an error rolls back the balance update and the transaction row.
type WithinFunc func(tx *gorm.DB, txn *Transaction) error

// ReplayResult reports whether the stored balance agrees with the transaction history.
type ReplayResult struct {
	AccountID    string          `json:"account_id"`
	Balance      decimal.Decimal `json:"credit_balance"`
	Replayed     decimal.Decimal `json:"replayed_balance"`
	Transactions int             `json:"transactions"`
	// FirstMismatch is the first transaction whose balance_after disagrees with the running sum.
	FirstMismatch *snowflake.ID `json:"first_mismatch,omitempty"`
}

func (r ReplayResult) Consistent() bool {
	return r.FirstMismatch == nil && r.Balance.Equal(r.Replayed)
}
