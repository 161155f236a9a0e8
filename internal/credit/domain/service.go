package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	ledgerdomain "github.com/smallbiznis/sessionbill/internal/ledger/domain"
	"gorm.io/datatypes"
)

var (
	ErrInsufficientCredit   = errors.New("insufficient_credit")
	ErrConcurrencyExhausted = errors.New("concurrency_exhausted")
	ErrAccountInactive      = errors.New("account_inactive")
	ErrInvalidAmount        = errors.New("invalid_amount")
	ErrIdempotencyKeyReused = errors.New("idempotency_key_reused")
)

// InsufficientCreditError carries the balance seen and the amount that was required.
type InsufficientCreditError struct {
	Balance  decimal.Decimal
	Required decimal.Decimal
}

func NewInsufficientCreditError(balance, required decimal.Decimal) *InsufficientCreditError {
	return &InsufficientCreditError{Balance: balance, Required: required}
}

func (e *InsufficientCreditError) Error() string {
	return fmt.Sprintf("insufficient_credit: balance %s, required %s", e.Balance.String(), e.Required.String())
}

func (e *InsufficientCreditError) Unwrap() error { return ErrInsufficientCredit }

type DebitRequest struct {
	AccountID        string
	Amount           decimal.Decimal
	Kind             ledgerdomain.TransactionKind
	RelatedSessionID *string
	IdempotencyKey   *string
	Description      string
	Metadata         datatypes.JSONMap
	// CapAtBalance charges min(Amount, balance) instead of failing when credit runs short.
	CapAtBalance bool
	Within       ledgerdomain.WithinFunc
}

type CreditRequest struct {
	AccountID        string
	Amount           decimal.Decimal
	Kind             ledgerdomain.TransactionKind
	RelatedSessionID *string
	IdempotencyKey   *string
	Description      string
	Metadata         datatypes.JSONMap
}

type PurchaseRequest struct {
	AccountID      string
	Amount         decimal.Decimal
	IdempotencyKey *string
}

type StorageChargeRequest struct {
	AccountID      string
	StorageKind    string
	ResourceID     string
	SizeGB         decimal.Decimal
	Days           int
	IdempotencyKey *string
}

type AdjustRequest struct {
	AccountID      string
	Amount         decimal.Decimal
	Reason         string
	Actor          string
	IdempotencyKey *string
}

// Summary aggregates an account's transactions over a window.
type Summary struct {
	AccountID    string                                           `json:"account_id"`
	From         *time.Time                                       `json:"from,omitempty"`
	To           *time.Time                                       `json:"to,omitempty"`
	Balance      decimal.Decimal                                  `json:"credit_balance"`
	CreditsAdded decimal.Decimal                                  `json:"credits_added"`
	CreditsUsed  decimal.Decimal                                  `json:"credits_used"`
	ByKind       map[ledgerdomain.TransactionKind]decimal.Decimal `json:"by_kind"`
	Transactions int                                              `json:"transactions"`
}

// Service is the only entry point for balance mutation.
type Service interface {
	Account(ctx context.Context, accountID string) (*ledgerdomain.Account, error)
	Balance(ctx context.Context, accountID string) (decimal.Decimal, error)
	CheckSufficientBalance(ctx context.Context, accountID string, estimatedCost decimal.Decimal) (bool, error)

	Debit(ctx context.Context, req DebitRequest) (*ledgerdomain.Transaction, error)
	Credit(ctx context.Context, req CreditRequest) (*ledgerdomain.Transaction, error)
	PurchaseCredits(ctx context.Context, req PurchaseRequest) (*ledgerdomain.Transaction, error)
	ChargeStorage(ctx context.Context, req StorageChargeRequest) (*ledgerdomain.Transaction, error)
	Adjust(ctx context.Context, req AdjustRequest) (*ledgerdomain.Transaction, error)

	Summary(ctx context.Context, accountID string, from, to *time.Time) (*Summary, error)
	Verify(ctx context.Context, accountID string) (ledgerdomain.ReplayResult, error)
}
