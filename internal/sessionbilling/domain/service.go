package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	ledgerdomain "github.com/smallbiznis/sessionbill/internal/ledger/domain"
	"github.com/smallbiznis/sessionbill/pkg/db/pagination"
)

type StartRequest struct {
	SessionID    string
	AccountID    string
	ResourceTier string
	GPUAddon     string
	Limits       *LimitOverrides
}

type StopOptions struct {
	// Forced settles without provider confirmation and flags the record.
	Forced bool
}

// Settlement is a closed record and the SESSION_RUNTIME transaction that paid for it.
type Settlement struct {
	Record      *Record                   `json:"record"`
	Transaction *ledgerdomain.Transaction `json:"transaction"`
}

// CostView is the cost of a session as of AsOf.
type CostView struct {
	RecordID          snowflake.ID      `json:"record_id"`
	SessionID         string            `json:"session_id"`
	AccountID         string            `json:"account_id"`
	Status            Status            `json:"status"`
	ResourceTier      string            `json:"resource_tier"`
	GPUAddon          string            `json:"gpu_addon,omitempty"`
	TerminationReason TerminationReason `json:"termination_reason,omitempty"`
	HourlyRate        decimal.Decimal   `json:"hourly_rate"`
	StartTime    time.Time       `json:"start_time"`
	EndTime      *time.Time      `json:"end_time,omitempty"`
	ElapsedHours decimal.Decimal `json:"elapsed_hours"`
	Cost         decimal.Decimal `json:"cost"`
	AsOf         time.Time       `json:"as_of"`
	Anomaly      string          `json:"anomaly,omitempty"`
}

type Service interface {
	StartBilling(ctx context.Context, req StartRequest) (*Record, error)
	Heartbeat(ctx context.Context, sessionID string) error
	StopBilling(ctx context.Context, sessionID string) (*Settlement, error)
	StopBillingWithReason(ctx context.Context, sessionID string, reason TerminationReason, opts StopOptions) (*Settlement, error)
	CancelBilling(ctx context.Context, sessionID string) (*Record, error)
	GetCurrentCost(ctx context.Context, sessionID string) (*CostView, error)
	// ListByAccount pages the account's billing history, newest first.
	ListByAccount(ctx context.Context, accountID string, page pagination.Pagination) ([]CostView, pagination.PageInfo, error)

	GetRecord(ctx context.Context, sessionID string) (*Record, error)
	ListActive(ctx context.Context, afterID snowflake.ID, limit int) ([]Record, error)
	MarkTerminationRequested(ctx context.Context, recordID snowflake.ID, reason TerminationReason) (*Record, error)
}

var (
	ErrInvalidSessionID = errors.New("invalid_session_id")
	ErrInvalidRequest   = errors.New("invalid_request")
	ErrAlreadyBilling   = errors.New("already_billing")
	ErrNotBilling       = errors.New("not_billing")
	ErrNotFound         = errors.New("not_found")
)
