package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/sessionbill/internal/pricing"
)

type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
)

// TerminationReason records why a record was closed. Limit breaches are listed in evaluation order.
type TerminationReason string

const (
	ReasonUserStop        TerminationReason = "user_stop"
	ReasonCreditExhausted TerminationReason = "credit_exhausted"
	ReasonMaxCost         TerminationReason = "max_cost"
	ReasonMaxDuration     TerminationReason = "max_duration"
	ReasonMaxIdle         TerminationReason = "max_idle"
	ReasonCancelled       TerminationReason = "cancelled"
)

const (
	AnomalyInvalidInterval  = "invalid_interval"
	AnomalyCreditShortfall  = "credit_shortfall"
	AnomalyForcedSettlement = "forced_settlement"
)

// Record is the billing window of one compute session. OpenSessionID equals SessionID while the
// record is ACTIVE and is NULL afterwards; its unique index allows one open record per session.
type Record struct {
	ID                   snowflake.ID        `gorm:"primaryKey" json:"id"`
	SessionID            string              `gorm:"type:varchar(128);not null;index" json:"session_id"`
	OpenSessionID        *string             `gorm:"type:varchar(128);uniqueIndex:ux_session_billing_open" json:"-"`
	AccountID            string              `gorm:"type:varchar(64);not null;index" json:"account_id"`
	UserClass            string              `gorm:"type:varchar(16);not null" json:"user_class"`
	ResourceTier         string              `gorm:"type:varchar(32);not null" json:"resource_tier"`
	GPUAddon             string              `gorm:"column:gpu_addon;type:varchar(32);not null;default:''" json:"gpu_addon,omitempty"`
	HourlyRate           decimal.Decimal     `gorm:"type:numeric(20,4);not null" json:"hourly_rate"`
	Status               Status              `gorm:"type:varchar(16);not null;index" json:"status"`
	StartTime            time.Time           `gorm:"not null" json:"start_time"`
	EndTime              *time.Time          `json:"end_time,omitempty"`
	LastActivityTime     time.Time           `gorm:"not null" json:"last_activity_time"`
	FinalCost            decimal.NullDecimal `gorm:"type:numeric(20,4)" json:"final_cost"`
	ChargedAmount        decimal.NullDecimal `gorm:"type:numeric(20,4)" json:"charged_amount"`
	Shortfall            decimal.NullDecimal `gorm:"type:numeric(20,4)" json:"shortfall"`
	TransactionID        *snowflake.ID       `json:"transaction_id,omitempty"`
	TerminationReason    TerminationReason   `gorm:"type:varchar(32);not null;default:''" json:"termination_reason,omitempty"`
	Anomaly              string              `gorm:"type:varchar(128);not null;default:''" json:"anomaly,omitempty"`
	TerminateRequestedAt *time.Time          `json:"terminate_requested_at,omitempty"`
	ProviderAttempts     int                 `gorm:"not null;default:0" json:"provider_attempts"`
	MaxDurationSeconds   *int64              `json:"max_duration_seconds,omitempty"`
	MaxCost              decimal.NullDecimal `gorm:"type:numeric(20,4)" json:"max_cost"`
	MaxIdleSeconds       *int64              `json:"max_idle_seconds,omitempty"`
	CreatedAt            time.Time           `gorm:"not null" json:"created_at"`
	UpdatedAt            time.Time           `gorm:"not null" json:"updated_at"`
}

func (Record) TableName() string { return "session_billing_records" }

func (r *Record) Active() bool { return r != nil && r.Status == StatusActive }

// Limits merges the per-record overrides over the policy defaults.
func (r *Record) Limits(defaults pricing.Limits) pricing.Limits {
	limits := defaults
	if r.MaxDurationSeconds != nil {
		limits.MaxDuration = time.Duration(*r.MaxDurationSeconds) * time.Second
	}
	if r.MaxCost.Valid {
		limits.MaxCost = r.MaxCost.Decimal
	}
	if r.MaxIdleSeconds != nil {
		limits.MaxIdle = time.Duration(*r.MaxIdleSeconds) * time.Second
	}
	return limits
}

// HasAnomaly reports whether flag is among the record's anomaly flags.
func (r *Record) HasAnomaly(flag string) bool {
	for _, item := range strings.Split(r.Anomaly, ",") {
		if item == flag {
			return true
		}
	}
	return false
}

// AppendAnomaly joins anomaly flags, skipping empties and repeats.
func AppendAnomaly(current string, flags ...string) string {
	seen := map[string]struct{}{}
	var out []string
	for _, item := range append(strings.Split(current, ","), flags...) {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return strings.Join(out, ",")
}

// LimitOverrides replaces policy defaults for one session. Nil fields keep the default.
type LimitOverrides struct {
	MaxDuration *time.Duration
	MaxCost     *decimal.Decimal
	MaxIdle     *time.Duration
}

// CloseParams is the terminal state written when a record leaves ACTIVE.
type CloseParams struct {
	ID                snowflake.ID
	Status            Status
	EndTime           time.Time
	FinalCost         decimal.Decimal
	ChargedAmount     decimal.Decimal
	Shortfall         decimal.Decimal
	TransactionID     *snowflake.ID
	TerminationReason TerminationReason
	Anomaly           string
}
