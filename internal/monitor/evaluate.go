package monitor

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/sessionbill/internal/pricing"
	"github.com/smallbiznis/sessionbill/internal/sessionbilling/domain"
)

var millisPerHour = decimal.NewFromInt(int64(time.Hour / time.Millisecond))

// Policy is the limit policy snapshot a sweep evaluates against.
type Policy struct {
	Limits        pricing.Limits
	CreditHorizon time.Duration
}

// Decision is the outcome of evaluating one ACTIVE record.
type Decision struct {
	Reason  domain.TerminationReason
	Elapsed time.Duration
	Idle    time.Duration
	Accrued decimal.Decimal
	// Remaining is balance minus accrued cost.
	Remaining decimal.Decimal
	// ClockSkew is set when now is before the record's start time.
	ClockSkew bool
}

// Breached reports whether any limit was hit.
func (d Decision) Breached() bool { return d.Reason != "" }

// Evaluate checks a record against the policy. The first breach in the order
// credit exhaustion, max cost, max duration, max idle is reported.
func Evaluate(calc *pricing.Calculator, policy Policy, record *domain.Record, balance decimal.Decimal, now time.Time) Decision {
	limits := record.Limits(policy.Limits)

	d := Decision{
		Elapsed: now.Sub(record.StartTime),
		Idle:    now.Sub(record.LastActivityTime),
	}
	accrued, err := calc.SessionCost(record.HourlyRate, record.StartTime, now)
	if errors.Is(err, pricing.ErrInvalidInterval) {
		d.ClockSkew = true
		d.Elapsed = 0
		accrued = decimal.Zero
	}
	if d.Idle < 0 {
		d.Idle = 0
	}
	d.Accrued = accrued
	d.Remaining = balance.Sub(accrued)

	horizon := decimal.NewFromInt(policy.CreditHorizon.Milliseconds()).Div(millisPerHour)
	needed := record.HourlyRate.Mul(horizon)

	switch {
	case d.Remaining.LessThan(needed) || d.Remaining.IsNegative():
		d.Reason = domain.ReasonCreditExhausted
	case limits.MaxCost.IsPositive() && accrued.GreaterThanOrEqual(limits.MaxCost):
		d.Reason = domain.ReasonMaxCost
	case limits.MaxDuration > 0 && d.Elapsed >= limits.MaxDuration:
		d.Reason = domain.ReasonMaxDuration
	case limits.MaxIdle > 0 && d.Idle >= limits.MaxIdle:
		d.Reason = domain.ReasonMaxIdle
	}
	return d
}

// HardCeiling is the elapsed time after which a session is settled without provider
// confirmation. Zero means no ceiling.
func HardCeiling(limits pricing.Limits, factor int) time.Duration {
	if limits.MaxDuration <= 0 || factor <= 0 {
		return 0
	}
	return limits.MaxDuration * time.Duration(factor)
}
