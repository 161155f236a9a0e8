package pricing

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/sessionbill/internal/config"
)

var (
	ErrUnknownTier          = errors.New("unknown_tier")
	ErrUnknownGPU           = errors.New("unknown_gpu_addon")
	ErrUnknownStorageKind   = errors.New("unknown_storage_kind")
	ErrInvalidInterval      = errors.New("invalid_interval")
	ErrInvalidAmount        = errors.New("invalid_amount")
	ErrBelowMinimumPurchase = errors.New("below_minimum_purchase")
)

var (
	millisPerHour = decimal.NewFromInt(int64(time.Hour / time.Millisecond))
	daysPerMonth  = decimal.NewFromInt(30)
	hundred       = decimal.NewFromInt(100)
)

// Limits is the auto-kill policy. A zero field disables that limit.
type Limits struct {
	MaxDuration time.Duration
	MaxCost     decimal.Decimal
	MaxIdle     time.Duration
}

// Calculator maps resource usage to money. It holds no mutable state and does no I/O.
type Calculator struct {
	currency             string
	precision            int32
	minimumBillableHours decimal.Decimal
	rates                map[string]map[string]decimal.Decimal
	gpuAddons            map[string]decimal.Decimal
	gpuEligibility       map[string]map[string]struct{}
	freeGPU              map[string]struct{}
	storage              map[string]decimal.Decimal
	purchaseMinimum      decimal.Decimal
	bonusPercent         decimal.Decimal
	limits               Limits
}

// New parses a pricing document into a Calculator.
func New(p config.Pricing) (*Calculator, error) {
	c := &Calculator{
		currency:       p.Currency,
		precision:      p.Precision,
		rates:          make(map[string]map[string]decimal.Decimal, len(p.Rates)),
		gpuAddons:      make(map[string]decimal.Decimal, len(p.GPUAddons)),
		gpuEligibility: make(map[string]map[string]struct{}, len(p.GPUEligibility)),
		freeGPU:        make(map[string]struct{}, len(p.FreeGPUClasses)),
		storage:        make(map[string]decimal.Decimal, len(p.Storage)),
		limits: Limits{
			MaxDuration: p.Limits.MaxDuration,
			MaxIdle:     p.Limits.MaxIdle,
		},
	}
	if c.precision <= 0 {
		c.precision = 4
	}

	var err error
	for class, tiers := range p.Rates {
		table := make(map[string]decimal.Decimal, len(tiers))
		for tier, raw := range tiers {
			if table[key(tier)], err = parse(raw); err != nil {
				return nil, fmt.Errorf("rate %s/%s: %w", class, tier, err)
			}
		}
		c.rates[key(class)] = table
	}
	for gpu, raw := range p.GPUAddons {
		if c.gpuAddons[key(gpu)], err = parse(raw); err != nil {
			return nil, fmt.Errorf("gpu addon %s: %w", gpu, err)
		}
	}
	for class, gpus := range p.GPUEligibility {
		allowed := make(map[string]struct{}, len(gpus))
		for _, gpu := range gpus {
			allowed[key(gpu)] = struct{}{}
		}
		c.gpuEligibility[key(class)] = allowed
	}
	for _, class := range p.FreeGPUClasses {
		c.freeGPU[key(class)] = struct{}{}
	}
	for kind, raw := range p.Storage {
		if c.storage[key(kind)], err = parse(raw); err != nil {
			return nil, fmt.Errorf("storage %s: %w", kind, err)
		}
	}
	if c.minimumBillableHours, err = parseOr(p.MinimumBillableHours, decimal.NewFromInt(1)); err != nil {
		return nil, fmt.Errorf("minimum billable hours: %w", err)
	}
	if c.purchaseMinimum, err = parseOr(p.Purchase.MinimumAmount, decimal.Zero); err != nil {
		return nil, fmt.Errorf("purchase minimum: %w", err)
	}
	if c.bonusPercent, err = parseOr(p.Purchase.BonusPercent, decimal.Zero); err != nil {
		return nil, fmt.Errorf("purchase bonus: %w", err)
	}
	if c.limits.MaxCost, err = parseOr(p.Limits.MaxCost, decimal.Zero); err != nil {
		return nil, fmt.Errorf("limits max cost: %w", err)
	}
	return c, nil
}

func (c *Calculator) Currency() string { return c.currency }

func (c *Calculator) Precision() int32 { return c.precision }

// DefaultLimits returns the limit policy from the pricing document.
func (c *Calculator) DefaultLimits() Limits { return c.limits }

// Round applies half-even rounding at currency precision.
func (c *Calculator) Round(amount decimal.Decimal) decimal.Decimal {
	return amount.RoundBank(c.precision)
}

// HourlyRate resolves the per-hour price of a tier for a user class, plus the GPU add-on if any.
func (c *Calculator) HourlyRate(userClass, tier, gpu string) (decimal.Decimal, error) {
	class := key(userClass)
	table, ok := c.rates[class]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: user class %q", ErrUnknownTier, userClass)
	}
	rate, ok := table[key(tier)]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %q for %s", ErrUnknownTier, tier, userClass)
	}

	gpu = key(gpu)
	if gpu == "" {
		return rate, nil
	}
	addon, ok := c.gpuAddons[gpu]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrUnknownGPU, gpu)
	}
	if _, eligible := c.gpuEligibility[class][gpu]; !eligible {
		return decimal.Zero, fmt.Errorf("%w: %q not available for %s", ErrUnknownGPU, gpu, userClass)
	}
	if _, free := c.freeGPU[class]; free {
		return rate, nil
	}
	return rate.Add(addon), nil
}

// ElapsedFractionalHours returns end-start in hours at millisecond resolution. It never rounds up.
func (c *Calculator) ElapsedFractionalHours(start, end time.Time) (decimal.Decimal, error) {
	if end.Before(start) {
		return decimal.Zero, ErrInvalidInterval
	}
	millis := decimal.NewFromInt(end.Sub(start).Milliseconds())
	return millis.Div(millisPerHour), nil
}

// SessionCost is rate × elapsed hours, rounded half-even to currency precision.
func (c *Calculator) SessionCost(rate decimal.Decimal, start, end time.Time) (decimal.Decimal, error) {
	hours, err := c.ElapsedFractionalHours(start, end)
	if err != nil {
		return decimal.Zero, err
	}
	return c.Round(rate.Mul(hours)), nil
}

// MinimumViableCost is the balance an account needs to start a session at rate.
func (c *Calculator) MinimumViableCost(rate decimal.Decimal) decimal.Decimal {
	return c.Round(rate.Mul(c.minimumBillableHours))
}

// StorageCost prices sizeGB of a storage kind held for days, using 30-day months.
func (c *Calculator) StorageCost(kind string, sizeGB decimal.Decimal, days int) (decimal.Decimal, error) {
	rate, ok := c.storage[key(kind)]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrUnknownStorageKind, kind)
	}
	if sizeGB.IsNegative() || days < 0 {
		return decimal.Zero, ErrInvalidAmount
	}
	cost := sizeGB.Mul(rate).Mul(decimal.NewFromInt(int64(days))).Div(daysPerMonth)
	return c.Round(cost), nil
}

// PurchaseBonus returns the bonus credit granted on top of a purchase of amount.
func (c *Calculator) PurchaseBonus(amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	if amount.LessThan(c.purchaseMinimum) {
		return decimal.Zero, fmt.Errorf("%w: minimum is %s", ErrBelowMinimumPurchase, c.purchaseMinimum.StringFixed(2))
	}
	return c.Round(amount.Mul(c.bonusPercent).Div(hundred)), nil
}

// Estimate is the projected cost of running a tier for a number of hours.
type Estimate struct {
	UserClass     string          `json:"user_class"`
	ResourceTier  string          `json:"resource_tier"`
	GPUAddon      string          `json:"gpu_addon,omitempty"`
	DurationHours decimal.Decimal `json:"duration_hours"`
	HourlyRate    decimal.Decimal `json:"hourly_rate"`
	EstimatedCost decimal.Decimal `json:"estimated_cost"`
	Currency      string          `json:"currency"`
}

// Estimate prices hours of a tier at the class rate. It charges exactly what a session of that
// length would settle at.
func (c *Calculator) Estimate(userClass, tier, gpu string, hours decimal.Decimal) (Estimate, error) {
	if !hours.IsPositive() {
		return Estimate{}, ErrInvalidAmount
	}
	rate, err := c.HourlyRate(userClass, tier, gpu)
	if err != nil {
		return Estimate{}, err
	}
	return Estimate{
		UserClass:     strings.ToUpper(key(userClass)),
		ResourceTier:  key(tier),
		GPUAddon:      key(gpu),
		DurationHours: hours,
		HourlyRate:    rate,
		EstimatedCost: c.Round(rate.Mul(hours)),
		Currency:      c.currency,
	}, nil
}

// Snapshot is the published rate table.
type Snapshot struct {
	Currency             string                                `json:"currency"`
	Precision            int32                                 `json:"precision"`
	MinimumBillableHours decimal.Decimal                       `json:"minimum_billable_hours"`
	Rates                map[string]map[string]decimal.Decimal `json:"rates"`
	GPUAddons            map[string]decimal.Decimal            `json:"gpu_addons"`
	GPUEligibility       map[string][]string                   `json:"gpu_eligibility"`
	FreeGPUClasses       []string                              `json:"free_gpu_classes"`
	Storage              map[string]decimal.Decimal            `json:"storage_per_gb_month"`
	PurchaseMinimum      decimal.Decimal                       `json:"purchase_minimum"`
	PurchaseBonusPercent decimal.Decimal                       `json:"purchase_bonus_percent"`
	Limits               LimitsView                            `json:"limits"`
}

type LimitsView struct {
	MaxDurationSeconds int64           `json:"max_duration_seconds"`
	MaxCost            decimal.Decimal `json:"max_cost"`
	MaxIdleSeconds     int64           `json:"max_idle_seconds"`
}

// Snapshot copies the calculator's tables; callers may keep or modify the result.
func (c *Calculator) Snapshot() Snapshot {
	snap := Snapshot{
		Currency:             c.currency,
		Precision:            c.precision,
		MinimumBillableHours: c.minimumBillableHours,
		Rates:                make(map[string]map[string]decimal.Decimal, len(c.rates)),
		GPUAddons:            maps.Clone(c.gpuAddons),
		GPUEligibility:       make(map[string][]string, len(c.gpuEligibility)),
		FreeGPUClasses:       slices.Sorted(maps.Keys(c.freeGPU)),
		Storage:              maps.Clone(c.storage),
		PurchaseMinimum:      c.purchaseMinimum,
		PurchaseBonusPercent: c.bonusPercent,
		Limits: LimitsView{
			MaxDurationSeconds: int64(c.limits.MaxDuration / time.Second),
			MaxCost:            c.limits.MaxCost,
			MaxIdleSeconds:     int64(c.limits.MaxIdle / time.Second),
		},
	}
	for class, table := range c.rates {
		snap.Rates[class] = maps.Clone(table)
	}
	for class, allowed := range c.gpuEligibility {
		snap.GPUEligibility[class] = slices.Sorted(maps.Keys(allowed))
	}
	return snap
}

func key(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func parse(raw string) (decimal.Decimal, error) {
	return decimal.NewFromString(strings.TrimSpace(raw))
}

func parseOr(raw string, def decimal.Decimal) (decimal.Decimal, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	return parse(raw)
}
