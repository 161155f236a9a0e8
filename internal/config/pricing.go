package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Pricing is the rate and limit document loaded from pricing.yml.
// Monetary values are kept as decimal strings and parsed by the pricing package.
type Pricing struct {
	Currency             string                       `mapstructure:"currency"`
	Precision            int32                        `mapstructure:"precision"`
	MinimumBillableHours string                       `mapstructure:"minimumBillableHours"`
	Rates                map[string]map[string]string `mapstructure:"rates"`
	GPUAddons            map[string]string            `mapstructure:"gpuAddons"`
	GPUEligibility       map[string][]string          `mapstructure:"gpuEligibility"`
	FreeGPUClasses       []string                     `mapstructure:"freeGpuClasses"`
	Storage              map[string]string            `mapstructure:"storage"`
	Purchase             PurchaseConfig               `mapstructure:"purchase"`
	Limits               LimitPolicy                  `mapstructure:"limits"`
}

type PurchaseConfig struct {
	MinimumAmount string `mapstructure:"minimumAmount"`
	BonusPercent  string `mapstructure:"bonusPercent"`
}

// LimitPolicy holds the default auto-kill thresholds. A zero value disables the limit.
type LimitPolicy struct {
	MaxDuration time.Duration `mapstructure:"maxDuration"`
	MaxCost     string        `mapstructure:"maxCost"`
	MaxIdle     time.Duration `mapstructure:"maxIdle"`
}

func DefaultPricing() Pricing {
	return Pricing{
		Currency:             "USD",
		Precision:            4,
		MinimumBillableHours: "1",
		Rates: map[string]map[string]string{
			"free":       {"small": "0.05", "medium": "0.10"},
			"pro":        {"small": "0.075", "medium": "0.15", "large": "0.30"},
			"enterprise": {"small": "0.04", "medium": "0.08", "large": "0.16", "xlarge": "0.32"},
			"admin":      {"small": "0", "medium": "0", "large": "0", "xlarge": "0"},
		},
		GPUAddons: map[string]string{
			"t4":   "0.15",
			"l4":   "0.25",
			"v100": "0.50",
			"a100": "1.20",
			"h100": "3.00",
		},
		GPUEligibility: map[string][]string{
			"pro":        {"t4", "l4"},
			"enterprise": {"t4", "l4", "v100", "a100", "h100"},
			"admin":      {"t4", "l4", "v100", "a100", "h100"},
		},
		FreeGPUClasses: []string{"admin"},
		Storage: map[string]string{
			"bucket":    "0.02",
			"filestore": "0.17",
		},
		Purchase: PurchaseConfig{
			MinimumAmount: "10",
			BonusPercent:  "0",
		},
		Limits: LimitPolicy{
			MaxDuration: 24 * time.Hour,
			MaxCost:     "100",
			MaxIdle:     30 * time.Minute,
		},
	}
}

// PricingHolder keeps the active pricing document. Readers take a Snapshot and use it for the
// whole operation, so a reload never changes rates in the middle of a sweep.
type PricingHolder struct {
	current atomic.Value // holds Pricing
}

// NewStaticPricingHolder wraps a fixed document, mostly for tests.
func NewStaticPricingHolder(p Pricing) *PricingHolder {
	holder := &PricingHolder{}
	holder.current.Store(p)
	return holder
}

func NewPricingHolder(path string) (*PricingHolder, error) {
	v := viper.New()

	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("pricing")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/sessionbill")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("SESSIONBILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultPricing()
	v.SetDefault("pricing.currency", defaults.Currency)
	v.SetDefault("pricing.precision", defaults.Precision)
	v.SetDefault("pricing.minimumBillableHours", defaults.MinimumBillableHours)
	v.SetDefault("pricing.rates", defaults.Rates)
	v.SetDefault("pricing.gpuAddons", defaults.GPUAddons)
	v.SetDefault("pricing.gpuEligibility", defaults.GPUEligibility)
	v.SetDefault("pricing.freeGpuClasses", defaults.FreeGPUClasses)
	v.SetDefault("pricing.storage", defaults.Storage)
	v.SetDefault("pricing.purchase.minimumAmount", defaults.Purchase.MinimumAmount)
	v.SetDefault("pricing.purchase.bonusPercent", defaults.Purchase.BonusPercent)
	v.SetDefault("pricing.limits.maxDuration", defaults.Limits.MaxDuration.String())
	v.SetDefault("pricing.limits.maxCost", defaults.Limits.MaxCost)
	v.SetDefault("pricing.limits.maxIdle", defaults.Limits.MaxIdle.String())

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileLoaded = false
	}

	cfg, err := decodePricing(v)
	if err != nil {
		return nil, err
	}

	holder := &PricingHolder{}
	holder.current.Store(cfg)

	if fileLoaded {
		v.OnConfigChange(func(e fsnotify.Event) {
			updated, err := decodePricing(v)
			if err != nil {
				zap.L().Warn("pricing reload ignored", zap.String("file", e.Name), zap.Error(err))
				return
			}
			holder.current.Store(updated)
			zap.L().Info("pricing reloaded", zap.String("file", e.Name))
		})
		v.WatchConfig()
	}

	return holder, nil
}

// Snapshot returns the pricing document active right now.
func (h *PricingHolder) Snapshot() Pricing {
	return h.current.Load().(Pricing)
}

func decodePricing(v *viper.Viper) (Pricing, error) {
	var doc struct {
		Pricing Pricing `mapstructure:"pricing"`
	}
	if err := v.Unmarshal(&doc); err != nil {
		return Pricing{}, err
	}
	cfg := normalizePricing(doc.Pricing)
	if err := ValidatePricing(cfg); err != nil {
		return Pricing{}, err
	}
	return cfg, nil
}

func normalizePricing(cfg Pricing) Pricing {
	rates := make(map[string]map[string]string, len(cfg.Rates))
	for class, tiers := range cfg.Rates {
		normalized := make(map[string]string, len(tiers))
		for tier, rate := range tiers {
			normalized[strings.ToLower(strings.TrimSpace(tier))] = rate
		}
		rates[strings.ToLower(strings.TrimSpace(class))] = normalized
	}
	cfg.Rates = rates

	gpus := make(map[string]string, len(cfg.GPUAddons))
	for name, rate := range cfg.GPUAddons {
		gpus[strings.ToLower(strings.TrimSpace(name))] = rate
	}
	cfg.GPUAddons = gpus

	eligibility := make(map[string][]string, len(cfg.GPUEligibility))
	for class, list := range cfg.GPUEligibility {
		items := make([]string, 0, len(list))
		for _, gpu := range list {
			items = append(items, strings.ToLower(strings.TrimSpace(gpu)))
		}
		eligibility[strings.ToLower(strings.TrimSpace(class))] = items
	}
	cfg.GPUEligibility = eligibility

	if cfg.Precision <= 0 {
		cfg.Precision = 4
	}
	if strings.TrimSpace(cfg.Currency) == "" {
		cfg.Currency = "USD"
	}
	return cfg
}

// ValidatePricing rejects documents with unparsable or negative amounts.
func ValidatePricing(cfg Pricing) error {
	if len(cfg.Rates) == 0 {
		return errors.New("pricing.rates cannot be empty")
	}
	for class, tiers := range cfg.Rates {
		if len(tiers) == 0 {
			return fmt.Errorf("pricing.rates.%s cannot be empty", class)
		}
		for tier, rate := range tiers {
			if err := nonNegative(rate); err != nil {
				return fmt.Errorf("pricing.rates.%s.%s: %w", class, tier, err)
			}
		}
	}
	for gpu, rate := range cfg.GPUAddons {
		if err := nonNegative(rate); err != nil {
			return fmt.Errorf("pricing.gpuAddons.%s: %w", gpu, err)
		}
	}
	for kind, rate := range cfg.Storage {
		if err := nonNegative(rate); err != nil {
			return fmt.Errorf("pricing.storage.%s: %w", kind, err)
		}
	}
	for field, value := range map[string]string{
		"minimumBillableHours":   cfg.MinimumBillableHours,
		"purchase.minimumAmount": cfg.Purchase.MinimumAmount,
		"purchase.bonusPercent":  cfg.Purchase.BonusPercent,
		"limits.maxCost":         cfg.Limits.MaxCost,
	} {
		if strings.TrimSpace(value) == "" {
			continue
		}
		if err := nonNegative(value); err != nil {
			return fmt.Errorf("pricing.%s: %w", field, err)
		}
	}
	if cfg.Limits.MaxDuration < 0 || cfg.Limits.MaxIdle < 0 {
		return errors.New("pricing.limits durations must not be negative")
	}
	return nil
}

func nonNegative(value string) error {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return err
	}
	if d.IsNegative() {
		return errors.New("must not be negative")
	}
	return nil
}
