package monitor

import (
	"time"

	"github.com/smallbiznis/sessionbill/internal/config"
)

// Config controls the sweep cadence and escalation thresholds.
type Config struct {
	Interval     time.Duration
	BatchSize    int
	SweepTimeout time.Duration

	// ProviderRetryCeiling is the number of failed terminate attempts after which a
	// session is escalated.
	ProviderRetryCeiling int
	// HardCeilingFactor × max_duration is the elapsed time after which a session is
	// settled without provider confirmation.
	HardCeilingFactor int

	LeaseKey string
	LeaseTTL time.Duration

	// CreditHorizon is how far ahead the remaining balance must cover the hourly rate.
	CreditHorizon time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:             5 * time.Minute,
		BatchSize:            100,
		SweepTimeout:         2 * time.Minute,
		ProviderRetryCeiling: 5,
		HardCeilingFactor:    2,
		LeaseKey:             "sessionbill:monitor:sweep",
		LeaseTTL:             4 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = defaults.Interval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.SweepTimeout <= 0 {
		c.SweepTimeout = defaults.SweepTimeout
	}
	if c.ProviderRetryCeiling <= 0 {
		c.ProviderRetryCeiling = defaults.ProviderRetryCeiling
	}
	if c.HardCeilingFactor <= 0 {
		c.HardCeilingFactor = defaults.HardCeilingFactor
	}
	if c.LeaseKey == "" {
		c.LeaseKey = defaults.LeaseKey
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = defaults.LeaseTTL
	}
	if c.CreditHorizon <= 0 {
		c.CreditHorizon = c.Interval
	}
	return c
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		Interval:             cfg.Monitor.Interval,
		BatchSize:            cfg.Monitor.BatchSize,
		SweepTimeout:         cfg.Monitor.SweepTimeout,
		ProviderRetryCeiling: cfg.Monitor.ProviderRetryCeiling,
		HardCeilingFactor:    cfg.Monitor.HardCeilingFactor,
		LeaseTTL:             cfg.Monitor.LeaseTTL,
	}.withDefaults()
}
