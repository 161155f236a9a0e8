package pricing

import (
	"github.com/smallbiznis/sessionbill/internal/config"
	"go.uber.org/fx"
)

// Source builds calculators from the pricing document that is active when it is asked.
type Source struct {
	holder *config.PricingHolder
}

func NewSource(holder *config.PricingHolder) *Source {
	return &Source{holder: holder}
}

// NewStaticSource serves a fixed pricing document.
func NewStaticSource(p config.Pricing) *Source {
	return &Source{holder: config.NewStaticPricingHolder(p)}
}

// Calculator snapshots the current pricing document.
func (s *Source) Calculator() (*Calculator, error) {
	return New(s.holder.Snapshot())
}

var Module = fx.Module("pricing",
	fx.Provide(NewSource),
)
