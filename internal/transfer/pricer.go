package transfer

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/jensholdgaard/gullybot/internal/gully"
)

// Pricer computes the direct-sale price of a released player.
type Pricer interface {
	FairPrice(p gully.Player) int64
}

// PremiumPricer charges the base price scaled by Premium, rounded half away
// from zero. The result is never below 1.
type PremiumPricer struct {
	Premium decimal.Decimal
}

// NewPremiumPricer parses premium as a decimal multiplier such as "1.10".
func NewPremiumPricer(premium string) (PremiumPricer, error) {
	d, err := decimal.NewFromString(premium)
	if err != nil {
		return PremiumPricer{}, fmt.Errorf("parsing fair price premium: %w", err)
	}
	if !d.IsPositive() {
		return PremiumPricer{}, fmt.Errorf("fair price premium must be positive, got %s", d)
	}
	return PremiumPricer{Premium: d}, nil
}

// FairPrice implements Pricer.
func (pp PremiumPricer) FairPrice(p gully.Player) int64 {
	premium := pp.Premium
	if premium.IsZero() {
		premium = decimal.NewFromInt(1)
	}
	price := decimal.NewFromInt(p.BasePrice).Mul(premium).Round(0).IntPart()
	return max(price, 1)
}
