package league

import (
	"fmt"

	"github.com/jensholdgaard/gullybot/internal/auction"
	"github.com/jensholdgaard/gullybot/internal/autoassign"
	"github.com/jensholdgaard/gullybot/internal/config"
	"github.com/jensholdgaard/gullybot/internal/gully"
	"github.com/jensholdgaard/gullybot/internal/squad"
	"github.com/jensholdgaard/gullybot/internal/transfer"
)

// FromConfig builds the per-gully tunables from the application config.
func FromConfig(cfg *config.Config) (Config, error) {
	var inc auction.IncrementPolicy = auction.StrictIncrement{}
	if cfg.Auction.MinIncrement > 0 {
		inc = auction.FixedIncrement{Step: cfg.Auction.MinIncrement}
	}

	rules := squad.Rules{
		MinSquadSize:    cfg.Squad.MinSquadSize,
		MaxSquadSize:    cfg.Squad.MaxSquadSize,
		PerRoleMin:      make(map[gully.Role]int, len(cfg.Squad.PerRoleMin)),
		PerRoleMax:      make(map[gully.Role]int, len(cfg.Squad.PerRoleMax)),
		WeeklyTransfers: cfg.Squad.WeeklyTransfers,
	}
	for name, n := range cfg.Squad.PerRoleMin {
		role, err := gully.ParseRole(name)
		if err != nil {
			return Config{}, err
		}
		rules.PerRoleMin[role] = n
	}
	for name, n := range cfg.Squad.PerRoleMax {
		role, err := gully.ParseRole(name)
		if err != nil {
			return Config{}, err
		}
		rules.PerRoleMax[role] = n
	}
	if err := rules.Validate(); err != nil {
		return Config{}, err
	}

	pricer, err := transfer.NewPremiumPricer(cfg.Transfer.FairPricePremium)
	if err != nil {
		return Config{}, err
	}

	var price autoassign.PricePolicy
	switch cfg.AutoAssign.Pricing {
	case "", "base":
		price = autoassign.BasePrice{}
	case "free":
		price = autoassign.FreeAssignment{}
	default:
		return Config{}, fmt.Errorf("unknown auto-assign pricing %q", cfg.AutoAssign.Pricing)
	}

	return Config{
		Auction: auction.Config{
			Duration:      cfg.Auction.BidDuration,
			MaxPassCycles: cfg.Auction.MaxPassCycles,
			Increment:     inc,
		},
		Squad: rules,
		Transfer: transfer.Config{
			CollectionWindow: cfg.Transfer.CollectionWindow,
			Pricer:           pricer,
		},
		Assign: autoassign.Config{
			Priority: autoassign.SmallestSquadFirst{},
			Price:    price,
		},
	}, nil
}
