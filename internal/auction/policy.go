package auction

// IncrementPolicy decides the lowest acceptable next bid. The ledger still
// requires every bid to be strictly above the leader.
type IncrementPolicy interface {
	MinimumBid(floor int64, leader *Bid) int64
}

// StrictIncrement accepts any amount above the leader, or the floor itself
// when nobody has bid yet.
type StrictIncrement struct{}

// MinimumBid implements IncrementPolicy.
func (StrictIncrement) MinimumBid(floor int64, leader *Bid) int64 {
	if leader == nil {
		return floor
	}
	return leader.Amount + 1
}

// FixedIncrement requires every raise to be at least Step.
type FixedIncrement struct {
	Step int64
}

// MinimumBid implements IncrementPolicy.
func (f FixedIncrement) MinimumBid(floor int64, leader *Bid) int64 {
	if leader == nil {
		return floor
	}
	return leader.Amount + max(f.Step, 1)
}
