package auction

import (
	"fmt"
	"sync"
	"time"
)

// Bid is an accepted bid. Bids are never mutated or retracted.
type Bid struct {
	ListingID     string
	ParticipantID string
	Amount        int64
	// Seq is the 1-based acceptance order within the listing.
	Seq      int
	PlacedAt time.Time
}

// BidLedger is the append-only bid log of one listing.
// It is safe for concurrent use; Submit calls are serialized.
type BidLedger struct {
	mu        sync.Mutex
	listingID string
	open      bool
	bids      []Bid
}

// NewBidLedger returns a closed, empty ledger.
func NewBidLedger(listingID string) *BidLedger {
	return &BidLedger{listingID: listingID}
}

// Open starts accepting bids.
func (l *BidLedger) Open() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.open = true
}

// Seal stops accepting bids for good.
func (l *BidLedger) Seal() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.open = false
}

// Submit appends a bid if amount is strictly above the current leader.
// An amount equal to the leader is rejected, so of two simultaneous equal
// bids only the first one serialized here is accepted.
func (l *BidLedger) Submit(participantID string, amount int64, at time.Time) (Bid, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.open {
		return Bid{}, ErrSessionClosed
	}
	if n := len(l.bids); n > 0 && amount <= l.bids[n-1].Amount {
		return Bid{}, fmt.Errorf("%w: highest is %d", ErrBidTooLow, l.bids[n-1].Amount)
	}

	b := Bid{
		ListingID:     l.listingID,
		ParticipantID: participantID,
		Amount:        amount,
		Seq:           len(l.bids) + 1,
		PlacedAt:      at,
	}
	l.bids = append(l.bids, b)
	return b, nil
}

// Leader returns the current highest bid.
func (l *BidLedger) Leader() (Bid, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.bids) == 0 {
		return Bid{}, false
	}
	return l.bids[len(l.bids)-1], true
}

// Bids returns a copy of the log in acceptance order.
func (l *BidLedger) Bids() []Bid {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Bid(nil), l.bids...)
}

// Len returns the number of accepted bids.
func (l *BidLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.bids)
}

// Restore rebuilds the log from persisted bids, which must be in seq order
// with strictly increasing amounts.
func (l *BidLedger) Restore(bids []Bid) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	restored := make([]Bid, 0, len(bids))
	for i, b := range bids {
		if b.Seq != i+1 {
			return fmt.Errorf("%w: bid seq %d at position %d", ErrInvalidTransition, b.Seq, i+1)
		}
		if i > 0 && b.Amount <= restored[i-1].Amount {
			return fmt.Errorf("%w: bid %d amount %d does not exceed %d", ErrInvalidTransition, b.Seq, b.Amount, restored[i-1].Amount)
		}
		b.ListingID = l.listingID
		restored = append(restored, b)
	}
	l.bids = restored
	return nil
}
