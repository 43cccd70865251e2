package store

import (
	"context"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/jensholdgaard/gullybot/internal/gully"
)

// Errors returned by every driver.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

// Listing states as persisted.
const (
	ListingPending   = "pending"
	ListingBidding   = "bidding"
	ListingSold      = "sold"
	ListingPassed    = "passed"
	ListingCancelled = "cancelled"
)

// Player is a catalog row.
type Player struct {
	ID        string `db:"id"`
	Name      string `db:"name"`
	Team      string `db:"team"`
	Role      string `db:"role"`
	BasePrice int64  `db:"base_price"`
}

// Domain converts the row into a gully.Player.
func (p Player) Domain() (gully.Player, error) {
	role, err := gully.ParseRole(p.Role)
	if err != nil {
		return gully.Player{}, err
	}
	return gully.Player{ID: p.ID, Name: p.Name, Team: p.Team, Role: role, BasePrice: p.BasePrice}, nil
}

// Participant is one user's membership in one gully.
type Participant struct {
	ID       string    `db:"id"`
	GullyID  string    `db:"gully_id"`
	UserID   string    `db:"user_id"`
	Name     string    `db:"name"`
	Budget   int64     `db:"budget"`
	JoinedAt time.Time `db:"joined_at"`
}

// Domain converts the row into a gully.Member.
func (p Participant) Domain() gully.Member {
	return gully.Member{ID: p.ID, GullyID: p.GullyID, UserID: p.UserID, Name: p.Name, Budget: p.Budget, JoinedAt: p.JoinedAt}
}

// SquadMember records a player owned by a participant.
type SquadMember struct {
	GullyID       string    `db:"gully_id"`
	ParticipantID string    `db:"participant_id"`
	PlayerID      string    `db:"player_id"`
	Price         int64     `db:"price"`
	Source        string    `db:"source"` // "auction", "transfer", "auto"
	AcquiredAt    time.Time `db:"acquired_at"`
}

// Listing is one player queued for bidding in one gully, with its
// denormalized leader.
type Listing struct {
	ID             string         `db:"id"`
	GullyID        string         `db:"gully_id"`
	PlayerID       string         `db:"player_id"`
	State          string         `db:"state"`
	Floor          int64          `db:"floor"`
	CurrentBid     *int64         `db:"current_bid"`
	CurrentBidder  *string        `db:"current_bidder"`
	Passes         int            `db:"passes"`
	Seq            int64          `db:"seq"`
	SellerID       *string        `db:"seller_id"`
	AllowedBidders pq.StringArray `db:"allowed_bidders"`
	Reason         *string        `db:"reason"`
	CreatedAt      time.Time      `db:"created_at"`
	ClosedAt       *time.Time     `db:"closed_at"`
}

// Bid is an append-only accepted bid.
type Bid struct {
	ID            string    `db:"id"`
	ListingID     string    `db:"listing_id"`
	ParticipantID string    `db:"participant_id"`
	Seq           int       `db:"seq"`
	Amount        int64     `db:"amount"`
	PlacedAt      time.Time `db:"placed_at"`
}

// PlayerRepository is the player catalog. The auction core only reads it;
// Upsert is used by catalog import.
type PlayerRepository interface {
	GetByID(ctx context.Context, id string) (*Player, error)
	List(ctx context.Context) ([]Player, error)
	Upsert(ctx context.Context, p *Player) error
}

// ParticipantRepository persists gully membership, budgets and squads.
type ParticipantRepository interface {
	Create(ctx context.Context, p *Participant) error
	ListByGully(ctx context.Context, gullyID string) ([]Participant, error)
	GetByUser(ctx context.Context, gullyID, userID string) (*Participant, error)
	Gullies(ctx context.Context) ([]string, error)
	UpdateBudget(ctx context.Context, id string, delta int64) error
	AddSquadMember(ctx context.Context, m *SquadMember) error
	RemoveSquadMember(ctx context.Context, participantID, playerID string) error
	ListSquads(ctx context.Context, gullyID string) ([]SquadMember, error)
}

// ListingRepository persists listings.
type ListingRepository interface {
	// Create inserts the listing and assigns Seq and CreatedAt.
	Create(ctx context.Context, l *Listing) error
	GetByID(ctx context.Context, id string) (*Listing, error)
	// Update writes state, passes, reason and closed_at. The leader columns
	// are only written when set.
	Update(ctx context.Context, l *Listing) error
	// UpdateLeader raises the denormalized leader; lower amounts are ignored.
	UpdateLeader(ctx context.Context, id, bidder string, amount int64) error
	// Requeue moves a passed listing back to pending at the tail of the
	// gully's order, recording its pass count.
	Requeue(ctx context.Context, l *Listing) error
	// ListOpen returns pending, bidding and passed listings ordered by seq.
	ListOpen(ctx context.Context, gullyID string) ([]Listing, error)
}

// BidRepository is the append-only bid table.
type BidRepository interface {
	Append(ctx context.Context, b *Bid) error
	// ListByListing returns bids ordered by seq.
	ListByListing(ctx context.Context, listingID string) ([]Bid, error)
}
