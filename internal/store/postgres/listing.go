package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/gullybot/internal/clock"
	"github.com/jensholdgaard/gullybot/internal/store"
)

const listingColumns = `id, gully_id, player_id, state, floor, current_bid, current_bidder,
	passes, seq, seller_id, allowed_bidders, reason, created_at, closed_at`

// ListingRepo implements store.ListingRepository with sqlx.
type ListingRepo struct {
	db    *sqlx.DB
	clock clock.Clock
}

// NewListingRepo returns a new ListingRepo.
func NewListingRepo(db *sqlx.DB, clk clock.Clock) *ListingRepo {
	return &ListingRepo{db: db, clock: clk}
}

func (r *ListingRepo) Create(ctx context.Context, l *store.Listing) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = r.clock.Now().UTC()
	}
	if l.AllowedBidders == nil {
		l.AllowedBidders = []string{}
	}
	query := `INSERT INTO listings (id, gully_id, player_id, state, floor, passes, seller_id, allowed_bidders, created_at)
	           VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	           RETURNING seq`
	err := r.db.QueryRowContext(ctx, query,
		l.ID, l.GullyID, l.PlayerID, l.State, l.Floor, l.Passes, l.SellerID, l.AllowedBidders, l.CreatedAt,
	).Scan(&l.Seq)
	if isUniqueViolation(err) {
		return fmt.Errorf("listing %s: %w", l.ID, store.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("creating listing: %w", err)
	}
	return nil
}

func (r *ListingRepo) GetByID(ctx context.Context, id string) (*store.Listing, error) {
	var l store.Listing
	err := r.db.GetContext(ctx, &l, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err, "listing "+id)
	}
	return &l, nil
}

func (r *ListingRepo) Update(ctx context.Context, l *store.Listing) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE listings
		 SET state = $2, passes = $3, reason = $4, closed_at = $5,
		     current_bid = COALESCE($6, current_bid),
		     current_bidder = COALESCE($7, current_bidder)
		 WHERE id = $1`,
		l.ID, l.State, l.Passes, l.Reason, l.ClosedAt, l.CurrentBid, l.CurrentBidder,
	)
	if err != nil {
		return fmt.Errorf("updating listing: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("listing %s: %w", l.ID, store.ErrNotFound)
	}
	return nil
}

func (r *ListingRepo) UpdateLeader(ctx context.Context, id, bidder string, amount int64) error {
	// Bids may be persisted out of order; only a higher amount moves the leader.
	_, err := r.db.ExecContext(ctx,
		`UPDATE listings SET current_bid = $2, current_bidder = $3
		 WHERE id = $1 AND (current_bid IS NULL OR current_bid < $2)`,
		id, amount, bidder,
	)
	if err != nil {
		return fmt.Errorf("updating listing leader: %w", err)
	}
	return nil
}

func (r *ListingRepo) Requeue(ctx context.Context, l *store.Listing) error {
	err := r.db.QueryRowContext(ctx,
		`UPDATE listings
		 SET state = 'pending', passes = $2, seq = nextval('listing_seq'), closed_at = NULL
		 WHERE id = $1
		 RETURNING seq`,
		l.ID, l.Passes,
	).Scan(&l.Seq)
	if err != nil {
		return notFound(err, "listing "+l.ID)
	}
	return nil
}

func (r *ListingRepo) ListOpen(ctx context.Context, gullyID string) ([]store.Listing, error) {
	var out []store.Listing
	err := r.db.SelectContext(ctx, &out,
		`SELECT `+listingColumns+` FROM listings
		 WHERE gully_id = $1 AND state IN ('pending', 'bidding', 'passed')
		 ORDER BY seq ASC`, gullyID)
	if err != nil {
		return nil, fmt.Errorf("listing open listings: %w", err)
	}
	return out, nil
}
