package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/gullybot/internal/store"
)

// BidRepo implements store.BidRepository with sqlx.
type BidRepo struct {
	db *sqlx.DB
}

// NewBidRepo returns a new BidRepo.
func NewBidRepo(db *sqlx.DB) *BidRepo {
	return &BidRepo{db: db}
}

func (r *BidRepo) Append(ctx context.Context, b *store.Bid) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	_, err := r.db.NamedExecContext(ctx,
		`INSERT INTO bids (id, listing_id, participant_id, seq, amount, placed_at)
		 VALUES (:id, :listing_id, :participant_id, :seq, :amount, :placed_at)`, b)
	if isUniqueViolation(err) {
		return fmt.Errorf("bid %d on listing %s: %w", b.Seq, b.ListingID, store.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("appending bid: %w", err)
	}
	return nil
}

func (r *BidRepo) ListByListing(ctx context.Context, listingID string) ([]store.Bid, error) {
	var out []store.Bid
	err := r.db.SelectContext(ctx, &out,
		`SELECT id, listing_id, participant_id, seq, amount, placed_at
		 FROM bids WHERE listing_id = $1 ORDER BY seq ASC`, listingID)
	if err != nil {
		return nil, fmt.Errorf("listing bids: %w", err)
	}
	return out, nil
}
