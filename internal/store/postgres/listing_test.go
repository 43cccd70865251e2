package postgres_test

import (
	"context"
	"errors"
	"testing"

	"github.com/jensholdgaard/gullybot/internal/store"
	"github.com/jensholdgaard/gullybot/internal/store/postgres"
)

func TestListingRepo_Lifecycle(t *testing.T) {
	db := newTestDB(t)
	p, a, b := seed(t, db)
	repo := postgres.NewListingRepo(db, testNow)
	ctx := context.Background()

	l := &store.Listing{ID: "l1", GullyID: "g1", PlayerID: p.ID, State: store.ListingPending, Floor: 100}
	if err := repo.Create(ctx, l); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if l.Seq == 0 {
		t.Fatal("expected Seq to be assigned")
	}

	if err := repo.UpdateLeader(ctx, "l1", b.ID, 160); err != nil {
		t.Fatalf("UpdateLeader: %v", err)
	}
	// A lower amount persisted late must not replace the leader.
	if err := repo.UpdateLeader(ctx, "l1", a.ID, 150); err != nil {
		t.Fatalf("UpdateLeader: %v", err)
	}
	got, err := repo.GetByID(ctx, "l1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.CurrentBid == nil || *got.CurrentBid != 160 || *got.CurrentBidder != b.ID {
		t.Errorf("leader = %v/%v, want b@160", got.CurrentBid, got.CurrentBidder)
	}

	reason := "duplicate listing"
	got.State = store.ListingCancelled
	got.Reason = &reason
	got.CurrentBid, got.CurrentBidder = nil, nil
	if err := repo.Update(ctx, got); err != nil {
		t.Fatalf("Update: %v", err)
	}
	after, _ := repo.GetByID(ctx, "l1")
	if after.State != store.ListingCancelled || after.CurrentBid == nil {
		t.Errorf("after Update = %+v, want cancelled with leader kept", after)
	}

	if _, err := repo.GetByID(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetByID(missing) error = %v, want ErrNotFound", err)
	}
}

func TestListingRepo_RequeueAndListOpen(t *testing.T) {
	db := newTestDB(t)
	p, a, _ := seed(t, db)
	players := postgres.NewPlayerRepo(db)
	repo := postgres.NewListingRepo(db, testNow)
	ctx := context.Background()

	second := store.Player{ID: "bowl-1", Name: "Quick", Role: "bowler", BasePrice: 80}
	if err := players.Upsert(ctx, &second); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	first := &store.Listing{ID: "l1", GullyID: "g1", PlayerID: p.ID, State: store.ListingPassed, Floor: 100}
	next := &store.Listing{ID: "l2", GullyID: "g1", PlayerID: second.ID, State: store.ListingPending, Floor: 80,
		SellerID: &a.ID, AllowedBidders: []string{"x", "y"}}
	for _, l := range []*store.Listing{first, next} {
		if err := repo.Create(ctx, l); err != nil {
			t.Fatalf("Create(%s): %v", l.ID, err)
		}
	}

	first.Passes = 1
	if err := repo.Requeue(ctx, first); err != nil {
		t.Fatalf("Requeue: %v", err)
	}

	open, err := repo.ListOpen(ctx, "g1")
	if err != nil {
		t.Fatalf("ListOpen: %v", err)
	}
	if len(open) != 2 || open[0].ID != "l2" || open[1].ID != "l1" {
		t.Fatalf("ListOpen order = %+v, want l2 then requeued l1", open)
	}
	if open[1].State != store.ListingPending || open[1].Passes != 1 {
		t.Errorf("requeued listing = %+v, want pending with 1 pass", open[1])
	}
	if len(open[0].AllowedBidders) != 2 || open[0].SellerID == nil {
		t.Errorf("transfer listing = %+v, want seller and allowed bidders", open[0])
	}
}

func TestBidRepo_AppendAndList(t *testing.T) {
	db := newTestDB(t)
	p, a, b := seed(t, db)
	listings := postgres.NewListingRepo(db, testNow)
	repo := postgres.NewBidRepo(db)
	ctx := context.Background()

	if err := listings.Create(ctx, &store.Listing{ID: "l1", GullyID: "g1", PlayerID: p.ID, State: store.ListingBidding, Floor: 100}); err != nil {
		t.Fatalf("Create listing: %v", err)
	}

	for _, bid := range []*store.Bid{
		{ListingID: "l1", ParticipantID: b.ID, Seq: 2, Amount: 160, PlacedAt: testNow.T},
		{ListingID: "l1", ParticipantID: a.ID, Seq: 1, Amount: 150, PlacedAt: testNow.T},
	} {
		if err := repo.Append(ctx, bid); err != nil {
			t.Fatalf("Append(seq %d): %v", bid.Seq, err)
		}
	}
	dup := &store.Bid{ListingID: "l1", ParticipantID: a.ID, Seq: 1, Amount: 170, PlacedAt: testNow.T}
	if err := repo.Append(ctx, dup); !errors.Is(err, store.ErrConflict) {
		t.Errorf("duplicate seq error = %v, want ErrConflict", err)
	}

	bids, err := repo.ListByListing(ctx, "l1")
	if err != nil {
		t.Fatalf("ListByListing: %v", err)
	}
	if len(bids) != 2 || bids[0].Seq != 1 || bids[1].Amount != 160 {
		t.Errorf("ListByListing = %+v, want seq order", bids)
	}
}
