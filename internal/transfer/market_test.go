package transfer_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jensholdgaard/gullybot/internal/auction"
	"github.com/jensholdgaard/gullybot/internal/budget"
	"github.com/jensholdgaard/gullybot/internal/clock"
	"github.com/jensholdgaard/gullybot/internal/event"
	"github.com/jensholdgaard/gullybot/internal/gully"
	"github.com/jensholdgaard/gullybot/internal/notify"
	"github.com/jensholdgaard/gullybot/internal/squad"
	"github.com/jensholdgaard/gullybot/internal/store"
	"github.com/jensholdgaard/gullybot/internal/store/memory"
	"github.com/jensholdgaard/gullybot/internal/transfer"
)

const (
	collection  = 10 * time.Minute
	bidDuration = 30 * time.Second
)

var (
	batter = gully.Player{ID: "bat-1", Name: "Opener", Team: "RCB", Role: gully.RoleBatsman, BasePrice: 100}
	keeper = gully.Player{ID: "wk-1", Name: "Keeper", Team: "MI", Role: gully.RoleWicketKeeper, BasePrice: 100}
)

type env struct {
	clk     *clock.Fake
	budgets *budget.Ledger
	squads  *squad.Validator
	repos   *store.Repositories
	rec     *notify.Recorder
	queue   *auction.Queue
	market  *transfer.Market
}

// newEnv seeds participants a, b and c with 1000 each; a owns batter.
func newEnv(t *testing.T) *env {
	t.Helper()
	return newEnvWithFunds(t, nil)
}

// newEnvWithFunds lets wrap replace the ledger the market pays through.
func newEnvWithFunds(t *testing.T, wrap func(*budget.Ledger) transfer.Funds) *env {
	t.Helper()
	ctx := context.Background()
	e := &env{
		clk:     clock.NewFake(time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)),
		budgets: budget.NewLedger("g1", slog.Default()),
		rec:     &notify.Recorder{},
	}
	var err error
	e.squads, err = squad.NewValidator(squad.Rules{
		MinSquadSize:    1,
		MaxSquadSize:    4,
		PerRoleMax:      map[gully.Role]int{gully.RoleWicketKeeper: 1},
		WeeklyTransfers: 1,
	})
	if err != nil {
		t.Fatalf("NewValidator() error = %v", err)
	}
	e.repos = memory.New(e.clk)

	for _, id := range []string{"a", "b", "c"} {
		e.budgets.Open(id, 1000)
		e.squads.Join(id)
		p := &store.Participant{ID: id, GullyID: "g1", UserID: "user-" + id, Budget: 1000}
		if err := e.repos.Participants.Create(ctx, p); err != nil {
			t.Fatalf("Create participant: %v", err)
		}
	}
	if err := e.squads.Attach("a", batter); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if err := e.repos.Participants.AddSquadMember(ctx, &store.SquadMember{
		GullyID: "g1", ParticipantID: "a", PlayerID: batter.ID, Price: 100, Source: "auction",
	}); err != nil {
		t.Fatalf("AddSquadMember() error = %v", err)
	}

	e.queue, err = auction.NewQueue("g1",
		auction.Config{Duration: bidDuration, MaxPassCycles: 1},
		auction.Deps{
			Budgets:        e.budgets,
			Squads:         e.squads,
			Listings:       e.repos.Listings,
			Bids:           e.repos.Bids,
			Participants:   e.repos.Participants,
			Events:         e.repos.Events,
			Notifier:       e.rec,
			Clock:          e.clk,
			Logger:         slog.Default(),
			TracerProvider: noop.NewTracerProvider(),
			MeterProvider:  metricnoop.NewMeterProvider(),
		},
	)
	if err != nil {
		t.Fatalf("NewQueue() error = %v", err)
	}

	pricer, err := transfer.NewPremiumPricer("1.10")
	if err != nil {
		t.Fatalf("NewPremiumPricer() error = %v", err)
	}
	var funds transfer.Funds = e.budgets
	if wrap != nil {
		funds = wrap(e.budgets)
	}
	e.market, err = transfer.NewMarket("g1",
		transfer.Config{CollectionWindow: collection, Pricer: pricer},
		transfer.Deps{
			Queue:          e.queue,
			Budgets:        funds,
			Squads:         e.squads,
			Participants:   e.repos.Participants,
			Events:         e.repos.Events,
			Notifier:       e.rec,
			Clock:          e.clk,
			Logger:         slog.Default(),
			TracerProvider: noop.NewTracerProvider(),
		},
	)
	if err != nil {
		t.Fatalf("NewMarket() error = %v", err)
	}
	return e
}

func (e *env) balance(t *testing.T, id string) int64 {
	t.Helper()
	b, err := e.budgets.Balance(id)
	if err != nil {
		t.Fatalf("Balance(%s) error = %v", id, err)
	}
	return b
}

func (e *env) resolution(t *testing.T) event.TransferData {
	t.Helper()
	evs, err := e.repos.Events.LoadByType(context.Background(), event.TransferResolved, time.Time{})
	if err != nil || len(evs) != 1 {
		t.Fatalf("TransferResolved events = %d, %v; want 1", len(evs), err)
	}
	var d event.TransferData
	if err := evs[0].Decode(&d); err != nil {
		t.Fatalf("decoding TransferResolved: %v", err)
	}
	return d
}

func TestMarket_WindowClosed(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	if _, err := e.market.Release(ctx, "a", batter.ID); !errors.Is(err, transfer.ErrWindowClosed) {
		t.Fatalf("Release() error = %v, want ErrWindowClosed", err)
	}
	if !e.squads.Holds("a", batter.ID) {
		t.Error("seller lost the player while the window was closed")
	}
}

func TestMarket_ReleaseNotHeld(t *testing.T) {
	e := newEnv(t)
	e.market.OpenWindow(context.Background())

	if _, err := e.market.Release(context.Background(), "b", batter.ID); !errors.Is(err, squad.ErrNotHeld) {
		t.Errorf("Release() error = %v, want ErrNotHeld", err)
	}
}

func TestMarket_NoInterestShelvesPlayer(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.market.OpenWindow(ctx)

	r, err := e.market.Release(ctx, "a", batter.ID)
	if err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if e.squads.Holds("a", batter.ID) {
		t.Fatal("seller still holds the released player")
	}
	if len(e.market.Releases()) != 1 {
		t.Fatalf("Releases() = %d, want 1", len(e.market.Releases()))
	}
	if !r.Deadline.Equal(e.clk.Now().Add(collection)) {
		t.Errorf("Deadline = %v, want now+%s", r.Deadline, collection)
	}

	e.clk.Advance(collection)

	if len(e.market.Releases()) != 0 {
		t.Error("release still open after its deadline")
	}
	unsold := e.queue.Unsold()
	if len(unsold) != 1 || unsold[0].Player.ID != batter.ID {
		t.Fatalf("Unsold() = %+v, want the released batter", unsold)
	}
	if got := e.balance(t, "a"); got != 1000 {
		t.Errorf("seller balance = %d, want 1000", got)
	}
	if d := e.resolution(t); d.Outcome != transfer.OutcomeUnsold {
		t.Errorf("outcome = %q, want %q", d.Outcome, transfer.OutcomeUnsold)
	}
}

func TestMarket_SingleInterestDirectSale(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.market.OpenWindow(ctx)

	if _, err := e.market.Release(ctx, "a", batter.ID); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := e.market.DeclareInterest(ctx, batter.ID, "b", 90); err != nil {
		t.Fatalf("DeclareInterest() error = %v", err)
	}

	e.clk.Advance(collection)

	if !e.squads.Holds("b", batter.ID) {
		t.Fatal("buyer does not hold the player after a direct sale")
	}
	if got := e.balance(t, "b"); got != 890 {
		t.Errorf("buyer balance = %d, want 890", got)
	}
	if got := e.balance(t, "a"); got != 1110 {
		t.Errorf("seller balance = %d, want 1110", got)
	}
	if left := e.squads.TransfersLeft("b"); left != 0 {
		t.Errorf("TransfersLeft(b) = %d, want 0", left)
	}
	if e.queue.Active() != nil || len(e.queue.Pending()) != 0 {
		t.Error("a direct sale must not create a session")
	}

	buyer, err := e.repos.Participants.GetByUser(ctx, "g1", "user-b")
	if err != nil || buyer.Budget != 890 {
		t.Errorf("persisted buyer budget = %v, %v; want 890", buyer, err)
	}
	squads, _ := e.repos.Participants.ListSquads(ctx, "g1")
	if len(squads) != 1 || squads[0].ParticipantID != "b" || squads[0].Source != "transfer" {
		t.Errorf("persisted squads = %+v, want batter owned by b via transfer", squads)
	}

	d := e.resolution(t)
	if d.Outcome != transfer.OutcomeDirectSale || d.Price != 110 || d.BuyerID != "b" {
		t.Errorf("resolution = %+v, want direct sale to b at 110", d)
	}
}

// failingDebits accepts every check but refuses to take the money.
type failingDebits struct {
	*budget.Ledger
}

func (failingDebits) Commit(context.Context, string, int64) (int64, error) {
	return 0, errors.New("ledger unavailable")
}

func TestMarket_FailedDirectSaleKeepsTransfer(t *testing.T) {
	e := newEnvWithFunds(t, func(l *budget.Ledger) transfer.Funds { return failingDebits{l} })
	ctx := context.Background()
	e.market.OpenWindow(ctx)

	if _, err := e.market.Release(ctx, "a", batter.ID); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := e.market.DeclareInterest(ctx, batter.ID, "b", 90); err != nil {
		t.Fatalf("DeclareInterest() error = %v", err)
	}

	e.clk.Advance(collection)

	if left := e.squads.TransfersLeft("b"); left != 1 {
		t.Errorf("TransfersLeft(b) = %d, want 1", left)
	}
	if e.squads.Holds("b", batter.ID) {
		t.Error("buyer holds the player after a failed sale")
	}
	if got := e.balance(t, "b"); got != 1000 {
		t.Errorf("buyer balance = %d, want 1000", got)
	}
	if got := e.balance(t, "a"); got != 1000 {
		t.Errorf("seller balance = %d, want 1000", got)
	}
	if d := e.resolution(t); d.Outcome != transfer.OutcomeUnsold {
		t.Errorf("outcome = %q, want %q", d.Outcome, transfer.OutcomeUnsold)
	}
}

func TestMarket_MultipleInterestEscalatesToAuction(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.market.OpenWindow(ctx)

	if _, err := e.market.Release(ctx, "a", batter.ID); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	for id, amount := range map[string]int64{"b": 120, "c": 150} {
		if err := e.market.DeclareInterest(ctx, batter.ID, id, amount); err != nil {
			t.Fatalf("DeclareInterest(%s) error = %v", id, err)
		}
	}

	e.clk.Advance(collection)

	s := e.queue.Active()
	if s == nil {
		t.Fatal("expected a transfer session to be bidding")
	}
	l := s.Listing()
	if l.Floor != 150 || l.SellerID != "a" || len(l.AllowedBidders) != 2 {
		t.Fatalf("listing = %+v, want floor 150 sold by a to b or c", l)
	}

	if _, err := e.queue.PlaceBid(ctx, l.ID, "a", 200); !errors.Is(err, auction.ErrNotEligible) {
		t.Errorf("seller bid error = %v, want ErrNotEligible", err)
	}
	if _, err := e.queue.PlaceBid(ctx, l.ID, "b", 140); !errors.Is(err, auction.ErrBidTooLow) {
		t.Errorf("below-floor bid error = %v, want ErrBidTooLow", err)
	}
	if _, err := e.queue.PlaceBid(ctx, l.ID, "b", 160); err != nil {
		t.Fatalf("PlaceBid(b) error = %v", err)
	}

	e.clk.Advance(bidDuration)

	if !e.squads.Holds("b", batter.ID) {
		t.Fatal("winner does not hold the player")
	}
	if got := e.balance(t, "b"); got != 840 {
		t.Errorf("winner balance = %d, want 840", got)
	}
	if got := e.balance(t, "a"); got != 1160 {
		t.Errorf("seller balance = %d, want 1160", got)
	}
	if d := e.resolution(t); d.Outcome != transfer.OutcomeAuction || d.ListingID != l.ID {
		t.Errorf("resolution = %+v, want auction on %s", d, l.ID)
	}
}

func TestMarket_DeclareInterestRejections(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.market.OpenWindow(ctx)

	if _, err := e.market.Release(ctx, "a", batter.ID); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := e.squads.UseTransfer("c"); err != nil {
		t.Fatalf("UseTransfer() error = %v", err)
	}

	tests := []struct {
		name     string
		playerID string
		buyer    string
		amount   int64
		wantErr  error
	}{
		{name: "own release", playerID: batter.ID, buyer: "a", amount: 100, wantErr: transfer.ErrOwnRelease},
		{name: "unknown release", playerID: keeper.ID, buyer: "b", amount: 100, wantErr: transfer.ErrReleaseNotFound},
		{name: "zero amount", playerID: batter.ID, buyer: "b", amount: 0, wantErr: transfer.ErrInvalidInterest},
		{name: "over budget", playerID: batter.ID, buyer: "b", amount: 1001, wantErr: budget.ErrInsufficientFunds},
		{name: "no transfers left", playerID: batter.ID, buyer: "c", amount: 100, wantErr: squad.ErrNoTransfersLeft},
		{name: "unknown participant", playerID: batter.ID, buyer: "zz", amount: 100, wantErr: budget.ErrUnknownParticipant},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.market.DeclareInterest(ctx, tt.playerID, tt.buyer, tt.amount)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("DeclareInterest() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
	if got := e.market.Releases()[0].Interest; len(got) != 0 {
		t.Errorf("Interest = %v, want none recorded", got)
	}
}

func TestMarket_SquadRulesBlockInterest(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	if err := e.squads.Attach("a", keeper); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	other := gully.Player{ID: "wk-2", Role: gully.RoleWicketKeeper, BasePrice: 100}
	if err := e.squads.Attach("b", other); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	e.market.OpenWindow(ctx)

	if _, err := e.market.Release(ctx, "a", keeper.ID); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	err := e.market.DeclareInterest(ctx, keeper.ID, "b", 100)
	if !errors.Is(err, squad.ErrConstraintViolated) {
		t.Errorf("DeclareInterest() error = %v, want ErrConstraintViolated", err)
	}
}

func TestMarket_OpenWindowResetsTransfers(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	if err := e.squads.UseTransfer("b"); err != nil {
		t.Fatalf("UseTransfer() error = %v", err)
	}
	e.market.OpenWindow(ctx)
	if left := e.squads.TransfersLeft("b"); left != 1 {
		t.Errorf("TransfersLeft(b) = %d, want 1", left)
	}

	e.market.CloseWindow(ctx)
	if e.market.IsOpen() {
		t.Error("IsOpen() = true after CloseWindow")
	}
	if err := e.market.DeclareInterest(ctx, batter.ID, "b", 100); !errors.Is(err, transfer.ErrWindowClosed) {
		t.Errorf("DeclareInterest() error = %v, want ErrWindowClosed", err)
	}
}

func TestMarket_StopHaltsCollection(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.market.OpenWindow(ctx)

	if _, err := e.market.Release(ctx, "a", batter.ID); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	e.market.Stop()
	e.clk.Advance(collection)

	if len(e.market.Releases()) != 1 {
		t.Error("release resolved after Stop")
	}
	if len(e.queue.Unsold()) != 0 {
		t.Error("player shelved after Stop")
	}
}
