package auction_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	metricnoop "go.opentelemetry.io/otel/metric/noop"

	"github.com/jensholdgaard/gullybot/internal/auction"
	"github.com/jensholdgaard/gullybot/internal/notify"
	"github.com/jensholdgaard/gullybot/internal/store"
	"github.com/jensholdgaard/gullybot/internal/store/memory"
)

type failingListings struct {
	store.ListingRepository
	err error
}

func (f failingListings) Create(context.Context, *store.Listing) error { return f.err }

type queueEnv struct {
	*sessionEnv
	repos *store.Repositories
	rec   *notify.Recorder
	queue *auction.Queue
}

func newQueueEnv(t *testing.T, maxPasses int, balances map[string]int64) *queueEnv {
	t.Helper()
	env := &queueEnv{
		sessionEnv: newSessionEnv(t, balances),
		rec:        &notify.Recorder{},
	}
	env.repos = memory.New(env.clk)
	ctx := context.Background()
	for id, b := range balances {
		p := &store.Participant{ID: id, GullyID: "g1", UserID: "user-" + id, Name: id, Budget: b}
		if err := env.repos.Participants.Create(ctx, p); err != nil {
			t.Fatalf("Create participant: %v", err)
		}
	}
	env.queue = env.newQueue(t, maxPasses, env.repos.Listings)
	return env
}

func (e *queueEnv) newQueue(t *testing.T, maxPasses int, listings store.ListingRepository) *auction.Queue {
	t.Helper()
	return e.newQueueWithLogger(t, maxPasses, listings, slog.Default())
}

func (e *queueEnv) newQueueWithLogger(t *testing.T, maxPasses int, listings store.ListingRepository, logger *slog.Logger) *auction.Queue {
	t.Helper()
	q, err := auction.NewQueue("g1",
		auction.Config{Duration: bidDuration, MaxPassCycles: maxPasses},
		auction.Deps{
			Budgets:        e.budgets,
			Squads:         e.squads,
			Listings:       listings,
			Bids:           e.repos.Bids,
			Participants:   e.repos.Participants,
			Events:         e.repos.Events,
			Notifier:       e.rec,
			Clock:          e.clk,
			Logger:         logger,
			TracerProvider: testTP,
			MeterProvider:  metricnoop.NewMeterProvider(),
		},
	)
	if err != nil {
		t.Fatalf("NewQueue() error = %v", err)
	}
	return q
}

func (e *queueEnv) listing(t *testing.T, id string) *store.Listing {
	t.Helper()
	l, err := e.repos.Listings.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID(%s) error = %v", id, err)
	}
	return l
}

func TestNewQueue_InvalidConfig(t *testing.T) {
	env := newSessionEnv(t, nil)
	deps := auction.Deps{
		Budgets:        env.budgets,
		Squads:         env.squads,
		Clock:          env.clk,
		Logger:         slog.Default(),
		TracerProvider: testTP,
		MeterProvider:  metricnoop.NewMeterProvider(),
	}
	if _, err := auction.NewQueue("g1", auction.Config{Duration: 0, MaxPassCycles: 1}, deps); err == nil {
		t.Error("expected error for zero duration")
	}
	if _, err := auction.NewQueue("g1", auction.Config{Duration: bidDuration, MaxPassCycles: 0}, deps); err == nil {
		t.Error("expected error for zero pass cycles")
	}
}

func TestQueue_ActivateNext(t *testing.T) {
	env := newQueueEnv(t, 2, map[string]int64{"a": 1000})
	ctx := context.Background()

	if _, err := env.queue.ActivateNext(ctx); !errors.Is(err, auction.ErrQueueEmpty) {
		t.Fatalf("ActivateNext() on empty queue error = %v, want ErrQueueEmpty", err)
	}

	first, err := env.queue.Enqueue(ctx, batter)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if _, err := env.queue.Enqueue(ctx, bowler, auction.WithFloor(50)); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	s, err := env.queue.ActivateNext(ctx)
	if err != nil {
		t.Fatalf("ActivateNext() error = %v", err)
	}
	if s.ID() != first.ID {
		t.Errorf("activated %s, want first listing %s", s.ID(), first.ID)
	}
	if _, err := env.queue.ActivateNext(ctx); !errors.Is(err, auction.ErrSessionActive) {
		t.Errorf("second ActivateNext() error = %v, want ErrSessionActive", err)
	}
	if got := env.listing(t, first.ID).State; got != store.ListingBidding {
		t.Errorf("persisted state = %q, want bidding", got)
	}
	pending := env.queue.Pending()
	if len(pending) != 1 || pending[0].Floor != 50 {
		t.Errorf("Pending() = %+v, want the bowler at floor 50", pending)
	}

	notices := env.rec.Notices()
	if len(notices) != 1 {
		t.Fatalf("notices = %d, want 1", len(notices))
	}
	started, ok := notices[0].(notify.SessionStarted)
	if !ok || started.Duration != bidDuration || started.Floor != batter.BasePrice {
		t.Errorf("notice = %+v, want SessionStarted", notices[0])
	}
}

func TestQueue_SaleAdvancesToNextListing(t *testing.T) {
	env := newQueueEnv(t, 2, map[string]int64{"a": 1000, "b": 1000})
	ctx := context.Background()

	first, _ := env.queue.Enqueue(ctx, batter)
	second, _ := env.queue.Enqueue(ctx, bowler)
	if _, err := env.queue.ActivateNext(ctx); err != nil {
		t.Fatalf("ActivateNext() error = %v", err)
	}

	if _, err := env.queue.PlaceBid(ctx, second.ID, "a", 200); !errors.Is(err, auction.ErrSessionNotStarted) {
		t.Errorf("PlaceBid() on pending listing error = %v, want ErrSessionNotStarted", err)
	}
	if _, err := env.queue.PlaceBid(ctx, first.ID, "a", 150); err != nil {
		t.Fatalf("PlaceBid() error = %v", err)
	}
	if _, err := env.queue.PlaceBid(ctx, first.ID, "b", 160); err != nil {
		t.Fatalf("PlaceBid() error = %v", err)
	}

	row := env.listing(t, first.ID)
	if row.CurrentBid == nil || *row.CurrentBid != 160 || *row.CurrentBidder != "b" {
		t.Errorf("persisted leader = %v/%v, want b@160", row.CurrentBid, row.CurrentBidder)
	}
	bids, err := env.repos.Bids.ListByListing(ctx, first.ID)
	if err != nil || len(bids) != 2 {
		t.Fatalf("ListByListing() = %d bids, %v; want 2", len(bids), err)
	}

	env.clk.Advance(bidDuration)

	row = env.listing(t, first.ID)
	if row.State != store.ListingSold || row.ClosedAt == nil {
		t.Errorf("persisted listing = %+v, want sold and closed", row)
	}
	p, err := env.repos.Participants.GetByUser(ctx, "g1", "user-b")
	if err != nil {
		t.Fatalf("GetByUser() error = %v", err)
	}
	if p.Budget != 840 {
		t.Errorf("persisted budget = %d, want 840", p.Budget)
	}
	squads, _ := env.repos.Participants.ListSquads(ctx, "g1")
	if len(squads) != 1 || squads[0].PlayerID != batter.ID || squads[0].Source != "auction" {
		t.Errorf("squads = %+v, want batter bought at auction", squads)
	}

	active := env.queue.Active()
	if active == nil || active.ID() != second.ID {
		t.Fatalf("Active() = %v, want second listing", active)
	}
	if _, err := env.queue.PlaceBid(ctx, first.ID, "a", 500); !errors.Is(err, auction.ErrSessionClosed) {
		t.Errorf("late PlaceBid() error = %v, want ErrSessionClosed", err)
	}

	var sold *notify.PlayerSold
	for _, n := range env.rec.Notices() {
		if s, ok := n.(notify.PlayerSold); ok {
			sold = &s
		}
	}
	if sold == nil || sold.ParticipantID != "b" || sold.Amount != 160 {
		t.Errorf("PlayerSold notice = %+v, want b@160", sold)
	}
}

func TestQueue_PassCyclesThenUnsold(t *testing.T) {
	env := newQueueEnv(t, 2, map[string]int64{"a": 1000})
	ctx := context.Background()

	l, _ := env.queue.Enqueue(ctx, batter)
	if _, err := env.queue.ActivateNext(ctx); err != nil {
		t.Fatalf("ActivateNext() error = %v", err)
	}

	env.clk.Advance(bidDuration)
	// Re-enqueued at the tail and, being alone, started again.
	active := env.queue.Active()
	if active == nil || active.ID() != l.ID {
		t.Fatalf("Active() = %v, want the retried listing", active)
	}
	if got := active.Listing().Passes; got != 1 {
		t.Errorf("Passes = %d, want 1", got)
	}

	env.clk.Advance(bidDuration)
	if env.queue.Active() != nil {
		t.Fatal("listing still active after exhausting pass cycles")
	}
	unsold := env.queue.Unsold()
	if len(unsold) != 1 || unsold[0].ID != l.ID {
		t.Fatalf("Unsold() = %+v, want the listing", unsold)
	}
	if row := env.listing(t, l.ID); row.State != store.ListingPassed || row.Passes != 2 {
		t.Errorf("persisted listing = %+v, want passed twice", row)
	}
	if _, err := env.queue.PlaceBid(ctx, l.ID, "a", 200); !errors.Is(err, auction.ErrSessionClosed) {
		t.Errorf("PlaceBid() on unsold listing error = %v, want ErrSessionClosed", err)
	}

	var passed []notify.PlayerPassed
	for _, n := range env.rec.Notices() {
		if p, ok := n.(notify.PlayerPassed); ok {
			passed = append(passed, p)
		}
	}
	if len(passed) != 2 || passed[0].Unsold || !passed[1].Unsold {
		t.Errorf("PlayerPassed notices = %+v, want one retry then unsold", passed)
	}
}

func TestQueue_Cancel(t *testing.T) {
	env := newQueueEnv(t, 2, map[string]int64{"a": 1000})
	ctx := context.Background()

	first, _ := env.queue.Enqueue(ctx, batter)
	second, _ := env.queue.Enqueue(ctx, bowler)
	third, _ := env.queue.Enqueue(ctx, keeper)
	if _, err := env.queue.ActivateNext(ctx); err != nil {
		t.Fatalf("ActivateNext() error = %v", err)
	}

	if err := env.queue.Cancel(ctx, second.ID, ""); !errors.Is(err, auction.ErrReasonRequired) {
		t.Fatalf("Cancel(no reason) error = %v, want ErrReasonRequired", err)
	}
	if err := env.queue.Cancel(ctx, second.ID, "duplicate listing"); err != nil {
		t.Fatalf("Cancel(pending) error = %v", err)
	}
	if got := env.queue.Active(); got == nil || got.ID() != first.ID {
		t.Fatalf("cancelling a pending listing changed the active session")
	}
	if row := env.listing(t, second.ID); row.State != store.ListingCancelled || row.Reason == nil {
		t.Errorf("persisted listing = %+v, want cancelled with reason", row)
	}

	if _, err := env.queue.PlaceBid(ctx, first.ID, "a", 150); err != nil {
		t.Fatalf("PlaceBid() error = %v", err)
	}
	if err := env.queue.Cancel(ctx, first.ID, "wrong player"); err != nil {
		t.Fatalf("Cancel(active) error = %v", err)
	}
	if got := env.balance(t, "a"); got != 1000 {
		t.Errorf("balance = %d, want 1000", got)
	}
	if got := env.queue.Active(); got == nil || got.ID() != third.ID {
		t.Fatalf("Active() = %v, want third listing", got)
	}

	if _, err := env.queue.PlaceBid(ctx, second.ID, "a", 150); !errors.Is(err, auction.ErrSessionCancelled) {
		t.Errorf("PlaceBid() on cancelled listing error = %v, want ErrSessionCancelled", err)
	}
	if err := env.queue.Cancel(ctx, first.ID, "again"); !errors.Is(err, auction.ErrSessionCancelled) {
		t.Errorf("Cancel() twice error = %v, want ErrSessionCancelled", err)
	}
	if err := env.queue.Cancel(ctx, "missing", "x"); !errors.Is(err, auction.ErrListingNotFound) {
		t.Errorf("Cancel(missing) error = %v, want ErrListingNotFound", err)
	}
}

func TestQueue_SkipRoutesToSession(t *testing.T) {
	env := newQueueEnv(t, 1, map[string]int64{"a": 1000})
	ctx := context.Background()

	l, _ := env.queue.Enqueue(ctx, batter)
	if _, err := env.queue.ActivateNext(ctx); err != nil {
		t.Fatalf("ActivateNext() error = %v", err)
	}
	closed, err := env.queue.Skip(ctx, l.ID, "a")
	if err != nil || !closed {
		t.Fatalf("Skip() = %v, %v; want closed", closed, err)
	}
	if len(env.queue.Unsold()) != 1 {
		t.Errorf("Unsold() = %d, want 1", len(env.queue.Unsold()))
	}
}

func TestQueue_EnqueueRejectsDuplicates(t *testing.T) {
	env := newQueueEnv(t, 1, map[string]int64{"a": 1000})
	ctx := context.Background()

	if _, err := env.queue.Enqueue(ctx, batter); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if _, err := env.queue.Enqueue(ctx, batter); !errors.Is(err, auction.ErrAlreadyListed) {
		t.Errorf("duplicate Enqueue() error = %v, want ErrAlreadyListed", err)
	}
	if err := env.squads.Attach("a", bowler); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if _, err := env.queue.Enqueue(ctx, bowler); !errors.Is(err, auction.ErrAlreadyListed) {
		t.Errorf("Enqueue() of held player error = %v, want ErrAlreadyListed", err)
	}
}

func TestQueue_EnqueuePersistError(t *testing.T) {
	env := newQueueEnv(t, 1, map[string]int64{"a": 1000})
	q := env.newQueue(t, 1, failingListings{ListingRepository: env.repos.Listings, err: errors.New("db down")})

	if _, err := q.Enqueue(context.Background(), batter); err == nil {
		t.Fatal("expected error when the listing cannot be persisted")
	}
	if len(q.Pending()) != 0 {
		t.Error("listing queued despite persistence failure")
	}
}

func TestQueue_Shelve(t *testing.T) {
	env := newQueueEnv(t, 2, map[string]int64{"a": 1000})
	ctx := context.Background()

	l, err := env.queue.Shelve(ctx, batter)
	if err != nil {
		t.Fatalf("Shelve() error = %v", err)
	}
	if len(env.queue.Pending()) != 0 {
		t.Error("shelved listing is pending")
	}
	if u := env.queue.Unsold(); len(u) != 1 || u[0].ID != l.ID || u[0].Passes != 2 {
		t.Errorf("Unsold() = %+v, want the shelved batter with 2 passes", u)
	}
	if _, err := env.queue.ActivateNext(ctx); !errors.Is(err, auction.ErrQueueEmpty) {
		t.Errorf("ActivateNext() error = %v, want ErrQueueEmpty", err)
	}
	if _, err := env.queue.Shelve(ctx, batter); !errors.Is(err, auction.ErrAlreadyListed) {
		t.Errorf("second Shelve() error = %v, want ErrAlreadyListed", err)
	}

	row := env.listing(t, l.ID)
	if row.State != store.ListingPassed || row.Passes != 2 {
		t.Errorf("persisted listing = %+v, want passed with 2 passes", row)
	}
}

func TestQueue_CancelPendingWhileIdle(t *testing.T) {
	env := newQueueEnv(t, 2, map[string]int64{"a": 1000})
	ctx := context.Background()

	first, _ := env.queue.Enqueue(ctx, batter)
	second, _ := env.queue.Enqueue(ctx, bowler)

	if err := env.queue.Cancel(ctx, first.ID, "withdrawn"); err != nil {
		t.Fatalf("Cancel(pending) error = %v", err)
	}
	if got := env.queue.Active(); got != nil {
		t.Fatalf("Active() = %s after cancelling an idle pending listing, want nil", got.ID())
	}
	pending := env.queue.Pending()
	if len(pending) != 1 || pending[0].ID != second.ID {
		t.Errorf("Pending() = %+v, want only the second listing", pending)
	}
	if row := env.listing(t, first.ID); row.State != store.ListingCancelled {
		t.Errorf("persisted state = %s, want cancelled", row.State)
	}
}

func TestQueue_LogsGullyOnce(t *testing.T) {
	env := newQueueEnv(t, 2, map[string]int64{"a": 1000})
	ctx := context.Background()

	var buf bytes.Buffer
	q := env.newQueueWithLogger(t, 2, env.repos.Listings, slog.New(slog.NewJSONHandler(&buf, nil)))
	l, _ := q.Enqueue(ctx, batter)
	if _, err := q.ActivateNext(ctx); err != nil {
		t.Fatalf("ActivateNext() error = %v", err)
	}
	if err := q.Cancel(ctx, l.ID, "wrong player"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) == 0 || lines[0] == "" {
		t.Fatal("no log output")
	}
	for _, line := range lines {
		if n := strings.Count(line, `"gully_id"`); n != 1 {
			t.Errorf("log line has %d gully_id attrs: %s", n, line)
		}
	}
}

func TestQueue_Award(t *testing.T) {
	env := newQueueEnv(t, 1, map[string]int64{"a": 1000})
	ctx := context.Background()

	l, _ := env.queue.Enqueue(ctx, batter)
	pendingOnly, _ := env.queue.Enqueue(ctx, bowler)
	if _, err := env.queue.ActivateNext(ctx); err != nil {
		t.Fatalf("ActivateNext() error = %v", err)
	}
	env.clk.Advance(bidDuration)
	// The bowler is now bidding; cancel it back out of the way.
	if err := env.queue.Cancel(ctx, pendingOnly.ID, "test"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	avail := env.queue.Available()
	if len(avail) != 1 || avail[0].ID != l.ID {
		t.Fatalf("Available() = %+v, want the unsold batter", avail)
	}
	if _, err := env.queue.Award(ctx, l.ID, "a", batter.BasePrice); err != nil {
		t.Fatalf("Award() error = %v", err)
	}
	if len(env.queue.Unsold()) != 0 {
		t.Error("awarded listing still unsold")
	}
	row := env.listing(t, l.ID)
	if row.State != store.ListingSold || row.CurrentBidder == nil || *row.CurrentBidder != "a" {
		t.Errorf("persisted listing = %+v, want sold to a", row)
	}
	if _, err := env.queue.Award(ctx, l.ID, "a", 1); !errors.Is(err, auction.ErrSessionClosed) {
		t.Errorf("second Award() error = %v, want ErrSessionClosed", err)
	}
}

func TestQueue_Recover(t *testing.T) {
	env := newQueueEnv(t, 2, map[string]int64{"a": 1000, "b": 1000})
	ctx := context.Background()

	err := env.queue.Recover(ctx, []auction.Recovered{
		{
			Listing: auction.Listing{ID: "l-bidding", GullyID: "g1", Player: batter, Floor: 100},
			State:   auction.StateBidding,
			Bids: []auction.Bid{
				{ParticipantID: "a", Amount: 100, Seq: 1},
				{ParticipantID: "b", Amount: 120, Seq: 2},
			},
		},
		{Listing: auction.Listing{ID: "l-pending", GullyID: "g1", Player: bowler, Floor: 80}, State: auction.StatePending},
		{Listing: auction.Listing{ID: "l-unsold", GullyID: "g1", Player: keeper, Floor: 100, Passes: 2}, State: auction.StatePassed},
	})
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}

	active := env.queue.Active()
	if active == nil || active.ID() != "l-bidding" {
		t.Fatalf("Active() = %v, want l-bidding", active)
	}
	if leader, _ := active.Leader(); leader.ParticipantID != "b" || leader.Amount != 120 {
		t.Errorf("Leader() = %+v, want b@120", leader)
	}
	if len(env.queue.Pending()) != 1 || len(env.queue.Unsold()) != 1 {
		t.Errorf("Pending()=%d Unsold()=%d, want 1 and 1", len(env.queue.Pending()), len(env.queue.Unsold()))
	}
	if _, err := env.queue.PlaceBid(ctx, "l-bidding", "a", 120); !errors.Is(err, auction.ErrBidTooLow) {
		t.Errorf("PlaceBid(120) error = %v, want ErrBidTooLow", err)
	}
}

func TestQueue_RecoverCancelsUnreplayableBids(t *testing.T) {
	env := newQueueEnv(t, 2, map[string]int64{"a": 1000, "b": 1000})
	ctx := context.Background()

	err := env.queue.Recover(ctx, []auction.Recovered{
		{
			Listing: auction.Listing{ID: "l-bidding", GullyID: "g1", Player: batter, Floor: 100},
			State:   auction.StateBidding,
			// seq 1 never reached the store.
			Bids: []auction.Bid{{ParticipantID: "b", Amount: 120, Seq: 2}},
		},
		{Listing: auction.Listing{ID: "l-pending", GullyID: "g1", Player: bowler, Floor: 80}, State: auction.StatePending},
	})
	if err != nil {
		t.Fatalf("Recover() error = %v, want nil", err)
	}

	active := env.queue.Active()
	if active == nil || active.ID() != "l-pending" {
		t.Fatalf("Active() = %v, want l-pending", active)
	}
	if _, err := env.queue.PlaceBid(ctx, "l-bidding", "a", 150); !errors.Is(err, auction.ErrSessionCancelled) {
		t.Errorf("PlaceBid() on unreplayable listing error = %v, want ErrSessionCancelled", err)
	}
	if got := env.balance(t, "b"); got != 1000 {
		t.Errorf("balance(b) = %d, want 1000", got)
	}
}

func TestRejectionReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "accepted"},
		{auction.ErrBidTooLow, "bid_too_low"},
		{auction.ErrInsufficientFunds, "insufficient_funds"},
		{auction.ErrSquadConstraintViolated, "squad_constraint"},
		{auction.ErrSessionClosed, "session_closed"},
		{auction.ErrSessionCancelled, "session_cancelled"},
		{errors.New("boom"), "error"},
	}
	for _, tt := range tests {
		if got := auction.RejectionReason(tt.err); got != tt.want {
			t.Errorf("RejectionReason(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
