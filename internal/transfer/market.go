// Package transfer runs the secondary market of a gully's weekly transfer
// window. A released player collects interest for a short period and then
// resolves: no interest returns it to the unsold pool, a single buyer gets it
// at a fair price, and two or more buyers bid for it in a restricted session.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/gullybot/internal/auction"
	"github.com/jensholdgaard/gullybot/internal/clock"
	"github.com/jensholdgaard/gullybot/internal/event"
	"github.com/jensholdgaard/gullybot/internal/gully"
	"github.com/jensholdgaard/gullybot/internal/notify"
	"github.com/jensholdgaard/gullybot/internal/squad"
	"github.com/jensholdgaard/gullybot/internal/store"
)

const tracerName = "github.com/jensholdgaard/gullybot/internal/transfer"

// Errors returned by the market.
var (
	ErrWindowClosed    = errors.New("the transfer window is closed")
	ErrReleaseNotFound = errors.New("no open release for this player")
	ErrOwnRelease      = errors.New("cannot declare interest in your own release")
	ErrInvalidInterest = errors.New("declared interest must be positive")
)

// Resolution outcomes.
const (
	OutcomeUnsold     = "unsold"
	OutcomeDirectSale = "direct_sale"
	OutcomeAuction    = "auction"
)

// Config holds the market tunables.
type Config struct {
	// CollectionWindow is how long a release collects interest.
	CollectionWindow time.Duration
	Pricer           Pricer
}

// Funds moves credits between participants. *budget.Ledger implements it.
type Funds interface {
	Reserve(participantID string, amount int64) error
	Commit(ctx context.Context, participantID string, amount int64) (int64, error)
	Credit(ctx context.Context, participantID string, amount int64) (int64, error)
}

// Deps are the collaborators of a Market.
type Deps struct {
	Queue          *auction.Queue
	Budgets        Funds
	Squads         *squad.Validator
	Participants   store.ParticipantRepository
	Events         event.Store
	Notifier       notify.Dispatcher
	Clock          clock.Clock
	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
}

// Release is a player put up by its owner during a transfer window.
type Release struct {
	ID       string
	GullyID  string
	Player   gully.Player
	SellerID string
	Deadline time.Time
	// Interest maps each interested participant to the amount they declared.
	Interest map[string]int64
	// Interested lists the same participants in declaration order.
	Interested []string
}

// Resolution describes how a release ended.
type Resolution struct {
	Release Release
	Outcome string
	BuyerID string
	Price   int64
	// ListingID is the listing created for an auction or unsold outcome.
	ListingID string
}

type release struct {
	Release
	order []string
	timer clock.Timer
}

// Market is the transfer market of one gully. It is safe for concurrent use.
type Market struct {
	mu       sync.Mutex
	gullyID  string
	cfg      Config
	deps     Deps
	open     bool
	releases map[string]*release // by player id

	logger *slog.Logger
	tracer trace.Tracer
}

// NewMarket returns a market with its window closed.
func NewMarket(gullyID string, cfg Config, deps Deps) (*Market, error) {
	if cfg.CollectionWindow <= 0 {
		return nil, fmt.Errorf("collection window must be positive, got %s", cfg.CollectionWindow)
	}
	if cfg.Pricer == nil {
		cfg.Pricer = PremiumPricer{}
	}
	return &Market{
		gullyID:  gullyID,
		cfg:      cfg,
		deps:     deps,
		releases: make(map[string]*release),
		logger:   deps.Logger.With(slog.String("gully_id", gullyID)),
		tracer:   deps.TracerProvider.Tracer(tracerName),
	}, nil
}

// OpenWindow starts a transfer window and restores every participant's
// weekly allowance.
func (m *Market) OpenWindow(ctx context.Context) {
	m.mu.Lock()
	m.open = true
	m.mu.Unlock()

	m.deps.Squads.ResetTransfers()
	m.appendEvents(ctx, event.New(m.gullyID, event.TransferWindowOpened, 0, event.TransferData{GullyID: m.gullyID}))
	m.logger.InfoContext(ctx, "transfer window opened")
}

// CloseWindow stops new releases and interest. Releases already collecting
// still resolve at their deadline.
func (m *Market) CloseWindow(ctx context.Context) {
	m.mu.Lock()
	m.open = false
	pending := len(m.releases)
	m.mu.Unlock()

	m.appendEvents(ctx, event.New(m.gullyID, event.TransferWindowClosed, 0, event.TransferData{GullyID: m.gullyID}))
	m.logger.InfoContext(ctx, "transfer window closed", slog.Int("pending_releases", pending))
}

// IsOpen reports whether a transfer window is running.
func (m *Market) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

// Stop cancels the collection timers of every open release. The releases
// stay open and are not resolved.
func (m *Market) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.releases {
		if r.timer != nil {
			r.timer.Stop()
		}
	}
}

// Releases returns the releases still collecting interest, by deadline.
func (m *Market) Releases() []Release {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Release, 0, len(m.releases))
	for _, r := range m.releases {
		out = append(out, r.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Deadline.Equal(out[j].Deadline) {
			return out[i].ID < out[j].ID
		}
		return out[i].Deadline.Before(out[j].Deadline)
	})
	return out
}

// Release removes playerID from the seller's squad and opens it for
// interest until the collection deadline.
func (m *Market) Release(ctx context.Context, sellerID, playerID string) (Release, error) {
	ctx, span := m.tracer.Start(ctx, "Market.Release",
		trace.WithAttributes(
			attribute.String("gully.id", m.gullyID),
			attribute.String("participant.id", sellerID),
			attribute.String("player.id", playerID),
		),
	)
	defer span.End()

	m.mu.Lock()
	if !m.open {
		m.mu.Unlock()
		return Release{}, ErrWindowClosed
	}
	p, err := m.deps.Squads.Release(sellerID, playerID)
	if err != nil {
		m.mu.Unlock()
		return Release{}, err
	}

	r := &release{Release: Release{
		ID:       uuid.NewString(),
		GullyID:  m.gullyID,
		Player:   p,
		SellerID: sellerID,
		Deadline: m.deps.Clock.Now().Add(m.cfg.CollectionWindow),
		Interest: make(map[string]int64),
	}}
	m.releases[playerID] = r
	r.timer = m.deps.Clock.AfterFunc(m.cfg.CollectionWindow, func() {
		m.resolve(context.WithoutCancel(ctx), playerID, r.ID)
	})
	snap := r.snapshot()
	m.mu.Unlock()

	if err := m.deps.Participants.RemoveSquadMember(ctx, sellerID, playerID); err != nil {
		m.logger.ErrorContext(ctx, "failed to persist released squad member",
			slog.String("participant_id", sellerID),
			slog.String("player_id", playerID),
			slog.Any("error", err),
		)
	}
	m.appendEvents(ctx, event.New(r.ID, event.TransferReleased, 0, event.TransferData{
		GullyID:  m.gullyID,
		PlayerID: playerID,
		SellerID: sellerID,
		Deadline: snap.Deadline,
	}))
	m.logger.InfoContext(ctx, "player released",
		slog.String("release_id", r.ID),
		slog.String("player_id", playerID),
		slog.String("seller_id", sellerID),
		slog.Time("deadline", r.Deadline),
	)
	return snap, nil
}

// DeclareInterest registers buyerID for a released player at amount.
// Declaring again replaces the amount. The buyer must be able to afford it,
// have squad room for the player and a transfer left this window.
func (m *Market) DeclareInterest(ctx context.Context, playerID, buyerID string, amount int64) error {
	ctx, span := m.tracer.Start(ctx, "Market.DeclareInterest",
		trace.WithAttributes(
			attribute.String("participant.id", buyerID),
			attribute.String("player.id", playerID),
			attribute.Int64("amount", amount),
		),
	)
	defer span.End()

	m.mu.Lock()
	r, err := m.declareLocked(playerID, buyerID, amount)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	m.appendEvents(ctx, event.New(r.ID, event.TransferInterestDeclared, 0, event.TransferData{
		GullyID:  m.gullyID,
		PlayerID: playerID,
		SellerID: r.SellerID,
		BuyerID:  buyerID,
		Price:    amount,
	}))
	m.logger.InfoContext(ctx, "transfer interest declared",
		slog.String("release_id", r.ID),
		slog.String("participant_id", buyerID),
		slog.Int64("amount", amount),
	)
	return nil
}

func (m *Market) declareLocked(playerID, buyerID string, amount int64) (*release, error) {
	if !m.open {
		return nil, ErrWindowClosed
	}
	r, ok := m.releases[playerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrReleaseNotFound, playerID)
	}
	if buyerID == r.SellerID {
		return nil, ErrOwnRelease
	}
	if amount < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidInterest, amount)
	}
	if err := m.deps.Budgets.Reserve(buyerID, amount); err != nil {
		return nil, err
	}
	if err := m.deps.Squads.CanBid(buyerID, r.ID, r.Player); err != nil {
		return nil, err
	}
	if m.deps.Squads.TransfersLeft(buyerID) == 0 {
		return nil, squad.ErrNoTransfersLeft
	}

	if _, seen := r.Interest[buyerID]; !seen {
		r.order = append(r.order, buyerID)
	}
	r.Interest[buyerID] = amount
	return r, nil
}

// Recovered is the market state rebuilt from the journal after a restart.
type Recovered struct {
	Open bool
	// Releases are the releases that had not resolved.
	Releases []Release
	// Buyers holds one entry per transfer already completed in the
	// current window.
	Buyers []string
}

// Recover restores the window, the allowances spent in it and the open
// releases. A release whose deadline passed while nothing was running
// resolves immediately; the others collect interest until their deadline.
func (m *Market) Recover(ctx context.Context, rec Recovered) {
	ctx, span := m.tracer.Start(ctx, "Market.Recover",
		trace.WithAttributes(
			attribute.String("gully.id", m.gullyID),
			attribute.Int("releases", len(rec.Releases)),
		),
	)
	defer span.End()

	for _, buyer := range rec.Buyers {
		if err := m.deps.Squads.UseTransfer(buyer); err != nil {
			m.logger.WarnContext(ctx, "failed to restore spent transfer",
				slog.String("participant_id", buyer),
				slog.Any("error", err),
			)
		}
	}

	m.mu.Lock()
	m.open = rec.Open
	now := m.deps.Clock.Now()
	var due []*release
	for _, rel := range rec.Releases {
		r := &release{Release: rel, order: slices.Clone(rel.Interested)}
		if r.Interest == nil {
			r.Interest = make(map[string]int64)
		}
		playerID, releaseID := rel.Player.ID, rel.ID
		m.releases[playerID] = r
		if wait := rel.Deadline.Sub(now); wait > 0 {
			r.timer = m.deps.Clock.AfterFunc(wait, func() {
				m.resolve(context.WithoutCancel(ctx), playerID, releaseID)
			})
			continue
		}
		due = append(due, r)
	}
	m.mu.Unlock()

	for _, r := range due {
		m.resolve(ctx, r.Player.ID, r.ID)
	}
	m.logger.InfoContext(ctx, "transfer market recovered",
		slog.Bool("open", rec.Open),
		slog.Int("releases", len(rec.Releases)),
		slog.Int("overdue", len(due)),
	)
}

// resolve runs at a release's deadline.
func (m *Market) resolve(ctx context.Context, playerID, releaseID string) {
	ctx, span := m.tracer.Start(ctx, "Market.resolve",
		trace.WithAttributes(attribute.String("release.id", releaseID)),
	)
	defer span.End()

	m.mu.Lock()
	r, ok := m.releases[playerID]
	if !ok || r.ID != releaseID {
		m.mu.Unlock()
		return
	}
	delete(m.releases, playerID)
	m.mu.Unlock()

	res := m.settle(ctx, r)

	m.appendEvents(ctx, event.New(r.ID, event.TransferResolved, 0, event.TransferData{
		GullyID:   m.gullyID,
		PlayerID:  playerID,
		SellerID:  r.SellerID,
		BuyerID:   res.BuyerID,
		Price:     res.Price,
		Outcome:   res.Outcome,
		ListingID: res.ListingID,
	}))
	m.logger.InfoContext(ctx, "release resolved",
		slog.String("release_id", r.ID),
		slog.String("outcome", res.Outcome),
		slog.String("buyer_id", res.BuyerID),
		slog.Int64("price", res.Price),
	)
}

func (m *Market) settle(ctx context.Context, r *release) Resolution {
	res := Resolution{Release: r.snapshot()}

	switch len(r.order) {
	case 0:
	case 1:
		buyer := r.order[0]
		price := m.cfg.Pricer.FairPrice(r.Player)
		if err := m.directSale(ctx, r, buyer, price); err != nil {
			m.logger.WarnContext(ctx, "direct transfer sale failed, shelving player",
				slog.String("release_id", r.ID),
				slog.String("buyer_id", buyer),
				slog.Int64("price", price),
				slog.Any("error", err),
			)
			break
		}
		res.Outcome, res.BuyerID, res.Price = OutcomeDirectSale, buyer, price
		return res
	default:
		floor := int64(0)
		for _, amount := range r.Interest {
			floor = max(floor, amount)
		}
		l, err := m.deps.Queue.Enqueue(ctx, r.Player,
			auction.WithFloor(floor),
			auction.WithSeller(r.SellerID),
			auction.WithAllowedBidders(r.order...),
		)
		if err == nil {
			res.Outcome, res.ListingID, res.Price = OutcomeAuction, l.ID, floor
			if _, err := m.deps.Queue.ActivateNext(ctx); err != nil &&
				!errors.Is(err, auction.ErrSessionActive) && !errors.Is(err, auction.ErrQueueEmpty) {
				m.logger.ErrorContext(ctx, "failed to activate transfer auction",
					slog.String("listing_id", l.ID),
					slog.Any("error", err),
				)
			}
			return res
		}
		m.logger.ErrorContext(ctx, "failed to list transfer auction, shelving player",
			slog.String("release_id", r.ID),
			slog.Any("error", err),
		)
	}

	res.Outcome = OutcomeUnsold
	l, err := m.deps.Queue.Shelve(ctx, r.Player)
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to shelve released player",
			slog.String("release_id", r.ID),
			slog.String("player_id", r.Player.ID),
			slog.Any("error", err),
		)
		return res
	}
	res.ListingID = l.ID
	m.notify(ctx, notify.PlayerPassed{
		GullyID:   m.gullyID,
		ListingID: l.ID,
		PlayerID:  r.Player.ID,
		Passes:    l.Passes,
		Unsold:    true,
	})
	return res
}

// directSale moves the player and the price between buyer and seller. The
// buyer's affordability, squad room and transfer allowance are checked again
// since they may have changed during collection.
func (m *Market) directSale(ctx context.Context, r *release, buyer string, price int64) error {
	if err := m.deps.Budgets.Reserve(buyer, price); err != nil {
		return err
	}
	if err := m.deps.Squads.CanBid(buyer, r.ID, r.Player); err != nil {
		return err
	}
	if m.deps.Squads.TransfersLeft(buyer) == 0 {
		return squad.ErrNoTransfersLeft
	}
	if err := m.deps.Squads.Attach(buyer, r.Player); err != nil {
		return err
	}
	if _, err := m.deps.Budgets.Commit(ctx, buyer, price); err != nil {
		m.detach(ctx, buyer, r.Player.ID)
		return err
	}
	// The allowance is spent only once the buyer holds the player.
	if err := m.deps.Squads.UseTransfer(buyer); err != nil {
		m.detach(ctx, buyer, r.Player.ID)
		if _, cerr := m.deps.Budgets.Credit(ctx, buyer, price); cerr != nil {
			m.logger.ErrorContext(ctx, "failed to refund transfer buyer",
				slog.String("participant_id", buyer),
				slog.Any("error", cerr),
			)
		}
		return err
	}
	if _, err := m.deps.Budgets.Credit(ctx, r.SellerID, price); err != nil {
		m.logger.ErrorContext(ctx, "failed to credit transfer seller",
			slog.String("participant_id", r.SellerID),
			slog.Any("error", err),
		)
	}

	if err := m.deps.Participants.UpdateBudget(ctx, buyer, -price); err != nil {
		m.logger.ErrorContext(ctx, "failed to persist buyer budget",
			slog.String("participant_id", buyer),
			slog.Any("error", err),
		)
	}
	if err := m.deps.Participants.UpdateBudget(ctx, r.SellerID, price); err != nil {
		m.logger.ErrorContext(ctx, "failed to persist seller budget",
			slog.String("participant_id", r.SellerID),
			slog.Any("error", err),
		)
	}
	member := store.SquadMember{
		GullyID:       m.gullyID,
		ParticipantID: buyer,
		PlayerID:      r.Player.ID,
		Price:         price,
		Source:        "transfer",
		AcquiredAt:    m.deps.Clock.Now(),
	}
	if err := m.deps.Participants.AddSquadMember(ctx, &member); err != nil {
		m.logger.ErrorContext(ctx, "failed to persist transferred squad member",
			slog.String("participant_id", buyer),
			slog.String("player_id", r.Player.ID),
			slog.Any("error", err),
		)
	}
	m.appendEvents(ctx,
		event.New(buyer, event.BudgetDebited, 0, event.BudgetChangeData{
			GullyID: m.gullyID,
			Amount:  price,
			Reason:  "transfer " + r.ID,
		}),
		event.New(r.SellerID, event.BudgetCredited, 0, event.BudgetChangeData{
			GullyID: m.gullyID,
			Amount:  price,
			Reason:  "transfer " + r.ID,
		}),
	)
	m.notify(ctx, notify.PlayerSold{
		GullyID:       m.gullyID,
		ListingID:     r.ID,
		PlayerID:      r.Player.ID,
		ParticipantID: buyer,
		Amount:        price,
	})
	return nil
}

func (m *Market) detach(ctx context.Context, buyer, playerID string) {
	if _, err := m.deps.Squads.Release(buyer, playerID); err != nil {
		m.logger.ErrorContext(ctx, "failed to roll back transfer attach", slog.Any("error", err))
	}
}

func (r *release) snapshot() Release {
	out := r.Release
	out.Interest = make(map[string]int64, len(r.Interest))
	for k, v := range r.Interest {
		out.Interest[k] = v
	}
	out.Interested = slices.Clone(r.order)
	return out
}

func (m *Market) appendEvents(ctx context.Context, events ...event.Event) {
	if err := m.deps.Events.Append(ctx, events...); err != nil {
		m.logger.ErrorContext(ctx, "failed to persist events",
			slog.Int("count", len(events)),
			slog.Any("error", err),
		)
	}
}

func (m *Market) notify(ctx context.Context, n notify.Notice) {
	if m.deps.Notifier != nil {
		m.deps.Notifier.Dispatch(ctx, n)
	}
}
