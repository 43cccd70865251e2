package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/gullybot/internal/budget"
	"github.com/jensholdgaard/gullybot/internal/clock"
	"github.com/jensholdgaard/gullybot/internal/event"
	"github.com/jensholdgaard/gullybot/internal/gully"
	"github.com/jensholdgaard/gullybot/internal/notify"
	"github.com/jensholdgaard/gullybot/internal/squad"
	"github.com/jensholdgaard/gullybot/internal/store"
)

// Config holds the per-gully auction tunables.
type Config struct {
	// Duration is the countdown length; every accepted bid resets it.
	Duration time.Duration
	// MaxPassCycles is how many times a listing may pass before it is unsold.
	MaxPassCycles int
	Increment     IncrementPolicy
}

// Deps are the collaborators of a Queue.
type Deps struct {
	Budgets        *budget.Ledger
	Squads         *squad.Validator
	Listings       store.ListingRepository
	Bids           store.BidRepository
	Participants   store.ParticipantRepository
	Events         event.Store
	Notifier       notify.Dispatcher
	Clock          clock.Clock
	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
}

// Queue is the FIFO of listings for one gully. At most one session is
// Bidding at any time; when it ends the next Pending listing starts.
type Queue struct {
	mu      sync.Mutex
	gullyID string
	cfg     Config
	pending []*Session
	active  *Session
	unsold  []Listing
	// closed remembers terminal listings so late input gets the right rejection.
	closed map[string]State

	deps        Deps
	logger      *slog.Logger
	tracer      trace.Tracer
	bidCount    metric.Int64Counter
	closedCount metric.Int64Counter
}

// NewQueue returns an empty queue for gullyID.
func NewQueue(gullyID string, cfg Config, deps Deps) (*Queue, error) {
	if cfg.Duration <= 0 {
		return nil, fmt.Errorf("bid duration must be positive, got %s", cfg.Duration)
	}
	if cfg.MaxPassCycles < 1 {
		return nil, fmt.Errorf("max pass cycles must be at least 1, got %d", cfg.MaxPassCycles)
	}
	if cfg.Increment == nil {
		cfg.Increment = StrictIncrement{}
	}

	meter := deps.MeterProvider.Meter(tracerName)
	bidCount, err := meter.Int64Counter("gully.bids",
		metric.WithDescription("Bids submitted, by result."),
	)
	if err != nil {
		return nil, fmt.Errorf("creating bid counter: %w", err)
	}
	closedCount, err := meter.Int64Counter("gully.sessions.closed",
		metric.WithDescription("Auction sessions closed, by outcome."),
	)
	if err != nil {
		return nil, fmt.Errorf("creating session counter: %w", err)
	}

	return &Queue{
		gullyID:     gullyID,
		cfg:         cfg,
		closed:      make(map[string]State),
		deps:        deps,
		logger:      deps.Logger.With(slog.String("gully_id", gullyID)),
		tracer:      deps.TracerProvider.Tracer(tracerName),
		bidCount:    bidCount,
		closedCount: closedCount,
	}, nil
}

// GullyID returns the gully this queue serves.
func (q *Queue) GullyID() string { return q.gullyID }

// ListingOption customizes a listing at Enqueue.
type ListingOption func(*Listing)

// WithFloor overrides the opening floor, which defaults to the base price.
func WithFloor(floor int64) ListingOption {
	return func(l *Listing) { l.Floor = floor }
}

// WithSeller marks a transfer-market listing; the seller is credited on sale.
func WithSeller(participantID string) ListingOption {
	return func(l *Listing) { l.SellerID = participantID }
}

// WithAllowedBidders restricts bidding to the given participants.
func WithAllowedBidders(ids ...string) ListingOption {
	return func(l *Listing) { l.AllowedBidders = slices.Clone(ids) }
}

// Enqueue persists a new Pending listing for p at the tail of the queue.
func (q *Queue) Enqueue(ctx context.Context, p gully.Player, opts ...ListingOption) (Listing, error) {
	ctx, span := q.tracer.Start(ctx, "Queue.Enqueue",
		trace.WithAttributes(
			attribute.String("gully.id", q.gullyID),
			attribute.String("player.id", p.ID),
		),
	)
	defer span.End()

	return q.list(ctx, p, StatePending, opts)
}

// Shelve puts p straight into the unsold pool without a session, as if it
// had used up its pass cycles. The auto-assigner may hand it out.
func (q *Queue) Shelve(ctx context.Context, p gully.Player, opts ...ListingOption) (Listing, error) {
	ctx, span := q.tracer.Start(ctx, "Queue.Shelve",
		trace.WithAttributes(
			attribute.String("gully.id", q.gullyID),
			attribute.String("player.id", p.ID),
		),
	)
	defer span.End()

	return q.list(ctx, p, StatePassed, opts)
}

func (q *Queue) list(ctx context.Context, p gully.Player, st State, opts []ListingOption) (Listing, error) {
	l := Listing{
		ID:        uuid.NewString(),
		GullyID:   q.gullyID,
		Player:    p,
		Floor:     p.BasePrice,
		CreatedAt: q.deps.Clock.Now(),
	}
	for _, opt := range opts {
		opt(&l)
	}
	if l.Floor < 1 {
		return Listing{}, fmt.Errorf("listing floor must be positive, got %d", l.Floor)
	}

	q.mu.Lock()
	if q.listedLocked(p.ID) {
		q.mu.Unlock()
		return Listing{}, fmt.Errorf("%w: %s", ErrAlreadyListed, p.ID)
	}
	q.mu.Unlock()
	for _, pid := range q.deps.Squads.Participants() {
		if q.deps.Squads.Holds(pid, p.ID) {
			return Listing{}, fmt.Errorf("%w: %s is held by %s", ErrAlreadyListed, p.ID, pid)
		}
	}

	if st == StatePassed {
		l.Passes = q.cfg.MaxPassCycles
	}
	row := listingRow(l, st)
	if err := q.deps.Listings.Create(ctx, &row); err != nil {
		return Listing{}, fmt.Errorf("persisting listing: %w", err)
	}
	l.Seq = row.Seq
	l.CreatedAt = row.CreatedAt

	q.mu.Lock()
	if st == StatePassed {
		q.unsold = append(q.unsold, l)
	} else {
		q.pending = append(q.pending, q.newSession(l))
	}
	q.mu.Unlock()

	q.appendEvents(ctx, event.New(l.ID, event.ListingQueued, 0, event.ListingQueuedData{
		GullyID:  q.gullyID,
		PlayerID: p.ID,
		Floor:    l.Floor,
		SellerID: l.SellerID,
	}))
	q.logger.InfoContext(ctx, "listing queued",
		slog.String("listing_id", l.ID),
		slog.String("state", string(st)),
		slog.String("player_id", p.ID),
		slog.Int64("floor", l.Floor),
	)
	return l, nil
}

// ActivateNext starts the oldest Pending listing. It returns ErrQueueEmpty
// when nothing is pending and ErrSessionActive while another session bids.
func (q *Queue) ActivateNext(ctx context.Context) (*Session, error) {
	ctx, span := q.tracer.Start(ctx, "Queue.ActivateNext",
		trace.WithAttributes(attribute.String("gully.id", q.gullyID)),
	)
	defer span.End()

	q.mu.Lock()
	if q.active != nil {
		q.mu.Unlock()
		return nil, ErrSessionActive
	}
	if len(q.pending) == 0 {
		q.mu.Unlock()
		return nil, ErrQueueEmpty
	}
	s := q.pending[0]
	q.pending = q.pending[1:]
	q.active = s
	q.mu.Unlock()

	l := s.Listing()
	row := listingRow(l, StateBidding)
	if err := q.deps.Listings.Update(ctx, &row); err != nil {
		q.logger.ErrorContext(ctx, "failed to persist session start",
			slog.String("listing_id", l.ID),
			slog.Any("error", err),
		)
	}

	if err := s.Start(ctx); err != nil {
		q.mu.Lock()
		if q.active == s {
			q.active = nil
		}
		q.mu.Unlock()
		return nil, err
	}
	q.appendEvents(ctx, event.New(l.ID, event.SessionStarted, 0, event.SessionStartedData{
		Floor:    l.Floor,
		Duration: q.cfg.Duration,
	}))
	q.notify(ctx, notify.SessionStarted{
		GullyID:   q.gullyID,
		ListingID: l.ID,
		PlayerID:  l.Player.ID,
		Floor:     l.Floor,
		Duration:  q.cfg.Duration,
	})
	return s, nil
}

// PlaceBid routes a bid to the listing's session and persists it once accepted.
func (q *Queue) PlaceBid(ctx context.Context, listingID, participantID string, amount int64) (Bid, error) {
	ctx, span := q.tracer.Start(ctx, "Queue.PlaceBid",
		trace.WithAttributes(
			attribute.String("listing.id", listingID),
			attribute.String("participant.id", participantID),
			attribute.Int64("bid.amount", amount),
		),
	)
	defer span.End()

	s, err := q.bidding(listingID)
	if err == nil {
		var bid Bid
		bid, err = s.PlaceBid(ctx, participantID, amount)
		if err == nil {
			q.bidCount.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "accepted")))
			q.recordBid(ctx, s, bid)
			return bid, nil
		}
	}

	q.bidCount.Add(ctx, 1, metric.WithAttributes(attribute.String("result", RejectionReason(err))))
	q.logger.InfoContext(ctx, "bid rejected",
		slog.String("listing_id", listingID),
		slog.String("participant_id", participantID),
		slog.Int64("amount", amount),
		slog.Any("error", err),
	)
	return Bid{}, err
}

func (q *Queue) recordBid(ctx context.Context, s *Session, bid Bid) {
	row := store.Bid{
		ID:            uuid.NewString(),
		ListingID:     bid.ListingID,
		ParticipantID: bid.ParticipantID,
		Seq:           bid.Seq,
		Amount:        bid.Amount,
		PlacedAt:      bid.PlacedAt,
	}
	if err := q.deps.Bids.Append(ctx, &row); err != nil {
		q.logger.ErrorContext(ctx, "failed to persist bid",
			slog.String("listing_id", bid.ListingID),
			slog.Int("seq", bid.Seq),
			slog.Any("error", err),
		)
	}
	if err := q.deps.Listings.UpdateLeader(ctx, bid.ListingID, bid.ParticipantID, bid.Amount); err != nil {
		q.logger.ErrorContext(ctx, "failed to persist listing leader",
			slog.String("listing_id", bid.ListingID),
			slog.Any("error", err),
		)
	}
	q.appendEvents(ctx, event.New(bid.ListingID, event.BidAccepted, bid.Seq, event.BidAcceptedData{
		ParticipantID: bid.ParticipantID,
		Amount:        bid.Amount,
		Seq:           bid.Seq,
	}))

	remaining := s.Deadline().Sub(q.deps.Clock.Now())
	q.notify(ctx, notify.NewHighestBid{
		GullyID:       q.gullyID,
		ListingID:     bid.ListingID,
		PlayerID:      s.Listing().Player.ID,
		ParticipantID: bid.ParticipantID,
		Amount:        bid.Amount,
		TimeRemaining: max(remaining, 0),
	})
}

// Skip records that participantID passes on the active listing.
func (q *Queue) Skip(ctx context.Context, listingID, participantID string) (bool, error) {
	ctx, span := q.tracer.Start(ctx, "Queue.Skip",
		trace.WithAttributes(
			attribute.String("listing.id", listingID),
			attribute.String("participant.id", participantID),
		),
	)
	defer span.End()

	s, err := q.bidding(listingID)
	if err != nil {
		return false, err
	}
	return s.Skip(ctx, participantID)
}

// Cancel cancels a Pending or Bidding listing. The reason is mandatory.
func (q *Queue) Cancel(ctx context.Context, listingID, reason string) error {
	ctx, span := q.tracer.Start(ctx, "Queue.Cancel",
		trace.WithAttributes(attribute.String("listing.id", listingID)),
	)
	defer span.End()

	if strings.TrimSpace(reason) == "" {
		return ErrReasonRequired
	}

	q.mu.Lock()
	var s *Session
	switch {
	case q.active != nil && q.active.ID() == listingID:
		s = q.active
	default:
		if i := q.pendingIndexLocked(listingID); i >= 0 {
			s = q.pending[i]
			q.pending = slices.Delete(q.pending, i, i+1)
		}
	}
	if s == nil {
		err := q.missingLocked(listingID, TriggerCancel)
		q.mu.Unlock()
		return err
	}
	q.mu.Unlock()

	return s.Cancel(ctx, reason)
}

// Active returns the bidding session, if any.
func (q *Queue) Active() *Session {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

// Pending returns the queued listings in activation order.
func (q *Queue) Pending() []Listing {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Listing, 0, len(q.pending))
	for _, s := range q.pending {
		out = append(out, s.Listing())
	}
	return out
}

// Unsold returns the listings that used up their pass cycles.
func (q *Queue) Unsold() []Listing {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.unsold)
}

// Available returns the listings the auto-assigner may hand out: unsold
// listings first, then pending ones. Transfer listings are excluded.
func (q *Queue) Available() []Listing {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Listing
	for _, l := range q.unsold {
		if l.SellerID == "" {
			out = append(out, l)
		}
	}
	for _, s := range q.pending {
		if l := s.Listing(); l.SellerID == "" {
			out = append(out, l)
		}
	}
	return out
}

// Award retires an unsold or pending listing that was assigned outside
// bidding. The caller has already moved the funds and the player.
func (q *Queue) Award(ctx context.Context, listingID, participantID string, price int64) (Listing, error) {
	ctx, span := q.tracer.Start(ctx, "Queue.Award",
		trace.WithAttributes(
			attribute.String("listing.id", listingID),
			attribute.String("participant.id", participantID),
		),
	)
	defer span.End()

	q.mu.Lock()
	var l Listing
	if i := slices.IndexFunc(q.unsold, func(u Listing) bool { return u.ID == listingID }); i >= 0 {
		l = q.unsold[i]
		q.unsold = slices.Delete(q.unsold, i, i+1)
	} else if i := q.pendingIndexLocked(listingID); i >= 0 {
		l = q.pending[i].Listing()
		q.pending = slices.Delete(q.pending, i, i+1)
	} else {
		err := q.missingLocked(listingID, TriggerCancel)
		q.mu.Unlock()
		return Listing{}, err
	}
	q.closed[listingID] = StateSold
	q.mu.Unlock()

	row := listingRow(l, StateSold)
	row.CurrentBid = &price
	row.CurrentBidder = &participantID
	now := q.deps.Clock.Now()
	row.ClosedAt = &now
	if err := q.deps.Listings.Update(ctx, &row); err != nil {
		q.logger.ErrorContext(ctx, "failed to persist awarded listing",
			slog.String("listing_id", listingID),
			slog.Any("error", err),
		)
	}
	return l, nil
}

// Recovered is a persisted listing handed back to the queue after a restart.
type Recovered struct {
	Listing Listing
	State   State
	// Bids are the accepted bids of a Bidding listing in seq order.
	Bids []Bid
}

// Recover rebuilds the queue from persisted listings in seq order. A
// Bidding listing resumes with its bids replayed and a full countdown. If
// its bids cannot be replayed it is cancelled and the next listing starts.
func (q *Queue) Recover(ctx context.Context, rows []Recovered) error {
	ctx, span := q.tracer.Start(ctx, "Queue.Recover",
		trace.WithAttributes(
			attribute.String("gully.id", q.gullyID),
			attribute.Int("listings", len(rows)),
		),
	)
	defer span.End()

	var resume *Session
	var resumeBids []Bid
	q.mu.Lock()
	for _, r := range rows {
		switch r.State {
		case StatePending:
			q.pending = append(q.pending, q.newSession(r.Listing))
		case StatePassed:
			q.unsold = append(q.unsold, r.Listing)
		case StateBidding:
			if resume != nil {
				q.mu.Unlock()
				return fmt.Errorf("%w: listings %s and %s both bidding", ErrInvalidTransition, resume.ID(), r.Listing.ID)
			}
			resume = q.newSession(r.Listing)
			resumeBids = r.Bids
		default:
			q.closed[r.Listing.ID] = r.State
		}
	}
	if resume != nil {
		q.active = resume
	}
	q.mu.Unlock()

	if resume != nil {
		// A failed resume has already cancelled the listing and moved the
		// queue on, so the rest of the gully still comes up.
		if err := resume.Resume(ctx, resumeBids); err != nil {
			q.logger.ErrorContext(ctx, "failed to resume listing, cancelled",
				slog.String("listing_id", resume.ID()),
				slog.Any("error", err),
			)
			return nil
		}
		q.logger.InfoContext(ctx, "resumed bidding session",
			slog.String("listing_id", resume.ID()),
			slog.Int("bids", len(resumeBids)),
		)
	}
	return nil
}

// bidding returns the session accepting input for listingID, or the
// rejection a bidder on that listing should see.
func (q *Queue) bidding(listingID string) (*Session, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active != nil && q.active.ID() == listingID {
		return q.active, nil
	}
	return nil, q.missingLocked(listingID, TriggerBid)
}

func (q *Queue) missingLocked(listingID string, t Trigger) error {
	if q.pendingIndexLocked(listingID) >= 0 {
		_, err := Next(StatePending, t, false)
		if err == nil {
			return ErrSessionNotStarted
		}
		return err
	}
	if slices.ContainsFunc(q.unsold, func(l Listing) bool { return l.ID == listingID }) {
		return ErrSessionClosed
	}
	if st, ok := q.closed[listingID]; ok {
		_, err := Next(st, t, false)
		return err
	}
	return fmt.Errorf("%w: %s", ErrListingNotFound, listingID)
}

func (q *Queue) pendingIndexLocked(listingID string) int {
	return slices.IndexFunc(q.pending, func(s *Session) bool { return s.ID() == listingID })
}

func (q *Queue) listedLocked(playerID string) bool {
	if q.active != nil && q.active.Listing().Player.ID == playerID {
		return true
	}
	for _, s := range q.pending {
		if s.Listing().Player.ID == playerID {
			return true
		}
	}
	return slices.ContainsFunc(q.unsold, func(l Listing) bool { return l.Player.ID == playerID })
}

func (q *Queue) newSession(l Listing) *Session {
	return NewSession(l,
		SessionConfig{Duration: q.cfg.Duration, Increment: q.cfg.Increment},
		SessionDeps{
			Budgets:        q.deps.Budgets,
			Squads:         q.deps.Squads,
			Clock:          q.deps.Clock,
			Logger:         q.logger,
			TracerProvider: q.deps.TracerProvider,
			OnClose:        q.handleClose,
		},
	)
}

// handleClose runs after every terminal session transition, outside the
// session lock. It settles the queue, persists the outcome, broadcasts it
// and, when the closed listing was the active one, starts the next listing.
func (q *Queue) handleClose(ctx context.Context, out Outcome) {
	l := out.Listing

	q.mu.Lock()
	wasActive := q.active != nil && q.active.ID() == l.ID
	if wasActive {
		q.active = nil
	}
	requeued, unsold := false, false
	if out.State == StatePassed {
		l.Passes++
		if l.Passes < q.cfg.MaxPassCycles {
			q.pending = append(q.pending, q.newSession(l))
			requeued = true
		} else {
			q.unsold = append(q.unsold, l)
			unsold = true
		}
	} else {
		q.closed[l.ID] = out.State
	}
	q.mu.Unlock()

	q.closedCount.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(out.State))))

	switch out.State {
	case StateSold:
		q.persistSale(ctx, out)
		q.notify(ctx, notify.PlayerSold{
			GullyID:       q.gullyID,
			ListingID:     l.ID,
			PlayerID:      l.Player.ID,
			ParticipantID: out.Winner,
			Amount:        out.Amount,
		})

	case StatePassed:
		if requeued {
			row := listingRow(l, StatePending)
			if err := q.deps.Listings.Requeue(ctx, &row); err != nil {
				q.logger.ErrorContext(ctx, "failed to persist requeued listing",
					slog.String("listing_id", l.ID),
					slog.Any("error", err),
				)
			}
		} else {
			q.persistClosed(ctx, l, StatePassed, "")
		}
		q.appendEvents(ctx, event.New(l.ID, event.ListingPassed, out.Bids, event.ListingPassedData{
			Passes: l.Passes,
			Unsold: unsold,
		}))
		q.notify(ctx, notify.PlayerPassed{
			GullyID:   q.gullyID,
			ListingID: l.ID,
			PlayerID:  l.Player.ID,
			Passes:    l.Passes,
			Unsold:    unsold,
		})

	case StateCancelled:
		q.persistClosed(ctx, l, StateCancelled, out.Reason)
		q.appendEvents(ctx, event.New(l.ID, event.ListingCancelled, out.Bids, event.ListingCancelledData{
			Reason: out.Reason,
		}))
		q.notify(ctx, notify.SessionCancelled{
			GullyID:   q.gullyID,
			ListingID: l.ID,
			PlayerID:  l.Player.ID,
			Reason:    out.Reason,
		})
	}

	// Closing a listing that never ran leaves the queue where it was.
	if !wasActive {
		return
	}
	if _, err := q.ActivateNext(ctx); err != nil && !errors.Is(err, ErrQueueEmpty) && !errors.Is(err, ErrSessionActive) {
		q.logger.ErrorContext(ctx, "failed to activate next listing", slog.Any("error", err))
	}
}

func (q *Queue) persistSale(ctx context.Context, out Outcome) {
	l := out.Listing
	now := q.deps.Clock.Now()

	row := listingRow(l, StateSold)
	row.CurrentBid = &out.Amount
	row.CurrentBidder = &out.Winner
	row.ClosedAt = &now
	if err := q.deps.Listings.Update(ctx, &row); err != nil {
		q.logger.ErrorContext(ctx, "failed to persist sold listing",
			slog.String("listing_id", l.ID),
			slog.Any("error", err),
		)
	}

	source := "auction"
	if l.SellerID != "" {
		source = "transfer"
	}
	if err := q.deps.Participants.UpdateBudget(ctx, out.Winner, -out.Amount); err != nil {
		q.logger.ErrorContext(ctx, "failed to persist winner budget",
			slog.String("participant_id", out.Winner),
			slog.Any("error", err),
		)
	}
	member := store.SquadMember{
		GullyID:       q.gullyID,
		ParticipantID: out.Winner,
		PlayerID:      l.Player.ID,
		Price:         out.Amount,
		Source:        source,
		AcquiredAt:    now,
	}
	if err := q.deps.Participants.AddSquadMember(ctx, &member); err != nil {
		q.logger.ErrorContext(ctx, "failed to persist squad member",
			slog.String("participant_id", out.Winner),
			slog.String("player_id", l.Player.ID),
			slog.Any("error", err),
		)
	}

	events := []event.Event{
		event.New(l.ID, event.ListingSold, out.Bids, event.ListingSoldData{
			ParticipantID: out.Winner,
			Amount:        out.Amount,
		}),
		event.New(out.Winner, event.BudgetDebited, 0, event.BudgetChangeData{
			GullyID: q.gullyID,
			Amount:  out.Amount,
			Reason:  "won listing " + l.ID,
		}),
	}
	if l.SellerID != "" {
		if err := q.deps.Participants.UpdateBudget(ctx, l.SellerID, out.Amount); err != nil {
			q.logger.ErrorContext(ctx, "failed to persist seller budget",
				slog.String("participant_id", l.SellerID),
				slog.Any("error", err),
			)
		}
		events = append(events, event.New(l.SellerID, event.BudgetCredited, 0, event.BudgetChangeData{
			GullyID: q.gullyID,
			Amount:  out.Amount,
			Reason:  "sold listing " + l.ID,
		}))
	}
	q.appendEvents(ctx, events...)
}

func (q *Queue) persistClosed(ctx context.Context, l Listing, st State, reason string) {
	row := listingRow(l, st)
	now := q.deps.Clock.Now()
	row.ClosedAt = &now
	if reason != "" {
		row.Reason = &reason
	}
	if err := q.deps.Listings.Update(ctx, &row); err != nil {
		q.logger.ErrorContext(ctx, "failed to persist closed listing",
			slog.String("listing_id", l.ID),
			slog.String("state", string(st)),
			slog.Any("error", err),
		)
	}
}

func (q *Queue) appendEvents(ctx context.Context, events ...event.Event) {
	if err := q.deps.Events.Append(ctx, events...); err != nil {
		q.logger.ErrorContext(ctx, "failed to persist events",
			slog.Int("count", len(events)),
			slog.Any("error", err),
		)
	}
}

func (q *Queue) notify(ctx context.Context, n notify.Notice) {
	if q.deps.Notifier != nil {
		q.deps.Notifier.Dispatch(ctx, n)
	}
}

func listingRow(l Listing, st State) store.Listing {
	row := store.Listing{
		ID:             l.ID,
		GullyID:        l.GullyID,
		PlayerID:       l.Player.ID,
		State:          string(st),
		Floor:          l.Floor,
		Passes:         l.Passes,
		Seq:            l.Seq,
		AllowedBidders: l.AllowedBidders,
		CreatedAt:      l.CreatedAt,
	}
	if l.SellerID != "" {
		seller := l.SellerID
		row.SellerID = &seller
	}
	return row
}

// RejectionReason maps a bid error to a short label for metrics and replies.
func RejectionReason(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, ErrBidTooLow):
		return "bid_too_low"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrSquadConstraintViolated):
		return "squad_constraint"
	case errors.Is(err, ErrSessionCancelled):
		return "session_cancelled"
	case errors.Is(err, ErrSessionClosed):
		return "session_closed"
	case errors.Is(err, ErrSessionNotStarted):
		return "not_started"
	case errors.Is(err, ErrNotEligible):
		return "not_eligible"
	case errors.Is(err, ErrListingNotFound):
		return "not_found"
	default:
		return "error"
	}
}
