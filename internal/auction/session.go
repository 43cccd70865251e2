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

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/gullybot/internal/budget"
	"github.com/jensholdgaard/gullybot/internal/clock"
	"github.com/jensholdgaard/gullybot/internal/gully"
	"github.com/jensholdgaard/gullybot/internal/squad"
)

const tracerName = "github.com/jensholdgaard/gullybot/internal/auction"

// Listing is one player offered for bidding in one gully.
type Listing struct {
	ID      string
	GullyID string
	Player  gully.Player
	// Floor is the lowest acceptable opening bid.
	Floor  int64
	Passes int
	Seq    int64
	// SellerID is set for transfer-market listings; the seller is credited on sale.
	SellerID string
	// AllowedBidders restricts bidding when non-empty.
	AllowedBidders []string
	CreatedAt      time.Time
}

func (l Listing) allows(participantID string) bool {
	if participantID == l.SellerID {
		return false
	}
	return len(l.AllowedBidders) == 0 || slices.Contains(l.AllowedBidders, participantID)
}

// Outcome describes how a session ended.
type Outcome struct {
	Listing Listing
	State   State
	Winner  string
	Amount  int64
	Bids    int
	Reason  string
	// Err is set when an internal fault forced the session to Cancelled.
	Err error
}

// SessionConfig holds the per-session tunables.
type SessionConfig struct {
	Duration  time.Duration
	Increment IncrementPolicy
}

// SessionDeps are the collaborators a session consults.
type SessionDeps struct {
	Budgets        *budget.Ledger
	Squads         *squad.Validator
	Clock          clock.Clock
	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
	// OnClose runs after every terminal transition, outside the session lock.
	OnClose func(ctx context.Context, out Outcome)
}

// Session is the bidding state machine for one listing. Every mutation
// (bid, skip, timer expiry, cancel) runs under one mutex, so the order of
// concurrent inputs is total. No I/O happens while the mutex is held.
type Session struct {
	mu       sync.Mutex
	listing  Listing
	state    State
	bids     *BidLedger
	skipped  map[string]struct{}
	reason   string
	timer    clock.Timer
	gen      int
	deadline time.Time

	cfg     SessionConfig
	budgets *budget.Ledger
	squads  *squad.Validator
	clock   clock.Clock
	onClose func(ctx context.Context, out Outcome)
	logger  *slog.Logger
	tracer  trace.Tracer
}

// NewSession returns a Pending session for l.
func NewSession(l Listing, cfg SessionConfig, deps SessionDeps) *Session {
	if cfg.Increment == nil {
		cfg.Increment = StrictIncrement{}
	}
	return &Session{
		listing: l,
		state:   StatePending,
		bids:    NewBidLedger(l.ID),
		skipped: make(map[string]struct{}),
		cfg:     cfg,
		budgets: deps.Budgets,
		squads:  deps.Squads,
		clock:   deps.Clock,
		onClose: deps.OnClose,
		logger:  deps.Logger,
		tracer:  deps.TracerProvider.Tracer(tracerName),
	}
}

// ID returns the listing id.
func (s *Session) ID() string { return s.listing.ID }

// Listing returns the listing under auction.
func (s *Session) Listing() Listing { return s.listing }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Leader returns the highest accepted bid.
func (s *Session) Leader() (Bid, bool) {
	return s.bids.Leader()
}

// Bids returns every accepted bid in order.
func (s *Session) Bids() []Bid {
	return s.bids.Bids()
}

// Deadline returns when the countdown elapses if no further bid arrives.
func (s *Session) Deadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deadline
}

// Start moves the session from Pending to Bidding and starts the countdown.
func (s *Session) Start(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "Session.Start",
		trace.WithAttributes(attribute.String("listing.id", s.listing.ID)),
	)
	defer span.End()

	s.mu.Lock()
	next, err := Next(s.state, TriggerActivate, false)
	if err != nil {
		out, failed := s.failLocked(ctx, err)
		s.mu.Unlock()
		if failed {
			s.emitClose(ctx, out)
		}
		return err
	}
	s.state = next
	s.bids.Open()
	s.armLocked()
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "bidding started",
		slog.String("listing_id", s.listing.ID),
		slog.String("player_id", s.listing.Player.ID),
		slog.Int64("floor", s.listing.Floor),
		slog.Duration("duration", s.cfg.Duration),
	)
	return nil
}

// Resume moves a recovered session straight to Bidding with its persisted
// bids and a fresh countdown.
func (s *Session) Resume(ctx context.Context, bids []Bid) error {
	ctx, span := s.tracer.Start(ctx, "Session.Resume",
		trace.WithAttributes(
			attribute.String("listing.id", s.listing.ID),
			attribute.Int("bids", len(bids)),
		),
	)
	defer span.End()

	s.mu.Lock()
	next, err := Next(s.state, TriggerActivate, false)
	if err == nil {
		err = s.bids.Restore(bids)
	}
	if err != nil {
		out, failed := s.failLocked(ctx, err)
		s.mu.Unlock()
		if failed {
			s.emitClose(ctx, out)
		}
		return err
	}
	s.state = next
	if leader, ok := s.bids.Leader(); ok {
		s.squads.SetLeading(leader.ParticipantID, s.listing.ID, s.listing.Player)
	}
	s.bids.Open()
	s.armLocked()
	s.mu.Unlock()
	return nil
}

// PlaceBid validates and records a bid. On success the countdown restarts
// at the full duration.
func (s *Session) PlaceBid(ctx context.Context, participantID string, amount int64) (Bid, error) {
	ctx, span := s.tracer.Start(ctx, "Session.PlaceBid",
		trace.WithAttributes(
			attribute.String("listing.id", s.listing.ID),
			attribute.String("participant.id", participantID),
			attribute.Int64("bid.amount", amount),
		),
	)
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := Next(s.state, TriggerBid, false); err != nil {
		return Bid{}, err
	}
	if !s.listing.allows(participantID) {
		return Bid{}, ErrNotEligible
	}
	if err := s.budgets.Reserve(participantID, amount); err != nil {
		if errors.Is(err, budget.ErrUnknownParticipant) {
			return Bid{}, fmt.Errorf("%w: %v", ErrNotEligible, err)
		}
		return Bid{}, err
	}
	if err := s.squads.CanBid(participantID, s.listing.ID, s.listing.Player); err != nil {
		return Bid{}, err
	}
	if s.listing.SellerID != "" && s.squads.TransfersLeft(participantID) == 0 {
		return Bid{}, fmt.Errorf("%w: %w", ErrSquadConstraintViolated, squad.ErrNoTransfersLeft)
	}

	var leader *Bid
	if b, ok := s.bids.Leader(); ok {
		leader = &b
	}
	if minimum := s.cfg.Increment.MinimumBid(s.listing.Floor, leader); amount < minimum {
		return Bid{}, fmt.Errorf("%w: minimum is %d", ErrBidTooLow, minimum)
	}

	bid, err := s.bids.Submit(participantID, amount, s.clock.Now())
	if err != nil {
		return Bid{}, err
	}
	s.squads.SetLeading(participantID, s.listing.ID, s.listing.Player)
	s.armLocked()

	s.logger.InfoContext(ctx, "bid accepted",
		slog.String("listing_id", s.listing.ID),
		slog.String("participant_id", participantID),
		slog.Int64("amount", amount),
		slog.Int("seq", bid.Seq),
	)
	return bid, nil
}

// Skip records that participantID declines to bid. When every participant
// who could still legally bid has skipped and nobody has bid, the session
// passes without waiting for the countdown. It reports whether it closed.
func (s *Session) Skip(ctx context.Context, participantID string) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "Session.Skip",
		trace.WithAttributes(
			attribute.String("listing.id", s.listing.ID),
			attribute.String("participant.id", participantID),
		),
	)
	defer span.End()

	s.mu.Lock()
	if s.state != StateBidding {
		_, err := Next(s.state, TriggerBid, false)
		s.mu.Unlock()
		return false, err
	}
	s.skipped[participantID] = struct{}{}
	if _, hasBids := s.bids.Leader(); hasBids || !s.allEligibleSkippedLocked() {
		s.mu.Unlock()
		return false, nil
	}
	out := s.closeLocked(ctx, TriggerAllSkipped)
	s.mu.Unlock()

	s.emitClose(ctx, out)
	return true, nil
}

// Cancel is the admin override. It preempts bidding immediately and moves
// no funds.
func (s *Session) Cancel(ctx context.Context, reason string) error {
	ctx, span := s.tracer.Start(ctx, "Session.Cancel",
		trace.WithAttributes(attribute.String("listing.id", s.listing.ID)),
	)
	defer span.End()

	if strings.TrimSpace(reason) == "" {
		return ErrReasonRequired
	}

	s.mu.Lock()
	next, err := Next(s.state, TriggerCancel, false)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.state = next
	s.reason = reason
	s.haltLocked()
	out := s.outcomeLocked()
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "session cancelled",
		slog.String("listing_id", s.listing.ID),
		slog.String("reason", reason),
	)
	s.emitClose(ctx, out)
	return nil
}

func (s *Session) expire(gen int) {
	ctx, span := s.tracer.Start(context.Background(), "Session.expire",
		trace.WithAttributes(attribute.String("listing.id", s.listing.ID)),
	)
	defer span.End()

	s.mu.Lock()
	if gen != s.gen || s.state != StateBidding {
		s.mu.Unlock()
		return
	}
	out := s.closeLocked(ctx, TriggerExpire)
	s.mu.Unlock()

	s.emitClose(ctx, out)
}

// closeLocked finalizes a Bidding session as Sold or Passed.
func (s *Session) closeLocked(ctx context.Context, t Trigger) Outcome {
	leader, hasBids := s.bids.Leader()
	next, err := Next(s.state, t, hasBids)
	if err != nil {
		out, _ := s.failLocked(ctx, err)
		return out
	}
	s.haltLocked()

	if next == StateSold {
		if err := s.commitSaleLocked(ctx, leader); err != nil {
			out, _ := s.failLocked(ctx, err)
			return out
		}
	}
	s.state = next
	return s.outcomeLocked()
}

// commitSaleLocked moves the player and the money in one step.
func (s *Session) commitSaleLocked(ctx context.Context, leader Bid) error {
	winner := leader.ParticipantID
	if err := s.budgets.Reserve(winner, leader.Amount); err != nil {
		return fmt.Errorf("%w: winner cannot pay: %w", ErrInvalidTransition, err)
	}
	if err := s.squads.CanBid(winner, s.listing.ID, s.listing.Player); err != nil {
		return fmt.Errorf("%w: winner squad rejected player: %w", ErrInvalidTransition, err)
	}
	if err := s.squads.Attach(winner, s.listing.Player); err != nil {
		return fmt.Errorf("%w: attaching player: %w", ErrInvalidTransition, err)
	}
	if _, err := s.budgets.Commit(ctx, winner, leader.Amount); err != nil {
		_, _ = s.squads.Release(winner, s.listing.Player.ID)
		return fmt.Errorf("%w: debiting winner: %w", ErrInvalidTransition, err)
	}

	if s.listing.SellerID != "" {
		if _, err := s.budgets.Credit(ctx, s.listing.SellerID, leader.Amount); err != nil {
			s.logger.ErrorContext(ctx, "crediting seller failed",
				slog.String("listing_id", s.listing.ID),
				slog.String("seller_id", s.listing.SellerID),
				slog.Any("error", err),
			)
		}
		if err := s.squads.UseTransfer(winner); err != nil {
			s.logger.WarnContext(ctx, "transfer count not consumed",
				slog.String("listing_id", s.listing.ID),
				slog.String("participant_id", winner),
				slog.Any("error", err),
			)
		}
	}
	return nil
}

// failLocked forces a non-terminal session to Cancelled after an internal
// fault. It reports false if the session was already terminal.
func (s *Session) failLocked(ctx context.Context, cause error) (Outcome, bool) {
	if s.state.Terminal() {
		s.logger.ErrorContext(ctx, "invalid transition on closed session",
			slog.String("listing_id", s.listing.ID),
			slog.String("state", string(s.state)),
			slog.Any("error", cause),
		)
		return Outcome{}, false
	}

	leader, hasBids := s.bids.Leader()
	s.logger.ErrorContext(ctx, "session failed, forcing cancel",
		slog.String("listing_id", s.listing.ID),
		slog.String("player_id", s.listing.Player.ID),
		slog.String("state", string(s.state)),
		slog.Int("bids", s.bids.Len()),
		slog.Bool("has_leader", hasBids),
		slog.String("leader", leader.ParticipantID),
		slog.Int64("leader_amount", leader.Amount),
		slog.Any("error", cause),
	)

	s.state = StateCancelled
	s.reason = "internal error: " + cause.Error()
	s.haltLocked()
	out := s.outcomeLocked()
	out.Err = cause
	return out, true
}

func (s *Session) outcomeLocked() Outcome {
	out := Outcome{
		Listing: s.listing,
		State:   s.state,
		Bids:    s.bids.Len(),
		Reason:  s.reason,
	}
	if s.state == StateSold {
		leader, _ := s.bids.Leader()
		out.Winner = leader.ParticipantID
		out.Amount = leader.Amount
	}
	return out
}

// haltLocked stops the countdown and bid intake.
func (s *Session) haltLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
	s.bids.Seal()
	s.squads.ClearLeading(s.listing.ID)
}

// armLocked (re)starts the countdown at the full duration. A timer that
// fires after being superseded sees a stale generation and does nothing.
func (s *Session) armLocked() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.deadline = s.clock.Now().Add(s.cfg.Duration)
	s.timer = s.clock.AfterFunc(s.cfg.Duration, func() { s.expire(gen) })
}

func (s *Session) allEligibleSkippedLocked() bool {
	minimum := s.cfg.Increment.MinimumBid(s.listing.Floor, nil)
	for _, p := range s.budgets.Participants() {
		if !s.listing.allows(p) {
			continue
		}
		if !s.budgets.CanAfford(p, minimum) {
			continue
		}
		if s.squads.CanBid(p, s.listing.ID, s.listing.Player) != nil {
			continue
		}
		if _, ok := s.skipped[p]; !ok {
			return false
		}
	}
	return true
}

func (s *Session) emitClose(ctx context.Context, out Outcome) {
	s.logger.InfoContext(ctx, "session closed",
		slog.String("listing_id", out.Listing.ID),
		slog.String("state", string(out.State)),
		slog.String("winner", out.Winner),
		slog.Int64("amount", out.Amount),
	)
	if s.onClose != nil {
		s.onClose(ctx, out)
	}
}
