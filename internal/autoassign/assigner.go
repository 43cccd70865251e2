// Package autoassign completes under-filled squads when a submission window
// closes, handing out unsold and still-queued players.
package autoassign

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/gullybot/internal/auction"
	"github.com/jensholdgaard/gullybot/internal/budget"
	"github.com/jensholdgaard/gullybot/internal/clock"
	"github.com/jensholdgaard/gullybot/internal/event"
	"github.com/jensholdgaard/gullybot/internal/notify"
	"github.com/jensholdgaard/gullybot/internal/squad"
	"github.com/jensholdgaard/gullybot/internal/store"
)

const tracerName = "github.com/jensholdgaard/gullybot/internal/autoassign"

// Config selects the assignment policies.
type Config struct {
	Priority Priority
	Price    PricePolicy
}

// Pool is the source of assignable players. *auction.Queue implements it.
type Pool interface {
	Available() []auction.Listing
	Award(ctx context.Context, listingID, participantID string, price int64) (auction.Listing, error)
}

// Deps are the collaborators of an Assigner.
type Deps struct {
	Queue          Pool
	Budgets        *budget.Ledger
	Squads         *squad.Validator
	Participants   store.ParticipantRepository
	Events         event.Store
	Notifier       notify.Dispatcher
	Clock          clock.Clock
	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
}

// Assignment is one player handed to one participant.
type Assignment struct {
	ParticipantID string
	ListingID     string
	PlayerID      string
	Price         int64
}

// Assigner fills squads for one gully. Runs are serialized.
type Assigner struct {
	mu      sync.Mutex
	gullyID string
	cfg     Config
	deps    Deps
	logger  *slog.Logger
	tracer  trace.Tracer
}

// New returns an Assigner. Missing policies default to SmallestSquadFirst
// and BasePrice.
func New(gullyID string, cfg Config, deps Deps) *Assigner {
	if cfg.Priority == nil {
		cfg.Priority = SmallestSquadFirst{}
	}
	if cfg.Price == nil {
		cfg.Price = BasePrice{}
	}
	return &Assigner{
		gullyID: gullyID,
		cfg:     cfg,
		deps:    deps,
		logger:  deps.Logger.With(slog.String("gully_id", gullyID)),
		tracer:  deps.TracerProvider.Tracer(tracerName),
	}
}

// Run assigns pool players to every participant whose squad is not yet
// valid. Participants pick one player per round in priority order until
// nobody can make progress. Squads that are already valid are left alone,
// so a second run changes nothing.
func (a *Assigner) Run(ctx context.Context) ([]Assignment, error) {
	ctx, span := a.tracer.Start(ctx, "Assigner.Run",
		trace.WithAttributes(attribute.String("gully.id", a.gullyID)),
	)
	defer span.End()

	a.mu.Lock()
	defer a.mu.Unlock()

	rows, err := a.deps.Participants.ListByGully(ctx, a.gullyID)
	if err != nil {
		return nil, fmt.Errorf("listing participants: %w", err)
	}

	pool := a.deps.Queue.Available()
	sort.SliceStable(pool, func(i, j int) bool {
		if pool[i].Player.BasePrice != pool[j].Player.BasePrice {
			return pool[i].Player.BasePrice < pool[j].Player.BasePrice
		}
		return pool[i].Player.ID < pool[j].Player.ID
	})

	var out []Assignment
	for {
		cands := a.candidates(ctx, rows)
		if len(cands) == 0 || len(pool) == 0 {
			break
		}
		a.cfg.Priority.Order(cands)

		progress := false
		for _, c := range cands {
			asg, idx, ok := a.pick(ctx, c, pool)
			if !ok {
				continue
			}
			pool = slices.Delete(pool, idx, idx+1)
			out = append(out, asg)
			progress = true
		}
		if !progress {
			break
		}
	}

	for _, c := range a.candidates(ctx, rows) {
		a.logger.WarnContext(ctx, "squad still incomplete after auto-assignment",
			slog.String("participant_id", c.Member.ID),
			slog.Int("size", c.Size),
		)
	}
	a.logger.InfoContext(ctx, "auto-assignment finished", slog.Int("assigned", len(out)))
	return out, nil
}

// candidates returns the participants whose squads fail the final check.
func (a *Assigner) candidates(ctx context.Context, rows []store.Participant) []Candidate {
	var out []Candidate
	for _, row := range rows {
		rep, err := a.deps.Squads.ValidateFinal(row.ID)
		if err != nil {
			a.logger.WarnContext(ctx, "skipping participant without squad",
				slog.String("participant_id", row.ID),
				slog.Any("error", err),
			)
			continue
		}
		if rep.Valid {
			continue
		}
		out = append(out, Candidate{Member: row.Domain(), Size: rep.Size})
	}
	return out
}

// pick assigns the cheapest pool player that closes one of c's gaps. Role
// shortfalls are filled first; other players only count while the squad is
// below its minimum size.
func (a *Assigner) pick(ctx context.Context, c Candidate, pool []auction.Listing) (Assignment, int, bool) {
	pid := c.Member.ID
	rep, err := a.deps.Squads.ValidateFinal(pid)
	if err != nil || rep.Valid {
		return Assignment{}, 0, false
	}
	needsSize := rep.Size < a.deps.Squads.Rules().MinSquadSize

	try := func(wantRole bool) (Assignment, int, bool) {
		for i, l := range pool {
			if _, missing := rep.MissingRoles[l.Player.Role]; wantRole && !missing {
				continue
			}
			price := a.cfg.Price.Price(l.Player)
			if a.deps.Budgets.Reserve(pid, price) != nil {
				continue
			}
			if a.deps.Squads.CanBid(pid, l.ID, l.Player) != nil {
				continue
			}
			if err := a.assign(ctx, pid, l, price); err != nil {
				a.logger.WarnContext(ctx, "auto-assignment failed",
					slog.String("participant_id", pid),
					slog.String("listing_id", l.ID),
					slog.Any("error", err),
				)
				continue
			}
			return Assignment{ParticipantID: pid, ListingID: l.ID, PlayerID: l.Player.ID, Price: price}, i, true
		}
		return Assignment{}, 0, false
	}

	if len(rep.MissingRoles) > 0 {
		if asg, i, ok := try(true); ok {
			return asg, i, true
		}
	}
	if needsSize {
		return try(false)
	}
	return Assignment{}, 0, false
}

// assign moves the player and the price first and only then takes the
// listing out of the pool, undoing both if the award fails.
func (a *Assigner) assign(ctx context.Context, pid string, l auction.Listing, price int64) error {
	if err := a.deps.Squads.Attach(pid, l.Player); err != nil {
		return fmt.Errorf("attaching player: %w", err)
	}
	if _, err := a.deps.Budgets.Commit(ctx, pid, price); err != nil {
		a.detach(ctx, pid, l.Player.ID)
		return fmt.Errorf("paying for player: %w", err)
	}
	if _, err := a.deps.Queue.Award(ctx, l.ID, pid, price); err != nil {
		a.detach(ctx, pid, l.Player.ID)
		if _, cerr := a.deps.Budgets.Credit(ctx, pid, price); cerr != nil {
			a.logger.ErrorContext(ctx, "failed to refund unawarded listing",
				slog.String("participant_id", pid),
				slog.String("listing_id", l.ID),
				slog.Any("error", cerr),
			)
		}
		return fmt.Errorf("awarding listing: %w", err)
	}

	if err := a.deps.Participants.UpdateBudget(ctx, pid, -price); err != nil {
		a.logger.ErrorContext(ctx, "failed to persist budget",
			slog.String("participant_id", pid),
			slog.Any("error", err),
		)
	}
	member := store.SquadMember{
		GullyID:       a.gullyID,
		ParticipantID: pid,
		PlayerID:      l.Player.ID,
		Price:         price,
		Source:        "auto",
		AcquiredAt:    a.deps.Clock.Now(),
	}
	if err := a.deps.Participants.AddSquadMember(ctx, &member); err != nil {
		a.logger.ErrorContext(ctx, "failed to persist squad member",
			slog.String("participant_id", pid),
			slog.String("player_id", l.Player.ID),
			slog.Any("error", err),
		)
	}

	events := []event.Event{
		event.New(pid, event.SquadAutoFilled, 0, event.SquadAutoFilledData{
			GullyID:  a.gullyID,
			PlayerID: l.Player.ID,
			Price:    price,
		}),
	}
	if price > 0 {
		events = append(events, event.New(pid, event.BudgetDebited, 0, event.BudgetChangeData{
			GullyID: a.gullyID,
			Amount:  price,
			Reason:  "auto-assigned listing " + l.ID,
		}))
	}
	if err := a.deps.Events.Append(ctx, events...); err != nil {
		a.logger.ErrorContext(ctx, "failed to persist events", slog.Any("error", err))
	}
	if a.deps.Notifier != nil {
		a.deps.Notifier.Dispatch(ctx, notify.SquadAutoFilled{
			GullyID:       a.gullyID,
			ParticipantID: pid,
			PlayerID:      l.Player.ID,
			Price:         price,
		})
	}

	a.logger.InfoContext(ctx, "player auto-assigned",
		slog.String("participant_id", pid),
		slog.String("player_id", l.Player.ID),
		slog.Int64("price", price),
	)
	return nil
}

func (a *Assigner) detach(ctx context.Context, pid, playerID string) {
	if _, err := a.deps.Squads.Release(pid, playerID); err != nil {
		a.logger.ErrorContext(ctx, "failed to roll back auto-assigned player",
			slog.String("participant_id", pid),
			slog.String("player_id", playerID),
			slog.Any("error", err),
		)
	}
}
