// Package league keeps one fully wired gully per league id: its budget
// ledger, squad validator, auction queue, transfer market and auto-assigner.
// Opening a gully rebuilds all of them from the store.
package league

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/gullybot/internal/auction"
	"github.com/jensholdgaard/gullybot/internal/autoassign"
	"github.com/jensholdgaard/gullybot/internal/budget"
	"github.com/jensholdgaard/gullybot/internal/clock"
	"github.com/jensholdgaard/gullybot/internal/event"
	"github.com/jensholdgaard/gullybot/internal/gully"
	"github.com/jensholdgaard/gullybot/internal/notify"
	"github.com/jensholdgaard/gullybot/internal/squad"
	"github.com/jensholdgaard/gullybot/internal/store"
	"github.com/jensholdgaard/gullybot/internal/transfer"
)

const tracerName = "github.com/jensholdgaard/gullybot/internal/league"

// ErrGullyNotOpen is returned for gullies that were never opened.
var ErrGullyNotOpen = errors.New("gully is not open")

// Config holds the tunables applied to every gully.
type Config struct {
	Auction  auction.Config
	Squad    squad.Rules
	Transfer transfer.Config
	Assign   autoassign.Config
}

// Deps are the shared collaborators.
type Deps struct {
	Repos          *store.Repositories
	Notifier       notify.Dispatcher
	Clock          clock.Clock
	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
}

// Gully bundles the components of one league.
type Gully struct {
	ID       string
	Budgets  *budget.Ledger
	Squads   *squad.Validator
	Queue    *auction.Queue
	Market   *transfer.Market
	Assigner *autoassign.Assigner
}

// entry lets concurrent Opens of one gully wait for a single recovery.
type entry struct {
	ready chan struct{}
	g     *Gully
	err   error
}

// Registry owns every open gully. It is safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	cfg     Config
	deps    Deps
	gullies map[string]*entry
	catalog Catalog
	logger  *slog.Logger
	tracer  trace.Tracer
}

// NewRegistry returns an empty registry.
func NewRegistry(cfg Config, deps Deps) *Registry {
	return &Registry{
		cfg:     cfg,
		deps:    deps,
		gullies: make(map[string]*entry),
		catalog: Catalog{Players: deps.Repos.Players},
		logger:  deps.Logger,
		tracer:  deps.TracerProvider.Tracer(tracerName),
	}
}

// Catalog returns the player catalog backing the registry.
func (r *Registry) Catalog() gully.Catalog { return r.catalog }

// Now reports the registry clock.
func (r *Registry) Now() time.Time { return r.deps.Clock.Now() }

// Get returns an open gully.
func (r *Registry) Get(gullyID string) (*Gully, error) {
	r.mu.Lock()
	e, ok := r.gullies[gullyID]
	r.mu.Unlock()
	if !ok || !e.done() {
		return nil, fmt.Errorf("%w: %s", ErrGullyNotOpen, gullyID)
	}
	return e.g, nil
}

// Gullies returns every open gully sorted by id.
func (r *Registry) Gullies() []*Gully {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Gully, 0, len(r.gullies))
	for _, e := range r.gullies {
		if e.done() {
			out = append(out, e.g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OpenAll opens every gully that has participants, in parallel.
func (r *Registry) OpenAll(ctx context.Context) error {
	ids, err := r.deps.Repos.Participants.Gullies(ctx)
	if err != nil {
		return fmt.Errorf("listing gullies: %w", err)
	}

	p := pool.New().WithContext(ctx).WithMaxGoroutines(8)
	for _, id := range ids {
		p.Go(func(ctx context.Context) error {
			_, err := r.Open(ctx, id)
			return err
		})
	}
	return p.Wait()
}

// Open returns the gully, building and recovering it on first use.
func (r *Registry) Open(ctx context.Context, gullyID string) (*Gully, error) {
	ctx, span := r.tracer.Start(ctx, "Registry.Open",
		trace.WithAttributes(attribute.String("gully.id", gullyID)),
	)
	defer span.End()

	r.mu.Lock()
	if e, ok := r.gullies[gullyID]; ok {
		r.mu.Unlock()
		select {
		case <-e.ready:
			return e.g, e.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	e := &entry{ready: make(chan struct{})}
	r.gullies[gullyID] = e
	r.mu.Unlock()

	e.g, e.err = r.openGully(ctx, gullyID)
	if e.err != nil {
		r.mu.Lock()
		delete(r.gullies, gullyID)
		r.mu.Unlock()
	}
	close(e.ready)
	return e.g, e.err
}

func (r *Registry) openGully(ctx context.Context, gullyID string) (*Gully, error) {
	g, err := r.build(gullyID)
	if err != nil {
		return nil, err
	}
	if err := r.recover(ctx, g); err != nil {
		g.Market.Stop()
		return nil, fmt.Errorf("recovering gully %s: %w", gullyID, err)
	}
	if _, err := g.Queue.ActivateNext(ctx); err != nil &&
		!errors.Is(err, auction.ErrSessionActive) && !errors.Is(err, auction.ErrQueueEmpty) {
		r.logger.ErrorContext(ctx, "failed to activate next listing after recovery",
			slog.String("gully_id", gullyID),
			slog.Any("error", err),
		)
	}
	return g, nil
}

func (e *entry) done() bool {
	select {
	case <-e.ready:
		return e.err == nil
	default:
		return false
	}
}

// Join adds a participant to a gully with an opening budget. The gully is
// opened if needed.
func (r *Registry) Join(ctx context.Context, gullyID, userID, name string, balance int64) (store.Participant, error) {
	g, err := r.Open(ctx, gullyID)
	if err != nil {
		return store.Participant{}, err
	}
	p := store.Participant{GullyID: gullyID, UserID: userID, Name: name, Budget: balance}
	if err := r.deps.Repos.Participants.Create(ctx, &p); err != nil {
		return store.Participant{}, err
	}
	g.Budgets.Open(p.ID, p.Budget)
	g.Squads.Join(p.ID)

	r.logger.InfoContext(ctx, "participant joined",
		slog.String("gully_id", gullyID),
		slog.String("participant_id", p.ID),
		slog.Int64("budget", balance),
	)
	return p, nil
}

// Participant resolves a chat user to their membership row.
func (r *Registry) Participant(ctx context.Context, gullyID, userID string) (store.Participant, error) {
	p, err := r.deps.Repos.Participants.GetByUser(ctx, gullyID, userID)
	if err != nil {
		return store.Participant{}, err
	}
	return *p, nil
}

// Participants lists the members of a gully.
func (r *Registry) Participants(ctx context.Context, gullyID string) ([]store.Participant, error) {
	return r.deps.Repos.Participants.ListByGully(ctx, gullyID)
}

// History returns the journal of one listing, oldest first.
func (r *Registry) History(ctx context.Context, listingID string) ([]event.Event, error) {
	ctx, span := r.tracer.Start(ctx, "Registry.History",
		trace.WithAttributes(attribute.String("listing.id", listingID)),
	)
	defer span.End()

	evs, err := r.deps.Repos.Events.Load(ctx, listingID)
	if err != nil {
		return nil, fmt.Errorf("loading history of %s: %w", listingID, err)
	}
	return evs, nil
}

// TransferLog returns the transfer resolutions of a gully recorded at or
// after since.
func (r *Registry) TransferLog(ctx context.Context, gullyID string, since time.Time) ([]event.TransferData, error) {
	ctx, span := r.tracer.Start(ctx, "Registry.TransferLog",
		trace.WithAttributes(attribute.String("gully.id", gullyID)),
	)
	defer span.End()

	evs, err := r.transferEvents(ctx, event.TransferResolved, gullyID, since)
	if err != nil {
		return nil, fmt.Errorf("loading transfer log: %w", err)
	}
	out := make([]event.TransferData, 0, len(evs))
	for _, e := range evs {
		out = append(out, e.data)
	}
	return out, nil
}

// OpenTransferWindows opens the transfer window of every open gully.
func (r *Registry) OpenTransferWindows(ctx context.Context) error {
	for _, g := range r.Gullies() {
		g.Market.OpenWindow(ctx)
	}
	return nil
}

// CloseTransferWindows closes the transfer window of every open gully.
func (r *Registry) CloseTransferWindows(ctx context.Context) error {
	for _, g := range r.Gullies() {
		g.Market.CloseWindow(ctx)
	}
	return nil
}

// AutoAssignAll runs the auto-assigner of every open gully in parallel.
func (r *Registry) AutoAssignAll(ctx context.Context) error {
	p := pool.New().WithContext(ctx).WithMaxGoroutines(8)
	for _, g := range r.Gullies() {
		p.Go(func(ctx context.Context) error {
			if _, err := g.Assigner.Run(ctx); err != nil {
				return fmt.Errorf("auto-assigning gully %s: %w", g.ID, err)
			}
			return nil
		})
	}
	return p.Wait()
}

// Close stops the transfer collection timers of every gully.
func (r *Registry) Close() {
	for _, g := range r.Gullies() {
		g.Market.Stop()
	}
}

func (r *Registry) build(gullyID string) (*Gully, error) {
	sq, err := squad.NewValidator(r.cfg.Squad)
	if err != nil {
		return nil, err
	}
	budgets := budget.NewLedger(gullyID, r.deps.Logger)
	repos := r.deps.Repos

	q, err := auction.NewQueue(gullyID, r.cfg.Auction, auction.Deps{
		Budgets:        budgets,
		Squads:         sq,
		Listings:       repos.Listings,
		Bids:           repos.Bids,
		Participants:   repos.Participants,
		Events:         repos.Events,
		Notifier:       r.deps.Notifier,
		Clock:          r.deps.Clock,
		Logger:         r.deps.Logger,
		TracerProvider: r.deps.TracerProvider,
		MeterProvider:  r.deps.MeterProvider,
	})
	if err != nil {
		return nil, err
	}
	m, err := transfer.NewMarket(gullyID, r.cfg.Transfer, transfer.Deps{
		Queue:          q,
		Budgets:        budgets,
		Squads:         sq,
		Participants:   repos.Participants,
		Events:         repos.Events,
		Notifier:       r.deps.Notifier,
		Clock:          r.deps.Clock,
		Logger:         r.deps.Logger,
		TracerProvider: r.deps.TracerProvider,
	})
	if err != nil {
		return nil, err
	}
	a := autoassign.New(gullyID, r.cfg.Assign, autoassign.Deps{
		Queue:          q,
		Budgets:        budgets,
		Squads:         sq,
		Participants:   repos.Participants,
		Events:         repos.Events,
		Notifier:       r.deps.Notifier,
		Clock:          r.deps.Clock,
		Logger:         r.deps.Logger,
		TracerProvider: r.deps.TracerProvider,
	})

	return &Gully{ID: gullyID, Budgets: budgets, Squads: sq, Queue: q, Market: m, Assigner: a}, nil
}

// recover seeds budgets and squads from the participant rows, hands the
// unfinished listings with their bids back to the queue and restores the
// transfer market.
func (r *Registry) recover(ctx context.Context, g *Gully) error {
	repos := r.deps.Repos

	members, err := repos.Participants.ListByGully(ctx, g.ID)
	if err != nil {
		return fmt.Errorf("loading participants: %w", err)
	}
	for _, m := range members {
		g.Budgets.Open(m.ID, m.Budget)
		g.Squads.Join(m.ID)
	}

	held, err := repos.Participants.ListSquads(ctx, g.ID)
	if err != nil {
		return fmt.Errorf("loading squads: %w", err)
	}
	for _, m := range held {
		p, err := r.catalog.Player(ctx, m.PlayerID)
		if err != nil {
			return fmt.Errorf("loading squad player %s: %w", m.PlayerID, err)
		}
		if err := g.Squads.Attach(m.ParticipantID, p); err != nil {
			return fmt.Errorf("restoring squad of %s: %w", m.ParticipantID, err)
		}
	}

	open, err := repos.Listings.ListOpen(ctx, g.ID)
	if err != nil {
		return fmt.Errorf("loading listings: %w", err)
	}
	rows := make([]auction.Recovered, 0, len(open))
	for _, row := range open {
		p, err := r.catalog.Player(ctx, row.PlayerID)
		if err != nil {
			return fmt.Errorf("loading listed player %s: %w", row.PlayerID, err)
		}
		rec := auction.Recovered{
			Listing: auction.Listing{
				ID:             row.ID,
				GullyID:        row.GullyID,
				Player:         p,
				Floor:          row.Floor,
				Passes:         row.Passes,
				Seq:            row.Seq,
				AllowedBidders: row.AllowedBidders,
				CreatedAt:      row.CreatedAt,
			},
			State: auction.State(row.State),
		}
		if row.SellerID != nil {
			rec.Listing.SellerID = *row.SellerID
		}
		if rec.State == auction.StateBidding {
			bids, err := repos.Bids.ListByListing(ctx, row.ID)
			if err != nil {
				return fmt.Errorf("loading bids of %s: %w", row.ID, err)
			}
			for _, b := range bids {
				rec.Bids = append(rec.Bids, auction.Bid{
					ListingID:     b.ListingID,
					ParticipantID: b.ParticipantID,
					Amount:        b.Amount,
					Seq:           b.Seq,
					PlacedAt:      b.PlacedAt,
				})
			}
		}
		rows = append(rows, rec)
	}

	if err := g.Queue.Recover(ctx, rows); err != nil {
		return err
	}
	market, err := r.recoverMarket(ctx, g)
	if err != nil {
		return err
	}
	r.logger.InfoContext(ctx, "gully opened",
		slog.String("gully_id", g.ID),
		slog.Int("participants", len(members)),
		slog.Int("squad_members", len(held)),
		slog.Int("open_listings", len(rows)),
		slog.Bool("transfer_window_open", market.Open),
		slog.Int("open_releases", len(market.Releases)),
	)
	return nil
}
