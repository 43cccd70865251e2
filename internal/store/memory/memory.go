// Package memory provides a store.Driver that keeps everything in process.
// It is meant for local runs and tests; nothing survives a restart.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jensholdgaard/gullybot/internal/clock"
	"github.com/jensholdgaard/gullybot/internal/config"
	"github.com/jensholdgaard/gullybot/internal/event"
	"github.com/jensholdgaard/gullybot/internal/store"
)

func init() {
	store.Register("memory", open)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func open(_ context.Context, _ config.DatabaseConfig, clk clock.Clock) (*store.Repositories, error) {
	return New(clk), nil
}

// New returns a fresh set of in-memory repositories.
func New(clk clock.Clock) *store.Repositories {
	return &store.Repositories{
		Players:      NewPlayerRepo(),
		Participants: NewParticipantRepo(clk),
		Listings:     NewListingRepo(clk),
		Bids:         NewBidRepo(),
		Events:       NewEventStore(clk),
		Closer:       nopCloser{},
		Ping:         func(context.Context) error { return nil },
	}
}

// PlayerRepo is an in-memory player catalog.
type PlayerRepo struct {
	mu      sync.RWMutex
	players map[string]store.Player
}

// NewPlayerRepo returns an empty catalog.
func NewPlayerRepo() *PlayerRepo {
	return &PlayerRepo{players: make(map[string]store.Player)}
}

func (r *PlayerRepo) GetByID(_ context.Context, id string) (*store.Player, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.players[id]
	if !ok {
		return nil, fmt.Errorf("player %s: %w", id, store.ErrNotFound)
	}
	return &p, nil
}

func (r *PlayerRepo) List(_ context.Context) ([]store.Player, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]store.Player, 0, len(r.players))
	for _, p := range r.players {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *PlayerRepo) Upsert(_ context.Context, p *store.Player) error {
	if p.ID == "" {
		return fmt.Errorf("player id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.players[p.ID] = *p
	return nil
}

// ParticipantRepo keeps memberships, budgets and squads.
type ParticipantRepo struct {
	mu           sync.RWMutex
	clock        clock.Clock
	participants map[string]store.Participant
	order        []string
	squads       []store.SquadMember
}

// NewParticipantRepo returns an empty repository.
func NewParticipantRepo(clk clock.Clock) *ParticipantRepo {
	return &ParticipantRepo{clock: clk, participants: make(map[string]store.Participant)}
}

func (r *ParticipantRepo) Create(_ context.Context, p *store.Participant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.participants {
		if existing.GullyID == p.GullyID && existing.UserID == p.UserID {
			return fmt.Errorf("participant %s in gully %s: %w", p.UserID, p.GullyID, store.ErrConflict)
		}
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.JoinedAt.IsZero() {
		p.JoinedAt = r.clock.Now()
	}
	r.participants[p.ID] = *p
	r.order = append(r.order, p.ID)
	return nil
}

func (r *ParticipantRepo) ListByGully(_ context.Context, gullyID string) ([]store.Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []store.Participant
	for _, id := range r.order {
		if p := r.participants[id]; p.GullyID == gullyID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *ParticipantRepo) GetByUser(_ context.Context, gullyID, userID string) (*store.Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.participants {
		if p.GullyID == gullyID && p.UserID == userID {
			return &p, nil
		}
	}
	return nil, fmt.Errorf("participant %s in gully %s: %w", userID, gullyID, store.ErrNotFound)
}

func (r *ParticipantRepo) Gullies(_ context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, p := range r.participants {
		if !slices.Contains(out, p.GullyID) {
			out = append(out, p.GullyID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (r *ParticipantRepo) UpdateBudget(_ context.Context, id string, delta int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[id]
	if !ok {
		return fmt.Errorf("participant %s: %w", id, store.ErrNotFound)
	}
	if p.Budget+delta < 0 {
		return fmt.Errorf("budget of %s would become %d", id, p.Budget+delta)
	}
	p.Budget += delta
	r.participants[id] = p
	return nil
}

func (r *ParticipantRepo) AddSquadMember(_ context.Context, m *store.SquadMember) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.squads {
		if existing.GullyID == m.GullyID && existing.PlayerID == m.PlayerID {
			return fmt.Errorf("player %s in gully %s: %w", m.PlayerID, m.GullyID, store.ErrConflict)
		}
	}
	if m.AcquiredAt.IsZero() {
		m.AcquiredAt = r.clock.Now()
	}
	r.squads = append(r.squads, *m)
	return nil
}

func (r *ParticipantRepo) RemoveSquadMember(_ context.Context, participantID, playerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := slices.IndexFunc(r.squads, func(m store.SquadMember) bool {
		return m.ParticipantID == participantID && m.PlayerID == playerID
	})
	if i < 0 {
		return fmt.Errorf("squad member %s/%s: %w", participantID, playerID, store.ErrNotFound)
	}
	r.squads = slices.Delete(r.squads, i, i+1)
	return nil
}

func (r *ParticipantRepo) ListSquads(_ context.Context, gullyID string) ([]store.SquadMember, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []store.SquadMember
	for _, m := range r.squads {
		if m.GullyID == gullyID {
			out = append(out, m)
		}
	}
	return out, nil
}

// ListingRepo keeps listings with a per-process sequence.
type ListingRepo struct {
	mu       sync.RWMutex
	clock    clock.Clock
	seq      int64
	listings map[string]store.Listing
}

// NewListingRepo returns an empty repository.
func NewListingRepo(clk clock.Clock) *ListingRepo {
	return &ListingRepo{clock: clk, listings: make(map[string]store.Listing)}
}

func (r *ListingRepo) Create(_ context.Context, l *store.Listing) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if _, ok := r.listings[l.ID]; ok {
		return fmt.Errorf("listing %s: %w", l.ID, store.ErrConflict)
	}
	r.seq++
	l.Seq = r.seq
	if l.CreatedAt.IsZero() {
		l.CreatedAt = r.clock.Now()
	}
	r.listings[l.ID] = copyListing(*l)
	return nil
}

func (r *ListingRepo) GetByID(_ context.Context, id string) (*store.Listing, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.listings[id]
	if !ok {
		return nil, fmt.Errorf("listing %s: %w", id, store.ErrNotFound)
	}
	l = copyListing(l)
	return &l, nil
}

func (r *ListingRepo) Update(_ context.Context, l *store.Listing) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.listings[l.ID]
	if !ok {
		return fmt.Errorf("listing %s: %w", l.ID, store.ErrNotFound)
	}
	cur.State = l.State
	cur.Passes = l.Passes
	cur.Reason = l.Reason
	cur.ClosedAt = l.ClosedAt
	if l.CurrentBid != nil {
		cur.CurrentBid = l.CurrentBid
		cur.CurrentBidder = l.CurrentBidder
	}
	r.listings[l.ID] = copyListing(cur)
	return nil
}

func (r *ListingRepo) UpdateLeader(_ context.Context, id, bidder string, amount int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.listings[id]
	if !ok {
		return fmt.Errorf("listing %s: %w", id, store.ErrNotFound)
	}
	if cur.CurrentBid != nil && *cur.CurrentBid >= amount {
		return nil
	}
	cur.CurrentBid = &amount
	cur.CurrentBidder = &bidder
	r.listings[id] = cur
	return nil
}

func (r *ListingRepo) Requeue(_ context.Context, l *store.Listing) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.listings[l.ID]
	if !ok {
		return fmt.Errorf("listing %s: %w", l.ID, store.ErrNotFound)
	}
	r.seq++
	cur.State = store.ListingPending
	cur.Passes = l.Passes
	cur.Seq = r.seq
	cur.ClosedAt = nil
	l.Seq = cur.Seq
	r.listings[l.ID] = cur
	return nil
}

func (r *ListingRepo) ListOpen(_ context.Context, gullyID string) ([]store.Listing, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []store.Listing
	for _, l := range r.listings {
		if l.GullyID != gullyID {
			continue
		}
		switch l.State {
		case store.ListingPending, store.ListingBidding, store.ListingPassed:
			out = append(out, copyListing(l))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func copyListing(l store.Listing) store.Listing {
	l.AllowedBidders = slices.Clone(l.AllowedBidders)
	return l
}

// BidRepo is the append-only bid table.
type BidRepo struct {
	mu   sync.RWMutex
	bids map[string][]store.Bid
}

// NewBidRepo returns an empty repository.
func NewBidRepo() *BidRepo {
	return &BidRepo{bids: make(map[string][]store.Bid)}
}

func (r *BidRepo) Append(_ context.Context, b *store.Bid) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.bids[b.ListingID] {
		if existing.Seq == b.Seq {
			return fmt.Errorf("bid %d on listing %s: %w", b.Seq, b.ListingID, store.ErrConflict)
		}
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	r.bids[b.ListingID] = append(r.bids[b.ListingID], *b)
	return nil
}

func (r *BidRepo) ListByListing(_ context.Context, listingID string) ([]store.Bid, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := slices.Clone(r.bids[listingID])
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// EventStore is an in-memory event.Store.
type EventStore struct {
	mu     sync.RWMutex
	clock  clock.Clock
	events []event.Event
}

// NewEventStore returns an empty journal.
func NewEventStore(clk clock.Clock) *EventStore {
	return &EventStore{clock: clk}
}

func (s *EventStore) Append(_ context.Context, events ...event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range events {
		e.ID = strconv.Itoa(len(s.events) + 1)
		e.CreatedAt = s.clock.Now()
		s.events = append(s.events, e)
	}
	return nil
}

func (s *EventStore) Load(_ context.Context, aggregateID string) ([]event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []event.Event
	for _, e := range s.events {
		if e.AggregateID == aggregateID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (s *EventStore) LoadByType(_ context.Context, eventType event.Type, since time.Time) ([]event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []event.Event
	for _, e := range s.events {
		if e.Type == eventType && !e.CreatedAt.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}
