package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/gullybot/internal/clock"
	"github.com/jensholdgaard/gullybot/internal/store"
)

// ParticipantRepo implements store.ParticipantRepository with sqlx.
type ParticipantRepo struct {
	db    *sqlx.DB
	clock clock.Clock
}

// NewParticipantRepo returns a new ParticipantRepo.
func NewParticipantRepo(db *sqlx.DB, clk clock.Clock) *ParticipantRepo {
	return &ParticipantRepo{db: db, clock: clk}
}

func (r *ParticipantRepo) Create(ctx context.Context, p *store.Participant) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.JoinedAt.IsZero() {
		p.JoinedAt = r.clock.Now().UTC()
	}
	_, err := r.db.NamedExecContext(ctx,
		`INSERT INTO participants (id, gully_id, user_id, name, budget, joined_at)
		 VALUES (:id, :gully_id, :user_id, :name, :budget, :joined_at)`, p)
	if isUniqueViolation(err) {
		return fmt.Errorf("participant %s in gully %s: %w", p.UserID, p.GullyID, store.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("creating participant: %w", err)
	}
	return nil
}

func (r *ParticipantRepo) ListByGully(ctx context.Context, gullyID string) ([]store.Participant, error) {
	var out []store.Participant
	err := r.db.SelectContext(ctx, &out,
		`SELECT id, gully_id, user_id, name, budget, joined_at
		 FROM participants WHERE gully_id = $1 ORDER BY joined_at, id`, gullyID)
	if err != nil {
		return nil, fmt.Errorf("listing participants: %w", err)
	}
	return out, nil
}

func (r *ParticipantRepo) GetByUser(ctx context.Context, gullyID, userID string) (*store.Participant, error) {
	var p store.Participant
	err := r.db.GetContext(ctx, &p,
		`SELECT id, gully_id, user_id, name, budget, joined_at
		 FROM participants WHERE gully_id = $1 AND user_id = $2`, gullyID, userID)
	if err != nil {
		return nil, notFound(err, "participant "+userID)
	}
	return &p, nil
}

func (r *ParticipantRepo) Gullies(ctx context.Context) ([]string, error) {
	var out []string
	if err := r.db.SelectContext(ctx, &out, `SELECT DISTINCT gully_id FROM participants ORDER BY gully_id`); err != nil {
		return nil, fmt.Errorf("listing gullies: %w", err)
	}
	return out, nil
}

func (r *ParticipantRepo) UpdateBudget(ctx context.Context, id string, delta int64) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE participants SET budget = budget + $2 WHERE id = $1`, id, delta)
	if err != nil {
		return fmt.Errorf("updating budget of %s: %w", id, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("participant %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (r *ParticipantRepo) AddSquadMember(ctx context.Context, m *store.SquadMember) error {
	if m.AcquiredAt.IsZero() {
		m.AcquiredAt = r.clock.Now().UTC()
	}
	_, err := r.db.NamedExecContext(ctx,
		`INSERT INTO squad_members (gully_id, participant_id, player_id, price, source, acquired_at)
		 VALUES (:gully_id, :participant_id, :player_id, :price, :source, :acquired_at)`, m)
	if isUniqueViolation(err) {
		return fmt.Errorf("player %s in gully %s: %w", m.PlayerID, m.GullyID, store.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("adding squad member: %w", err)
	}
	return nil
}

func (r *ParticipantRepo) RemoveSquadMember(ctx context.Context, participantID, playerID string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM squad_members WHERE participant_id = $1 AND player_id = $2`, participantID, playerID)
	if err != nil {
		return fmt.Errorf("removing squad member: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("squad member %s/%s: %w", participantID, playerID, store.ErrNotFound)
	}
	return nil
}

func (r *ParticipantRepo) ListSquads(ctx context.Context, gullyID string) ([]store.SquadMember, error) {
	var out []store.SquadMember
	err := r.db.SelectContext(ctx, &out,
		`SELECT gully_id, participant_id, player_id, price, source, acquired_at
		 FROM squad_members WHERE gully_id = $1 ORDER BY acquired_at, player_id`, gullyID)
	if err != nil {
		return nil, fmt.Errorf("listing squads: %w", err)
	}
	return out, nil
}
