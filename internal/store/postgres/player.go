package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/gullybot/internal/store"
)

// PlayerRepo implements store.PlayerRepository with sqlx.
type PlayerRepo struct {
	db *sqlx.DB
}

// NewPlayerRepo returns a new PlayerRepo.
func NewPlayerRepo(db *sqlx.DB) *PlayerRepo {
	return &PlayerRepo{db: db}
}

func (r *PlayerRepo) GetByID(ctx context.Context, id string) (*store.Player, error) {
	var p store.Player
	err := r.db.GetContext(ctx, &p, `SELECT id, name, team, role, base_price FROM players WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err, "player "+id)
	}
	return &p, nil
}

func (r *PlayerRepo) List(ctx context.Context) ([]store.Player, error) {
	var players []store.Player
	err := r.db.SelectContext(ctx, &players, `SELECT id, name, team, role, base_price FROM players ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing players: %w", err)
	}
	return players, nil
}

func (r *PlayerRepo) Upsert(ctx context.Context, p *store.Player) error {
	_, err := r.db.NamedExecContext(ctx,
		`INSERT INTO players (id, name, team, role, base_price)
		 VALUES (:id, :name, :team, :role, :base_price)
		 ON CONFLICT (id) DO UPDATE
		 SET name = EXCLUDED.name, team = EXCLUDED.team, role = EXCLUDED.role, base_price = EXCLUDED.base_price`, p)
	if err != nil {
		return fmt.Errorf("upserting player %s: %w", p.ID, err)
	}
	return nil
}
