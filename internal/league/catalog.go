package league

import (
	"context"
	"fmt"

	"github.com/jensholdgaard/gullybot/internal/gully"
	"github.com/jensholdgaard/gullybot/internal/store"
)

// Catalog adapts a PlayerRepository to gully.Catalog.
type Catalog struct {
	Players store.PlayerRepository
}

// Player implements gully.Catalog.
func (c Catalog) Player(ctx context.Context, id string) (gully.Player, error) {
	row, err := c.Players.GetByID(ctx, id)
	if err != nil {
		return gully.Player{}, err
	}
	p, err := row.Domain()
	if err != nil {
		return gully.Player{}, fmt.Errorf("catalog player %s: %w", id, err)
	}
	return p, nil
}
