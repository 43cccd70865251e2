package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jensholdgaard/gullybot/internal/store/memory"
)

func writeCatalog(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "players.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("writing catalog: %v", err)
	}
	return path
}

func TestImportPlayers(t *testing.T) {
	repo := memory.NewPlayerRepo()
	path := writeCatalog(t, `
players:
  - id: bat-1
    name: Opener
    team: Mumbai
    role: batsman
    base_price: 100
  - id: wk-1
    name: Keeper
    team: Chennai
    role: wicket-keeper
    base_price: 75
`)

	n, err := importPlayers(context.Background(), repo, path)
	if err != nil {
		t.Fatalf("importPlayers() error = %v", err)
	}
	if n != 2 {
		t.Errorf("imported %d players, want 2", n)
	}
	p, err := repo.GetByID(context.Background(), "wk-1")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if p.BasePrice != 75 || p.Team != "Chennai" {
		t.Errorf("GetByID() = %+v", p)
	}
}

func TestImportPlayers_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown role", "players:\n  - {id: x, name: X, role: umpire, base_price: 10}\n"},
		{"zero price", "players:\n  - {id: x, name: X, role: bowler, base_price: 0}\n"},
		{"bad yaml", "players: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := importPlayers(context.Background(), memory.NewPlayerRepo(), writeCatalog(t, tt.body))
			if err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
