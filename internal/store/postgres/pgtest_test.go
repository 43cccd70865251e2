package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/jensholdgaard/gullybot/internal/clock"
	"github.com/jensholdgaard/gullybot/internal/store"
	"github.com/jensholdgaard/gullybot/internal/store/postgres"
)

var testNow = clock.Mock{T: time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)}

// newTestDB starts a Postgres container, applies the embedded migrations,
// and returns a connected *sqlx.DB. The container is automatically
// terminated when the test ends.
func newTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("gullybot_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	testcontainers.CleanupContainer(t, ctr)
	if err != nil {
		t.Fatalf("starting postgres container: %v", err)
	}

	connStr, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("getting connection string: %v", err)
	}

	db, err := sqlx.Connect("postgres", connStr)
	if err != nil {
		t.Fatalf("connecting to test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := postgres.MigrateUp(db.DB); err != nil {
		t.Fatalf("applying migrations: %v", err)
	}

	return db
}

// seed inserts a catalog player and returns two participants of gully g1.
func seed(t *testing.T, db *sqlx.DB) (store.Player, store.Participant, store.Participant) {
	t.Helper()
	ctx := context.Background()

	p := store.Player{ID: "bat-1", Name: "Opener", Team: "RCB", Role: "batsman", BasePrice: 100}
	if err := postgres.NewPlayerRepo(db).Upsert(ctx, &p); err != nil {
		t.Fatalf("Upsert player: %v", err)
	}

	repo := postgres.NewParticipantRepo(db, testNow)
	a := store.Participant{GullyID: "g1", UserID: "u-a", Name: "A", Budget: 1000}
	b := store.Participant{GullyID: "g1", UserID: "u-b", Name: "B", Budget: 1000}
	for _, part := range []*store.Participant{&a, &b} {
		if err := repo.Create(ctx, part); err != nil {
			t.Fatalf("Create participant: %v", err)
		}
	}
	return p, a, b
}
