package auction_test

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jensholdgaard/gullybot/internal/auction"
	"github.com/jensholdgaard/gullybot/internal/budget"
	"github.com/jensholdgaard/gullybot/internal/clock"
	"github.com/jensholdgaard/gullybot/internal/gully"
	"github.com/jensholdgaard/gullybot/internal/squad"
)

const bidDuration = 30 * time.Second

var (
	testTP    = noop.NewTracerProvider()
	testStart = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	keeper  = gully.Player{ID: "wk-1", Name: "Keeper One", Team: "MI", Role: gully.RoleWicketKeeper, BasePrice: 100}
	keeper2 = gully.Player{ID: "wk-2", Name: "Keeper Two", Team: "CSK", Role: gully.RoleWicketKeeper, BasePrice: 100}
	batter  = gully.Player{ID: "bat-1", Name: "Opener", Team: "RCB", Role: gully.RoleBatsman, BasePrice: 100}
	bowler  = gully.Player{ID: "bowl-1", Name: "Quick", Team: "KKR", Role: gully.RoleBowler, BasePrice: 80}
)

func testRules() squad.Rules {
	return squad.Rules{
		MinSquadSize:    3,
		MaxSquadSize:    5,
		PerRoleMin:      map[gully.Role]int{gully.RoleWicketKeeper: 1, gully.RoleBowler: 1},
		PerRoleMax:      map[gully.Role]int{gully.RoleWicketKeeper: 1},
		WeeklyTransfers: 1,
	}
}

// sessionEnv wires a session against real ledgers and a fake clock.
type sessionEnv struct {
	clk     *clock.Fake
	budgets *budget.Ledger
	squads  *squad.Validator

	mu       sync.Mutex
	outcomes []auction.Outcome
}

func newSessionEnv(t *testing.T, balances map[string]int64) *sessionEnv {
	t.Helper()
	sq, err := squad.NewValidator(testRules())
	if err != nil {
		t.Fatalf("NewValidator() error = %v", err)
	}
	env := &sessionEnv{
		clk:     clock.NewFake(testStart),
		budgets: budget.NewLedger("g1", slog.Default()),
		squads:  sq,
	}
	for id, b := range balances {
		env.budgets.Open(id, b)
		env.squads.Join(id)
	}
	return env
}

func (e *sessionEnv) session(l auction.Listing, inc auction.IncrementPolicy) *auction.Session {
	if l.GullyID == "" {
		l.GullyID = "g1"
	}
	if l.Floor == 0 {
		l.Floor = l.Player.BasePrice
	}
	return auction.NewSession(l,
		auction.SessionConfig{Duration: bidDuration, Increment: inc},
		auction.SessionDeps{
			Budgets:        e.budgets,
			Squads:         e.squads,
			Clock:          e.clk,
			Logger:         slog.Default(),
			TracerProvider: testTP,
			OnClose: func(_ context.Context, out auction.Outcome) {
				e.mu.Lock()
				defer e.mu.Unlock()
				e.outcomes = append(e.outcomes, out)
			},
		},
	)
}

func (e *sessionEnv) started(t *testing.T, l auction.Listing) *auction.Session {
	t.Helper()
	s := e.session(l, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return s
}

func (e *sessionEnv) closed() []auction.Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]auction.Outcome(nil), e.outcomes...)
}

func (e *sessionEnv) balance(t *testing.T, id string) int64 {
	t.Helper()
	b, err := e.budgets.Balance(id)
	if err != nil {
		t.Fatalf("Balance(%s) error = %v", id, err)
	}
	return b
}
