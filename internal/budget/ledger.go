// Package budget tracks the spendable credits of every participant in one gully.
package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Errors returned by ledger operations.
var (
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrUnknownParticipant = errors.New("participant is not in this gully")
	ErrInvalidAmount      = errors.New("amount must be positive")
)

// Ledger holds per-participant balances for a single gully.
// It is safe for concurrent use.
//
// Funds are never escrowed while a bid is live: a participant who is
// outbid is not debited, so only Commit moves money.
type Ledger struct {
	mu       sync.Mutex
	gullyID  string
	balances map[string]int64
	logger   *slog.Logger
}

// NewLedger returns an empty ledger for gullyID.
func NewLedger(gullyID string, logger *slog.Logger) *Ledger {
	return &Ledger{
		gullyID:  gullyID,
		balances: make(map[string]int64),
		logger:   logger,
	}
}

// Open seeds a participant's balance. Calling it again overwrites the balance.
func (l *Ledger) Open(participantID string, balance int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[participantID] = balance
}

// Balance returns the participant's remaining credits.
func (l *Ledger) Balance(participantID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.balances[participantID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownParticipant, participantID)
	}
	return b, nil
}

// CanAfford reports whether amount <= the participant's balance.
func (l *Ledger) CanAfford(participantID string, amount int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.balances[participantID]
	return ok && amount <= b
}

// Reserve checks that the participant could pay amount right now.
// Nothing is held; the returned error explains the shortfall.
func (l *Ledger) Reserve(participantID string, amount int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.balances[participantID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownParticipant, participantID)
	}
	if amount > b {
		return fmt.Errorf("%w: bid %d, remaining budget %d", ErrInsufficientFunds, amount, b)
	}
	return nil
}

// Commit debits amount and returns the remaining balance.
// The balance never goes negative.
func (l *Ledger) Commit(ctx context.Context, participantID string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.balances[participantID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownParticipant, participantID)
	}
	if amount > b {
		return b, fmt.Errorf("%w: debit %d, remaining budget %d", ErrInsufficientFunds, amount, b)
	}
	l.balances[participantID] = b - amount

	l.logger.DebugContext(ctx, "budget debited",
		slog.String("gully_id", l.gullyID),
		slog.String("participant_id", participantID),
		slog.Int64("amount", amount),
		slog.Int64("remaining", b-amount),
	)
	return b - amount, nil
}

// Credit adds amount to a participant's balance and returns the new balance.
func (l *Ledger) Credit(ctx context.Context, participantID string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.balances[participantID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownParticipant, participantID)
	}
	l.balances[participantID] = b + amount

	l.logger.DebugContext(ctx, "budget credited",
		slog.String("gully_id", l.gullyID),
		slog.String("participant_id", participantID),
		slog.Int64("amount", amount),
	)
	return b + amount, nil
}

// Participants returns the ids of every participant, sorted.
func (l *Ledger) Participants() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	ids := make([]string, 0, len(l.balances))
	for id := range l.balances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
