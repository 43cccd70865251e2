// Package notify carries auction outcomes to whoever relays them to
// participants (chat, web). Delivery is fire-and-forget.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Notice is one of SessionStarted, NewHighestBid, PlayerSold, PlayerPassed,
// SessionCancelled or SquadAutoFilled.
type Notice interface {
	// Gully returns the gully the notice belongs to.
	Gully() string
	notice()
}

// SessionStarted is emitted when a listing opens for bidding.
type SessionStarted struct {
	GullyID   string
	ListingID string
	PlayerID  string
	Floor     int64
	Duration  time.Duration
}

// NewHighestBid is emitted for every accepted bid.
type NewHighestBid struct {
	GullyID       string
	ListingID     string
	PlayerID      string
	ParticipantID string
	Amount        int64
	TimeRemaining time.Duration
}

// PlayerSold is emitted when a listing is committed to a buyer.
type PlayerSold struct {
	GullyID       string
	ListingID     string
	PlayerID      string
	ParticipantID string
	Amount        int64
}

// PlayerPassed is emitted when a session closes without bids.
type PlayerPassed struct {
	GullyID   string
	ListingID string
	PlayerID  string
	Passes    int
	// Unsold is set once the listing has used up its retries.
	Unsold bool
}

// SessionCancelled is emitted when an admin or an internal fault cancels a listing.
type SessionCancelled struct {
	GullyID   string
	ListingID string
	PlayerID  string
	Reason    string
}

// SquadAutoFilled is emitted for every player the auto-assigner hands out.
type SquadAutoFilled struct {
	GullyID       string
	ParticipantID string
	PlayerID      string
	Price         int64
}

func (n SessionStarted) Gully() string   { return n.GullyID }
func (n NewHighestBid) Gully() string    { return n.GullyID }
func (n PlayerSold) Gully() string       { return n.GullyID }
func (n PlayerPassed) Gully() string     { return n.GullyID }
func (n SessionCancelled) Gully() string { return n.GullyID }
func (n SquadAutoFilled) Gully() string  { return n.GullyID }

func (SessionStarted) notice()   {}
func (NewHighestBid) notice()    {}
func (PlayerSold) notice()       {}
func (PlayerPassed) notice()     {}
func (SessionCancelled) notice() {}
func (SquadAutoFilled) notice()  {}

// Describe renders a notice as a chat message with participants shown by id.
func Describe(n Notice) string {
	return Render(n, func(participantID string) string { return "<" + participantID + ">" })
}

// Render is Describe with a custom participant formatter, e.g. a chat mention.
func Render(n Notice, who func(participantID string) string) string {
	switch n := n.(type) {
	case SessionStarted:
		return fmt.Sprintf("Bidding open for **%s** (listing `%s`). Floor: **%d**, clock: %s",
			n.PlayerID, n.ListingID, n.Floor, n.Duration)
	case NewHighestBid:
		return fmt.Sprintf("New highest bid on **%s**: **%d** by %s. Clock reset to %s",
			n.PlayerID, n.Amount, who(n.ParticipantID), n.TimeRemaining)
	case PlayerSold:
		return fmt.Sprintf("**%s** sold to %s for **%d**", n.PlayerID, who(n.ParticipantID), n.Amount)
	case PlayerPassed:
		if n.Unsold {
			return fmt.Sprintf("**%s** went unsold after %d rounds", n.PlayerID, n.Passes)
		}
		return fmt.Sprintf("No bids for **%s**; back to the end of the queue", n.PlayerID)
	case SessionCancelled:
		return fmt.Sprintf("Listing `%s` for **%s** cancelled: %s", n.ListingID, n.PlayerID, n.Reason)
	case SquadAutoFilled:
		return fmt.Sprintf("%s was auto-assigned **%s** for **%d**", who(n.ParticipantID), n.PlayerID, n.Price)
	default:
		return fmt.Sprintf("%T", n)
	}
}

// Dispatcher delivers notices.
type Dispatcher interface {
	Dispatch(ctx context.Context, n Notice)
}

// Func adapts a function into a Dispatcher.
type Func func(ctx context.Context, n Notice)

// Dispatch calls f.
func (f Func) Dispatch(ctx context.Context, n Notice) { f(ctx, n) }

// Fanout delivers each notice to every dispatcher in order.
type Fanout []Dispatcher

// Dispatch implements Dispatcher.
func (f Fanout) Dispatch(ctx context.Context, n Notice) {
	for _, d := range f {
		d.Dispatch(ctx, n)
	}
}

// Log writes notices to a structured logger.
type Log struct {
	Logger *slog.Logger
}

// Dispatch implements Dispatcher.
func (l Log) Dispatch(ctx context.Context, n Notice) {
	l.Logger.InfoContext(ctx, "notice",
		slog.String("gully_id", n.Gully()),
		slog.String("kind", fmt.Sprintf("%T", n)),
		slog.String("text", Describe(n)),
	)
}

// Recorder keeps every notice in memory.
type Recorder struct {
	mu      sync.Mutex
	notices []Notice
}

// Dispatch implements Dispatcher.
func (r *Recorder) Dispatch(_ context.Context, n Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

// Notices returns a copy of everything recorded so far.
func (r *Recorder) Notices() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notice(nil), r.notices...)
}
