// Package event defines the append-only journal of gully domain events.
package event

import (
	"context"
	"encoding/json"
	"time"
)

// Type identifies an event kind.
type Type string

const (
	ListingQueued    Type = "listing.queued"
	SessionStarted   Type = "listing.session_started"
	BidAccepted      Type = "listing.bid_accepted"
	ListingSold      Type = "listing.sold"
	ListingPassed    Type = "listing.passed"
	ListingCancelled Type = "listing.cancelled"

	BudgetDebited  Type = "budget.debited"
	BudgetCredited Type = "budget.credited"

	SquadAutoFilled Type = "squad.auto_filled"

	TransferWindowOpened     Type = "transfer.window_opened"
	TransferWindowClosed     Type = "transfer.window_closed"
	TransferReleased         Type = "transfer.released"
	TransferInterestDeclared Type = "transfer.interest_declared"
	TransferResolved         Type = "transfer.resolved"
)

// Event represents a single domain event.
type Event struct {
	ID          string          `json:"id" db:"id"`
	AggregateID string          `json:"aggregate_id" db:"aggregate_id"`
	Type        Type            `json:"type" db:"type"`
	Data        json.RawMessage `json:"data" db:"data"`
	Version     int             `json:"version" db:"version"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// New builds an event with a JSON-encoded payload.
func New(aggregateID string, t Type, version int, payload any) Event {
	data, err := json.Marshal(payload)
	if err != nil {
		data = json.RawMessage(`{}`)
	}
	return Event{
		AggregateID: aggregateID,
		Type:        t,
		Data:        data,
		Version:     version,
	}
}

// ListingQueuedData is the payload for ListingQueued events.
type ListingQueuedData struct {
	GullyID  string `json:"gully_id"`
	PlayerID string `json:"player_id"`
	Floor    int64  `json:"floor"`
	SellerID string `json:"seller_id,omitempty"`
}

// SessionStartedData is the payload for SessionStarted events.
type SessionStartedData struct {
	Floor    int64         `json:"floor"`
	Duration time.Duration `json:"duration"`
}

// BidAcceptedData is the payload for BidAccepted events.
type BidAcceptedData struct {
	ParticipantID string `json:"participant_id"`
	Amount        int64  `json:"amount"`
	Seq           int    `json:"seq"`
}

// ListingSoldData is the payload for ListingSold events.
type ListingSoldData struct {
	ParticipantID string `json:"participant_id"`
	Amount        int64  `json:"amount"`
}

// ListingPassedData is the payload for ListingPassed events.
type ListingPassedData struct {
	Passes int  `json:"passes"`
	Unsold bool `json:"unsold"`
}

// ListingCancelledData is the payload for ListingCancelled events.
type ListingCancelledData struct {
	Reason string `json:"reason"`
}

// BudgetChangeData is the payload for budget events.
type BudgetChangeData struct {
	GullyID string `json:"gully_id"`
	Amount  int64  `json:"amount"`
	Reason  string `json:"reason"`
}

// SquadAutoFilledData is the payload for SquadAutoFilled events.
type SquadAutoFilledData struct {
	GullyID  string `json:"gully_id"`
	PlayerID string `json:"player_id"`
	Price    int64  `json:"price"`
}

// TransferData is the payload for transfer events. An interest declaration
// carries the declared amount in Price.
type TransferData struct {
	GullyID   string    `json:"gully_id"`
	PlayerID  string    `json:"player_id,omitempty"`
	SellerID  string    `json:"seller_id,omitempty"`
	BuyerID   string    `json:"buyer_id,omitempty"`
	Price     int64     `json:"price,omitempty"`
	Outcome   string    `json:"outcome,omitempty"`
	ListingID string    `json:"listing_id,omitempty"`
	Deadline  time.Time `json:"deadline,omitzero"`
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// Store is the journal backend. Appends are atomic per call.
type Store interface {
	Append(ctx context.Context, events ...Event) error
	// Load returns the events of one aggregate ordered by version.
	Load(ctx context.Context, aggregateID string) ([]Event, error)
	// LoadByType returns events of one type created at or after since,
	// oldest first.
	LoadByType(ctx context.Context, eventType Type, since time.Time) ([]Event, error)
}
