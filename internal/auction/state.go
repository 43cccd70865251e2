package auction

import "fmt"

// State is the lifecycle state of a session.
type State string

const (
	StatePending   State = "pending"
	StateBidding   State = "bidding"
	StateSold      State = "sold"
	StatePassed    State = "passed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether s is final.
func (s State) Terminal() bool {
	return s == StateSold || s == StatePassed || s == StateCancelled
}

// Trigger is an input to the session state machine.
type Trigger string

const (
	TriggerActivate   Trigger = "activate"
	TriggerBid        Trigger = "bid"
	TriggerExpire     Trigger = "expire"
	TriggerAllSkipped Trigger = "all_skipped"
	TriggerCancel     Trigger = "cancel"
)

// Next returns the state reached from s on trigger t. hasBids only matters
// for TriggerExpire. Rejections for late bids come back as ErrSessionClosed
// or ErrSessionCancelled; anything else illegal is ErrInvalidTransition.
func Next(s State, t Trigger, hasBids bool) (State, error) {
	switch s {
	case StatePending:
		switch t {
		case TriggerActivate:
			return StateBidding, nil
		case TriggerCancel:
			return StateCancelled, nil
		case TriggerBid:
			return s, ErrSessionNotStarted
		}

	case StateBidding:
		switch t {
		case TriggerBid:
			return StateBidding, nil
		case TriggerExpire:
			if hasBids {
				return StateSold, nil
			}
			return StatePassed, nil
		case TriggerAllSkipped:
			if hasBids {
				return s, fmt.Errorf("%w: cannot pass a listing with bids", ErrInvalidTransition)
			}
			return StatePassed, nil
		case TriggerCancel:
			return StateCancelled, nil
		}

	case StateCancelled:
		if t == TriggerBid || t == TriggerCancel {
			return s, ErrSessionCancelled
		}

	case StateSold, StatePassed:
		if t == TriggerBid || t == TriggerCancel {
			return s, ErrSessionClosed
		}
	}
	return s, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, t, s)
}
