package auction

import (
	"errors"

	"github.com/jensholdgaard/gullybot/internal/budget"
	"github.com/jensholdgaard/gullybot/internal/squad"
)

// Rejections returned to bidders. All of them leave the session untouched.
var (
	ErrBidTooLow               = errors.New("bid is not above the current highest bid")
	ErrInsufficientFunds       = budget.ErrInsufficientFunds
	ErrSquadConstraintViolated = squad.ErrConstraintViolated
	ErrSessionClosed           = errors.New("bidding for this listing is closed")
	ErrSessionCancelled        = errors.New("listing was cancelled")
	ErrSessionNotStarted       = errors.New("bidding for this listing has not started")
	ErrNotEligible             = errors.New("participant may not bid on this listing")
)

// Errors returned to operators.
var (
	// ErrInvalidTransition is an internal invariant violation. The affected
	// session is forced to Cancelled.
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrReasonRequired    = errors.New("a cancellation reason is required")
	ErrListingNotFound   = errors.New("listing not found")
	ErrQueueEmpty        = errors.New("no pending listings")
	ErrSessionActive     = errors.New("a session is already bidding in this gully")
	ErrAlreadyListed     = errors.New("player is already listed or owned in this gully")
)
