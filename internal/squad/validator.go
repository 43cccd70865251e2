// Package squad enforces squad composition rules and weekly transfer limits.
package squad

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jensholdgaard/gullybot/internal/gully"
)

// Errors returned by the validator.
var (
	ErrConstraintViolated = errors.New("squad constraint violated")
	ErrInvalidRules       = errors.New("invalid squad rules")
	ErrAlreadyHeld        = errors.New("player already in squad")
	ErrNotHeld            = errors.New("player not in squad")
	ErrNoTransfersLeft    = errors.New("no transfers left this window")
	ErrUnknownParticipant = errors.New("participant is not in this gully")
)

// Rules configures squad composition. Roles missing from PerRoleMax are uncapped.
type Rules struct {
	MinSquadSize    int
	MaxSquadSize    int
	PerRoleMin      map[gully.Role]int
	PerRoleMax      map[gully.Role]int
	WeeklyTransfers int
}

// Validate checks that the rules can be satisfied at all.
func (r Rules) Validate() error {
	if r.MinSquadSize < 0 || r.MaxSquadSize <= 0 || r.MinSquadSize > r.MaxSquadSize {
		return fmt.Errorf("%w: squad size bounds %d..%d", ErrInvalidRules, r.MinSquadSize, r.MaxSquadSize)
	}
	sumMin := 0
	for role, minimum := range r.PerRoleMin {
		if maximum, ok := r.PerRoleMax[role]; ok && minimum > maximum {
			return fmt.Errorf("%w: role %s min %d exceeds max %d", ErrInvalidRules, role, minimum, maximum)
		}
		sumMin += minimum
	}
	if sumMin > r.MaxSquadSize {
		return fmt.Errorf("%w: role minimums need %d slots, squad holds %d", ErrInvalidRules, sumMin, r.MaxSquadSize)
	}
	if r.WeeklyTransfers < 0 {
		return fmt.Errorf("%w: weekly transfers %d", ErrInvalidRules, r.WeeklyTransfers)
	}
	return nil
}

// Violation explains which quota blocks an acquisition.
type Violation struct {
	Role   gully.Role
	Limit  int
	Count  int
	Reason string
}

func (v *Violation) Error() string {
	if v.Role != "" {
		return fmt.Sprintf("%s: %s (%s %d/%d)", ErrConstraintViolated, v.Reason, v.Role, v.Count, v.Limit)
	}
	return fmt.Sprintf("%s: %s (%d/%d)", ErrConstraintViolated, v.Reason, v.Count, v.Limit)
}

func (v *Violation) Unwrap() error { return ErrConstraintViolated }

// Report is the result of a final squad check.
type Report struct {
	Valid bool
	Size  int
	// MissingRoles maps each role below its minimum to the shortfall.
	MissingRoles map[gully.Role]int
	// MissingSlots is the number of players still needed to reach a valid squad.
	MissingSlots int
}

// Validator tracks held and provisionally-leading players per participant
// within one gully. It is safe for concurrent use.
type Validator struct {
	mu        sync.RWMutex
	rules     Rules
	held      map[string]map[string]gully.Player
	leading   map[string]map[string]gully.Player
	transfers map[string]int
}

// NewValidator returns a validator enforcing rules.
func NewValidator(rules Rules) (*Validator, error) {
	if err := rules.Validate(); err != nil {
		return nil, err
	}
	return &Validator{
		rules:     rules,
		held:      make(map[string]map[string]gully.Player),
		leading:   make(map[string]map[string]gully.Player),
		transfers: make(map[string]int),
	}, nil
}

// Rules returns the configured rules.
func (v *Validator) Rules() Rules { return v.rules }

// Join registers a participant with an empty squad. It is a no-op for known participants.
func (v *Validator) Join(participantID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.held[participantID]; !ok {
		v.held[participantID] = make(map[string]gully.Player)
	}
}

// Participants returns every registered participant, sorted.
func (v *Validator) Participants() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	ids := make([]string, 0, len(v.held))
	for id := range v.held {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Attach adds a player to a participant's squad.
func (v *Validator) Attach(participantID string, p gully.Player) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	squad, ok := v.held[participantID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownParticipant, participantID)
	}
	if _, dup := squad[p.ID]; dup {
		return fmt.Errorf("%w: %s", ErrAlreadyHeld, p.ID)
	}
	squad[p.ID] = p
	return nil
}

// Release removes a player from a participant's squad and returns it.
func (v *Validator) Release(participantID, playerID string) (gully.Player, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	p, ok := v.held[participantID][playerID]
	if !ok {
		return gully.Player{}, fmt.Errorf("%w: %s", ErrNotHeld, playerID)
	}
	delete(v.held[participantID], playerID)
	return p, nil
}

// Holds reports whether the participant owns playerID.
func (v *Validator) Holds(participantID, playerID string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.held[participantID][playerID]
	return ok
}

// Holdings returns a participant's squad sorted by player id.
func (v *Validator) Holdings(participantID string) []gully.Player {
	v.mu.RLock()
	defer v.mu.RUnlock()

	out := make([]gully.Player, 0, len(v.held[participantID]))
	for _, p := range v.held[participantID] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Size returns the number of players a participant holds.
func (v *Validator) Size(participantID string) int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.held[participantID])
}

// SetLeading records that participantID currently leads listingID.
// Any previous leader of the listing is cleared.
func (v *Validator) SetLeading(participantID, listingID string, p gully.Player) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.clearLeading(listingID)
	if v.leading[participantID] == nil {
		v.leading[participantID] = make(map[string]gully.Player)
	}
	v.leading[participantID][listingID] = p
}

// ClearLeading forgets whoever leads listingID.
func (v *Validator) ClearLeading(listingID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.clearLeading(listingID)
}

func (v *Validator) clearLeading(listingID string) {
	for _, listings := range v.leading {
		delete(listings, listingID)
	}
}

// CanBid returns nil if the participant may bid for p on listingID. Held
// players and players the participant leads in other live listings count
// towards every quota.
func (v *Validator) CanBid(participantID, listingID string, p gully.Player) error {
	v.mu.RLock()
	defer v.mu.RUnlock()

	squad, ok := v.held[participantID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownParticipant, participantID)
	}
	if _, dup := squad[p.ID]; dup {
		return &Violation{Reason: "player already in squad", Limit: 1, Count: 1}
	}

	counts := make(map[gully.Role]int)
	size := 0
	for _, held := range squad {
		counts[held.Role]++
		size++
	}
	for id, lead := range v.leading[participantID] {
		if id == listingID {
			continue
		}
		counts[lead.Role]++
		size++
	}

	return v.check(counts, size, p.Role)
}

func (v *Validator) check(counts map[gully.Role]int, size int, role gully.Role) error {
	if size+1 > v.rules.MaxSquadSize {
		return &Violation{Reason: "squad is full", Limit: v.rules.MaxSquadSize, Count: size}
	}
	if maximum, ok := v.rules.PerRoleMax[role]; ok && counts[role]+1 > maximum {
		return &Violation{Role: role, Reason: "role quota reached", Limit: maximum, Count: counts[role]}
	}

	counts[role]++
	size++

	needed := 0
	for r, minimum := range v.rules.PerRoleMin {
		if short := minimum - counts[r]; short > 0 {
			needed += short
		}
	}
	if free := v.rules.MaxSquadSize - size; needed > free {
		return &Violation{Role: role, Reason: "remaining slots cannot meet role minimums", Limit: free, Count: needed}
	}
	return nil
}

// ValidateFinal checks a participant's held squad against the minimums.
func (v *Validator) ValidateFinal(participantID string) (Report, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	squad, ok := v.held[participantID]
	if !ok {
		return Report{}, fmt.Errorf("%w: %s", ErrUnknownParticipant, participantID)
	}

	counts := make(map[gully.Role]int)
	for _, p := range squad {
		counts[p.Role]++
	}

	rep := Report{Size: len(squad), MissingRoles: make(map[gully.Role]int)}
	roleShort := 0
	for r, minimum := range v.rules.PerRoleMin {
		if short := minimum - counts[r]; short > 0 {
			rep.MissingRoles[r] = short
			roleShort += short
		}
	}
	rep.MissingSlots = max(v.rules.MinSquadSize-rep.Size, roleShort, 0)
	rep.Valid = rep.MissingSlots == 0 && rep.Size <= v.rules.MaxSquadSize
	return rep, nil
}

// TransfersLeft returns the transfers a participant may still make this window.
func (v *Validator) TransfersLeft(participantID string) int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return max(v.rules.WeeklyTransfers-v.transfers[participantID], 0)
}

// UseTransfer consumes one weekly transfer.
func (v *Validator) UseTransfer(participantID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.transfers[participantID] >= v.rules.WeeklyTransfers {
		return fmt.Errorf("%w: limit %d", ErrNoTransfersLeft, v.rules.WeeklyTransfers)
	}
	v.transfers[participantID]++
	return nil
}

// ResetTransfers restores every participant's weekly allowance.
func (v *Validator) ResetTransfers() {
	v.mu.Lock()
	defer v.mu.Unlock()
	clear(v.transfers)
}
