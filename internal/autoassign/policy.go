package autoassign

import (
	"sort"

	"github.com/jensholdgaard/gullybot/internal/gully"
)

// Candidate is a participant competing for the shared pool.
type Candidate struct {
	Member gully.Member
	Size   int
}

// Priority orders the participants that need players. Earlier candidates
// pick first.
type Priority interface {
	Order(cs []Candidate)
}

// SmallestSquadFirst orders by ascending squad size, then join time, then
// participant id.
type SmallestSquadFirst struct{}

// Order implements Priority.
func (SmallestSquadFirst) Order(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if a.Size != b.Size {
			return a.Size < b.Size
		}
		if !a.Member.JoinedAt.Equal(b.Member.JoinedAt) {
			return a.Member.JoinedAt.Before(b.Member.JoinedAt)
		}
		return a.Member.ID < b.Member.ID
	})
}

// PricePolicy decides what an auto-assigned player costs.
type PricePolicy interface {
	Price(p gully.Player) int64
}

// BasePrice charges the catalog base price.
type BasePrice struct{}

// Price implements PricePolicy.
func (BasePrice) Price(p gully.Player) int64 { return p.BasePrice }

// FreeAssignment hands players out without charge.
type FreeAssignment struct{}

// Price implements PricePolicy.
func (FreeAssignment) Price(gully.Player) int64 { return 0 }
