// Package gully holds the vocabulary shared by every part of a fantasy
// cricket league: catalog players, their roles and gully membership.
package gully

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Role is a cricket playing role.
type Role string

const (
	RoleBatsman      Role = "batsman"
	RoleBowler       Role = "bowler"
	RoleAllRounder   Role = "all-rounder"
	RoleWicketKeeper Role = "wicket-keeper"
)

// Roles lists every role in a stable order.
var Roles = []Role{RoleBatsman, RoleBowler, RoleAllRounder, RoleWicketKeeper}

// ErrUnknownRole is returned when parsing a role name fails.
var ErrUnknownRole = errors.New("unknown player role")

// ParseRole maps a role name to a Role.
func ParseRole(s string) (Role, error) {
	for _, r := range Roles {
		if string(r) == s {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
}

// Player is an immutable catalog entry.
type Player struct {
	ID        string
	Name      string
	Team      string
	Role      Role
	BasePrice int64
}

// Member is one participant's membership in one gully.
type Member struct {
	ID       string
	GullyID  string
	UserID   string
	Name     string
	Budget   int64
	JoinedAt time.Time
}

// Catalog looks up players by id. It is read-only.
type Catalog interface {
	Player(ctx context.Context, id string) (Player, error)
}
