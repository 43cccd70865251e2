package store

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/jensholdgaard/gullybot/internal/clock"
	"github.com/jensholdgaard/gullybot/internal/config"
	"github.com/jensholdgaard/gullybot/internal/event"
)

// Repositories is everything a gully needs persisted, as returned by a
// store driver.
type Repositories struct {
	Players      PlayerRepository
	Participants ParticipantRepository
	Listings     ListingRepository
	Bids         BidRepository
	Events       event.Store
	// Closer releases the connection; nil for drivers without one.
	Closer io.Closer
	// Ping checks the underlying connection health.
	Ping func(ctx context.Context) error
}

// Close releases the driver's resources.
func (r *Repositories) Close() error {
	if r.Closer == nil {
		return nil
	}
	return r.Closer.Close()
}

// Driver opens a backend. clk stamps rows the driver creates.

type Driver func(ctx context.Context, cfg config.DatabaseConfig, clk clock.Clock) (*Repositories, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Driver{}
)

// Register makes a driver available to Open under name. Driver packages
// call it from init; registering a name twice panics.
func Register(name string, d Driver) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if d == nil {
		panic("store: Register driver is nil")
	}
	if _, dup := registry[name]; dup {
		panic("store: Register called twice for driver " + name)
	}
	registry[name] = d
}

// Open selects the driver specified in cfg.Driver and returns Repositories.
func Open(ctx context.Context, cfg config.DatabaseConfig, clk clock.Clock) (*Repositories, error) {
	registryMu.RLock()
	d, ok := registry[cfg.Driver]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown store driver %q (registered: %v)", cfg.Driver, Drivers())
	}
	repos, err := d(ctx, cfg, clk)
	if err != nil {
		return nil, fmt.Errorf("store driver %s: %w", cfg.Driver, err)
	}
	return repos, nil
}

// Drivers lists the registered driver names in order.
func Drivers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for k := range registry {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
