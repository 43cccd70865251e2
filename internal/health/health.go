// Package health serves the liveness and readiness endpoints. Every replica
// serves them; the role field tells the elected auctioneer from standbys.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/jensholdgaard/gullybot/internal/clock"
)

// Replica roles.
const (
	RoleStandby = "standby"
	RoleLeader  = "leader"
)

const defaultCheckTimeout = 5 * time.Second

// Status represents a health check result.
type Status struct {
	Status    string                 `json:"status"`
	Role      string                 `json:"role"`
	Leader    string                 `json:"leader,omitempty"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
	Timestamp string                 `json:"timestamp"`
}

// CheckResult is the outcome of one dependency check.
type CheckResult struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// Checker defines a named health check function.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
	// Timeout bounds Check; zero means five seconds.
	Timeout time.Duration
}

// Handler provides HTTP health check endpoints.
type Handler struct {
	mu       sync.RWMutex
	ready    bool
	role     string
	leader   string
	checkers []Checker
	clock    clock.Clock
}

// NewHandler creates a new health handler with the given checkers. It starts
// not ready, in the standby role.
func NewHandler(clk clock.Clock, checkers ...Checker) *Handler {
	return &Handler{checkers: checkers, clock: clk, role: RoleStandby}
}

// SetReady marks the service as ready to receive traffic.
func (h *Handler) SetReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = ready
}

// SetRole records whether this replica currently drives the auctions.
func (h *Handler) SetRole(role string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.role = role
}

// SetLeader records the replica currently holding the auctioneer lease.
func (h *Handler) SetLeader(identity string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leader = identity
}

// AddChecker registers a check for later readiness probes.
func (h *Handler) AddChecker(c Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers = append(h.checkers, c)
}

// RemoveChecker drops every check registered under name.
func (h *Handler) RemoveChecker(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	kept := h.checkers[:0]
	for _, c := range h.checkers {
		if c.Name != name {
			kept = append(kept, c)
		}
	}
	h.checkers = kept
}

func (h *Handler) snapshot() (bool, Status) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready, Status{Role: h.role, Leader: h.leader, Timestamp: h.now()}
}

func (h *Handler) currentCheckers() []Checker {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Checker(nil), h.checkers...)
}

// LivenessHandler returns HTTP 200 if the process is alive.
func (h *Handler) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, st := h.snapshot()
		st.Status = "ok"
		writeJSON(w, http.StatusOK, st)
	}
}

// ReadinessHandler returns HTTP 200 if the service is ready and every check
// passes. Checks run concurrently.
func (h *Handler) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ready, st := h.snapshot()
		if !ready {
			st.Status = "not_ready"
			writeJSON(w, http.StatusServiceUnavailable, st)
			return
		}

		st.Checks = h.runChecks(r.Context())
		st.Status = "ready"
		code := http.StatusOK
		for _, c := range st.Checks {
			if c.Status != "ok" {
				st.Status, code = "not_ready", http.StatusServiceUnavailable
				break
			}
		}
		writeJSON(w, code, st)
	}
}

func (h *Handler) runChecks(ctx context.Context) map[string]CheckResult {
	type named struct {
		name string
		res  CheckResult
	}
	checkers := h.currentCheckers()
	p := pool.NewWithResults[named]()
	for _, c := range checkers {
		p.Go(func() named {
			timeout := c.Timeout
			if timeout <= 0 {
				timeout = defaultCheckTimeout
			}
			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			start := time.Now()
			err := c.Check(cctx)
			res := CheckResult{Status: "ok", LatencyMS: time.Since(start).Milliseconds()}
			if err != nil {
				res.Status = "failed"
				res.Error = err.Error()
			}
			return named{name: c.Name, res: res}
		})
	}

	out := make(map[string]CheckResult, len(checkers))
	for _, n := range p.Wait() {
		out[n.name] = n.res
	}
	return out
}

func (h *Handler) now() string {
	return h.clock.Now().UTC().Format(time.RFC3339)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
