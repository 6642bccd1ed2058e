// Package health provides HTTP liveness and readiness handlers for the relay.
//
//   - /healthz reports that the process can serve HTTP.
//   - /readyz runs every registered [Checker]. A failing critical check fails
//     the probe; a failing optional check only degrades it.
//
// Responses are JSON objects with a top-level "status" field ("ok",
// "degraded" or "fail") and a "checks" map with the result of each check.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Status values reported by /readyz.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
)

// Checker is a named readiness check.
type Checker struct {
	// Name is the key in the JSON response (e.g. "source", "dest:alpha").
	Name string

	// Optional checks degrade readiness instead of failing it. Destination
	// links are optional: the relay keeps running while one is down.
	Optional bool

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The checker source is consulted on
// every request so the set can follow configuration reloads.
type Handler struct {
	checkers func() []Checker
}

// New creates a [Handler] for a fixed list of checkers.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: func() []Checker { return c }}
}

// NewDynamic creates a [Handler] that asks fn for the current checkers on
// each readiness probe.
func NewDynamic(fn func() []Checker) *Handler {
	return &Handler{checkers: fn}
}

// Healthz always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: StatusOK})
}

// Readyz runs all checks concurrently, each under a [checkTimeout] deadline.
// It returns 200 for "ok" and "degraded" and 503 for "fail".
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checkers := h.checkers()

	var (
		mu       sync.Mutex
		checks   = make(map[string]string, len(checkers))
		failed   bool
		degraded bool
	)
	var g errgroup.Group
	for _, c := range checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			err := c.Check(ctx)
			cancel()

			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				checks[c.Name] = StatusOK
				return nil
			}
			checks[c.Name] = "fail: " + err.Error()
			if c.Optional {
				degraded = true
			} else {
				failed = true
			}
			return nil
		})
	}
	_ = g.Wait()

	res := result{Status: StatusOK, Checks: checks}
	status := http.StatusOK
	switch {
	case failed:
		res.Status = StatusFail
		status = http.StatusServiceUnavailable
	case degraded:
		res.Status = StatusDegraded
	}
	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
