// Package health serves the liveness and readiness probes.
//
//   - /healthz reports liveness; a process that answers HTTP is alive.
//   - /readyz probes every registered dependency and returns 200 only
//     when all of them pass.
//
// Both respond with a JSON body carrying a top-level "status" and, for
// readiness, a per-dependency report including probe latency.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// checkTimeout bounds a single dependency probe.
const checkTimeout = 5 * time.Second

// Checker pairs a dependency name with its probe. The probe returns nil when
// the dependency can serve traffic and must respect context cancellation.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// checkResult is one dependency entry of the readiness report.
type checkResult struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// report is the JSON body of both probes.
type report struct {
	Status string                 `json:"status"`
	Checks map[string]checkResult `json:"checks,omitempty"`
}

// Handler answers the probe endpoints. Safe for concurrent use; the checker
// set is fixed at construction.
type Handler struct {
	checkers []Checker
}

// New creates a Handler evaluating the given checkers on each readiness
// request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Register mounts the probe routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{Status: "ok"})
}

// Readyz probes every dependency concurrently, each bounded by
// checkTimeout, and answers 503 as soon as any of them fails.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]checkResult, len(h.checkers))
		healthy = true
	)
	for _, c := range h.checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()

			start := time.Now()
			err := c.Check(ctx)
			res := checkResult{Status: "ok", LatencyMS: time.Since(start).Milliseconds()}
			if err != nil {
				res.Status = "fail"
				res.Error = err.Error()
			}

			mu.Lock()
			results[c.Name] = res
			healthy = healthy && err == nil
			mu.Unlock()
		}()
	}
	wg.Wait()

	rep := report{Status: "ok", Checks: results}
	status := http.StatusOK
	if !healthy {
		rep.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, rep)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
