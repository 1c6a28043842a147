// Package health serves the probe endpoints for the translation server.
//
// /healthz answers 200 whenever the process can still serve HTTP. /readyz
// probes the dependencies a new session needs (usage store, speech and TTS
// backends) and answers 503 until every probe passes, which keeps the load
// balancer from routing speaker sockets to an instance that cannot open
// sessions. Both respond with a JSON body carrying an overall "status" and a
// per-probe "checks" map.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// probeTimeout caps a single dependency probe. A dependency too slow to
// answer counts as down.
const probeTimeout = 5 * time.Second

// Checker probes one session dependency. Check returns nil when the
// dependency can serve new sessions and must respect context cancellation.
type Checker struct {
	// Name keys the probe's outcome in the readiness response.
	Name string

	Check func(ctx context.Context) error
}

// report is the response body of both probe endpoints.
type report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler answers /healthz and /readyz. The probe set is fixed at
// construction; the handler is safe for concurrent use.
type Handler struct {
	probes []Checker
}

// New builds a Handler over the given probes.
func New(checkers ...Checker) *Handler {
	return &Handler{probes: append([]Checker(nil), checkers...)}
}

// Healthz reports process liveness. Serving the response is the proof.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, report{Status: "ok"})
}

// Readyz runs every probe concurrently, each under its own timeout, and
// reports the per-dependency outcomes. Any failure makes the whole report a
// 503.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	outcomes := make([]error, len(h.probes))
	g, ctx := errgroup.WithContext(r.Context())
	for i, p := range h.probes {
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
			defer cancel()
			outcomes[i] = p.Check(probeCtx)
			return nil
		})
	}
	_ = g.Wait()

	body := report{Status: "ok", Checks: make(map[string]string, len(h.probes))}
	status := http.StatusOK
	for i, p := range h.probes {
		if err := outcomes[i]; err != nil {
			body.Checks[p.Name] = "fail: " + err.Error()
			body.Status = "fail"
			status = http.StatusServiceUnavailable
		} else {
			body.Checks[p.Name] = "ok"
		}
	}
	respond(w, status, body)
}

// Register mounts both probe routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func respond(w http.ResponseWriter, status int, body report) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
