// Package api exposes the running session to the outside: an HTTP
// status endpoint for dashboards and an MCP server for agent tooling.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/docsift/internal/health"
	"github.com/kalambet/docsift/internal/progress"
	"github.com/kalambet/docsift/internal/session"
)

// SchedulerState exposes the orchestrator's current phase.
type SchedulerState interface {
	CurrentState() string
}

// StatusDeps holds the collaborators the status endpoints read from.
type StatusDeps struct {
	Store *session.Store
	Mon   *health.Monitor
	State SchedulerState // optional
}

// NewStatusHandler builds the read-only status router.
func NewStatusHandler(deps StatusDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth(deps))
	r.Get("/progress", handleProgress(deps))
	r.Get("/documents", handleDocuments(deps))

	return r
}

func handleHealth(deps StatusDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := deps.Mon.Current()
		resp := map[string]any{
			"status":               string(st.Status),
			"success_rate":         st.SuccessRate,
			"consecutive_failures": st.ConsecutiveFailures,
			"window_fill":          st.WindowFill,
		}
		if deps.State != nil {
			resp["scheduler_state"] = deps.State.CurrentState()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleProgress(deps StatusDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := buildSnapshot(deps)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "reading progress: %v", err)
			return
		}
		resp := map[string]any{
			"counts":           snap.Counts,
			"total":            snap.Total,
			"completed":        snap.Completed,
			"success_rate":     snap.SuccessRate,
			"success_trend":    snap.SuccessTrend,
			"throughput_trend": snap.ThroughputTrend,
			"remaining_tokens": snap.RemainingTokens,
			"eta_known":        snap.ETAKnown,
		}
		if snap.ETAKnown {
			resp["eta_seconds"] = int(snap.ETA / time.Second)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleDocuments(deps StatusDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var docs []session.Document
		var err error
		if status := r.URL.Query().Get("status"); status != "" {
			docs, err = deps.Store.ListByStatus(session.Status(status))
		} else {
			docs, err = deps.Store.ListAll()
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "listing documents: %v", err)
			return
		}

		type docSummary struct {
			ID           string  `json:"id"`
			Status       string  `json:"status"`
			Attempts     int     `json:"attempts"`
			LastError    string  `json:"last_error,omitempty"`
			QualityScore float64 `json:"quality_score"`
			Tokens       int     `json:"tokens"`
			OutputPath   string  `json:"output_path,omitempty"`
		}
		out := make([]docSummary, len(docs))
		for i, d := range docs {
			out[i] = docSummary{
				ID:           d.ID,
				Status:       string(d.Status),
				Attempts:     d.AttemptCount,
				LastError:    d.LastErrorKind,
				QualityScore: d.QualityScore,
				Tokens:       d.TokenEstimate,
				OutputPath:   d.OutputPath,
			}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// BuildSnapshot assembles a progress snapshot from the session store
// and health monitor. Shared by the HTTP layer, the MCP layer, and the
// CLI status command.
func BuildSnapshot(store *session.Store, mon *health.Monitor) (progress.Snapshot, error) {
	return buildSnapshot(StatusDeps{Store: store, Mon: mon})
}

func buildSnapshot(deps StatusDeps) (progress.Snapshot, error) {
	counts, err := deps.Store.CountsByStatus()
	if err != nil {
		return progress.Snapshot{}, err
	}
	remaining, err := deps.Store.RemainingTokens()
	if err != nil {
		return progress.Snapshot{}, err
	}
	h := deps.Mon.Current()
	tail, err := deps.Store.TimelineTail(h.WindowSize * 3)
	if err != nil {
		return progress.Snapshot{}, err
	}
	return progress.Estimate(tail, counts, remaining, h), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}
