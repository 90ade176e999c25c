// Package handlers implements the admin HTTP API: rule management,
// manual federation commands, batch operations and event ingestion.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"fedwatch/internal/federation"
	"fedwatch/internal/guard"
	"fedwatch/internal/ops"
	"fedwatch/internal/pending"
	"fedwatch/internal/reconcile"
	"fedwatch/internal/scan"

	"github.com/rs/zerolog/log"
)

// HistoryReader serves archived federated actions. Nil disables the
// history endpoint.
type HistoryReader interface {
	ListActions(ctx context.Context, limit int) ([]federation.HistoryEntry, error)
	ActionsFor(ctx context.Context, identityID string) ([]federation.HistoryEntry, error)
}

// Handler contains all HTTP handler methods and their dependencies.
// Dependencies are injected via the constructor for better testability.
type Handler struct {
	ops     *ops.Ops
	guard   *guard.Guard
	history HistoryReader
}

// NewHandler creates a new Handler with all required dependencies.
func NewHandler(o *ops.Ops, g *guard.Guard, history HistoryReader) *Handler {
	return &Handler{ops: o, guard: g, history: history}
}

// HandleHealthz reports process liveness.
func (h *Handler) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"}, "healthz")
}

func writeJSON(w http.ResponseWriter, v interface{}, entityName string) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode " + entityName + " response")
	}
}

// writeOpError maps domain errors onto HTTP statuses. Unknown errors
// are 500s with the message preserved for the operator.
func writeOpError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, reconcile.ErrNotMember):
		status = http.StatusNotFound
	case errors.Is(err, reconcile.ErrAlreadyOnboarded),
		errors.Is(err, scan.ErrScanActive),
		errors.Is(err, pending.ErrNotPending):
		status = http.StatusConflict
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// decode reads a JSON request body into v.
func decode(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
