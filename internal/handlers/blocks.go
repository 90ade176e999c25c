package handlers

import (
	"net/http"
	"strconv"
)

type blockRequest struct {
	DomainID   string `json:"domain_id"`
	IdentityID string `json:"identity_id"`
	ActorID    string `json:"actor_id"`
	Reason     string `json:"reason"`
}

// HandleBlock federates an operator-initiated block.
func (h *Handler) HandleBlock(w http.ResponseWriter, r *http.Request) {
	var req blockRequest
	if err := decode(r, &req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	outcome, err := h.ops.Block(r.Context(), req.DomainID, req.IdentityID, req.ActorID, req.Reason)
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, outcome, "block outcome")
}

// HandleUnblock federates an operator-initiated unblock.
func (h *Handler) HandleUnblock(w http.ResponseWriter, r *http.Request) {
	var req blockRequest
	if err := decode(r, &req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	outcome, err := h.ops.Unblock(r.Context(), req.DomainID, req.IdentityID, req.ActorID, req.Reason)
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, outcome, "unblock outcome")
}

// HandleLookup searches the ledger by exact ID or name fragment.
func (h *Handler) HandleLookup(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		http.Error(w, "missing query parameter q", http.StatusBadRequest)
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	result, err := h.ops.Lookup(r.Context(), query, page)
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, result, "lookup")
}

// HandleHistory returns archived federated actions, newest first.
// With an identity query parameter it returns that identity's full
// history; otherwise the most recent actions up to limit.
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		http.Error(w, "action history not configured", http.StatusNotImplemented)
		return
	}
	if identity := r.URL.Query().Get("identity"); identity != "" {
		entries, err := h.history.ActionsFor(r.Context(), identity)
		if err != nil {
			writeOpError(w, err)
			return
		}
		writeJSON(w, entries, "history")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.history.ListActions(r.Context(), limit)
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, entries, "history")
}

// HandlePendingList returns actions still awaiting their deadline.
func (h *Handler) HandlePendingList(w http.ResponseWriter, r *http.Request) {
	actions, err := h.ops.PendingActions(r.Context())
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, actions, "pending actions")
}

// HandlePendingCancel cancels a scheduled action.
func (h *Handler) HandlePendingCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActorID string `json:"actor_id"`
		Note    string `json:"note"`
	}
	_ = decode(r, &req)
	action, err := h.ops.CancelPending(r.Context(), r.PathValue("id"), req.ActorID, req.Note)
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, action, "cancelled action")
}

// HandleStats returns the federation counters.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	snap, err := h.ops.StatsReport(r.Context())
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, snap, "stats")
}

// HandleBroadcast posts a message to every notice channel.
func (h *Handler) HandleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
	}
	if err := decode(r, &req); err != nil || req.Message == "" {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	sent, failed := h.ops.Broadcast(r.Context(), req.Message)
	writeJSON(w, map[string]int{"sent": sent, "failed": failed}, "broadcast")
}

// HandleReloadConfig re-reads the federation config from disk.
func (h *Handler) HandleReloadConfig(w http.ResponseWriter, r *http.Request) {
	if err := h.ops.ReloadConfig(); err != nil {
		writeOpError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleReloadRules re-reads the rule set from the store.
func (h *Handler) HandleReloadRules(w http.ResponseWriter, r *http.Request) {
	if err := h.ops.ReloadRules(r.Context()); err != nil {
		writeOpError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
