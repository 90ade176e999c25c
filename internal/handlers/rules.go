package handlers

import (
	"net/http"
	"strconv"

	"fedwatch/internal/screening"
)

type keywordRequest struct {
	Scope    string `json:"scope"`
	DomainID string `json:"domain_id,omitempty"`
	Category string `json:"category"`
	Keyword  string `json:"keyword"`
}

type patternRequest struct {
	Scope    string `json:"scope"`
	DomainID string `json:"domain_id,omitempty"`
	Pattern  string `json:"pattern"`
}

// HandleListRules returns the live rule set.
func (h *Handler) HandleListRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.ops.ListRules(), "rules")
}

// HandleAddKeyword inserts a keyword into a tier and category.
func (h *Handler) HandleAddKeyword(w http.ResponseWriter, r *http.Request) {
	var req keywordRequest
	if err := decode(r, &req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	err := h.ops.AddKeyword(r.Context(), screening.Scope(req.Scope), req.DomainID, screening.Category(req.Category), req.Keyword)
	if err != nil {
		writeOpError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// HandleRemoveKeyword deletes a keyword.
func (h *Handler) HandleRemoveKeyword(w http.ResponseWriter, r *http.Request) {
	var req keywordRequest
	if err := decode(r, &req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	err := h.ops.RemoveKeyword(r.Context(), screening.Scope(req.Scope), req.DomainID, screening.Category(req.Category), req.Keyword)
	if err != nil {
		writeOpError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleAddPattern inserts a regex pattern.
func (h *Handler) HandleAddPattern(w http.ResponseWriter, r *http.Request) {
	var req patternRequest
	if err := decode(r, &req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.ops.AddRegex(r.Context(), screening.Scope(req.Scope), req.DomainID, req.Pattern); err != nil {
		writeOpError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// HandleRemovePattern deletes the regex pattern at the given index.
func (h *Handler) HandleRemovePattern(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		http.Error(w, "invalid pattern index", http.StatusBadRequest)
		return
	}
	scope := screening.Scope(r.URL.Query().Get("scope"))
	if scope == "" {
		scope = screening.ScopeGlobal
	}
	removed, err := h.ops.RemoveRegex(r.Context(), scope, r.URL.Query().Get("domain_id"), index)
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, map[string]string{"removed": removed}, "pattern")
}
