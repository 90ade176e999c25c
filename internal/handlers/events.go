package handlers

import (
	"net/http"
	"time"

	"fedwatch/internal/guard"
	"fedwatch/internal/platform"
)

// Event ingestion: the platform gateway bridge posts raw events here
// and the guard decides what they mean.

type joinEvent struct {
	DomainID string          `json:"domain_id"`
	Member   platform.Member `json:"member"`
}

type messageEvent struct {
	DomainID   string    `json:"domain_id"`
	ChannelID  string    `json:"channel_id"`
	ActorID    string    `json:"actor_id"`
	ActorRoles []string  `json:"actor_roles"`
	Automated  bool      `json:"automated"`
	Content    string    `json:"content"`
	ContentRef string    `json:"content_ref"`
	CreatedAt  time.Time `json:"created_at"`
}

type moderationEvent struct {
	DomainID string `json:"domain_id"`
	TargetID string `json:"target_id"`
}

// HandleJoinEvent screens a newly joined member.
func (h *Handler) HandleJoinEvent(w http.ResponseWriter, r *http.Request) {
	var ev joinEvent
	if err := decode(r, &ev); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.guard.OnMemberJoin(r.Context(), ev.DomainID, ev.Member); err != nil {
		writeOpError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// HandleMessageEvent screens a message.
func (h *Handler) HandleMessageEvent(w http.ResponseWriter, r *http.Request) {
	var ev messageEvent
	if err := decode(r, &ev); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	err := h.guard.OnMessage(r.Context(), guard.Message{
		DomainID:   ev.DomainID,
		ChannelID:  ev.ChannelID,
		ActorID:    ev.ActorID,
		ActorRoles: ev.ActorRoles,
		Automated:  ev.Automated,
		Content:    ev.Content,
		ContentRef: ev.ContentRef,
		CreatedAt:  ev.CreatedAt,
	})
	if err != nil {
		writeOpError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// HandleBlockEvent processes an observed block.
func (h *Handler) HandleBlockEvent(w http.ResponseWriter, r *http.Request) {
	var ev moderationEvent
	if err := decode(r, &ev); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.guard.OnBlockObserved(r.Context(), ev.DomainID, ev.TargetID); err != nil {
		writeOpError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// HandleUnblockEvent processes an observed unblock.
func (h *Handler) HandleUnblockEvent(w http.ResponseWriter, r *http.Request) {
	var ev moderationEvent
	if err := decode(r, &ev); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.guard.OnUnblockObserved(r.Context(), ev.DomainID, ev.TargetID); err != nil {
		writeOpError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
