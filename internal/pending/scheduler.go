// Package pending schedules delayed automated actions that moderators
// can cancel before they fire. Actions survive restarts through the
// store; ones whose deadline passed while the process was down are
// marked orphaned instead of fired blind.
package pending

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"fedwatch/internal/metrics"
)

// State is the lifecycle position of a pending action. Transitions are
// one-way: scheduled moves to exactly one of the terminal states.
type State string

const (
	StateScheduled State = "scheduled"
	StateCancelled State = "cancelled"
	StateFired     State = "fired"
	StateOrphaned  State = "orphaned"
)

// ErrNotPending is returned when a cancel targets an action that has
// already reached a terminal state or does not exist.
var ErrNotPending = errors.New("action is not pending")

// Action is one delayed automated block awaiting its deadline.
type Action struct {
	ID          string    `json:"id"`
	DomainID    string    `json:"domain_id"`
	IdentityID  string    `json:"identity_id"`
	DisplayName string    `json:"display_name"`
	Reason      string    `json:"reason"`
	AlertRef    string    `json:"alert_ref,omitempty"`
	ScheduledAt time.Time `json:"scheduled_at"`
	FireAt      time.Time `json:"fire_at"`
	State       State     `json:"state"`
	ResolvedAt  time.Time `json:"resolved_at,omitempty"`
	ResolvedBy  string    `json:"resolved_by,omitempty"`
	Note        string    `json:"note,omitempty"`
}

// Store persists pending actions across restarts.
type Store interface {
	PutAction(ctx context.Context, a Action) error
	GetAction(ctx context.Context, id string) (*Action, error)
	ListActions(ctx context.Context) ([]Action, error)
}

// Executor performs the action when its deadline arrives.
type Executor func(ctx context.Context, a Action) error

// Revalidator re-checks at fire time whether the action is still
// warranted (the member may have left, or already be blocked). A false
// return resolves the action as cancelled without executing.
type Revalidator func(ctx context.Context, a Action) (bool, string, error)

// Scheduler arms timers for scheduled actions and guarantees each one
// resolves exactly once, whichever of cancel and fire wins the race.
type Scheduler struct {
	store      Store
	exec       Executor
	revalidate Revalidator

	mu      sync.Mutex
	timers  map[string]*time.Timer
	claimed map[string]struct{}
	closed  bool
}

func NewScheduler(store Store, exec Executor, revalidate Revalidator) *Scheduler {
	return &Scheduler{
		store:      store,
		exec:       exec,
		revalidate: revalidate,
		timers:     make(map[string]*time.Timer),
		claimed:    make(map[string]struct{}),
	}
}

// Schedule persists the action and arms its timer. The returned action
// carries the assigned ID.
func (s *Scheduler) Schedule(ctx context.Context, a Action) (Action, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.State = StateScheduled
	if a.ScheduledAt.IsZero() {
		a.ScheduledAt = time.Now().UTC()
	}
	if err := s.store.PutAction(ctx, a); err != nil {
		return Action{}, fmt.Errorf("failed to persist pending action: %w", err)
	}

	s.arm(a.ID, time.Until(a.FireAt))
	metrics.PendingActionsScheduled.Inc()
	log.Info().
		Str("action", a.ID).
		Str("identity", a.IdentityID).
		Time("fire_at", a.FireAt).
		Msg("pending: delayed action scheduled")
	return a, nil
}

// Cancel resolves a scheduled action as cancelled. Only one of Cancel
// and the timer callback wins; the loser sees ErrNotPending.
func (s *Scheduler) Cancel(ctx context.Context, id, actorID, note string) (*Action, error) {
	a, err := s.claim(ctx, id)
	if err != nil {
		return nil, err
	}
	a.State = StateCancelled
	a.ResolvedAt = time.Now().UTC()
	a.ResolvedBy = actorID
	a.Note = note
	if err := s.store.PutAction(ctx, *a); err != nil {
		// Nothing was resolved; let the operator retry the cancel.
		s.release(id)
		return nil, fmt.Errorf("failed to persist cancellation: %w", err)
	}
	s.release(id)
	metrics.PendingActionsResolved.WithLabelValues(string(StateCancelled)).Inc()
	log.Info().
		Str("action", id).
		Str("actor", actorID).
		Msg("pending: delayed action cancelled")
	return a, nil
}

// BindAlert attaches the alert artifact reference to a scheduled
// action without touching its timer.
func (s *Scheduler) BindAlert(ctx context.Context, id, alertRef string) error {
	a, err := s.store.GetAction(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load pending action: %w", err)
	}
	if a == nil || a.State != StateScheduled {
		return ErrNotPending
	}
	a.AlertRef = alertRef
	if err := s.store.PutAction(ctx, *a); err != nil {
		return fmt.Errorf("failed to persist alert binding: %w", err)
	}
	return nil
}

// Get returns an action by ID.
func (s *Scheduler) Get(ctx context.Context, id string) (*Action, error) {
	return s.store.GetAction(ctx, id)
}

// ListScheduled returns actions still awaiting their deadline.
func (s *Scheduler) ListScheduled(ctx context.Context) ([]Action, error) {
	all, err := s.store.ListActions(ctx)
	if err != nil {
		return nil, err
	}
	var out []Action
	for _, a := range all {
		if a.State == StateScheduled {
			out = append(out, a)
		}
	}
	return out, nil
}

// Restore re-arms timers for actions persisted before a restart.
// Actions whose deadline already passed are marked orphaned: firing a
// block minutes or hours late, with no moderator watching, is worse
// than surfacing it for manual review.
func (s *Scheduler) Restore(ctx context.Context) error {
	all, err := s.store.ListActions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list pending actions: %w", err)
	}
	now := time.Now().UTC()
	for _, a := range all {
		if a.State != StateScheduled {
			continue
		}
		if a.FireAt.Before(now) {
			a.State = StateOrphaned
			a.ResolvedAt = now
			a.Note = "deadline passed while offline"
			if err := s.store.PutAction(ctx, a); err != nil {
				return fmt.Errorf("failed to orphan stale action: %w", err)
			}
			metrics.PendingActionsResolved.WithLabelValues(string(StateOrphaned)).Inc()
			log.Warn().
				Str("action", a.ID).
				Str("identity", a.IdentityID).
				Time("fire_at", a.FireAt).
				Msg("pending: action missed its deadline while offline, needs manual review")
			continue
		}
		s.arm(a.ID, time.Until(a.FireAt))
		log.Info().Str("action", a.ID).Time("fire_at", a.FireAt).Msg("pending: action re-armed after restart")
	}
	return nil
}

// Close stops all timers without resolving the actions; they stay
// scheduled in the store for the next Restore.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

func (s *Scheduler) arm(id string, d time.Duration) {
	if d < 0 {
		d = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.timers[id] = time.AfterFunc(d, func() { s.fire(id) })
}

// claim atomically takes ownership of a scheduled action: it stops the
// timer and returns the record, or ErrNotPending when somebody else
// claimed it first. The state check and the claim happen under one
// lock, so a cancel racing a timer that already entered fire loses
// instead of resolving the action a second time.
func (s *Scheduler) claim(ctx context.Context, id string) (*Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
	if _, taken := s.claimed[id]; taken {
		return nil, ErrNotPending
	}

	a, err := s.store.GetAction(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending action: %w", err)
	}
	if a == nil || a.State != StateScheduled {
		return nil, ErrNotPending
	}
	s.claimed[id] = struct{}{}
	return a, nil
}

// release drops the claim after the terminal state is persisted; the
// store state alone rejects later claims.
func (s *Scheduler) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claimed, id)
}

func (s *Scheduler) fire(id string) {
	ctx := context.Background()

	a, err := s.claim(ctx, id)
	if errors.Is(err, ErrNotPending) {
		return
	}
	if err != nil {
		log.Error().Err(err).Str("action", id).Msg("pending: failed to claim action at deadline")
		return
	}

	if s.revalidate != nil {
		ok, why, err := s.revalidate(ctx, *a)
		if err != nil {
			s.resolve(ctx, a, StateOrphaned, fmt.Sprintf("revalidation failed: %v", err))
			return
		}
		if !ok {
			s.resolve(ctx, a, StateCancelled, why)
			return
		}
	}

	if err := s.exec(ctx, *a); err != nil {
		log.Error().Err(err).Str("action", id).Str("identity", a.IdentityID).Msg("pending: failed to execute delayed action")
		s.resolve(ctx, a, StateOrphaned, fmt.Sprintf("execution failed: %v", err))
		return
	}
	s.resolve(ctx, a, StateFired, "")
}

func (s *Scheduler) resolve(ctx context.Context, a *Action, state State, note string) {
	a.State = state
	a.ResolvedAt = time.Now().UTC()
	a.Note = note
	if err := s.store.PutAction(ctx, *a); err != nil {
		// Keep the claim: the action may already have executed, so a
		// late cancel must still lose.
		log.Error().Err(err).Str("action", a.ID).Msg("pending: failed to persist resolution")
		return
	}
	s.release(a.ID)
	metrics.PendingActionsResolved.WithLabelValues(string(state)).Inc()
	ev := log.Info()
	if state == StateOrphaned {
		ev = log.Warn()
	}
	ev.Str("action", a.ID).Str("identity", a.IdentityID).Str("state", string(state)).Msg("pending: delayed action resolved")
}
