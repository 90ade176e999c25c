// Package guard orchestrates inbound platform events: member joins,
// messages, and externally observed blocks/unblocks. It owns the
// screening decisions and delegates convergence to the propagator.
package guard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"fedwatch/internal/config"
	"fedwatch/internal/federation"
	"fedwatch/internal/flood"
	"fedwatch/internal/llm"
	"fedwatch/internal/metrics"
	"fedwatch/internal/pending"
	"fedwatch/internal/platform"
	"fedwatch/internal/screening"
)

// bioRecheckCooldown limits how often an active member's bio is
// re-screened on message activity.
const bioRecheckCooldown = 5 * time.Minute

// Alert is the structured payload posted to a domain's alert channel.
type Alert struct {
	Verdict   screening.Verdict `json:"verdict"`
	Automated bool              `json:"automated"`
	ActionID  string            `json:"action_id,omitempty"`
	FireAt    time.Time         `json:"fire_at,omitempty"`
	Note      string            `json:"note,omitempty"`
}

// Message is one inbound message event.
type Message struct {
	DomainID   string
	ChannelID  string
	ActorID    string
	ActorRoles []string
	Automated  bool
	Content    string
	ContentRef string
	CreatedAt  time.Time
}

// Guard wires screening, flood detection, verification and propagation
// to the platform event stream.
type Guard struct {
	selfID   string
	client   platform.Client
	engine   *screening.Engine
	flood    *flood.Detector
	prop     *federation.Propagator
	verifier *federation.Verifier
	cfg      *config.Service
	llm      llm.Provider
	sched    *pending.Scheduler

	mu         sync.Mutex
	bioChecked map[string]time.Time
}

// New builds a guard and its pending-action scheduler. Call
// Scheduler().Restore on startup and Scheduler().Close on shutdown.
func New(selfID string, client platform.Client, engine *screening.Engine, det *flood.Detector, prop *federation.Propagator, verifier *federation.Verifier, cfg *config.Service, provider llm.Provider, store pending.Store) *Guard {
	g := &Guard{
		selfID:     selfID,
		client:     client,
		engine:     engine,
		flood:      det,
		prop:       prop,
		verifier:   verifier,
		cfg:        cfg,
		llm:        provider,
		bioChecked: make(map[string]time.Time),
	}
	if g.llm == nil {
		g.llm = llm.Disabled{}
	}
	g.sched = pending.NewScheduler(store, g.executePending, g.revalidatePending)
	return g
}

// Scheduler exposes the pending-action scheduler for the operator
// surface and lifecycle hooks.
func (g *Guard) Scheduler() *pending.Scheduler {
	return g.sched
}

// OnMemberJoin screens a new member: ledger status first, then
// identity and bio rules. Flagged members are timed out and alerted;
// under full automation a delayed block is scheduled as well.
func (g *Guard) OnMemberJoin(ctx context.Context, domainID string, m platform.Member) error {
	if !g.cfg.IsMember(domainID) {
		return nil
	}
	if m.Automated || g.cfg.IsExempt(domainID, m.RoleIDs) {
		return nil
	}

	rec, err := g.prop.Ledger().GetBlock(ctx, m.ID)
	if err != nil {
		return fmt.Errorf("failed to check ledger: %w", err)
	}
	if rec != nil {
		v := screening.Verdict{
			Kind:        screening.KindBannedElsewhere,
			DomainID:    domainID,
			IdentityID:  m.ID,
			DisplayName: m.DisplayName,
			Reason:      fmt.Sprintf("on the federation block ledger (origin: %s)", rec.OriginDomainName),
			BlockedIn:   []string{rec.OriginDomainID},
		}
		return g.restrain(ctx, v)
	}

	if v := g.screenMember(domainID, m); v.Flagged() {
		return g.restrain(ctx, *v)
	}
	return nil
}

// OnMessage screens message content, feeds the flood detector, and
// periodically re-screens the author's bio.
func (g *Guard) OnMessage(ctx context.Context, msg Message) error {
	if !g.cfg.IsMember(msg.DomainID) {
		return nil
	}
	if msg.Automated || msg.ActorID == g.selfID || g.cfg.IsExempt(msg.DomainID, msg.ActorRoles) {
		return nil
	}

	metrics.ScreeningChecksTotal.WithLabelValues(string(screening.KindContent)).Inc()
	if labels := g.engine.ScreenContent(msg.DomainID, msg.Content); len(labels) > 0 {
		metrics.ScreeningHitsTotal.WithLabelValues(string(screening.KindContent)).Inc()
		return g.handleFlaggedMessage(ctx, msg, labels)
	}

	fs := g.cfg.FloodSettings(msg.DomainID)
	if g.flood.Observe(msg.DomainID, msg.ActorID, msg.ChannelID, msg.CreatedAt, fs) {
		metrics.FloodVerdictsTotal.Inc()
		v := screening.Verdict{
			Kind:        screening.KindFlood,
			DomainID:    msg.DomainID,
			IdentityID:  msg.ActorID,
			Reason:      fmt.Sprintf("message flood: %d+ messages across %d+ channels within %s", fs.MessageThreshold, fs.ChannelThreshold, fs.Window),
			Content:     msg.Content,
		}
		return g.restrain(ctx, v)
	}

	return g.maybeRecheckBio(ctx, msg.DomainID, msg.ActorID)
}

// handleFlaggedMessage deletes the message, restrains the author, and
// consults the optional provider for a second opinion.
func (g *Guard) handleFlaggedMessage(ctx context.Context, msg Message, labels []string) error {
	if msg.ContentRef != "" {
		if err := g.client.DeleteContent(ctx, msg.ContentRef); err != nil && !platform.IsBenign(err) {
			log.Error().Err(err).Str("ref", msg.ContentRef).Msg("guard: failed to delete flagged message")
		}
	}

	v := screening.Verdict{
		Kind:       screening.KindContent,
		DomainID:   msg.DomainID,
		IdentityID: msg.ActorID,
		Labels:     labels,
		Reason:     fmt.Sprintf("message matched: %s", strings.Join(labels, ", ")),
		Content:    msg.Content,
	}

	res, err := g.llm.Classify(ctx, llm.Request{
		DomainID:   msg.DomainID,
		IdentityID: msg.ActorID,
		Content:    msg.Content,
		Labels:     labels,
	})
	switch {
	case errors.Is(err, llm.ErrDisabled):
		// No second opinion; fall through to the standard path.
	case err != nil:
		log.Warn().Err(err).Msg("guard: verdict provider failed, degrading to manual alert")
	case res.Verdict == llm.VerdictSafe:
		// Provider overrules the keyword hit: lift the restraint path
		// entirely and optionally mark the member safe.
		auto := g.cfg.Automation(msg.DomainID)
		if auto.AssignRoleOnSafe && auto.SafeRoleID != "" {
			if err := g.client.GrantRole(ctx, msg.DomainID, msg.ActorID, auto.SafeRoleID, "content reviewed as safe"); err != nil {
				log.Warn().Err(err).Str("actor", msg.ActorID).Msg("guard: failed to grant safe role")
			}
		}
		log.Info().Str("actor", msg.ActorID).Str("domain", msg.DomainID).Msg("guard: provider classified flagged message as safe")
		return nil
	default:
		v.Reason = fmt.Sprintf("%s (provider verdict: %s, %s)", v.Reason, res.Verdict, res.Rationale)
	}

	return g.restrain(ctx, v)
}

// maybeRecheckBio re-screens an active member's bio at most once per
// cooldown window. Bios change after joining; this catches edits
// without a full scan.
func (g *Guard) maybeRecheckBio(ctx context.Context, domainID, actorID string) error {
	key := domainID + ":" + actorID
	now := time.Now()

	g.mu.Lock()
	if last, ok := g.bioChecked[key]; ok && now.Sub(last) < bioRecheckCooldown {
		g.mu.Unlock()
		return nil
	}
	g.bioChecked[key] = now
	g.mu.Unlock()

	m, err := g.client.FetchMember(ctx, domainID, actorID)
	if err != nil {
		if platform.IsBenign(err) {
			return nil
		}
		return fmt.Errorf("failed to fetch member for bio recheck: %w", err)
	}
	if m.Bio == "" {
		return nil
	}

	metrics.ScreeningChecksTotal.WithLabelValues(string(screening.KindBio)).Inc()
	if labels := g.engine.ScreenContent(domainID, m.Bio); len(labels) > 0 {
		metrics.ScreeningHitsTotal.WithLabelValues(string(screening.KindBio)).Inc()
		v := screening.Verdict{
			Kind:        screening.KindBio,
			DomainID:    domainID,
			IdentityID:  actorID,
			DisplayName: m.DisplayName,
			Labels:      labels,
			Reason:      fmt.Sprintf("bio matched: %s", strings.Join(labels, ", ")),
			Content:     m.Bio,
		}
		return g.restrain(ctx, v)
	}
	return nil
}

// screenMember runs identity rules over both name forms and content
// rules over the bio.
func (g *Guard) screenMember(domainID string, m platform.Member) *screening.Verdict {
	metrics.ScreeningChecksTotal.WithLabelValues(string(screening.KindIdentity)).Inc()
	for _, name := range []string{m.DisplayName, m.Nick} {
		if name == "" {
			continue
		}
		if labels := g.engine.ScreenIdentity(domainID, name); len(labels) > 0 {
			metrics.ScreeningHitsTotal.WithLabelValues(string(screening.KindIdentity)).Inc()
			return &screening.Verdict{
				Kind:        screening.KindIdentity,
				DomainID:    domainID,
				IdentityID:  m.ID,
				DisplayName: m.DisplayName,
				Labels:      labels,
				Reason:      fmt.Sprintf("identity matched: %s", strings.Join(labels, ", ")),
			}
		}
	}

	if m.Bio != "" {
		metrics.ScreeningChecksTotal.WithLabelValues(string(screening.KindBio)).Inc()
		if labels := g.engine.ScreenContent(domainID, m.Bio); len(labels) > 0 {
			metrics.ScreeningHitsTotal.WithLabelValues(string(screening.KindBio)).Inc()
			return &screening.Verdict{
				Kind:        screening.KindBio,
				DomainID:    domainID,
				IdentityID:  m.ID,
				DisplayName: m.DisplayName,
				Labels:      labels,
				Reason:      fmt.Sprintf("bio matched: %s", strings.Join(labels, ", ")),
				Content:     m.Bio,
			}
		}
	}
	return &screening.Verdict{}
}

// restrain times the member out, alerts moderators, and under full
// automation schedules the delayed block.
func (g *Guard) restrain(ctx context.Context, v screening.Verdict) error {
	timeout := g.cfg.TimeoutFor(v.DomainID)
	reason := fmt.Sprintf("%s %s", federation.MarkerAutomatedAction, v.Reason)
	if err := g.client.ApplyTimeout(ctx, v.DomainID, v.IdentityID, timeout, reason); err != nil && !platform.IsBenign(err) {
		log.Error().Err(err).Str("identity", v.IdentityID).Str("domain", v.DomainID).Msg("guard: failed to apply timeout")
	}

	auto := g.cfg.Automation(v.DomainID)
	alert := Alert{Verdict: v}

	if auto.Mode == config.AutomationFull {
		delay := time.Duration(auto.DelaySeconds) * time.Second
		a, err := g.sched.Schedule(ctx, pending.Action{
			DomainID:    v.DomainID,
			IdentityID:  v.IdentityID,
			DisplayName: v.DisplayName,
			Reason:      v.Reason,
			FireAt:      time.Now().UTC().Add(delay),
		})
		if err != nil {
			log.Error().Err(err).Str("identity", v.IdentityID).Msg("guard: failed to schedule delayed block")
		} else {
			alert.Automated = true
			alert.ActionID = a.ID
			alert.FireAt = a.FireAt
		}
	}

	channel := g.cfg.AlertChannel(v.DomainID)
	if channel == "" {
		log.Warn().Str("domain", v.DomainID).Msg("guard: no alert channel configured, verdict logged only")
		return nil
	}
	ref, err := g.client.Alert(ctx, v.DomainID, channel, alert)
	if err != nil {
		return fmt.Errorf("failed to post alert: %w", err)
	}

	// Bind the alert artifact to the pending action so deleting the
	// alert cancels the block at revalidation.
	if alert.ActionID != "" && ref != "" {
		if err := g.sched.BindAlert(ctx, alert.ActionID, ref); err != nil && !errors.Is(err, pending.ErrNotPending) {
			log.Warn().Err(err).Str("action", alert.ActionID).Msg("guard: failed to bind alert to pending action")
		}
	}

	log.Info().
		Str("identity", v.IdentityID).
		Str("domain", v.DomainID).
		Str("kind", string(v.Kind)).
		Str("reason", v.Reason).
		Msg("guard: member restrained")
	return nil
}
