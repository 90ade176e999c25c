package guard

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"fedwatch/internal/federation"
	"fedwatch/internal/pending"
	"fedwatch/internal/platform"
)

// OnBlockObserved handles a block event seen on a domain. The audit
// trail attributes the action; the verifier decides whether it is an
// authorized decision worth federating or an echo to suppress.
func (g *Guard) OnBlockObserved(ctx context.Context, domainID, targetID string) error {
	if !g.cfg.IsMember(domainID) {
		return nil
	}

	entry, err := g.client.FetchAuditEntry(ctx, domainID, platform.AuditBlock, targetID)
	if err != nil {
		if platform.IsBenign(err) {
			log.Warn().Str("domain", domainID).Str("target", targetID).Msg("guard: block observed but no audit entry found")
			return nil
		}
		return fmt.Errorf("failed to fetch block audit entry: %w", err)
	}

	decision := g.verifier.Check(federation.Observation{
		DomainID:     domainID,
		Kind:         platform.AuditBlock,
		TargetID:     targetID,
		Actor:        entry.Actor,
		ActorRoleIDs: g.actorRoles(ctx, domainID, entry.Actor.ID),
		Reason:       entry.Reason,
	})
	if !decision.Federate {
		log.Debug().
			Str("domain", domainID).
			Str("target", targetID).
			Str("why", decision.Why).
			Msg("guard: observed block not federated")
		return nil
	}

	// The member record may already be gone; block anyway, with
	// whatever identity details survive.
	var displayName, bio string
	if m, err := g.client.FetchMember(ctx, domainID, targetID); err == nil {
		displayName = m.DisplayName
		bio = m.Bio
	}

	outcome, err := g.prop.PropagateBlock(ctx, domainID, targetID, displayName, entry.Actor.ID, entry.Reason, bio)
	if err != nil {
		return fmt.Errorf("failed to propagate block: %w", err)
	}

	g.announce(ctx, fmt.Sprintf("Identity %s was blocked across the federation (origin: %s).", targetID, g.cfg.DomainName(domainID)))
	applied, already, failed := outcome.Counts()
	log.Info().
		Str("target", targetID).
		Str("origin", domainID).
		Int("applied", applied).
		Int("already", already).
		Int("failed", failed).
		Msg("guard: observed block federated")
	return nil
}

// OnUnblockObserved handles an unblock event seen on a domain.
func (g *Guard) OnUnblockObserved(ctx context.Context, domainID, targetID string) error {
	if !g.cfg.IsMember(domainID) {
		return nil
	}

	entry, err := g.client.FetchAuditEntry(ctx, domainID, platform.AuditUnblock, targetID)
	if err != nil {
		if platform.IsBenign(err) {
			log.Warn().Str("domain", domainID).Str("target", targetID).Msg("guard: unblock observed but no audit entry found")
			return nil
		}
		return fmt.Errorf("failed to fetch unblock audit entry: %w", err)
	}

	decision := g.verifier.Check(federation.Observation{
		DomainID:     domainID,
		Kind:         platform.AuditUnblock,
		TargetID:     targetID,
		Actor:        entry.Actor,
		ActorRoleIDs: g.actorRoles(ctx, domainID, entry.Actor.ID),
		Reason:       entry.Reason,
	})
	if !decision.Federate {
		log.Debug().
			Str("domain", domainID).
			Str("target", targetID).
			Str("why", decision.Why).
			Msg("guard: observed unblock not federated")
		return nil
	}

	outcome, err := g.prop.PropagateUnblock(ctx, domainID, targetID, entry.Actor.ID, entry.Reason)
	if err != nil {
		return fmt.Errorf("failed to propagate unblock: %w", err)
	}
	if outcome.NotNeeded {
		return nil
	}

	g.announce(ctx, fmt.Sprintf("Identity %s was unblocked across the federation (origin: %s).", targetID, g.cfg.DomainName(domainID)))
	return nil
}

// announce posts a federation notice to every domain that configured a
// notice channel. Failures are logged, never propagated; notices are
// informational.
func (g *Guard) announce(ctx context.Context, message string) {
	for _, d := range g.cfg.Domains() {
		channel := g.cfg.NoticeChannel(d.ID)
		if channel == "" {
			continue
		}
		if err := g.client.Announce(ctx, d.ID, channel, message); err != nil {
			log.Warn().Err(err).Str("domain", d.ID).Msg("guard: failed to post federation notice")
		}
	}
}

func (g *Guard) actorRoles(ctx context.Context, domainID, actorID string) []string {
	m, err := g.client.FetchMember(ctx, domainID, actorID)
	if err != nil {
		return nil
	}
	return m.RoleIDs
}

// executePending fires a delayed automated block by propagating it
// from the flagging domain.
func (g *Guard) executePending(ctx context.Context, a pending.Action) error {
	reason := fmt.Sprintf("%s %s", federation.MarkerAutomatedAction, a.Reason)
	_, err := g.prop.PropagateBlock(ctx, a.DomainID, a.IdentityID, a.DisplayName, g.selfID, reason, "")
	return err
}

// revalidatePending re-checks a delayed block at its deadline. The
// block is skipped when the member already left, is already on the
// ledger, or a moderator dismissed the alert artifact.
func (g *Guard) revalidatePending(ctx context.Context, a pending.Action) (bool, string, error) {
	rec, err := g.prop.Ledger().GetBlock(ctx, a.IdentityID)
	if err != nil {
		return false, "", fmt.Errorf("failed to check ledger: %w", err)
	}
	if rec != nil {
		return false, "identity already on the ledger", nil
	}

	if _, err := g.client.FetchMember(ctx, a.DomainID, a.IdentityID); err != nil {
		if platform.IsBenign(err) {
			return false, "member left the domain", nil
		}
		return false, "", fmt.Errorf("failed to fetch member: %w", err)
	}

	if a.AlertRef != "" {
		channel := g.cfg.AlertChannel(a.DomainID)
		exists, err := g.client.FetchAlert(ctx, a.DomainID, channel, a.AlertRef)
		if err != nil && !platform.IsBenign(err) {
			return false, "", fmt.Errorf("failed to check alert artifact: %w", err)
		}
		if err == nil && !exists {
			return false, "alert dismissed by a moderator", nil
		}
	}

	return true, "", nil
}
