package federation

import (
	"github.com/rs/zerolog/log"

	"fedwatch/internal/platform"
)

// RoleChecker answers whether a set of roles carries trusted-moderator
// authority in a domain.
type RoleChecker interface {
	HasModeratorRole(domainID string, roleIDs []string) bool
}

// Observation is an externally observed moderation action, assembled
// from the platform audit trail.
type Observation struct {
	DomainID     string
	Kind         platform.AuditKind
	TargetID     string
	Actor        platform.AuditActor
	ActorRoleIDs []string
	Reason       string
}

// Decision is the verifier's verdict on an observation.
type Decision struct {
	Federate bool
	Why      string
}

// Verifier decides whether an observed block/unblock is trustworthy
// enough to federate. It is stateless given its inputs, so the same
// check serves both live events and historical reconciliation.
type Verifier struct {
	selfID string
	roles  RoleChecker
}

func NewVerifier(selfID string, roles RoleChecker) *Verifier {
	return &Verifier{selfID: selfID, roles: roles}
}

// Check applies the authorization rules in order:
//  1. the system's own actions carrying a federation/automation marker
//     are echoes of already-propagated decisions;
//  2. other automated actors are never trusted;
//  3. holders of a domain's trusted-moderator role are authorized;
//  4. everyone else is ignored.
//
// Exception for unblocks: the system unblocking with the explicit
// federated-action prefix is the operator's command itself.
func (v *Verifier) Check(obs Observation) Decision {
	echo := blockEchoMarkers
	if obs.Kind == platform.AuditUnblock {
		echo = unblockEchoMarkers
	}

	if obs.Actor.ID == v.selfID {
		if obs.Kind == platform.AuditUnblock && hasPrefix(obs.Reason, MarkerFederatedAction) {
			return Decision{Federate: true, Why: "system unblock on operator authority"}
		}
		if containsAny(obs.Reason, echo) {
			return Decision{Why: "echo of a federated or automated action"}
		}
		return Decision{Why: "unmarked action by the system itself"}
	}

	if obs.Actor.Automated {
		return Decision{Why: "action by an untrusted automated actor"}
	}

	if v.roles.HasModeratorRole(obs.DomainID, obs.ActorRoleIDs) {
		return Decision{Federate: true, Why: "actor holds a trusted moderator role"}
	}

	log.Warn().
		Str("domain", obs.DomainID).
		Str("actor", obs.Actor.ID).
		Str("target", obs.TargetID).
		Msg("federation: ignoring action by actor without a trusted role")
	return Decision{Why: "actor lacks a trusted moderator role"}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
