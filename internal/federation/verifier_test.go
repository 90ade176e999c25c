package federation

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"fedwatch/internal/platform"
)

type stubRoles struct {
	trusted map[string]bool
}

func (s stubRoles) HasModeratorRole(domainID string, roleIDs []string) bool {
	for _, r := range roleIDs {
		if s.trusted[domainID+":"+r] {
			return true
		}
	}
	return false
}

const selfID = "system-bot"

func newTestVerifier() *Verifier {
	return NewVerifier(selfID, stubRoles{trusted: map[string]bool{
		"d1:mod-role": true,
	}})
}

func TestCheckModeratorBlockFederates(t *testing.T) {
	v := newTestVerifier()

	d := v.Check(Observation{
		DomainID:     "d1",
		Kind:         platform.AuditBlock,
		TargetID:     "target",
		Actor:        platform.AuditActor{ID: "mod-user"},
		ActorRoleIDs: []string{"mod-role"},
		Reason:       "spamming invite links",
	})
	assert.True(t, d.Federate)
}

func TestCheckNonModeratorIgnored(t *testing.T) {
	v := newTestVerifier()

	d := v.Check(Observation{
		DomainID:     "d1",
		Kind:         platform.AuditBlock,
		Actor:        platform.AuditActor{ID: "random-user"},
		ActorRoleIDs: []string{"member-role"},
		Reason:       "spam",
	})
	assert.False(t, d.Federate)
}

func TestCheckAutomatedActorIgnored(t *testing.T) {
	v := newTestVerifier()

	d := v.Check(Observation{
		DomainID:     "d1",
		Kind:         platform.AuditBlock,
		Actor:        platform.AuditActor{ID: "other-bot", Automated: true},
		ActorRoleIDs: []string{"mod-role"},
		Reason:       "spam",
	})
	assert.False(t, d.Federate)
}

func TestCheckSelfEchoSuppressed(t *testing.T) {
	v := newTestVerifier()

	tests := []struct {
		name   string
		kind   platform.AuditKind
		reason string
	}{
		{"federated block echo", platform.AuditBlock, "Federated block from Home. Reason: spam"},
		{"proactive block echo", platform.AuditBlock, "Proactive block: raid account"},
		{"automated action echo", platform.AuditBlock, "[Automated Action] identity matched: scam"},
		{"federated unblock echo", platform.AuditUnblock, "Federated unblock from Home. Reason: appeal"},
		{"local action echo", platform.AuditUnblock, "[Local Action] timeout cleanup"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := v.Check(Observation{
				DomainID: "d1",
				Kind:     tt.kind,
				Actor:    platform.AuditActor{ID: selfID, Automated: true},
				Reason:   tt.reason,
			})
			assert.False(t, d.Federate)
		})
	}
}

func TestCheckSelfUnblockWithFederatedPrefixFederates(t *testing.T) {
	v := newTestVerifier()

	d := v.Check(Observation{
		DomainID: "d1",
		Kind:     platform.AuditUnblock,
		Actor:    platform.AuditActor{ID: selfID, Automated: true},
		Reason:   "[Federated Action] operator unblock: appeal accepted",
	})
	assert.True(t, d.Federate)

	// A block with the same prefix is not the operator-unblock path.
	d = v.Check(Observation{
		DomainID: "d1",
		Kind:     platform.AuditBlock,
		Actor:    platform.AuditActor{ID: selfID, Automated: true},
		Reason:   "[Federated Action] something",
	})
	assert.False(t, d.Federate)
}

func TestCheckSelfUnmarkedIgnored(t *testing.T) {
	v := newTestVerifier()

	d := v.Check(Observation{
		DomainID: "d1",
		Kind:     platform.AuditBlock,
		Actor:    platform.AuditActor{ID: selfID},
		Reason:   "manual cleanup",
	})
	assert.False(t, d.Federate)
}

func TestIsEcho(t *testing.T) {
	assert.True(t, IsEcho("Federated block from X. Reason: y"))
	assert.True(t, IsEcho("[Local Action] lifted"))
	assert.False(t, IsEcho("banned for spam"))
}
