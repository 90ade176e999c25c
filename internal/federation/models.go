// Package federation implements the shared block ledger, the
// authorization verifier for observed moderation actions, and the
// propagator that converges decisions across all member domains.
package federation

import (
	"context"
	"strings"
	"time"
)

// Reason markers embedded in platform-visible reasons. The verifier
// uses them to recognize echoes of the system's own actions and avoid
// re-propagation loops.
const (
	MarkerFederatedBlock   = "Federated block"
	MarkerProactiveBlock   = "Proactive block"
	MarkerFederatedUnblock = "Federated unblock"
	MarkerAutomatedAction  = "[Automated Action]"
	MarkerLocalAction      = "[Local Action]"

	// MarkerFederatedAction prefixes unblocks the system performs on
	// behalf of an explicit operator decision; such an unblock is the
	// federation command itself, not an echo.
	MarkerFederatedAction = "[Federated Action]"
)

// blockEchoMarkers are reasons that identify a block the system itself
// issued (directly or via automation).
var blockEchoMarkers = []string{MarkerFederatedBlock, MarkerProactiveBlock, MarkerAutomatedAction}

// unblockEchoMarkers are reasons that identify an unblock that must
// not be re-federated.
var unblockEchoMarkers = []string{MarkerFederatedUnblock, MarkerLocalAction}

// IsEcho reports whether a reason string marks the action as one the
// system itself produced, directly or through automation.
func IsEcho(reason string) bool {
	return containsAny(reason, blockEchoMarkers) || containsAny(reason, unblockEchoMarkers)
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// BlockRecord is one entry in the shared ledger, keyed by identity ID.
// Records are replaced whole, never partially updated.
type BlockRecord struct {
	IdentityID         string    `json:"identity_id"`
	DisplayNameAtBlock string    `json:"display_name_at_block"`
	Reason             string    `json:"reason"`
	OriginDomainID     string    `json:"origin_domain_id"`
	OriginDomainName   string    `json:"origin_domain_name"`
	InitiatingActorID  string    `json:"initiating_actor_id"`
	CreatedAt          time.Time `json:"created_at"`
	BioSnapshot        string    `json:"bio_snapshot,omitempty"`
}

// LedgerStore is the durable source of truth for current block status.
// Implementations must be safe for concurrent use.
type LedgerStore interface {
	PutBlock(ctx context.Context, rec BlockRecord) error
	DeleteBlock(ctx context.Context, identityID string) error
	GetBlock(ctx context.Context, identityID string) (*BlockRecord, error)
	ListBlocks(ctx context.Context) ([]BlockRecord, error)
	CountBlocks(ctx context.Context) (int, error)
}

// DomainResult classifies one domain's fan-out outcome.
type DomainResult string

const (
	ResultApplied DomainResult = "applied"
	ResultAlready DomainResult = "already"
	ResultFailed  DomainResult = "failed"
)

// DomainOutcome records what happened on one domain during fan-out.
type DomainOutcome struct {
	DomainID string       `json:"domain_id"`
	Result   DomainResult `json:"result"`
	Err      string       `json:"error,omitempty"`
}

// Outcome is the structured result of one propagation call, reported
// to operators instead of raw errors.
type Outcome struct {
	IdentityID string `json:"identity_id"`
	// NotNeeded is set when an unblock targeted an identity that was
	// not on the ledger; nothing was changed.
	NotNeeded bool `json:"not_needed,omitempty"`
	// LedgerUpdated is false when a block degenerated to a fan-out
	// only pass because the record already existed.
	LedgerUpdated bool            `json:"ledger_updated"`
	Domains       []DomainOutcome `json:"domains"`
}

// Counts sums the per-domain results.
func (o *Outcome) Counts() (applied, already, failed int) {
	for _, d := range o.Domains {
		switch d.Result {
		case ResultApplied:
			applied++
		case ResultAlready:
			already++
		case ResultFailed:
			failed++
		}
	}
	return
}
