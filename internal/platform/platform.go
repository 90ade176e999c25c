// Package platform defines the contract between the federation core and
// the chat platform it moderates. The core never talks to the platform
// transport directly; everything goes through a Client implementation.
package platform

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors making up the error taxonomy for platform operations.
var (
	// ErrForbidden means the platform denied permission. Never retried.
	ErrForbidden = errors.New("platform: forbidden")

	// ErrNotFound means the target entity does not exist (user gone,
	// block absent, alert deleted). Usually benign.
	ErrNotFound = errors.New("platform: not found")

	// ErrAlreadyExists means the requested state is already in place.
	ErrAlreadyExists = errors.New("platform: already exists")

	// ErrRateLimited is the generic platform rate limit. Transient.
	ErrRateLimited = errors.New("platform: rate limited")

	// ErrNonMemberThrottle is the specific "too many blocks on
	// non-members" condition. Retried after a long fixed cooldown,
	// distinct from generic rate limiting.
	ErrNonMemberThrottle = errors.New("platform: non-member block throttle")

	// ErrServer is a transient server-side failure.
	ErrServer = errors.New("platform: server error")
)

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	return errors.Is(err, ErrServer) || errors.Is(err, ErrRateLimited)
}

// IsThrottle reports whether err is the non-member block throttle,
// which gets its own longer cooldown instead of generic backoff.
func IsThrottle(err error) bool {
	return errors.Is(err, ErrNonMemberThrottle)
}

// IsPermission reports whether err is a permission denial.
func IsPermission(err error) bool {
	return errors.Is(err, ErrForbidden)
}

// IsBenign reports whether err represents an already-satisfied or
// no-longer-applicable state rather than a real failure.
func IsBenign(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrAlreadyExists)
}

// AuditKind selects which audit trail to read.
type AuditKind string

const (
	AuditBlock   AuditKind = "block"
	AuditUnblock AuditKind = "unblock"
)

// AuditActor identifies who performed an observed moderation action.
type AuditActor struct {
	ID        string `json:"id"`
	Automated bool   `json:"automated"` // actor is a bot/integration, not a human
}

// AuditEntry is one attributed action from a domain's audit trail.
type AuditEntry struct {
	Actor     AuditActor `json:"actor"`
	TargetID  string     `json:"target_id"`
	Reason    string     `json:"reason"`
	CreatedAt time.Time  `json:"created_at"`
}

// Member is one account as listed by a domain.
type Member struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"display_name"`
	Nick        string   `json:"nick,omitempty"`
	Bio         string   `json:"bio,omitempty"`
	Automated   bool     `json:"automated,omitempty"`
	RoleIDs     []string `json:"role_ids,omitempty"`
}

// Client is the platform surface the core depends on. Implementations
// must be safe for concurrent use; every call is a suspension point.
type Client interface {
	// FetchAuditEntry returns the most recent audit entry of the given
	// kind targeting the identity, or ErrNotFound.
	FetchAuditEntry(ctx context.Context, domainID string, kind AuditKind, targetID string) (*AuditEntry, error)

	// ListAuditEntries pages through the audit trail of the given kind,
	// newest first, bounded by the after time. Used by backfill.
	ListAuditEntries(ctx context.Context, domainID string, kind AuditKind, after time.Time) ([]AuditEntry, error)

	// ApplyBlock blocks the identity on the domain, retaining only the
	// most recent retainDays days of its content.
	ApplyBlock(ctx context.Context, domainID, identityID, reason string, retainDays int) error

	// ApplyUnblock removes a block. ErrNotFound if not blocked.
	ApplyUnblock(ctx context.Context, domainID, identityID, reason string) error

	// FetchBlock reports whether the identity is blocked on the domain.
	FetchBlock(ctx context.Context, domainID, identityID string) (bool, error)

	// ApplyTimeout temporarily mutes the identity on the domain.
	ApplyTimeout(ctx context.Context, domainID, identityID string, d time.Duration, reason string) error

	// ClearTimeout lifts an active timeout.
	ClearTimeout(ctx context.Context, domainID, identityID, reason string) error

	// GrantRole assigns a role to a member.
	GrantRole(ctx context.Context, domainID, identityID, roleID, reason string) error

	// DeleteContent removes a single piece of content by reference.
	DeleteContent(ctx context.Context, ref string) error

	// FetchMember returns the member, or ErrNotFound if they left.
	FetchMember(ctx context.Context, domainID, identityID string) (*Member, error)

	// ListMembers pages through a domain's members. Returns the page
	// and the cursor for the next one; empty cursor means done.
	ListMembers(ctx context.Context, domainID, cursor string, limit int) ([]Member, string, error)

	// Alert posts a moderation alert to the domain's alert channel and
	// returns an alert reference used for pending-action revalidation.
	Alert(ctx context.Context, domainID, channelID string, v any) (string, error)

	// FetchAlert reports whether an alert artifact still exists.
	FetchAlert(ctx context.Context, domainID, channelID, alertRef string) (bool, error)

	// Announce posts an announcement to a domain's notice channel.
	Announce(ctx context.Context, domainID, channelID, message string) error
}
