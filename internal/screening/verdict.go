package screening

// Kind tags the shape of a screening verdict.
type Kind string

const (
	// KindBannedElsewhere means the identity is already blocked in
	// other federation domains.
	KindBannedElsewhere Kind = "banned_elsewhere"

	// KindIdentity means the display name or nick triggered rules.
	KindIdentity Kind = "identity"

	// KindContent means a posted message triggered rules.
	KindContent Kind = "content"

	// KindBio means the profile bio triggered rules.
	KindBio Kind = "bio"

	// KindFlood means the flood detector fired.
	KindFlood Kind = "flood"
)

// Verdict is the typed outcome of a screening check. Consumers switch
// on Kind instead of inferring context from alert text.
type Verdict struct {
	Kind        Kind   `json:"kind"`
	DomainID    string `json:"domain_id"`
	IdentityID  string `json:"identity_id"`
	DisplayName string `json:"display_name,omitempty"`

	// Labels are the triggered rule labels, empty for kinds that do
	// not come from the rules engine.
	Labels []string `json:"labels,omitempty"`

	// Reason is the human-readable explanation used for timeouts,
	// alerts and block reasons.
	Reason string `json:"reason"`

	// Content holds the flagged message or bio text, when applicable.
	Content string `json:"content,omitempty"`

	// BlockedIn lists the domains an identity is already blocked in,
	// for KindBannedElsewhere.
	BlockedIn []string `json:"blocked_in,omitempty"`
}

// Flagged reports whether the verdict carries any trigger.
func (v *Verdict) Flagged() bool {
	return v != nil && v.Kind != ""
}
