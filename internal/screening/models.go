package screening

// Category identifies which rule list a keyword or pattern belongs to.
type Category string

const (
	// CategoryIdentitySubstring matches anywhere inside a folded
	// identity string ("admin" catches "daoadmin123").
	CategoryIdentitySubstring Category = "identity_substring"

	// CategoryIdentitySmart matches identities on word boundaries
	// ("mod" catches "mod123" but not "modern").
	CategoryIdentitySmart Category = "identity_smart"

	// CategoryContent matches message/bio text on word boundaries.
	CategoryContent Category = "content"
)

// Scope selects the rule tier a mutation applies to.
type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeDomain Scope = "domain"
)

// Rules is one tier of screening rules. Keyword lists hold the
// original (operator-entered) form; comparison always happens on the
// folded form.
type Rules struct {
	IdentitySubstring []string `json:"identity_substring,omitempty"`
	IdentitySmart     []string `json:"identity_smart,omitempty"`
	Content           []string `json:"content,omitempty"`
	RegexPatterns     []string `json:"regex_patterns,omitempty"`
}

// RuleSet is the full two-tier rule configuration: one global tier
// plus one optional tier per domain.
type RuleSet struct {
	Global    Rules            `json:"global"`
	PerDomain map[string]Rules `json:"per_domain,omitempty"`
}

// Domain returns the per-domain tier, or an empty Rules value when the
// domain has no local rules.
func (rs *RuleSet) Domain(domainID string) Rules {
	if rs == nil || rs.PerDomain == nil {
		return Rules{}
	}
	return rs.PerDomain[domainID]
}

func (r *Rules) list(cat Category) *[]string {
	switch cat {
	case CategoryIdentitySubstring:
		return &r.IdentitySubstring
	case CategoryIdentitySmart:
		return &r.IdentitySmart
	case CategoryContent:
		return &r.Content
	}
	return nil
}
