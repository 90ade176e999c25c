package screening

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/rs/zerolog/log"
)

// Store defines rule persistence. Implementations must be safe for
// concurrent use. A corrupt or missing rule set loads as empty.
type Store interface {
	LoadRuleSet(ctx context.Context) (*RuleSet, error)
	SaveRuleSet(ctx context.Context, rs *RuleSet) error
}

// Engine holds the live rule set and serves all screening calls. Rules
// are cached in memory and written through to the store on mutation.
type Engine struct {
	mu    sync.RWMutex
	rules RuleSet
	store Store
}

// NewEngine creates an engine backed by the given store and loads the
// persisted rule set. A load failure logs and starts empty rather than
// failing startup.
func NewEngine(ctx context.Context, store Store) (*Engine, error) {
	e := &Engine{store: store}
	if err := e.Reload(ctx); err != nil {
		return nil, fmt.Errorf("failed to load rule set: %w", err)
	}
	return e, nil
}

// Reload replaces the cached rule set from the store.
func (e *Engine) Reload(ctx context.Context) error {
	rs, err := e.store.LoadRuleSet(ctx)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = *rs

	log.Info().
		Int("global_keywords", len(rs.Global.IdentitySubstring)+len(rs.Global.IdentitySmart)+len(rs.Global.Content)).
		Int("global_patterns", len(rs.Global.RegexPatterns)).
		Int("domains_with_rules", len(rs.PerDomain)).
		Msg("screening: rule set loaded")
	return nil
}

// ScreenIdentity checks an identity string against the global tier and
// the domain's local tier, returning the union of triggered labels.
func (e *Engine) ScreenIdentity(domainID, name string) []string {
	e.mu.RLock()
	global := e.rules.Global
	local := e.rules.Domain(domainID)
	e.mu.RUnlock()

	labels := append(ScreenIdentity(name, &local), ScreenIdentity(name, &global)...)
	return dedupe(labels)
}

// ScreenContent checks message or bio text against the global tier and
// the domain's local tier, returning the union of triggered labels.
func (e *Engine) ScreenContent(domainID, text string) []string {
	e.mu.RLock()
	global := e.rules.Global
	local := e.rules.Domain(domainID)
	e.mu.RUnlock()

	labels := append(ScreenContent(text, &local), ScreenContent(text, &global)...)
	return dedupe(labels)
}

// Snapshot returns a copy of the current rule set for listing.
func (e *Engine) Snapshot() RuleSet {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cp := RuleSet{Global: copyRules(e.rules.Global)}
	if len(e.rules.PerDomain) > 0 {
		cp.PerDomain = make(map[string]Rules, len(e.rules.PerDomain))
		for id, r := range e.rules.PerDomain {
			cp.PerDomain[id] = copyRules(r)
		}
	}
	return cp
}

// AddKeyword inserts a keyword into the selected tier and category.
// Duplicates are rejected on the folded form, so "Admin" and "àdmin"
// count as the same keyword.
func (e *Engine) AddKeyword(ctx context.Context, scope Scope, domainID string, cat Category, keyword string) error {
	if keyword == "" {
		return fmt.Errorf("keyword must not be empty")
	}
	return e.mutate(ctx, scope, domainID, func(r *Rules) error {
		list := r.list(cat)
		if list == nil {
			return fmt.Errorf("unknown category %q", cat)
		}
		folded := Fold(keyword)
		for _, existing := range *list {
			if Fold(existing) == folded {
				return fmt.Errorf("keyword %q already present", keyword)
			}
		}
		*list = append(*list, keyword)
		return nil
	})
}

// RemoveKeyword deletes a keyword from the selected tier and category,
// matching on the folded form.
func (e *Engine) RemoveKeyword(ctx context.Context, scope Scope, domainID string, cat Category, keyword string) error {
	return e.mutate(ctx, scope, domainID, func(r *Rules) error {
		list := r.list(cat)
		if list == nil {
			return fmt.Errorf("unknown category %q", cat)
		}
		folded := Fold(keyword)
		for i, existing := range *list {
			if Fold(existing) == folded {
				*list = append((*list)[:i], (*list)[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("keyword %q not found", keyword)
	})
}

// AddRegex validates the pattern compiles and inserts it into the
// selected tier. Invalid syntax never reaches the live rule set.
func (e *Engine) AddRegex(ctx context.Context, scope Scope, domainID, pattern string) error {
	if _, err := regexp.Compile("(?i)" + pattern); err != nil {
		return fmt.Errorf("invalid regex pattern: %w", err)
	}
	return e.mutate(ctx, scope, domainID, func(r *Rules) error {
		for _, existing := range r.RegexPatterns {
			if existing == pattern {
				return fmt.Errorf("pattern already present")
			}
		}
		r.RegexPatterns = append(r.RegexPatterns, pattern)
		return nil
	})
}

// RemoveRegexByIndex deletes the pattern at the given zero-based index
// in the selected tier. Patterns are addressed by index because their
// text is not shown in alerts.
func (e *Engine) RemoveRegexByIndex(ctx context.Context, scope Scope, domainID string, index int) (string, error) {
	var removed string
	err := e.mutate(ctx, scope, domainID, func(r *Rules) error {
		if index < 0 || index >= len(r.RegexPatterns) {
			return fmt.Errorf("regex index %d out of range (have %d)", index, len(r.RegexPatterns))
		}
		removed = r.RegexPatterns[index]
		r.RegexPatterns = append(r.RegexPatterns[:index], r.RegexPatterns[index+1:]...)
		return nil
	})
	return removed, err
}

// mutate applies fn to the addressed tier under the write lock and
// persists the whole rule set on success.
func (e *Engine) mutate(ctx context.Context, scope Scope, domainID string, fn func(*Rules) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch scope {
	case ScopeGlobal:
		if err := fn(&e.rules.Global); err != nil {
			return err
		}
	case ScopeDomain:
		if domainID == "" {
			return fmt.Errorf("domain scope requires a domain id")
		}
		if e.rules.PerDomain == nil {
			e.rules.PerDomain = make(map[string]Rules)
		}
		local := e.rules.PerDomain[domainID]
		if err := fn(&local); err != nil {
			return err
		}
		e.rules.PerDomain[domainID] = local
	default:
		return fmt.Errorf("unknown scope %q", scope)
	}

	if err := e.store.SaveRuleSet(ctx, &e.rules); err != nil {
		return fmt.Errorf("failed to persist rule set: %w", err)
	}
	return nil
}

func copyRules(r Rules) Rules {
	return Rules{
		IdentitySubstring: append([]string(nil), r.IdentitySubstring...),
		IdentitySmart:     append([]string(nil), r.IdentitySmart...),
		Content:           append([]string(nil), r.Content...),
		RegexPatterns:     append([]string(nil), r.RegexPatterns...),
	}
}
