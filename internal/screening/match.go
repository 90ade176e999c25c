package screening

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

// RegexLabel is the single generic label emitted for any regex hit.
// Pattern identity is intentionally not leaked into alerts; operators
// resolve patterns by index through the rule listing.
const RegexLabel = "matched regex pattern"

// boundaryMatch reports whether kw occurs in text with no ASCII letter
// immediately before or after it. Both arguments must already be
// folded. This keeps "mod" from matching "modern" while still catching
// "mod123".
func boundaryMatch(text, kw string) bool {
	if kw == "" {
		return false
	}
	for start := 0; ; {
		idx := strings.Index(text[start:], kw)
		if idx < 0 {
			return false
		}
		idx += start
		end := idx + len(kw)
		beforeOK := idx == 0 || !isASCIILetter(text[idx-1])
		afterOK := end == len(text) || !isASCIILetter(text[end])
		if beforeOK && afterOK {
			return true
		}
		start = idx + 1
	}
}

func isASCIILetter(b byte) bool {
	return b >= 'a' && b <= 'z'
}

// ScreenIdentity checks an identity string (display name, nick) against
// one rule tier and returns the triggered labels. Pure; nil rules or
// empty text yield an empty result.
func ScreenIdentity(name string, rules *Rules) []string {
	if name == "" || rules == nil {
		return nil
	}
	folded := Fold(name)
	var labels []string

	for _, kw := range rules.IdentitySubstring {
		if strings.Contains(folded, Fold(kw)) {
			labels = append(labels, kw)
		}
	}
	for _, kw := range rules.IdentitySmart {
		if boundaryMatch(folded, Fold(kw)) {
			labels = append(labels, kw)
		}
	}
	labels = append(labels, matchPatterns(name, folded, rules.RegexPatterns)...)
	return dedupe(labels)
}

// ScreenContent checks free-form text (message, bio) against one rule
// tier and returns the triggered labels. Pure; nil rules or empty text
// yield an empty result.
func ScreenContent(text string, rules *Rules) []string {
	if text == "" || rules == nil {
		return nil
	}
	folded := Fold(text)
	var labels []string

	for _, kw := range rules.Content {
		if boundaryMatch(folded, Fold(kw)) {
			labels = append(labels, kw)
		}
	}
	labels = append(labels, matchPatterns(text, folded, rules.RegexPatterns)...)
	return dedupe(labels)
}

// matchPatterns tests each regex against both the raw and the folded
// text. A malformed pattern is skipped with a warning; it must never
// abort the scan.
func matchPatterns(raw, folded string, patterns []string) []string {
	for _, pattern := range patterns {
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			log.Warn().Str("pattern", pattern).Err(err).Msg("screening: skipping invalid regex pattern")
			continue
		}
		if re.MatchString(raw) || re.MatchString(folded) {
			return []string{RegexLabel}
		}
	}
	return nil
}

func dedupe(labels []string) []string {
	if len(labels) < 2 {
		return labels
	}
	seen := make(map[string]struct{}, len(labels))
	out := labels[:0]
	for _, l := range labels {
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	return out
}
