package screening

import (
	"strings"
	"unicode"

	"github.com/rs/zerolog/log"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Fold lower-cases text and strips diacritics (NFD, drop combining
// marks, NFC) so that "Àdmïn" compares equal to "admin". Keyword lists
// are folded once at insertion; inputs are folded on every check.
func Fold(text string) string {
	if text == "" {
		return ""
	}
	// transform.Chain is not safe to share across goroutines, so the
	// chain is built per call.
	normFunc := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(normFunc, strings.ToLower(text))
	if err != nil {
		log.Warn().Err(err).Msg("screening: unicode normalization error")
		return strings.ToLower(text)
	}
	return folded
}
