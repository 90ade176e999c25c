package screening

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFold(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"lowercase passthrough", "hello", "hello"},
		{"case folding", "AdMiN", "admin"},
		{"diacritic stripping", "àdmïn", "admin"},
		{"cedilla", "Ça", "ca"},
		{"empty", "", ""},
		{"digits untouched", "Mod123", "mod123"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Fold(tt.input))
		})
	}
}

func TestScreenIdentitySubstring(t *testing.T) {
	rules := &Rules{IdentitySubstring: []string{"admin"}}

	tests := []struct {
		name string
		text string
		hit  bool
	}{
		{"exact", "admin", true},
		{"embedded", "administrator", true},
		{"cased and accented", "ÀdMîn42", true},
		{"no match", "moderator", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			labels := ScreenIdentity(tt.text, rules)
			if tt.hit {
				assert.Equal(t, []string{"admin"}, labels)
			} else {
				assert.Empty(t, labels)
			}
		})
	}
}

func TestScreenIdentitySmart(t *testing.T) {
	rules := &Rules{IdentitySmart: []string{"mod"}}

	tests := []struct {
		name string
		text string
		hit  bool
	}{
		{"standalone", "mod", true},
		{"digits after", "mod123", true},
		{"digits before", "123mod", true},
		{"punctuation boundary", "[mod] alice", true},
		{"letter after", "modern", false},
		{"letter before", "remod", false},
		{"embedded in word", "commodore", false},
		{"second occurrence matches", "modern mod", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			labels := ScreenIdentity(tt.text, rules)
			if tt.hit {
				assert.Equal(t, []string{"mod"}, labels)
			} else {
				assert.Empty(t, labels)
			}
		})
	}
}

func TestScreenContentWordBoundary(t *testing.T) {
	rules := &Rules{Content: []string{"free nitro"}}

	assert.Equal(t, []string{"free nitro"}, ScreenContent("get FREE NITRO here", rules))
	assert.Empty(t, ScreenContent("freenitrous oxide", rules))
}

func TestScreenRegex(t *testing.T) {
	rules := &Rules{RegexPatterns: []string{`disc\w+\.gg/\w+`}}

	labels := ScreenContent("join discord.gg/spam now", rules)
	require.Len(t, labels, 1)
	// Pattern text never leaks into the label.
	assert.Equal(t, RegexLabel, labels[0])

	assert.Empty(t, ScreenContent("nothing to see", rules))
}

func TestScreenInvalidRegexSkipped(t *testing.T) {
	rules := &Rules{
		Content:       []string{"spam"},
		RegexPatterns: []string{"(unclosed", `valid\d+`},
	}

	// The broken pattern is skipped; the keyword and the valid pattern
	// still run.
	assert.Equal(t, []string{"spam"}, ScreenContent("buy spam", rules))
	assert.Equal(t, []string{RegexLabel}, ScreenContent("valid99", rules))
}

func TestScreenEmptyInputs(t *testing.T) {
	rules := &Rules{IdentitySubstring: []string{"x"}}

	assert.Empty(t, ScreenIdentity("", rules))
	assert.Empty(t, ScreenContent("", rules))
	assert.Empty(t, ScreenIdentity("anything", nil))
	assert.Empty(t, ScreenIdentity("anything", &Rules{}))
}

func TestDedupe(t *testing.T) {
	rules := &Rules{IdentitySubstring: []string{"bad"}, IdentitySmart: []string{"bad"}}
	labels := ScreenIdentity("bad", rules)
	assert.Equal(t, []string{"bad"}, labels)
}
