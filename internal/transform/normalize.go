package transform

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Normalizer reduces free text to a comparable form: diacritics stripped,
// case folded, punctuation removed and ignore tokens dropped.
//
//	n := NewNormalizer([]string{"corp", "corporation"})
//	n.Normalize("Äcme Corp.") // "acme"
type Normalizer struct {
	ignore map[string]struct{}
}

// NewNormalizer creates a Normalizer dropping ignoreTokens. Tokens are
// matched after normalization.
func NewNormalizer(ignoreTokens []string) *Normalizer {
	n := &Normalizer{
		ignore: make(map[string]struct{}, len(ignoreTokens)),
	}
	for _, tok := range ignoreTokens {
		for _, t := range n.rawTokens(tok) {
			n.ignore[t] = struct{}{}
		}
	}
	return n
}

// Normalize returns the normalized tokens of s joined by single spaces.
func (n *Normalizer) Normalize(s string) string {
	return strings.Join(n.Tokens(s), " ")
}

// Tokens returns the normalized tokens of s without ignore tokens. If every
// token would be dropped, the tokens are kept so that "Corp" alone still
// compares as "corp".
func (n *Normalizer) Tokens(s string) []string {
	raw := n.rawTokens(s)
	kept := raw[:0:0]
	for _, t := range raw {
		if _, skip := n.ignore[t]; !skip {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		return raw
	}
	return kept
}

// BlockKey returns the first normalized token of s, or "" for empty input.
// Records sharing a block key are compared as possible duplicates.
func (n *Normalizer) BlockKey(s string) string {
	toks := n.Tokens(s)
	if len(toks) == 0 {
		return ""
	}
	return toks[0]
}

func (n *Normalizer) rawTokens(s string) []string {
	// Chains and casers keep state, so build them per call.
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, s)
	if err != nil {
		stripped = s
	}
	folded := cases.Fold().String(stripped)
	return strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// NormalizeIdentifier keeps only letters and digits of s, case folded.
// "FI-1234 567" and "fi1234567" normalize equally.
func NormalizeIdentifier(s string) string {
	var b strings.Builder
	for _, r := range cases.Fold().String(s) {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
