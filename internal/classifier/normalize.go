package classifier

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const tatweel = 'ـ'

// Canonicalize reduces a transcript to the form the vocabularies are
// written in: lowercase, no diacritics or tatweel, unified alef/teh
// marbuta/alef maqsura, punctuation as spaces, elongated letters collapsed
// and whitespace squeezed.
//
// NFD splits hamza and madda carriers (أ إ آ ؤ ئ) into a base letter plus a
// combining mark, so removing nonspacing marks also unifies them.
func Canonicalize(s string) string {
	s = cases.Lower(language.Und).String(strings.TrimSpace(s))

	// transform.Chain keeps state and is not safe for concurrent use.
	t := transform.Chain(
		norm.NFD,
		runes.Remove(runes.Predicate(func(r rune) bool {
			return unicode.Is(unicode.Mn, r) || r == tatweel
		})),
		runes.Map(unifyLetter),
		norm.NFC,
	)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}

	return strings.Join(strings.Fields(collapseElongation(out)), " ")
}

func unifyLetter(r rune) rune {
	switch r {
	case 'ٱ', 'أ', 'إ', 'آ':
		return 'ا'
	case 'ة':
		return 'ه'
	case 'ى':
		return 'ي'
	}
	if unicode.IsPunct(r) || unicode.IsSymbol(r) {
		return ' '
	}
	return r
}

// collapseElongation replaces runs of three or more identical letters with
// a single letter ("لاااا" -> "لا"). Doubled letters are left alone.
func collapseElongation(s string) string {
	rs := []rune(s)
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(rs); {
		j := i + 1
		for j < len(rs) && rs[j] == rs[i] {
			j++
		}
		n := j - i
		if n >= 3 && unicode.IsLetter(rs[i]) {
			n = 1
		}
		for k := 0; k < n; k++ {
			b.WriteRune(rs[i])
		}
		i = j
	}
	return b.String()
}
