package classifier

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Lexicon holds the fixed vocabularies matched by substring containment.
type Lexicon struct {
	Affirmative []string `yaml:"affirmative"`
	Negative    []string `yaml:"negative"`
	Uncertain   []string `yaml:"uncertain"`
}

// DefaultLexicon returns the built-in Arabic and English vocabularies.
// Negative phrases that contain an affirmative word ("غير موافق") and
// uncertain phrases that contain a negative word ("لا اعرف") are omitted
// because the earlier set would always win.
func DefaultLexicon() Lexicon {
	return Lexicon{
		Affirmative: []string{"نعم", "اي", "ايوه", "اكيد", "طبعا", "موافق", "صحيح", "yes", "yeah"},
		Negative:    []string{"لا", "خطا", "ابدا", "مستحيل", "no", "never"},
		Uncertain:   []string{"غير متاكد", "مش متاكد", "مش عارف", "ما اعرف", "ربما", "يمكن", "maybe", "uncertain", "perhaps"},
	}
}

// lexiconFile is the on-disk YAML form. Replace drops the defaults instead
// of extending them.
type lexiconFile struct {
	Lexicon `yaml:",inline"`
	Replace bool `yaml:"replace"`
}

// LoadLexicon reads a YAML vocabulary file and merges it onto the defaults.
func LoadLexicon(path string) (Lexicon, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Lexicon{}, fmt.Errorf("reading lexicon file: %w", err)
	}
	var f lexiconFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Lexicon{}, fmt.Errorf("parsing lexicon file %s: %w", path, err)
	}
	if f.Replace {
		return f.Lexicon, nil
	}
	def := DefaultLexicon()
	return Lexicon{
		Affirmative: append(def.Affirmative, f.Affirmative...),
		Negative:    append(def.Negative, f.Negative...),
		Uncertain:   append(def.Uncertain, f.Uncertain...),
	}, nil
}

// compiled is a canonicalized, deduplicated Lexicon.
type compiled struct {
	affirmative []string
	negative    []string
	uncertain   []string
}

func compile(l Lexicon) *compiled {
	return &compiled{
		affirmative: canonicalSet(l.Affirmative),
		negative:    canonicalSet(l.Negative),
		uncertain:   canonicalSet(l.Uncertain),
	}
}

func canonicalSet(words []string) []string {
	seen := make(map[string]bool, len(words))
	out := make([]string, 0, len(words))
	for _, w := range words {
		c := Canonicalize(w)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

// shadowed lists entries that can never match because a set checked
// earlier contains a substring of them.
func (c *compiled) shadowed() []string {
	var out []string
	check := func(set []string, earlier ...[]string) {
		for _, w := range set {
			for _, e := range earlier {
				if hit := containsAny(w, e); hit != "" {
					out = append(out, fmt.Sprintf("%q shadowed by %q", w, hit))
					break
				}
			}
		}
	}
	check(c.negative, c.affirmative)
	check(c.uncertain, c.affirmative, c.negative)
	return out
}

func containsAny(text string, set []string) string {
	for _, w := range set {
		if strings.Contains(text, w) {
			return w
		}
	}
	return ""
}
