package classifier

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/flowpbx/callsurvey/internal/survey"
)

func newTestClassifier() *Classifier {
	return New(DefaultLexicon(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestClassify(t *testing.T) {
	c := newTestClassifier()

	tests := []struct {
		name       string
		transcript string
		expected   []string
		answer     survey.Answer
		confidence float64
	}{
		{"arabic yes", "نعم", nil, survey.AnswerAffirmative, 0.9},
		{"arabic no with oath", "لا والله", nil, survey.AnswerNegative, 0.9},
		{"empty", "", nil, survey.AnswerUncertain, 0.3},
		{"whitespace only", "   \t ", []string{"نعم"}, survey.AnswerUncertain, 0.3},
		{"english yes mixed case", "  YES please ", nil, survey.AnswerAffirmative, 0.9},
		{"diacritics stripped", "نَعَمْ", nil, survey.AnswerAffirmative, 0.9},
		{"elongated no", "لاااااا", nil, survey.AnswerNegative, 0.9},
		{"tatweel removed", "اكـــيد", nil, survey.AnswerAffirmative, 0.9},
		{"hamza unified", "أكيد", nil, survey.AnswerAffirmative, 0.9},
		{"uncertain phrase", "والله مش عارف", nil, survey.AnswerUncertain, 0.8},
		{"uncertain with hamza", "غير متأكد", nil, survey.AnswerUncertain, 0.8},
		{"fuzzy expected maps to vocabulary", "تمام", []string{"تمام نعم"}, survey.AnswerAffirmative, 0.7},
		{"fuzzy expected unmapped", "ممتاز", []string{"ممتاز"}, survey.AnswerUncertain, 0.7},
		{"empty expected ignored", "شكرا", []string{""}, survey.AnswerUncertain, 0.3},
		{"no match", "شكرا", []string{"ممتاز"}, survey.AnswerUncertain, 0.3},
		// The first entry is a 0.82 Jaccard match; the second contains the transcript.
		{"containment beats similarity", "abcdefghi", []string{"ihgfedcba no", "yes abcdefghi"}, survey.AnswerAffirmative, 0.7},
		// 0.86 for the first entry, 1.0 for the second.
		{"highest similarity wins", "sey abcdfghij", []string{"no jihgfdcbaeys", "yes jihgfdcba"}, survey.AnswerAffirmative, 0.7},
		{"similarity at threshold rejected", "abcd", []string{"dcbae"}, survey.AnswerUncertain, 0.3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(tt.transcript, tt.expected)
			if got.Answer != tt.answer {
				t.Errorf("Answer = %s, want %s", got.Answer, tt.answer)
			}
			if got.Confidence != tt.confidence {
				t.Errorf("Confidence = %v, want %v", got.Confidence, tt.confidence)
			}
		})
	}
}

func TestClassifyDeterministic(t *testing.T) {
	c := newTestClassifier()
	first := c.Classify("ربما", []string{"نعم", "لا"})
	for i := 0; i < 10; i++ {
		if got := c.Classify("ربما", []string{"نعم", "لا"}); got != first {
			t.Fatalf("iteration %d: got %+v, want %+v", i, got, first)
		}
	}
}

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"  نَعَمْ  ", "نعم"},
		{"إن شاء الله", "ان شاء الله"},
		{"مدرسة", "مدرسه"},
		{"على", "علي"},
		{"نعم، أكيد!", "نعم اكيد"},
		{"Café", "cafe"},
		{"looool", "lol"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Canonicalize(tt.in); got != tt.want {
			t.Errorf("Canonicalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestJaccard(t *testing.T) {
	if got := jaccard("abc", "abc"); got != 1 {
		t.Errorf("jaccard identical = %v", got)
	}
	if got := jaccard("ab", "cd"); got != 0 {
		t.Errorf("jaccard disjoint = %v", got)
	}
}

func TestLoadLexicon(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lexicon.yaml")
	content := "affirmative:\n  - تمام\nnegative:\n  - كلا\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	lex, err := LoadLexicon(path)
	if err != nil {
		t.Fatalf("LoadLexicon: %v", err)
	}
	c := newTestClassifier()
	c.SetLexicon(lex)

	if got := c.Classify("تمام", nil); got.Answer != survey.AnswerAffirmative {
		t.Errorf("extended affirmative = %+v", got)
	}
	if got := c.Classify("كلا", nil); got.Answer != survey.AnswerNegative {
		t.Errorf("extended negative = %+v", got)
	}
	if got := c.Classify("نعم", nil); got.Answer != survey.AnswerAffirmative {
		t.Errorf("defaults kept = %+v", got)
	}
}

func TestLoadLexiconReplace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lexicon.yaml")
	content := "replace: true\naffirmative: [oui]\nnegative: [non]\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	lex, err := LoadLexicon(path)
	if err != nil {
		t.Fatalf("LoadLexicon: %v", err)
	}
	if len(lex.Affirmative) != 1 || len(lex.Uncertain) != 0 {
		t.Errorf("replace lexicon = %+v", lex)
	}
}

func TestDefaultLexiconHasNoShadowedEntries(t *testing.T) {
	if s := compile(DefaultLexicon()).shadowed(); len(s) != 0 {
		t.Errorf("shadowed entries: %v", s)
	}
}
