// Package classifier maps a spoken transcript to an answer category using
// fixed vocabularies and a question's expected responses.
package classifier

import (
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/flowpbx/callsurvey/internal/survey"
)

// Confidence levels assigned by each matching rule.
const (
	ConfidenceVocabulary = 0.9
	ConfidenceUncertain  = 0.8
	ConfidenceFuzzy      = 0.7
	ConfidenceFallback   = 0.3

	// LowConfidenceThreshold flags turns that should be reviewed.
	LowConfidenceThreshold = 0.5

	// jaccardThreshold is the minimum character-set similarity for a
	// fuzzy match against an expected response.
	jaccardThreshold = 0.8
)

// Result is a classified answer.
type Result struct {
	Answer     survey.Answer
	Confidence float64
}

// Low reports whether the result falls under LowConfidenceThreshold.
func (r Result) Low() bool {
	return r.Confidence < LowConfidenceThreshold
}

// Classifier is safe for concurrent use. The vocabulary can be swapped at
// runtime with SetLexicon without blocking Classify.
type Classifier struct {
	lex    atomic.Pointer[compiled]
	logger *slog.Logger
}

// New creates a Classifier using lex.
func New(lex Lexicon, logger *slog.Logger) *Classifier {
	c := &Classifier{logger: logger.With("subsystem", "classifier")}
	c.SetLexicon(lex)
	return c
}

// SetLexicon replaces the active vocabulary.
func (c *Classifier) SetLexicon(lex Lexicon) {
	cl := compile(lex)
	for _, s := range cl.shadowed() {
		c.logger.Warn("lexicon entry can never match", "entry", s)
	}
	c.lex.Store(cl)
	c.logger.Debug("lexicon loaded",
		"affirmative", len(cl.affirmative),
		"negative", len(cl.negative),
		"uncertain", len(cl.uncertain),
	)
}

// Classify is a pure function of its inputs and the active vocabulary.
// Empty or whitespace-only transcripts are UNCERTAIN at fallback confidence.
func (c *Classifier) Classify(transcript string, expected []string) Result {
	lex := c.lex.Load()
	t := Canonicalize(transcript)
	if t == "" {
		return Result{Answer: survey.AnswerUncertain, Confidence: ConfidenceFallback}
	}

	if r, ok := lex.vocabulary(t); ok {
		return r
	}

	canon := make([]string, 0, len(expected))
	for _, e := range expected {
		if ce := Canonicalize(e); ce != "" {
			canon = append(canon, ce)
		}
	}

	// Containment in either direction wins over similarity.
	for _, ce := range canon {
		if strings.Contains(t, ce) || strings.Contains(ce, t) {
			return lex.expectedResult(ce)
		}
	}

	best, bestScore := "", jaccardThreshold
	for _, ce := range canon {
		if score := jaccard(t, ce); score > bestScore {
			best, bestScore = ce, score
		}
	}
	if best != "" {
		return lex.expectedResult(best)
	}

	return Result{Answer: survey.AnswerUncertain, Confidence: ConfidenceFallback}
}

// expectedResult labels a matched expected response by its own vocabulary
// category, UNCERTAIN when it has none.
func (c *compiled) expectedResult(ce string) Result {
	answer := survey.AnswerUncertain
	if r, ok := c.vocabulary(ce); ok {
		answer = r.Answer
	}
	return Result{Answer: answer, Confidence: ConfidenceFuzzy}
}

// vocabulary checks the fixed sets in order: affirmative, negative, uncertain.
func (c *compiled) vocabulary(t string) (Result, bool) {
	switch {
	case containsAny(t, c.affirmative) != "":
		return Result{Answer: survey.AnswerAffirmative, Confidence: ConfidenceVocabulary}, true
	case containsAny(t, c.negative) != "":
		return Result{Answer: survey.AnswerNegative, Confidence: ConfidenceVocabulary}, true
	case containsAny(t, c.uncertain) != "":
		return Result{Answer: survey.AnswerUncertain, Confidence: ConfidenceUncertain}, true
	}
	return Result{}, false
}

// jaccard returns |A∩B| / |A∪B| over the rune sets of a and b, ignoring spaces.
func jaccard(a, b string) float64 {
	sa := runeSet(a)
	sb := runeSet(b)
	if len(sa) == 0 && len(sb) == 0 {
		return 0
	}
	inter := 0
	for r := range sa {
		if sb[r] {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	return float64(inter) / float64(union)
}

func runeSet(s string) map[rune]bool {
	m := make(map[rune]bool, len(s))
	for _, r := range s {
		if r != ' ' {
			m[r] = true
		}
	}
	return m
}
