// Package expand turns a single user query into an ordered set of retrieval
// variants. Short conversational queries ("who is priya") embed poorly on
// their own; rephrasing them around the extracted key terms gives the vector
// search several angles on the same question. The first variant is always the
// original query, and expansion never fails: every degraded path falls back
// to whatever variants have been collected so far.
package expand

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

const (
	// DefaultMaxVariants caps the number of variants returned per query.
	DefaultMaxVariants = 8

	// DefaultShortQueryWordThreshold is the word count at or below which the
	// generative pass is attempted. Longer queries carry enough signal that
	// rule-based expansion alone is sufficient.
	DefaultShortQueryWordThreshold = 3

	// maxKeyTerms bounds how many extracted terms feed the templates.
	maxKeyTerms = 2

	// minGeneratedLen filters out junk lines from the generative pass.
	minGeneratedLen = 5
)

// stopwords are filler words excluded from key-term extraction.
var stopwords = map[string]bool{
	"about":       true,
	"information": true,
	"details":     true,
}

// questionPrefixes are stripped to recover the subject of a lookup question.
var questionPrefixes = []string{"who is", "who are", "what is"}

// Completer generates text for the optional generative expansion pass.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Expander produces query variants. The zero value is not usable; construct
// with New.
type Expander struct {
	// completer backs the generative pass. Nil disables it.
	completer Completer

	// log receives debug/warn records for degraded paths.
	log *slog.Logger

	// maxVariants caps the returned slice length.
	maxVariants int

	// shortQueryWords is the word-count threshold for the generative pass.
	shortQueryWords int
}

// Option configures an Expander.
type Option func(*Expander)

// WithCompleter enables the generative expansion pass using the given
// completer. Passing nil leaves it disabled.
func WithCompleter(c Completer) Option {
	return func(e *Expander) { e.completer = c }
}

// WithMaxVariants overrides the variant cap. Non-positive values keep the
// default.
func WithMaxVariants(n int) Option {
	return func(e *Expander) {
		if n > 0 {
			e.maxVariants = n
		}
	}
}

// WithShortQueryThreshold overrides the word count at or below which the
// generative pass runs. Non-positive values keep the default.
func WithShortQueryThreshold(n int) Option {
	return func(e *Expander) {
		if n > 0 {
			e.shortQueryWords = n
		}
	}
}

// New constructs an Expander. log must not be nil.
func New(log *slog.Logger, opts ...Option) *Expander {
	e := &Expander{
		log:             log,
		maxVariants:     DefaultMaxVariants,
		shortQueryWords: DefaultShortQueryWordThreshold,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Expand returns the ordered variants for query. The result always has the
// original query at index 0, contains no case-insensitive duplicates, and is
// capped at the configured maximum. Expand never returns an error; in the
// worst case the result is just the original query.
func (e *Expander) Expand(ctx context.Context, query string) []string {
	query = strings.TrimSpace(query)
	if query == "" {
		return []string{""}
	}

	lower := strings.ToLower(query)
	words := strings.Fields(lower)

	variants := []string{query}
	keyTerms := extractKeyTerms(lower, words)

	for i, term := range keyTerms {
		if i >= maxKeyTerms {
			break
		}
		variants = append(variants,
			term,
			"information about "+term,
			"details about "+term,
			term+" leadership",
			term+" team",
			"about "+term,
			term+" member",
		)
	}

	if strings.Contains(lower, "who is") {
		if name := strings.TrimSpace(strings.ReplaceAll(lower, "who is", "")); name != "" {
			variants = append(variants,
				"who is "+name+" in the team",
				"who is "+name+" in leadership",
				name+" role",
				name+" position",
			)
		}
	}

	if e.completer != nil && len(words) <= e.shortQueryWords && len(keyTerms) > 0 {
		variants = append(variants, e.generate(ctx, keyTerms[0], variants)...)
	}

	return dedupe(variants, e.maxVariants)
}

// extractKeyTerms recovers the subject terms of the query. Lookup questions
// ("who is X") yield the stripped subject; everything else yields the words
// longer than 3 characters that are not filler.
func extractKeyTerms(lower string, words []string) []string {
	for _, prefix := range questionPrefixes {
		if strings.Contains(lower, prefix) {
			if term := strings.TrimSpace(strings.ReplaceAll(lower, prefix, "")); term != "" {
				return []string{term}
			}
			return nil
		}
	}

	var terms []string
	for _, w := range words {
		if len(w) > 3 && !stopwords[w] {
			terms = append(terms, w)
		}
	}
	return terms
}

// generate asks the completer for alternative phrasings of term. Failures are
// logged and swallowed; one retry covers transient backend errors. The
// existing variants are used to drop near-duplicates.
func (e *Expander) generate(ctx context.Context, term string, existing []string) []string {
	prompt := fmt.Sprintf(`Generate 3 alternative search queries for finding information about %q in a knowledge base.
Return only the queries, one per line, no numbering. Make them specific and varied.

Now for %q:`, term, term)

	var text string
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		text, err = e.completer.Complete(ctx, prompt)
		if err == nil {
			break
		}
		// A dead context makes the retry a guaranteed second failure.
		if ctx.Err() != nil {
			break
		}
	}
	if err != nil {
		e.log.Debug("expand: generative pass failed, using rule-based variants only",
			slog.String("term", term), slog.String("error", err.Error()))
		return nil
	}

	have := make(map[string]bool, len(existing))
	for _, v := range existing {
		have[strings.ToLower(strings.TrimSpace(v))] = true
	}

	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if len(line) <= minGeneratedLen || have[strings.ToLower(line)] {
			continue
		}
		out = append(out, line)
		if len(out) == 3 {
			break
		}
	}
	return out
}

// dedupe removes case-insensitive duplicates preserving first occurrence and
// caps the result at limit.
func dedupe(variants []string, limit int) []string {
	seen := make(map[string]bool, len(variants))
	out := make([]string, 0, min(len(variants), limit))
	for _, v := range variants {
		key := strings.ToLower(strings.TrimSpace(v))
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, v)
		if len(out) == limit {
			break
		}
	}
	if len(out) == 0 {
		return variants[:1]
	}
	return out
}
