package rag

import (
	"fmt"
	"sort"
	"strings"
)

// DefaultMaxContextChars is the grounding-context character budget applied
// when the caller passes 0.
const DefaultMaxContextChars = 6000

// ContextBundle is the assembled grounding context for one chat turn.
// It is immutable once built and consumed exactly once by the generation step.
type ContextBundle struct {
	// Matches are the matches whose blocks made it into the rendered string,
	// in score-descending order.
	Matches []Match

	// Rendered is the grounding text handed to the generation step. Its
	// length never exceeds the character budget Assemble was called with.
	Rendered string

	// Sources lists the source label of each included match, parallel to
	// Matches.
	Sources []string

	// HasContext reports whether any match survived assembly. When false the
	// caller should choose an explicit no-context response strategy instead
	// of generating unguided.
	HasContext bool
}

// Assemble walks matches in score-descending order, renders each as a
// "Source: ...\n<text>\n\n" block, and appends blocks while the running
// character count stays within maxChars. A block is included whole or not at
// all; once a block would overflow the budget, assembly stops and the
// remainder is discarded so the generator never receives a sentence fragment.
//
// Matches with empty text are skipped. An empty result yields
// HasContext=false with an empty rendered string.
func Assemble(matches []Match, maxChars int) ContextBundle {
	if maxChars <= 0 {
		maxChars = DefaultMaxContextChars
	}

	// Callers other than the retriever may pass unsorted matches; the bundle
	// ordering is always score-descending.
	sorted := make([]Match, len(matches))
	copy(sorted, matches)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})

	var (
		sb       strings.Builder
		included []Match
		sources  []string
		total    int
	)

	for _, m := range sorted {
		text := strings.TrimSpace(m.Text)
		if text == "" {
			continue
		}

		source := m.Source
		if source == "" {
			source = "Knowledge Base"
		}

		block := fmt.Sprintf("Source: %s\n%s\n\n", source, text)
		if total+len(block) > maxChars {
			break
		}

		sb.WriteString(block)
		total += len(block)
		included = append(included, m)
		sources = append(sources, source)
	}

	return ContextBundle{
		Matches:    included,
		Rendered:   sb.String(),
		Sources:    sources,
		HasContext: len(included) > 0,
	}
}
