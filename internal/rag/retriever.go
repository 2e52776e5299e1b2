package rag

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/54b3r/kbchat-go/internal/logging"
)

const (
	// DefaultMinScore is the lenient similarity floor applied when the caller
	// passes 0. Strict thresholds have a documented failure mode here:
	// exact-name queries miss content phrased declaratively, so recall is
	// favoured at this layer and precision restored by ranking plus the
	// downstream character budget.
	DefaultMinScore = 0.15

	// DefaultTopKPerVariant is the per-variant result count when the caller
	// passes 0.
	DefaultTopKPerVariant = 8

	// DefaultFinalTopK caps the merged result set when the caller passes 0,
	// bounding the downstream context cost regardless of how many variants
	// were expanded.
	DefaultFinalTopK = 15

	// DefaultDedupPrefixLen is the normalized-prefix length used for the
	// best-effort near-duplicate check when the caller passes 0.
	DefaultDedupPrefixLen = 120

	// maxConcurrentVariants bounds the embed+query fan-out so a wide
	// expansion cannot overwhelm the embedding or vector-store APIs.
	maxConcurrentVariants = 4
)

// MultiQueryRetriever embeds each query variant, queries the vector store per
// variant, and merges the per-variant result lists into one deduplicated,
// score-sorted set. Variants are independent; each retrieval call owns its
// working set exclusively, so no locking is needed past the fan-in.
type MultiQueryRetriever struct {
	// embedder converts variant text to dense vectors.
	embedder Embedder

	// store performs the vector similarity search.
	store VectorStore

	// dedupPrefixLen is the normalized-text prefix length for the secondary
	// near-duplicate check.
	dedupPrefixLen int
}

// NewMultiQueryRetriever constructs a MultiQueryRetriever.
// dedupPrefixLen tunes the near-duplicate prefix check; 0 selects
// DefaultDedupPrefixLen.
func NewMultiQueryRetriever(embedder Embedder, store VectorStore, dedupPrefixLen int) (*MultiQueryRetriever, error) {
	if embedder == nil {
		return nil, fmt.Errorf("rag: embedder must not be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("rag: store must not be nil")
	}
	if dedupPrefixLen <= 0 {
		dedupPrefixLen = DefaultDedupPrefixLen
	}
	return &MultiQueryRetriever{
		embedder:       embedder,
		store:          store,
		dedupPrefixLen: dedupPrefixLen,
	}, nil
}

// Retrieve runs embed+query for every variant concurrently and returns the
// merged, deduplicated, score-sorted matches capped at finalTopK.
//
// variants[0] is the original user query and is the only mandatory path: its
// failure fails the whole call. Failures on any other variant are logged and
// contribute zero matches — a degraded but successful retrieval.
func (r *MultiQueryRetriever) Retrieve(ctx context.Context, variants []string, topKPerVariant int, minScore float64, finalTopK int) ([]Match, error) {
	if len(variants) == 0 {
		return nil, fmt.Errorf("rag: at least one query variant is required")
	}
	if topKPerVariant <= 0 {
		topKPerVariant = DefaultTopKPerVariant
	}
	if minScore <= 0 {
		minScore = DefaultMinScore
	}
	if finalTopK <= 0 {
		finalTopK = DefaultFinalTopK
	}

	log := logging.FromContext(ctx)

	// Fan out: one goroutine per variant, bounded. Each slot in perVariant is
	// owned by exactly one goroutine, so no mutex is needed for the results;
	// only the first-variant error is propagated.
	perVariant := make([][]Match, len(variants))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentVariants)
	for i, variant := range variants {
		g.Go(func() error {
			matches, err := r.queryOne(gctx, variant, topKPerVariant, minScore)
			if err != nil {
				if i == 0 {
					return fmt.Errorf("rag: original query failed: %w", err)
				}
				log.Warn("rag: variant retrieval degraded",
					slog.String("variant", variant),
					slog.Any("error", err),
				)
				return nil
			}
			perVariant[i] = matches
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := r.merge(perVariant, finalTopK)

	log.Debug("rag: retrieval complete",
		slog.Int("variants", len(variants)),
		slog.Int("merged_matches", len(merged)),
	)

	return merged, nil
}

// queryOne embeds a single variant and queries the store.
func (r *MultiQueryRetriever) queryOne(ctx context.Context, variant string, topK int, minScore float64) ([]Match, error) {
	embeddings, err := r.embedder.Embed(ctx, []string{variant})
	if err != nil {
		return nil, fmt.Errorf("embedding failed: %w", err)
	}
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("embedder returned empty result")
	}

	matches, err := r.store.Query(ctx, embeddings[0], topK, minScore)
	if err != nil {
		return nil, fmt.Errorf("vector query failed: %w", err)
	}
	return matches, nil
}

// merge combines the per-variant match lists: dedup by ID keeping the highest
// score, best-effort dedup by normalized text prefix for near-duplicates
// stored under different IDs (e.g. re-ingested documents), then sort by score
// descending and cap to finalTopK.
func (r *MultiQueryRetriever) merge(perVariant [][]Match, finalTopK int) []Match {
	// Primary dedup: one logical Match per ID, highest score wins.
	byID := make(map[string]Match)
	order := make([]string, 0)
	for _, matches := range perVariant {
		for _, m := range matches {
			if m.ID == "" {
				continue
			}
			prev, seen := byID[m.ID]
			if !seen {
				byID[m.ID] = m
				order = append(order, m.ID)
			} else if m.Score > prev.Score {
				byID[m.ID] = m
			}
		}
	}

	unique := make([]Match, 0, len(order))
	for _, id := range order {
		unique = append(unique, byID[id])
	}

	sort.SliceStable(unique, func(i, j int) bool {
		return unique[i].Score > unique[j].Score
	})

	// Secondary dedup, applied in score order so the best-scoring copy of a
	// near-duplicate survives. This is a heuristic collision check on a
	// normalized prefix, not a guarantee.
	seenPrefix := make(map[string]bool, len(unique))
	out := make([]Match, 0, len(unique))
	for _, m := range unique {
		prefix := r.textPrefix(m.Text)
		if prefix != "" && seenPrefix[prefix] {
			continue
		}
		if prefix != "" {
			seenPrefix[prefix] = true
		}
		out = append(out, m)
		if len(out) == finalTopK {
			break
		}
	}

	return out
}

// textPrefix lowercases, collapses whitespace, and truncates the match text
// to the configured prefix length, backing up to a rune boundary so the key
// never ends in a split multi-byte sequence.
func (r *MultiQueryRetriever) textPrefix(text string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	if len(normalized) <= r.dedupPrefixLen {
		return normalized
	}
	cut := r.dedupPrefixLen
	for cut > 0 && !utf8.RuneStart(normalized[cut]) {
		cut--
	}
	return normalized[:cut]
}
