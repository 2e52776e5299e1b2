package rag

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"unicode/utf8"
)

// fakeEmbedder encodes each text as a one-dimensional vector of its length.
type fakeEmbedder struct {
	mu       sync.Mutex
	failFor  map[string]bool
	embedded []string
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if f.failFor[t] {
			return nil, fmt.Errorf("embedding failed for %q", t)
		}
		f.embedded = append(f.embedded, t)
		out[i] = []float32{float32(len(t))}
	}
	return out, nil
}

// fakeQueryStore answers queries from a map of vector-length keys.
type fakeQueryStore struct {
	mu    sync.Mutex
	byLen map[float32][]Match
}

func (f *fakeQueryStore) Query(_ context.Context, embedding []float32, _ int, _ float64) ([]Match, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byLen[embedding[0]], nil
}

func (f *fakeQueryStore) Upsert(context.Context, []KnowledgeChunk, [][]float32) error { return nil }
func (f *fakeQueryStore) Delete(context.Context, []string) error                      { return nil }
func (f *fakeQueryStore) Close() error                                                { return nil }

func newTestRetriever(t *testing.T, e Embedder, s VectorStore) *MultiQueryRetriever {
	t.Helper()
	r, err := NewMultiQueryRetriever(e, s, 0)
	if err != nil {
		t.Fatalf("NewMultiQueryRetriever: %v", err)
	}
	return r
}

func TestRetrieve_DedupByIDKeepsHighestScore(t *testing.T) {
	t.Parallel()

	// Two variants both return chunk "doc-12-chunk-3" with different scores.
	store := &fakeQueryStore{byLen: map[float32][]Match{
		float32(len("aa")): {{ID: "doc-12-chunk-3", Score: 0.81, Text: "alpha content"}},
		float32(len("bbb")): {
			{ID: "doc-12-chunk-3", Score: 0.74, Text: "alpha content"},
			{ID: "doc-9-chunk-0", Score: 0.50, Text: "beta content"},
		},
	}}
	r := newTestRetriever(t, &fakeEmbedder{}, store)

	got, err := r.Retrieve(context.Background(), []string{"aa", "bbb"}, 0, 0, 0)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2: %v", len(got), got)
	}
	if got[0].ID != "doc-12-chunk-3" || got[0].Score != 0.81 {
		t.Errorf("got[0] = %+v, want doc-12-chunk-3 with score 0.81", got[0])
	}
}

func TestRetrieve_SortedByScoreDescending(t *testing.T) {
	t.Parallel()

	store := &fakeQueryStore{byLen: map[float32][]Match{
		float32(len("q")): {
			{ID: "low", Score: 0.2, Text: "low text"},
			{ID: "high", Score: 0.9, Text: "high text"},
			{ID: "mid", Score: 0.5, Text: "mid text"},
		},
	}}
	r := newTestRetriever(t, &fakeEmbedder{}, store)

	got, err := r.Retrieve(context.Background(), []string{"q"}, 0, 0, 0)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	for i := 1; i < len(got); i++ {
		if got[i].Score > got[i-1].Score {
			t.Errorf("matches not sorted descending at %d: %v", i, got)
		}
	}
}

func TestRetrieve_OriginalVariantFailureFailsCall(t *testing.T) {
	t.Parallel()

	emb := &fakeEmbedder{failFor: map[string]bool{"original": true}}
	r := newTestRetriever(t, emb, &fakeQueryStore{byLen: map[float32][]Match{}})

	_, err := r.Retrieve(context.Background(), []string{"original", "variant"}, 0, 0, 0)
	if err == nil {
		t.Fatal("want error when the original query's path fails")
	}
}

func TestRetrieve_VariantFailureDegrades(t *testing.T) {
	t.Parallel()

	emb := &fakeEmbedder{failFor: map[string]bool{"broken variant": true}}
	store := &fakeQueryStore{byLen: map[float32][]Match{
		float32(len("q")): {{ID: "a", Score: 0.6, Text: "kept"}},
	}}
	r := newTestRetriever(t, emb, store)

	got, err := r.Retrieve(context.Background(), []string{"q", "broken variant"}, 0, 0, 0)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(got) != 1 || got[0].ID != "a" {
		t.Errorf("got %v, want the original variant's match to survive", got)
	}
}

func TestRetrieve_CapsAtFinalTopK(t *testing.T) {
	t.Parallel()

	var many []Match
	for i := 0; i < 30; i++ {
		many = append(many, Match{
			ID:    fmt.Sprintf("id-%d", i),
			Score: 1 - float64(i)/100,
			Text:  fmt.Sprintf("distinct content number %d with enough words to avoid prefix collisions", i),
		})
	}
	store := &fakeQueryStore{byLen: map[float32][]Match{
		float32(len("q")): many,
	}}
	r := newTestRetriever(t, &fakeEmbedder{}, store)

	got, err := r.Retrieve(context.Background(), []string{"q"}, 0, 0, 5)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(got) != 5 {
		t.Errorf("len = %d, want finalTopK cap of 5", len(got))
	}
}

func TestRetrieve_PrefixDedupDropsNearDuplicates(t *testing.T) {
	t.Parallel()

	// Same content under two IDs (a re-ingested document); whitespace and
	// case differ, the normalized prefix does not.
	text := "The platform team owns the deploy tooling and the staging environment across all regions."
	store := &fakeQueryStore{byLen: map[float32][]Match{
		float32(len("q")): {
			{ID: "old-ingest", Score: 0.7, Text: text},
			{ID: "new-ingest", Score: 0.9, Text: "  " + text + "  "},
		},
	}}
	r := newTestRetriever(t, &fakeEmbedder{}, store)

	got, err := r.Retrieve(context.Background(), []string{"q"}, 0, 0, 0)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want near-duplicates collapsed to 1: %v", len(got), got)
	}
	if got[0].ID != "new-ingest" {
		t.Errorf("survivor = %s, want the higher-scoring copy", got[0].ID)
	}
}

func TestRetrieve_Deterministic(t *testing.T) {
	t.Parallel()

	store := &fakeQueryStore{byLen: map[float32][]Match{
		float32(len("aa")):  {{ID: "x", Score: 0.8, Text: "x text"}, {ID: "y", Score: 0.3, Text: "y text"}},
		float32(len("bbb")): {{ID: "z", Score: 0.5, Text: "z text"}, {ID: "x", Score: 0.6, Text: "x text"}},
	}}
	r := newTestRetriever(t, &fakeEmbedder{}, store)

	variants := []string{"aa", "bbb"}
	first, err := r.Retrieve(context.Background(), variants, 0, 0, 0)
	if err != nil {
		t.Fatalf("first Retrieve: %v", err)
	}
	second, err := r.Retrieve(context.Background(), variants, 0, 0, 0)
	if err != nil {
		t.Fatalf("second Retrieve: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("identical inputs produced different outputs:\n%v\n%v", first, second)
	}
}

func TestRetrieve_NoVariantsRejected(t *testing.T) {
	t.Parallel()
	r := newTestRetriever(t, &fakeEmbedder{}, &fakeQueryStore{})
	if _, err := r.Retrieve(context.Background(), nil, 0, 0, 0); err == nil {
		t.Fatal("want error for empty variant list")
	}
}

func TestRetrieve_EmptyStoreReturnsEmpty(t *testing.T) {
	t.Parallel()

	r := newTestRetriever(t, &fakeEmbedder{}, &fakeQueryStore{byLen: map[float32][]Match{}})
	got, err := r.Retrieve(context.Background(), []string{"anything"}, 0, 0, 0)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %v, want empty", got)
	}
}

// TestTextPrefix_RuneBoundary verifies that prefix truncation never splits a
// multi-byte rune: the key must stay valid UTF-8 and equal-content texts must
// still produce equal keys.
func TestTextPrefix_RuneBoundary(t *testing.T) {
	t.Parallel()

	r, err := NewMultiQueryRetriever(&fakeEmbedder{}, &fakeQueryStore{}, 5)
	if err != nil {
		t.Fatalf("NewMultiQueryRetriever: %v", err)
	}

	// "ééé" is 6 bytes; a byte-index cut at 5 would land mid-rune.
	prefix := r.textPrefix("ééé und so weiter")
	if !utf8.ValidString(prefix) {
		t.Errorf("prefix %q is not valid UTF-8", prefix)
	}
	if prefix != "éé" {
		t.Errorf("prefix = %q, want %q", prefix, "éé")
	}

	if a, b := r.textPrefix("ééé alpha"), r.textPrefix("ééé beta"); a != b {
		t.Errorf("equal-prefix texts diverged: %q vs %q", a, b)
	}
}
