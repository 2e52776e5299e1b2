// Package engine is the facade over the retrieval core. It wires the query
// expander, the multi-query retriever, the context assembler, and the
// knowledge writer behind two call boundaries: BuildContext, invoked
// synchronously once per chat turn before generation, and ScheduleTraining,
// invoked fire-and-forget after the response has been delivered.
package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/54b3r/kbchat-go/internal/expand"
	"github.com/54b3r/kbchat-go/internal/rag"
	"github.com/54b3r/kbchat-go/internal/train"
)

// Settings is the retrieval configuration surface, read once at process start
// and never re-read per call.
type Settings struct {
	// MaxVariants caps query expansion output.
	MaxVariants int

	// TopKPerVariant is the per-variant nearest-neighbor count.
	TopKPerVariant int

	// FinalTopK caps the merged match set.
	FinalTopK int

	// MinScore is the similarity floor in [0, 1]. Kept lenient on purpose:
	// recall is favoured at the retrieval layer.
	MinScore float64

	// MaxContextChars is the assembled context character budget.
	MaxContextChars int

	// EnableGenerativeExpansion turns on the model-backed expansion pass for
	// short queries.
	EnableGenerativeExpansion bool

	// ShortQueryWordThreshold is the word count at or below which the
	// generative pass runs.
	ShortQueryWordThreshold int
}

// DefaultSettings returns the settings used when no configuration overrides
// are present.
func DefaultSettings() Settings {
	return Settings{
		MaxVariants:               expand.DefaultMaxVariants,
		TopKPerVariant:            rag.DefaultTopKPerVariant,
		FinalTopK:                 rag.DefaultFinalTopK,
		MinScore:                  rag.DefaultMinScore,
		MaxContextChars:           rag.DefaultMaxContextChars,
		EnableGenerativeExpansion: true,
		ShortQueryWordThreshold:   expand.DefaultShortQueryWordThreshold,
	}
}

// Validate rejects settings that would silently break retrieval. Callers
// treat a validation error as fatal at startup.
func (s Settings) Validate() error {
	if s.MaxVariants < 1 {
		return fmt.Errorf("engine: max_variants must be >= 1, got %d", s.MaxVariants)
	}
	if s.TopKPerVariant < 1 {
		return fmt.Errorf("engine: top_k_per_variant must be >= 1, got %d", s.TopKPerVariant)
	}
	if s.FinalTopK < 1 {
		return fmt.Errorf("engine: final_top_k must be >= 1, got %d", s.FinalTopK)
	}
	if s.MinScore < 0 || s.MinScore > 1 {
		return fmt.Errorf("engine: min_score must be in [0, 1], got %g", s.MinScore)
	}
	if s.MaxContextChars < 1 {
		return fmt.Errorf("engine: max_context_chars must be >= 1, got %d", s.MaxContextChars)
	}
	if s.ShortQueryWordThreshold < 1 {
		return fmt.Errorf("engine: short_query_word_threshold must be >= 1, got %d", s.ShortQueryWordThreshold)
	}
	return nil
}

// Engine wires the retrieval pipeline together.
type Engine struct {
	settings  Settings
	expander  *expand.Expander
	retriever *rag.MultiQueryRetriever
	writer    *train.Writer
	log       *slog.Logger
}

// New constructs an Engine. embedder, store, and log are required. completer
// may be nil, which disables generative expansion regardless of settings.
// writer may be nil, which turns ScheduleTraining into a logged no-op.
func New(settings Settings, embedder rag.Embedder, store rag.VectorStore, completer expand.Completer, writer *train.Writer, log *slog.Logger) (*Engine, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		return nil, fmt.Errorf("engine: logger must not be nil")
	}

	retriever, err := rag.NewMultiQueryRetriever(embedder, store, 0)
	if err != nil {
		return nil, err
	}

	expandOpts := []expand.Option{
		expand.WithMaxVariants(settings.MaxVariants),
		expand.WithShortQueryThreshold(settings.ShortQueryWordThreshold),
	}
	if settings.EnableGenerativeExpansion && completer != nil {
		expandOpts = append(expandOpts, expand.WithCompleter(completer))
	}

	e := &Engine{
		settings:  settings,
		expander:  expand.New(log, expandOpts...),
		retriever: retriever,
		writer:    writer,
		log:       log,
	}
	if writer != nil {
		writer.Start()
	}
	return e, nil
}

// BuildContext expands the query, retrieves and merges matches across all
// variants, and assembles the bounded grounding context. An empty or
// unmatched query yields a bundle with HasContext=false, not an error; the
// call fails only when the original query's own retrieval path fails.
func (e *Engine) BuildContext(ctx context.Context, query string) (*rag.ContextBundle, error) {
	variants := e.expander.Expand(ctx, query)

	matches, err := e.retriever.Retrieve(ctx, variants, e.settings.TopKPerVariant, e.settings.MinScore, e.settings.FinalTopK)
	if err != nil {
		return nil, err
	}

	bundle := rag.Assemble(matches, e.settings.MaxContextChars)

	e.log.Debug("engine: context built",
		slog.Int("variants", len(variants)),
		slog.Int("matches", len(bundle.Matches)),
		slog.Int("rendered_chars", len(bundle.Rendered)),
		slog.Bool("has_context", bundle.HasContext),
	)
	return &bundle, nil
}

// ScheduleTraining offers a completed exchange to the knowledge writer's
// background queue. It returns immediately and never blocks or fails the
// caller.
func (e *Engine) ScheduleTraining(question, answer string, hadContext bool, conversationID string) {
	if e.writer == nil {
		e.log.Debug("engine: training disabled, dropping candidate",
			slog.String("conversation_id", conversationID))
		return
	}
	e.writer.Schedule(train.Candidate{
		Question:       question,
		Answer:         answer,
		HadContext:     hadContext,
		ConversationID: conversationID,
	})
}

// Settings returns the engine's immutable configuration.
func (e *Engine) Settings() Settings {
	return e.settings
}

// Close drains the knowledge writer's queue. Safe to call when training is
// disabled.
func (e *Engine) Close() {
	if e.writer != nil {
		e.writer.Close()
	}
}
