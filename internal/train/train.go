// Package train implements the auto-training feedback loop: completed chat
// exchanges are filtered, distilled into standalone factual statements by the
// generation model, chunked with the shared ingestion policy, embedded, and
// written back into the vector store as auto-learned knowledge. The loop runs
// on a background worker detached from the request path; nothing here ever
// blocks or fails a user-visible chat turn.
package train

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/54b3r/kbchat-go/internal/ingestion"
	"github.com/54b3r/kbchat-go/internal/rag"
)

// Outcome is the terminal state of one training candidate.
type Outcome string

const (
	// OutcomeSkipped means the candidate was filtered out or contained no
	// extractable knowledge.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeQueued means the candidate was accepted onto the background
	// queue and will be processed later.
	OutcomeQueued Outcome = "queued"
	// OutcomeWritten means knowledge chunks were upserted to the store.
	OutcomeWritten Outcome = "written"
	// OutcomeFailed means extraction, embedding, or the upsert failed.
	OutcomeFailed Outcome = "failed"
)

const (
	// DefaultMinAnswerChars is the minimum answer length considered
	// informative enough to learn from.
	DefaultMinAnswerChars = 50

	// DefaultQueueSize bounds the background queue. Candidates scheduled
	// while the queue is full are dropped with a warning.
	DefaultQueueSize = 64

	// minExtractedChars rejects extractions too short to be standalone
	// knowledge.
	minExtractedChars = 50

	// noKnowledgeMarker is the sentinel the extraction prompt instructs the
	// model to return when the exchange contains nothing factual.
	noKnowledgeMarker = "NO_KNOWLEDGE"

	// processTimeout bounds one candidate's extract+embed+upsert cycle on
	// the background worker.
	processTimeout = 2 * time.Minute
)

// refusalPatterns identify answers that admit to having no information.
// Such answers are never worth learning from.
var refusalPatterns = []string{
	"i don't have",
	"i don't know",
	"not in my knowledge",
	"contact directly",
	"apologize, but i don't",
}

// Candidate is one completed exchange offered to the writer.
type Candidate struct {
	// Question is the user's message.
	Question string
	// Answer is the assistant's response.
	Answer string
	// HadContext reports whether the answer was grounded in retrieved
	// knowledge. Ungrounded answers are never learned from.
	HadContext bool
	// ConversationID identifies the source conversation.
	ConversationID string
}

// Completer generates text for the knowledge extraction step.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// TrainingLog records processed candidates so byte-identical answers are
// never written twice for the same conversation. A nil TrainingLog disables
// the check.
type TrainingLog interface {
	Seen(ctx context.Context, conversationID, digest string) (bool, error)
	Record(ctx context.Context, conversationID, digest, outcome string, chunks int) error
}

// Writer runs the auto-training loop. Construct with NewWriter, call Start
// to launch the background worker, and Close to drain it on shutdown.
type Writer struct {
	completer Completer
	embedder  rag.Embedder
	store     rag.VectorStore
	tlog      TrainingLog
	chunker   *ingestion.Chunker
	log       *slog.Logger

	minAnswerChars int

	queue chan Candidate
	wg    sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool
}

// Option configures a Writer.
type Option func(*Writer)

// WithTrainingLog enables per-conversation duplicate suppression backed by
// the given log.
func WithTrainingLog(tlog TrainingLog) Option {
	return func(w *Writer) { w.tlog = tlog }
}

// WithMinAnswerChars overrides the informativeness threshold. Non-positive
// values keep the default.
func WithMinAnswerChars(n int) Option {
	return func(w *Writer) {
		if n > 0 {
			w.minAnswerChars = n
		}
	}
}

// WithQueueSize overrides the background queue capacity. Non-positive values
// keep the default.
func WithQueueSize(n int) Option {
	return func(w *Writer) {
		if n > 0 {
			w.queue = make(chan Candidate, n)
		}
	}
}

// WithChunker overrides the chunking policy. Pass the same chunker the
// ingestion pipeline uses so stored chunks stay uniform.
func WithChunker(c *ingestion.Chunker) Option {
	return func(w *Writer) {
		if c != nil {
			w.chunker = c
		}
	}
}

// NewWriter constructs a Writer. completer, embedder, store, and log must not
// be nil.
func NewWriter(completer Completer, embedder rag.Embedder, store rag.VectorStore, log *slog.Logger, opts ...Option) (*Writer, error) {
	if completer == nil {
		return nil, fmt.Errorf("train: completer must not be nil")
	}
	if embedder == nil {
		return nil, fmt.Errorf("train: embedder must not be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("train: vector store must not be nil")
	}
	if log == nil {
		return nil, fmt.Errorf("train: logger must not be nil")
	}

	w := &Writer{
		completer:      completer,
		embedder:       embedder,
		store:          store,
		chunker:        ingestion.NewChunker(0, 0),
		log:            log,
		minAnswerChars: DefaultMinAnswerChars,
		queue:          make(chan Candidate, DefaultQueueSize),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start launches the background worker. Calling Start more than once is a
// no-op.
func (w *Writer) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started || w.closed {
		return
	}
	w.started = true

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for c := range w.queue {
			ctx, cancel := context.WithTimeout(context.Background(), processTimeout)
			outcome := w.Consider(ctx, c)
			cancel()
			w.log.Debug("train: candidate processed",
				slog.String("conversation_id", c.ConversationID),
				slog.String("outcome", string(outcome)),
			)
		}
	}()
}

// Schedule offers a candidate to the background queue and returns
// immediately. The return value is OutcomeQueued on success or OutcomeSkipped
// when the queue is full or the writer is closed; it never blocks the
// caller's request path.
func (w *Writer) Schedule(c Candidate) Outcome {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return OutcomeSkipped
	}

	select {
	case w.queue <- c:
		return OutcomeQueued
	default:
		w.log.Warn("train: queue full, dropping candidate",
			slog.String("conversation_id", c.ConversationID),
		)
		return OutcomeSkipped
	}
}

// Close stops accepting candidates and waits for the worker to drain the
// queue.
func (w *Writer) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	started := w.started
	close(w.queue)
	w.mu.Unlock()

	if started {
		w.wg.Wait()
	}
}

// Consider runs the full filter, extract, chunk, embed, upsert cycle for one
// candidate synchronously and returns the terminal outcome. It never returns
// an error: every failure is terminal and logged.
func (w *Writer) Consider(ctx context.Context, c Candidate) Outcome {
	answer := strings.TrimSpace(c.Answer)

	if !c.HadContext {
		return OutcomeSkipped
	}
	if len(answer) < w.minAnswerChars {
		return OutcomeSkipped
	}
	if isRefusal(answer) {
		return OutcomeSkipped
	}

	// Every stored chunk must carry a conversation id: it is part of the
	// point identity, and anonymous candidates from different turns must not
	// share one. Assign a fresh id rather than dropping the knowledge.
	if c.ConversationID == "" {
		c.ConversationID = uuid.NewString()
		w.log.Debug("train: candidate had no conversation id, assigned one",
			slog.String("conversation_id", c.ConversationID))
	}

	digest := answerDigest(answer)
	if w.tlog != nil {
		seen, err := w.tlog.Seen(ctx, c.ConversationID, digest)
		if err != nil {
			w.log.Warn("train: training log lookup failed, continuing without dedup",
				slog.String("error", err.Error()))
		} else if seen {
			return OutcomeSkipped
		}
	}

	extracted, outcome := w.extract(ctx, c.Question, answer)
	if outcome != "" {
		if outcome == OutcomeSkipped {
			w.record(ctx, c.ConversationID, digest, OutcomeSkipped, 0)
		}
		return outcome
	}

	texts := w.chunker.Split(extracted)
	if len(texts) == 0 {
		w.record(ctx, c.ConversationID, digest, OutcomeSkipped, 0)
		return OutcomeSkipped
	}

	embeddings, err := w.embedder.Embed(ctx, texts)
	if err != nil {
		w.log.Error("train: embedding failed",
			slog.String("conversation_id", c.ConversationID),
			slog.String("error", err.Error()))
		return OutcomeFailed
	}

	now := time.Now().UTC()
	source := "Auto-learned from conversation " + c.ConversationID
	chunks := make([]rag.KnowledgeChunk, 0, len(texts))
	for i, text := range texts {
		chunks = append(chunks, rag.KnowledgeChunk{
			Text:           text,
			Source:         source,
			ChunkIndex:     i,
			AutoLearned:    true,
			LearnedAt:      now,
			ConversationID: c.ConversationID,
		})
	}

	if err := w.store.Upsert(ctx, chunks, embeddings); err != nil {
		w.log.Error("train: upsert failed",
			slog.String("conversation_id", c.ConversationID),
			slog.String("error", err.Error()))
		return OutcomeFailed
	}

	w.record(ctx, c.ConversationID, digest, OutcomeWritten, len(chunks))
	w.log.Info("train: knowledge written",
		slog.String("conversation_id", c.ConversationID),
		slog.Int("chunks", len(chunks)),
	)
	return OutcomeWritten
}

// extract asks the generation model to distill the exchange into standalone
// factual statements. The returned outcome is "" on success, OutcomeSkipped
// when the model reports nothing worth keeping, and OutcomeFailed on a hard
// service failure (after one retry).
func (w *Writer) extract(ctx context.Context, question, answer string) (string, Outcome) {
	prompt := fmt.Sprintf(`You are a knowledge extraction system. Analyze the following conversation and extract any factual, useful information that could be added to a knowledge base.

USER QUESTION: %s

ASSISTANT RESPONSE: %s

INSTRUCTIONS:
1. Extract only factual, verifiable information from the response
2. Format it as clear, standalone knowledge that could help answer similar questions
3. If the response contains no factual information (e.g., just greetings, apologies, or "I don't know"), return "NO_KNOWLEDGE"
4. If useful knowledge is found, return it in a clear, structured format
5. Do not include questions, only factual statements

EXTRACTED KNOWLEDGE (or "NO_KNOWLEDGE" if none):`, question, answer)

	var text string
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		text, err = w.completer.Complete(ctx, prompt)
		if err == nil {
			break
		}
		// A dead context makes the retry a guaranteed second failure.
		if ctx.Err() != nil {
			break
		}
	}
	if err != nil {
		w.log.Error("train: knowledge extraction failed",
			slog.String("error", err.Error()))
		return "", OutcomeFailed
	}

	text = strings.TrimSpace(text)
	if text == "" || strings.EqualFold(text, noKnowledgeMarker) || len(text) < minExtractedChars {
		return "", OutcomeSkipped
	}
	return text, ""
}

// record persists the candidate's terminal outcome to the training log when
// one is configured. Failures never affect the returned outcome.
func (w *Writer) record(ctx context.Context, conversationID, digest string, outcome Outcome, chunks int) {
	if w.tlog == nil {
		return
	}
	if err := w.tlog.Record(ctx, conversationID, digest, string(outcome), chunks); err != nil {
		w.log.Warn("train: training log record failed",
			slog.String("error", err.Error()))
	}
}

// isRefusal reports whether the answer matches a known refusal pattern.
func isRefusal(answer string) bool {
	lower := strings.ToLower(answer)
	for _, p := range refusalPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// answerDigest returns the hex SHA-256 of the answer text, the key used for
// per-conversation duplicate suppression.
func answerDigest(answer string) string {
	h := sha256.Sum256([]byte(answer))
	return fmt.Sprintf("%x", h)
}
