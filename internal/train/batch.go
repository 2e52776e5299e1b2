package train

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/54b3r/kbchat-go/internal/store"
)

// Batch training defaults.
const (
	// DefaultBatchDaysBack is how far back batch training looks.
	DefaultBatchDaysBack = 7
	// DefaultBatchMinAnswerChars filters exchanges with short answers before
	// they reach the writer. Stricter than the live threshold because batch
	// replay has no quality signal beyond length.
	DefaultBatchMinAnswerChars = 100
	// DefaultBatchLimit caps the number of exchanges replayed per run.
	DefaultBatchLimit = 100
)

// ExchangeSource lists recent question/answer pairs from the conversation
// history. *store.SQLiteStore satisfies it.
type ExchangeSource interface {
	RecentExchanges(ctx context.Context, since time.Time, limit int) ([]store.Exchange, error)
}

// BatchConfig controls one batch training run. Zero values select defaults.
type BatchConfig struct {
	// DaysBack is the history window.
	DaysBack int
	// MinAnswerChars filters short answers before extraction.
	MinAnswerChars int
	// Limit caps the number of exchanges replayed.
	Limit int
}

// BatchResult summarizes one batch training run.
type BatchResult struct {
	// Considered is the number of exchanges replayed through the writer.
	Considered int
	// Written is the number of exchanges that produced knowledge chunks.
	Written int
	// Failed is the number of exchanges whose processing failed.
	Failed int
}

// Batch replays recent conversation exchanges through the writer
// synchronously. Already-processed exchanges are skipped by the writer's
// training log, so repeated runs are cheap.
func Batch(ctx context.Context, src ExchangeSource, w *Writer, cfg BatchConfig, log *slog.Logger) (BatchResult, error) {
	if cfg.DaysBack <= 0 {
		cfg.DaysBack = DefaultBatchDaysBack
	}
	if cfg.MinAnswerChars <= 0 {
		cfg.MinAnswerChars = DefaultBatchMinAnswerChars
	}
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultBatchLimit
	}

	since := time.Now().AddDate(0, 0, -cfg.DaysBack)
	exchanges, err := src.RecentExchanges(ctx, since, cfg.Limit)
	if err != nil {
		return BatchResult{}, fmt.Errorf("train: batch listing exchanges: %w", err)
	}

	var res BatchResult
	for _, ex := range exchanges {
		if len(ex.Answer) < cfg.MinAnswerChars {
			continue
		}
		res.Considered++

		outcome := w.Consider(ctx, Candidate{
			Question: ex.Question,
			Answer:   ex.Answer,
			// Historical answers carry no grounding flag; batch replay
			// trusts the length and refusal filters instead.
			HadContext:     true,
			ConversationID: ex.ConversationID,
		})
		switch outcome {
		case OutcomeWritten:
			res.Written++
		case OutcomeFailed:
			res.Failed++
		}
	}

	log.Info("train: batch run complete",
		slog.Int("considered", res.Considered),
		slog.Int("written", res.Written),
		slog.Int("failed", res.Failed),
	)
	return res, nil
}
