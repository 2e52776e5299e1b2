package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/cloudwego/eino/components/model"

	"github.com/54b3r/kbchat-go/internal/embedder"
	"github.com/54b3r/kbchat-go/internal/engine"
	"github.com/54b3r/kbchat-go/internal/provider"
	"github.com/54b3r/kbchat-go/internal/rag"
	"github.com/54b3r/kbchat-go/internal/store"
	"github.com/54b3r/kbchat-go/internal/train"
)

// settingsFromEnv resolves the retrieval settings, starting from the defaults
// and applying RETRIEVAL_* environment overrides (which the YAML config layer
// also populates).
func settingsFromEnv() engine.Settings {
	s := engine.DefaultSettings()
	s.MaxVariants = getEnvInt("RETRIEVAL_MAX_VARIANTS", s.MaxVariants)
	s.TopKPerVariant = getEnvInt("RETRIEVAL_TOP_K_PER_VARIANT", s.TopKPerVariant)
	s.FinalTopK = getEnvInt("RETRIEVAL_FINAL_TOP_K", s.FinalTopK)
	s.MinScore = getEnvFloat("RETRIEVAL_MIN_SCORE", s.MinScore)
	s.MaxContextChars = getEnvInt("RETRIEVAL_MAX_CONTEXT_CHARS", s.MaxContextChars)
	s.EnableGenerativeExpansion = getEnvBool("RETRIEVAL_GENERATIVE_EXPANSION", s.EnableGenerativeExpansion)
	s.ShortQueryWordThreshold = getEnvInt("RETRIEVAL_SHORT_QUERY_WORDS", s.ShortQueryWordThreshold)
	return s
}

// openVectorStore connects to Qdrant using the QDRANT_* environment variables
// and ensures the knowledge collection exists.
func openVectorStore(ctx context.Context) (*rag.QdrantStore, error) {
	embBackend := getEnvOrDefault("EMBEDDING_PROVIDER", getEnvOrDefault("MODEL_PROVIDER", "ollama"))
	vectorSize := uint64(embedder.DefaultDimensions(embBackend)) //nolint:gosec // dimensions are bounded

	vs, err := rag.NewQdrantStore(ctx, &rag.QdrantConfig{
		Host:       getEnvOrDefault("QDRANT_HOST", "localhost"),
		Port:       getEnvInt("QDRANT_PORT", 6334),
		Collection: getEnvOrDefault("QDRANT_COLLECTION", "kbchat-knowledge"),
		VectorSize: vectorSize,
		APIKey:     os.Getenv("QDRANT_API_KEY"),
		UseTLS:     os.Getenv("QDRANT_TLS") == "true",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Qdrant: %w", err)
	}
	return vs, nil
}

// openHistory opens the conversation store. KBCHAT_HISTORY_DB overrides the
// default path (~/.kbchat/history.db); "disabled" turns history off entirely.
// Returns nil without error when history is disabled or unavailable, so a
// broken local database never blocks the assistant.
func openHistory(log *slog.Logger) *store.SQLiteStore {
	dbPath := os.Getenv("KBCHAT_HISTORY_DB")
	if dbPath == "disabled" {
		log.Info("history: disabled via KBCHAT_HISTORY_DB=disabled")
		return nil
	}
	if dbPath == "" {
		var err error
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			log.Warn("history: could not resolve default DB path, disabling", slog.Any("error", err))
			return nil
		}
	}
	hs, err := store.Open(dbPath)
	if err != nil {
		log.Warn("history: failed to open store, disabling", slog.Any("error", err))
		return nil
	}
	log.Info("history: store opened", slog.String("path", dbPath))
	return hs
}

// buildWriter constructs the background knowledge writer when auto-training
// is enabled. Returns nil when TRAINING_ENABLED=false, which turns
// ScheduleTraining into a logged no-op.
func buildWriter(completer train.Completer, emb rag.Embedder, vs rag.VectorStore, history *store.SQLiteStore, log *slog.Logger) (*train.Writer, error) {
	if !getEnvBool("TRAINING_ENABLED", true) {
		log.Info("training: disabled via TRAINING_ENABLED=false")
		return nil, nil
	}

	opts := []train.Option{
		train.WithMinAnswerChars(getEnvInt("TRAINING_MIN_ANSWER_CHARS", 0)),
		train.WithQueueSize(getEnvInt("TRAINING_QUEUE_SIZE", 0)),
	}
	if history != nil {
		opts = append(opts, train.WithTrainingLog(history))
	}

	w, err := train.NewWriter(completer, emb, vs, log, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create knowledge writer: %w", err)
	}
	return w, nil
}

// buildEngine assembles the retrieval engine from a chat model and the
// shared embedder/store pair. chatModel may be nil, which disables the
// generative expansion pass and auto-training.
func buildEngine(chatModel model.BaseChatModel, emb rag.Embedder, vs rag.VectorStore, history *store.SQLiteStore, log *slog.Logger) (*engine.Engine, error) {
	var completer *provider.ModelCompleter
	var writer *train.Writer

	if chatModel != nil {
		var err error
		completer, err = provider.NewCompleter(chatModel, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to create completer: %w", err)
		}
		writer, err = buildWriter(completer, emb, vs, history, log)
		if err != nil {
			return nil, err
		}
	}

	// The nil *ModelCompleter must stay a nil interface value so the engine
	// disables generative expansion cleanly.
	eng, err := func() (*engine.Engine, error) {
		if completer == nil {
			return engine.New(settingsFromEnv(), emb, vs, nil, writer, log)
		}
		return engine.New(settingsFromEnv(), emb, vs, completer, writer, log)
	}()
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	return eng, nil
}

// getEnvOrDefault returns the env var value or fallback when unset/empty.
func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getEnvInt returns the env var parsed as int, or fallback when unset or
// unparseable.
func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// getEnvFloat returns the env var parsed as float64, or fallback when unset
// or unparseable.
func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

// getEnvBool returns the env var parsed as bool, or fallback when unset or
// unparseable.
func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
