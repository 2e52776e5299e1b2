// Package ingestion implements the knowledge base ingestion pipeline.
// It loads documents from local files or HTTP(S) URLs, chunks the content,
// embeds each chunk, and upserts the results into the vector store.
// The pipeline is invoked by the `kbchat ingest` CLI command; its chunking
// policy is shared with the auto-training knowledge writer.
package ingestion

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/54b3r/kbchat-go/internal/rag"
)

// Source describes one document to be ingested.
type Source struct {
	// Location is a local file path or an HTTP(S) URL.
	Location string

	// Label is the human-readable source name stored with each chunk and
	// surfaced in assembled context. Empty means derive from Location.
	Label string

	// Kind classifies the source (document, wiki, faq, repo). Empty means
	// infer from Location.
	Kind string
}

// Config holds the configuration for the ingestion pipeline.
type Config struct {
	// ChunkSize is the maximum number of characters per chunk.
	// Defaults to DefaultChunkSize if zero.
	ChunkSize int

	// ChunkOverlap is the number of characters shared between consecutive
	// chunks. Defaults to DefaultChunkOverlap if zero.
	ChunkOverlap int

	// HTTPTimeout is the timeout for each URL fetch. Defaults to 30s if zero.
	HTTPTimeout time.Duration

	// UserAgent is the HTTP User-Agent header sent with fetch requests.
	UserAgent string
}

// Pipeline orchestrates the load, chunk, embed, upsert flow for a set of
// knowledge sources.
type Pipeline struct {
	// embedder converts text chunks into dense vector embeddings.
	embedder rag.Embedder

	// store persists the embedded chunks.
	store rag.VectorStore

	// chunker is the shared chunking policy.
	chunker *Chunker

	// cfg holds the resolved pipeline configuration.
	cfg *Config

	// httpClient is used for fetching URL sources.
	httpClient *http.Client
}

// NewPipeline constructs a Pipeline from the provided dependencies and config.
func NewPipeline(embedder rag.Embedder, store rag.VectorStore, cfg *Config) (*Pipeline, error) {
	if embedder == nil {
		return nil, fmt.Errorf("ingestion: embedder must not be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("ingestion: store must not be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "kbchat-go/1.0 (knowledge base ingestion)"
	}

	return &Pipeline{
		embedder: embedder,
		store:    store,
		chunker:  NewChunker(cfg.ChunkSize, cfg.ChunkOverlap),
		cfg:      cfg,
		httpClient: &http.Client{
			Timeout: cfg.HTTPTimeout,
		},
	}, nil
}

// Ingest loads, chunks, embeds, and stores all provided sources.
// It processes sources sequentially and returns the first error encountered.
// Progress is reported via the optional progress callback.
func (p *Pipeline) Ingest(ctx context.Context, sources []Source, progress func(msg string)) error {
	if progress == nil {
		progress = func(string) {}
	}

	for _, src := range sources {
		progress(fmt.Sprintf("loading %s", src.Location))

		content, err := p.load(ctx, src.Location)
		if err != nil {
			return fmt.Errorf("ingestion: load failed for %s: %w", src.Location, err)
		}

		texts := p.chunker.Split(content)
		if len(texts) == 0 {
			progress(fmt.Sprintf("skipping %s: no content", src.Location))
			continue
		}
		progress(fmt.Sprintf("chunked %s into %d chunks", src.Location, len(texts)))

		embeddings, err := p.embedder.Embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("ingestion: embedding failed for %s: %w", src.Location, err)
		}

		label := src.Label
		if label == "" {
			label = InferMetadata(src.Location).Label
		}

		chunks := make([]rag.KnowledgeChunk, 0, len(texts))
		for i, text := range texts {
			chunks = append(chunks, rag.KnowledgeChunk{
				Text:       text,
				Source:     label,
				ChunkIndex: i,
			})
		}

		if err := p.store.Upsert(ctx, chunks, embeddings); err != nil {
			return fmt.Errorf("ingestion: upsert failed for %s: %w", src.Location, err)
		}

		progress(fmt.Sprintf("ingested %d chunks from %s", len(texts), src.Location))
	}

	return nil
}

// load retrieves the raw text content of a source location. HTTP(S) URLs are
// fetched over the network; everything else is treated as a local file path.
func (p *Pipeline) load(ctx context.Context, location string) (string, error) {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		return p.fetch(ctx, location)
	}
	data, err := os.ReadFile(location)
	if err != nil {
		return "", fmt.Errorf("reading file: %w", err)
	}
	return string(data), nil
}

// fetch retrieves the raw text content of a URL.
func (p *Pipeline) fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", p.cfg.UserAgent)
	req.Header.Set("Accept", "text/plain, text/markdown, text/html")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d for %s", resp.StatusCode, url)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading body: %w", err)
	}

	return string(body), nil
}
