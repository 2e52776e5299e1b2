// Package rag implements the knowledge retrieval core: shared client
// interfaces for embedding and vector search, the multi-query retriever that
// fans a set of query variants out against the store and merges the results,
// and the context assembler that turns ranked matches into a bounded
// grounding block. Concrete backends (Qdrant, etc.) satisfy the interfaces so
// the chat layer never depends on a specific vendor client.
package rag

import (
	"context"
	"time"
)

// Match is one vector-store search result, validated once at the client
// boundary so the core never sees a vendor response shape.
type Match struct {
	// ID is the unique identifier of the stored chunk.
	ID string

	// Score is the cosine similarity assigned during retrieval, in [0, 1]
	// (higher = closer).
	Score float64

	// Text is the stored chunk text.
	Text string

	// Source is the origin label of the chunk (URL, file path, or an
	// auto-learned conversation reference).
	Source string

	// Metadata holds the remaining stored key-value pairs (chunk_index,
	// auto_learned, learned_at, conversation_id, ...).
	Metadata map[string]string
}

// KnowledgeChunk is a unit of text ready for embedding and storage. Chunks
// are produced by the ingestion pipeline or by the knowledge writer; the
// writer always sets AutoLearned and ConversationID.
type KnowledgeChunk struct {
	// Text is the chunk content.
	Text string

	// Source is the origin label persisted alongside the chunk.
	Source string

	// ChunkIndex is the position of this chunk within its source document.
	ChunkIndex int

	// AutoLearned marks chunks written by the auto-training loop.
	AutoLearned bool

	// LearnedAt is the write timestamp for auto-learned chunks.
	// Zero for ingested chunks.
	LearnedAt time.Time

	// ConversationID identifies the conversation an auto-learned chunk was
	// extracted from. Empty for ingested chunks.
	ConversationID string
}

// Embedder converts text into dense vector embeddings.
// Implementations must be safe to call from multiple goroutines.
type Embedder interface {
	// Embed converts a batch of texts into their corresponding embeddings.
	// The returned slice is parallel to the input slice.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorStore is the interface for persisting and searching chunk embeddings.
// Implementations must be safe to call from multiple goroutines and are
// assumed to provide per-operation atomicity only; the core performs no
// multi-step transactions against the store.
type VectorStore interface {
	// Upsert stores or updates a batch of chunks with their pre-computed
	// embeddings. embeddings[i] is the vector for chunks[i].
	Upsert(ctx context.Context, chunks []KnowledgeChunk, embeddings [][]float32) error

	// Query performs a similarity search for the query embedding, returning
	// at most topK matches with score >= minScore, ordered by score
	// descending.
	Query(ctx context.Context, queryEmbedding []float32, topK int, minScore float64) ([]Match, error)

	// Delete removes chunks by their IDs.
	Delete(ctx context.Context, ids []string) error

	// Close releases any resources held by the store.
	Close() error
}
