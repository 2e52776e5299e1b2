package rag

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strconv"
	"time"

	"github.com/qdrant/go-client/qdrant"
)

// Payload keys reserved by the store. Everything else in a point payload is
// surfaced through Match.Metadata.
const (
	payloadText   = "text"
	payloadSource = "source"
)

// QdrantConfig holds connection parameters for a Qdrant vector store instance.
type QdrantConfig struct {
	// Host is the Qdrant server hostname (default: localhost).
	Host string

	// Port is the Qdrant gRPC port (default: 6334).
	Port int

	// Collection is the Qdrant collection name to use.
	Collection string

	// VectorSize is the dimensionality of the embeddings stored in this collection.
	VectorSize uint64

	// APIKey is the optional Qdrant API key for authenticated clusters.
	APIKey string

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool
}

// QdrantStore implements VectorStore backed by a Qdrant instance using
// cosine distance, so scores arrive already normalised to [0, 1].
type QdrantStore struct {
	// client is the underlying Qdrant gRPC client.
	client *qdrant.Client

	// cfg holds the resolved configuration for this store.
	cfg *QdrantConfig
}

// NewQdrantStore creates a new QdrantStore, ensuring the target collection
// exists (creating it if necessary), and returns a ready-to-use VectorStore.
func NewQdrantStore(ctx context.Context, cfg *QdrantConfig) (*QdrantStore, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}

	clientCfg := &qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	}

	client, err := qdrant.NewClient(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("qdrant: failed to create client: %w", err)
	}

	store := &QdrantStore{client: client, cfg: cfg}
	if err := store.ensureCollection(ctx); err != nil {
		return nil, err
	}

	return store, nil
}

// ensureCollection creates the Qdrant collection if it does not already exist.
func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.cfg.Collection)
	if err != nil {
		return fmt.Errorf("qdrant: failed to check collection existence: %w", err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.cfg.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     s.cfg.VectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant: failed to create collection %q: %w", s.cfg.Collection, err)
	}

	return nil
}

// Upsert stores or updates a batch of chunks with their pre-computed
// embeddings. Point IDs are deterministic (see chunkPointID) so re-writing
// the same chunk overwrites rather than duplicates.
func (s *QdrantStore) Upsert(ctx context.Context, chunks []KnowledgeChunk, embeddings [][]float32) error {
	if len(chunks) != len(embeddings) {
		return fmt.Errorf("qdrant: %d chunks but %d embeddings", len(chunks), len(embeddings))
	}

	points := make([]*qdrant.PointStruct, 0, len(chunks))
	for i, chunk := range chunks {
		payload := map[string]interface{}{
			payloadText:   chunk.Text,
			payloadSource: chunk.Source,
			"chunk_index": strconv.Itoa(chunk.ChunkIndex),
		}
		if chunk.AutoLearned {
			payload["auto_learned"] = "true"
			payload["learned_at"] = chunk.LearnedAt.UTC().Format(time.RFC3339)
			payload["conversation_id"] = chunk.ConversationID
		}

		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(chunkPointID(chunk)),
			Vectors: qdrant.NewVectors(embeddings[i]...),
			Payload: qdrant.NewValueMap(payload),
		})
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.cfg.Collection,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("qdrant: upsert failed: %w", err)
	}

	return nil
}

// Query performs a cosine similarity search and returns at most topK matches
// with score >= minScore, ordered by score descending. The vendor response is
// converted to the internal Match shape here, at the client boundary.
func (s *QdrantStore) Query(ctx context.Context, queryEmbedding []float32, topK int, minScore float64) ([]Match, error) {
	limit := uint64(topK) //nolint:gosec // topK is validated positive by callers
	threshold := float32(minScore)
	results, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.cfg.Collection,
		Query:          qdrant.NewQuery(queryEmbedding...),
		Limit:          &limit,
		ScoreThreshold: &threshold,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: query failed: %w", err)
	}

	matches := make([]Match, 0, len(results))
	for _, r := range results {
		m := Match{
			ID:       r.Id.GetUuid(),
			Score:    float64(r.Score),
			Metadata: make(map[string]string),
		}
		if p := r.Payload; p != nil {
			if v, ok := p[payloadText]; ok {
				m.Text = v.GetStringValue()
			}
			if v, ok := p[payloadSource]; ok {
				m.Source = v.GetStringValue()
			}
			for k, v := range p {
				if k != payloadText && k != payloadSource {
					m.Metadata[k] = v.GetStringValue()
				}
			}
		}
		matches = append(matches, m)
	}

	return matches, nil
}

// Delete removes chunks from the collection by their IDs.
func (s *QdrantStore) Delete(ctx context.Context, ids []string) error {
	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		pointIDs = append(pointIDs, qdrant.NewIDUUID(id))
	}

	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.cfg.Collection,
		Points:         qdrant.NewPointsSelector(pointIDs...),
	})
	if err != nil {
		return fmt.Errorf("qdrant: delete failed: %w", err)
	}

	return nil
}

// Ping checks that the Qdrant collection is reachable. Used by the server's
// readiness probe.
func (s *QdrantStore) Ping(ctx context.Context) error {
	if _, err := s.client.CollectionExists(ctx, s.cfg.Collection); err != nil {
		return fmt.Errorf("qdrant: ping failed: %w", err)
	}
	return nil
}

// Name identifies this dependency in readiness responses.
func (s *QdrantStore) Name() string { return "qdrant" }

// Close closes the underlying Qdrant gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// chunkPointID derives a stable UUID-shaped identifier for a chunk. Ingested
// chunks hash source + index so re-ingesting a document overwrites its old
// points in place. Auto-learned chunks additionally hash the text itself:
// their Source is derived from the conversation id, and a conversation can
// teach many facts over its lifetime, so each distinct fact must map to its
// own point rather than overwrite the last one.
func chunkPointID(c KnowledgeChunk) string {
	identity := fmt.Sprintf("%s#%d#%s", c.Source, c.ChunkIndex, c.ConversationID)
	if c.AutoLearned {
		textDigest := sha256.Sum256([]byte(c.Text))
		identity = fmt.Sprintf("%s#%x", identity, textDigest)
	}
	h := sha256.Sum256([]byte(identity))
	// Format the first 16 bytes as a UUID string, which Qdrant accepts as a
	// point ID.
	return fmt.Sprintf("%x-%x-%x-%x-%x", h[0:4], h[4:6], h[6:8], h[8:10], h[10:16])
}
