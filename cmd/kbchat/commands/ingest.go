package commands

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/54b3r/kbchat-go/internal/embedder"
	"github.com/54b3r/kbchat-go/internal/ingestion"
	"github.com/54b3r/kbchat-go/internal/logging"
)

// NewIngestCmd constructs the `kbchat ingest` command, which runs the
// ingestion pipeline to populate the knowledge base vector store.
func NewIngestCmd() *cobra.Command {
	var label string
	var kind string
	var sources []string

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest documents into the knowledge base",
		Long: `Load, chunk, embed, and index documents into the Qdrant vector store.

Sources can be local files or HTTP(S) URLs. Each document is split into
overlapping chunks, embedded, and stored with a source label that later
appears in assembled answer context.

Required environment variables:
  QDRANT_HOST          Qdrant server hostname (default: localhost)
  QDRANT_PORT          Qdrant gRPC port (default: 6334)
  QDRANT_COLLECTION    Collection name (default: kbchat-knowledge)
  QDRANT_API_KEY       Optional API key for authenticated clusters
  EMBEDDING_PROVIDER   Embedding backend: ollama, openai, azure (default: ollama)
  EMBEDDING_*          Provider-specific overrides (see README)

Metadata flags (--label, --kind) are optional. When omitted, metadata is
auto-inferred from the location (file extension, URL host and path).
Explicit flags apply to every source in the invocation.

Examples:
  kbchat ingest --source ./docs/handbook.md
  kbchat ingest --source https://wiki.example.com/onboarding --kind wiki
  kbchat ingest --source ./faq.md --label "Support FAQ" --kind faq`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			if len(sources) == 0 {
				return fmt.Errorf("ingest: at least one --source is required")
			}

			if err := embedder.ValidateForRetrieval(log); err != nil {
				return fmt.Errorf("ingest: %w", err)
			}

			emb, err := embedder.NewFromEnv()
			if err != nil {
				return fmt.Errorf("ingest: failed to initialise embedder: %w", err)
			}
			log.Info("embedder initialised",
				slog.String("provider", getEnvOrDefault("EMBEDDING_PROVIDER", getEnvOrDefault("MODEL_PROVIDER", "ollama"))))

			vs, err := openVectorStore(ctx)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			defer vs.Close()

			pipeline, err := ingestion.NewPipeline(emb, vs, nil)
			if err != nil {
				return fmt.Errorf("ingest: failed to create pipeline: %w", err)
			}

			labelSet := cmd.Flags().Changed("label")
			kindSet := cmd.Flags().Changed("kind")

			ingestSources := make([]ingestion.Source, 0, len(sources))
			for _, loc := range sources {
				inferred := ingestion.InferMetadata(loc)

				src := ingestion.Source{Location: loc}
				if labelSet {
					src.Label = label
				} else {
					src.Label = inferred.Label
				}
				if kindSet {
					src.Kind = kind
				} else {
					src.Kind = inferred.Kind
				}

				log.Info("source metadata",
					slog.String("location", loc),
					slog.String("label", src.Label),
					slog.String("kind", src.Kind),
				)
				ingestSources = append(ingestSources, src)
			}

			log.Info("starting ingestion", slog.Int("sources", len(ingestSources)))

			if err := pipeline.Ingest(ctx, ingestSources, func(msg string) {
				log.Info(msg)
			}); err != nil {
				return fmt.Errorf("ingest: pipeline failed: %w", err)
			}

			log.Info("ingestion complete", slog.Int("sources", len(ingestSources)))
			return nil
		},
	}

	cmd.Flags().StringVarP(&label, "label", "l", "", "Source label stored with each chunk (default: inferred)")
	cmd.Flags().StringVarP(&kind, "kind", "k", "", "Source kind: document, wiki, faq, repo (default: inferred)")
	cmd.Flags().StringArrayVarP(&sources, "source", "s", nil, "File path or URL to ingest (repeatable)")

	return cmd
}
