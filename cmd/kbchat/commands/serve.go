package commands

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cloudwego/eino/callbacks"
	"github.com/spf13/cobra"

	"github.com/54b3r/kbchat-go/internal/chat"
	"github.com/54b3r/kbchat-go/internal/embedder"
	"github.com/54b3r/kbchat-go/internal/logging"
	"github.com/54b3r/kbchat-go/internal/provider"
	"github.com/54b3r/kbchat-go/internal/server"
	"github.com/54b3r/kbchat-go/internal/tracing"
)

// NewServeCmd constructs the `kbchat serve` command, which starts the HTTP
// server exposing the assistant over a REST/SSE API.
func NewServeCmd() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the kbchat HTTP server",
		Long: `Start the kbchat HTTP server on localhost.

The server exposes:
  POST /api/chat     streaming chat (SSE)
  POST /api/context  retrieval-only context inspection
  POST /api/train    manual training of an exchange
  GET  /api/health   liveness
  GET  /api/ready    readiness with dependency probes
  GET  /metrics      Prometheus metrics

Examples:
  kbchat serve
  kbchat serve --port 9090
  MODEL_PROVIDER=gemini kbchat serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			log.Info("serve starting", slog.String("provider", os.Getenv("MODEL_PROVIDER")))

			// Setup Langfuse tracing — opt-in, no-op if keys are absent.
			handler, flush, ok := tracing.Setup()
			if ok {
				callbacks.AppendGlobalHandlers(handler)
				defer flush()
				log.Info("langfuse tracing enabled")
			} else {
				log.Info("langfuse tracing disabled", slog.String("reason", "LANGFUSE_PUBLIC_KEY not set"))
			}

			if err := embedder.ValidateForRetrieval(log); err != nil {
				return fmt.Errorf("serve: %w", err)
			}

			providerCfg := provider.ConfigFromEnv()
			chatModel, err := provider.New(ctx, providerCfg)
			if err != nil {
				return fmt.Errorf("serve: failed to initialise model provider: %w", err)
			}
			log.Info("provider initialised", slog.String("provider", string(providerCfg.Backend)))

			emb, err := embedder.NewFromEnv()
			if err != nil {
				return fmt.Errorf("serve: failed to initialise embedder: %w", err)
			}

			vs, err := openVectorStore(ctx)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer vs.Close()

			history := openHistory(log)
			if history != nil {
				defer history.Close()
			}

			eng, err := buildEngine(chatModel, emb, vs, history, log)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer eng.Close()

			chatCfg := &chat.Config{ChatModel: chatModel, Engine: eng}
			if history != nil {
				chatCfg.History = history
			}
			assistant, err := chat.New(chatCfg)
			if err != nil {
				return fmt.Errorf("serve: failed to initialise assistant: %w", err)
			}

			pingers := []server.Pinger{
				server.NewModelPinger(chatModel, string(providerCfg.Backend)),
				vs,
			}

			srv, err := server.New(assistant, eng, &server.Config{
				Host:    getEnvOrDefault("KBCHAT_HOST", host),
				Port:    getEnvInt("KBCHAT_PORT", port),
				Logger:  log,
				Pingers: pingers,
				APIKey:  os.Getenv("KBCHAT_API_KEY"),
			})
			if err != nil {
				return fmt.Errorf("serve: failed to create server: %w", err)
			}

			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Host address to bind to")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "TCP port to listen on")

	return cmd
}
