package commands

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/54b3r/kbchat-go/internal/chat"
	"github.com/54b3r/kbchat-go/internal/embedder"
	"github.com/54b3r/kbchat-go/internal/logging"
	"github.com/54b3r/kbchat-go/internal/provider"
)

// NewAskCmd constructs the `kbchat ask` command, which sends a single natural
// language question to the assistant and streams the grounded reply to stdout.
func NewAskCmd() *cobra.Command {
	var conversationID string

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask the knowledge base a question",
		Long: `Ask the assistant a natural language question.

The question is expanded into multiple query variants, matched against the
knowledge base, and answered using the retrieved context. Useful answers are
written back into the knowledge base automatically.

Examples:
  kbchat ask "who leads the platform team?"
  kbchat ask --conversation onboarding "what was that deploy command again?"
  kbchat ask "what services do we offer?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			if err := embedder.ValidateForRetrieval(log); err != nil {
				return fmt.Errorf("ask: %w", err)
			}

			chatModel, err := provider.NewFromEnv(ctx)
			if err != nil {
				return fmt.Errorf("ask: failed to initialise model provider: %w", err)
			}

			emb, err := embedder.NewFromEnv()
			if err != nil {
				return fmt.Errorf("ask: failed to initialise embedder: %w", err)
			}

			vs, err := openVectorStore(ctx)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			defer vs.Close()

			history := openHistory(log)
			if history != nil {
				defer history.Close()
			}

			eng, err := buildEngine(chatModel, emb, vs, history, log)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			defer eng.Close()

			cfg := &chat.Config{ChatModel: chatModel, Engine: eng}
			if history != nil {
				cfg.History = history
			}
			assistant, err := chat.New(cfg)
			if err != nil {
				return fmt.Errorf("ask: failed to initialise assistant: %w", err)
			}

			// One-shot invocations still need a real conversation id so the
			// history entries and any auto-learned knowledge from this turn
			// stay attributable.
			if conversationID == "" {
				conversationID = uuid.NewString()
			}

			if _, err := assistant.Stream(ctx, conversationID, args[0], os.Stdout); err != nil {
				return err //nolint:wrapcheck // CLI entry point — error goes directly to cobra
			}
			fmt.Println()
			return nil
		},
	}

	cmd.Flags().StringVarP(&conversationID, "conversation", "c", "", "Conversation ID for multi-turn context")

	return cmd
}
