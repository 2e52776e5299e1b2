package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/54b3r/kbchat-go/internal/embedder"
	"github.com/54b3r/kbchat-go/internal/logging"
	"github.com/54b3r/kbchat-go/internal/provider"
	"github.com/54b3r/kbchat-go/internal/train"
)

// NewTrainCmd constructs the `kbchat train` command, which replays recent
// conversation history through the knowledge writer.
func NewTrainCmd() *cobra.Command {
	var daysBack int
	var limit int
	var minChars int

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Replay recent conversations into the knowledge base",
		Long: `Replay recent question/answer exchanges from the conversation history
through the knowledge writer.

Each exchange is filtered (length, refusal phrasing), distilled into factual
statements by the LLM, chunked, embedded, and written into the vector store.
Already-processed exchanges are skipped via the training log, so repeated
runs only pay for new conversations.

Examples:
  kbchat train
  kbchat train --days 30 --limit 500
  kbchat train --min-chars 200`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			history := openHistory(log)
			if history == nil {
				return fmt.Errorf("train: conversation history is unavailable, nothing to replay")
			}
			defer history.Close()

			if err := embedder.ValidateForRetrieval(log); err != nil {
				return fmt.Errorf("train: %w", err)
			}

			chatModel, err := provider.NewFromEnv(ctx)
			if err != nil {
				return fmt.Errorf("train: failed to initialise model provider: %w", err)
			}
			completer, err := provider.NewCompleter(chatModel, 0)
			if err != nil {
				return fmt.Errorf("train: %w", err)
			}

			emb, err := embedder.NewFromEnv()
			if err != nil {
				return fmt.Errorf("train: failed to initialise embedder: %w", err)
			}

			vs, err := openVectorStore(ctx)
			if err != nil {
				return fmt.Errorf("train: %w", err)
			}
			defer vs.Close()

			writer, err := train.NewWriter(completer, emb, vs, log, train.WithTrainingLog(history))
			if err != nil {
				return fmt.Errorf("train: failed to create knowledge writer: %w", err)
			}

			res, err := train.Batch(ctx, history, writer, train.BatchConfig{
				DaysBack:       daysBack,
				MinAnswerChars: minChars,
				Limit:          limit,
			}, log)
			if err != nil {
				return fmt.Errorf("train: %w", err)
			}

			fmt.Printf("considered %d exchanges: %d written, %d failed\n",
				res.Considered, res.Written, res.Failed)
			return nil
		},
	}

	cmd.Flags().IntVar(&daysBack, "days", train.DefaultBatchDaysBack, "How many days of history to replay")
	cmd.Flags().IntVar(&limit, "limit", train.DefaultBatchLimit, "Maximum number of exchanges to replay")
	cmd.Flags().IntVar(&minChars, "min-chars", train.DefaultBatchMinAnswerChars, "Minimum answer length to consider")

	return cmd
}
