package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/54b3r/kbchat-go/internal/embedder"
	"github.com/54b3r/kbchat-go/internal/logging"
)

// NewSearchCmd constructs the `kbchat search` command, which runs the
// retrieval pipeline for a query and prints the matches without generating
// an answer. Useful for inspecting what the assistant would be grounded on.
func NewSearchCmd() *cobra.Command {
	var showContext bool

	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search the knowledge base without generating an answer",
		Long: `Run the full retrieval pipeline (query expansion, multi-query search,
merge, dedup) for a query and print the matching chunks with their scores.

No LLM is called: expansion uses the rule-based pass only, and no answer is
generated. This makes search cheap to run while debugging recall issues.

Examples:
  kbchat search "parental leave policy"
  kbchat search --context "who leads the platform team?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			if err := embedder.ValidateForRetrieval(log); err != nil {
				return fmt.Errorf("search: %w", err)
			}

			emb, err := embedder.NewFromEnv()
			if err != nil {
				return fmt.Errorf("search: failed to initialise embedder: %w", err)
			}

			vs, err := openVectorStore(ctx)
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}
			defer vs.Close()

			// No chat model: rule-based expansion only, no training.
			eng, err := buildEngine(nil, emb, vs, nil, log)
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}

			bundle, err := eng.BuildContext(ctx, args[0])
			if err != nil {
				return fmt.Errorf("search: retrieval failed: %w", err)
			}

			if !bundle.HasContext {
				fmt.Println("no matches")
				return nil
			}

			for i, m := range bundle.Matches {
				fmt.Printf("%2d. [%.3f] %s\n", i+1, m.Score, m.Source)
				fmt.Printf("    %s\n", m.Text)
			}

			if showContext {
				fmt.Printf("\n--- assembled context (%d chars) ---\n%s", len(bundle.Rendered), bundle.Rendered)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showContext, "context", false, "Also print the assembled context block")

	return cmd
}
