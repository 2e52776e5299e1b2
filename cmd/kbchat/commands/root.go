// Package commands defines all Cobra CLI commands for the kbchat binary.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/54b3r/kbchat-go/internal/audit"
	"github.com/54b3r/kbchat-go/internal/config"
	"github.com/54b3r/kbchat-go/internal/logging"
)

// configPath holds the --config flag value for YAML config file override.
var configPath string

// loadedConfigPath stores the resolved config file path for audit logging.
var loadedConfigPath string

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "kbchat",
		Short: "kbchat — a knowledge-base-grounded chat assistant",
		Long: `kbchat is a chat assistant grounded in your own knowledge base.

Documents are ingested into a Qdrant vector store; every question is expanded
into multiple query variants, retrieved against the store, and answered by an
LLM using only the assembled context. Useful answers are written back into the
knowledge base automatically, so the assistant improves as it is used.

Model provider is selected via the MODEL_PROVIDER environment variable
or a YAML config file (~/.kbchat/config.yaml).
See 'kbchat --help' for available commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New()

			// Load YAML config (env vars always override YAML values).
			path, err := config.Load(configPath, log)
			if err != nil {
				return err
			}
			loadedConfigPath = path

			// Emit structured audit log for every command invocation.
			audit.LogCommandStart(log, cmd.Name(), loadedConfigPath)

			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default: ~/.kbchat/config.yaml)")

	root.AddCommand(
		NewAskCmd(),
		NewServeCmd(),
		NewIngestCmd(),
		NewSearchCmd(),
		NewTrainCmd(),
		NewVersionCmd(),
	)

	return root
}
