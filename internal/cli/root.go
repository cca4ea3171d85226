// Package cli defines the Cobra command tree for the opeakit CLI.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	// version, commit, date are set via -ldflags at build time.
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// newRootCmd builds the base command with every subcommand attached.
func newRootCmd() *cobra.Command {
	g := &globalOptions{}

	root := &cobra.Command{
		Use:   "opeakit",
		Short: "Run OPEA embedding and generation components from the command line",
		Long: `opeakit drives OPEA text-embedding and text-generation microservices.

Components are described in a pipeline file (TOML or YAML). Without --config
the user-wide file is used, and built-in defaults apply when it is missing.
OPEA_EMBEDDING_URL, OPEA_LLM_URL and OPEA_API_KEY override the file and may be
set in a .env file in the working directory.

Run 'opeakit pipeline init' to write a starting pipeline file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("load .env: %w", err)
			}
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "pipeline file (default ~/.config/opeakit/pipeline.toml)")
	root.PersistentFlags().StringVar(&g.component, "component", "", "name of the pipeline component to run")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "log backend calls at debug level")

	root.AddCommand(
		newEmbedCmd(g),
		newEmbedDocsCmd(g),
		newGenerateCmd(g),
		newPipelineCmd(g),
		newMCPCmd(g),
		newVersionCmd(),
	)
	return root
}

// Execute runs the root command.
func Execute(v, c, d string) {
	version, commit, date = v, c, d

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "opeakit %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
