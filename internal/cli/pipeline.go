package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/opeakit/opeakit/internal/component"
	"github.com/opeakit/opeakit/internal/config"
)

func newPipelineCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Create and inspect pipeline files",
	}
	cmd.AddCommand(newPipelineInitCmd(g), newPipelineShowCmd(g))
	return cmd
}

func newPipelineInitCmd(g *globalOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a pipeline file with one component of each type",
		Long: `Write a pipeline file holding a text embedder, a document embedder and a
generator with their default settings. The format follows the file extension
(.yaml/.yml for YAML, TOML otherwise).

Examples:
  opeakit pipeline init
  opeakit pipeline init ./pipeline.yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var path string
			if len(args) == 1 {
				path = args[0]
			} else {
				p, err := g.pipelinePath()
				if err != nil {
					return err
				}
				path = p
			}

			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.Save(path, config.Default()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func newPipelineShowCmd(g *globalOptions) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Validate the pipeline file and print it with defaults filled in",
		Long: `Load the pipeline file, apply environment overrides, build every component
and print the result. Building checks each component's parameters, so this
fails on any value the components would reject.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := g.open()
			if err != nil {
				return err
			}
			defer s.close()

			out := s.pipeline
			out.Components = make(map[string]component.Data, len(s.pipeline.Components))
			for _, name := range s.pipeline.Names() {
				c, err := config.Build(s.pipeline.Components[name], config.BuildOptions{Logger: s.logger})
				if err != nil {
					return fmt.Errorf("component %q: %w", name, err)
				}
				out.Components[name] = c.ToData()
			}
			return config.Encode(cmd.OutOrStdout(), out, config.Format(format))
		},
	}

	cmd.Flags().StringVar(&format, "format", string(config.FormatTOML), "output format: toml, yaml")
	return cmd
}
