package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/opeakit/opeakit/internal/config"
	"github.com/opeakit/opeakit/internal/embedder"
)

func newEmbedCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "embed <text>",
		Short: "Embed a query string",
		Long: `Embed a query string with a TextEmbedder and print the vector and metadata as JSON.

Examples:
  opeakit embed "I love pizza!"
  opeakit embed "where is the invoice?" --component query_embedder`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")

			s, err := g.open()
			if err != nil {
				return err
			}
			defer s.close()

			d, err := s.data(g.component, config.TextEmbedderName, embedder.TextEmbedderType)
			if err != nil {
				return err
			}
			c, err := s.warm(d)
			if err != nil {
				return err
			}

			res, err := c.(*embedder.TextEmbedder).Run(cmd.Context(), text)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
}
