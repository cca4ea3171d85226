package cli

import (
	"encoding/json"
	"fmt"
	"maps"
	"strings"

	"github.com/spf13/cobra"

	"github.com/opeakit/opeakit/internal/component"
	"github.com/opeakit/opeakit/internal/config"
	"github.com/opeakit/opeakit/internal/generator"
)

func newGenerateCmd(g *globalOptions) *cobra.Command {
	var (
		argPairs []string
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "generate <prompt>",
		Short: "Send a prompt to the configured LLM",
		Long: `Run a Generator on a prompt and print its replies.

--arg sets a model argument for this call, overriding the pipeline file.
Values are parsed as JSON when possible and sent as strings otherwise.

Examples:
  opeakit generate "What is the capital of France?"
  opeakit generate "Write a haiku" --arg temperature=0.2 --arg max_tokens=64
  opeakit generate "Hi" --arg 'stop=["\n"]' --json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := strings.Join(args, " ")

			overrides, err := parseModelArgs(argPairs)
			if err != nil {
				return err
			}

			s, err := g.open()
			if err != nil {
				return err
			}
			defer s.close()

			d, err := s.data(g.component, config.GeneratorName, generator.Type)
			if err != nil {
				return err
			}
			if d, err = withModelArgs(d, overrides); err != nil {
				return err
			}
			c, err := s.warm(d)
			if err != nil {
				return err
			}

			res, err := c.(*generator.Generator).Run(cmd.Context(), prompt)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			for _, reply := range res.Replies {
				fmt.Fprintln(cmd.OutOrStdout(), reply)
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&argPairs, "arg", "a", nil, "model argument as key=value (repeatable)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print replies and metadata as JSON")
	return cmd
}

// parseModelArgs turns key=value pairs into model arguments.
func parseModelArgs(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --arg %q: want key=value", pair)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		out[key] = v
	}
	return out, nil
}

// withModelArgs returns a copy of d whose model_arguments are overlaid with
// overrides.
func withModelArgs(d component.Data, overrides map[string]any) (component.Data, error) {
	if len(overrides) == 0 {
		return d, nil
	}
	args, err := d.Map("model_arguments")
	if err != nil {
		return d, err
	}
	if args == nil {
		args = make(map[string]any, len(overrides))
	}
	maps.Copy(args, overrides)

	params := maps.Clone(d.InitParameters)
	if params == nil {
		params = map[string]any{}
	}
	params["model_arguments"] = args
	d.InitParameters = params
	return d, nil
}
