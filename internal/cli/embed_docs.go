package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/opeakit/opeakit/internal/backend"
	"github.com/opeakit/opeakit/internal/config"
	"github.com/opeakit/opeakit/internal/embedder"
)

// maxDocumentLine bounds a single JSON-lines record.
const maxDocumentLine = 16 << 20

func newEmbedDocsCmd(g *globalOptions) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "embed-docs",
		Short: "Embed a JSON-lines file of documents",
		Long: `Embed documents with a DocumentEmbedder. Each input line is a JSON object
with "content" and optional "id" and "meta" fields. Documents without an id
are assigned a random UUID. Output is one JSON document per line with its
embedding set.

Examples:
  opeakit embed-docs --file docs.jsonl > embedded.jsonl
  cat docs.jsonl | opeakit embed-docs --file -`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return fmt.Errorf("open documents: %w", err)
				}
				defer f.Close()
				r = f
			}
			docs, err := readDocuments(r)
			if err != nil {
				return err
			}

			s, err := g.open()
			if err != nil {
				return err
			}
			defer s.close()

			d, err := s.data(g.component, config.DocumentEmbedderName, embedder.DocumentEmbedderType)
			if err != nil {
				return err
			}
			c, err := s.warm(d)
			if err != nil {
				return err
			}

			res, err := c.(*embedder.DocumentEmbedder).Run(cmd.Context(), docs)
			if err != nil {
				return err
			}

			prompt, total := backend.UsageTokens(res.Meta)
			s.logger.Info("embedded documents",
				zap.Int("documents", len(res.Documents)),
				zap.Int("prompt_tokens", prompt),
				zap.Int("total_tokens", total),
			)
			return writeDocuments(cmd.OutOrStdout(), res.Documents)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", `JSON-lines documents to embed ("-" for stdin)`)
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// readDocuments parses one document per non-blank line.
func readDocuments(r io.Reader) ([]embedder.Document, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxDocumentLine)

	var docs []embedder.Document
	line := 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		var doc embedder.Document
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, fmt.Errorf("documents line %d: %w", line, err)
		}
		if doc.ID == "" {
			doc.ID = uuid.NewString()
		}
		docs = append(docs, doc)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read documents: %w", err)
	}
	return docs, nil
}

func writeDocuments(w io.Writer, docs []embedder.Document) error {
	enc := json.NewEncoder(w)
	for _, doc := range docs {
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("write documents: %w", err)
		}
	}
	return nil
}
