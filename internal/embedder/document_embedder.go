package embedder

import (
	"context"
	"fmt"
	"strings"

	"github.com/samber/lo"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"

	"github.com/opeakit/opeakit/internal/backend"
	"github.com/opeakit/opeakit/internal/component"
)

// DocumentEmbedderType identifies a serialized DocumentEmbedder.
const DocumentEmbedderType = "opea.DocumentEmbedder"

// DefaultBatchSize is the number of documents sent per backend call.
const DefaultBatchSize = 32

// DocumentEmbedderConfig is the persisted configuration of a DocumentEmbedder.
type DocumentEmbedderConfig struct {
	APIURL             string
	Prefix             string
	Suffix             string
	Truncate           TruncateMode
	BatchSize          int
	ProgressBar        bool
	MetaFieldsToEmbed  []string
	EmbeddingSeparator string
}

// DefaultDocumentEmbedderConfig returns the configuration used when a field
// is not specified.
func DefaultDocumentEmbedderConfig() DocumentEmbedderConfig {
	return DocumentEmbedderConfig{
		APIURL:             DefaultAPIURL,
		BatchSize:          DefaultBatchSize,
		ProgressBar:        true,
		EmbeddingSeparator: "\n",
	}
}

// DocumentResult is the output of DocumentEmbedder.Run.
type DocumentResult struct {
	Documents []Document   `json:"documents"`
	Meta      backend.Meta `json:"meta"`
}

// DocumentEmbedder embeds documents as passages, in batches.
//
// WarmUp is not safe to call concurrently on the same instance.
type DocumentEmbedder struct {
	cfg      DocumentEmbedderConfig
	settings settings
	backend  backend.EmbedderBackend
}

var _ component.Component = (*DocumentEmbedder)(nil)

// NewDocumentEmbedder creates a DocumentEmbedder. An empty APIURL selects
// DefaultAPIURL and a zero BatchSize selects DefaultBatchSize.
func NewDocumentEmbedder(cfg DocumentEmbedderConfig, opts ...Option) (*DocumentEmbedder, error) {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchSize < 0 {
		return nil, fmt.Errorf("document embedder: %w: batch_size must be positive, got %d", component.ErrInvalidParameter, cfg.BatchSize)
	}
	if err := validateTruncate(cfg.Truncate); err != nil {
		return nil, fmt.Errorf("document embedder: %w", err)
	}
	cfg.MetaFieldsToEmbed = append([]string(nil), cfg.MetaFieldsToEmbed...)
	return &DocumentEmbedder{cfg: cfg, settings: newSettings(opts)}, nil
}

// Config returns the embedder's configuration.
func (e *DocumentEmbedder) Config() DocumentEmbedderConfig { return e.cfg }

// WarmUp builds the backend. Calling it again once it succeeded is a no-op.
func (e *DocumentEmbedder) WarmUp() error {
	if e.backend != nil {
		return nil
	}
	b, err := e.settings.newBackend(e.cfg.APIURL, modelKwargs(inputTypePassage, e.cfg.Truncate))
	if err != nil {
		return fmt.Errorf("document embedder warm up: %w", err)
	}
	e.backend = b
	e.settings.logger.Debug("document embedder warmed up",
		zap.String("api_url", e.cfg.APIURL),
		zap.Int("batch_size", e.cfg.BatchSize),
	)
	return nil
}

// Run embeds docs and returns copies with their Embedding set. The input
// slice is left untouched. Meta carries usage summed over all batches.
func (e *DocumentEmbedder) Run(ctx context.Context, docs []Document) (DocumentResult, error) {
	if e.backend == nil {
		return DocumentResult{}, errNotWarmedUp()
	}
	if len(docs) == 0 {
		return DocumentResult{Documents: []Document{}, Meta: backend.Meta{}}, nil
	}

	texts := lo.Map(docs, func(d Document, _ int) string { return e.textToEmbed(d) })
	embeddings, meta, err := e.embedBatches(ctx, texts)
	if err != nil {
		return DocumentResult{}, err
	}

	out := make([]Document, len(docs))
	for i, d := range docs {
		out[i] = d.withEmbedding(embeddings[i])
	}
	return DocumentResult{Documents: out, Meta: meta}, nil
}

// Invoke runs the embedder on inputs["documents"], which must be a []Document.
func (e *DocumentEmbedder) Invoke(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	if e.backend == nil {
		return nil, errNotWarmedUp()
	}
	docs, ok := inputs["documents"].([]Document)
	if !ok {
		return nil, fmt.Errorf("%w: DocumentEmbedder expects a list of Documents as input, got %T; to embed a string use the TextEmbedder",
			component.ErrInvalidInput, inputs["documents"])
	}

	res, err := e.Run(ctx, docs)
	if err != nil {
		return nil, err
	}
	return map[string]any{"documents": res.Documents, "meta": res.Meta}, nil
}

// textToEmbed joins the selected meta values and the content.
func (e *DocumentEmbedder) textToEmbed(d Document) string {
	parts := make([]string, 0, len(e.cfg.MetaFieldsToEmbed)+1)
	for _, key := range e.cfg.MetaFieldsToEmbed {
		if v, ok := d.Meta[key]; ok && v != nil {
			parts = append(parts, metaText(v))
		}
	}
	parts = append(parts, d.Content)
	return e.cfg.Prefix + strings.Join(parts, e.cfg.EmbeddingSeparator) + e.cfg.Suffix
}

func (e *DocumentEmbedder) embedBatches(ctx context.Context, texts []string) ([][]float32, backend.Meta, error) {
	bar := e.newProgressBar(len(texts))

	all := make([][]float32, 0, len(texts))
	var promptTokens, totalTokens int
	for _, batch := range lo.Chunk(texts, e.cfg.BatchSize) {
		embeddings, meta, err := e.backend.Embed(ctx, batch)
		if err != nil {
			return nil, nil, err
		}
		if len(embeddings) != len(batch) {
			return nil, nil, fmt.Errorf("document embedder: %w: expected %d embeddings, got %d",
				backend.ErrMalformedResponse, len(batch), len(embeddings))
		}
		all = append(all, embeddings...)

		p, t := backend.UsageTokens(meta)
		promptTokens += p
		totalTokens += t

		if bar != nil {
			_ = bar.Add(len(batch))
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}

	meta := backend.Meta{
		"usage": map[string]any{
			"prompt_tokens": promptTokens,
			"total_tokens":  totalTokens,
		},
	}
	return all, meta, nil
}

func (e *DocumentEmbedder) newProgressBar(total int) *progressbar.ProgressBar {
	if !e.cfg.ProgressBar || e.settings.progress == nil {
		return nil
	}
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription("  Calculating embeddings"),
		progressbar.OptionSetWriter(e.settings.progress),
		progressbar.OptionClearOnFinish(),
	)
}

// ToData serializes the configuration. Truncate is omitted when not set.
func (e *DocumentEmbedder) ToData() component.Data {
	params := map[string]any{
		"api_url":              e.cfg.APIURL,
		"prefix":               e.cfg.Prefix,
		"suffix":               e.cfg.Suffix,
		"batch_size":           e.cfg.BatchSize,
		"progress_bar":         e.cfg.ProgressBar,
		"meta_fields_to_embed": append([]string{}, e.cfg.MetaFieldsToEmbed...),
		"embedding_separator":  e.cfg.EmbeddingSeparator,
	}
	if e.cfg.Truncate != "" {
		params["truncate"] = e.cfg.Truncate.String()
	}
	return component.Data{Type: DocumentEmbedderType, InitParameters: params}
}

// DocumentEmbedderFromData rebuilds a DocumentEmbedder from its serialized
// form. Missing fields take their defaults. The result is not warmed up.
func DocumentEmbedderFromData(d component.Data, opts ...Option) (*DocumentEmbedder, error) {
	if err := d.Expect(DocumentEmbedderType); err != nil {
		return nil, err
	}
	cfg, err := documentConfigFromData(d)
	if err != nil {
		return nil, fmt.Errorf("document embedder: %w", err)
	}
	return NewDocumentEmbedder(cfg, opts...)
}

func documentConfigFromData(d component.Data) (DocumentEmbedderConfig, error) {
	def := DefaultDocumentEmbedderConfig()

	text, err := textConfigFromData(d)
	if err != nil {
		return def, err
	}
	cfg := def
	cfg.APIURL, cfg.Prefix, cfg.Suffix, cfg.Truncate = text.APIURL, text.Prefix, text.Suffix, text.Truncate

	if cfg.BatchSize, err = d.Int("batch_size", def.BatchSize); err != nil {
		return cfg, err
	}
	if cfg.BatchSize <= 0 {
		return cfg, fmt.Errorf("%w: batch_size must be positive, got %d", component.ErrInvalidParameter, cfg.BatchSize)
	}
	if cfg.ProgressBar, err = d.Bool("progress_bar", def.ProgressBar); err != nil {
		return cfg, err
	}
	if cfg.MetaFieldsToEmbed, err = d.Strings("meta_fields_to_embed"); err != nil {
		return cfg, err
	}
	if cfg.EmbeddingSeparator, err = d.String("embedding_separator", def.EmbeddingSeparator); err != nil {
		return cfg, err
	}
	return cfg, nil
}
