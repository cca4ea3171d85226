package embedder

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/opeakit/opeakit/internal/backend"
	"github.com/opeakit/opeakit/internal/component"
)

// TextEmbedderType identifies a serialized TextEmbedder.
const TextEmbedderType = "opea.TextEmbedder"

// TextEmbedderConfig is the persisted configuration of a TextEmbedder.
type TextEmbedderConfig struct {
	APIURL   string
	Prefix   string
	Suffix   string
	Truncate TruncateMode
}

// TextResult is the output of TextEmbedder.Run.
type TextResult struct {
	Embedding []float32    `json:"embedding"`
	Meta      backend.Meta `json:"meta"`
}

// TextEmbedder embeds a single string as a query. Use DocumentEmbedder for
// lists of documents.
//
// WarmUp is not safe to call concurrently on the same instance.
type TextEmbedder struct {
	cfg      TextEmbedderConfig
	settings settings
	backend  backend.EmbedderBackend
}

var _ component.Component = (*TextEmbedder)(nil)

// NewTextEmbedder creates a TextEmbedder. An empty APIURL selects
// DefaultAPIURL. The backend is not built until WarmUp.
func NewTextEmbedder(cfg TextEmbedderConfig, opts ...Option) (*TextEmbedder, error) {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if err := validateTruncate(cfg.Truncate); err != nil {
		return nil, fmt.Errorf("text embedder: %w", err)
	}
	return &TextEmbedder{cfg: cfg, settings: newSettings(opts)}, nil
}

// Config returns the embedder's configuration.
func (e *TextEmbedder) Config() TextEmbedderConfig { return e.cfg }

// WarmUp builds the backend. Calling it again once it succeeded is a no-op.
func (e *TextEmbedder) WarmUp() error {
	if e.backend != nil {
		return nil
	}
	b, err := e.settings.newBackend(e.cfg.APIURL, modelKwargs(inputTypeQuery, e.cfg.Truncate))
	if err != nil {
		return fmt.Errorf("text embedder warm up: %w", err)
	}
	e.backend = b
	e.settings.logger.Debug("text embedder warmed up", zap.String("api_url", e.cfg.APIURL))
	return nil
}

// Run embeds prefix + text + suffix as a batch of one.
func (e *TextEmbedder) Run(ctx context.Context, text string) (TextResult, error) {
	if e.backend == nil {
		return TextResult{}, errNotWarmedUp()
	}

	embeddings, meta, err := e.backend.Embed(ctx, []string{e.cfg.Prefix + text + e.cfg.Suffix})
	if err != nil {
		return TextResult{}, err
	}
	if len(embeddings) != 1 {
		return TextResult{}, fmt.Errorf("text embedder: %w: expected 1 embedding, got %d", backend.ErrMalformedResponse, len(embeddings))
	}
	return TextResult{Embedding: embeddings[0], Meta: meta}, nil
}

// Invoke runs the embedder on inputs["text"], which must be a string.
func (e *TextEmbedder) Invoke(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	if e.backend == nil {
		return nil, errNotWarmedUp()
	}
	text, ok := inputs["text"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: TextEmbedder expects a string as input, got %T; to embed a list of documents use the DocumentEmbedder",
			component.ErrInvalidInput, inputs["text"])
	}

	res, err := e.Run(ctx, text)
	if err != nil {
		return nil, err
	}
	return map[string]any{"embedding": res.Embedding, "meta": res.Meta}, nil
}

// ToData serializes the configuration. Truncate is omitted when not set.
func (e *TextEmbedder) ToData() component.Data {
	params := map[string]any{
		"api_url": e.cfg.APIURL,
		"prefix":  e.cfg.Prefix,
		"suffix":  e.cfg.Suffix,
	}
	if e.cfg.Truncate != "" {
		params["truncate"] = e.cfg.Truncate.String()
	}
	return component.Data{Type: TextEmbedderType, InitParameters: params}
}

// TextEmbedderFromData rebuilds a TextEmbedder from its serialized form. The
// result is not warmed up.
func TextEmbedderFromData(d component.Data, opts ...Option) (*TextEmbedder, error) {
	if err := d.Expect(TextEmbedderType); err != nil {
		return nil, err
	}
	cfg, err := textConfigFromData(d)
	if err != nil {
		return nil, fmt.Errorf("text embedder: %w", err)
	}
	return NewTextEmbedder(cfg, opts...)
}

func textConfigFromData(d component.Data) (TextEmbedderConfig, error) {
	var (
		cfg TextEmbedderConfig
		err error
	)
	if cfg.APIURL, err = d.String("api_url", DefaultAPIURL); err != nil {
		return cfg, err
	}
	if cfg.Prefix, err = d.String("prefix", ""); err != nil {
		return cfg, err
	}
	if cfg.Suffix, err = d.String("suffix", ""); err != nil {
		return cfg, err
	}
	label, ok, err := d.OptionalString("truncate")
	if err != nil {
		return cfg, err
	}
	if ok {
		if cfg.Truncate, err = ParseTruncateMode(label); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}
