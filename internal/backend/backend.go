// Package backend defines the contracts embedding and generation adapters
// use to reach a model-serving API, and the OPEA implementation of them.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Provider name constants.
const (
	ProviderOPEA = "opea"
)

// DefaultTimeout bounds a single HTTP round trip. Generation can be slow.
const DefaultTimeout = 120 * time.Second

var (
	// ErrInvalidConfig is returned when a backend is built from a malformed
	// URL or model arguments it cannot send.
	ErrInvalidConfig = errors.New("invalid backend configuration")

	// ErrMalformedResponse is returned when the remote service answers with a
	// payload that cannot be reshaped into the contract's output.
	ErrMalformedResponse = errors.New("malformed backend response")
)

// Meta is backend-defined metadata such as usage statistics.
type Meta = map[string]any

// EmbedderBackend embeds a batch of texts. The returned vectors are aligned by
// index with texts.
type EmbedderBackend interface {
	Embed(ctx context.Context, texts []string) ([][]float32, Meta, error)
}

// GeneratorBackend produces one or more replies for a prompt, with one
// metadata entry per reply.
type GeneratorBackend interface {
	Generate(ctx context.Context, prompt string) ([]string, []Meta, error)
}

// Info describes a constructed backend.
type Info struct {
	Provider string
	APIURL   string
}

// Backend is a vendor client that serves both contracts.
type Backend interface {
	EmbedderBackend
	GeneratorBackend

	// Info returns metadata about the backend.
	Info() Info
}

// EmbedderFactory builds the embedding backend an adapter uses after warm-up.
type EmbedderFactory func(apiURL string, modelKwargs map[string]any) (EmbedderBackend, error)

// GeneratorFactory builds the generation backend an adapter uses after warm-up.
type GeneratorFactory func(apiURL string, modelKwargs map[string]any) (GeneratorBackend, error)

// Option customizes a backend at construction.
type Option func(*options)

type options struct {
	httpClient *http.Client
	apiKey     string
	logger     *zap.Logger
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithAPIKey sends key as a bearer token on every request.
func WithAPIKey(key string) Option {
	return func(o *options) { o.apiKey = key }
}

// WithLogger sets the logger for request tracing.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New constructs the backend for the named provider. An empty provider
// selects OPEA.
func New(provider, apiURL string, modelKwargs map[string]any, opts ...Option) (Backend, error) {
	switch provider {
	case ProviderOPEA, "":
		return NewOPEA(apiURL, modelKwargs, opts...)
	default:
		return nil, fmt.Errorf("backend: unknown provider %q; valid providers: opea", provider)
	}
}

// EmbedderFactoryFor adapts New into an EmbedderFactory.
func EmbedderFactoryFor(provider string, opts ...Option) EmbedderFactory {
	return func(apiURL string, modelKwargs map[string]any) (EmbedderBackend, error) {
		return New(provider, apiURL, modelKwargs, opts...)
	}
}

// GeneratorFactoryFor adapts New into a GeneratorFactory.
func GeneratorFactoryFor(provider string, opts ...Option) GeneratorFactory {
	return func(apiURL string, modelKwargs map[string]any) (GeneratorBackend, error) {
		return New(provider, apiURL, modelKwargs, opts...)
	}
}

// UsageTokens reads prompt and total token counts from the "usage" entry of
// meta. Missing or non-numeric values count as zero.
func UsageTokens(meta Meta) (prompt, total int) {
	usage, ok := meta["usage"].(map[string]any)
	if !ok {
		return 0, 0
	}
	return toInt(usage["prompt_tokens"]), toInt(usage["total_tokens"])
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
