// Package generator provides the pipeline component that sends a prompt to a
// text-generation backend.
package generator

import (
	"context"
	"fmt"
	"maps"

	"go.uber.org/zap"

	"github.com/opeakit/opeakit/internal/backend"
	"github.com/opeakit/opeakit/internal/component"
	"github.com/opeakit/opeakit/internal/logging"
)

// Type identifies a serialized Generator.
const Type = "opea.Generator"

// DefaultAPIURL is the generation service address used when none is configured.
const DefaultAPIURL = "http://localhost:9000/v1"

// Config is the persisted configuration of a Generator.
type Config struct {
	APIURL string
	// ModelArguments are forwarded unchanged to the backend, e.g. temperature,
	// top_p or max_tokens. Supported keys depend on the served model.
	ModelArguments map[string]any
}

// Result is the output of Generator.Run. Replies and Meta have equal length.
type Result struct {
	Replies []string       `json:"replies"`
	Meta    []backend.Meta `json:"meta"`
}

// Option customizes the runtime collaborators of a Generator.
type Option func(*Generator)

// WithBackendFactory replaces the backend built at warm-up. The default is the
// OPEA backend.
func WithBackendFactory(f backend.GeneratorFactory) Option {
	return func(g *Generator) { g.newBackend = f }
}

// WithLogger sets the logger used by the generator.
func WithLogger(l *zap.Logger) Option {
	return func(g *Generator) { g.logger = l }
}

// Generator queries a generative model with a prompt.
//
// WarmUp is not safe to call concurrently on the same instance.
type Generator struct {
	cfg        Config
	newBackend backend.GeneratorFactory
	logger     *zap.Logger
	backend    backend.GeneratorBackend
}

var _ component.Component = (*Generator)(nil)

// New creates a Generator. An empty APIURL selects DefaultAPIURL. The backend
// is not built until WarmUp.
func New(cfg Config, opts ...Option) *Generator {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	cfg.ModelArguments = maps.Clone(cfg.ModelArguments)
	if cfg.ModelArguments == nil {
		cfg.ModelArguments = map[string]any{}
	}

	g := &Generator{cfg: cfg}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = logging.OrNop(g.logger)
	if g.newBackend == nil {
		g.newBackend = backend.GeneratorFactoryFor(backend.ProviderOPEA, backend.WithLogger(g.logger))
	}
	return g
}

// Config returns a copy of the generator's configuration.
func (g *Generator) Config() Config {
	cfg := g.cfg
	cfg.ModelArguments = maps.Clone(g.cfg.ModelArguments)
	return cfg
}

// WarmUp builds the backend. Calling it again once it succeeded is a no-op.
func (g *Generator) WarmUp() error {
	if g.backend != nil {
		return nil
	}
	b, err := g.newBackend(g.cfg.APIURL, maps.Clone(g.cfg.ModelArguments))
	if err != nil {
		return fmt.Errorf("generator warm up: %w", err)
	}
	g.backend = b
	g.logger.Debug("generator warmed up", zap.String("api_url", g.cfg.APIURL))
	return nil
}

// Run sends prompt to the backend and returns its replies unmodified.
func (g *Generator) Run(ctx context.Context, prompt string) (Result, error) {
	if g.backend == nil {
		return Result{}, errNotWarmedUp()
	}
	replies, meta, err := g.backend.Generate(ctx, prompt)
	if err != nil {
		return Result{}, err
	}
	return Result{Replies: replies, Meta: meta}, nil
}

// Invoke runs the generator on inputs["prompt"], which must be a string.
func (g *Generator) Invoke(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	if g.backend == nil {
		return nil, errNotWarmedUp()
	}
	prompt, ok := inputs["prompt"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: Generator expects a string prompt, got %T", component.ErrInvalidInput, inputs["prompt"])
	}
	res, err := g.Run(ctx, prompt)
	if err != nil {
		return nil, err
	}
	return map[string]any{"replies": res.Replies, "meta": res.Meta}, nil
}

// ToData serializes the configuration.
func (g *Generator) ToData() component.Data {
	return component.Data{
		Type: Type,
		InitParameters: map[string]any{
			"api_url":         g.cfg.APIURL,
			"model_arguments": maps.Clone(g.cfg.ModelArguments),
		},
	}
}

// FromData rebuilds a Generator from its serialized form. The result is not
// warmed up.
func FromData(d component.Data, opts ...Option) (*Generator, error) {
	if err := d.Expect(Type); err != nil {
		return nil, err
	}
	apiURL, err := d.String("api_url", DefaultAPIURL)
	if err != nil {
		return nil, fmt.Errorf("generator: %w", err)
	}
	args, err := d.Map("model_arguments")
	if err != nil {
		return nil, fmt.Errorf("generator: %w", err)
	}
	return New(Config{APIURL: apiURL, ModelArguments: args}, opts...), nil
}

func errNotWarmedUp() error {
	return fmt.Errorf("%w: the generation model has not been loaded; call WarmUp before running", component.ErrNotWarmedUp)
}
