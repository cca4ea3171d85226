// Package config manages pipeline definition files: named component
// configurations stored as TOML (default) or YAML, plus logging and metrics
// settings for the opeakit CLI.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/opeakit/opeakit/internal/backend"
	"github.com/opeakit/opeakit/internal/component"
	"github.com/opeakit/opeakit/internal/embedder"
	"github.com/opeakit/opeakit/internal/generator"
)

// Environment variables that override component URLs and supply credentials.
const (
	EnvEmbeddingURL = "OPEA_EMBEDDING_URL"
	EnvLLMURL       = "OPEA_LLM_URL"
	EnvAPIKey       = "OPEA_API_KEY"
)

// Default component names written by Default.
const (
	TextEmbedderName     = "text_embedder"
	DocumentEmbedderName = "document_embedder"
	GeneratorName        = "generator"
)

// ErrUnknownComponent is returned when a name or type is not defined.
var ErrUnknownComponent = errors.New("unknown component")

var validate = validator.New()

// File is a pipeline definition.
type File struct {
	Log        LogConfig                 `toml:"log" yaml:"log"`
	Metrics    MetricsConfig             `toml:"metrics" yaml:"metrics"`
	Components map[string]component.Data `toml:"components" yaml:"components" validate:"dive"`
}

type LogConfig struct {
	Development bool `toml:"development" yaml:"development"`
}

// MetricsConfig controls the Prometheus endpoint served by `opeakit mcp`.
type MetricsConfig struct {
	Addr string `toml:"addr" yaml:"addr" validate:"omitempty,hostname_port"`
}

// Default returns a pipeline with one component of each type, configured with
// their defaults.
func Default() File {
	text, _ := embedder.NewTextEmbedder(embedder.TextEmbedderConfig{})
	docs, _ := embedder.NewDocumentEmbedder(embedder.DefaultDocumentEmbedderConfig())
	gen := generator.New(generator.Config{})

	return File{
		Components: map[string]component.Data{
			TextEmbedderName:     text.ToData(),
			DocumentEmbedderName: docs.ToData(),
			GeneratorName:        gen.ToData(),
		},
	}
}

// DefaultPath returns the path of the user-wide pipeline file.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "opeakit", "pipeline.toml"), nil
}

// Validate checks the structure of f. Component parameters are checked when
// the component is built.
func (f File) Validate() error {
	if err := validate.Struct(f); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	for name, d := range f.Components {
		if !KnownType(d.Type) {
			return fmt.Errorf("config: component %q: %w type %q", name, ErrUnknownComponent, d.Type)
		}
	}
	return nil
}

// Names returns the component names in sorted order.
func (f File) Names() []string {
	names := make([]string, 0, len(f.Components))
	for name := range f.Components {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Component returns the named component record.
func (f File) Component(name string) (component.Data, error) {
	d, ok := f.Components[name]
	if !ok {
		return component.Data{}, fmt.Errorf("config: %w %q", ErrUnknownComponent, name)
	}
	return d, nil
}

// ApplyEnv overrides api_url on every embedder with OPEA_EMBEDDING_URL and on
// every generator with OPEA_LLM_URL, when those are set.
func (f *File) ApplyEnv() {
	embURL, llmURL := os.Getenv(EnvEmbeddingURL), os.Getenv(EnvLLMURL)
	for name, d := range f.Components {
		var url string
		switch d.Type {
		case embedder.TextEmbedderType, embedder.DocumentEmbedderType:
			url = embURL
		case generator.Type:
			url = llmURL
		}
		if url == "" {
			continue
		}
		params := make(map[string]any, len(d.InitParameters)+1)
		for k, v := range d.InitParameters {
			params[k] = v
		}
		params["api_url"] = url
		d.InitParameters = params
		f.Components[name] = d
	}
}

// Load reads a pipeline file. The format follows the extension: .yaml/.yml
// for YAML, anything else for TOML.
func Load(path string) (File, error) {
	var f File
	data, err := os.ReadFile(path)
	if err != nil {
		return f, fmt.Errorf("config: load %s: %w", path, err)
	}

	if FormatFor(path) == FormatYAML {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&f); err != nil {
			return f, fmt.Errorf("config: parse %s: %w", path, err)
		}
	} else {
		if _, err := toml.Decode(string(data), &f); err != nil {
			return f, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := f.Validate(); err != nil {
		return f, err
	}
	return f, nil
}

// LoadOrDefault loads path, falling back to Default when it does not exist.
func LoadOrDefault(path string) (File, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}

// Format is a pipeline file encoding.
type Format string

const (
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
)

// FormatFor returns the format implied by the extension of path: YAML for
// .yaml and .yml, TOML otherwise.
func FormatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	}
	return FormatTOML
}

// Encode writes f to w in the given format.
func Encode(w io.Writer, f File, format Format) error {
	switch format {
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(f); err != nil {
			return fmt.Errorf("config: encode yaml: %w", err)
		}
		return enc.Close()
	case FormatTOML, "":
		if err := toml.NewEncoder(w).Encode(f); err != nil {
			return fmt.Errorf("config: encode toml: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("config: unknown format %q (valid: toml, yaml)", format)
	}
}

// Save writes f to path in the format implied by its extension.
func Save(path string, f File) error {
	if err := f.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: mkdir: %w", err)
	}

	var buf bytes.Buffer
	if err := Encode(&buf, f, FormatFor(path)); err != nil {
		return err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// KnownType reports whether typ names a component Build can construct.
func KnownType(typ string) bool {
	switch typ {
	case embedder.TextEmbedderType, embedder.DocumentEmbedderType, generator.Type:
		return true
	}
	return false
}

// BuildOptions carries the runtime collaborators handed to built components.
type BuildOptions struct {
	Provider string
	APIKey   string
	Logger   *zap.Logger
}

func (o BuildOptions) backendOptions() []backend.Option {
	opts := []backend.Option{backend.WithLogger(o.Logger)}
	if o.APIKey != "" {
		opts = append(opts, backend.WithAPIKey(o.APIKey))
	}
	return opts
}

// Build constructs the component described by d. The component is returned
// cold; callers must WarmUp it.
func Build(d component.Data, opts BuildOptions) (component.Component, error) {
	bopts := opts.backendOptions()
	switch d.Type {
	case embedder.TextEmbedderType:
		e, err := embedder.TextEmbedderFromData(d,
			embedder.WithLogger(opts.Logger),
			embedder.WithBackendFactory(backend.EmbedderFactoryFor(opts.Provider, bopts...)),
		)
		if err != nil {
			return nil, err
		}
		return e, nil
	case embedder.DocumentEmbedderType:
		e, err := embedder.DocumentEmbedderFromData(d,
			embedder.WithLogger(opts.Logger),
			embedder.WithBackendFactory(backend.EmbedderFactoryFor(opts.Provider, bopts...)),
		)
		if err != nil {
			return nil, err
		}
		return e, nil
	case generator.Type:
		g, err := generator.FromData(d,
			generator.WithLogger(opts.Logger),
			generator.WithBackendFactory(backend.GeneratorFactoryFor(opts.Provider, bopts...)),
		)
		if err != nil {
			return nil, err
		}
		return g, nil
	default:
		return nil, fmt.Errorf("config: %w type %q; valid types: %s, %s, %s",
			ErrUnknownComponent, d.Type, embedder.TextEmbedderType, embedder.DocumentEmbedderType, generator.Type)
	}
}
