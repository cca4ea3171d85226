// Package embedder provides the pipeline components that turn strings and
// documents into embedding vectors through an embedding backend.
package embedder

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/opeakit/opeakit/internal/backend"
	"github.com/opeakit/opeakit/internal/component"
	"github.com/opeakit/opeakit/internal/logging"
)

// DefaultAPIURL is the embedding service address used when none is configured.
const DefaultAPIURL = "http://localhost:8090"

// Input types sent to the service. Some models embed queries and passages
// differently.
const (
	inputTypeQuery   = "query"
	inputTypePassage = "passage"
)

// Option customizes the runtime collaborators of an embedder. Options are not
// part of the serialized configuration.
type Option func(*settings)

type settings struct {
	newBackend  backend.EmbedderFactory
	logger      *zap.Logger
	progress    io.Writer
	progressSet bool
}

// WithBackendFactory replaces the backend built at warm-up. The default is the
// OPEA backend.
func WithBackendFactory(f backend.EmbedderFactory) Option {
	return func(s *settings) { s.newBackend = f }
}

// WithLogger sets the logger used by the embedder.
func WithLogger(l *zap.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithProgressWriter sends the document embedder's progress bar to w. A nil
// writer disables the bar.
func WithProgressWriter(w io.Writer) Option {
	return func(s *settings) {
		s.progress = w
		s.progressSet = true
	}
}

func newSettings(opts []Option) settings {
	var s settings
	for _, opt := range opts {
		opt(&s)
	}
	s.logger = logging.OrNop(s.logger)
	if s.newBackend == nil {
		s.newBackend = backend.EmbedderFactoryFor(backend.ProviderOPEA, backend.WithLogger(s.logger))
	}
	if !s.progressSet && term.IsTerminal(int(os.Stderr.Fd())) {
		s.progress = os.Stderr
	}
	return s
}

func modelKwargs(inputType string, mode TruncateMode) map[string]any {
	kwargs := map[string]any{"input_type": inputType}
	if mode != "" {
		kwargs["truncate"] = mode.String()
	}
	return kwargs
}

func validateTruncate(mode TruncateMode) error {
	if mode == "" {
		return nil
	}
	_, err := ParseTruncateMode(string(mode))
	return err
}

func errNotWarmedUp() error {
	return fmt.Errorf("%w: the embedding model has not been loaded; call WarmUp before running", component.ErrNotWarmedUp)
}
