package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/opeakit/opeakit/internal/backend"
	"github.com/opeakit/opeakit/internal/component"
	"github.com/opeakit/opeakit/internal/config"
	"github.com/opeakit/opeakit/internal/logging"
)

// globalOptions holds the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	component  string
	verbose    bool
}

// pipelinePath returns --config, or the user-wide default.
func (g *globalOptions) pipelinePath() (string, error) {
	if g.configPath != "" {
		return g.configPath, nil
	}
	return config.DefaultPath()
}

// session is the loaded pipeline plus the logger components are built with.
type session struct {
	pipeline config.File
	logger   *zap.Logger
}

// open loads the pipeline file, applies environment overrides and builds the
// logger. An explicit --config must exist; the default path may be absent.
func (g *globalOptions) open() (*session, error) {
	var (
		f   config.File
		err error
	)
	if g.configPath != "" {
		f, err = config.Load(g.configPath)
	} else {
		var path string
		if path, err = config.DefaultPath(); err != nil {
			f, err = config.Default(), nil
		} else {
			f, err = config.LoadOrDefault(path)
		}
	}
	if err != nil {
		return nil, err
	}
	f.ApplyEnv()

	logger, err := logging.New(g.verbose || f.Log.Development)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return &session{pipeline: f, logger: logger}, nil
}

func (s *session) close() {
	_ = s.logger.Sync()
}

// data returns the record named name, or fallback when name is empty, and
// checks that it has type want.
func (s *session) data(name, fallback, want string) (component.Data, error) {
	if name == "" {
		name = fallback
	}
	d, err := s.pipeline.Component(name)
	if err != nil {
		return d, err
	}
	if d.Type != want {
		return d, fmt.Errorf("component %q is a %s; this command needs a %s", name, d.Type, want)
	}
	return d, nil
}

// warm builds the component described by d and warms it up.
func (s *session) warm(d component.Data) (component.Component, error) {
	c, err := config.Build(d, config.BuildOptions{
		Provider: backend.ProviderOPEA,
		APIKey:   os.Getenv(config.EnvAPIKey),
		Logger:   s.logger,
	})
	if err != nil {
		return nil, err
	}
	if err := c.WarmUp(); err != nil {
		return nil, err
	}
	return c, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
