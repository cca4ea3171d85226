// Package mcp exposes warmed embedding and generation components as Model
// Context Protocol tools served over stdio.
package mcp

import (
	"context"
	"io"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/opeakit/opeakit/internal/embedder"
	"github.com/opeakit/opeakit/internal/generator"
	"github.com/opeakit/opeakit/internal/logging"
)

// TextEmbedder is the part of embedder.TextEmbedder the server uses.
type TextEmbedder interface {
	Run(ctx context.Context, text string) (embedder.TextResult, error)
}

// Generator is the part of generator.Generator the server uses.
type Generator interface {
	Run(ctx context.Context, prompt string) (generator.Result, error)
}

// Server holds the components behind the MCP tools.
type Server struct {
	embedder  TextEmbedder
	generator Generator
	logger    *zap.Logger
	srv       *server.MCPServer
}

// NewServer registers embed_text when e is non-nil and generate when g is
// non-nil. Both components must already be warmed up.
func NewServer(e TextEmbedder, g Generator, version string, logger *zap.Logger) *Server {
	s := &Server{
		embedder:  e,
		generator: g,
		logger:    logging.OrNop(logger),
		srv:       server.NewMCPServer("opeakit", version, server.WithToolCapabilities(false)),
	}
	s.registerTools()
	return s
}

// Serve reads JSON-RPC requests from in and writes responses to out until in
// is exhausted or ctx is cancelled.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	return server.NewStdioServer(s.srv).Listen(ctx, in, out)
}
