package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/opeakit/opeakit/internal/config"
	"github.com/opeakit/opeakit/internal/embedder"
	"github.com/opeakit/opeakit/internal/generator"
	opeamcp "github.com/opeakit/opeakit/internal/mcp"
)

func newMCPCmd(g *globalOptions) *cobra.Command {
	var (
		embedderName  string
		generatorName string
		metricsAddr   string
	)

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve embed_text and generate as MCP tools over stdio",
		Long: `Start a Model Context Protocol server on stdin/stdout exposing two tools:
embed_text, backed by a TextEmbedder, and generate, backed by a Generator.

With --metrics-addr (or metrics.addr in the pipeline file) Prometheus metrics
for backend calls are served on /metrics at that address.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := g.open()
			if err != nil {
				return err
			}
			defer s.close()

			ed, err := s.data(embedderName, config.TextEmbedderName, embedder.TextEmbedderType)
			if err != nil {
				return err
			}
			emb, err := s.warm(ed)
			if err != nil {
				return err
			}
			gd, err := s.data(generatorName, config.GeneratorName, generator.Type)
			if err != nil {
				return err
			}
			gen, err := s.warm(gd)
			if err != nil {
				return err
			}

			if metricsAddr == "" {
				metricsAddr = s.pipeline.Metrics.Addr
			}
			if metricsAddr != "" {
				_, stop, err := serveMetrics(metricsAddr, s.logger)
				if err != nil {
					return err
				}
				defer stop()
			}

			srv := opeamcp.NewServer(emb.(*embedder.TextEmbedder), gen.(*generator.Generator), version, s.logger)
			return srv.Serve(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&embedderName, "embedder", "", "text embedder component name (default "+config.TextEmbedderName+")")
	cmd.Flags().StringVar(&generatorName, "generator", "", "generator component name (default "+config.GeneratorName+")")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")
	return cmd
}

// serveMetrics starts the /metrics endpoint on addr. It returns the bound
// address, which differs from addr when the port is 0, and a function that
// shuts the server down.
func serveMetrics(addr string, logger *zap.Logger) (string, func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, fmt.Errorf("metrics listen: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	bound := ln.Addr().String()
	go func() {
		logger.Info("serving metrics", zap.String("addr", bound))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	return bound, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
