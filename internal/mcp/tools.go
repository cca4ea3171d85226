package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"
)

func (s *Server) registerTools() {
	if s.embedder != nil {
		s.srv.AddTool(mcp.NewTool("embed_text",
			mcp.WithDescription("Embed a query string. Returns JSON with the embedding vector and backend metadata."),
			mcp.WithString("text", mcp.Required(), mcp.Description("Text to embed")),
		), s.handleEmbedText)
	}
	if s.generator != nil {
		s.srv.AddTool(mcp.NewTool("generate",
			mcp.WithDescription("Send a prompt to the configured LLM. Returns JSON with the replies and per-reply metadata."),
			mcp.WithString("prompt", mcp.Required(), mcp.Description("Prompt to send")),
		), s.handleGenerate)
	}
}

func (s *Server) handleEmbedText(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, err := req.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: text"), nil
	}
	res, err := s.embedder.Run(ctx, text)
	if err != nil {
		s.logger.Warn("embed_text failed", zap.Error(err))
		return mcp.NewToolResultError(fmt.Sprintf("embedding failed: %v", err)), nil
	}
	return jsonResult(res), nil
}

func (s *Server) handleGenerate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	prompt, err := req.RequireString("prompt")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: prompt"), nil
	}
	res, err := s.generator.Run(ctx, prompt)
	if err != nil {
		s.logger.Warn("generate failed", zap.Error(err))
		return mcp.NewToolResultError(fmt.Sprintf("generation failed: %v", err)), nil
	}
	return jsonResult(res), nil
}

func jsonResult(v any) *mcp.CallToolResult {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode result: %v", err))
	}
	return mcp.NewToolResultText(string(data))
}
