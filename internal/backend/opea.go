package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/opeakit/opeakit/internal/logging"
	"github.com/opeakit/opeakit/internal/metrics"
)

var validate = validator.New()

// OPEA talks to an OPEA microservice. Embeddings go to {apiURL}/v1/embeddings
// and generation to the OpenAI-compatible {apiURL}/chat/completions. In both
// cases the model kwargs are merged into the request body as given.
type OPEA struct {
	apiURL      string
	modelKwargs map[string]any
	apiKey      string
	httpClient  *http.Client
	logger      *zap.Logger
}

// NewOPEA creates an OPEA backend. apiURL must be an absolute http(s) URL and
// modelKwargs must be JSON-encodable. Streaming and caller-supplied messages
// are not supported.
func NewOPEA(apiURL string, modelKwargs map[string]any, opts ...Option) (*OPEA, error) {
	if err := validate.Var(apiURL, "required,http_url"); err != nil {
		return nil, fmt.Errorf("%w: api_url %q is not an http(s) URL", ErrInvalidConfig, apiURL)
	}
	if err := checkModelKwargs(modelKwargs); err != nil {
		return nil, err
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{Timeout: DefaultTimeout}
	}

	return &OPEA{
		apiURL:      strings.TrimRight(apiURL, "/"),
		modelKwargs: maps.Clone(modelKwargs),
		apiKey:      o.apiKey,
		httpClient:  o.httpClient,
		logger:      logging.OrNop(o.logger),
	}, nil
}

func checkModelKwargs(kwargs map[string]any) error {
	if _, err := json.Marshal(kwargs); err != nil {
		return fmt.Errorf("%w: model arguments: %v", ErrInvalidConfig, err)
	}
	if v, ok := kwargs["stream"]; ok && v != false {
		return fmt.Errorf("%w: streaming is not supported", ErrInvalidConfig)
	}
	if _, ok := kwargs["messages"]; ok {
		return fmt.Errorf("%w: messages are built from the prompt and cannot be passed as a model argument", ErrInvalidConfig)
	}
	return nil
}

func (o *OPEA) Info() Info {
	return Info{Provider: ProviderOPEA, APIURL: o.apiURL}
}

// ---------- Embedding ----------

type opeaEmbedData struct {
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

type opeaEmbedUsage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type opeaEmbedResponse struct {
	Model string          `json:"model"`
	Data  []opeaEmbedData `json:"data"`
	Usage *opeaEmbedUsage `json:"usage"`
}

// Embed sends texts as one batch. The service may return items in any order;
// they are placed back by their index field.
func (o *OPEA) Embed(ctx context.Context, texts []string) ([][]float32, Meta, error) {
	if len(texts) == 0 {
		return nil, Meta{}, nil
	}

	payload := make(map[string]any, len(o.modelKwargs)+1)
	maps.Copy(payload, o.modelKwargs)
	payload["input"] = texts

	start := time.Now()
	embeddings, meta, err := o.embed(ctx, payload, len(texts))
	o.observe(metrics.OpEmbed, start, len(texts), err)
	if err != nil {
		return nil, nil, err
	}
	metrics.EmbeddedTextsTotal.Add(float64(len(embeddings)))
	return embeddings, meta, nil
}

func (o *OPEA) embed(ctx context.Context, payload map[string]any, n int) ([][]float32, Meta, error) {
	body, err := o.postJSON(ctx, o.apiURL+"/v1/embeddings", payload)
	if err != nil {
		return nil, nil, fmt.Errorf("opea embed: %w", err)
	}

	var resp opeaEmbedResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, nil, fmt.Errorf("opea embed decode: %w: %v", ErrMalformedResponse, err)
	}

	embeddings, err := alignByIndex(resp.Data, n)
	if err != nil {
		return nil, nil, fmt.Errorf("opea embed: %w", err)
	}

	meta := Meta{}
	if resp.Model != "" {
		meta["model"] = resp.Model
	}
	if resp.Usage != nil {
		meta["usage"] = map[string]any{
			"prompt_tokens": resp.Usage.PromptTokens,
			"total_tokens":  resp.Usage.TotalTokens,
		}
	}
	return embeddings, meta, nil
}

// alignByIndex restores input order. Indices must be a permutation of 0..n-1.
func alignByIndex(data []opeaEmbedData, n int) ([][]float32, error) {
	if len(data) != n {
		return nil, fmt.Errorf("%w: expected %d embeddings, got %d", ErrMalformedResponse, n, len(data))
	}
	out := make([][]float32, n)
	seen := make([]bool, n)
	for _, d := range data {
		if d.Index < 0 || d.Index >= n {
			return nil, fmt.Errorf("%w: embedding index %d out of range", ErrMalformedResponse, d.Index)
		}
		if seen[d.Index] {
			return nil, fmt.Errorf("%w: duplicate embedding index %d", ErrMalformedResponse, d.Index)
		}
		seen[d.Index] = true
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// ---------- Generation ----------

// Generate sends prompt as a single user message. The model kwargs go into
// the request body unchanged, so zero values and server-specific fields such
// as top_k reach the service.
func (o *OPEA) Generate(ctx context.Context, prompt string) ([]string, []Meta, error) {
	payload := make(map[string]any, len(o.modelKwargs)+1)
	maps.Copy(payload, o.modelKwargs)
	payload["messages"] = []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleUser, Content: prompt},
	}

	start := time.Now()
	resp, err := o.chat(ctx, payload)
	o.observe(metrics.OpGenerate, start, 1, err)
	if err != nil {
		return nil, nil, err
	}

	replies := make([]string, len(resp.Choices))
	meta := make([]Meta, len(resp.Choices))
	for i, choice := range resp.Choices {
		replies[i] = choice.Message.Content
		meta[i] = Meta{
			"model":         resp.Model,
			"index":         choice.Index,
			"finish_reason": string(choice.FinishReason),
			"usage": map[string]any{
				"prompt_tokens":     resp.Usage.PromptTokens,
				"completion_tokens": resp.Usage.CompletionTokens,
				"total_tokens":      resp.Usage.TotalTokens,
			},
		}
	}
	metrics.GeneratedRepliesTotal.Add(float64(len(replies)))
	return replies, meta, nil
}

func (o *OPEA) chat(ctx context.Context, payload map[string]any) (openai.ChatCompletionResponse, error) {
	var resp openai.ChatCompletionResponse
	body, err := o.postJSON(ctx, o.apiURL+"/chat/completions", payload)
	if err != nil {
		return resp, fmt.Errorf("opea generate: %w", err)
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return resp, fmt.Errorf("opea generate decode: %w: %v", ErrMalformedResponse, err)
	}
	return resp, nil
}

// ---------- Transport ----------

func (o *OPEA) postJSON(ctx context.Context, url string, payload any) ([]byte, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if o.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func (o *OPEA) observe(op string, start time.Time, batch int, err error) {
	elapsed := time.Since(start)
	metrics.Observe(op, elapsed.Seconds(), err)
	if err != nil {
		o.logger.Warn("backend request failed",
			zap.String("operation", op),
			zap.String("api_url", o.apiURL),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		return
	}
	o.logger.Debug("backend request",
		zap.String("operation", op),
		zap.String("api_url", o.apiURL),
		zap.Int("batch", batch),
		zap.Duration("elapsed", elapsed),
	)
}
