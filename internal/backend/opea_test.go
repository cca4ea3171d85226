package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/opeakit/opeakit/internal/metrics"
)

func TestNew_ValidProviders(t *testing.T) {
	for _, provider := range []string{ProviderOPEA, ""} {
		b, err := New(provider, "http://localhost:8090", nil)
		if err != nil {
			t.Fatalf("New(%q) error: %v", provider, err)
		}
		if got := b.Info().Provider; got != ProviderOPEA {
			t.Errorf("Info().Provider = %q, want %q", got, ProviderOPEA)
		}
	}
}

func TestNew_InvalidProvider(t *testing.T) {
	if _, err := New("nvidia", "http://localhost:8090", nil); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestNewOPEA_RejectsMalformedURL(t *testing.T) {
	tests := []string{"", "localhost:8090", "ftp://example.com", "not a url", "http://"}
	for _, url := range tests {
		t.Run(url, func(t *testing.T) {
			_, err := NewOPEA(url, nil)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("NewOPEA(%q) error = %v, want ErrInvalidConfig", url, err)
			}
		})
	}
}

func TestNewOPEA_TrimsTrailingSlash(t *testing.T) {
	b, err := NewOPEA("http://localhost:8090/", nil)
	if err != nil {
		t.Fatal(err)
	}
	if b.Info().APIURL != "http://localhost:8090" {
		t.Errorf("APIURL = %q", b.Info().APIURL)
	}
}

func TestOPEAEmbed_RestoresInputOrder(t *testing.T) {
	var body map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Errorf("path = %q, want /v1/embeddings", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"model": "bge-base",
			"data": [
				{"index": 2, "embedding": [0.3, 0.3]},
				{"index": 0, "embedding": [0.1, 0.1]},
				{"index": 1, "embedding": [0.2, 0.2]}
			],
			"usage": {"prompt_tokens": 6, "total_tokens": 6}
		}`)
	}))
	defer server.Close()

	b, err := NewOPEA(server.URL, map[string]any{"input_type": "query", "truncate": "END"})
	if err != nil {
		t.Fatal(err)
	}

	embeddings, meta, err := b.Embed(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("Embed error: %v", err)
	}

	want := [][]float32{{0.1, 0.1}, {0.2, 0.2}, {0.3, 0.3}}
	if !reflect.DeepEqual(embeddings, want) {
		t.Errorf("embeddings = %v, want %v", embeddings, want)
	}
	if prompt, total := UsageTokens(meta); prompt != 6 || total != 6 {
		t.Errorf("usage = (%d, %d), want (6, 6)", prompt, total)
	}
	if meta["model"] != "bge-base" {
		t.Errorf("meta model = %v", meta["model"])
	}

	if body["input_type"] != "query" || body["truncate"] != "END" {
		t.Errorf("model kwargs not forwarded: %v", body)
	}
	input, _ := body["input"].([]any)
	if len(input) != 3 || input[0] != "a" {
		t.Errorf("input = %v", body["input"])
	}
}

func TestOPEAEmbed_InputCannotBeOverridden(t *testing.T) {
	var body map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		fmt.Fprint(w, `{"data": [{"index": 0, "embedding": [1]}]}`)
	}))
	defer server.Close()

	b, _ := NewOPEA(server.URL, map[string]any{"input": "hijack"})
	if _, _, err := b.Embed(context.Background(), []string{"real"}); err != nil {
		t.Fatal(err)
	}
	input, _ := body["input"].([]any)
	if len(input) != 1 || input[0] != "real" {
		t.Errorf("input = %v, want [real]", body["input"])
	}
}

func TestOPEAEmbed_EmptyBatchSkipsRequest(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	b, _ := NewOPEA(server.URL, nil)
	embeddings, meta, err := b.Embed(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if embeddings != nil || len(meta) != 0 {
		t.Errorf("got (%v, %v), want empty", embeddings, meta)
	}
	if called {
		t.Error("empty batch should not reach the server")
	}
}

func TestOPEAEmbed_MalformedResponses(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `<html>oops</html>`},
		{"count mismatch", `{"data": [{"index": 0, "embedding": [1]}]}`},
		{"index out of range", `{"data": [{"index": 0, "embedding": [1]}, {"index": 5, "embedding": [2]}]}`},
		{"duplicate index", `{"data": [{"index": 1, "embedding": [1]}, {"index": 1, "embedding": [2]}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, tt.body)
			}))
			defer server.Close()

			b, _ := NewOPEA(server.URL, nil)
			_, _, err := b.Embed(context.Background(), []string{"a", "b"})
			if !errors.Is(err, ErrMalformedResponse) {
				t.Errorf("error = %v, want ErrMalformedResponse", err)
			}
		})
	}
}

func TestOPEAEmbed_StatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		fmt.Fprint(w, `{"error":"Input validation error: inputs must have less than 512 tokens"}`)
	}))
	defer server.Close()

	before := testutil.ToFloat64(metrics.BackendRequestsTotal.WithLabelValues(metrics.OpEmbed, metrics.StatusError))

	b, _ := NewOPEA(server.URL, nil)
	_, _, err := b.Embed(context.Background(), []string{"a"})
	if err == nil {
		t.Fatal("expected error for 413 response")
	}
	if !strings.Contains(err.Error(), "413") || !strings.Contains(err.Error(), "512 tokens") {
		t.Errorf("error should carry status and body: %v", err)
	}

	after := testutil.ToFloat64(metrics.BackendRequestsTotal.WithLabelValues(metrics.OpEmbed, metrics.StatusError))
	if after != before+1 {
		t.Errorf("error counter: got %v, want %v", after, before+1)
	}
}

func TestOPEAEmbed_SendsAPIKey(t *testing.T) {
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		fmt.Fprint(w, `{"data": [{"index": 0, "embedding": [1]}]}`)
	}))
	defer server.Close()

	b, _ := NewOPEA(server.URL, nil, WithAPIKey("secret"), WithHTTPClient(server.Client()))
	if _, _, err := b.Embed(context.Background(), []string{"a"}); err != nil {
		t.Fatal(err)
	}
	if auth != "Bearer secret" {
		t.Errorf("Authorization = %q", auth)
	}
}

func chatServer(t *testing.T, captured *map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q, want /v1/chat/completions", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"model": "Intel/neural-chat-7b-v3-3",
			"choices": [
				{"index": 0, "message": {"role": "assistant", "content": "4"}, "finish_reason": "stop"},
				{"index": 1, "message": {"role": "assistant", "content": "Four."}, "finish_reason": "length"}
			],
			"usage": {"prompt_tokens": 7, "completion_tokens": 3, "total_tokens": 10}
		}`)
	}))
}

func TestOPEAGenerate(t *testing.T) {
	var body map[string]any
	server := chatServer(t, &body)
	defer server.Close()

	b, err := NewOPEA(server.URL+"/v1", map[string]any{
		"temperature": 0.2,
		"top_p":       0.7,
		"max_tokens":  1024,
		"n":           2,
	})
	if err != nil {
		t.Fatal(err)
	}

	replies, meta, err := b.Generate(context.Background(), "What is 2+2?")
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}
	if !reflect.DeepEqual(replies, []string{"4", "Four."}) {
		t.Errorf("replies = %v", replies)
	}
	if len(meta) != len(replies) {
		t.Fatalf("meta length %d != replies length %d", len(meta), len(replies))
	}
	if meta[1]["finish_reason"] != "length" || meta[1]["index"] != 1 {
		t.Errorf("meta[1] = %v", meta[1])
	}
	if meta[0]["model"] != "Intel/neural-chat-7b-v3-3" {
		t.Errorf("meta[0] model = %v", meta[0]["model"])
	}

	if body["temperature"] != 0.2 || body["top_p"] != 0.7 || body["max_tokens"] != float64(1024) {
		t.Errorf("model arguments not forwarded: %v", body)
	}
	msgs, _ := body["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("messages = %v", body["messages"])
	}
	msg, _ := msgs[0].(map[string]any)
	if msg["role"] != "user" || msg["content"] != "What is 2+2?" {
		t.Errorf("message = %v", msg)
	}
}

func TestOPEAGenerate_ForwardsArgumentsUnchanged(t *testing.T) {
	var body map[string]any
	server := chatServer(t, &body)
	defer server.Close()

	b, err := NewOPEA(server.URL+"/v1", map[string]any{
		"temperature":        0,
		"top_k":              10,
		"repetition_penalty": 1.03,
		"stream":             false,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := b.Generate(context.Background(), "hi"); err != nil {
		t.Fatalf("Generate error: %v", err)
	}

	want := map[string]any{
		"temperature":        float64(0),
		"top_k":              float64(10),
		"repetition_penalty": 1.03,
		"stream":             false,
	}
	for k, v := range want {
		got, ok := body[k]
		if !ok {
			t.Errorf("%s missing from request body %v", k, body)
			continue
		}
		if got != v {
			t.Errorf("%s = %#v, want %#v", k, got, v)
		}
	}
	if _, ok := body["model"]; ok {
		t.Errorf("model sent although not configured: %v", body["model"])
	}
	if len(body) != len(want)+1 {
		t.Errorf("unexpected keys in request body: %v", body)
	}
}

func TestNewOPEA_RejectsStreamAndMessages(t *testing.T) {
	for _, kwargs := range []map[string]any{
		{"stream": true},
		{"messages": []any{map[string]any{"role": "user", "content": "x"}}},
	} {
		if _, err := NewOPEA("http://localhost:9000/v1", kwargs); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("kwargs %v: error = %v, want ErrInvalidConfig", kwargs, err)
		}
	}
}

func TestNewOPEA_RejectsUnencodableArguments(t *testing.T) {
	_, err := NewOPEA("http://localhost:9000/v1", map[string]any{"callback": func() {}})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("error = %v, want ErrInvalidConfig", err)
	}
}

func TestOPEAGenerate_MalformedResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices": "nope"}`)
	}))
	defer server.Close()

	b, _ := NewOPEA(server.URL+"/v1", nil)
	if _, _, err := b.Generate(context.Background(), "hi"); !errors.Is(err, ErrMalformedResponse) {
		t.Errorf("error = %v, want ErrMalformedResponse", err)
	}
}

func TestOPEAGenerate_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":{"message":"model is loading","type":"unavailable"}}`)
	}))
	defer server.Close()

	b, _ := NewOPEA(server.URL+"/v1", nil)
	if _, _, err := b.Generate(context.Background(), "hi"); err == nil {
		t.Fatal("expected error for 503 response")
	}
}

func TestUsageTokens(t *testing.T) {
	tests := []struct {
		name          string
		meta          Meta
		prompt, total int
	}{
		{"ints", Meta{"usage": map[string]any{"prompt_tokens": 3, "total_tokens": 4}}, 3, 4},
		{"floats", Meta{"usage": map[string]any{"prompt_tokens": 3.0, "total_tokens": 4.0}}, 3, 4},
		{"missing", Meta{}, 0, 0},
		{"wrong shape", Meta{"usage": "lots"}, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, tot := UsageTokens(tt.meta)
			if p != tt.prompt || tot != tt.total {
				t.Errorf("UsageTokens = (%d, %d), want (%d, %d)", p, tot, tt.prompt, tt.total)
			}
		})
	}
}
