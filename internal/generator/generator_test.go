package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/opeakit/opeakit/internal/backend"
	"github.com/opeakit/opeakit/internal/component"
)

type fakeBackend struct {
	prompts []string
	replies []string
	err     error
}

func (f *fakeBackend) Generate(_ context.Context, prompt string) ([]string, []backend.Meta, error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	f.prompts = append(f.prompts, prompt)
	meta := make([]backend.Meta, len(f.replies))
	for i := range f.replies {
		meta[i] = backend.Meta{"index": i, "finish_reason": "stop"}
	}
	return f.replies, meta, nil
}

func TestNew_Defaults(t *testing.T) {
	g := New(Config{})
	cfg := g.Config()
	if cfg.APIURL != DefaultAPIURL {
		t.Errorf("APIURL = %q, want %q", cfg.APIURL, DefaultAPIURL)
	}
	if cfg.ModelArguments == nil || len(cfg.ModelArguments) != 0 {
		t.Errorf("ModelArguments = %v, want empty map", cfg.ModelArguments)
	}
}

func TestNew_CopiesModelArguments(t *testing.T) {
	args := map[string]any{"temperature": 0.2}
	g := New(Config{ModelArguments: args})
	args["temperature"] = 1.0
	if g.Config().ModelArguments["temperature"] != 0.2 {
		t.Error("generator must not alias the caller's model arguments")
	}
}

func TestRun_BeforeWarmUp(t *testing.T) {
	g := New(Config{})
	if _, err := g.Run(context.Background(), "hi"); !errors.Is(err, component.ErrNotWarmedUp) {
		t.Errorf("Run error = %v, want ErrNotWarmedUp", err)
	}
	if _, err := g.Invoke(context.Background(), map[string]any{"prompt": 1}); !errors.Is(err, component.ErrNotWarmedUp) {
		t.Errorf("Invoke error = %v, want ErrNotWarmedUp", err)
	}
}

func TestRun_ForwardsPromptAndArguments(t *testing.T) {
	fb := &fakeBackend{replies: []string{"4", "four"}}
	args := map[string]any{"temperature": 0.2, "top_p": 0.7, "max_tokens": 1024}

	var gotURL string
	var gotArgs map[string]any
	calls := 0
	g := New(Config{ModelArguments: args}, WithBackendFactory(func(apiURL string, kwargs map[string]any) (backend.GeneratorBackend, error) {
		calls++
		gotURL, gotArgs = apiURL, kwargs
		return fb, nil
	}))

	for i := 0; i < 2; i++ {
		if err := g.WarmUp(); err != nil {
			t.Fatal(err)
		}
	}
	if calls != 1 {
		t.Errorf("factory calls = %d, want 1", calls)
	}
	if gotURL != DefaultAPIURL || !reflect.DeepEqual(gotArgs, args) {
		t.Errorf("factory got (%q, %v)", gotURL, gotArgs)
	}

	res, err := g.Run(context.Background(), "What is 2+2?")
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if !reflect.DeepEqual(fb.prompts, []string{"What is 2+2?"}) {
		t.Errorf("prompts = %v", fb.prompts)
	}
	if len(res.Replies) != len(res.Meta) {
		t.Errorf("replies %d != meta %d", len(res.Replies), len(res.Meta))
	}
	if !reflect.DeepEqual(res.Replies, fb.replies) {
		t.Errorf("replies = %v", res.Replies)
	}
}

func TestRun_BackendErrorPropagates(t *testing.T) {
	boom := errors.New("connection refused")
	g := New(Config{}, WithBackendFactory(func(string, map[string]any) (backend.GeneratorBackend, error) {
		return &fakeBackend{err: boom}, nil
	}))
	_ = g.WarmUp()
	if _, err := g.Run(context.Background(), "hi"); !errors.Is(err, boom) {
		t.Errorf("Run error = %v, want %v", err, boom)
	}
}

func TestWarmUp_RejectsMalformedURL(t *testing.T) {
	g := New(Config{APIURL: "::not-a-url"})
	if err := g.WarmUp(); !errors.Is(err, backend.ErrInvalidConfig) {
		t.Errorf("WarmUp error = %v, want ErrInvalidConfig", err)
	}
	if _, err := g.Run(context.Background(), "hi"); !errors.Is(err, component.ErrNotWarmedUp) {
		t.Errorf("Run error = %v, want ErrNotWarmedUp", err)
	}
}

func TestInvoke(t *testing.T) {
	fb := &fakeBackend{replies: []string{"ok"}}
	g := New(Config{}, WithBackendFactory(func(string, map[string]any) (backend.GeneratorBackend, error) {
		return fb, nil
	}))
	_ = g.WarmUp()

	if _, err := g.Invoke(context.Background(), map[string]any{"prompt": []string{"a"}}); !errors.Is(err, component.ErrInvalidInput) {
		t.Errorf("error = %v, want ErrInvalidInput", err)
	}

	out, err := g.Invoke(context.Background(), map[string]any{"prompt": "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if replies, _ := out["replies"].([]string); len(replies) != 1 || replies[0] != "ok" {
		t.Errorf("replies = %v", out["replies"])
	}
}

func TestDataRoundTrip(t *testing.T) {
	for _, cfg := range []Config{
		{},
		{APIURL: "http://tgi:9009/v1", ModelArguments: map[string]any{"temperature": 0.2, "max_tokens": int64(256), "stop": []any{"\n"}}},
	} {
		g := New(cfg)
		first := g.ToData()
		restored, err := FromData(first)
		if err != nil {
			t.Fatalf("FromData error: %v", err)
		}
		if second := restored.ToData(); !reflect.DeepEqual(first, second) {
			t.Errorf("round trip mismatch:\n first  %v\n second %v", first, second)
		}
	}
}

func TestFromData_Errors(t *testing.T) {
	if _, err := FromData(component.Data{Type: "opea.TextEmbedder"}); !errors.Is(err, component.ErrTypeMismatch) {
		t.Errorf("error = %v, want ErrTypeMismatch", err)
	}
	bad := component.Data{Type: Type, InitParameters: map[string]any{"model_arguments": "hot"}}
	if _, err := FromData(bad); !errors.Is(err, component.ErrInvalidParameter) {
		t.Errorf("error = %v, want ErrInvalidParameter", err)
	}
}

func TestRun_AgainstOPEAServer(t *testing.T) {
	var body map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "1", "object": "chat.completion", "model": "tgi",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "4"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 5, "completion_tokens": 1, "total_tokens": 6}
		}`)
	}))
	defer server.Close()

	g := New(Config{APIURL: server.URL + "/v1", ModelArguments: map[string]any{"temperature": 0.5}})
	if err := g.WarmUp(); err != nil {
		t.Fatal(err)
	}
	res, err := g.Run(context.Background(), "What is 2+2?")
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if !reflect.DeepEqual(res.Replies, []string{"4"}) || len(res.Meta) != 1 {
		t.Errorf("result = %+v", res)
	}
	if body["temperature"] != 0.5 {
		t.Errorf("temperature not forwarded: %v", body)
	}
}
