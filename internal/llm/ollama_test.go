package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vinayprograms/orchestrator/internal/logging"
)

func quietLogger() *logging.Logger {
	l := logging.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...OllamaOption) *OllamaClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	opts = append([]OllamaOption{WithLogger(quietLogger()), WithModel("test-model")}, opts...)
	return NewOllamaClient(srv.URL, opts...)
}

func TestGenerate(t *testing.T) {
	var got ollamaGenerateRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprint(w, `{"model":"test-model","response":"hello","done":true,"prompt_eval_count":7,"eval_count":3}`)
	}, WithDefaultOptions(Options{Temperature: Temperature(0.7), NumCtx: 8192}))

	resp, err := c.Generate(context.Background(), GenerateRequest{Prompt: "hi", System: "sys"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Text != "hello" || resp.PromptTokens != 7 || resp.CompletionTokens != 3 {
		t.Errorf("unexpected response %+v", resp)
	}
	if got.Model != "test-model" || got.Stream || got.System != "sys" {
		t.Errorf("unexpected request %+v", got)
	}
	if got.Options.Temperature == nil || *got.Options.Temperature != 0.7 || got.Options.NumCtx != 8192 {
		t.Errorf("default options not applied: %+v", got.Options)
	}
}

func TestGenerate_RequestOptionsWin(t *testing.T) {
	var got ollamaGenerateRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprint(w, `{"response":"x","done":true}`)
	}, WithDefaultOptions(Options{Temperature: Temperature(0.7)}))

	_, err := c.Generate(context.Background(), GenerateRequest{Model: "judge", Prompt: "p", Options: Options{Temperature: Temperature(0.1)}})
	if err != nil {
		t.Fatal(err)
	}
	if got.Model != "judge" || *got.Options.Temperature != 0.1 {
		t.Errorf("request values should win: %+v", got)
	}
}

func TestChat(t *testing.T) {
	var got ollamaChatRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprint(w, `{"message":{"role":"assistant","content":"pong"},"done":true,"eval_count":1}`)
	})

	resp, err := c.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "ping"}}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Text != "pong" {
		t.Errorf("Text = %q", resp.Text)
	}
	if len(got.Messages) != 1 || got.Messages[0].Content != "ping" {
		t.Errorf("unexpected messages %+v", got.Messages)
	}
}

func TestChatStream(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		lines := []string{
			`{"message":{"role":"assistant","content":"Hel"},"done":false}`,
			`not json`,
			`{"message":{"role":"assistant","content":"lo"},"done":false}`,
			`{"message":{"role":"assistant","content":""},"done":true,"prompt_eval_count":4,"eval_count":2}`,
		}
		for _, l := range lines {
			fmt.Fprintln(w, l)
			w.(http.Flusher).Flush()
		}
	})

	stream, err := c.ChatStream(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	var fragments []string
	text, pt, ct, err := Collect(stream, func(s string) { fragments = append(fragments, s) })
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if text != "Hello" || len(fragments) != 2 {
		t.Errorf("text = %q fragments = %v", text, fragments)
	}
	if pt != 4 || ct != 2 {
		t.Errorf("tokens = %d/%d", pt, ct)
	}
}

func TestGenerateStream_TruncatedStreamEndsWithError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"response":"partial","done":false}`)
	})
	stream, err := c.GenerateStream(context.Background(), GenerateRequest{Prompt: "p"})
	if err != nil {
		t.Fatal(err)
	}
	text, _, _, err := Collect(stream, nil)
	if text != "partial" {
		t.Errorf("text = %q", text)
	}
	if !errors.Is(err, ErrBackend) {
		t.Errorf("expected backend error, got %v", err)
	}
}

func TestStatusError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"model \"nope\" not found"}`)
	})
	_, err := c.Generate(context.Background(), GenerateRequest{Model: "nope", Prompt: "p"})
	var le *Error
	if !errors.As(err, &le) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if le.Kind != KindStatus || le.Status != http.StatusNotFound {
		t.Errorf("unexpected error %+v", le)
	}
	if !errors.Is(err, ErrBackend) {
		t.Error("errors.Is(err, ErrBackend) should hold")
	}
}

func TestDecodeError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{not json`)
	})
	_, err := c.Chat(context.Background(), ChatRequest{})
	var le *Error
	if !errors.As(err, &le) || le.Kind != KindDecode {
		t.Errorf("expected decode error, got %v", err)
	}
}

func TestUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewOllamaClient(url, WithLogger(quietLogger()))
	_, err := c.Generate(context.Background(), GenerateRequest{Prompt: "p"})
	var le *Error
	if !errors.As(err, &le) || le.Kind != KindUnreachable {
		t.Errorf("expected unreachable error, got %v", err)
	}
}

func TestCallTimeout(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}, WithTimeouts(50*time.Millisecond, 0))

	_, err := c.Generate(context.Background(), GenerateRequest{Prompt: "p"})
	var le *Error
	if !errors.As(err, &le) || le.Kind != KindCanceled {
		t.Errorf("expected canceled error, got %v", err)
	}
}

func TestListModels(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" || r.Method != http.MethodGet {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		fmt.Fprint(w, `{"models":[{"name":"qwen2.5-coder:7b","size":4700000000,"modified_at":"2026-01-02T03:04:05Z"},{"name":"kimi-k2:cloud","size":300}]}`)
	})
	models, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) != 2 || models[0].Name != "qwen2.5-coder:7b" || models[1].Size != 300 {
		t.Errorf("unexpected models %+v", models)
	}
	if err := c.Health(context.Background()); err != nil {
		t.Errorf("Health: %v", err)
	}
}

func TestMockProvider(t *testing.T) {
	m := NewMockProvider()
	m.QueueResponses("first", "second")
	m.SetResponse("fallback")

	ctx := context.Background()
	for _, want := range []string{"first", "second", "fallback", "fallback"} {
		resp, err := m.Generate(ctx, GenerateRequest{Prompt: want})
		if err != nil {
			t.Fatal(err)
		}
		if resp.Text != want {
			t.Errorf("got %q, want %q", resp.Text, want)
		}
	}
	if m.Calls() != 4 || m.LastRequest().Prompt != "fallback" {
		t.Errorf("calls = %d last = %+v", m.Calls(), m.LastRequest())
	}

	stream, err := m.ChatStream(ctx, ChatRequest{Messages: []Message{{Role: "user", Content: "x"}}})
	if err != nil {
		t.Fatal(err)
	}
	text, _, _, err := Collect(stream, nil)
	if err != nil || text != "fallback" {
		t.Errorf("stream text = %q err = %v", text, err)
	}

	m.SetError(errors.New("boom"))
	if _, err := m.Chat(ctx, ChatRequest{}); err == nil {
		t.Error("expected error")
	}
}

func TestMockProvider_ChatFunc(t *testing.T) {
	m := NewMockProvider()
	m.ChatFunc = func(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
		return &ChatResponse{Text: req.Messages[len(req.Messages)-1].Content + "!"}, nil
	}
	resp, err := m.Generate(context.Background(), GenerateRequest{System: "s", Prompt: "hey"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Text != "hey!" {
		t.Errorf("Text = %q", resp.Text)
	}
}
