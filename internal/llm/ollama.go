package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/vinayprograms/orchestrator/internal/logging"
	"github.com/vinayprograms/orchestrator/internal/metrics"
)

const (
	defaultOllamaURL   = "http://localhost:11434"
	defaultCallTimeout = 300 * time.Second
	defaultDialTimeout = 10 * time.Second
	maxErrorBody       = 4 << 10
	maxStreamLine      = 1 << 20
)

// OllamaClient talks to an Ollama-compatible HTTP API.
type OllamaClient struct {
	baseURL     string
	model       string
	options     Options
	callTimeout time.Duration
	client      *http.Client
	metrics     *metrics.Metrics
	logger      *logging.Logger
}

// OllamaOption configures an OllamaClient.
type OllamaOption func(*OllamaClient)

// WithModel sets the model used when a request names none.
func WithModel(model string) OllamaOption {
	return func(c *OllamaClient) { c.model = model }
}

// WithDefaultOptions sets sampling options used when a request sets none.
func WithDefaultOptions(o Options) OllamaOption {
	return func(c *OllamaClient) { c.options = o }
}

// WithTimeouts sets the per-call timeout and the dial timeout.
func WithTimeouts(call, dial time.Duration) OllamaOption {
	return func(c *OllamaClient) {
		if call > 0 {
			c.callTimeout = call
		}
		if dial > 0 {
			c.client = &http.Client{Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: dial}).DialContext,
				TLSHandshakeTimeout: dial,
			}}
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) OllamaOption {
	return func(c *OllamaClient) { c.client = hc }
}

// WithMetrics records call outcomes and token counts.
func WithMetrics(m *metrics.Metrics) OllamaOption {
	return func(c *OllamaClient) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) OllamaOption {
	return func(c *OllamaClient) { c.logger = l }
}

// NewOllamaClient creates a client for baseURL.
func NewOllamaClient(baseURL string, opts ...OllamaOption) *OllamaClient {
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	c := &OllamaClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		callTimeout: defaultCallTimeout,
		client: &http.Client{Transport: &http.Transport{
			DialContext: (&net.Dialer{Timeout: defaultDialTimeout}).DialContext,
		}},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logging.New().WithComponent("llm")
	}
	return c
}

type ollamaGenerateRequest struct {
	Model   string  `json:"model"`
	Prompt  string  `json:"prompt"`
	System  string  `json:"system,omitempty"`
	Stream  bool    `json:"stream"`
	Options Options `json:"options"`
}

type ollamaChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
	Options  Options   `json:"options"`
}

// ollamaResponse covers both /api/generate and /api/chat lines.
type ollamaResponse struct {
	Model           string   `json:"model"`
	Response        string   `json:"response"`
	Message         *Message `json:"message,omitempty"`
	Done            bool     `json:"done"`
	Error           string   `json:"error,omitempty"`
	PromptEvalCount int      `json:"prompt_eval_count"`
	EvalCount       int      `json:"eval_count"`
}

func (r *ollamaResponse) text() string {
	if r.Message != nil {
		return r.Message.Content
	}
	return r.Response
}

func (c *OllamaClient) modelFor(model string) string {
	if model != "" {
		return model
	}
	return c.model
}

func (c *OllamaClient) optionsFor(o Options) Options {
	if o.Temperature == nil {
		o.Temperature = c.options.Temperature
	}
	if o.NumCtx == 0 {
		o.NumCtx = c.options.NumCtx
	}
	if o.NumPredict == 0 {
		o.NumPredict = c.options.NumPredict
	}
	return o
}

// Generate runs a non-streaming completion.
func (c *OllamaClient) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	model := c.modelFor(req.Model)
	body := ollamaGenerateRequest{
		Model:   model,
		Prompt:  req.Prompt,
		System:  req.System,
		Options: c.optionsFor(req.Options),
	}
	start := time.Now()
	var out ollamaResponse
	err := c.call(ctx, "/api/generate", body, &out)
	c.metrics.RecordLLMCall(model, err, out.PromptEvalCount, out.EvalCount)
	if err != nil {
		return nil, err
	}
	return &GenerateResponse{
		Text:             out.text(),
		Model:            model,
		PromptTokens:     out.PromptEvalCount,
		CompletionTokens: out.EvalCount,
		Duration:         time.Since(start),
	}, nil
}

// Chat runs a non-streaming chat completion.
func (c *OllamaClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	model := c.modelFor(req.Model)
	body := ollamaChatRequest{
		Model:    model,
		Messages: req.Messages,
		Options:  c.optionsFor(req.Options),
	}
	start := time.Now()
	var out ollamaResponse
	err := c.call(ctx, "/api/chat", body, &out)
	c.metrics.RecordLLMCall(model, err, out.PromptEvalCount, out.EvalCount)
	if err != nil {
		return nil, err
	}
	return &ChatResponse{
		Text:             out.text(),
		Model:            model,
		PromptTokens:     out.PromptEvalCount,
		CompletionTokens: out.EvalCount,
		Duration:         time.Since(start),
	}, nil
}

// GenerateStream streams a completion as NDJSON fragments.
func (c *OllamaClient) GenerateStream(ctx context.Context, req GenerateRequest) (<-chan StreamChunk, error) {
	model := c.modelFor(req.Model)
	return c.stream(ctx, "/api/generate", model, ollamaGenerateRequest{
		Model:   model,
		Prompt:  req.Prompt,
		System:  req.System,
		Stream:  true,
		Options: c.optionsFor(req.Options),
	})
}

// ChatStream streams a chat completion as NDJSON fragments.
func (c *OllamaClient) ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error) {
	model := c.modelFor(req.Model)
	return c.stream(ctx, "/api/chat", model, ollamaChatRequest{
		Model:    model,
		Messages: req.Messages,
		Stream:   true,
		Options:  c.optionsFor(req.Options),
	})
}

// ListModels returns the models reported by /api/tags.
func (c *OllamaClient) ListModels(ctx context.Context) ([]ModelInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	resp, err := c.do(ctx, http.MethodGet, "/api/tags", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var tags struct {
		Models []ModelInfo `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, &Error{Kind: KindDecode, Message: err.Error(), Err: err}
	}
	return tags.Models, nil
}

// Health reports whether the backend answers /api/tags.
func (c *OllamaClient) Health(ctx context.Context) error {
	_, err := c.ListModels(ctx)
	return err
}

func (c *OllamaClient) call(ctx context.Context, path string, body, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	resp, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctx.Err() != nil {
			return wrapTransport(ctx, err)
		}
		return &Error{Kind: KindDecode, Message: err.Error(), Err: err}
	}
	if r, ok := out.(*ollamaResponse); ok && r.Error != "" {
		return &Error{Kind: KindStatus, Status: http.StatusOK, Message: r.Error}
	}
	return nil
}

func (c *OllamaClient) stream(ctx context.Context, path, model string, body interface{}) (<-chan StreamChunk, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	resp, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		cancel()
		c.metrics.RecordLLMCall(model, err, 0, 0)
		return nil, err
	}

	ch := make(chan StreamChunk, 16)
	go func() {
		defer close(ch)
		defer cancel()
		defer resp.Body.Close()

		send := func(chunk StreamChunk) bool {
			select {
			case ch <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64<<10), maxStreamLine)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var r ollamaResponse
			if err := json.Unmarshal(line, &r); err != nil {
				// Partial or foreign lines are skipped.
				continue
			}
			if r.Error != "" {
				err := &Error{Kind: KindStatus, Status: http.StatusOK, Message: r.Error}
				c.metrics.RecordLLMCall(model, err, 0, 0)
				send(StreamChunk{Err: err})
				return
			}
			if r.Done {
				c.metrics.RecordLLMCall(model, nil, r.PromptEvalCount, r.EvalCount)
				send(StreamChunk{
					Text:             r.text(),
					Done:             true,
					PromptTokens:     r.PromptEvalCount,
					CompletionTokens: r.EvalCount,
				})
				return
			}
			if !send(StreamChunk{Text: r.text()}) {
				break
			}
		}
		err := scanner.Err()
		if err == nil {
			err = ctx.Err()
		}
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		wrapped := wrapTransport(ctx, err)
		c.metrics.RecordLLMCall(model, wrapped, 0, 0)
		if !send(StreamChunk{Err: wrapped}) {
			select {
			case ch <- StreamChunk{Err: wrapped}:
			default:
			}
		}
	}()
	return ch, nil
}

func (c *OllamaClient) do(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, &Error{Kind: KindDecode, Message: err.Error(), Err: err}
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, &Error{Kind: KindUnreachable, Message: err.Error(), Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn("model backend request failed", map[string]interface{}{
			"path":  path,
			"error": err.Error(),
		})
		return nil, wrapTransport(ctx, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		var e struct {
			Error string `json:"error"`
		}
		text := strings.TrimSpace(string(msg))
		if json.Unmarshal(msg, &e) == nil && e.Error != "" {
			text = e.Error
		}
		if text == "" {
			text = http.StatusText(resp.StatusCode)
		}
		return nil, &Error{Kind: KindStatus, Status: resp.StatusCode, Message: text}
	}
	return resp, nil
}

func wrapTransport(ctx context.Context, err error) *Error {
	var le *Error
	if errors.As(err, &le) {
		return le
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindCanceled, Message: fmt.Sprintf("request canceled: %v", err), Err: err}
	}
	return &Error{Kind: KindUnreachable, Message: err.Error(), Err: err}
}
