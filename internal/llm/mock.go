package llm

import (
	"context"
	"strings"
	"sync"
)

// Call records one request seen by MockProvider.
type Call struct {
	Method   string // Generate, GenerateStream, Chat or ChatStream
	Model    string
	System   string
	Prompt   string
	Messages []Message
	Options  Options
}

// Text returns the prompt, or the joined message contents for chat calls.
func (c Call) Text() string {
	if c.Prompt != "" || len(c.Messages) == 0 {
		return c.Prompt
	}
	parts := make([]string, 0, len(c.Messages))
	for _, m := range c.Messages {
		parts = append(parts, m.Content)
	}
	return strings.Join(parts, "\n")
}

// MockProvider is a scripted Provider for tests. Queued responses are served first,
// then the fixed response.
type MockProvider struct {
	mu       sync.Mutex
	response string
	queue    []string
	err      error
	calls    []Call

	// ChatFunc, when set, answers every call. Generate calls are presented as a
	// single user message after an optional system message.
	ChatFunc func(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// NewMockProvider creates a mock that answers "ok".
func NewMockProvider() *MockProvider {
	return &MockProvider{response: "ok"}
}

// SetResponse sets the response returned once the queue is empty.
func (m *MockProvider) SetResponse(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.response = text
}

// QueueResponses appends responses served in order before the fixed response.
func (m *MockProvider) QueueResponses(texts ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, texts...)
}

// SetError makes every call fail with err. nil clears it.
func (m *MockProvider) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Calls returns the number of calls made.
func (m *MockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// History returns every recorded call.
func (m *MockProvider) History() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// LastRequest returns the most recent call.
func (m *MockProvider) LastRequest() Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return Call{}
	}
	return m.calls[len(m.calls)-1]
}

func (m *MockProvider) next(ctx context.Context, call Call) (string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, call)
	fn := m.ChatFunc
	if m.err != nil {
		err := m.err
		m.mu.Unlock()
		return "", err
	}
	if fn == nil {
		var text string
		if len(m.queue) > 0 {
			text, m.queue = m.queue[0], m.queue[1:]
		} else {
			text = m.response
		}
		m.mu.Unlock()
		return text, nil
	}
	m.mu.Unlock()

	msgs := call.Messages
	if msgs == nil {
		if call.System != "" {
			msgs = append(msgs, Message{Role: "system", Content: call.System})
		}
		msgs = append(msgs, Message{Role: "user", Content: call.Prompt})
	}
	resp, err := fn(ctx, ChatRequest{Model: call.Model, Messages: msgs, Options: call.Options})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

func (m *MockProvider) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	text, err := m.next(ctx, Call{Method: "Generate", Model: req.Model, System: req.System, Prompt: req.Prompt, Options: req.Options})
	if err != nil {
		return nil, err
	}
	return &GenerateResponse{Text: text, Model: req.Model}, nil
}

func (m *MockProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	text, err := m.next(ctx, Call{Method: "Chat", Model: req.Model, Messages: req.Messages, Options: req.Options})
	if err != nil {
		return nil, err
	}
	return &ChatResponse{Text: text, Model: req.Model}, nil
}

func (m *MockProvider) GenerateStream(ctx context.Context, req GenerateRequest) (<-chan StreamChunk, error) {
	text, err := m.next(ctx, Call{Method: "GenerateStream", Model: req.Model, System: req.System, Prompt: req.Prompt, Options: req.Options})
	if err != nil {
		return nil, err
	}
	return chunked(text), nil
}

func (m *MockProvider) ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error) {
	text, err := m.next(ctx, Call{Method: "ChatStream", Model: req.Model, Messages: req.Messages, Options: req.Options})
	if err != nil {
		return nil, err
	}
	return chunked(text), nil
}

// chunked splits text after each space into a closed stream ending with Done.
func chunked(text string) <-chan StreamChunk {
	parts := strings.SplitAfter(text, " ")
	ch := make(chan StreamChunk, len(parts)+1)
	for _, p := range parts {
		if p != "" {
			ch <- StreamChunk{Text: p}
		}
	}
	ch <- StreamChunk{Done: true}
	close(ch)
	return ch
}
