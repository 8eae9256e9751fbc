package llm

import "context"

// Provider is a model backend. Streams are finite and cannot be restarted.
type Provider interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
	GenerateStream(ctx context.Context, req GenerateRequest) (<-chan StreamChunk, error)
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error)
}

// Collect drains a stream into a single response text, calling onChunk for each
// non-empty fragment.
func Collect(stream <-chan StreamChunk, onChunk func(string)) (string, int, int, error) {
	var text []byte
	var prompt, completion int
	for chunk := range stream {
		if chunk.Err != nil {
			return string(text), prompt, completion, chunk.Err
		}
		if chunk.Text != "" {
			text = append(text, chunk.Text...)
			if onChunk != nil {
				onChunk(chunk.Text)
			}
		}
		if chunk.Done {
			prompt, completion = chunk.PromptTokens, chunk.CompletionTokens
		}
	}
	return string(text), prompt, completion, nil
}
