// Package llm defines the model backend interface and an Ollama implementation.
package llm

import (
	"errors"
	"fmt"
	"time"
)

// ErrBackend is matched by every *Error via errors.Is.
var ErrBackend = errors.New("model backend error")

// ErrorKind tags the cause of a backend failure.
type ErrorKind string

const (
	KindUnreachable ErrorKind = "unreachable"
	KindStatus      ErrorKind = "status"
	KindDecode      ErrorKind = "decode"
	KindCanceled    ErrorKind = "canceled"
)

// Error is a model backend failure.
type Error struct {
	Kind    ErrorKind
	Status  int // HTTP status for KindStatus
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Kind == KindStatus {
		return fmt.Sprintf("llm %s %d: %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("llm %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target == ErrBackend
}

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"` // system, user or assistant
	Content string `json:"content"`
}

// Options are sampling options passed through to the backend.
type Options struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumCtx      int      `json:"num_ctx,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
}

// Temperature returns a pointer to t for Options literals.
func Temperature(t float64) *float64 {
	return &t
}

// GenerateRequest is a single-prompt completion request.
type GenerateRequest struct {
	Model   string
	Prompt  string
	System  string
	Options Options
}

// GenerateResponse is a completed generation.
type GenerateResponse struct {
	Text             string
	Model            string
	PromptTokens     int
	CompletionTokens int
	Duration         time.Duration
}

// ChatRequest is a multi-turn completion request.
type ChatRequest struct {
	Model    string
	Messages []Message
	Options  Options
}

// ChatResponse is a completed chat turn.
type ChatResponse struct {
	Text             string
	Model            string
	PromptTokens     int
	CompletionTokens int
	Duration         time.Duration
}

// StreamChunk is one fragment of a streamed completion. The last chunk on a stream
// has Done set or carries Err.
type StreamChunk struct {
	Text             string
	Done             bool
	Err              error
	PromptTokens     int
	CompletionTokens int
}

// ModelInfo describes a model the backend can serve.
type ModelInfo struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	Digest     string    `json:"digest,omitempty"`
	ModifiedAt time.Time `json:"modified_at"`
}
