// Package react implements the reason-act-observe loop: the model either calls one
// tool per turn or answers, and every tool result is fed back as an observation.
package react

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/vinayprograms/orchestrator/internal/events"
	"github.com/vinayprograms/orchestrator/internal/llm"
	"github.com/vinayprograms/orchestrator/internal/logging"
	"github.com/vinayprograms/orchestrator/internal/telemetry"
	"github.com/vinayprograms/orchestrator/internal/tools"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultMaxIterations bounds the loop when no limit is configured.
	DefaultMaxIterations = 10

	maxObservation     = 4000
	maxSummaryStdout   = 1500
	maxRecoveryMatches = 3
	tokenBuffer        = 256
)

// Request is one execution of the loop.
type Request struct {
	Message string
	History []llm.Message
	Model   string
	RunID   string
	Stream  bool // forward model fragments as token events
	Repair  bool // prefix the system prompt with the repair directive
}

// ToolExecution records one tool call made during a run.
type ToolExecution struct {
	Tool         string                 `json:"tool"`
	Params       map[string]interface{} `json:"params"`
	Result       tools.Result           `json:"result"`
	Duration     time.Duration          `json:"duration"`
	Iteration    int                    `json:"iteration"`
	AutoRecovery bool                   `json:"auto_recovery,omitempty"`
}

// ExecutionResult is the outcome of Run.
type ExecutionResult struct {
	Response         string
	Model            string
	Tools            []ToolExecution
	Iterations       int
	Duration         time.Duration
	HitIterationCap  bool
	PromptTokens     int
	CompletionTokens int
}

// LastTool returns the most recent tool execution, or nil.
func (r *ExecutionResult) LastTool() *ToolExecution {
	if r == nil || len(r.Tools) == 0 {
		return nil
	}
	return &r.Tools[len(r.Tools)-1]
}

// Engine runs the loop against a model provider and a tool dispatcher.
type Engine struct {
	provider      llm.Provider
	dispatcher    *tools.Dispatcher
	events        events.Sink
	logger        *logging.Logger
	model         string
	maxIterations int
	options       llm.Options
	now           func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithEvents sets the sink for thinking, tool and token events.
func WithEvents(s events.Sink) Option {
	return func(e *Engine) { e.events = s }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithModel sets the model used when a request names none.
func WithModel(model string) Option {
	return func(e *Engine) { e.model = model }
}

// WithMaxIterations sets the iteration cap. Non-positive values keep the default.
func WithMaxIterations(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxIterations = n
		}
	}
}

// WithOptions sets model options sent on every call.
func WithOptions(opts llm.Options) Option {
	return func(e *Engine) { e.options = opts }
}

// New creates an engine.
func New(provider llm.Provider, dispatcher *tools.Dispatcher, opts ...Option) *Engine {
	e := &Engine{
		provider:      provider,
		dispatcher:    dispatcher,
		events:        events.NopSink{},
		logger:        logging.New().WithComponent("react"),
		maxIterations: DefaultMaxIterations,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// MaxIterations returns the configured cap.
func (e *Engine) MaxIterations() int { return e.maxIterations }

// Run executes the loop until the model answers or the iteration cap is hit.
// A model backend failure is returned as an error. Run never emits terminal events.
func (e *Engine) Run(ctx context.Context, req Request) (*ExecutionResult, error) {
	start := e.now()
	model := req.Model
	if model == "" {
		model = e.model
	}
	ctx = tools.WithRunID(ctx, req.RunID)
	logger := e.logger.WithTraceID(req.RunID)

	messages := make([]llm.Message, 0, len(req.History)+2)
	messages = append(messages, llm.Message{Role: "system", Content: systemPrompt(e.dispatcher.Registry(), req.Repair, e.now())})
	messages = append(messages, req.History...)
	messages = append(messages, llm.Message{Role: "user", Content: req.Message})

	res := &ExecutionResult{Model: model}
	for i := 1; i <= e.maxIterations; i++ {
		res.Iterations = i
		e.emit(ctx, req.RunID, events.TypeThinking, map[string]interface{}{
			"message":   fmt.Sprintf("Reasoning (iteration %d)", i),
			"iteration": i,
		})

		iterCtx, span := startIterationSpan(ctx, req.RunID, i)
		text, err := e.callModel(iterCtx, req, model, messages, i, res)
		if err != nil {
			telemetry.End(span, err)
			logger.Error("model call failed", map[string]interface{}{
				"iteration": i,
				"error":     err.Error(),
			})
			return nil, fmt.Errorf("LLM error: %w", err)
		}

		st := parseStep(text)
		logger.Debug("model step", map[string]interface{}{
			"iteration": i,
			"kind":      string(st.Kind),
			"tool":      st.Tool,
		})
		if st.Kind != stepTool {
			telemetry.End(span, nil, attribute.String("react.step", string(st.Kind)))
			res.Response = st.Text
			res.Duration = time.Since(start)
			return res, nil
		}

		obs := e.runTool(iterCtx, req.RunID, i, st, res)
		telemetry.End(span, nil,
			attribute.String("react.step", string(st.Kind)),
			attribute.String("react.tool", st.Tool),
		)
		messages = append(messages,
			llm.Message{Role: "assistant", Content: text},
			llm.Message{Role: "user", Content: obs},
		)
	}

	logger.Warn("iteration cap reached", map[string]interface{}{
		"max_iterations": e.maxIterations,
		"tools":          len(res.Tools),
	})
	res.HitIterationCap = true
	res.Response = capSummary(res)
	res.Duration = time.Since(start)
	return res, nil
}

func startIterationSpan(ctx context.Context, runID string, iteration int) (context.Context, trace.Span) {
	return telemetry.Tracer().Start(ctx, "react.iteration", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.Int("react.iteration", iteration),
	))
}

// callModel sends the conversation and returns the reply text.
func (e *Engine) callModel(ctx context.Context, req Request, model string, messages []llm.Message, iteration int, res *ExecutionResult) (string, error) {
	chatReq := llm.ChatRequest{Model: model, Messages: messages, Options: e.options}
	if !req.Stream {
		resp, err := e.provider.Chat(ctx, chatReq)
		if err != nil {
			return "", err
		}
		res.PromptTokens += resp.PromptTokens
		res.CompletionTokens += resp.CompletionTokens
		return resp.Text, nil
	}

	stream, err := e.provider.ChatStream(ctx, chatReq)
	if err != nil {
		return "", err
	}

	fragments := make(chan string, tokenBuffer)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for frag := range fragments {
			e.emit(ctx, req.RunID, events.TypeToken, map[string]interface{}{
				"token":     frag,
				"iteration": iteration,
			})
		}
	}()

	dropped := 0
	text, prompt, completion, err := llm.Collect(stream, func(frag string) {
		select {
		case fragments <- frag:
		default:
			dropped++
		}
	})
	close(fragments)
	<-done

	if dropped > 0 {
		e.logger.Debug("token events dropped", map[string]interface{}{
			"run_id":  req.RunID,
			"dropped": dropped,
		})
	}
	if err != nil {
		return "", err
	}
	res.PromptTokens += prompt
	res.CompletionTokens += completion
	return text, nil
}

// runTool executes one tool call, attempts recovery on a missing path and returns
// the observation for the next turn.
func (e *Engine) runTool(ctx context.Context, runID string, iteration int, st step, res *ExecutionResult) string {
	e.emit(ctx, runID, events.TypeTool, map[string]interface{}{
		"tool":      st.Tool,
		"status":    "running",
		"iteration": iteration,
	})

	start := time.Now()
	result := e.dispatcher.Execute(ctx, st.Tool, st.Params)
	duration := time.Since(start)
	res.Tools = append(res.Tools, ToolExecution{
		Tool:      st.Tool,
		Params:    st.Params,
		Result:    result,
		Duration:  duration,
		Iteration: iteration,
	})

	data := map[string]interface{}{
		"tool":        st.Tool,
		"status":      "success",
		"iteration":   iteration,
		"duration_ms": duration.Milliseconds(),
	}
	if !result.Success {
		data["status"] = "failure"
		data["error_code"] = string(result.ErrorCode())
	}
	e.emit(ctx, runID, events.TypeTool, data)

	hint := ""
	if !result.Success && result.ErrorCode().Recoverable() {
		hint = e.recover(ctx, runID, iteration, st, result, res)
	}
	return observation(st.Tool, result, hint)
}

var trailingPath = regexp.MustCompile(`[:/]\s*(\S+)$`)

// recover searches for a directory named like the last segment of the missing path.
func (e *Engine) recover(ctx context.Context, runID string, iteration int, st step, failed tools.Result, res *ExecutionResult) string {
	segment := missingSegment(st.Params, failed.Error.Message)
	if segment == "" {
		return ""
	}
	e.emit(ctx, runID, events.TypeThinking, map[string]interface{}{
		"message":   "Searching automatically for " + segment,
		"iteration": iteration,
		"phase":     "recovery",
	})

	params := map[string]interface{}{"name": segment}
	start := time.Now()
	found := e.dispatcher.Execute(ctx, "search_directory", params)
	if !found.Success {
		return ""
	}
	paths := matchPaths(found.Data["matches"])
	if len(paths) == 0 {
		return ""
	}
	res.Tools = append(res.Tools, ToolExecution{
		Tool:         "search_directory",
		Params:       params,
		Result:       found,
		Duration:     time.Since(start),
		Iteration:    iteration,
		AutoRecovery: true,
	})
	suggestion, _ := found.Data["suggestion"].(string)
	if suggestion == "" {
		suggestion = paths[0]
	}
	e.logger.Info("auto recovery found candidates", map[string]interface{}{
		"run_id":  runID,
		"segment": segment,
		"matches": len(paths),
	})
	return recoveryHint(suggestion, paths)
}

// missingSegment picks the last path segment from the requested path, falling back to
// the end of the error message.
func missingSegment(params map[string]interface{}, message string) string {
	path, _ := params["path"].(string)
	if path == "" {
		if m := trailingPath.FindStringSubmatch(message); m != nil {
			path = m[1]
		}
	}
	path = strings.TrimRight(strings.TrimSpace(path), "/")
	if path == "" || path == "." {
		return ""
	}
	if i := strings.LastIndex(path, "/"); i >= 0 {
		path = path[i+1:]
	}
	return path
}

func matchPaths(v interface{}) []string {
	var paths []string
	switch ms := v.(type) {
	case []map[string]interface{}:
		for _, m := range ms {
			if p, ok := m["path"].(string); ok {
				paths = append(paths, p)
			}
		}
	case []interface{}:
		for _, item := range ms {
			if m, ok := item.(map[string]interface{}); ok {
				if p, ok := m["path"].(string); ok {
					paths = append(paths, p)
				}
			}
		}
	}
	return paths
}

// capSummary builds a best-effort answer from the last tool result.
func capSummary(res *ExecutionResult) string {
	last := res.LastTool()
	if last == nil {
		return "The iteration limit was reached before an answer was produced."
	}
	r := last.Result
	if !r.Success {
		return fmt.Sprintf("The iteration limit was reached. The last tool (%s) failed: %s", last.Tool, r.Error.Message)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "The iteration limit was reached. Last tool: %s.", last.Tool)
	if stdout, ok := r.Data["stdout"].(string); ok && strings.TrimSpace(stdout) != "" {
		b.WriteString("\n\n```\n")
		b.WriteString(truncate(strings.TrimSpace(stdout), maxSummaryStdout))
		b.WriteString("\n```")
	}
	for _, key := range []string{"entries", "matches"} {
		if n, ok := sliceLen(r.Data[key]); ok {
			fmt.Fprintf(&b, "\n\nFound %d %s.", n, key)
		}
	}
	return b.String()
}

func sliceLen(v interface{}) (int, bool) {
	if v == nil {
		return 0, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return 0, false
	}
	return rv.Len(), true
}

func (e *Engine) emit(ctx context.Context, runID, eventType string, data map[string]interface{}) {
	if err := e.events.Emit(ctx, runID, eventType, data); err != nil {
		e.logger.Warn("event emit failed", map[string]interface{}{
			"run_id": runID,
			"type":   eventType,
			"error":  err.Error(),
		})
	}
}
