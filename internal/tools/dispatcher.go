package tools

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/vinayprograms/orchestrator/internal/governance"
	"github.com/vinayprograms/orchestrator/internal/injection"
	"github.com/vinayprograms/orchestrator/internal/logging"
	"github.com/vinayprograms/orchestrator/internal/metrics"
	"github.com/vinayprograms/orchestrator/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// Event types emitted by the dispatcher. Both are non-terminal.
const (
	EventGovernanceDenied       = "governance_denied"
	EventPromptInjectionBlocked = "prompt_injection_blocked"
)

// Parameters consumed by the dispatcher and never passed to tools.
var frameworkParams = []string{"justification", "run_id"}

// EventSink receives security events raised while dispatching.
type EventSink interface {
	Emit(ctx context.Context, runID, eventType string, data map[string]interface{}) error
}

// Dispatcher runs tool calls through injection screening, governance, execution,
// result recording and metrics.
type Dispatcher struct {
	registry   *Registry
	detector   *injection.Detector
	governance *governance.Manager
	events     EventSink
	metrics    *metrics.Metrics
	logger     *logging.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDetector enables injection screening.
func WithDetector(d *injection.Detector) DispatcherOption {
	return func(x *Dispatcher) { x.detector = d }
}

// WithGovernance enables governance gating.
func WithGovernance(g *governance.Manager) DispatcherOption {
	return func(x *Dispatcher) { x.governance = g }
}

// WithEvents sets the sink for security events.
func WithEvents(s EventSink) DispatcherOption {
	return func(x *Dispatcher) { x.events = s }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Metrics) DispatcherOption {
	return func(x *Dispatcher) { x.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) DispatcherOption {
	return func(x *Dispatcher) { x.logger = l }
}

// NewDispatcher creates a Dispatcher over reg.
func NewDispatcher(reg *Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{registry: reg}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = logging.New().WithComponent("tools")
	}
	return d
}

// Registry returns the dispatcher's registry.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Execute runs the named tool. It always returns a valid envelope.
func (d *Dispatcher) Execute(ctx context.Context, name string, params map[string]interface{}) Result {
	ctx, span := telemetry.Tracer().Start(ctx, "tool."+name)
	start := time.Now()
	result := d.execute(ctx, name, params)
	result.Meta.DurationMs = time.Since(start).Milliseconds()
	result.Meta.Tool = name
	telemetry.End(span, nil,
		attribute.String("tool.name", name),
		attribute.String("tool.code", string(result.ErrorCode())),
		attribute.Bool("tool.success", result.Success),
	)
	return result
}

func (d *Dispatcher) execute(ctx context.Context, name string, params map[string]interface{}) Result {
	if params == nil {
		params = map[string]interface{}{}
	}
	runID := RunIDFrom(ctx)
	if runID == "" {
		if id, ok := params["run_id"].(string); ok {
			runID = id
			ctx = WithRunID(ctx, id)
		}
	}
	logger := d.logger.WithTraceID(runID)

	tool := d.registry.Get(name)
	if tool == nil {
		d.metrics.RecordToolCall(name, string(CodeToolNotFound), 0)
		return Fail(CodeToolNotFound, "tool %q not found", name)
	}

	if d.detector != nil {
		if param, det, blocked := d.detector.FirstBlocking(toolParams(params)); blocked {
			logger.InjectionDetected(name, param, string(det.Severity), det.Confidence, true)
			d.metrics.RecordInjectionBlock(string(det.Severity))
			d.metrics.RecordToolCall(name, string(CodePromptInjection), 0)
			d.emit(ctx, runID, EventPromptInjectionBlocked, map[string]interface{}{
				"tool_name":  name,
				"parameter":  param,
				"severity":   string(det.Severity),
				"confidence": det.Confidence,
				"reason":     det.Reason,
			})
			return Fail(CodePromptInjection, "potential prompt injection detected in parameter %q: %s", param, det.Reason)
		}
	}

	var actionID string
	if d.governance != nil {
		justification := argString(params, "justification", "")
		approved, action, message := d.prepare(ctx, name, params, justification)
		if !approved {
			category := "unknown"
			if action != nil {
				category = string(action.Category)
				actionID = action.ID
			}
			logger.SecurityDeny(name, message, "governance")
			d.metrics.RecordGovernanceDenial(category)
			d.metrics.RecordToolCall(name, string(CodeGovernanceDenied), 0)
			d.emit(ctx, runID, EventGovernanceDenied, map[string]interface{}{
				"tool_name": name,
				"category":  category,
				"action_id": actionID,
				"reason":    message,
			})
			res := Fail(CodeGovernanceDenied, "action blocked: %s", message)
			res.Meta.ActionID = actionID
			return res
		}
		actionID = action.ID
	}

	args := stripFramework(params)
	logger.ToolCall(name, args)
	start := time.Now()
	result := d.invoke(ctx, tool, args)
	duration := time.Since(start)
	if !result.Valid() {
		result = normalize(result)
	}
	result.Meta.ActionID = actionID

	if d.governance != nil && actionID != "" {
		summary := "ok"
		if result.Error != nil {
			summary = result.Error.Error()
		}
		d.governance.RecordResult(actionID, result.Success, summary)
	}
	logger.ToolResult(name, duration, string(result.ErrorCode()))
	d.metrics.RecordToolCall(name, string(result.ErrorCode()), duration)
	return result
}

// prepare calls governance and fails closed if it panics.
func (d *Dispatcher) prepare(ctx context.Context, name string, params map[string]interface{}, justification string) (approved bool, action *governance.ActionContext, message string) {
	defer func() {
		if r := recover(); r != nil {
			approved, action, message = false, nil, fmt.Sprintf("governance check failed: %v", r)
		}
	}()
	return d.governance.PrepareAction(ctx, name, toolParams(params), justification)
}

// invoke runs the tool and converts a panic into E_TOOL_EXEC.
func (d *Dispatcher) invoke(ctx context.Context, tool Tool, args map[string]interface{}) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("tool panicked", map[string]interface{}{
				"tool":  tool.Name(),
				"panic": fmt.Sprint(r),
				"stack": string(debug.Stack()),
			})
			result = Fail(CodeToolExec, "tool %s panicked: %v", tool.Name(), r)
		}
	}()
	return tool.Execute(ctx, args)
}

func (d *Dispatcher) emit(ctx context.Context, runID, eventType string, data map[string]interface{}) {
	if d.events == nil || runID == "" {
		return
	}
	if err := d.events.Emit(ctx, runID, eventType, data); err != nil {
		d.logger.Warn("failed to emit event", map[string]interface{}{
			"type":  eventType,
			"error": err.Error(),
		})
	}
}

// toolParams returns params without the run id, which is not user input.
func toolParams(params map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		if k == "run_id" {
			continue
		}
		out[k] = v
	}
	return out
}

func stripFramework(params map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		out[k] = v
	}
	for _, k := range frameworkParams {
		delete(out, k)
	}
	return out
}

// normalize repairs an envelope a tool built by hand so callers can rely on Valid.
func normalize(r Result) Result {
	if r.Success {
		if r.Data == nil {
			r.Data = map[string]interface{}{}
		}
		r.Error = nil
		return r
	}
	if r.Error == nil || !r.Error.Code.Known() {
		msg := "tool returned an invalid error envelope"
		if r.Error != nil {
			msg = fmt.Sprintf("%s: %s", r.Error.Code, r.Error.Message)
		}
		return Fail(CodeToolExec, "%s", msg)
	}
	r.Data = nil
	r.Error.Recoverable = r.Error.Code.Recoverable()
	return r
}
