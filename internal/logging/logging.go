// Package logging provides structured logging on top of log/slog.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	slogmulti "github.com/samber/slog-multi"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Format selects the encoding of the primary output.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Entry is the JSON shape of a single log line.
type Entry struct {
	Time      time.Time              `json:"time"`
	Level     Level                  `json:"level"`
	Message   string                 `json:"message"`
	Component string                 `json:"component,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// ParseLevel converts a config string into a Level. Unknown values map to INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Logger writes structured entries to a primary output and, optionally, a JSON file.
type Logger struct {
	level     *slog.LevelVar
	output    io.Writer
	file      io.Writer
	format    Format
	component string
	traceID   string
	handler   slog.Handler
}

// New creates a Logger writing text to stderr at INFO.
func New() *Logger {
	lv := new(slog.LevelVar)
	lv.Set(slog.LevelInfo)
	l := &Logger{
		level:  lv,
		output: os.Stderr,
		format: FormatText,
	}
	l.rebuild()
	return l
}

func (l *Logger) clone() *Logger {
	c := *l
	return &c
}

// WithComponent returns a new logger with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	c := l.clone()
	c.component = component
	return c
}

// WithTraceID returns a new logger tagged with a run or request identifier.
func (l *Logger) WithTraceID(traceID string) *Logger {
	c := l.clone()
	c.traceID = traceID
	return c
}

// SetLevel sets the minimum log level. Loggers derived from the same root share it.
func (l *Logger) SetLevel(level Level) {
	l.level.Set(level.slogLevel())
}

// SetOutput sets the primary output writer.
func (l *Logger) SetOutput(w io.Writer) {
	l.output = w
	l.rebuild()
}

// SetFormat sets the primary output encoding.
func (l *Logger) SetFormat(f Format) {
	l.format = f
	l.rebuild()
}

// SetFile adds a JSON sink alongside the primary output. nil removes it.
func (l *Logger) SetFile(w io.Writer) {
	l.file = w
	l.rebuild()
}

func (l *Logger) rebuild() {
	opts := &slog.HandlerOptions{
		Level: l.level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.MessageKey {
				a.Key = "message"
			}
			return a
		},
	}
	var handlers []slog.Handler
	if l.format == FormatJSON {
		handlers = append(handlers, slog.NewJSONHandler(l.output, opts))
	} else {
		handlers = append(handlers, slog.NewTextHandler(l.output, opts))
	}
	if l.file != nil {
		handlers = append(handlers, slog.NewJSONHandler(l.file, opts))
	}
	l.handler = slogmulti.Fanout(handlers...)
}

// Slog exposes the underlying handler as a *slog.Logger for libraries that want one.
func (l *Logger) Slog() *slog.Logger {
	return slog.New(l.handler).With(l.baseAttrs()...)
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, fields...)
}

func (l *Logger) baseAttrs() []any {
	var attrs []any
	if l.component != "" {
		attrs = append(attrs, slog.String("component", l.component))
	}
	if l.traceID != "" {
		attrs = append(attrs, slog.String("trace_id", l.traceID))
	}
	return attrs
}

func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	ctx := context.Background()
	sl := level.slogLevel()
	if !l.handler.Enabled(ctx, sl) {
		return
	}

	record := slog.NewRecord(time.Now().UTC(), sl, msg, 0)
	for _, a := range l.baseAttrs() {
		record.AddAttrs(a.(slog.Attr))
	}
	if len(fields) > 0 && len(fields[0]) > 0 {
		keys := make([]string, 0, len(fields[0]))
		for k := range fields[0] {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		group := make([]any, 0, len(keys))
		for _, k := range keys {
			group = append(group, slog.Any(k, fields[0][k]))
		}
		record.AddAttrs(slog.Group("fields", group...))
	}
	_ = l.handler.Handle(ctx, record)
}

// ToolCall logs a tool invocation. Arguments are not logged.
func (l *Logger) ToolCall(tool string, args map[string]interface{}) {
	l.Info("tool_call", map[string]interface{}{
		"tool":  tool,
		"nargs": len(args),
	})
}

// ToolResult logs a tool outcome.
func (l *Logger) ToolResult(tool string, duration time.Duration, code string) {
	fields := map[string]interface{}{
		"tool":     tool,
		"duration": duration.String(),
	}
	if code != "" {
		fields["code"] = code
		l.Warn("tool_error", fields)
		return
	}
	l.Debug("tool_result", fields)
}

// SecurityWarning logs a security-related warning.
func (l *Logger) SecurityWarning(msg string, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["security"] = true
	l.Warn(msg, fields)
}

// SecurityDeny logs when an action is denied by a security layer.
func (l *Logger) SecurityDeny(tool, reason, layer string) {
	l.Warn("security_deny", map[string]interface{}{
		"tool":     tool,
		"reason":   reason,
		"layer":    layer,
		"security": true,
	})
}

// InjectionDetected logs a prompt-injection detection.
func (l *Logger) InjectionDetected(tool, param, severity string, confidence float64, blocked bool) {
	fields := map[string]interface{}{
		"tool":       tool,
		"param":      param,
		"severity":   severity,
		"confidence": confidence,
		"blocked":    blocked,
		"security":   true,
	}
	if blocked {
		l.Warn("prompt_injection", fields)
		return
	}
	l.Info("prompt_injection", fields)
}

// GovernanceDecision logs a governance verdict for an action.
func (l *Logger) GovernanceDecision(actionID, tool, category string, approved bool, reason string) {
	l.Info("governance_decision", map[string]interface{}{
		"action_id": actionID,
		"tool":      tool,
		"category":  category,
		"approved":  approved,
		"reason":    reason,
	})
}

// RunStart logs the start of a run.
func (l *Logger) RunStart(runID string, complexity string) {
	l.Info("run_start", map[string]interface{}{
		"run_id":     runID,
		"complexity": complexity,
	})
}

// RunComplete logs the completion of a run.
func (l *Logger) RunComplete(runID string, duration time.Duration, phase string) {
	l.Info("run_complete", map[string]interface{}{
		"run_id":   runID,
		"duration": duration.String(),
		"phase":    phase,
	})
}

// PhaseStart logs the start of a workflow phase.
func (l *Logger) PhaseStart(phase, runID string, cycle int) {
	l.Info("phase_start", map[string]interface{}{
		"phase":  phase,
		"run_id": runID,
		"cycle":  cycle,
	})
}

// PhaseComplete logs the completion of a workflow phase.
func (l *Logger) PhaseComplete(phase, runID string, duration time.Duration, result string) {
	l.Info("phase_complete", map[string]interface{}{
		"phase":    phase,
		"run_id":   runID,
		"duration": duration.String(),
		"result":   result,
	})
}
