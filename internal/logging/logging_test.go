package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func newJSONLogger(buf *bytes.Buffer) *Logger {
	logger := New()
	logger.SetFormat(FormatJSON)
	logger.SetOutput(buf)
	return logger
}

func TestLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := newJSONLogger(&buf)
	logger.SetLevel(LevelInfo)

	logger.Debug("debug message")
	if buf.Len() > 0 {
		t.Error("debug message should be filtered at INFO level")
	}

	logger.Info("info message")
	if buf.Len() == 0 {
		t.Fatal("info message should be logged")
	}

	var entry Entry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log entry: %v", err)
	}
	if entry.Level != LevelInfo {
		t.Errorf("expected level INFO, got %s", entry.Level)
	}
	if entry.Message != "info message" {
		t.Errorf("expected message 'info message', got %s", entry.Message)
	}
}

func TestLogger_WithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := newJSONLogger(&buf).WithComponent("workflow")

	logger.Info("test message")

	var entry Entry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if entry.Component != "workflow" {
		t.Errorf("expected component 'workflow', got %s", entry.Component)
	}
}

func TestLogger_WithTraceID(t *testing.T) {
	var buf bytes.Buffer
	logger := newJSONLogger(&buf).WithTraceID("run-123")

	logger.Info("test message")

	var entry Entry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if entry.TraceID != "run-123" {
		t.Errorf("expected trace_id 'run-123', got %s", entry.TraceID)
	}
}

func TestLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := newJSONLogger(&buf)

	logger.Info("tool call", map[string]interface{}{
		"tool": "read_file",
	})

	var entry Entry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if entry.Fields["tool"] != "read_file" {
		t.Errorf("expected tool 'read_file', got %v", entry.Fields["tool"])
	}
}

func TestLogger_ToolCallOmitsArguments(t *testing.T) {
	var buf bytes.Buffer
	logger := newJSONLogger(&buf)

	logger.ToolCall("read_file", map[string]interface{}{"path": "/secret/path"})

	out := buf.String()
	if !strings.Contains(out, `"tool":"read_file"`) {
		t.Error("tool call should include tool name")
	}
	if strings.Contains(out, "/secret/path") {
		t.Error("tool call must not include argument values")
	}
}

func TestLogger_SecurityWarning(t *testing.T) {
	var buf bytes.Buffer
	logger := newJSONLogger(&buf)

	logger.SecurityWarning("path escape attempt", nil)

	var entry Entry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if entry.Level != LevelWarn {
		t.Error("security warning should be WARN level")
	}
	if entry.Fields["security"] != true {
		t.Error("security warning should have security=true field")
	}
}

func TestLogger_FileSink(t *testing.T) {
	var primary, file bytes.Buffer
	logger := New()
	logger.SetOutput(&primary)
	logger.SetFile(&file)

	logger.Warn("disk nearly full")

	if !strings.Contains(primary.String(), "disk nearly full") {
		t.Error("primary output should receive the entry")
	}
	var entry Entry
	if err := json.Unmarshal(file.Bytes(), &entry); err != nil {
		t.Fatalf("file sink should be JSON: %v", err)
	}
	if entry.Message != "disk nearly full" {
		t.Errorf("unexpected message %q", entry.Message)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		"WARNING": LevelWarn,
		"error":   LevelError,
		"":        LevelInfo,
		"bogus":   LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
