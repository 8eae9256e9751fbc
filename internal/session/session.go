// Package session writes and reads JSONL run transcripts.
package session

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vinayprograms/orchestrator/internal/events"
)

// Status constants for transcripts.
const (
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// JSONL record types
const (
	RecordTypeHeader = "header" // Run metadata (first line)
	RecordTypeEvent  = "event"  // One emitted event
	RecordTypeFooter = "footer" // Final state (last line, optional)
)

// Record is one JSONL line with type discrimination.
type Record struct {
	RecordType string `json:"_type"`

	// Header fields
	RunID     string    `json:"run_id,omitempty"`
	Request   string    `json:"request,omitempty"`
	Model     string    `json:"model,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`

	// Event fields
	Event *events.Event `json:"event,omitempty"`

	// Footer fields
	Status    string    `json:"status,omitempty"`
	Result    string    `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Session is a transcript read back from disk.
type Session struct {
	RunID     string         `json:"run_id"`
	Request   string         `json:"request"`
	Model     string         `json:"model,omitempty"`
	Status    string         `json:"status"`
	Result    string         `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	Events    []events.Event `json:"events"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Terminal returns the terminal event of the run, or nil.
func (s *Session) Terminal() *events.Event {
	for i := range s.Events {
		if events.IsTerminal(s.Events[i].Type) {
			return &s.Events[i]
		}
	}
	return nil
}

// Transcript appends records to a JSONL file as a run progresses.
type Transcript struct {
	path   string
	f      *os.File
	mu     sync.Mutex
	closed bool
}

// Create opens a transcript at path and writes the header.
func Create(path, runID, request, model string) (*Transcript, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create transcript directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create transcript file: %w", err)
	}
	t := &Transcript{path: path, f: f}

	header := Record{
		RecordType: RecordTypeHeader,
		RunID:      runID,
		Request:    request,
		Model:      model,
		CreatedAt:  time.Now().UTC(),
	}
	if err := t.writeLine(header); err != nil {
		f.Close()
		return nil, err
	}
	return t, nil
}

// Path returns the transcript file path.
func (t *Transcript) Path() string {
	return t.path
}

// Append writes one event.
func (t *Transcript) Append(ev events.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("transcript %s is closed", t.path)
	}
	return t.writeLine(Record{RecordType: RecordTypeEvent, Event: &ev})
}

// Close writes the footer and closes the file. Calling it twice is a no-op.
func (t *Transcript) Close(status, result, errMsg string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	footer := Record{
		RecordType: RecordTypeFooter,
		Status:     status,
		Result:     result,
		Error:      errMsg,
		UpdatedAt:  time.Now().UTC(),
	}
	werr := t.writeLine(footer)
	if err := t.f.Close(); err != nil && werr == nil {
		werr = err
	}
	return werr
}

// writeLine writes a single JSONL record.
func (t *Transcript) writeLine(record Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	data = append(data, '\n')
	if _, err := t.f.Write(data); err != nil {
		return err
	}
	return nil
}

// Load reads a transcript from disk. A transcript without footer is still running.
func Load(path string) (*Session, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sess := &Session{Status: StatusRunning, Events: []events.Event{}}

	// bufio.Reader has no line length limit, unlike Scanner
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("error reading JSONL: %w", err)
		}
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			if perr := parseLine(trimmed, sess); perr != nil {
				return nil, perr
			}
		}
		if err == io.EOF {
			break
		}
	}
	return sess, nil
}

func parseLine(line []byte, sess *Session) error {
	var record Record
	if err := json.Unmarshal(line, &record); err != nil {
		return fmt.Errorf("failed to parse JSONL line: %w", err)
	}

	switch record.RecordType {
	case RecordTypeHeader:
		sess.RunID = record.RunID
		sess.Request = record.Request
		sess.Model = record.Model
		sess.CreatedAt = record.CreatedAt

	case RecordTypeEvent:
		if record.Event != nil {
			sess.Events = append(sess.Events, *record.Event)
		}

	case RecordTypeFooter:
		sess.Status = record.Status
		sess.Result = record.Result
		sess.Error = record.Error
		sess.UpdatedAt = record.UpdatedAt
	}
	return nil
}
