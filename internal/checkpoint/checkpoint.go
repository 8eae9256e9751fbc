// Package checkpoint records per-phase snapshots of workflow runs on disk.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Entry is one phase of a run.
type Entry struct {
	Phase     string          `json:"phase"`
	Cycle     int             `json:"cycle,omitempty"`
	StartedAt time.Time       `json:"started_at"`
	EndedAt   time.Time       `json:"ended_at"`
	Result    string          `json:"result"` // complete, failed
	Snapshot  json.RawMessage `json:"snapshot,omitempty"`
}

// Run is the checkpoint file for one run.
type Run struct {
	RunID      string    `json:"run_id"`
	Request    string    `json:"request"`
	Complexity string    `json:"complexity"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at,omitempty"`
	FinalPhase string    `json:"final_phase,omitempty"`
	Entries    []Entry   `json:"entries"`
}

// Store manages run checkpoints in a directory. Only runs in progress are held in
// memory; finished runs are read back from disk.
type Store struct {
	dir  string
	runs map[string]*Run
	mu   sync.RWMutex
}

// NewStore creates a new checkpoint store.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return &Store{
		dir:  dir,
		runs: make(map[string]*Run),
	}, nil
}

// Begin starts the checkpoint file for a run.
func (s *Store) Begin(runID, request, complexity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs[runID] = &Run{
		RunID:      runID,
		Request:    request,
		Complexity: complexity,
		StartedAt:  time.Now().UTC(),
	}
	return s.flush(runID)
}

// Save appends a phase entry. snapshot is marshalled as-is; nil is omitted.
func (s *Store) Save(runID string, e Entry, snapshot interface{}) error {
	if snapshot != nil {
		raw, err := json.Marshal(snapshot)
		if err != nil {
			return fmt.Errorf("failed to encode snapshot: %w", err)
		}
		e.Snapshot = raw
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		run = &Run{RunID: runID, StartedAt: e.StartedAt}
		s.runs[runID] = run
	}
	run.Entries = append(run.Entries, e)
	return s.flush(runID)
}

// Finish records the final phase of a run and releases it from memory.
func (s *Store) Finish(runID, phase string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("no checkpoint for run %s", runID)
	}
	run.FinalPhase = phase
	run.EndedAt = time.Now().UTC()
	err := s.flush(runID)
	delete(s.runs, runID)
	return err
}

// Active returns the number of runs held in memory.
func (s *Store) Active() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.runs)
}

// Get retrieves a run by ID, from memory while it is in progress and from disk
// afterwards. It returns nil when the run is unknown.
func (s *Store) Get(runID string) *Run {
	s.mu.RLock()
	run, ok := s.runs[runID]
	s.mu.RUnlock()
	if ok {
		return run
	}
	run, err := s.Load(runID)
	if err != nil {
		return nil
	}
	return run
}

// Load reads the checkpoint file of a run.
func (s *Store) Load(runID string) (*Run, error) {
	return readRun(s.path(runID))
}

// Trail returns every run on disk ordered by start time for audit. Unreadable
// files are skipped.
func (s *Store) Trail() ([]*Run, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var trail []*Run
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		run, err := readRun(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}
		trail = append(trail, run)
	}
	sort.Slice(trail, func(i, j int) bool {
		return trail[i].StartedAt.Before(trail[j].StartedAt)
	})
	return trail, nil
}

func (s *Store) path(runID string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s.json", runID))
}

// flush writes a run to disk.
func (s *Store) flush(runID string) error {
	data, err := json.MarshalIndent(s.runs[runID], "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path(runID), data, 0644)
}

func readRun(path string) (*Run, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint %s: %w", filepath.Base(path), err)
	}
	if run.RunID == "" {
		run.RunID = strings.TrimSuffix(filepath.Base(path), ".json")
	}
	return &run, nil
}
