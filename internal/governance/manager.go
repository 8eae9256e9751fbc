package governance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vinayprograms/orchestrator/internal/logging"
	"github.com/vinayprograms/orchestrator/internal/secexec"
	"github.com/vinayprograms/orchestrator/internal/validator"
)

var (
	// ErrNoRollback is returned when an action has no rollback descriptor.
	ErrNoRollback = errors.New("no rollback available")
	// ErrRollbackConsumed is returned when a descriptor was already applied.
	ErrRollbackConsumed = errors.New("rollback already applied")
)

const (
	defaultHistoryTail = 20
	rollbackTimeout    = 30 * time.Second
	maxDescription     = 100
)

// RollbackKind identifies how an action is undone.
type RollbackKind string

const (
	RollbackFileRestore    RollbackKind = "file_restore"
	RollbackFileRemove     RollbackKind = "file_remove"
	RollbackCommandInverse RollbackKind = "command_inverse"
)

// CommandRunner runs internally built argument vectors. *secexec.Executor satisfies it.
type CommandRunner interface {
	ExecuteArgv(ctx context.Context, argv []string, role secexec.Role, timeout time.Duration) secexec.ExecResult
}

// ActionContext describes one governed tool call.
type ActionContext struct {
	ID                   string       `json:"action_id"`
	Tool                 string       `json:"tool"`
	Category             Category     `json:"category"`
	Description          string       `json:"description"`
	Justification        string       `json:"justification,omitempty"`
	RunID                string       `json:"run_id,omitempty"`
	Timestamp            time.Time    `json:"timestamp"`
	Approved             bool         `json:"approved"`
	VerificationRequired bool         `json:"verification_required"`
	Verified             bool         `json:"verified"`
	Success              bool         `json:"success"`
	Summary              string       `json:"summary,omitempty"`
	RollbackKind         RollbackKind `json:"rollback_kind,omitempty"`
}

// ActionRecord is the history view of an action.
type ActionRecord struct {
	ActionContext
	HasRollback bool `json:"has_rollback"`
}

type rollbackInfo struct {
	kind       RollbackKind
	path       string
	backupPath string
	argv       []string
	consumed   bool
}

// Manager holds action history and rollback descriptors. Safe for concurrent use.
type Manager struct {
	backupDir string
	workspace *validator.Workspace
	runner    CommandRunner
	logger    *logging.Logger

	mu        sync.Mutex
	history   []*ActionContext
	byID      map[string]*ActionContext
	rollbacks map[string]*rollbackInfo
}

// NewManager creates a Manager. workspace resolves write_file targets; runner
// executes command inverses on rollback. Either may be nil.
func NewManager(backupDir string, workspace *validator.Workspace, runner CommandRunner, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.New().WithComponent("governance")
	}
	return &Manager{
		backupDir: backupDir,
		workspace: workspace,
		runner:    runner,
		logger:    logger,
		byID:      make(map[string]*ActionContext),
		rollbacks: make(map[string]*rollbackInfo),
	}
}

// NewActionID returns an id of the form action_YYYYmmdd_HHMMSS_<8 hex>.
func NewActionID() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("action_%s_%s", time.Now().Format("20060102_150405"), hex[:8])
}

// PrepareAction classifies a tool call and decides whether it may run. Sensitive and
// critical calls need a non-empty justification and get a rollback descriptor first.
func (m *Manager) PrepareAction(ctx context.Context, tool string, params map[string]interface{}, justification string) (bool, *ActionContext, string) {
	category := Classify(tool, params)
	action := &ActionContext{
		ID:                   NewActionID(),
		Tool:                 tool,
		Category:             category,
		Description:          describe(tool, params),
		Justification:        strings.TrimSpace(justification),
		RunID:                RunIDFrom(ctx),
		Timestamp:            time.Now(),
		VerificationRequired: category.NeedsRollback(),
	}

	approved, message := true, "action approved"
	if category.NeedsJustification() && action.Justification == "" {
		approved, message = false, fmt.Sprintf("%s action requires a justification", category)
	}

	var info *rollbackInfo
	if approved && category.NeedsRollback() {
		var err error
		info, err = m.prepareRollback(tool, params, action.ID)
		if err != nil {
			approved, message = false, fmt.Sprintf("cannot prepare rollback: %v", err)
		}
	}
	action.Approved = approved
	if info != nil {
		action.RollbackKind = info.kind
	}

	m.mu.Lock()
	m.history = append(m.history, action)
	m.byID[action.ID] = action
	if info != nil {
		m.rollbacks[action.ID] = info
	}
	m.mu.Unlock()

	m.logger.GovernanceDecision(action.ID, tool, string(category), approved, message)
	snapshot := *action
	return approved, &snapshot, message
}

// RecordResult stores the outcome of an approved action.
func (m *Manager) RecordResult(actionID string, success bool, summary string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	action, ok := m.byID[actionID]
	if !ok {
		return
	}
	action.Verified = true
	action.Success = success
	action.Summary = truncate(summary, maxDescription*2)
}

// Rollback undoes an action using its descriptor. It never panics.
func (m *Manager) Rollback(ctx context.Context, actionID string) (ok bool, message string) {
	defer func() {
		if r := recover(); r != nil {
			ok, message = false, fmt.Sprintf("rollback panicked: %v", r)
		}
	}()
	msg, err := m.rollback(ctx, actionID)
	if err != nil {
		m.logger.Warn("rollback failed", map[string]interface{}{"action_id": actionID, "error": err.Error()})
		return false, err.Error()
	}
	m.logger.Info("rollback applied", map[string]interface{}{"action_id": actionID})
	return true, msg
}

func (m *Manager) rollback(ctx context.Context, actionID string) (string, error) {
	m.mu.Lock()
	info, ok := m.rollbacks[actionID]
	if !ok {
		m.mu.Unlock()
		return "", fmt.Errorf("%w for %s", ErrNoRollback, actionID)
	}
	if info.consumed {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrRollbackConsumed, actionID)
	}
	info.consumed = true
	m.mu.Unlock()

	msg, err := m.apply(ctx, info)
	if err != nil {
		m.mu.Lock()
		info.consumed = false
		m.mu.Unlock()
	}
	return msg, err
}

func (m *Manager) apply(ctx context.Context, info *rollbackInfo) (string, error) {
	switch info.kind {
	case RollbackFileRestore:
		if err := copyFile(info.backupPath, info.path); err != nil {
			return "", fmt.Errorf("restore %s: %w", info.path, err)
		}
		return fmt.Sprintf("file restored: %s", info.path), nil
	case RollbackFileRemove:
		if err := os.Remove(info.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("remove %s: %w", info.path, err)
		}
		return fmt.Sprintf("file removed: %s", info.path), nil
	case RollbackCommandInverse:
		if m.runner == nil {
			return "", errors.New("no command runner configured")
		}
		res := m.runner.ExecuteArgv(ctx, info.argv, secexec.RoleAdmin, rollbackTimeout)
		if !res.Success {
			return "", fmt.Errorf("inverse command %q failed: %s", strings.Join(info.argv, " "), res.Error)
		}
		return fmt.Sprintf("inverse command executed: %s", strings.Join(info.argv, " ")), nil
	}
	return "", fmt.Errorf("unsupported rollback kind %q", info.kind)
}

// History returns the last n actions (20 when n <= 0), oldest first.
func (m *Manager) History(n int) []ActionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 {
		n = defaultHistoryTail
	}
	start := len(m.history) - n
	if start < 0 {
		start = 0
	}
	out := make([]ActionRecord, 0, len(m.history)-start)
	for _, a := range m.history[start:] {
		out = append(out, m.recordLocked(a))
	}
	return out
}

// PendingVerifications returns approved actions that need verification and have
// no recorded result yet.
func (m *Manager) PendingVerifications() []ActionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ActionRecord
	for _, a := range m.history {
		if a.Approved && a.VerificationRequired && !a.Verified {
			out = append(out, m.recordLocked(a))
		}
	}
	return out
}

// Action returns a copy of the action with the given id.
func (m *Manager) Action(actionID string) (ActionRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byID[actionID]
	if !ok {
		return ActionRecord{}, false
	}
	return m.recordLocked(a), true
}

func (m *Manager) recordLocked(a *ActionContext) ActionRecord {
	info, ok := m.rollbacks[a.ID]
	return ActionRecord{
		ActionContext: *a,
		HasRollback:   ok && !info.consumed,
	}
}

func (m *Manager) prepareRollback(tool string, params map[string]interface{}, actionID string) (*rollbackInfo, error) {
	switch tool {
	case "write_file":
		raw, _ := params["path"].(string)
		if raw == "" {
			return nil, nil
		}
		path := raw
		if m.workspace != nil {
			resolved, err := m.workspace.Resolve(raw)
			if err != nil {
				// The tool itself rejects the path; nothing to snapshot.
				return nil, nil
			}
			path = resolved
		}
		info, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			return &rollbackInfo{kind: RollbackFileRemove, path: path}, nil
		}
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			return nil, nil
		}
		if err := os.MkdirAll(m.backupDir, 0o755); err != nil {
			return nil, fmt.Errorf("backup dir: %w", err)
		}
		backup := filepath.Join(m.backupDir, fmt.Sprintf("%s_%s.backup", actionID, filepath.Base(path)))
		if err := copyFile(path, backup); err != nil {
			return nil, fmt.Errorf("backup %s: %w", path, err)
		}
		return &rollbackInfo{kind: RollbackFileRestore, path: path, backupPath: backup}, nil

	case "execute_command":
		if !strings.EqualFold(stringParam(params, "role", "operator"), "admin") {
			return nil, nil
		}
		argv, err := validator.CheckCommandLine(stringParam(params, "command", ""))
		if err != nil {
			return nil, nil
		}
		if inverse := inverseCommand(argv); inverse != nil {
			return &rollbackInfo{kind: RollbackCommandInverse, argv: inverse}, nil
		}
	}
	return nil, nil
}

var invertibleVerbs = map[string]string{
	"start":   "stop",
	"stop":    "start",
	"enable":  "disable",
	"disable": "enable",
}

// inverseCommand returns the argv undoing a service state change, or nil.
func inverseCommand(argv []string) []string {
	if len(argv) < 3 {
		return nil
	}
	swap := func(i int, allowed ...string) []string {
		inv, ok := invertibleVerbs[argv[i]]
		if !ok {
			return nil
		}
		for _, a := range allowed {
			if a == argv[i] {
				out := append([]string(nil), argv...)
				out[i] = inv
				return out
			}
		}
		return nil
	}
	switch validator.Binary(argv) {
	case "systemctl":
		return swap(1, "start", "stop", "enable", "disable")
	case "service":
		return swap(2, "start", "stop")
	case "docker":
		return swap(1, "start", "stop")
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}

func describe(tool string, params map[string]interface{}) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == "justification" || k == "run_id" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, truncate(fmt.Sprint(params[k]), 40)))
	}
	return truncate(fmt.Sprintf("%s(%s)", tool, strings.Join(parts, ", ")), maxDescription)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

type runIDKey struct{}

// WithRunID tags ctx with the run an action belongs to.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunIDFrom returns the run id carried by ctx, if any.
func RunIDFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}
