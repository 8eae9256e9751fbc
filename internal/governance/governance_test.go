package governance

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/orchestrator/internal/logging"
	"github.com/vinayprograms/orchestrator/internal/secexec"
	"github.com/vinayprograms/orchestrator/internal/validator"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls [][]string
	fail  bool
}

func (f *fakeRunner) ExecuteArgv(ctx context.Context, argv []string, role secexec.Role, timeout time.Duration) secexec.ExecResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, argv)
	if f.fail {
		return secexec.ExecResult{ErrorCode: secexec.CodeCmdFailed, Error: "exit status 1"}
	}
	return secexec.ExecResult{Success: true}
}

func newTestManager(t *testing.T) (*Manager, string, *fakeRunner) {
	t.Helper()
	ws, err := validator.NewWorkspace(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	logger := logging.New()
	logger.SetOutput(io.Discard)
	runner := &fakeRunner{}
	return NewManager(filepath.Join(t.TempDir(), "backups"), ws, runner, logger), ws.Root(), runner
}

func TestClassify(t *testing.T) {
	tests := []struct {
		tool   string
		params map[string]interface{}
		want   Category
	}{
		{"read_file", nil, CategoryRead},
		{"list_directory", nil, CategoryRead},
		{"git_diff", nil, CategoryRead},
		{"get_action_history", nil, CategoryRead},
		{"search_runbooks", nil, CategoryRead},
		{"calculate", nil, CategorySafe},
		{"http_request", nil, CategorySafe},
		{"http_request", map[string]interface{}{"method": "head"}, CategorySafe},
		{"http_request", map[string]interface{}{"method": "POST"}, CategoryModerate},
		{"execute_command", nil, CategoryModerate},
		{"execute_command", map[string]interface{}{"role": "viewer"}, CategorySafe},
		{"execute_command", map[string]interface{}{"role": "operator"}, CategoryModerate},
		{"execute_command", map[string]interface{}{"role": "admin"}, CategorySensitive},
		{"run_tests", nil, CategoryModerate},
		{"run_typecheck", nil, CategoryModerate},
		{"write_file", nil, CategorySensitive},
		{"run_build", nil, CategorySensitive},
		{"rollback_action", nil, CategoryCritical},
		{"mystery_tool", nil, CategoryModerate},
	}
	for _, tc := range tests {
		got := Classify(tc.tool, tc.params)
		if got != tc.want {
			t.Errorf("Classify(%s, %v) = %s, want %s", tc.tool, tc.params, got, tc.want)
		}
		if again := Classify(tc.tool, tc.params); again != got {
			t.Errorf("Classify(%s) not idempotent", tc.tool)
		}
	}
}

func TestNewActionID(t *testing.T) {
	re := regexp.MustCompile(`^action_\d{8}_\d{6}_[0-9a-f]{8}$`)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewActionID()
		if !re.MatchString(id) {
			t.Fatalf("bad action id %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate action id %q", id)
		}
		seen[id] = true
	}
}

func TestPrepareAction_RequiresJustification(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	for _, just := range []string{"", "   "} {
		ok, action, msg := m.PrepareAction(ctx, "write_file", map[string]interface{}{"path": "a.txt"}, just)
		if ok {
			t.Errorf("sensitive action approved with justification %q", just)
		}
		if action.Category != CategorySensitive || !strings.Contains(msg, "justification") {
			t.Errorf("unexpected denial: %s %s", action.Category, msg)
		}
	}
	if ok, _, _ := m.PrepareAction(ctx, "rollback_action", map[string]interface{}{"action_id": "x"}, ""); ok {
		t.Error("critical action approved without justification")
	}
	if ok, _, msg := m.PrepareAction(ctx, "read_file", map[string]interface{}{"path": "a.txt"}, ""); !ok {
		t.Errorf("read action denied: %s", msg)
	}
	if ok, _, _ := m.PrepareAction(ctx, "write_file", map[string]interface{}{"path": "a.txt"}, "update docs"); !ok {
		t.Error("justified sensitive action denied")
	}
}

func TestRollback_FileRestore(t *testing.T) {
	m, root, _ := newTestManager(t)
	ctx := context.Background()
	target := filepath.Join(root, "config.txt")
	original := []byte("original\x00bytes\n")
	os.WriteFile(target, original, 0640)

	ok, action, msg := m.PrepareAction(ctx, "write_file", map[string]interface{}{"path": "config.txt"}, "tune config")
	if !ok {
		t.Fatalf("denied: %s", msg)
	}
	if action.RollbackKind != RollbackFileRestore {
		t.Fatalf("rollback kind = %q", action.RollbackKind)
	}

	os.WriteFile(target, []byte("clobbered"), 0640)
	m.RecordResult(action.ID, true, "wrote 9 bytes")

	if ok, msg := m.Rollback(ctx, action.ID); !ok {
		t.Fatalf("rollback failed: %s", msg)
	}
	got, _ := os.ReadFile(target)
	if string(got) != string(original) {
		t.Errorf("restored content = %q", got)
	}

	// A consumed descriptor fails cleanly.
	if ok, msg := m.Rollback(ctx, action.ID); ok || !strings.Contains(msg, "already") {
		t.Errorf("second rollback = %v %q", ok, msg)
	}
	if _, err := m.rollback(ctx, action.ID); !errors.Is(err, ErrRollbackConsumed) {
		t.Errorf("err = %v", err)
	}
}

func TestRollback_FileRemove(t *testing.T) {
	m, root, _ := newTestManager(t)
	ctx := context.Background()

	ok, action, _ := m.PrepareAction(ctx, "write_file", map[string]interface{}{"path": "new.txt"}, "create file")
	if !ok || action.RollbackKind != RollbackFileRemove {
		t.Fatalf("ok=%v kind=%q", ok, action.RollbackKind)
	}
	target := filepath.Join(root, "new.txt")
	os.WriteFile(target, []byte("fresh"), 0644)

	if ok, msg := m.Rollback(ctx, action.ID); !ok {
		t.Fatalf("rollback failed: %s", msg)
	}
	if _, err := os.Stat(target); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("created file still present: %v", err)
	}
}

func TestRollback_CommandInverse(t *testing.T) {
	m, _, runner := newTestManager(t)
	ctx := context.Background()

	ok, action, _ := m.PrepareAction(ctx, "execute_command", map[string]interface{}{
		"command": "systemctl start nginx",
		"role":    "admin",
	}, "bring web up")
	if !ok || action.RollbackKind != RollbackCommandInverse {
		t.Fatalf("ok=%v kind=%q", ok, action.RollbackKind)
	}
	if ok, msg := m.Rollback(ctx, action.ID); !ok {
		t.Fatalf("rollback failed: %s", msg)
	}
	if len(runner.calls) != 1 || strings.Join(runner.calls[0], " ") != "systemctl stop nginx" {
		t.Errorf("runner calls = %v", runner.calls)
	}
}

func TestRollback_FailedInverseCanRetry(t *testing.T) {
	m, _, runner := newTestManager(t)
	ctx := context.Background()
	runner.fail = true

	_, action, _ := m.PrepareAction(ctx, "execute_command", map[string]interface{}{
		"command": "docker stop web",
		"role":    "admin",
	}, "maintenance")
	if ok, _ := m.Rollback(ctx, action.ID); ok {
		t.Fatal("rollback should fail")
	}
	runner.fail = false
	if ok, msg := m.Rollback(ctx, action.ID); !ok {
		t.Errorf("retry failed: %s", msg)
	}
	if got := strings.Join(runner.calls[1], " "); got != "docker start web" {
		t.Errorf("inverse = %q", got)
	}
}

func TestRollback_Unknown(t *testing.T) {
	m, _, _ := newTestManager(t)
	ok, msg := m.Rollback(context.Background(), "action_missing")
	if ok || !strings.Contains(msg, "no rollback") {
		t.Errorf("got %v %q", ok, msg)
	}
	_, action, _ := m.PrepareAction(context.Background(), "read_file", nil, "")
	if _, err := m.rollback(context.Background(), action.ID); !errors.Is(err, ErrNoRollback) {
		t.Errorf("read action rollback err = %v", err)
	}
}

func TestInverseCommand(t *testing.T) {
	tests := map[string]string{
		"systemctl start nginx":   "systemctl stop nginx",
		"systemctl disable nginx": "systemctl enable nginx",
		"service nginx stop":      "service nginx start",
		"docker start web":        "docker stop web",
		"docker enable web":       "",
		"systemctl restart nginx": "",
		"git start x":             "",
		"systemctl start":         "",
	}
	for in, want := range tests {
		got := strings.Join(inverseCommand(strings.Fields(in)), " ")
		if got != want {
			t.Errorf("inverseCommand(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHistoryAndPending(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := WithRunID(context.Background(), "run-1")

	_, read, _ := m.PrepareAction(ctx, "read_file", map[string]interface{}{"path": "a"}, "")
	_, write, _ := m.PrepareAction(ctx, "write_file", map[string]interface{}{"path": "b.txt", "content": "x"}, "needed")
	m.PrepareAction(ctx, "write_file", map[string]interface{}{"path": "c.txt"}, "")

	history := m.History(0)
	if len(history) != 3 {
		t.Fatalf("history len = %d", len(history))
	}
	if history[0].ID != read.ID || history[0].RunID != "run-1" {
		t.Errorf("history[0] = %+v", history[0])
	}
	if !history[1].HasRollback || history[2].Approved {
		t.Errorf("unexpected history entries: %+v %+v", history[1], history[2])
	}
	if strings.Contains(history[1].Description, "needed") {
		t.Error("justification leaked into description")
	}

	pending := m.PendingVerifications()
	if len(pending) != 1 || pending[0].ID != write.ID {
		t.Fatalf("pending = %+v", pending)
	}
	m.RecordResult(write.ID, true, "ok")
	if len(m.PendingVerifications()) != 0 {
		t.Error("recorded action still pending")
	}

	if got := len(m.History(2)); got != 2 {
		t.Errorf("History(2) len = %d", got)
	}
}

func TestPrepareAction_Concurrent(t *testing.T) {
	m, _, _ := newTestManager(t)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.PrepareAction(context.Background(), "read_file", nil, "")
		}()
	}
	wg.Wait()
	if got := len(m.History(100)); got != 50 {
		t.Errorf("history len = %d", got)
	}
}
