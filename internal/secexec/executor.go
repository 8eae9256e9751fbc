package secexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/orchestrator/internal/logging"
	"github.com/vinayprograms/orchestrator/internal/validator"
)

// Error codes carried by ExecResult.ErrorCode.
const (
	CodeParse       = validator.CodeParse
	CodeNotAllowed  = "E_NOT_ALLOWED"
	CodeCmdNotFound = "E_CMD_NOT_FOUND"
	CodeTimeout     = "E_TIMEOUT"
	CodeCmdFailed   = "E_CMD_FAILED"
	CodeExecError   = "E_EXEC_ERROR"
)

const (
	maxOutputBytes   = 64 << 10
	defaultTimeout   = 30 * time.Second
	processWaitDelay = 2 * time.Second

	qaRole = "qa"
)

// ExecResult is the outcome of one command execution.
type ExecResult struct {
	Success    bool          `json:"success"`
	Stdout     string        `json:"stdout"`
	Stderr     string        `json:"stderr"`
	ReturnCode int           `json:"returncode"`
	ErrorCode  string        `json:"error_code,omitempty"`
	Error      string        `json:"error,omitempty"`
	Argv       []string      `json:"argv,omitempty"`
	Duration   time.Duration `json:"duration"`
	Truncated  bool          `json:"truncated,omitempty"`
}

// Executor runs commands inside a working directory under a role-based policy.
type Executor struct {
	workDir        string
	defaultTimeout time.Duration
	policy         atomic.Pointer[Policy]
	audit          *auditLog
	logger         *logging.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithPolicy replaces the built-in policy.
func WithPolicy(p *Policy) Option {
	return func(e *Executor) { e.policy.Store(p) }
}

// WithDefaultTimeout sets the timeout used when a caller passes zero.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.defaultTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// New creates an Executor whose commands run in workDir.
func New(workDir string, opts ...Option) *Executor {
	e := &Executor{
		workDir:        workDir,
		defaultTimeout: defaultTimeout,
		audit:          newAuditLog(maxAuditEntries),
	}
	e.policy.Store(DefaultPolicy())
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logging.New().WithComponent("secexec")
	}
	return e
}

// WorkDir returns the directory commands run in.
func (e *Executor) WorkDir() string {
	return e.workDir
}

// Policy returns the active policy.
func (e *Executor) Policy() *Policy {
	return e.policy.Load()
}

// SetPolicy atomically swaps the active policy.
func (e *Executor) SetPolicy(p *Policy) {
	if p != nil {
		e.policy.Store(p)
	}
}

// Allowed reports the decision for commandLine under role without running it.
// On denial the returned code is CodeParse or CodeNotAllowed.
func (e *Executor) Allowed(commandLine string, role Role) ([]string, string, string) {
	argv, err := validator.CheckCommandLine(commandLine)
	if err != nil {
		return nil, CodeParse, reasonOf(err)
	}
	if ok, reason := e.Policy().Decide(argv, role); !ok {
		return argv, CodeNotAllowed, reason
	}
	return argv, "", ""
}

// Execute validates, authorizes and runs commandLine. A zero timeout uses the default;
// other values are clamped to [1s, 2x default].
func (e *Executor) Execute(ctx context.Context, commandLine string, role Role, timeout time.Duration) ExecResult {
	argv, code, reason := e.Allowed(commandLine, role)
	if code != "" {
		cmd := argv
		if cmd == nil {
			cmd = []string{commandLine}
		}
		return e.deny(role.String(), cmd, code, reason)
	}
	return e.run(ctx, argv, role.String(), timeout)
}

// ExecuteArgv authorizes and runs an internally constructed argument vector.
func (e *Executor) ExecuteArgv(ctx context.Context, argv []string, role Role, timeout time.Duration) ExecResult {
	if code, reason := checkArgv(argv); code != "" {
		return e.deny(role.String(), argv, code, reason)
	}
	if ok, reason := e.Policy().Decide(argv, role); !ok {
		return e.deny(role.String(), argv, CodeNotAllowed, reason)
	}
	return e.run(ctx, argv, role.String(), timeout)
}

// ExecuteQA runs a configured QA command vector under the policy's QA allowlist.
// Audit entries record the role as "qa".
func (e *Executor) ExecuteQA(ctx context.Context, argv []string, timeout time.Duration) ExecResult {
	if code, reason := checkArgv(argv); code != "" {
		return e.deny(qaRole, argv, code, reason)
	}
	if ok, reason := e.Policy().DecideQA(argv); !ok {
		return e.deny(qaRole, argv, CodeNotAllowed, reason)
	}
	return e.run(ctx, argv, qaRole, timeout)
}

func checkArgv(argv []string) (string, string) {
	if len(argv) == 0 {
		return CodeParse, "empty command"
	}
	for _, arg := range argv {
		if strings.ContainsRune(arg, 0) {
			return CodeParse, "NUL byte in argument"
		}
	}
	return "", ""
}

// AuditLog returns the last n audit entries (50 when n <= 0).
func (e *Executor) AuditLog(n int) []AuditEntry {
	return e.audit.tail(n)
}

// ClearAudit drops all but the most recent keepLast entries.
func (e *Executor) ClearAudit(keepLast int) {
	e.audit.clear(keepLast)
}

func (e *Executor) clampTimeout(t time.Duration) time.Duration {
	if t <= 0 {
		return e.defaultTimeout
	}
	if t < time.Second {
		return time.Second
	}
	if ceiling := 2 * e.defaultTimeout; t > ceiling {
		return ceiling
	}
	return t
}

func (e *Executor) deny(role string, argv []string, code, reason string) ExecResult {
	e.audit.append(AuditEntry{
		Timestamp:  time.Now(),
		Role:       role,
		Command:    argv,
		Allowed:    false,
		Reason:     reason,
		ReturnCode: -1,
	})
	bin := ""
	if code == CodeNotAllowed {
		bin = validator.Binary(argv)
	}
	e.logger.SecurityDeny(bin, reason, "executor")
	return ExecResult{
		Success:    false,
		ReturnCode: -1,
		ErrorCode:  code,
		Error:      reason,
		Argv:       argv,
	}
}

func (e *Executor) run(ctx context.Context, argv []string, role string, timeout time.Duration) ExecResult {
	timeout = e.clampTimeout(timeout)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout := &cappedBuffer{limit: maxOutputBytes}
	stderr := &cappedBuffer{limit: maxOutputBytes}

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = e.workDir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = processWaitDelay
	setProcessGroup(cmd)

	e.logger.Info("exec", map[string]interface{}{
		"binary": validator.Binary(argv),
		"role":   role,
	})

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	result := ExecResult{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		ReturnCode: -1,
		Argv:       argv,
		Duration:   duration,
		Truncated:  stdout.truncated || stderr.truncated,
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		result.Success = true
		result.ReturnCode = 0
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		result.ErrorCode = CodeTimeout
		result.Error = fmt.Sprintf("timed out after %s", timeout)
	case errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist):
		result.ErrorCode = CodeCmdNotFound
		result.Error = fmt.Sprintf("command not found: %s", argv[0])
	case errors.As(err, &exitErr):
		result.ReturnCode = exitErr.ExitCode()
		result.ErrorCode = CodeCmdFailed
		result.Error = fmt.Sprintf("exit status %d", result.ReturnCode)
	default:
		result.ErrorCode = CodeExecError
		result.Error = err.Error()
	}

	e.audit.append(AuditEntry{
		Timestamp:  start,
		Role:       role,
		Command:    argv,
		Allowed:    true,
		Reason:     "allowed",
		ReturnCode: result.ReturnCode,
		DurationMs: duration.Milliseconds(),
	})
	e.logger.ToolResult(validator.Binary(argv), duration, result.ErrorCode)
	return result
}

func reasonOf(err error) string {
	var ce *validator.CommandError
	if errors.As(err, &ce) {
		return ce.Reason
	}
	return err.Error()
}

// cappedBuffer keeps the first limit bytes written and discards the rest.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	room := c.limit - c.buf.Len()
	if room <= 0 {
		c.truncated = c.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		c.buf.Write(p[:room])
		c.truncated = true
		return len(p), nil
	}
	return c.buf.Write(p)
}

func (c *cappedBuffer) String() string {
	return c.buf.String()
}
