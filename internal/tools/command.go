package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/vinayprograms/orchestrator/internal/secexec"
)

// Failure messages carry this much of the command output as evidence.
const evidenceTail = 2000

func commandTools(deps Deps) []Tool {
	ex := deps.Executor
	return []Tool{
		NewTool("execute_command", "Run an allowlisted command in the workspace without a shell.",
			Schema([]Prop{
				{Name: "command", Type: "string", Description: "Command line, e.g. \"ls -la\"", Required: true},
				{Name: "role", Type: "string", Description: "Execution role", Enum: []string{"viewer", "operator", "admin"}},
				{Name: "timeout", Type: "integer", Description: "Timeout in seconds"},
				{Name: "justification", Type: "string", Description: "Required for admin commands"},
			}),
			func(ctx context.Context, args map[string]interface{}) Result {
				command, bad := requireString(args, "command")
				if bad != nil {
					return *bad
				}
				role, err := secexec.ParseRole(argString(args, "role", deps.DefaultRole.String()))
				if err != nil {
					role = secexec.RoleOperator
				}
				timeout := time.Duration(argInt(args, "timeout", 0)) * time.Second
				return commandResult(ex.Execute(ctx, command, role, timeout))
			}),
		NewTool("git_status", "Show the git status of the workspace.",
			Schema(nil),
			func(ctx context.Context, args map[string]interface{}) Result {
				return commandResult(ex.ExecuteArgv(ctx, []string{"git", "status", "--porcelain"}, secexec.RoleOperator, 0))
			}),
		NewTool("git_diff", "Show unstaged (or staged) changes in the workspace.",
			Schema([]Prop{{Name: "staged", Type: "boolean", Description: "Show staged changes"}}),
			func(ctx context.Context, args map[string]interface{}) Result {
				argv := []string{"git", "diff"}
				if argBool(args, "staged", false) {
					argv = append(argv, "--staged")
				}
				return commandResult(ex.ExecuteArgv(ctx, argv, secexec.RoleOperator, 0))
			}),
		NewTool("get_audit_log", "Return recent command executor audit entries.",
			Schema([]Prop{{Name: "last_n", Type: "integer", Description: "Number of entries (default 20)"}}),
			func(ctx context.Context, args map[string]interface{}) Result {
				entries := ex.AuditLog(argInt(args, "last_n", 20))
				return OK(map[string]interface{}{
					"entries": entries,
					"count":   len(entries),
				})
			}),
	}
}

// qaTool describes one QA tool backed by a target→argv table.
type qaTool struct {
	name        string
	description string
	targets     map[string][]string
	defTarget   string
}

func qaTools(deps Deps) []Tool {
	specs := []qaTool{
		{"run_tests", "Run the test suite for a target.", deps.QA.Tests, "backend"},
		{"run_lint", "Run the linter for a target.", deps.QA.Lint, "backend"},
		{"run_format", "Check formatting for a target.", deps.QA.Format, "backend"},
		{"run_build", "Build a target.", deps.QA.Build, "backend"},
		{"run_typecheck", "Run the type checker for a target.", deps.QA.Typecheck, "backend"},
	}
	out := make([]Tool, 0, len(specs))
	for _, spec := range specs {
		props := []Prop{{Name: "target", Type: "string", Description: "Target name (default " + spec.defTarget + ")", Enum: targetNames(spec.targets)}}
		if spec.name == "run_build" {
			props = append(props, Prop{Name: "justification", Type: "string", Description: "Why a build is needed", Required: true})
		}
		out = append(out, NewTool(spec.name, spec.description, Schema(props),
			func(ctx context.Context, args map[string]interface{}) Result {
				target := argString(args, "target", spec.defTarget)
				argv, ok := spec.targets[target]
				if !ok || len(argv) == 0 {
					return Fail(CodeInvalidTarget, "invalid target %q for %s; use one of: %s",
						target, spec.name, strings.Join(targetNames(spec.targets), ", "))
				}
				res := commandResult(deps.Executor.ExecuteQA(ctx, argv, deps.QATimeout))
				if res.Success {
					res.Data["target"] = target
				}
				return res
			}))
	}
	return out
}

func targetNames(targets map[string][]string) []string {
	names := make([]string, 0, len(targets))
	for name := range targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// commandResult folds an executor result into the envelope. A failure message keeps
// the tail of the command output so callers still see the evidence.
func commandResult(r secexec.ExecResult) Result {
	if r.Success {
		res := OK(map[string]interface{}{
			"stdout":      r.Stdout,
			"stderr":      r.Stderr,
			"returncode":  r.ReturnCode,
			"argv":        r.Argv,
			"duration_ms": r.Duration.Milliseconds(),
		})
		res.Meta.Truncated = r.Truncated
		return res
	}
	code := Code(r.ErrorCode)
	if !code.Known() {
		code = CodeExecError
	}
	msg := r.Error
	if out := strings.TrimSpace(r.Stderr + "\n" + r.Stdout); out != "" {
		msg = fmt.Sprintf("%s\n%s", msg, tail(out, evidenceTail))
	}
	return Fail(code, "%s", msg)
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
