package workflow

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/vinayprograms/orchestrator/internal/events"
	"github.com/vinayprograms/orchestrator/internal/react"
	"github.com/vinayprograms/orchestrator/internal/verifier"
)

const (
	maxEvidence         = 1000
	maxPreviousResponse = 500
	qaTarget            = "backend"
)

// qaCheck is one QA tool call derived from the acceptance criteria.
type qaCheck struct {
	name   string
	tool   string
	params map[string]interface{}
}

// qaRule maps acceptance keywords to a QA tool.
type qaRule struct {
	keywords []string
	tool     string
}

var qaRules = []qaRule{
	{[]string{"test", "pytest"}, "run_tests"},
	{[]string{"lint", "ruff"}, "run_lint"},
	{[]string{"format", "black"}, "run_format"},
	{[]string{"build", "compile"}, "run_build"},
	{[]string{"type", "mypy"}, "run_typecheck"},
}

// mapAcceptance turns acceptance checks into QA tool calls, each tool at most once
// and in rule order. With no match the workspace git status is the only check.
func mapAcceptance(checks []string) []qaCheck {
	var out []qaCheck
	seen := map[string]bool{}
	for _, check := range checks {
		lower := strings.ToLower(check)
		for _, rule := range qaRules {
			if seen[rule.tool] || !containsAny(lower, rule.keywords) {
				continue
			}
			seen[rule.tool] = true
			params := map[string]interface{}{"target": qaTarget}
			if rule.tool == "run_build" {
				params["justification"] = "verify acceptance criterion: " + check
			}
			out = append(out, qaCheck{
				name:   rule.tool + ":" + qaTarget,
				tool:   rule.tool,
				params: params,
			})
		}
	}
	if len(out) == 0 {
		out = append(out, qaCheck{name: "git_status", tool: "git_status", params: map[string]interface{}{}})
	}
	return out
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// runVerification executes the QA checks for spec and emits one verification_item
// per check. Every pass starts from scratch.
func (e *Engine) runVerification(ctx context.Context, runID string, spec *TaskSpec) verifier.Report {
	var acceptance []string
	if spec != nil {
		acceptance = spec.Acceptance.Checks
	}
	report := verifier.Report{Passed: true}
	for _, qa := range mapAcceptance(acceptance) {
		res := e.dispatcher.Execute(ctx, qa.tool, qa.params)

		evidence := ""
		if res.Success {
			if out, ok := res.Data["stdout"].(string); ok {
				evidence = out
			}
		} else if res.Error != nil {
			evidence = res.Error.Message
		}
		check := verifier.Check{
			Name:     qa.name,
			Tool:     qa.tool,
			Passed:   res.Success,
			Evidence: clip(evidence, maxEvidence),
		}
		report.Checks = append(report.Checks, check)
		if !check.Passed {
			report.Passed = false
		}

		e.emit(ctx, runID, events.TypeVerificationItem, map[string]interface{}{
			"name":       check.Name,
			"tool":       check.Tool,
			"passed":     check.Passed,
			"error_code": string(res.ErrorCode()),
			"evidence":   check.Evidence,
		})
	}
	return report
}

const repairPrompt = `Verification FAILED. You must repair the work.

Issues found:
%s

Suggested fixes:
%s

Context:
- Previous response: %s
- Last tool used: %s

Make the minimal changes needed. You have the same tools as before.
After fixing, verify with the QA tools (run_tests, run_lint, ...).`

// buildRepairPrompt writes the corrective prompt for a failed verdict.
func buildRepairPrompt(v verifier.Verdict, exec *react.ExecutionResult) string {
	lastTool := "unknown"
	previous := ""
	if exec != nil {
		if t := exec.LastTool(); t != nil {
			lastTool = t.Tool
		}
		previous = clip(exec.Response, maxPreviousResponse)
	}
	return fmt.Sprintf(repairPrompt, bullets(v.Issues), bullets(v.Fixes), previous, lastTool)
}

func bullets(items []string) string {
	if len(items) == 0 {
		return "- (none given)"
	}
	lines := make([]string, len(items))
	for i, item := range items {
		lines[i] = "- " + item
	}
	return strings.Join(lines, "\n")
}

// clip shortens s to n bytes on a rune boundary.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
