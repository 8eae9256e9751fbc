// Package verifier judges executor output against QA evidence with a second model.
package verifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/vinayprograms/orchestrator/internal/llm"
	"github.com/vinayprograms/orchestrator/internal/logging"
	"github.com/vinayprograms/orchestrator/internal/react"
)

// Status is a verdict outcome.
type Status string

const (
	StatusPass Status = "PASS"
	StatusFail Status = "FAIL"
)

// Source records how a verdict was produced.
type Source string

const (
	SourceModel     Source = "model"
	SourceHeuristic Source = "heuristic"
	SourceQA        Source = "qa_fallback"
	SourceQuick     Source = "quick_check"
)

// Tools whose success has to be checked before a quick PASS.
var criticalTools = map[string]bool{
	"write_file":      true,
	"execute_command": true,
}

const (
	judgeTemperature = 0.1
	judgeNumCtx      = 8192

	maxResponseInPrompt = 2000
	maxToolsInPrompt    = 5
	maxToolResult       = 300
	maxEvidence         = 500
	maxReasoning        = 500
)

// Verdict is the judgement on one execution.
type Verdict struct {
	Status     Status   `json:"status"`
	Confidence float64  `json:"confidence"`
	Issues     []string `json:"issues"`
	Fixes      []string `json:"suggested_fixes"`
	Reasoning  string   `json:"reasoning"`
	Source     Source   `json:"source"`
}

// Passed reports whether the verdict is PASS.
func (v Verdict) Passed() bool {
	return v.Status == StatusPass
}

// Check is one QA check run during verification.
type Check struct {
	Name     string `json:"name"`
	Tool     string `json:"tool"`
	Passed   bool   `json:"passed"`
	Evidence string `json:"evidence"`
}

// Report is the outcome of the QA checks.
type Report struct {
	Passed bool    `json:"passed"`
	Checks []Check `json:"checks"`
}

// ChecksRun lists the checks by name.
func (r Report) ChecksRun() []string {
	names := make([]string, 0, len(r.Checks))
	for _, c := range r.Checks {
		names = append(names, c.Name)
	}
	return names
}

// Failures lists failed checks as "name (tool)".
func (r Report) Failures() []string {
	var out []string
	for _, c := range r.Checks {
		if !c.Passed {
			out = append(out, fmt.Sprintf("%s (%s)", c.Name, c.Tool))
		}
	}
	return out
}

// Spec is the part of the task specification the judge needs.
type Spec struct {
	Objective  string
	Acceptance []string
}

// Input is everything the judge sees.
type Input struct {
	Request   string
	Spec      *Spec
	Execution *react.ExecutionResult
	Report    Report
}

// Verifier calls the verifier model.
type Verifier struct {
	provider llm.Provider
	model    string
	logger   *logging.Logger
}

// Config holds verifier configuration.
type Config struct {
	Provider llm.Provider
	Model    string
	Logger   *logging.Logger
}

// New creates a verifier.
func New(cfg Config) *Verifier {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.New().WithComponent("verifier")
	}
	return &Verifier{
		provider: cfg.Provider,
		model:    cfg.Model,
		logger:   logger,
	}
}

// Judge asks the verifier model for a verdict. A model failure falls back to the QA
// report alone; an unparsable answer falls back to a keyword heuristic.
func (v *Verifier) Judge(ctx context.Context, in Input) Verdict {
	start := time.Now()
	messages := []llm.Message{
		{Role: "system", Content: judgeSystemPrompt},
		{Role: "user", Content: buildJudgePrompt(in)},
	}

	resp, err := v.provider.Chat(ctx, llm.ChatRequest{
		Model:    v.model,
		Messages: messages,
		Options:  llm.Options{Temperature: llm.Temperature(judgeTemperature), NumCtx: judgeNumCtx},
	})
	if err != nil {
		v.logger.Error("verifier LLM error", map[string]interface{}{"error": err.Error()})
		return fallbackVerdict(in.Report)
	}

	verdict := parseVerdict(resp.Text)
	v.logger.Info("verdict", map[string]interface{}{
		"status":      string(verdict.Status),
		"confidence":  verdict.Confidence,
		"source":      string(verdict.Source),
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return verdict
}

// QuickCheck judges a run from its tool results without calling a model.
func QuickCheck(response string, executions []react.ToolExecution) Verdict {
	if len(executions) == 0 {
		return Verdict{
			Status:     StatusPass,
			Confidence: 1.0,
			Reasoning:  "Conversational answer without system changes",
			Source:     SourceQuick,
		}
	}

	usedCritical := false
	for _, ex := range executions {
		if criticalTools[ex.Tool] {
			usedCritical = true
			break
		}
	}
	if !usedCritical {
		return Verdict{
			Status:     StatusPass,
			Confidence: 0.9,
			Reasoning:  "No critical tool used",
			Source:     SourceQuick,
		}
	}

	var failures []string
	for _, ex := range executions {
		if ex.Result.Success {
			continue
		}
		msg := "error"
		if ex.Result.Error != nil && ex.Result.Error.Message != "" {
			msg = ex.Result.Error.Message
		}
		failures = append(failures, fmt.Sprintf("%s: %s", ex.Tool, firstLine(msg)))
	}
	if len(failures) > 0 {
		return Verdict{
			Status:     StatusFail,
			Confidence: 0.95,
			Issues:     failures,
			Reasoning:  "Some tools failed: " + strings.Join(failures, ", "),
			Source:     SourceQuick,
		}
	}
	return Verdict{
		Status:     StatusPass,
		Confidence: 0.85,
		Reasoning:  "All critical tools succeeded",
		Source:     SourceQuick,
	}
}

func fallbackVerdict(r Report) Verdict {
	if r.Passed {
		return Verdict{
			Status:     StatusPass,
			Confidence: 0.8,
			Reasoning:  "Based on QA results only (verifier model unavailable)",
			Source:     SourceQA,
		}
	}
	failures := r.Failures()
	return Verdict{
		Status:     StatusFail,
		Confidence: 0.9,
		Issues:     failures,
		Fixes:      []string{"Fix the failing QA checks"},
		Reasoning:  "QA failures: " + strings.Join(failures, ", "),
		Source:     SourceQA,
	}
}

type rawVerdict struct {
	Status     string   `json:"status"`
	Confidence *float64 `json:"confidence"`
	Issues     []string `json:"issues"`
	Fixes      []string `json:"suggested_fixes"`
	Reasoning  string   `json:"reasoning"`
}

func parseVerdict(content string) Verdict {
	var raw rawVerdict
	if blob := llm.ExtractJSON(content); blob != "" {
		if err := json.Unmarshal([]byte(blob), &raw); err == nil {
			conf := 0.5
			if raw.Confidence != nil {
				conf = *raw.Confidence
			}
			return Verdict{
				Status:     normalizeStatus(raw.Status),
				Confidence: clamp(conf),
				Issues:     raw.Issues,
				Fixes:      raw.Fixes,
				Reasoning:  raw.Reasoning,
				Source:     SourceModel,
			}
		}
	}

	upper := strings.ToUpper(content)
	if strings.Contains(upper, "PASS") && !strings.Contains(upper, "FAIL") {
		return Verdict{
			Status:     StatusPass,
			Confidence: 0.6,
			Reasoning:  clip(content, maxReasoning),
			Source:     SourceHeuristic,
		}
	}
	return Verdict{
		Status:     StatusFail,
		Confidence: 0.5,
		Issues:     []string{"could not parse the verifier response"},
		Reasoning:  clip(content, maxReasoning),
		Source:     SourceHeuristic,
	}
}

// normalizeStatus maps anything but PASS to FAIL.
func normalizeStatus(s string) Status {
	if strings.EqualFold(strings.TrimSpace(s), string(StatusPass)) {
		return StatusPass
	}
	return StatusFail
}

func clamp(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

func buildJudgePrompt(in Input) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("## Original request\n%s\n\n", in.Request))

	if in.Spec != nil {
		sb.WriteString("## Accepted specification\n")
		sb.WriteString(fmt.Sprintf("- Objective: %s\n", in.Spec.Objective))
		sb.WriteString(fmt.Sprintf("- Acceptance criteria: %s\n\n", strings.Join(in.Spec.Acceptance, ", ")))
	}

	if in.Execution != nil {
		sb.WriteString(fmt.Sprintf("## Executor response\n%s\n\n", clip(in.Execution.Response, maxResponseInPrompt)))
		sb.WriteString(fmt.Sprintf("## Tools used (%d)\n", len(in.Execution.Tools)))
		recent := in.Execution.Tools
		if len(recent) > maxToolsInPrompt {
			recent = recent[len(recent)-maxToolsInPrompt:]
		}
		for _, ex := range recent {
			raw, _ := json.Marshal(ex.Result)
			sb.WriteString(fmt.Sprintf("- %s: %s\n", ex.Tool, clip(string(raw), maxToolResult)))
		}
		sb.WriteString("\n")
	}

	failures := in.Report.Failures()
	failed := "none"
	if len(failures) > 0 {
		failed = strings.Join(failures, ", ")
	}
	sb.WriteString("## QA report\n")
	sb.WriteString(fmt.Sprintf("- Passed: %t\n", in.Report.Passed))
	sb.WriteString(fmt.Sprintf("- Checks run: %s\n", strings.Join(in.Report.ChecksRun(), ", ")))
	sb.WriteString(fmt.Sprintf("- Failures: %s\n\n", failed))

	if len(in.Report.Checks) > 0 {
		sb.WriteString("## Evidence (tool outputs)\n")
		for _, c := range in.Report.Checks {
			sb.WriteString(fmt.Sprintf("### %s via %s (passed=%t)\n```\n%s\n```\n", c.Name, c.Tool, c.Passed, clip(c.Evidence, maxEvidence)))
		}
		sb.WriteString("\n")
	}

	sb.WriteString(`## Your task
Analyse the evidence above and emit your JSON verdict.
- If ALL QA checks passed with evidence: PASS
- If at least one check failed or evidence is missing: FAIL`)

	return sb.String()
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

const judgeSystemPrompt = `You are a strict verifier reviewing the work of another AI agent.

## Absolute rules
1. You MUST see CONCRETE EVIDENCE (outputs of verification tools) to validate.
2. Without evidence the verdict is FAIL.
3. Statements made by the agent are NOT evidence.
4. Only the outputs of run_tests, run_lint, run_format, run_build, run_typecheck, git_status and git_diff count as evidence.

## Criteria
- Tests: returncode 0 and no errors in stderr
- Lint: returncode 0
- Build: returncode 0
- Changed files: git_diff shows the expected changes

## Required response format (JSON)
` + "```json" + `
{
  "status": "PASS" or "FAIL",
  "confidence": 0.0 to 1.0,
  "issues": ["problems found"],
  "suggested_fixes": ["fixes if FAIL"],
  "reasoning": "why"
}
` + "```" + `

Answer ONLY with this JSON.`
