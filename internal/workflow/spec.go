package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/vinayprograms/orchestrator/internal/llm"
)

const planningTemperature = 0.3

// TaskSpec is the specification generated for a complex request.
type TaskSpec struct {
	Objective   string     `json:"objective"`
	Assumptions []string   `json:"assumptions"`
	Acceptance  Acceptance `json:"acceptance"`
	Risks       []string   `json:"risks"`
	OutOfScope  []string   `json:"out_of_scope"`
	Fallback    bool       `json:"fallback,omitempty"`
}

// Acceptance holds the ordered acceptance checks.
type Acceptance struct {
	Checks []string `json:"checks"`
}

// PlanStep is one step of a TaskPlan.
type PlanStep struct {
	ID             stepID   `json:"id"`
	Action         string   `json:"action"`
	Tools          []string `json:"tools"`
	ExpectedOutput string   `json:"expected_output"`
}

// TaskPlan is the execution plan generated from a TaskSpec.
type TaskPlan struct {
	Steps             []PlanStep `json:"steps"`
	EstimatedDuration int        `json:"estimated_duration_s,omitempty"`
	Fallback          bool       `json:"fallback,omitempty"`
}

// stepID accepts both "1" and 1 from the model.
type stepID string

func (s *stepID) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		*s = stepID(str)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("step id: %w", err)
	}
	*s = stepID(n.String())
	return nil
}

const specPrompt = `Analyse this request and write a SPECIFICATION.

Request: %s

Answer ONLY with this JSON:
` + "```json" + `
{
  "objective": "clear and measurable objective",
  "assumptions": ["assumption 1", "assumption 2"],
  "acceptance": {
    "checks": ["tests pass", "lint clean", "file created"]
  },
  "risks": ["potential risk"],
  "out_of_scope": ["what is not included"]
}
` + "```"

const planPrompt = `Write an execution PLAN for this task.

Objective: %s
Acceptance criteria: %s

Available tools: %s

Answer ONLY with this JSON:
` + "```json" + `
{
  "steps": [
    {"id": "1", "action": "description", "tools": ["tool1"], "expected_output": "expected result"},
    {"id": "2", "action": "description", "tools": ["tool2"], "expected_output": "expected result"}
  ],
  "estimated_duration_s": 60
}
` + "```"

// fallbackSpec is used when the model gives no usable specification.
func fallbackSpec(request string) *TaskSpec {
	return &TaskSpec{
		Objective:  request,
		Acceptance: Acceptance{Checks: []string{"task completed"}},
		Fallback:   true,
	}
}

// fallbackPlan is used when the model gives no usable plan.
func fallbackPlan() *TaskPlan {
	return &TaskPlan{
		Steps:    []PlanStep{{ID: "1", Action: "Execute task", Tools: []string{"execute_command"}}},
		Fallback: true,
	}
}

// generateSpec asks the model for a TaskSpec. It never fails: a model error or an
// unparsable answer yields the fallback spec, and the error is returned for logging.
func (e *Engine) generateSpec(ctx context.Context, request, model string) (*TaskSpec, error) {
	text, err := e.generate(ctx, model, fmt.Sprintf(specPrompt, request))
	if err != nil {
		return fallbackSpec(request), err
	}
	spec, err := parseSpec(text, request)
	if err != nil {
		return fallbackSpec(request), err
	}
	return spec, nil
}

func parseSpec(text, request string) (*TaskSpec, error) {
	blob := llm.ExtractJSON(text)
	if blob == "" {
		return nil, fmt.Errorf("no JSON object in spec response")
	}
	var spec TaskSpec
	if err := json.Unmarshal([]byte(blob), &spec); err != nil {
		return nil, fmt.Errorf("failed to parse spec: %w", err)
	}
	if strings.TrimSpace(spec.Objective) == "" {
		spec.Objective = request
	}
	if len(spec.Acceptance.Checks) == 0 {
		spec.Acceptance.Checks = []string{"task completed"}
	}
	return &spec, nil
}

// generatePlan asks the model for a TaskPlan, with the same fallback rules as
// generateSpec.
func (e *Engine) generatePlan(ctx context.Context, spec *TaskSpec, model string) (*TaskPlan, error) {
	toolNames := strings.Join(e.dispatcher.Registry().Names(), ", ")
	prompt := fmt.Sprintf(planPrompt, spec.Objective, strings.Join(spec.Acceptance.Checks, ", "), toolNames)
	text, err := e.generate(ctx, model, prompt)
	if err != nil {
		return fallbackPlan(), err
	}
	plan, err := parsePlan(text)
	if err != nil {
		return fallbackPlan(), err
	}
	return plan, nil
}

func parsePlan(text string) (*TaskPlan, error) {
	blob := llm.ExtractJSON(text)
	if blob == "" {
		return nil, fmt.Errorf("no JSON object in plan response")
	}
	var plan TaskPlan
	if err := json.Unmarshal([]byte(blob), &plan); err != nil {
		return nil, fmt.Errorf("failed to parse plan: %w", err)
	}
	if len(plan.Steps) == 0 {
		return nil, fmt.Errorf("plan has no steps")
	}
	for i := range plan.Steps {
		if plan.Steps[i].ID == "" {
			plan.Steps[i].ID = stepID(strconv.Itoa(i + 1))
		}
	}
	return &plan, nil
}

func (e *Engine) generate(ctx context.Context, model, prompt string) (string, error) {
	resp, err := e.provider.Generate(ctx, llm.GenerateRequest{
		Model:   model,
		Prompt:  prompt,
		Options: llm.Options{Temperature: llm.Temperature(planningTemperature)},
	})
	if err != nil {
		e.metrics.RecordLLMCall(model, err, 0, 0)
		return "", fmt.Errorf("LLM error: %w", err)
	}
	e.metrics.RecordLLMCall(model, nil, resp.PromptTokens, resp.CompletionTokens)
	return resp.Text, nil
}

// enrichPrompt appends the spec and plan to the user's request.
func enrichPrompt(message string, spec *TaskSpec, plan *TaskPlan) string {
	var sb strings.Builder
	sb.WriteString(message)
	sb.WriteString("\n\n---\nCONTEXT (generated):\n")
	sb.WriteString(fmt.Sprintf("Objective: %s\n", spec.Objective))
	sb.WriteString("Plan:\n")
	for _, s := range plan.Steps {
		sb.WriteString(fmt.Sprintf("  %s. %s (tools: %s)\n", s.ID, s.Action, strings.Join(s.Tools, ", ")))
	}
	sb.WriteString(fmt.Sprintf("\nAcceptance criteria: %s\n\n", strings.Join(spec.Acceptance.Checks, ", ")))
	sb.WriteString("IMPORTANT: when you are done, verify your work with the QA tools (run_tests, run_lint, ...).\n---")
	return sb.String()
}
