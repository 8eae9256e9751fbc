package tools

import (
	"context"
	"sort"
	"strings"
)

// RunbookCategory groups runbooks by the kind of operation they describe.
type RunbookCategory string

const (
	RunbookDeployment  RunbookCategory = "deployment"
	RunbookDiagnostic  RunbookCategory = "diagnostic"
	RunbookRecovery    RunbookCategory = "recovery"
	RunbookMaintenance RunbookCategory = "maintenance"
	RunbookSecurity    RunbookCategory = "security"
)

var runbookCategories = []string{
	string(RunbookDeployment), string(RunbookDiagnostic), string(RunbookRecovery),
	string(RunbookMaintenance), string(RunbookSecurity),
}

// RunbookStep is one command of a runbook. Placeholders in braces are filled by the
// caller before the command is handed to execute_command.
type RunbookStep struct {
	Name           string `json:"name"`
	Description    string `json:"description"`
	Command        string `json:"command,omitempty"`
	Tool           string `json:"tool"`
	VerifyCommand  string `json:"verify_command,omitempty"`
	ExpectedResult string `json:"expected_result,omitempty"`
	OnFailure      string `json:"on_failure"`
}

// Runbook is a named procedure the model can follow step by step.
type Runbook struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	Description       string          `json:"description"`
	Category          RunbookCategory `json:"category"`
	Steps             []RunbookStep   `json:"steps"`
	Tags              []string        `json:"tags"`
	RequiresAdmin     bool            `json:"requires_admin"`
	EstimatedDuration string          `json:"estimated_duration"`
}

// Runbooks is a read-only catalogue of runbooks keyed by id.
type Runbooks struct {
	byID map[string]Runbook
}

// NewRunbooks builds a catalogue. A later runbook replaces an earlier one with the
// same id.
func NewRunbooks(list ...Runbook) *Runbooks {
	r := &Runbooks{byID: make(map[string]Runbook, len(list))}
	for _, rb := range list {
		r.byID[rb.ID] = rb
	}
	return r
}

// DefaultRunbooks returns the built-in catalogue.
func DefaultRunbooks() *Runbooks {
	return NewRunbooks(builtinRunbooks...)
}

// Get returns the runbook with id.
func (r *Runbooks) Get(id string) (Runbook, bool) {
	rb, ok := r.byID[id]
	return rb, ok
}

// List returns the runbooks of category, or all of them when category is empty,
// sorted by id.
func (r *Runbooks) List(category RunbookCategory) []Runbook {
	var out []Runbook
	for _, rb := range r.byID {
		if category == "" || rb.Category == category {
			out = append(out, rb)
		}
	}
	sortRunbooks(out)
	return out
}

// Search returns the runbooks whose name, description or tags contain query,
// ignoring case.
func (r *Runbooks) Search(query string) []Runbook {
	q := strings.ToLower(strings.TrimSpace(query))
	var out []Runbook
	for _, rb := range r.byID {
		if strings.Contains(strings.ToLower(rb.Name), q) ||
			strings.Contains(strings.ToLower(rb.Description), q) ||
			containsTag(rb.Tags, q) {
			out = append(out, rb)
		}
	}
	sortRunbooks(out)
	return out
}

func containsTag(tags []string, q string) bool {
	for _, t := range tags {
		if strings.Contains(strings.ToLower(t), q) {
			return true
		}
	}
	return false
}

func sortRunbooks(list []Runbook) {
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
}

func runbookSummary(rb Runbook) map[string]interface{} {
	desc := rb.Description
	if len(desc) > 100 {
		desc = desc[:100]
	}
	return map[string]interface{}{
		"id":                 rb.ID,
		"name":               rb.Name,
		"category":           string(rb.Category),
		"description":        desc,
		"steps_count":        len(rb.Steps),
		"requires_admin":     rb.RequiresAdmin,
		"estimated_duration": rb.EstimatedDuration,
	}
}

func runbookTools(book *Runbooks) []Tool {
	return []Tool{
		NewTool("list_runbooks", "List the available runbooks, optionally filtered by category.",
			Schema([]Prop{{Name: "category", Type: "string", Description: "Category filter", Enum: runbookCategories}}),
			func(ctx context.Context, args map[string]interface{}) Result {
				return listRunbooks(book, args)
			}),
		NewTool("get_runbook", "Return the full steps of a runbook.",
			Schema([]Prop{{Name: "runbook_id", Type: "string", Description: "Runbook id from list_runbooks", Required: true}}),
			func(ctx context.Context, args map[string]interface{}) Result {
				id, bad := requireString(args, "runbook_id")
				if bad != nil {
					return *bad
				}
				rb, ok := book.Get(strings.TrimSpace(id))
				if !ok {
					return Fail(CodeNotFound, "runbook not found: %s", id)
				}
				return OK(map[string]interface{}{"runbook": rb})
			}),
		NewTool("search_runbooks", "Search runbooks by name, description or tag.",
			Schema([]Prop{{Name: "query", Type: "string", Description: "Text to look for", Required: true}}),
			func(ctx context.Context, args map[string]interface{}) Result {
				q, bad := requireString(args, "query")
				if bad != nil {
					return *bad
				}
				return runbookList(book.Search(q))
			}),
	}
}

func listRunbooks(book *Runbooks, args map[string]interface{}) Result {
	category := strings.ToLower(strings.TrimSpace(argString(args, "category", "")))
	if category != "" {
		known := false
		for _, c := range runbookCategories {
			known = known || c == category
		}
		if !known {
			return Fail(CodeInvalidParams, "invalid category %q (want one of %s)", category, strings.Join(runbookCategories, ", "))
		}
	}
	return runbookList(book.List(RunbookCategory(category)))
}

func runbookList(list []Runbook) Result {
	out := make([]map[string]interface{}, 0, len(list))
	for _, rb := range list {
		out = append(out, runbookSummary(rb))
	}
	return OK(map[string]interface{}{"runbooks": out, "count": len(out)})
}

var builtinRunbooks = []Runbook{
	{
		ID:          "diag-service-down",
		Name:        "Diagnose a stopped service",
		Description: "Find out why a systemd service is not running: status, recent journal entries, listening ports and disk space.",
		Category:    RunbookDiagnostic,
		Tags:        []string{"systemd", "service", "down", "troubleshooting"},
		Steps: []RunbookStep{
			{Name: "status", Description: "Show the unit status", Command: "systemctl status {service}", Tool: "execute_command", OnFailure: "continue"},
			{Name: "journal", Description: "Read the last journal entries", Command: "journalctl -u {service} -n 50 --no-pager", Tool: "execute_command", OnFailure: "continue"},
			{Name: "ports", Description: "List listening sockets", Command: "ss -tlnp", Tool: "execute_command", OnFailure: "continue"},
			{Name: "disk", Description: "Check free disk space", Command: "df -h", Tool: "execute_command", OnFailure: "continue"},
		},
		EstimatedDuration: "2 minutes",
	},
	{
		ID:          "diag-docker-container",
		Name:        "Diagnose a failing container",
		Description: "Inspect a Docker container that exits or restarts: state, logs and resource usage.",
		Category:    RunbookDiagnostic,
		Tags:        []string{"docker", "container", "logs", "troubleshooting"},
		Steps: []RunbookStep{
			{Name: "list", Description: "List every container with its state", Command: "docker ps -a", Tool: "execute_command", OnFailure: "stop"},
			{Name: "logs", Description: "Read the last log lines", Command: "docker logs --tail 100 {container}", Tool: "execute_command", OnFailure: "continue"},
			{Name: "inspect", Description: "Show the container state", Command: "docker inspect {container}", Tool: "execute_command", OnFailure: "continue"},
			{Name: "stats", Description: "Show resource usage", Command: "docker stats --no-stream", Tool: "execute_command", OnFailure: "continue"},
		},
		EstimatedDuration: "2 minutes",
	},
	{
		ID:          "recover-service-restart",
		Name:        "Restart a service",
		Description: "Restart a systemd service and confirm it is active again.",
		Category:    RunbookRecovery,
		Tags:        []string{"systemd", "service", "restart", "recovery"},
		Steps: []RunbookStep{
			{Name: "restart", Description: "Restart the unit", Command: "systemctl restart {service}", Tool: "execute_command",
				VerifyCommand: "systemctl is-active {service}", ExpectedResult: "active", OnFailure: "stop"},
			{Name: "journal", Description: "Check the startup log", Command: "journalctl -u {service} -n 20 --no-pager", Tool: "execute_command", OnFailure: "continue"},
		},
		EstimatedDuration: "1 minute",
	},
	{
		ID:          "recover-docker-restart",
		Name:        "Restart a container",
		Description: "Restart a Docker container and confirm it stays up.",
		Category:    RunbookRecovery,
		Tags:        []string{"docker", "container", "restart", "recovery"},
		Steps: []RunbookStep{
			{Name: "restart", Description: "Restart the container", Command: "docker restart {container}", Tool: "execute_command", OnFailure: "stop"},
			{Name: "verify", Description: "Confirm the container is running", Command: "docker ps --filter name={container}", Tool: "execute_command",
				ExpectedResult: "Up", OnFailure: "stop"},
		},
		EstimatedDuration: "1 minute",
	},
	{
		ID:          "deploy-git-update",
		Name:        "Update a checkout",
		Description: "Pull the latest commits of the workspace repository, run the tests and show what changed.",
		Category:    RunbookDeployment,
		Tags:        []string{"git", "deploy", "update"},
		Steps: []RunbookStep{
			{Name: "status", Description: "Make sure the tree is clean", Tool: "git_status", OnFailure: "stop"},
			{Name: "pull", Description: "Fast-forward to the remote head", Command: "git pull --ff-only", Tool: "execute_command", OnFailure: "stop"},
			{Name: "tests", Description: "Run the configured test suite", Tool: "run_tests", OnFailure: "rollback"},
			{Name: "log", Description: "Show the new commits", Command: "git log --oneline -n 10", Tool: "execute_command", OnFailure: "continue"},
		},
		EstimatedDuration: "5 minutes",
	},
	{
		ID:          "maint-disk-cleanup",
		Name:        "Reclaim disk space",
		Description: "Find what fills the disk and prune unused Docker data.",
		Category:    RunbookMaintenance,
		Tags:        []string{"disk", "cleanup", "docker", "maintenance"},
		Steps: []RunbookStep{
			{Name: "usage", Description: "Show filesystem usage", Command: "df -h", Tool: "execute_command", OnFailure: "continue"},
			{Name: "docker-usage", Description: "Show Docker disk usage", Command: "docker system df", Tool: "execute_command", OnFailure: "continue"},
			{Name: "prune", Description: "Remove dangling images and stopped containers", Command: "docker system prune -f", Tool: "execute_command", OnFailure: "continue"},
			{Name: "journal", Description: "Shrink the journal", Command: "journalctl --vacuum-time=7d", Tool: "execute_command", OnFailure: "continue"},
		},
		RequiresAdmin:     true,
		EstimatedDuration: "5 minutes",
	},
	{
		ID:          "sec-check-services",
		Name:        "Audit exposed services",
		Description: "List listening ports, running units and the commands recently run through the executor.",
		Category:    RunbookSecurity,
		Tags:        []string{"security", "ports", "audit"},
		Steps: []RunbookStep{
			{Name: "ports", Description: "List listening sockets", Command: "ss -tlnp", Tool: "execute_command", OnFailure: "continue"},
			{Name: "units", Description: "List running units", Command: "systemctl list-units --type=service --state=running", Tool: "execute_command", OnFailure: "continue"},
			{Name: "audit", Description: "Review executed commands", Tool: "get_audit_log", OnFailure: "continue"},
		},
		EstimatedDuration: "3 minutes",
	},
}
