// Package governance classifies tool calls by risk, gates sensitive ones behind a
// justification and keeps what is needed to undo them.
package governance

import (
	"strings"
)

// Category is the risk tier of a tool call.
type Category string

const (
	CategoryRead      Category = "read"
	CategorySafe      Category = "safe"
	CategoryModerate  Category = "moderate"
	CategorySensitive Category = "sensitive"
	CategoryCritical  Category = "critical"
)

// NeedsJustification reports whether the category is denied without a justification.
func (c Category) NeedsJustification() bool {
	return c == CategorySensitive || c == CategoryCritical
}

// NeedsRollback reports whether a rollback descriptor is prepared before approval.
func (c Category) NeedsRollback() bool {
	return c == CategorySensitive || c == CategoryCritical
}

var readTools = map[string]bool{
	"read_file":                 true,
	"list_directory":            true,
	"search_files":              true,
	"search_directory":          true,
	"get_system_info":           true,
	"get_datetime":              true,
	"get_audit_log":             true,
	"git_status":                true,
	"git_diff":                  true,
	"list_llm_models":           true,
	"get_action_history":        true,
	"get_pending_verifications": true,
	"list_runbooks":             true,
	"get_runbook":               true,
	"search_runbooks":           true,
}

var moderateTools = map[string]bool{
	"run_tests":     true,
	"run_lint":      true,
	"run_format":    true,
	"run_typecheck": true,
}

var sensitiveTools = map[string]bool{
	"write_file": true,
	"run_build":  true,
}

// Classify returns the risk category of a tool call. Unknown tools are moderate.
func Classify(tool string, params map[string]interface{}) Category {
	switch {
	case readTools[tool]:
		return CategoryRead
	case tool == "calculate":
		return CategorySafe
	case tool == "http_request":
		switch strings.ToUpper(stringParam(params, "method", "GET")) {
		case "GET", "HEAD":
			return CategorySafe
		}
		return CategoryModerate
	case tool == "execute_command":
		switch strings.ToLower(stringParam(params, "role", "operator")) {
		case "admin":
			return CategorySensitive
		case "viewer":
			return CategorySafe
		}
		return CategoryModerate
	case moderateTools[tool]:
		return CategoryModerate
	case sensitiveTools[tool]:
		return CategorySensitive
	case tool == "rollback_action":
		return CategoryCritical
	}
	return CategoryModerate
}

func stringParam(params map[string]interface{}, key, def string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return def
}
