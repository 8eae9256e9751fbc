package tools

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/vinayprograms/orchestrator/internal/governance"
)

// WithRunID tags ctx with the run whose tool calls it carries.
func WithRunID(ctx context.Context, runID string) context.Context {
	return governance.WithRunID(ctx, runID)
}

// RunIDFrom returns the run id carried by ctx.
func RunIDFrom(ctx context.Context) string {
	return governance.RunIDFrom(ctx)
}

func argString(args map[string]interface{}, key, def string) string {
	switch v := args[key].(type) {
	case string:
		if v != "" {
			return v
		}
	case fmt.Stringer:
		return v.String()
	case nil:
	default:
		return fmt.Sprint(v)
	}
	return def
}

func requireString(args map[string]interface{}, key string) (string, *Result) {
	v := strings.TrimSpace(argString(args, key, ""))
	if v == "" {
		r := Fail(CodeInvalidParams, "missing required parameter %q", key)
		return "", &r
	}
	return argString(args, key, ""), nil
}

func argBool(args map[string]interface{}, key string, def bool) bool {
	switch v := args[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func argInt(args map[string]interface{}, key string, def int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}
