package tools

import (
	"context"

	"github.com/vinayprograms/orchestrator/internal/governance"
)

func governanceTools(gov *governance.Manager) []Tool {
	return []Tool{
		NewTool("get_action_history", "Return recent governed actions for audit.",
			Schema([]Prop{{Name: "last_n", Type: "integer", Description: "Number of entries (default 20)"}}),
			func(ctx context.Context, args map[string]interface{}) Result {
				history := gov.History(argInt(args, "last_n", 20))
				return OK(map[string]interface{}{
					"actions": history,
					"count":   len(history),
				})
			}),
		NewTool("get_pending_verifications", "List sensitive actions that still need verification.", Schema(nil),
			func(ctx context.Context, args map[string]interface{}) Result {
				pending := gov.PendingVerifications()
				return OK(map[string]interface{}{
					"pending": pending,
					"count":   len(pending),
				})
			}),
		NewTool("rollback_action", "Undo a previous action that has a rollback available. Requires a justification.",
			Schema([]Prop{
				{Name: "action_id", Type: "string", Description: "Id of the action to undo", Required: true},
				{Name: "justification", Type: "string", Description: "Why the action must be undone", Required: true},
			}),
			func(ctx context.Context, args map[string]interface{}) Result {
				id, bad := requireString(args, "action_id")
				if bad != nil {
					return *bad
				}
				ok, message := gov.Rollback(ctx, id)
				if !ok {
					return Fail(CodeRollbackFailed, "%s", message)
				}
				return OK(map[string]interface{}{
					"rolled_back": id,
					"message":     message,
				})
			}),
	}
}
