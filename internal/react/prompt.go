package react

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/vinayprograms/orchestrator/internal/tools"
)

const systemPromptTemplate = `You are a system assistant. Answer concisely and usefully.

## Rules
1. For simple questions (greetings, general questions, conversation) answer DIRECTLY without a tool.
2. Use a tool only when the request needs an action or information from the system.
3. After a tool result, answer the user as soon as you have what you need.
4. Do not chain more than a few tools for one request.
5. Never paste raw JSON into your answer. Rephrase results in plain sentences.

## Available tools
%s

## Format
To call a tool:
` + "```tool" + `
{"tool": "tool_name", "params": {"param1": "value"}}
` + "```" + `

To answer the user:
` + "```response" + `
Your answer in natural language, never JSON
` + "```" + `

Current date: %s
`

const repairDirective = `## REPAIR MODE
A previous attempt failed verification. Fix exactly the issues listed in the request,
use the QA tools to prove the fix, and report what changed.

`

// systemPrompt renders the prompt for the given registry.
func systemPrompt(reg *tools.Registry, repair bool, now time.Time) string {
	prompt := fmt.Sprintf(systemPromptTemplate, describeTools(reg), now.Format("2006-01-02 15:04:05"))
	if repair {
		prompt = repairDirective + prompt
	}
	return prompt
}

// describeTools lists each tool with its parameters.
func describeTools(reg *tools.Registry) string {
	if reg == nil {
		return "(none)"
	}
	var b strings.Builder
	for _, def := range reg.Definitions() {
		fmt.Fprintf(&b, "- **%s**: %s\n  Parameters: %s\n", def.Name, def.Description, describeParams(def.Parameters))
	}
	if b.Len() == 0 {
		return "(none)"
	}
	return strings.TrimRight(b.String(), "\n")
}

func describeParams(schema map[string]interface{}) string {
	props, _ := schema["properties"].(map[string]interface{})
	if len(props) == 0 {
		return "none"
	}
	required := map[string]bool{}
	switch req := schema["required"].(type) {
	case []string:
		for _, r := range req {
			required[r] = true
		}
	case []interface{}:
		for _, r := range req {
			if s, ok := r.(string); ok {
				required[s] = true
			}
		}
	}

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		typ := "any"
		if p, ok := props[name].(map[string]interface{}); ok {
			if t, ok := p["type"].(string); ok {
				typ = t
			}
		}
		part := name + " (" + typ
		if required[name] {
			part += ", required"
		}
		parts = append(parts, part+")")
	}
	return strings.Join(parts, ", ")
}

// observation renders a tool result for the next model turn.
func observation(tool string, result tools.Result, hint string) string {
	raw, err := json.Marshal(result)
	if err != nil {
		raw = []byte(fmt.Sprintf(`{"success": %t}`, result.Success))
	}
	return fmt.Sprintf("Result of tool %s:\n%s%s\n\nAnswer with a ```response``` block in plain language, or call another tool if you still need one.",
		tool, truncate(string(raw), maxObservation), hint)
}

// recoveryHint tells the model about paths found after a missing-path error.
func recoveryHint(suggestion string, matches []string) string {
	if len(matches) > maxRecoveryMatches {
		matches = matches[:maxRecoveryMatches]
	}
	return fmt.Sprintf("\n\nAUTOMATIC RECOVERY: the requested path does not exist, but similar paths were found.\n- Suggestion: %s\n- Other matches: %s\nRetry with the right path.",
		suggestion, strings.Join(matches, ", "))
}

// truncate shortens s to n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
