package react

import (
	"encoding/json"
	"regexp"
	"strings"
)

// stepKind classifies one model reply.
type stepKind string

const (
	stepTool     stepKind = "tool"
	stepResponse stepKind = "response"
	stepUnknown  stepKind = "unknown"
)

// step is a parsed model reply.
type step struct {
	Kind   stepKind
	Tool   string
	Params map[string]interface{}
	Text   string
}

type toolCall struct {
	Tool   string                 `json:"tool"`
	Params map[string]interface{} `json:"params"`
}

var (
	toolBlock     = regexp.MustCompile("(?s)```tool\\s*\\n?(.*?)\\n?```")
	responseBlock = regexp.MustCompile("(?s)```response\\s*\\n?(.*?)\\n?```")
	fenceMarker   = regexp.MustCompile("```\\w*\\n?")

	// Raw JSON the model sometimes appends after its prose.
	trailingEnvelope = regexp.MustCompile(`(?m)\n\s*\{\s*"(?:tool|output|data|success|error)"[\s\S]*?\}\s*$`)
	trailingCompact  = regexp.MustCompile(`\n\s*\{["\w\s:,\[\]\{\}]+\}\s*$`)
	trailingLarge    = regexp.MustCompile(`\n\s*(\{[\s\S]{100,}\})\s*$`)
)

// parseStep turns model output into a tool call, a final response, or an unknown
// shape whose Text is the raw output.
func parseStep(text string) step {
	if m := toolBlock.FindStringSubmatch(text); m != nil {
		var call toolCall
		if err := json.Unmarshal([]byte(strings.TrimSpace(m[1])), &call); err == nil && call.Tool != "" {
			if call.Params == nil {
				call.Params = map[string]interface{}{}
			}
			return step{Kind: stepTool, Tool: call.Tool, Params: call.Params}
		}
	}

	if m := responseBlock.FindStringSubmatch(text); m != nil {
		return step{Kind: stepResponse, Text: strings.TrimSpace(m[1])}
	}

	if clean := cleanDirect(text); clean != "" {
		return step{Kind: stepResponse, Text: clean}
	}
	return step{Kind: stepUnknown, Text: text}
}

// cleanDirect strips code fences and trailing JSON blobs from a reply that used
// neither block format.
func cleanDirect(text string) string {
	clean := strings.TrimSpace(fenceMarker.ReplaceAllString(text, ""))
	clean = trailingEnvelope.ReplaceAllString(clean, "")
	clean = trailingCompact.ReplaceAllString(clean, "")
	if loc := trailingLarge.FindStringIndex(clean); loc != nil {
		clean = clean[:loc[0]]
	}
	return strings.TrimSpace(clean)
}
