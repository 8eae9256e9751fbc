package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/vinayprograms/orchestrator/internal/events"
	"github.com/vinayprograms/orchestrator/internal/workflow"
)

// printer renders run events for a terminal, or as JSON lines.
type printer struct {
	w      io.Writer
	json   bool
	stream bool

	midToken bool // a token stream is open on the current line
}

func (p *printer) event(ev events.Event) {
	if p.json {
		if ev.Type == events.TypeToken && !p.stream {
			return
		}
		json.NewEncoder(p.w).Encode(ev)
		return
	}

	if ev.Type == events.TypeToken {
		if p.stream {
			fmt.Fprint(p.w, str(ev.Data, "token"))
			p.midToken = true
		}
		return
	}
	if p.midToken {
		fmt.Fprintln(p.w)
		p.midToken = false
	}

	switch ev.Type {
	case events.TypePhase:
		fmt.Fprintf(p.w, "[%s] %s\n", str(ev.Data, "phase"), str(ev.Data, "status"))
	case events.TypeThinking:
		fmt.Fprintf(p.w, "  ... %s\n", str(ev.Data, "message"))
	case events.TypeTool:
		line := fmt.Sprintf("  tool %s %s", str(ev.Data, "tool"), str(ev.Data, "status"))
		if code := str(ev.Data, "error_code"); code != "" {
			line += " (" + code + ")"
		}
		fmt.Fprintln(p.w, line)
	case events.TypeVerificationItem:
		mark := "FAIL"
		if passed, _ := ev.Data["passed"].(bool); passed {
			mark = "PASS"
		}
		fmt.Fprintf(p.w, "  %s %s\n", mark, str(ev.Data, "name"))
	case events.TypeGovernanceDenied:
		fmt.Fprintf(p.w, "  denied %s: %s\n", str(ev.Data, "tool_name"), str(ev.Data, "reason"))
	case events.TypePromptInjectionBlocked:
		fmt.Fprintf(p.w, "  blocked %s.%s (%s): %s\n", str(ev.Data, "tool_name"),
			str(ev.Data, "parameter"), str(ev.Data, "severity"), str(ev.Data, "reason"))
	case events.TypeConversationCreated:
		fmt.Fprintf(p.w, "conversation %s\n", str(ev.Data, "conversation_id"))
	case events.TypeError:
		fmt.Fprintf(p.w, "error: %s\n", str(ev.Data, "message"))
	case events.TypeComplete:
		// The response is printed once the run returns.
	default:
		fmt.Fprintf(p.w, "  %s\n", ev.Type)
	}
}

func (p *printer) response(resp *workflow.Response) {
	if p.json {
		json.NewEncoder(p.w).Encode(resp)
		return
	}
	if p.midToken {
		fmt.Fprintln(p.w)
		p.midToken = false
	}
	if resp.Response != "" {
		fmt.Fprintf(p.w, "\n%s\n", strings.TrimSpace(resp.Response))
	}
	fmt.Fprintf(p.w, "\n%s | %s | %d tool call(s) | %d repair cycle(s) | %dms\n",
		resp.Phase, resp.Complexity, len(resp.ToolsUsed), resp.RepairCycles, resp.DurationMs)
}

func str(data map[string]interface{}, key string) string {
	v, ok := data[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
