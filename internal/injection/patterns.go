package injection

import (
	"regexp"
	"strings"
)

// rule is one named check inside a tier.
type rule struct {
	name  string
	match func(string) bool
}

func re(name, expr string) rule {
	compiled := regexp.MustCompile(expr)
	return rule{name: name, match: compiled.MatchString}
}

var criticalRules = []rule{
	re("ignore_previous", `(?i)\b(ignore|disregard|forget)\s+(all\s+)?(of\s+)?(the\s+|your\s+|my\s+)?(previous|prior|above|earlier)\s+(instructions|rules|prompts?|context|directions)`),
	re("override_system", `(?i)\b(override|bypass)\s+(the\s+|your\s+|all\s+)?(system|safety|security)\s+(rules|instructions|protocols|prompt)`),
	re("you_are_now", `(?i)\byou\s+are\s+now\s+(a|an|the)\s`),
	re("act_as_privileged", `(?i)\byou\s+(will|must)\s+(now\s+)?act\s+as\s+(a\s+|an\s+|the\s+)?(root|admin|administrator|developer|system)`),
	re("from_now_on", `(?i)\bfrom\s+now\s+on,?\s+you\b`),
	re("new_role", `(?i)\b(new|your\s+new)\s+(role|instructions?|system\s+prompt)\s*(:|is\b|are\b)`),
	re("reveal_instructions", `(?i)\b(print|show|display|reveal|output|repeat)\s+(me\s+)?your\s+(system\s+|initial\s+|original\s+)?(instructions|prompt|rules)`),
	re("ask_instructions", `(?i)\bwhat\s+(are|were)\s+your\s+(initial|original|system)\s+(instructions|prompt)`),
	re("chat_delimiter", `(?i)<\|\s*(system|assistant|user|end|im_start|im_end)\s*\|>`),
	re("inst_delimiter", `\[/?INST\]|<</?SYS>>`),
	re("fenced_role", "(?i)```\\s*(system|assistant|instructions)"),
	re("arrow_system", `(?i)=+>\s*system`),
	re("heading_override", `(?i)###\s*(system|override|instruction)`),
}

var highRules = []rule{
	re("pretend", `(?i)\blet'?s\s+pretend\s+(that\s+)?you`),
	re("imagine_you_are", `(?i)\bimagine\s+(that\s+)?you\s+are`),
	re("act_as_if", `(?i)\bact\s+as\s+(if\s+)?you\b`),
	re("roleplay", `(?i)\broleplay\s+as\b`),
	re("just_a_test", `(?i)\bthis\s+is\s+(just\s+|only\s+)?a\s+(test|joke|game)\b`),
	re("pretext_purposes", `(?i)\bfor\s+(educational|research|testing)\s+purposes`),
	re("hypothetically", `(?i)\bhypothetically,?\s+(if|suppose|imagine)\b`),
	re("run_as_root", `(?i)\b(execute|run|eval|evaluate)\s+(this\s+|it\s+)?as\s+(admin|root|system)\b`),
	re("sudo", `(?i)\bsudo\s+`),
	re("encoded_blob", `(?i)\b(base64|hex|url|unicode)\s*[:=]\s*[A-Za-z0-9+/=]{20,}`),
	re("unicode_escapes", `(\\u[0-9a-fA-F]{4}){3,}`),
	re("jailbreak", `(?i)\bjailbreak`),
	re("dan_mode", `(?i)\bDAN\s+mode\b`),
}

var roleMarkerRE = regexp.MustCompile(`(?im)^\s*(system|assistant|user)\s*:`)

var mediumRules = []rule{
	{name: "role_markers", match: func(s string) bool { return len(roleMarkerRE.FindAllStringIndex(s, 2)) >= 2 }},
	re("human_turn", `(?i)\bhuman:[ \t]*\n[^\n]*\n`),
	re("long_code_block", "```[^`]{500,}```"),
	re("separator_line", `(?m)^\s*-{3,}\s*$`),
	{name: "repeated_chunk", match: hasRepeatedChunk},
	re("shell_flags", `(?i)\b(curl|wget|nc|netcat|bash|sh|powershell)\s+-`),
}

const (
	minChunk      = 20
	minRepeats    = 5
	maxRepeatScan = 8 << 10
)

// hasRepeatedChunk reports whether some chunk of at least minChunk bytes is
// immediately followed by minRepeats or more copies of itself.
func hasRepeatedChunk(s string) bool {
	if len(s) > maxRepeatScan {
		s = s[:maxRepeatScan]
	}
	n := len(s)
	for p := minChunk; p*(minRepeats+1) <= n; p++ {
		run := 0
		for j := 0; j+p < n; j++ {
			if s[j] == s[j+p] {
				run++
				if run >= p*minRepeats {
					return true
				}
			} else {
				run = 0
			}
		}
	}
	return false
}

func matchTier(rules []rule, candidates []string) []string {
	var names []string
	for _, r := range rules {
		for _, c := range candidates {
			if r.match(c) {
				names = append(names, r.name)
				break
			}
		}
	}
	return names
}

func trimmedEmpty(s string) bool {
	return strings.TrimSpace(s) == ""
}
