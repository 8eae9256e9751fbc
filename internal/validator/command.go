package validator

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/shlex"
)

// CodeParse is the error code carried by every command-line denial from this package.
const CodeParse = "E_PARSE_ERROR"

// CommandError describes why a command line was rejected before tokenization finished.
type CommandError struct {
	Code   string
	Reason string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

func parseErr(format string, args ...interface{}) *CommandError {
	return &CommandError{Code: CodeParse, Reason: fmt.Sprintf(format, args...)}
}

// forbiddenSequences chain, substitute or redirect in a shell.
var forbiddenSequences = []string{
	";", "&&", "||", "|", "`", "$(", "${", ">>", ">", "<<", "<", "\n", "\r", "\x00",
}

var forbiddenPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)rm\s+-[a-z]*r[a-z]*f?\s+/`),
	regexp.MustCompile(`(?i)>\s*/(etc|root|home|var)\b`),
	regexp.MustCompile(`(?i)/dev/tcp/`),
	regexp.MustCompile(`(?i)\bmkfifo\b`),
	regexp.MustCompile(`(?i)\bbase64\s+(-d|--decode)\b`),
	regexp.MustCompile(`(?i)\bperl\s+-e\b`),
	regexp.MustCompile(`(?i)\bnc\s+-[lep]`),
	regexp.MustCompile(`(?i)\bpython[0-9.]*\s+.*-c.*socket`),
}

// CheckCommandLine rejects command lines containing shell metacharacters or known
// dangerous patterns (in raw or decoded form) and returns the argument vector.
func CheckCommandLine(cmd string) ([]string, error) {
	if strings.TrimSpace(cmd) == "" {
		return nil, parseErr("empty command")
	}

	normalized := Normalize(cmd)
	for _, candidate := range []string{cmd, normalized} {
		for _, seq := range forbiddenSequences {
			if strings.Contains(candidate, seq) {
				return nil, parseErr("forbidden character sequence %s", printable(seq))
			}
		}
		for _, re := range forbiddenPatterns {
			if re.MatchString(candidate) {
				return nil, parseErr("forbidden pattern %s", re.String())
			}
		}
	}

	argv, err := shlex.Split(cmd)
	if err != nil {
		return nil, parseErr("tokenize: %v", err)
	}
	if len(argv) == 0 {
		return nil, parseErr("empty command")
	}
	return argv, nil
}

// Binary returns the executable name of argv with any directory prefix stripped.
func Binary(argv []string) string {
	if len(argv) == 0 {
		return ""
	}
	return filepath.Base(argv[0])
}

func printable(seq string) string {
	switch seq {
	case "\n":
		return `\n`
	case "\r":
		return `\r`
	case "\x00":
		return `\x00`
	}
	return seq
}
