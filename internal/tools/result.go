// Package tools provides the tool envelope, the registry, the dispatcher pipeline
// and the built-in tools the execution loop can call.
package tools

import "fmt"

// Code is a tool error code. The set is closed; see Known.
type Code string

const (
	CodeToolNotFound     Code = "E_TOOL_NOT_FOUND"
	CodePromptInjection  Code = "E_PROMPT_INJECTION"
	CodeGovernanceDenied Code = "E_GOVERNANCE_DENIED"
	CodeToolExec         Code = "E_TOOL_EXEC"
	CodeInvalidParams    Code = "E_INVALID_PARAMS"

	CodeFileNotFound  Code = "E_FILE_NOT_FOUND"
	CodeDirNotFound   Code = "E_DIR_NOT_FOUND"
	CodePathNotFound  Code = "E_PATH_NOT_FOUND"
	CodePathForbidden Code = "E_PATH_FORBIDDEN"
	CodePermission    Code = "E_PERMISSION"
	CodeWriteDisabled Code = "E_WRITE_DISABLED"
	CodeReadError     Code = "E_READ_ERROR"
	CodeWriteError    Code = "E_WRITE_ERROR"

	CodeParseError  Code = "E_PARSE_ERROR"
	CodeNotAllowed  Code = "E_NOT_ALLOWED"
	CodeCmdFailed   Code = "E_CMD_FAILED"
	CodeTimeout     Code = "E_TIMEOUT"
	CodeCmdNotFound Code = "E_CMD_NOT_FOUND"
	CodeExecError   Code = "E_EXEC_ERROR"

	CodeURLForbidden Code = "E_URL_FORBIDDEN"
	CodeHTTPError    Code = "E_HTTP_ERROR"

	CodeBaseNotAllowed Code = "E_BASE_NOT_ALLOWED"
	CodeBaseNotFound   Code = "E_BASE_NOT_FOUND"
	CodeInvalidTarget  Code = "E_INVALID_TARGET"
	CodeRollbackFailed Code = "E_ROLLBACK_FAILED"
	CodeNotFound       Code = "E_NOT_FOUND"
	CodeCalcError      Code = "E_CALC_ERROR"
)

var knownCodes = map[Code]bool{
	CodeToolNotFound: true, CodePromptInjection: true, CodeGovernanceDenied: true,
	CodeToolExec: true, CodeInvalidParams: true,
	CodeFileNotFound: true, CodeDirNotFound: true, CodePathNotFound: true,
	CodePathForbidden: true, CodePermission: true, CodeWriteDisabled: true,
	CodeReadError: true, CodeWriteError: true,
	CodeParseError: true, CodeNotAllowed: true, CodeCmdFailed: true, CodeTimeout: true,
	CodeCmdNotFound: true, CodeExecError: true,
	CodeURLForbidden: true, CodeHTTPError: true,
	CodeBaseNotAllowed: true, CodeBaseNotFound: true, CodeInvalidTarget: true,
	CodeRollbackFailed: true, CodeNotFound: true, CodeCalcError: true,
}

// Known reports whether c belongs to the closed code set.
func (c Code) Known() bool {
	return knownCodes[c]
}

// Recoverable reports whether the loop may try to recover (e.g. by searching for a
// directory) instead of treating the failure as final.
func (c Code) Recoverable() bool {
	switch c {
	case CodeFileNotFound, CodeDirNotFound, CodePathNotFound:
		return true
	}
	return false
}

// Error is the failure half of a Result.
type Error struct {
	Code        Code   `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Meta carries execution details alongside a Result.
type Meta struct {
	DurationMs int64  `json:"duration_ms"`
	Tool       string `json:"tool,omitempty"`
	ActionID   string `json:"action_id,omitempty"`
	Truncated  bool   `json:"truncated,omitempty"`
}

// Result is the uniform envelope every tool returns.
type Result struct {
	Success bool                   `json:"success"`
	Data    map[string]interface{} `json:"data"`
	Error   *Error                 `json:"error"`
	Meta    Meta                   `json:"meta"`
}

// OK returns a successful result. Data is never nil.
func OK(data map[string]interface{}) Result {
	if data == nil {
		data = map[string]interface{}{}
	}
	return Result{Success: true, Data: data}
}

// Fail returns a failed result with the given code.
func Fail(code Code, format string, args ...interface{}) Result {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return Result{
		Success: false,
		Error: &Error{
			Code:        code,
			Message:     msg,
			Recoverable: code.Recoverable(),
		},
	}
}

// Valid reports whether r satisfies the envelope invariant: success carries data and
// no error, failure carries a known error code and no data.
func (r Result) Valid() bool {
	if r.Success {
		return r.Data != nil && r.Error == nil
	}
	return r.Data == nil && r.Error != nil && r.Error.Code.Known() &&
		r.Error.Recoverable == r.Error.Code.Recoverable()
}

// ErrorCode returns the error code, or "" on success.
func (r Result) ErrorCode() Code {
	if r.Error == nil {
		return ""
	}
	return r.Error.Code
}
