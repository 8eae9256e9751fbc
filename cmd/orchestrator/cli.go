// Package main defines the CLI structure using kong.
package main

import "github.com/alecthomas/kong"

// CLI defines the command-line interface.
type CLI struct {
	Serve        ServeCmd        `cmd:"" help:"Serve the HTTP and WebSocket gateway"`
	Run          RunCmd          `cmd:"" help:"Run one request and print its events"`
	CheckCommand CheckCommandCmd `cmd:"" help:"Check a command line against the executor policy"`
	Policy       PolicyCmd       `cmd:"" help:"List the binaries a role may run"`
	Scan         ScanCmd         `cmd:"" help:"Scan text for prompt injection"`
	Transcript   TranscriptCmd   `cmd:"" help:"Show a saved run transcript"`
	Version      VersionCmd      `cmd:"" help:"Show version information"`
}

// ServeCmd starts the gateway.
type ServeCmd struct {
	Config    string `short:"c" help:"Config file path"`
	Addr      string `help:"Listen address (overrides config)"`
	Workspace string `help:"Workspace directory (overrides config)"`
}

// RunCmd processes a single message from the command line.
type RunCmd struct {
	Message    string `arg:"" help:"Request to process"`
	Config     string `short:"c" help:"Config file path"`
	Workspace  string `short:"w" help:"Workspace directory (overrides config)"`
	Model      string `short:"m" help:"Model override for this run"`
	Transcript string `short:"t" help:"Write a JSONL transcript to this path"`
	Verify     bool   `help:"Require verification (overrides config)"`
	NoVerify   bool   `help:"Skip verification (overrides config)"`
	SkipSpec   bool   `help:"Take the simple path regardless of classification"`
	Stream     bool   `help:"Print model tokens as they arrive"`
	JSON       bool   `help:"Print events and the final response as JSON"`
}

// CheckCommandCmd dry-runs the secure executor's validation and authorization.
type CheckCommandCmd struct {
	Command string `arg:"" help:"Command line to check"`
	Role    string `short:"r" default:"operator" enum:"viewer,operator,admin" help:"Role to check as"`
	Policy  string `help:"YAML policy file (defaults to the built-in policy)"`
}

// PolicyCmd shows the effective allowlist for a role.
type PolicyCmd struct {
	Role   string `arg:"" optional:"" default:"operator" enum:"viewer,operator,admin" help:"Role to list"`
	Policy string `help:"YAML policy file (defaults to the built-in policy)"`
}

// ScanCmd runs the injection classifier on text.
type ScanCmd struct {
	Text      string  `arg:"" help:"Text to scan"`
	Strict    bool    `help:"Block medium severity detections"`
	Threshold float64 `default:"0.75" help:"Confidence needed to block high severity detections"`
}

// TranscriptCmd prints a transcript written by run --transcript.
type TranscriptCmd struct {
	Path   string `arg:"" help:"Transcript file"`
	Events bool   `short:"e" help:"Print every event, not just the summary"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

// kongVars returns variables for kong (version info).
func kongVars() kong.Vars {
	return kong.Vars{
		"version": version,
	}
}
