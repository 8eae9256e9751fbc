package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/vinayprograms/orchestrator/internal/config"
	"github.com/vinayprograms/orchestrator/internal/events"
	"github.com/vinayprograms/orchestrator/internal/gateway"
	"github.com/vinayprograms/orchestrator/internal/injection"
	"github.com/vinayprograms/orchestrator/internal/secexec"
	"github.com/vinayprograms/orchestrator/internal/session"
	"github.com/vinayprograms/orchestrator/internal/workflow"
)

// loadConfig reads path (or orchestrator.toml in the working directory), applies
// ORCH_* environment overrides and defaults the workspace to the working directory.
func loadConfig(path, workspace string) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()
	if workspace != "" {
		cfg.Workspace.Dir = workspace
	}
	if cfg.Workspace.Dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current directory: %w", err)
		}
		cfg.Workspace.Dir = cwd
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// loadPolicy returns the policy at path, or the built-in one.
func loadPolicy(path string) (*secexec.Policy, error) {
	if path == "" {
		return secexec.DefaultPolicy(), nil
	}
	return secexec.LoadPolicy(path)
}

// Run starts the gateway and blocks until interrupted.
func (c *ServeCmd) Run() error {
	cfg, err := loadConfig(c.Config, c.Workspace)
	if err != nil {
		return err
	}
	if c.Addr != "" {
		cfg.Server.Addr = c.Addr
	}

	ctx, stop := signalContext()
	defer stop()

	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	srv := gateway.New(gateway.Config{
		Runner:         rt.engine,
		Emitter:        rt.emitter,
		Executor:       rt.executor,
		Governance:     rt.governance,
		Metrics:        rt.metrics,
		Logger:         rt.logger.WithComponent("gateway"),
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})
	rt.logger.Info("orchestrator starting", map[string]interface{}{
		"version":   version,
		"workspace": rt.workspace.Root(),
		"model":     cfg.ExecutorModel(),
		"verifier":  cfg.VerifierModel(),
	})
	return srv.ListenAndServe(ctx, cfg.Server.Addr)
}

// Run processes the message and prints events as they arrive.
func (c *RunCmd) Run() error {
	if c.Verify && c.NoVerify {
		return errors.New("--verify and --no-verify are mutually exclusive")
	}
	cfg, err := loadConfig(c.Config, c.Workspace)
	if err != nil {
		return err
	}
	if c.Verify {
		cfg.Workflow.VerifyRequired = true
	}
	if c.NoVerify {
		cfg.Workflow.VerifyRequired = false
	}

	ctx, stop := signalContext()
	defer stop()

	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	return c.execute(ctx, rt, os.Stdout)
}

func (c *RunCmd) execute(ctx context.Context, rt *runtime, w io.Writer) error {
	runID := uuid.NewString()
	model := c.Model
	if model == "" {
		model = rt.cfg.ExecutorModel()
	}

	var transcript *session.Transcript
	if c.Transcript != "" {
		var err error
		transcript, err = session.Create(c.Transcript, runID, c.Message, model)
		if err != nil {
			return err
		}
	}

	rt.emitter.StartRun(runID)
	live, unsubscribe := rt.emitter.Subscribe(runID)

	done := make(chan *workflow.Response, 1)
	go func() {
		done <- rt.engine.Run(ctx, workflow.Request{
			RunID:    runID,
			Message:  c.Message,
			Model:    c.Model,
			SkipSpec: c.SkipSpec,
			Stream:   c.Stream,
		})
	}()

	p := &printer{w: w, json: c.JSON, stream: c.Stream}
	var lastSeq int64
	record := func(ev events.Event) {
		if ev.Seq > 0 {
			if ev.Seq <= lastSeq {
				return
			}
			lastSeq = ev.Seq
		}
		p.event(ev)
		if transcript != nil && ev.Type != events.TypeToken {
			if err := transcript.Append(ev); err != nil {
				rt.logger.Warn("transcript append failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}

	for ev := range live {
		record(ev)
		if events.IsTerminal(ev.Type) {
			break
		}
	}
	unsubscribe()
	resp := <-done

	// A subscriber that lagged was cut off; pick up what it missed.
	backlog, err := rt.emitter.Replay(ctx, runID, lastSeq)
	if err != nil {
		rt.logger.Warn("event replay failed", map[string]interface{}{"error": err.Error()})
	}
	for _, ev := range backlog {
		record(ev)
	}

	status := session.StatusComplete
	if resp.Error != "" || resp.Phase == (workflow.FailedPhase{}).Name() {
		status = session.StatusFailed
	}
	if transcript != nil {
		if err := transcript.Close(status, resp.Response, resp.Error); err != nil {
			rt.logger.Warn("transcript close failed", map[string]interface{}{"error": err.Error()})
		}
	}

	p.response(resp)
	switch {
	case resp.Error != "":
		return fmt.Errorf("run %s failed: %s", runID, resp.Error)
	case status == session.StatusFailed:
		return fmt.Errorf("run %s failed verification", runID)
	}
	return nil
}

// Run dry-runs validation and authorization of the command line.
func (c *CheckCommandCmd) Run() error {
	return c.check(os.Stdout)
}

func (c *CheckCommandCmd) check(w io.Writer) error {
	role, err := secexec.ParseRole(c.Role)
	if err != nil {
		return err
	}
	policy, err := loadPolicy(c.Policy)
	if err != nil {
		return err
	}
	exec := secexec.New(".", secexec.WithPolicy(policy))
	argv, code, reason := exec.Allowed(c.Command, role)
	if code != "" {
		fmt.Fprintf(w, "DENIED  [%s] %s\n", code, reason)
		return fmt.Errorf("command not allowed for role %s", role)
	}
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = fmt.Sprintf("%q", a)
	}
	fmt.Fprintf(w, "ALLOWED role=%s argv=[%s]\n", role, strings.Join(quoted, " "))
	return nil
}

// Run prints the binaries the role may execute.
func (c *PolicyCmd) Run() error {
	return c.list(os.Stdout)
}

func (c *PolicyCmd) list(w io.Writer) error {
	role, err := secexec.ParseRole(c.Role)
	if err != nil {
		return err
	}
	policy, err := loadPolicy(c.Policy)
	if err != nil {
		return err
	}
	bins := policy.Binaries(role)
	fmt.Fprintf(w, "Role %s may run %d binaries:\n", role, len(bins))
	for _, b := range bins {
		fmt.Fprintf(w, "  %s\n", b)
	}
	return nil
}

// Run scans the text and reports whether a tool call carrying it would be blocked.
func (c *ScanCmd) Run() error {
	return c.scan(os.Stdout)
}

func (c *ScanCmd) scan(w io.Writer) error {
	d := injection.NewDetector(injection.WithStrictMode(c.Strict), injection.WithThreshold(c.Threshold))
	det := d.Detect(c.Text)
	blocked := d.ShouldBlock(det)

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(struct {
		injection.Detection
		Blocked bool `json:"blocked"`
	}{det, blocked}); err != nil {
		return err
	}
	if blocked {
		return fmt.Errorf("blocked: %s", det.Reason)
	}
	return nil
}

// Run prints a transcript summary and, optionally, its events.
func (c *TranscriptCmd) Run() error {
	return c.show(os.Stdout)
}

func (c *TranscriptCmd) show(w io.Writer) error {
	sess, err := session.Load(c.Path)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Run:     %s\n", sess.RunID)
	fmt.Fprintf(w, "Request: %s\n", sess.Request)
	if sess.Model != "" {
		fmt.Fprintf(w, "Model:   %s\n", sess.Model)
	}
	fmt.Fprintf(w, "Status:  %s\n", sess.Status)
	fmt.Fprintf(w, "Events:  %d\n", len(sess.Events))
	if term := sess.Terminal(); term != nil {
		fmt.Fprintf(w, "Ended:   %s (seq %d)\n", term.Type, term.Seq)
	}
	if sess.Error != "" {
		fmt.Fprintf(w, "Error:   %s\n", sess.Error)
	}
	if c.Events {
		fmt.Fprintln(w)
		p := &printer{w: w}
		for _, ev := range sess.Events {
			p.event(ev)
		}
	}
	if sess.Result != "" {
		fmt.Fprintf(w, "\n%s\n", sess.Result)
	}
	return nil
}

// Run prints version information.
func (c *VersionCmd) Run() error {
	fmt.Printf("orchestrator version %s (commit %s, built %s)\n", version, commit, buildTime)
	return nil
}
