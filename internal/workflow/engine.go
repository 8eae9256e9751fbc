// Package workflow sequences a run through spec, plan, execute, verify and repair,
// and guarantees the run ends with exactly one terminal event.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/vinayprograms/orchestrator/internal/checkpoint"
	"github.com/vinayprograms/orchestrator/internal/events"
	"github.com/vinayprograms/orchestrator/internal/llm"
	"github.com/vinayprograms/orchestrator/internal/logging"
	"github.com/vinayprograms/orchestrator/internal/metrics"
	"github.com/vinayprograms/orchestrator/internal/react"
	"github.com/vinayprograms/orchestrator/internal/telemetry"
	"github.com/vinayprograms/orchestrator/internal/tools"
	"github.com/vinayprograms/orchestrator/internal/verifier"
)

// DefaultMaxRepairCycles bounds the repair loop when no limit is configured.
const DefaultMaxRepairCycles = 2

// Phase event statuses.
const (
	statusStarting = "starting"
	statusComplete = "complete"
	statusFailed   = "failed"
)

// Request is one user message to process.
type Request struct {
	RunID          string
	Message        string
	History        []llm.Message
	Model          string
	ConversationID string
	SkipSpec       bool // take the simple path regardless of classification
	Stream         bool // forward model tokens as events
}

// RepairAttempt records one repair cycle.
type RepairAttempt struct {
	Cycle   int      `json:"cycle"`
	Issues  []string `json:"issues_addressed"`
	Changes []string `json:"changes_made"`
}

// ToolSummary is the client-facing view of a tool call. Parameters are left out.
type ToolSummary struct {
	Tool         string `json:"tool"`
	Success      bool   `json:"success"`
	ErrorCode    string `json:"error_code,omitempty"`
	DurationMs   int64  `json:"duration_ms"`
	AutoRecovery bool   `json:"auto_recovery,omitempty"`
}

// State is the workflow state of one run. It is owned by the goroutine running it.
type State struct {
	RunID        string
	Request      string
	Complexity   Complexity
	Phase        Phase
	Spec         *TaskSpec
	Plan         *TaskPlan
	Execution    *react.ExecutionResult
	Report       *verifier.Report
	Verdict      *verifier.Verdict
	Verified     bool
	RepairCycles int
	Repairs      []RepairAttempt
	Trail        []string
	StartedAt    time.Time
}

func (s *State) transition(to Phase) error {
	if err := CheckTransition(s.Phase, to); err != nil {
		return err
	}
	s.Phase = to
	s.Trail = append(s.Trail, to.Name())
	return nil
}

func (s *State) tools() []react.ToolExecution {
	if s.Execution == nil {
		return nil
	}
	return s.Execution.Tools
}

func phaseName(p Phase) string {
	if p == nil {
		return "start"
	}
	return p.Name()
}

// Response is the outcome of Run.
type Response struct {
	RunID        string            `json:"run_id"`
	Response     string            `json:"response"`
	Phase        string            `json:"phase"`
	Complexity   Complexity        `json:"complexity"`
	Spec         *TaskSpec         `json:"spec,omitempty"`
	Plan         *TaskPlan         `json:"plan,omitempty"`
	Verdict      *verifier.Verdict `json:"verdict,omitempty"`
	Verification *verifier.Report  `json:"verification,omitempty"`
	ToolsUsed    []ToolSummary     `json:"tools_used"`
	Iterations   int               `json:"iterations"`
	DurationMs   int64             `json:"duration_ms"`
	RepairCycles int               `json:"repair_cycles"`
	Repairs      []RepairAttempt   `json:"repairs,omitempty"`
	Trail        []string          `json:"trail"`
	Error        string            `json:"error,omitempty"`
}

// Engine runs the pipeline.
type Engine struct {
	provider        llm.Provider
	react           *react.Engine
	dispatcher      *tools.Dispatcher
	verifier        *verifier.Verifier
	events          events.Sink
	checkpoints     *checkpoint.Store
	metrics         *metrics.Metrics
	logger          *logging.Logger
	model           string
	verifyRequired  bool
	maxRepairCycles int
}

// Config holds workflow engine configuration.
type Config struct {
	Provider        llm.Provider
	Dispatcher      *tools.Dispatcher
	ReAct           *react.Engine      // nil builds one from Provider and Dispatcher
	Verifier        *verifier.Verifier // nil builds one from Provider and Model
	Events          events.Sink        // nil discards events
	Checkpoints     *checkpoint.Store  // nil disables checkpoints
	Metrics         *metrics.Metrics
	Logger          *logging.Logger
	Model           string
	VerifyRequired  bool
	MaxRepairCycles int // negative uses DefaultMaxRepairCycles
}

// New creates a workflow engine.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.New().WithComponent("workflow")
	}
	sink := cfg.Events
	if sink == nil {
		sink = events.NopSink{}
	}
	maxRepair := cfg.MaxRepairCycles
	if maxRepair < 0 {
		maxRepair = DefaultMaxRepairCycles
	}
	e := &Engine{
		provider:        cfg.Provider,
		react:           cfg.ReAct,
		dispatcher:      cfg.Dispatcher,
		verifier:        cfg.Verifier,
		events:          sink,
		checkpoints:     cfg.Checkpoints,
		metrics:         cfg.Metrics,
		logger:          logger,
		model:           cfg.Model,
		verifyRequired:  cfg.VerifyRequired,
		maxRepairCycles: maxRepair,
	}
	if e.react == nil {
		e.react = react.New(cfg.Provider, cfg.Dispatcher,
			react.WithEvents(sink),
			react.WithModel(cfg.Model),
			react.WithLogger(logger.WithComponent("react")),
		)
	}
	if e.verifier == nil {
		e.verifier = verifier.New(verifier.Config{Provider: cfg.Provider, Model: cfg.Model})
	}
	return e
}

// Run processes one request. It always returns a Response and always ends the run
// with exactly one terminal event, including when a phase panics.
func (e *Engine) Run(ctx context.Context, req Request) (resp *Response) {
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	model := req.Model
	if model == "" {
		model = e.model
	}
	st := &State{
		RunID:      req.RunID,
		Request:    req.Message,
		Complexity: Classify(req.Message),
		StartedAt:  time.Now(),
	}
	logger := e.logger.WithTraceID(req.RunID)

	ctx = tools.WithRunID(ctx, req.RunID)
	ctx, span := startRunSpan(ctx, req.RunID, st.Complexity)
	e.metrics.RunStarted()
	logger.RunStart(req.RunID, string(st.Complexity))
	e.beginCheckpoint(st)

	if req.ConversationID != "" {
		e.emit(ctx, req.RunID, events.TypeConversationCreated, map[string]interface{}{
			"conversation_id": req.ConversationID,
		})
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("workflow panic", map[string]interface{}{
				"panic": fmt.Sprint(r),
				"stack": string(debug.Stack()),
			})
			resp = e.fail(ctx, st, fmt.Errorf("internal error: %v", r))
		}
		duration := time.Since(st.StartedAt)
		e.metrics.RunFinished(phaseName(st.Phase), duration, st.RepairCycles)
		logger.RunComplete(req.RunID, duration, phaseName(st.Phase))
		e.finishCheckpoint(st)

		var runErr error
		if resp != nil && resp.Error != "" {
			runErr = errors.New(resp.Error)
		}
		endRunSpan(span, st, runErr)
	}()

	fast := st.Complexity == Simple || req.SkipSpec
	if err := e.pipeline(ctx, st, req, model, fast); err != nil {
		return e.fail(ctx, st, err)
	}
	return e.complete(ctx, st)
}

func (e *Engine) pipeline(ctx context.Context, st *State, req Request, model string, fast bool) error {
	logger := e.logger.WithTraceID(st.RunID)

	if fast {
		if err := e.execute(ctx, st, req, req.Message, model); err != nil {
			return err
		}
		verdict := verifier.QuickCheck(st.Execution.Response, st.Execution.Tools)
		st.Verdict = &verdict
		return nil
	}

	err := e.runPhase(ctx, st, SpecPhase{}, func(ctx context.Context) (phaseResult, error) {
		spec, err := e.generateSpec(ctx, req.Message, model)
		if err != nil {
			logger.Warn("spec generation fell back to defaults", map[string]interface{}{"error": err.Error()})
		}
		st.Spec = spec
		return phaseResult{snapshot: spec, data: map[string]interface{}{"objective": spec.Objective}}, nil
	})
	if err != nil {
		return err
	}

	err = e.runPhase(ctx, st, PlanPhase{}, func(ctx context.Context) (phaseResult, error) {
		plan, err := e.generatePlan(ctx, st.Spec, model)
		if err != nil {
			logger.Warn("plan generation fell back to defaults", map[string]interface{}{"error": err.Error()})
		}
		st.Plan = plan
		return phaseResult{snapshot: plan, data: map[string]interface{}{"steps": len(plan.Steps)}}, nil
	})
	if err != nil {
		return err
	}

	if err := e.execute(ctx, st, req, enrichPrompt(req.Message, st.Spec, st.Plan), model); err != nil {
		return err
	}

	if !e.verifyRequired {
		verdict := verifier.QuickCheck(st.Execution.Response, st.Execution.Tools)
		st.Verdict = &verdict
		return nil
	}

	if err := e.verify(ctx, st, 0); err != nil {
		return err
	}
	for !st.Verdict.Passed() && st.RepairCycles < e.maxRepairCycles {
		cycle := st.RepairCycles + 1
		if err := e.repair(ctx, st, req, model, cycle); err != nil {
			return err
		}
		if err := e.verify(ctx, st, cycle); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) execute(ctx context.Context, st *State, req Request, message, model string) error {
	return e.runPhase(ctx, st, ExecutePhase{}, func(ctx context.Context) (phaseResult, error) {
		res, err := e.react.Run(ctx, react.Request{
			Message: message,
			History: req.History,
			Model:   model,
			RunID:   st.RunID,
			Stream:  req.Stream,
		})
		if err != nil {
			return phaseResult{}, err
		}
		st.Execution = res
		return phaseResult{
			snapshot: executionSnapshot(res),
			data: map[string]interface{}{
				"iterations": res.Iterations,
				"tools":      len(res.Tools),
			},
		}, nil
	})
}

func (e *Engine) verify(ctx context.Context, st *State, cycle int) error {
	return e.runPhase(ctx, st, VerifyPhase{Cycle: cycle}, func(ctx context.Context) (phaseResult, error) {
		report := e.runVerification(ctx, st.RunID, st.Spec)
		st.Report = &report
		st.Verified = true

		var spec *verifier.Spec
		if st.Spec != nil {
			spec = &verifier.Spec{Objective: st.Spec.Objective, Acceptance: st.Spec.Acceptance.Checks}
		}
		verdict := e.verifier.Judge(ctx, verifier.Input{
			Request:   st.Request,
			Spec:      spec,
			Execution: st.Execution,
			Report:    report,
		})
		st.Verdict = &verdict

		return phaseResult{
			snapshot: map[string]interface{}{"report": report, "verdict": verdict},
			failed:   !verdict.Passed(),
			data: map[string]interface{}{
				"verdict":    string(verdict.Status),
				"confidence": verdict.Confidence,
				"qa_passed":  report.Passed,
			},
		}, nil
	})
}

func (e *Engine) repair(ctx context.Context, st *State, req Request, model string, cycle int) error {
	return e.runPhase(ctx, st, RepairPhase{Cycle: cycle}, func(ctx context.Context) (phaseResult, error) {
		st.RepairCycles = cycle
		verdict := *st.Verdict
		res, err := e.react.Run(ctx, react.Request{
			Message: buildRepairPrompt(verdict, st.Execution),
			Model:   model,
			RunID:   st.RunID,
			Stream:  req.Stream,
			Repair:  true,
		})
		if err != nil {
			return phaseResult{}, err
		}

		changes := make([]string, 0, len(res.Tools))
		for _, t := range res.Tools {
			changes = append(changes, "tool used: "+t.Tool)
		}
		st.Execution.Tools = append(st.Execution.Tools, res.Tools...)
		st.Execution.Iterations += res.Iterations
		if res.Response != "" {
			st.Execution.Response = res.Response
		}
		attempt := RepairAttempt{Cycle: cycle, Issues: verdict.Issues, Changes: changes}
		st.Repairs = append(st.Repairs, attempt)

		return phaseResult{
			snapshot: attempt,
			data:     map[string]interface{}{"tools": len(res.Tools)},
		}, nil
	})
}

// phaseResult is what a phase body reports back to runPhase.
type phaseResult struct {
	snapshot interface{}            // written to the checkpoint
	failed   bool                   // the phase ran but its outcome is negative
	data     map[string]interface{} // extra fields for the closing phase event
}

// runPhase moves st into p, runs fn, and reports the phase through events, logs,
// metrics, tracing and checkpoints.
func (e *Engine) runPhase(ctx context.Context, st *State, p Phase, fn func(ctx context.Context) (phaseResult, error)) error {
	if err := st.transition(p); err != nil {
		return err
	}
	info := describe(p)
	logger := e.logger.WithTraceID(st.RunID)
	start := time.Now()

	ctx, span := startPhaseSpan(ctx, st.RunID, p)
	logger.PhaseStart(p.Name(), st.RunID, info.cycle)
	e.emitPhase(ctx, st.RunID, p, statusStarting, nil)
	e.emit(ctx, st.RunID, events.TypeThinking, map[string]interface{}{
		"phase":   p.Name(),
		"message": info.message,
		"cycle":   info.cycle,
	})

	res, err := fn(ctx)
	duration := time.Since(start)

	status := statusComplete
	if err != nil || res.failed {
		status = statusFailed
	}
	data := map[string]interface{}{"duration_ms": duration.Milliseconds()}
	for k, v := range res.data {
		data[k] = v
	}
	if err != nil {
		data["error"] = err.Error()
	}
	e.emitPhase(ctx, st.RunID, p, status, data)
	e.metrics.RecordPhase(p.Name(), duration)
	logger.PhaseComplete(p.Name(), st.RunID, duration, status)
	telemetry.End(span, err)
	e.saveCheckpoint(st, checkpoint.Entry{
		Phase:     p.Name(),
		Cycle:     info.cycle,
		StartedAt: start,
		EndedAt:   time.Now(),
		Result:    status,
	}, res.snapshot)

	return err
}

// complete concludes a run whose pipeline finished and emits the complete event.
// The final phase follows the verdict, whether it came from the judge or the quick check.
func (e *Engine) complete(ctx context.Context, st *State) *Response {
	var final Phase = CompletePhase{}
	switch {
	case st.Verified && (st.Verdict == nil || !st.Verdict.Passed()):
		final = FailedPhase{
			At:     "verify",
			Reason: fmt.Sprintf("verification failed after %d repair cycle(s)", st.RepairCycles),
		}
	case st.Verdict != nil && !st.Verdict.Passed():
		reason := "quick check failed"
		if len(st.Verdict.Issues) > 0 {
			reason += ": " + st.Verdict.Issues[0]
		}
		final = FailedPhase{At: phaseName(st.Phase), Reason: reason}
	}
	if err := st.transition(final); err != nil {
		return e.fail(ctx, st, err)
	}
	status := statusComplete
	if _, failed := final.(FailedPhase); failed {
		status = statusFailed
	}
	e.emitPhase(ctx, st.RunID, final, status, nil)

	resp := e.response(st)
	e.terminal(ctx, st.RunID, events.TypeComplete, map[string]interface{}{
		"response":      resp.Response,
		"phase":         resp.Phase,
		"verdict":       resp.Verdict,
		"verification":  resp.Verification,
		"tools_used":    resp.ToolsUsed,
		"iterations":    resp.Iterations,
		"duration_ms":   resp.DurationMs,
		"repair_cycles": resp.RepairCycles,
	})
	return resp
}

// fail concludes a run after a phase-level failure and emits the error event.
func (e *Engine) fail(ctx context.Context, st *State, err error) *Response {
	at := phaseName(st.Phase)
	if f, ok := st.Phase.(FailedPhase); ok {
		at = f.At
	}
	failed := FailedPhase{At: at, Reason: err.Error()}
	if terr := st.transition(failed); terr != nil {
		e.logger.WithTraceID(st.RunID).Warn("run already concluded", map[string]interface{}{
			"phase": phaseName(st.Phase),
			"error": err.Error(),
		})
	} else {
		e.emitPhase(ctx, st.RunID, failed, statusFailed, map[string]interface{}{"at": at})
	}

	e.logger.WithTraceID(st.RunID).Error("run failed", map[string]interface{}{
		"phase": at,
		"error": err.Error(),
	})

	resp := e.response(st)
	resp.Error = err.Error()
	if resp.Response == "" {
		resp.Response = "Workflow error: " + err.Error()
	}
	e.terminal(ctx, st.RunID, events.TypeError, map[string]interface{}{
		"message": err.Error(),
		"phase":   at,
	})
	return resp
}

func (e *Engine) response(st *State) *Response {
	resp := &Response{
		RunID:        st.RunID,
		Phase:        phaseName(st.Phase),
		Complexity:   st.Complexity,
		Spec:         st.Spec,
		Plan:         st.Plan,
		Verdict:      st.Verdict,
		Verification: st.Report,
		ToolsUsed:    []ToolSummary{},
		DurationMs:   time.Since(st.StartedAt).Milliseconds(),
		RepairCycles: st.RepairCycles,
		Repairs:      st.Repairs,
		Trail:        st.Trail,
	}
	if st.Execution != nil {
		resp.Response = st.Execution.Response
		resp.Iterations = st.Execution.Iterations
		for _, t := range st.Execution.Tools {
			resp.ToolsUsed = append(resp.ToolsUsed, ToolSummary{
				Tool:         t.Tool,
				Success:      t.Result.Success,
				ErrorCode:    string(t.Result.ErrorCode()),
				DurationMs:   t.Duration.Milliseconds(),
				AutoRecovery: t.AutoRecovery,
			})
		}
	}
	return resp
}

// terminal emits a terminal event. A refused duplicate is logged, never retried.
func (e *Engine) terminal(ctx context.Context, runID, eventType string, data map[string]interface{}) {
	err := e.events.EmitTerminal(ctx, runID, eventType, data)
	if err == nil {
		return
	}
	logger := e.logger.WithTraceID(runID)
	var dup *events.TerminalAlreadySentError
	if errors.As(err, &dup) {
		logger.Warn("terminal event already sent", map[string]interface{}{
			"attempted": dup.Attempted,
			"previous":  dup.Previous,
		})
		return
	}
	logger.Error("terminal event rejected", map[string]interface{}{
		"type":  eventType,
		"error": err.Error(),
	})
}

func (e *Engine) emitPhase(ctx context.Context, runID string, p Phase, status string, extra map[string]interface{}) {
	data := map[string]interface{}{
		"phase":  p.Name(),
		"status": status,
	}
	if cycle := describe(p).cycle; cycle > 0 {
		data["cycle"] = cycle
	}
	for k, v := range extra {
		data[k] = v
	}
	e.emit(ctx, runID, events.TypePhase, data)
}

func (e *Engine) emit(ctx context.Context, runID, eventType string, data map[string]interface{}) {
	if err := e.events.Emit(ctx, runID, eventType, data); err != nil {
		e.logger.WithTraceID(runID).Warn("event rejected", map[string]interface{}{
			"type":  eventType,
			"error": err.Error(),
		})
	}
}

func (e *Engine) beginCheckpoint(st *State) {
	if e.checkpoints == nil {
		return
	}
	if err := e.checkpoints.Begin(st.RunID, st.Request, string(st.Complexity)); err != nil {
		e.logger.WithTraceID(st.RunID).Warn("checkpoint begin failed", map[string]interface{}{"error": err.Error()})
	}
}

func (e *Engine) saveCheckpoint(st *State, entry checkpoint.Entry, snapshot interface{}) {
	if e.checkpoints == nil {
		return
	}
	if err := e.checkpoints.Save(st.RunID, entry, snapshot); err != nil {
		e.logger.WithTraceID(st.RunID).Warn("checkpoint save failed", map[string]interface{}{"error": err.Error()})
	}
}

func (e *Engine) finishCheckpoint(st *State) {
	if e.checkpoints == nil {
		return
	}
	if err := e.checkpoints.Finish(st.RunID, phaseName(st.Phase)); err != nil {
		e.logger.WithTraceID(st.RunID).Warn("checkpoint finish failed", map[string]interface{}{"error": err.Error()})
	}
}

func executionSnapshot(res *react.ExecutionResult) map[string]interface{} {
	names := make([]string, 0, len(res.Tools))
	for _, t := range res.Tools {
		names = append(names, t.Tool)
	}
	return map[string]interface{}{
		"response":          clip(res.Response, maxEvidence),
		"iterations":        res.Iterations,
		"tools":             names,
		"hit_iteration_cap": res.HitIterationCap,
	}
}
