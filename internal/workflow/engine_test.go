package workflow

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vinayprograms/orchestrator/internal/checkpoint"
	"github.com/vinayprograms/orchestrator/internal/events"
	"github.com/vinayprograms/orchestrator/internal/injection"
	"github.com/vinayprograms/orchestrator/internal/llm"
	"github.com/vinayprograms/orchestrator/internal/logging"
	"github.com/vinayprograms/orchestrator/internal/secexec"
	"github.com/vinayprograms/orchestrator/internal/tools"
	"github.com/vinayprograms/orchestrator/internal/validator"
	"github.com/vinayprograms/orchestrator/internal/verifier"
)

func quietLogger() *logging.Logger {
	l := logging.New()
	l.SetOutput(io.Discard)
	return l
}

// script answers model calls by kind: spec and plan prompts, verifier calls and
// agent turns each have their own queue.
type script struct {
	mu    sync.Mutex
	spec  string
	plan  string
	agent []string
	judge []string
}

func (s *script) chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	first := req.Messages[0].Content
	last := req.Messages[len(req.Messages)-1].Content

	var text string
	switch {
	case strings.HasPrefix(first, "You are a strict verifier"):
		text = pop(&s.judge, `{"status": "PASS", "confidence": 0.9}`)
	case strings.Contains(last, "write a SPECIFICATION"):
		text = s.spec
	case strings.Contains(last, "Write an execution PLAN"):
		text = s.plan
	default:
		text = pop(&s.agent, "```response\nDone.\n```")
	}
	return &llm.ChatResponse{Text: text, Model: req.Model}, nil
}

func pop(queue *[]string, fallback string) string {
	if len(*queue) == 0 {
		return fallback
	}
	text := (*queue)[0]
	*queue = (*queue)[1:]
	return text
}

const (
	testSpec = "```json\n" + `{"objective": "remove the file", "acceptance": {"checks": ["task completed"]}}` + "\n```"
	testPlan = "```json\n" + `{"steps": [{"id": 1, "action": "run rm", "tools": ["execute_command"]}]}` + "\n```"
)

type harness struct {
	root     string
	provider *llm.MockProvider
	script   *script
	emitter  *events.Emitter
	registry *tools.Registry
}

func newHarness(t *testing.T, withExecutor bool) *harness {
	t.Helper()
	root := t.TempDir()
	ws, err := validator.NewWorkspace(root)
	require.NoError(t, err)

	deps := tools.Deps{Workspace: ws, AllowWrite: true}
	if withExecutor {
		deps.Executor = secexec.New(ws.Root(), secexec.WithLogger(quietLogger()))
	}
	reg := tools.NewRegistry()
	require.NoError(t, tools.RegisterBuiltins(reg, deps))

	h := &harness{
		root:     ws.Root(),
		provider: llm.NewMockProvider(),
		script:   &script{spec: testSpec, plan: testPlan},
		registry: reg,
		emitter: events.NewEmitter(events.NewTracker(),
			events.WithQueue(events.NewQueue(1000, time.Hour)),
			events.WithLogger(quietLogger()),
		),
	}
	h.provider.ChatFunc = h.script.chat
	return h
}

func (h *harness) engine(cfg Config) *Engine {
	cfg.Provider = h.provider
	cfg.Dispatcher = tools.NewDispatcher(h.registry,
		tools.WithDetector(injection.NewDetector()),
		tools.WithLogger(quietLogger()),
	)
	cfg.Events = h.emitter
	cfg.Logger = quietLogger()
	if cfg.Model == "" {
		cfg.Model = "test-model"
	}
	return New(cfg)
}

func (h *harness) events(runID string) []events.Event {
	return h.emitter.Queue().Events(runID, false)
}

func terminals(evs []events.Event) []events.Event {
	var out []events.Event
	for _, ev := range evs {
		if events.IsTerminal(ev.Type) {
			out = append(out, ev)
		}
	}
	return out
}

func ofType(evs []events.Event, typ string) []events.Event {
	var out []events.Event
	for _, ev := range evs {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func TestRun_SimpleGreeting(t *testing.T) {
	h := newHarness(t, false)
	h.script.agent = []string{"```response\nBonjour ! Comment puis-je vous aider ?\n```"}
	e := h.engine(Config{MaxRepairCycles: -1})

	resp := e.Run(t.Context(), Request{RunID: "run-a", Message: "bonjour"})

	assert.Equal(t, Simple, resp.Complexity)
	assert.Equal(t, "complete", resp.Phase)
	assert.Equal(t, "Bonjour ! Comment puis-je vous aider ?", resp.Response)
	assert.Empty(t, resp.ToolsUsed)
	assert.Empty(t, resp.Error)
	assert.Equal(t, []string{"execute", "complete"}, resp.Trail)
	require.NotNil(t, resp.Verdict)
	assert.Equal(t, verifier.SourceQuick, resp.Verdict.Source)
	assert.Nil(t, resp.Spec)

	evs := h.events("run-a")
	term := terminals(evs)
	require.Len(t, term, 1)
	assert.Equal(t, events.TypeComplete, term[0].Type)
	assert.Equal(t, term[0], evs[len(evs)-1])
	assert.Equal(t, "complete", term[0].Data["phase"])

	for i := 1; i < len(evs); i++ {
		assert.Greater(t, evs[i].Seq, evs[i-1].Seq)
	}
	for _, call := range h.provider.History() {
		assert.NotContains(t, call.Text(), "write a SPECIFICATION")
	}
}

func TestRun_ForbiddenCommand(t *testing.T) {
	h := newHarness(t, true)
	h.script.agent = []string{
		"I will remove it.\n```tool\n{\"tool\": \"execute_command\", \"params\": {\"command\": \"rm /etc/passwd\"}}\n```",
		"```response\nI cannot delete /etc/passwd: the command is not allowed.\n```",
	}
	e := h.engine(Config{VerifyRequired: false})

	resp := e.Run(t.Context(), Request{RunID: "run-b", Message: "delete /etc/passwd"})

	assert.Equal(t, Complex, resp.Complexity)
	assert.Equal(t, "failed", resp.Phase)
	assert.Equal(t, []string{"spec", "plan", "execute", "failed"}, resp.Trail)
	assert.Empty(t, resp.Error)
	require.Len(t, resp.ToolsUsed, 1)
	assert.Equal(t, "execute_command", resp.ToolsUsed[0].Tool)
	assert.False(t, resp.ToolsUsed[0].Success)
	assert.Equal(t, string(tools.CodeNotAllowed), resp.ToolsUsed[0].ErrorCode)
	require.NotNil(t, resp.Spec)
	assert.Equal(t, "remove the file", resp.Spec.Objective)
	require.NotNil(t, resp.Plan)
	assert.Len(t, resp.Plan.Steps, 1)

	term := terminals(h.events("run-b"))
	require.Len(t, term, 1)
	assert.Equal(t, events.TypeComplete, term[0].Type)

	// The agent turn carries the generated context.
	var sawContext bool
	for _, call := range h.provider.History() {
		if strings.Contains(call.Text(), "CONTEXT (generated)") {
			sawContext = true
		}
	}
	assert.True(t, sawContext)
}

// flakyTests registers a run_tests tool that fails failures times, then passes.
func flakyTests(t *testing.T, reg *tools.Registry, failures int32) *atomic.Int32 {
	t.Helper()
	var calls atomic.Int32
	reg.Replace(tools.NewTool("run_tests", "Run the test suite for a target.",
		tools.Schema([]tools.Prop{{Name: "target", Type: "string"}}),
		func(ctx context.Context, args map[string]interface{}) tools.Result {
			if calls.Add(1) <= failures {
				return tools.Fail(tools.CodeExecError, "1 failed: test_login")
			}
			return tools.OK(map[string]interface{}{"stdout": "3 passed"})
		}))
	return &calls
}

func TestRun_QuickCheckFailureFailsSimpleRun(t *testing.T) {
	h := newHarness(t, true)
	h.script.agent = []string{
		"```tool\n{\"tool\": \"execute_command\", \"params\": {\"command\": \"rm uptime.log\"}}\n```",
		"```response\nThe command was refused.\n```",
	}
	e := h.engine(Config{})

	resp := e.Run(t.Context(), Request{RunID: "run-qc", Message: "show the uptime"})

	assert.Equal(t, Simple, resp.Complexity)
	assert.Equal(t, "failed", resp.Phase)
	assert.Equal(t, []string{"execute", "failed"}, resp.Trail)
	assert.Empty(t, resp.Error)
	require.NotNil(t, resp.Verdict)
	assert.Equal(t, verifier.StatusFail, resp.Verdict.Status)
	assert.Equal(t, verifier.SourceQuick, resp.Verdict.Source)

	evs := h.events("run-qc")
	term := terminals(evs)
	require.Len(t, term, 1)
	assert.Equal(t, events.TypeComplete, term[0].Type)
	assert.Equal(t, "failed", term[0].Data["phase"])

	var last string
	for _, ev := range ofType(evs, events.TypePhase) {
		last = ev.Data["phase"].(string) + ":" + ev.Data["status"].(string)
	}
	assert.Equal(t, "failed:failed", last)
}

func TestRun_RepairCycle(t *testing.T) {
	h := newHarness(t, false)
	calls := flakyTests(t, h.registry, 1)
	h.script.spec = `{"objective": "fix login", "acceptance": {"checks": ["tests pass"]}}`
	h.script.plan = `{"steps": [{"id": "1", "action": "edit auth", "tools": ["write_file"]}]}`
	h.script.agent = []string{
		"```response\nI changed the login flow.\n```",
		"```response\nRestored the session check.\n```",
	}
	h.script.judge = []string{
		`{"status": "FAIL", "confidence": 0.9, "issues": ["test_login fails"], "suggested_fixes": ["restore the session check"]}`,
		`{"status": "PASS", "confidence": 0.95}`,
	}
	e := h.engine(Config{VerifyRequired: true, MaxRepairCycles: 2})

	resp := e.Run(t.Context(), Request{RunID: "run-c", Message: "fix the failing login tests"})

	assert.Equal(t, "complete", resp.Phase)
	assert.Equal(t, 1, resp.RepairCycles)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, []string{"spec", "plan", "execute", "verify", "repair", "verify", "complete"}, resp.Trail)
	assert.Equal(t, "Restored the session check.", resp.Response)
	require.Len(t, resp.Repairs, 1)
	assert.Equal(t, []string{"test_login fails"}, resp.Repairs[0].Issues)
	require.NotNil(t, resp.Verdict)
	assert.True(t, resp.Verdict.Passed())
	require.NotNil(t, resp.Verification)
	assert.True(t, resp.Verification.Passed)

	evs := h.events("run-c")
	items := ofType(evs, events.TypeVerificationItem)
	require.Len(t, items, 2)
	assert.Equal(t, false, items[0].Data["passed"])
	assert.Equal(t, true, items[1].Data["passed"])
	assert.Len(t, terminals(evs), 1)

	var repairPrompt string
	for _, call := range h.provider.History() {
		if strings.Contains(call.Text(), "Verification FAILED") {
			repairPrompt = call.Text()
		}
	}
	assert.Contains(t, repairPrompt, "test_login fails")
	assert.Contains(t, repairPrompt, "restore the session check")
}

func TestRun_RepairCyclesBounded(t *testing.T) {
	h := newHarness(t, false)
	calls := flakyTests(t, h.registry, 100)
	h.script.spec = `{"objective": "fix login", "acceptance": {"checks": ["tests pass"]}}`
	h.script.plan = `{"steps": [{"id": "1", "action": "edit", "tools": ["write_file"]}]}`
	h.script.judge = []string{
		`{"status": "FAIL", "issues": ["still failing"]}`,
		`{"status": "FAIL", "issues": ["still failing"]}`,
		`{"status": "FAIL", "issues": ["still failing"]}`,
		`{"status": "PASS"}`,
	}
	e := h.engine(Config{VerifyRequired: true, MaxRepairCycles: 2})

	resp := e.Run(t.Context(), Request{RunID: "run-cap", Message: "fix the failing login tests"})

	assert.Equal(t, "failed", resp.Phase)
	assert.Equal(t, 2, resp.RepairCycles)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []string{
		"spec", "plan", "execute", "verify", "repair", "verify", "repair", "verify", "failed",
	}, resp.Trail)
	assert.False(t, resp.Verdict.Passed())

	evs := h.events("run-cap")
	term := terminals(evs)
	require.Len(t, term, 1)
	assert.Equal(t, events.TypeComplete, term[0].Type)
	assert.Equal(t, "failed", term[0].Data["phase"])
}

func TestRun_NoRepairWhenDisabled(t *testing.T) {
	h := newHarness(t, false)
	flakyTests(t, h.registry, 100)
	h.script.spec = `{"objective": "fix", "acceptance": {"checks": ["tests pass"]}}`
	h.script.plan = `{"steps": [{"id": "1", "action": "edit"}]}`
	h.script.judge = []string{`{"status": "FAIL"}`}
	e := h.engine(Config{VerifyRequired: true, MaxRepairCycles: 0})

	resp := e.Run(t.Context(), Request{RunID: "run-norepair", Message: "fix the tests"})

	assert.Equal(t, "failed", resp.Phase)
	assert.Zero(t, resp.RepairCycles)
	assert.NotContains(t, resp.Trail, "repair")
}

func TestRun_SpecFallback(t *testing.T) {
	h := newHarness(t, false)
	h.script.spec = "I would rather not answer in JSON."
	h.script.plan = "nor here"
	e := h.engine(Config{})

	resp := e.Run(t.Context(), Request{RunID: "run-fb", Message: "create notes.txt"})

	assert.Equal(t, "complete", resp.Phase)
	require.NotNil(t, resp.Spec)
	assert.True(t, resp.Spec.Fallback)
	assert.Equal(t, "create notes.txt", resp.Spec.Objective)
	require.NotNil(t, resp.Plan)
	assert.True(t, resp.Plan.Fallback)
}

func TestRun_BackendError(t *testing.T) {
	h := newHarness(t, false)
	h.provider.SetError(errors.New("connection refused"))
	e := h.engine(Config{})

	resp := e.Run(t.Context(), Request{RunID: "run-err", Message: "bonjour"})

	assert.Equal(t, "failed", resp.Phase)
	assert.Contains(t, resp.Error, "connection refused")
	assert.Contains(t, resp.Response, "Workflow error")

	term := terminals(h.events("run-err"))
	require.Len(t, term, 1)
	assert.Equal(t, events.TypeError, term[0].Type)
	assert.Equal(t, "execute", term[0].Data["phase"])
	assert.Contains(t, term[0].Data["message"], "connection refused")
}

func TestRun_PanicBecomesErrorEvent(t *testing.T) {
	h := newHarness(t, false)
	h.provider.ChatFunc = func(context.Context, llm.ChatRequest) (*llm.ChatResponse, error) {
		panic("provider exploded")
	}
	e := h.engine(Config{})

	var resp *Response
	require.NotPanics(t, func() {
		resp = e.Run(t.Context(), Request{RunID: "run-panic", Message: "bonjour"})
	})

	require.NotNil(t, resp)
	assert.Equal(t, "failed", resp.Phase)
	assert.Contains(t, resp.Error, "provider exploded")

	term := terminals(h.events("run-panic"))
	require.Len(t, term, 1)
	assert.Equal(t, events.TypeError, term[0].Type)
}

func TestRun_TerminalNotRepeated(t *testing.T) {
	h := newHarness(t, false)
	e := h.engine(Config{})
	e.Run(t.Context(), Request{RunID: "run-d", Message: "bonjour"})

	var wg sync.WaitGroup
	var refused atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := h.emitter.EmitTerminal(t.Context(), "run-d", events.TypeError, map[string]interface{}{"message": "late"})
			var dup *events.TerminalAlreadySentError
			if errors.As(err, &dup) {
				refused.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), refused.Load())
	term := terminals(h.events("run-d"))
	require.Len(t, term, 1)
	assert.Equal(t, events.TypeComplete, term[0].Type)
}

func TestRun_ConcurrentTerminalsOnFreshRun(t *testing.T) {
	h := newHarness(t, false)
	h.emitter.StartRun("run-race")

	var wg sync.WaitGroup
	var ok atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if h.emitter.EmitTerminal(t.Context(), "run-race", events.TypeComplete, map[string]interface{}{"response": "x"}) == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Len(t, terminals(h.events("run-race")), 1)
}

func TestRun_ConversationCreated(t *testing.T) {
	h := newHarness(t, false)
	e := h.engine(Config{})

	e.Run(t.Context(), Request{RunID: "run-conv", Message: "hello", ConversationID: "conv-1"})

	evs := h.events("run-conv")
	require.NotEmpty(t, evs)
	assert.Equal(t, events.TypeConversationCreated, evs[0].Type)
	assert.Equal(t, "conv-1", evs[0].Data["conversation_id"])
}

func TestRun_PhaseEvents(t *testing.T) {
	h := newHarness(t, false)
	e := h.engine(Config{})

	e.Run(t.Context(), Request{RunID: "run-phases", Message: "create notes.txt"})

	var seen []string
	for _, ev := range ofType(h.events("run-phases"), events.TypePhase) {
		seen = append(seen, ev.Data["phase"].(string)+":"+ev.Data["status"].(string))
	}
	assert.Equal(t, []string{
		"spec:starting", "spec:complete",
		"plan:starting", "plan:complete",
		"execute:starting", "execute:complete",
		"complete:complete",
	}, seen)
	assert.NotEmpty(t, ofType(h.events("run-phases"), events.TypeThinking))
}

func TestRun_GeneratesRunID(t *testing.T) {
	h := newHarness(t, false)
	e := h.engine(Config{})

	resp := e.Run(t.Context(), Request{Message: "hi"})
	assert.Len(t, resp.RunID, 36)
	assert.Len(t, terminals(h.events(resp.RunID)), 1)
}

func TestRun_Checkpoints(t *testing.T) {
	h := newHarness(t, false)
	dir := t.TempDir()
	store, err := checkpoint.NewStore(dir)
	require.NoError(t, err)
	e := h.engine(Config{Checkpoints: store})

	e.Run(t.Context(), Request{RunID: "run-cp", Message: "create notes.txt"})

	run := store.Get("run-cp")
	require.NotNil(t, run)
	assert.Equal(t, "create notes.txt", run.Request)
	assert.Equal(t, "complex", run.Complexity)
	assert.Equal(t, "complete", run.FinalPhase)
	var phases []string
	for _, entry := range run.Entries {
		phases = append(phases, entry.Phase)
	}
	assert.Equal(t, []string{"spec", "plan", "execute"}, phases)

	reloaded, err := checkpoint.NewStore(dir)
	require.NoError(t, err)
	loaded, err := reloaded.Load("run-cp")
	require.NoError(t, err)
	assert.Equal(t, "complete", loaded.FinalPhase)
	assert.Zero(t, store.Active())
}
