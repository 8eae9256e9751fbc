package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vinayprograms/orchestrator/internal/events"
	"github.com/vinayprograms/orchestrator/internal/governance"
	"github.com/vinayprograms/orchestrator/internal/llm"
	"github.com/vinayprograms/orchestrator/internal/logging"
	"github.com/vinayprograms/orchestrator/internal/metrics"
	"github.com/vinayprograms/orchestrator/internal/secexec"
	"github.com/vinayprograms/orchestrator/internal/tools"
	"github.com/vinayprograms/orchestrator/internal/validator"
	"github.com/vinayprograms/orchestrator/internal/workflow"
)

func quietLogger() *logging.Logger {
	l := logging.New()
	l.SetOutput(io.Discard)
	return l
}

// gatedRunner emits a few events once released, then the terminal event.
type gatedRunner struct {
	emitter *events.Emitter
	release chan struct{}
	steps   int
}

func (r *gatedRunner) Run(ctx context.Context, req workflow.Request) *workflow.Response {
	if r.release != nil {
		<-r.release
	}
	for i := 0; i < r.steps; i++ {
		r.emitter.Emit(ctx, req.RunID, events.TypeThinking, map[string]interface{}{"message": "working"})
	}
	r.emitter.EmitTerminal(ctx, req.RunID, events.TypeComplete, map[string]interface{}{"response": "done: " + req.Message})
	return &workflow.Response{RunID: req.RunID, Response: "done: " + req.Message, Phase: "complete"}
}

func newEmitter() *events.Emitter {
	return events.NewEmitter(events.NewTracker(),
		events.WithQueue(events.NewQueue(100, time.Hour)),
		events.WithLogger(quietLogger()),
	)
}

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	if cfg.Emitter == nil {
		cfg.Emitter = newEmitter()
	}
	cfg.Logger = quietLogger()
	s := New(cfg)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Close()
	})
	return s, ts
}

func startRun(t *testing.T, ts *httptest.Server, message string) string {
	t.Helper()
	resp, err := http.Post(ts.URL+"/api/runs", "application/json", strings.NewReader(`{"message": "`+message+`"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(t, body["run_id"])
	assert.Equal(t, events.RunRunning, body["status"])
	return body["run_id"]
}

func dial(t *testing.T, ts *httptest.Server, runID, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/runs/" + runID + "/events" + query
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	return c
}

// readAll reads events until the server closes the connection.
func readAll(t *testing.T, c *websocket.Conn) ([]events.Event, error) {
	t.Helper()
	var out []events.Event
	for {
		var ev events.Event
		if err := c.ReadJSON(&ev); err != nil {
			return out, err
		}
		out = append(out, ev)
	}
}

func TestCreateRun_Validation(t *testing.T) {
	_, ts := newTestServer(t, Config{Runner: &gatedRunner{}})

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{"message": `},
		{"missing message", `{"model": "x"}`},
		{"empty message", `{"message": ""}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/api/runs", "application/json", strings.NewReader(tt.body))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestStreamEvents_LiveUntilTerminal(t *testing.T) {
	emitter := newEmitter()
	runner := &gatedRunner{emitter: emitter, release: make(chan struct{}), steps: 3}
	_, ts := newTestServer(t, Config{Runner: runner, Emitter: emitter})

	runID := startRun(t, ts, "hello")
	c := dial(t, ts, runID, "")
	close(runner.release)

	evs, err := readAll(t, c)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	require.Len(t, evs, 4)
	for i, ev := range evs {
		assert.Equal(t, int64(i+1), ev.Seq)
		assert.Equal(t, runID, ev.RunID)
	}
	assert.Equal(t, events.TypeComplete, evs[3].Type)
	assert.Equal(t, "done: hello", evs[3].Data["response"])
}

func TestStreamEvents_ReplayFromSeq(t *testing.T) {
	emitter := newEmitter()
	runner := &gatedRunner{emitter: emitter, steps: 4}
	s, ts := newTestServer(t, Config{Runner: runner, Emitter: emitter})

	runID := startRun(t, ts, "hello")
	s.Wait()

	c := dial(t, ts, runID, "?from_seq=2")
	evs, err := readAll(t, c)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	require.Len(t, evs, 3)
	assert.Equal(t, int64(3), evs[0].Seq)
	assert.Equal(t, events.TypeComplete, evs[2].Type)

	// A client that already saw the terminal event gets nothing more.
	c = dial(t, ts, runID, "?from_seq=5")
	evs, err = readAll(t, c)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	assert.Empty(t, evs)
}

func TestStreamEvents_UnknownRun(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	c := dial(t, ts, "no-such-run", "")
	_, err := readAll(t, c)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
}

func TestStreamEvents_BadFromSeq(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/runs/r1/events?from_seq=abc"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStreamEvents_Ping(t *testing.T) {
	emitter := newEmitter()
	runner := &gatedRunner{emitter: emitter, release: make(chan struct{})}
	_, ts := newTestServer(t, Config{Runner: runner, Emitter: emitter})
	defer close(runner.release)

	runID := startRun(t, ts, "hello")
	c := dial(t, ts, runID, "")
	require.NoError(t, c.WriteJSON(map[string]string{"type": "ping"}))

	var msg map[string]interface{}
	require.NoError(t, c.ReadJSON(&msg))
	assert.Equal(t, "pong", msg["type"])
}

func TestStreamEvents_OriginCheck(t *testing.T) {
	_, ts := newTestServer(t, Config{AllowedOrigins: []string{"http://good.example"}})
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/runs/r1/events"

	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header = http.Header{"Origin": []string{"http://good.example"}}
	c, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	c.Close()
}

func TestGetRun(t *testing.T) {
	emitter := newEmitter()
	s, ts := newTestServer(t, Config{Runner: &gatedRunner{emitter: emitter}, Emitter: emitter})

	runID := startRun(t, ts, "status please")
	s.Wait()

	resp, err := http.Get(ts.URL + "/api/runs/" + runID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var view struct {
		RunID        string             `json:"run_id"`
		Status       string             `json:"status"`
		TerminalType string             `json:"terminal_type"`
		Result       *workflow.Response `json:"result"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	assert.Equal(t, runID, view.RunID)
	assert.Equal(t, events.RunTerminal, view.Status)
	assert.Equal(t, events.TypeComplete, view.TerminalType)
	require.NotNil(t, view.Result)
	assert.Equal(t, "done: status please", view.Result.Response)

	resp2, err := http.Get(ts.URL + "/api/runs/unknown")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestListRuns(t *testing.T) {
	emitter := newEmitter()
	runner := &gatedRunner{emitter: emitter, release: make(chan struct{})}
	_, ts := newTestServer(t, Config{Runner: runner, Emitter: emitter})
	defer close(runner.release)

	runID := startRun(t, ts, "hello")

	resp, err := http.Get(ts.URL + "/api/runs")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body struct {
		Running []string `json:"running"`
		Count   int      `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, []string{runID}, body.Running)
	assert.Equal(t, 1, body.Count)
}

func TestHealthAndMetrics(t *testing.T) {
	_, ts := newTestServer(t, Config{Metrics: metrics.New("gateway_test")})

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, "ok", body["status"])

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "gateway_test_")
}

func TestActionsAndAudit_Disabled(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	for _, path := range []string{"/api/audit", "/api/actions"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
	resp, err := http.Post(ts.URL+"/api/actions/a1/rollback", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestActionsRollback(t *testing.T) {
	root := t.TempDir()
	ws, err := validator.NewWorkspace(root)
	require.NoError(t, err)
	exec := secexec.New(ws.Root(), secexec.WithLogger(quietLogger()))
	gov := governance.NewManager(t.TempDir(), ws, exec, quietLogger())

	reg := tools.NewRegistry()
	require.NoError(t, tools.RegisterBuiltins(reg, tools.Deps{Workspace: ws, Executor: exec, Governance: gov, AllowWrite: true}))
	dispatcher := tools.NewDispatcher(reg, tools.WithGovernance(gov), tools.WithLogger(quietLogger()))
	res := dispatcher.Execute(t.Context(), "write_file", map[string]interface{}{
		"path":          "notes.txt",
		"content":       "hello",
		"justification": "record meeting notes",
	})
	require.True(t, res.Success, "%+v", res.Error)
	actionID := res.Meta.ActionID
	require.NotEmpty(t, actionID)

	_, ts := newTestServer(t, Config{Executor: exec, Governance: gov})

	resp, err := http.Get(ts.URL + "/api/actions")
	require.NoError(t, err)
	var list struct {
		Actions []governance.ActionRecord `json:"actions"`
		Count   int                       `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	require.Equal(t, 1, list.Count)
	assert.Equal(t, actionID, list.Actions[0].ID)
	assert.True(t, list.Actions[0].HasRollback)

	resp, err = http.Post(ts.URL+"/api/actions/"+actionID+"/rollback", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NoFileExists(t, ws.Root()+"/notes.txt")

	// A rollback is consumed once applied.
	resp, err = http.Post(ts.URL+"/api/actions/"+actionID+"/rollback", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/api/actions/missing/rollback", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/api/audit?n=5")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEndToEnd_WorkflowOverWebSocket(t *testing.T) {
	root := t.TempDir()
	ws, err := validator.NewWorkspace(root)
	require.NoError(t, err)
	reg := tools.NewRegistry()
	require.NoError(t, tools.RegisterBuiltins(reg, tools.Deps{Workspace: ws}))

	provider := llm.NewMockProvider()
	provider.SetResponse("```response\nBonjour !\n```")
	emitter := newEmitter()
	engine := workflow.New(workflow.Config{
		Provider:        provider,
		Dispatcher:      tools.NewDispatcher(reg, tools.WithLogger(quietLogger())),
		Events:          emitter,
		Logger:          quietLogger(),
		Model:           "test-model",
		MaxRepairCycles: -1,
	})
	s, ts := newTestServer(t, Config{Runner: engine, Emitter: emitter})

	runID := startRun(t, ts, "bonjour")
	s.Wait()

	c := dial(t, ts, runID, "")
	evs, err := readAll(t, c)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	require.NotEmpty(t, evs)

	var terminals int
	for _, ev := range evs {
		if events.IsTerminal(ev.Type) {
			terminals++
		}
	}
	assert.Equal(t, 1, terminals)
	last := evs[len(evs)-1]
	assert.Equal(t, events.TypeComplete, last.Type)
	assert.Equal(t, "Bonjour !", last.Data["response"])
}
