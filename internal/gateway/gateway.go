// Package gateway serves runs over HTTP and streams their events over WebSocket.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vinayprograms/orchestrator/internal/events"
	"github.com/vinayprograms/orchestrator/internal/governance"
	"github.com/vinayprograms/orchestrator/internal/llm"
	"github.com/vinayprograms/orchestrator/internal/logging"
	"github.com/vinayprograms/orchestrator/internal/metrics"
	"github.com/vinayprograms/orchestrator/internal/secexec"
	"github.com/vinayprograms/orchestrator/internal/workflow"
)

const (
	maxBodyBytes    = 1 << 20
	maxResults      = 1000
	shutdownTimeout = 10 * time.Second
	defaultTail     = 50
)

// Runner executes one request to completion.
type Runner interface {
	Run(ctx context.Context, req workflow.Request) *workflow.Response
}

// Config holds the gateway dependencies.
type Config struct {
	Runner         Runner
	Emitter        *events.Emitter
	Executor       *secexec.Executor   // nil disables /api/audit
	Governance     *governance.Manager // nil disables /api/actions
	Metrics        *metrics.Metrics
	Logger         *logging.Logger
	AllowedOrigins []string // empty allows any origin
}

// Server is the HTTP and WebSocket front of the orchestrator.
type Server struct {
	runner     Runner
	emitter    *events.Emitter
	executor   *secexec.Executor
	governance *governance.Manager
	metrics    *metrics.Metrics
	logger     *logging.Logger
	origins    map[string]bool

	// Runs outlive the request that started them.
	ctx    context.Context
	cancel context.CancelFunc
	runs   sync.WaitGroup

	mu      sync.Mutex
	results map[string]*workflow.Response
	order   []string
}

// New creates a gateway server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.New().WithComponent("gateway")
	}
	emitter := cfg.Emitter
	if emitter == nil {
		emitter = events.NewEmitter(nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		runner:     cfg.Runner,
		emitter:    emitter,
		executor:   cfg.Executor,
		governance: cfg.Governance,
		metrics:    cfg.Metrics,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		results:    make(map[string]*workflow.Response),
	}
	if len(cfg.AllowedOrigins) > 0 {
		s.origins = make(map[string]bool, len(cfg.AllowedOrigins))
		for _, o := range cfg.AllowedOrigins {
			s.origins[o] = true
		}
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.health)
	mux.Handle("GET /metrics", s.metrics.Handler())

	mux.HandleFunc("POST /api/runs", s.createRun)
	mux.HandleFunc("GET /api/runs", s.listRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.getRun)
	mux.HandleFunc("GET /ws/runs/{id}/events", s.streamEvents)

	mux.HandleFunc("GET /api/audit", s.audit)
	mux.HandleFunc("GET /api/actions", s.listActions)
	mux.HandleFunc("POST /api/actions/{id}/rollback", s.rollback)

	return mux
}

// ListenAndServe serves on addr until ctx is canceled, then shuts down and waits
// for in-flight runs.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", map[string]interface{}{"addr": addr})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Close()
	return err
}

// Close cancels in-flight runs and waits for them to emit their terminal event.
func (s *Server) Close() {
	s.cancel()
	s.runs.Wait()
}

// Wait blocks until every started run has returned.
func (s *Server) Wait() {
	s.runs.Wait()
}

type createRunRequest struct {
	Message        string        `json:"message"`
	History        []llm.Message `json:"history"`
	Model          string        `json:"model"`
	ConversationID string        `json:"conversation_id"`
	SkipSpec       bool          `json:"skip_spec"`
	Stream         bool          `json:"stream"`
}

func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if s.runner == nil {
		writeError(w, http.StatusServiceUnavailable, "no runner configured")
		return
	}

	runID := uuid.NewString()
	s.emitter.StartRun(runID)
	s.logger.Info("run accepted", map[string]interface{}{"run_id": runID})

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		resp := s.runner.Run(s.ctx, workflow.Request{
			RunID:          runID,
			Message:        req.Message,
			History:        req.History,
			Model:          req.Model,
			ConversationID: req.ConversationID,
			SkipSpec:       req.SkipSpec,
			Stream:         req.Stream,
		})
		s.storeResult(runID, resp)
	}()

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"run_id": runID,
		"status": events.RunRunning,
	})
}

func (s *Server) storeResult(runID string, resp *workflow.Response) {
	if resp == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.results[runID]; !ok {
		s.order = append(s.order, runID)
	}
	s.results[runID] = resp
	for len(s.order) > maxResults {
		delete(s.results, s.order[0])
		s.order = s.order[1:]
	}
}

func (s *Server) result(runID string) *workflow.Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.results[runID]
}

type runView struct {
	events.RunInfo
	Result *workflow.Response `json:"result,omitempty"`
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	info, ok := s.emitter.Tracker().Info(runID)
	result := s.result(runID)
	if !ok && result == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if !ok {
		// Lifecycle already purged; the stored result is all that is left.
		info = events.RunInfo{RunID: runID, Status: events.RunTerminal}
	}
	writeJSON(w, http.StatusOK, runView{RunInfo: info, Result: result})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	running := s.emitter.Tracker().Running()
	if running == nil {
		running = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"running": running,
		"count":   len(running),
	})
}

func (s *Server) audit(w http.ResponseWriter, r *http.Request) {
	if s.executor == nil {
		writeError(w, http.StatusNotFound, "audit log not available")
		return
	}
	entries := s.executor.AuditLog(tailParam(r))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

func (s *Server) listActions(w http.ResponseWriter, r *http.Request) {
	if s.governance == nil {
		writeError(w, http.StatusNotFound, "governance not enabled")
		return
	}
	actions := s.governance.History(tailParam(r))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"actions": actions,
		"count":   len(actions),
	})
}

func (s *Server) rollback(w http.ResponseWriter, r *http.Request) {
	if s.governance == nil {
		writeError(w, http.StatusNotFound, "governance not enabled")
		return
	}
	actionID := r.PathValue("id")
	if _, ok := s.governance.Action(actionID); !ok {
		writeError(w, http.StatusNotFound, "action not found")
		return
	}
	ok, message := s.governance.Rollback(r.Context(), actionID)
	if !ok {
		writeError(w, http.StatusConflict, message)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"action_id": actionID,
		"success":   true,
		"message":   message,
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// tailParam reads ?n=, falling back to defaultTail.
func tailParam(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("n"))
	if err != nil || n <= 0 {
		return defaultTail
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
