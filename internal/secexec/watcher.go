package secexec

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/vinayprograms/orchestrator/internal/logging"
)

const reloadDebounce = 100 * time.Millisecond

// PolicyWatcher reloads a YAML policy file into an Executor when it changes.
// A policy that fails to parse is logged and the previous one stays active.
type PolicyWatcher struct {
	path    string
	exec    *Executor
	watcher *fsnotify.Watcher
	logger  *logging.Logger

	mu      sync.Mutex
	reloads int
	lastErr error
	done    chan struct{}
}

// NewPolicyWatcher loads path into exec and starts watching it.
func NewPolicyWatcher(path string, exec *Executor, logger *logging.Logger) (*PolicyWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("policy path: %w", err)
	}
	policy, err := LoadPolicy(abs)
	if err != nil {
		return nil, err
	}
	exec.SetPolicy(policy)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// Watch the directory so atomic replace-by-rename is seen too.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch policy: %w", err)
	}
	if logger == nil {
		logger = logging.New().WithComponent("policy-watcher")
	}
	return &PolicyWatcher{
		path:    abs,
		exec:    exec,
		watcher: watcher,
		logger:  logger,
		done:    make(chan struct{}),
	}, nil
}

// Run processes file events until ctx is cancelled or the watcher is closed.
func (w *PolicyWatcher) Run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				// Let writes settle
				time.Sleep(reloadDebounce)
				w.reload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("policy watcher error", map[string]interface{}{"error": err.Error()})
		}
	}
}

// Close stops watching and waits for Run to return if it was started.
func (w *PolicyWatcher) Close() error {
	err := w.watcher.Close()
	select {
	case <-w.done:
	case <-time.After(time.Second):
	}
	return err
}

// Reloads returns the number of successful reloads and the last reload error.
func (w *PolicyWatcher) Reloads() (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads, w.lastErr
}

func (w *PolicyWatcher) reload() {
	policy, err := LoadPolicy(w.path)

	w.mu.Lock()
	w.lastErr = err
	if err == nil {
		w.reloads++
	}
	w.mu.Unlock()

	if err != nil {
		w.logger.SecurityWarning("policy reload failed, keeping previous policy", map[string]interface{}{
			"path":  w.path,
			"error": err.Error(),
		})
		return
	}
	w.exec.SetPolicy(policy)
	w.logger.Info("policy reloaded", map[string]interface{}{"path": w.path})
}
