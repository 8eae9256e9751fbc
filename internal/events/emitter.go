package events

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/vinayprograms/orchestrator/internal/logging"
	"github.com/vinayprograms/orchestrator/internal/metrics"
)

// DefaultSubscriberBuffer is the per-subscriber channel capacity.
const DefaultSubscriberBuffer = 256

// Sink is what the engines emit through.
type Sink interface {
	Emit(ctx context.Context, runID, eventType string, data map[string]interface{}) error
	EmitTerminal(ctx context.Context, runID, eventType string, data map[string]interface{}) error
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Emit(context.Context, string, string, map[string]interface{}) error { return nil }

func (NopSink) EmitTerminal(context.Context, string, string, map[string]interface{}) error {
	return nil
}

type correlationKey struct{}

// WithCorrelationID attaches a correlation id that Emit copies onto every event.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

func correlationFrom(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

type subscriber struct {
	ch     chan Event
	closed bool
}

// Emitter is the single emission point for run events.
type Emitter struct {
	tracker             *Tracker
	queue               *Queue
	bus                 Bus
	metrics             *metrics.Metrics
	logger              *logging.Logger
	strict              bool
	terminalEnforcement bool
	subscriberBuffer    int
	cleanupDelay        time.Duration
	now                 func() time.Time

	mu      sync.Mutex
	seqs    map[string]int64
	subs    map[string]map[int]*subscriber
	nextSub int
}

// EmitterOption configures an Emitter.
type EmitterOption func(*Emitter)

// WithQueue buffers events for replay.
func WithQueue(q *Queue) EmitterOption {
	return func(e *Emitter) { e.queue = q }
}

// WithBus mirrors events to an external broker.
func WithBus(b Bus) EmitterOption {
	return func(e *Emitter) { e.bus = b }
}

// WithMetrics records event counters.
func WithMetrics(m *metrics.Metrics) EmitterOption {
	return func(e *Emitter) { e.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) EmitterOption {
	return func(e *Emitter) { e.logger = l }
}

// WithStrictValidation rejects events whose payload fails Validate.
func WithStrictValidation(on bool) EmitterOption {
	return func(e *Emitter) { e.strict = on }
}

// WithTerminalEnforcement refuses a second terminal event for the same run.
func WithTerminalEnforcement(on bool) EmitterOption {
	return func(e *Emitter) { e.terminalEnforcement = on }
}

// WithSubscriberBuffer sets the per-subscriber channel capacity.
func WithSubscriberBuffer(n int) EmitterOption {
	return func(e *Emitter) {
		if n > 0 {
			e.subscriberBuffer = n
		}
	}
}

// WithCleanupDelay sets how long a finished run stays in the tracker.
func WithCleanupDelay(d time.Duration) EmitterOption {
	return func(e *Emitter) { e.cleanupDelay = d }
}

// NewEmitter creates an emitter. Strict validation and terminal enforcement are on
// unless disabled.
func NewEmitter(tracker *Tracker, opts ...EmitterOption) *Emitter {
	if tracker == nil {
		tracker = NewTracker()
	}
	e := &Emitter{
		tracker:             tracker,
		logger:              logging.New().WithComponent("events"),
		strict:              true,
		terminalEnforcement: true,
		subscriberBuffer:    DefaultSubscriberBuffer,
		cleanupDelay:        DefaultCleanupDelay,
		now:                 time.Now,
		seqs:                make(map[string]int64),
		subs:                make(map[string]map[int]*subscriber),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.queue != nil && e.metrics != nil {
		m := e.metrics
		e.queue.OnEvict(func(string) { m.RecordQueueEviction() })
	}
	return e
}

// Tracker returns the lifecycle tracker.
func (e *Emitter) Tracker() *Tracker { return e.tracker }

// Queue returns the replay queue, or nil.
func (e *Emitter) Queue() *Queue { return e.queue }

// StartRun registers runID with the tracker.
func (e *Emitter) StartRun(runID string) {
	e.tracker.StartRun(runID)
}

// Emit sends a non-terminal event. Terminal types are routed to EmitTerminal.
func (e *Emitter) Emit(ctx context.Context, runID, eventType string, data map[string]interface{}) error {
	if IsTerminal(eventType) {
		return e.EmitTerminal(ctx, runID, eventType, data)
	}
	if err := e.check(runID, eventType, data); err != nil {
		return err
	}
	e.deliver(ctx, runID, eventType, data)
	return nil
}

// EmitTerminal sends the terminal event of runID. With enforcement on, only the first
// call succeeds; later calls return *TerminalAlreadySentError.
func (e *Emitter) EmitTerminal(ctx context.Context, runID, eventType string, data map[string]interface{}) error {
	if !IsTerminal(eventType) {
		e.logger.Warn("emit_terminal called with non-terminal event", map[string]interface{}{
			"run_id": runID,
			"type":   eventType,
		})
		return e.Emit(ctx, runID, eventType, data)
	}
	if err := e.check(runID, eventType, data); err != nil {
		return err
	}

	previous := e.tracker.TerminalType(runID)
	if !e.tracker.MarkTerminal(runID, eventType) && e.terminalEnforcement {
		e.metrics.RecordDuplicateTerminal()
		e.logger.Warn("duplicate terminal event refused", map[string]interface{}{
			"run_id":    runID,
			"attempted": eventType,
			"previous":  previous,
		})
		if previous == "" {
			previous = e.tracker.TerminalType(runID)
		}
		return &TerminalAlreadySentError{RunID: runID, Attempted: eventType, Previous: previous}
	}

	e.deliver(ctx, runID, eventType, data)
	e.tracker.ScheduleCleanup(runID, e.cleanupDelay)
	e.forgetAfter(runID)
	return nil
}

func (e *Emitter) forgetAfter(runID string) {
	delay := e.cleanupDelay
	if delay <= 0 {
		delay = DefaultCleanupDelay
	}
	time.AfterFunc(delay, func() {
		e.mu.Lock()
		delete(e.seqs, runID)
		e.mu.Unlock()
	})
}

func (e *Emitter) check(runID, eventType string, data map[string]interface{}) error {
	if runID == "" {
		return &InvalidEventError{Type: eventType, Reason: "missing run_id"}
	}
	err := Validate(eventType, data)
	if err == nil {
		return nil
	}
	var invalid *InvalidEventError
	errors.As(err, &invalid)
	e.logger.Warn("event validation failed", map[string]interface{}{
		"run_id": runID,
		"type":   eventType,
		"reason": invalid.Reason,
		"strict": e.strict,
	})
	if e.strict {
		return err
	}
	return nil
}

func (e *Emitter) deliver(ctx context.Context, runID, eventType string, data map[string]interface{}) {
	if data == nil {
		data = map[string]interface{}{}
	}

	e.mu.Lock()
	e.seqs[runID]++
	ev := Event{
		Type:          eventType,
		RunID:         runID,
		Timestamp:     e.now().UTC(),
		CorrelationID: correlationFrom(ctx),
		Seq:           e.seqs[runID],
		Data:          data,
	}
	live := eventType == TypeToken
	if e.queue != nil && !live {
		e.queue.Enqueue(ev)
	}
	for id, sub := range e.subs[runID] {
		select {
		case sub.ch <- ev:
		default:
			// Lagging subscribers are cut off and must replay from their last seq.
			e.logger.Debug("subscriber lagging, disconnecting", map[string]interface{}{
				"run_id": runID,
				"seq":    ev.Seq,
			})
			sub.closed = true
			close(sub.ch)
			delete(e.subs[runID], id)
		}
	}
	if subs, ok := e.subs[runID]; ok && len(subs) == 0 {
		delete(e.subs, runID)
	}
	e.mu.Unlock()

	e.metrics.RecordEvent(eventType)
	if e.bus != nil && !live {
		if err := e.bus.Publish(ctx, ev); err != nil {
			e.logger.Warn("event bus publish failed", map[string]interface{}{
				"run_id": runID,
				"type":   eventType,
				"error":  err.Error(),
			})
		}
	}
}

// Subscribe returns a channel of live events for runID and a cancel function. The
// channel is closed on cancel, or early if the subscriber falls behind.
func (e *Emitter) Subscribe(runID string) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, e.subscriberBuffer)}
	e.mu.Lock()
	id := e.nextSub
	e.nextSub++
	if e.subs[runID] == nil {
		e.subs[runID] = make(map[int]*subscriber)
	}
	e.subs[runID][id] = sub
	e.mu.Unlock()

	cancel := func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if sub.closed {
			return
		}
		sub.closed = true
		close(sub.ch)
		delete(e.subs[runID], id)
		if len(e.subs[runID]) == 0 {
			delete(e.subs, runID)
		}
	}
	return sub.ch, cancel
}

// Replay returns the events of runID with seq greater than fromSeq: buffered events
// first, then anything only the bus still holds.
func (e *Emitter) Replay(ctx context.Context, runID string, fromSeq int64) ([]Event, error) {
	var out []Event
	seen := make(map[int64]bool)
	if e.queue != nil {
		for _, ev := range e.queue.Since(runID, fromSeq) {
			seen[ev.Seq] = true
			out = append(out, ev)
		}
	}
	if e.bus != nil {
		busEvents, err := e.bus.Replay(ctx, runID, fromSeq)
		if err != nil {
			if len(out) > 0 {
				e.logger.Warn("event bus replay failed", map[string]interface{}{
					"run_id": runID,
					"error":  err.Error(),
				})
				return out, nil
			}
			return nil, err
		}
		for _, ev := range busEvents {
			if ev.Seq > fromSeq && !seen[ev.Seq] {
				seen[ev.Seq] = true
				out = append(out, ev)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}
