package events

import (
	"context"
	"sync"
	"time"
)

// Queue defaults.
const (
	DefaultQueueMaxSize = 100
	DefaultQueueTTL     = 10 * time.Minute
)

type runQueue struct {
	events     []Event
	lastActive time.Time
}

// Queue buffers events per run so a reconnecting client can replay what it missed.
type Queue struct {
	mu      sync.Mutex
	runs    map[string]*runQueue
	maxSize int
	ttl     time.Duration
	onEvict func(runID string)
	now     func() time.Time
}

// NewQueue creates a queue holding at most maxSize events per run, expiring runs idle
// for longer than ttl. Non-positive values use the defaults.
func NewQueue(maxSize int, ttl time.Duration) *Queue {
	if maxSize <= 0 {
		maxSize = DefaultQueueMaxSize
	}
	if ttl <= 0 {
		ttl = DefaultQueueTTL
	}
	return &Queue{
		runs:    make(map[string]*runQueue),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

// OnEvict sets a callback invoked (under no lock) whenever a full run buffer drops its
// oldest event.
func (q *Queue) OnEvict(fn func(runID string)) {
	q.mu.Lock()
	q.onEvict = fn
	q.mu.Unlock()
}

// Enqueue appends ev to its run's buffer, evicting the oldest entry when full.
func (q *Queue) Enqueue(ev Event) {
	q.mu.Lock()
	rq, ok := q.runs[ev.RunID]
	if !ok {
		rq = &runQueue{}
		q.runs[ev.RunID] = rq
	}
	rq.lastActive = q.now()
	evicted := false
	if len(rq.events) >= q.maxSize {
		rq.events = append(rq.events[:0:0], rq.events[1:]...)
		evicted = true
	}
	rq.events = append(rq.events, ev)
	onEvict := q.onEvict
	q.mu.Unlock()

	if evicted && onEvict != nil {
		onEvict(ev.RunID)
	}
}

// Events returns a copy of runID's buffered events, optionally clearing the buffer.
func (q *Queue) Events(runID string, clear bool) []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	rq, ok := q.runs[runID]
	if !ok {
		return nil
	}
	out := make([]Event, len(rq.events))
	copy(out, rq.events)
	if clear {
		rq.events = nil
	}
	return out
}

// Since returns the buffered events of runID with seq greater than seq.
func (q *Queue) Since(runID string, seq int64) []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	rq, ok := q.runs[runID]
	if !ok {
		return nil
	}
	var out []Event
	for _, ev := range rq.events {
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}

// HasEvents reports whether runID has buffered events.
func (q *Queue) HasEvents(runID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	rq, ok := q.runs[runID]
	return ok && len(rq.events) > 0
}

// CleanupExpired drops runs idle for longer than the TTL and returns how many were
// dropped.
func (q *Queue) CleanupExpired(now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for id, rq := range q.runs {
		if now.Sub(rq.lastActive) > q.ttl {
			delete(q.runs, id)
			n++
		}
	}
	return n
}

// ClearRun drops runID's buffer.
func (q *Queue) ClearRun(runID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.runs, runID)
}

// Janitor runs CleanupExpired every interval until ctx is done.
func (q *Queue) Janitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			q.CleanupExpired(now)
		}
	}
}
