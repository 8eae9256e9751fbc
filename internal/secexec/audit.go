package secexec

import (
	"sync"
	"time"
)

const (
	maxAuditEntries  = 1000
	defaultAuditTail = 50
)

// AuditEntry records one execution attempt, allowed or denied.
type AuditEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	Role       string    `json:"role"`
	Command    []string  `json:"command"`
	Allowed    bool      `json:"allowed"`
	Reason     string    `json:"reason"`
	ReturnCode int       `json:"returncode"`
	DurationMs int64     `json:"duration_ms"`
}

// auditLog is a bounded ring keeping the most recent entries.
type auditLog struct {
	mu      sync.Mutex
	entries []AuditEntry
	max     int
}

func newAuditLog(limit int) *auditLog {
	return &auditLog{max: limit}
}

func (a *auditLog) append(e AuditEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	if over := len(a.entries) - a.max; over > 0 {
		a.entries = append(a.entries[:0:0], a.entries[over:]...)
	}
}

func (a *auditLog) tail(n int) []AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n <= 0 {
		n = defaultAuditTail
	}
	if n > len(a.entries) {
		n = len(a.entries)
	}
	out := make([]AuditEntry, n)
	copy(out, a.entries[len(a.entries)-n:])
	return out
}

func (a *auditLog) clear(keepLast int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if keepLast < 0 {
		keepLast = 0
	}
	if len(a.entries) > keepLast {
		a.entries = append(a.entries[:0:0], a.entries[len(a.entries)-keepLast:]...)
	}
}
