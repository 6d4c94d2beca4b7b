// Package audit records gateway operations in a bounded in-memory ring.
// Oldest entries are evicted when the ring is full.
package audit

import "sync"

// Entry is one recorded operation.
type Entry struct {
	Timestamp     int64          `json:"timestamp"` // Epoch ms.
	UserID        string         `json:"userId,omitempty"`
	SessionID     string         `json:"sessionId,omitempty"`
	Operation     string         `json:"operation"`
	Resource      string         `json:"resource,omitempty"`
	Result        string         `json:"result"` // "success" or "error".
	Error         string         `json:"error,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
	RemoteAddress string         `json:"remoteAddress,omitempty"`
}

// Filter narrows a Query. Zero values match everything; Limit 0 means the
// default of 100.
type Filter struct {
	UserID    string
	Operation string
	Result    string
	From      int64 // Inclusive, epoch ms.
	To        int64 // Inclusive, epoch ms.
	Limit     int
}

const defaultQueryLimit = 100

// Log is a fixed-capacity audit ring. Safe for concurrent use.
type Log struct {
	mu      sync.Mutex
	entries []Entry
	next    int // Write position.
	full    bool
}

// NewLog returns a ring holding at most capacity entries. Non-positive
// capacities fall back to 1000.
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Log{entries: make([]Entry, capacity)}
}

// Record appends an entry, evicting the oldest when the ring is full.
func (l *Log) Record(e Entry) {
	l.mu.Lock()
	l.entries[l.next] = e
	l.next++
	if l.next == len(l.entries) {
		l.next = 0
		l.full = true
	}
	l.mu.Unlock()
}

// Len reports the number of retained entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.full {
		return len(l.entries)
	}
	return l.next
}

// Query returns matching entries newest first, up to the filter limit.
func (l *Log) Query(f Filter) []Entry {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	count := l.next
	if l.full {
		count = len(l.entries)
	}
	out := make([]Entry, 0, min(limit, count))
	// Walk backwards from the most recent write.
	for i := 1; i <= count && len(out) < limit; i++ {
		idx := l.next - i
		if idx < 0 {
			idx += len(l.entries)
		}
		e := l.entries[idx]
		if f.UserID != "" && e.UserID != f.UserID {
			continue
		}
		if f.Operation != "" && e.Operation != f.Operation {
			continue
		}
		if f.Result != "" && e.Result != f.Result {
			continue
		}
		if f.From != 0 && e.Timestamp < f.From {
			continue
		}
		if f.To != 0 && e.Timestamp > f.To {
			continue
		}
		out = append(out, e)
	}
	return out
}
