package logbroker

import (
	"sync"

	"github.com/edirooss/logstream-server/internal/domain/logentry"
)

// DefaultBufferCapacity is the per-process history size when none is configured.
const DefaultBufferCapacity = 100

// logBuffer is a thread-safe circular buffer for log entries with O(1) append
// and O(N) read.
type logBuffer struct {
	entries []logentry.LogEntry // fixed-size backing array, allocated once
	head    int                 // next write position
	size    int                 // current number of entries
	mu      sync.RWMutex        // protects all fields
}

func newLogBuffer(capacity int) *logBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	return &logBuffer{entries: make([]logentry.LogEntry, capacity)}
}

// Append adds a log entry (overwrites oldest if full).
//
// Complexity: O(1) time, O(1) space
func (b *logBuffer) Append(entry logentry.LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	capN := len(b.entries)
	b.entries[b.head] = entry
	b.head = (b.head + 1) % capN
	if b.size < capN {
		b.size++
	}
}

// Snapshot returns the last N entries (oldest → newest, i.e. arrival order).
// Returns a NEW slice (caller owns memory).
//
// Semantics:
//   - If limit <= 0: returns everything buffered
//   - If limit > size: clamped to size
//
// Complexity: O(N) time where N = entries returned
func (b *logBuffer) Snapshot(limit int) []logentry.LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.size == 0 {
		return nil
	}
	n := b.size
	if limit > 0 && limit < n {
		n = limit
	}

	capN := len(b.entries)
	// head points one past the newest; walk back n slots for the first entry.
	start := (b.head - n + capN) % capN

	out := make([]logentry.LogEntry, n)
	for i := 0; i < n; i++ {
		out[i] = b.entries[(start+i)%capN]
	}
	return out
}

// Len returns the number of buffered entries.
func (b *logBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Cap returns the fixed capacity.
func (b *logBuffer) Cap() int { return len(b.entries) }

func (b *logBuffer) IsEmpty() bool { return b.Len() == 0 }
