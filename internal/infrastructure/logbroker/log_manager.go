package logbroker

import (
	"sort"
	"sync"
)

// logManager manages per-process log buffers.
// - Creates buffers lazily
// - Thread-safe access
type logManager struct {
	mu       sync.RWMutex          // guards bufs map
	bufs     map[string]*logBuffer // process name → log buffer
	capacity int
}

func newLogManager(capacity int) *logManager {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	return &logManager{
		bufs:     make(map[string]*logBuffer),
		capacity: capacity,
	}
}

// getOrCreate returns the log buffer for a name.
// If missing, a new buffer is created and stored.
func (lm *logManager) getOrCreate(name string) *logBuffer {
	lm.mu.RLock()
	buf, ok := lm.bufs[name]
	lm.mu.RUnlock()
	if ok {
		return buf
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()
	if buf, ok := lm.bufs[name]; ok {
		return buf
	}
	buf = newLogBuffer(lm.capacity)
	lm.bufs[name] = buf
	return buf
}

// get returns the buffer for name without creating one.
func (lm *logManager) get(name string) (*logBuffer, bool) {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	buf, ok := lm.bufs[name]
	return buf, ok
}

// forget drops the buffer for name. Reports whether one existed.
func (lm *logManager) forget(name string) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if _, ok := lm.bufs[name]; !ok {
		return false
	}
	delete(lm.bufs, name)
	return true
}

// names returns all buffered process names, sorted.
func (lm *logManager) names() []string {
	lm.mu.RLock()
	out := make([]string, 0, len(lm.bufs))
	for name := range lm.bufs {
		out = append(out, name)
	}
	lm.mu.RUnlock()

	sort.Strings(out)
	return out
}

// reset drops every buffer.
func (lm *logManager) reset() {
	lm.mu.Lock()
	lm.bufs = make(map[string]*logBuffer)
	lm.mu.Unlock()
}
