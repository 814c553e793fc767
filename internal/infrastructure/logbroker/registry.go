package logbroker

import (
	"fmt"
	"sort"
	"sync"
)

// ProcessInfo describes one known process. ProcessID is transient and may be
// reused by the operating system or the process manager across restarts; Name
// is the stable identity.
type ProcessInfo struct {
	Name      string `json:"name"`
	ProcessID int    `json:"pm_id"`
	Alive     bool   `json:"alive"`
}

// registry maps transient process IDs to stable names and tracks which names
// are currently watched.
//
// Identity model (mirrors the authoritative-PID discipline of a supervisor):
//
//   - name = external, stable identity
//   - pid  = transient identity; a name maps to at most ONE pid at a time
//   - byID is the reverse index; every entry points at a watched name whose
//     current binding is that pid
type registry struct {
	mu     sync.RWMutex
	byName map[string]*ProcessInfo
	byID   map[int]string
}

func newRegistry() *registry {
	return &registry{
		byName: make(map[string]*ProcessInfo),
		byID:   make(map[int]string),
	}
}

// registerAlive marks name watched and binds pid → name. Idempotent.
//   - an older pid bound to the same name is dropped
//   - a pid still bound to a different name (pid reuse) is taken over
func (r *registry) registerAlive(name string, pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.byName[name]
	if !ok {
		info = &ProcessInfo{Name: name}
		r.byName[name] = info
	}

	if info.Alive && info.ProcessID != pid {
		if r.byID[info.ProcessID] == name {
			delete(r.byID, info.ProcessID)
		}
	}

	if prev, taken := r.byID[pid]; taken && prev != name {
		// pid reuse: the previous owner cannot still hold this pid.
		if other := r.byName[prev]; other != nil {
			other.Alive = false
		}
	}

	info.ProcessID = pid
	info.Alive = true
	r.byID[pid] = name

	r.checkInvariantsLocked()
}

// unregister marks name not watched.
//
// When hasPID is set the event is only honoured if pid is the name's current
// binding; anything else is a stale event racing a newer registerAlive and is
// ignored. Reports whether the registry changed.
func (r *registry) unregister(name string, pid int, hasPID bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.byName[name]
	if !ok || !info.Alive {
		return false
	}
	if hasPID && info.ProcessID != pid {
		return false
	}

	if r.byID[info.ProcessID] == name {
		delete(r.byID, info.ProcessID)
	}
	info.Alive = false

	r.checkInvariantsLocked()
	return true
}

// resolve returns the watched name currently bound to pid.
func (r *registry) resolve(pid int) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name, ok := r.byID[pid]
	if !ok {
		return "", false
	}
	if info := r.byName[name]; info == nil || !info.Alive {
		return "", false
	}
	return name, true
}

// isWatched reports whether name is currently alive.
func (r *registry) isWatched(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.byName[name]
	return ok && info.Alive
}

// lookup returns a copy of the entry for name.
func (r *registry) lookup(name string) (ProcessInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.byName[name]
	if !ok {
		return ProcessInfo{}, false
	}
	return *info, true
}

// listWatched returns the sorted set of watched names.
func (r *registry) listWatched() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.byName))
	for name, info := range r.byName {
		if info.Alive {
			out = append(out, name)
		}
	}
	r.mu.RUnlock()

	sort.Strings(out)
	return out
}

// watchedInfos returns copies of all watched entries, sorted by name.
func (r *registry) watchedInfos() []ProcessInfo {
	r.mu.RLock()
	out := make([]ProcessInfo, 0, len(r.byName))
	for _, info := range r.byName {
		if info.Alive {
			out = append(out, *info)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// reset drops every entry.
func (r *registry) reset() {
	r.mu.Lock()
	r.byName = make(map[string]*ProcessInfo)
	r.byID = make(map[int]string)
	r.mu.Unlock()
}

// checkInvariantsLocked panics when the reverse index disagrees with the
// forward map. Caller must hold r.mu.
func (r *registry) checkInvariantsLocked() {
	for pid, name := range r.byID {
		info := r.byName[name]
		if info == nil || !info.Alive || info.ProcessID != pid {
			panic(fmt.Sprintf("registry: dangling pid binding %d → %q", pid, name))
		}
	}
}
