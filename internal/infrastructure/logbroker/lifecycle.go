package logbroker

import (
	"strings"

	"github.com/edirooss/logstream-server/internal/domain/logentry"
)

// LifecycleEvent is a process status notification from the event source.
type LifecycleEvent string

const (
	EventStart     LifecycleEvent = "start"
	EventRestart   LifecycleEvent = "restart"
	EventOnline    LifecycleEvent = "online"
	EventException LifecycleEvent = "exception"
	EventStop      LifecycleEvent = "stop"
	EventDelete    LifecycleEvent = "delete"
	EventExit      LifecycleEvent = "exit"
	EventKill      LifecycleEvent = "kill"
)

// ParseLifecycleEvent normalizes s. Unknown values are returned as-is and
// later ignored by the broker.
func ParseLifecycleEvent(s string) LifecycleEvent {
	return LifecycleEvent(strings.ToLower(strings.TrimSpace(s)))
}

// IsAlive reports whether the event means the process is (still) running.
func (e LifecycleEvent) IsAlive() bool {
	switch e {
	case EventStart, EventRestart, EventOnline, EventException:
		return true
	}
	return false
}

// IsTerminal reports whether the event means the process went away.
func (e LifecycleEvent) IsTerminal() bool {
	switch e {
	case EventStop, EventDelete, EventExit, EventKill:
		return true
	}
	return false
}

// Sink receives process events from an event source. *Broker is the main
// implementation; adapters may also forward or mirror events.
//
// IngestLog must not retain payload after it returns.
type Sink interface {
	IngestLifecycle(pid int, name string, event LifecycleEvent)
	IngestLog(pid int, kind logentry.StreamKind, payload []byte)
}
