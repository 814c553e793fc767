package procsource

import (
	"github.com/edirooss/logstream-server/internal/domain/logentry"
	"github.com/edirooss/logstream-server/internal/infrastructure/logbroker"
)

// Tee fans every event out to sinks, in order.
func Tee(sinks ...logbroker.Sink) logbroker.Sink {
	out := make(tee, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

type tee []logbroker.Sink

func (t tee) IngestLifecycle(pid int, name string, event logbroker.LifecycleEvent) {
	for _, s := range t {
		s.IngestLifecycle(pid, name, event)
	}
}

func (t tee) IngestLog(pid int, kind logentry.StreamKind, payload []byte) {
	for _, s := range t {
		s.IngestLog(pid, kind, payload)
	}
}
