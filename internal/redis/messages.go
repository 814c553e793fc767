package redis

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/edirooss/logstream-server/internal/domain/logentry"
	"github.com/edirooss/logstream-server/internal/infrastructure/logbroker"
)

// DefaultChannelPrefix namespaces the Pub/Sub channels.
const DefaultChannelPrefix = "logstream"

// LifecycleChannel carries LifecycleMessage payloads.
func LifecycleChannel(prefix string) string { return prefix + ":lifecycle" }

// LogChannel carries LogMessage payloads.
func LogChannel(prefix string) string { return prefix + ":log" }

var ErrMalformedMessage = errors.New("malformed message")

// LifecycleMessage is a process status notification on the wire.
type LifecycleMessage struct {
	PID   int    `json:"pm_id"`
	Name  string `json:"name"`
	Event string `json:"event"`
}

// LogMessage is one chunk of process output on the wire. Data may hold
// several newline-separated lines.
type LogMessage struct {
	PID  int    `json:"pm_id"`
	Kind string `json:"kind"`
	Data string `json:"data"`
}

func decodeLifecycle(payload []byte) (LifecycleMessage, logbroker.LifecycleEvent, error) {
	var m LifecycleMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return m, "", fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	m.Name = strings.TrimSpace(m.Name)
	if m.Name == "" {
		return m, "", fmt.Errorf("%w: missing name", ErrMalformedMessage)
	}
	ev := logbroker.ParseLifecycleEvent(m.Event)
	if !ev.IsAlive() && !ev.IsTerminal() {
		return m, "", fmt.Errorf("%w: unknown event %q", ErrMalformedMessage, m.Event)
	}
	return m, ev, nil
}

func decodeLog(payload []byte) (LogMessage, logentry.StreamKind, error) {
	var m LogMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return m, "", fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	kind, err := logentry.ParseStreamKind(m.Kind)
	if err != nil {
		return m, "", fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return m, kind, nil
}
