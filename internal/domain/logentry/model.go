package logentry

import (
	"fmt"
	"strings"
	"time"
)

// StreamKind identifies the output stream a log line was captured from.
type StreamKind string

const (
	Stdout StreamKind = "stdout"
	Stderr StreamKind = "stderr"
)

// ParseStreamKind accepts the canonical names plus the short aliases used by
// process managers ("out", "err", "error").
func ParseStreamKind(s string) (StreamKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "stdout", "out":
		return Stdout, nil
	case "stderr", "err", "error":
		return Stderr, nil
	}
	return "", fmt.Errorf("unknown stream kind %q", s)
}

func (k StreamKind) String() string { return string(k) }

// LogEntry is one discrete, single-line log record. Values are immutable once
// built; pass them by value.
type LogEntry struct {
	Timestamp   time.Time
	Kind        StreamKind
	Message     string // never contains '\n'
	ProcessName string
}

// SplitLines breaks a raw (possibly multi-line) payload into the messages of
// individual entries. Blank lines are dropped, a trailing '\r' is trimmed, and
// the original order is preserved.
func SplitLines(payload []byte) []string {
	if len(payload) == 0 {
		return nil
	}

	raw := strings.Split(string(payload), "\n")
	lines := make([]string, 0, len(raw))
	for _, line := range raw {
		line = strings.TrimSuffix(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}
