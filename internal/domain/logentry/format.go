package logentry

import (
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// TimestampLayout is used for both the JSON record and the text prefix.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatOptions controls how an entry is rendered for one connection.
type FormatOptions struct {
	AsJSON           bool
	StripANSI        bool
	IncludeTimestamp bool // text mode only
	IncludeKind      bool // text mode only
}

// Record is the structured (JSON) rendering of an entry.
type Record struct {
	Timestamp   string     `json:"timestamp"`
	Kind        StreamKind `json:"kind"`
	Message     string     `json:"message"`
	ProcessName string     `json:"process_name"`
}

// Rendered is a wire-ready entry: exactly one of Record or Text is meaningful,
// selected by Record != nil.
type Rendered struct {
	Record *Record
	Text   string
}

// IsJSON reports whether r carries a structured record.
func (r Rendered) IsJSON() bool { return r.Record != nil }

// Payload returns the value a transport should encode.
func (r Rendered) Payload() any {
	if r.Record != nil {
		return r.Record
	}
	return r.Text
}

// Format renders entry according to opts.
//
// Text layout: "[timestamp] [kind] message", each prefix optional, fixed order.
func Format(entry LogEntry, opts FormatOptions) Rendered {
	msg := entry.Message
	if opts.StripANSI {
		msg = StripANSI(msg)
	}

	if opts.AsJSON {
		return Rendered{Record: &Record{
			Timestamp:   entry.Timestamp.UTC().Format(TimestampLayout),
			Kind:        entry.Kind,
			Message:     msg,
			ProcessName: entry.ProcessName,
		}}
	}

	var b strings.Builder
	b.Grow(len(msg) + 40)
	if opts.IncludeTimestamp {
		b.WriteByte('[')
		b.WriteString(entry.Timestamp.UTC().Format(TimestampLayout))
		b.WriteString("] ")
	}
	if opts.IncludeKind {
		b.WriteByte('[')
		b.WriteString(string(entry.Kind))
		b.WriteString("] ")
	}
	b.WriteString(msg)
	return Rendered{Text: b.String()}
}

// FormatAll renders entries in order.
func FormatAll(entries []LogEntry, opts FormatOptions) []Rendered {
	out := make([]Rendered, len(entries))
	for i := range entries {
		out[i] = Format(entries[i], opts)
	}
	return out
}

// StripANSI removes every ANSI/VT100 escape sequence from s. It is
// deterministic and idempotent.
func StripANSI(s string) string {
	if strings.IndexByte(s, 0x1b) < 0 && !strings.ContainsRune(s, '\u009b') {
		return s
	}
	return ansi.Strip(s)
}
