package logbroker

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/edirooss/logstream-server/internal/domain/logentry"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Options configures a Broker.
type Options struct {
	BufferCapacity int                     // per-process history; default 100
	QueueDepth     int                     // per-connection send queue; default 1024
	DefaultFilter  logentry.FilterOptions  // applied to new connections
	DefaultFormat  *logentry.FormatOptions // applied to new connections; nil = DefaultFormat
	Now            func() time.Time        // entry clock; default time.Now
}

// DefaultFormat is the format of new connections when none is configured:
// structured JSON records.
var DefaultFormat = logentry.FormatOptions{AsJSON: true}

// Broker is the log buffering and fan-out core.
//
// It owns the process registry and every ring buffer, receives lifecycle and
// log events from an event source, and routes each new entry to the matching
// connections of the subscription table.
//
// Concurrency model:
//   - registry, buffer map, each buffer and the subscription table carry their
//     own locks (per-entity serialization)
//   - ingestMu serializes the ingestion pipeline (lifecycle + log events) and
//     subscribe-with-replay, so per-process append order == delivery order and
//     no entry is both replayed and delivered live
//   - delivery under ingestMu is O(subscribers) non-blocking channel sends;
//     socket writes happen on per-connection drain goroutines
//
// After Cleanup the broker is closed: ingestion is dropped and new
// connections are born closed with ErrBrokerClosed.
type Broker struct {
	log    *zap.Logger
	opts   Options
	format logentry.FormatOptions

	registry *registry
	logs     *logManager
	subs     *subscriptionTable

	ingestMu sync.Mutex
	closed   bool // guarded by ingestMu
}

var _ Sink = (*Broker)(nil)

// NewBroker constructs an empty broker.
func NewBroker(log *zap.Logger, opts Options) *Broker {
	if opts.BufferCapacity <= 0 {
		opts.BufferCapacity = DefaultBufferCapacity
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = DefaultQueueDepth
	}
	if opts.DefaultFilter.Kind == "" {
		opts.DefaultFilter.Kind = logentry.KindAll
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	format := DefaultFormat
	if opts.DefaultFormat != nil {
		format = *opts.DefaultFormat
	}

	return &Broker{
		log:      log.Named("logbroker"),
		opts:     opts,
		format:   format,
		registry: newRegistry(),
		logs:     newLogManager(opts.BufferCapacity),
		subs:     newSubscriptionTable(),
	}
}

// ----------------------------------------------------------------------------
// Event source side
// ----------------------------------------------------------------------------

// IngestLifecycle applies a process status notification to the registry.
// Unknown events are ignored.
func (b *Broker) IngestLifecycle(pid int, name string, event LifecycleEvent) {
	if name == "" {
		b.log.Debug("lifecycle event without name dropped", zap.Int("pm_id", pid), zap.String("event", string(event)))
		return
	}

	b.ingestMu.Lock()
	defer b.ingestMu.Unlock()
	if b.closed {
		return
	}

	switch {
	case event.IsAlive():
		b.registry.registerAlive(name, pid)
		b.logs.getOrCreate(name)
		b.log.Debug("process watched", zap.String("name", name), zap.Int("pm_id", pid), zap.String("event", string(event)))

	case event.IsTerminal():
		if b.registry.unregister(name, pid, true) {
			b.log.Debug("process unwatched", zap.String("name", name), zap.Int("pm_id", pid), zap.String("event", string(event)))
		} else {
			b.log.Debug("stale lifecycle event ignored", zap.String("name", name), zap.Int("pm_id", pid), zap.String("event", string(event)))
		}

	default:
		b.log.Debug("unknown lifecycle event ignored", zap.String("name", name), zap.String("event", string(event)))
	}
}

// IngestLog splits payload into entries, appends them to the process buffer
// and delivers them to matching connections, in payload order. Payloads from
// unresolved or unwatched processes are dropped silently.
func (b *Broker) IngestLog(pid int, kind logentry.StreamKind, payload []byte) {
	b.ingestMu.Lock()
	defer b.ingestMu.Unlock()
	if b.closed {
		return
	}

	name, ok := b.registry.resolve(pid)
	if !ok {
		b.log.Debug("log chunk from untracked process dropped", zap.Int("pm_id", pid), zap.Int("bytes", len(payload)))
		return
	}

	lines := logentry.SplitLines(payload)
	if len(lines) == 0 {
		return
	}

	buf := b.logs.getOrCreate(name)
	for _, line := range lines {
		entry := logentry.LogEntry{
			Timestamp:   b.opts.Now(),
			Kind:        kind,
			Message:     line,
			ProcessName: name,
		}
		buf.Append(entry)
		b.deliverLocked(entry)
	}
}

// deliverLocked hands entry to every matching connection. Caller must hold
// b.ingestMu.
func (b *Broker) deliverLocked(entry logentry.LogEntry) {
	for _, t := range b.subs.match(entry) {
		if t.conn.enqueue(logentry.Format(entry, t.format)) == enqueueOverflow {
			b.closeConnection(t.conn.id, ErrConnectionBackpressure)
		}
	}
}

// ----------------------------------------------------------------------------
// Queries
// ----------------------------------------------------------------------------

// ListWatchedProcesses returns the sorted names of all alive processes.
func (b *Broker) ListWatchedProcesses() []string {
	return b.registry.listWatched()
}

// IsWatched reports whether name is currently alive.
func (b *Broker) IsWatched(name string) bool {
	return b.registry.isWatched(name)
}

// ProcessStatus is one row of the process listing.
type ProcessStatus struct {
	ProcessInfo
	Buffered int `json:"buffered"`
}

// Processes returns every watched process with its buffered line count.
func (b *Broker) Processes() []ProcessStatus {
	infos := b.registry.watchedInfos()
	out := make([]ProcessStatus, 0, len(infos))
	for _, info := range infos {
		st := ProcessStatus{ProcessInfo: info}
		if buf, ok := b.logs.get(info.Name); ok {
			st.Buffered = buf.Len()
		}
		out = append(out, st)
	}
	return out
}

// GetRecentLogs returns up to count most recent entries of name in arrival
// order (count <= 0 = everything buffered). Unknown names yield an empty,
// non-nil slice.
func (b *Broker) GetRecentLogs(name string, count int) []logentry.LogEntry {
	buf, ok := b.logs.get(name)
	if !ok {
		return []logentry.LogEntry{}
	}
	entries := buf.Snapshot(count)
	if entries == nil {
		return []logentry.LogEntry{}
	}
	return entries
}

// Forget drops the retained buffer of a process that is no longer watched.
func (b *Broker) Forget(name string) error {
	b.ingestMu.Lock()
	defer b.ingestMu.Unlock()

	if b.registry.isWatched(name) {
		return fmt.Errorf("forget %q: %w", name, ErrProcessWatched)
	}
	if !b.logs.forget(name) {
		return fmt.Errorf("forget %q: %w", name, ErrUnknownProcess)
	}
	b.log.Debug("buffer forgotten", zap.String("name", name))
	return nil
}

// Stats summarizes broker occupancy.
type Stats struct {
	Watched     int `json:"watched"`
	Buffered    int `json:"buffered"`
	Connections int `json:"connections"`
}

func (b *Broker) Stats() Stats {
	return Stats{
		Watched:     len(b.registry.listWatched()),
		Buffered:    len(b.logs.names()),
		Connections: b.subs.len(),
	}
}

// ----------------------------------------------------------------------------
// Transport side
// ----------------------------------------------------------------------------

// OpenConnection registers a new connection with the default options. Once
// the broker is closed the returned connection is already done with
// ErrBrokerClosed and is not registered.
func (b *Broker) OpenConnection(authenticated bool) *Connection {
	conn := newConnection(uuid.NewString(), b.opts.QueueDepth)

	b.ingestMu.Lock()
	defer b.ingestMu.Unlock()
	if b.closed {
		conn.close(ErrBrokerClosed)
		return conn
	}
	b.subs.add(conn, authenticated, b.opts.DefaultFilter, b.format)
	b.log.Debug("connection opened", zap.String("conn", conn.id), zap.Bool("authenticated", authenticated))
	return conn
}

// CloseConnection removes the connection from every index and stops delivery.
func (b *Broker) CloseConnection(id string) error {
	if !b.closeConnection(id, nil) {
		return ErrUnknownConnection
	}
	return nil
}

func (b *Broker) closeConnection(id string, reason error) bool {
	s := b.subs.remove(id)
	if s == nil {
		return false
	}
	s.conn.close(reason)

	if reason != nil {
		b.log.Warn("connection closed", zap.String("conn", id), zap.Error(reason))
	} else {
		b.log.Debug("connection closed", zap.String("conn", id))
	}
	return true
}

// RegisterDeliveryCallback starts delivery of matched entries to fn. Entries
// queued before registration are delivered first.
func (b *Broker) RegisterDeliveryCallback(id string, fn DeliveryFunc) error {
	if fn == nil {
		return fmt.Errorf("register delivery callback: nil func")
	}
	conn, err := b.subs.connection(id)
	if err != nil {
		return err
	}
	conn.startDrain(fn)
	return nil
}

// Authenticate marks the connection as authenticated. Credential checks are
// the transport's business.
func (b *Broker) Authenticate(id string) error {
	return b.subs.setAuthenticated(id)
}

// Subscribe adds name (or Wildcard) to the connection's subscriptions and
// replays the buffered history the connection has not seen yet.
//
// Replay is limited to the free space of the connection's send queue; the
// most recent entries win.
func (b *Broker) Subscribe(id, name string) error {
	name = NormalizeTarget(name)
	if name == "" {
		return fmt.Errorf("subscribe: %w", ErrUnknownProcess)
	}

	b.ingestMu.Lock()
	defer b.ingestMu.Unlock()
	if b.closed {
		return fmt.Errorf("subscribe %q: %w", name, ErrBrokerClosed)
	}

	if err := b.subs.canSubscribe(id); err != nil {
		return err
	}
	if name != Wildcard && !b.registry.isWatched(name) {
		return fmt.Errorf("subscribe %q: %w", name, ErrUnknownProcess)
	}

	replay, err := b.subs.subscribe(id, name, b.registry.listWatched())
	if err != nil {
		return err
	}
	b.log.Debug("subscribed", zap.String("conn", id), zap.String("target", name), zap.Int("replay_names", len(replay)))

	if len(replay) > 0 {
		b.replayLocked(id, replay)
	}
	return nil
}

// replayLocked queues the buffered history of names for one connection,
// merged by timestamp. Caller must hold b.ingestMu.
func (b *Broker) replayLocked(id string, names []string) {
	conn, err := b.subs.connection(id)
	if err != nil {
		return
	}
	filter, format, err := b.subs.optionsFor(id)
	if err != nil {
		return
	}

	var history []logentry.LogEntry
	for _, name := range names {
		if buf, ok := b.logs.get(name); ok {
			for _, e := range buf.Snapshot(0) {
				if logentry.PassesFilter(e, filter) {
					history = append(history, e)
				}
			}
		}
	}
	if len(names) > 1 {
		sort.SliceStable(history, func(i, j int) bool {
			return history[i].Timestamp.Before(history[j].Timestamp)
		})
	}

	if free := conn.queueFree(); len(history) > free {
		b.log.Debug("replay truncated", zap.String("conn", id), zap.Int("history", len(history)), zap.Int("free", free))
		history = history[len(history)-free:]
	}
	for _, e := range history {
		if conn.enqueue(logentry.Format(e, format)) != enqueued {
			return
		}
	}
}

// Unsubscribe removes one subscription; an empty name clears all of them.
func (b *Broker) Unsubscribe(id, name string) error {
	return b.subs.unsubscribe(id, NormalizeTarget(name))
}

// SetFilterOptions merges patch into the connection's filter. On an invalid
// regex the previous filter is kept and ErrInvalidFilterPattern returned.
func (b *Broker) SetFilterOptions(id string, patch FilterPatch) (logentry.FilterOptions, error) {
	return b.subs.setFilter(id, patch)
}

// SetFormatOptions merges patch into the connection's format.
func (b *Broker) SetFormatOptions(id string, patch FormatPatch) (logentry.FormatOptions, error) {
	return b.subs.setFormat(id, patch)
}

// ConnectionState returns a copy of the connection's subscription state.
func (b *Broker) ConnectionState(id string) (ConnectionState, error) {
	return b.subs.state(id)
}

// MatchingConnections returns the IDs of the connections entry would be
// delivered to, sorted.
func (b *Broker) MatchingConnections(entry logentry.LogEntry) []string {
	targets := b.subs.match(entry)
	out := make([]string, 0, len(targets))
	for _, t := range targets {
		out = append(out, t.conn.id)
	}
	sort.Strings(out)
	return out
}

// Cleanup clears the registry and every buffer, closes all connections and
// marks the broker closed. Later calls are no-ops.
func (b *Broker) Cleanup() {
	b.ingestMu.Lock()
	defer b.ingestMu.Unlock()
	if b.closed {
		return
	}
	b.closed = true

	b.registry.reset()
	b.logs.reset()
	closed := b.subs.removeAll()
	for _, s := range closed {
		s.conn.close(ErrBrokerClosed)
	}
	b.log.Info("broker cleaned up", zap.Int("connections_closed", len(closed)))
}
