package logbroker

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/edirooss/logstream-server/internal/domain/logentry"
)

// Wildcard subscribes a connection to every watched process, including ones
// that start after the subscription was made. "all" is accepted as an alias.
const Wildcard = "*"

// NormalizeTarget trims name and maps the "all" alias onto Wildcard.
func NormalizeTarget(name string) string {
	name = strings.TrimSpace(name)
	if strings.EqualFold(name, "all") {
		return Wildcard
	}
	return name
}

// FilterPatch is a partial filter update; nil fields are left unchanged. An
// empty string clears the corresponding axis.
type FilterPatch struct {
	Kind         *logentry.KindFilter
	TextContains *string
	Regex        *string
}

// FormatPatch is a partial format update; nil fields are left unchanged.
type FormatPatch struct {
	AsJSON           *bool
	StripANSI        *bool
	IncludeTimestamp *bool
	IncludeKind      *bool
}

// Apply returns f with the patch merged in. On an invalid regex f is returned
// unchanged with ErrInvalidFilterPattern.
func (p FilterPatch) Apply(f logentry.FilterOptions) (logentry.FilterOptions, error) {
	if p.Kind != nil {
		f.Kind = *p.Kind
	}
	if p.TextContains != nil {
		f.TextContains = *p.TextContains
	}
	if p.Regex != nil {
		next, err := f.WithPattern(*p.Regex)
		if err != nil {
			return f, fmt.Errorf("%w: %v", ErrInvalidFilterPattern, err)
		}
		f = next
	}
	return f, nil
}

// Apply returns f with the patch merged in.
func (p FormatPatch) Apply(f logentry.FormatOptions) logentry.FormatOptions {
	if p.AsJSON != nil {
		f.AsJSON = *p.AsJSON
	}
	if p.StripANSI != nil {
		f.StripANSI = *p.StripANSI
	}
	if p.IncludeTimestamp != nil {
		f.IncludeTimestamp = *p.IncludeTimestamp
	}
	if p.IncludeKind != nil {
		f.IncludeKind = *p.IncludeKind
	}
	return f
}

// ConnectionState is a read-only copy of one connection's subscription state.
type ConnectionState struct {
	ID            string
	Authenticated bool
	Subscriptions []string // sorted; Wildcard first when present
	Filter        logentry.FilterOptions
	Format        logentry.FormatOptions
	QueueLen      int
}

// subscriber is the table's per-connection record. All fields except conn
// are guarded by subscriptionTable.mu.
type subscriber struct {
	conn          *Connection
	authenticated bool
	names         map[string]struct{}
	wildcard      bool
	filter        logentry.FilterOptions
	format        logentry.FormatOptions
}

func (s *subscriber) state() ConnectionState {
	subs := make([]string, 0, len(s.names)+1)
	for name := range s.names {
		subs = append(subs, name)
	}
	sort.Strings(subs)
	if s.wildcard {
		subs = append([]string{Wildcard}, subs...)
	}
	return ConnectionState{
		ID:            s.conn.id,
		Authenticated: s.authenticated,
		Subscriptions: subs,
		Filter:        s.filter,
		Format:        s.format,
		QueueLen:      s.conn.QueueLen(),
	}
}

// target is one delivery decision produced by match: the connection plus the
// format it asked for, copied while the table lock was held.
type target struct {
	conn   *Connection
	format logentry.FormatOptions
}

// subscriptionTable holds per-connection subscription state and the reverse
// index used to route entries.
//
// Invariants (checked on mutation):
//   - every subscriber in byName[n] has n in its names set
//   - every subscriber in wildcard has wildcard == true
//   - every indexed subscriber is present in subs
type subscriptionTable struct {
	mu       sync.RWMutex
	subs     map[string]*subscriber            // connection ID → record
	byName   map[string]map[string]*subscriber // process name → connection ID → record
	wildcard map[string]*subscriber            // connection ID → record
}

func newSubscriptionTable() *subscriptionTable {
	return &subscriptionTable{
		subs:     make(map[string]*subscriber),
		byName:   make(map[string]map[string]*subscriber),
		wildcard: make(map[string]*subscriber),
	}
}

func (t *subscriptionTable) add(conn *Connection, authenticated bool, filter logentry.FilterOptions, format logentry.FormatOptions) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.subs[conn.id]; exists {
		panic(fmt.Sprintf("subscriptionTable: duplicate connection id %q", conn.id))
	}
	t.subs[conn.id] = &subscriber{
		conn:          conn,
		authenticated: authenticated,
		names:         make(map[string]struct{}),
		filter:        filter,
		format:        format,
	}
}

// remove drops the connection from every index and returns its record.
func (t *subscriptionTable) remove(id string) *subscriber {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.subs[id]
	if !ok {
		return nil
	}
	t.clearLocked(s)
	delete(t.subs, id)
	return s
}

// removeAll empties the table and returns every record.
func (t *subscriptionTable) removeAll() []*subscriber {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*subscriber, 0, len(t.subs))
	for _, s := range t.subs {
		out = append(out, s)
	}
	t.subs = make(map[string]*subscriber)
	t.byName = make(map[string]map[string]*subscriber)
	t.wildcard = make(map[string]*subscriber)
	return out
}

func (t *subscriptionTable) connection(id string) (*Connection, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.subs[id]
	if !ok {
		return nil, ErrUnknownConnection
	}
	return s.conn, nil
}

func (t *subscriptionTable) setAuthenticated(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.subs[id]
	if !ok {
		return ErrUnknownConnection
	}
	s.authenticated = true
	return nil
}

// canSubscribe reports why id may not subscribe, if anything.
func (t *subscriptionTable) canSubscribe(id string) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.subs[id]
	if !ok {
		return ErrUnknownConnection
	}
	if !s.authenticated {
		return ErrUnauthenticated
	}
	return nil
}

// subscribe records the subscription and returns the names whose history the
// connection has not seen yet (replay candidates). watched is the current
// watched set, used to expand the wildcard.
func (t *subscriptionTable) subscribe(id, name string, watched []string) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.subs[id]
	if !ok {
		return nil, ErrUnknownConnection
	}
	if !s.authenticated {
		return nil, ErrUnauthenticated
	}

	if name == Wildcard {
		if s.wildcard {
			return nil, nil
		}
		s.wildcard = true
		t.wildcard[id] = s

		fresh := make([]string, 0, len(watched))
		for _, n := range watched {
			if _, explicit := s.names[n]; !explicit {
				fresh = append(fresh, n)
			}
		}
		t.checkInvariantsLocked()
		return fresh, nil
	}

	if _, dup := s.names[name]; dup {
		return nil, nil
	}
	s.names[name] = struct{}{}
	idx := t.byName[name]
	if idx == nil {
		idx = make(map[string]*subscriber)
		t.byName[name] = idx
	}
	idx[id] = s
	t.checkInvariantsLocked()

	if s.wildcard {
		// Already receiving this name through the wildcard.
		return nil, nil
	}
	return []string{name}, nil
}

// unsubscribe removes one subscription, or all of them when name is empty.
func (t *subscriptionTable) unsubscribe(id, name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.subs[id]
	if !ok {
		return ErrUnknownConnection
	}

	switch name {
	case "":
		t.clearLocked(s)
	case Wildcard:
		s.wildcard = false
		delete(t.wildcard, id)
	default:
		delete(s.names, name)
		if idx := t.byName[name]; idx != nil {
			delete(idx, id)
			if len(idx) == 0 {
				delete(t.byName, name)
			}
		}
	}
	t.checkInvariantsLocked()
	return nil
}

func (t *subscriptionTable) clearLocked(s *subscriber) {
	for name := range s.names {
		if idx := t.byName[name]; idx != nil {
			delete(idx, s.conn.id)
			if len(idx) == 0 {
				delete(t.byName, name)
			}
		}
	}
	s.names = make(map[string]struct{})
	s.wildcard = false
	delete(t.wildcard, s.conn.id)
}

func (t *subscriptionTable) setFilter(id string, patch FilterPatch) (logentry.FilterOptions, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.subs[id]
	if !ok {
		return logentry.FilterOptions{}, ErrUnknownConnection
	}
	next, err := patch.Apply(s.filter)
	if err != nil {
		return s.filter, err
	}
	s.filter = next
	return next, nil
}

func (t *subscriptionTable) setFormat(id string, patch FormatPatch) (logentry.FormatOptions, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.subs[id]
	if !ok {
		return logentry.FormatOptions{}, ErrUnknownConnection
	}
	s.format = patch.Apply(s.format)
	return s.format, nil
}

func (t *subscriptionTable) state(id string) (ConnectionState, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.subs[id]
	if !ok {
		return ConnectionState{}, ErrUnknownConnection
	}
	return s.state(), nil
}

// optionsFor returns the filter and format of one connection.
func (t *subscriptionTable) optionsFor(id string) (logentry.FilterOptions, logentry.FormatOptions, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.subs[id]
	if !ok {
		return logentry.FilterOptions{}, logentry.FormatOptions{}, ErrUnknownConnection
	}
	return s.filter, s.format, nil
}

// match returns every connection subscribed to entry's process (directly or
// through the wildcard) whose filter the entry passes. Each connection
// appears at most once.
func (t *subscriptionTable) match(entry logentry.LogEntry) []target {
	t.mu.RLock()
	defer t.mu.RUnlock()

	direct := t.byName[entry.ProcessName]
	if len(direct) == 0 && len(t.wildcard) == 0 {
		return nil
	}

	out := make([]target, 0, len(direct)+len(t.wildcard))
	for _, s := range direct {
		if logentry.PassesFilter(entry, s.filter) {
			out = append(out, target{conn: s.conn, format: s.format})
		}
	}
	for id, s := range t.wildcard {
		if _, seen := direct[id]; seen {
			continue
		}
		if logentry.PassesFilter(entry, s.filter) {
			out = append(out, target{conn: s.conn, format: s.format})
		}
	}
	return out
}

func (t *subscriptionTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

// checkInvariantsLocked panics on index corruption. Caller must hold t.mu.
func (t *subscriptionTable) checkInvariantsLocked() {
	for name, idx := range t.byName {
		for id, s := range idx {
			if t.subs[id] != s {
				panic(fmt.Sprintf("subscriptionTable: %q indexed under %q but not registered", id, name))
			}
			if _, ok := s.names[name]; !ok {
				panic(fmt.Sprintf("subscriptionTable: %q indexed under %q without subscribing", id, name))
			}
		}
	}
	for id, s := range t.wildcard {
		if t.subs[id] != s || !s.wildcard {
			panic(fmt.Sprintf("subscriptionTable: stale wildcard entry %q", id))
		}
	}
}
