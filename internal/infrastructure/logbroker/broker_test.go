package logbroker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/edirooss/logstream-server/internal/domain/logentry"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// stepClock returns strictly increasing timestamps.
func stepClock() func() time.Time {
	var mu sync.Mutex
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t0 = t0.Add(time.Millisecond)
		return t0
	}
}

func newTestBroker(t *testing.T, opts Options) *Broker {
	t.Helper()
	if opts.DefaultFormat == nil {
		opts.DefaultFormat = &logentry.FormatOptions{} // plain text, message only
	}
	if opts.Now == nil {
		opts.Now = stepClock()
	}
	b := NewBroker(zap.NewNop(), opts)
	t.Cleanup(b.Cleanup)
	return b
}

func collect(t *testing.T, b *Broker, id string) <-chan logentry.Rendered {
	t.Helper()
	ch := make(chan logentry.Rendered, 256)
	if err := b.RegisterDeliveryCallback(id, func(r logentry.Rendered) { ch <- r }); err != nil {
		t.Fatalf("RegisterDeliveryCallback: %v", err)
	}
	return ch
}

func receive(t *testing.T, ch <-chan logentry.Rendered, n int) []string {
	t.Helper()
	out := make([]string, 0, n)
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case r := <-ch:
			out = append(out, r.Text)
		case <-timeout:
			t.Fatalf("received %d of %d entries: %q", len(out), n, out)
		}
	}
	return out
}

func expectNothing(t *testing.T, ch <-chan logentry.Rendered) {
	t.Helper()
	select {
	case r := <-ch:
		t.Fatalf("unexpected delivery %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBrokerCapacityScenario(t *testing.T) {
	b := newTestBroker(t, Options{BufferCapacity: 3})
	b.IngestLifecycle(1, "app", EventStart)
	for _, m := range []string{"a", "b", "c", "d"} {
		b.IngestLog(1, logentry.Stdout, []byte(m+"\n"))
	}

	if got := messages(b.GetRecentLogs("app", 0)); !equalStrings(got, []string{"b", "c", "d"}) {
		t.Fatalf("GetRecentLogs = %q, want [b c d]", got)
	}
	if got := messages(b.GetRecentLogs("app", 2)); !equalStrings(got, []string{"c", "d"}) {
		t.Fatalf("GetRecentLogs(2) = %q, want [c d]", got)
	}
}

func TestBrokerGhostProcess(t *testing.T) {
	b := newTestBroker(t, Options{})
	b.IngestLifecycle(1, "app", EventOnline)

	logs := b.GetRecentLogs("ghost", 10)
	if logs == nil || len(logs) != 0 {
		t.Fatalf("GetRecentLogs(ghost) = %#v, want empty non-nil", logs)
	}
	for _, name := range b.ListWatchedProcesses() {
		if name == "ghost" {
			t.Fatal("ghost listed as watched")
		}
	}

	conn := b.OpenConnection(true)
	if err := b.Subscribe(conn.ID(), "ghost"); !errors.Is(err, ErrUnknownProcess) {
		t.Fatalf("Subscribe(ghost) = %v, want ErrUnknownProcess", err)
	}
}

func TestBrokerUntrackedPIDDropped(t *testing.T) {
	b := newTestBroker(t, Options{})
	b.IngestLog(42, logentry.Stdout, []byte("lost\n"))
	if st := b.Stats(); st.Buffered != 0 || st.Watched != 0 {
		t.Fatalf("Stats() = %+v after untracked chunk", st)
	}
}

func TestBrokerKindFilterAlias(t *testing.T) {
	b := newTestBroker(t, Options{})
	b.IngestLifecycle(1, "app", EventStart)

	conn := b.OpenConnection(true)
	kind, err := logentry.ParseKindFilter("error")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.SetFilterOptions(conn.ID(), FilterPatch{Kind: &kind}); err != nil {
		t.Fatal(err)
	}
	if err := b.Subscribe(conn.ID(), "app"); err != nil {
		t.Fatal(err)
	}
	ch := collect(t, b, conn.ID())

	b.IngestLog(1, logentry.Stdout, []byte("to stdout\n"))
	b.IngestLog(1, logentry.Stderr, []byte("to stderr\n"))

	if got := receive(t, ch, 1); got[0] != "to stderr" {
		t.Fatalf("delivered %q, want the stderr line", got)
	}
	expectNothing(t, ch)
}

func TestBrokerDeliveryOrder(t *testing.T) {
	b := newTestBroker(t, Options{})
	b.IngestLifecycle(1, "app", EventStart)
	conn := b.OpenConnection(true)
	if err := b.Subscribe(conn.ID(), "app"); err != nil {
		t.Fatal(err)
	}
	ch := collect(t, b, conn.ID())

	b.IngestLog(1, logentry.Stdout, []byte("1\n2\r\n\n3"))
	b.IngestLog(1, logentry.Stderr, []byte("4\n"))

	if got := receive(t, ch, 4); !equalStrings(got, []string{"1", "2", "3", "4"}) {
		t.Fatalf("delivered %q", got)
	}
}

func TestBrokerMatchRespectsFilters(t *testing.T) {
	b := newTestBroker(t, Options{})
	b.IngestLifecycle(1, "app", EventStart)

	errOnly := b.OpenConnection(true)
	stderr := logentry.KindStderr
	b.SetFilterOptions(errOnly.ID(), FilterPatch{Kind: &stderr})
	b.Subscribe(errOnly.ID(), "app")

	grep := b.OpenConnection(true)
	needle := "panic"
	b.SetFilterOptions(grep.ID(), FilterPatch{TextContains: &needle})
	b.Subscribe(grep.ID(), "app")

	all := b.OpenConnection(true)
	b.Subscribe(all.ID(), Wildcard)
	b.Subscribe(all.ID(), "app") // direct + wildcard: still matched once

	other := b.OpenConnection(true)
	b.IngestLifecycle(2, "db", EventStart)
	b.Subscribe(other.ID(), "db")

	entries := []logentry.LogEntry{
		{Kind: logentry.Stdout, Message: "ok", ProcessName: "app"},
		{Kind: logentry.Stderr, Message: "PANIC: boom", ProcessName: "app"},
		{Kind: logentry.Stdout, Message: "\x1b[31mpanic\x1b[0m", ProcessName: "app"},
	}
	for _, e := range entries {
		ids := b.MatchingConnections(e)
		matched := make(map[string]int, len(ids))
		for _, id := range ids {
			matched[id]++
		}
		for _, c := range []*Connection{errOnly, grep, all, other} {
			st, err := b.ConnectionState(c.ID())
			if err != nil {
				t.Fatal(err)
			}
			want := c != other && logentry.PassesFilter(e, st.Filter)
			if got := matched[c.ID()]; (got == 1) != want || got > 1 {
				t.Errorf("entry %q: connection matched %d times, want match=%v (filter %+v)", e.Message, got, want, st.Filter)
			}
		}
	}
}

func TestBrokerWildcardThenUnsubscribeAll(t *testing.T) {
	b := newTestBroker(t, Options{})
	conn := b.OpenConnection(true)
	if err := b.Subscribe(conn.ID(), "all"); err != nil {
		t.Fatal(err)
	}
	ch := collect(t, b, conn.ID())

	b.IngestLifecycle(1, "late", EventStart)
	b.IngestLog(1, logentry.Stdout, []byte("seen\n"))
	if got := receive(t, ch, 1); got[0] != "seen" {
		t.Fatalf("wildcard delivery = %q", got)
	}

	if err := b.Unsubscribe(conn.ID(), ""); err != nil {
		t.Fatal(err)
	}
	st, _ := b.ConnectionState(conn.ID())
	if len(st.Subscriptions) != 0 {
		t.Fatalf("Subscriptions = %q after unsubscribe-all", st.Subscriptions)
	}

	b.IngestLifecycle(2, "later", EventStart)
	b.IngestLog(2, logentry.Stdout, []byte("unseen\n"))
	b.IngestLog(1, logentry.Stdout, []byte("unseen\n"))
	expectNothing(t, ch)
}

func TestBrokerRestartKeepsHistory(t *testing.T) {
	b := newTestBroker(t, Options{})
	b.IngestLifecycle(10, "app", EventStart)
	b.IngestLog(10, logentry.Stdout, []byte("before\n"))

	b.IngestLifecycle(10, "app", EventExit)
	if b.IsWatched("app") {
		t.Fatal("app watched after exit")
	}
	b.IngestLifecycle(11, "app", EventRestart)

	b.IngestLog(10, logentry.Stdout, []byte("stale pid\n"))
	b.IngestLog(11, logentry.Stdout, []byte("after\n"))

	if got := messages(b.GetRecentLogs("app", 0)); !equalStrings(got, []string{"before", "after"}) {
		t.Fatalf("GetRecentLogs = %q", got)
	}
}

func TestBrokerStaleExitIgnored(t *testing.T) {
	b := newTestBroker(t, Options{})
	b.IngestLifecycle(1, "app", EventStart)
	b.IngestLifecycle(2, "app", EventRestart)
	b.IngestLifecycle(1, "app", EventExit) // late event of the previous instance

	if !b.IsWatched("app") {
		t.Fatal("stale exit unwatched the restarted process")
	}
}

func TestBrokerBackpressureClosesConnection(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	b := NewBroker(zap.New(core), Options{QueueDepth: 2, DefaultFormat: &logentry.FormatOptions{}})
	t.Cleanup(b.Cleanup)

	b.IngestLifecycle(1, "app", EventStart)
	slow := b.OpenConnection(true)
	fast := b.OpenConnection(true)
	b.Subscribe(slow.ID(), "app")
	b.Subscribe(fast.ID(), "app")
	fastCh := collect(t, b, fast.ID())

	// slow never registers a callback, so its queue fills up on the third line.
	var got []string
	for _, m := range []string{"1", "2", "3"} {
		b.IngestLog(1, logentry.Stdout, []byte(m+"\n"))
		got = append(got, receive(t, fastCh, 1)...)
	}

	select {
	case <-slow.Done():
	case <-time.After(time.Second):
		t.Fatal("overflowing connection not closed")
	}
	if !errors.Is(slow.Err(), ErrConnectionBackpressure) {
		t.Fatalf("Err() = %v, want ErrConnectionBackpressure", slow.Err())
	}
	if _, err := b.ConnectionState(slow.ID()); !errors.Is(err, ErrUnknownConnection) {
		t.Fatalf("closed connection still registered: %v", err)
	}

	if !equalStrings(got, []string{"1", "2", "3"}) {
		t.Fatalf("healthy connection got %q", got)
	}

	warned := logs.FilterMessage("connection closed").FilterField(zap.String("conn", slow.ID()))
	if warned.Len() != 1 {
		t.Fatalf("expected one backpressure warning, got %d", warned.Len())
	}
}

func TestBrokerSubscribeReplaysHistory(t *testing.T) {
	b := newTestBroker(t, Options{})
	b.IngestLifecycle(1, "app", EventStart)
	b.IngestLog(1, logentry.Stdout, []byte("h1\nh2\n"))

	conn := b.OpenConnection(true)
	if err := b.Subscribe(conn.ID(), "app"); err != nil {
		t.Fatal(err)
	}
	if err := b.Subscribe(conn.ID(), "app"); err != nil { // no second replay
		t.Fatal(err)
	}
	ch := collect(t, b, conn.ID())
	b.IngestLog(1, logentry.Stdout, []byte("live\n"))

	if got := receive(t, ch, 3); !equalStrings(got, []string{"h1", "h2", "live"}) {
		t.Fatalf("delivered %q", got)
	}
	expectNothing(t, ch)
}

func TestBrokerWildcardReplayMergesByTime(t *testing.T) {
	b := newTestBroker(t, Options{})
	b.IngestLifecycle(1, "a", EventStart)
	b.IngestLifecycle(2, "b", EventStart)
	b.IngestLog(1, logentry.Stdout, []byte("a1\n"))
	b.IngestLog(2, logentry.Stdout, []byte("b1\n"))
	b.IngestLog(1, logentry.Stdout, []byte("a2\n"))

	conn := b.OpenConnection(true)
	if err := b.Subscribe(conn.ID(), Wildcard); err != nil {
		t.Fatal(err)
	}
	ch := collect(t, b, conn.ID())

	if got := receive(t, ch, 3); !equalStrings(got, []string{"a1", "b1", "a2"}) {
		t.Fatalf("replay = %q", got)
	}
}

func TestBrokerReplayTruncatedToQueue(t *testing.T) {
	b := newTestBroker(t, Options{QueueDepth: 2})
	b.IngestLifecycle(1, "app", EventStart)
	b.IngestLog(1, logentry.Stdout, []byte("1\n2\n3\n4\n"))

	conn := b.OpenConnection(true)
	if err := b.Subscribe(conn.ID(), "app"); err != nil {
		t.Fatal(err)
	}
	ch := collect(t, b, conn.ID())
	if got := receive(t, ch, 2); !equalStrings(got, []string{"3", "4"}) {
		t.Fatalf("replay = %q, want the most recent entries", got)
	}
}

func TestBrokerInvalidRegexKeepsFilter(t *testing.T) {
	b := newTestBroker(t, Options{})
	conn := b.OpenConnection(true)

	good := "^ok"
	if _, err := b.SetFilterOptions(conn.ID(), FilterPatch{Regex: &good}); err != nil {
		t.Fatal(err)
	}
	bad := "(["
	f, err := b.SetFilterOptions(conn.ID(), FilterPatch{Regex: &bad})
	if !errors.Is(err, ErrInvalidFilterPattern) {
		t.Fatalf("err = %v, want ErrInvalidFilterPattern", err)
	}
	if f.Pattern() != good {
		t.Fatalf("returned pattern %q, want %q", f.Pattern(), good)
	}
	st, _ := b.ConnectionState(conn.ID())
	if st.Filter.Pattern() != good {
		t.Fatalf("stored pattern %q, want %q", st.Filter.Pattern(), good)
	}
}

func TestBrokerAuthentication(t *testing.T) {
	b := newTestBroker(t, Options{})
	b.IngestLifecycle(1, "app", EventStart)

	conn := b.OpenConnection(false)
	if err := b.Subscribe(conn.ID(), "app"); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("Subscribe = %v, want ErrUnauthenticated", err)
	}
	if err := b.Authenticate(conn.ID()); err != nil {
		t.Fatal(err)
	}
	if err := b.Subscribe(conn.ID(), "app"); err != nil {
		t.Fatalf("Subscribe after auth: %v", err)
	}
	if err := b.Authenticate("nope"); !errors.Is(err, ErrUnknownConnection) {
		t.Fatalf("Authenticate(nope) = %v", err)
	}
}

func TestBrokerFormatPerConnection(t *testing.T) {
	b := newTestBroker(t, Options{})
	b.IngestLifecycle(1, "app", EventStart)

	conn := b.OpenConnection(true)
	yes := true
	if _, err := b.SetFormatOptions(conn.ID(), FormatPatch{StripANSI: &yes, IncludeKind: &yes}); err != nil {
		t.Fatal(err)
	}
	b.Subscribe(conn.ID(), "app")
	ch := collect(t, b, conn.ID())

	b.IngestLog(1, logentry.Stderr, []byte("\x1b[1mbold\x1b[0m\n"))
	if got := receive(t, ch, 1); got[0] != "[stderr] bold" {
		t.Fatalf("delivered %q", got[0])
	}
}

func TestBrokerDefaultFormatIsJSON(t *testing.T) {
	b := NewBroker(zap.NewNop(), Options{})
	t.Cleanup(b.Cleanup)
	b.IngestLifecycle(1, "app", EventStart)

	conn := b.OpenConnection(true)
	b.Subscribe(conn.ID(), "app")
	ch := make(chan logentry.Rendered, 1)
	b.RegisterDeliveryCallback(conn.ID(), func(r logentry.Rendered) { ch <- r })
	b.IngestLog(1, logentry.Stdout, []byte("hi\n"))

	select {
	case r := <-ch:
		if !r.IsJSON() || r.Record.ProcessName != "app" || r.Record.Message != "hi" || r.Record.Kind != logentry.Stdout {
			t.Fatalf("rendered = %+v", r.Record)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("nothing delivered")
	}
}

func TestBrokerForget(t *testing.T) {
	b := newTestBroker(t, Options{})
	b.IngestLifecycle(1, "app", EventStart)
	b.IngestLog(1, logentry.Stdout, []byte("x\n"))

	if err := b.Forget("app"); !errors.Is(err, ErrProcessWatched) {
		t.Fatalf("Forget(watched) = %v", err)
	}
	b.IngestLifecycle(1, "app", EventStop)
	if got := b.GetRecentLogs("app", 0); len(got) != 1 {
		t.Fatalf("buffer not retained after stop: %v", got)
	}
	if err := b.Forget("app"); err != nil {
		t.Fatal(err)
	}
	if err := b.Forget("app"); !errors.Is(err, ErrUnknownProcess) {
		t.Fatalf("second Forget = %v", err)
	}
	if got := b.GetRecentLogs("app", 0); len(got) != 0 {
		t.Fatalf("GetRecentLogs after Forget = %v", got)
	}
}

func TestBrokerCleanupClosesConnections(t *testing.T) {
	b := NewBroker(zap.NewNop(), Options{})
	b.IngestLifecycle(1, "app", EventStart)
	conn := b.OpenConnection(true)

	b.Cleanup()

	select {
	case <-conn.Done():
	default:
		t.Fatal("connection still open after Cleanup")
	}
	if !errors.Is(conn.Err(), ErrBrokerClosed) {
		t.Fatalf("Err() = %v", conn.Err())
	}
	if st := b.Stats(); st != (Stats{}) {
		t.Fatalf("Stats() = %+v after Cleanup", st)
	}
}

func TestBrokerClosedAfterCleanup(t *testing.T) {
	b := NewBroker(zap.NewNop(), Options{})
	b.IngestLifecycle(1, "app", EventStart)
	b.Cleanup()
	b.Cleanup() // second call is a no-op

	conn := b.OpenConnection(true)
	select {
	case <-conn.Done():
	default:
		t.Fatal("connection opened after Cleanup is live")
	}
	if !errors.Is(conn.Err(), ErrBrokerClosed) {
		t.Fatalf("Err() = %v", conn.Err())
	}
	if err := b.Subscribe(conn.ID(), Wildcard); !errors.Is(err, ErrBrokerClosed) {
		t.Fatalf("Subscribe after Cleanup = %v", err)
	}

	b.IngestLifecycle(2, "late", EventStart)
	b.IngestLog(2, logentry.Stdout, []byte("late\n"))
	if st := b.Stats(); st != (Stats{}) {
		t.Fatalf("Stats() = %+v after Cleanup", st)
	}
}

func TestBrokerCloseConnection(t *testing.T) {
	b := newTestBroker(t, Options{})
	conn := b.OpenConnection(true)
	if err := b.CloseConnection(conn.ID()); err != nil {
		t.Fatal(err)
	}
	if conn.Err() != nil {
		t.Fatalf("orderly close reason = %v", conn.Err())
	}
	if err := b.CloseConnection(conn.ID()); !errors.Is(err, ErrUnknownConnection) {
		t.Fatalf("second close = %v", err)
	}
}

func TestBrokerConcurrentIngest(t *testing.T) {
	b := newTestBroker(t, Options{BufferCapacity: 1000, QueueDepth: 4096})
	b.IngestLifecycle(1, "a", EventStart)
	b.IngestLifecycle(2, "b", EventStart)
	conn := b.OpenConnection(true)
	b.Subscribe(conn.ID(), Wildcard)

	var delivered sync.WaitGroup
	delivered.Add(400)
	b.RegisterDeliveryCallback(conn.ID(), func(logentry.Rendered) { delivered.Done() })

	var wg sync.WaitGroup
	for pid := 1; pid <= 2; pid++ {
		wg.Add(1)
		go func(pid int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				b.IngestLog(pid, logentry.Stdout, []byte("line\n"))
			}
		}(pid)
	}
	wg.Wait()

	done := make(chan struct{})
	go func() { delivered.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("not every entry was delivered")
	}
	if n := len(b.GetRecentLogs("a", 0)) + len(b.GetRecentLogs("b", 0)); n != 400 {
		t.Fatalf("buffered %d entries, want 400", n)
	}
}
