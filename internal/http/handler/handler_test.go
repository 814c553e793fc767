package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/edirooss/logstream-server/internal/domain/logentry"
	"github.com/edirooss/logstream-server/internal/infrastructure/logbroker"
	"github.com/edirooss/logstream-server/internal/service"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func init() { gin.SetMode(gin.TestMode) }

type fixture struct {
	broker *logbroker.Broker
	auth   *service.AuthService
	router *gin.Engine
}

func newFixture(t *testing.T, creds service.Credentials) *fixture {
	t.Helper()
	broker := logbroker.NewBroker(zap.NewNop(), logbroker.Options{BufferCapacity: 10})
	t.Cleanup(broker.Cleanup)

	auth, err := service.NewAuthService(zap.NewNop(), creds, nil)
	if err != nil {
		t.Fatal(err)
	}

	r := gin.New()
	ph := NewProcessesHandler(zap.NewNop(), broker, service.NewProcessListService(zap.NewNop(), broker, service.ProcessListOptions{}))
	r.GET("/api/processes", ph.List)
	r.GET("/api/processes/:name/logs", ph.GetLogs)
	r.DELETE("/api/processes/:name/logs", ph.ForgetLogs)
	r.GET("/api/stats", ph.Stats)

	sh := NewStreamHandler(zap.NewNop(), broker, auth, time.Hour)
	r.GET("/api/stream", sh.Stream)
	r.GET("/api/stream/:cid", sh.State)
	r.POST("/api/stream/:cid/auth", sh.Authenticate)
	r.POST("/api/stream/:cid/subscriptions", sh.Subscribe)
	r.DELETE("/api/stream/:cid/subscriptions", sh.Unsubscribe)
	r.PATCH("/api/stream/:cid/options", sh.PatchOptions)

	return &fixture{broker: broker, auth: auth, router: r}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestProcessesEndpoints(t *testing.T) {
	f := newFixture(t, service.Credentials{})
	f.broker.IngestLifecycle(1, "app", logbroker.EventStart)
	f.broker.IngestLog(1, logentry.Stdout, []byte("a\nb\n"))

	w := f.do(t, http.MethodGet, "/api/processes", "")
	if w.Code != http.StatusOK || w.Header().Get("X-Total-Count") != "1" {
		t.Fatalf("list: %d %s", w.Code, w.Body.String())
	}
	list := decode[[]logbroker.ProcessStatus](t, w)
	if list[0].Name != "app" || list[0].ProcessID != 1 || list[0].Buffered != 2 {
		t.Fatalf("list = %+v", list)
	}

	w = f.do(t, http.MethodGet, "/api/processes/app/logs?lines=1&format=text", "")
	if got := decode[[]string](t, w); len(got) != 1 || got[0] != "b" {
		t.Fatalf("text logs = %q", got)
	}

	w = f.do(t, http.MethodGet, "/api/processes/app/logs", "")
	records := decode[[]logentry.Record](t, w)
	if len(records) != 2 || records[0].Message != "a" || records[0].ProcessName != "app" {
		t.Fatalf("json logs = %+v", records)
	}

	w = f.do(t, http.MethodGet, "/api/processes/ghost/logs", "")
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "[]" {
		t.Fatalf("ghost logs: %d %s", w.Code, w.Body.String())
	}
	if w := f.do(t, http.MethodGet, "/api/processes/app/logs?lines=-3", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("negative lines: %d", w.Code)
	}

	if w := f.do(t, http.MethodDelete, "/api/processes/app/logs", ""); w.Code != http.StatusConflict {
		t.Fatalf("forget watched: %d", w.Code)
	}
	f.broker.IngestLifecycle(1, "app", logbroker.EventStop)
	if w := f.do(t, http.MethodDelete, "/api/processes/app/logs", ""); w.Code != http.StatusNoContent {
		t.Fatalf("forget stopped: %d", w.Code)
	}
	if w := f.do(t, http.MethodDelete, "/api/processes/app/logs", ""); w.Code != http.StatusNotFound {
		t.Fatalf("forget twice: %d", w.Code)
	}

	stats := decode[logbroker.Stats](t, f.do(t, http.MethodGet, "/api/stats", ""))
	if stats != (logbroker.Stats{}) {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestStreamControlAPI(t *testing.T) {
	f := newFixture(t, service.Credentials{Token: "t0k"})
	f.broker.IngestLifecycle(1, "app", logbroker.EventStart)

	conn := f.broker.OpenConnection(false)
	base := "/api/stream/" + conn.ID()

	if w := f.do(t, http.MethodPost, base+"/subscriptions", `{"process":"app"}`); w.Code != http.StatusUnauthorized {
		t.Fatalf("subscribe unauthenticated: %d", w.Code)
	}
	if w := f.do(t, http.MethodPost, base+"/auth", `{"token":"nope"}`); w.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: %d", w.Code)
	}
	w := f.do(t, http.MethodPost, base+"/auth", `{"token":"t0k"}`)
	if st := decode[connectionView](t, w); w.Code != http.StatusOK || !st.Authenticated {
		t.Fatalf("auth: %d %s", w.Code, w.Body.String())
	}

	if w := f.do(t, http.MethodPost, base+"/subscriptions", `{"process":"ghost"}`); w.Code != http.StatusNotFound {
		t.Fatalf("subscribe ghost: %d", w.Code)
	}
	if w := f.do(t, http.MethodPost, base+"/subscriptions", `{"proc":"app"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("unknown field: %d", w.Code)
	}
	f.do(t, http.MethodPost, base+"/subscriptions", `{"process":"app"}`)
	w = f.do(t, http.MethodPost, base+"/subscriptions", `{"process":"all"}`)
	if st := decode[connectionView](t, w); len(st.Subscriptions) != 2 || st.Subscriptions[0] != "*" || st.Subscriptions[1] != "app" {
		t.Fatalf("subscriptions = %q", st.Subscriptions)
	}

	w = f.do(t, http.MethodDelete, base+"/subscriptions?process=*", "")
	if st := decode[connectionView](t, w); len(st.Subscriptions) != 1 {
		t.Fatalf("after removing wildcard: %q", st.Subscriptions)
	}
	w = f.do(t, http.MethodDelete, base+"/subscriptions", "")
	if st := decode[connectionView](t, w); len(st.Subscriptions) != 0 {
		t.Fatalf("after unsubscribe all: %q", st.Subscriptions)
	}

	w = f.do(t, http.MethodPatch, base+"/options", `{"filter":{"kind":"err","regex":"^x"},"format":{"format":"text","show_kind":true}}`)
	st := decode[connectionView](t, w)
	if st.Filter.Kind != logentry.KindStderr || st.Filter.Regex != "^x" || st.Format.Format != "text" || !st.Format.ShowKind {
		t.Fatalf("options = %+v", st)
	}

	if w := f.do(t, http.MethodPatch, base+"/options", `{"filter":{"regex":"(["}}`); w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("bad regex: %d", w.Code)
	}
	if w := f.do(t, http.MethodPatch, base+"/options", `{"format":{"format":"xml"}}`); w.Code != http.StatusBadRequest {
		t.Fatalf("bad format: %d", w.Code)
	}
	st = decode[connectionView](t, f.do(t, http.MethodGet, base, ""))
	if st.Filter.Regex != "^x" || st.Format.Format != "text" {
		t.Fatalf("options changed by rejected patches: %+v", st)
	}

	f.broker.CloseConnection(conn.ID())
	if w := f.do(t, http.MethodGet, base, ""); w.Code != http.StatusNotFound {
		t.Fatalf("closed connection: %d", w.Code)
	}
}

func TestGetLogsBadQueryRecordsError(t *testing.T) {
	broker := logbroker.NewBroker(zap.NewNop(), logbroker.Options{})
	t.Cleanup(broker.Cleanup)
	ph := NewProcessesHandler(zap.NewNop(), broker, service.NewProcessListService(zap.NewNop(), broker, service.ProcessListOptions{}))

	var recorded []string
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Next()
		recorded = append(recorded, c.Errors.String())
	})
	r.GET("/api/processes/:name/logs", ph.GetLogs)

	for _, path := range []string{
		"/api/processes/app/logs?lines=-3",
		"/api/processes/app/logs?format=yaml",
	} {
		recorded = nil
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusBadRequest {
			t.Fatalf("GET %s = %d", path, w.Code)
		}
		if len(recorded) != 1 || recorded[0] == "" {
			t.Fatalf("GET %s: errors not recorded on the context: %q", path, recorded)
		}
		if msg := decode[map[string]string](t, w)["message"]; msg == "" {
			t.Fatalf("GET %s: empty message", path)
		}
	}
}

func TestStreamAfterBrokerCleanup(t *testing.T) {
	f := newFixture(t, service.Credentials{})
	f.broker.Cleanup()

	w := f.do(t, http.MethodGet, "/api/stream", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("stream after cleanup: %d %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), logbroker.ErrBrokerClosed.Error()) {
		t.Fatalf("body = %s", w.Body.String())
	}
	if st := f.broker.Stats(); st.Connections != 0 {
		t.Fatalf("connections after cleanup = %d", st.Connections)
	}
}

func TestStreamRejectsBeforeOpening(t *testing.T) {
	f := newFixture(t, service.Credentials{Token: "t0k"})
	f.broker.IngestLifecycle(1, "app", logbroker.EventStart)

	if w := f.do(t, http.MethodGet, "/api/stream?process=app", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated with process: %d", w.Code)
	}

	authed := func(path string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Authorization", "Bearer t0k")
		w := httptest.NewRecorder()
		f.router.ServeHTTP(w, req)
		return w.Code
	}
	for path, want := range map[string]int{
		"/api/stream?process=ghost":            http.StatusNotFound,
		"/api/stream?process=app&regex=%28%5B": http.StatusUnprocessableEntity,
		"/api/stream?process=app&kind=stdin":   http.StatusBadRequest,
		"/api/stream?format=yaml":              http.StatusBadRequest,
	} {
		if got := authed(path); got != want {
			t.Errorf("GET %s = %d, want %d", path, got, want)
		}
	}
	if st := f.broker.Stats(); st.Connections != 0 {
		t.Fatalf("rejected streams left %d connections open", st.Connections)
	}
}

type sseEvent struct {
	name string
	data string
}

func readEvent(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read event: %v (partial %+v)", err, ev)
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if ev.name != "" || ev.data != "" {
				return ev
			}
		case strings.HasPrefix(line, "event:"):
			ev.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			ev.data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
}

func TestStreamDeliversOverSSE(t *testing.T) {
	f := newFixture(t, service.Credentials{})
	f.broker.IngestLifecycle(1, "app", logbroker.EventStart)
	f.broker.IngestLog(1, logentry.Stdout, []byte("old\n"))

	srv := httptest.NewServer(f.router)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/stream?process=app&format=text", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	body := bufio.NewReader(resp.Body)

	hello := readEvent(t, body)
	var h helloEvent
	if err := json.Unmarshal([]byte(hello.data), &h); hello.name != "hello" || err != nil || !h.Authenticated {
		t.Fatalf("hello = %+v (%v)", hello, err)
	}

	if ev := readEvent(t, body); ev.name != "log" || ev.data != "old" {
		t.Fatalf("replayed event = %+v", ev)
	}
	f.broker.IngestLog(1, logentry.Stdout, []byte("new\n"))
	if ev := readEvent(t, body); ev.name != "log" || ev.data != "new" {
		t.Fatalf("live event = %+v", ev)
	}

	// Switch to stderr-only JSON through the control API while streaming.
	w := f.do(t, http.MethodPatch, "/api/stream/"+h.ConnectionID+"/options", `{"filter":{"kind":"stderr"},"format":{"format":"json"}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("patch options: %d %s", w.Code, w.Body.String())
	}
	f.broker.IngestLog(1, logentry.Stdout, []byte("skipped\n"))
	f.broker.IngestLog(1, logentry.Stderr, []byte("kept\n"))

	ev := readEvent(t, body)
	var rec logentry.Record
	if err := json.Unmarshal([]byte(ev.data), &rec); err != nil || rec.Message != "kept" || rec.Kind != logentry.Stderr {
		t.Fatalf("filtered event = %+v (%v)", ev, err)
	}

	// Server-side close is reported before the stream ends.
	f.broker.Cleanup()
	if ev := readEvent(t, body); ev.name != "error" || !strings.Contains(ev.data, logbroker.ErrBrokerClosed.Error()) {
		t.Fatalf("close event = %+v", ev)
	}
}
