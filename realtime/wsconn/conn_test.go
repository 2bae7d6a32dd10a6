package wsconn

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/goliatone/go-repository-live/realtime"
)

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	if query != "" {
		u += "?" + query
	}
	ws, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func newServer(t *testing.T) (*realtime.Registry, *httptest.Server) {
	t.Helper()
	registry := realtime.NewRegistry()
	mux := http.NewServeMux()
	mux.Handle("/ws", NewHandler(registry))
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		registry.Close()
		srv.Close()
	})
	return registry, srv
}

func TestHandler_DeliversEvents(t *testing.T) {
	registry, srv := newServer(t)
	ws := dial(t, srv, "")
	waitFor(t, func() bool { return registry.Len() == 1 })

	registry.Deliver(realtime.Event{Topic: "products", Kind: realtime.EventCreated, RecordID: "42", Sequence: 3})

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got realtime.Event
	if err := ws.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.RecordID != "42" || got.Kind != realtime.EventCreated || got.Sequence != 3 {
		t.Errorf("unexpected event %+v", got)
	}
}

func TestHandler_TopicFilter(t *testing.T) {
	registry, srv := newServer(t)
	ws := dial(t, srv, url.Values{"topics": {"orders, products"}}.Encode())
	waitFor(t, func() bool { return registry.Len() == 1 })

	registry.Deliver(realtime.Event{Topic: "customers", RecordID: "skip"})
	registry.Deliver(realtime.Event{Topic: "products", RecordID: "keep"})

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got realtime.Event
	if err := ws.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.RecordID != "keep" {
		t.Errorf("expected filtered delivery, got %s", got.RecordID)
	}
}

func TestHandler_ClientDisconnectUnregisters(t *testing.T) {
	registry, srv := newServer(t)
	ws := dial(t, srv, "")
	waitFor(t, func() bool { return registry.Len() == 1 })

	ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	ws.Close()
	waitFor(t, func() bool { return registry.Len() == 0 })

	if n := registry.Deliver(realtime.Event{Topic: "products"}); n != 0 {
		t.Errorf("delivered to %d closed connections", n)
	}
}

func TestHandler_RejectsPlainHTTP(t *testing.T) {
	registry, srv := newServer(t)
	resp, err := http.Get(srv.URL + "/ws")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status %d", resp.StatusCode)
	}
	if registry.Len() != 0 {
		t.Error("plain request registered a connection")
	}
}

func TestRegistryClose_ClosesSocket(t *testing.T) {
	registry, srv := newServer(t)
	ws := dial(t, srv, "")
	waitFor(t, func() bool { return registry.Len() == 1 })

	registry.Close()

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("expected normal closure, got %v", err)
	}
}

func TestConn_SendAfterClose(t *testing.T) {
	var server *Conn
	ready := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		server = New("srv", ws)
		close(ready)
	}))
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()
	<-ready

	calls := 0
	server.OnClose(func() { calls++ })
	if err := server.Close(); err != nil {
		t.Logf("close: %v", err)
	}
	server.Close()
	server.OnClose(func() { calls++ })

	if calls != 2 {
		t.Errorf("expected handler registered before and after close to run once each, got %d", calls)
	}
	if err := server.Send(context.Background(), realtime.Event{}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	select {
	case <-server.Done():
	default:
		t.Error("Done not closed")
	}
}

func TestTopics(t *testing.T) {
	tests := []struct {
		query string
		want  []string
	}{
		{"", nil},
		{"topics=products", []string{"products"}},
		{"topics=a,%20b,,", []string{"a", "b"}},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws?"+tt.query, nil)
		got := topics(r)
		if strings.Join(got, "|") != strings.Join(tt.want, "|") {
			t.Errorf("%q: got %v want %v", tt.query, got, tt.want)
		}
	}
}
