package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/toolgate/internal/audit"
	"github.com/jkaninda/toolgate/internal/security"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type staticAuth map[string]security.Context

func (a staticAuth) Authenticate(header, _ string) (security.Context, error) {
	if p, ok := a[strings.TrimPrefix(header, "Bearer ")]; ok {
		return p, nil
	}
	return security.Context{}, errors.New("invalid credentials")
}

var principals = staticAuth{
	"alice-key": {UserID: "alice", TrustLevel: security.TrustVerified},
	"root-key":  {UserID: "root", TrustLevel: security.TrustSystem},
}

func dial(t *testing.T, ctx context.Context, srv *httptest.Server, key, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/" + query
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader:   http.Header{"Authorization": {"Bearer " + key}},
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	if env := read(t, ctx, conn); env.Type != MsgSubscribed {
		t.Fatalf("first message = %s, want subscribed", env.Type)
	}
	return conn
}

type received struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

func read(t *testing.T, ctx context.Context, conn *websocket.Conn) received {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env received
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatal(err)
	}
	return env
}

func event(id, user string, typ audit.EventType) audit.Event {
	return audit.Event{
		ID:        id,
		Timestamp: time.Now().UTC(),
		ToolID:    "list_directory",
		Type:      typ,
		Context:   audit.Context{UserID: user},
	}
}

func TestStreamDeliversMatchingEvents(t *testing.T) {
	s := NewServer(Config{}, principals, discard)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	alice := dial(t, ctx, srv, "alice-key", "")
	root := dial(t, ctx, srv, "root-key", "?type=denied")
	if n := s.Clients(); n != 2 {
		t.Fatalf("Clients() = %d, want 2", n)
	}

	for _, ev := range []audit.Event{
		event("1", "bob", audit.EventDenied),
		event("2", "alice", audit.EventCompleted),
		event("3", "alice", audit.EventDenied),
	} {
		if err := s.SendEvent(ev); err != nil {
			t.Fatal(err)
		}
	}

	ids := func(conn *websocket.Conn, n int) []string {
		var out []string
		for range n {
			env := read(t, ctx, conn)
			if env.Type != MsgEvent {
				t.Fatalf("message type = %s", env.Type)
			}
			var ev audit.Event
			if err := json.Unmarshal(env.Data, &ev); err != nil {
				t.Fatal(err)
			}
			out = append(out, ev.ID)
		}
		return out
	}

	// alice only sees her own events; root sees every denial.
	if got := strings.Join(ids(alice, 2), ","); got != "2,3" {
		t.Errorf("alice received %s, want 2,3", got)
	}
	if got := strings.Join(ids(root, 2), ","); got != "1,3" {
		t.Errorf("root received %s, want 1,3", got)
	}
}

func TestStreamRejectsUnauthenticated(t *testing.T) {
	s := NewServer(Config{}, principals, discard)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.Dial(ctx, url, nil)
	if err == nil {
		t.Fatal("dial without credentials should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("response = %v", resp)
	}

	_, resp, err = websocket.Dial(ctx, url+"/?token=alice-key&type=bogus", nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad filter: err = %v, resp = %v", err, resp)
	}
}

func TestSlowClientDropsEvents(t *testing.T) {
	s := NewServer(Config{BufferSize: 1}, principals, discard)
	c := &client{
		principal: principals["root-key"],
		send:      make(chan audit.Event, 1),
		done:      make(chan struct{}),
	}
	if !s.register(c) {
		t.Fatal("register failed")
	}

	for i := range 3 {
		_ = s.SendEvent(event(string(rune('a'+i)), "bob", audit.EventCompleted))
	}
	if d := s.Dropped(); d != 2 {
		t.Errorf("Dropped() = %d, want 2", d)
	}
	if ev := <-c.send; ev.ID != "a" {
		t.Errorf("queued event = %s, want a", ev.ID)
	}

	s.Close()
	select {
	case <-c.done:
	default:
		t.Error("Close() did not signal the client")
	}
	if s.register(&client{done: make(chan struct{})}) {
		t.Error("register after Close should fail")
	}
}
