package upstream

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// serve runs handler against every accepted channel and returns a dialed
// client websocket.
func serve(t *testing.T, opts Options, handler func(*Channel)) *websocket.Conn {
	t.Helper()
	up := Upgrader(nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ch, err := Accept(w, r, up, opts)
		if err != nil {
			return
		}
		defer ch.Close()
		handler(ch)
	}))
	t.Cleanup(srv.Close)
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func TestSendExactJSON(t *testing.T) {
	ws := serve(t, Options{}, func(ch *Channel) {
		_ = ch.Send(map[string]any{"error": "Invalid session"})
		_, _ = ch.Recv()
	})
	mt, msg, err := ws.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if mt != websocket.TextMessage || string(msg) != `{"error":"Invalid session"}` {
		t.Fatalf("got %d %q", mt, msg)
	}
}

func TestSendRawUnchanged(t *testing.T) {
	const raw = `{"name":"keep_alive","data":{"keep_alive_id":12345678901234567890}}`
	ws := serve(t, Options{}, func(ch *Channel) {
		_ = ch.SendRaw([]byte(raw))
		_, _ = ch.Recv()
	})
	mt, msg, err := ws.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if mt != websocket.TextMessage || string(msg) != raw {
		t.Fatalf("got %d %q", mt, msg)
	}
}

func TestRecvEOFOnClientClose(t *testing.T) {
	got := make(chan error, 1)
	ws := serve(t, Options{}, func(ch *Channel) {
		msg, err := ch.Recv()
		if err != nil || string(msg) != `{"type":"hello"}` {
			got <- errors.New("first message lost")
			return
		}
		_, err = ch.Recv()
		got <- err
	})
	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"hello"}`)); err != nil {
		t.Fatal(err)
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-got:
		if err != io.EOF {
			t.Fatalf("recv = %v, want io.EOF", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server never saw the close")
	}
}

func TestSendAfterClose(t *testing.T) {
	done := make(chan error, 1)
	ws := serve(t, Options{}, func(ch *Channel) {
		ch.Close()
		ch.Close()
		done <- ch.Send(map[string]string{"name": "x"})
	})
	if err := <-done; !errors.Is(err, ErrClosed) {
		t.Fatalf("send after close = %v, want ErrClosed", err)
	}
	if _, _, err := ws.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("client read = %v, want normal close", err)
	}
}

func TestIdlePeerTimesOut(t *testing.T) {
	got := make(chan error, 1)
	// the client never reads, so pings go unanswered
	serve(t, Options{PongWait: 200 * time.Millisecond}, func(ch *Channel) {
		_, err := ch.Recv()
		got <- err
	})
	select {
	case err := <-got:
		if err == nil || err == io.EOF {
			t.Fatalf("recv = %v, want a timeout", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("idle peer was not timed out")
	}
}

func TestUpgraderOrigins(t *testing.T) {
	up := Upgrader([]string{"https://play.example.com"})
	cases := []struct {
		origin string
		ok     bool
	}{
		{"", true},
		{"https://play.example.com", true},
		{"https://PLAY.example.com", true},
		{"https://evil.example.com", false},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if tc.origin != "" {
			r.Header.Set("Origin", tc.origin)
		}
		if got := up.CheckOrigin(r); got != tc.ok {
			t.Errorf("origin %q: got %v, want %v", tc.origin, got, tc.ok)
		}
	}
	if !Upgrader([]string{"*"}).CheckOrigin(httptest.NewRequest(http.MethodGet, "/", nil)) {
		t.Error("wildcard should allow")
	}
}

func TestOptionsDefaults(t *testing.T) {
	o := Options{PongWait: time.Second, PingPeriod: 2 * time.Second}.withDefaults()
	if o.PingPeriod >= o.PongWait {
		t.Fatalf("ping %v must be below pong wait %v", o.PingPeriod, o.PongWait)
	}
	if o.MaxMessageSize != 1<<20 || o.WriteTimeout != 10*time.Second {
		t.Fatalf("defaults = %+v", o)
	}
}
