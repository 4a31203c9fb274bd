package relay

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sleepy778/1.21.4eag/internal/downstream"
	"github.com/sleepy778/1.21.4eag/internal/proto"
	"github.com/sleepy778/1.21.4eag/internal/ratelimit"
	"github.com/sleepy778/1.21.4eag/internal/session"
	"github.com/sleepy778/1.21.4eag/internal/target"
)

type harness struct {
	relay  *Relay
	reg    *session.MemoryRegistry
	dialer *fakeDialer
	up     *fakeUpstream
	down   *fakeDownstream
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	reg := session.NewMemoryRegistry()
	err := reg.Register(context.Background(), session.Record{ID: "abc123", DisplayName: "Steve", AccessToken: "tok", CreatedAt: time.Now()})
	if err != nil {
		t.Fatal(err)
	}
	down := newFakeDownstream()
	d := &fakeDialer{down: down}
	return &harness{
		relay:  &Relay{Registry: reg, Dialer: d},
		reg:    reg,
		dialer: d,
		up:     newFakeUpstream(),
		down:   down,
	}
}

func (h *harness) serve(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() { done <- h.relay.Serve(ctx, h.up, "203.0.113.9:5000") }()
	return done
}

// connect starts Serve and waits until the downstream is dialed.
func (h *harness) connect(t *testing.T) <-chan error {
	t.Helper()
	done := h.serve(context.Background())
	h.up.push(`{"sessionId":"abc123","host":"play.example.com","port":25565}`)
	deadline := time.Now().Add(5 * time.Second)
	for len(h.dialer.dials()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("downstream never dialed")
		}
		time.Sleep(time.Millisecond)
	}
	return done
}

func (h *harness) assertClosedOnce(t *testing.T) {
	t.Helper()
	if n := h.up.closes.Load(); n != 1 {
		t.Errorf("upstream closed %d times, want 1", n)
	}
	if n := h.down.closes.Load(); n != 1 {
		t.Errorf("downstream closed %d times, want 1", n)
	}
}

func TestRegisteredSessionForwardsKeepAlive(t *testing.T) {
	h := newHarness(t)
	done := h.connect(t)

	call := h.dialer.dials()[0]
	want := dialCall{
		target: target.Target{Host: "play.example.com", Port: 25565},
		creds:  downstream.Credentials{Username: "Steve", AccessToken: "tok"},
	}
	if call != want {
		t.Fatalf("dial = %+v, want %+v", call, want)
	}

	h.down.in <- keepAlive(1)
	expectSent(t, h.up, `{"name":"keep_alive","data":{"id":1}}`)

	close(h.down.in)
	if err := waitServe(t, done); err != nil {
		t.Fatalf("serve = %v, want nil after downstream EOF", err)
	}
	h.assertClosedOnce(t)
	if len(h.up.sent) != 0 {
		t.Fatalf("unexpected message after EOF: %s", <-h.up.sent)
	}
}

func TestInvalidSessionNeverDials(t *testing.T) {
	h := newHarness(t)
	done := h.serve(context.Background())
	h.up.push(`{"sessionId":"doesnotexist","host":"play.example.com","port":25565}`)

	if err := waitServe(t, done); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("serve = %v, want ErrInvalidSession", err)
	}
	expectSent(t, h.up, `{"error":"Invalid session"}`)
	if len(h.up.sent) != 0 {
		t.Fatalf("more than one message sent: %s", <-h.up.sent)
	}
	if n := len(h.dialer.dials()); n != 0 {
		t.Fatalf("dialed %d times", n)
	}
	if n := h.up.closes.Load(); n != 1 {
		t.Fatalf("upstream closed %d times", n)
	}
}

func TestConnectWithoutCredentialsIsInvalid(t *testing.T) {
	h := newHarness(t)
	done := h.serve(context.Background())
	h.up.push(`{"host":"play.example.com","port":25565}`)
	if err := waitServe(t, done); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("serve = %v", err)
	}
	expectSent(t, h.up, `{"error":"Invalid session"}`)
}

func TestDirectCredentialsBypassRegistry(t *testing.T) {
	h := newHarness(t)
	h.relay.Registry = session.NewMemoryRegistry()
	done := h.serve(context.Background())
	h.up.push(`{"host":"play.example.com","port":25565,"username":"Alex","uuid":"0123456789abcdef0123456789abcdef","token":"t2"}`)

	h.down.in <- keepAlive(7)
	expectSent(t, h.up, `{"name":"keep_alive","data":{"id":7}}`)
	if c := h.dialer.dials()[0].creds; c.Username != "Alex" || c.AccessToken != "t2" || c.UUID != "0123456789abcdef0123456789abcdef" {
		t.Fatalf("creds = %+v", c)
	}
	close(h.up.in)
	if err := waitServe(t, done); err != nil {
		t.Fatal(err)
	}
	h.assertClosedOnce(t)
}

func TestOrderPreservedBothWays(t *testing.T) {
	h := newHarness(t)
	done := h.connect(t)
	const n = 50

	go func() {
		for i := 0; i < n; i++ {
			h.down.in <- keepAlive(int64(i))
		}
	}()
	for i := 0; i < n; i++ {
		h.up.push(fmt.Sprintf(`{"name":"chat","data":{"seq":%d}}`, i))
	}

	for i := 0; i < n; i++ {
		expectSent(t, h.up, fmt.Sprintf(`{"name":"keep_alive","data":{"id":%d}}`, i))
	}
	for i := 0; i < n; i++ {
		expectForwarded(t, h.down, proto.Packet{Name: "chat", Data: proto.Map(map[string]proto.Value{"seq": proto.Int(int64(i))})})
	}

	close(h.up.in)
	if err := waitServe(t, done); err != nil {
		t.Fatal(err)
	}
	h.assertClosedOnce(t)
}

func TestMalformedMessageDropped(t *testing.T) {
	h := newHarness(t)
	done := h.connect(t)

	h.up.push(`{"name":"chat"}`)
	h.up.push(`not json at all`)
	h.up.push(`{"type":"control"}`)
	h.up.push(`{"name":"chat","data":{"message":"hi"}}`)

	expectForwarded(t, h.down, proto.Packet{Name: "chat", Data: proto.Map(map[string]proto.Value{"message": proto.String("hi")})})
	if len(h.down.sent) != 0 {
		t.Fatalf("unexpected forward: %v", <-h.down.sent)
	}
	close(h.down.in)
	waitServe(t, done)
}

func TestUnencodablePacketDropped(t *testing.T) {
	h := newHarness(t)
	done := h.connect(t)

	h.up.push(`{"name":"` + unencodableName + `","data":{}}`)
	h.up.push(`{"name":"chat","data":{"message":"still here"}}`)

	expectForwarded(t, h.down, proto.Packet{Name: "chat", Data: proto.Map(map[string]proto.Value{"message": proto.String("still here")})})
	if h.down.closes.Load() != 0 {
		t.Fatal("unencodable packet ended the session")
	}
	close(h.up.in)
	if err := waitServe(t, done); err != nil {
		t.Fatal(err)
	}
	h.assertClosedOnce(t)
}

func TestMessagesBeforeConnectIgnored(t *testing.T) {
	h := newHarness(t)
	done := h.serve(context.Background())
	h.up.push(`{"name":"chat","data":{}}`)
	h.up.push(`{{{`)
	h.up.push(`{"sessionId":"abc123","host":"play.example.com"}`)
	h.down.in <- keepAlive(2)
	expectSent(t, h.up, `{"name":"keep_alive","data":{"id":2}}`)
	if len(h.down.sent) != 0 {
		t.Fatal("packet sent before connect was forwarded")
	}
	if p := h.dialer.dials()[0].target.Port; p != target.DefaultPort {
		t.Fatalf("port = %d, want default", p)
	}
	close(h.up.in)
	waitServe(t, done)
}

func TestDownstreamErrorReportsConnectionLost(t *testing.T) {
	h := newHarness(t)
	done := h.connect(t)
	boom := errors.New("connection reset by peer")
	h.down.fail <- boom

	expectSent(t, h.up, `{"error":"Connection lost"}`)
	if err := waitServe(t, done); !errors.Is(err, boom) {
		t.Fatalf("serve = %v, want %v", err, boom)
	}
	h.assertClosedOnce(t)
}

func TestUpstreamCloseClosesDownstream(t *testing.T) {
	h := newHarness(t)
	done := h.connect(t)
	close(h.up.in)
	if err := waitServe(t, done); err != nil {
		t.Fatal(err)
	}
	h.assertClosedOnce(t)
	if len(h.up.sent) != 0 {
		t.Fatalf("unexpected message: %s", <-h.up.sent)
	}
}

func TestSimultaneousTerminationClosesOnce(t *testing.T) {
	for i := 0; i < 100; i++ {
		h := newHarness(t)
		done := h.connect(t)
		go func() { h.down.fail <- errors.New("lost") }()
		go close(h.up.in)
		waitServe(t, done)
		h.assertClosedOnce(t)
		if t.Failed() {
			return
		}
	}
}

func TestConnectFailedNamesCause(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{&downstream.ConnectError{Kind: downstream.KindUnreachable}, `{"error":"Connect failed: unreachable"}`},
		{&downstream.ConnectError{Kind: downstream.KindRejected, Reason: "Failed to verify username!"}, `{"error":"Connect failed: rejected: Failed to verify username!"}`},
		{&downstream.ConnectError{Kind: downstream.KindHandshake}, `{"error":"Connect failed: handshake"}`},
		{errors.New("other"), `{"error":"Connect failed"}`},
	}
	for _, tc := range cases {
		h := newHarness(t)
		h.dialer.err = tc.err
		done := h.serve(context.Background())
		h.up.push(`{"sessionId":"abc123","host":"play.example.com","port":25565}`)
		if err := waitServe(t, done); !errors.Is(err, tc.err) {
			t.Errorf("serve = %v, want %v", err, tc.err)
		}
		expectSent(t, h.up, tc.want)
		if n := h.up.closes.Load(); n != 1 {
			t.Errorf("upstream closed %d times", n)
		}
	}
}

func TestConnectTimeout(t *testing.T) {
	h := newHarness(t)
	h.relay.Options.ConnectTimeout = 50 * time.Millisecond
	done := h.serve(context.Background())
	if err := waitServe(t, done); !errors.Is(err, ErrConnectTimeout) {
		t.Fatalf("serve = %v", err)
	}
	expectSent(t, h.up, `{"error":"Connect timeout"}`)
	if n := len(h.dialer.dials()); n != 0 {
		t.Fatalf("dialed %d times", n)
	}
}

func TestTargetPolicyAndValidation(t *testing.T) {
	policy, err := target.NewPolicy([]string{"*.example.com"})
	if err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		req  string
		want string
	}{
		{`{"sessionId":"abc123","host":"evil.org","port":25565}`, `{"error":"Target not allowed"}`},
		{`{"sessionId":"abc123","host":"http://play.example.com","port":25565}`, `{"error":"Invalid target"}`},
		{`{"sessionId":"abc123","host":"play.example.com","port":70000}`, `{"error":"Invalid target"}`},
	}
	for _, tc := range cases {
		h := newHarness(t)
		h.relay.Policy = policy
		done := h.serve(context.Background())
		h.up.push(tc.req)
		waitServe(t, done)
		expectSent(t, h.up, tc.want)
		if n := len(h.dialer.dials()); n != 0 {
			t.Errorf("%s: dialed %d times", tc.req, n)
		}
	}
}

func TestConnectRateLimited(t *testing.T) {
	lim := ratelimit.New(0.001, 1, 0)
	for i, want := range []bool{true, false} {
		h := newHarness(t)
		h.relay.Limiter = lim
		done := h.serve(context.Background())
		h.up.push(`{"sessionId":"abc123","host":"play.example.com","port":25565}`)
		if !want {
			if err := waitServe(t, done); !errors.Is(err, ErrRateLimited) {
				t.Fatalf("attempt %d: serve = %v", i, err)
			}
			expectSent(t, h.up, `{"error":"Rate limited"}`)
			continue
		}
		h.down.in <- keepAlive(1)
		expectSent(t, h.up, `{"name":"keep_alive","data":{"id":1}}`)
		close(h.up.in)
		waitServe(t, done)
	}
}

func TestMaxLifetime(t *testing.T) {
	h := newHarness(t)
	h.relay.Options.MaxLifetime = 50 * time.Millisecond
	done := h.connect(t)
	if err := waitServe(t, done); !errors.Is(err, ErrLifetimeExceeded) {
		t.Fatalf("serve = %v", err)
	}
	expectSent(t, h.up, `{"error":"Session expired"}`)
	h.assertClosedOnce(t)
}

func TestContextCancelEndsSession(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := h.serve(ctx)
	h.up.push(`{"sessionId":"abc123","host":"play.example.com","port":25565}`)
	h.down.in <- keepAlive(1)
	expectSent(t, h.up, `{"name":"keep_alive","data":{"id":1}}`)
	cancel()
	if err := waitServe(t, done); !errors.Is(err, context.Canceled) {
		t.Fatalf("serve = %v", err)
	}
	h.assertClosedOnce(t)
}

func TestRevokedSessionIsInvalid(t *testing.T) {
	h := newHarness(t)
	if err := h.reg.Revoke(context.Background(), "abc123"); err != nil {
		t.Fatal(err)
	}
	done := h.serve(context.Background())
	h.up.push(`{"sessionId":"abc123","host":"play.example.com","port":25565}`)
	if err := waitServe(t, done); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("serve = %v", err)
	}
}

func TestStalledUpstreamEndsSession(t *testing.T) {
	h := newHarness(t)
	h.up.writeStall = 50 * time.Millisecond
	done := h.connect(t)

	for i := int64(1); i <= 10; i++ {
		h.down.in <- keepAlive(i)
	}
	err := waitServe(t, done)
	if !errors.Is(err, errWriteTimeout) {
		t.Fatalf("serve = %v, want the write timeout", err)
	}
	h.assertClosedOnce(t)
	if n := h.up.stalled.Load(); n != 1 {
		t.Fatalf("%d sends attempted, want 1", n)
	}
	// the first packet was taken, the other nine stay queued at the source
	if n := len(h.down.in); n != 9 {
		t.Fatalf("%d packets left unread, want 9", n)
	}
	recvs := h.down.recvs.Load()
	time.Sleep(50 * time.Millisecond)
	if h.down.recvs.Load() != recvs {
		t.Fatal("downstream read after termination")
	}
}

func TestStalledDownstreamEndsSession(t *testing.T) {
	h := newHarness(t)
	h.down.sent = make(chan proto.Packet) // unbuffered and never drained
	h.dialer.down = &stallingDownstream{fakeDownstream: h.down, timeout: 50 * time.Millisecond}
	done := h.connect(t)

	for i := int64(1); i <= 5; i++ {
		h.up.push(fmt.Sprintf(`{"name":"keep_alive","data":{"id":%d}}`, i))
	}
	if err := waitServe(t, done); err == nil {
		t.Fatal("serve returned nil for a stalled downstream")
	}
	expectSent(t, h.up, `{"error":"Connection lost"}`)
	h.assertClosedOnce(t)
}
