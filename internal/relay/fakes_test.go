package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sleepy778/1.21.4eag/internal/downstream"
	"github.com/sleepy778/1.21.4eag/internal/proto"
	"github.com/sleepy778/1.21.4eag/internal/target"
)

var (
	errFakeClosed   = errors.New("fake endpoint closed")
	errWriteTimeout = errors.New("write: i/o timeout")
)

type fakeUpstream struct {
	in     chan []byte
	sent   chan string
	closed chan struct{}
	once   sync.Once
	closes atomic.Int32

	// writeStall makes every SendRaw wait this long and then fail, as a
	// peer that stopped reading does once the write deadline passes.
	writeStall time.Duration
	stalled    atomic.Int32
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{in: make(chan []byte, 64), sent: make(chan string, 64), closed: make(chan struct{})}
}

func (f *fakeUpstream) Recv() ([]byte, error) {
	select {
	case b, ok := <-f.in:
		if !ok {
			return nil, io.EOF
		}
		return b, nil
	case <-f.closed:
		return nil, io.EOF
	}
}

func (f *fakeUpstream) Send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return f.SendRaw(b)
}

func (f *fakeUpstream) SendRaw(b []byte) error {
	select {
	case <-f.closed:
		return errFakeClosed
	default:
	}
	if f.writeStall > 0 {
		f.stalled.Add(1)
		select {
		case <-time.After(f.writeStall):
		case <-f.closed:
		}
		return errWriteTimeout
	}
	f.sent <- string(b)
	return nil
}

func (f *fakeUpstream) Close() error {
	f.closes.Add(1)
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeUpstream) push(s string) { f.in <- []byte(s) }

// unencodableName is a packet name the fake downstream cannot encode.
const unencodableName = "no_such_packet"

type fakeDownstream struct {
	in     chan proto.Packet
	fail   chan error
	sent   chan proto.Packet
	closed chan struct{}
	once   sync.Once
	closes atomic.Int32
	recvs  atomic.Int32
}

func newFakeDownstream() *fakeDownstream {
	return &fakeDownstream{
		in:     make(chan proto.Packet, 64),
		fail:   make(chan error, 1),
		sent:   make(chan proto.Packet, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeDownstream) Recv() (proto.Packet, error) {
	f.recvs.Add(1)
	select {
	case p, ok := <-f.in:
		if !ok {
			return proto.Packet{}, io.EOF
		}
		return p, nil
	case err := <-f.fail:
		return proto.Packet{}, err
	case <-f.closed:
		return proto.Packet{}, io.EOF
	}
}

func (f *fakeDownstream) Send(p proto.Packet) error {
	select {
	case <-f.closed:
		return downstream.ErrClosed
	default:
	}
	if p.Name == unencodableName {
		return fmt.Errorf("%w: no packet %q", proto.ErrMalformedMessage, p.Name)
	}
	f.sent <- p
	return nil
}

func (f *fakeDownstream) Close() error {
	f.closes.Add(1)
	f.once.Do(func() { close(f.closed) })
	return nil
}

// stallingDownstream accepts nothing: every Send waits for room in sent and
// gives up after timeout, like a write deadline on a full socket.
type stallingDownstream struct {
	*fakeDownstream
	timeout time.Duration
}

func (f *stallingDownstream) Send(p proto.Packet) error {
	select {
	case f.sent <- p:
		return nil
	case <-f.closed:
		return downstream.ErrClosed
	case <-time.After(f.timeout):
		return errWriteTimeout
	}
}

type dialCall struct {
	target target.Target
	creds  downstream.Credentials
}

type fakeDialer struct {
	mu    sync.Mutex
	calls []dialCall
	down  Downstream
	err   error
}

func (d *fakeDialer) Dial(_ context.Context, t target.Target, creds downstream.Credentials) (Downstream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, dialCall{t, creds})
	if d.err != nil {
		return nil, d.err
	}
	return d.down, nil
}

func (d *fakeDialer) dials() []dialCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]dialCall(nil), d.calls...)
}

func keepAlive(id int64) proto.Packet {
	return proto.Packet{Name: "keep_alive", Data: proto.Map(map[string]proto.Value{"id": proto.Int(id)})}
}

func expectSent(t *testing.T, up *fakeUpstream, want string) {
	t.Helper()
	select {
	case got := <-up.sent:
		if got != want {
			t.Fatalf("upstream got %s, want %s", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("upstream never got %s", want)
	}
}

func expectForwarded(t *testing.T, down *fakeDownstream, want proto.Packet) {
	t.Helper()
	select {
	case got := <-down.sent:
		if !got.Equal(want) {
			t.Fatalf("downstream got %v, want %v", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("downstream never got %v", want)
	}
}

func waitServe(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
	return nil
}
