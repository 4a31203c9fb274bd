package relay

import (
	"context"

	"github.com/sleepy778/1.21.4eag/internal/downstream"
	"github.com/sleepy778/1.21.4eag/internal/proto"
	"github.com/sleepy778/1.21.4eag/internal/target"
)

// Upstream is the browser facing JSON channel. Recv returns io.EOF on an
// orderly close. Send, SendRaw and Close may be called concurrently with
// Recv. A send that cannot complete within the channel's write timeout
// fails.
type Upstream interface {
	Recv() ([]byte, error)
	Send(v any) error
	// SendRaw writes one message that is already encoded JSON.
	SendRaw(b []byte) error
	Close() error
}

// Downstream is a logged-in game server connection. Recv returns io.EOF at
// end of stream.
type Downstream interface {
	Recv() (proto.Packet, error)
	Send(p proto.Packet) error
	Close() error
}

// Dialer opens a Downstream for one relay session.
type Dialer interface {
	Dial(ctx context.Context, t target.Target, creds downstream.Credentials) (Downstream, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, t target.Target, creds downstream.Credentials) (Downstream, error)

func (f DialerFunc) Dial(ctx context.Context, t target.Target, creds downstream.Credentials) (Downstream, error) {
	return f(ctx, t, creds)
}

// NetDialer dials real game servers.
func NetDialer(d *downstream.Dialer) Dialer {
	return DialerFunc(func(ctx context.Context, t target.Target, creds downstream.Credentials) (Downstream, error) {
		conn, err := d.Dial(ctx, t, creds)
		if err != nil {
			return nil, err
		}
		return conn, nil
	})
}
