package downstream

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sleepy778/1.21.4eag/internal/codec"
	"github.com/sleepy778/1.21.4eag/internal/proto"
	"github.com/sleepy778/1.21.4eag/internal/target"
)

// Conn is an established, logged-in connection to a game server.
type Conn struct {
	cc           *codec.Conn
	target       target.Target
	profile      Profile
	writeTimeout time.Duration

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func newConn(cc *codec.Conn, t target.Target, p Profile, writeTimeout time.Duration) *Conn {
	return &Conn{cc: cc, target: t, profile: p, writeTimeout: writeTimeout}
}

func (c *Conn) Target() target.Target { return c.target }
func (c *Conn) Profile() Profile      { return c.profile }

// Recv returns the next packet from the server. The sequence is single
// pass; io.EOF marks a clean end of stream, including a local Close.
func (c *Conn) Recv() (proto.Packet, error) {
	p, err := c.cc.ReadPacket()
	if err != nil {
		if c.closed.Load() || isEndOfStream(err) {
			return proto.Packet{}, io.EOF
		}
		return proto.Packet{}, err
	}
	return p, nil
}

// Send writes p to the server. A destination that does not accept the
// packet within the write timeout fails the send.
func (c *Conn) Send(p proto.Packet) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if c.writeTimeout > 0 {
		_ = c.cc.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := c.cc.WritePacket(p); err != nil {
		if c.closed.Load() {
			return ErrClosed
		}
		return err
	}
	return nil
}

// Close terminates the connection. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.cc.Close()
	})
	return c.closeErr
}

// isEndOfStream separates an orderly close from a lost connection. A reset
// is a transport error, not an end of stream.
func isEndOfStream(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
