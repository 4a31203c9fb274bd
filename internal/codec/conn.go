package codec

import (
	"crypto/aes"
	"net"
	"sync"
	"sync/atomic"
	"time"

	mcnet "github.com/Tnze/go-mc/net"
	"github.com/Tnze/go-mc/net/CFB8"
	pk "github.com/Tnze/go-mc/net/packet"
	"github.com/sleepy778/1.21.4eag/internal/proto"
)

// Side says which end of the connection this process is.
type Side int

const (
	ClientSide Side = iota
	ServerSide
)

func (s Side) inbound() Direction {
	if s == ClientSide {
		return Clientbound
	}
	return Serverbound
}

func (s Side) outbound() Direction {
	if s == ClientSide {
		return Serverbound
	}
	return Clientbound
}

// Conn reads and writes packets on one game connection. Writes are
// serialized; reads are expected from a single goroutine.
type Conn struct {
	mc   *mcnet.Conn
	nc   net.Conn
	side Side

	state atomic.Int32
	wmu   sync.Mutex

	// Tap, when set, sees every inbound wire packet before it is decoded.
	Tap func(pk.Packet)
}

// NewConn wraps nc in the handshaking state.
func NewConn(nc net.Conn, side Side) *Conn {
	return &Conn{mc: mcnet.WrapConn(nc), nc: nc, side: side}
}

func (c *Conn) State() State     { return State(c.state.Load()) }
func (c *Conn) SetState(s State) { c.state.Store(int32(s)) }

// SetThreshold enables compression for bodies of at least t bytes; a
// negative t disables it. Only call it while no other goroutine writes.
func (c *Conn) SetThreshold(t int) { c.mc.SetThreshold(t) }

// EnableEncryption switches both directions to AES/CFB8 keyed with the
// shared secret. Only call it between packets during login.
func (c *Conn) EnableEncryption(secret []byte) error {
	block, err := aes.NewCipher(secret)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.mc.SetCipher(CFB8.NewCFB8Encrypt(block, secret), CFB8.NewCFB8Decrypt(block, secret))
	return nil
}

// ReadRaw reads the next wire packet without decoding it.
func (c *Conn) ReadRaw() (pk.Packet, error) {
	var p pk.Packet
	if err := c.mc.ReadPacket(&p); err != nil {
		return pk.Packet{}, err
	}
	if c.Tap != nil {
		c.Tap(p)
	}
	return p, nil
}

// WriteRaw writes a wire packet as is.
func (c *Conn) WriteRaw(p pk.Packet) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.mc.WritePacket(p)
}

// ReadPacket reads and decodes the next packet for the current state.
// Serverbound packets that end a state move the connection on.
func (c *Conn) ReadPacket() (proto.Packet, error) {
	raw, err := c.ReadRaw()
	if err != nil {
		return proto.Packet{}, err
	}
	state := c.State()
	dir := c.side.inbound()
	if dir == Serverbound {
		c.advance(state, raw.ID)
	}
	return Decode(state, dir, raw), nil
}

// WritePacket encodes p for the current state and writes it. Encoding
// errors wrap proto.ErrMalformedMessage.
func (c *Conn) WritePacket(p proto.Packet) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	state := c.State()
	dir := c.side.outbound()
	raw, err := Encode(state, dir, p)
	if err != nil {
		return err
	}
	// the peer may answer in the next state before this write returns
	if dir == Serverbound {
		c.advance(state, raw.ID)
	}
	return c.mc.WritePacket(raw)
}

// advance applies the state change a serverbound packet id triggers.
func (c *Conn) advance(state State, id int32) {
	switch {
	case state == Login && id == LoginAcknowledgedID:
		c.SetState(Configuration)
	case state == Configuration && id == ConfigFinishID:
		c.SetState(Play)
	case state == Play && id == PlayConfigAcknowledgeID:
		c.SetState(Configuration)
	}
}

func (c *Conn) SetDeadline(t time.Time) error      { return c.nc.SetDeadline(t) }
func (c *Conn) SetReadDeadline(t time.Time) error  { return c.nc.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.nc.SetWriteDeadline(t) }
func (c *Conn) RemoteAddr() net.Addr               { return c.nc.RemoteAddr() }
func (c *Conn) Close() error                       { return c.nc.Close() }
