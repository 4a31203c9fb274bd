// Package upstream is the browser side of a relay session: one WebSocket
// carrying JSON text messages.
package upstream

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ErrClosed is returned by Send once the channel has been closed.
var ErrClosed = errors.New("upstream channel closed")

// Options bound the channel's resource use. Zero fields take defaults.
type Options struct {
	// PingPeriod is how often a ping is sent. It must be below PongWait.
	PingPeriod time.Duration
	// PongWait is the longest the peer may stay silent.
	PongWait time.Duration
	// WriteTimeout bounds every Send.
	WriteTimeout time.Duration
	// MaxMessageSize caps one inbound message.
	MaxMessageSize int64
}

func (o Options) withDefaults() Options {
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = o.PongWait * 9 / 10
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 1 << 20
	}
	return o
}

// Upgrader returns a websocket upgrader that accepts browser origins whose
// host matches one of origins. An empty list, or "*", accepts any origin.
func Upgrader(origins []string) *websocket.Upgrader {
	allowed := make(map[string]bool, len(origins))
	open := len(origins) == 0
	for _, o := range origins {
		o = strings.ToLower(strings.TrimSpace(o))
		if o == "*" {
			open = true
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			o = u.Host
		}
		allowed[o] = true
	}
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if open {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			return allowed[strings.ToLower(u.Host)]
		},
	}
}

// Channel wraps one websocket. Recv must be called from a single goroutine;
// Send and Close are safe for concurrent use.
type Channel struct {
	ws   *websocket.Conn
	opts Options

	wmu       sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// Accept upgrades an HTTP request into a Channel.
func Accept(w http.ResponseWriter, r *http.Request, up *websocket.Upgrader, opts Options) (*Channel, error) {
	ws, err := up.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return New(ws, opts), nil
}

// New takes ownership of ws and starts its keepalive.
func New(ws *websocket.Conn, opts Options) *Channel {
	opts = opts.withDefaults()
	c := &Channel{ws: ws, opts: opts, done: make(chan struct{})}
	ws.SetReadLimit(opts.MaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(opts.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(opts.PongWait))
	})
	go c.keepalive()
	return c
}

func (c *Channel) keepalive() {
	t := time.NewTicker(c.opts.PingPeriod)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout))
			if err != nil {
				return
			}
		}
	}
}

func (c *Channel) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

// Recv returns the next text or binary message. io.EOF reports a normal
// close by either side.
func (c *Channel) Recv() ([]byte, error) {
	_, msg, err := c.ws.ReadMessage()
	if err != nil {
		if c.closed.Load() || IsNormalClose(err) {
			return nil, io.EOF
		}
		return nil, err
	}
	// any message proves the peer is alive
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	return msg, nil
}

// Send writes v as one JSON text message.
func (c *Channel) Send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.SendRaw(b)
}

// SendRaw writes an already encoded JSON message.
func (c *Channel) SendRaw(b []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
		if c.closed.Load() {
			return ErrClosed
		}
		return err
	}
	return nil
}

// Close sends a close frame best effort and drops the connection. It is
// safe to call more than once.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

// IsNormalClose reports whether err is an orderly websocket or socket close.
func IsNormalClose(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived)
}
