// Package downstreamtest runs an in-process game server that performs the
// login and configuration handshake of the downstream protocol, for tests
// and local development.
package downstreamtest

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"

	pk "github.com/Tnze/go-mc/net/packet"
	"github.com/google/uuid"
	"github.com/sleepy778/1.21.4eag/internal/codec"
)

// Verifier checks a join with the session service, as an online mode
// server does after the encryption exchange.
type Verifier interface {
	HasJoined(ctx context.Context, username, serverHash string) (bool, error)
}

// Options shape the server's login behavior.
type Options struct {
	// Online runs the encryption exchange and, with Verifier set, asks it
	// whether the player joined.
	Online   bool
	Verifier Verifier
	// Compression enables set_compression with Threshold.
	Compression bool
	Threshold   int
	// RejectReason, when set, refuses every login with this reason.
	RejectReason string
	// Stall accepts connections but never answers the login.
	Stall bool
	// Handler runs in the configuration state after login. The connection
	// is closed when it returns. A nil Handler drains packets until the
	// client goes away.
	Handler func(*Session)
}

// Login records one completed or attempted login.
type Login struct {
	Username        string
	UUID            string
	ServerAddress   string
	ServerPort      int
	ProtocolVersion int
	// ServerHash is set for encrypted logins.
	ServerHash string
	Accepted   bool
}

// Session is a logged-in client as seen by the server.
type Session struct {
	Conn  *codec.Conn
	Login Login
}

type Server struct {
	ln        net.Listener
	opts      Options
	key       *rsa.PrivateKey
	publicKey []byte

	mu       sync.Mutex
	logins   []Login
	received bytes.Buffer
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// New listens on an ephemeral loopback port.
func New(opts Options) (*Server, error) {
	s := &Server{opts: opts, conns: make(map[net.Conn]struct{})}
	if opts.Online {
		key, err := rsa.GenerateKey(rand.Reader, 1024)
		if err != nil {
			return nil, err
		}
		der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
		if err != nil {
			return nil, err
		}
		s.key, s.publicKey = key, der
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s.ln = ln
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Start is New for tests; the server is closed on cleanup.
func Start(tb testing.TB, opts Options) *Server {
	tb.Helper()
	s, err := New(opts)
	if err != nil {
		tb.Fatalf("downstreamtest: %v", err)
	}
	tb.Cleanup(s.Close)
	return s
}

func (s *Server) Addr() *net.TCPAddr { return s.ln.Addr().(*net.TCPAddr) }

// Logins returns every login attempt that got as far as login_start.
func (s *Server) Logins() []Login {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Login(nil), s.logins...)
}

// Received returns the decrypted, decompressed bodies of every packet
// clients sent, in arrival order.
func (s *Server) Received() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Clone(s.received.Bytes())
}

// Close stops accepting, drops open connections and waits for handlers.
func (s *Server) Close() {
	_ = s.ln.Close()
	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[nc] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				_ = nc.Close()
				s.mu.Lock()
				delete(s.conns, nc)
				s.mu.Unlock()
			}()
			s.serve(nc)
		}()
	}
}

func (s *Server) record(l Login) {
	s.mu.Lock()
	s.logins = append(s.logins, l)
	s.mu.Unlock()
}

func (s *Server) tap(p pk.Packet) {
	s.mu.Lock()
	s.received.Write(p.Data)
	s.mu.Unlock()
}

func (s *Server) serve(nc net.Conn) {
	if s.opts.Stall {
		buf := make([]byte, 512)
		for {
			if _, err := nc.Read(buf); err != nil {
				return
			}
		}
	}
	cc := codec.NewConn(nc, codec.ServerSide)
	cc.Tap = s.tap
	login, err := s.login(cc)
	if login.Username != "" {
		s.record(login)
	}
	if err != nil || !login.Accepted {
		return
	}
	sess := &Session{Conn: cc, Login: login}
	if s.opts.Handler != nil {
		s.opts.Handler(sess)
		return
	}
	for {
		if _, err := cc.ReadPacket(); err != nil {
			return
		}
	}
}

func (s *Server) login(cc *codec.Conn) (Login, error) {
	var l Login
	hs, err := expect(cc, codec.HandshakeID)
	if err != nil {
		return l, err
	}
	var (
		version pk.VarInt
		host    pk.String
		port    pk.UnsignedShort
		next    pk.VarInt
	)
	if err := hs.Scan(&version, &host, &port, &next); err != nil {
		return l, err
	}
	l.ProtocolVersion, l.ServerAddress, l.ServerPort = int(version), string(host), int(port)
	if codec.State(next) != codec.Login {
		return l, fmt.Errorf("downstreamtest: handshake asks for state %d", next)
	}
	cc.SetState(codec.Login)

	start, err := expect(cc, codec.LoginStartID)
	if err != nil {
		return l, err
	}
	var (
		name pk.String
		id   pk.UUID
	)
	if err := start.Scan(&name, &id); err != nil {
		return l, err
	}
	l.Username, l.UUID = string(name), uuid.UUID(id).String()

	if s.opts.RejectReason != "" {
		return l, disconnect(cc, s.opts.RejectReason)
	}

	if s.opts.Online {
		hash, err := s.encrypt(cc)
		if err != nil {
			return l, err
		}
		l.ServerHash = hash
		if s.opts.Verifier != nil {
			ok, err := s.opts.Verifier.HasJoined(context.Background(), l.Username, hash)
			if err != nil || !ok {
				return l, disconnect(cc, "Failed to verify username!")
			}
		}
	}

	if s.opts.Compression {
		if err := cc.WriteRaw(pk.Marshal(codec.LoginSetCompressionID, pk.VarInt(s.opts.Threshold))); err != nil {
			return l, err
		}
		cc.SetThreshold(s.opts.Threshold)
	}

	err = cc.WriteRaw(pk.Marshal(codec.LoginSuccessID, id, name, pk.VarInt(0)))
	if err != nil {
		return l, err
	}
	if _, err := expect(cc, codec.LoginAcknowledgedID); err != nil {
		return l, err
	}
	cc.SetState(codec.Configuration)
	l.Accepted = true
	return l, nil
}

// encrypt runs the encryption exchange and returns the server hash the
// client had to join with.
func (s *Server) encrypt(cc *codec.Conn) (string, error) {
	verify := make([]byte, 4)
	if _, err := rand.Read(verify); err != nil {
		return "", err
	}
	err := cc.WriteRaw(pk.Marshal(codec.LoginEncryptionRequestID,
		pk.String(""),
		pk.ByteArray(s.publicKey),
		pk.ByteArray(verify),
		pk.Boolean(true),
	))
	if err != nil {
		return "", err
	}
	resp, err := expect(cc, codec.LoginEncryptionResponseID)
	if err != nil {
		return "", err
	}
	var encSecret, encVerify pk.ByteArray
	if err := resp.Scan(&encSecret, &encVerify); err != nil {
		return "", err
	}
	secret, err := rsa.DecryptPKCS1v15(nil, s.key, encSecret)
	if err != nil {
		return "", err
	}
	got, err := rsa.DecryptPKCS1v15(nil, s.key, encVerify)
	if err != nil {
		return "", err
	}
	if !bytes.Equal(got, verify) {
		return "", errors.New("downstreamtest: verify token mismatch")
	}
	if err := cc.EnableEncryption(secret); err != nil {
		return "", err
	}
	return codec.ServerHash("", secret, s.publicKey), nil
}

// OfflineUUID is the player id an unauthenticated login uses.
func OfflineUUID(name string) string { return codec.OfflineUUID(name).String() }

func disconnect(cc *codec.Conn, reason string) error {
	text, _ := json.Marshal(map[string]string{"text": reason})
	return cc.WriteRaw(pk.Marshal(codec.LoginDisconnectID, pk.String(text)))
}

func expect(cc *codec.Conn, id int32) (pk.Packet, error) {
	p, err := cc.ReadRaw()
	if err != nil {
		return p, err
	}
	if p.ID != id {
		return p, fmt.Errorf("downstreamtest: got packet %#x in %s, want %#x", p.ID, cc.State(), id)
	}
	return p, nil
}
