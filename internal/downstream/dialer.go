package downstream

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	pk "github.com/Tnze/go-mc/net/packet"
	"github.com/google/uuid"
	"github.com/sleepy778/1.21.4eag/internal/codec"
	"github.com/sleepy778/1.21.4eag/internal/obs"
	"github.com/sleepy778/1.21.4eag/internal/target"
)

// ProtocolVersion is announced in the handshake packet.
const ProtocolVersion = codec.ProtocolVersion

// ErrAuthRequired is returned when an online mode server asks for a login
// the dialer cannot vouch for.
var ErrAuthRequired = errors.New("server requires an authenticated login")

// Credentials identify the player. The access token is only ever shown to
// the Joiner, never to the game server.
type Credentials struct {
	Username    string
	UUID        string
	AccessToken string
}

// Joiner tells the session service that the player is joining the server
// identified by serverHash. The game server then checks the join with the
// session service.
type Joiner interface {
	Join(ctx context.Context, creds Credentials, serverHash string) error
}

// JoinerFunc adapts a function to Joiner.
type JoinerFunc func(ctx context.Context, creds Credentials, serverHash string) error

func (f JoinerFunc) Join(ctx context.Context, creds Credentials, serverHash string) error {
	return f(ctx, creds, serverHash)
}

// Dialer opens downstream connections. The zero value uses the defaults
// below and can only log in to offline mode servers.
type Dialer struct {
	// Timeout bounds the TCP connect.
	Timeout time.Duration
	// HandshakeTimeout bounds the whole login exchange after connect.
	HandshakeTimeout time.Duration
	// WriteTimeout bounds every Send on an established connection.
	WriteTimeout time.Duration
	// ProtocolVersion overrides the announced version when non-zero.
	ProtocolVersion int
	// Joiner verifies online mode logins.
	Joiner Joiner
}

func (d *Dialer) timeout() time.Duration {
	if d.Timeout > 0 {
		return d.Timeout
	}
	return 10 * time.Second
}

func (d *Dialer) handshakeTimeout() time.Duration {
	if d.HandshakeTimeout > 0 {
		return d.HandshakeTimeout
	}
	return 15 * time.Second
}

func (d *Dialer) writeTimeout() time.Duration {
	if d.WriteTimeout > 0 {
		return d.WriteTimeout
	}
	return 10 * time.Second
}

// Dial connects to t and logs in with creds. The returned connection is in
// the configuration state. Failures are *ConnectError.
func (d *Dialer) Dial(ctx context.Context, t target.Target, creds Credentials) (*Conn, error) {
	nd := net.Dialer{Timeout: d.timeout()}
	nc, err := nd.DialContext(ctx, "tcp", t.Addr())
	if err != nil {
		return nil, &ConnectError{Kind: KindUnreachable, Target: t, Err: err}
	}
	cc := codec.NewConn(nc, codec.ClientSide)

	lctx, cancel := context.WithTimeout(ctx, d.handshakeTimeout())
	defer cancel()
	_ = nc.SetDeadline(time.Now().Add(d.handshakeTimeout()))
	stop := context.AfterFunc(lctx, func() { _ = nc.SetDeadline(time.Unix(1, 0)) })
	profile, err := d.login(lctx, cc, t, creds)
	stop()
	if err != nil {
		_ = nc.Close()
		var ce *ConnectError
		if errors.As(err, &ce) {
			return nil, ce
		}
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, &ConnectError{Kind: KindHandshake, Target: t, Err: err}
	}
	_ = nc.SetDeadline(time.Time{})

	obs.Debug("downstream.login", obs.Fields{"target": t.String(), "user": profile.Username, "online": profile.Online})
	return newConn(cc, t, profile, d.writeTimeout()), nil
}

// Profile is what the server confirmed in its login success.
type Profile struct {
	Username string
	UUID     string
	// Online reports whether the server verified the login with the
	// session service.
	Online bool
}

func (d *Dialer) login(ctx context.Context, cc *codec.Conn, t target.Target, creds Credentials) (Profile, error) {
	version := d.ProtocolVersion
	if version == 0 {
		version = ProtocolVersion
	}
	err := cc.WriteRaw(pk.Marshal(codec.HandshakeID,
		pk.VarInt(version),
		pk.String(t.Host),
		pk.UnsignedShort(t.Port),
		pk.VarInt(codec.Login),
	))
	if err != nil {
		return Profile{}, fmt.Errorf("write handshake: %w", err)
	}
	cc.SetState(codec.Login)

	id, err := playerUUID(creds)
	if err != nil {
		return Profile{}, err
	}
	if err := cc.WriteRaw(pk.Marshal(codec.LoginStartID, pk.String(creds.Username), pk.UUID(id))); err != nil {
		return Profile{}, fmt.Errorf("write login_start: %w", err)
	}

	online := false
	for {
		p, err := cc.ReadRaw()
		if err != nil {
			return Profile{}, fmt.Errorf("read during login: %w", err)
		}
		switch p.ID {
		case codec.LoginEncryptionRequestID:
			if err := d.answerEncryption(ctx, cc, p, t, creds); err != nil {
				return Profile{}, err
			}
			online = true
		case codec.LoginSetCompressionID:
			var threshold pk.VarInt
			if err := p.Scan(&threshold); err != nil {
				return Profile{}, fmt.Errorf("compress: %w", err)
			}
			cc.SetThreshold(int(threshold))
		case codec.LoginPluginRequestID:
			var msgID pk.VarInt
			if err := p.Scan(&msgID); err != nil {
				return Profile{}, fmt.Errorf("login_plugin_request: %w", err)
			}
			if err := cc.WriteRaw(pk.Marshal(codec.LoginPluginResponseID, msgID, pk.Boolean(false))); err != nil {
				return Profile{}, err
			}
		case codec.LoginCookieRequestID:
			var key pk.String
			if err := p.Scan(&key); err != nil {
				return Profile{}, fmt.Errorf("cookie_request: %w", err)
			}
			if err := cc.WriteRaw(pk.Marshal(codec.LoginCookieResponseID, key, pk.Boolean(false))); err != nil {
				return Profile{}, err
			}
		case codec.LoginSuccessID:
			var (
				id   pk.UUID
				name pk.String
			)
			if err := p.Scan(&id, &name); err != nil {
				return Profile{}, fmt.Errorf("success: %w", err)
			}
			if err := cc.WriteRaw(pk.Marshal(codec.LoginAcknowledgedID)); err != nil {
				return Profile{}, fmt.Errorf("write login_acknowledged: %w", err)
			}
			cc.SetState(codec.Configuration)
			return Profile{Username: string(name), UUID: uuid.UUID(id).String(), Online: online}, nil
		case codec.LoginDisconnectID:
			var reason pk.String
			_ = p.Scan(&reason)
			return Profile{}, &ConnectError{Kind: KindRejected, Target: t, Reason: chatText(string(reason))}
		default:
			return Profile{}, fmt.Errorf("unexpected login packet %#x", p.ID)
		}
	}
}

// answerEncryption joins the server through the session service and
// switches the connection to encryption. Only the encrypted shared secret
// and verify token go back to the game server.
func (d *Dialer) answerEncryption(ctx context.Context, cc *codec.Conn, req pk.Packet, t target.Target, creds Credentials) error {
	var (
		serverID   pk.String
		publicKey  pk.ByteArray
		verify     pk.ByteArray
		shouldAuth pk.Boolean = true
	)
	if err := req.Scan(&serverID, &publicKey, &verify, &shouldAuth); err != nil {
		if err := req.Scan(&serverID, &publicKey, &verify); err != nil {
			return fmt.Errorf("encryption_begin: %w", err)
		}
		shouldAuth = true
	}
	parsed, err := x509.ParsePKIXPublicKey(publicKey)
	if err != nil {
		return fmt.Errorf("encryption_begin public key: %w", err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("encryption_begin public key is %T, want RSA", parsed)
	}
	secret := make([]byte, 16)
	if _, err := rand.Read(secret); err != nil {
		return err
	}

	if shouldAuth {
		if d.Joiner == nil || creds.AccessToken == "" {
			return &ConnectError{Kind: KindRejected, Target: t, Reason: "online mode login not available", Err: ErrAuthRequired}
		}
		hash := codec.ServerHash(string(serverID), secret, publicKey)
		if err := d.Joiner.Join(ctx, creds, hash); err != nil {
			return &ConnectError{Kind: KindRejected, Target: t, Reason: "session join refused", Err: err}
		}
	}

	encSecret, err := rsa.EncryptPKCS1v15(rand.Reader, key, secret)
	if err != nil {
		return err
	}
	encVerify, err := rsa.EncryptPKCS1v15(rand.Reader, key, verify)
	if err != nil {
		return err
	}
	err = cc.WriteRaw(pk.Marshal(codec.LoginEncryptionResponseID, pk.ByteArray(encSecret), pk.ByteArray(encVerify)))
	if err != nil {
		return fmt.Errorf("write encryption_begin: %w", err)
	}
	return cc.EnableEncryption(secret)
}

func playerUUID(creds Credentials) (uuid.UUID, error) {
	if creds.UUID == "" {
		return codec.OfflineUUID(creds.Username), nil
	}
	id, err := uuid.Parse(creds.UUID)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("player uuid: %w", err)
	}
	return id, nil
}

// chatText flattens a JSON text component to its plain text.
func chatText(raw string) string {
	var s string
	if json.Unmarshal([]byte(raw), &s) == nil {
		return s
	}
	var c struct {
		Text      string `json:"text"`
		Translate string `json:"translate"`
	}
	if json.Unmarshal([]byte(raw), &c) == nil {
		if c.Text != "" {
			return c.Text
		}
		if c.Translate != "" {
			return c.Translate
		}
	}
	return raw
}
