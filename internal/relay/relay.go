// Package relay pairs one upstream channel with one downstream connection
// and pumps packets both ways until either side goes away.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sleepy778/1.21.4eag/internal/downstream"
	"github.com/sleepy778/1.21.4eag/internal/obs"
	"github.com/sleepy778/1.21.4eag/internal/proto"
	"github.com/sleepy778/1.21.4eag/internal/ratelimit"
	"github.com/sleepy778/1.21.4eag/internal/session"
	"github.com/sleepy778/1.21.4eag/internal/target"
)

// Error texts sent to the browser as {"error": ...}.
const (
	MsgInvalidSession   = "Invalid session"
	MsgConnectionLost   = "Connection lost"
	MsgConnectFailed    = "Connect failed"
	MsgConnectTimeout   = "Connect timeout"
	MsgInvalidTarget    = "Invalid target"
	MsgTargetNotAllowed = "Target not allowed"
	MsgRateLimited      = "Rate limited"
	MsgSessionExpired   = "Session expired"
	MsgLookupFailed     = "Session lookup failed"
)

var (
	ErrInvalidSession   = errors.New("invalid session")
	ErrConnectTimeout   = errors.New("no connect request in time")
	ErrRateLimited      = errors.New("connect rate limited")
	ErrTargetNotAllowed = errors.New("target not allowed")
	ErrLifetimeExceeded = errors.New("session lifetime exceeded")
)

type Options struct {
	// ConnectTimeout bounds the wait for the first connect request.
	ConnectTimeout time.Duration
	// MaxLifetime ends a session after this long. Zero means no limit.
	MaxLifetime time.Duration
}

// Relay serves relay sessions. Registry and Dialer are required; Policy and
// Limiter are optional.
type Relay struct {
	Registry session.Registry
	Dialer   Dialer
	Policy   *target.Policy
	Limiter  *ratelimit.Limiter
	Options  Options
}

func (r *Relay) connectTimeout() time.Duration {
	if r.Options.ConnectTimeout > 0 {
		return r.Options.ConnectTimeout
	}
	return 30 * time.Second
}

// Serve runs one relay session on up. It owns up and returns once both
// endpoints are closed. The returned error is the cause of termination; an
// orderly close by either side returns nil.
func (r *Relay) Serve(ctx context.Context, up Upstream, remote string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s := newSession(up, remote, cancel)
	stop := context.AfterFunc(ctx, func() { s.terminate(outcomeCanceled, "", context.Cause(ctx)) })
	defer stop()

	req, ok := s.awaitConnect(r.connectTimeout())
	if !ok {
		return s.finish()
	}
	creds, ok := r.resolve(ctx, s, req)
	if !ok {
		return s.finish()
	}
	t, ok := r.admit(s, req)
	if !ok {
		return s.finish()
	}

	down, err := r.Dialer.Dial(ctx, t, creds)
	if err != nil {
		if s.terminate(outcomeConnectFailed, connectFailedMessage(err), err) {
			obs.Error("relay.connect.failed", obs.Fields{"session": s.id, "target": t.String(), "err": err.Error()})
			obs.ErrorsTotal.WithLabelValues("connect_" + connectKind(err)).Inc()
		}
		return s.finish()
	}
	if !s.attach(down) {
		_ = down.Close()
		return s.finish()
	}

	obs.Info("relay.session.start", obs.Fields{"session": s.id, "target": t.String(), "user": creds.Username, "remote": remote})
	if r.Options.MaxLifetime > 0 {
		timer := time.AfterFunc(r.Options.MaxLifetime, func() {
			s.terminate(outcomeLifetime, MsgSessionExpired, ErrLifetimeExceeded)
		})
		defer timer.Stop()
	}
	s.pump()
	return s.finish()
}

// awaitConnect consumes messages until a connect request arrives. Anything
// else before it is dropped.
func (s *relaySession) awaitConnect(timeout time.Duration) (proto.ConnectRequest, bool) {
	timer := time.AfterFunc(timeout, func() {
		s.terminate(outcomeConnectTimeout, MsgConnectTimeout, ErrConnectTimeout)
	})
	defer timer.Stop()
	for {
		raw, err := s.up.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.terminate(outcomeUpstreamClosed, "", nil)
			} else {
				s.terminate(outcomeUpstreamError, "", err)
			}
			return proto.ConnectRequest{}, false
		}
		if s.terminated.Load() {
			return proto.ConnectRequest{}, false
		}
		msg, err := proto.Decode(raw)
		if err != nil {
			obs.MalformedTotal.Inc()
			obs.Debug("relay.message.malformed", obs.Fields{"remote": s.remote, "err": err.Error()})
			continue
		}
		if msg.Kind != proto.KindConnect {
			obs.Debug("relay.message.before_connect", obs.Fields{"remote": s.remote, "kind": msg.Kind.String()})
			continue
		}
		if !timer.Stop() {
			// timed out while this request was in flight
			return proto.ConnectRequest{}, false
		}
		return msg.Connect, true
	}
}

// resolve turns a connect request into credentials, either directly or
// through the registry.
func (r *Relay) resolve(ctx context.Context, s *relaySession, req proto.ConnectRequest) (downstream.Credentials, bool) {
	if req.Direct() {
		s.id = "direct"
		return downstream.Credentials{Username: req.Username, UUID: req.UUID, AccessToken: req.Token}, true
	}
	if req.SessionID == "" {
		s.terminate(outcomeInvalidSession, MsgInvalidSession, ErrInvalidSession)
		return downstream.Credentials{}, false
	}
	s.id = session.ShortID(req.SessionID)
	rec, err := r.Registry.Lookup(ctx, req.SessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			obs.Info("relay.session.invalid", obs.Fields{"session": s.id, "remote": s.remote})
			s.terminate(outcomeInvalidSession, MsgInvalidSession, ErrInvalidSession)
		} else {
			obs.Error("relay.session.lookup", obs.Fields{"session": s.id, "err": err.Error()})
			obs.ErrorsTotal.WithLabelValues("registry_lookup").Inc()
			s.terminate(outcomeLookupFailed, MsgLookupFailed, err)
		}
		return downstream.Credentials{}, false
	}
	return downstream.Credentials{Username: rec.DisplayName, UUID: rec.UUID, AccessToken: rec.AccessToken}, true
}

// admit validates the target and applies policy and rate limits.
func (r *Relay) admit(s *relaySession, req proto.ConnectRequest) (target.Target, bool) {
	key := req.SessionID
	if key == "" {
		key = s.remote
	}
	if !r.Limiter.Allow(key) {
		obs.Info("relay.connect.rate_limited", obs.Fields{"session": s.id, "remote": s.remote})
		s.terminate(outcomeRateLimited, MsgRateLimited, ErrRateLimited)
		return target.Target{}, false
	}
	t, err := target.Parse(req.Host, req.Port)
	if err != nil {
		s.terminate(outcomeInvalidTarget, MsgInvalidTarget, err)
		return target.Target{}, false
	}
	if !r.Policy.Allow(t) {
		obs.Info("relay.connect.denied", obs.Fields{"session": s.id, "target": t.String()})
		s.terminate(outcomeTargetDenied, MsgTargetNotAllowed, ErrTargetNotAllowed)
		return target.Target{}, false
	}
	return t, true
}

func connectKind(err error) string {
	var ce *downstream.ConnectError
	if errors.As(err, &ce) {
		return ce.Kind.String()
	}
	return "other"
}

// connectFailedMessage names the cause for the browser. Rejections carry
// the server's reason.
func connectFailedMessage(err error) string {
	var ce *downstream.ConnectError
	if !errors.As(err, &ce) {
		return MsgConnectFailed
	}
	if ce.Kind == downstream.KindRejected && ce.Reason != "" {
		return fmt.Sprintf("%s: %s: %s", MsgConnectFailed, ce.Kind, ce.Reason)
	}
	return fmt.Sprintf("%s: %s", MsgConnectFailed, ce.Kind)
}
