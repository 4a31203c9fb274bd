package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/sizestr"
	"github.com/sleepy778/1.21.4eag/internal/obs"
	"github.com/sleepy778/1.21.4eag/internal/proto"
)

// Outcome labels for obs.SessionsTotal.
const (
	outcomeUpstreamClosed   = "upstream_closed"
	outcomeUpstreamError    = "upstream_error"
	outcomeDownstreamClosed = "downstream_closed"
	outcomeDownstreamError  = "downstream_error"
	outcomeInvalidSession   = "invalid_session"
	outcomeLookupFailed     = "lookup_failed"
	outcomeConnectTimeout   = "connect_timeout"
	outcomeConnectFailed    = "connect_failed"
	outcomeInvalidTarget    = "invalid_target"
	outcomeTargetDenied     = "target_denied"
	outcomeRateLimited      = "rate_limited"
	outcomeLifetime         = "lifetime"
	outcomeCanceled         = "canceled"
)

type relaySession struct {
	up     Upstream
	remote string
	id     string
	cancel context.CancelFunc

	mu      sync.Mutex
	down    Downstream
	started time.Time

	terminated atomic.Bool
	done       chan struct{}
	outcome    string
	cause      error

	upPackets, downPackets atomic.Int64
	upBytes, downBytes     atomic.Int64
}

func newSession(up Upstream, remote string, cancel context.CancelFunc) *relaySession {
	return &relaySession{up: up, remote: remote, id: "-", cancel: cancel, done: make(chan struct{})}
}

// attach installs the downstream unless the session already ended.
func (s *relaySession) attach(d Downstream) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated.Load() {
		return false
	}
	s.down = d
	s.started = time.Now()
	obs.ActiveSessions.Inc()
	return true
}

// terminate ends the session once. The first caller records the outcome,
// sends notify upstream when set and closes both endpoints. Later callers
// are no-ops and get false.
func (s *relaySession) terminate(outcome, notify string, cause error) bool {
	if !s.terminated.CompareAndSwap(false, true) {
		return false
	}
	defer close(s.done)
	s.outcome = outcome
	s.cause = cause
	s.cancel()
	if notify != "" {
		if err := s.up.Send(proto.ErrorMessage{Error: notify}); err != nil {
			obs.Debug("relay.notify.failed", obs.Fields{"remote": s.remote, "err": err.Error()})
		}
	}
	s.mu.Lock()
	down := s.down
	s.mu.Unlock()
	if down != nil {
		_ = down.Close()
	}
	_ = s.up.Close()
	return true
}

func (s *relaySession) pump() {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.downToUp()
	}()
	go func() {
		defer wg.Done()
		s.upToDown()
	}()
	wg.Wait()
}

func (s *relaySession) downToUp() {
	for {
		p, err := s.down.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.terminate(outcomeDownstreamClosed, "", nil)
			} else if s.terminate(outcomeDownstreamError, MsgConnectionLost, err) {
				obs.Error("relay.downstream.error", obs.Fields{"session": s.id, "err": err.Error()})
				obs.ErrorsTotal.WithLabelValues("downstream_transport").Inc()
			}
			return
		}
		if s.terminated.Load() {
			return
		}
		b, err := json.Marshal(p)
		if err != nil {
			obs.Error("relay.packet.encode", obs.Fields{"session": s.id, "packet": p.Name, "err": err.Error()})
			obs.ErrorsTotal.WithLabelValues("packet_encode").Inc()
			continue
		}
		if err := s.up.SendRaw(b); err != nil {
			if s.terminate(outcomeUpstreamError, "", err) {
				obs.Info("relay.upstream.send", obs.Fields{"session": s.id, "err": err.Error()})
			}
			return
		}
		s.downPackets.Add(1)
		s.downBytes.Add(int64(len(b)))
		obs.PacketsForwarded.WithLabelValues(obs.DirectionDownstream).Inc()
	}
}

func (s *relaySession) upToDown() {
	for {
		raw, err := s.up.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.terminate(outcomeUpstreamClosed, "", nil)
			} else if s.terminate(outcomeUpstreamError, "", err) {
				obs.Info("relay.upstream.error", obs.Fields{"session": s.id, "err": err.Error()})
			}
			return
		}
		msg, err := proto.Decode(raw)
		if err != nil {
			obs.MalformedTotal.Inc()
			obs.Debug("relay.message.malformed", obs.Fields{"session": s.id, "err": err.Error()})
			continue
		}
		if msg.Kind != proto.KindPacket {
			obs.Debug("relay.message.ignored", obs.Fields{"session": s.id, "kind": msg.Kind.String()})
			continue
		}
		if s.terminated.Load() {
			return
		}
		if err := s.down.Send(msg.Packet); err != nil {
			if errors.Is(err, proto.ErrMalformedMessage) {
				obs.MalformedTotal.Inc()
				obs.Debug("relay.packet.unencodable", obs.Fields{"session": s.id, "packet": msg.Packet.Name, "err": err.Error()})
				continue
			}
			if s.terminate(outcomeDownstreamError, MsgConnectionLost, err) {
				obs.Error("relay.downstream.send", obs.Fields{"session": s.id, "packet": msg.Packet.Name, "err": err.Error()})
				obs.ErrorsTotal.WithLabelValues("downstream_send").Inc()
			}
			return
		}
		s.upPackets.Add(1)
		s.upBytes.Add(int64(len(raw)))
		obs.PacketsForwarded.WithLabelValues(obs.DirectionUpstream).Inc()
	}
}

// finish waits for termination to complete and records the session.
func (s *relaySession) finish() error {
	<-s.done
	obs.SessionsTotal.WithLabelValues(s.outcome).Inc()
	if s.started.IsZero() {
		return s.cause
	}
	obs.ActiveSessions.Dec()
	d := time.Since(s.started)
	obs.SessionDuration.Observe(d.Seconds())
	obs.Info("relay.session.end", obs.Fields{
		"session":      s.id,
		"outcome":      s.outcome,
		"duration":     d.Round(time.Millisecond).String(),
		"sent":         sizestr.ToString(s.upBytes.Load()),
		"received":     sizestr.ToString(s.downBytes.Load()),
		"packets_up":   s.upPackets.Load(),
		"packets_down": s.downPackets.Load(),
	})
	return s.cause
}
