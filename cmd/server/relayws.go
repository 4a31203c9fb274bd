package main

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sleepy778/1.21.4eag/internal/obs"
	"github.com/sleepy778/1.21.4eag/internal/relay"
	"github.com/sleepy778/1.21.4eag/internal/upstream"
)

// relayServer accepts browser websockets and runs one relay session on each.
type relayServer struct {
	relay    *relay.Relay
	upgrader *websocket.Upgrader
	opts     upstream.Options
	state    *serverState

	// ctx outlives individual requests; canceling it ends every session.
	ctx      context.Context
	sessions sync.WaitGroup
}

func (s *relayServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.state.isClosing() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	ch, err := upstream.Accept(w, r, s.upgrader, s.opts)
	if err != nil {
		obs.Error("relay.upgrade", obs.Fields{"err": err.Error(), "remote": r.RemoteAddr})
		obs.ErrorsTotal.WithLabelValues("ws_upgrade").Inc()
		return
	}
	s.sessions.Add(1)
	defer s.sessions.Done()
	s.state.sessionStarted()
	defer s.state.sessionEnded()
	if err := s.relay.Serve(s.ctx, ch, remoteIP(r)); err != nil {
		obs.Debug("relay.serve.end", obs.Fields{"remote": remoteIP(r), "err": err.Error()})
	}
}

// wait blocks until every running session has returned.
func (s *relayServer) wait() { s.sessions.Wait() }
