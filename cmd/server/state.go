package main

import (
	"sync/atomic"

	"github.com/sleepy778/1.21.4eag/internal/session"
)

// serverState tracks process lifecycle and counters for the health and
// state endpoints. Relay sessions themselves share nothing but the registry.
type serverState struct {
	registry session.Registry

	ready   atomic.Bool
	closing atomic.Bool

	active atomic.Int64
	total  atomic.Int64
	logins atomic.Int64
}

func newServerState(reg session.Registry) *serverState {
	return &serverState{registry: reg}
}

func (s *serverState) setReady(v bool)   { s.ready.Store(v) }
func (s *serverState) setClosing(v bool) { s.closing.Store(v) }
func (s *serverState) isReady() bool     { return s.ready.Load() }
func (s *serverState) isClosing() bool   { return s.closing.Load() }

func (s *serverState) sessionStarted() {
	s.active.Add(1)
	s.total.Add(1)
}

func (s *serverState) sessionEnded()   { s.active.Add(-1) }
func (s *serverState) loginSucceeded() { s.logins.Add(1) }
