package downstreamtest

import (
	"context"
	"errors"
	"sync"

	"github.com/sleepy778/1.21.4eag/internal/downstream"
)

var errBadToken = errors.New("downstreamtest: invalid access token")

// Sessions is an in-memory session service. It is a downstream.Joiner for
// the client side and a Verifier for the server side.
type Sessions struct {
	mu     sync.Mutex
	tokens map[string]string // username -> access token
	joined map[string]string // username -> server hash
	joins  []string
}

// NewSessions accepts the given username to access token pairs.
func NewSessions(tokens map[string]string) *Sessions {
	return &Sessions{tokens: tokens, joined: make(map[string]string)}
}

func (s *Sessions) Join(_ context.Context, creds downstream.Credentials, serverHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if want, ok := s.tokens[creds.Username]; !ok || want != creds.AccessToken {
		return errBadToken
	}
	s.joined[creds.Username] = serverHash
	s.joins = append(s.joins, serverHash)
	return nil
}

func (s *Sessions) HasJoined(_ context.Context, username, serverHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joined[username] == serverHash && serverHash != "", nil
}

// Joins returns the server hashes of every accepted join.
func (s *Sessions) Joins() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.joins...)
}
