package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound         = errors.New("session not found")
	ErrDuplicateSession = errors.New("session already registered")
	ErrInvalidRecord    = errors.New("invalid session record")
)

// Record holds the identity material a relay session needs. Records are
// immutable once registered.
type Record struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	// UUID is the game profile id, used when joining online mode servers.
	UUID        string    `json:"uuid,omitempty"`
	AccessToken string    `json:"access_token"`
	CreatedAt   time.Time `json:"created_at"`
}

// String never renders the access token.
func (r Record) String() string {
	return fmt.Sprintf("session{id=%s name=%s}", ShortID(r.ID), r.DisplayName)
}

func (r Record) validate() error {
	if r.ID == "" || r.DisplayName == "" || r.AccessToken == "" {
		return ErrInvalidRecord
	}
	return nil
}

// Registry maps session identifiers to records. Implementations are safe for
// any number of concurrent callers.
type Registry interface {
	// Register inserts rec; an existing ID is rejected with
	// ErrDuplicateSession, never overwritten.
	Register(ctx context.Context, rec Record) error
	Lookup(ctx context.Context, id string) (Record, error)
	Revoke(ctx context.Context, id string) error
	// Len is the number of records known locally (approximate for shared
	// backends).
	Len() int
}

// NewID returns a fresh random session identifier (40 hex chars).
func NewID() (string, error) {
	b := make([]byte, 20)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// ShortID truncates an identifier for log output.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
