package downstream

import (
	"errors"
	"fmt"

	"github.com/sleepy778/1.21.4eag/internal/target"
)

// ErrClosed is returned by Send once the connection has terminated.
var ErrClosed = errors.New("downstream connection closed")

// ConnectErrorKind says why a connection could not be established.
type ConnectErrorKind int

const (
	// KindUnreachable: the TCP connection could not be opened.
	KindUnreachable ConnectErrorKind = iota + 1
	// KindRejected: the server refused the login, usually an auth failure.
	KindRejected
	// KindHandshake: the login exchange broke down.
	KindHandshake
)

func (k ConnectErrorKind) String() string {
	switch k {
	case KindUnreachable:
		return "unreachable"
	case KindRejected:
		return "rejected"
	case KindHandshake:
		return "handshake"
	}
	return "unknown"
}

// ConnectError is returned by Dial.
type ConnectError struct {
	Kind   ConnectErrorKind
	Target target.Target
	// Reason is the server supplied text for KindRejected.
	Reason string
	Err    error
}

func (e *ConnectError) Error() string {
	msg := fmt.Sprintf("connect %s: %s", e.Target, e.Kind)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConnectError) Unwrap() error { return e.Err }
