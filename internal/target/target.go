package target

import (
	"errors"
	"fmt"
	"net"
	"path"
	"strconv"
	"strings"
)

// DefaultPort is used when neither the request nor the host names a port.
const DefaultPort = 25565

var ErrInvalidTarget = errors.New("invalid target")

// Target is a game server address.
type Target struct {
	Host string
	Port int
}

func (t Target) Addr() string { return net.JoinHostPort(t.Host, strconv.Itoa(t.Port)) }

func (t Target) String() string { return t.Addr() }

// Parse validates a host and port from a connect request. When port is 0 the
// host may carry its own ":port" suffix; otherwise DefaultPort applies.
func Parse(host string, port int) (Target, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return Target{}, fmt.Errorf("%w: missing host", ErrInvalidTarget)
	}
	if strings.Contains(host, "://") || strings.ContainsAny(host, "/?#@ \t") {
		return Target{}, fmt.Errorf("%w: host %q is not a bare hostname", ErrInvalidTarget, host)
	}
	if port == 0 {
		if h, p, err := net.SplitHostPort(host); err == nil {
			n, err := strconv.Atoi(p)
			if err != nil {
				return Target{}, fmt.Errorf("%w: bad port %q", ErrInvalidTarget, p)
			}
			host, port = h, n
		} else {
			port = DefaultPort
		}
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if host == "" {
		return Target{}, fmt.Errorf("%w: missing host", ErrInvalidTarget)
	}
	if port < 1 || port > 65535 {
		return Target{}, fmt.Errorf("%w: port %d out of range", ErrInvalidTarget, port)
	}
	return Target{Host: strings.ToLower(host), Port: port}, nil
}

// Policy restricts which targets a relay may dial. Patterns are glob
// expressions matched against "host" or "host:port"; an empty policy allows
// everything.
type Policy struct {
	patterns []string
}

func NewPolicy(patterns []string) (*Policy, error) {
	p := &Policy{}
	for _, raw := range patterns {
		pat := strings.ToLower(strings.TrimSpace(raw))
		if pat == "" {
			continue
		}
		if _, err := path.Match(pat, ""); err != nil {
			return nil, fmt.Errorf("bad target pattern %q: %w", raw, err)
		}
		p.patterns = append(p.patterns, pat)
	}
	return p, nil
}

// Allow reports whether t matches at least one pattern.
func (p *Policy) Allow(t Target) bool {
	if p == nil || len(p.patterns) == 0 {
		return true
	}
	addr := strings.ToLower(t.Addr())
	host := strings.ToLower(t.Host)
	for _, pat := range p.patterns {
		if ok, _ := path.Match(pat, host); ok {
			return true
		}
		if ok, _ := path.Match(pat, addr); ok {
			return true
		}
	}
	return false
}
