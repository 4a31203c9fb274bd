package main

import (
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/spf13/pflag"
)

// Config holds debug client configuration.
type Config struct {
	RelayURL string
	APIURL   string
	Origin   string

	// Either SessionID (or Code, exchanged through the API first) or
	// Username and Token. UUID is optional with Token.
	SessionID string
	Code      string
	Username  string
	UUID      string
	Token     string

	Server string
	Host   string
	Port   int

	Once     bool
	MaxRetry time.Duration
	Debug    bool
}

func parseConfig(args []string) (Config, error) {
	var cfg Config
	fs := pflag.NewFlagSet("eag-client", pflag.ContinueOnError)
	fs.StringVar(&cfg.RelayURL, "relay", "ws://127.0.0.1:8080/", "relay websocket URL")
	fs.StringVar(&cfg.APIURL, "api", "http://127.0.0.1:3000", "login API base URL, used with --code")
	fs.StringVar(&cfg.Origin, "origin", "", "Origin header to present to the relay")
	fs.StringVar(&cfg.SessionID, "session", "", "registered session id")
	fs.StringVar(&cfg.Code, "code", "", "OAuth authorization code to exchange for a session id")
	fs.StringVar(&cfg.Username, "username", "", "player name for direct credentials")
	fs.StringVar(&cfg.UUID, "uuid", "", "profile id for direct credentials (looked up from the token when empty)")
	fs.StringVar(&cfg.Token, "token", "", "access token for direct credentials")
	fs.StringVar(&cfg.Server, "server", "127.0.0.1:25565", "game server host[:port]")
	fs.BoolVar(&cfg.Once, "once", false, "exit after the first session instead of reconnecting")
	fs.DurationVar(&cfg.MaxRetry, "max-retry-interval", 30*time.Second, "upper bound for reconnect backoff")
	fs.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	host, port, err := net.SplitHostPort(cfg.Server)
	if err != nil {
		cfg.Host = cfg.Server
	} else {
		cfg.Host = host
		if cfg.Port, err = strconv.Atoi(port); err != nil {
			return cfg, errors.New("invalid --server port")
		}
	}
	if cfg.SessionID == "" && cfg.Code == "" && cfg.Username == "" {
		return cfg, errors.New("one of --session, --code or --username is required")
	}
	return cfg, nil
}
