package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sleepy778/1.21.4eag/internal/auth"
	"github.com/sleepy778/1.21.4eag/internal/downstream"
	"github.com/sleepy778/1.21.4eag/internal/obs"
	"github.com/sleepy778/1.21.4eag/internal/ratelimit"
	"github.com/sleepy778/1.21.4eag/internal/relay"
	"github.com/sleepy778/1.21.4eag/internal/session"
	"github.com/sleepy778/1.21.4eag/internal/target"
	"github.com/sleepy778/1.21.4eag/internal/upstream"
	"github.com/spf13/pflag"
)

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		obs.Error("config.load", obs.Fields{"err": err.Error()})
		os.Exit(2)
	}
	obs.EnableDebug(cfg.Debug)
	obs.Info("server.start", obs.Fields{"relay": cfg.RelayAddr, "http": cfg.HTTPAddr, "metrics": cfg.MetricsAddr})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry, err := session.New(ctx, session.Options{
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		RedisDB:       cfg.RedisDB,
		TTL:           cfg.SessionTTL,

		MaintenanceInterval: time.Minute,
	})
	if err != nil {
		obs.Error("registry.init", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
	if rr, ok := registry.(*session.RedisRegistry); ok {
		defer rr.Close()
	}

	policy, err := target.NewPolicy(cfg.AllowedTargets)
	if err != nil {
		obs.Error("config.allowed_targets", obs.Fields{"err": err.Error()})
		os.Exit(2)
	}
	connectLimiter := ratelimit.New(cfg.ConnectRate, cfg.ConnectBurst, 0)
	loginLimiter := ratelimit.New(cfg.LoginRate, cfg.LoginBurst, 0)
	go runCleanupLoop(ctx, time.Minute, connectLimiter, loginLimiter)

	state := newServerState(registry)
	sessionCtx, cancelSessions := context.WithCancel(context.Background())
	defer cancelSessions()
	rs := &relayServer{
		relay: &relay.Relay{
			Registry: registry,
			Dialer: relay.NetDialer(&downstream.Dialer{
				Timeout:          cfg.DialTimeout,
				HandshakeTimeout: cfg.HandshakeTimeout,
				WriteTimeout:     cfg.WriteTimeout,
				Joiner:           sessionJoiner(auth.NewSessionService(sessionEndpoints(cfg.SessionServer), nil)),
			}),
			Policy:  policy,
			Limiter: connectLimiter,
			Options: relay.Options{
				ConnectTimeout: cfg.ConnectTimeout,
				MaxLifetime:    cfg.MaxSessionLifetime,
			},
		},
		upgrader: upstream.Upgrader(cfg.AllowedOrigins),
		opts: upstream.Options{
			PingPeriod:     cfg.PingPeriod,
			PongWait:       cfg.PongWait,
			WriteTimeout:   cfg.WriteTimeout,
			MaxMessageSize: cfg.MaxMessageSize,
		},
		state: state,
		ctx:   sessionCtx,
	}

	a := &api{
		registry: registry,
		limiter:  loginLimiter,
		state:    state,
		origins:  cfg.AllowedOrigins,
		self:     originOf(cfg.OAuth.RedirectURI),
	}
	if cfg.OAuth.ClientID != "" {
		a.auth = auth.NewMicrosoft(auth.MicrosoftConfig{
			ClientID:     cfg.OAuth.ClientID,
			ClientSecret: cfg.OAuth.ClientSecret,
			RedirectURL:  cfg.OAuth.RedirectURI,
		})
	} else {
		obs.Warn("login.disabled", obs.Fields{"reason": "oauth.client_id not set"})
	}

	errorLog := obs.ErrorLog("http.server")
	servers := []*http.Server{
		{Addr: cfg.RelayAddr, Handler: rs, ReadHeaderTimeout: 10 * time.Second, ErrorLog: errorLog},
		{Addr: cfg.HTTPAddr, Handler: a.handler(cfg.Debug), ReadHeaderTimeout: 10 * time.Second, ErrorLog: errorLog},
		{Addr: cfg.MetricsAddr, Handler: metricsHandler(state), ReadHeaderTimeout: 10 * time.Second, ErrorLog: errorLog},
	}
	var wg sync.WaitGroup
	for _, srv := range servers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				obs.Error("listen", obs.Fields{"addr": srv.Addr, "err": err.Error()})
				stop()
			}
		}()
	}
	state.setReady(true)
	obs.Info("server.ready", obs.Fields{})

	<-ctx.Done()
	obs.Info("server.shutdown.signal", obs.Fields{})
	state.setClosing(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	// hijacked websockets are not tracked by Shutdown
	cancelSessions()
	rs.wait()
	wg.Wait()
	obs.Info("server.shutdown.complete", obs.Fields{})
}

// runCleanupLoop drops idle rate limiter buckets.
func runCleanupLoop(ctx context.Context, interval time.Duration, limiters ...*ratelimit.Limiter) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, l := range limiters {
				if n := l.Cleanup(10 * interval); n > 0 {
					obs.Debug("ratelimit.cleanup", obs.Fields{"removed": n})
				}
			}
		}
	}
}

func sessionEndpoints(base string) auth.SessionEndpoints {
	base = strings.TrimRight(base, "/")
	if base == "" {
		return auth.DefaultSessionEndpoints
	}
	return auth.SessionEndpoints{
		Join:      base + "/session/minecraft/join",
		HasJoined: base + "/session/minecraft/hasJoined",
		Profile:   auth.DefaultSessionEndpoints.Profile,
	}
}

// sessionJoiner hands the access token to the session service; the game
// server only ever sees the server hash.
func sessionJoiner(s *auth.SessionService) downstream.Joiner {
	return downstream.JoinerFunc(func(ctx context.Context, c downstream.Credentials, serverHash string) error {
		return s.Join(ctx, c.AccessToken, c.UUID, serverHash)
	})
}
