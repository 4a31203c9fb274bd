package main

import (
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds all runtime configuration. Values come from flags, EAG_*
// environment variables and an optional config file, in that order of
// precedence.
type Config struct {
	RelayAddr   string `mapstructure:"relay_addr"`
	HTTPAddr    string `mapstructure:"http_addr"`
	MetricsAddr string `mapstructure:"metrics_addr"`
	Debug       bool   `mapstructure:"debug"`

	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	SessionTTL    time.Duration `mapstructure:"session_ttl"`

	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedTargets []string `mapstructure:"allowed_targets"`

	ConnectTimeout     time.Duration `mapstructure:"connect_timeout"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	HandshakeTimeout   time.Duration `mapstructure:"handshake_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	PingPeriod         time.Duration `mapstructure:"ping_period"`
	PongWait           time.Duration `mapstructure:"pong_wait"`
	MaxMessageSize     int64         `mapstructure:"max_message_size"`
	MaxSessionLifetime time.Duration `mapstructure:"max_session_lifetime"`

	// SessionServer is the base URL of the game session service used for
	// online mode joins.
	SessionServer string `mapstructure:"session_server"`

	ConnectRate  float64 `mapstructure:"connect_rate"`
	ConnectBurst int     `mapstructure:"connect_burst"`
	LoginRate    float64 `mapstructure:"login_rate"`
	LoginBurst   int     `mapstructure:"login_burst"`

	OAuth OAuthConfig `mapstructure:"oauth"`
}

type OAuthConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	RedirectURI  string `mapstructure:"redirect_uri"`
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("eag-server", pflag.ContinueOnError)
	fs.String("config", "", "optional config file (yaml, json or toml)")
	fs.String("relay-addr", ":8080", "relay websocket listen address")
	fs.String("http-addr", ":3000", "login API listen address")
	fs.String("metrics-addr", ":9100", "metrics and health listen address")
	fs.Bool("debug", false, "enable debug logs and request logging")

	fs.String("redis-addr", "", "redis address for a shared session registry; empty keeps sessions in memory")
	fs.String("redis-password", "", "redis password")
	fs.Int("redis-db", 0, "redis database")
	fs.Duration("session-ttl", 24*time.Hour, "session record lifetime in redis")

	fs.StringSlice("allowed-origins", nil, "browser origins allowed to open the relay websocket (empty allows all)")
	fs.StringSlice("allowed-targets", nil, "glob patterns of game servers the relay may dial (empty allows all)")

	fs.Duration("connect-timeout", 30*time.Second, "how long a new websocket may wait before sending its connect request")
	fs.Duration("dial-timeout", 10*time.Second, "TCP connect timeout to the game server")
	fs.Duration("handshake-timeout", 15*time.Second, "game server login timeout")
	fs.Duration("write-timeout", 10*time.Second, "per message write timeout on either side")
	fs.Duration("ping-period", 30*time.Second, "websocket ping interval")
	fs.Duration("pong-wait", 60*time.Second, "websocket idle limit")
	fs.Int64("max-message-size", 1<<20, "largest accepted websocket message in bytes")
	fs.Duration("max-session-lifetime", 0, "end relay sessions after this long (0 = unlimited)")
	fs.String("session-server", "https://sessionserver.mojang.com", "game session service for online mode joins")

	fs.Float64("connect-rate", 1, "connect requests per second per session or address")
	fs.Int("connect-burst", 5, "connect request burst")
	fs.Float64("login-rate", 0.2, "login attempts per second per address")
	fs.Int("login-burst", 5, "login attempt burst")

	fs.String("oauth-client-id", "", "Microsoft application (client) id")
	fs.String("oauth-client-secret", "", "Microsoft client secret")
	fs.String("oauth-redirect-uri", "http://localhost:3000/auth/callback", "OAuth redirect URI")
	return fs
}

// configKey maps a flag name to its viper key: relay-addr becomes
// relay_addr and oauth-client-id becomes oauth.client_id.
func configKey(flag string) string {
	if rest, ok := strings.CutPrefix(flag, "oauth-"); ok {
		return "oauth." + strings.ReplaceAll(rest, "-", "_")
	}
	return strings.ReplaceAll(flag, "-", "_")
}

func loadConfig(args []string) (Config, error) {
	var cfg Config
	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	v := viper.New()
	var bindErr error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" {
			return
		}
		if err := v.BindPFlag(configKey(f.Name), f); err != nil && bindErr == nil {
			bindErr = err
		}
	})
	if bindErr != nil {
		return cfg, bindErr
	}
	v.SetEnvPrefix("EAG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path, _ := fs.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return cfg, err
		}
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
