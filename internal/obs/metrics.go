package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	DirectionDownstream = "downstream_to_upstream"
	DirectionUpstream   = "upstream_to_downstream"
)

var (
	ActiveSessions     = promauto.NewGauge(prometheus.GaugeOpts{Name: "eag_relay_active_sessions", Help: "Relay sessions currently pumping packets"})
	RegisteredSessions = promauto.NewGauge(prometheus.GaugeOpts{Name: "eag_registered_sessions", Help: "Session records held by this instance"})
	SessionsTotal      = promauto.NewCounterVec(prometheus.CounterOpts{Name: "eag_relay_sessions_total", Help: "Relay sessions by outcome"}, []string{"outcome"})
	PacketsForwarded   = promauto.NewCounterVec(prometheus.CounterOpts{Name: "eag_relay_packets_total", Help: "Packets forwarded by direction"}, []string{"direction"})
	MalformedTotal     = promauto.NewCounter(prometheus.CounterOpts{Name: "eag_relay_malformed_messages_total", Help: "Upstream messages dropped as malformed"})
	ErrorsTotal        = promauto.NewCounterVec(prometheus.CounterOpts{Name: "eag_errors_total", Help: "Errors by type"}, []string{"type"})
	LoginsTotal        = promauto.NewCounterVec(prometheus.CounterOpts{Name: "eag_logins_total", Help: "Login attempts by result"}, []string{"result"})
	SessionDuration    = promauto.NewHistogram(prometheus.HistogramOpts{Name: "eag_relay_session_duration_seconds", Help: "Relay session lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 20)})
)
