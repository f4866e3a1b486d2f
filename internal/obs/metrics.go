package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Role label values.
const (
	RoleRelay  = "relay"
	RoleClient = "client"
)

var (
	PairsTotal          = promauto.NewCounterVec(prometheus.CounterOpts{Name: "backhaul_pairs_total", Help: "Tunnel pairs forwarded"}, []string{"role"})
	ActivePairs         = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "backhaul_active_pairs", Help: "Tunnel pairs currently forwarding"}, []string{"role"})
	PairDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "backhaul_pair_duration_seconds", Help: "Tunnel pair lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)}, []string{"role"})
	BytesForwarded      = promauto.NewCounterVec(prometheus.CounterOpts{Name: "backhaul_bytes_forwarded_total", Help: "Bytes copied between pair members"}, []string{"role", "direction"})
	PairEndTotal        = promauto.NewCounterVec(prometheus.CounterOpts{Name: "backhaul_pair_end_total", Help: "Pair terminations by side and operation"}, []string{"role", "side", "op"})
	HandshakeRejected   = promauto.NewCounterVec(prometheus.CounterOpts{Name: "backhaul_handshake_rejected_total", Help: "Tunnel connections rejected during handshake"}, []string{"reason"})
	AcceptErrorsTotal   = promauto.NewCounterVec(prometheus.CounterOpts{Name: "backhaul_accept_errors_total", Help: "Accept failures by listener"}, []string{"listener"})
	DialFailuresTotal   = promauto.NewCounterVec(prometheus.CounterOpts{Name: "backhaul_dial_failures_total", Help: "Client dial failures by target"}, []string{"target"})
	ThrottledTotal      = promauto.NewCounter(prometheus.CounterOpts{Name: "backhaul_throttled_total", Help: "Tunnel connections dropped by the attempt throttle"})
	StatusWritesDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "backhaul_status_writes_dropped_total", Help: "Status store writes dropped because Redis fell behind"})
)
