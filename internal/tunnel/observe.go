package tunnel

import (
	"github.com/dustin/go-humanize"
	"github.com/matst80/backhaul/internal/obs"
)

// Observe records a finished pair in the Prometheus metrics for role.
func Observe(role string, r Result) {
	side := string(r.Side)
	if side == "" {
		side = "none"
	}
	obs.PairsTotal.WithLabelValues(role).Inc()
	obs.PairDurationSeconds.WithLabelValues(role).Observe(r.Duration.Seconds())
	obs.BytesForwarded.WithLabelValues(role, "tunnel_to_local").Add(float64(r.TunnelToLocal))
	obs.BytesForwarded.WithLabelValues(role, "local_to_tunnel").Add(float64(r.LocalToTunnel))
	obs.PairEndTotal.WithLabelValues(role, side, string(r.Op)).Inc()
}

// Fields renders r for structured logs.
func (r Result) Fields() obs.Fields {
	f := obs.Fields{
		"result":          r.String(),
		"tunnel_to_local": humanize.Bytes(uint64(r.TunnelToLocal)),
		"local_to_tunnel": humanize.Bytes(uint64(r.LocalToTunnel)),
		"duration_ms":     r.Duration.Milliseconds(),
	}
	if r.Err != nil {
		f["err"] = r.Err.Error()
	}
	return f
}
