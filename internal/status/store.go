// Package status records where the relay's pairing loop currently is so it
// can be exposed to operators over HTTP or shared through Redis.
package status

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/matst80/backhaul/internal/obs"
)

// Phase is a state of the relay pairing loop.
type Phase string

const (
	PhaseStarting        Phase = "starting"
	PhaseWaitingTunnel   Phase = "waiting_tunnel"
	PhaseValidating      Phase = "validating"
	PhaseWaitingConsumer Phase = "waiting_consumer"
	PhaseForwarding      Phase = "forwarding"
	PhaseStopped         Phase = "stopped"
)

// Snapshot is a point-in-time view of the relay.
type Snapshot struct {
	Phase      Phase     `json:"phase"`
	PairID     string    `json:"pair_id,omitempty"`
	PairRemote string    `json:"pair_remote,omitempty"`
	PairSince  time.Time `json:"pair_since,omitzero"`
	Pairs      int64     `json:"pairs"`
	Rejected   int64     `json:"rejected"`
	Ready      bool      `json:"ready"`
	Closing    bool      `json:"closing"`
	Now        string    `json:"now"`
}

// Store abstracts relay state so it can be kept locally or mirrored to Redis.
type Store interface {
	SetPhase(p Phase)
	PairStarted(id, remote string)
	PairEnded(id string)
	HandshakeRejected(reason string)
	SetReady(ready bool)
	SetClosing(closing bool)
	Snapshot() Snapshot
}

// RedisOptions selects the Redis backend when Addr is set.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
	Instance string
}

// New creates either an in-memory or Redis-backed store.
func New(ctx context.Context, opts RedisOptions) (Store, error) {
	if opts.Addr == "" {
		obs.Info("status.backend", obs.Fields{"type": "in-memory"})
		return NewMemory(), nil
	}
	obs.Info("status.backend", obs.Fields{"type": "redis", "addr": opts.Addr})
	r, err := NewRedis(ctx, opts)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Handler serves the current snapshot as JSON.
func Handler(s Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(s.Snapshot())
	})
}
