// Package relay implements the public side of the tunnel: it accepts a
// tunnel connection from the client, checks its handshake, waits for a
// consumer and forwards between the two, one pair at a time.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/matst80/backhaul/internal/config"
	"github.com/matst80/backhaul/internal/obs"
	"github.com/matst80/backhaul/internal/ratelimit"
	"github.com/matst80/backhaul/internal/status"
	"github.com/matst80/backhaul/internal/tunnel"
)

// Listener names used in logs and metrics.
const (
	listenerTunnel   = "tunnel"
	listenerConsumer = "consumer"
)

// Option customises a Relay.
type Option func(*Relay)

// WithStore sets where pairing state is published. Defaults to an in-memory store.
func WithStore(s status.Store) Option { return func(r *Relay) { r.store = s } }

// WithLimiter throttles handshake attempts per remote host.
func WithLimiter(l *ratelimit.Limiter) Option { return func(r *Relay) { r.limiter = l } }

// Relay pairs validated tunnel connections with consumer connections.
type Relay struct {
	cfg     *config.Config
	secret  []byte
	store   status.Store
	limiter *ratelimit.Limiter

	tunnelLn   net.Listener
	consumerLn net.Listener
}

// New creates a relay for cfg. cfg must not be modified afterwards.
func New(cfg *config.Config, opts ...Option) *Relay {
	r := &Relay{cfg: cfg, secret: []byte(cfg.Secret)}
	for _, o := range opts {
		o(r)
	}
	if r.store == nil {
		r.store = status.NewMemory()
	}
	return r
}

// Listen binds the tunnel and consumer listeners. A bind failure is a
// startup error; nothing is left open when it fails.
func (r *Relay) Listen() error {
	tln, err := net.Listen("tcp", r.cfg.TunnelListenAddr())
	if err != nil {
		return fmt.Errorf("listen tunnel %s: %w", r.cfg.TunnelListenAddr(), err)
	}
	cln, err := net.Listen("tcp", r.cfg.ConsumerListenAddr())
	if err != nil {
		_ = tln.Close()
		return fmt.Errorf("listen consumer %s: %w", r.cfg.ConsumerListenAddr(), err)
	}
	r.tunnelLn, r.consumerLn = tln, cln
	obs.Info("relay.listen", obs.Fields{"tunnel": tln.Addr().String(), "consumer": cln.Addr().String()})
	return nil
}

// TunnelAddr returns the bound tunnel listener address, or nil before Listen.
func (r *Relay) TunnelAddr() net.Addr {
	if r.tunnelLn == nil {
		return nil
	}
	return r.tunnelLn.Addr()
}

// ConsumerAddr returns the bound consumer listener address, or nil before Listen.
func (r *Relay) ConsumerAddr() net.Addr {
	if r.consumerLn == nil {
		return nil
	}
	return r.consumerLn.Addr()
}

// Serve runs the pairing loop until ctx is cancelled, in which case it
// returns nil. Listen is called first if it has not been already.
func (r *Relay) Serve(ctx context.Context) error {
	if r.tunnelLn == nil {
		if err := r.Listen(); err != nil {
			return err
		}
	}
	closeListeners := func() {
		_ = r.tunnelLn.Close()
		_ = r.consumerLn.Close()
	}
	defer closeListeners()
	stop := context.AfterFunc(ctx, closeListeners)
	defer stop()

	r.store.SetReady(true)
	obs.Info("relay.ready", obs.Fields{})
	for {
		tc, err := r.nextTunnel(ctx)
		if err != nil {
			return r.stopped(ctx, err)
		}
		cc, err := r.nextConsumer(ctx)
		if err != nil {
			_ = tc.Close()
			return r.stopped(ctx, err)
		}
		r.forward(ctx, tc, cc)
	}
}

func (r *Relay) stopped(ctx context.Context, err error) error {
	r.store.SetClosing(true)
	r.store.SetReady(false)
	r.store.SetPhase(status.PhaseStopped)
	if ctx.Err() != nil {
		obs.Info("relay.stopped", obs.Fields{})
		return nil
	}
	obs.Error("relay.stopped", obs.Fields{"err": err.Error()})
	return err
}

// nextTunnel returns the next tunnel connection that passed the handshake.
func (r *Relay) nextTunnel(ctx context.Context) (net.Conn, error) {
	for {
		r.store.SetPhase(status.PhaseWaitingTunnel)
		c, err := accept(ctx, r.tunnelLn, listenerTunnel)
		if err != nil {
			return nil, err
		}
		remote := c.RemoteAddr().String()
		if host, _, err := net.SplitHostPort(remote); err == nil && !r.limiter.Allow(host) {
			obs.ThrottledTotal.Inc()
			obs.Warn("relay.tunnel.throttled", obs.Fields{"remote": remote})
			_ = c.Close()
			continue
		}
		obs.Info("relay.tunnel.accepted", obs.Fields{"remote": remote})

		r.store.SetPhase(status.PhaseValidating)
		if err := r.validate(ctx, c); err != nil {
			_ = c.Close()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			reason := tunnel.HandshakeReason(err)
			obs.HandshakeRejected.WithLabelValues(reason).Inc()
			r.store.HandshakeRejected(reason)
			obs.Warn("relay.tunnel.rejected", obs.Fields{"remote": remote, "reason": reason, "err": err.Error()})
			continue
		}
		obs.Info("relay.tunnel.validated", obs.Fields{"remote": remote})
		return c, nil
	}
}

func (r *Relay) validate(ctx context.Context, c net.Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()
	if d := r.cfg.Relay.HandshakeTimeout; d > 0 {
		if err := c.SetReadDeadline(time.Now().Add(d)); err != nil {
			return err
		}
	}
	if err := tunnel.Validate(c, r.secret); err != nil {
		return err
	}
	return c.SetReadDeadline(time.Time{})
}

func (r *Relay) nextConsumer(ctx context.Context) (net.Conn, error) {
	r.store.SetPhase(status.PhaseWaitingConsumer)
	c, err := accept(ctx, r.consumerLn, listenerConsumer)
	if err != nil {
		return nil, err
	}
	obs.Info("relay.consumer.accepted", obs.Fields{"remote": c.RemoteAddr().String()})
	return c, nil
}

func (r *Relay) forward(ctx context.Context, tc, cc net.Conn) {
	id := uuid.NewString()
	r.store.PairStarted(id, cc.RemoteAddr().String())
	obs.ActivePairs.WithLabelValues(obs.RoleRelay).Inc()
	obs.Info("relay.pair.start", obs.Fields{"pair": id, "tunnel": tc.RemoteAddr().String(), "consumer": cc.RemoteAddr().String()})

	res := tunnel.Pair(ctx, tc, cc)

	obs.ActivePairs.WithLabelValues(obs.RoleRelay).Dec()
	tunnel.Observe(obs.RoleRelay, res)
	r.store.PairEnded(id)
	f := res.Fields()
	f["pair"] = id
	if res.Err != nil {
		obs.Warn("relay.pair.end", f)
		return
	}
	obs.Info("relay.pair.end", f)
}

// accept retries transient accept failures with a capped backoff. It only
// gives up when ctx is done or the listener has been closed.
func accept(ctx context.Context, ln net.Listener, name string) (net.Conn, error) {
	bo := &backoff.Backoff{Min: 5 * time.Millisecond, Max: time.Second}
	for {
		c, err := ln.Accept()
		if err == nil {
			return c, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, err
		}
		obs.AcceptErrorsTotal.WithLabelValues(name).Inc()
		d := bo.Duration()
		obs.Error("relay.accept."+name, obs.Fields{"err": err.Error(), "retry_in": d.String()})
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d):
		}
	}
}
