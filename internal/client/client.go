// Package client keeps one tunnel open from the private side: it dials the
// relay, authenticates, dials the local service and forwards between the
// two, starting over whenever the pair ends or a dial fails.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jpillora/backoff"
	"github.com/matst80/backhaul/internal/config"
	"github.com/matst80/backhaul/internal/obs"
	"github.com/matst80/backhaul/internal/tunnel"
)

// Dial targets used in logs and metrics.
const (
	targetRelay = "relay"
	targetLocal = "local"
)

// Dialer opens outbound connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Option customises a Client.
type Option func(*Client)

// WithDialer replaces the network dialer.
func WithDialer(d Dialer) Option { return func(c *Client) { c.dialer = d } }

// Client runs the reconnect loop.
type Client struct {
	cfg    *config.Config
	secret []byte
	dialer Dialer
	bo     *backoff.Backoff
}

// New creates a client for cfg. cfg must not be modified afterwards.
func New(cfg *config.Config, opts ...Option) *Client {
	c := &Client{
		cfg:    cfg,
		secret: []byte(cfg.Secret),
		dialer: &net.Dialer{Timeout: cfg.Client.DialTimeout},
		bo: &backoff.Backoff{
			Min:    cfg.Client.RetryInterval,
			Max:    cfg.Client.MaxDelay(),
			Factor: 2,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// attemptError records which step of an attempt failed.
type attemptError struct {
	stage string
	err   error
}

func (e *attemptError) Error() string { return e.stage + ": " + e.err.Error() }
func (e *attemptError) Unwrap() error { return e.err }

// Run keeps a tunnel open until ctx is cancelled and then returns nil. Dial
// and forwarding failures are logged and retried, never returned.
func (c *Client) Run(ctx context.Context) error {
	obs.Info("client.start", obs.Fields{"relay": c.cfg.PublicAddr(), "local": c.cfg.LocalAddr})
	for {
		res, err := c.attempt(ctx)
		if ctx.Err() != nil {
			obs.Info("client.stopped", obs.Fields{})
			return nil
		}
		if err != nil {
			d := c.bo.Duration()
			f := obs.Fields{"err": err.Error(), "retry_in": d.String(), "attempt": int(c.bo.Attempt())}
			var ae *attemptError
			if errors.As(err, &ae) {
				f["stage"] = ae.stage
			}
			obs.Error("client.attempt.failed", f)
			c.sleep(ctx, d)
			continue
		}
		if res.Bytes() == 0 && res.Side == tunnel.SideTunnel && res.Duration < c.cfg.Client.RetryInterval {
			// The relay hung up right away without traffic, most likely a
			// rejected handshake. Treat it like a failed attempt.
			d := c.bo.Duration()
			obs.Warn("client.pair.idle", obs.Fields{"result": res.String(), "retry_in": d.String()})
			c.sleep(ctx, d)
			continue
		}
		c.bo.Reset()
	}
}

// attempt performs one DIAL_RELAY, SEND_HANDSHAKE, DIAL_LOCAL, FORWARDING cycle.
func (c *Client) attempt(ctx context.Context) (tunnel.Result, error) {
	relayAddr := c.cfg.PublicAddr()
	rc, err := c.dialer.DialContext(ctx, "tcp", relayAddr)
	if err != nil {
		obs.DialFailuresTotal.WithLabelValues(targetRelay).Inc()
		return tunnel.Result{}, &attemptError{stage: "dial_relay", err: err}
	}
	obs.Info("client.relay.connected", obs.Fields{"remote": rc.RemoteAddr().String()})

	if err := tunnel.Send(rc, c.secret); err != nil {
		_ = rc.Close()
		return tunnel.Result{}, &attemptError{stage: "send_handshake", err: err}
	}

	lc, err := c.dialer.DialContext(ctx, "tcp", c.cfg.LocalAddr)
	if err != nil {
		_ = rc.Close()
		obs.DialFailuresTotal.WithLabelValues(targetLocal).Inc()
		return tunnel.Result{}, &attemptError{stage: "dial_local", err: fmt.Errorf("%s: %w", c.cfg.LocalAddr, err)}
	}
	obs.Info("client.local.connected", obs.Fields{"local": c.cfg.LocalAddr})

	obs.ActivePairs.WithLabelValues(obs.RoleClient).Inc()
	res := tunnel.Pair(ctx, rc, lc)
	obs.ActivePairs.WithLabelValues(obs.RoleClient).Dec()
	tunnel.Observe(obs.RoleClient, res)
	if res.Err != nil {
		obs.Warn("client.pair.end", res.Fields())
	} else {
		obs.Info("client.pair.end", res.Fields())
	}
	return res, nil
}

func (c *Client) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
