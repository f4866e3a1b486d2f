package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/matst80/backhaul/internal/config"
	"github.com/matst80/backhaul/internal/obs"
	"github.com/matst80/backhaul/internal/ratelimit"
	"github.com/matst80/backhaul/internal/relay"
	"github.com/matst80/backhaul/internal/status"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var flags config.Flags
	cmd := &cobra.Command{
		Use:   "backhaul-server",
		Short: "Public relay for a reverse TCP tunnel",
		Long: `backhaul-server accepts a tunnel connection from backhaul-client on the
public port, checks its handshake secret, then pairs it with the next
consumer connecting to the private port and forwards bytes both ways.
Only one pair is active at a time.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.Load(cmd.Flags())
			if err != nil {
				return err
			}
			if err := cfg.ValidateRelay(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	flags.RegisterRelay(cmd.Flags())
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	obs.EnableDebug(cfg.Debug)
	obs.Info("server.start", obs.Fields{
		"tunnel":   cfg.TunnelListenAddr(),
		"consumer": cfg.ConsumerListenAddr(),
		"metrics":  cfg.Relay.MetricsAddr,
	})
	obs.Debug("server.config", obs.Fields{"config": cfg.Redacted()})

	store, err := status.New(ctx, status.RedisOptions{
		Addr:     cfg.Relay.RedisAddr,
		Password: cfg.Relay.RedisPassword,
		DB:       cfg.Relay.RedisDB,
		TTL:      cfg.Relay.StatusTTL,
	})
	if err != nil {
		obs.Error("server.status", obs.Fields{"err": err.Error()})
		return err
	}
	limiter, err := ratelimit.New(cfg.Relay.AttemptRate, cfg.Relay.AttemptBurst, ratelimit.DefaultMaxHosts)
	if err != nil {
		return err
	}

	r := relay.New(cfg, relay.WithStore(store), relay.WithLimiter(limiter))
	if err := r.Listen(); err != nil {
		obs.Error("server.listen", obs.Fields{"err": err.Error()})
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	if rs, ok := store.(*status.Redis); ok {
		g.Go(func() error {
			rs.Heartbeat(ctx)
			return rs.Close()
		})
	}
	if cfg.Relay.MetricsAddr != "" {
		g.Go(func() error { return obs.Serve(ctx, cfg.Relay.MetricsAddr, newMetricsMux(store)) })
	}
	g.Go(func() error { return r.Serve(ctx) })

	err = g.Wait()
	obs.Info("server.shutdown.complete", obs.Fields{})
	return err
}
