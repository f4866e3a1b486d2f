package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/matst80/backhaul/internal/client"
	"github.com/matst80/backhaul/internal/config"
	"github.com/matst80/backhaul/internal/obs"
	"github.com/prometheus/client_golang/prometheus/promhttp"
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
		Use:   "backhaul-client",
		Short: "Private side of a reverse TCP tunnel",
		Long: `backhaul-client dials backhaul-server, sends the handshake secret and
connects the tunnel to a local service. When the tunnel or the local
connection ends it reconnects, forever.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.Load(cmd.Flags())
			if err != nil {
				return err
			}
			if err := cfg.ValidateClient(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	flags.RegisterClient(cmd.Flags())
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	obs.EnableDebug(cfg.Debug)
	obs.Debug("client.config", obs.Fields{"config": cfg.Redacted()})

	g, ctx := errgroup.WithContext(ctx)
	if addr := cfg.Client.MetricsAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("ok"))
		})
		g.Go(func() error { return obs.Serve(ctx, addr, mux) })
	}
	g.Go(func() error { return client.New(cfg).Run(ctx) })
	return g.Wait()
}
