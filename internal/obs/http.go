package obs

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"
)

// Serve runs an HTTP server for h on addr until ctx is done, then shuts it
// down gracefully. A bind failure is returned immediately.
func Serve(ctx context.Context, addr string, h http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	Info("metrics.listen", Fields{"addr": ln.Addr().String()})

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		Error("metrics.server", Fields{"err": err.Error(), "addr": addr})
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		Warn("metrics.shutdown", Fields{"err": err.Error()})
	}
	return nil
}
