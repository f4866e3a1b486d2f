package main

import (
	"net/http"

	"github.com/matst80/backhaul/internal/status"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// newMetricsMux serves Prometheus metrics plus health and state endpoints.
func newMetricsMux(store status.Store) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/api/state", status.Handler(store))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		s := store.Snapshot()
		if s.Closing || !s.Ready {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}
