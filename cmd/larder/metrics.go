package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var metricsAddress = flag.String("metrics_address", ":9380", "The ip:port serving /metrics; empty disables it.")

// newMetricsServer returns the HTTP server exposing the default prometheus registry on /metrics.
func newMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}

// serveMetrics serves metrics on --metrics_address until `ctx` is done.
func serveMetrics(ctx context.Context) {
	if *metricsAddress == "" {
		slog.Info("Metrics endpoint disabled.")
		return
	}
	server := newMetricsServer(*metricsAddress)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Failed to shut down metrics server.", "error", err)
		}
	}()
	slog.Info("Serving metrics.", "address", *metricsAddress)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Metrics server stopped.", "error", err)
	}
}
