// Spins up the larder server: a TTL cache over the configured storage driver, served over the Redis protocol.

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/nobletooth/larder/pkg/cache"
	"github.com/nobletooth/larder/pkg/config"
	"github.com/nobletooth/larder/pkg/port"
	"github.com/nobletooth/larder/pkg/storage"
	"github.com/nobletooth/larder/pkg/utils"
)

var printVersion = flag.Bool("print_version", false, "Print the version and exit.")

func main() {
	config.InitFlags()
	utils.InitLogging()

	if *printVersion {
		slog.Info("Larder build info.", "version", utils.Version, "commit", utils.Commit, "build", utils.BuildTime)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)

	go func() { // Listen for OS interrupts in the background.
		sig := <-signals
		slog.Info("Received termination signal, cancelling server context.", "signal", sig)
		cancel()
	}()

	store, err := storage.OpenFromFlags(ctx)
	if err != nil {
		slog.Error("Failed to open storage.", "error", err)
		os.Exit(1)
	}
	go serveMetrics(ctx)

	clk := clock.New()
	manager := cache.NewManager(store, cache.WithClock(clk))
	if err := port.RunRedisServer(ctx, manager, clk); err != nil {
		slog.Error("Larder server stopped.", "error", err, "uptime", utils.Uptime())
		os.Exit(1)
	}
	slog.Info("Larder server stopped.", "uptime", utils.Uptime())
}
