// Command replay-collector receives replay clips over QUIC and stores each
// one as an MPEG-TS file.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/replay/internal/certs"
	"github.com/zsiec/replay/internal/sink"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	addr := envOr("COLLECTOR_ADDR", ":7443")
	dir := envOr("OUTPUT_DIR", ".")
	var hosts []string
	if h := os.Getenv("CERT_HOSTS"); h != "" {
		hosts = strings.Split(h, ",")
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Error("failed to create output directory", "dir", dir, "error", err)
		os.Exit(1)
	}

	slog.Info("generating self-signed certificate")
	cert, err := certs.Generate(14*24*time.Hour, hosts...)
	if err != nil {
		slog.Error("failed to generate cert", "error", err)
		os.Exit(1)
	}
	// Recorders pin this value through COLLECTOR_FINGERPRINT.
	slog.Info("certificate generated",
		"fingerprint", cert.FingerprintHex(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	col := sink.NewCollector(sink.CollectorConfig{
		Addr: addr,
		Dir:  dir,
		TLS:  cert.ServerConfig(),
	}, nil)
	if err := col.Listen(); err != nil {
		slog.Error("failed to listen", "error", err)
		os.Exit(1)
	}

	slog.Info("replay-collector starting", "version", version, "addr", addr, "dir", dir)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return col.Serve(ctx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("collector error", "error", err)
		os.Exit(1)
	}
	slog.Info("collector stopped", "clips", len(col.Results()))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
