package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"postmic/internal/devserver"
	"postmic/internal/logging"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8765", "listen address")
	path := flag.String("path", devserver.DefaultPath, "WebSocket endpoint path")
	pingInterval := flag.Duration("ping-interval", devserver.DefaultPingInterval, "keep-alive ping interval")
	sampleRate := flag.Int("sample-rate", 16000, "sample rate used to measure received audio")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	if _, err := logging.Init(*logLevel, "console"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := devserver.New(devserver.Config{
		Path:         *path,
		PingInterval: *pingInterval,
		SampleRate:   *sampleRate,
	})
	if err := server.ListenAndServe(ctx, *addr); err != nil {
		logging.Errorw("loopback server failed", "error", err)
		os.Exit(1)
	}
	logging.Infow("loopback server stopped")
}
