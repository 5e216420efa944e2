package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"postmic/internal/bootstrap"
	"postmic/internal/logging"
	"postmic/internal/usecase"
)

func main() {
	wavPath := flag.String("wav", "", "replay a 16-bit mono WAV file instead of the microphone")
	realtime := flag.Bool("realtime", false, "pace WAV playback like a live microphone")
	duration := flag.Duration("duration", 0, "stop automatically after this long (0 waits for Ctrl-C)")
	flag.Parse()

	os.Exit(run(*wavPath, *realtime, *duration))
}

func run(wavPath string, realtime bool, duration time.Duration) int {
	sink := newConsoleSink(os.Stderr)
	services, err := bootstrap.BuildWith(sink, writerClipboard{w: os.Stdout}, bootstrap.Options{
		WAVPath:  wavPath,
		Realtime: realtime,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "postmic: %v\n", err)
		return 1
	}
	defer logging.Sync()
	defer services.Shutdown(context.Background())

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)

	ctx := context.Background()
	controller := services.Controller
	if err := startInterruptible(ctx, controller, signals); err != nil {
		if errors.Is(err, errInterrupted) {
			fmt.Fprintln(os.Stderr, "recording cancelled before it started")
		} else {
			fmt.Fprintf(os.Stderr, "postmic: %v\n", err)
		}
		return 1
	}
	fmt.Fprintln(os.Stderr, "recording; Ctrl-C to stop and transcribe, SIGTERM to discard")

	var timeout <-chan time.Time
	if duration > 0 {
		timer := time.NewTimer(duration)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case sig := <-signals:
		if sig == syscall.SIGTERM {
			if err := controller.Cancel(); err != nil {
				fmt.Fprintf(os.Stderr, "postmic: %v\n", err)
				return 1
			}
			return 0
		}
	case <-timeout:
	case <-sink.ended:
		return 1
	}

	if _, err := controller.Stop(ctx); err != nil {
		if errors.Is(err, usecase.ErrNoTranscript) {
			fmt.Fprintln(os.Stderr, "no transcript captured")
		} else {
			fmt.Fprintf(os.Stderr, "postmic: %v\n", err)
		}
		return 1
	}
	return 0
}

var errInterrupted = errors.New("interrupted while connecting")

type recorder interface {
	Start(ctx context.Context) error
	Cancel() error
}

// startInterruptible starts a recording while listening for signals, so a
// signal during the connect retries cancels the attempt instead of killing
// the process.
func startInterruptible(ctx context.Context, rec recorder, signals <-chan os.Signal) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	started := make(chan error, 1)
	go func() { started <- rec.Start(ctx) }()

	select {
	case err := <-started:
		return err
	case <-signals:
		_ = rec.Cancel()
		cancel()
		<-started
		return errInterrupted
	}
}

// writerClipboard prints the final transcript instead of touching the
// system clipboard.
type writerClipboard struct {
	w io.Writer
}

func (c writerClipboard) SetText(_ context.Context, text string) error {
	_, err := fmt.Fprintln(c.w, text)
	return err
}
