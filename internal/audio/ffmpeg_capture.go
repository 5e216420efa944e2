// Package audio provides the platform frame sources: ffmpeg microphone
// capture and WAV file playback.
package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"postmic/internal/domain"
	"postmic/internal/pcm"
	"postmic/internal/ports"
)

const (
	startupProbe = 250 * time.Millisecond
	stopGrace    = 1200 * time.Millisecond
	minFrameSize = 256
)

// FFMPEGCapture captures the microphone as 32-bit float mono frames using ffmpeg.
type FFMPEGCapture struct {
	command string
}

func NewFFMPEGCapture(command string) *FFMPEGCapture {
	if command == "" {
		command = "ffmpeg"
	}
	return &FFMPEGCapture{command: command}
}

func (c *FFMPEGCapture) Start(ctx context.Context, cfg ports.AudioConfig) (ports.FrameSource, error) {
	cfg = normalizeAudioConfig(cfg)

	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", cfg.InputFormat,
		"-i", cfg.InputDevice,
		"-ac", strconv.Itoa(cfg.Channels),
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-f", "f32le",
		"-",
	}

	cmd := exec.CommandContext(ctx, c.command, args...)
	stderr := &lockedBuffer{}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: capture command %q not found", domain.ErrDeviceNotFound, c.command)
		}
		if errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("%w: %v", domain.ErrPermissionDenied, err)
		}
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	select {
	case err := <-waitErr:
		detail := strings.TrimSpace(stderr.String())
		if cause := classifyCaptureFailure(detail); cause != nil {
			return nil, fmt.Errorf("%w: %s", cause, detail)
		}
		if err != nil {
			return nil, fmt.Errorf("ffmpeg exited before capture started: %w: %s", err, detail)
		}
		return nil, errors.New("ffmpeg exited before capture started")
	case <-time.After(startupProbe):
	}

	return &ffmpegSource{
		stdout:    stdout,
		stderr:    stderr,
		process:   cmd.Process,
		waitErr:   waitErr,
		frameSize: cfg.FrameSize,
	}, nil
}

// normalizeAudioConfig fills defaults and rounds the frame size down to a
// power of two.
func normalizeAudioConfig(cfg ports.AudioConfig) ports.AudioConfig {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = pcm.DefaultSampleRate
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = "pulse"
	}
	if cfg.InputDevice == "" {
		cfg.InputDevice = "default"
	}
	cfg.FrameSize = FrameSize(cfg.FrameSize)
	return cfg
}

// FrameSize returns n rounded down to a power of two, at least 256. Zero
// selects the default frame size.
func FrameSize(n int) int {
	if n <= 0 {
		return pcm.DefaultFrameSize
	}
	if n < minFrameSize {
		return minFrameSize
	}
	size := 1
	for size*2 <= n {
		size *= 2
	}
	return size
}

func classifyCaptureFailure(stderr string) error {
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "permission denied"), strings.Contains(lower, "access denied"),
		strings.Contains(lower, "not permitted"):
		return domain.ErrPermissionDenied
	case strings.Contains(lower, "no such file or directory"), strings.Contains(lower, "no such device"),
		strings.Contains(lower, "cannot open"), strings.Contains(lower, "device not found"):
		return domain.ErrDeviceNotFound
	default:
		return nil
	}
}

type ffmpegSource struct {
	stdout io.ReadCloser
	stderr *lockedBuffer

	process *os.Process
	waitErr <-chan error

	frameSize int
	drained   bool
	stopped   atomic.Bool

	stopOnce sync.Once
	stopErr  error
}

// NextFrame blocks until frameSize samples have arrived. The last frame
// may be shorter; after it NextFrame returns io.EOF.
func (s *ffmpegSource) NextFrame() ([]float32, error) {
	if s.drained {
		return nil, io.EOF
	}

	buf := make([]byte, s.frameSize*4)
	n, err := io.ReadFull(s.stdout, buf)
	switch {
	case err == nil:
	case errors.Is(err, io.ErrUnexpectedEOF):
		s.drained = true
	case errors.Is(err, io.EOF):
		s.drained = true
		return nil, io.EOF
	case s.stopped.Load():
		s.drained = true
	default:
		return nil, fmt.Errorf("failed to read microphone audio: %w", err)
	}
	if n < 4 {
		return nil, io.EOF
	}

	return decodeFloat32LE(buf[:n-n%4]), nil
}

func (s *ffmpegSource) Stop() error {
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		if s.process != nil {
			_ = s.process.Signal(os.Interrupt)
		}

		select {
		case err, ok := <-s.waitErr:
			if ok {
				s.stopErr = normalizeStopErr(err)
			}
		case <-time.After(stopGrace):
			if s.process != nil {
				_ = s.process.Kill()
			}
			err, ok := <-s.waitErr
			if ok {
				s.stopErr = normalizeStopErr(err)
			}
		}

		if closeErr := s.stdout.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
			if s.stopErr == nil {
				s.stopErr = closeErr
			}
		}

		if s.stopErr != nil && s.stderr != nil {
			if detail := strings.TrimSpace(s.stderr.String()); detail != "" {
				s.stopErr = fmt.Errorf("%w: %s", s.stopErr, detail)
			}
		}
	})

	return s.stopErr
}

func decodeFloat32LE(raw []byte) []float32 {
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out
}

func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

// lockedBuffer collects ffmpeg stderr while the process is still writing.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
