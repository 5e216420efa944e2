package audio

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"postmic/internal/domain"
	"postmic/internal/ports"
)

func TestFFMPEGCaptureStartReadAndStop(t *testing.T) {
	t.Parallel()

	script := writeScript(t, "capture.sh", "#!/usr/bin/env bash\nhead -c 1024 /dev/zero\nsleep 2\n")
	capture := NewFFMPEGCapture(script)

	source, err := capture.Start(context.Background(), ports.AudioConfig{FrameSize: 256})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	frame, err := source.NextFrame()
	if err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	if len(frame) != 256 {
		t.Fatalf("expected 256 samples, got %d", len(frame))
	}
	for i, x := range frame {
		if x != 0 {
			t.Fatalf("sample %d = %v, want 0", i, x)
		}
	}

	if err := source.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if _, err := source.NextFrame(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after stop, got %v", err)
	}
}

func TestFFMPEGCaptureStartEarlyExit(t *testing.T) {
	t.Parallel()

	script := writeScript(t, "fail.sh", "#!/usr/bin/env bash\necho 'boom' 1>&2\nexit 1\n")
	capture := NewFFMPEGCapture(script)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := capture.Start(ctx, ports.AudioConfig{})
	if err == nil {
		t.Fatalf("expected early exit error")
	}
	if !strings.Contains(err.Error(), "exited before capture started") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestFFMPEGCaptureClassifiesStartFailures(t *testing.T) {
	t.Parallel()

	cases := []struct {
		stderr string
		want   error
	}{
		{stderr: "default: Permission denied", want: domain.ErrPermissionDenied},
		{stderr: "hw:9: No such file or directory", want: domain.ErrDeviceNotFound},
		{stderr: "Cannot open audio device", want: domain.ErrDeviceNotFound},
	}
	for _, tc := range cases {
		script := writeScript(t, "fail.sh", "#!/usr/bin/env bash\necho '"+tc.stderr+"' 1>&2\nexit 1\n")
		_, err := NewFFMPEGCapture(script).Start(context.Background(), ports.AudioConfig{})
		if !errors.Is(err, tc.want) {
			t.Fatalf("stderr %q: expected %v, got %v", tc.stderr, tc.want, err)
		}
	}
}

func TestFFMPEGCaptureMissingCommand(t *testing.T) {
	t.Parallel()

	capture := NewFFMPEGCapture(filepath.Join(t.TempDir(), "no-such-ffmpeg"))
	_, err := capture.Start(context.Background(), ports.AudioConfig{})
	if !errors.Is(err, domain.ErrDeviceNotFound) {
		t.Fatalf("expected device not found, got %v", err)
	}
}

func TestFrameSizeRoundsToPowerOfTwo(t *testing.T) {
	t.Parallel()

	cases := map[int]int{0: 2048, -5: 2048, 100: 256, 256: 256, 3000: 2048, 4096: 4096, 5000: 4096}
	for in, want := range cases {
		if got := FrameSize(in); got != want {
			t.Fatalf("FrameSize(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestDecodeFloat32LE(t *testing.T) {
	t.Parallel()

	raw := []byte{0x00, 0x00, 0x80, 0x3f, 0x00, 0x00, 0x00, 0xbf}
	got := decodeFloat32LE(raw)
	if len(got) != 2 || got[0] != 1 || got[1] != -0.5 {
		t.Fatalf("unexpected samples: %v", got)
	}
}

func TestNormalizeStopErrExitErrorIsIgnored(t *testing.T) {
	t.Parallel()

	err := exec.Command("bash", "-lc", "exit 1").Run()
	if err == nil {
		t.Fatalf("expected command to fail")
	}
	if got := normalizeStopErr(err); got != nil {
		t.Fatalf("expected nil for exit error, got %v", got)
	}
}

func writeScript(t *testing.T, name string, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0o700); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	return path
}
