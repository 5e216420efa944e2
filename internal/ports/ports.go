package ports

import (
	"context"

	"postmic/internal/domain"
)

// AudioConfig describes how the microphone should be captured.
type AudioConfig struct {
	SampleRate  int
	Channels    int
	FrameSize   int
	InputFormat string
	InputDevice string
}

// FrameSource yields fixed-size frames of float samples in [-1, 1].
// NextFrame returns io.EOF once the source is exhausted or stopped.
type FrameSource interface {
	NextFrame() ([]float32, error)
	Stop() error
}

// AudioCapture opens frame sources. Start fails with an error wrapping
// domain.ErrPermissionDenied or domain.ErrDeviceNotFound when the
// microphone cannot be used.
type AudioCapture interface {
	Start(ctx context.Context, cfg AudioConfig) (FrameSource, error)
}

// StreamingConfig describes the audio announced to the transcription service.
type StreamingConfig struct {
	SampleRate   int
	Channels     int
	ChunkSeconds float64
	Email        string
}

// StatusListener receives transport connection status changes.
type StatusListener func(status domain.ConnectionStatus)

// StreamingSession is an open connection to the transcription service.
// Sends are queued in order; a failed send is reported but never retried.
type StreamingSession interface {
	SendChunk(samples []int16, final bool) error
	SendStop() error
	CloseSend() error
	Events() <-chan domain.TranscriptEvent
	Done() <-chan struct{}
	Wait() error
	Close() error
}

// TranscriptionProvider connects streaming sessions. StartStreaming fails
// with an error wrapping domain.ErrConnectionFailed once its retries are spent.
type TranscriptionProvider interface {
	StartStreaming(ctx context.Context, cfg StreamingConfig, status StatusListener) (StreamingSession, error)
}

// Vocabulary normalizes dictated text using deterministic substitutions.
type Vocabulary interface {
	Apply(text string) (string, error)
}

// Clipboard writes text into the system clipboard.
type Clipboard interface {
	SetText(ctx context.Context, text string) error
}

// EventSink emits backend state/events to the UI.
type EventSink interface {
	SessionStateChanged(state domain.SessionState, reason domain.SessionStateReason)
	ConnectionStatusChanged(status domain.ConnectionStatus)
	PartialTranscript(text string)
	TranscriptCommitted(text string)
	FinalTranscript(raw string, transformed string)
	InputLevelChanged(level domain.InputLevel)
	SessionError(code domain.ErrorCode, detail string)
}
