package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/wailsapp/wails/v2/pkg/runtime"

	"postmic/internal/bootstrap"
	"postmic/internal/domain"
	"postmic/internal/logging"
)

const (
	eventSession    = "postmic:session"
	eventConnection = "postmic:connection"
	eventPartial    = "postmic:partial"
	eventCommitted  = "postmic:committed"
	eventFinal      = "postmic:final"
	eventLevel      = "postmic:level"
	eventError      = "postmic:error"
)

// App is the Wails application root.
type App struct {
	ctx context.Context

	services bootstrap.Services
	ready    bool
	bootErr  error
}

func NewApp() *App {
	return &App{}
}

func (a *App) startup(ctx context.Context) {
	a.ctx = ctx

	services, err := bootstrap.Build(a, &wailsClipboard{})
	if err != nil {
		a.bootErr = err
		a.SessionError(domain.ErrorCodeStartup, err.Error())
		return
	}

	a.services = services
	a.ready = true
	a.SessionStateChanged(domain.SessionStateIdle, domain.SessionReasonMicCold)
}

func (a *App) shutdown(ctx context.Context) {
	if !a.ready {
		return
	}
	if err := a.services.Controller.Cancel(); err != nil {
		logging.Warnw("failed to discard recording on shutdown", "error", err)
	}
	if err := a.services.Shutdown(ctx); err != nil {
		logging.Warnw("failed to stop metrics listener", "error", err)
	}
	_ = logging.Sync()
}

// StartRecording connects to the transcription service and opens the microphone.
func (a *App) StartRecording() (domain.Status, error) {
	if err := a.requireReady(); err != nil {
		return domain.Status{}, err
	}
	if err := a.services.Controller.Start(a.ctx); err != nil {
		return a.services.Controller.Status(), err
	}
	return a.services.Controller.Status(), nil
}

// StopRecording sends the remaining audio and returns the processed transcript.
func (a *App) StopRecording() (domain.StopResult, error) {
	if err := a.requireReady(); err != nil {
		return domain.StopResult{}, err
	}
	return a.services.Controller.Stop(a.ctx)
}

// CancelRecording discards an in-progress recording.
func (a *App) CancelRecording() error {
	if err := a.requireReady(); err != nil {
		return err
	}
	return a.services.Controller.Cancel()
}

// GetStatus returns the current session status.
func (a *App) GetStatus() domain.Status {
	if !a.ready {
		if a.bootErr != nil {
			return domain.Status{State: domain.SessionStateError, Active: false, Message: a.bootErr.Error()}
		}
		return domain.Status{State: domain.SessionStateIdle, Active: false}
	}
	return a.services.Controller.Status()
}

// GetRuntimeInfo returns non-sensitive config for the UI.
func (a *App) GetRuntimeInfo() map[string]string {
	if a.bootErr != nil {
		return map[string]string{"error": a.bootErr.Error()}
	}
	if !a.ready {
		return map[string]string{}
	}

	cfg := a.services.Config
	return map[string]string{
		"serviceUrl":       cfg.Service.URL,
		"sampleRate":       strconv.Itoa(cfg.Audio.SampleRate),
		"chunkSeconds":     strconv.FormatFloat(cfg.Session.ChunkDuration.Seconds(), 'f', -1, 64),
		"vocabularyFile":   cfg.Vocabulary.Path,
		"vocabularyRules":  strconv.Itoa(a.services.Vocabulary.Len()),
		"audioInput":       cfg.Audio.InputDevice,
		"audioInputFormat": cfg.Audio.InputFormat,
		"configFile":       cfg.File,
	}
}

func (a *App) requireReady() error {
	if a.bootErr != nil {
		return a.bootErr
	}
	if !a.ready {
		return fmt.Errorf("application is not initialized")
	}
	return nil
}

// SessionStateChanged emits session lifecycle updates to the frontend.
func (a *App) SessionStateChanged(state domain.SessionState, reason domain.SessionStateReason) {
	a.emit(eventSession, map[string]string{
		"state":   string(state),
		"reason":  string(reason),
		"message": sessionReasonMessage(reason),
	})
}

// ConnectionStatusChanged emits transport status updates.
func (a *App) ConnectionStatusChanged(status domain.ConnectionStatus) {
	a.emit(eventConnection, map[string]string{"status": string(status)})
}

// PartialTranscript emits the latest cumulative transcript.
func (a *App) PartialTranscript(text string) {
	a.emit(eventPartial, map[string]string{"text": text})
}

// TranscriptCommitted emits a transcript that reads as a complete thought.
func (a *App) TranscriptCommitted(text string) {
	a.emit(eventCommitted, map[string]string{"text": text})
}

// FinalTranscript emits final transcript output.
func (a *App) FinalTranscript(raw string, transformed string) {
	a.emit(eventFinal, map[string]string{
		"raw":         raw,
		"transformed": transformed,
	})
}

// InputLevelChanged emits microphone loudness feedback.
func (a *App) InputLevelChanged(level domain.InputLevel) {
	a.emit(eventLevel, map[string]string{
		"level":   string(level),
		"message": inputLevelMessage(level),
	})
}

// SessionError emits backend errors to the UI.
func (a *App) SessionError(code domain.ErrorCode, detail string) {
	a.emit(eventError, map[string]string{
		"code":    string(code),
		"message": errorMessage(code, detail),
		"detail":  detail,
	})
}

func (a *App) emit(name string, payload map[string]string) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, name, payload)
}

func sessionReasonMessage(reason domain.SessionStateReason) string {
	switch reason {
	case domain.SessionReasonMicCold:
		return "Mic cold"
	case domain.SessionReasonConnecting:
		return "Connecting to transcription service..."
	case domain.SessionReasonRecordingStarted:
		return "Recording started"
	case domain.SessionReasonRecordingRestarted:
		return "Recording restarted; previous capture discarded"
	case domain.SessionReasonTranscribing:
		return "Recording stopped. Transcribing..."
	case domain.SessionReasonTranscriptCopied:
		return "Transcript copied to clipboard"
	case domain.SessionReasonTranscriptReadyClipboardFailed:
		return "Transcript ready (clipboard write failed)"
	case domain.SessionReasonRecordingDiscarded:
		return "Recording discarded"
	case domain.SessionReasonNoTranscript:
		return "No transcript captured"
	case domain.SessionReasonConnectionFailed:
		return "Could not connect to transcription service"
	case domain.SessionReasonMicrophoneFailed:
		return "Microphone unavailable"
	case domain.SessionReasonConnectionLost:
		return "Connection lost; recording ended"
	case domain.SessionReasonTranscriptionFailed:
		return "Transcription failed"
	case domain.SessionReasonRulesFailed:
		return "Vocabulary processing failed"
	default:
		return ""
	}
}

func errorMessage(code domain.ErrorCode, detail string) string {
	switch code {
	case domain.ErrorCodeStartup:
		return "Startup failed"
	case domain.ErrorCodePermissionDenied:
		return "Microphone access denied. Allow microphone access and try again."
	case domain.ErrorCodeDeviceNotFound:
		return "No microphone found. Connect a microphone and try again."
	case domain.ErrorCodeConnectionFailed:
		return "Could not reach the transcription service. Check that it is running."
	case domain.ErrorCodeConnectionLost:
		return "Connection to the transcription service was lost."
	case domain.ErrorCodeAudioStop:
		return "Audio stop issue"
	case domain.ErrorCodeAudioStream:
		return "Audio streaming issue"
	case domain.ErrorCodeClipboard:
		return "Clipboard write failed"
	case domain.ErrorCodeRules:
		return "Vocabulary processing failed"
	case domain.ErrorCodeTranscription:
		return "Transcription error"
	default:
		if detail == "" {
			return "Unknown error"
		}
		return detail
	}
}

func inputLevelMessage(level domain.InputLevel) string {
	switch level {
	case domain.InputLevelVeryLow:
		return "Very quiet. Move closer to the microphone."
	case domain.InputLevelLow:
		return "A little quiet"
	case domain.InputLevelGood:
		return "Good level"
	case domain.InputLevelTooHigh:
		return "Too loud. Move away from the microphone."
	default:
		return ""
	}
}

type wailsClipboard struct{}

func (c *wailsClipboard) SetText(ctx context.Context, text string) error {
	return runtime.ClipboardSetText(ctx, text)
}
