package domain

import "errors"

// Terminal start failures. Adapters wrap these so callers can match with errors.Is.
var (
	ErrPermissionDenied = errors.New("microphone permission denied")
	ErrDeviceNotFound   = errors.New("no audio input device found")
	ErrConnectionFailed = errors.New("transcription service connection failed")
)

// ErrorCodeFor maps a start failure onto the code surfaced to the user.
func ErrorCodeFor(err error) ErrorCode {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return ErrorCodePermissionDenied
	case errors.Is(err, ErrDeviceNotFound):
		return ErrorCodeDeviceNotFound
	case errors.Is(err, ErrConnectionFailed):
		return ErrorCodeConnectionFailed
	default:
		return ErrorCodeTranscription
	}
}
