package main

import (
	"fmt"
	"io"
	"sync"

	"postmic/internal/domain"
	"postmic/internal/logging"
)

// consoleSink reports session events on a terminal.
type consoleSink struct {
	out io.Writer

	mu        sync.Mutex
	ended     chan struct{}
	endedOnce sync.Once
}

func newConsoleSink(out io.Writer) *consoleSink {
	return &consoleSink{out: out, ended: make(chan struct{})}
}

func (s *consoleSink) SessionStateChanged(state domain.SessionState, reason domain.SessionStateReason) {
	logging.Debugw("session state changed", "state", state, "reason", reason)
	if state != domain.SessionStateIdle {
		return
	}
	switch reason {
	case domain.SessionReasonConnectionLost, domain.SessionReasonMicrophoneFailed, domain.SessionReasonConnectionFailed:
		s.endedOnce.Do(func() { close(s.ended) })
	}
}

func (s *consoleSink) ConnectionStatusChanged(status domain.ConnectionStatus) {
	logging.Debugw("connection status changed", "status", status)
}

func (s *consoleSink) PartialTranscript(text string) {
	s.printf("\r\033[K%s", text)
}

func (s *consoleSink) TranscriptCommitted(string) {}

func (s *consoleSink) FinalTranscript(string, string) {
	s.printf("\r\033[K")
}

func (s *consoleSink) InputLevelChanged(level domain.InputLevel) {
	switch level {
	case domain.InputLevelVeryLow, domain.InputLevelTooHigh:
		logging.Warnw("input level", "level", level)
	default:
		logging.Debugw("input level", "level", level)
	}
}

func (s *consoleSink) SessionError(code domain.ErrorCode, detail string) {
	logging.Errorw("session error", "code", code, "detail", detail)
	s.printf("\nerror (%s): %s\n", code, detail)
}

func (s *consoleSink) printf(format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, format, args...)
}
