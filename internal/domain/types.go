package domain

// SessionState models the dictation lifecycle.
type SessionState string

const (
	SessionStateIdle       SessionState = "idle"
	SessionStateConnecting SessionState = "connecting"
	SessionStateCapturing  SessionState = "capturing"
	SessionStateStopping   SessionState = "stopping"
	SessionStateCancelling SessionState = "cancelling"
	SessionStateError      SessionState = "error"
)

// ConnectionStatus is the transport state exposed to the UI.
type ConnectionStatus string

const (
	ConnectionDisconnected ConnectionStatus = "disconnected"
	ConnectionConnecting   ConnectionStatus = "connecting"
	ConnectionConnected    ConnectionStatus = "connected"
	ConnectionError        ConnectionStatus = "error"
)

// SessionStateReason provides a structured reason for state transitions.
type SessionStateReason string

const (
	SessionReasonMicCold                        SessionStateReason = "mic_cold"
	SessionReasonConnecting                     SessionStateReason = "connecting"
	SessionReasonRecordingStarted               SessionStateReason = "recording_started"
	SessionReasonRecordingRestarted             SessionStateReason = "recording_restarted"
	SessionReasonTranscribing                   SessionStateReason = "transcribing"
	SessionReasonTranscriptCopied               SessionStateReason = "transcript_copied"
	SessionReasonTranscriptReadyClipboardFailed SessionStateReason = "transcript_clipboard_failed"
	SessionReasonRecordingDiscarded             SessionStateReason = "recording_discarded"
	SessionReasonNoTranscript                   SessionStateReason = "no_transcript"
	SessionReasonConnectionFailed               SessionStateReason = "connection_failed"
	SessionReasonMicrophoneFailed               SessionStateReason = "microphone_failed"
	SessionReasonConnectionLost                 SessionStateReason = "connection_lost"
	SessionReasonRulesFailed                    SessionStateReason = "rules_failed"
	SessionReasonTranscriptionFailed            SessionStateReason = "transcription_failed"
)

// ErrorCode identifies non-fatal and fatal backend errors.
type ErrorCode string

const (
	ErrorCodeStartup          ErrorCode = "startup"
	ErrorCodePermissionDenied ErrorCode = "permission_denied"
	ErrorCodeDeviceNotFound   ErrorCode = "device_not_found"
	ErrorCodeConnectionFailed ErrorCode = "connection_failed"
	ErrorCodeConnectionLost   ErrorCode = "connection_lost"
	ErrorCodeAudioStop        ErrorCode = "audio_stop"
	ErrorCodeAudioStream      ErrorCode = "audio_stream"
	ErrorCodeTranscription    ErrorCode = "transcription"
	ErrorCodeRules            ErrorCode = "rules"
	ErrorCodeClipboard        ErrorCode = "clipboard"
)

// TranscriptKind separates live updates from text judged complete enough to keep.
type TranscriptKind string

const (
	TranscriptKindPartial   TranscriptKind = "partial"
	TranscriptKindCommitted TranscriptKind = "committed"
)

// TranscriptEvent is one transcript update relayed from the transcription service.
type TranscriptEvent struct {
	Kind TranscriptKind `json:"kind"`
	Text string         `json:"text"`
}

// InputLevel classifies microphone loudness.
type InputLevel string

const (
	InputLevelVeryLow InputLevel = "very_low"
	InputLevelLow     InputLevel = "low"
	InputLevelGood    InputLevel = "good"
	InputLevelTooHigh InputLevel = "too_high"
)

// StopResult is returned once recording is stopped and the transcript is processed.
type StopResult struct {
	RawTranscript   string `json:"rawTranscript"`
	FinalTranscript string `json:"finalTranscript"`
	Copied          bool   `json:"copied"`
	ChunksSent      int    `json:"chunksSent"`
	SamplesSent     int    `json:"samplesSent"`
}

// Status summarizes the current runtime status.
type Status struct {
	State      SessionState     `json:"state"`
	Connection ConnectionStatus `json:"connection"`
	Active     bool             `json:"active"`
	SessionID  string           `json:"sessionId,omitempty"`
	Message    string           `json:"message,omitempty"`
}
