package transport

import (
	"encoding/json"
	"strings"

	"github.com/samber/lo"
)

const (
	// FormatRawPCM16 names little-endian signed 16-bit PCM on the wire.
	FormatRawPCM16 = "raw_pcm_16bit"

	// MessageTranscriptions is the message tag the service puts on transcript replies.
	MessageTranscriptions = "Transcriptions Generated"

	pingText = "ping"
	pongText = "pong"

	// CloseReason accompanies the normal closure frame sent when recording ends.
	CloseReason = "Recording finished"
)

// transcriptFields lists the keys that may carry transcript text, in
// priority order.
var transcriptFields = []string{"transcription", "transcript", "text", "result", "partial", "streaming"}

// StartMessage announces the audio format right after connecting.
type StartMessage struct {
	Type       string `json:"type"`
	Format     string `json:"format"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Email      string `json:"email,omitempty"`
}

// ChunkMessage carries one base64 encoded PCM chunk.
type ChunkMessage struct {
	StreamBytes  string  `json:"stream_bytes"`
	Format       string  `json:"format"`
	SampleRate   int     `json:"sample_rate"`
	Channels     int     `json:"channels"`
	ChunkSeconds float64 `json:"chunk_seconds,omitempty"`
	IsFinal      bool    `json:"is_final,omitempty"`
}

// ControlMessage is a typed control message such as {"type":"stop"}.
type ControlMessage struct {
	Type string `json:"type"`
}

// ServiceMessage is the envelope used for pings, pongs and transcript replies.
type ServiceMessage struct {
	Message       string `json:"message"`
	Transcription string `json:"transcription,omitempty"`
}

// NewStartMessage builds the start handshake.
func NewStartMessage(sampleRate int, channels int, email string) StartMessage {
	return StartMessage{
		Type:       "start",
		Format:     FormatRawPCM16,
		SampleRate: sampleRate,
		Channels:   channels,
		Email:      strings.TrimSpace(email),
	}
}

// StopMessage is the end-of-stream marker.
func StopMessage() ControlMessage {
	return ControlMessage{Type: "stop"}
}

// PingMessage is the keep-alive probe sent by the service.
func PingMessage() ServiceMessage {
	return ServiceMessage{Message: pingText}
}

// PongMessage answers a ping.
func PongMessage() ServiceMessage {
	return ServiceMessage{Message: pongText}
}

// TranscriptMessage is the service reply carrying the transcript so far.
func TranscriptMessage(text string) ServiceMessage {
	return ServiceMessage{Message: MessageTranscriptions, Transcription: text}
}

// Inbound is a classified message received from the service.
type Inbound struct {
	Ping       bool
	Transcript string
}

// ParseInbound classifies a raw frame. Frames that are neither a ping nor
// carry transcript text come back as the zero Inbound.
func ParseInbound(payload []byte) Inbound {
	trimmed := strings.TrimSpace(string(payload))
	if strings.EqualFold(trimmed, pingText) {
		return Inbound{Ping: true}
	}

	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return Inbound{}
	}
	if strings.EqualFold(stringField(fields, "message"), pingText) {
		return Inbound{Ping: true}
	}

	key, ok := lo.Find(transcriptFields, func(key string) bool {
		return stringField(fields, key) != ""
	})
	if !ok {
		return Inbound{}
	}
	return Inbound{Transcript: stringField(fields, key)}
}

func stringField(fields map[string]any, key string) string {
	value, _ := fields[key].(string)
	return strings.TrimSpace(value)
}
