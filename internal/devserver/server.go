// Package devserver is a loopback stand-in for the transcription service.
// It speaks the same WebSocket protocol as the production /ws/audio endpoint
// so the client can be exercised without the real backend.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"postmic/internal/logging"
	"postmic/internal/pcm"
	"postmic/internal/transport"
)

const (
	DefaultPath         = "/ws/audio"
	DefaultPingInterval = 10 * time.Second

	writeTimeout = 5 * time.Second
)

// Transcriber turns the audio received so far into text.
type Transcriber interface {
	Transcribe(samples []int16, sampleRate int) (string, error)
}

// TranscriberFunc adapts a function to Transcriber.
type TranscriberFunc func(samples []int16, sampleRate int) (string, error)

func (f TranscriberFunc) Transcribe(samples []int16, sampleRate int) (string, error) {
	return f(samples, sampleRate)
}

// DurationTranscriber reports how much audio has arrived. It stands in for
// a speech model during local runs.
var DurationTranscriber = TranscriberFunc(func(samples []int16, sampleRate int) (string, error) {
	seconds := pcm.Duration(len(samples), sampleRate).Seconds()
	return fmt.Sprintf("Received %.1f seconds of audio.", seconds), nil
})

// Config controls the loopback server.
type Config struct {
	Path         string
	PingInterval time.Duration
	SampleRate   int
	Transcriber  Transcriber
}

// Received is one client frame as seen by the server.
type Received struct {
	Connection string
	Type       string
	Samples    int
	Final      bool
	Raw        json.RawMessage
}

// Server accepts audio streams and replies with cumulative transcripts.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader

	mu       sync.Mutex
	received []Received
}

func New(cfg Config) *Server {
	if strings.TrimSpace(cfg.Path) == "" {
		cfg.Path = DefaultPath
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = pcm.DefaultSampleRate
	}
	if cfg.Transcriber == nil {
		cfg.Transcriber = DurationTranscriber
	}
	return &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler serves the audio endpoint and /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleAudio)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Messages returns a copy of every frame received so far.
func (s *Server) Messages() []Received {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Received(nil), s.received...)
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logging.Infow("loopback transcription server listening", "addr", ln.Addr().String(), "path", s.cfg.Path)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warnw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	id := uuid.NewString()
	log := logging.With("connection.id", id, "remote", r.RemoteAddr)
	log.Infow("client connected")

	c := &clientConn{conn: conn}
	done := make(chan struct{})
	defer close(done)
	go c.pingLoop(s.cfg.PingInterval, done)

	var audio []int16
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Infow("client disconnected", "samples", len(audio))
			} else {
				log.Warnw("client read failed", "error", err)
			}
			return
		}

		entry, chunk := s.record(id, payload)
		if chunk == nil {
			continue
		}

		samples, err := pcm.DecodeBase64(chunk.StreamBytes)
		if err != nil {
			log.Warnw("dropping undecodable chunk", "error", err)
			continue
		}
		audio = append(audio, samples...)
		log.Debugw("chunk received", "samples", len(samples), "final", entry.Final, "total", len(audio))

		text, err := s.cfg.Transcriber.Transcribe(audio, s.cfg.SampleRate)
		if err != nil {
			log.Warnw("transcription failed", "error", err)
			continue
		}
		text = strings.TrimSpace(strings.ReplaceAll(text, "\n", " "))
		if err := c.writeJSON(transport.TranscriptMessage(text)); err != nil {
			log.Warnw("transcript reply failed", "error", err)
			return
		}
	}
}

// record stores the frame and returns the chunk it carries, if any.
func (s *Server) record(connID string, payload []byte) (Received, *transport.ChunkMessage) {
	entry := Received{Connection: connID, Raw: append(json.RawMessage(nil), payload...)}

	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		entry.Type = "invalid"
		s.append(entry)
		return entry, nil
	}

	var chunk *transport.ChunkMessage
	switch {
	case fields["stream_bytes"] != nil:
		var msg transport.ChunkMessage
		if err := json.Unmarshal(payload, &msg); err == nil && msg.StreamBytes != "" {
			chunk = &msg
			entry.Type = "chunk"
			entry.Final = msg.IsFinal
			if samples, err := pcm.DecodeBase64(msg.StreamBytes); err == nil {
				entry.Samples = len(samples)
			}
		}
	case fields["type"] != nil:
		entry.Type, _ = fields["type"].(string)
	case fields["message"] != nil:
		entry.Type, _ = fields["message"].(string)
	}
	s.append(entry)
	return entry, chunk
}

func (s *Server) append(entry Received) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, entry)
}

type clientConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *clientConn) writeJSON(value any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(value)
}

func (c *clientConn) pingLoop(interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.writeJSON(transport.PingMessage()); err != nil {
				return
			}
		}
	}
}
