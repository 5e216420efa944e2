// Package transport streams PCM chunks to the transcription service over a
// WebSocket and relays the transcripts it sends back.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"postmic/internal/domain"
	"postmic/internal/logging"
	"postmic/internal/metrics"
	"postmic/internal/pcm"
	"postmic/internal/ports"
)

const (
	DefaultURL              = "ws://localhost:8765/ws/audio"
	DefaultRetries          = 3
	DefaultRetryBackoff     = time.Second
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultWriteTimeout     = 5 * time.Second

	closeWriteTimeout = time.Second
	outboundQueueSize = 32
)

var (
	errSendClosed    = errors.New("audio stream is already closed")
	errSendQueueFull = errors.New("outbound queue is full")
)

// Config controls the service connection.
type Config struct {
	URL string
	// Retries is the number of extra dial attempts after the first one fails.
	Retries int
	// RetryBackoff is multiplied by the retry number to get the wait before it.
	RetryBackoff     time.Duration
	HandshakeTimeout time.Duration
	// WriteTimeout bounds each frame write; a peer that stops reading drops
	// the session once it expires.
	WriteTimeout time.Duration
}

// Provider implements ports.TranscriptionProvider for the post-generation backend.
type Provider struct {
	cfg     Config
	dialer  *websocket.Dialer
	metrics *metrics.Metrics
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewProvider(cfg Config, m *metrics.Metrics) *Provider {
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if m == nil {
		m = metrics.Private()
	}
	return &Provider{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		metrics: m,
		sleep:   sleepContext,
	}
}

func (p *Provider) StartStreaming(ctx context.Context, cfg ports.StreamingConfig, status ports.StatusListener) (ports.StreamingSession, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = pcm.DefaultSampleRate
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}

	notify(status, domain.ConnectionConnecting)
	conn, err := p.connect(ctx)
	if err != nil {
		notify(status, domain.ConnectionError)
		return nil, err
	}

	start, err := json.Marshal(NewStartMessage(cfg.SampleRate, cfg.Channels, cfg.Email))
	if err != nil {
		_ = conn.Close()
		notify(status, domain.ConnectionError)
		return nil, err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(p.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, start); err != nil {
		_ = conn.Close()
		notify(status, domain.ConnectionError)
		return nil, fmt.Errorf("%w: failed to send start message: %w", domain.ErrConnectionFailed, err)
	}
	notify(status, domain.ConnectionConnected)

	session := &streamingSession{
		conn:         conn,
		cfg:          cfg,
		metrics:      p.metrics,
		log:          logging.With("component", "transport", "url", p.cfg.URL),
		writeTimeout: p.cfg.WriteTimeout,
		events:       make(chan domain.TranscriptEvent, 64),
		outbound:     make(chan outboundMessage, outboundQueueSize),
		abort:        make(chan struct{}),
		stopped:      make(chan struct{}),
		readerDone:   make(chan struct{}),
		done:         make(chan struct{}),
	}

	session.wg.Add(2)
	go session.readLoop()
	go session.writeLoop()
	go func() {
		session.wg.Wait()
		final := domain.ConnectionDisconnected
		if session.waitErr() != nil {
			final = domain.ConnectionError
		}
		if !session.sendClosed() && !session.aborted.Load() {
			p.metrics.TransportDrops.Inc()
		}
		_ = conn.Close()
		notify(status, final)
		close(session.events)
		close(session.done)
	}()

	go func() {
		select {
		case <-ctx.Done():
			_ = session.Close()
		case <-session.done:
		}
	}()

	return session, nil
}

// connect dials once and then retries with a linearly growing wait.
func (p *Provider) connect(ctx context.Context) (*websocket.Conn, error) {
	var lastErr error
	for attempt := 0; attempt <= p.cfg.Retries; attempt++ {
		if attempt > 0 {
			wait := time.Duration(attempt) * p.cfg.RetryBackoff
			logging.Warnw("retrying transcription service connection",
				"attempt", attempt, "retries", p.cfg.Retries, "wait", wait.String(), "error", lastErr)
			if err := p.sleep(ctx, wait); err != nil {
				return nil, err
			}
		}

		p.metrics.ConnectAttempts.Inc()
		conn, resp, err := p.dialer.DialContext(ctx, p.cfg.URL, nil)
		if err == nil {
			return conn, nil
		}
		if resp != nil {
			_ = resp.Body.Close()
		}
		p.metrics.ConnectFailures.Inc()
		lastErr = err
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
	}

	return nil, fmt.Errorf("%w after %d retries: %w", domain.ErrConnectionFailed, p.cfg.Retries, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func notify(status ports.StatusListener, value domain.ConnectionStatus) {
	if status != nil {
		status(value)
	}
}

type outboundMessage struct {
	kind    string
	payload []byte
}

type streamingSession struct {
	conn    *websocket.Conn
	cfg     ports.StreamingConfig
	metrics *metrics.Metrics
	log     logging.Logger

	writeTimeout time.Duration

	events     chan domain.TranscriptEvent
	outbound   chan outboundMessage
	abort      chan struct{}
	stopped    chan struct{}
	readerDone chan struct{}
	done       chan struct{}

	wg sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeSendOnce sync.Once
	closeOnce     sync.Once
	sendMu        sync.RWMutex
	closed        bool
	aborted       atomic.Bool
	chunks        atomic.Int64
}

func (s *streamingSession) SendChunk(samples []int16, final bool) error {
	if len(samples) == 0 {
		return nil
	}

	msg := ChunkMessage{
		StreamBytes: pcm.EncodeBase64(samples),
		Format:      FormatRawPCM16,
		SampleRate:  s.cfg.SampleRate,
		Channels:    s.cfg.Channels,
	}
	if final {
		msg.IsFinal = true
	} else {
		msg.ChunkSeconds = s.cfg.ChunkSeconds
	}

	if err := s.enqueueJSON("chunk", msg); err != nil {
		s.metrics.SendFailures.Inc()
		return err
	}

	index := int(s.chunks.Add(1))
	s.metrics.ChunksSent.WithLabelValues(metrics.ChunkLabel(final)).Inc()
	s.metrics.SamplesSent.Add(float64(len(samples)))
	s.log.Debugw("chunk queued", logging.ChunkFields(index, len(samples), final)...)
	return nil
}

func (s *streamingSession) SendStop() error {
	if err := s.enqueueJSON("stop", StopMessage()); err != nil {
		s.metrics.SendFailures.Inc()
		return err
	}
	return nil
}

func (s *streamingSession) CloseSend() error {
	s.closeSendOnce.Do(func() {
		s.sendMu.Lock()
		s.closed = true
		close(s.outbound)
		s.sendMu.Unlock()
	})
	return nil
}

func (s *streamingSession) Events() <-chan domain.TranscriptEvent {
	return s.events
}

func (s *streamingSession) Done() <-chan struct{} {
	return s.done
}

func (s *streamingSession) Wait() error {
	<-s.done
	return s.waitErr()
}

func (s *streamingSession) Close() error {
	s.closeOnce.Do(func() {
		s.aborted.Store(true)
		close(s.abort)
		_ = s.conn.Close()
		_ = s.CloseSend()
	})
	<-s.done
	return s.waitErr()
}

func (s *streamingSession) sendClosed() bool {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	return s.closed
}

func (s *streamingSession) enqueueJSON(kind string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}

	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed {
		return errSendClosed
	}
	select {
	case <-s.stopped:
		return s.stoppedErr()
	default:
	}
	select {
	case s.outbound <- outboundMessage{kind: kind, payload: payload}:
		return nil
	default:
		return fmt.Errorf("%w: %s not sent", errSendQueueFull, kind)
	}
}

func (s *streamingSession) stoppedErr() error {
	if err := s.waitErr(); err != nil {
		return err
	}
	return errors.New("session closed")
}

func (s *streamingSession) waitErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *streamingSession) setErr(err error) {
	if err == nil || s.aborted.Load() {
		return
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	) {
		return
	}

	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *streamingSession) writeLoop() {
	defer s.wg.Done()
	defer close(s.stopped)

	for {
		var msg outboundMessage
		var ok bool
		select {
		case msg, ok = <-s.outbound:
		case <-s.readerDone:
			return
		}
		if !ok {
			break
		}
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		if err := s.conn.WriteMessage(websocket.TextMessage, msg.payload); err != nil {
			s.setErr(fmt.Errorf("failed to send %s: %w", msg.kind, err))
			_ = s.conn.Close()
			return
		}
	}

	closing := websocket.FormatCloseMessage(websocket.CloseNormalClosure, CloseReason)
	if err := s.conn.WriteControl(websocket.CloseMessage, closing, time.Now().Add(closeWriteTimeout)); err != nil {
		s.setErr(fmt.Errorf("failed to close stream: %w", err))
	}
}

func (s *streamingSession) readLoop() {
	defer s.wg.Done()
	defer close(s.readerDone)

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			s.setErr(fmt.Errorf("failed to read service message: %w", err))
			return
		}

		inbound := ParseInbound(payload)
		switch {
		case inbound.Ping:
			if err := s.enqueueJSON("pong", PongMessage()); err != nil {
				s.log.Debugw("pong not sent", "error", err)
				continue
			}
			s.metrics.PingsAnswered.Inc()
		case inbound.Transcript != "":
			s.metrics.TranscriptsReceived.Inc()
			s.emit(domain.TranscriptEvent{Kind: domain.TranscriptKindPartial, Text: inbound.Transcript})
		default:
			s.log.Debugw("ignoring service message", "bytes", len(payload))
		}
	}
}

func (s *streamingSession) emit(event domain.TranscriptEvent) {
	select {
	case s.events <- event:
	case <-s.abort:
	}
}
