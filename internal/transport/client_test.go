package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"postmic/internal/domain"
	"postmic/internal/logging"
	"postmic/internal/metrics"
	"postmic/internal/ports"
)

type statusRecorder struct {
	mu       sync.Mutex
	statuses []domain.ConnectionStatus
}

func (r *statusRecorder) listen(status domain.ConnectionStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
}

func (r *statusRecorder) snapshot() []domain.ConnectionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ConnectionStatus(nil), r.statuses...)
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestNewProviderDefaults(t *testing.T) {
	t.Parallel()

	p := NewProvider(Config{Retries: -1}, nil)
	if p.cfg.URL != DefaultURL {
		t.Fatalf("unexpected url: %q", p.cfg.URL)
	}
	if p.cfg.Retries != 0 {
		t.Fatalf("unexpected retries: %d", p.cfg.Retries)
	}
	if p.cfg.RetryBackoff != time.Second || p.cfg.HandshakeTimeout != 5*time.Second {
		t.Fatalf("unexpected timings: %+v", p.cfg)
	}
	if p.metrics == nil {
		t.Fatalf("expected private metrics")
	}
}

func TestStartStreamingRetriesThreeTimesThenFails(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	p := NewProvider(Config{URL: wsURL(server), Retries: DefaultRetries, RetryBackoff: time.Second}, metrics.Private())
	var waits []time.Duration
	p.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	recorder := &statusRecorder{}
	_, err := p.StartStreaming(context.Background(), ports.StreamingConfig{}, recorder.listen)
	if !errors.Is(err, domain.ErrConnectionFailed) {
		t.Fatalf("expected connection failed error, got %v", err)
	}
	if got := attempts.Load(); got != 4 {
		t.Fatalf("expected 4 dial attempts, got %d", got)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}
	if len(waits) != len(want) {
		t.Fatalf("expected %d waits, got %v", len(want), waits)
	}
	for i := range want {
		if waits[i] != want[i] {
			t.Fatalf("wait %d = %s, want %s", i, waits[i], want[i])
		}
	}
	statuses := recorder.snapshot()
	if len(statuses) != 2 || statuses[0] != domain.ConnectionConnecting || statuses[1] != domain.ConnectionError {
		t.Fatalf("unexpected statuses: %v", statuses)
	}
}

func TestStartStreamingRetryStopsOnCancel(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	p := NewProvider(Config{URL: wsURL(server), Retries: 3}, metrics.Private())
	p.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := p.StartStreaming(ctx, ports.StreamingConfig{}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if errors.Is(err, domain.ErrConnectionFailed) {
		t.Fatalf("cancellation should not read as a connection failure")
	}
}

func TestStartStreamingSucceedsAfterRetry(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) <= 2 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	p := NewProvider(Config{URL: wsURL(server), Retries: 3}, metrics.Private())
	p.sleep = func(context.Context, time.Duration) error { return nil }

	session, err := p.StartStreaming(context.Background(), ports.StreamingConfig{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := session.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	if got := attempts.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestSessionSpeaksServiceProtocol(t *testing.T) {
	t.Parallel()

	received := make(chan []byte, 32)
	closed := make(chan *websocket.CloseError, 1)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(PingMessage())
		_ = conn.WriteJSON(TranscriptMessage("hello there"))
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				var closeErr *websocket.CloseError
				if errors.As(err, &closeErr) {
					closed <- closeErr
				}
				close(received)
				return
			}
			received <- payload
		}
	}))
	defer server.Close()

	recorder := &statusRecorder{}
	p := NewProvider(Config{URL: wsURL(server)}, metrics.Private())
	session, err := p.StartStreaming(context.Background(), ports.StreamingConfig{
		SampleRate:   16000,
		Channels:     1,
		ChunkSeconds: 2,
		Email:        "writer@example.com",
	}, recorder.listen)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case event := <-session.Events():
		if event.Text != "hello there" || event.Kind != domain.TranscriptKindPartial {
			t.Fatalf("unexpected event: %+v", event)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for transcript")
	}

	if err := session.SendChunk([]int16{1, 2, 3}, false); err != nil {
		t.Fatalf("send chunk: %v", err)
	}
	if err := session.SendChunk([]int16{4}, true); err != nil {
		t.Fatalf("send final chunk: %v", err)
	}
	if err := session.SendStop(); err != nil {
		t.Fatalf("send stop: %v", err)
	}
	if err := session.CloseSend(); err != nil {
		t.Fatalf("close send: %v", err)
	}
	if err := session.SendStop(); err == nil {
		t.Fatalf("expected send after close to fail")
	}
	if err := session.Wait(); err != nil {
		t.Fatalf("unexpected session error: %v", err)
	}

	var messages []map[string]any
	for payload := range received {
		var msg map[string]any
		if err := json.Unmarshal(payload, &msg); err != nil {
			t.Fatalf("client sent non-json frame %q", payload)
		}
		messages = append(messages, msg)
	}

	if len(messages) != 5 {
		t.Fatalf("expected start, pong, two chunks and stop, got %v", messages)
	}
	if messages[0]["type"] != "start" || messages[0]["email"] != "writer@example.com" || messages[0]["format"] != FormatRawPCM16 {
		t.Fatalf("unexpected start message: %v", messages[0])
	}
	if messages[1]["message"] != "pong" {
		t.Fatalf("expected pong before chunks, got %v", messages[1])
	}
	if messages[2]["stream_bytes"] != "AQACAAMA" || messages[2]["chunk_seconds"] != float64(2) {
		t.Fatalf("unexpected chunk: %v", messages[2])
	}
	if _, hasFinal := messages[2]["is_final"]; hasFinal {
		t.Fatalf("non-final chunk must not carry is_final: %v", messages[2])
	}
	if messages[3]["is_final"] != true || messages[3]["stream_bytes"] != "BAA=" {
		t.Fatalf("unexpected final chunk: %v", messages[3])
	}
	if messages[4]["type"] != "stop" {
		t.Fatalf("expected stop marker last, got %v", messages[4])
	}

	select {
	case closeErr := <-closed:
		if closeErr.Code != websocket.CloseNormalClosure || closeErr.Text != CloseReason {
			t.Fatalf("unexpected close frame: %+v", closeErr)
		}
	default:
		t.Fatalf("expected a close frame")
	}

	statuses := recorder.snapshot()
	if statuses[len(statuses)-1] != domain.ConnectionDisconnected {
		t.Fatalf("expected disconnected after orderly close, got %v", statuses)
	}
}

func TestSessionReportsDroppedConnection(t *testing.T) {
	t.Parallel()

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_, _, _ = conn.ReadMessage()
		_ = conn.UnderlyingConn().Close()
	}))
	defer server.Close()

	recorder := &statusRecorder{}
	m := metrics.Private()
	p := NewProvider(Config{URL: wsURL(server)}, m)
	session, err := p.StartStreaming(context.Background(), ports.StreamingConfig{}, recorder.listen)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case <-session.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for drop")
	}
	if session.Wait() == nil {
		t.Fatalf("expected drop to surface as an error")
	}
	statuses := recorder.snapshot()
	if statuses[len(statuses)-1] != domain.ConnectionError {
		t.Fatalf("expected error status, got %v", statuses)
	}
	if err := session.SendChunk([]int16{1}, false); err == nil {
		t.Fatalf("expected send on dropped session to fail")
	}
}

func TestStreamingSessionSendChunkClosed(t *testing.T) {
	t.Parallel()

	s := &streamingSession{closed: true, metrics: metrics.Private()}
	if err := s.SendChunk([]int16{1}, false); err == nil {
		t.Fatalf("expected closed error")
	}
	if err := s.SendChunk(nil, true); err != nil {
		t.Fatalf("expected empty chunk to be a no-op, got %v", err)
	}
}

func TestStreamingSessionCloseSendIsIdempotent(t *testing.T) {
	t.Parallel()

	s := &streamingSession{outbound: make(chan outboundMessage, 1)}
	if err := s.CloseSend(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.CloseSend(); err != nil {
		t.Fatalf("unexpected second error: %v", err)
	}
}

func TestStreamingSessionSetErrIgnoresCloseErrors(t *testing.T) {
	t.Parallel()

	s := &streamingSession{}
	s.setErr(&websocket.CloseError{Code: websocket.CloseNormalClosure, Text: CloseReason})
	if s.waitErr() != nil {
		t.Fatalf("expected close error to be ignored")
	}

	s.setErr(errors.New("first"))
	s.setErr(errors.New("second"))
	if s.waitErr() == nil || s.waitErr().Error() != "first" {
		t.Fatalf("expected first error to win")
	}
}

func TestStreamingSessionSetErrIgnoredAfterAbort(t *testing.T) {
	t.Parallel()

	s := &streamingSession{}
	s.aborted.Store(true)
	s.setErr(errors.New("use of closed network connection"))
	if s.waitErr() != nil {
		t.Fatalf("expected errors after abort to be ignored")
	}
}

func TestSendChunkDoesNotBlockOnFullQueue(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	s := &streamingSession{
		cfg:      ports.StreamingConfig{SampleRate: 16000, Channels: 1},
		metrics:  metrics.New(reg),
		log:      logging.With(),
		outbound: make(chan outboundMessage, 1),
		stopped:  make(chan struct{}),
	}
	if err := s.SendChunk([]int16{1}, false); err != nil {
		t.Fatalf("first send: %v", err)
	}
	err := s.SendChunk([]int16{2}, false)
	if !errors.Is(err, errSendQueueFull) {
		t.Fatalf("expected queue full error, got %v", err)
	}
	if err := s.SendStop(); !errors.Is(err, errSendQueueFull) {
		t.Fatalf("expected stop to fail fast on a full queue, got %v", err)
	}
	if got := counterTotal(t, reg, "postmic_send_failures_total"); got != 2 {
		t.Fatalf("expected two send failures, got %v", got)
	}
}

func TestStalledServiceDropsSessionWithoutBlockingSends(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		<-release
	}))
	defer server.Close()
	defer close(release)

	reg := prometheus.NewRegistry()
	p := NewProvider(Config{URL: wsURL(server), WriteTimeout: 200 * time.Millisecond}, metrics.New(reg))
	session, err := p.StartStreaming(context.Background(), ports.StreamingConfig{ChunkSeconds: 2}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	chunk := make([]int16, 32000)
	for i := range chunk {
		chunk[i] = int16(i)
	}
	// Keep feeding until the socket buffers fill and the writer stalls.
	deadline := time.After(10 * time.Second)
feed:
	for {
		select {
		case <-session.Done():
			break feed
		case <-deadline:
			t.Fatalf("stalled service was never dropped")
		default:
		}
		started := time.Now()
		err := session.SendChunk(chunk, false)
		if elapsed := time.Since(started); elapsed > 500*time.Millisecond {
			t.Fatalf("send blocked for %v", elapsed)
		}
		if errors.Is(err, errSendQueueFull) {
			time.Sleep(5 * time.Millisecond)
		}
	}
	if session.Wait() == nil {
		t.Fatalf("expected write timeout to surface as an error")
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = session.SendChunk(chunk[:8000], true)
		_ = session.SendStop()
		_ = session.CloseSend()
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatalf("stop sequence blocked on a dropped session")
	}
	if got := counterTotal(t, reg, "postmic_send_failures_total"); got < 1 {
		t.Fatalf("expected send failures to be counted, got %v", got)
	}
}

func TestSessionDeliversEveryTranscriptUnderBurst(t *testing.T) {
	t.Parallel()

	const burst = 150
	written := make(chan struct{})
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for i := 1; i <= burst; i++ {
			_ = conn.WriteJSON(TranscriptMessage(fmt.Sprintf("update %d", i)))
		}
		close(written)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	p := NewProvider(Config{URL: wsURL(server)}, metrics.Private())
	session, err := p.StartStreaming(context.Background(), ports.StreamingConfig{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case <-written:
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not finish writing")
	}

	var last string
	for i := 0; i < burst; i++ {
		select {
		case event := <-session.Events():
			last = event.Text
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of %d transcripts delivered", i, burst)
		}
	}
	if last != fmt.Sprintf("update %d", burst) {
		t.Fatalf("expected latest transcript last, got %q", last)
	}

	_ = session.CloseSend()
	if err := session.Wait(); err != nil {
		t.Fatalf("unexpected session error: %v", err)
	}
}

func counterTotal(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	total := 0.0
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
	}
	return total
}
