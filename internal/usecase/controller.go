package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"postmic/internal/domain"
	"postmic/internal/logging"
	"postmic/internal/metrics"
	"postmic/internal/pcm"
	"postmic/internal/ports"
)

var (
	ErrNoActiveSession  = errors.New("no active recording session")
	ErrNoTranscript     = errors.New("no transcript captured")
	ErrSessionCancelled = errors.New("recording cancelled")
)

const defaultStreamTimeout = 4 * time.Second

// Config controls capture, chunking and shutdown behavior.
type Config struct {
	Audio     ports.AudioConfig
	Streaming ports.StreamingConfig

	// ChunkSize is the number of samples in every non-final chunk.
	ChunkSize        int
	SilenceThreshold float32

	// StreamingGrace is how long Stop keeps the connection open after the
	// stop marker so the service can return its last transcript.
	StreamingGrace time.Duration
	StreamTimeout  time.Duration

	Metrics *metrics.Metrics
}

func (cfg Config) withDefaults() Config {
	if cfg.Audio.SampleRate <= 0 {
		cfg.Audio.SampleRate = pcm.DefaultSampleRate
	}
	if cfg.Audio.Channels <= 0 {
		cfg.Audio.Channels = 1
	}
	if cfg.Audio.FrameSize <= 0 {
		cfg.Audio.FrameSize = pcm.DefaultFrameSize
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = pcm.SamplesFor(2*time.Second, cfg.Audio.SampleRate)
	}
	if cfg.SilenceThreshold < 0 {
		cfg.SilenceThreshold = pcm.DefaultSilenceThreshold
	}
	if cfg.Streaming.SampleRate <= 0 {
		cfg.Streaming.SampleRate = cfg.Audio.SampleRate
	}
	if cfg.Streaming.Channels <= 0 {
		cfg.Streaming.Channels = cfg.Audio.Channels
	}
	if cfg.Streaming.ChunkSeconds <= 0 {
		cfg.Streaming.ChunkSeconds = pcm.Duration(cfg.ChunkSize, cfg.Audio.SampleRate).Seconds()
	}
	if cfg.StreamingGrace < 0 {
		cfg.StreamingGrace = 0
	}
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = defaultStreamTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Private()
	}
	return cfg
}

// SessionController orchestrates push-to-talk recording and transcription.
type SessionController struct {
	audio     ports.AudioCapture
	provider  ports.TranscriptionProvider
	events    ports.EventSink
	finalizer transcriptFinalizer
	metrics   *metrics.Metrics
	cfg       Config

	mu        sync.Mutex
	life      *lifecycle
	current   *activeSession
	lastError string

	connMu     sync.Mutex
	connection domain.ConnectionStatus
}

func NewSessionController(
	audio ports.AudioCapture,
	provider ports.TranscriptionProvider,
	vocabulary ports.Vocabulary,
	clipboard ports.Clipboard,
	events ports.EventSink,
	cfg Config,
) *SessionController {
	cfg = cfg.withDefaults()
	return &SessionController{
		audio:      audio,
		provider:   provider,
		events:     events,
		finalizer:  newTranscriptFinalizer(vocabulary, clipboard, events),
		metrics:    cfg.Metrics,
		cfg:        cfg,
		life:       newLifecycle(),
		connection: domain.ConnectionDisconnected,
	}
}

// Start connects to the transcription service, opens the microphone and
// begins streaming. A session that is already capturing is discarded first.
func (c *SessionController) Start(ctx context.Context) error {
	c.mu.Lock()
	restart := c.current != nil && c.life.State() == domain.SessionStateCapturing
	c.mu.Unlock()

	if restart {
		if err := c.Cancel(); err != nil {
			return err
		}
	}

	c.mu.Lock()
	if err := c.life.Transition(domain.SessionStateConnecting); err != nil {
		c.mu.Unlock()
		return err
	}
	sessionCtx, cancel := context.WithCancel(ctx)
	active := newActiveSession(uuid.NewString(), cancel, c.cfg.ChunkSize)
	c.current = active
	c.lastError = ""
	c.mu.Unlock()

	active.log.Infow("recording session starting",
		"sample_rate", c.cfg.Streaming.SampleRate,
		"chunk_samples", c.cfg.ChunkSize,
	)
	c.events.SessionStateChanged(domain.SessionStateConnecting, domain.SessionReasonConnecting)

	stream, err := c.provider.StartStreaming(sessionCtx, c.cfg.Streaming, c.connectionChanged)
	if err != nil {
		return c.failStart(active, err, domain.SessionReasonConnectionFailed)
	}

	source, err := c.audio.Start(sessionCtx, c.cfg.Audio)
	if err != nil {
		_ = stream.Close()
		return c.failStart(active, err, domain.SessionReasonMicrophoneFailed)
	}

	c.mu.Lock()
	if c.current != active {
		c.mu.Unlock()
		_ = source.Stop()
		_ = stream.Close()
		return ErrSessionCancelled
	}
	if err := c.life.Transition(domain.SessionStateCapturing); err != nil {
		c.mu.Unlock()
		_ = source.Stop()
		_ = stream.Close()
		return err
	}
	active.source = source
	active.stream = stream
	active.accepting.Store(c.life.AcceptsFrames())
	c.mu.Unlock()

	c.metrics.SessionsStarted.Inc()
	c.metrics.SessionsActive.Inc()

	pump := &capturePump{
		session:   active,
		threshold: c.cfg.SilenceThreshold,
		events:    c.events,
		metrics:   c.metrics,
		log:       active.log,
	}
	go consumeTranscriptionEvents(stream, active.aggregator, c.events, active.log, active.eventsDone)
	go pump.run()
	go c.watchConnection(active)

	reason := domain.SessionReasonRecordingStarted
	if restart {
		reason = domain.SessionReasonRecordingRestarted
	}
	active.log.Infow("recording started")
	c.events.SessionStateChanged(domain.SessionStateCapturing, reason)
	return nil
}

// Stop flushes the remaining audio as the final chunk, sends the stop
// marker, closes the connection and returns the processed transcript.
func (c *SessionController) Stop(ctx context.Context) (domain.StopResult, error) {
	c.mu.Lock()
	active := c.current
	if active == nil {
		c.mu.Unlock()
		return domain.StopResult{}, ErrNoActiveSession
	}
	if err := c.life.Transition(domain.SessionStateStopping); err != nil {
		c.mu.Unlock()
		return domain.StopResult{}, err
	}
	active.accepting.Store(c.life.AcceptsFrames())
	c.mu.Unlock()

	active.log.Infow("stopping recording")
	c.events.SessionStateChanged(domain.SessionStateStopping, domain.SessionReasonTranscribing)

	if err := active.source.Stop(); err != nil {
		active.log.Warnw("audio capture did not stop cleanly", "error", err)
		c.events.SessionError(domain.ErrorCodeAudioStop, "failed to stop audio capture cleanly")
	}
	<-active.pumpDone

	if tail := active.chunker.Flush(); len(tail) > 0 {
		sendChunk(active, tail, true)
	}
	if err := active.stream.SendStop(); err != nil {
		active.log.Warnw("failed to send stop marker", "error", err)
	}

	c.sleep(ctx, c.cfg.StreamingGrace)

	_ = active.stream.CloseSend()
	streamErr := waitForStream(active.stream, c.cfg.StreamTimeout)
	<-active.eventsDone
	<-active.watchDone

	c.metrics.SessionsActive.Dec()
	c.metrics.SessionDuration.Observe(time.Since(active.started).Seconds())

	raw := active.aggregator.Raw()
	if raw == "" && streamErr != nil {
		active.log.Errorw("transcription failed", "error", streamErr)
		c.metrics.SessionsFailed.WithLabelValues(string(domain.ErrorCodeTranscription)).Inc()
		c.events.SessionError(domain.ErrorCodeTranscription, streamErr.Error())
		c.finish(active, domain.SessionStateError, domain.SessionReasonTranscriptionFailed, streamErr)
		return domain.StopResult{}, streamErr
	}
	if raw == "" {
		active.log.Infow("recording produced no transcript")
		c.finish(active, domain.SessionStateIdle, domain.SessionReasonNoTranscript, nil)
		return domain.StopResult{}, ErrNoTranscript
	}

	result, reason, err := c.finalizer.Finalize(ctx, active, raw)
	if err != nil {
		c.metrics.SessionsFailed.WithLabelValues(string(domain.ErrorCodeRules)).Inc()
		c.finish(active, domain.SessionStateError, reason, err)
		return domain.StopResult{}, err
	}

	c.events.FinalTranscript(result.RawTranscript, result.FinalTranscript)
	c.finish(active, domain.SessionStateIdle, reason, nil)
	return result, nil
}

// Cancel discards buffered audio without flushing, releases the microphone
// and closes the connection. It returns nil when nothing is recording.
func (c *SessionController) Cancel() error {
	c.mu.Lock()
	active := c.current
	if active == nil {
		c.mu.Unlock()
		return nil
	}
	if err := c.life.Transition(domain.SessionStateCancelling); err != nil {
		c.mu.Unlock()
		return err
	}
	active.accepting.Store(c.life.AcceptsFrames())
	c.current = nil
	c.mu.Unlock()

	c.events.SessionStateChanged(domain.SessionStateCancelling, domain.SessionReasonRecordingDiscarded)
	c.discard(active)
	active.log.Infow("recording discarded")
	c.toIdle(domain.SessionReasonRecordingDiscarded)
	return nil
}

// Status returns the current backend status.
func (c *SessionController) Status() domain.Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	state := c.life.State()
	status := domain.Status{
		State:      state,
		Connection: c.connectionStatus(),
		Active:     state != domain.SessionStateIdle,
		Message:    c.lastError,
	}
	if c.current != nil {
		status.SessionID = c.current.id
	}
	return status
}

// connectionChanged is handed to the transport. It must not take c.mu: the
// transport reports its final status while the controller may hold it.
func (c *SessionController) connectionChanged(status domain.ConnectionStatus) {
	c.connMu.Lock()
	c.connection = status
	c.connMu.Unlock()

	logging.Debugw("connection status changed", "status", status)
	c.events.ConnectionStatusChanged(status)
}

func (c *SessionController) connectionStatus() domain.ConnectionStatus {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.connection
}

// watchConnection tears the session down when the transport closes while
// audio is still being captured. The session never resumes.
func (c *SessionController) watchConnection(active *activeSession) {
	defer close(active.watchDone)

	<-active.stream.Done()

	c.mu.Lock()
	if c.current != active || c.life.State() != domain.SessionStateCapturing {
		c.mu.Unlock()
		return
	}
	_ = c.life.Transition(domain.SessionStateError)
	active.accepting.Store(c.life.AcceptsFrames())
	c.current = nil
	c.lastError = "connection to the transcription service was lost"
	c.mu.Unlock()

	detail := dropDetail(active.stream.Wait())
	active.log.Errorw("connection lost while recording", "error", detail)
	c.metrics.SessionsFailed.WithLabelValues(string(domain.ErrorCodeConnectionLost)).Inc()
	c.events.SessionStateChanged(domain.SessionStateError, domain.SessionReasonConnectionLost)
	c.events.SessionError(domain.ErrorCodeConnectionLost, detail)

	active.cancel()
	_ = active.source.Stop()
	<-active.pumpDone
	<-active.eventsDone
	active.chunker.Discard()
	c.metrics.SessionsActive.Dec()

	c.toIdle(domain.SessionReasonConnectionLost)
}

func dropDetail(err error) string {
	if err == nil {
		return "connection closed by transcription service"
	}
	return err.Error()
}

func (c *SessionController) failStart(active *activeSession, err error, reason domain.SessionStateReason) error {
	active.cancel()

	c.mu.Lock()
	if c.current != active {
		c.mu.Unlock()
		active.log.Infow("recording cancelled while connecting", "error", err)
		return ErrSessionCancelled
	}
	c.current = nil
	_ = c.life.Transition(domain.SessionStateError)
	c.lastError = err.Error()
	c.mu.Unlock()

	code := startErrorCode(err)
	active.log.Errorw("recording session failed to start", "error", err, "code", code)
	c.metrics.SessionsFailed.WithLabelValues(string(code)).Inc()
	c.events.SessionError(code, err.Error())
	c.events.SessionStateChanged(domain.SessionStateError, reason)
	c.toIdle(reason)
	return err
}

func startErrorCode(err error) domain.ErrorCode {
	code := domain.ErrorCodeFor(err)
	if code == domain.ErrorCodeTranscription {
		return domain.ErrorCodeStartup
	}
	return code
}

// discard releases every resource of a session without sending what is
// still buffered.
func (c *SessionController) discard(active *activeSession) {
	active.accepting.Store(false)
	active.cancel()
	if !active.running() {
		return
	}

	_ = active.source.Stop()
	_ = active.stream.Close()
	active.waitWorkers()
	<-active.watchDone
	active.chunker.Discard()
	c.metrics.SessionsActive.Dec()
}

func (c *SessionController) finish(active *activeSession, state domain.SessionState, reason domain.SessionStateReason, err error) {
	active.cancel()

	c.mu.Lock()
	if c.current == active {
		c.current = nil
	}
	if state == domain.SessionStateError {
		_ = c.life.Transition(domain.SessionStateError)
		if err != nil {
			c.lastError = err.Error()
		}
	}
	c.mu.Unlock()

	if state == domain.SessionStateError {
		c.events.SessionStateChanged(domain.SessionStateError, reason)
	}
	c.toIdle(reason)
}

func (c *SessionController) toIdle(reason domain.SessionStateReason) {
	c.mu.Lock()
	if err := c.life.Transition(domain.SessionStateIdle); err != nil {
		c.mu.Unlock()
		logging.Warnw("unexpected session transition", "error", err)
		return
	}
	c.mu.Unlock()
	c.events.SessionStateChanged(domain.SessionStateIdle, reason)
}

func (c *SessionController) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
