package usecase

import (
	"errors"
	"fmt"
	"io"
	"time"

	"postmic/internal/domain"
	"postmic/internal/logging"
	"postmic/internal/metrics"
	"postmic/internal/pcm"
	"postmic/internal/ports"
)

// capturePump moves frames from the microphone into the pending chunk queue
// and sends every full chunk. It is the only writer to the session chunker
// until it exits.
type capturePump struct {
	session   *activeSession
	threshold float32
	events    ports.EventSink
	metrics   *metrics.Metrics
	log       logging.Logger

	level domain.InputLevel
}

func (p *capturePump) run() {
	defer close(p.session.pumpDone)

	for {
		frame, err := p.session.source.NextFrame()
		if len(frame) > 0 {
			p.process(frame)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.log.Errorw("audio capture failed", "error", err)
				p.events.SessionError(domain.ErrorCodeAudioStream, fmt.Sprintf("audio capture error: %v", err))
			}
			return
		}
	}
}

func (p *capturePump) process(frame []float32) {
	defer p.metrics.FramesCaptured.Inc()
	if !p.session.accepting.Load() {
		return
	}
	if pcm.IsSilent(frame, p.threshold) {
		p.metrics.FramesSilent.Inc()
		return
	}

	if level := pcm.ClassifyLevel(pcm.RMS(frame)); level != p.level {
		p.level = level
		p.log.Debugw("input level changed", "level", level)
		p.events.InputLevelChanged(level)
	}

	p.session.chunker.Push(pcm.ToInt16(frame))
	for _, chunk := range p.session.chunker.Drain() {
		sendChunk(p.session, chunk, false)
	}
}

// sendChunk sends one chunk without retrying. Failures are logged and
// counted by the transport.
func sendChunk(session *activeSession, chunk []int16, final bool) {
	if err := session.stream.SendChunk(chunk, final); err != nil {
		session.log.Warnw("failed to send audio chunk", "error", err, "chunk.samples", len(chunk), "chunk.final", final)
		return
	}
	session.sent.add(len(chunk))
}

func waitForStream(session ports.StreamingSession, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		done <- session.Wait()
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		_ = session.Close()
		return <-done
	}
}
