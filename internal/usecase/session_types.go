package usecase

import (
	"sync/atomic"
	"time"

	"postmic/internal/logging"
	"postmic/internal/pcm"
	"postmic/internal/ports"
)

type activeSession struct {
	id      string
	started time.Time
	cancel  func()
	log     logging.Logger

	// source and stream are set once the session reaches Capturing.
	source ports.FrameSource
	stream ports.StreamingSession

	chunker    *pcm.Chunker
	aggregator *transcriptAggregator
	sent       sendCounter

	// accepting mirrors the lifecycle: only a capturing session queues frames.
	accepting atomic.Bool

	eventsDone chan struct{}
	pumpDone   chan struct{}
	watchDone  chan struct{}
}

func newActiveSession(id string, cancel func(), chunkSize int) *activeSession {
	return &activeSession{
		id:         id,
		started:    time.Now(),
		cancel:     cancel,
		log:        logging.With(logging.SessionFields(id)...),
		chunker:    pcm.NewChunker(chunkSize),
		aggregator: newTranscriptAggregator(),
		eventsDone: make(chan struct{}),
		pumpDone:   make(chan struct{}),
		watchDone:  make(chan struct{}),
	}
}

// running reports whether the capture goroutines were started.
func (s *activeSession) running() bool {
	return s.source != nil && s.stream != nil
}

// waitWorkers blocks until the pump and the transcript consumer exit.
func (s *activeSession) waitWorkers() {
	if !s.running() {
		return
	}
	<-s.pumpDone
	<-s.eventsDone
}

type sendCounter struct {
	chunks  atomic.Int64
	samples atomic.Int64
}

func (c *sendCounter) add(samples int) {
	c.chunks.Add(1)
	c.samples.Add(int64(samples))
}
