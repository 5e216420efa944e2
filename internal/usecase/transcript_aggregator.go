package usecase

import (
	"strings"
	"sync"

	"postmic/internal/domain"
	"postmic/internal/logging"
	"postmic/internal/ports"
)

const (
	shortThoughtMin = 11
	longThoughtMin  = 51
)

// transcriptAggregator keeps the latest cumulative transcript and the last
// one that read as a complete thought.
type transcriptAggregator struct {
	mu        sync.Mutex
	latest    string
	committed string
}

func newTranscriptAggregator() *transcriptAggregator {
	return &transcriptAggregator{}
}

// Add records an update and reports whether it was committed.
func (a *transcriptAggregator) Add(event domain.TranscriptEvent) bool {
	text := strings.TrimSpace(event.Text)
	if text == "" {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.latest = text
	if event.Kind != domain.TranscriptKindCommitted && !isCompleteThought(text) {
		return false
	}
	a.committed = text
	return true
}

// Raw is the committed transcript, or the latest update when nothing was
// committed.
func (a *transcriptAggregator) Raw() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.committed != "" {
		return a.committed
	}
	return a.latest
}

func isCompleteThought(text string) bool {
	endsSentence := strings.HasSuffix(text, ".") || strings.HasSuffix(text, "!") || strings.HasSuffix(text, "?")
	n := len([]rune(text))
	switch {
	case n >= longThoughtMin:
		return endsSentence ||
			strings.Contains(text, ". ") ||
			strings.Contains(text, "! ") ||
			strings.Contains(text, "? ")
	case n >= shortThoughtMin:
		return endsSentence
	default:
		return false
	}
}

func consumeTranscriptionEvents(
	session ports.StreamingSession,
	aggregator *transcriptAggregator,
	events ports.EventSink,
	log logging.Logger,
	done chan struct{},
) {
	defer close(done)

	for event := range session.Events() {
		text := strings.TrimSpace(event.Text)
		if text == "" {
			continue
		}
		events.PartialTranscript(text)
		if aggregator.Add(event) {
			log.Debugw("transcript committed", "chars", len(text))
			events.TranscriptCommitted(text)
		}
	}
}
