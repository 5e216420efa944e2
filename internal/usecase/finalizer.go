package usecase

import (
	"context"
	"fmt"

	"postmic/internal/domain"
	"postmic/internal/ports"
)

// transcriptFinalizer turns the raw service transcript into the text the
// user receives: vocabulary first, then the clipboard.
type transcriptFinalizer struct {
	vocabulary ports.Vocabulary
	clipboard  ports.Clipboard
	events     ports.EventSink
}

func newTranscriptFinalizer(vocabulary ports.Vocabulary, clipboard ports.Clipboard, events ports.EventSink) transcriptFinalizer {
	return transcriptFinalizer{vocabulary: vocabulary, clipboard: clipboard, events: events}
}

func (f transcriptFinalizer) Finalize(ctx context.Context, session *activeSession, raw string) (domain.StopResult, domain.SessionStateReason, error) {
	log := session.log

	transformed, err := f.vocabulary.Apply(raw)
	if err != nil {
		log.Errorw("vocabulary failed", "error", err)
		f.events.SessionError(domain.ErrorCodeRules, err.Error())
		return domain.StopResult{}, domain.SessionReasonRulesFailed, fmt.Errorf("apply vocabulary: %w", err)
	}

	result := domain.StopResult{
		RawTranscript:   raw,
		FinalTranscript: transformed,
		ChunksSent:      int(session.sent.chunks.Load()),
		SamplesSent:     int(session.sent.samples.Load()),
	}

	if err := f.clipboard.SetText(ctx, transformed); err != nil {
		log.Warnw("clipboard write failed", "error", err)
		f.events.SessionError(domain.ErrorCodeClipboard, "transcript ready but clipboard write failed")
		return result, domain.SessionReasonTranscriptReadyClipboardFailed, nil
	}

	result.Copied = true
	log.Infow("transcript finalized",
		"transcript.raw_chars", len(raw),
		"transcript.final_chars", len(transformed),
		"chunks", result.ChunksSent,
	)
	return result, domain.SessionReasonTranscriptCopied, nil
}
